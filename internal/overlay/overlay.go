// Package overlay burns detection boxes and labels into RGBA frames.
package overlay

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/aimicromind/vision-relay/internal/detect"
)

var (
	personColor = color.RGBA{R: 0, G: 220, B: 0, A: 255}
	phoneColor  = color.RGBA{R: 255, G: 140, B: 0, A: 255}
	otherColor  = color.RGBA{R: 0, G: 160, B: 255, A: 255}
	labelText   = color.RGBA{R: 255, G: 255, B: 255, A: 255}
)

// Renderer draws detections onto a frame in place.
type Renderer struct {
	thickness int
	padding   int
	face      font.Face
}

// NewRenderer returns a renderer using the 7x13 bitmap font.
func NewRenderer() *Renderer {
	return &Renderer{
		thickness: 2,
		padding:   2,
		face:      basicfont.Face7x13,
	}
}

// Draw renders every detection box with a "class 0.87" label.
func (r *Renderer) Draw(img *image.RGBA, dets []detect.Detection) {
	for _, det := range dets {
		c := classColor(det.Class)
		r.drawRect(img, det.Box, c)
		r.drawLabel(img, det.Box, fmt.Sprintf("%s %.2f", det.Class, det.Confidence), c)
	}
}

func classColor(class string) color.RGBA {
	switch class {
	case detect.ClassPerson:
		return personColor
	case detect.ClassPhone:
		return phoneColor
	default:
		return otherColor
	}
}

func (r *Renderer) drawRect(img *image.RGBA, box image.Rectangle, c color.RGBA) {
	box = box.Intersect(img.Rect)
	if box.Empty() {
		return
	}
	src := image.NewUniform(c)
	t := r.thickness
	edges := []image.Rectangle{
		image.Rect(box.Min.X, box.Min.Y, box.Max.X, box.Min.Y+t), // top
		image.Rect(box.Min.X, box.Max.Y-t, box.Max.X, box.Max.Y), // bottom
		image.Rect(box.Min.X, box.Min.Y, box.Min.X+t, box.Max.Y), // left
		image.Rect(box.Max.X-t, box.Min.Y, box.Max.X, box.Max.Y), // right
	}
	for _, e := range edges {
		draw.Draw(img, e.Intersect(box), src, image.Point{}, draw.Src)
	}
}

func (r *Renderer) drawLabel(img *image.RGBA, box image.Rectangle, text string, bg color.RGBA) {
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(labelText),
		Face: r.face,
	}

	metrics := r.face.Metrics()
	textW := d.MeasureString(text).Ceil()
	textH := (metrics.Ascent + metrics.Descent).Ceil()
	w := textW + r.padding*2
	h := textH + r.padding*2

	// Label sits above the box, or inside it when the box touches the top edge.
	top := box.Min.Y - h
	if top < img.Rect.Min.Y {
		top = box.Min.Y
	}
	bgRect := image.Rect(box.Min.X, top, box.Min.X+w, top+h).Intersect(img.Rect)
	if bgRect.Empty() {
		return
	}
	draw.Draw(img, bgRect, image.NewUniform(bg), image.Point{}, draw.Src)

	d.Dot = fixed.Point26_6{
		X: fixed.I(bgRect.Min.X + r.padding),
		Y: fixed.I(top+r.padding) + metrics.Ascent,
	}
	d.DrawString(text)
}
