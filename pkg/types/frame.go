package types

import (
	"image"
	"time"
)

// Frame is one decoded video frame flowing through a session pipeline
type Frame struct {
	Image     *image.RGBA // Decoded pixels
	Timestamp time.Time   // Time the frame left the decoder
	FrameNum  uint64      // Sequential frame number within the session
}

// NewFrame wraps raw RGBA bytes (len = width*height*4) without copying
func NewFrame(pix []byte, width, height int, frameNum uint64) *Frame {
	return &Frame{
		Image: &image.RGBA{
			Pix:    pix,
			Stride: width * 4,
			Rect:   image.Rect(0, 0, width, height),
		},
		Timestamp: time.Now(),
		FrameNum:  frameNum,
	}
}

// Clone returns a deep copy of the frame
func (f *Frame) Clone() *Frame {
	img := image.NewRGBA(f.Image.Rect)
	copy(img.Pix, f.Image.Pix)
	return &Frame{
		Image:     img,
		Timestamp: f.Timestamp,
		FrameNum:  f.FrameNum,
	}
}

// Width returns the frame width in pixels
func (f *Frame) Width() int { return f.Image.Rect.Dx() }

// Height returns the frame height in pixels
func (f *Frame) Height() int { return f.Image.Rect.Dy() }

// Bytes returns the raw RGBA pixel buffer
func (f *Frame) Bytes() []byte { return f.Image.Pix }
