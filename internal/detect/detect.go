// Package detect is the narrow boundary to the object-detection model.
package detect

import (
	"context"
	"image"
	"strings"
)

// Tracked class names. COCO calls the phone "cell phone"; it is normalised
// to "phone" so the rest of the relay only deals with these two names.
const (
	ClassPerson = "person"
	ClassPhone  = "phone"
)

// COCO class ids the model reports for the tracked classes.
const (
	cocoPerson    = 0
	cocoCellPhone = 67
)

// Detection is one object found in a frame.
type Detection struct {
	Class      string          `json:"class_name"`
	ClassID    int             `json:"class_id"`
	Confidence float64         `json:"confidence"`
	Box        image.Rectangle `json:"-"`
}

// Detector runs the model on a single frame, dropping results below
// confidence.
type Detector interface {
	Detect(ctx context.Context, img image.Image, confidence float64) ([]Detection, error)
}

// DetectorFunc adapts a function to Detector.
type DetectorFunc func(ctx context.Context, img image.Image, confidence float64) ([]Detection, error)

// Detect calls f.
func (f DetectorFunc) Detect(ctx context.Context, img image.Image, confidence float64) ([]Detection, error) {
	return f(ctx, img, confidence)
}

// NormalizeClass maps a model label and id to the relay's class name.
// Class ids win over labels when they identify a tracked class.
func NormalizeClass(id int, name string) string {
	switch id {
	case cocoPerson:
		if name == "" || strings.EqualFold(name, ClassPerson) {
			return ClassPerson
		}
	case cocoCellPhone:
		if name == "" || strings.EqualFold(name, "cell phone") || strings.EqualFold(name, ClassPhone) {
			return ClassPhone
		}
	}

	switch strings.ToLower(strings.TrimSpace(name)) {
	case "person":
		return ClassPerson
	case "cell phone", "cellphone", "phone", "mobile phone":
		return ClassPhone
	}
	return strings.TrimSpace(name)
}

// Count returns the number of person and phone detections.
func Count(dets []Detection) (persons, phones int) {
	for _, d := range dets {
		switch d.Class {
		case ClassPerson:
			persons++
		case ClassPhone:
			phones++
		}
	}
	return persons, phones
}
