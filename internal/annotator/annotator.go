// Package annotator runs detection on each frame of one video track, burns
// the boxes in and decides when to raise a co-occurrence event.
package annotator

import (
	"context"
	"fmt"
	"image"
	"time"

	"github.com/aimicromind/vision-relay/internal/detect"
	"github.com/aimicromind/vision-relay/internal/logger"
	"github.com/aimicromind/vision-relay/internal/metrics"
	"github.com/aimicromind/vision-relay/internal/settings"
	"github.com/aimicromind/vision-relay/pkg/types"
)

var log = logger.For("Annotator")

// Notifier receives a co-occurrence event. Implementations must not block.
type Notifier interface {
	Notify(persons, phones int)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(persons, phones int)

// Notify calls f.
func (f NotifierFunc) Notify(persons, phones int) { f(persons, phones) }

// Renderer burns detections into an image in place.
type Renderer interface {
	Draw(img *image.RGBA, dets []detect.Detection)
}

// Counts are the tracked-class totals for one frame.
type Counts struct {
	Persons int `json:"persons"`
	Phones  int `json:"phones"`
}

// Both reports whether a person and a phone are present together.
func (c Counts) Both() bool {
	return c.Persons > 0 && c.Phones > 0
}

// Filter zeroes the class the target excludes.
func (c Counts) Filter(target settings.Target) Counts {
	switch target {
	case settings.TargetPerson:
		c.Phones = 0
	case settings.TargetPhone:
		c.Persons = 0
	}
	return c
}

// Result describes what happened to one frame.
type Result struct {
	Skipped    bool               // paused: no detection ran
	Raw        Counts             // counts straight from the detector
	Effective  Counts             // counts after the target filter
	Notified   bool               // an event was raised on this frame
	Detections []detect.Detection // every detection, drawn regardless of target
}

// Annotator processes the frames of a single track. It is not safe for
// concurrent use; each track gets its own instance so the trigger state is
// never shared.
type Annotator struct {
	settings *settings.Store
	detector detect.Detector
	notifier Notifier
	renderer Renderer
	metrics  *metrics.Metrics

	triggered bool
}

// New creates an annotator with its trigger disarmed.
func New(store *settings.Store, detector detect.Detector, notifier Notifier, renderer Renderer, m *metrics.Metrics) *Annotator {
	return &Annotator{
		settings: store,
		detector: detector,
		notifier: notifier,
		renderer: renderer,
		metrics:  m,
	}
}

// Triggered reports whether a co-occurrence episode is in progress.
func (a *Annotator) Triggered() bool {
	return a.triggered
}

// Process handles one frame. While paused the input frame is returned as is.
// A detector failure is returned and the frame is not replaced.
func (a *Annotator) Process(ctx context.Context, frame *types.Frame) (*types.Frame, Result, error) {
	snap := a.settings.Snapshot()
	if !snap.Active() {
		if a.metrics != nil {
			a.metrics.FramesPassthrough.Add(1)
		}
		return frame, Result{Skipped: true}, nil
	}

	start := time.Now()
	dets, err := a.detector.Detect(ctx, frame.Image, snap.Confidence)
	if a.metrics != nil {
		a.metrics.UpdateDetectLatency(time.Since(start))
	}
	if err != nil {
		if a.metrics != nil {
			a.metrics.DetectErrors.Add(1)
		}
		return nil, Result{}, fmt.Errorf("detect frame %d: %w", frame.FrameNum, err)
	}

	persons, phones := detect.Count(dets)
	raw := Counts{Persons: persons, Phones: phones}
	effective := raw.Filter(snap.DetectionTarget)

	log.Debug("Detected P=%d Ph=%d | mode=%s detect=%s", effective.Persons, effective.Phones, snap.Mode, snap.DetectionTarget)

	notified := a.decide(effective)

	out := frame.Clone()
	if a.renderer != nil {
		a.renderer.Draw(out.Image, dets)
	}
	if a.metrics != nil {
		a.metrics.FramesAnnotated.Add(1)
	}

	return out, Result{
		Raw:        raw,
		Effective:  effective,
		Notified:   notified,
		Detections: dets,
	}, nil
}

// decide applies the edge trigger: notify on entering "both present", rearm
// when either class disappears, stay quiet while the episode continues.
func (a *Annotator) decide(c Counts) bool {
	if !c.Both() {
		a.triggered = false
		return false
	}
	if a.triggered {
		return false
	}

	a.triggered = true
	if a.metrics != nil {
		a.metrics.EventsTriggered.Add(1)
	}
	if a.notifier != nil {
		a.notifier.Notify(c.Persons, c.Phones)
	}
	return true
}
