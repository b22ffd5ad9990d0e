// Package settings holds the runtime detection settings shared by every
// session and mutated through the HTTP config endpoints.
package settings

import (
	"math"
	"strings"
	"sync"

	"github.com/spf13/cast"
)

// Target selects which tracked classes count toward the alert condition.
type Target string

const (
	TargetPerson Target = "person"
	TargetPhone  Target = "phone"
	TargetBoth   Target = "both"
)

// Mode is the processing mode. Paused frames pass through untouched.
type Mode string

const (
	ModeActive Mode = "active"
	ModePaused Mode = "paused"
)

const (
	DefaultTarget     = TargetBoth
	DefaultMode       = ModeActive
	DefaultAlerts     = true
	DefaultConfidence = 0.5
)

// Snapshot is an immutable copy of the settings at one point in time.
type Snapshot struct {
	DetectionTarget Target  `json:"detect"`
	Mode            Mode    `json:"mode"`
	AlertsEnabled   bool    `json:"alerts"`
	Confidence      float64 `json:"confidence"`
}

// Active reports whether frames should be run through detection.
func (s Snapshot) Active() bool {
	return s.Mode == ModeActive
}

// Defaults returns the settings a fresh process starts with.
func Defaults() Snapshot {
	return Snapshot{
		DetectionTarget: DefaultTarget,
		Mode:            DefaultMode,
		AlertsEnabled:   DefaultAlerts,
		Confidence:      DefaultConfidence,
	}
}

// Store is the single owner of the runtime settings. Setters never fail:
// malformed input falls back to the field's default.
type Store struct {
	mu   sync.RWMutex
	snap Snapshot
}

// NewStore returns a store holding Defaults().
func NewStore() *Store {
	return &Store{snap: Defaults()}
}

// Snapshot returns a consistent copy of all four fields.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

// SetDetectionTarget stores person, phone or both. Anything else means both.
func (s *Store) SetDetectionTarget(v any) Target {
	target := ParseTarget(v)
	s.mu.Lock()
	s.snap.DetectionTarget = target
	s.mu.Unlock()
	return target
}

// SetMode stores active or paused. Unrecognized input means active.
func (s *Store) SetMode(v any) Mode {
	mode := ParseMode(v)
	s.mu.Lock()
	s.snap.Mode = mode
	s.mu.Unlock()
	return mode
}

// SetConfidenceThreshold stores a threshold in [0,1], or 0.5 when v is
// missing, non-numeric or out of range.
func (s *Store) SetConfidenceThreshold(v any) float64 {
	conf := ParseConfidence(v)
	s.mu.Lock()
	s.snap.Confidence = conf
	s.mu.Unlock()
	return conf
}

// SetAlertsEnabled stores the alert toggle, true when v is missing or not
// interpretable as a boolean.
func (s *Store) SetAlertsEnabled(v any) bool {
	enabled := ParseAlerts(v)
	s.mu.Lock()
	s.snap.AlertsEnabled = enabled
	s.mu.Unlock()
	return enabled
}

// ParseTarget coerces v to a Target.
func ParseTarget(v any) Target {
	str, ok := v.(string)
	if !ok {
		return DefaultTarget
	}
	switch t := Target(strings.ToLower(strings.TrimSpace(str))); t {
	case TargetPerson, TargetPhone, TargetBoth:
		return t
	default:
		return DefaultTarget
	}
}

// ParseMode coerces v to a Mode. "stop" is accepted for paused since older
// browser clients send it.
func ParseMode(v any) Mode {
	str, ok := v.(string)
	if !ok {
		return DefaultMode
	}
	switch strings.ToLower(strings.TrimSpace(str)) {
	case "paused", "pause", "stop", "stopped":
		return ModePaused
	default:
		return ModeActive
	}
}

// ParseConfidence coerces v to a threshold in [0,1].
func ParseConfidence(v any) float64 {
	if v == nil {
		return DefaultConfidence
	}
	if _, isBool := v.(bool); isBool {
		return DefaultConfidence
	}
	if str, ok := v.(string); ok {
		v = strings.TrimSpace(str)
	}
	f, err := cast.ToFloat64E(v)
	if err != nil || math.IsNaN(f) || f < 0 || f > 1 {
		return DefaultConfidence
	}
	return f
}

// ParseAlerts coerces v to a boolean.
func ParseAlerts(v any) bool {
	if v == nil {
		return DefaultAlerts
	}
	if str, ok := v.(string); ok {
		v = strings.ToLower(strings.TrimSpace(str))
	}
	b, err := cast.ToBoolE(v)
	if err != nil {
		return DefaultAlerts
	}
	return b
}
