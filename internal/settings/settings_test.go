package settings

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaults(t *testing.T) {
	s := NewStore()
	assert.Equal(t, Snapshot{
		DetectionTarget: TargetBoth,
		Mode:            ModeActive,
		AlertsEnabled:   true,
		Confidence:      0.5,
	}, s.Snapshot())
}

func TestSetDetectionTarget(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want Target
	}{
		{"person", "person", TargetPerson},
		{"phone", "phone", TargetPhone},
		{"both", "both", TargetBoth},
		{"mixed case", " Phone ", TargetPhone},
		{"unknown", "cat", TargetBoth},
		{"missing", nil, TargetBoth},
		{"wrong type", 3, TargetBoth},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewStore()
			s.SetDetectionTarget("person")
			got := s.SetDetectionTarget(tt.in)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.want, s.Snapshot().DetectionTarget)
		})
	}
}

func TestSetMode(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want Mode
	}{
		{"active", "active", ModeActive},
		{"paused", "paused", ModePaused},
		{"stop literal", "stop", ModePaused},
		{"unknown", "sleep", ModeActive},
		{"missing", nil, ModeActive},
		{"wrong type", false, ModeActive},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewStore()
			s.SetMode("paused")
			assert.Equal(t, tt.want, s.SetMode(tt.in))
			assert.Equal(t, tt.want, s.Snapshot().Mode)
		})
	}
}

func TestSetConfidenceThreshold(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want float64
	}{
		{"float", 0.25, 0.25},
		{"zero", 0.0, 0},
		{"one", 1, 1},
		{"numeric string", "0.7", 0.7},
		{"json number", float64(0.9), 0.9},
		{"garbage string", "high", 0.5},
		{"missing", nil, 0.5},
		{"above range", 3.5, 0.5},
		{"below range", -0.1, 0.5},
		{"bool", true, 0.5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewStore()
			s.SetConfidenceThreshold(0.1)
			assert.InDelta(t, tt.want, s.SetConfidenceThreshold(tt.in), 1e-9)
			assert.InDelta(t, tt.want, s.Snapshot().Confidence, 1e-9)
		})
	}
}

func TestSetAlertsEnabled(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want bool
	}{
		{"true", true, true},
		{"false", false, false},
		{"string false", "false", false},
		{"string true", "TRUE", true},
		{"zero", 0, false},
		{"missing", nil, true},
		{"garbage", "maybe", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewStore()
			s.SetAlertsEnabled(!tt.want)
			assert.Equal(t, tt.want, s.SetAlertsEnabled(tt.in))
			assert.Equal(t, tt.want, s.Snapshot().AlertsEnabled)
		})
	}
}

func TestSettersLeaveOtherFieldsUntouched(t *testing.T) {
	s := NewStore()
	s.SetDetectionTarget("phone")
	s.SetMode("paused")
	s.SetConfidenceThreshold(0.8)
	s.SetAlertsEnabled(false)

	assert.Equal(t, Snapshot{
		DetectionTarget: TargetPhone,
		Mode:            ModePaused,
		AlertsEnabled:   false,
		Confidence:      0.8,
	}, s.Snapshot())

	s.SetDetectionTarget("nonsense")
	snap := s.Snapshot()
	assert.Equal(t, TargetBoth, snap.DetectionTarget)
	assert.Equal(t, ModePaused, snap.Mode)
	assert.False(t, snap.AlertsEnabled)
	assert.InDelta(t, 0.8, snap.Confidence, 1e-9)
}

func TestConcurrentAccess(t *testing.T) {
	s := NewStore()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				s.SetMode("paused")
			} else {
				s.SetMode("active")
			}
			s.SetConfidenceThreshold(0.3)
		}(i)
		go func() {
			defer wg.Done()
			snap := s.Snapshot()
			assert.Contains(t, []Mode{ModeActive, ModePaused}, snap.Mode)
		}()
	}
	wg.Wait()
	assert.InDelta(t, 0.3, s.Snapshot().Confidence, 1e-9)
}
