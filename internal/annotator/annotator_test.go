package annotator

import (
	"context"
	"errors"
	"image"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aimicromind/vision-relay/internal/detect"
	"github.com/aimicromind/vision-relay/internal/metrics"
	"github.com/aimicromind/vision-relay/internal/notify"
	"github.com/aimicromind/vision-relay/internal/overlay"
	"github.com/aimicromind/vision-relay/internal/settings"
	"github.com/aimicromind/vision-relay/pkg/types"
)

// scriptedDetector returns a fixed (persons, phones) pair per call.
type scriptedDetector struct {
	mu     sync.Mutex
	script []Counts
	calls  int
	err    error
}

func (d *scriptedDetector) Detect(_ context.Context, _ image.Image, _ float64) ([]detect.Detection, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	c := d.script[d.calls%len(d.script)]
	d.calls++

	var out []detect.Detection
	for i := 0; i < c.Persons; i++ {
		out = append(out, detect.Detection{Class: detect.ClassPerson, Confidence: 0.9, Box: image.Rect(1, 1, 10, 10)})
	}
	for i := 0; i < c.Phones; i++ {
		out = append(out, detect.Detection{Class: detect.ClassPhone, Confidence: 0.7, Box: image.Rect(12, 12, 20, 20)})
	}
	return out, nil
}

type recordingNotifier struct {
	mu    sync.Mutex
	calls []Counts
}

func (n *recordingNotifier) Notify(persons, phones int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, Counts{Persons: persons, Phones: phones})
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.calls)
}

func newFrame() *types.Frame {
	pix := make([]byte, 32*32*4)
	for i := range pix {
		pix[i] = byte(i)
	}
	return types.NewFrame(pix, 32, 32, 1)
}

func run(t *testing.T, a *Annotator, n int) []Result {
	t.Helper()
	results := make([]Result, 0, n)
	for i := 0; i < n; i++ {
		_, res, err := a.Process(context.Background(), newFrame())
		require.NoError(t, err)
		results = append(results, res)
	}
	return results
}

func TestEdgeTriggeredNotification(t *testing.T) {
	det := &scriptedDetector{script: []Counts{{1, 1}, {1, 1}, {1, 1}, {0, 1}, {1, 1}}}
	n := &recordingNotifier{}
	a := New(settings.NewStore(), det, n, nil, metrics.New())

	results := run(t, a, 5)

	require.Equal(t, 2, n.count())
	notifiedAt := []int{}
	for i, r := range results {
		if r.Notified {
			notifiedAt = append(notifiedAt, i)
		}
	}
	assert.Equal(t, []int{0, 4}, notifiedAt)
	assert.True(t, a.Triggered())
}

func TestFilterAppliedAfterCounting(t *testing.T) {
	store := settings.NewStore()
	store.SetDetectionTarget("person")
	det := &scriptedDetector{script: []Counts{{2, 3}}}
	n := &recordingNotifier{}
	a := New(store, det, n, nil, nil)

	_, res, err := a.Process(context.Background(), newFrame())
	require.NoError(t, err)

	assert.Equal(t, Counts{Persons: 2, Phones: 3}, res.Raw)
	assert.Equal(t, Counts{Persons: 2, Phones: 0}, res.Effective)
	assert.Len(t, res.Detections, 5, "all raw detections are still rendered")
	assert.False(t, res.Notified)
	assert.Zero(t, n.count())
}

func TestPhoneTargetZeroesPersons(t *testing.T) {
	store := settings.NewStore()
	store.SetDetectionTarget("phone")
	a := New(store, &scriptedDetector{script: []Counts{{4, 1}}}, &recordingNotifier{}, nil, nil)

	_, res, err := a.Process(context.Background(), newFrame())
	require.NoError(t, err)
	assert.Equal(t, Counts{Persons: 0, Phones: 1}, res.Effective)
}

func TestPausedPassesFrameThrough(t *testing.T) {
	store := settings.NewStore()
	store.SetMode("paused")
	det := &scriptedDetector{script: []Counts{{1, 1}}}
	n := &recordingNotifier{}
	a := New(store, det, n, overlay.NewRenderer(), metrics.New())

	in := newFrame()
	original := append([]byte(nil), in.Bytes()...)

	out, res, err := a.Process(context.Background(), in)
	require.NoError(t, err)

	assert.Same(t, in, out)
	assert.Equal(t, original, out.Bytes())
	assert.True(t, res.Skipped)
	assert.Zero(t, det.calls)
	assert.Zero(t, n.count())
}

func TestActiveFrameIsAnnotatedOnCopy(t *testing.T) {
	a := New(settings.NewStore(), &scriptedDetector{script: []Counts{{1, 0}}}, nil, overlay.NewRenderer(), nil)

	in := newFrame()
	original := append([]byte(nil), in.Bytes()...)

	out, _, err := a.Process(context.Background(), in)
	require.NoError(t, err)

	assert.NotSame(t, in, out)
	assert.Equal(t, original, in.Bytes(), "input frame is left intact")
	assert.NotEqual(t, original, out.Bytes(), "boxes are burned into the output")
}

func TestDetectorFailurePropagates(t *testing.T) {
	boom := errors.New("model crashed")
	m := metrics.New()
	n := &recordingNotifier{}
	a := New(settings.NewStore(), &scriptedDetector{err: boom}, n, nil, m)

	out, _, err := a.Process(context.Background(), newFrame())
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Nil(t, out)
	assert.EqualValues(t, 1, m.DetectErrors.Load())
	assert.Zero(t, n.count())
}

func TestConfidenceThresholdPassedToDetector(t *testing.T) {
	store := settings.NewStore()
	store.SetConfidenceThreshold(0.8)

	var got float64
	det := detect.DetectorFunc(func(_ context.Context, _ image.Image, conf float64) ([]detect.Detection, error) {
		got = conf
		return nil, nil
	})
	a := New(store, det, nil, nil, nil)
	_, _, err := a.Process(context.Background(), newFrame())
	require.NoError(t, err)
	assert.InDelta(t, 0.8, got, 1e-9)
}

func TestAlertsDisabledNeverCallsWebhook(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	store := settings.NewStore()
	store.SetAlertsEnabled(false)
	hook := notify.NewWebhook(srv.URL, store)

	det := &scriptedDetector{script: []Counts{{3, 2}, {0, 0}}}
	a := New(store, det, hook, nil, nil)
	run(t, a, 10)
	hook.Wait()

	assert.Zero(t, hits.Load())
}

func TestSessionsTriggerIndependently(t *testing.T) {
	store := settings.NewStore()
	nA, nB := &recordingNotifier{}, &recordingNotifier{}

	a := New(store, &scriptedDetector{script: []Counts{{1, 1}, {1, 1}, {0, 0}, {1, 1}}}, nA, nil, nil)
	b := New(store, &scriptedDetector{script: []Counts{{0, 0}, {1, 1}, {1, 1}, {1, 1}}}, nB, nil, nil)

	drive := func(an *Annotator) {
		for i := 0; i < 4; i++ {
			_, _, err := an.Process(context.Background(), newFrame())
			assert.NoError(t, err)
		}
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); drive(a) }()
	go func() { defer wg.Done(); drive(b) }()
	wg.Wait()

	assert.Equal(t, 2, nA.count(), "A fires at frames 0 and 3")
	assert.Equal(t, 1, nB.count(), "B fires once at frame 1")
}

func TestResumingAfterPauseKeepsTriggerState(t *testing.T) {
	store := settings.NewStore()
	n := &recordingNotifier{}
	a := New(store, &scriptedDetector{script: []Counts{{1, 1}}}, n, nil, nil)

	run(t, a, 1)
	store.SetMode("paused")
	run(t, a, 3)
	store.SetMode("active")
	run(t, a, 1)

	assert.Equal(t, 1, n.count(), "a paused stretch neither rearms nor fires")
}
