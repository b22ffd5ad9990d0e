package webrtc

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aimicromind/vision-relay/internal/annotator"
	"github.com/aimicromind/vision-relay/internal/metrics"
	"github.com/aimicromind/vision-relay/internal/settings"
)

func newTestServer(t *testing.T, maxSessions int, m *metrics.Metrics) *Server {
	t.Helper()
	store := settings.NewStore()
	srv, err := NewServer(Options{
		MaxSessions: maxSessions,
		Codec:       fakeCodec{},
		NewProcessor: func() FrameProcessor {
			return annotator.New(store, personAndPhone(), nil, nil, m)
		},
		Metrics: m,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Close() })
	return srv
}

// newOfferer builds a browser-like peer that sends videoTracks VP8 tracks.
func newOfferer(t *testing.T, videoTracks int) (*webrtc.PeerConnection, webrtc.SessionDescription) {
	t.Helper()
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pc.Close() })

	for i := 0; i < videoTracks; i++ {
		track, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8},
			"camera", "browser",
		)
		require.NoError(t, err)
		_, err = pc.AddTrack(track)
		require.NoError(t, err)
	}
	if videoTracks == 0 {
		_, err := pc.CreateDataChannel("control", nil)
		require.NoError(t, err)
	}

	offer, err := pc.CreateOffer(nil)
	require.NoError(t, err)
	gathered := webrtc.GatheringCompletePromise(pc)
	require.NoError(t, pc.SetLocalDescription(offer))
	<-gathered

	return pc, *pc.LocalDescription()
}

func TestHandleOfferAnswersWithVP8(t *testing.T) {
	m := metrics.New()
	srv := newTestServer(t, 4, m)
	pc, offer := newOfferer(t, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	answer, err := srv.HandleOffer(ctx, offer)
	require.NoError(t, err)
	require.NotNil(t, answer)

	assert.Equal(t, webrtc.SDPTypeAnswer, answer.Type)
	assert.Contains(t, answer.SDP, "VP8")
	assert.NotContains(t, answer.SDP, "H264")
	assert.Contains(t, answer.SDP, "a=sendrecv")

	assert.Equal(t, 1, srv.SessionCount())
	assert.EqualValues(t, 1, m.TotalSessions.Load())
	assert.EqualValues(t, 1, m.ActiveSessions.Load())
	assert.Len(t, srv.SessionStats(), 1)

	require.NoError(t, pc.SetRemoteDescription(*answer))
}

func TestHandleOfferOneOutgoingTrackPerVideoLine(t *testing.T) {
	srv := newTestServer(t, 4, nil)
	_, offer := newOfferer(t, 2)

	answer, err := srv.HandleOffer(context.Background(), offer)
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(answer.SDP, "a=sendrecv"))
}

func TestHandleOfferRejectsOfferWithoutVideo(t *testing.T) {
	srv := newTestServer(t, 4, nil)
	_, offer := newOfferer(t, 0)

	_, err := srv.HandleOffer(context.Background(), offer)
	assert.ErrorIs(t, err, ErrNoVideo)
	assert.Zero(t, srv.SessionCount())
}

func TestHandleOfferRejectsGarbage(t *testing.T) {
	srv := newTestServer(t, 4, nil)

	_, err := srv.HandleOffer(context.Background(), webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  "not sdp",
	})
	assert.ErrorIs(t, err, ErrInvalidOffer)
}

func TestHandleOfferSessionLimit(t *testing.T) {
	srv := newTestServer(t, 1, nil)

	_, first := newOfferer(t, 1)
	_, err := srv.HandleOffer(context.Background(), first)
	require.NoError(t, err)

	_, second := newOfferer(t, 1)
	_, err = srv.HandleOffer(context.Background(), second)
	assert.ErrorIs(t, err, ErrTooManySessions)
	assert.Equal(t, 1, srv.SessionCount())
}

func TestHandleOfferSessionLimitConcurrent(t *testing.T) {
	srv := newTestServer(t, 1, nil)
	_, first := newOfferer(t, 1)
	_, second := newOfferer(t, 1)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, offer := range []webrtc.SessionDescription{first, second} {
		wg.Add(1)
		go func(i int, offer webrtc.SessionDescription) {
			defer wg.Done()
			_, errs[i] = srv.HandleOffer(context.Background(), offer)
		}(i, offer)
	}
	wg.Wait()

	var ok, rejected int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrTooManySessions):
			rejected++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, rejected)
	assert.Equal(t, 1, srv.SessionCount())
}

func TestHandleOfferFailureReleasesSlot(t *testing.T) {
	m := metrics.New()
	srv := newTestServer(t, 1, m)

	// Valid SDP, but an answer cannot be applied to a fresh peer connection.
	_, offer := newOfferer(t, 1)
	offer.Type = webrtc.SDPTypeAnswer
	_, err := srv.HandleOffer(context.Background(), offer)
	require.Error(t, err)
	assert.Zero(t, srv.SessionCount())
	assert.Zero(t, m.TotalSessions.Load())

	_, offer = newOfferer(t, 1)
	_, err = srv.HandleOffer(context.Background(), offer)
	require.NoError(t, err)
	assert.Equal(t, 1, srv.SessionCount())
}

func TestRemoveSession(t *testing.T) {
	m := metrics.New()
	srv := newTestServer(t, 4, m)

	_, offer := newOfferer(t, 1)
	_, err := srv.HandleOffer(context.Background(), offer)
	require.NoError(t, err)

	var id string
	for sid := range srv.SessionStats() {
		id = sid
	}
	require.NotEmpty(t, id)

	srv.RemoveSession(id)
	srv.RemoveSession(id) // second removal is a no-op

	assert.Zero(t, srv.SessionCount())
	assert.Zero(t, m.ActiveSessions.Load())
}

func TestNewServerRequiresCollaborators(t *testing.T) {
	_, err := NewServer(Options{})
	assert.Error(t, err)

	_, err = NewServer(Options{Codec: fakeCodec{}})
	assert.Error(t, err)
}
