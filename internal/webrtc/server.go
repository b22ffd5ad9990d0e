package webrtc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"

	"github.com/aimicromind/vision-relay/internal/codec"
	"github.com/aimicromind/vision-relay/internal/events"
	"github.com/aimicromind/vision-relay/internal/logger"
	"github.com/aimicromind/vision-relay/internal/metrics"
)

const (
	// VP8 clock rate (90kHz for video)
	vp8ClockRate = 90000

	defaultGatherTimeout = 10 * time.Second
	defaultPLIInterval   = 3 * time.Second
)

var (
	// ErrTooManySessions is returned when the session limit is reached.
	ErrTooManySessions = errors.New("maximum sessions reached")
	// ErrNoVideo is returned for offers without a video m-line.
	ErrNoVideo = errors.New("offer has no video track")
	// ErrInvalidOffer is returned when the offer SDP cannot be parsed.
	ErrInvalidOffer = errors.New("invalid offer")
)

// ProcessorFactory builds the processor for one video track. Each call must
// return a fresh instance so tracks never share trigger state.
type ProcessorFactory func() FrameProcessor

// Options configures a Server.
type Options struct {
	STUNServers   []string
	MaxSessions   int
	GatherTimeout time.Duration
	PLIInterval   time.Duration
	FrameRate     int

	Codec        codec.Factory
	NewProcessor ProcessorFactory
	Events       *events.Broadcaster
	Metrics      *metrics.Metrics
}

// Session is one connected peer and the pipelines of its video tracks.
type Session struct {
	id       string
	peerConn *webrtc.PeerConnection
	ctx      context.Context
	cancel   context.CancelFunc

	mu       sync.Mutex
	outgoing []*webrtc.TrackLocalStaticSample
	tracks   int

	framesSent atomic.Uint64
	closeOnce  sync.Once
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// nextOutgoing pops the next unused outgoing track, or nil.
func (s *Session) nextOutgoing() *webrtc.TrackLocalStaticSample {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.outgoing) == 0 {
		return nil
	}
	track := s.outgoing[0]
	s.outgoing = s.outgoing[1:]
	s.tracks++
	return track
}

func (s *Session) close() {
	s.closeOnce.Do(func() {
		s.cancel()
		if err := s.peerConn.Close(); err != nil {
			logger.Debug("WebRTC", "Session %s close: %v", s.id, err)
		}
	})
}

// Server manages WebRTC sessions
type Server struct {
	sessions   map[string]*Session
	sessionsMu sync.RWMutex
	// Offers holding a slot that have no session in the map yet.
	pending int
	config     webrtc.Configuration
	api        *webrtc.API
	opts       Options

	ctx    context.Context
	cancel context.CancelFunc
}

// NewServer creates a new WebRTC server
func NewServer(opts Options) (*Server, error) {
	if opts.Codec == nil {
		return nil, errors.New("codec factory is required")
	}
	if opts.NewProcessor == nil {
		return nil, errors.New("processor factory is required")
	}
	if opts.MaxSessions <= 0 {
		opts.MaxSessions = 10
	}
	if opts.GatherTimeout <= 0 {
		opts.GatherTimeout = defaultGatherTimeout
	}
	if opts.PLIInterval <= 0 {
		opts.PLIInterval = defaultPLIInterval
	}
	if opts.FrameRate <= 0 {
		opts.FrameRate = 30
	}

	iceServers := make([]webrtc.ICEServer, 0, len(opts.STUNServers))
	for _, url := range opts.STUNServers {
		iceServers = append(iceServers, webrtc.ICEServer{
			URLs: []string{url},
		})
	}

	settingsEngine := webrtc.SettingEngine{}
	settingsEngine.SetDTLSRetransmissionInterval(time.Second * 2)
	settingsEngine.SetNetworkTypes([]webrtc.NetworkType{
		webrtc.NetworkTypeUDP4,
		webrtc.NetworkTypeUDP6,
	})

	// VP8 only: the decoder and encoder both speak VP8.
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:  webrtc.MimeTypeVP8,
			ClockRate: vp8ClockRate,
		},
		PayloadType: 96,
	}, webrtc.RTPCodecTypeVideo); err != nil {
		return nil, fmt.Errorf("failed to register VP8: %w", err)
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, fmt.Errorf("failed to register interceptors: %w", err)
	}

	api := webrtc.NewAPI(
		webrtc.WithSettingEngine(settingsEngine),
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
	)

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		sessions: make(map[string]*Session),
		config: webrtc.Configuration{
			ICEServers: iceServers,
		},
		api:    api,
		opts:   opts,
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// HandleOffer negotiates a new session and returns the answer with all ICE
// candidates gathered.
func (s *Server) HandleOffer(ctx context.Context, offer webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	videoLines, err := countVideo(offer)
	if err != nil {
		return nil, err
	}

	if err := s.reserveSlot(); err != nil {
		return nil, err
	}

	peerConn, err := s.api.NewPeerConnection(s.config)
	if err != nil {
		s.releaseSlot()
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	sessCtx, sessCancel := context.WithCancel(s.ctx)
	sess := &Session{
		id:       uuid.NewString(),
		peerConn: peerConn,
		ctx:      sessCtx,
		cancel:   sessCancel,
	}

	// From here on the session is in the map, so a pipeline failing before
	// the answer is returned still finds and closes it.
	s.sessionsMu.Lock()
	s.pending--
	s.sessions[sess.id] = sess
	s.sessionsMu.Unlock()

	fail := func(err error) (*webrtc.SessionDescription, error) {
		s.RemoveSession(sess.id)
		return nil, err
	}

	// Outgoing tracks exist before the offer is applied so every video
	// m-line is answered sendrecv.
	for i := 0; i < videoLines; i++ {
		track, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{
				MimeType:  webrtc.MimeTypeVP8,
				ClockRate: vp8ClockRate,
			},
			fmt.Sprintf("video-%d", i),
			"relay-"+sess.id,
		)
		if err != nil {
			return fail(fmt.Errorf("failed to create video track: %w", err))
		}

		rtpSender, err := peerConn.AddTrack(track)
		if err != nil {
			return fail(fmt.Errorf("failed to add track: %w", err))
		}
		go drainRTCP(rtpSender)

		sess.outgoing = append(sess.outgoing, track)
	}

	peerConn.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if track.Kind() != webrtc.RTPCodecTypeVideo {
			logger.Debug("WebRTC", "Session %s ignoring %s track", sess.id, track.Kind())
			return
		}
		s.onVideoTrackAttached(sess, track)
	})

	peerConn.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		logger.Debug("WebRTC", "Session %s ICE state: %s", sess.id, state.String())

		if state == webrtc.ICEConnectionStateDisconnected ||
			state == webrtc.ICEConnectionStateFailed ||
			state == webrtc.ICEConnectionStateClosed {
			logger.Info("WebRTC", "Session %s connection lost (ICE: %s), removing...", sess.id, state.String())
			s.RemoveSession(sess.id)
		}
	})

	peerConn.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		logger.Debug("WebRTC", "Session %s connection state: %s", sess.id, state.String())

		if state == webrtc.PeerConnectionStateDisconnected ||
			state == webrtc.PeerConnectionStateFailed ||
			state == webrtc.PeerConnectionStateClosed {
			logger.Info("WebRTC", "Session %s connection lost (Peer: %s), removing...", sess.id, state.String())
			s.RemoveSession(sess.id)
		}
	})

	if err := peerConn.SetRemoteDescription(offer); err != nil {
		return fail(fmt.Errorf("failed to set remote description: %w", err))
	}

	answer, err := peerConn.CreateAnswer(nil)
	if err != nil {
		return fail(fmt.Errorf("failed to create answer: %w", err))
	}

	gatherComplete := webrtc.GatheringCompletePromise(peerConn)

	if err := peerConn.SetLocalDescription(answer); err != nil {
		return fail(fmt.Errorf("failed to set local description: %w", err))
	}

	gatherCtx, gatherCancel := context.WithTimeout(ctx, s.opts.GatherTimeout)
	defer gatherCancel()
	select {
	case <-gatherComplete:
		logger.Debug("WebRTC", "ICE gathering complete for session %s", sess.id)
	case <-gatherCtx.Done():
		return fail(fmt.Errorf("ice gathering: %w", gatherCtx.Err()))
	}

	localDesc := peerConn.LocalDescription()
	if localDesc == nil {
		return fail(fmt.Errorf("no local description available"))
	}

	s.sessionsMu.RLock()
	_, alive := s.sessions[sess.id]
	s.sessionsMu.RUnlock()
	if !alive {
		return nil, errors.New("session closed during negotiation")
	}

	if m := s.opts.Metrics; m != nil {
		m.TotalSessions.Add(1)
		m.ActiveSessions.Store(uint64(s.SessionCount()))
	}
	logger.Info("WebRTC", "Session %s connected (%d video track(s))", sess.id, videoLines)

	return localDesc, nil
}

// onVideoTrackAttached binds an inbound video track to the next outgoing
// track and starts its pipeline with a fresh processor.
func (s *Server) onVideoTrackAttached(sess *Session, track *webrtc.TrackRemote) {
	out := sess.nextOutgoing()
	if out == nil {
		logger.Warn("WebRTC", "Session %s has no outgoing track left for %s", sess.id, track.ID())
		return
	}

	if mime := track.Codec().MimeType; mime != webrtc.MimeTypeVP8 {
		logger.Warn("WebRTC", "Session %s track %s uses %s, expected VP8", sess.id, track.ID(), mime)
	}
	logger.Info("WebRTC", "Session %s video track %s attached (ssrc=%d)", sess.id, track.ID(), track.SSRC())

	p := &pipeline{
		sessionID:     sess.id,
		source:        track,
		sink:          out,
		codec:         s.opts.Codec,
		processor:     s.opts.NewProcessor(),
		events:        s.opts.Events,
		metrics:       s.opts.Metrics,
		frameDuration: time.Second / time.Duration(s.opts.FrameRate),
		framesSent:    &sess.framesSent,
	}

	go s.requestKeyframes(sess, uint32(track.SSRC()))
	go func() {
		if err := p.run(sess.ctx); err != nil {
			logger.Warn("WebRTC", "Session %s pipeline stopped: %v", sess.id, err)
			s.RemoveSession(sess.id)
			return
		}
		logger.Debug("WebRTC", "Session %s track %s ended", sess.id, track.ID())
	}()
}

// requestKeyframes sends a PLI periodically so the decoder can start and
// recover from loss.
func (s *Server) requestKeyframes(sess *Session, ssrc uint32) {
	ticker := time.NewTicker(s.opts.PLIInterval)
	defer ticker.Stop()

	for {
		if err := sess.peerConn.WriteRTCP([]rtcp.Packet{
			&rtcp.PictureLossIndication{MediaSSRC: ssrc},
		}); err != nil {
			logger.Debug("WebRTC", "Session %s PLI: %v", sess.id, err)
		}

		select {
		case <-sess.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// drainRTCP reads sender feedback so interceptors keep running.
func drainRTCP(sender *webrtc.RTPSender) {
	rtcpBuf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(rtcpBuf); err != nil {
			return
		}
	}
}

// countVideo returns the number of video m-lines in the offer.
func countVideo(offer webrtc.SessionDescription) (int, error) {
	parsed, err := offer.Unmarshal()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidOffer, err)
	}
	n := 0
	for _, md := range parsed.MediaDescriptions {
		if md.MediaName.Media == "video" {
			n++
		}
	}
	if n == 0 {
		return 0, ErrNoVideo
	}
	return n, nil
}

// reserveSlot claims room for one more session or fails with
// ErrTooManySessions.
func (s *Server) reserveSlot() error {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	if len(s.sessions)+s.pending >= s.opts.MaxSessions {
		return fmt.Errorf("%w (%d)", ErrTooManySessions, s.opts.MaxSessions)
	}
	s.pending++
	return nil
}

func (s *Server) releaseSlot() {
	s.sessionsMu.Lock()
	s.pending--
	s.sessionsMu.Unlock()
}

// RemoveSession closes and forgets a session. Unknown ids are ignored.
func (s *Server) RemoveSession(id string) {
	s.sessionsMu.Lock()
	sess, exists := s.sessions[id]
	if exists {
		delete(s.sessions, id)
	}
	remaining := len(s.sessions)
	s.sessionsMu.Unlock()

	if !exists {
		return
	}

	sess.close()
	if m := s.opts.Metrics; m != nil {
		m.ActiveSessions.Store(uint64(remaining))
	}
	logger.Info("WebRTC", "Session %s disconnected (sent: %d)", id, sess.framesSent.Load())
}

// SessionCount returns the number of connected sessions
func (s *Server) SessionCount() int {
	s.sessionsMu.RLock()
	defer s.sessionsMu.RUnlock()
	return len(s.sessions)
}

// SessionStats returns stats for all sessions
func (s *Server) SessionStats() map[string]map[string]uint64 {
	s.sessionsMu.RLock()
	defer s.sessionsMu.RUnlock()

	stats := make(map[string]map[string]uint64)
	for id, sess := range s.sessions {
		sess.mu.Lock()
		tracks := sess.tracks
		sess.mu.Unlock()
		stats[id] = map[string]uint64{
			"video_tracks": uint64(tracks),
			"frames_sent":  sess.framesSent.Load(),
		}
	}
	return stats
}

// Close closes all sessions
func (s *Server) Close() error {
	s.cancel()

	s.sessionsMu.RLock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	s.sessionsMu.RUnlock()

	for _, id := range ids {
		s.RemoveSession(id)
	}
	return nil
}
