package webrtc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3/pkg/media"

	"github.com/aimicromind/vision-relay/internal/annotator"
	"github.com/aimicromind/vision-relay/internal/codec"
	"github.com/aimicromind/vision-relay/internal/events"
	"github.com/aimicromind/vision-relay/internal/metrics"
	"github.com/aimicromind/vision-relay/pkg/types"
)

// FrameProcessor annotates one decoded frame. annotator.Annotator satisfies it.
type FrameProcessor interface {
	Process(ctx context.Context, frame *types.Frame) (*types.Frame, annotator.Result, error)
}

// RTPSource yields inbound packets. *webrtc.TrackRemote satisfies it.
type RTPSource interface {
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

// SampleSink accepts encoded frames. *webrtc.TrackLocalStaticSample satisfies it.
type SampleSink interface {
	WriteSample(s media.Sample) error
}

// pipeline moves one video track through decode, annotate and encode.
type pipeline struct {
	sessionID string
	source    RTPSource
	sink      SampleSink
	codec     codec.Factory
	processor FrameProcessor
	events    *events.Broadcaster
	metrics   *metrics.Metrics

	frameDuration time.Duration
	framesSent    *atomic.Uint64
}

// run blocks until the track ends, the context is cancelled or a stage
// fails. A normal end returns nil.
func (p *pipeline) run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	dec, err := p.codec.NewDecoder(ctx)
	if err != nil {
		return fmt.Errorf("failed to start decoder: %w", err)
	}

	enc, err := p.codec.NewEncoder(ctx)
	if err != nil {
		cancel()
		_ = dec.Close()
		return fmt.Errorf("failed to start encoder: %w", err)
	}

	// Buffered so stages that finish after run returns never block.
	errCh := make(chan error, 3)
	go func() { errCh <- p.pumpRTP(ctx, dec) }()
	go func() { errCh <- p.processFrames(ctx, dec, enc) }()
	go func() { errCh <- p.pumpSamples(enc) }()

	select {
	case err = <-errCh:
	case <-ctx.Done():
	}

	// Cancel first: codec processes are bound to ctx and are killed rather
	// than left blocked writing output no stage reads any more.
	cancel()
	_ = enc.Close()
	_ = dec.Close()
	return err
}

func (p *pipeline) pumpRTP(ctx context.Context, dec codec.Decoder) error {
	for {
		pkt, _, err := p.source.ReadRTP()
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read rtp: %w", err)
		}
		if err := dec.WriteRTP(pkt); err != nil {
			if ctx.Err() != nil || errors.Is(err, codec.ErrClosed) {
				return nil
			}
			p.count(func(m *metrics.Metrics) { m.DecodeErrors.Add(1) })
			return err
		}
	}
}

// processFrames is the only stage that touches the annotator, so frames are
// handled strictly in decode order.
func (p *pipeline) processFrames(ctx context.Context, dec codec.Decoder, enc codec.Encoder) error {
	for {
		frame, err := dec.ReadFrame()
		if err != nil {
			if errors.Is(err, codec.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			p.count(func(m *metrics.Metrics) { m.DecodeErrors.Add(1) })
			return fmt.Errorf("decode: %w", err)
		}
		p.count(func(m *metrics.Metrics) { m.FramesReceived.Add(1) })

		out, res, err := p.processor.Process(ctx, frame)
		if err != nil {
			return err
		}

		if err := enc.WriteFrame(out); err != nil {
			if ctx.Err() != nil || errors.Is(err, codec.ErrClosed) {
				return nil
			}
			p.count(func(m *metrics.Metrics) { m.EncodeErrors.Add(1) })
			return fmt.Errorf("encode: %w", err)
		}

		if !res.Skipped {
			p.publish(frame, res)
		}
	}
}

func (p *pipeline) pumpSamples(enc codec.Encoder) error {
	for {
		data, err := enc.ReadSample()
		if err != nil {
			if errors.Is(err, codec.ErrClosed) {
				return nil
			}
			p.count(func(m *metrics.Metrics) { m.EncodeErrors.Add(1) })
			return err
		}

		if err := p.sink.WriteSample(media.Sample{Data: data, Duration: p.frameDuration}); err != nil {
			if errors.Is(err, io.ErrClosedPipe) {
				return nil
			}
			return fmt.Errorf("write sample: %w", err)
		}

		p.count(func(m *metrics.Metrics) { m.FramesSent.Add(1) })
		if p.framesSent != nil {
			p.framesSent.Add(1)
		}
	}
}

func (p *pipeline) publish(frame *types.Frame, res annotator.Result) {
	if p.events == nil {
		return
	}
	p.events.Publish(events.DetectionEvent{
		SessionID:   p.sessionID,
		FrameNumber: frame.FrameNum,
		Timestamp:   float64(frame.Timestamp.UnixNano()) / 1e9,
		Persons:     res.Effective.Persons,
		Phones:      res.Effective.Phones,
		Notified:    res.Notified,
		Detections:  events.FromDetections(res.Detections),
	})
}

func (p *pipeline) count(f func(m *metrics.Metrics)) {
	if p.metrics != nil {
		f(p.metrics)
	}
}
