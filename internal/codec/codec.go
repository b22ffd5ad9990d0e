// Package codec turns inbound VP8 RTP into RGBA frames and annotated RGBA
// frames back into VP8 samples. The heavy lifting is done by ffmpeg running
// as a subprocess, which keeps the relay free of cgo.
package codec

import (
	"context"
	"errors"

	"github.com/pion/rtp"

	"github.com/aimicromind/vision-relay/pkg/types"
)

// ErrClosed is returned once a decoder or encoder has been closed.
var ErrClosed = errors.New("codec closed")

// Decoder accepts VP8 RTP packets and yields decoded frames in order.
type Decoder interface {
	WriteRTP(pkt *rtp.Packet) error
	ReadFrame() (*types.Frame, error)
	Close() error
}

// Encoder accepts RGBA frames and yields encoded VP8 frames in order.
type Encoder interface {
	WriteFrame(frame *types.Frame) error
	ReadSample() ([]byte, error)
	Close() error
}

// Factory creates one decoder/encoder pair per video track.
type Factory interface {
	NewDecoder(ctx context.Context) (Decoder, error)
	NewEncoder(ctx context.Context) (Encoder, error)
}
