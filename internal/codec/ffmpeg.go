package codec

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3/pkg/media/ivfreader"
	"github.com/pion/webrtc/v3/pkg/media/ivfwriter"

	"github.com/aimicromind/vision-relay/internal/logger"
	"github.com/aimicromind/vision-relay/pkg/types"
)

// FFmpegConfig describes the frame geometry and encoder settings shared by
// every pipeline.
type FFmpegConfig struct {
	Path      string // ffmpeg binary
	Width     int    // decoded frames are scaled to this size
	Height    int
	FrameRate int
	Bitrate   string // libvpx target bitrate, e.g. "1M"
}

// FFmpeg implements Factory with one ffmpeg process per direction.
type FFmpeg struct {
	cfg FFmpegConfig
}

// NewFFmpeg returns a factory, filling zero fields with defaults.
func NewFFmpeg(cfg FFmpegConfig) *FFmpeg {
	if cfg.Path == "" {
		cfg.Path = "ffmpeg"
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		cfg.Width, cfg.Height = 640, 480
	}
	if cfg.FrameRate <= 0 {
		cfg.FrameRate = 30
	}
	if cfg.Bitrate == "" {
		cfg.Bitrate = "1M"
	}
	return &FFmpeg{cfg: cfg}
}

// Config returns the effective configuration.
func (f *FFmpeg) Config() FFmpegConfig {
	return f.cfg
}

// DecoderArgs builds the ffmpeg command line reading IVF on stdin and writing
// raw RGBA frames of a fixed size on stdout, one per input frame.
func DecoderArgs(cfg FFmpegConfig) []string {
	return []string{
		"-hide_banner", "-loglevel", "error",
		"-fflags", "nobuffer", "-flags", "low_delay",
		"-probesize", "32", "-analyzeduration", "0",
		"-f", "ivf", "-i", "pipe:0",
		"-vf", fmt.Sprintf("scale=%d:%d", cfg.Width, cfg.Height),
		"-pix_fmt", "rgba",
		"-fps_mode", "passthrough",
		"-f", "rawvideo", "pipe:1",
	}
}

// EncoderArgs builds the ffmpeg command line reading raw RGBA on stdin and
// writing realtime VP8 in an IVF container on stdout.
func EncoderArgs(cfg FFmpegConfig) []string {
	return []string{
		"-hide_banner", "-loglevel", "error",
		"-f", "rawvideo", "-pix_fmt", "rgba",
		"-s", fmt.Sprintf("%dx%d", cfg.Width, cfg.Height),
		"-r", strconv.Itoa(cfg.FrameRate),
		"-i", "pipe:0",
		"-c:v", "libvpx",
		"-deadline", "realtime", "-cpu-used", "8",
		"-lag-in-frames", "0", "-auto-alt-ref", "0",
		"-error-resilient", "1",
		"-g", strconv.Itoa(cfg.FrameRate * 2),
		"-b:v", cfg.Bitrate,
		"-flush_packets", "1",
		"-f", "ivf", "pipe:1",
	}
}

// process wraps one ffmpeg subprocess and its pipes.
type process struct {
	name   string
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser

	closeOnce sync.Once
	closeErr  error
}

func startProcess(ctx context.Context, name, path string, args []string) (*process, error) {
	cmd := exec.CommandContext(ctx, path, args...)
	// Bound Wait once ctx is cancelled even if a child still holds a pipe.
	cmd.WaitDelay = 2 * time.Second

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to get stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to get stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to get stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", path, err)
	}

	p := &process{name: name, cmd: cmd, stdin: stdin, stdout: stdout}
	go p.logStderr(stderr)
	logger.Debug("Codec", "%s started (pid=%d)", name, cmd.Process.Pid)
	return p, nil
}

func (p *process) logStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		logger.Warn("Codec", "%s: %s", p.name, scanner.Text())
	}
}

// close ends input and reaps the process. Closing stdout as well makes a
// process blocked on a frame nobody reads fail with EPIPE and exit. Safe to
// call more than once; every call returns the exit error.
func (p *process) close() error {
	p.closeOnce.Do(func() {
		_ = p.stdin.Close()
		_ = p.stdout.Close()
		p.closeErr = p.cmd.Wait()
		logger.Debug("Codec", "%s exited: %v", p.name, p.closeErr)
	})
	return p.closeErr
}

// isClosed reports whether err means the stream ended or was closed locally.
func isClosed(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, os.ErrClosed) || errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, syscall.EPIPE)
}

// ffmpegDecoder feeds RTP through ivfwriter into ffmpeg and reads fixed-size
// RGBA frames back.
type ffmpegDecoder struct {
	proc      *process
	ivf       *ivfwriter.IVFWriter
	width     int
	height    int
	frameSize int
	frameNum  uint64
}

// NewDecoder implements Factory.
func (f *FFmpeg) NewDecoder(ctx context.Context) (Decoder, error) {
	proc, err := startProcess(ctx, "decoder", f.cfg.Path, DecoderArgs(f.cfg))
	if err != nil {
		return nil, err
	}
	ivf, err := ivfwriter.NewWith(proc.stdin)
	if err != nil {
		_ = proc.close()
		return nil, fmt.Errorf("failed to create ivf writer: %w", err)
	}
	return &ffmpegDecoder{
		proc:      proc,
		ivf:       ivf,
		width:     f.cfg.Width,
		height:    f.cfg.Height,
		frameSize: f.cfg.Width * f.cfg.Height * 4,
	}, nil
}

// WriteRTP hands one VP8 packet to the decoder. Packets before the first
// keyframe are dropped by ivfwriter.
func (d *ffmpegDecoder) WriteRTP(pkt *rtp.Packet) error {
	if err := d.ivf.WriteRTP(pkt); err != nil {
		if isClosed(err) {
			return ErrClosed
		}
		return fmt.Errorf("write rtp: %w", err)
	}
	return nil
}

// ReadFrame blocks until the next decoded frame is available.
func (d *ffmpegDecoder) ReadFrame() (*types.Frame, error) {
	buf := make([]byte, d.frameSize)
	if _, err := io.ReadFull(d.proc.stdout, buf); err != nil {
		if isClosed(err) {
			return nil, ErrClosed
		}
		return nil, fmt.Errorf("read frame: %w", err)
	}
	d.frameNum++
	return types.NewFrame(buf, d.width, d.height, d.frameNum), nil
}

func (d *ffmpegDecoder) Close() error {
	return d.proc.close()
}

// ffmpegEncoder writes raw RGBA to ffmpeg and reads IVF frames back.
type ffmpegEncoder struct {
	proc   *process
	width  int
	height int

	reader *ivfreader.IVFReader
}

// NewEncoder implements Factory.
func (f *FFmpeg) NewEncoder(ctx context.Context) (Encoder, error) {
	proc, err := startProcess(ctx, "encoder", f.cfg.Path, EncoderArgs(f.cfg))
	if err != nil {
		return nil, err
	}
	return &ffmpegEncoder{proc: proc, width: f.cfg.Width, height: f.cfg.Height}, nil
}

// WriteFrame queues one frame for encoding. The frame must match the
// configured geometry.
func (e *ffmpegEncoder) WriteFrame(frame *types.Frame) error {
	if frame.Width() != e.width || frame.Height() != e.height {
		return fmt.Errorf("frame is %dx%d, encoder expects %dx%d",
			frame.Width(), frame.Height(), e.width, e.height)
	}
	if _, err := e.proc.stdin.Write(frame.Bytes()); err != nil {
		if isClosed(err) {
			return ErrClosed
		}
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadSample blocks until the next encoded frame is available. The IVF
// header is only written once ffmpeg has seen the first frame, so the
// reader is created lazily.
func (e *ffmpegEncoder) ReadSample() ([]byte, error) {
	if e.reader == nil {
		reader, _, err := ivfreader.NewWith(e.proc.stdout)
		if err != nil {
			if isClosed(err) {
				return nil, ErrClosed
			}
			return nil, fmt.Errorf("read ivf header: %w", err)
		}
		e.reader = reader
	}

	payload, _, err := e.reader.ParseNextFrame()
	if err != nil {
		if isClosed(err) {
			return nil, ErrClosed
		}
		return nil, fmt.Errorf("read ivf frame: %w", err)
	}
	return payload, nil
}

func (e *ffmpegEncoder) Close() error {
	return e.proc.close()
}
