// Package config holds the process configuration: defaults, overlaid by the
// environment (and an optional .env file), overlaid by command-line flags.
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cast"

	"github.com/aimicromind/vision-relay/internal/logger"
)

// Config defines the runtime configuration for the relay.
type Config struct {
	HTTPAddr    string
	MetricsAddr string
	StaticDir   string

	WebhookURL     string
	WebhookTimeout time.Duration
	WebhookRetries int

	DetectorURL     string
	DetectorTimeout time.Duration

	STUNServers []string
	MaxSessions int

	FrameWidth     int
	FrameHeight    int
	FrameRate      int
	FFmpegPath     string
	EncoderBitrate string

	LogLevel string
	LogColor bool

	// EnvFile is the env file Load read, empty if none was found.
	EnvFile string
}

// DefaultConfig returns the configuration used when nothing is set.
func DefaultConfig() Config {
	return Config{
		HTTPAddr:        ":8080",
		MetricsAddr:     ":9090",
		StaticDir:       "static",
		WebhookTimeout:  5 * time.Second,
		DetectorURL:     "http://localhost:8000/detect",
		DetectorTimeout: 2 * time.Second,
		STUNServers:     []string{"stun:stun.l.google.com:19302"},
		MaxSessions:     10,
		FrameWidth:      640,
		FrameHeight:     480,
		FrameRate:       30,
		FFmpegPath:      "ffmpeg",
		EncoderBitrate:  "1M",
		LogLevel:        "info",
		LogColor:        true,
	}
}

// DefaultEnvFiles are tried in order; the first one found is loaded.
var DefaultEnvFiles = []string{".env", "../.env", "/app/.env"}

// Load reads the first existing env file (variables already set in the
// process win), then builds the config from the environment. It runs before
// the logger is configured, so it records the file in EnvFile instead of
// logging it.
func Load(envFiles ...string) (Config, error) {
	if len(envFiles) == 0 {
		envFiles = DefaultEnvFiles
	}

	var loaded string
	for _, path := range envFiles {
		if err := godotenv.Load(path); err == nil {
			loaded = path
			break
		}
	}

	cfg, err := FromEnv(os.LookupEnv)
	cfg.EnvFile = loaded
	return cfg, err
}

// FromEnv overlays variables found by lookup onto DefaultConfig.
func FromEnv(lookup func(string) (string, bool)) (Config, error) {
	cfg := DefaultConfig()
	var errs []error

	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	integer := func(key string, dst *int) {
		if v, ok := lookup(key); ok && v != "" {
			n, err := cast.ToIntE(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("invalid %s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	duration := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok && v != "" {
			d, err := cast.ToDurationE(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("invalid %s: %w", key, err))
				return
			}
			*dst = d
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := lookup(key); ok && v != "" {
			b, err := cast.ToBoolE(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("invalid %s: %w", key, err))
				return
			}
			*dst = b
		}
	}

	str("HTTP_ADDR", &cfg.HTTPAddr)
	str("METRICS_ADDR", &cfg.MetricsAddr)
	str("STATIC_DIR", &cfg.StaticDir)
	str("WEBHOOK_URL", &cfg.WebhookURL)
	duration("WEBHOOK_TIMEOUT", &cfg.WebhookTimeout)
	integer("WEBHOOK_RETRIES", &cfg.WebhookRetries)
	str("DETECTOR_URL", &cfg.DetectorURL)
	duration("DETECTOR_TIMEOUT", &cfg.DetectorTimeout)
	if v, ok := lookup("STUN_SERVERS"); ok {
		cfg.STUNServers = SplitList(v)
	}
	integer("MAX_SESSIONS", &cfg.MaxSessions)
	integer("FRAME_WIDTH", &cfg.FrameWidth)
	integer("FRAME_HEIGHT", &cfg.FrameHeight)
	integer("FRAME_RATE", &cfg.FrameRate)
	str("FFMPEG_PATH", &cfg.FFmpegPath)
	str("ENCODER_BITRATE", &cfg.EncoderBitrate)
	str("LOG_LEVEL", &cfg.LogLevel)
	boolean("LOG_COLOR", &cfg.LogColor)

	if len(errs) > 0 {
		return cfg, errors.Join(errs...)
	}
	return cfg, nil
}

// BindFlags registers one flag per field, defaulting to the current values,
// so flags override the environment.
func (c *Config) BindFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.HTTPAddr, "http", c.HTTPAddr, "HTTP server address")
	fs.StringVar(&c.MetricsAddr, "metrics", c.MetricsAddr, "Metrics server address (empty disables)")
	fs.StringVar(&c.StaticDir, "static", c.StaticDir, "Directory served at /static/")
	fs.StringVar(&c.WebhookURL, "webhook", c.WebhookURL, "Webhook URL for person+phone events (empty disables)")
	fs.DurationVar(&c.WebhookTimeout, "webhook-timeout", c.WebhookTimeout, "Webhook request timeout")
	fs.IntVar(&c.WebhookRetries, "webhook-retries", c.WebhookRetries, "Extra webhook delivery attempts")
	fs.StringVar(&c.DetectorURL, "detector", c.DetectorURL, "Detection service URL")
	fs.DurationVar(&c.DetectorTimeout, "detector-timeout", c.DetectorTimeout, "Detection request timeout")
	fs.Func("stun", "STUN server URLs (comma-separated)", func(v string) error {
		c.STUNServers = SplitList(v)
		return nil
	})
	fs.IntVar(&c.MaxSessions, "max-sessions", c.MaxSessions, "Maximum WebRTC sessions")
	fs.IntVar(&c.FrameWidth, "width", c.FrameWidth, "Processing frame width")
	fs.IntVar(&c.FrameHeight, "height", c.FrameHeight, "Processing frame height")
	fs.IntVar(&c.FrameRate, "fps", c.FrameRate, "Outgoing frame rate")
	fs.StringVar(&c.FFmpegPath, "ffmpeg", c.FFmpegPath, "ffmpeg binary")
	fs.StringVar(&c.EncoderBitrate, "bitrate", c.EncoderBitrate, "VP8 encoder target bitrate")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "Log level (debug, info, warn, error, silent)")
	fs.BoolVar(&c.LogColor, "log-color", c.LogColor, "Enable colored log output")
}

// Validate checks values that would make the relay unusable.
func (c Config) Validate() error {
	if c.HTTPAddr == "" {
		return errors.New("HTTP_ADDR is required")
	}
	if c.DetectorURL == "" {
		return errors.New("DETECTOR_URL is required")
	}
	if c.MaxSessions < 1 {
		return fmt.Errorf("MAX_SESSIONS must be at least 1, got %d", c.MaxSessions)
	}
	if c.FrameWidth <= 0 || c.FrameHeight <= 0 || c.FrameWidth%2 != 0 || c.FrameHeight%2 != 0 {
		return fmt.Errorf("frame size %dx%d must be positive and even", c.FrameWidth, c.FrameHeight)
	}
	if c.FrameRate < 1 {
		return fmt.Errorf("FRAME_RATE must be at least 1, got %d", c.FrameRate)
	}
	if c.WebhookRetries < 0 {
		return fmt.Errorf("WEBHOOK_RETRIES must not be negative, got %d", c.WebhookRetries)
	}
	if _, err := logger.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// Warnings lists settings that are valid but probably not what an operator
// wants.
func (c Config) Warnings() []string {
	var out []string
	if c.WebhookURL == "" {
		out = append(out, "WEBHOOK_URL is not set: person+phone events are only logged, never delivered")
	}
	if c.MetricsAddr == "" {
		out = append(out, "METRICS_ADDR is empty: metrics server disabled")
	}
	return out
}

// SplitList splits a comma-separated list, dropping empty items.
func SplitList(v string) []string {
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
