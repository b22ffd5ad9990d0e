package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aimicromind/vision-relay/internal/annotator"
	"github.com/aimicromind/vision-relay/internal/api"
	"github.com/aimicromind/vision-relay/internal/codec"
	"github.com/aimicromind/vision-relay/internal/config"
	"github.com/aimicromind/vision-relay/internal/detect"
	"github.com/aimicromind/vision-relay/internal/events"
	"github.com/aimicromind/vision-relay/internal/logger"
	"github.com/aimicromind/vision-relay/internal/metrics"
	"github.com/aimicromind/vision-relay/internal/notify"
	"github.com/aimicromind/vision-relay/internal/overlay"
	"github.com/aimicromind/vision-relay/internal/settings"
	"github.com/aimicromind/vision-relay/internal/webrtc"
)

// Server is the relay process: HTTP surface, sessions and their collaborators.
type Server struct {
	cfg           config.Config
	metrics       *metrics.Metrics
	settings      *settings.Store
	webhook       *notify.Webhook
	events        *events.Broadcaster
	webrtc        *webrtc.Server
	httpServer    *http.Server
	metricsServer *http.Server
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	cfg.BindFlags(flag.CommandLine)
	flag.Parse()

	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	// Initialize logger
	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Invalid log level: %v", err)
	}
	logger.Init(level, os.Stderr, cfg.LogColor)

	logger.Info("Main", "Vision relay starting...")
	logger.Info("Main", "Log level: %s", level)
	if cfg.EnvFile != "" {
		logger.Info("Config", "Loaded config from: %s", cfg.EnvFile)
	} else {
		logger.Debug("Config", "No .env file found, using environment variables")
	}
	for _, w := range cfg.Warnings() {
		logger.Warn("Config", "%s", w)
	}

	srv, err := NewServer(cfg)
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}

	srv.Start()

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("Main", "Shutting down...")

	if err := srv.Shutdown(); err != nil {
		logger.Error("Main", "Error during shutdown: %v", err)
	}

	logger.Info("Main", "Server stopped")
}

// NewServer wires every component from cfg.
func NewServer(cfg config.Config) (*Server, error) {
	m := metrics.New()
	store := settings.NewStore()

	detector := detect.NewHTTPDetector(cfg.DetectorURL, cfg.DetectorTimeout)
	webhook := notify.NewWebhook(cfg.WebhookURL, store,
		notify.WithClient(&http.Client{
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConnsPerHost: 2,
				IdleConnTimeout:     90 * time.Second,
			},
		}),
		notify.WithTimeout(cfg.WebhookTimeout),
		notify.WithRetries(cfg.WebhookRetries, 0),
		notify.WithMetrics(m),
	)
	renderer := overlay.NewRenderer()
	broadcaster := events.NewBroadcaster(m)

	ffmpeg := codec.NewFFmpeg(codec.FFmpegConfig{
		Path:      cfg.FFmpegPath,
		Width:     cfg.FrameWidth,
		Height:    cfg.FrameHeight,
		FrameRate: cfg.FrameRate,
		Bitrate:   cfg.EncoderBitrate,
	})

	webrtcSrv, err := webrtc.NewServer(webrtc.Options{
		STUNServers: cfg.STUNServers,
		MaxSessions: cfg.MaxSessions,
		FrameRate:   cfg.FrameRate,
		Codec:       ffmpeg,
		NewProcessor: func() webrtc.FrameProcessor {
			return annotator.New(store, detector, webhook, renderer, m)
		},
		Events:  broadcaster,
		Metrics: m,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create webrtc server: %w", err)
	}

	apiSrv := api.NewServer(store, webrtcSrv, broadcaster, cfg.StaticDir)

	srv := &Server{
		cfg:      cfg,
		metrics:  m,
		settings: store,
		webhook:  webhook,
		events:   broadcaster,
		webrtc:   webrtcSrv,
		httpServer: &http.Server{
			Addr:    cfg.HTTPAddr,
			Handler: apiSrv.Handler(),
		},
	}
	if cfg.MetricsAddr != "" {
		srv.metricsServer = m.NewServer(cfg.MetricsAddr)
	}
	return srv, nil
}

// Start starts the HTTP servers
func (s *Server) Start() {
	logger.Info("Main", "Starting vision relay...")
	logger.Info("Main", "  HTTP server: %s", s.cfg.HTTPAddr)
	logger.Info("Main", "  Metrics server: %s", s.cfg.MetricsAddr)
	logger.Info("Main", "  Detector: %s", s.cfg.DetectorURL)
	logger.Info("Main", "  Frame: %dx%d@%d", s.cfg.FrameWidth, s.cfg.FrameHeight, s.cfg.FrameRate)

	if s.metricsServer != nil {
		go func() {
			logger.Info("Main", "Starting metrics server on %s", s.cfg.MetricsAddr)
			if err := s.metricsServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Main", "Metrics server error: %v", err)
			}
		}()
	}

	go func() {
		logger.Info("Main", "Starting HTTP server on %s", s.cfg.HTTPAddr)
		if err := s.httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Main", "HTTP server error: %v", err)
		}
	}()

	logger.Info("Main", "Server started successfully")
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// SSE handlers only return once their subscription is closed.
	s.events.Close()

	// Stop accepting offers before tearing sessions down.
	err := s.httpServer.Shutdown(ctx)

	_ = s.webrtc.Close()

	done := make(chan struct{})
	go func() {
		s.webhook.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		logger.Warn("Main", "Timed out waiting for webhook deliveries")
	}

	if s.metricsServer != nil {
		if mErr := s.metricsServer.Shutdown(ctx); mErr != nil && err == nil {
			err = mErr
		}
	}
	return err
}
