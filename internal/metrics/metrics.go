package metrics

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all relay metrics
type Metrics struct {
	// Frame pipeline counters
	FramesReceived    atomic.Uint64
	FramesAnnotated   atomic.Uint64
	FramesPassthrough atomic.Uint64
	FramesSent        atomic.Uint64

	// Error counters
	DetectErrors atomic.Uint64
	DecodeErrors atomic.Uint64
	EncodeErrors atomic.Uint64

	// Latency tracking
	DetectLatencyMs atomic.Uint64 // Last detection round-trip in ms

	// Notifications
	EventsTriggered   atomic.Uint64
	WebhooksDelivered atomic.Uint64
	WebhooksFailed    atomic.Uint64

	// Session tracking
	ActiveSessions atomic.Uint64
	TotalSessions  atomic.Uint64

	// Detection event stream subscribers
	EventSubscribers atomic.Uint64

	registry *prometheus.Registry
}

// New creates a new Metrics instance with Prometheus collectors
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}
	m.registerPrometheusMetrics()
	return m
}

func (m *Metrics) gauge(name, help string, v *atomic.Uint64) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{Name: name, Help: help},
		func() float64 { return float64(v.Load()) },
	))
}

// registerPrometheusMetrics registers all metrics with Prometheus
func (m *Metrics) registerPrometheusMetrics() {
	m.gauge("relay_frames_received_total", "Total decoded frames received from peers", &m.FramesReceived)
	m.gauge("relay_frames_annotated_total", "Total frames run through detection", &m.FramesAnnotated)
	m.gauge("relay_frames_passthrough_total", "Total frames passed through while paused", &m.FramesPassthrough)
	m.gauge("relay_frames_sent_total", "Total encoded frames written to peers", &m.FramesSent)

	m.gauge("relay_detect_errors_total", "Total detection failures", &m.DetectErrors)
	m.gauge("relay_decode_errors_total", "Total video decode failures", &m.DecodeErrors)
	m.gauge("relay_encode_errors_total", "Total video encode failures", &m.EncodeErrors)

	m.gauge("relay_detect_latency_ms", "Last detection latency in milliseconds", &m.DetectLatencyMs)

	m.gauge("relay_events_triggered_total", "Total co-occurrence events triggered", &m.EventsTriggered)
	m.gauge("relay_webhooks_delivered_total", "Total webhook deliveries accepted by the endpoint", &m.WebhooksDelivered)
	m.gauge("relay_webhooks_failed_total", "Total webhook deliveries that failed", &m.WebhooksFailed)

	m.gauge("relay_active_sessions", "Number of active WebRTC sessions", &m.ActiveSessions)
	m.gauge("relay_total_sessions", "Total WebRTC sessions negotiated", &m.TotalSessions)

	m.gauge("relay_event_subscribers", "Number of detection stream subscribers", &m.EventSubscribers)
}

// UpdateDetectLatency records the latest detection latency
func (m *Metrics) UpdateDetectLatency(d time.Duration) {
	m.DetectLatencyMs.Store(uint64(d.Milliseconds()))
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// NewServer returns an HTTP server exposing /metrics on addr
func (m *Metrics) NewServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	return &http.Server{
		Addr:    addr,
		Handler: mux,
	}
}
