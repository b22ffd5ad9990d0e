// Package notify delivers co-occurrence events to the external workflow
// webhook.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/aimicromind/vision-relay/internal/logger"
	"github.com/aimicromind/vision-relay/internal/metrics"
	"github.com/aimicromind/vision-relay/internal/settings"
)

var log = logger.For("Webhook")

// Payload is the body posted to the webhook.
type Payload struct {
	Question string `json:"question"`
}

// NewPayload formats the detection counts the way the workflow expects.
func NewPayload(persons, phones int) Payload {
	return Payload{Question: fmt.Sprintf("persons=%d, phones=%d", persons, phones)}
}

// Webhook posts events fire-and-forget. Delivery failures are logged and
// counted, never returned.
type Webhook struct {
	url      string
	settings *settings.Store
	client   *http.Client
	metrics  *metrics.Metrics
	retries  int
	backoff  time.Duration

	wg sync.WaitGroup
}

// Option configures a Webhook.
type Option func(*Webhook)

// WithTimeout bounds a single delivery attempt.
func WithTimeout(d time.Duration) Option {
	return func(w *Webhook) {
		if d > 0 {
			w.client.Timeout = d
		}
	}
}

// WithRetries retries failed deliveries n extra times with linear backoff.
func WithRetries(n int, backoff time.Duration) Option {
	return func(w *Webhook) {
		if n > 0 {
			w.retries = n
		}
		if backoff > 0 {
			w.backoff = backoff
		}
	}
}

// WithClient replaces the HTTP client.
func WithClient(c *http.Client) Option {
	return func(w *Webhook) {
		if c != nil {
			w.client = c
		}
	}
}

// WithMetrics records delivery outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(w *Webhook) { w.metrics = m }
}

// NewWebhook creates a notifier posting to url. An empty url disables delivery.
func NewWebhook(url string, store *settings.Store, opts ...Option) *Webhook {
	w := &Webhook{
		url:      url,
		settings: store,
		client:   &http.Client{Timeout: 5 * time.Second},
		backoff:  500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Notify sends the counts unless alerts are disabled. It never blocks on
// the network.
func (w *Webhook) Notify(persons, phones int) {
	if !w.settings.Snapshot().AlertsEnabled {
		log.Debug("Alerts disabled, dropping event persons=%d phones=%d", persons, phones)
		return
	}

	payload := NewPayload(persons, phones)
	if w.url == "" {
		log.Info("Event (not delivered): %s", payload.Question)
		return
	}

	body, err := json.Marshal(payload)
	if err != nil {
		log.Error("Failed to encode payload: %v", err)
		return
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.deliver(body, payload.Question)
	}()
}

// Wait blocks until all in-flight deliveries have finished.
func (w *Webhook) Wait() {
	w.wg.Wait()
}

func (w *Webhook) deliver(body []byte, summary string) {
	var err error
	for attempt := 0; attempt <= w.retries; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(attempt) * w.backoff)
		}
		if err = w.post(body); err == nil {
			log.Info("Sent workflow payload: %s", summary)
			if w.metrics != nil {
				w.metrics.WebhooksDelivered.Add(1)
			}
			return
		}
		log.Debug("Delivery attempt %d failed: %v", attempt+1, err)
	}

	log.Warn("Workflow delivery failed (%s): %v", summary, err)
	if w.metrics != nil {
		w.metrics.WebhooksFailed.Add(1)
	}
}

func (w *Webhook) post(body []byte) error {
	ctx := context.Background()
	if w.client.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.client.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
