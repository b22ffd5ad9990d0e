// Package api exposes the relay over HTTP: WebRTC signaling, the runtime
// settings endpoints, health, the detection event stream and static files.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	pionwebrtc "github.com/pion/webrtc/v3"

	"github.com/aimicromind/vision-relay/internal/logger"
	"github.com/aimicromind/vision-relay/internal/settings"
	"github.com/aimicromind/vision-relay/internal/webrtc"
)

// maxBodyBytes caps request bodies; offers with many candidates stay well
// below this.
const maxBodyBytes = 1 << 20

var log = logger.For("API")

// SessionHandler negotiates WebRTC sessions. *webrtc.Server satisfies it.
type SessionHandler interface {
	HandleOffer(ctx context.Context, offer pionwebrtc.SessionDescription) (*pionwebrtc.SessionDescription, error)
	SessionCount() int
	SessionStats() map[string]map[string]uint64
}

// Server serves the relay HTTP endpoints.
type Server struct {
	settings  *settings.Store
	sessions  SessionHandler
	events    http.Handler
	staticDir string
}

// NewServer returns a configured API server. events may be nil, in which
// case the detection stream is not mounted.
func NewServer(store *settings.Store, sessions SessionHandler, events http.Handler, staticDir string) *Server {
	return &Server{
		settings:  store,
		sessions:  sessions,
		events:    events,
		staticDir: staticDir,
	}
}

// Handler exposes the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/offer", s.handleOffer)
	mux.HandleFunc("/config", s.handleConfig)
	mux.HandleFunc("/set-detect", s.handleSetDetect)
	mux.HandleFunc("/set-mode", s.handleSetMode)
	mux.HandleFunc("/set-sensitivity", s.handleSetSensitivity)
	mux.HandleFunc("/set-alerts", s.handleSetAlerts)
	mux.HandleFunc("/health", s.handleHealth)
	if s.events != nil {
		mux.Handle("/api/detections/stream", s.events)
	}
	if s.staticDir != "" {
		mux.Handle("/static/", http.StripPrefix("/static/", newStaticHandler(s.staticDir)))
	}

	return corsMiddleware(mux)
}

// corsMiddleware allows any origin; the browser client may be served from
// anywhere.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "*")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// offerRequest accepts {"sdp":{"sdp":..,"type":..}} as sent by the browser
// client, and the flat {"sdp":..,"type":..} form.
type offerRequest struct {
	SDP  json.RawMessage `json:"sdp"`
	Type string          `json:"type"`
}

func parseOffer(body []byte) (pionwebrtc.SessionDescription, error) {
	var req offerRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return pionwebrtc.SessionDescription{}, err
	}

	var desc struct {
		SDP  string `json:"sdp"`
		Type string `json:"type"`
	}
	raw := strings.TrimSpace(string(req.SDP))
	switch {
	case strings.HasPrefix(raw, "{"):
		if err := json.Unmarshal(req.SDP, &desc); err != nil {
			return pionwebrtc.SessionDescription{}, err
		}
	case strings.HasPrefix(raw, `"`):
		if err := json.Unmarshal(req.SDP, &desc.SDP); err != nil {
			return pionwebrtc.SessionDescription{}, err
		}
		desc.Type = req.Type
	}

	if desc.SDP == "" || desc.Type == "" {
		return pionwebrtc.SessionDescription{}, errors.New("missing sdp or type")
	}
	if pionwebrtc.NewSDPType(desc.Type) != pionwebrtc.SDPTypeOffer {
		return pionwebrtc.SessionDescription{}, fmt.Errorf("expected an offer, got %q", desc.Type)
	}
	return pionwebrtc.SessionDescription{Type: pionwebrtc.SDPTypeOffer, SDP: desc.SDP}, nil
}

func (s *Server) handleOffer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeJSONWithStatus(w, map[string]any{"error": "Invalid offer data"}, http.StatusBadRequest)
		return
	}

	offer, err := parseOffer(body)
	if err != nil {
		writeJSONWithStatus(w, map[string]any{"error": fmt.Sprintf("Invalid offer data: %v", err)}, http.StatusBadRequest)
		return
	}

	answer, err := s.sessions.HandleOffer(r.Context(), offer)
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, webrtc.ErrTooManySessions):
			status = http.StatusServiceUnavailable
		case errors.Is(err, webrtc.ErrNoVideo), errors.Is(err, webrtc.ErrInvalidOffer):
			status = http.StatusBadRequest
		}
		log.Warn("WebRTC offer error: %v", err)
		writeJSONWithStatus(w, map[string]any{"error": fmt.Sprintf("Failed to handle offer: %v", err)}, status)
		return
	}

	writeJSON(w, map[string]any{
		"sdp":  answer.SDP,
		"type": answer.Type.String(),
	})
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, s.settings.Snapshot())
}

// readSettingsBody decodes a JSON object body. An empty body is an empty
// object, so every field falls back to its default.
func readSettingsBody(w http.ResponseWriter, r *http.Request) (map[string]any, bool) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return nil, false
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeJSONWithStatus(w, map[string]any{"error": "failed to read body"}, http.StatusBadRequest)
		return nil, false
	}

	data := map[string]any{}
	if len(strings.TrimSpace(string(body))) == 0 {
		return data, true
	}
	if err := json.Unmarshal(body, &data); err != nil {
		writeJSONWithStatus(w, map[string]any{"error": "invalid JSON body"}, http.StatusBadRequest)
		return nil, false
	}
	return data, true
}

func (s *Server) handleSetDetect(w http.ResponseWriter, r *http.Request) {
	data, ok := readSettingsBody(w, r)
	if !ok {
		return
	}
	target := s.settings.SetDetectionTarget(data["detect"])
	log.Info("Detection target set to %s", target)
	writeJSON(w, map[string]any{"ok": true, "detect": target})
}

func (s *Server) handleSetMode(w http.ResponseWriter, r *http.Request) {
	data, ok := readSettingsBody(w, r)
	if !ok {
		return
	}
	mode := s.settings.SetMode(data["mode"])
	log.Info("Mode set to %s", mode)
	writeJSON(w, map[string]any{"ok": true, "mode": mode})
}

func (s *Server) handleSetSensitivity(w http.ResponseWriter, r *http.Request) {
	data, ok := readSettingsBody(w, r)
	if !ok {
		return
	}
	confidence := s.settings.SetConfidenceThreshold(data["confidence"])
	log.Info("Confidence threshold set to %.2f", confidence)
	writeJSON(w, map[string]any{"ok": true, "confidence": confidence})
}

func (s *Server) handleSetAlerts(w http.ResponseWriter, r *http.Request) {
	data, ok := readSettingsBody(w, r)
	if !ok {
		return
	}
	alerts := s.settings.SetAlertsEnabled(data["alerts"])
	log.Info("Alerts enabled: %v", alerts)
	writeJSON(w, map[string]any{"ok": true, "alerts": alerts})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"status":   "ok",
		"sessions": s.sessions.SessionCount(),
		"stats":    s.sessions.SessionStats(),
		"settings": s.settings.Snapshot(),
	})
}

func writeJSON(w http.ResponseWriter, payload any) {
	writeJSONWithStatus(w, payload, http.StatusOK)
}

func writeJSONWithStatus(w http.ResponseWriter, payload any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		_, _ = fmt.Fprintf(w, `{"error":"%s"}`, err.Error())
	}
}
