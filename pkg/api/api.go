// Package api serves the operational HTTP surface: health, per-client
// configuration and retained call transcripts.
package api

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/harunnryd/callbridge/pkg/clock"
	"github.com/harunnryd/callbridge/pkg/errorsx"
	"github.com/harunnryd/callbridge/pkg/logging"
	"github.com/harunnryd/callbridge/pkg/profile"
	"github.com/harunnryd/callbridge/pkg/session"
	"github.com/harunnryd/callbridge/pkg/transcript"
)

// maxBodyBytes caps configuration updates.
const maxBodyBytes = 1 << 20

type Handler struct {
	profiles profile.Store
	registry session.Registry
	clock    clock.Clock
	started  time.Time
	log      *slog.Logger
}

func New(profiles profile.Store, registry session.Registry, c clock.Clock, log *slog.Logger) *Handler {
	if c == nil {
		c = clock.Real()
	}
	return &Handler{
		profiles: profiles,
		registry: registry,
		clock:    c,
		started:  c.Now(),
		log:      logging.NewComponentLogger(log, "api"),
	}
}

// Register adds every route to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.Health)
	mux.HandleFunc("GET /api/clients/{clientId}/config", h.GetClientConfig)
	mux.HandleFunc("POST /api/clients/{clientId}/config", h.UpdateClientConfig)
	mux.HandleFunc("GET /api/transcripts", h.ListTranscripts)
	mux.HandleFunc("GET /api/transcripts/{callSid}", h.GetTranscript)
}

type healthResponse struct {
	Status        string    `json:"status"`
	Clients       int       `json:"clients"`
	ActiveCalls   int       `json:"active_calls"`
	UptimeSeconds float64   `json:"uptime_seconds"`
	Timestamp     time.Time `json:"timestamp"`
}

func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	now := h.clock.Now()
	writeJSON(w, http.StatusOK, healthResponse{
		Status:        "ok",
		Clients:       h.profiles.Len(),
		ActiveCalls:   h.registry.Active(),
		UptimeSeconds: now.Sub(h.started).Seconds(),
		Timestamp:     now.UTC(),
	})
}

func (h *Handler) GetClientConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.profiles.Get(r.PathValue("clientId")))
}

type updateResponse struct {
	Success  bool            `json:"success"`
	ClientID string          `json:"clientId"`
	Config   profile.Profile `json:"config"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// UpdateClientConfig merges a partial profile. Invalid updates leave the stored
// profile untouched.
func (h *Handler) UpdateClientConfig(w http.ResponseWriter, r *http.Request) {
	clientID := r.PathValue("clientId")
	var overrides map[string]any
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(&overrides); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON body: " + err.Error()})
		return
	}
	p, err := h.profiles.Merge(clientID, overrides)
	if err != nil {
		status := http.StatusInternalServerError
		if errorsx.HasReason(err, errorsx.ReasonProfileInvalid) {
			status = http.StatusBadRequest
		}
		h.log.Warn("client_config_rejected", "client_id", clientID, "error", err.Error())
		writeJSON(w, status, errorResponse{Error: err.Error()})
		return
	}
	h.log.Info("client_config_updated", "client_id", clientID)
	writeJSON(w, http.StatusOK, updateResponse{Success: true, ClientID: clientID, Config: p})
}

func (h *Handler) GetTranscript(w http.ResponseWriter, r *http.Request) {
	t, ok := h.registry.Transcript(r.PathValue("callSid"))
	if !ok {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "Transcript not found"})
		return
	}
	writeJSON(w, http.StatusOK, t.Snapshot())
}

type transcriptEntry struct {
	CallSid string `json:"callSid"`
	transcript.Snapshot
	Timestamp time.Time `json:"timestamp"`
}

// ListTranscripts returns every retained transcript, oldest first. Timestamp is
// the end of the call, or its start while it is still live.
func (h *Handler) ListTranscripts(w http.ResponseWriter, _ *http.Request) {
	entries := h.registry.Transcripts()
	out := make([]transcriptEntry, 0, len(entries))
	for _, e := range entries {
		ts := e.EndedAt
		if ts.IsZero() {
			ts = e.OpenedAt
		}
		out = append(out, transcriptEntry{CallSid: e.CallID, Snapshot: e.Transcript.Snapshot(), Timestamp: ts.UTC()})
	}
	writeJSON(w, http.StatusOK, out)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error":"encode failed"}`, http.StatusInternalServerError)
	}
}
