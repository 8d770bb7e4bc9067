// Package admin serves the read/delete API over the interaction store,
// reserved under the /_interceptor/ path prefix.
package admin

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/tjfontaine/agent-interceptor/internal/domain"
	"github.com/tjfontaine/agent-interceptor/internal/storage/sqlite"
)

// Store is the query surface the admin API depends on.
type Store interface {
	ListInteractions(ctx context.Context, opts sqlite.ListOptions) ([]*domain.Interaction, error)
	GetInteraction(ctx context.Context, id string) (*domain.Interaction, []domain.StreamChunk, error)
	ListSessions(ctx context.Context) ([]domain.SessionSummary, error)
	Stats(ctx context.Context) (*domain.Stats, error)
	DeleteAll(ctx context.Context) (int64, error)
}

type API struct {
	store  Store
	logger *slog.Logger
}

// New builds the admin API over a store.
func New(store Store, logger *slog.Logger) *API {
	if logger == nil {
		logger = slog.Default()
	}
	return &API{store: store, logger: logger}
}

// Routes returns the chi router for the /_interceptor mount.
func (a *API) Routes() http.Handler {
	r := chi.NewRouter()
	r.Get("/health", a.handleHealth)
	r.Get("/stats", a.handleStats)
	r.Get("/sessions", a.handleSessions)
	r.Get("/interactions", a.handleListInteractions)
	r.Delete("/interactions", a.handleClearInteractions)
	r.Get("/interactions/{id}", a.handleGetInteraction)
	return r
}

func (a *API) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *API) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := a.store.Stats(r.Context())
	if err != nil {
		a.serverError(w, "stats query failed", err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (a *API) handleSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := a.store.ListSessions(r.Context())
	if err != nil {
		a.serverError(w, "sessions query failed", err)
		return
	}
	if sessions == nil {
		sessions = []domain.SessionSummary{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

// interactionSummary is the listing view: no bodies, a short text preview.
type interactionSummary struct {
	ID             string  `json:"id"`
	SessionID      string  `json:"session_id,omitempty"`
	StartedAt      string  `json:"started_at"`
	Provider       string  `json:"provider"`
	Model          string  `json:"model,omitempty"`
	Method         string  `json:"method"`
	Path           string  `json:"path"`
	StatusCode     int     `json:"status_code,omitempty"`
	Streaming      bool    `json:"streaming"`
	ChunkCount     int     `json:"chunk_count"`
	TotalLatencyMs float64 `json:"total_latency_ms"`
	Error          string  `json:"error,omitempty"`
	TextPreview    string  `json:"response_text_preview,omitempty"`
}

func (a *API) handleListInteractions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := sqlite.ListOptions{
		Limit:     intParam(q.Get("limit"), 20),
		Offset:    intParam(q.Get("offset"), 0),
		Provider:  q.Get("provider"),
		Model:     q.Get("model"),
		SessionID: q.Get("session_id"),
	}

	interactions, err := a.store.ListInteractions(r.Context(), opts)
	if err != nil {
		a.serverError(w, "interactions query failed", err)
		return
	}

	out := make([]interactionSummary, 0, len(interactions))
	for _, in := range interactions {
		s := interactionSummary{
			ID:             in.ID,
			SessionID:      in.SessionID,
			StartedAt:      in.StartedAt.Format("2006-01-02T15:04:05.000Z07:00"),
			Provider:       string(in.Provider),
			Method:         in.Method,
			Path:           in.Path,
			ChunkCount:     in.ChunkCount,
			Streaming:      in.ChunkCount > 0,
			TotalLatencyMs: in.Metrics.TotalLatencyMs,
			Error:          in.Error,
		}
		if in.Request != nil {
			s.Model = in.Request.Model
		}
		if in.Response != nil {
			s.StatusCode = in.Response.StatusCode
			s.TextPreview = preview(in.Response.ReconstructedText, 200)
		}
		out = append(out, s)
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) handleGetInteraction(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	in, chunks, err := a.store.GetInteraction(r.Context(), id)
	if errors.Is(err, sql.ErrNoRows) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		return
	}
	if err != nil {
		a.serverError(w, "interaction query failed", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"interaction": in,
		"chunks":      chunks,
	})
}

func (a *API) handleClearInteractions(w http.ResponseWriter, r *http.Request) {
	if _, err := a.store.DeleteAll(r.Context()); err != nil {
		a.serverError(w, "delete failed", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) serverError(w http.ResponseWriter, msg string, err error) {
	a.logger.Error(msg, slog.String("error", err.Error()))
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func intParam(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func preview(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
