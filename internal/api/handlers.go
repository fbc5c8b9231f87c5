package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/maltedev/stories-scraper/internal/database"
	"github.com/maltedev/stories-scraper/internal/runs"
)

const TriggerAPI = "api"

// Health thresholds for the outbox.
const (
	MaxPendingEvents    = 1000
	MaxDeadLetterEvents = 100
)

type RunService interface {
	Start(ctx context.Context, trigger string) (*runs.Run, error)
	Get(id string) (*runs.Run, error)
	List() []*runs.Run
	Cancel(id string) error
}

type StatsSource interface {
	Stats(ctx context.Context) ([]database.SourceStats, error)
}

type OutboxHealth interface {
	PendingCount(ctx context.Context) (int64, error)
	DeadLetterCount(ctx context.Context) (int64, error)
}

type Handlers struct {
	runs   RunService
	stats  StatsSource
	outbox OutboxHealth
	logger *slog.Logger
}

// NewHandlers builds the API handlers. stats and outbox may be nil when the
// server runs without a database.
func NewHandlers(runService RunService, stats StatsSource, outbox OutboxHealth, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		runs:   runService,
		stats:  stats,
		outbox: outbox,
		logger: logger.With("component", "api"),
	}
}

// HealthResponse reports service status and outbox backlog
type HealthResponse struct {
	Status  string        `json:"status"`
	Message string        `json:"message,omitempty"`
	Outbox  *OutboxStatus `json:"outbox,omitempty"`
}

type OutboxStatus struct {
	Pending    int64 `json:"pending"`
	DeadLetter int64 `json:"dead_letter"`
}

// Health reports ok, warning or error depending on the outbox backlog.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "ok"}
	if h.outbox == nil {
		h.respondJSON(w, http.StatusOK, resp)
		return
	}

	pending, err := h.outbox.PendingCount(r.Context())
	if err != nil {
		h.logger.Error("failed to count pending outbox events", "error", err)
		h.respondJSON(w, http.StatusServiceUnavailable, HealthResponse{Status: "error", Message: "database unavailable"})
		return
	}
	deadLetter, err := h.outbox.DeadLetterCount(r.Context())
	if err != nil {
		h.logger.Error("failed to count dead letter events", "error", err)
		h.respondJSON(w, http.StatusServiceUnavailable, HealthResponse{Status: "error", Message: "database unavailable"})
		return
	}

	resp.Outbox = &OutboxStatus{Pending: pending, DeadLetter: deadLetter}
	status := http.StatusOK
	if pending > MaxPendingEvents {
		resp.Status = "warning"
		resp.Message = "High number of pending outbox events"
	}
	if deadLetter > MaxDeadLetterEvents {
		resp.Status = "error"
		resp.Message = "High number of dead letter events"
		status = http.StatusServiceUnavailable
	}

	h.respondJSON(w, status, resp)
}

// StartRun starts a full run in the background
func (h *Handlers) StartRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.runs.Start(r.Context(), TriggerAPI)
	if errors.Is(err, runs.ErrRunInProgress) {
		h.respondError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		h.logger.Error("failed to start run", "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to start run")
		return
	}

	h.respondJSON(w, http.StatusAccepted, run)
}

func (h *Handlers) ListRuns(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, h.runs.List())
}

func (h *Handlers) GetRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	if runID == "" {
		h.respondError(w, http.StatusBadRequest, "run ID is required")
		return
	}

	run, err := h.runs.Get(runID)
	if err != nil {
		h.respondError(w, http.StatusNotFound, "run not found")
		return
	}

	h.respondJSON(w, http.StatusOK, run)
}

// CancelRun stops an active run. It answers 409 for a finished run.
func (h *Handlers) CancelRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")

	err := h.runs.Cancel(runID)
	switch {
	case errors.Is(err, runs.ErrRunNotFound):
		h.respondError(w, http.StatusNotFound, "run not found")
		return
	case err != nil:
		h.respondError(w, http.StatusConflict, err.Error())
		return
	}

	h.respondJSON(w, http.StatusAccepted, map[string]string{"id": runID, "status": "cancelling"})
}

// StatsResponse holds product counts per source
type StatsResponse struct {
	Sources       []database.SourceStats `json:"sources"`
	TotalProducts int64                  `json:"total_products"`
	WithEmbedding int64                  `json:"with_embedding"`
}

func (h *Handlers) GetStats(w http.ResponseWriter, r *http.Request) {
	if h.stats == nil {
		h.respondError(w, http.StatusServiceUnavailable, "stats unavailable without database")
		return
	}

	sources, err := h.stats.Stats(r.Context())
	if err != nil {
		h.logger.Error("failed to get stats", "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to get stats")
		return
	}

	resp := StatsResponse{Sources: sources}
	if resp.Sources == nil {
		resp.Sources = []database.SourceStats{}
	}
	for _, s := range sources {
		resp.TotalProducts += s.Total
		resp.WithEmbedding += s.WithEmbed
	}

	h.respondJSON(w, http.StatusOK, resp)
}

// Helper methods
func (h *Handlers) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handlers) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, map[string]string{"error": message})
}
