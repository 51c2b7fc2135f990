// Package handler exposes the batch job over HTTP so a scheduler can trigger
// runs and read the run history.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	appI18n "github.com/pavelanni/studycoach/internal/i18n"
	"github.com/pavelanni/studycoach/internal/model"
	"github.com/pavelanni/studycoach/internal/store"
)

// Trigger starts one batch run.
type Trigger interface {
	Run(ctx context.Context, feature model.Feature) (model.RunSummary, error)
}

// History reads the run ledger.
type History interface {
	ListRuns(limit int) ([]model.RunRecord, error)
	GetRun(id string) (model.RunRecord, error)
	GetLastRun() (store.LastRun, error)
}

// Config holds the handler settings.
type Config struct {
	BasePath  string
	TokenHash string
	Lang      string
	Feature   model.Feature
}

// Handler holds shared dependencies for HTTP handlers.
type Handler struct {
	trigger Trigger
	history History
	config  Config

	// base outlives any single request; runs are cancelled only on shutdown.
	base    context.Context
	running sync.Mutex
}

// New creates a new Handler. Runs triggered over HTTP use base as their
// context.
func New(base context.Context, t Trigger, h History, cfg Config) *Handler {
	if cfg.Feature == "" {
		cfg.Feature = model.FeatureActivity
	}
	return &Handler{trigger: t, history: h, config: cfg, base: base}
}

// Router builds the full middleware stack and mounts the routes under the
// configured base path.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(appI18n.Middleware(h.config.Lang))

	if h.config.BasePath != "" {
		r.Route(h.config.BasePath, h.Routes)
		return r
	}
	h.Routes(r)
	return r
}

// Routes registers all HTTP routes.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/healthz", h.handleHealth)
	r.Group(func(r chi.Router) {
		r.Use(h.requireToken)
		r.Post("/run", h.handleRun)
		r.Get("/status", h.handleStatus)
		r.Get("/runs", h.handleListRuns)
		r.Get("/runs/{runID}", h.handleGetRun)
	})
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type runRequest struct {
	Feature model.Feature `json:"feature"`
}

type runResponse struct {
	Status  string        `json:"status"`
	RunID   string        `json:"run_id,omitempty"`
	Feature model.Feature `json:"feature"`
	Sent    int           `json:"sent"`
	Failed  int           `json:"failed"`
	Skipped int           `json:"skipped"`
	Message string        `json:"message,omitempty"`
}

// handleRun runs one batch and answers with its summary. The run uses the
// handler's base context so a caller hanging up does not abort it halfway
// through the roster.
func (h *Handler) handleRun(w http.ResponseWriter, r *http.Request) {
	req := runRequest{Feature: h.config.Feature}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if f := r.URL.Query().Get("feature"); f != "" {
		req.Feature = model.Feature(f)
	}
	req.Feature = model.Feature(strings.ToLower(strings.TrimSpace(string(req.Feature))))
	if req.Feature == "" {
		req.Feature = h.config.Feature
	}
	if !model.IsValidFeature(string(req.Feature)) {
		writeError(w, http.StatusBadRequest,
			appI18n.Td(r.Context(), "InvalidFeature", map[string]any{"Feature": req.Feature}))
		return
	}

	if !h.running.TryLock() {
		writeJSON(w, http.StatusConflict, runResponse{
			Status:  "busy",
			Feature: req.Feature,
			Message: appI18n.T(r.Context(), "RunInProgress"),
		})
		return
	}
	defer h.running.Unlock()

	summary, err := h.trigger.Run(h.base, req.Feature)
	resp := runResponse{
		Status:  summary.Status(),
		RunID:   summary.RunID,
		Feature: req.Feature,
		Sent:    summary.Sent,
		Failed:  summary.Failed,
		Skipped: summary.Skipped,
	}
	if err != nil {
		slog.Error("triggered run failed", "run_id", summary.RunID, "feature", req.Feature, "error", err)
		resp.Status = "error"
		resp.Message = err.Error()
		writeJSON(w, http.StatusInternalServerError, resp)
		return
	}
	if summary.RunID != "" {
		resp.Message = appI18n.Td(r.Context(), "RunFinished", map[string]any{"RunID": summary.RunID, "Status": resp.Status})
	}
	slog.Info("triggered run finished", "run_id", summary.RunID, "status", resp.Status)
	writeJSON(w, http.StatusOK, resp)
}

type statusResponse struct {
	Running        bool   `json:"running"`
	LastRunID      string `json:"last_run_id,omitempty"`
	LastFinishedAt string `json:"last_finished_at,omitempty"`
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	last, err := h.history.GetLastRun()
	if err != nil {
		slog.Error("failed to read last run", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	resp := statusResponse{Running: !h.idle(), LastRunID: last.ID}
	if !last.FinishedAt.IsZero() {
		resp.LastFinishedAt = last.FinishedAt.UTC().Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) idle() bool {
	if h.running.TryLock() {
		h.running.Unlock()
		return true
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
