package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/JohanCodinha/icasync/internal/cache"
	"github.com/JohanCodinha/icasync/internal/logger"
	"github.com/JohanCodinha/icasync/internal/notify"
	"github.com/JohanCodinha/icasync/internal/sync"
)

const (
	defaultRunLimit = 10
	maxRunLimit     = 100
	maxEventBody    = 1 << 20
)

// Scheduler is the part of sync.Scheduler the handlers drive.
type Scheduler interface {
	HandleEvent(ev notify.Event) bool
	Refresh(ctx context.Context) (sync.Result, error)
	State() sync.State
}

// Store is the part of cache.DB the handlers read.
type Store interface {
	LatestRuns(ctx context.Context, limit int) ([]cache.Run, error)
	GetListState(ctx context.Context, listID string) (*cache.ListState, error)
}

// Handler implements the API handlers.
type Handler struct {
	scheduler    Scheduler
	store        Store
	remoteListID string
	apiKey       string
	version      string
}

// NewHandler creates a new Handler. An empty apiKey disables authentication.
func NewHandler(scheduler Scheduler, store Store, remoteListID, apiKey, version string) *Handler {
	return &Handler{
		scheduler:    scheduler,
		store:        store,
		remoteListID: remoteListID,
		apiKey:       apiKey,
		version:      version,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("api: failed to encode response: %v", err)
	}
}

// Health handles GET /api/health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "healthy", Version: h.version})
}

// eventEnvelope is a full Home Assistant event as forwarded by automations
// or the websocket API. A bare call_service data object has no "data" key.
type eventEnvelope struct {
	EventType string          `json:"event_type"`
	Data      json.RawMessage `json:"data"`
}

// Events handles POST /api/events. The body is a Home Assistant
// call_service event, either the full event or just its data.
func (h *Handler) Events(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxEventBody))
	if err != nil {
		WriteProblem(w, r, http.StatusBadRequest, "Failed to read body")
		return
	}

	var env eventEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err.Error()))
		return
	}
	if len(env.Data) > 0 {
		if env.EventType != "" && env.EventType != "call_service" {
			writeJSON(w, http.StatusAccepted, EventsResponse{Ignored: 1})
			return
		}
		body = env.Data
	}

	events, err := notify.DecodeCallService(body)
	if errors.Is(err, notify.ErrIgnored) {
		writeJSON(w, http.StatusAccepted, EventsResponse{Ignored: 1})
		return
	}
	if err != nil {
		WriteProblem(w, r, http.StatusBadRequest, err.Error())
		return
	}

	var resp EventsResponse
	for _, ev := range events {
		if h.scheduler.HandleEvent(ev) {
			resp.Accepted++
		} else {
			resp.Ignored++
		}
	}
	writeJSON(w, http.StatusAccepted, resp)
}

// Refresh handles POST /api/refresh by running one immediate pass.
func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	result, err := h.scheduler.Refresh(r.Context())
	if err != nil {
		logger.Warn("api: refresh failed: %v", err)
		MapPassError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, NewPassResult(result))
}

// Status handles GET /api/status.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	limit := defaultRunLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > maxRunLimit {
			WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("limit must be between 1 and %d", maxRunLimit))
			return
		}
		limit = n
	}

	runs, err := h.store.LatestRuns(r.Context(), limit)
	if err != nil {
		logger.Error("api: failed to load runs: %v", err)
		WriteProblem(w, r, http.StatusInternalServerError, "Internal Server Error")
		return
	}
	state, err := h.store.GetListState(r.Context(), h.remoteListID)
	if err != nil {
		logger.Error("api: failed to load list state: %v", err)
		WriteProblem(w, r, http.StatusInternalServerError, "Internal Server Error")
		return
	}

	resp := StatusResponse{
		State: h.scheduler.State().String(),
		List:  newListState(state),
		Runs:  make([]Run, 0, len(runs)),
	}
	for _, run := range runs {
		resp.Runs = append(resp.Runs, newRun(run))
	}
	if len(runs) > 0 {
		resp.LastOutcome = runs[0].Outcome
	}
	writeJSON(w, http.StatusOK, resp)
}

// List handles GET /api/lists/{listID}.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	listID := chi.URLParam(r, "listID")

	state, err := h.store.GetListState(r.Context(), listID)
	if err != nil {
		logger.Error("api: failed to load list state: %v", err)
		WriteProblem(w, r, http.StatusInternalServerError, "Internal Server Error")
		return
	}
	if state == nil {
		WriteProblem(w, r, http.StatusNotFound, fmt.Sprintf("No synced state for list %s", listID))
		return
	}
	writeJSON(w, http.StatusOK, newListState(state))
}
