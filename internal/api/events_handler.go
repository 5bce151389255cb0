package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/turnstile-solver/internal/store"
)

const (
	defaultEventLimit = 100
	maxEventLimit     = 1000
	eventsTimeout     = 3 * time.Second
)

// EventsHandler exposes read-only task lifecycle history.
type EventsHandler struct {
	jsonWriter
	repo    store.EventRepository
	timeout time.Duration
}

// NewEventsHandler wires the repository and logger.
func NewEventsHandler(repo store.EventRepository, logger *zap.Logger) *EventsHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventsHandler{
		jsonWriter: jsonWriter{logger: logger},
		repo:       repo,
		timeout:    eventsTimeout,
	}
}

// ListTaskEvents handles GET /api/tasks/{task_id}/events?limit=&offset=. It
// returns {"task_id": ..., "events": [...]} oldest first, 400 for a malformed
// id or paging, 404 when the repository reports store.ErrNotFound, 503 when no
// repository is configured, or 500 otherwise.
func (h *EventsHandler) ListTaskEvents(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		h.writeError(w, http.StatusServiceUnavailable, "event history unavailable")
		return
	}
	taskID, err := parseTaskID(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, offset, err := parseLimitOffset(r, defaultEventLimit, maxEventLimit)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	events, err := h.repo.ListEvents(ctx, taskID, limit, offset)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "task events not found")
			return
		}
		h.logger.Error("list task events failed", zap.String("task_id", taskID), zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "failed to list task events")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"task_id": taskID,
		"events":  toEventDTOs(events),
	})
}

func parseTaskID(r *http.Request) (string, error) {
	raw := chi.URLParam(r, "task_id")
	if raw == "" {
		return "", errors.New("task_id is required")
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return "", errors.New("invalid task_id")
	}
	return id.String(), nil
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		if val > maxLimit {
			val = maxLimit
		}
		limit = val
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}

func toEventDTOs(in []store.TaskEvent) []eventDTO {
	out := make([]eventDTO, 0, len(in))
	for _, ev := range in {
		dto := eventDTO{
			Stage:      ev.Stage,
			Attempt:    ev.Attempt,
			DurationMs: ev.Duration.Milliseconds(),
			Note:       ev.Note,
			At:         ev.At,
		}
		if ev.Slot >= 0 {
			slot := ev.Slot
			dto.Slot = &slot
		}
		out = append(out, dto)
	}
	return out
}

type eventDTO struct {
	Stage      string    `json:"stage"`
	Slot       *int      `json:"slot,omitempty"`
	Attempt    int       `json:"attempt,omitempty"`
	DurationMs int64     `json:"duration_ms"`
	Note       string    `json:"note,omitempty"`
	At         time.Time `json:"at"`
}
