package api

import (
	"bufio"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/turnstile-solver/internal/config"
	"github.com/JakeFAU/turnstile-solver/internal/dispatcher"
	"github.com/JakeFAU/turnstile-solver/internal/policy/ratelimit"
	"github.com/JakeFAU/turnstile-solver/internal/solver"
	"github.com/JakeFAU/turnstile-solver/internal/store"
	"github.com/JakeFAU/turnstile-solver/internal/telemetry"
)

//go:embed static/index.html
var indexPage []byte

const requestTimeout = 60 * time.Second

// Solver is the part of the dispatcher the HTTP layer drives.
type Solver interface {
	Submit(ctx context.Context, params dispatcher.Params) (string, error)
	FetchResult(ctx context.Context, id string) (solver.Result, error)
	Ready() bool
}

// Server wires HTTP handlers to the dispatcher and event history.
type Server struct {
	jsonWriter
	router  chi.Router
	solver  Solver
	limiter *ratelimit.Limiter
}

// NewServer constructs a Server with middleware and routes. events may be nil,
// in which case the history endpoint answers 503.
func NewServer(
	s Solver,
	cfg config.Config,
	logger *zap.Logger,
	events store.EventRepository,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	srv := &Server{
		jsonWriter: jsonWriter{logger: logger},
		solver:     s,
		limiter: ratelimit.New(ratelimit.Config{
			RPS:   cfg.RateLimit.RPS,
			Burst: cfg.RateLimit.Burst,
		}),
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(telemetry.Middleware)
	r.Use(timeoutMiddleware(requestTimeout))

	r.Get("/healthz", srv.healthz)
	r.Get("/readyz", srv.readyz)
	r.Method(http.MethodGet, "/metrics", telemetry.Handler())

	r.Group(func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey, logger))
		}
		r.Get("/", srv.index)
		r.Get("/turnstile", srv.submit)
		r.Get("/result", srv.result)

		eventsHandler := NewEventsHandler(events, logger.Named("events"))
		r.Get("/api/tasks/{task_id}/events", eventsHandler.ListTaskEvents)
	})

	srv.router = r
	return srv
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	if !s.solver.Ready() {
		s.writeError(w, http.StatusServiceUnavailable, "worker pool not ready")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) index(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if _, err := w.Write(indexPage); err != nil {
		s.logger.Warn("index write failed", zap.Error(err))
	}
}

func (s *Server) submit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	// Incomplete requests are rejected by Submit without spending a token.
	if q.Get("url") != "" && q.Get("sitekey") != "" && !s.limiter.Allow(q.Get("url")) {
		s.writeError(w, http.StatusTooManyRequests, "Too many requests for this site")
		return
	}
	taskID, err := s.solver.Submit(r.Context(), dispatcher.Params{
		URL:      q.Get("url"),
		SiteKey:  q.Get("sitekey"),
		Action:   q.Get("action"),
		CData:    q.Get("cdata"),
		Selector: q.Get("cf_selector"),
	})
	switch {
	case err == nil:
		s.writeJSON(w, http.StatusAccepted, map[string]string{"task_id": taskID})
	case errors.Is(err, solver.ErrValidation):
		s.writeError(w, http.StatusBadRequest, "Both 'url' and 'sitekey' are required")
	case errors.Is(err, dispatcher.ErrClosed):
		s.writeError(w, http.StatusServiceUnavailable, "server is shutting down")
	default:
		s.logger.Error("submit failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to submit task")
	}
}

func (s *Server) result(w http.ResponseWriter, r *http.Request) {
	res, err := s.solver.FetchResult(r.Context(), r.URL.Query().Get("id"))
	if err != nil {
		if errors.Is(err, solver.ErrUnknownTask) {
			s.writeError(w, http.StatusBadRequest, "Invalid task ID")
			return
		}
		s.logger.Error("fetch result failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to fetch result")
		return
	}
	status := http.StatusOK
	if res.IsFailure() {
		status = http.StatusUnprocessableEntity
	}
	s.writeJSON(w, status, res)
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			reqID, _ := r.Context().Value(requestIDKey{}).(string)
			logger.Debug("request completed",
				zap.String("request_id", reqID),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	out := jsonWriter{logger: logger}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("panic", rec), zap.String("path", r.URL.Path))
					out.writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string, logger *zap.Logger) func(http.Handler) http.Handler {
	out := jsonWriter{logger: logger}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				out.writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// jsonWriter encodes API responses, logging encode failures to its logger.
type jsonWriter struct {
	logger *zap.Logger
}

func (j jsonWriter) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		j.logger.Error("write JSON failed", zap.Int("status", status), zap.Error(err))
	}
}

func (j jsonWriter) writeError(w http.ResponseWriter, status int, msg string) {
	j.writeJSON(w, status, map[string]string{"status": "error", "error": msg})
}
