package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/turnstile-solver/internal/browser/fake"
	"github.com/JakeFAU/turnstile-solver/internal/config"
	"github.com/JakeFAU/turnstile-solver/internal/dispatcher"
	"github.com/JakeFAU/turnstile-solver/internal/id/uuid"
	"github.com/JakeFAU/turnstile-solver/internal/pool"
	"github.com/JakeFAU/turnstile-solver/internal/runner"
	"github.com/JakeFAU/turnstile-solver/internal/solver"
	"github.com/JakeFAU/turnstile-solver/internal/storage/memory"
	"github.com/JakeFAU/turnstile-solver/internal/storage/snapshot"
)

const testSiteKey = "1x00000000000000000000AA"

type liveServer struct {
	server   *Server
	store    *snapshot.Store
	launcher *fake.Launcher
}

func newLiveServer(t *testing.T, read fake.ReadFunc, cfg config.Config) *liveServer {
	t.Helper()
	store, err := snapshot.Open(context.Background(), memory.NewPersister(), zap.NewNop())
	require.NoError(t, err)

	p := pool.New(zap.NewNop())
	r := runner.New(p, store, nil, nil, nil, nil, runner.Config{}, zap.NewNop())
	r.SetTimings(runner.Timings{
		ElementWait: 200 * time.Millisecond,
		Read:        20 * time.Millisecond,
		Click:       20 * time.Millisecond,
		Backoff:     time.Millisecond,
		MaxAttempts: 10,
		Teardown:    time.Second,
	})
	d := dispatcher.New(p, store, r, uuid.NewUUIDGenerator(), nil, zap.NewNop())
	launcher := fake.NewLauncher(read)
	require.NoError(t, d.Startup(context.Background(), 1, launcher))
	t.Cleanup(func() { _ = d.Shutdown(context.Background()) })

	return &liveServer{
		server:   NewServer(d, cfg, zap.NewNop(), memory.NewEventStore()),
		store:    store,
		launcher: launcher,
	}
}

func (l *liveServer) get(target string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	l.server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func (l *liveServer) submit(t *testing.T, target string) string {
	t.Helper()
	rec := l.get(target)
	require.Equal(t, http.StatusAccepted, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.NotEmpty(t, body["task_id"])
	return body["task_id"]
}

func (l *liveServer) pollUntilResolved(t *testing.T, id string) *httptest.ResponseRecorder {
	t.Helper()
	var rec *httptest.ResponseRecorder
	require.Eventually(t, func() bool {
		rec = l.get("/result?id=" + id)
		return !containsNotReady(rec)
	}, 5*time.Second, 10*time.Millisecond)
	return rec
}

func containsNotReady(rec *httptest.ResponseRecorder) bool {
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		return false
	}
	return body["value"] == solver.ValueNotReady
}

func TestServer_SolvedTaskReturnsToken(t *testing.T) {
	t.Parallel()
	l := newLiveServer(t, fake.Token("mock-token"), config.Config{})

	id := l.submit(t, "/turnstile?url=https://example.com&sitekey="+testSiteKey)
	rec := l.pollUntilResolved(t, id)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "mock-token", body["value"])
	require.Equal(t, "success", body["status"])
	require.Contains(t, body, "elapsed_time")
}

func TestServer_ExhaustedTaskReturns422(t *testing.T) {
	t.Parallel()
	l := newLiveServer(t, fake.Empty(), config.Config{})

	id := l.submit(t, "/turnstile?url=https://example.com&sitekey="+testSiteKey)
	rec := l.pollUntilResolved(t, id)

	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, solver.ValueFail, body["value"])
	require.Equal(t, string(solver.ReasonInteractionTimeout), body["reason"])
	require.Equal(t, 10, l.launcher.Recorder.Clicks())
}

func TestServer_PendingResultIsNotReady(t *testing.T) {
	t.Parallel()
	srv := NewServer(&stubSolver{ready: true}, config.Config{}, zap.NewNop(), nil)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/result?id=stub-id", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, containsNotReady(rec))
}

func TestServer_SubmitMissingFields(t *testing.T) {
	t.Parallel()
	l := newLiveServer(t, fake.Token("tok"), config.Config{})

	for _, target := range []string{
		"/turnstile?sitekey=" + testSiteKey,
		"/turnstile?url=https://example.com",
		"/turnstile",
	} {
		rec := l.get(target)
		require.Equal(t, http.StatusBadRequest, rec.Code, target)
		var body map[string]string
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		require.Equal(t, "error", body["status"])
		require.Equal(t, "Both 'url' and 'sitekey' are required", body["error"])
	}
	require.Zero(t, l.store.Len())
	require.Zero(t, l.launcher.Recorder.TotalSessions())
}

func TestServer_SubmitPassesOptionalFields(t *testing.T) {
	t.Parallel()
	l := newLiveServer(t, fake.Token("tok"), config.Config{})

	id := l.submit(t, "/turnstile?url=https://example.com/login&sitekey="+testSiteKey+"&action=login&cdata=abc&cf_selector=%23widget")
	l.pollUntilResolved(t, id)

	body, ok := l.launcher.Recorder.Served("https://example.com/login/")
	require.True(t, ok)
	require.Contains(t, string(body), `data-action="login"`)
	require.Contains(t, string(body), `data-cdata="abc"`)
}

func TestServer_ResultUnknownID(t *testing.T) {
	t.Parallel()
	l := newLiveServer(t, fake.Token("tok"), config.Config{})

	for _, target := range []string{"/result?id=does-not-exist", "/result"} {
		rec := l.get(target)
		require.Equal(t, http.StatusBadRequest, rec.Code)
		require.Contains(t, rec.Body.String(), "Invalid task ID")
	}
}

func TestServer_FreshTaskIDs(t *testing.T) {
	t.Parallel()
	l := newLiveServer(t, fake.Token("tok"), config.Config{})

	seen := make(map[string]bool)
	for i := 0; i < 5; i++ {
		id := l.submit(t, "/turnstile?url=https://example.com&sitekey="+testSiteKey)
		require.False(t, seen[id], "duplicate task id %s", id)
		seen[id] = true
	}
}

func TestServer_Index(t *testing.T) {
	t.Parallel()
	l := newLiveServer(t, fake.Token("tok"), config.Config{})

	rec := l.get("/")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Header().Get("Content-Type"), "text/html")
	require.Contains(t, rec.Body.String(), "/turnstile")
}

func TestServer_HealthAndReadiness(t *testing.T) {
	t.Parallel()
	l := newLiveServer(t, fake.Token("tok"), config.Config{})
	require.Equal(t, http.StatusOK, l.get("/healthz").Code)
	require.Equal(t, http.StatusOK, l.get("/readyz").Code)

	notReady := NewServer(&stubSolver{}, config.Config{}, zap.NewNop(), nil)
	rec := httptest.NewRecorder()
	notReady.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServer_Metrics(t *testing.T) {
	t.Parallel()
	l := newLiveServer(t, fake.Token("tok"), config.Config{})
	l.get("/healthz")

	rec := l.get("/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "http_requests_total")
}

func TestServer_ErrorMapping(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		solver *stubSolver
		target string
		want   int
	}{
		{"closed", &stubSolver{submitErr: dispatcher.ErrClosed}, "/turnstile?url=u&sitekey=k", http.StatusServiceUnavailable},
		{"submit failure", &stubSolver{submitErr: errors.New("boom")}, "/turnstile?url=u&sitekey=k", http.StatusInternalServerError},
		{"fetch failure", &stubSolver{fetchErr: errors.New("boom")}, "/result?id=x", http.StatusInternalServerError},
		{"wrapped unknown", &stubSolver{fetchErr: fmt.Errorf("fetch result: %w", solver.ErrUnknownTask)}, "/result?id=x", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv := NewServer(tt.solver, config.Config{}, zap.NewNop(), nil)
			rec := httptest.NewRecorder()
			srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.target, nil))
			require.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestServer_APIKeyMiddleware(t *testing.T) {
	t.Parallel()

	srv := NewServer(&stubSolver{ready: true}, config.Config{
		Auth: config.AuthConfig{Enabled: true, APIKey: "secret"},
	}, zap.NewNop(), nil)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/turnstile?url=u&sitekey=k", nil))
	require.Equal(t, http.StatusForbidden, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/turnstile?url=u&sitekey=k", nil)
	req.Header.Set("X-API-Key", "secret")
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/result?id=x&api_key=secret", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_SubmitRateLimitedPerSite(t *testing.T) {
	t.Parallel()

	srv := NewServer(&stubSolver{ready: true}, config.Config{
		RateLimit: config.RateLimitConfig{RPS: 0.001, Burst: 1},
	}, zap.NewNop(), nil)
	submit := func(target string) int {
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
		return rec.Code
	}

	require.Equal(t, http.StatusAccepted, submit("/turnstile?url=https://a.test/&sitekey=k"))
	require.Equal(t, http.StatusTooManyRequests, submit("/turnstile?url=https://a.test/login&sitekey=k"))
	require.Equal(t, http.StatusAccepted, submit("/turnstile?url=https://b.test/&sitekey=k"))
	// Incomplete submissions never spend a token.
	submit("/turnstile?url=https://c.test/")
	require.Equal(t, http.StatusAccepted, submit("/turnstile?url=https://c.test/&sitekey=k"))
}

func TestJSONWriterLogsToOwnLogger(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.ErrorLevel)
	srv := NewServer(&stubSolver{}, config.Config{}, zap.New(core), nil)

	rec := httptest.NewRecorder()
	srv.writeJSON(rec, http.StatusOK, map[string]any{"bad": make(chan int)})
	require.Equal(t, 1, logs.FilterMessage("write JSON failed").Len())

	handler := NewEventsHandler(nil, zap.New(core))
	handler.writeJSON(httptest.NewRecorder(), http.StatusOK, func() {})
	require.Equal(t, 2, logs.FilterMessage("write JSON failed").Len())
}

func TestServer_RecoversPanics(t *testing.T) {
	t.Parallel()

	srv := NewServer(&stubSolver{panicOnSubmit: true}, config.Config{}, zap.NewNop(), nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/turnstile?url=u&sitekey=k", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestRequestIDMiddlewareSetsHeader(t *testing.T) {
	t.Parallel()

	srv := NewServer(&stubSolver{}, config.Config{}, zap.NewNop(), nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestResponseWriterHijackBehavior(t *testing.T) {
	t.Parallel()

	rw := &responseWriter{ResponseWriter: httptest.NewRecorder()}
	if _, _, err := rw.Hijack(); err == nil || err.Error() != "hijacker not supported" {
		t.Fatalf("expected unsupported hijacker error, got %v", err)
	}

	h := &hijackableRecorder{ResponseRecorder: httptest.NewRecorder()}
	rw = &responseWriter{ResponseWriter: h}
	conn, buf, err := rw.Hijack()
	if err != nil {
		t.Fatalf("expected successful hijack, got %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("close hijacked conn: %v", err)
	}
	if err := h.CloseClient(); err != nil {
		t.Fatalf("close hijacked client: %v", err)
	}
	if buf == nil {
		t.Fatal("expected buf to be non-nil")
	}
}

// --- helpers/fakes ---

type stubSolver struct {
	ready         bool
	submitErr     error
	fetchErr      error
	panicOnSubmit bool
}

func (s *stubSolver) Submit(context.Context, dispatcher.Params) (string, error) {
	if s.panicOnSubmit {
		panic("submit exploded")
	}
	if s.submitErr != nil {
		return "", s.submitErr
	}
	return "stub-id", nil
}

func (s *stubSolver) FetchResult(context.Context, string) (solver.Result, error) {
	if s.fetchErr != nil {
		return solver.Result{}, s.fetchErr
	}
	return solver.Pending(), nil
}

func (s *stubSolver) Ready() bool {
	return s.ready
}

type hijackableRecorder struct {
	*httptest.ResponseRecorder
	client net.Conn
}

func (h *hijackableRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	server, client := net.Pipe()
	h.client = client
	return server, bufio.NewReadWriter(bufio.NewReader(client), bufio.NewWriter(client)), nil
}

func (h *hijackableRecorder) CloseClient() error {
	if h.client != nil {
		if err := h.client.Close(); err != nil {
			return fmt.Errorf("close hijacker client: %w", err)
		}
	}
	return nil
}
