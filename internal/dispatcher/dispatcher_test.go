package dispatcher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/turnstile-solver/internal/browser/fake"
	"github.com/JakeFAU/turnstile-solver/internal/id/uuid"
	"github.com/JakeFAU/turnstile-solver/internal/pool"
	"github.com/JakeFAU/turnstile-solver/internal/progress"
	"github.com/JakeFAU/turnstile-solver/internal/runner"
	"github.com/JakeFAU/turnstile-solver/internal/solver"
	"github.com/JakeFAU/turnstile-solver/internal/storage/memory"
	"github.com/JakeFAU/turnstile-solver/internal/storage/snapshot"
)

func fastTimings() runner.Timings {
	return runner.Timings{
		ElementWait: 200 * time.Millisecond,
		Read:        20 * time.Millisecond,
		Click:       20 * time.Millisecond,
		Backoff:     time.Millisecond,
		MaxAttempts: 10,
		Teardown:    time.Second,
	}
}

type env struct {
	dispatcher *Dispatcher
	store      *snapshot.Store
	pool       *pool.Pool
	launcher   *fake.Launcher
}

func newEnv(t *testing.T, size int, read fake.ReadFunc) *env {
	t.Helper()
	store, err := snapshot.Open(context.Background(), memory.NewPersister(), zap.NewNop())
	require.NoError(t, err)
	p := pool.New(zap.NewNop())
	r := runner.New(p, store, nil, nil, nil, nil, runner.Config{}, zap.NewNop())
	r.SetTimings(fastTimings())

	d := New(p, store, r, uuid.NewUUIDGenerator(), nil, zap.NewNop())
	launcher := fake.NewLauncher(read)
	require.NoError(t, d.Startup(context.Background(), size, launcher))
	t.Cleanup(func() { _ = d.Shutdown(context.Background()) })
	return &env{dispatcher: d, store: store, pool: p, launcher: launcher}
}

func (e *env) waitResolved(t *testing.T, id string) solver.Result {
	t.Helper()
	var res solver.Result
	require.Eventually(t, func() bool {
		got, err := e.dispatcher.FetchResult(context.Background(), id)
		if err != nil || got.IsPending() {
			return false
		}
		res = got
		return true
	}, 5*time.Second, 10*time.Millisecond)
	return res
}

func TestSubmitSolvesTask(t *testing.T) {
	t.Parallel()
	e := newEnv(t, 1, fake.Token("mock-token"))

	id, err := e.dispatcher.Submit(context.Background(), Params{URL: "https://example.com", SiteKey: "1x00000000000000000000AA"})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	res := e.waitResolved(t, id)
	require.Equal(t, solver.StatusSuccess, res.Status)
	require.Equal(t, "mock-token", res.Token)
	require.Zero(t, e.pool.Busy())
}

func TestSubmitExhaustsAttempts(t *testing.T) {
	t.Parallel()
	e := newEnv(t, 1, fake.Empty())

	id, err := e.dispatcher.Submit(context.Background(), Params{URL: "https://example.com", SiteKey: "1x00000000000000000000AA"})
	require.NoError(t, err)

	res := e.waitResolved(t, id)
	require.Equal(t, solver.ReasonInteractionTimeout, res.Reason)

	again, err := e.dispatcher.FetchResult(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, res, again)
}

func TestSubmitValidation(t *testing.T) {
	t.Parallel()
	e := newEnv(t, 1, fake.Token("tok"))

	for _, params := range []Params{
		{SiteKey: "1x00000000000000000000AA"},
		{URL: "https://example.com"},
		{URL: "   ", SiteKey: "key"},
	} {
		id, err := e.dispatcher.Submit(context.Background(), params)
		require.ErrorIs(t, err, solver.ErrValidation)
		require.Empty(t, id)
	}
	require.Zero(t, e.store.Len())
	require.Zero(t, e.launcher.Recorder.TotalSessions())
}

func TestSubmitReturnsFreshPendingIDs(t *testing.T) {
	t.Parallel()
	e := newEnv(t, 1, fake.Block())

	seen := make(map[string]bool)
	for i := 0; i < 5; i++ {
		id, err := e.dispatcher.Submit(context.Background(), Params{URL: "https://example.com", SiteKey: "key"})
		require.NoError(t, err)
		require.False(t, seen[id])
		seen[id] = true
	}
	require.Equal(t, 5, e.store.Len())
}

func TestSecondTaskWaitsForBlockedSlot(t *testing.T) {
	t.Parallel()
	e := newEnv(t, 1, fake.Block())

	first, err := e.dispatcher.Submit(context.Background(), Params{URL: "https://example.com", SiteKey: "key"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return e.pool.Busy() == 1 }, time.Second, 5*time.Millisecond)

	second, err := e.dispatcher.Submit(context.Background(), Params{URL: "https://example.com", SiteKey: "key"})
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	res, err := e.dispatcher.FetchResult(context.Background(), second)
	require.NoError(t, err)
	require.True(t, res.IsPending())
	require.Equal(t, 1, e.launcher.Recorder.TotalSessions())

	firstRes := e.waitResolved(t, first)
	require.Equal(t, solver.ReasonInteractionTimeout, firstRes.Reason)

	secondRes := e.waitResolved(t, second)
	require.Equal(t, solver.StatusFailure, secondRes.Status)
	require.Equal(t, 2, e.launcher.Recorder.TotalSessions())
	require.Equal(t, 1, e.launcher.Recorder.MaxConcurrentLoops())
}

func TestFetchResultUnknown(t *testing.T) {
	t.Parallel()
	e := newEnv(t, 1, fake.Token("tok"))

	_, err := e.dispatcher.FetchResult(context.Background(), "does-not-exist")
	require.ErrorIs(t, err, solver.ErrUnknownTask)
	_, err = e.dispatcher.FetchResult(context.Background(), "")
	require.ErrorIs(t, err, solver.ErrUnknownTask)
}

func TestStartupFailureIsPoolInit(t *testing.T) {
	t.Parallel()
	store, err := snapshot.Open(context.Background(), memory.NewPersister(), nil)
	require.NoError(t, err)
	p := pool.New(nil)
	d := New(p, store, nil, uuid.NewUUIDGenerator(), nil, nil)

	launcher := fake.NewLauncher(nil)
	launcher.FailLaunchAt = 1
	err = d.Startup(context.Background(), 2, launcher)
	require.ErrorIs(t, err, solver.ErrPoolInit)
	require.False(t, d.Ready())
}

func TestShutdownAbortsWaitingRunners(t *testing.T) {
	t.Parallel()
	e := newEnv(t, 1, fake.Block())
	e.dispatcher.runner.(*runner.Runner).SetTimings(runner.Timings{
		ElementWait: time.Second,
		Read:        time.Hour,
		Click:       time.Second,
		Backoff:     time.Millisecond,
		MaxAttempts: 10,
		Teardown:    time.Second,
	})

	ids := make([]string, 0, 3)
	for i := 0; i < 3; i++ {
		id, err := e.dispatcher.Submit(context.Background(), Params{URL: "https://example.com", SiteKey: "key"})
		require.NoError(t, err)
		ids = append(ids, id)
	}
	require.True(t, e.dispatcher.Ready())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, e.dispatcher.Shutdown(ctx))
	require.False(t, e.dispatcher.Ready())

	for _, id := range ids {
		res, err := e.dispatcher.FetchResult(context.Background(), id)
		require.NoError(t, err)
		require.Equal(t, solver.StatusFailure, res.Status)
		require.Equal(t, solver.ReasonError, res.Reason)
	}
	for _, b := range e.launcher.Recorder.Browsers() {
		require.True(t, b.Closed())
	}

	_, err := e.dispatcher.Submit(context.Background(), Params{URL: "https://example.com", SiteKey: "key"})
	require.ErrorIs(t, err, ErrClosed)
	require.NoError(t, e.dispatcher.Shutdown(context.Background()))
}

func TestSubmitEmitsQueuedEvent(t *testing.T) {
	t.Parallel()
	store, err := snapshot.Open(context.Background(), memory.NewPersister(), nil)
	require.NoError(t, err)
	emitter := &recordingEmitter{}
	tasks := &recordingRunner{}
	d := New(pool.New(nil), store, tasks, uuid.NewUUIDGenerator(), emitter, nil)

	id, err := d.Submit(context.Background(), Params{URL: " https://example.com ", SiteKey: "key", Action: "login", Selector: "#cf"})
	require.NoError(t, err)
	require.NoError(t, d.Shutdown(context.Background()))

	require.Len(t, emitter.events, 1)
	require.Equal(t, progress.StageTaskQueued, emitter.events[0].Stage)
	require.Equal(t, id, emitter.events[0].TaskID)
	require.Equal(t, []solver.Task{{ID: id, URL: "https://example.com", SiteKey: "key", Action: "login", Selector: "#cf"}}, tasks.tasks)
}

func TestSubmitToleratesStoreIOErrors(t *testing.T) {
	t.Parallel()
	store := &flakyStore{err: solver.ErrStoreIO}
	d := New(pool.New(nil), store, &recordingRunner{}, uuid.NewUUIDGenerator(), nil, nil)
	_, err := d.Submit(context.Background(), Params{URL: "https://example.com", SiteKey: "key"})
	require.NoError(t, err)

	store.err = errors.New("constraint violated")
	_, err = d.Submit(context.Background(), Params{URL: "https://example.com", SiteKey: "key"})
	require.Error(t, err)
	require.NoError(t, d.Shutdown(context.Background()))
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []progress.Event
}

func (r *recordingEmitter) Emit(evt progress.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

type recordingRunner struct {
	mu    sync.Mutex
	tasks []solver.Task
}

func (r *recordingRunner) Run(_ context.Context, task solver.Task) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks = append(r.tasks, task)
}

type flakyStore struct {
	err error
}

func (f *flakyStore) SetPending(context.Context, string) error { return f.err }

func (f *flakyStore) SetResult(context.Context, string, solver.Result) error { return nil }

func (f *flakyStore) Get(context.Context, string) (solver.Result, error) {
	return solver.Result{}, solver.ErrUnknownTask
}

func (f *flakyStore) Len() int { return 0 }
