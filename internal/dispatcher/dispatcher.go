// Package dispatcher accepts solve submissions and runs them on the worker pool.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/turnstile-solver/internal/progress"
	"github.com/JakeFAU/turnstile-solver/internal/solver"
)

// poolTeardown bounds browser teardown when the caller's deadline is spent.
const poolTeardown = 5 * time.Second

// ErrClosed is returned by Submit once Shutdown has begun.
var ErrClosed = errors.New("dispatcher is shut down")

// Params are the caller-supplied fields of a solve request.
type Params struct {
	URL      string
	SiteKey  string
	Action   string
	CData    string
	Selector string
}

// TaskRunner executes one task to completion, recording its result itself.
type TaskRunner interface {
	Run(ctx context.Context, task solver.Task)
}

// WorkerPool is the lifecycle surface of the browser pool.
type WorkerPool interface {
	Initialize(ctx context.Context, size int, launcher solver.Launcher) error
	Shutdown(ctx context.Context) error
	Size() int
}

// Dispatcher allocates task ids, marks them pending and starts runners
// without waiting for them.
type Dispatcher struct {
	pool    WorkerPool
	store   solver.ResultStore
	runner  TaskRunner
	ids     solver.IDGenerator
	emitter progress.Emitter
	logger  *zap.Logger

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	closed  atomic.Bool
	ready   atomic.Bool
}

// New creates a Dispatcher. emitter may be nil.
func New(
	pool WorkerPool,
	store solver.ResultStore,
	runner TaskRunner,
	ids solver.IDGenerator,
	emitter progress.Emitter,
	logger *zap.Logger,
) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		pool:    pool,
		store:   store,
		runner:  runner,
		ids:     ids,
		emitter: emitter,
		logger:  logger,
		baseCtx: ctx,
		cancel:  cancel,
	}
}

// Startup builds the worker pool. Its failure is fatal to the process.
func (d *Dispatcher) Startup(ctx context.Context, size int, launcher solver.Launcher) error {
	if err := d.pool.Initialize(ctx, size, launcher); err != nil {
		return fmt.Errorf("start worker pool: %w", err)
	}
	d.ready.Store(true)
	return nil
}

// Ready reports whether the pool is built and the dispatcher accepts work.
func (d *Dispatcher) Ready() bool {
	return d.ready.Load() && !d.closed.Load()
}

// Submit validates params, records a pending result and starts the runner.
// The runner is bound to the dispatcher's lifetime, not to ctx.
func (d *Dispatcher) Submit(ctx context.Context, params Params) (string, error) {
	if d.closed.Load() {
		return "", ErrClosed
	}
	task, err := d.newTask(params)
	if err != nil {
		return "", err
	}

	if err := d.store.SetPending(ctx, task.ID); err != nil {
		if !errors.Is(err, solver.ErrStoreIO) {
			return "", fmt.Errorf("mark pending: %w", err)
		}
		d.logger.Warn("pending marker not persisted", zap.String("task_id", task.ID), zap.Error(err))
	}
	if d.emitter != nil {
		d.emitter.Emit(progress.Event{TaskID: task.ID, Stage: progress.StageTaskQueued, Site: task.URL, Slot: -1})
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer func() {
			if rec := recover(); rec != nil {
				d.logger.Error("runner panicked", zap.String("task_id", task.ID), zap.Any("panic", rec))
			}
		}()
		d.runner.Run(d.baseCtx, task)
	}()

	d.logger.Debug("task submitted", zap.String("task_id", task.ID), zap.String("url", task.URL))
	return task.ID, nil
}

func (d *Dispatcher) newTask(params Params) (solver.Task, error) {
	url := strings.TrimSpace(params.URL)
	siteKey := strings.TrimSpace(params.SiteKey)
	if url == "" || siteKey == "" {
		return solver.Task{}, fmt.Errorf("%w: both 'url' and 'sitekey' are required", solver.ErrValidation)
	}
	id, err := d.ids.NewID()
	if err != nil {
		return solver.Task{}, fmt.Errorf("generate task id: %w", err)
	}
	return solver.Task{
		ID:       id,
		URL:      url,
		SiteKey:  siteKey,
		Action:   params.Action,
		CData:    params.CData,
		Selector: params.Selector,
	}, nil
}

// FetchResult returns the stored result for id.
func (d *Dispatcher) FetchResult(ctx context.Context, id string) (solver.Result, error) {
	if strings.TrimSpace(id) == "" {
		return solver.Result{}, fmt.Errorf("%w: empty id", solver.ErrUnknownTask)
	}
	res, err := d.store.Get(ctx, id)
	if err != nil {
		return solver.Result{}, fmt.Errorf("fetch result: %w", err)
	}
	return res, nil
}

// Shutdown stops accepting work, aborts waiting runners, waits for in-flight
// runners until ctx expires and then closes the pool.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}
	d.cancel()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	var errs []error
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("wait for runners: %w", ctx.Err()))
	}

	if d.ready.Load() {
		poolCtx := ctx
		if ctx.Err() != nil {
			var cancel context.CancelFunc
			poolCtx, cancel = context.WithTimeout(context.WithoutCancel(ctx), poolTeardown)
			defer cancel()
		}
		if err := d.pool.Shutdown(poolCtx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown pool: %w", err))
		}
	}
	return errors.Join(errs...)
}
