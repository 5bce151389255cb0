// Package runner executes one solve task against a borrowed browser worker.
package runner

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/JakeFAU/turnstile-solver/internal/pool"
	"github.com/JakeFAU/turnstile-solver/internal/progress"
	"github.com/JakeFAU/turnstile-solver/internal/solver"
	"github.com/JakeFAU/turnstile-solver/internal/telemetry"
)

// Timings bounds each step of a solve.
type Timings struct {
	ElementWait time.Duration
	Read        time.Duration
	Click       time.Duration
	Backoff     time.Duration
	MaxAttempts int
	// Teardown bounds session close, which runs even after ctx ends.
	Teardown time.Duration
}

// DefaultTimings returns the fixed step limits used in production.
func DefaultTimings() Timings {
	return Timings{
		ElementWait: 5 * time.Second,
		Read:        2 * time.Second,
		Click:       1 * time.Second,
		Backoff:     500 * time.Millisecond,
		MaxAttempts: 10,
		Teardown:    5 * time.Second,
	}
}

// Slots is the subset of the worker pool a runner needs.
type Slots interface {
	Acquire(ctx context.Context) (*pool.Slot, error)
	Release(index int)
}

// Config controls optional runner behavior.
type Config struct {
	// Topic receives a resolution notification per task when set.
	Topic string
	// Debug logs every success and failure at info level.
	Debug bool
}

// Runner drives solve tasks. One Runner is shared by every task goroutine.
type Runner struct {
	slots     Slots
	store     solver.ResultStore
	proxies   solver.ProxySource
	publisher solver.Publisher
	emitter   progress.Emitter
	clock     solver.Clock
	timings   Timings
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Runner. proxies, publisher and emitter are optional.
func New(
	slots Slots,
	store solver.ResultStore,
	proxies solver.ProxySource,
	publisher solver.Publisher,
	emitter progress.Emitter,
	clock solver.Clock,
	cfg Config,
	logger *zap.Logger,
) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		slots:     slots,
		store:     store,
		proxies:   proxies,
		publisher: publisher,
		emitter:   emitter,
		clock:     clock,
		timings:   DefaultTimings(),
		cfg:       cfg,
		logger:    logger,
	}
}

// SetTimings replaces the step limits. Tests use it to shorten waits.
func (r *Runner) SetTimings(t Timings) {
	r.timings = t
}

// attemptOutcome is the state reached after one interaction attempt.
type attemptOutcome int

const (
	outcomeRetry attemptOutcome = iota
	outcomeSolved
)

// Run solves task and records the outcome in the result store. It never
// returns an error; every failure becomes a stored Failure result.
func (r *Runner) Run(ctx context.Context, task solver.Task) {
	logger := r.logger.With(zap.String("task_id", task.ID))
	ctx, span := telemetry.Tracer().Start(ctx, "runner.Run")
	span.SetAttributes(
		attribute.String("task.id", task.ID),
		attribute.String("task.site", telemetry.SanitizeSite(task.URL)),
	)
	defer span.End()

	waitStart := r.now()
	slot, err := r.slots.Acquire(ctx)
	if err != nil {
		logger.Warn("worker acquisition aborted", zap.Error(err))
		span.SetStatus(codes.Error, "acquire aborted")
		r.finish(ctx, task, -1, 0, solver.Failure(solver.ReasonError, 0), err)
		return
	}
	wait := r.now().Sub(waitStart)
	span.SetAttributes(attribute.Int("task.slot", slot.Index))
	logger = logger.With(zap.Int("slot", slot.Index))
	r.emit(progress.Event{TaskID: task.ID, Stage: progress.StageTaskStart, Site: task.URL, Slot: slot.Index, Dur: wait})

	start := r.now()
	attempts := 0
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("solve panicked", zap.Any("panic", rec), zap.ByteString("stack", debug.Stack()))
			span.SetStatus(codes.Error, "panic")
			elapsed := r.now().Sub(start)
			r.finish(ctx, task, slot.Index, attempts, solver.Failure(solver.ReasonError, elapsed), fmt.Errorf("panic: %v", rec))
		}
		r.slots.Release(slot.Index)
	}()

	token, err := r.solve(ctx, task, slot, &attempts, logger)
	elapsed := r.now().Sub(start)
	if err != nil {
		reason := solver.ReasonError
		if errors.Is(err, solver.ErrInteractionTimeout) {
			reason = solver.ReasonInteractionTimeout
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, string(reason))
		if r.cfg.Debug {
			logger.Info("solve failed", zap.Duration("elapsed", elapsed), zap.Int("attempts", attempts), zap.Error(err))
		}
		r.finish(ctx, task, slot.Index, attempts, solver.Failure(reason, elapsed), err)
		return
	}

	res := solver.Success(token, elapsed)
	logger.Info("solved", zap.Float64("elapsed_seconds", res.ElapsedSeconds), zap.Int("attempts", attempts))
	span.SetStatus(codes.Ok, "solved")
	r.finish(ctx, task, slot.Index, attempts, res, nil)
}

// solve runs steps 3 to 8 on the borrowed browser and closes its session.
func (r *Runner) solve(ctx context.Context, task solver.Task, slot *pool.Slot, attempts *int, logger *zap.Logger) (string, error) {
	var proxy *solver.ProxyConfig
	if r.proxies != nil {
		proxy = r.proxies.Pick()
	}
	if proxy != nil {
		logger.Debug("using proxy", zap.String("proxy", proxy.Server), zap.Bool("auth", proxy.HasAuth()))
	}

	session, err := slot.Browser.NewSession(ctx, proxy)
	if err != nil {
		return "", fmt.Errorf("%w: new session: %w", solver.ErrSession, err)
	}
	defer r.closeSession(session, logger)

	page, err := session.NewPage(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: new page: %w", solver.ErrSession, err)
	}

	body, err := RenderPage(task)
	if err != nil {
		return "", err
	}
	target := NormalizeURL(task.URL)
	if err := page.InterceptAndServe(ctx, target, body); err != nil {
		return "", fmt.Errorf("%w: intercept: %w", solver.ErrSession, err)
	}
	if err := page.Navigate(ctx, target); err != nil {
		return "", fmt.Errorf("%w: navigate: %w", solver.ErrSession, err)
	}

	selector := selectorFor(task)
	if err := r.bounded(ctx, r.timings.ElementWait, func(stepCtx context.Context) error {
		return page.WaitForElement(stepCtx, selector)
	}); err != nil {
		return "", fmt.Errorf("%w: wait for %s: %w", solver.ErrSession, selector, err)
	}
	if err := page.SetElementWidth(ctx, selector, ChallengeWidth); err != nil {
		return "", fmt.Errorf("%w: resize %s: %w", solver.ErrSession, selector, err)
	}

	return r.interact(ctx, task, page, selector, slot.Index, attempts, logger)
}

// interact is the bounded Attempting -> {Solved | Retry | Exhausted} loop.
func (r *Runner) interact(
	ctx context.Context,
	task solver.Task,
	page solver.Page,
	selector string,
	slotIndex int,
	attempts *int,
	logger *zap.Logger,
) (string, error) {
	for attempt := 1; attempt <= r.timings.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", fmt.Errorf("%w: %w", solver.ErrSession, err)
		}
		*attempts = attempt
		r.emit(progress.Event{TaskID: task.ID, Stage: progress.StageTaskAttempt, Site: task.URL, Slot: slotIndex, Attempt: attempt})

		outcome, token, err := r.attempt(ctx, page, selector)
		switch outcome {
		case outcomeSolved:
			return token, nil
		case outcomeRetry:
			if err != nil {
				logger.Debug("attempt failed", zap.Int("attempt", attempt), zap.Error(err))
			}
		}
	}
	return "", fmt.Errorf("%w after %d attempts", solver.ErrInteractionTimeout, r.timings.MaxAttempts)
}

func (r *Runner) attempt(ctx context.Context, page solver.Page, selector string) (attemptOutcome, string, error) {
	var token string
	err := r.bounded(ctx, r.timings.Read, func(stepCtx context.Context) error {
		v, err := page.InputValue(stepCtx, ResponseSelector)
		token = v
		return err
	})
	if err != nil {
		return outcomeRetry, "", fmt.Errorf("read response: %w", err)
	}
	if token != "" {
		return outcomeSolved, token, nil
	}

	if err := r.bounded(ctx, r.timings.Click, func(stepCtx context.Context) error {
		return page.Click(stepCtx, selector)
	}); err != nil {
		return outcomeRetry, "", fmt.Errorf("click %s: %w", selector, err)
	}

	timer := time.NewTimer(r.timings.Backoff)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
	return outcomeRetry, "", nil
}

func (r *Runner) bounded(ctx context.Context, d time.Duration, step func(context.Context) error) error {
	stepCtx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	return step(stepCtx)
}

func (r *Runner) closeSession(session solver.Session, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timings.Teardown)
	defer cancel()
	if err := session.Close(ctx); err != nil {
		logger.Warn("session close failed", zap.Error(err))
	}
}

// finish records the result, then publishes and emits the terminal event.
// Publication and progress failures never change the stored outcome.
func (r *Runner) finish(ctx context.Context, task solver.Task, slot, attempts int, res solver.Result, cause error) {
	logger := r.logger.With(zap.String("task_id", task.ID))
	writeCtx := context.WithoutCancel(ctx)
	if err := r.store.SetResult(writeCtx, task.ID, res); err != nil {
		logger.Error("record result failed", zap.Error(err))
	}

	status := string(res.Status)
	elapsed := time.Duration(res.ElapsedSeconds * float64(time.Second))
	telemetry.ObserveTask(task.URL, status, attempts, elapsed)

	stage := progress.StageTaskSolved
	note := ""
	if res.IsFailure() {
		stage = progress.StageTaskFailed
		if cause != nil {
			note = cause.Error()
		}
	}
	r.emit(progress.Event{
		TaskID:  task.ID,
		Stage:   stage,
		Site:    task.URL,
		Slot:    slot,
		Attempt: attempts,
		Dur:     elapsed,
		Note:    note,
	})
	r.publish(writeCtx, task, res, logger)
}

func (r *Runner) publish(ctx context.Context, task solver.Task, res solver.Result, logger *zap.Logger) {
	if r.cfg.Topic == "" || r.publisher == nil {
		return
	}
	payload := map[string]any{
		"task_id":      task.ID,
		"url":          task.URL,
		"sitekey":      task.SiteKey,
		"status":       res.Status,
		"reason":       res.Reason,
		"elapsed_time": res.ElapsedSeconds,
		"timestamp":    r.now().Format(time.RFC3339),
	}
	if res.Status == solver.StatusSuccess {
		payload["token"] = res.Token
	}
	id, err := r.publisher.Publish(ctx, r.cfg.Topic, payload)
	if err != nil {
		logger.Warn("publish resolution failed", zap.Error(err))
		return
	}
	logger.Debug("resolution published", zap.String("message_id", id))
}

func (r *Runner) emit(evt progress.Event) {
	if r.emitter == nil {
		return
	}
	evt.TS = r.now()
	r.emitter.Emit(evt)
}

func (r *Runner) now() time.Time {
	if r.clock == nil {
		return time.Now()
	}
	return r.clock.Now()
}
