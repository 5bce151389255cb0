// Package pool owns the fixed set of browser workers shared by solve tasks.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/turnstile-solver/internal/solver"
	"github.com/JakeFAU/turnstile-solver/internal/telemetry"
)

// DefaultPollInterval is how often a waiting Acquire rescans for a free slot.
const DefaultPollInterval = 100 * time.Millisecond

// Slot is a borrowed worker. The holder must Release its Index exactly once.
type Slot struct {
	Index   int
	Browser solver.Browser
}

// Pool is a fixed-size collection of browsers with acquire/release semantics.
// Acquire scans in ascending index order, so low slots are favored and
// waiters are not served in FIFO order.
type Pool struct {
	mu           sync.Mutex
	slots        []Slot
	busy         []bool
	initializing bool
	pollInterval time.Duration
	logger       *zap.Logger
}

// New returns an empty pool; call Initialize before Acquire.
func New(logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		pollInterval: DefaultPollInterval,
		logger:       logger,
	}
}

// Initialize launches size browsers one after another. The first launch
// failure closes everything built so far and returns an ErrPoolInit error.
func (p *Pool) Initialize(ctx context.Context, size int, launcher solver.Launcher) error {
	if size <= 0 {
		return fmt.Errorf("%w: size must be > 0, got %d", solver.ErrPoolInit, size)
	}
	if launcher == nil {
		return fmt.Errorf("%w: launcher is required", solver.ErrPoolInit)
	}
	p.mu.Lock()
	if p.initializing || len(p.slots) > 0 {
		p.mu.Unlock()
		return fmt.Errorf("%w: pool already initialized", solver.ErrPoolInit)
	}
	p.initializing = true
	p.mu.Unlock()

	p.logger.Info("starting browser initialization", zap.Int("size", size))
	slots := make([]Slot, 0, size)
	for i := 0; i < size; i++ {
		browser, err := launcher.Launch(ctx)
		if err != nil {
			closeAll(ctx, slots, p.logger)
			p.mu.Lock()
			p.initializing = false
			p.mu.Unlock()
			return fmt.Errorf("%w: launch browser %d: %w", solver.ErrPoolInit, i, err)
		}
		slots = append(slots, Slot{Index: i, Browser: browser})
		p.logger.Debug("browser initialized", zap.Int("slot", i))
	}

	p.mu.Lock()
	p.slots = slots
	p.busy = make([]bool, size)
	p.initializing = false
	p.mu.Unlock()
	p.logger.Info("browser pool initialized", zap.Int("size", size))
	return nil
}

// Size returns the number of slots.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.slots)
}

// Busy returns the number of slots currently held.
func (p *Pool) Busy() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, b := range p.busy {
		if b {
			n++
		}
	}
	return n
}

// Acquire returns the first free slot, polling until one frees up. It only
// gives up when ctx ends.
func (p *Pool) Acquire(ctx context.Context) (*Slot, error) {
	start := time.Now()
	if slot, ok := p.tryAcquire(); ok {
		telemetry.ObserveAcquireWait(time.Since(start))
		return slot, nil
	}
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("worker slot wait canceled: %w", ctx.Err())
		case <-ticker.C:
			if slot, ok := p.tryAcquire(); ok {
				telemetry.ObserveAcquireWait(time.Since(start))
				return slot, nil
			}
		}
	}
}

func (p *Pool) tryAcquire() (*Slot, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.slots {
		if !p.busy[i] {
			p.busy[i] = true
			telemetry.IncBusyWorkers()
			slot := p.slots[i]
			return &slot, true
		}
	}
	return nil, false
}

// Release frees a slot. Releasing a free or unknown slot is a no-op.
func (p *Pool) Release(index int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if index < 0 || index >= len(p.busy) || !p.busy[index] {
		return
	}
	p.busy[index] = false
	telemetry.DecBusyWorkers()
}

// Shutdown closes every browser. Failures are logged and joined; one bad
// handle does not stop the rest from closing.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	slots := p.slots
	for _, b := range p.busy {
		if b {
			telemetry.DecBusyWorkers()
		}
	}
	p.slots = nil
	p.busy = nil
	p.mu.Unlock()

	p.logger.Info("shutting down browser pool", zap.Int("size", len(slots)))
	err := closeAll(ctx, slots, p.logger)
	p.logger.Info("browser pool shutdown complete")
	return err
}

func closeAll(ctx context.Context, slots []Slot, logger *zap.Logger) error {
	var errs []error
	for _, slot := range slots {
		if err := slot.Browser.Close(ctx); err != nil {
			logger.Error("error closing browser", zap.Int("slot", slot.Index), zap.Error(err))
			errs = append(errs, fmt.Errorf("close browser %d: %w", slot.Index, err))
		}
	}
	return errors.Join(errs...)
}
