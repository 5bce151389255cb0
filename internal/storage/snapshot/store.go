// Package snapshot implements the result store as an in-memory map that is
// rewritten wholesale through a Persister after every mutation.
package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/turnstile-solver/internal/solver"
	"github.com/JakeFAU/turnstile-solver/internal/telemetry"
)

// Persister reads and writes the serialized result document.
type Persister interface {
	// Load returns nil data when nothing has been saved yet.
	Load(ctx context.Context) ([]byte, error)
	Save(ctx context.Context, data []byte) error
}

// Store is a solver.ResultStore backed by a single JSON document.
type Store struct {
	mu        sync.Mutex
	results   map[string]solver.Result
	persister Persister
	logger    *zap.Logger
}

// Open loads the persisted document. An unreadable or corrupt document is
// logged and replaced by an empty map; pending entries are dropped because
// their runners did not survive the restart.
func Open(ctx context.Context, persister Persister, logger *zap.Logger) (*Store, error) {
	if persister == nil {
		return nil, errors.New("persister is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{
		results:   make(map[string]solver.Result),
		persister: persister,
		logger:    logger,
	}

	data, err := persister.Load(ctx)
	if err != nil {
		telemetry.ObserveStoreError("load")
		logger.Error("failed to read saved results, starting empty", zap.Error(err))
		return s, nil
	}
	if len(data) == 0 {
		logger.Info("no saved results, starting empty")
		return s, nil
	}
	var loaded map[string]solver.Result
	if err := json.Unmarshal(data, &loaded); err != nil {
		logger.Error("failed to parse saved results, starting empty", zap.Error(err))
		return s, nil
	}
	dropped := 0
	for id, res := range loaded {
		if res.IsPending() {
			dropped++
			continue
		}
		s.results[id] = res
	}
	logger.Info("results loaded", zap.Int("count", len(s.results)), zap.Int("dropped_pending", dropped))
	return s, nil
}

// SetPending marks id as in flight.
func (s *Store) SetPending(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.results[id]; ok && !cur.IsPending() {
		return fmt.Errorf("%w: %s", solver.ErrAlreadyResolved, id)
	}
	s.results[id] = solver.Pending()
	return s.flushLocked(ctx)
}

// SetResult records the terminal outcome for id. Terminal results are write-once.
func (s *Store) SetResult(ctx context.Context, id string, result solver.Result) error {
	if result.IsPending() {
		return fmt.Errorf("%w: pending is not a terminal result", solver.ErrValidation)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.results[id]; ok && !cur.IsPending() {
		return fmt.Errorf("%w: %s", solver.ErrAlreadyResolved, id)
	}
	s.results[id] = result
	return s.flushLocked(ctx)
}

// Get returns the stored result for id.
func (s *Store) Get(_ context.Context, id string) (solver.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, ok := s.results[id]
	if !ok {
		return solver.Result{}, fmt.Errorf("%w: %s", solver.ErrUnknownTask, id)
	}
	return res, nil
}

// Len returns the number of tracked ids.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.results)
}

// flushLocked keeps the in-memory mutation even when the write fails.
func (s *Store) flushLocked(ctx context.Context) error {
	data, err := json.MarshalIndent(s.results, "", "    ")
	if err != nil {
		telemetry.ObserveStoreError("encode")
		return fmt.Errorf("%w: encode results: %w", solver.ErrStoreIO, err)
	}
	if err := s.persister.Save(ctx, data); err != nil {
		telemetry.ObserveStoreError("flush")
		s.logger.Error("failed to save results", zap.Error(err))
		return fmt.Errorf("%w: save results: %w", solver.ErrStoreIO, err)
	}
	return nil
}
