// Package redis keeps task results in a single Redis hash.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/JakeFAU/turnstile-solver/internal/solver"
	"github.com/JakeFAU/turnstile-solver/internal/telemetry"
)

// DefaultKey is the hash holding every task result.
const DefaultKey = "turnstile:results"

// Config describes the Redis connection.
type Config struct {
	Addr     string
	Password string
	DB       int
	Key      string
}

// NewClient dials Redis and verifies the connection.
func NewClient(ctx context.Context, cfg Config) (*redis.Client, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("results.redis_addr is required")
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return rdb, nil
}

// ResultStore is a solver.ResultStore over one hash, field per task id.
// This process is the only writer, so write-once is checked under a mutex.
type ResultStore struct {
	rdb    *redis.Client
	key    string
	logger *zap.Logger

	mu    sync.Mutex
	count int
}

// Open removes entries left pending by a previous run and counts the rest. A
// failed read is logged and the store starts empty.
func Open(ctx context.Context, rdb *redis.Client, key string, logger *zap.Logger) (*ResultStore, error) {
	if rdb == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if key == "" {
		key = DefaultKey
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	all, err := rdb.HGetAll(ctx, key).Result()
	if err != nil {
		telemetry.ObserveStoreError("load")
		logger.Error("failed to read saved results, starting empty", zap.String("key", key), zap.Error(err))
		return &ResultStore{rdb: rdb, key: key, logger: logger}, nil
	}

	var stale []string
	for id, raw := range all {
		var res solver.Result
		if err := json.Unmarshal([]byte(raw), &res); err != nil {
			logger.Warn("dropping unreadable result", zap.String("task_id", id), zap.Error(err))
			stale = append(stale, id)
			continue
		}
		if res.IsPending() {
			stale = append(stale, id)
		}
	}
	if len(stale) > 0 {
		sort.Strings(stale)
		if err := rdb.HDel(ctx, key, stale...).Err(); err != nil {
			telemetry.ObserveStoreError("load")
			logger.Error("failed to drop stale results", zap.Int("count", len(stale)), zap.Error(err))
		}
	}

	s := &ResultStore{rdb: rdb, key: key, logger: logger, count: len(all) - len(stale)}
	logger.Info("results loaded", zap.String("key", key), zap.Int("count", s.count), zap.Int("dropped", len(stale)))
	return s, nil
}

// SetPending records the placeholder for id.
func (s *ResultStore) SetPending(ctx context.Context, id string) error {
	return s.write(ctx, "set_pending", id, solver.Pending())
}

// SetResult records the terminal outcome for id exactly once.
func (s *ResultStore) SetResult(ctx context.Context, id string, result solver.Result) error {
	if result.IsPending() {
		return fmt.Errorf("%w: pending is not a terminal result", solver.ErrValidation)
	}
	return s.write(ctx, "set_result", id, result)
}

func (s *ResultStore) write(ctx context.Context, op, id string, result solver.Result) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, found, err := s.lookup(ctx, id)
	if err != nil {
		telemetry.ObserveStoreError(op)
		return err
	}
	if found && !current.IsPending() {
		return fmt.Errorf("%w: %s", solver.ErrAlreadyResolved, id)
	}
	if err := s.rdb.HSet(ctx, s.key, id, string(data)).Err(); err != nil {
		telemetry.ObserveStoreError(op)
		s.logger.Error("result write failed", zap.String("task_id", id), zap.String("op", op), zap.Error(err))
		return fmt.Errorf("%w: %s: %w", solver.ErrStoreIO, op, err)
	}
	if !found {
		s.count++
	}
	return nil
}

func (s *ResultStore) lookup(ctx context.Context, id string) (solver.Result, bool, error) {
	raw, err := s.rdb.HGet(ctx, s.key, id).Result()
	if errors.Is(err, redis.Nil) {
		return solver.Result{}, false, nil
	}
	if err != nil {
		return solver.Result{}, false, fmt.Errorf("%w: read %s: %w", solver.ErrStoreIO, id, err)
	}
	var res solver.Result
	if err := json.Unmarshal([]byte(raw), &res); err != nil {
		return solver.Result{}, false, fmt.Errorf("%w: decode %s: %w", solver.ErrStoreIO, id, err)
	}
	return res, true, nil
}

// Get returns the result stored for id.
func (s *ResultStore) Get(ctx context.Context, id string) (solver.Result, error) {
	res, found, err := s.lookup(ctx, id)
	if err != nil {
		telemetry.ObserveStoreError("get")
		return solver.Result{}, err
	}
	if !found {
		return solver.Result{}, fmt.Errorf("%w: %s", solver.ErrUnknownTask, id)
	}
	return res, nil
}

// Len returns the number of entries written through this store plus those loaded.
func (s *ResultStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}
