// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/JakeFAU/turnstile-solver/internal/solver"
	"github.com/JakeFAU/turnstile-solver/internal/telemetry"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// DefaultResultsTable is created by the embedded migrations.
const DefaultResultsTable = "turnstile_results"

// Config controls the Postgres connection pool used for results.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type querier interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// Connect opens a pool and applies the embedded migrations.
func Connect(ctx context.Context, cfg Config, logger *zap.Logger) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("results.postgres_dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := Migrate(ctx, pool, logger); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// ResultStore is a solver.ResultStore keeping one row per task. Write-once is
// enforced by the upsert predicate, so concurrent writers need no lock.
type ResultStore struct {
	pool   querier
	table  string
	count  atomic.Int64
	logger *zap.Logger
}

// NewResultStore drops rows left pending by a previous run and counts the rest.
// Failures while doing so are logged and the store starts with a zero count.
func NewResultStore(ctx context.Context, pool querier, table string, logger *zap.Logger) (*ResultStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = DefaultResultsTable
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &ResultStore{pool: pool, table: table, logger: logger}

	tag, err := pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE status = 'pending'`, table))
	if err != nil {
		telemetry.ObserveStoreError("load")
		logger.Error("failed to read saved results, starting empty", zap.Error(err))
		return s, nil
	}
	var count int64
	if err := pool.QueryRow(ctx, fmt.Sprintf(`SELECT count(*) FROM %s`, table)).Scan(&count); err != nil {
		telemetry.ObserveStoreError("load")
		logger.Error("failed to count saved results", zap.Error(err))
		count = 0
	}
	s.count.Store(count)
	logger.Info("results loaded", zap.Int64("count", count), zap.Int64("dropped_pending", tag.RowsAffected()))
	return s, nil
}

// Close releases the underlying pool resources.
func (s *ResultStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// SetPending inserts a pending row for id.
func (s *ResultStore) SetPending(ctx context.Context, id string) error {
	query := fmt.Sprintf(`
INSERT INTO %[1]s (id, status) VALUES ($1, 'pending')
ON CONFLICT (id) DO UPDATE SET updated_at = now()
WHERE %[1]s.status = 'pending'
RETURNING (xmax = 0) AS inserted`, s.table)
	return s.upsert(ctx, "set_pending", id, query, id)
}

// SetResult records the terminal outcome for id unless one already exists.
func (s *ResultStore) SetResult(ctx context.Context, id string, result solver.Result) error {
	if result.IsPending() {
		return fmt.Errorf("%w: pending is not a terminal result", solver.ErrValidation)
	}
	query := fmt.Sprintf(`
INSERT INTO %[1]s (id, status, token, reason, elapsed_seconds) VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (id) DO UPDATE SET
	status = EXCLUDED.status,
	token = EXCLUDED.token,
	reason = EXCLUDED.reason,
	elapsed_seconds = EXCLUDED.elapsed_seconds,
	updated_at = now()
WHERE %[1]s.status = 'pending'
RETURNING (xmax = 0) AS inserted`, s.table)
	return s.upsert(ctx, "set_result", id, query,
		id,
		string(result.Status),
		nullable(result.Token),
		nullable(string(result.Reason)),
		result.ElapsedSeconds,
	)
}

func (s *ResultStore) upsert(ctx context.Context, op, id, query string, args ...any) error {
	var inserted bool
	err := s.pool.QueryRow(ctx, query, args...).Scan(&inserted)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s", solver.ErrAlreadyResolved, id)
	}
	if err != nil {
		telemetry.ObserveStoreError(op)
		s.logger.Error("result write failed", zap.String("task_id", id), zap.String("op", op), zap.Error(err))
		return fmt.Errorf("%w: %s: %w", solver.ErrStoreIO, op, err)
	}
	if inserted {
		s.count.Add(1)
	}
	return nil
}

// Get loads the result row for id.
func (s *ResultStore) Get(ctx context.Context, id string) (solver.Result, error) {
	query := fmt.Sprintf(`
SELECT status, COALESCE(token, ''), COALESCE(reason, ''), COALESCE(elapsed_seconds, 0)
FROM %s WHERE id = $1`, s.table)
	var (
		status, token, reason string
		elapsed               float64
	)
	err := s.pool.QueryRow(ctx, query, id).Scan(&status, &token, &reason, &elapsed)
	if errors.Is(err, pgx.ErrNoRows) {
		return solver.Result{}, fmt.Errorf("%w: %s", solver.ErrUnknownTask, id)
	}
	if err != nil {
		telemetry.ObserveStoreError("get")
		return solver.Result{}, fmt.Errorf("%w: get: %w", solver.ErrStoreIO, err)
	}
	return solver.Result{
		Status:         solver.Status(status),
		Token:          token,
		Reason:         solver.FailureReason(reason),
		ElapsedSeconds: elapsed,
	}, nil
}

// Len returns the number of rows known to this process.
func (s *ResultStore) Len() int {
	return int(s.count.Load())
}

func nullable(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
