package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/JakeFAU/turnstile-solver/internal/store"
)

// DefaultEventsTable is created by the embedded migrations.
const DefaultEventsTable = "turnstile_task_events"

// EventStore implements store.EventRepository on Postgres.
type EventStore struct {
	pool  querier
	table string
}

// NewEventStore wraps an existing pool.
func NewEventStore(pool querier, table string) (*EventStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = DefaultEventsTable
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &EventStore{pool: pool, table: table}, nil
}

// AppendEvents inserts the batch in order.
func (s *EventStore) AppendEvents(ctx context.Context, events []store.TaskEvent) error {
	query := fmt.Sprintf(`
INSERT INTO %s (task_id, stage, slot, attempt, duration_ms, note, at)
VALUES ($1, $2, $3, $4, $5, $6, $7)`, s.table)
	for _, evt := range events {
		_, err := s.pool.Exec(ctx, query,
			evt.TaskID,
			evt.Stage,
			evt.Slot,
			evt.Attempt,
			evt.Duration.Milliseconds(),
			evt.Note,
			evt.At,
		)
		if err != nil {
			return fmt.Errorf("insert task event: %w", err)
		}
	}
	return nil
}

// ListEvents returns a task's events, oldest first.
func (s *EventStore) ListEvents(ctx context.Context, taskID string, limit, offset int) ([]store.TaskEvent, error) {
	query := fmt.Sprintf(`
SELECT task_id, stage, slot, attempt, duration_ms, note, at
FROM %s
WHERE task_id = $1
ORDER BY at, id
LIMIT $2 OFFSET $3`, s.table)
	rows, err := s.pool.Query(ctx, query, taskID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list task events: %w", err)
	}
	defer rows.Close()

	var events []store.TaskEvent
	for rows.Next() {
		var (
			evt        store.TaskEvent
			durationMs int64
		)
		if err := rows.Scan(&evt.TaskID, &evt.Stage, &evt.Slot, &evt.Attempt, &durationMs, &evt.Note, &evt.At); err != nil {
			return nil, fmt.Errorf("failed to scan task event row: %w", err)
		}
		evt.Duration = time.Duration(durationMs) * time.Millisecond
		events = append(events, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate task events: %w", err)
	}
	if len(events) == 0 && offset == 0 {
		return nil, store.ErrNotFound
	}
	if events == nil {
		events = []store.TaskEvent{}
	}
	return events, nil
}
