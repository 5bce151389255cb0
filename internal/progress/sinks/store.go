package sinks

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/turnstile-solver/internal/progress"
	"github.com/JakeFAU/turnstile-solver/internal/store"
)

// StoreSink persists each batch as task history via a store.EventRepository.
type StoreSink struct {
	repo   store.EventRepository
	logger *zap.Logger
}

// NewStoreSink constructs a StoreSink for the provided repository.
func NewStoreSink(repo store.EventRepository, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{repo: repo, logger: logger}
}

// Consume converts the batch and appends it in one repository call. It
// respects ctx deadlines and wraps repository errors.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.repo == nil || len(batch) == 0 {
		return nil
	}
	events := make([]store.TaskEvent, 0, len(batch))
	for _, evt := range batch {
		events = append(events, store.TaskEvent{
			TaskID:   evt.TaskID,
			Stage:    string(evt.Stage),
			Slot:     evt.Slot,
			Attempt:  evt.Attempt,
			Duration: evt.Dur,
			Note:     evt.Note,
			At:       evt.TS,
		})
	}
	if err := s.repo.AppendEvents(ctx, events); err != nil {
		return fmt.Errorf("append task events: %w", err)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *StoreSink) Close(context.Context) error {
	return nil
}
