package progress

import "context"

// Sink consumes batches of progress events. Implementations must be safe for
// repeated calls, honor ctx deadlines, and may be invoked concurrently.
type Sink interface {
	Consume(ctx context.Context, batch []Event) error
	Close(ctx context.Context) error
}

// Emitter publishes individual events. Hub satisfies it, so runners do not
// know how events are buffered or persisted.
type Emitter interface {
	Emit(evt Event)
}

// OnlyStages wraps sink so it only sees events whose stage is listed. Batches
// that filter down to nothing are not forwarded.
func OnlyStages(sink Sink, stages ...Stage) Sink {
	allowed := make(map[Stage]struct{}, len(stages))
	for _, s := range stages {
		allowed[s] = struct{}{}
	}
	return &stageFilter{next: sink, allowed: allowed}
}

type stageFilter struct {
	next    Sink
	allowed map[Stage]struct{}
}

func (f *stageFilter) Consume(ctx context.Context, batch []Event) error {
	kept := make([]Event, 0, len(batch))
	for _, evt := range batch {
		if _, ok := f.allowed[evt.Stage]; ok {
			kept = append(kept, evt)
		}
	}
	if len(kept) == 0 {
		return nil
	}
	return f.next.Consume(ctx, kept)
}

func (f *stageFilter) Close(ctx context.Context) error {
	return f.next.Close(ctx)
}
