package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/turnstile-solver/internal/progress"
)

// TestPrometheusSinkRecordsMetrics ensures counters and histograms are incremented from events.
func TestPrometheusSinkRecordsMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	now := time.Now()
	batch := []progress.Event{
		{TaskID: "t1", TS: now, Stage: progress.StageTaskQueued, Slot: -1},
		{TaskID: "t1", TS: now, Stage: progress.StageTaskStart, Slot: 0, Dur: 20 * time.Millisecond},
		{TaskID: "t1", TS: now, Stage: progress.StageTaskAttempt, Site: "example.com", Slot: 0, Attempt: 1},
		{TaskID: "t1", TS: now, Stage: progress.StageTaskAttempt, Site: "example.com", Slot: 0, Attempt: 2},
		{TaskID: "t2", TS: now, Stage: progress.StageTaskStart, Slot: 1},
		{TaskID: "t1", TS: now, Stage: progress.StageTaskSolved, Slot: 0, Attempt: 2, Dur: 3 * time.Second},
	}

	require.NoError(t, sink.Consume(context.Background(), batch))

	require.Equal(t, 1.0, testutil.ToFloat64(sink.tasksQueued))
	require.Equal(t, 2.0, testutil.ToFloat64(sink.tasksStarted))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.tasksCompleted.WithLabelValues("success")))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.tasksCompleted.WithLabelValues("failure")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.tasksRunning))
	require.InDelta(t, 2.0, testutil.ToFloat64(sink.attempts.WithLabelValues("example.com")), 1e-9)
	require.Equal(t, 1, testutil.CollectAndCount(sink.taskRuntime, "solver_progress_task_runtime_seconds"))

	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{TaskID: "t2", TS: now, Stage: progress.StageTaskFailed, Slot: 1, Note: "boom"},
		{TaskID: "t2", TS: now, Stage: progress.StageTaskFailed, Slot: 1},
	}))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.tasksRunning))
	require.Equal(t, 2.0, testutil.ToFloat64(sink.tasksCompleted.WithLabelValues("failure")))
}

func TestPrometheusSinkRejectsDuplicateRegistration(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := NewPrometheusSink(reg)
	require.NoError(t, err)
	_, err = NewPrometheusSink(reg)
	require.Error(t, err)
}
