package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPublisherRecordsInOrder(t *testing.T) {
	t.Parallel()

	pub := New(0)
	id1, err := pub.Publish(context.Background(), "results", map[string]string{"task_id": "a"})
	require.NoError(t, err)
	require.Equal(t, "memory-1", id1)
	id2, err := pub.Publish(context.Background(), "results", map[string]string{"task_id": "b"})
	require.NoError(t, err)
	require.Equal(t, "memory-2", id2)

	msgs := pub.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, "memory-1", msgs[0].ID)
	require.Equal(t, "results", msgs[1].Topic)

	msgs[0].Topic = "modified"
	require.Equal(t, "results", pub.Messages()[0].Topic)
}

func TestPublisherEvictsOldest(t *testing.T) {
	t.Parallel()

	pub := New(3)
	for i := 0; i < 7; i++ {
		_, err := pub.Publish(context.Background(), "results", i)
		require.NoError(t, err)
	}

	msgs := pub.Messages()
	require.Len(t, msgs, 3)
	require.Equal(t, []any{4, 5, 6}, []any{msgs[0].Payload, msgs[1].Payload, msgs[2].Payload})
	require.Equal(t, "memory-7", msgs[2].ID)
	require.Equal(t, 7, pub.Total())
}

func TestPublisherRejectsCanceledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	pub := New(1)
	_, err := pub.Publish(ctx, "results", "x")
	require.ErrorIs(t, err, context.Canceled)
	require.Zero(t, pub.Total())
	require.Empty(t, pub.Messages())
}
