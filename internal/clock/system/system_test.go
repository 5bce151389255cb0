package system

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNowIsUTC(t *testing.T) {
	t.Parallel()

	before := time.Now().Add(-time.Second)
	got := New().Now()
	require.Equal(t, time.UTC, got.Location())
	require.WithinDuration(t, before.Add(time.Second), got, time.Second)
}

func TestElapsedBetweenReadingsIsNonNegative(t *testing.T) {
	t.Parallel()

	clk := New()
	start := clk.Now()
	time.Sleep(2 * time.Millisecond)
	elapsed := clk.Now().Sub(start)
	require.GreaterOrEqual(t, elapsed, 2*time.Millisecond)
}
