package ratelimit

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLimiterDisabledAllowsEverything(t *testing.T) {
	t.Parallel()

	l := New(Config{})
	require.False(t, l.Enabled())
	for range 50 {
		require.True(t, l.Allow("https://example.com"))
	}
	require.Zero(t, l.Sites())
}

func TestLimiterNilIsDisabled(t *testing.T) {
	t.Parallel()

	var l *Limiter
	require.False(t, l.Enabled())
	require.True(t, l.Allow("https://example.com"))
}

func TestLimiterAllowPerSite(t *testing.T) {
	t.Parallel()

	l := New(Config{RPS: 0.001, Burst: 2})
	require.True(t, l.Enabled())

	require.True(t, l.Allow("https://example.com/a"))
	require.True(t, l.Allow("https://EXAMPLE.com/b"))
	require.False(t, l.Allow("https://example.com/c"))

	// A different site has its own bucket.
	require.True(t, l.Allow("https://other.test/"))
	require.Equal(t, 2, l.Sites())
}
