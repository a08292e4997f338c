package governance

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimiter_AllowsUpToLimit(t *testing.T) {
	l := NewLimiter(nil)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		require.NoError(t, l.Allow(ctx, LimitAuth, "srv"))
	}
	err := l.Allow(ctx, LimitAuth, "srv")
	require.Error(t, err)

	var rl *RateLimitedError
	require.ErrorAs(t, err, &rl)
	assert.Equal(t, LimitAuth, rl.Kind)
	assert.Equal(t, "srv", rl.ServerID)
}

func TestLimiter_PerServerWindows(t *testing.T) {
	l := NewLimiter(nil)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		require.NoError(t, l.Allow(ctx, LimitAuth, "a"))
	}
	require.Error(t, l.Allow(ctx, LimitAuth, "a"))
	assert.NoError(t, l.Allow(ctx, LimitAuth, "b"))
}

func TestLimiter_WindowResets(t *testing.T) {
	l := NewLimiter(nil)
	ctx := context.Background()

	current := time.Now()
	l.now = func() time.Time { return current }

	for i := 0; i < 30; i++ {
		require.NoError(t, l.Allow(ctx, LimitRefresh, "srv"))
	}
	require.Error(t, l.Allow(ctx, LimitRefresh, "srv"))

	current = current.Add(time.Hour + time.Second)
	assert.NoError(t, l.Allow(ctx, LimitRefresh, "srv"))
}

func TestLimiter_ResetAtMonotoneWithinWindow(t *testing.T) {
	l := NewLimiter(nil)
	ctx := context.Background()

	current := time.Now()
	l.now = func() time.Time { return current }

	for i := 0; i < 60; i++ {
		require.NoError(t, l.Allow(ctx, LimitGeneral, "srv"))
	}

	var first *RateLimitedError
	err := l.Allow(ctx, LimitGeneral, "srv")
	require.ErrorAs(t, err, &first)

	current = current.Add(10 * time.Second)
	var second *RateLimitedError
	err = l.Allow(ctx, LimitGeneral, "srv")
	require.ErrorAs(t, err, &second)

	assert.Equal(t, first.ResetAt, second.ResetAt)
}
