package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLimiterWaitsBetweenTokens(t *testing.T) {
	t.Parallel()

	l := New(Config{DefaultRPS: 10, DefaultBurst: 1})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "platform_a"))
	start := time.Now()
	require.NoError(t, l.Wait(ctx, "platform_a"))
	require.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
}

func TestLimiterKeysAreIndependent(t *testing.T) {
	t.Parallel()

	l := New(Config{DefaultRPS: 1, DefaultBurst: 1})
	ctx := context.Background()
	require.NoError(t, l.Wait(ctx, "platform_a"))

	start := time.Now()
	require.NoError(t, l.Wait(ctx, "platform_b"))
	require.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestLimiterPerKeyOverrideAndUnlimitedDefault(t *testing.T) {
	t.Parallel()

	l := New(Config{PerKey: map[string]Rule{"platform_c": {RPS: 0.5, Burst: 1}}})
	ctx := context.Background()
	for i := 0; i < 20; i++ {
		require.NoError(t, l.Wait(ctx, "platform_a"))
	}

	require.NoError(t, l.Wait(ctx, "platform_c"))
	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	require.Error(t, l.Wait(short, "platform_c"))
}
