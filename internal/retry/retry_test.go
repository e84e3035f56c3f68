package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/review-reply-crawler/internal/review"
)

func noSleep(p *Policy) *Policy {
	p.sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	return p
}

func transient() error {
	return &review.TransientFetchError{Platform: review.PlatformA, Err: errors.New("503")}
}

func TestShouldRetry(t *testing.T) {
	t.Parallel()

	p := New(Config{})
	require.True(t, p.ShouldRetry(transient(), 1))
	require.True(t, p.ShouldRetry(fmt.Errorf("page 2: %w", transient()), 2))
	require.False(t, p.ShouldRetry(transient(), 3))
	require.False(t, p.ShouldRetry(review.ErrAuthExpired, 1))
	require.False(t, p.ShouldRetry(context.DeadlineExceeded, 1))
	require.False(t, p.ShouldRetry(errors.New("decode"), 1))
	require.False(t, p.ShouldRetry(nil, 1))
}

func TestDelayGrowsAndCaps(t *testing.T) {
	t.Parallel()

	p := New(Config{BaseDelay: time.Minute, MaxDelay: 3 * time.Minute})
	require.Equal(t, time.Minute, p.Delay(1))
	require.Equal(t, 2*time.Minute, p.Delay(2))
	require.Equal(t, 3*time.Minute, p.Delay(3))
	require.Equal(t, 3*time.Minute, p.Delay(10))
}

func TestBackoffJitterStaysInRange(t *testing.T) {
	t.Parallel()

	p := New(Config{BaseDelay: time.Second, MaxDelay: time.Second, Jitter: true})
	for i := 0; i < 50; i++ {
		d := p.Backoff(1)
		require.GreaterOrEqual(t, d, 500*time.Millisecond)
		require.Less(t, d, time.Second)
	}
}

func TestDoRetriesTransientFailures(t *testing.T) {
	t.Parallel()

	p := noSleep(New(Config{MaxAttempts: 3}))
	calls := 0
	retries, err := p.Do(context.Background(), func(_ context.Context, attempt int) error {
		calls++
		if attempt < 3 {
			return transient()
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)
	require.Equal(t, 2, retries)
}

func TestDoStopsOnPermanentError(t *testing.T) {
	t.Parallel()

	p := noSleep(New(Config{}))
	calls := 0
	retries, err := p.Do(context.Background(), func(context.Context, int) error {
		calls++
		return review.ErrAuthExpired
	})
	require.ErrorIs(t, err, review.ErrAuthExpired)
	require.Equal(t, 1, calls)
	require.Zero(t, retries)
}

func TestDoGivesUpAfterMaxAttempts(t *testing.T) {
	t.Parallel()

	p := noSleep(New(Config{MaxAttempts: 2}))
	retries, err := p.Do(context.Background(), func(context.Context, int) error { return transient() })
	require.True(t, review.IsTransient(err))
	require.Equal(t, 1, retries)
}
