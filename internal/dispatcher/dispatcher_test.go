package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/review-reply-crawler/internal/review"
)

func makeTasks(n int) []Task {
	tasks := make([]Task, n)
	for i := range tasks {
		tasks[i] = Task{Store: review.PlatformStore{ID: fmt.Sprintf("s%d", i)}}
	}
	return tasks
}

func TestRunBoundsConcurrencyAndKeepsOrder(t *testing.T) {
	t.Parallel()

	var inFlight, peak atomic.Int32
	d := New(Config{BatchSize: 3}, nil)
	results := d.Run(context.Background(), makeTasks(7), func(_ context.Context, task Task) Result {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		inFlight.Add(-1)
		return Result{Outcome: "completed", SessionID: "sess-" + task.Store.ID}
	})

	require.Len(t, results, 7)
	require.LessOrEqual(t, peak.Load(), int32(3))
	for i, r := range results {
		require.Equal(t, fmt.Sprintf("s%d", i), r.Task.Store.ID)
		require.Equal(t, "completed", r.Outcome)
		require.Equal(t, "sess-"+r.Task.Store.ID, r.SessionID)
	}
}

func TestRunCoolsDownBetweenBatches(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var sleeps []time.Duration
	d := New(Config{BatchSize: 2, Cooldown: time.Minute}, nil)
	d.sleep = func(_ context.Context, dur time.Duration) error {
		mu.Lock()
		defer mu.Unlock()
		sleeps = append(sleeps, dur)
		return nil
	}
	d.Run(context.Background(), makeTasks(5), func(context.Context, Task) Result { return Result{Outcome: "completed"} })
	require.Equal(t, []time.Duration{time.Minute, time.Minute}, sleeps)
}

func TestRunCancelDuringCooldownSkipsRemainingBatches(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	var calls atomic.Int32
	d := New(Config{BatchSize: 2, Cooldown: time.Hour}, nil)
	results := d.Run(ctx, makeTasks(4), func(context.Context, Task) Result {
		if calls.Add(1) == 2 {
			cancel()
		}
		return Result{Outcome: "completed"}
	})

	require.Equal(t, int32(2), calls.Load())
	require.Equal(t, "completed", results[1].Outcome)
	require.Equal(t, OutcomeCanceled, results[2].Outcome)
	require.ErrorIs(t, results[3].Err, context.Canceled)
}

func TestRunEmpty(t *testing.T) {
	t.Parallel()

	results := New(Config{}, nil).Run(context.Background(), nil, func(context.Context, Task) Result {
		t.Fatal("handler must not run")
		return Result{}
	})
	require.Empty(t, results)
}
