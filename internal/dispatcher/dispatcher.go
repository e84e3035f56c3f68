// Package dispatcher fans crawl tasks out to a bounded pool of goroutines,
// one fixed-size batch at a time.
package dispatcher

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/review-reply-crawler/internal/queue/memory"
	"github.com/JakeFAU/review-reply-crawler/internal/review"
)

// Task is one store crawl handed to a consumer.
type Task struct {
	Store review.PlatformStore
}

// Result is what a handler reports for a task. Outcome is free-form and
// aggregated by the caller.
type Result struct {
	Task      Task
	Outcome   string
	SessionID string
	Err       error
}

// OutcomeCanceled marks tasks never started because ctx ended.
const OutcomeCanceled = "canceled"

// Handler processes one task.
type Handler func(ctx context.Context, task Task) Result

// Config controls batching.
type Config struct {
	BatchSize int           `mapstructure:"batch_size"`
	Cooldown  time.Duration `mapstructure:"batch_cooldown"`
}

// Dispatcher runs tasks through a memory queue in batches.
type Dispatcher struct {
	cfg    Config
	logger *zap.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

// New creates a Dispatcher. BatchSize defaults to 5.
func New(cfg Config, logger *zap.Logger) *Dispatcher {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 5
	}
	if cfg.Cooldown < 0 {
		cfg.Cooldown = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{cfg: cfg, logger: logger.Named("dispatcher"), sleep: sleepCtx}
}

// Run processes tasks and returns one result per task in input order. Each
// batch is fully consumed before the cooldown and the next batch. If ctx
// ends, tasks not yet started are reported as OutcomeCanceled.
func (d *Dispatcher) Run(ctx context.Context, tasks []Task, handle Handler) []Result {
	results := make([]Result, len(tasks))
	for start := 0; start < len(tasks); start += d.cfg.BatchSize {
		end := min(start+d.cfg.BatchSize, len(tasks))
		if start > 0 {
			if err := d.sleep(ctx, d.cfg.Cooldown); err != nil {
				d.cancelRest(results, tasks, start, err)
				return results
			}
		}
		if err := ctx.Err(); err != nil {
			d.cancelRest(results, tasks, start, err)
			return results
		}
		d.runBatch(ctx, tasks, start, end, handle, results)
		d.logger.Debug("batch finished", zap.Int("from", start), zap.Int("to", end), zap.Int("total", len(tasks)))
	}
	return results
}

type indexed struct {
	i    int
	task Task
}

func (d *Dispatcher) runBatch(ctx context.Context, tasks []Task, start, end int, handle Handler, results []Result) {
	q := memory.NewQueue[indexed](end - start)
	for i := start; i < end; i++ {
		// Capacity equals the batch size so this never blocks.
		_ = q.Enqueue(context.WithoutCancel(ctx), indexed{i: i, task: tasks[i]})
	}
	q.Close()

	var g errgroup.Group
	for range end - start {
		g.Go(func() error {
			for {
				item, err := q.Dequeue(context.WithoutCancel(ctx))
				if errors.Is(err, memory.ErrClosed) {
					return nil
				}
				if err != nil {
					return err
				}
				if cerr := ctx.Err(); cerr != nil {
					results[item.i] = Result{Task: item.task, Outcome: OutcomeCanceled, Err: cerr}
					continue
				}
				res := handle(ctx, item.task)
				res.Task = item.task
				results[item.i] = res
			}
		})
	}
	if err := g.Wait(); err != nil {
		d.logger.Error("batch consumer failed", zap.Error(err))
	}
}

func (d *Dispatcher) cancelRest(results []Result, tasks []Task, from int, err error) {
	for i := from; i < len(tasks); i++ {
		results[i] = Result{Task: tasks[i], Outcome: OutcomeCanceled, Err: err}
	}
	d.logger.Info("dispatch canceled", zap.Int("remaining", len(tasks)-from), zap.Error(err))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
