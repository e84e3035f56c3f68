// Package scheduler drives periodic crawl cycles: select eligible stores,
// dispatch their crawls in batches and sweep the reply lifecycle.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/review-reply-crawler/internal/dispatcher"
	"github.com/JakeFAU/review-reply-crawler/internal/lease"
	"github.com/JakeFAU/review-reply-crawler/internal/lifecycle"
	"github.com/JakeFAU/review-reply-crawler/internal/metrics"
	"github.com/JakeFAU/review-reply-crawler/internal/review"
	"github.com/JakeFAU/review-reply-crawler/internal/worker"
)

// Config controls cadence and selection.
type Config struct {
	Tick             time.Duration `mapstructure:"tick"`
	MinCrawlInterval time.Duration `mapstructure:"min_crawl_interval"`
	// LeaseTTL bounds the scheduler lease; it is renewed every third of it
	// while a cycle runs.
	LeaseTTL time.Duration `mapstructure:"lease_ttl"`
	// Owner prefixes the per-cycle lease token.
	Owner      string `mapstructure:"owner"`
	RunOnStart bool   `mapstructure:"run_on_start"`
}

// Crawler runs one store crawl.
type Crawler interface {
	Crawl(ctx context.Context, store review.PlatformStore) worker.Result
}

// Sweeper advances reply lifecycles.
type Sweeper interface {
	Sweep(ctx context.Context, now time.Time) (lifecycle.SweepReport, error)
}

// CycleReport summarizes one cycle.
type CycleReport struct {
	StartedAt  time.Time             `json:"started_at"`
	FinishedAt time.Time             `json:"finished_at"`
	LeaseHeld  bool                  `json:"lease_held"`
	Eligible   int                   `json:"eligible"`
	Completed  int                   `json:"completed"`
	Failed     int                   `json:"failed"`
	Skipped    int                   `json:"skipped"`
	Canceled   int                   `json:"canceled"`
	Sessions   []string              `json:"sessions,omitempty"`
	Sweep      lifecycle.SweepReport `json:"sweep"`
}

// Scheduler is the periodic crawl driver.
type Scheduler struct {
	stores     review.StoreRepository
	crawler    Crawler
	dispatcher *dispatcher.Dispatcher
	sweeper    Sweeper
	leases     review.Lease
	clock      review.Clock
	cfg        Config
	logger     *zap.Logger
}

// New constructs a Scheduler. sweeper may be nil.
func New(
	stores review.StoreRepository,
	crawler Crawler,
	d *dispatcher.Dispatcher,
	sweeper Sweeper,
	leases review.Lease,
	clock review.Clock,
	cfg Config,
	logger *zap.Logger,
) *Scheduler {
	if cfg.Tick <= 0 {
		cfg.Tick = 30 * time.Minute
	}
	if cfg.MinCrawlInterval <= 0 {
		cfg.MinCrawlInterval = time.Hour
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 2 * time.Hour
	}
	if cfg.Owner == "" {
		cfg.Owner = "reviewcrawler"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		stores:     stores,
		crawler:    crawler,
		dispatcher: d,
		sweeper:    sweeper,
		leases:     leases,
		clock:      clock,
		cfg:        cfg,
		logger:     logger.Named("scheduler"),
	}
}

// Run fires Cycle on every tick until ctx ends. A cycle in flight when ctx
// ends runs to completion; Run returns after it.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()
	s.logger.Info("scheduler started", zap.Duration("tick", s.cfg.Tick))

	if s.cfg.RunOnStart {
		s.runCycle(ctx)
	}
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return nil
		case <-ticker.C:
			s.runCycle(ctx)
		}
	}
}

func (s *Scheduler) runCycle(ctx context.Context) {
	report, err := s.Cycle(context.WithoutCancel(ctx))
	if err != nil {
		s.logger.Error("cycle failed", zap.Error(err))
		return
	}
	if report.LeaseHeld {
		return
	}
	s.logger.Info("cycle finished",
		zap.Int("eligible", report.Eligible),
		zap.Int("completed", report.Completed),
		zap.Int("failed", report.Failed),
		zap.Int("skipped", report.Skipped),
		zap.Duration("took", report.FinishedAt.Sub(report.StartedAt)),
	)
}

// Cycle runs one crawl cycle under the scheduler lease. When another
// instance holds the lease the cycle is skipped and LeaseHeld is set. The
// lifecycle sweep runs after the crawls even when no store was eligible.
func (s *Scheduler) Cycle(ctx context.Context) (CycleReport, error) {
	report := CycleReport{StartedAt: s.clock.Now()}
	token := lease.Token(s.cfg.Owner)
	ok, err := s.leases.Acquire(ctx, lease.SchedulerKey, token, s.cfg.LeaseTTL)
	if err != nil {
		return report, fmt.Errorf("acquire scheduler lease: %w", err)
	}
	if !ok {
		s.logger.Info("scheduler lease held elsewhere, skipping cycle")
		report.LeaseHeld = true
		report.FinishedAt = s.clock.Now()
		return report, nil
	}
	defer func() {
		if rerr := s.leases.Release(context.WithoutCancel(ctx), lease.SchedulerKey, token); rerr != nil {
			s.logger.Warn("release scheduler lease failed", zap.Error(rerr))
		}
	}()
	stopRenew := lease.Keep(ctx, s.leases, lease.SchedulerKey, token, s.cfg.LeaseTTL, func(err error) {
		s.logger.Error("scheduler lease lost during cycle", zap.Error(err))
	})
	defer stopRenew()

	start := time.Now()
	if err := s.crawl(ctx, &report); err != nil {
		return report, err
	}
	s.sweep(ctx, &report)
	report.FinishedAt = s.clock.Now()
	metrics.ObserveCycle(time.Since(start), map[string]int{
		"completed": report.Completed,
		"failed":    report.Failed,
		"skipped":   report.Skipped,
		"canceled":  report.Canceled,
	})
	return report, nil
}

func (s *Scheduler) crawl(ctx context.Context, report *CycleReport) error {
	stores, err := s.stores.ListEligible(ctx, report.StartedAt, s.cfg.MinCrawlInterval)
	if err != nil {
		return fmt.Errorf("list eligible stores: %w", err)
	}
	report.Eligible = len(stores)
	if len(stores) == 0 {
		s.logger.Info("no eligible stores")
		return nil
	}

	tasks := make([]dispatcher.Task, len(stores))
	for i, store := range stores {
		tasks[i] = dispatcher.Task{Store: store}
	}
	results := s.dispatcher.Run(ctx, tasks, func(ctx context.Context, task dispatcher.Task) dispatcher.Result {
		res := s.crawler.Crawl(ctx, task.Store)
		return dispatcher.Result{Outcome: string(res.Outcome), SessionID: res.SessionID, Err: res.Err}
	})
	for _, r := range results {
		switch r.Outcome {
		case string(worker.OutcomeCompleted):
			report.Completed++
		case string(worker.OutcomeSkipped):
			report.Skipped++
		case dispatcher.OutcomeCanceled:
			report.Canceled++
		default:
			report.Failed++
		}
		if r.SessionID != "" {
			report.Sessions = append(report.Sessions, r.SessionID)
		}
	}
	return nil
}

func (s *Scheduler) sweep(ctx context.Context, report *CycleReport) {
	if s.sweeper == nil {
		return
	}
	sr, err := s.sweeper.Sweep(ctx, s.clock.Now())
	report.Sweep = sr
	if err != nil {
		s.logger.Error("lifecycle sweep failed", zap.Error(err))
	}
}
