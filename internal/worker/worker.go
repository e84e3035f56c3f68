// Package worker runs one store crawl end to end: lease, session ledger,
// fetch with bounded retry, capture archive and ingestion.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/review-reply-crawler/internal/adapter"
	"github.com/JakeFAU/review-reply-crawler/internal/lease"
	"github.com/JakeFAU/review-reply-crawler/internal/metrics"
	"github.com/JakeFAU/review-reply-crawler/internal/retry"
	"github.com/JakeFAU/review-reply-crawler/internal/review"
)

// Config controls Crawler behavior.
type Config struct {
	JobTimeout time.Duration `mapstructure:"job_timeout"`
	// LeaseTTL bounds the per-store lease; defaults to JobTimeout plus a minute.
	LeaseTTL time.Duration `mapstructure:"lease_ttl"`
	// LookbackDays is the fetch window for a store never crawled before.
	LookbackDays int `mapstructure:"lookback_days"`
	// Overlap re-reads this much before last_crawled_at to pick up edits.
	Overlap       time.Duration `mapstructure:"overlap"`
	CapturePrefix string        `mapstructure:"capture_prefix"`
	Topic         string        `mapstructure:"topic"`
	// Owner prefixes the per-crawl lease token.
	Owner string `mapstructure:"owner"`
}

// Outcome summarizes one Crawl call.
type Outcome string

// Crawl outcomes.
const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	OutcomeSkipped   Outcome = "skipped"
)

// Result is returned by Crawl.
type Result struct {
	Outcome   Outcome
	SessionID string
	Counts    review.Counts
	Err       error
}

// AdapterLookup resolves the adapter for a platform.
type AdapterLookup interface {
	Lookup(platform review.Platform) (review.Adapter, error)
}

// Ingester persists one batch of fetched records.
type Ingester interface {
	Ingest(ctx context.Context, store review.PlatformStore, records []review.RawReview, crawledAt time.Time) (review.Counts, error)
}

// Crawler executes store crawls.
type Crawler struct {
	adapters  AdapterLookup
	ingester  Ingester
	stores    review.StoreRepository
	sessions  review.SessionLedger
	leases    review.Lease
	blobs     review.BlobStore
	publisher review.Publisher
	retry     *retry.Policy
	clock     review.Clock
	ids       review.IDGenerator
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Crawler. blobs and publisher may be nil.
func New(
	adapters AdapterLookup,
	ingester Ingester,
	stores review.StoreRepository,
	sessions review.SessionLedger,
	leases review.Lease,
	blobs review.BlobStore,
	publisher review.Publisher,
	policy *retry.Policy,
	clock review.Clock,
	ids review.IDGenerator,
	cfg Config,
	logger *zap.Logger,
) *Crawler {
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 10 * time.Minute
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = cfg.JobTimeout + time.Minute
	}
	if cfg.LookbackDays <= 0 {
		cfg.LookbackDays = 30
	}
	if cfg.Overlap <= 0 {
		cfg.Overlap = 48 * time.Hour
	}
	if cfg.CapturePrefix == "" {
		cfg.CapturePrefix = "captures"
	}
	if cfg.Topic == "" {
		cfg.Topic = "review-events"
	}
	if cfg.Owner == "" {
		cfg.Owner = "reviewcrawler"
	}
	if policy == nil {
		policy = retry.New(retry.Config{Jitter: true})
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Crawler{
		adapters:  adapters,
		ingester:  ingester,
		stores:    stores,
		sessions:  sessions,
		leases:    leases,
		blobs:     blobs,
		publisher: publisher,
		retry:     policy,
		clock:     clock,
		ids:       ids,
		cfg:       cfg,
		logger:    logger.Named("worker"),
	}
}

// Crawl runs one session for store. A store already held by another crawl
// is skipped without touching the ledger.
func (c *Crawler) Crawl(ctx context.Context, store review.PlatformStore) Result {
	log := c.logger.With(zap.String("store_id", store.ID), zap.String("platform", string(store.Platform)))
	key := lease.StoreKey(store.ID)
	token := lease.Token(c.cfg.Owner)
	ok, err := c.leases.Acquire(ctx, key, token, c.cfg.LeaseTTL)
	if err != nil {
		log.Error("acquire store lease failed", zap.Error(err))
		return Result{Outcome: OutcomeFailed, Err: fmt.Errorf("acquire store lease: %w", err)}
	}
	if !ok {
		log.Info("store crawl already in flight")
		return Result{Outcome: OutcomeSkipped, Err: review.ErrLeaseHeld}
	}
	defer func() {
		if rerr := c.leases.Release(context.WithoutCancel(ctx), key, token); rerr != nil {
			log.Warn("release store lease failed", zap.Error(rerr))
		}
	}()
	stopRenew := lease.Keep(ctx, c.leases, key, token, c.cfg.LeaseTTL, func(err error) {
		log.Warn("store lease lost", zap.Error(err))
	})
	defer stopRenew()

	sessionID, err := c.ids.NewID()
	if err != nil {
		return Result{Outcome: OutcomeFailed, Err: fmt.Errorf("session id: %w", err)}
	}
	log = log.With(zap.String("session_id", sessionID))
	if err := c.sessions.Start(ctx, review.CrawlingSession{
		ID:        sessionID,
		StoreID:   store.ID,
		Platform:  store.Platform,
		Status:    review.SessionPending,
		StartedAt: c.clock.Now(),
	}); err != nil {
		log.Error("start session failed", zap.Error(err))
		return Result{Outcome: OutcomeFailed, Err: fmt.Errorf("start session: %w", err)}
	}

	metrics.IncActiveCrawls()
	defer metrics.DecActiveCrawls()

	result := c.run(ctx, store, sessionID, log)
	c.finish(ctx, store, sessionID, result, log)
	return Result{Outcome: outcomeOf(result.Status), SessionID: sessionID, Counts: result.Counts, Err: result.err}
}

type runResult struct {
	review.SessionResult
	err error
}

func (c *Crawler) run(ctx context.Context, store review.PlatformStore, sessionID string, log *zap.Logger) runResult {
	if err := c.sessions.MarkRunning(ctx, sessionID); err != nil {
		return failed(fmt.Errorf("mark session running: %w", err), review.Counts{}, 0)
	}

	jobCtx, cancel := context.WithTimeout(ctx, c.cfg.JobTimeout)
	defer cancel()

	a, err := c.adapters.Lookup(store.Platform)
	if err != nil {
		return failed(err, review.Counts{}, 0)
	}
	req := review.FetchRequest{Store: store, Since: c.since(store)}
	records, retries, err := c.fetch(jobCtx, a, req, log)
	if err != nil {
		if errors.Is(err, review.ErrAuthExpired) {
			c.degrade(ctx, store, err, log)
		}
		return failed(err, review.Counts{Found: len(records)}, retries)
	}

	captureURI := ""
	if !store.Platform.NativeIDs() {
		captureURI = c.capture(jobCtx, store, sessionID, records, log)
	}

	counts, err := c.ingester.Ingest(jobCtx, store, records, c.clock.Now())
	if err != nil {
		res := failed(fmt.Errorf("ingest: %w", err), review.Counts{Found: len(records)}, retries)
		res.CaptureURI = captureURI
		return res
	}
	return runResult{SessionResult: review.SessionResult{
		Status:     review.SessionCompleted,
		Counts:     counts,
		RetryCount: retries,
		CaptureURI: captureURI,
	}}
}

// fetch drains a fresh adapter sequence per attempt.
func (c *Crawler) fetch(ctx context.Context, a review.Adapter, req review.FetchRequest, log *zap.Logger) ([]review.RawReview, int, error) {
	var records []review.RawReview
	retries, err := c.retry.Do(ctx, func(ctx context.Context, attempt int) error {
		if attempt > 1 {
			metrics.ObserveFetchRetry(string(req.Store.Platform))
			log.Info("retrying fetch", zap.Int("attempt", attempt))
		}
		var ferr error
		records, ferr = adapter.Collect(a.Fetch(ctx, req))
		if ferr != nil && c.retry.ShouldRetry(ferr, attempt) {
			log.Warn("transient fetch failure", zap.Int("attempt", attempt), zap.Error(ferr))
		}
		return ferr
	})
	if err != nil {
		return records, retries, fmt.Errorf("fetch %s reviews: %w", req.Store.Platform, err)
	}
	return records, retries, nil
}

func (c *Crawler) since(store review.PlatformStore) time.Time {
	if store.LastCrawledAt != nil {
		return store.LastCrawledAt.Add(-c.cfg.Overlap)
	}
	return c.clock.Now().AddDate(0, 0, -c.cfg.LookbackDays)
}

func (c *Crawler) degrade(ctx context.Context, store review.PlatformStore, cause error, log *zap.Logger) {
	ctx = context.WithoutCancel(ctx)
	if err := c.stores.MarkDegraded(ctx, store.ID, cause.Error()); err != nil {
		log.Error("mark store degraded failed", zap.Error(err))
	}
	log.Warn("platform session expired, store degraded")
	if c.publisher == nil {
		return
	}
	if _, err := c.publisher.Publish(ctx, c.cfg.Topic, review.Event{
		Type:    review.EventReauthRequired,
		StoreID: store.ID,
		Detail:  cause.Error(),
		At:      c.clock.Now(),
	}); err != nil {
		log.Warn("publish reauth event failed", zap.Error(err))
	}
}

// capture archives the raw records as JSON Lines so identity-less rows can
// be re-matched later. Failure is logged and does not fail the session.
func (c *Crawler) capture(ctx context.Context, store review.PlatformStore, sessionID string, records []review.RawReview, log *zap.Logger) string {
	if c.blobs == nil || len(records) == 0 {
		return ""
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, rec := range records {
		if err := enc.Encode(rec); err != nil {
			log.Warn("encode capture record failed", zap.Error(err))
			return ""
		}
	}
	objectPath := path.Join(strings.Trim(c.cfg.CapturePrefix, "/"), string(store.Platform), store.ID, sessionID+".jsonl")
	uri, err := c.blobs.PutObject(ctx, objectPath, "application/x-ndjson", &buf)
	if err != nil {
		log.Warn("archive capture failed", zap.String("path", objectPath), zap.Error(err))
		return ""
	}
	return uri
}

func (c *Crawler) finish(ctx context.Context, store review.PlatformStore, sessionID string, res runResult, log *zap.Logger) {
	res.CompletedAt = c.clock.Now()
	if res.err != nil {
		log.Error("crawl session failed", zap.Int("retries", res.RetryCount), zap.Error(res.err))
	} else {
		log.Info("crawl session completed",
			zap.Int("found", res.Counts.Found),
			zap.Int("new", res.Counts.New),
			zap.Int("updated", res.Counts.Updated),
			zap.Int("skipped", res.Counts.Skipped),
		)
	}
	if err := c.sessions.Finish(context.WithoutCancel(ctx), sessionID, res.SessionResult); err != nil {
		log.Error("finish session failed", zap.Error(err))
	}
	metrics.ObserveSession(string(store.Platform), string(res.Status))
}

func failed(err error, counts review.Counts, retries int) runResult {
	return runResult{
		SessionResult: review.SessionResult{
			Status:      review.SessionFailed,
			Counts:      counts,
			RetryCount:  retries,
			ErrorDetail: err.Error(),
		},
		err: err,
	}
}

func outcomeOf(status review.SessionStatus) Outcome {
	if status == review.SessionCompleted {
		return OutcomeCompleted
	}
	return OutcomeFailed
}
