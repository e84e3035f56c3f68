package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/review-reply-crawler/internal/ingest"
	"github.com/JakeFAU/review-reply-crawler/internal/lease"
	"github.com/JakeFAU/review-reply-crawler/internal/metrics"
	"github.com/JakeFAU/review-reply-crawler/internal/retry"
	"github.com/JakeFAU/review-reply-crawler/internal/review"
)

// Config controls delivery retries and sweep sizes.
type Config struct {
	MaxDeliveryAttempts int           `mapstructure:"max_delivery_attempts"`
	RetryBackoff        time.Duration `mapstructure:"retry_backoff"`
	MaxRetryBackoff     time.Duration `mapstructure:"max_retry_backoff"`
	SweepLimit          int           `mapstructure:"sweep_limit"`
	Topic               string        `mapstructure:"topic"`
	// DeliveryLeaseTTL bounds the claim a deliverer holds on one review
	// while posting its reply.
	DeliveryLeaseTTL    time.Duration `mapstructure:"delivery_lease_ttl"`
	Owner               string        `mapstructure:"owner"`
}

// SweepReport counts the transitions of one Sweep.
type SweepReport struct {
	Generated    int `json:"generated"`
	AutoApproved int `json:"auto_approved"`
	Retried      int `json:"retried"`
	Sent         int `json:"sent"`
	Failed       int `json:"failed"`
}

// Machine applies reply status transitions. It is the only writer of reply
// fields.
type Machine struct {
	reviews   review.ReviewRepository
	stores    review.StoreRepository
	generator review.ReplyGenerator
	deliverer review.Deliverer
	publisher review.Publisher
	leases    review.Lease
	clock     review.Clock
	backoff   *retry.Policy
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Machine. publisher may be nil. A nil leases falls back
// to a process-local table, which only excludes deliveries within one
// process.
func New(
	reviews review.ReviewRepository,
	stores review.StoreRepository,
	generator review.ReplyGenerator,
	deliverer review.Deliverer,
	publisher review.Publisher,
	leases review.Lease,
	clock review.Clock,
	cfg Config,
	logger *zap.Logger,
) *Machine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxDeliveryAttempts <= 0 {
		cfg.MaxDeliveryAttempts = 3
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 5 * time.Minute
	}
	if cfg.MaxRetryBackoff <= 0 {
		cfg.MaxRetryBackoff = time.Hour
	}
	if cfg.SweepLimit <= 0 {
		cfg.SweepLimit = 200
	}
	if cfg.Topic == "" {
		cfg.Topic = "review-events"
	}
	if cfg.DeliveryLeaseTTL <= 0 {
		cfg.DeliveryLeaseTTL = 2 * time.Minute
	}
	if cfg.Owner == "" {
		cfg.Owner = "reviewcrawler"
	}
	if leases == nil {
		leases = lease.NewMemory(clock)
	}
	return &Machine{
		reviews:   reviews,
		stores:    stores,
		generator: generator,
		deliverer: deliverer,
		publisher: publisher,
		leases:    leases,
		clock:     clock,
		backoff: retry.New(retry.Config{
			MaxAttempts: cfg.MaxDeliveryAttempts,
			BaseDelay:   cfg.RetryBackoff,
			MaxDelay:    cfg.MaxRetryBackoff,
		}),
		cfg:    cfg,
		logger: logger.Named("lifecycle"),
	}
}

// Generate asks the reply generator for candidate text for a draft review.
// When the generator has nothing to say the review stays in draft.
func (m *Machine) Generate(ctx context.Context, r review.Review) (review.Review, error) {
	if r.ReplyStatus != review.ReplyDraft {
		return r, fmt.Errorf("generate for review %s in %s: %w", r.ID, r.ReplyStatus, review.ErrInvalidTransition)
	}
	store, err := m.stores.Get(ctx, r.StoreID)
	if err != nil {
		return r, fmt.Errorf("load store for review %s: %w", r.ID, err)
	}
	suggestion, err := m.generator.Generate(ctx, r, store)
	if err != nil {
		return r, fmt.Errorf("generate reply for review %s: %w", r.ID, err)
	}
	if suggestion.Text == "" {
		return r, nil
	}

	next := r.Clone()
	next.ReplyText = suggestion.Text
	next.ReplyConfidence = suggestion.Confidence
	next.ReplyStatus = review.ReplyPendingApproval
	if next.SchedulableReplyDate == nil {
		requires, at := ingest.Schedule(store, r.ReviewDate)
		next.RequiresApproval = requires
		next.SchedulableReplyDate = &at
	}
	if err := m.commit(ctx, r, next, ""); err != nil {
		return r, err
	}
	return next, nil
}

// Approve records an explicit owner approval. A failed reply that exhausted
// its automatic retries can be approved again; its attempt budget resets.
func (m *Machine) Approve(ctx context.Context, reviewID string) (review.Review, error) {
	r, err := m.reviews.Get(ctx, reviewID)
	if err != nil {
		return review.Review{}, fmt.Errorf("load review %s: %w", reviewID, err)
	}
	next := r.Clone()
	next.ReplyStatus = review.ReplyApproved
	if r.ReplyStatus == review.ReplyFailed {
		next.DeliveryAttempts = 0
		next.NextDeliveryAt = nil
	}
	if err := m.commit(ctx, r, next, "owner approval"); err != nil {
		return r, err
	}
	return next, nil
}

// AutoApproveDue approves pending replies whose confirmation window has
// elapsed, for stores with reply automation enabled.
func (m *Machine) AutoApproveDue(ctx context.Context, now time.Time) (int, error) {
	due, err := m.reviews.List(ctx, review.ReviewQuery{
		Status:            review.ReplyPendingApproval,
		SchedulableBefore: &now,
		Limit:             m.cfg.SweepLimit,
	})
	if err != nil {
		return 0, fmt.Errorf("list due approvals: %w", err)
	}
	stores := m.storeCache()
	approved := 0
	for _, r := range due {
		if r.SchedulableReplyDate == nil || now.Before(*r.SchedulableReplyDate) {
			continue
		}
		store, err := stores(ctx, r.StoreID)
		if err != nil {
			m.logger.Error("load store for auto-approval", zap.String("review_id", r.ID), zap.Error(err))
			continue
		}
		if !store.Active {
			if _, err := m.Fail(ctx, r, "store deactivated"); err != nil {
				m.logger.Warn("fail reply of deactivated store", zap.String("review_id", r.ID), zap.Error(err))
			}
			continue
		}
		if !store.ReplyAutomationEnabled() {
			continue
		}
		next := r.Clone()
		next.ReplyStatus = review.ReplyApproved
		if err := m.commit(ctx, r, next, "confirmation window elapsed"); err != nil {
			if errors.Is(err, review.ErrInvalidTransition) {
				continue
			}
			return approved, err
		}
		approved++
	}
	return approved, nil
}

// Deliver posts an approved reply. On success the review is sent and
// reply_posted_at is stamped once; on failure it moves to failed with the
// error message and the next retry time. Only one caller at a time may
// post a given review: the others get ErrLeaseHeld, and a caller whose copy
// went stale while it waited gets ErrInvalidTransition without posting.
func (m *Machine) Deliver(ctx context.Context, r review.Review) (review.Review, error) {
	if r.ReplyStatus != review.ReplyApproved {
		return r, fmt.Errorf("deliver review %s in %s: %w", r.ID, r.ReplyStatus, review.ErrInvalidTransition)
	}
	key := lease.ReplyKey(r.ID)
	token := lease.Token(m.cfg.Owner)
	ok, err := m.leases.Acquire(ctx, key, token, m.cfg.DeliveryLeaseTTL)
	if err != nil {
		return r, fmt.Errorf("claim delivery of review %s: %w", r.ID, err)
	}
	if !ok {
		return r, fmt.Errorf("deliver review %s: %w", r.ID, review.ErrLeaseHeld)
	}
	defer func() {
		if rerr := m.leases.Release(context.WithoutCancel(ctx), key, token); rerr != nil {
			m.logger.Warn("release delivery claim", zap.String("review_id", r.ID), zap.Error(rerr))
		}
	}()

	current, err := m.reviews.Get(ctx, r.ID)
	if err != nil {
		return r, fmt.Errorf("reload review %s: %w", r.ID, err)
	}
	if current.ReplyStatus != review.ReplyApproved {
		return current, fmt.Errorf("deliver review %s in %s: %w", r.ID, current.ReplyStatus, review.ErrInvalidTransition)
	}
	r = current

	store, err := m.stores.Get(ctx, r.StoreID)
	if err != nil {
		return r, fmt.Errorf("load store for review %s: %w", r.ID, err)
	}
	now := m.clock.Now()
	if !store.Active {
		return m.Fail(ctx, r, "store deactivated")
	}

	receipt, derr := m.deliverer.Deliver(ctx, r, store)
	next := r.Clone()
	next.DeliveryAttempts++
	if derr != nil {
		next.ReplyStatus = review.ReplyFailed
		next.ReplyError = derr.Error()
		at := now.Add(m.backoff.Delay(next.DeliveryAttempts))
		next.NextDeliveryAt = &at
		if err := m.commit(ctx, r, next, derr.Error()); err != nil {
			return r, err
		}
		return next, &review.DeliveryError{ReviewID: r.ID, Err: derr}
	}

	next.ReplyStatus = review.ReplySent
	next.ReplyError = ""
	next.NextDeliveryAt = nil
	next.PlatformReplyID = receipt.PlatformReplyID
	if next.ReplyPostedAt == nil {
		posted := now
		next.ReplyPostedAt = &posted
	}
	if err := m.commit(ctx, r, next, ""); err != nil {
		return r, err
	}
	return next, nil
}

// Fail moves a pending or approved reply to failed without a delivery
// attempt, for example when its store was deactivated.
func (m *Machine) Fail(ctx context.Context, r review.Review, reason string) (review.Review, error) {
	next := r.Clone()
	next.ReplyStatus = review.ReplyFailed
	next.ReplyError = reason
	if err := m.commit(ctx, r, next, reason); err != nil {
		return r, err
	}
	return next, nil
}

// RetryFailed moves failed replies back to approved once their backoff has
// elapsed. Replies that used up their attempts wait for an owner.
func (m *Machine) RetryFailed(ctx context.Context, now time.Time) (int, error) {
	failed, err := m.reviews.List(ctx, review.ReviewQuery{
		Status:             review.ReplyFailed,
		NextDeliveryBefore: &now,
		Limit:              m.cfg.SweepLimit,
	})
	if err != nil {
		return 0, fmt.Errorf("list failed replies: %w", err)
	}
	retried := 0
	for _, r := range failed {
		if r.DeliveryAttempts >= m.cfg.MaxDeliveryAttempts || r.NextDeliveryAt == nil || now.Before(*r.NextDeliveryAt) {
			continue
		}
		next := r.Clone()
		next.ReplyStatus = review.ReplyApproved
		if err := m.commit(ctx, r, next, fmt.Sprintf("retry %d of %d", r.DeliveryAttempts+1, m.cfg.MaxDeliveryAttempts)); err != nil {
			if errors.Is(err, review.ErrInvalidTransition) {
				continue
			}
			return retried, err
		}
		retried++
	}
	return retried, nil
}

// Sweep runs one pass over the lifecycle: generate drafts, auto-approve,
// schedule retries, then deliver everything approved.
func (m *Machine) Sweep(ctx context.Context, now time.Time) (SweepReport, error) {
	var report SweepReport
	var errs []error

	drafts, err := m.reviews.List(ctx, review.ReviewQuery{Status: review.ReplyDraft, Limit: m.cfg.SweepLimit})
	if err != nil {
		errs = append(errs, fmt.Errorf("list drafts: %w", err))
	}
	for _, r := range drafts {
		next, err := m.Generate(ctx, r)
		if err != nil {
			m.logger.Warn("reply generation failed", zap.String("review_id", r.ID), zap.Error(err))
			continue
		}
		if next.ReplyStatus == review.ReplyPendingApproval {
			report.Generated++
		}
	}

	if report.AutoApproved, err = m.AutoApproveDue(ctx, now); err != nil {
		errs = append(errs, err)
	}
	if report.Retried, err = m.RetryFailed(ctx, now); err != nil {
		errs = append(errs, err)
	}

	approved, err := m.reviews.List(ctx, review.ReviewQuery{Status: review.ReplyApproved, Limit: m.cfg.SweepLimit})
	if err != nil {
		errs = append(errs, fmt.Errorf("list approved: %w", err))
	}
	for _, r := range approved {
		next, err := m.Deliver(ctx, r)
		var derr *review.DeliveryError
		switch {
		case errors.Is(err, review.ErrLeaseHeld), errors.Is(err, review.ErrInvalidTransition):
			m.logger.Debug("reply delivered elsewhere", zap.String("review_id", r.ID), zap.Error(err))
		case errors.As(err, &derr):
			report.Failed++
			m.logger.Warn("reply delivery failed",
				zap.String("review_id", r.ID),
				zap.Int("attempt", next.DeliveryAttempts),
				zap.Error(err),
			)
		case err != nil:
			m.logger.Error("deliver reply", zap.String("review_id", r.ID), zap.Error(err))
		case next.ReplyStatus == review.ReplySent:
			report.Sent++
		default:
			report.Failed++
		}
	}
	return report, errors.Join(errs...)
}

// commit validates and persists prev -> next, then emits the event.
func (m *Machine) commit(ctx context.Context, prev, next review.Review, detail string) error {
	if err := Transition(prev.ReplyStatus, next.ReplyStatus); err != nil {
		return fmt.Errorf("review %s: %w", prev.ID, err)
	}
	if err := m.reviews.UpdateReply(ctx, next, prev.ReplyStatus); err != nil {
		return fmt.Errorf("persist reply for review %s: %w", prev.ID, err)
	}
	metrics.ObserveTransition(string(prev.ReplyStatus), string(next.ReplyStatus))
	m.logger.Debug("reply transition",
		zap.String("review_id", prev.ID),
		zap.String("from", string(prev.ReplyStatus)),
		zap.String("to", string(next.ReplyStatus)),
	)
	m.publish(ctx, review.Event{
		Type:        review.EventReplyTransition,
		StoreID:     next.StoreID,
		ReviewID:    next.ID,
		ReplyStatus: next.ReplyStatus,
		Detail:      detail,
		At:          m.clock.Now(),
	})
	return nil
}

func (m *Machine) publish(ctx context.Context, ev review.Event) {
	if m.publisher == nil {
		return
	}
	if _, err := m.publisher.Publish(ctx, m.cfg.Topic, ev); err != nil {
		m.logger.Warn("publish lifecycle event", zap.String("review_id", ev.ReviewID), zap.Error(err))
	}
}

func (m *Machine) storeCache() func(ctx context.Context, id string) (review.PlatformStore, error) {
	cache := make(map[string]review.PlatformStore)
	return func(ctx context.Context, id string) (review.PlatformStore, error) {
		if s, ok := cache[id]; ok {
			return s, nil
		}
		s, err := m.stores.Get(ctx, id)
		if err != nil {
			return review.PlatformStore{}, err
		}
		cache[id] = s
		return s, nil
	}
}
