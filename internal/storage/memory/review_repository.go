package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/review-reply-crawler/internal/identity"
	"github.com/JakeFAU/review-reply-crawler/internal/review"
)

// ReviewRepository keeps reviews in memory. WithinTx stages writes on a
// copy of the store's rows and commits them only when fn succeeds.
type ReviewRepository struct {
	mu      sync.RWMutex
	reviews map[string]review.Review
	stores  *StoreRepository
}

// NewReviewRepository constructs a ReviewRepository. stores receives the
// last crawl stamp on commit and may be nil.
func NewReviewRepository(stores *StoreRepository) *ReviewRepository {
	return &ReviewRepository{
		reviews: make(map[string]review.Review),
		stores:  stores,
	}
}

// WithinTx runs fn against a staged view of store's reviews.
func (s *ReviewRepository) WithinTx(
	ctx context.Context,
	store review.PlatformStore,
	fn func(tx review.ReviewTx) error,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &reviewTx{
		store:  store,
		staged: make(map[string]review.Review),
	}
	for id, r := range s.reviews {
		if r.StoreID == store.ID {
			tx.staged[id] = r.Clone()
		}
	}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	if tx.crawledAt != nil && s.stores != nil {
		if err := s.stores.touch(store.ID, *tx.crawledAt); err != nil {
			return fmt.Errorf("touch store: %w", err)
		}
	}
	for id, r := range tx.staged {
		s.reviews[id] = r
	}
	return nil
}

// Get returns a review by id.
func (s *ReviewRepository) Get(_ context.Context, reviewID string) (review.Review, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.reviews[reviewID]
	if !ok {
		return review.Review{}, fmt.Errorf("review %s: %w", reviewID, review.ErrNotFound)
	}
	return r.Clone(), nil
}

// List returns reviews matching q ordered by review date then id.
func (s *ReviewRepository) List(_ context.Context, q review.ReviewQuery) ([]review.Review, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]review.Review, 0)
	for _, r := range s.reviews {
		if q.Status != "" && r.ReplyStatus != q.Status {
			continue
		}
		if q.SchedulableBefore != nil &&
			(r.SchedulableReplyDate == nil || r.SchedulableReplyDate.After(*q.SchedulableBefore)) {
			continue
		}
		if q.NextDeliveryBefore != nil && r.NextDeliveryAt != nil && r.NextDeliveryAt.After(*q.NextDeliveryBefore) {
			continue
		}
		out = append(out, r.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ReviewDate.Equal(out[j].ReviewDate) {
			return out[i].ReviewDate.Before(out[j].ReviewDate)
		}
		return out[i].ID < out[j].ID
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// UpdateReply writes the reply fields of r if the stored status is from.
func (s *ReviewRepository) UpdateReply(_ context.Context, r review.Review, from review.ReplyStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.reviews[r.ID]
	if !ok {
		return fmt.Errorf("review %s: %w", r.ID, review.ErrNotFound)
	}
	if cur.ReplyStatus != from {
		return fmt.Errorf("review %s is %s, expected %s: %w", r.ID, cur.ReplyStatus, from, review.ErrInvalidTransition)
	}
	cur.ReplyText = r.ReplyText
	cur.ReplyConfidence = r.ReplyConfidence
	cur.ReplyStatus = r.ReplyStatus
	cur.RequiresApproval = r.RequiresApproval
	cur.SchedulableReplyDate = r.SchedulableReplyDate
	cur.ReplyError = r.ReplyError
	cur.DeliveryAttempts = r.DeliveryAttempts
	cur.NextDeliveryAt = r.NextDeliveryAt
	cur.ReplyPostedAt = r.ReplyPostedAt
	cur.PlatformReplyID = r.PlatformReplyID
	s.reviews[r.ID] = cur.Clone()
	return nil
}

type reviewTx struct {
	store     review.PlatformStore
	staged    map[string]review.Review
	crawledAt *time.Time
}

func (t *reviewTx) FindByPlatformID(_ context.Context, platformReviewID string) (review.Review, bool, error) {
	for _, r := range t.staged {
		if r.PlatformReviewID != "" && r.PlatformReviewID == platformReviewID {
			return r.Clone(), true, nil
		}
	}
	return review.Review{}, false, nil
}

func (t *reviewTx) FindByStableID(_ context.Context, stableID string) (review.Review, bool, error) {
	for _, r := range t.staged {
		if r.StableID != "" && r.StableID == stableID {
			return r.Clone(), true, nil
		}
	}
	return review.Review{}, false, nil
}

func (t *reviewTx) FindByContentNeighbor(_ context.Context, content, neighbor identity.Hash) ([]review.Review, error) {
	out := make([]review.Review, 0)
	for _, r := range t.staged {
		if r.Identity == nil {
			continue
		}
		if r.Identity.ContentHash.Equal(content) && r.Identity.NeighborHash.Equal(neighbor) {
			out = append(out, r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *reviewTx) Upsert(_ context.Context, r review.Review) (bool, error) {
	if r.StoreID != t.store.ID {
		return false, &review.DataIntegrityError{Key: r.ID, Reason: "review belongs to another store"}
	}
	if existing, ok := t.byKey(r); ok {
		existing.ReviewerName = r.ReviewerName
		existing.Ratings = r.Ratings
		existing.Text = r.Text
		existing.OrderMenu = r.OrderMenu
		existing.Photos = r.Photos
		existing.Metadata = r.Metadata
		existing.LastSeenAt = r.LastSeenAt
		if r.Identity != nil {
			existing.Identity = r.Identity
		}
		t.staged[existing.ID] = existing.Clone()
		return false, nil
	}
	if r.PlatformReviewID == "" && r.StableID == "" {
		return false, &review.DataIntegrityError{Key: r.ID, Reason: "review has neither platform review id nor stable id"}
	}
	if _, exists := t.staged[r.ID]; exists {
		return false, &review.DataIntegrityError{Key: r.ID, Reason: "duplicate review id"}
	}
	t.staged[r.ID] = r.Clone()
	return true, nil
}

func (t *reviewTx) byKey(r review.Review) (review.Review, bool) {
	for _, cur := range t.staged {
		if r.PlatformReviewID != "" && cur.PlatformReviewID == r.PlatformReviewID {
			return cur, true
		}
		if r.StableID != "" && cur.StableID == r.StableID {
			return cur, true
		}
	}
	return review.Review{}, false
}

func (t *reviewTx) ListOpen(_ context.Context) ([]review.Review, error) {
	out := make([]review.Review, 0)
	for _, r := range t.staged {
		if r.ReplyStatus != review.ReplySent {
			out = append(out, r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *reviewTx) UpdateSchedule(_ context.Context, r review.Review) error {
	cur, ok := t.staged[r.ID]
	if !ok {
		return fmt.Errorf("review %s: %w", r.ID, review.ErrNotFound)
	}
	if cur.ReplyStatus == review.ReplySent {
		return fmt.Errorf("review %s: %w", r.ID, review.ErrReplyImmutable)
	}
	cur.RequiresApproval = r.RequiresApproval
	cur.SchedulableReplyDate = r.SchedulableReplyDate
	t.staged[r.ID] = cur
	return nil
}

func (t *reviewTx) TouchStore(_ context.Context, crawledAt time.Time) error {
	ts := crawledAt
	t.crawledAt = &ts
	return nil
}
