package review

import (
	"context"
	"io"
	"iter"
	"time"

	"github.com/JakeFAU/review-reply-crawler/internal/identity"
)

// FetchRequest scopes one adapter fetch to a store and lookback window.
type FetchRequest struct {
	Store PlatformStore
	Since time.Time
}

// Adapter returns raw review records for one store. The sequence is lazy,
// finite and can be ranged over only once.
type Adapter interface {
	Platform() Platform
	Fetch(ctx context.Context, req FetchRequest) iter.Seq2[RawReview, error]
}

// StoreRepository persists platform stores.
type StoreRepository interface {
	Connect(ctx context.Context, store PlatformStore) (PlatformStore, error)
	Get(ctx context.Context, storeID string) (PlatformStore, error)
	ListEligible(ctx context.Context, now time.Time, minInterval time.Duration) ([]PlatformStore, error)
	MarkDegraded(ctx context.Context, storeID, reason string) error
	ClearDegraded(ctx context.Context, storeID, sessionToken string) error
	UpdateSettings(ctx context.Context, storeID string, settings StoreSettings) (PlatformStore, error)
	Deactivate(ctx context.Context, storeID string) error
}

// ReviewQuery filters reviews for lifecycle sweeps.
type ReviewQuery struct {
	Status             ReplyStatus
	SchedulableBefore  *time.Time
	NextDeliveryBefore *time.Time
	Limit              int
}

// ReviewRepository persists reviews across the per-platform tables.
type ReviewRepository interface {
	// WithinTx runs fn as one unit of work scoped to a single store. Nothing
	// fn wrote is visible if it returns an error.
	WithinTx(ctx context.Context, store PlatformStore, fn func(tx ReviewTx) error) error
	Get(ctx context.Context, reviewID string) (Review, error)
	List(ctx context.Context, q ReviewQuery) ([]Review, error)
	// UpdateReply writes the reply fields only if the stored status still
	// equals from.
	UpdateReply(ctx context.Context, r Review, from ReplyStatus) error
}

// ReviewTx is the store-scoped unit of work used by ingestion.
type ReviewTx interface {
	FindByPlatformID(ctx context.Context, platformReviewID string) (Review, bool, error)
	FindByStableID(ctx context.Context, stableID string) (Review, bool, error)
	FindByContentNeighbor(ctx context.Context, content, neighbor identity.Hash) ([]Review, error)
	// Upsert inserts r or, on a key conflict, updates its mutable content
	// fields. Reply fields of an existing row are never touched.
	Upsert(ctx context.Context, r Review) (inserted bool, err error)
	ListOpen(ctx context.Context) ([]Review, error)
	UpdateSchedule(ctx context.Context, r Review) error
	TouchStore(ctx context.Context, crawledAt time.Time) error
}

// SessionLedger is the append-only record of crawl executions.
type SessionLedger interface {
	Start(ctx context.Context, session CrawlingSession) error
	MarkRunning(ctx context.Context, sessionID string) error
	Finish(ctx context.Context, sessionID string, result SessionResult) error
	Get(ctx context.Context, sessionID string) (CrawlingSession, error)
	ListByStore(ctx context.Context, storeID string, limit int) ([]CrawlingSession, error)
}

// Lease is a TTL-bounded mutual exclusion primitive.
type Lease interface {
	Acquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key, owner string) error
}

// Suggestion is candidate reply text from the generation collaborator.
type Suggestion struct {
	Text       string
	Confidence float64
}

// ReplyGenerator produces candidate reply text for a draft review.
type ReplyGenerator interface {
	Generate(ctx context.Context, r Review, store PlatformStore) (Suggestion, error)
}

// DeliveryReceipt is returned once a platform accepted a reply.
type DeliveryReceipt struct {
	PlatformReplyID string
}

// Deliverer posts an approved reply to its platform.
type Deliverer interface {
	Deliver(ctx context.Context, r Review, store PlatformStore) (DeliveryReceipt, error)
}

// Publisher pushes lifecycle events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// BlobStore writes raw capture artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces entity IDs.
type IDGenerator interface {
	NewID() (string, error)
}
