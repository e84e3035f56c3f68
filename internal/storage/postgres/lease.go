package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/JakeFAU/review-reply-crawler/internal/review"
)

// Lease implements review.Lease on the crawl_leases table so several
// replicas can share one scheduler.
type Lease struct {
	db    DB
	clock review.Clock
}

// NewLease constructs a Lease reading time from clock.
func NewLease(db DB, clock review.Clock) (*Lease, error) {
	if db == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	return &Lease{db: db, clock: clock}, nil
}

// Acquire inserts key for owner, extends it when owner already holds it and
// takes it over once the previous holder's lease has expired.
func (l *Lease) Acquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	now := l.clock.Now().UTC()
	tag, err := l.db.Exec(ctx, `INSERT INTO crawl_leases (key, owner, expires_at) VALUES ($1, $2, $3)
ON CONFLICT (key) DO UPDATE SET owner = EXCLUDED.owner, expires_at = EXCLUDED.expires_at
WHERE crawl_leases.owner = EXCLUDED.owner OR crawl_leases.expires_at <= $4`,
		key, owner, now.Add(ttl), now)
	if err != nil {
		return false, fmt.Errorf("acquire lease %s: %w", key, err)
	}
	return tag.RowsAffected() == 1, nil
}

// Release drops key if owner still holds it.
func (l *Lease) Release(ctx context.Context, key, owner string) error {
	if _, err := l.db.Exec(ctx, `DELETE FROM crawl_leases WHERE key = $1 AND owner = $2`, key, owner); err != nil {
		return fmt.Errorf("release lease %s: %w", key, err)
	}
	return nil
}
