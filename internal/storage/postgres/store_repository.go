package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/review-reply-crawler/internal/review"
)

const storeColumns = `id, owner_id, owner_active, platform, external_store_id, crawling_enabled,
	automation_mode, crawl_interval_seconds, auto_approval_delay_hours, last_crawled_at,
	crawl_degraded, degraded_reason, active, reply_tone, session_token`

// StoreRepository persists platform stores in the platform_stores table.
type StoreRepository struct {
	db DB
}

// NewStoreRepository constructs a StoreRepository over db.
func NewStoreRepository(db DB) (*StoreRepository, error) {
	if db == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &StoreRepository{db: db}, nil
}

// Connect inserts a store. Reconnecting an existing (owner, platform,
// external id) refreshes its credential and reactivates it.
func (s *StoreRepository) Connect(ctx context.Context, store review.PlatformStore) (review.PlatformStore, error) {
	if !store.Platform.Valid() {
		return review.PlatformStore{}, fmt.Errorf("unknown platform %q", store.Platform)
	}
	if store.ID == "" || store.OwnerID == "" || store.ExternalStoreID == "" {
		return review.PlatformStore{}, fmt.Errorf("store id, owner id and external store id are required")
	}
	if store.AutomationMode == "" {
		store.AutomationMode = review.AutomationManual
	}
	query := `INSERT INTO platform_stores (
	id, owner_id, owner_active, platform, external_store_id, crawling_enabled,
	automation_mode, crawl_interval_seconds, auto_approval_delay_hours, reply_tone, session_token, active
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, TRUE)
ON CONFLICT (owner_id, platform, external_store_id) DO UPDATE SET
	session_token = EXCLUDED.session_token,
	active = TRUE,
	crawl_degraded = FALSE,
	degraded_reason = ''
RETURNING ` + storeColumns
	row := s.db.QueryRow(ctx, query,
		store.ID,
		store.OwnerID,
		store.OwnerActive,
		string(store.Platform),
		store.ExternalStoreID,
		store.CrawlingEnabled,
		string(store.AutomationMode),
		int64(store.CrawlInterval/time.Second),
		store.AutoApprovalDelayHours,
		store.ReplyTone,
		store.SessionToken,
	)
	out, err := scanStore(row)
	if err != nil {
		return review.PlatformStore{}, mapError(err, "store "+store.ID)
	}
	return out, nil
}

// Get returns a store by id.
func (s *StoreRepository) Get(ctx context.Context, storeID string) (review.PlatformStore, error) {
	row := s.db.QueryRow(ctx, `SELECT `+storeColumns+` FROM platform_stores WHERE id = $1`, storeID)
	out, err := scanStore(row)
	if err != nil {
		return review.PlatformStore{}, mapError(err, "store "+storeID)
	}
	return out, nil
}

// ListEligible returns crawlable stores, never-crawled first and then the
// longest-waiting ones. A store's own interval wins when it exceeds
// minInterval.
func (s *StoreRepository) ListEligible(
	ctx context.Context,
	now time.Time,
	minInterval time.Duration,
) ([]review.PlatformStore, error) {
	query := `SELECT ` + storeColumns + ` FROM platform_stores
WHERE active AND crawling_enabled AND owner_active AND NOT crawl_degraded
	AND (last_crawled_at IS NULL
		OR last_crawled_at <= $1 - make_interval(secs => GREATEST(crawl_interval_seconds, $2::bigint)))
ORDER BY last_crawled_at ASC NULLS FIRST, id ASC`
	rows, err := s.db.Query(ctx, query, now.UTC(), int64(minInterval/time.Second))
	if err != nil {
		return nil, fmt.Errorf("list eligible stores: %w", err)
	}
	defer rows.Close()
	out := make([]review.PlatformStore, 0)
	for rows.Next() {
		store, err := scanStore(rows)
		if err != nil {
			return nil, fmt.Errorf("scan store: %w", err)
		}
		out = append(out, store)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list eligible stores: %w", err)
	}
	return out, nil
}

// MarkDegraded flags the store as needing re-authentication.
func (s *StoreRepository) MarkDegraded(ctx context.Context, storeID, reason string) error {
	return s.exec(ctx, storeID,
		`UPDATE platform_stores SET crawl_degraded = TRUE, degraded_reason = $2 WHERE id = $1`,
		storeID, reason)
}

// ClearDegraded stores a fresh credential and re-enables selection.
func (s *StoreRepository) ClearDegraded(ctx context.Context, storeID, sessionToken string) error {
	return s.exec(ctx, storeID,
		`UPDATE platform_stores SET crawl_degraded = FALSE, degraded_reason = '', session_token = $2 WHERE id = $1`,
		storeID, sessionToken)
}

// UpdateSettings replaces the owner-editable settings of a store.
func (s *StoreRepository) UpdateSettings(
	ctx context.Context,
	storeID string,
	settings review.StoreSettings,
) (review.PlatformStore, error) {
	query := `UPDATE platform_stores SET
	crawling_enabled = $2,
	automation_mode = $3,
	crawl_interval_seconds = $4,
	auto_approval_delay_hours = $5,
	reply_tone = $6
WHERE id = $1
RETURNING ` + storeColumns
	row := s.db.QueryRow(ctx, query,
		storeID,
		settings.CrawlingEnabled,
		string(settings.AutomationMode),
		int64(settings.CrawlInterval/time.Second),
		settings.AutoApprovalDelayHours,
		settings.ReplyTone,
	)
	out, err := scanStore(row)
	if err != nil {
		return review.PlatformStore{}, mapError(err, "store "+storeID)
	}
	return out, nil
}

// Deactivate soft-deletes a store; its reviews are kept.
func (s *StoreRepository) Deactivate(ctx context.Context, storeID string) error {
	return s.exec(ctx, storeID, `UPDATE platform_stores SET active = FALSE WHERE id = $1`, storeID)
}

func (s *StoreRepository) exec(ctx context.Context, storeID, query string, args ...any) error {
	tag, err := s.db.Exec(ctx, query, args...)
	if err != nil {
		return mapError(err, "store "+storeID)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("store %s: %w", storeID, review.ErrNotFound)
	}
	return nil
}

func touchStore(ctx context.Context, q querier, storeID string, crawledAt time.Time) error {
	tag, err := q.Exec(ctx, `UPDATE platform_stores SET last_crawled_at = $2 WHERE id = $1`, storeID, crawledAt.UTC())
	if err != nil {
		return mapError(err, "store "+storeID)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("store %s: %w", storeID, review.ErrNotFound)
	}
	return nil
}

func scanStore(row pgx.Row) (review.PlatformStore, error) {
	var (
		s               review.PlatformStore
		platform        string
		mode            string
		intervalSeconds int64
	)
	err := row.Scan(
		&s.ID,
		&s.OwnerID,
		&s.OwnerActive,
		&platform,
		&s.ExternalStoreID,
		&s.CrawlingEnabled,
		&mode,
		&intervalSeconds,
		&s.AutoApprovalDelayHours,
		&s.LastCrawledAt,
		&s.CrawlDegraded,
		&s.DegradedReason,
		&s.Active,
		&s.ReplyTone,
		&s.SessionToken,
	)
	if err != nil {
		return review.PlatformStore{}, err
	}
	s.Platform = review.Platform(platform)
	s.AutomationMode = review.AutomationMode(mode)
	s.CrawlInterval = time.Duration(intervalSeconds) * time.Second
	return s, nil
}
