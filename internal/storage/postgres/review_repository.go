package postgres

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/review-reply-crawler/internal/identity"
	"github.com/JakeFAU/review-reply-crawler/internal/review"
)

const reviewColumns = `id, store_id, platform, COALESCE(platform_review_id, '') AS platform_review_id,
	COALESCE(stable_id, '') AS stable_id,
	reviewer_name, rating_overall, rating_aspects, review_text, review_date, order_menu, photos,
	reply_text, reply_confidence, reply_status, requires_approval, schedulable_reply_date,
	reply_error, delivery_attempts, next_delivery_at, reply_posted_at, platform_reply_id,
	identity, metadata, first_seen_at, last_seen_at`

// ReviewRepository persists reviews in one table per platform.
type ReviewRepository struct {
	db     DB
	tables Tables
}

// NewReviewRepository constructs a ReviewRepository over db.
func NewReviewRepository(db DB, tables Tables) (*ReviewRepository, error) {
	if db == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if len(tables) == 0 {
		return nil, fmt.Errorf("review tables are required")
	}
	for p, table := range tables {
		if !validTableName.MatchString(table) {
			return nil, fmt.Errorf("invalid table name %q for %s", table, p)
		}
	}
	return &ReviewRepository{db: db, tables: tables}, nil
}

// WithinTx runs fn inside one database transaction on the store's platform
// table. The transaction is committed only when fn returns nil.
func (r *ReviewRepository) WithinTx(
	ctx context.Context,
	store review.PlatformStore,
	fn func(tx review.ReviewTx) error,
) (err error) {
	table, err := r.tables.lookup(store.Platform)
	if err != nil {
		return err
	}
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin review tx: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(context.WithoutCancel(ctx)); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
				err = errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
			}
		}
	}()
	if err = fn(&reviewTx{tx: tx, table: table, store: store}); err != nil {
		return err
	}
	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Get looks a review up by id across every platform table.
func (r *ReviewRepository) Get(ctx context.Context, reviewID string) (review.Review, error) {
	query := `SELECT * FROM (` + r.union() + `) AS reviews WHERE id = $1 LIMIT 1`
	out, err := scanReview(r.db.QueryRow(ctx, query, reviewID))
	if err != nil {
		return review.Review{}, mapError(err, "review "+reviewID)
	}
	return out, nil
}

// List returns reviews matching q ordered by review date then id.
func (r *ReviewRepository) List(ctx context.Context, q review.ReviewQuery) ([]review.Review, error) {
	var (
		where []string
		args  []any
	)
	if q.Status != "" {
		args = append(args, string(q.Status))
		where = append(where, fmt.Sprintf("reply_status = $%d", len(args)))
	}
	if q.SchedulableBefore != nil {
		args = append(args, q.SchedulableBefore.UTC())
		where = append(where, fmt.Sprintf("schedulable_reply_date IS NOT NULL AND schedulable_reply_date <= $%d", len(args)))
	}
	if q.NextDeliveryBefore != nil {
		args = append(args, q.NextDeliveryBefore.UTC())
		where = append(where, fmt.Sprintf("(next_delivery_at IS NULL OR next_delivery_at <= $%d)", len(args)))
	}
	query := `SELECT * FROM (` + r.union() + `) AS reviews`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY review_date ASC, id ASC`
	if q.Limit > 0 {
		args = append(args, q.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	return queryReviews(ctx, r.db, query, args...)
}

// UpdateReply writes the reply fields of rv if the stored status is still
// from.
func (r *ReviewRepository) UpdateReply(ctx context.Context, rv review.Review, from review.ReplyStatus) error {
	table, err := r.tables.lookup(rv.Platform)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`UPDATE %s SET
	reply_text = $3,
	reply_confidence = $4,
	reply_status = $5,
	requires_approval = $6,
	schedulable_reply_date = $7,
	reply_error = $8,
	delivery_attempts = $9,
	next_delivery_at = $10,
	reply_posted_at = $11,
	platform_reply_id = $12
WHERE id = $1 AND reply_status = $2`, table)
	tag, err := r.db.Exec(ctx, query,
		rv.ID,
		string(from),
		rv.ReplyText,
		rv.ReplyConfidence,
		string(rv.ReplyStatus),
		rv.RequiresApproval,
		rv.SchedulableReplyDate,
		rv.ReplyError,
		rv.DeliveryAttempts,
		rv.NextDeliveryAt,
		rv.ReplyPostedAt,
		rv.PlatformReplyID,
	)
	if err != nil {
		return mapError(err, "review "+rv.ID)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	current, err := replyStatus(ctx, r.db, table, rv.ID)
	if err != nil {
		return err
	}
	return fmt.Errorf("review %s is %s, expected %s: %w", rv.ID, current, from, review.ErrInvalidTransition)
}

func (r *ReviewRepository) union() string {
	names := make([]string, 0, len(r.tables))
	for _, table := range r.tables {
		names = append(names, table)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, table := range names {
		parts = append(parts, fmt.Sprintf("SELECT %s FROM %s", reviewColumns, table))
	}
	return strings.Join(parts, " UNION ALL ")
}

type reviewTx struct {
	tx    pgx.Tx
	table string
	store review.PlatformStore
}

func (t *reviewTx) FindByPlatformID(ctx context.Context, platformReviewID string) (review.Review, bool, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE store_id = $1 AND platform_review_id = $2`, reviewColumns, t.table)
	return t.findOne(ctx, query, t.store.ID, platformReviewID)
}

func (t *reviewTx) FindByStableID(ctx context.Context, stableID string) (review.Review, bool, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE store_id = $1 AND stable_id = $2`, reviewColumns, t.table)
	return t.findOne(ctx, query, t.store.ID, stableID)
}

func (t *reviewTx) FindByContentNeighbor(ctx context.Context, content, neighbor identity.Hash) ([]review.Review, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s
WHERE store_id = $1 AND content_hash = $2 AND neighbor_hash = $3
ORDER BY id`, reviewColumns, t.table)
	return queryReviews(ctx, t.tx, query, t.store.ID, content.String(), neighbor.String())
}

// Upsert runs under a savepoint so a rejected record leaves the surrounding
// transaction usable for the rest of the batch.
func (t *reviewTx) Upsert(ctx context.Context, r review.Review) (bool, error) {
	if r.StoreID != t.store.ID {
		return false, &review.DataIntegrityError{Key: r.ID, Reason: "review belongs to another store"}
	}
	if r.PlatformReviewID == "" && r.StableID == "" {
		return false, &review.DataIntegrityError{Key: r.ID, Reason: "review has neither platform review id nor stable id"}
	}
	args, err := upsertArgs(r)
	if err != nil {
		return false, err
	}
	conflict := "store_id, stable_id"
	if t.store.Platform.NativeIDs() {
		conflict = "store_id, platform_review_id"
	}
	query := fmt.Sprintf(`INSERT INTO %[1]s (
	id, store_id, platform, platform_review_id, stable_id, reviewer_name, rating_overall,
	rating_aspects, review_text, review_date, order_menu, photos, reply_status,
	requires_approval, schedulable_reply_date, identity, content_hash, neighbor_hash,
	metadata, first_seen_at, last_seen_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)
ON CONFLICT (%[2]s) DO UPDATE SET
	reviewer_name = EXCLUDED.reviewer_name,
	rating_overall = EXCLUDED.rating_overall,
	rating_aspects = EXCLUDED.rating_aspects,
	review_text = EXCLUDED.review_text,
	order_menu = EXCLUDED.order_menu,
	photos = EXCLUDED.photos,
	metadata = EXCLUDED.metadata,
	last_seen_at = EXCLUDED.last_seen_at,
	identity = COALESCE(EXCLUDED.identity, %[1]s.identity),
	content_hash = COALESCE(EXCLUDED.content_hash, %[1]s.content_hash),
	neighbor_hash = COALESCE(EXCLUDED.neighbor_hash, %[1]s.neighbor_hash)
RETURNING (xmax = 0)`, t.table, conflict)

	if _, err := t.tx.Exec(ctx, "SAVEPOINT review_upsert"); err != nil {
		return false, fmt.Errorf("savepoint: %w", err)
	}
	var inserted bool
	if err := t.tx.QueryRow(ctx, query, args...).Scan(&inserted); err != nil {
		if _, rbErr := t.tx.Exec(ctx, "ROLLBACK TO SAVEPOINT review_upsert"); rbErr != nil {
			return false, errors.Join(mapError(err, "review "+r.ID), fmt.Errorf("rollback to savepoint: %w", rbErr))
		}
		return false, mapError(err, "review "+r.ID)
	}
	if _, err := t.tx.Exec(ctx, "RELEASE SAVEPOINT review_upsert"); err != nil {
		return false, fmt.Errorf("release savepoint: %w", err)
	}
	return inserted, nil
}

func (t *reviewTx) ListOpen(ctx context.Context) ([]review.Review, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE store_id = $1 AND reply_status <> $2 ORDER BY id`, reviewColumns, t.table)
	return queryReviews(ctx, t.tx, query, t.store.ID, string(review.ReplySent))
}

func (t *reviewTx) UpdateSchedule(ctx context.Context, r review.Review) error {
	query := fmt.Sprintf(`UPDATE %s SET requires_approval = $3, schedulable_reply_date = $4
WHERE id = $1 AND store_id = $2 AND reply_status <> $5`, t.table)
	tag, err := t.tx.Exec(ctx, query, r.ID, t.store.ID, r.RequiresApproval, r.SchedulableReplyDate, string(review.ReplySent))
	if err != nil {
		return mapError(err, "review "+r.ID)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	if _, err := replyStatus(ctx, t.tx, t.table, r.ID); err != nil {
		return err
	}
	return fmt.Errorf("review %s: %w", r.ID, review.ErrReplyImmutable)
}

func (t *reviewTx) TouchStore(ctx context.Context, crawledAt time.Time) error {
	return touchStore(ctx, t.tx, t.store.ID, crawledAt)
}

func (t *reviewTx) findOne(ctx context.Context, query string, args ...any) (review.Review, bool, error) {
	out, err := scanReview(t.tx.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return review.Review{}, false, nil
	}
	if err != nil {
		return review.Review{}, false, fmt.Errorf("find review: %w", err)
	}
	return out, true, nil
}

func replyStatus(ctx context.Context, q querier, table, reviewID string) (review.ReplyStatus, error) {
	var status string
	err := q.QueryRow(ctx, fmt.Sprintf(`SELECT reply_status FROM %s WHERE id = $1`, table), reviewID).Scan(&status)
	if err != nil {
		return "", mapError(err, "review "+reviewID)
	}
	return review.ReplyStatus(status), nil
}

func upsertArgs(r review.Review) ([]any, error) {
	aspects, err := marshalJSON(r.Ratings.Aspects)
	if err != nil {
		return nil, err
	}
	menu, err := marshalJSON(r.OrderMenu)
	if err != nil {
		return nil, err
	}
	photos, err := marshalJSON(r.Photos)
	if err != nil {
		return nil, err
	}
	metadata, err := marshalJSON(r.Metadata)
	if err != nil {
		return nil, err
	}
	var (
		ident             []byte
		content, neighbor *string
	)
	if r.Identity != nil {
		if ident, err = marshalJSON(r.Identity); err != nil {
			return nil, err
		}
		content = nullString(r.Identity.ContentHash.String())
		neighbor = nullString(r.Identity.NeighborHash.String())
	}
	status := r.ReplyStatus
	if status == "" {
		status = review.ReplyDraft
	}
	return []any{
		r.ID,
		r.StoreID,
		string(r.Platform),
		nullString(r.PlatformReviewID),
		nullString(r.StableID),
		r.ReviewerName,
		r.Ratings.Overall,
		aspects,
		r.Text,
		r.ReviewDate.UTC(),
		menu,
		photos,
		string(status),
		r.RequiresApproval,
		r.SchedulableReplyDate,
		ident,
		content,
		neighbor,
		metadata,
		r.FirstSeenAt.UTC(),
		r.LastSeenAt.UTC(),
	}, nil
}

func queryReviews(ctx context.Context, q querier, query string, args ...any) ([]review.Review, error) {
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query reviews: %w", err)
	}
	defer rows.Close()
	out := make([]review.Review, 0)
	for rows.Next() {
		r, err := scanReview(rows)
		if err != nil {
			return nil, fmt.Errorf("scan review: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query reviews: %w", err)
	}
	return out, nil
}

func scanReview(row pgx.Row) (review.Review, error) {
	var (
		r                                review.Review
		platform, status                 string
		aspects, menu, photos, ident, md []byte
	)
	err := row.Scan(
		&r.ID,
		&r.StoreID,
		&platform,
		&r.PlatformReviewID,
		&r.StableID,
		&r.ReviewerName,
		&r.Ratings.Overall,
		&aspects,
		&r.Text,
		&r.ReviewDate,
		&menu,
		&photos,
		&r.ReplyText,
		&r.ReplyConfidence,
		&status,
		&r.RequiresApproval,
		&r.SchedulableReplyDate,
		&r.ReplyError,
		&r.DeliveryAttempts,
		&r.NextDeliveryAt,
		&r.ReplyPostedAt,
		&r.PlatformReplyID,
		&ident,
		&md,
		&r.FirstSeenAt,
		&r.LastSeenAt,
	)
	if err != nil {
		return review.Review{}, err
	}
	r.Platform = review.Platform(platform)
	r.ReplyStatus = review.ReplyStatus(status)
	if err := unmarshalJSON(aspects, &r.Ratings.Aspects); err != nil {
		return review.Review{}, err
	}
	if err := unmarshalJSON(menu, &r.OrderMenu); err != nil {
		return review.Review{}, err
	}
	if err := unmarshalJSON(photos, &r.Photos); err != nil {
		return review.Review{}, err
	}
	if err := unmarshalJSON(md, &r.Metadata); err != nil {
		return review.Review{}, err
	}
	if len(ident) > 0 && string(ident) != "null" {
		var c identity.Components
		if err := unmarshalJSON(ident, &c); err != nil {
			return review.Review{}, err
		}
		r.Identity = &c
	}
	return r, nil
}
