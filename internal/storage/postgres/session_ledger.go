package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/review-reply-crawler/internal/review"
)

const sessionColumns = `id, store_id, platform, status, started_at, completed_at,
	found, new, updated, unchanged, skipped, retry_count, error_detail, capture_uri`

// SessionLedger writes crawling sessions to the crawling_sessions table.
// Terminal rows are never updated.
type SessionLedger struct {
	db DB
}

// NewSessionLedger constructs a SessionLedger over db.
func NewSessionLedger(db DB) (*SessionLedger, error) {
	if db == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &SessionLedger{db: db}, nil
}

// Start records a new session, pending unless session.Status says otherwise.
func (l *SessionLedger) Start(ctx context.Context, session review.CrawlingSession) error {
	if session.Status == "" {
		session.Status = review.SessionPending
	}
	_, err := l.db.Exec(ctx, `INSERT INTO crawling_sessions (id, store_id, platform, status, started_at)
VALUES ($1, $2, $3, $4, $5)`,
		session.ID,
		session.StoreID,
		string(session.Platform),
		string(session.Status),
		session.StartedAt.UTC(),
	)
	return mapError(err, "session "+session.ID)
}

// MarkRunning moves a pending session to running.
func (l *SessionLedger) MarkRunning(ctx context.Context, sessionID string) error {
	tag, err := l.db.Exec(ctx, `UPDATE crawling_sessions SET status = $2
WHERE id = $1 AND status NOT IN ($3, $4)`,
		sessionID,
		string(review.SessionRunning),
		string(review.SessionCompleted),
		string(review.SessionFailed),
	)
	if err != nil {
		return mapError(err, "session "+sessionID)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	return l.explainMiss(ctx, sessionID)
}

// Finish writes the terminal outcome once.
func (l *SessionLedger) Finish(ctx context.Context, sessionID string, result review.SessionResult) error {
	if !result.Status.Terminal() {
		return fmt.Errorf("finish session %s with non-terminal status %q", sessionID, result.Status)
	}
	tag, err := l.db.Exec(ctx, `UPDATE crawling_sessions SET
	status = $2,
	completed_at = $3,
	found = $4,
	new = $5,
	updated = $6,
	unchanged = $7,
	skipped = $8,
	retry_count = $9,
	error_detail = $10,
	capture_uri = $11
WHERE id = $1 AND status NOT IN ($12, $13)`,
		sessionID,
		string(result.Status),
		result.CompletedAt.UTC(),
		result.Counts.Found,
		result.Counts.New,
		result.Counts.Updated,
		result.Counts.Unchanged,
		result.Counts.Skipped,
		result.RetryCount,
		result.ErrorDetail,
		result.CaptureURI,
		string(review.SessionCompleted),
		string(review.SessionFailed),
	)
	if err != nil {
		return mapError(err, "session "+sessionID)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	return l.explainMiss(ctx, sessionID)
}

// Get returns a session by id.
func (l *SessionLedger) Get(ctx context.Context, sessionID string) (review.CrawlingSession, error) {
	row := l.db.QueryRow(ctx, `SELECT `+sessionColumns+` FROM crawling_sessions WHERE id = $1`, sessionID)
	s, err := scanSession(row)
	if err != nil {
		return review.CrawlingSession{}, mapError(err, "session "+sessionID)
	}
	return s, nil
}

// ListByStore returns a store's sessions newest first. A non-positive limit
// returns all of them.
func (l *SessionLedger) ListByStore(ctx context.Context, storeID string, limit int) ([]review.CrawlingSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM crawling_sessions WHERE store_id = $1
ORDER BY started_at DESC, id DESC`
	args := []any{storeID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := l.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions for store %s: %w", storeID, err)
	}
	defer rows.Close()
	out := make([]review.CrawlingSession, 0)
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list sessions for store %s: %w", storeID, err)
	}
	return out, nil
}

func (l *SessionLedger) explainMiss(ctx context.Context, sessionID string) error {
	var status string
	err := l.db.QueryRow(ctx, `SELECT status FROM crawling_sessions WHERE id = $1`, sessionID).Scan(&status)
	if err != nil {
		return mapError(err, "session "+sessionID)
	}
	return fmt.Errorf("session %s: %w", sessionID, review.ErrSessionFinalized)
}

func scanSession(row pgx.Row) (review.CrawlingSession, error) {
	var (
		s        review.CrawlingSession
		platform string
		status   string
	)
	err := row.Scan(
		&s.ID,
		&s.StoreID,
		&platform,
		&status,
		&s.StartedAt,
		&s.CompletedAt,
		&s.Counts.Found,
		&s.Counts.New,
		&s.Counts.Updated,
		&s.Counts.Unchanged,
		&s.Counts.Skipped,
		&s.RetryCount,
		&s.ErrorDetail,
		&s.CaptureURI,
	)
	if err != nil {
		return review.CrawlingSession{}, err
	}
	s.Platform = review.Platform(platform)
	s.Status = review.SessionStatus(status)
	return s, nil
}
