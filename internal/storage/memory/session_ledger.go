package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/JakeFAU/review-reply-crawler/internal/review"
)

// SessionLedger is an append-only in-memory crawling session record.
type SessionLedger struct {
	mu       sync.RWMutex
	sessions map[string]review.CrawlingSession
}

// NewSessionLedger constructs an empty ledger.
func NewSessionLedger() *SessionLedger {
	return &SessionLedger{
		sessions: make(map[string]review.CrawlingSession),
	}
}

// Start records a new pending session.
func (l *SessionLedger) Start(_ context.Context, session review.CrawlingSession) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.sessions[session.ID]; exists {
		return &review.DataIntegrityError{Key: session.ID, Reason: "session already exists"}
	}
	if session.Status == "" {
		session.Status = review.SessionPending
	}
	l.sessions[session.ID] = session
	return nil
}

// MarkRunning moves a pending session to running.
func (l *SessionLedger) MarkRunning(_ context.Context, sessionID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	session, ok := l.sessions[sessionID]
	if !ok {
		return fmt.Errorf("session %s: %w", sessionID, review.ErrNotFound)
	}
	if session.Status.Terminal() {
		return fmt.Errorf("session %s: %w", sessionID, review.ErrSessionFinalized)
	}
	session.Status = review.SessionRunning
	l.sessions[sessionID] = session
	return nil
}

// Finish writes the terminal outcome. A finalized session never changes.
func (l *SessionLedger) Finish(_ context.Context, sessionID string, result review.SessionResult) error {
	if !result.Status.Terminal() {
		return fmt.Errorf("finish session %s with non-terminal status %q", sessionID, result.Status)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	session, ok := l.sessions[sessionID]
	if !ok {
		return fmt.Errorf("session %s: %w", sessionID, review.ErrNotFound)
	}
	if session.Status.Terminal() {
		return fmt.Errorf("session %s: %w", sessionID, review.ErrSessionFinalized)
	}
	completed := result.CompletedAt
	session.Status = result.Status
	session.Counts = result.Counts
	session.RetryCount = result.RetryCount
	session.ErrorDetail = result.ErrorDetail
	session.CaptureURI = result.CaptureURI
	session.CompletedAt = &completed
	l.sessions[sessionID] = session
	return nil
}

// Get returns a session by id.
func (l *SessionLedger) Get(_ context.Context, sessionID string) (review.CrawlingSession, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	session, ok := l.sessions[sessionID]
	if !ok {
		return review.CrawlingSession{}, fmt.Errorf("session %s: %w", sessionID, review.ErrNotFound)
	}
	return session, nil
}

// ListByStore returns a store's sessions newest first.
func (l *SessionLedger) ListByStore(_ context.Context, storeID string, limit int) ([]review.CrawlingSession, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]review.CrawlingSession, 0)
	for _, s := range l.sessions {
		if s.StoreID == storeID {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.After(out[j].StartedAt)
		}
		return out[i].ID > out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
