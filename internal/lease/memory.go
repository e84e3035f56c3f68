// Package lease provides TTL-bounded mutual exclusion for the scheduler and
// per-store crawls.
//
// A lease is held by one owner until it is released or its TTL lapses; an
// expired lease can be taken over by anyone. Owners are per-acquisition
// tokens from Token; re-acquiring with the same token extends the lease,
// which is how Keep renews holders running longer than the TTL.
package lease

import (
	"context"
	"sync"
	"time"

	"github.com/JakeFAU/review-reply-crawler/internal/review"
)

type entry struct {
	owner     string
	expiresAt time.Time
}

// Memory is a process-local lease table.
type Memory struct {
	mu      sync.Mutex
	clock   review.Clock
	entries map[string]entry
}

// NewMemory creates an empty lease table reading time from clock.
func NewMemory(clock review.Clock) *Memory {
	return &Memory{
		clock:   clock,
		entries: make(map[string]entry),
	}
}

// Acquire takes or extends key for owner. It returns false while another
// owner holds an unexpired lease.
func (m *Memory) Acquire(_ context.Context, key, owner string, ttl time.Duration) (bool, error) {
	now := m.clock.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.entries[key]; ok && cur.owner != owner && now.Before(cur.expiresAt) {
		return false, nil
	}
	m.entries[key] = entry{owner: owner, expiresAt: now.Add(ttl)}
	return true, nil
}

// Release drops key if owner still holds it. Releasing a lease held by
// someone else is a no-op.
func (m *Memory) Release(_ context.Context, key, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.entries[key]; ok && cur.owner == owner {
		delete(m.entries, key)
	}
	return nil
}

// Holder reports the current unexpired owner of key.
func (m *Memory) Holder(key string) (string, bool) {
	now := m.clock.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.entries[key]
	if !ok || !now.Before(cur.expiresAt) {
		return "", false
	}
	return cur.owner, true
}

// SchedulerKey is the lease key guarding whole cycles.
const SchedulerKey = "scheduler"

// StoreKey is the lease key guarding one store's crawl.
func StoreKey(storeID string) string {
	return "store:" + storeID
}
