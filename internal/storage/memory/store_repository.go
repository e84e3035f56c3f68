package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/review-reply-crawler/internal/review"
)

// StoreRepository keeps platform stores in a map keyed by id.
type StoreRepository struct {
	mu     sync.RWMutex
	stores map[string]review.PlatformStore
}

// NewStoreRepository constructs an empty StoreRepository.
func NewStoreRepository() *StoreRepository {
	return &StoreRepository{
		stores: make(map[string]review.PlatformStore),
	}
}

// Connect creates a store or, when (owner, platform, external id) already
// exists, refreshes its credential and reactivates it.
func (s *StoreRepository) Connect(_ context.Context, store review.PlatformStore) (review.PlatformStore, error) {
	if !store.Platform.Valid() {
		return review.PlatformStore{}, fmt.Errorf("unknown platform %q", store.Platform)
	}
	if store.ID == "" || store.OwnerID == "" || store.ExternalStoreID == "" {
		return review.PlatformStore{}, fmt.Errorf("store id, owner id and external store id are required")
	}
	if store.AutomationMode == "" {
		store.AutomationMode = review.AutomationManual
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, existing := range s.stores {
		if existing.OwnerID == store.OwnerID &&
			existing.Platform == store.Platform &&
			existing.ExternalStoreID == store.ExternalStoreID {
			existing.SessionToken = store.SessionToken
			existing.Active = true
			existing.CrawlDegraded = false
			existing.DegradedReason = ""
			s.stores[id] = existing
			return existing, nil
		}
	}
	if _, exists := s.stores[store.ID]; exists {
		return review.PlatformStore{}, &review.DataIntegrityError{Key: store.ID, Reason: "store id already exists"}
	}
	store.Active = true
	s.stores[store.ID] = store
	return store, nil
}

// Get returns a store by id.
func (s *StoreRepository) Get(_ context.Context, storeID string) (review.PlatformStore, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	store, ok := s.stores[storeID]
	if !ok {
		return review.PlatformStore{}, fmt.Errorf("store %s: %w", storeID, review.ErrNotFound)
	}
	return store, nil
}

// ListEligible returns crawlable stores, never-crawled first and then the
// longest-waiting ones.
func (s *StoreRepository) ListEligible(
	_ context.Context,
	now time.Time,
	minInterval time.Duration,
) ([]review.PlatformStore, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]review.PlatformStore, 0)
	for _, store := range s.stores {
		if store.Eligible(now, minInterval) {
			out = append(out, store)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].LastCrawledAt, out[j].LastCrawledAt
		switch {
		case a == nil && b != nil:
			return true
		case a != nil && b == nil:
			return false
		case a != nil && b != nil && !a.Equal(*b):
			return a.Before(*b)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// MarkDegraded flags the store as needing re-authentication.
func (s *StoreRepository) MarkDegraded(_ context.Context, storeID, reason string) error {
	return s.update(storeID, func(st *review.PlatformStore) {
		st.CrawlDegraded = true
		st.DegradedReason = reason
	})
}

// ClearDegraded stores a fresh credential and re-enables selection.
func (s *StoreRepository) ClearDegraded(_ context.Context, storeID, sessionToken string) error {
	return s.update(storeID, func(st *review.PlatformStore) {
		st.CrawlDegraded = false
		st.DegradedReason = ""
		st.SessionToken = sessionToken
	})
}

// UpdateSettings replaces the owner-editable settings of a store.
func (s *StoreRepository) UpdateSettings(
	_ context.Context,
	storeID string,
	settings review.StoreSettings,
) (review.PlatformStore, error) {
	var updated review.PlatformStore
	err := s.update(storeID, func(st *review.PlatformStore) {
		st.CrawlingEnabled = settings.CrawlingEnabled
		st.AutomationMode = settings.AutomationMode
		st.CrawlInterval = settings.CrawlInterval
		st.AutoApprovalDelayHours = settings.AutoApprovalDelayHours
		st.ReplyTone = settings.ReplyTone
		updated = *st
	})
	return updated, err
}

// Deactivate soft-deletes a store; its reviews are kept.
func (s *StoreRepository) Deactivate(_ context.Context, storeID string) error {
	return s.update(storeID, func(st *review.PlatformStore) {
		st.Active = false
	})
}

func (s *StoreRepository) touch(storeID string, crawledAt time.Time) error {
	return s.update(storeID, func(st *review.PlatformStore) {
		ts := crawledAt
		st.LastCrawledAt = &ts
	})
}

func (s *StoreRepository) update(storeID string, fn func(*review.PlatformStore)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	store, ok := s.stores[storeID]
	if !ok {
		return fmt.Errorf("store %s: %w", storeID, review.ErrNotFound)
	}
	fn(&store)
	s.stores[storeID] = store
	return nil
}
