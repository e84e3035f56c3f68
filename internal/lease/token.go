package lease

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/review-reply-crawler/internal/review"
)

// Token returns a holder token unique to one acquisition. owner is a
// readable prefix; two calls never return the same token, so two holders
// sharing an owner name still exclude each other.
func Token(owner string) string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return fmt.Sprintf("%s/%s/%d/%s", owner, host, os.Getpid(), uuid.NewString())
}

// Keep renews key for token every ttl/3 until the returned stop function is
// called. lost is invoked once if a renewal fails or finds the lease taken.
// stop blocks until the renewer has exited.
func Keep(ctx context.Context, l review.Lease, key, token string, ttl time.Duration, lost func(error)) (stop func()) {
	interval := ttl / 3
	if interval <= 0 {
		return func() {}
	}
	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				ok, err := l.Acquire(ctx, key, token, ttl)
				if ctx.Err() != nil {
					return
				}
				if err == nil && !ok {
					err = review.ErrLeaseHeld
				}
				if err != nil {
					if lost != nil {
						lost(fmt.Errorf("renew lease %s: %w", key, err))
					}
					return
				}
			}
		}
	}()
	return func() {
		cancel()
		wg.Wait()
	}
}

// ReplyKey is the lease key guarding one review's reply delivery.
func ReplyKey(reviewID string) string {
	return "reply:" + reviewID
}
