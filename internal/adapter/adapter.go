// Package adapter holds the platform adapter registry and the pieces shared
// by the concrete adapters: page fetching, rate limiting and upstream error
// classification.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/JakeFAU/review-reply-crawler/internal/review"
)

// PageRequest asks a fetcher for one listing page.
type PageRequest struct {
	URL     string
	Headers http.Header
	// RateKey selects the token bucket; usually the platform name.
	RateKey string
}

// Page is a fetched HTML document.
type Page struct {
	URL        string
	StatusCode int
	Body       []byte
	FetchedAt  time.Time
	Rendered   bool
}

// PageFetcher retrieves HTML pages, statically or through a browser.
type PageFetcher interface {
	FetchPage(ctx context.Context, req PageRequest) (Page, error)
}

// RateLimiter blocks until the upstream identified by key may be called.
type RateLimiter interface {
	Wait(ctx context.Context, key string) error
}

// StatusError is a non-success upstream HTTP status.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: unexpected status %d", e.URL, e.StatusCode)
}

// Classify maps a fetch failure onto the review error taxonomy: 401/403
// become review.ErrAuthExpired; 408, 429, 5xx and network timeouts become
// *review.TransientFetchError. Anything else is returned unchanged.
func Classify(platform review.Platform, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, review.ErrAuthExpired) || review.IsTransient(err) {
		return err
	}
	var se *StatusError
	if errors.As(err, &se) {
		switch {
		case se.StatusCode == http.StatusUnauthorized || se.StatusCode == http.StatusForbidden:
			return fmt.Errorf("%s: %w", se.Error(), review.ErrAuthExpired)
		case se.StatusCode == http.StatusTooManyRequests,
			se.StatusCode == http.StatusRequestTimeout,
			se.StatusCode >= 500:
			return &review.TransientFetchError{Platform: platform, Err: err}
		}
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &review.TransientFetchError{Platform: platform, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &review.TransientFetchError{Platform: platform, Err: err}
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return &review.TransientFetchError{Platform: platform, Err: err}
	}
	return err
}

// ErrConsumed is yielded when a fetch sequence is ranged over a second time.
var ErrConsumed = errors.New("review sequence already consumed")

// Once wraps seq so it can be ranged over only once; later ranges yield a
// single ErrConsumed.
func Once(seq iter.Seq2[review.RawReview, error]) iter.Seq2[review.RawReview, error] {
	var used atomic.Bool
	return func(yield func(review.RawReview, error) bool) {
		if used.Swap(true) {
			yield(review.RawReview{}, ErrConsumed)
			return
		}
		seq(yield)
	}
}

// Fail returns a sequence that yields err once.
func Fail(err error) iter.Seq2[review.RawReview, error] {
	return Once(func(yield func(review.RawReview, error) bool) {
		yield(review.RawReview{}, err)
	})
}

// Collect drains seq, stopping at the first error.
func Collect(seq iter.Seq2[review.RawReview, error]) ([]review.RawReview, error) {
	var out []review.RawReview
	for rec, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// Registry maps platforms to adapters.
type Registry struct {
	mu       sync.RWMutex
	adapters map[review.Platform]review.Adapter
}

// NewRegistry builds a registry from adapters, keyed by their Platform.
func NewRegistry(adapters ...review.Adapter) *Registry {
	r := &Registry{adapters: make(map[review.Platform]review.Adapter)}
	for _, a := range adapters {
		r.Register(a)
	}
	return r
}

// Register adds or replaces the adapter for a.Platform().
func (r *Registry) Register(a review.Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Platform()] = a
}

// Lookup returns the adapter for platform.
func (r *Registry) Lookup(platform review.Platform) (review.Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[platform]
	if !ok {
		return nil, fmt.Errorf("no adapter registered for %s", platform)
	}
	return a, nil
}

// Platforms lists registered platforms in order.
func (r *Registry) Platforms() []review.Platform {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]review.Platform, 0, len(r.adapters))
	for p := range r.adapters {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
