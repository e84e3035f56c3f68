// Package static serves canned review records. It backs local development
// and replays capture archives written by the crawler.
package static

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"sync"

	"github.com/JakeFAU/review-reply-crawler/internal/adapter"
	"github.com/JakeFAU/review-reply-crawler/internal/review"
)

// Adapter returns the same records on every fetch unless an error has been
// queued with FailNext.
type Adapter struct {
	platform review.Platform

	mu      sync.Mutex
	records []review.RawReview
	errs    []error
	calls   int
}

// New builds an adapter that serves records.
func New(platform review.Platform, records ...review.RawReview) *Adapter {
	return &Adapter{platform: platform, records: records}
}

// Load reads a JSON Lines capture (one review.RawReview per line).
func Load(platform review.Platform, r io.Reader) (*Adapter, error) {
	var records []review.RawReview
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var rec review.RawReview
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			return nil, fmt.Errorf("capture line %d: %w", line, err)
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read capture: %w", err)
	}
	return New(platform, records...), nil
}

// Platform implements review.Adapter.
func (a *Adapter) Platform() review.Platform { return a.platform }

// SetRecords replaces the served records.
func (a *Adapter) SetRecords(records ...review.RawReview) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records = records
}

// FailNext queues errors; each fetch consumes one before serving records.
func (a *Adapter) FailNext(errs ...error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.errs = append(a.errs, errs...)
}

// Calls reports how many fetches have started.
func (a *Adapter) Calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

// Fetch implements review.Adapter.
func (a *Adapter) Fetch(ctx context.Context, _ review.FetchRequest) iter.Seq2[review.RawReview, error] {
	a.mu.Lock()
	a.calls++
	var err error
	if len(a.errs) > 0 {
		err, a.errs = a.errs[0], a.errs[1:]
	}
	records := append([]review.RawReview(nil), a.records...)
	a.mu.Unlock()

	if err != nil {
		return adapter.Fail(err)
	}
	return adapter.Once(func(yield func(review.RawReview, error) bool) {
		for _, rec := range records {
			if cerr := ctx.Err(); cerr != nil {
				yield(review.RawReview{}, cerr)
				return
			}
			if !yield(rec, nil) {
				return
			}
		}
	})
}
