// Package promote fetches listing pages statically and re-fetches them with
// a browser when the static HTML looks like an unrendered app shell.
package promote

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/review-reply-crawler/internal/adapter"
)

// Heuristic decides whether a static page needs a headless render.
type Heuristic struct {
	BodyLengthThreshold int
	// ItemSelector finds review items; a page that has any is never promoted.
	ItemSelector string
}

// NewHeuristic creates a detector. threshold defaults to 2048 bytes.
func NewHeuristic(threshold int, itemSelector string) *Heuristic {
	if threshold <= 0 {
		threshold = 2048
	}
	return &Heuristic{BodyLengthThreshold: threshold, ItemSelector: itemSelector}
}

var spaMarkers = [][]byte{
	[]byte("__next"),
	[]byte("id=\"root\""),
	[]byte("id=\"app\""),
	[]byte("data-reactroot"),
}

// ShouldPromote reports whether page was served without its review list.
func (h *Heuristic) ShouldPromote(page adapter.Page) bool {
	if page.StatusCode != http.StatusOK || page.Rendered {
		return false
	}
	body := page.Body
	if len(body) == 0 {
		return true
	}
	if h.ItemSelector != "" {
		doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
		if err == nil && doc.Find(h.ItemSelector).Length() > 0 {
			return false
		}
	}
	if len(body) < h.BodyLengthThreshold && scriptDensityHigh(body) {
		return true
	}
	for _, marker := range spaMarkers {
		if bytes.Contains(body, marker) {
			return true
		}
	}
	return false
}

// scriptDensityHigh reports whether script elements cover at least a quarter
// of the document.
func scriptDensityHigh(body []byte) bool {
	lower := strings.ToLower(string(body))
	total := len(lower)
	if total == 0 {
		return false
	}

	const (
		openTag  = "<script"
		closeTag = "</script>"
	)
	coverage := 0
	pos := 0
	for {
		rel := strings.Index(lower[pos:], openTag)
		if rel == -1 {
			break
		}
		start := pos + rel
		tagClose := strings.IndexByte(lower[start:], '>')
		if tagClose == -1 {
			coverage += total - start
			break
		}
		contentStart := start + tagClose + 1
		next := total
		if end := strings.Index(lower[contentStart:], closeTag); end != -1 {
			next = contentStart + end + len(closeTag)
		}
		coverage += next - start
		pos = next
	}
	return coverage*100/total >= 25
}

// Fetcher implements adapter.PageFetcher over a static and a headless
// fetcher.
type Fetcher struct {
	static   adapter.PageFetcher
	headless adapter.PageFetcher
	detector *Heuristic
	logger   *zap.Logger
}

// New builds a promoting fetcher.
func New(static, headless adapter.PageFetcher, detector *Heuristic, logger *zap.Logger) (*Fetcher, error) {
	if static == nil || headless == nil {
		return nil, fmt.Errorf("static and headless fetchers are required")
	}
	if detector == nil {
		detector = NewHeuristic(0, "")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{static: static, headless: headless, detector: detector, logger: logger.Named("promote")}, nil
}

// FetchPage tries the static fetcher first.
func (f *Fetcher) FetchPage(ctx context.Context, req adapter.PageRequest) (adapter.Page, error) {
	page, err := f.static.FetchPage(ctx, req)
	if err != nil {
		return page, err
	}
	if !f.detector.ShouldPromote(page) {
		return page, nil
	}
	f.logger.Debug("promoting page to headless render", zap.String("url", req.URL))
	return f.headless.FetchPage(ctx, req)
}
