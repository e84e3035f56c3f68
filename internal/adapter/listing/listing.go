// Package listing scrapes reviews from HTML listing pages of platforms that
// expose no durable review id. Every record carries its positional context so
// the identity layer can synthesize a stable id.
package listing

import (
	"bytes"
	"context"
	"fmt"
	"iter"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/review-reply-crawler/internal/adapter"
	"github.com/JakeFAU/review-reply-crawler/internal/review"
)

// Selectors locate review fields inside a listing page. Item is evaluated
// against the document; the others against each item.
type Selectors struct {
	Item       string `mapstructure:"item"`
	Reviewer   string `mapstructure:"reviewer"`
	Rating     string `mapstructure:"rating"`
	RatingAttr string `mapstructure:"rating_attr"`
	Text       string `mapstructure:"text"`
	Date       string `mapstructure:"date"`
	DateAttr   string `mapstructure:"date_attr"`
	Photos     string `mapstructure:"photos"`
	Menu       string `mapstructure:"menu"`
}

// DefaultSelectors match the generic markup used by the fixture pages.
var DefaultSelectors = Selectors{
	Item:       "li.review",
	Reviewer:   ".reviewer",
	Rating:     ".rating",
	RatingAttr: "data-score",
	Text:       ".body",
	Date:       "time",
	DateAttr:   "datetime",
	Photos:     "img.photo",
	Menu:       ".menu li",
}

// Config describes one identity-less platform.
type Config struct {
	Platform review.Platform
	BaseURL  string
	// PathTemplate is joined to BaseURL; {external_id} is substituted.
	PathTemplate  string
	Sort          string
	Filter        string
	MaxPages      int
	SessionCookie string
	DateLayouts   []string
	Location      *time.Location
	Selectors     Selectors
}

// Adapter implements review.Adapter over a PageFetcher.
type Adapter struct {
	cfg     Config
	fetcher adapter.PageFetcher
}

// New builds a listing adapter.
func New(cfg Config, fetcher adapter.PageFetcher) (*Adapter, error) {
	if cfg.Platform.NativeIDs() {
		return nil, fmt.Errorf("listing adapter is for identity-less platforms, got %s", cfg.Platform)
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("%s: base url is required", cfg.Platform)
	}
	if fetcher == nil {
		return nil, fmt.Errorf("%s: page fetcher is required", cfg.Platform)
	}
	if cfg.PathTemplate == "" {
		cfg.PathTemplate = "/stores/{external_id}/reviews"
	}
	if cfg.Sort == "" {
		cfg.Sort = "newest"
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = 5
	}
	if cfg.SessionCookie == "" {
		cfg.SessionCookie = "session"
	}
	if len(cfg.DateLayouts) == 0 {
		cfg.DateLayouts = []string{time.RFC3339, "2006-01-02", "2006.01.02", "2006.01.02."}
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.Selectors.Item == "" {
		cfg.Selectors = DefaultSelectors
	}
	return &Adapter{cfg: cfg, fetcher: fetcher}, nil
}

// Platform implements review.Adapter.
func (a *Adapter) Platform() review.Platform { return a.cfg.Platform }

// Fetch walks listing pages newest first until a page is empty, an item
// older than req.Since shows up, or MaxPages is reached.
func (a *Adapter) Fetch(ctx context.Context, req review.FetchRequest) iter.Seq2[review.RawReview, error] {
	return adapter.Once(func(yield func(review.RawReview, error) bool) {
		for page := 1; page <= a.cfg.MaxPages; page++ {
			if err := ctx.Err(); err != nil {
				yield(review.RawReview{}, err)
				return
			}
			pageURL := a.pageURL(req.Store.ExternalStoreID, page)
			fetched, err := a.fetcher.FetchPage(ctx, adapter.PageRequest{
				URL:     pageURL,
				Headers: a.headers(req.Store),
				RateKey: string(a.cfg.Platform),
			})
			if err != nil {
				yield(review.RawReview{}, adapter.Classify(a.cfg.Platform, err))
				return
			}
			records, err := a.Parse(fetched)
			if err != nil {
				yield(review.RawReview{}, err)
				return
			}
			if len(records) == 0 {
				return
			}
			for _, rec := range records {
				if !req.Since.IsZero() && !rec.ReviewDate.IsZero() && rec.ReviewDate.Before(req.Since) {
					return
				}
				if !yield(rec, nil) {
					return
				}
			}
		}
	})
}

// Parse extracts the records of one fetched page. Items whose date cannot be
// read are still emitted with a zero date so ingestion can count them as
// skipped.
func (a *Adapter) Parse(page adapter.Page) ([]review.RawReview, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page.Body))
	if err != nil {
		return nil, fmt.Errorf("parse listing %s: %w", page.URL, err)
	}
	sel := a.cfg.Selectors
	items := doc.Find(sel.Item)
	records := make([]review.RawReview, 0, items.Length())
	items.Each(func(_ int, s *goquery.Selection) {
		fragment, err := goquery.OuterHtml(s)
		if err != nil {
			fragment = s.Text()
		}
		records = append(records, review.RawReview{
			ReviewerName: clean(s.Find(sel.Reviewer).First().Text()),
			Ratings:      review.Ratings{Overall: a.rating(s)},
			Text:         clean(s.Find(sel.Text).First().Text()),
			ReviewDate:   a.date(s, page.FetchedAt),
			OrderMenu:    texts(s, sel.Menu),
			Photos:       attrs(s, sel.Photos, "src"),
			Metadata: map[string]any{
				"source_url": page.URL,
				"rendered":   page.Rendered,
			},
			Listing: &review.ListingContext{Fragment: fragment},
		})
	})

	pctx := review.PageContext{
		CapturedAt: page.FetchedAt,
		URL:        page.URL,
		Sort:       a.cfg.Sort,
		Filter:     a.cfg.Filter,
	}
	for i := range records {
		l := records[i].Listing
		l.Page = pctx
		l.Index = i
		if i > 0 {
			l.Prev = neighborOf(records[i-1])
		}
		if i+1 < len(records) {
			l.Next = neighborOf(records[i+1])
		}
	}
	return records, nil
}

func (a *Adapter) pageURL(externalID string, page int) string {
	path := strings.ReplaceAll(a.cfg.PathTemplate, "{external_id}", url.PathEscape(externalID))
	q := url.Values{}
	q.Set("sort", a.cfg.Sort)
	if a.cfg.Filter != "" {
		q.Set("filter", a.cfg.Filter)
	}
	q.Set("page", strconv.Itoa(page))
	return strings.TrimRight(a.cfg.BaseURL, "/") + path + "?" + q.Encode()
}

func (a *Adapter) headers(store review.PlatformStore) http.Header {
	h := http.Header{}
	if store.SessionToken != "" {
		h.Set("Cookie", (&http.Cookie{Name: a.cfg.SessionCookie, Value: store.SessionToken}).String())
	}
	return h
}

var numberRe = regexp.MustCompile(`\d+(?:\.\d+)?`)

func (a *Adapter) rating(s *goquery.Selection) float64 {
	node := s.Find(a.cfg.Selectors.Rating).First()
	raw := ""
	if a.cfg.Selectors.RatingAttr != "" {
		raw, _ = node.Attr(a.cfg.Selectors.RatingAttr)
	}
	if raw == "" {
		raw = node.Text()
	}
	m := numberRe.FindString(raw)
	if m == "" {
		return 0
	}
	v, err := strconv.ParseFloat(m, 64)
	if err != nil {
		return 0
	}
	return v
}

var relativeRe = regexp.MustCompile(`^(\d+)\s*(minute|hour|day|week)s?\s+ago$`)

func (a *Adapter) date(s *goquery.Selection, capturedAt time.Time) time.Time {
	node := s.Find(a.cfg.Selectors.Date).First()
	raw := ""
	if a.cfg.Selectors.DateAttr != "" {
		raw, _ = node.Attr(a.cfg.Selectors.DateAttr)
	}
	if raw == "" {
		raw = node.Text()
	}
	raw = strings.ToLower(clean(raw))
	switch raw {
	case "":
		return time.Time{}
	case "today", "just now":
		return capturedAt
	case "yesterday":
		return capturedAt.AddDate(0, 0, -1)
	}
	if m := relativeRe.FindStringSubmatch(raw); m != nil {
		n, _ := strconv.Atoi(m[1])
		unit := map[string]time.Duration{
			"minute": time.Minute,
			"hour":   time.Hour,
			"day":    24 * time.Hour,
			"week":   7 * 24 * time.Hour,
		}[m[2]]
		return capturedAt.Add(-time.Duration(n) * unit)
	}
	for _, layout := range a.cfg.DateLayouts {
		if t, err := time.ParseInLocation(layout, raw, a.cfg.Location); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

func neighborOf(r review.RawReview) *review.Neighbor {
	return &review.Neighbor{Reviewer: r.ReviewerName, Text: r.Text, Rating: r.Ratings.Overall}
}

func clean(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func texts(s *goquery.Selection, selector string) []string {
	if selector == "" {
		return nil
	}
	var out []string
	s.Find(selector).Each(func(_ int, n *goquery.Selection) {
		if t := clean(n.Text()); t != "" {
			out = append(out, t)
		}
	})
	return out
}

func attrs(s *goquery.Selection, selector, attr string) []string {
	if selector == "" {
		return nil
	}
	var out []string
	s.Find(selector).Each(func(_ int, n *goquery.Selection) {
		if v, ok := n.Attr(attr); ok && v != "" {
			out = append(out, v)
		}
	})
	return out
}
