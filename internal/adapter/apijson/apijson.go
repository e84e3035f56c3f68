// Package apijson fetches reviews from platforms that expose a JSON API with
// durable review ids.
package apijson

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/JakeFAU/review-reply-crawler/internal/adapter"
	"github.com/JakeFAU/review-reply-crawler/internal/review"
)

// Config describes one native-id platform API.
type Config struct {
	Platform review.Platform
	BaseURL  string
	PageSize int
	MaxPages int
	Timeout  time.Duration
}

// Adapter implements review.Adapter over the platform's review API:
//
//	GET {base}/stores/{external_id}/reviews?since=<rfc3339>&page=<n>
type Adapter struct {
	cfg     Config
	http    *http.Client
	limiter adapter.RateLimiter
	logger  *zap.Logger
}

// New builds an API adapter. A nil httpClient gets a traced client.
func New(cfg Config, httpClient *http.Client, limiter adapter.RateLimiter, logger *zap.Logger) (*Adapter, error) {
	if !cfg.Platform.NativeIDs() {
		return nil, fmt.Errorf("api adapter requires a native-id platform, got %s", cfg.Platform)
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("%s: base url is required", cfg.Platform)
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 50
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = 20
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Adapter{
		cfg:     cfg,
		http:    httpClient,
		limiter: limiter,
		logger:  logger.Named("apijson").With(zap.String("platform", string(cfg.Platform))),
	}, nil
}

// Platform implements review.Adapter.
func (a *Adapter) Platform() review.Platform { return a.cfg.Platform }

type apiReview struct {
	ID       string             `json:"id"`
	Reviewer string             `json:"reviewer_name"`
	Rating   float64            `json:"rating"`
	Aspects  map[string]float64 `json:"aspect_ratings"`
	Text     string             `json:"text"`
	Created  time.Time          `json:"created_at"`
	Menu     []string           `json:"order_menu"`
	Photos   []string           `json:"photos"`
	Extra    map[string]any     `json:"extra"`
}

type apiPage struct {
	Reviews  []apiReview `json:"reviews"`
	NextPage int         `json:"next_page"`
}

// Fetch pages through the API lazily. Pagination ends when the response has
// no next_page or MaxPages is reached.
func (a *Adapter) Fetch(ctx context.Context, req review.FetchRequest) iter.Seq2[review.RawReview, error] {
	return adapter.Once(func(yield func(review.RawReview, error) bool) {
		page := 1
		for range a.cfg.MaxPages {
			body, err := a.fetchPage(ctx, req, page)
			if err != nil {
				yield(review.RawReview{}, adapter.Classify(a.cfg.Platform, err))
				return
			}
			for _, r := range body.Reviews {
				if !yield(r.toRaw(), nil) {
					return
				}
			}
			if body.NextPage <= page || len(body.Reviews) == 0 {
				return
			}
			page = body.NextPage
		}
		a.logger.Warn("pagination truncated", zap.String("store_id", req.Store.ID), zap.Int("max_pages", a.cfg.MaxPages))
	})
}

func (a *Adapter) fetchPage(ctx context.Context, req review.FetchRequest, page int) (apiPage, error) {
	if a.limiter != nil {
		if err := a.limiter.Wait(ctx, string(a.cfg.Platform)); err != nil {
			return apiPage{}, err
		}
	}
	target := a.pageURL(req, page)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return apiPage{}, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	if req.Store.SessionToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+req.Store.SessionToken)
	}

	resp, err := a.http.Do(httpReq)
	if err != nil {
		return apiPage{}, fmt.Errorf("get %s: %w", target, err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			a.logger.Debug("close response body", zap.Error(cerr))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return apiPage{}, &adapter.StatusError{URL: target, StatusCode: resp.StatusCode}
	}
	var out apiPage
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return apiPage{}, fmt.Errorf("decode %s: %w", target, err)
	}
	return out, nil
}

func (a *Adapter) pageURL(req review.FetchRequest, page int) string {
	q := url.Values{}
	if !req.Since.IsZero() {
		q.Set("since", req.Since.UTC().Format(time.RFC3339))
	}
	q.Set("page", strconv.Itoa(page))
	q.Set("page_size", strconv.Itoa(a.cfg.PageSize))
	return fmt.Sprintf("%s/stores/%s/reviews?%s",
		strings.TrimRight(a.cfg.BaseURL, "/"), url.PathEscape(req.Store.ExternalStoreID), q.Encode())
}

func (r apiReview) toRaw() review.RawReview {
	return review.RawReview{
		PlatformReviewID: r.ID,
		ReviewerName:     r.Reviewer,
		Ratings:          review.Ratings{Overall: r.Rating, Aspects: r.Aspects},
		Text:             r.Text,
		ReviewDate:       r.Created.UTC(),
		OrderMenu:        r.Menu,
		Photos:           r.Photos,
		Metadata:         r.Extra,
	}
}
