// Package replyclient talks to the external reply-generation and delivery
// services over JSON/HTTP.
package replyclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/JakeFAU/review-reply-crawler/internal/review"
)

// Config points the client at the collaborator services.
type Config struct {
	GeneratorURL string        `mapstructure:"generator_url"`
	DeliveryURL  string        `mapstructure:"delivery_url"`
	APIKey       string        `mapstructure:"api_key"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

// Client implements review.ReplyGenerator and review.Deliverer.
type Client struct {
	http   *http.Client
	cfg    Config
	logger *zap.Logger
}

// New constructs a Client. A nil httpClient gets a traced client with
// cfg.Timeout.
func New(cfg Config, httpClient *http.Client, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	return &Client{http: httpClient, cfg: cfg, logger: logger.Named("replyclient")}
}

type generateRequest struct {
	ReviewID     string   `json:"review_id"`
	StoreID      string   `json:"store_id"`
	Platform     string   `json:"platform"`
	ReviewerName string   `json:"reviewer_name"`
	Rating       float64  `json:"rating"`
	ReviewText   string   `json:"review_text"`
	OrderMenu    []string `json:"order_menu,omitempty"`
	Tone         string   `json:"tone,omitempty"`
}

type generateResponse struct {
	ReplyText  string  `json:"reply_text"`
	Confidence float64 `json:"confidence"`
}

// Generate requests candidate reply text. 204 No Content means the service
// has no suggestion for this review.
func (c *Client) Generate(ctx context.Context, r review.Review, store review.PlatformStore) (review.Suggestion, error) {
	if c.cfg.GeneratorURL == "" {
		return review.Suggestion{}, errors.New("reply generator url is not configured")
	}
	body := generateRequest{
		ReviewID:     r.ID,
		StoreID:      r.StoreID,
		Platform:     string(r.Platform),
		ReviewerName: r.ReviewerName,
		Rating:       r.Ratings.Overall,
		ReviewText:   r.Text,
		OrderMenu:    r.OrderMenu,
		Tone:         store.ReplyTone,
	}
	var out generateResponse
	status, err := c.post(ctx, c.cfg.GeneratorURL, nil, body, &out)
	if err != nil {
		return review.Suggestion{}, err
	}
	if status == http.StatusNoContent {
		return review.Suggestion{}, nil
	}
	return review.Suggestion{Text: strings.TrimSpace(out.ReplyText), Confidence: out.Confidence}, nil
}

type deliverRequest struct {
	ReviewID         string `json:"review_id"`
	Platform         string `json:"platform"`
	ExternalStoreID  string `json:"external_store_id"`
	PlatformReviewID string `json:"platform_review_id,omitempty"`
	StableID         string `json:"stable_id,omitempty"`
	ReplyText        string `json:"reply_text"`
}

type deliverResponse struct {
	Accepted        bool   `json:"accepted"`
	PlatformReplyID string `json:"platform_reply_id"`
	Error           string `json:"error"`
}

// Deliver posts an approved reply. The store's session token is forwarded
// so the delivery service can act on the owner's behalf.
func (c *Client) Deliver(ctx context.Context, r review.Review, store review.PlatformStore) (review.DeliveryReceipt, error) {
	if c.cfg.DeliveryURL == "" {
		return review.DeliveryReceipt{}, errors.New("reply delivery url is not configured")
	}
	body := deliverRequest{
		ReviewID:         r.ID,
		Platform:         string(store.Platform),
		ExternalStoreID:  store.ExternalStoreID,
		PlatformReviewID: r.PlatformReviewID,
		StableID:         r.StableID,
		ReplyText:        r.ReplyText,
	}
	headers := map[string]string{}
	if store.SessionToken != "" {
		headers["X-Platform-Session"] = store.SessionToken
	}
	var out deliverResponse
	if _, err := c.post(ctx, c.cfg.DeliveryURL, headers, body, &out); err != nil {
		return review.DeliveryReceipt{}, err
	}
	if !out.Accepted {
		reason := out.Error
		if reason == "" {
			reason = "reply not accepted"
		}
		return review.DeliveryReceipt{}, errors.New(reason)
	}
	return review.DeliveryReceipt{PlatformReplyID: out.PlatformReplyID}, nil
}

func (c *Client) post(ctx context.Context, url string, headers map[string]string, in, out any) (int, error) {
	payload, err := json.Marshal(in)
	if err != nil {
		return 0, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("post %s: %w", url, err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			c.logger.Debug("close response body", zap.Error(cerr))
		}
	}()

	if resp.StatusCode == http.StatusNoContent {
		return resp.StatusCode, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return resp.StatusCode, fmt.Errorf("post %s: status %d: %s", url, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, fmt.Errorf("decode response: %w", err)
	}
	return resp.StatusCode, nil
}
