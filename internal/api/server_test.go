package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/review-reply-crawler/internal/clock/manual"
	"github.com/JakeFAU/review-reply-crawler/internal/config"
	"github.com/JakeFAU/review-reply-crawler/internal/ingest"
	"github.com/JakeFAU/review-reply-crawler/internal/lifecycle"
	"github.com/JakeFAU/review-reply-crawler/internal/review"
	"github.com/JakeFAU/review-reply-crawler/internal/storage/memory"
)

type stubGenerator struct{}

func (stubGenerator) Generate(context.Context, review.Review, review.PlatformStore) (review.Suggestion, error) {
	return review.Suggestion{Text: "Thank you!", Confidence: 0.9}, nil
}

type stubDeliverer struct{ err error }

func (d stubDeliverer) Deliver(context.Context, review.Review, review.PlatformStore) (review.DeliveryReceipt, error) {
	if d.err != nil {
		return review.DeliveryReceipt{}, d.err
	}
	return review.DeliveryReceipt{PlatformReplyID: "reply-1"}, nil
}

type seqIDs struct{ n int }

func (g *seqIDs) NewID() (string, error) {
	g.n++
	return "rv-" + string(rune('0'+g.n)), nil
}

type apiHarness struct {
	stores   *memory.StoreRepository
	reviews  *memory.ReviewRepository
	sessions *memory.SessionLedger
	server   *Server
}

var reviewDay = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newAPIHarness(t *testing.T, cfg config.Config, deliverErr error) apiHarness {
	t.Helper()
	ctx := context.Background()
	stores := memory.NewStoreRepository()
	store, err := stores.Connect(ctx, review.PlatformStore{
		ID: "s1", OwnerID: "o1", OwnerActive: true, Platform: review.PlatformA,
		ExternalStoreID: "ext-1", CrawlingEnabled: true, AutomationMode: review.AutomationManual,
		CrawlInterval: time.Hour, AutoApprovalDelayHours: 24, SessionToken: "tok",
	})
	require.NoError(t, err)

	reviews := memory.NewReviewRepository(stores)
	upserter := ingest.New(reviews, &seqIDs{}, zap.NewNop())
	_, err = upserter.Ingest(ctx, store, []review.RawReview{{
		PlatformReviewID: "pr-1",
		ReviewerName:     "kim",
		Ratings:          review.Ratings{Overall: 5},
		Text:             "great",
		ReviewDate:       reviewDay,
	}}, reviewDay.Add(time.Hour))
	require.NoError(t, err)

	clock := manual.New(reviewDay.Add(2 * time.Hour))
	machine := lifecycle.New(reviews, stores, stubGenerator{}, stubDeliverer{err: deliverErr}, nil,
		nil, clock, lifecycle.Config{}, zap.NewNop())
	r, err := reviews.Get(ctx, "rv-1")
	require.NoError(t, err)
	_, err = machine.Generate(ctx, r)
	require.NoError(t, err)

	sessions := memory.NewSessionLedger()
	server := NewServer(stores, sessions, reviews, machine, upserter, nil, cfg, zap.NewNop())
	return apiHarness{stores: stores, reviews: reviews, sessions: sessions, server: server}
}

func do(t *testing.T, h http.Handler, method, target string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestServer_Healthz(t *testing.T) {
	t.Parallel()

	h := newAPIHarness(t, config.Config{}, nil)
	rec := do(t, h.server.Handler(), http.MethodGet, "/healthz", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestServer_Readyz(t *testing.T) {
	t.Parallel()

	h := newAPIHarness(t, config.Config{}, nil)
	notReady := NewServer(h.stores, h.sessions, h.reviews, nil, nil,
		func(context.Context) error { return errors.New("db down") }, config.Config{}, nil)
	rec := do(t, notReady.Handler(), http.MethodGet, "/readyz", nil, nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = do(t, h.server.Handler(), http.MethodGet, "/readyz", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_APIKeyRequired(t *testing.T) {
	t.Parallel()

	cfg := config.Config{Auth: config.AuthConfig{Enabled: true, APIKey: "secret"}}
	h := newAPIHarness(t, cfg, nil)

	rec := do(t, h.server.Handler(), http.MethodGet, "/v1/stores/s1/", nil, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(t, h.server.Handler(), http.MethodGet, "/v1/stores/s1/", nil, map[string]string{"X-API-Key": "secret"})
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotContains(t, rec.Body.String(), "tok")
}

func TestServer_GetReviewNotFound(t *testing.T) {
	t.Parallel()

	h := newAPIHarness(t, config.Config{}, nil)
	rec := do(t, h.server.Handler(), http.MethodGet, "/v1/reviews/missing/", nil, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_ApproveDeliversReply(t *testing.T) {
	t.Parallel()

	h := newAPIHarness(t, config.Config{}, nil)
	rec := do(t, h.server.Handler(), http.MethodPost, "/v1/reviews/rv-1/approve", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var got review.Review
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Equal(t, review.ReplySent, got.ReplyStatus)
	require.Equal(t, "reply-1", got.PlatformReplyID)

	rec = do(t, h.server.Handler(), http.MethodPost, "/v1/reviews/rv-1/approve", nil, nil)
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestServer_ApproveDeliveryFailureIsAccepted(t *testing.T) {
	t.Parallel()

	h := newAPIHarness(t, config.Config{}, errors.New("platform returned 502"))
	rec := do(t, h.server.Handler(), http.MethodPost, "/v1/reviews/rv-1/approve", nil, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	stored, err := h.reviews.Get(context.Background(), "rv-1")
	require.NoError(t, err)
	require.Equal(t, review.ReplyFailed, stored.ReplyStatus)
	require.Equal(t, 1, stored.DeliveryAttempts)
	require.NotNil(t, stored.NextDeliveryAt)
}

func TestServer_UpdateSettingsResetsSchedule(t *testing.T) {
	t.Parallel()

	h := newAPIHarness(t, config.Config{}, nil)
	before, err := h.reviews.Get(context.Background(), "rv-1")
	require.NoError(t, err)
	require.True(t, before.RequiresApproval)

	body := []byte(`{"automation_mode":"full","crawl_interval":"2h"}`)
	rec := do(t, h.server.Handler(), http.MethodPut, "/v1/stores/s1/settings", body, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Store       review.PlatformStore `json:"store"`
		Rescheduled int                  `json:"rescheduled"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, review.AutomationFull, resp.Store.AutomationMode)
	require.Equal(t, 2*time.Hour, resp.Store.CrawlInterval)
	require.Equal(t, 1, resp.Rescheduled)

	after, err := h.reviews.Get(context.Background(), "rv-1")
	require.NoError(t, err)
	require.False(t, after.RequiresApproval)
}

func TestServer_UpdateSettingsRejectsBadMode(t *testing.T) {
	t.Parallel()

	h := newAPIHarness(t, config.Config{}, nil)
	rec := do(t, h.server.Handler(), http.MethodPut, "/v1/stores/s1/settings",
		[]byte(`{"automation_mode":"yolo"}`), nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h.server.Handler(), http.MethodPut, "/v1/stores/s1/settings", []byte(`{`), nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h.server.Handler(), http.MethodPut, "/v1/stores/nope/settings", []byte(`{}`), nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_ReauthClearsDegraded(t *testing.T) {
	t.Parallel()

	h := newAPIHarness(t, config.Config{}, nil)
	ctx := context.Background()
	require.NoError(t, h.stores.MarkDegraded(ctx, "s1", "session expired"))

	rec := do(t, h.server.Handler(), http.MethodPost, "/v1/stores/s1/reauth", []byte(`{"session_token":""}`), nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h.server.Handler(), http.MethodPost, "/v1/stores/s1/reauth", []byte(`{"session_token":"fresh"}`), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	store, err := h.stores.Get(ctx, "s1")
	require.NoError(t, err)
	require.False(t, store.CrawlDegraded)
	require.Equal(t, "fresh", store.SessionToken)
}

func TestServer_SessionsRoutes(t *testing.T) {
	t.Parallel()

	h := newAPIHarness(t, config.Config{}, nil)
	ctx := context.Background()
	require.NoError(t, h.sessions.Start(ctx, review.CrawlingSession{
		ID: "sess-1", StoreID: "s1", Platform: review.PlatformA,
		Status: review.SessionPending, StartedAt: reviewDay,
	}))

	rec := do(t, h.server.Handler(), http.MethodGet, "/v1/stores/s1/sessions?limit=1", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "sess-1")

	rec = do(t, h.server.Handler(), http.MethodGet, "/v1/stores/s1/sessions?limit=-1", nil, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h.server.Handler(), http.MethodGet, "/v1/sessions/sess-1", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h.server.Handler(), http.MethodGet, "/v1/sessions/missing", nil, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_RecoverMiddleware(t *testing.T) {
	t.Parallel()

	s := &Server{logger: zap.NewNop()}
	h := s.recoverMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := do(t, h, http.MethodGet, "/", nil, nil)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}
