package listing

import (
	"context"
	"net/http"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/review-reply-crawler/internal/adapter"
	"github.com/JakeFAU/review-reply-crawler/internal/review"
)

var capturedAt = time.Date(2025, 1, 5, 9, 0, 0, 0, time.UTC)

type fakeFetcher struct {
	mu    sync.Mutex
	pages map[string][]byte
	err   error
	reqs  []adapter.PageRequest
}

func (f *fakeFetcher) FetchPage(_ context.Context, req adapter.PageRequest) (adapter.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	if f.err != nil {
		return adapter.Page{}, f.err
	}
	return adapter.Page{URL: req.URL, StatusCode: http.StatusOK, Body: f.pages[req.URL], FetchedAt: capturedAt}, nil
}

func fixture(t *testing.T) []byte {
	t.Helper()
	b, err := os.ReadFile("testdata/page1.html")
	require.NoError(t, err)
	return b
}

func newAdapter(t *testing.T, f adapter.PageFetcher) *Adapter {
	t.Helper()
	a, err := New(Config{Platform: review.PlatformC, BaseURL: "https://c.example/", MaxPages: 3}, f)
	require.NoError(t, err)
	return a
}

func store() review.PlatformStore {
	return review.PlatformStore{ID: "s1", Platform: review.PlatformC, ExternalStoreID: "ext 1", SessionToken: "tok"}
}

func TestParseExtractsPositionalContext(t *testing.T) {
	t.Parallel()

	a := newAdapter(t, &fakeFetcher{})
	recs, err := a.Parse(adapter.Page{URL: "https://c.example/x", Body: fixture(t), FetchedAt: capturedAt})
	require.NoError(t, err)
	require.Len(t, recs, 3)

	first := recs[0]
	require.Equal(t, "Kim", first.ReviewerName)
	require.Equal(t, 5.0, first.Ratings.Overall)
	require.Equal(t, "Great noodles, will order again!", first.Text)
	require.Equal(t, time.Date(2025, 1, 4, 0, 0, 0, 0, time.UTC), first.ReviewDate)
	require.Equal(t, []string{"Jjajangmyeon", "Dumplings"}, first.OrderMenu)
	require.Equal(t, []string{"https://cdn.example/p/1.jpg"}, first.Photos)
	require.Nil(t, first.Listing.Prev)
	require.Equal(t, "anon", first.Listing.Next.Reviewer)
	require.Contains(t, first.Listing.Fragment, `data-k="a91"`)
	require.Equal(t, "newest", first.Listing.Page.Sort)
	require.Equal(t, capturedAt, first.Listing.Page.CapturedAt)

	mid := recs[1]
	require.Equal(t, 4.0, mid.Ratings.Overall)
	require.Equal(t, capturedAt.AddDate(0, 0, -1), mid.ReviewDate)
	require.Equal(t, 1, mid.Listing.Index)
	require.Equal(t, "Kim", mid.Listing.Prev.Reviewer)
	require.Equal(t, "Park", mid.Listing.Next.Reviewer)

	last := recs[2]
	require.Equal(t, 2.0, last.Ratings.Overall)
	require.Equal(t, time.Date(2024, 12, 20, 0, 0, 0, 0, time.UTC), last.ReviewDate)
	require.Nil(t, last.Listing.Next)
	require.Empty(t, last.PlatformReviewID)
}

func TestFetchPaginatesUntilEmptyPage(t *testing.T) {
	t.Parallel()

	f := &fakeFetcher{pages: map[string][]byte{}}
	a := newAdapter(t, f)
	f.pages[a.pageURL("ext 1", 1)] = fixture(t)

	recs, err := adapter.Collect(a.Fetch(context.Background(), review.FetchRequest{Store: store()}))
	require.NoError(t, err)
	require.Len(t, recs, 3)
	require.Len(t, f.reqs, 2)
	require.Equal(t, "https://c.example/stores/ext%201/reviews?page=1&sort=newest", f.reqs[0].URL)
	require.Equal(t, "session=tok", f.reqs[0].Headers.Get("Cookie"))
	require.Equal(t, "platform_c", f.reqs[0].RateKey)
}

func TestFetchStopsAtLookbackWindow(t *testing.T) {
	t.Parallel()

	f := &fakeFetcher{pages: map[string][]byte{}}
	a := newAdapter(t, f)
	f.pages[a.pageURL("ext 1", 1)] = fixture(t)
	f.pages[a.pageURL("ext 1", 2)] = fixture(t)

	since := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	recs, err := adapter.Collect(a.Fetch(context.Background(), review.FetchRequest{Store: store(), Since: since}))
	require.NoError(t, err)
	require.Len(t, recs, 2)
	require.Len(t, f.reqs, 1)
}

func TestFetchClassifiesFetchErrors(t *testing.T) {
	t.Parallel()

	f := &fakeFetcher{err: &adapter.StatusError{URL: "u", StatusCode: http.StatusUnauthorized}}
	a := newAdapter(t, f)
	_, err := adapter.Collect(a.Fetch(context.Background(), review.FetchRequest{Store: store()}))
	require.ErrorIs(t, err, review.ErrAuthExpired)

	f.err = &adapter.StatusError{URL: "u", StatusCode: http.StatusBadGateway}
	_, err = adapter.Collect(a.Fetch(context.Background(), review.FetchRequest{Store: store()}))
	require.True(t, review.IsTransient(err))
}

func TestNewRejectsNativePlatforms(t *testing.T) {
	t.Parallel()

	_, err := New(Config{Platform: review.PlatformA, BaseURL: "https://a"}, &fakeFetcher{})
	require.Error(t, err)
	_, err = New(Config{Platform: review.PlatformD}, &fakeFetcher{})
	require.Error(t, err)
}
