package static

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/review-reply-crawler/internal/adapter"
	"github.com/JakeFAU/review-reply-crawler/internal/review"
)

func TestFetchServesRecordsAndQueuedErrors(t *testing.T) {
	t.Parallel()

	a := New(review.PlatformA, review.RawReview{PlatformReviewID: "1"}, review.RawReview{PlatformReviewID: "2"})
	boom := errors.New("boom")
	a.FailNext(boom)

	_, err := adapter.Collect(a.Fetch(context.Background(), review.FetchRequest{}))
	require.ErrorIs(t, err, boom)

	recs, err := adapter.Collect(a.Fetch(context.Background(), review.FetchRequest{}))
	require.NoError(t, err)
	require.Len(t, recs, 2)
	require.Equal(t, 2, a.Calls())
}

func TestFetchHonorsCanceledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	a := New(review.PlatformA, review.RawReview{PlatformReviewID: "1"})
	_, err := adapter.Collect(a.Fetch(ctx, review.FetchRequest{}))
	require.ErrorIs(t, err, context.Canceled)
}

func TestLoadReadsJSONLines(t *testing.T) {
	t.Parallel()

	in := `{"ReviewerName":"Kim","Text":"good","Ratings":{"overall":4},"ReviewDate":"2025-01-01T00:00:00Z","Listing":{"Fragment":"<li>good</li>","Index":0}}

{"ReviewerName":"Lee","Text":"bad","Ratings":{"overall":1},"ReviewDate":"2025-01-01T00:00:00Z"}
`
	a, err := Load(review.PlatformC, strings.NewReader(in))
	require.NoError(t, err)
	recs, err := adapter.Collect(a.Fetch(context.Background(), review.FetchRequest{}))
	require.NoError(t, err)
	require.Len(t, recs, 2)
	require.Equal(t, "<li>good</li>", recs[0].Listing.Fragment)
	require.Equal(t, 4.0, recs[0].Ratings.Overall)

	_, err = Load(review.PlatformC, strings.NewReader("{not json}\n"))
	require.Error(t, err)
}
