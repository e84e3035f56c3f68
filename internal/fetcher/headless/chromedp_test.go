package headless

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/review-reply-crawler/internal/adapter"
)

func TestNewChromedpDefaults(t *testing.T) {
	t.Parallel()

	_, err := NewChromedp(Config{MaxParallel: -1}, nil, nil)
	require.Error(t, err)

	f, err := NewChromedp(Config{MaxParallel: 2}, nil, nil)
	require.NoError(t, err)
	t.Cleanup(f.Close)
	require.Equal(t, 2, cap(f.slots))
	require.Equal(t, 45*time.Second, f.cfg.NavigationTimeout)
	require.Equal(t, "body", f.cfg.WaitSelector)
}

func TestSlotsRespectContext(t *testing.T) {
	t.Parallel()

	f, err := NewChromedp(Config{MaxParallel: 1}, nil, nil)
	require.NoError(t, err)
	t.Cleanup(f.Close)

	require.NoError(t, f.acquire(context.Background()))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, f.acquire(ctx), context.DeadlineExceeded)
	f.release()
	require.NoError(t, f.acquire(context.Background()))
}

func TestToNetworkHeaders(t *testing.T) {
	t.Parallel()

	got := toNetworkHeaders(http.Header{
		"Cookie": {"s=1"},
		"X-Many": {"a", "b"},
		"X-None": {},
	})
	require.Equal(t, "s=1", got["Cookie"])
	require.Equal(t, []string{"a", "b"}, got["X-Many"])
	require.NotContains(t, got, "X-None")
}

func TestResponseMetaCaptureAndFallbacks(t *testing.T) {
	t.Parallel()

	meta := &responseMeta{}
	meta.captureEvent(&network.EventResponseReceived{
		Type:     network.ResourceTypeScript,
		Response: &network.Response{Status: 500, URL: "https://cdn/app.js"},
	})
	meta.captureEvent(&network.EventResponseReceived{
		Type:     network.ResourceTypeDocument,
		Response: &network.Response{Status: 403, URL: "https://example.com/reviews"},
	})
	status, url := meta.snapshotWithFallbacks("https://req", "")
	require.Equal(t, 403, status)
	require.Equal(t, "https://example.com/reviews", url)

	status, url = (&responseMeta{}).snapshotWithFallbacks("https://req", "https://final")
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "https://final", url)
}

func TestDisabledFetcher(t *testing.T) {
	t.Parallel()

	var f adapter.PageFetcher = Disabled{}
	_, err := f.FetchPage(context.Background(), adapter.PageRequest{URL: "https://example.com"})
	require.ErrorIs(t, err, ErrDisabled)
}
