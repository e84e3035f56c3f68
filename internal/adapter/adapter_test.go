package adapter

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/review-reply-crawler/internal/review"
)

type stubAdapter struct{ platform review.Platform }

func (s stubAdapter) Platform() review.Platform { return s.platform }

func (s stubAdapter) Fetch(context.Context, review.FetchRequest) iter.Seq2[review.RawReview, error] {
	return Once(func(yield func(review.RawReview, error) bool) {
		for i := range 3 {
			if !yield(review.RawReview{PlatformReviewID: fmt.Sprint(i)}, nil) {
				return
			}
		}
	})
}

func TestRegistryLookup(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(stubAdapter{review.PlatformB}, stubAdapter{review.PlatformA})
	a, err := reg.Lookup(review.PlatformA)
	require.NoError(t, err)
	require.Equal(t, review.PlatformA, a.Platform())
	require.Equal(t, []review.Platform{review.PlatformA, review.PlatformB}, reg.Platforms())

	_, err = reg.Lookup(review.PlatformD)
	require.Error(t, err)
}

func TestOnceRefusesSecondRange(t *testing.T) {
	t.Parallel()

	seq := stubAdapter{review.PlatformA}.Fetch(context.Background(), review.FetchRequest{})
	recs, err := Collect(seq)
	require.NoError(t, err)
	require.Len(t, recs, 3)

	_, err = Collect(seq)
	require.ErrorIs(t, err, ErrConsumed)
}

func TestOnceEarlyBreakStillConsumes(t *testing.T) {
	t.Parallel()

	seq := stubAdapter{review.PlatformA}.Fetch(context.Background(), review.FetchRequest{})
	for range seq {
		break
	}
	_, err := Collect(seq)
	require.ErrorIs(t, err, ErrConsumed)
}

func TestFailYieldsError(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	recs, err := Collect(Fail(boom))
	require.ErrorIs(t, err, boom)
	require.Empty(t, recs)
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

var _ net.Error = timeoutErr{}

func TestClassify(t *testing.T) {
	t.Parallel()

	status := func(code int) error { return &StatusError{URL: "https://x", StatusCode: code} }
	cases := []struct {
		name      string
		err       error
		auth      bool
		transient bool
	}{
		{"unauthorized", status(http.StatusUnauthorized), true, false},
		{"forbidden", status(http.StatusForbidden), true, false},
		{"throttled", status(http.StatusTooManyRequests), false, true},
		{"bad gateway", status(http.StatusBadGateway), false, true},
		{"not found", status(http.StatusNotFound), false, false},
		{"deadline", fmt.Errorf("get: %w", context.DeadlineExceeded), false, true},
		{"net timeout", fmt.Errorf("get: %w", timeoutErr{}), false, true},
		{"other", errors.New("decode"), false, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			got := Classify(review.PlatformA, tc.err)
			require.Equal(t, tc.auth, errors.Is(got, review.ErrAuthExpired))
			require.Equal(t, tc.transient, review.IsTransient(got))
		})
	}
	require.NoError(t, Classify(review.PlatformA, nil))
}
