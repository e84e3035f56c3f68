package replyclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/review-reply-crawler/internal/review"
)

func sampleReview() review.Review {
	return review.Review{
		ID: "r1", StoreID: "s1", Platform: review.PlatformC, StableID: "abc",
		ReviewerName: "Kim", Ratings: review.Ratings{Overall: 4}, Text: "good", ReplyText: "Thanks Kim!",
	}
}

func TestGenerateSendsToneAndParsesSuggestion(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer k", r.Header.Get("Authorization"))
		var body generateRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "warm", body.Tone)
		require.Equal(t, 4.0, body.Rating)
		_ = json.NewEncoder(w).Encode(generateResponse{ReplyText: " Thanks Kim! ", Confidence: 0.9})
	}))
	defer srv.Close()

	c := New(Config{GeneratorURL: srv.URL, APIKey: "k"}, srv.Client(), nil)
	s, err := c.Generate(context.Background(), sampleReview(), review.PlatformStore{ReplyTone: "warm"})
	require.NoError(t, err)
	require.Equal(t, "Thanks Kim!", s.Text)
	require.Equal(t, 0.9, s.Confidence)
}

func TestGenerateNoContentMeansNoSuggestion(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	s, err := New(Config{GeneratorURL: srv.URL}, srv.Client(), nil).
		Generate(context.Background(), sampleReview(), review.PlatformStore{})
	require.NoError(t, err)
	require.Empty(t, s.Text)
}

func TestDeliverForwardsSessionAndReturnsReceipt(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "tok", r.Header.Get("X-Platform-Session"))
		var body deliverRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "abc", body.StableID)
		require.Equal(t, "ext-9", body.ExternalStoreID)
		_ = json.NewEncoder(w).Encode(deliverResponse{Accepted: true, PlatformReplyID: "pr-1"})
	}))
	defer srv.Close()

	store := review.PlatformStore{Platform: review.PlatformC, ExternalStoreID: "ext-9", SessionToken: "tok"}
	receipt, err := New(Config{DeliveryURL: srv.URL}, srv.Client(), nil).Deliver(context.Background(), sampleReview(), store)
	require.NoError(t, err)
	require.Equal(t, "pr-1", receipt.PlatformReplyID)
}

func TestDeliverErrors(t *testing.T) {
	t.Parallel()

	rejected := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(deliverResponse{Accepted: false, Error: "reply too long"})
	}))
	defer rejected.Close()
	_, err := New(Config{DeliveryURL: rejected.URL}, rejected.Client(), nil).
		Deliver(context.Background(), sampleReview(), review.PlatformStore{})
	require.EqualError(t, err, "reply too long")

	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "upstream exploded", http.StatusBadGateway)
	}))
	defer broken.Close()
	_, err = New(Config{DeliveryURL: broken.URL}, broken.Client(), nil).
		Deliver(context.Background(), sampleReview(), review.PlatformStore{})
	require.ErrorContains(t, err, "status 502")
	require.ErrorContains(t, err, "upstream exploded")

	_, err = New(Config{}, nil, nil).Deliver(context.Background(), sampleReview(), review.PlatformStore{})
	require.Error(t, err)
}
