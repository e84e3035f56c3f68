package pubsub

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/review-reply-crawler/internal/review"
)

func TestAttributesForReviewEvent(t *testing.T) {
	t.Parallel()

	attrs := Attributes(review.Event{
		Type:        review.EventReplyTransition,
		StoreID:     "s1",
		ReplyStatus: review.ReplySent,
	})
	require.Equal(t, map[string]string{
		"event_type":   review.EventReplyTransition,
		"store_id":     "s1",
		"reply_status": "sent",
	}, attrs)
	require.Empty(t, Attributes("plain"))
}

func TestPublishWithoutClient(t *testing.T) {
	t.Parallel()

	_, err := New(nil).Publish(context.Background(), "t", review.Event{})
	require.Error(t, err)
}

func TestCarrierKeys(t *testing.T) {
	t.Parallel()

	c := carrier{}
	c.Set("traceparent", "00-abc")
	require.Equal(t, "00-abc", c.Get("traceparent"))
	require.Equal(t, []string{"traceparent"}, c.Keys())
}
