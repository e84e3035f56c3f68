// Package lifecycle drives a review's reply from draft to sent.
package lifecycle

import (
	"fmt"

	"github.com/JakeFAU/review-reply-crawler/internal/review"
)

// transitions lists every allowed edge. Status only moves forward, except
// failed -> approved for delivery retries. sent has no outgoing edges.
var transitions = map[review.ReplyStatus][]review.ReplyStatus{
	review.ReplyDraft:           {review.ReplyPendingApproval},
	review.ReplyPendingApproval: {review.ReplyApproved, review.ReplyFailed},
	review.ReplyApproved:        {review.ReplySent, review.ReplyFailed},
	review.ReplyFailed:          {review.ReplyApproved},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to review.ReplyStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition validates from -> to and returns a wrapped
// review.ErrInvalidTransition or review.ErrReplyImmutable when illegal.
func Transition(from, to review.ReplyStatus) error {
	if from == review.ReplySent {
		return fmt.Errorf("%s -> %s: %w", from, to, review.ErrReplyImmutable)
	}
	if !CanTransition(from, to) {
		return fmt.Errorf("%s -> %s: %w", from, to, review.ErrInvalidTransition)
	}
	return nil
}
