package lifecycle

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/review-reply-crawler/internal/review"
)

var allStatuses = []review.ReplyStatus{
	review.ReplyDraft,
	review.ReplyPendingApproval,
	review.ReplyApproved,
	review.ReplySent,
	review.ReplyFailed,
}

func TestTransitionTable(t *testing.T) {
	t.Parallel()

	allowed := map[[2]review.ReplyStatus]bool{
		{review.ReplyDraft, review.ReplyPendingApproval}:    true,
		{review.ReplyPendingApproval, review.ReplyApproved}: true,
		{review.ReplyPendingApproval, review.ReplyFailed}:   true,
		{review.ReplyApproved, review.ReplySent}:            true,
		{review.ReplyApproved, review.ReplyFailed}:          true,
		{review.ReplyFailed, review.ReplyApproved}:          true,
	}
	for _, from := range allStatuses {
		for _, to := range allStatuses {
			want := allowed[[2]review.ReplyStatus{from, to}]
			require.Equal(t, want, CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestSentIsTerminal(t *testing.T) {
	t.Parallel()

	for _, to := range allStatuses {
		require.ErrorIs(t, Transition(review.ReplySent, to), review.ErrReplyImmutable)
	}
}

func TestFailedNeverGoesStraightToSent(t *testing.T) {
	t.Parallel()

	require.ErrorIs(t, Transition(review.ReplyFailed, review.ReplySent), review.ErrInvalidTransition)
	require.NoError(t, Transition(review.ReplyFailed, review.ReplyApproved))
}
