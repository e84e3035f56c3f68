package lifecycle

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/review-reply-crawler/internal/clock/manual"
	pubmemory "github.com/JakeFAU/review-reply-crawler/internal/publisher/memory"
	"github.com/JakeFAU/review-reply-crawler/internal/review"
	"github.com/JakeFAU/review-reply-crawler/internal/storage/memory"
)

type fakeGenerator struct {
	text string
	err  error
}

func (g fakeGenerator) Generate(context.Context, review.Review, review.PlatformStore) (review.Suggestion, error) {
	return review.Suggestion{Text: g.text, Confidence: 0.8}, g.err
}

type scriptedDeliverer struct {
	mu    sync.Mutex
	fails int
	calls int
}

func (d *scriptedDeliverer) Deliver(context.Context, review.Review, review.PlatformStore) (review.DeliveryReceipt, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if d.calls <= d.fails {
		return review.DeliveryReceipt{}, errors.New("platform rejected reply: 502")
	}
	return review.DeliveryReceipt{PlatformReplyID: "reply-77"}, nil
}

type harness struct {
	stores    *memory.StoreRepository
	reviews   *memory.ReviewRepository
	clock     *manual.Clock
	pub       *pubmemory.Publisher
	deliverer *scriptedDeliverer
	machine   *Machine
}

var reviewDay = time.Date(2025, 1, 1, 15, 0, 0, 0, time.UTC)

func newHarness(t *testing.T, mode review.AutomationMode, gen fakeGenerator, fails int) harness {
	t.Helper()
	ctx := context.Background()
	stores := memory.NewStoreRepository()
	store, err := stores.Connect(ctx, review.PlatformStore{
		ID: "s1", OwnerID: "o1", OwnerActive: true, Platform: review.PlatformA,
		ExternalStoreID: "x", CrawlingEnabled: true, AutomationMode: mode,
	})
	require.NoError(t, err)
	reviews := memory.NewReviewRepository(stores)
	require.NoError(t, reviews.WithinTx(ctx, store, func(tx review.ReviewTx) error {
		_, err := tx.Upsert(ctx, review.Review{
			ID: "r1", StoreID: "s1", Platform: review.PlatformA, PlatformReviewID: "p1",
			ReviewerName: "Kim", Text: "tasty", Ratings: review.Ratings{Overall: 5},
			ReviewDate: reviewDay, ReplyStatus: review.ReplyDraft,
		})
		return err
	}))

	clk := manual.New(reviewDay.Add(time.Hour))
	pub := pubmemory.New()
	d := &scriptedDeliverer{fails: fails}
	m := New(reviews, stores, gen, d, pub, nil, clk, Config{RetryBackoff: 10 * time.Minute}, nil)
	return harness{stores: stores, reviews: reviews, clock: clk, pub: pub, deliverer: d, machine: m}
}

func (h harness) get(t *testing.T) review.Review {
	t.Helper()
	r, err := h.reviews.Get(context.Background(), "r1")
	require.NoError(t, err)
	return r
}

func TestGenerateMovesDraftToPending(t *testing.T) {
	t.Parallel()

	h := newHarness(t, review.AutomationAssisted, fakeGenerator{text: "Thank you!"}, 0)
	next, err := h.machine.Generate(context.Background(), h.get(t))
	require.NoError(t, err)
	require.Equal(t, review.ReplyPendingApproval, next.ReplyStatus)

	stored := h.get(t)
	require.Equal(t, "Thank you!", stored.ReplyText)
	require.Equal(t, 0.8, stored.ReplyConfidence)
	require.Equal(t, time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC), *stored.SchedulableReplyDate)
	require.True(t, stored.RequiresApproval)

	events := h.pub.Events(review.EventReplyTransition)
	require.Len(t, events, 1)
	require.Equal(t, review.ReplyPendingApproval, events[0].ReplyStatus)
}

func TestGenerateWithoutSuggestionStaysDraft(t *testing.T) {
	t.Parallel()

	h := newHarness(t, review.AutomationAssisted, fakeGenerator{}, 0)
	next, err := h.machine.Generate(context.Background(), h.get(t))
	require.NoError(t, err)
	require.Equal(t, review.ReplyDraft, next.ReplyStatus)
	require.Equal(t, review.ReplyDraft, h.get(t).ReplyStatus)
	require.Empty(t, h.pub.Messages())
}

func TestAutoApprovalWaitsForConfirmationWindow(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, review.AutomationAssisted, fakeGenerator{text: "thanks"}, 0)
	_, err := h.machine.Generate(ctx, h.get(t))
	require.NoError(t, err)

	due := time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC)
	n, err := h.machine.AutoApproveDue(ctx, due.Add(-time.Nanosecond))
	require.NoError(t, err)
	require.Zero(t, n)
	require.Equal(t, review.ReplyPendingApproval, h.get(t).ReplyStatus)

	n, err = h.machine.AutoApproveDue(ctx, due)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, review.ReplyApproved, h.get(t).ReplyStatus)
}

func TestAutoApprovalFullAutomationAfterOneDay(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, review.AutomationFull, fakeGenerator{text: "thanks"}, 0)
	_, err := h.machine.Generate(ctx, h.get(t))
	require.NoError(t, err)

	n, err := h.machine.AutoApproveDue(ctx, time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestAutoApprovalNeverForManualStores(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, review.AutomationManual, fakeGenerator{text: "thanks"}, 0)
	_, err := h.machine.Generate(ctx, h.get(t))
	require.NoError(t, err)

	n, err := h.machine.AutoApproveDue(ctx, reviewDay.Add(30*24*time.Hour))
	require.NoError(t, err)
	require.Zero(t, n)

	approved, err := h.machine.Approve(ctx, "r1")
	require.NoError(t, err)
	require.Equal(t, review.ReplyApproved, approved.ReplyStatus)
}

func TestDeliveryFailureThenRetrySucceeds(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, review.AutomationManual, fakeGenerator{text: "thanks"}, 1)
	_, err := h.machine.Generate(ctx, h.get(t))
	require.NoError(t, err)
	_, err = h.machine.Approve(ctx, "r1")
	require.NoError(t, err)

	failedAt := h.clock.Now()
	_, err = h.machine.Deliver(ctx, h.get(t))
	var derr *review.DeliveryError
	require.ErrorAs(t, err, &derr)

	failed := h.get(t)
	require.Equal(t, review.ReplyFailed, failed.ReplyStatus)
	require.Contains(t, failed.ReplyError, "502")
	require.Equal(t, 1, failed.DeliveryAttempts)
	require.Equal(t, failedAt.Add(10*time.Minute), *failed.NextDeliveryAt)
	require.Nil(t, failed.ReplyPostedAt)

	report, err := h.machine.Sweep(ctx, failedAt.Add(5*time.Minute))
	require.NoError(t, err)
	require.Zero(t, report.Retried)
	require.Equal(t, review.ReplyFailed, h.get(t).ReplyStatus)

	h.clock.Advance(10 * time.Minute)
	report, err = h.machine.Sweep(ctx, h.clock.Now())
	require.NoError(t, err)
	require.Equal(t, 1, report.Retried)
	require.Equal(t, 1, report.Sent)

	sent := h.get(t)
	require.Equal(t, review.ReplySent, sent.ReplyStatus)
	require.NotNil(t, sent.ReplyPostedAt)
	require.Equal(t, "reply-77", sent.PlatformReplyID)
	require.Empty(t, sent.ReplyError)
	postedAt := *sent.ReplyPostedAt

	h.clock.Advance(time.Hour)
	_, err = h.machine.Sweep(ctx, h.clock.Now())
	require.NoError(t, err)
	require.Equal(t, postedAt, *h.get(t).ReplyPostedAt)
	require.Equal(t, 2, h.deliverer.calls)
}

func TestRetryStopsAtMaxAttempts(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, review.AutomationManual, fakeGenerator{text: "thanks"}, 10)
	_, err := h.machine.Generate(ctx, h.get(t))
	require.NoError(t, err)
	_, err = h.machine.Approve(ctx, "r1")
	require.NoError(t, err)

	for i := 0; i < 6; i++ {
		_, err := h.machine.Sweep(ctx, h.clock.Now())
		require.NoError(t, err)
		h.clock.Advance(2 * time.Hour)
	}
	stuck := h.get(t)
	require.Equal(t, review.ReplyFailed, stuck.ReplyStatus)
	require.Equal(t, 3, stuck.DeliveryAttempts)
	require.Equal(t, 3, h.deliverer.calls)

	reapproved, err := h.machine.Approve(ctx, "r1")
	require.NoError(t, err)
	require.Zero(t, reapproved.DeliveryAttempts)
}

func TestSentRepliesAreImmutable(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, review.AutomationManual, fakeGenerator{text: "thanks"}, 0)
	_, err := h.machine.Generate(ctx, h.get(t))
	require.NoError(t, err)
	_, err = h.machine.Approve(ctx, "r1")
	require.NoError(t, err)
	_, err = h.machine.Deliver(ctx, h.get(t))
	require.NoError(t, err)

	_, err = h.machine.Approve(ctx, "r1")
	require.ErrorIs(t, err, review.ErrReplyImmutable)
	_, err = h.machine.Fail(ctx, h.get(t), "late")
	require.ErrorIs(t, err, review.ErrReplyImmutable)
	_, err = h.machine.Deliver(ctx, h.get(t))
	require.ErrorIs(t, err, review.ErrInvalidTransition)
	require.Equal(t, review.ReplySent, h.get(t).ReplyStatus)
}

func TestDeactivatedStoreFailsApprovedReply(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, review.AutomationManual, fakeGenerator{text: "thanks"}, 0)
	_, err := h.machine.Generate(ctx, h.get(t))
	require.NoError(t, err)
	_, err = h.machine.Approve(ctx, "r1")
	require.NoError(t, err)
	require.NoError(t, h.stores.Deactivate(ctx, "s1"))

	report, err := h.machine.Sweep(ctx, h.clock.Now())
	require.NoError(t, err)
	require.Equal(t, 1, report.Failed)
	got := h.get(t)
	require.Equal(t, review.ReplyFailed, got.ReplyStatus)
	require.Equal(t, "store deactivated", got.ReplyError)
	require.Zero(t, h.deliverer.calls)
}

func TestPublishFailureDoesNotBlockTransition(t *testing.T) {
	t.Parallel()

	h := newHarness(t, review.AutomationManual, fakeGenerator{text: "thanks"}, 0)
	h.pub.FailWith(errors.New("broker down"))
	_, err := h.machine.Generate(context.Background(), h.get(t))
	require.NoError(t, err)
	require.Equal(t, review.ReplyPendingApproval, h.get(t).ReplyStatus)
}

type gatedDeliverer struct {
	entered chan struct{}
	release chan struct{}
	calls   atomic.Int32
}

func (d *gatedDeliverer) Deliver(context.Context, review.Review, review.PlatformStore) (review.DeliveryReceipt, error) {
	d.calls.Add(1)
	d.entered <- struct{}{}
	<-d.release
	return review.DeliveryReceipt{PlatformReplyID: "reply-1"}, nil
}

func TestDeliverPostsOnceUnderConcurrentCallers(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, review.AutomationManual, fakeGenerator{text: "thanks"}, 0)
	_, err := h.machine.Generate(ctx, h.get(t))
	require.NoError(t, err)
	approved, err := h.machine.Approve(ctx, "r1")
	require.NoError(t, err)

	d := &gatedDeliverer{entered: make(chan struct{}, 2), release: make(chan struct{})}
	m := New(h.reviews, h.stores, fakeGenerator{}, d, nil, nil, h.clock, Config{}, nil)

	done := make(chan error, 1)
	go func() {
		_, err := m.Deliver(ctx, approved)
		done <- err
	}()
	<-d.entered

	_, err = m.Deliver(ctx, approved)
	require.ErrorIs(t, err, review.ErrLeaseHeld)
	report, err := m.Sweep(ctx, h.clock.Now())
	require.NoError(t, err)
	require.Zero(t, report.Sent)
	require.Zero(t, report.Failed)

	close(d.release)
	require.NoError(t, <-done)
	require.Equal(t, int32(1), d.calls.Load())
	require.Equal(t, review.ReplySent, h.get(t).ReplyStatus)
}

func TestDeliverStaleCopyDoesNotRepost(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, review.AutomationManual, fakeGenerator{text: "thanks"}, 0)
	_, err := h.machine.Generate(ctx, h.get(t))
	require.NoError(t, err)
	approved, err := h.machine.Approve(ctx, "r1")
	require.NoError(t, err)

	_, err = h.machine.Deliver(ctx, approved)
	require.NoError(t, err)
	got, err := h.machine.Deliver(ctx, approved)
	require.ErrorIs(t, err, review.ErrInvalidTransition)
	require.Equal(t, review.ReplySent, got.ReplyStatus)
	require.Equal(t, 1, h.deliverer.calls)
}
