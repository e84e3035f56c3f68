// Package ingest deduplicates adapter records into the review tables and
// derives the approval and scheduling fields of new reviews.
package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/review-reply-crawler/internal/identity"
	"github.com/JakeFAU/review-reply-crawler/internal/metrics"
	"github.com/JakeFAU/review-reply-crawler/internal/review"
)

type outcome int

const (
	outcomeNew outcome = iota
	outcomeUpdated
	outcomeUnchanged
)

// Upserter writes one store's batch of raw records as a single unit.
type Upserter struct {
	reviews review.ReviewRepository
	idGen   review.IDGenerator
	logger  *zap.Logger
}

// New constructs an Upserter.
func New(reviews review.ReviewRepository, idGen review.IDGenerator, logger *zap.Logger) *Upserter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Upserter{
		reviews: reviews,
		idGen:   idGen,
		logger:  logger,
	}
}

// Ingest upserts records for store and stamps its last crawl time inside the
// same unit of work. Records that violate integrity rules are skipped and
// counted; any other error aborts the whole batch.
func (u *Upserter) Ingest(
	ctx context.Context,
	store review.PlatformStore,
	records []review.RawReview,
	crawledAt time.Time,
) (review.Counts, error) {
	var counts review.Counts
	err := u.reviews.WithinTx(ctx, store, func(tx review.ReviewTx) error {
		counts = review.Counts{}
		matched := make(map[string]struct{})
		for _, raw := range records {
			counts.Found++
			res, err := u.ingestOne(ctx, tx, store, raw, crawledAt, matched)
			if err != nil {
				if review.IsDataIntegrity(err) {
					counts.Skipped++
					u.logger.Warn("skipping review record",
						zap.String("store_id", store.ID),
						zap.Error(err),
					)
					continue
				}
				return err
			}
			switch res {
			case outcomeNew:
				counts.New++
			case outcomeUpdated:
				counts.Updated++
			default:
				counts.Unchanged++
			}
		}
		if err := tx.TouchStore(ctx, crawledAt); err != nil {
			return fmt.Errorf("touch store: %w", err)
		}
		return nil
	})
	if err != nil {
		return review.Counts{}, fmt.Errorf("ingest store %s: %w", store.ID, err)
	}

	platform := string(store.Platform)
	metrics.ObserveIngest(platform, "new", counts.New)
	metrics.ObserveIngest(platform, "updated", counts.Updated)
	metrics.ObserveIngest(platform, "unchanged", counts.Unchanged)
	metrics.ObserveIngest(platform, "skipped", counts.Skipped)
	return counts, nil
}

// ResetSchedule recomputes approval and scheduling fields for every reply not
// yet sent, after the store's automation settings were explicitly reset.
func (u *Upserter) ResetSchedule(ctx context.Context, store review.PlatformStore) (int, error) {
	updated := 0
	err := u.reviews.WithinTx(ctx, store, func(tx review.ReviewTx) error {
		updated = 0
		open, err := tx.ListOpen(ctx)
		if err != nil {
			return fmt.Errorf("list open reviews: %w", err)
		}
		for _, r := range open {
			requires, at := Schedule(store, r.ReviewDate)
			r.RequiresApproval = requires
			r.SchedulableReplyDate = &at
			if err := tx.UpdateSchedule(ctx, r); err != nil {
				return fmt.Errorf("update schedule for %s: %w", r.ID, err)
			}
			updated++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("reset schedule for store %s: %w", store.ID, err)
	}
	return updated, nil
}

func (u *Upserter) ingestOne(
	ctx context.Context,
	tx review.ReviewTx,
	store review.PlatformStore,
	raw review.RawReview,
	crawledAt time.Time,
	matched map[string]struct{},
) (outcome, error) {
	if err := validate(store.Platform, raw); err != nil {
		return outcomeUnchanged, err
	}

	var (
		existing review.Review
		found    bool
		err      error
		comps    identity.Components
		stableID string
	)
	if store.Platform.NativeIDs() {
		existing, found, err = tx.FindByPlatformID(ctx, raw.PlatformReviewID)
		if err != nil {
			return outcomeUnchanged, fmt.Errorf("lookup platform id %s: %w", raw.PlatformReviewID, err)
		}
	} else {
		comps = identity.Compute(identityInput(raw))
		existing, found, stableID, err = u.matchListing(ctx, tx, store, comps, matched)
		if err != nil {
			return outcomeUnchanged, err
		}
	}

	var next review.Review
	changed := false
	if found {
		matched[existing.ID] = struct{}{}
		next = merge(existing, raw, crawledAt)
		if !store.Platform.NativeIDs() {
			refreshed := comps
			next.Identity = &refreshed
		}
		changed = contentChanged(existing, next)
	} else {
		next, err = u.newReview(store, raw, crawledAt)
		if err != nil {
			return outcomeUnchanged, err
		}
		if !store.Platform.NativeIDs() {
			c := comps
			next.Identity = &c
			next.StableID = stableID
		}
	}

	inserted, err := tx.Upsert(ctx, next)
	if err != nil {
		return outcomeUnchanged, fmt.Errorf("upsert review: %w", err)
	}
	switch {
	case inserted:
		matched[next.ID] = struct{}{}
		return outcomeNew, nil
	case changed:
		return outcomeUpdated, nil
	default:
		return outcomeUnchanged, nil
	}
}

// matchListing looks a scraped fragment up by stable id, then by content and
// neighbors. A row already claimed earlier in the batch is never reused, and
// a stable id hit whose neighbors differ only wins once no row with the same
// content and neighbors exists. On a miss it returns the stable id to mint:
// DistinctStableID when the plain one is already taken.
func (u *Upserter) matchListing(
	ctx context.Context,
	tx review.ReviewTx,
	store review.PlatformStore,
	comps identity.Components,
	matched map[string]struct{},
) (review.Review, bool, string, error) {
	exact, exactFound, err := tx.FindByStableID(ctx, comps.StableID())
	if err != nil {
		return review.Review{}, false, "", fmt.Errorf("lookup stable id: %w", err)
	}
	exactFree := false
	if exactFound {
		_, taken := matched[exact.ID]
		exactFree = !taken
	}
	if exactFree && sameNeighbors(exact, comps) {
		return exact, true, "", nil
	}

	rows, err := tx.FindByContentNeighbor(ctx, comps.ContentHash, comps.NeighborHash)
	if err != nil {
		return review.Review{}, false, "", fmt.Errorf("lookup content/neighbor: %w", err)
	}
	byKey := make(map[string]review.Review, len(rows))
	candidates := make([]identity.Candidate, 0, len(rows))
	for _, r := range rows {
		if _, taken := matched[r.ID]; taken || r.Identity == nil {
			continue
		}
		byKey[r.ID] = r
		candidates = append(candidates, identity.Candidate{
			Key:        r.ID,
			Components: *r.Identity,
			LastSeenAt: r.LastSeenAt,
		})
	}
	best, ok, n := identity.Resolve(comps, candidates)
	if ok {
		if n > 1 {
			u.logger.Warn("identity resolved by tie-break",
				zap.Error(&review.IdentityAmbiguousError{StoreID: store.ID, Candidates: n, Chosen: best.Key}),
			)
		}
		return byKey[best.Key], true, "", nil
	}
	if exactFree {
		// Same content and markup, neighbors drifted.
		return exact, true, "", nil
	}
	if exactFound {
		return review.Review{}, false, comps.DistinctStableID(), nil
	}
	return review.Review{}, false, comps.StableID(), nil
}

func sameNeighbors(r review.Review, comps identity.Components) bool {
	return r.Identity != nil && r.Identity.NeighborHash.Equal(comps.NeighborHash)
}

func (u *Upserter) newReview(store review.PlatformStore, raw review.RawReview, crawledAt time.Time) (review.Review, error) {
	id, err := u.idGen.NewID()
	if err != nil {
		return review.Review{}, fmt.Errorf("generate review id: %w", err)
	}
	requires, at := Schedule(store, raw.ReviewDate)
	return review.Review{
		ID:                   id,
		StoreID:              store.ID,
		Platform:             store.Platform,
		PlatformReviewID:     raw.PlatformReviewID,
		ReviewerName:         raw.ReviewerName,
		Ratings:              raw.Ratings,
		Text:                 raw.Text,
		ReviewDate:           raw.ReviewDate.UTC(),
		OrderMenu:            raw.OrderMenu,
		Photos:               raw.Photos,
		Metadata:             raw.Metadata,
		ReplyStatus:          review.ReplyDraft,
		RequiresApproval:     requires,
		SchedulableReplyDate: &at,
		FirstSeenAt:          crawledAt,
		LastSeenAt:           crawledAt,
	}, nil
}

func validate(platform review.Platform, raw review.RawReview) error {
	key := raw.PlatformReviewID
	switch {
	case platform.NativeIDs() && raw.PlatformReviewID == "":
		return &review.DataIntegrityError{Key: "<empty>", Reason: "missing platform review id"}
	case !platform.NativeIDs() && raw.Listing == nil:
		return &review.DataIntegrityError{Key: raw.ReviewerName, Reason: "missing listing context"}
	case raw.ReviewDate.IsZero():
		if key == "" {
			key = raw.ReviewerName
		}
		return &review.DataIntegrityError{Key: key, Reason: "missing review date"}
	case raw.Ratings.Overall < 0 || raw.Ratings.Overall > 5:
		return &review.DataIntegrityError{Key: key, Reason: fmt.Sprintf("rating %.1f out of range", raw.Ratings.Overall)}
	}
	return nil
}

func identityInput(raw review.RawReview) identity.Input {
	l := raw.Listing
	return identity.Input{
		Reviewer: raw.ReviewerName,
		Text:     raw.Text,
		Rating:   raw.Ratings.Overall,
		Fragment: l.Fragment,
		Prev:     l.Prev,
		Next:     l.Next,
		Page:     l.Page,
		Index:    l.Index,
	}
}

// merge applies the mutable content of raw onto a stored review. Reply
// fields, keys and the review date are left untouched.
func merge(existing review.Review, raw review.RawReview, crawledAt time.Time) review.Review {
	next := existing.Clone()
	next.ReviewerName = raw.ReviewerName
	next.Ratings = raw.Ratings
	next.Text = raw.Text
	next.OrderMenu = raw.OrderMenu
	next.Photos = raw.Photos
	if len(raw.Metadata) > 0 {
		if next.Metadata == nil {
			next.Metadata = make(map[string]any, len(raw.Metadata))
		}
		for k, v := range raw.Metadata {
			next.Metadata[k] = v
		}
	}
	next.LastSeenAt = crawledAt
	return next
}

func contentChanged(a, b review.Review) bool {
	if a.ReviewerName != b.ReviewerName || a.Text != b.Text || a.Ratings.Overall != b.Ratings.Overall {
		return true
	}
	if !slices.Equal(a.Photos, b.Photos) || !slices.Equal(a.OrderMenu, b.OrderMenu) {
		return true
	}
	return !sameJSON(a.Ratings.Aspects, b.Ratings.Aspects) || !sameJSON(a.Metadata, b.Metadata)
}

func sameJSON(a, b any) bool {
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return errors.Is(errA, errB)
	}
	return bytes.Equal(ja, jb)
}
