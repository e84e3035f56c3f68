// Package review defines core types shared across the ingestion, identity,
// lifecycle and scheduling subsystems.
package review

import (
	"time"

	"github.com/JakeFAU/review-reply-crawler/internal/identity"
)

// Platform identifies the upstream delivery/booking platform a store lives on.
type Platform string

// Supported platforms. A and B expose durable review ids; C and D do not.
const (
	PlatformA Platform = "platform_a"
	PlatformB Platform = "platform_b"
	PlatformC Platform = "platform_c"
	PlatformD Platform = "platform_d"
)

// Platforms lists every supported platform in a stable order.
var Platforms = []Platform{PlatformA, PlatformB, PlatformC, PlatformD}

// Valid reports whether p is a known platform.
func (p Platform) Valid() bool {
	switch p {
	case PlatformA, PlatformB, PlatformC, PlatformD:
		return true
	default:
		return false
	}
}

// NativeIDs reports whether the platform assigns durable review ids.
func (p Platform) NativeIDs() bool {
	return p == PlatformA || p == PlatformB
}

// AutomationMode controls how replies move from candidate text to posting.
type AutomationMode string

// Automation modes.
//   - manual: every reply waits for an explicit owner approval.
//   - assisted: replies auto-approve after the confirmation window.
//   - full: replies auto-approve one day after the review.
const (
	AutomationManual   AutomationMode = "manual"
	AutomationAssisted AutomationMode = "assisted"
	AutomationFull     AutomationMode = "full"
)

// PlatformStore is one owner's storefront on one platform.
type PlatformStore struct {
	ID                     string         `json:"id"`
	OwnerID                string         `json:"owner_id"`
	OwnerActive            bool           `json:"owner_active"`
	Platform               Platform       `json:"platform"`
	ExternalStoreID        string         `json:"external_store_id"`
	CrawlingEnabled        bool           `json:"crawling_enabled"`
	AutomationMode         AutomationMode `json:"automation_mode"`
	CrawlInterval          time.Duration  `json:"crawl_interval"`
	AutoApprovalDelayHours int            `json:"auto_approval_delay_hours"`
	LastCrawledAt          *time.Time     `json:"last_crawled_at,omitempty"`
	CrawlDegraded          bool           `json:"crawl_degraded"`
	DegradedReason         string         `json:"degraded_reason,omitempty"`
	Active                 bool           `json:"active"`
	ReplyTone              string         `json:"reply_tone,omitempty"`
	// SessionToken is the opaque platform credential used by adapters.
	SessionToken string `json:"-"`
}

// StoreSettings are the owner-editable crawl and automation settings.
type StoreSettings struct {
	CrawlingEnabled        bool           `json:"crawling_enabled"`
	AutomationMode         AutomationMode `json:"automation_mode"`
	CrawlInterval          time.Duration  `json:"crawl_interval"`
	AutoApprovalDelayHours int            `json:"auto_approval_delay_hours"`
	ReplyTone              string         `json:"reply_tone"`
}

// Valid reports whether m is a known automation mode.
func (m AutomationMode) Valid() bool {
	switch m {
	case AutomationManual, AutomationAssisted, AutomationFull:
		return true
	default:
		return false
	}
}

// Settings returns the store's editable settings.
func (s PlatformStore) Settings() StoreSettings {
	return StoreSettings{
		CrawlingEnabled:        s.CrawlingEnabled,
		AutomationMode:         s.AutomationMode,
		CrawlInterval:          s.CrawlInterval,
		AutoApprovalDelayHours: s.AutoApprovalDelayHours,
		ReplyTone:              s.ReplyTone,
	}
}

// ReplyAutomationEnabled reports whether replies may be approved without an
// explicit owner action.
func (s PlatformStore) ReplyAutomationEnabled() bool {
	return s.AutomationMode == AutomationAssisted || s.AutomationMode == AutomationFull
}

// Eligible reports whether the store should be crawled at now. The store's
// own interval wins when it is longer than minInterval.
func (s PlatformStore) Eligible(now time.Time, minInterval time.Duration) bool {
	if !s.Active || !s.CrawlingEnabled || !s.OwnerActive || s.CrawlDegraded {
		return false
	}
	if s.LastCrawledAt == nil {
		return true
	}
	interval := s.CrawlInterval
	if interval < minInterval {
		interval = minInterval
	}
	return now.Sub(*s.LastCrawledAt) >= interval
}

// ReplyStatus is the state of a review's reply in the lifecycle.
type ReplyStatus string

// Reply lifecycle states.
const (
	ReplyDraft           ReplyStatus = "draft"
	ReplyPendingApproval ReplyStatus = "pending_approval"
	ReplyApproved        ReplyStatus = "approved"
	ReplySent            ReplyStatus = "sent"
	ReplyFailed          ReplyStatus = "failed"
)

// Ratings holds the overall score plus optional per-aspect scores.
type Ratings struct {
	Overall float64            `json:"overall"`
	Aspects map[string]float64 `json:"aspects,omitempty"`
}

// Review is one persisted customer review and its reply state.
type Review struct {
	ID               string    `json:"id"`
	StoreID          string    `json:"store_id"`
	Platform         Platform  `json:"platform"`
	PlatformReviewID string    `json:"platform_review_id,omitempty"`
	StableID         string    `json:"stable_id,omitempty"`
	ReviewerName     string    `json:"reviewer_name"`
	Ratings          Ratings   `json:"ratings"`
	Text             string    `json:"review_text"`
	ReviewDate       time.Time `json:"review_date"`
	OrderMenu        []string  `json:"order_menu,omitempty"`
	Photos           []string  `json:"photos,omitempty"`

	ReplyText            string      `json:"reply_text,omitempty"`
	ReplyConfidence      float64     `json:"reply_confidence,omitempty"`
	ReplyStatus          ReplyStatus `json:"reply_status"`
	RequiresApproval     bool        `json:"requires_approval"`
	SchedulableReplyDate *time.Time  `json:"schedulable_reply_date,omitempty"`
	ReplyError           string      `json:"reply_error,omitempty"`
	DeliveryAttempts     int         `json:"delivery_attempts"`
	NextDeliveryAt       *time.Time  `json:"next_delivery_at,omitempty"`
	ReplyPostedAt        *time.Time  `json:"reply_posted_at,omitempty"`
	PlatformReplyID      string      `json:"platform_reply_id,omitempty"`

	Identity    *identity.Components `json:"identity,omitempty"`
	Metadata    map[string]any       `json:"metadata,omitempty"`
	FirstSeenAt time.Time            `json:"first_seen_at"`
	LastSeenAt  time.Time            `json:"last_seen_at"`
}

// Clone returns a deep copy of the review so callers can mutate freely.
func (r Review) Clone() Review {
	cp := r
	cp.OrderMenu = append([]string(nil), r.OrderMenu...)
	cp.Photos = append([]string(nil), r.Photos...)
	if r.Ratings.Aspects != nil {
		cp.Ratings.Aspects = make(map[string]float64, len(r.Ratings.Aspects))
		for k, v := range r.Ratings.Aspects {
			cp.Ratings.Aspects[k] = v
		}
	}
	if r.Metadata != nil {
		cp.Metadata = make(map[string]any, len(r.Metadata))
		for k, v := range r.Metadata {
			cp.Metadata[k] = v
		}
	}
	if r.Identity != nil {
		id := *r.Identity
		cp.Identity = &id
	}
	cp.SchedulableReplyDate = cloneTime(r.SchedulableReplyDate)
	cp.NextDeliveryAt = cloneTime(r.NextDeliveryAt)
	cp.ReplyPostedAt = cloneTime(r.ReplyPostedAt)
	return cp
}

// Neighbor is the visible content of an adjacent review in a listing.
type Neighbor = identity.Neighbor

// PageContext describes the page view a listing was captured from.
type PageContext = identity.Page

// ListingContext is the positional context emitted for identity-less platforms.
type ListingContext struct {
	Fragment string
	Prev     *Neighbor
	Next     *Neighbor
	Page     PageContext
	Index    int
}

// RawReview is one decoded record returned by a platform adapter.
type RawReview struct {
	PlatformReviewID string
	ReviewerName     string
	Ratings          Ratings
	Text             string
	ReviewDate       time.Time
	OrderMenu        []string
	Photos           []string
	Metadata         map[string]any
	// Listing is set only by identity-less adapters.
	Listing *ListingContext
}

// SessionStatus is the state of one crawling session.
type SessionStatus string

// Session statuses.
const (
	SessionPending   SessionStatus = "pending"
	SessionRunning   SessionStatus = "running"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
)

// Terminal reports whether the status can no longer change.
func (s SessionStatus) Terminal() bool {
	return s == SessionCompleted || s == SessionFailed
}

// Counts classifies the outcome of one ingestion batch.
type Counts struct {
	Found     int `json:"found"`
	New       int `json:"new"`
	Updated   int `json:"updated"`
	Unchanged int `json:"unchanged"`
	Skipped   int `json:"skipped"`
}

// CrawlingSession is one ledger entry for a store crawl.
type CrawlingSession struct {
	ID          string        `json:"id"`
	StoreID     string        `json:"store_id"`
	Platform    Platform      `json:"platform"`
	Status      SessionStatus `json:"status"`
	StartedAt   time.Time     `json:"started_at"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
	Counts      Counts        `json:"counts"`
	RetryCount  int           `json:"retry_count"`
	ErrorDetail string        `json:"error_detail,omitempty"`
	CaptureURI  string        `json:"capture_uri,omitempty"`
}

// SessionResult is the terminal outcome handed to the ledger.
type SessionResult struct {
	Status      SessionStatus
	Counts      Counts
	RetryCount  int
	ErrorDetail string
	CaptureURI  string
	CompletedAt time.Time
}

// Event is a lifecycle notification published for downstream consumers.
type Event struct {
	Type        string      `json:"type"`
	StoreID     string      `json:"store_id"`
	ReviewID    string      `json:"review_id,omitempty"`
	ReplyStatus ReplyStatus `json:"reply_status,omitempty"`
	Detail      string      `json:"detail,omitempty"`
	At          time.Time   `json:"at"`
}

// Event types.
const (
	EventReplyTransition = "reply.transition"
	EventReauthRequired  = "store.reauth_required"
)

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	ts := *t
	return &ts
}
