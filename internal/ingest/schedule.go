package ingest

import (
	"time"

	"github.com/JakeFAU/review-reply-crawler/internal/review"
)

const (
	fullAutomationDelay = 24 * time.Hour
	confirmationWindow  = 48 * time.Hour
)

// Schedule derives the approval requirement and earliest reply date for a
// review of the given store. The review date is truncated to its UTC day;
// full automation adds one day, every other mode adds the two day
// confirmation window. A positive per-store delay overrides both.
func Schedule(store review.PlatformStore, reviewDate time.Time) (bool, time.Time) {
	d := reviewDate.UTC()
	day := time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, time.UTC)

	delay := confirmationWindow
	if store.AutomationMode == review.AutomationFull {
		delay = fullAutomationDelay
	}
	if store.AutoApprovalDelayHours > 0 {
		delay = time.Duration(store.AutoApprovalDelayHours) * time.Hour
	}
	return store.AutomationMode != review.AutomationFull, day.Add(delay)
}
