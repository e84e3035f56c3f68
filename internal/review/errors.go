package review

import (
	"errors"
	"fmt"
)

// Sentinel errors shared by stores, adapters and the lifecycle machine.
var (
	ErrNotFound          = errors.New("not found")
	ErrAuthExpired       = errors.New("platform session expired")
	ErrInvalidTransition = errors.New("invalid reply status transition")
	ErrReplyImmutable    = errors.New("reply already sent")
	ErrSessionFinalized  = errors.New("crawling session already finalized")
	ErrLeaseHeld         = errors.New("lease held by another owner")
)

// TransientFetchError wraps a retryable network or upstream failure.
type TransientFetchError struct {
	Platform Platform
	Err      error
}

func (e *TransientFetchError) Error() string {
	return fmt.Sprintf("transient fetch error on %s: %v", e.Platform, e.Err)
}

func (e *TransientFetchError) Unwrap() error { return e.Err }

// IdentityAmbiguousError reports that more than one stored review matched a
// scraped fragment. It is resolved by tie-break and only ever logged.
type IdentityAmbiguousError struct {
	StoreID    string
	Candidates int
	Chosen     string
}

func (e *IdentityAmbiguousError) Error() string {
	return fmt.Sprintf("ambiguous identity in store %s: %d candidates, chose %s", e.StoreID, e.Candidates, e.Chosen)
}

// DeliveryError wraps a failed reply post.
type DeliveryError struct {
	ReviewID string
	Err      error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver reply for review %s: %v", e.ReviewID, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// DataIntegrityError reports a constraint violation for a single record.
type DataIntegrityError struct {
	Key    string
	Reason string
	Err    error
}

func (e *DataIntegrityError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("data integrity violation for %s: %s: %v", e.Key, e.Reason, e.Err)
	}
	return fmt.Sprintf("data integrity violation for %s: %s", e.Key, e.Reason)
}

func (e *DataIntegrityError) Unwrap() error { return e.Err }

// IsTransient reports whether err should be retried within the cycle.
func IsTransient(err error) bool {
	var te *TransientFetchError
	return errors.As(err, &te)
}

// IsDataIntegrity reports whether err is a per-record integrity violation.
func IsDataIntegrity(err error) bool {
	var de *DataIntegrityError
	return errors.As(err, &de)
}
