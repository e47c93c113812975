// Package mutation provides the data structures for locally queued
// consumption-event writes.
//
// A mutation is the durable, not-yet-confirmed representation of a write
// destined for the remote record store. It is created when the user commits
// a consumption event while offline (or when an online write fails
// transiently), lives in the pending queue until a drain confirms it
// remotely, and is either removed on confirmation or quarantined after its
// retry budget is exhausted.
package mutation

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RecordStatus is the domain status the eventual remote record will carry.
type RecordStatus string

const (
	// StatusPendingApproval marks a record that still needs host approval.
	StatusPendingApproval RecordStatus = "pending_approval"

	// StatusApproved marks a record that is immediately visible.
	StatusApproved RecordStatus = "approved"
)

// Payload describes the consumption event being written.
//
// ConsumedGrams is derived client-side from volume and concentration and is
// also the amount the ledger grants once the write is confirmed.
type Payload struct {
	// ItemRef identifies the consumed item (product reference or free text).
	ItemRef string `json:"item_ref"`

	// VolumeML is the consumed quantity in milliliters.
	VolumeML float64 `json:"volume_ml"`

	// ABV is the concentration (alcohol by volume) as a fraction, e.g. 0.052.
	ABV float64 `json:"abv"`

	// ConsumedGrams is the derived consumed amount in grams.
	ConsumedGrams int `json:"consumed_grams"`
}

// Pending is a queued, not-yet-confirmed write.
//
// LocalID is the idempotency key: it uniquely and permanently identifies the
// mutation across retries and across the pending-to-failed transition, and is
// never reused.
type Pending struct {
	// LocalID is a client-generated, globally unique, immutable identifier.
	LocalID string `json:"local_id"`

	// GroupingID is the event/session the write belongs to.
	GroupingID string `json:"grouping_id"`

	// SubjectID is the author of the write.
	SubjectID string `json:"subject_id"`

	// Payload is the consumption event body.
	Payload Payload `json:"payload"`

	// Status is the domain status the remote record will carry.
	Status RecordStatus `json:"status"`

	// CreatedAt is when the mutation was first enqueued.
	CreatedAt time.Time `json:"created_at"`

	// RetryCount is the number of failed write attempts so far.
	// It only increases, by exactly one per failed attempt.
	RetryCount int `json:"retry_count"`

	// LastError is the message of the most recent failed attempt, if any.
	LastError string `json:"last_error,omitempty"`

	// LastRetryAt is when the most recent failed attempt happened, if any.
	LastRetryAt *time.Time `json:"last_retry_at,omitempty"`
}

// Failed is the terminal variant of a pending mutation, reached when the
// retry budget is exhausted or the remote rejected the write permanently.
// It carries the same payload and requires explicit operator action
// (requeue or discard).
type Failed struct {
	LocalID    string       `json:"local_id"`
	GroupingID string       `json:"grouping_id"`
	SubjectID  string       `json:"subject_id"`
	Payload    Payload      `json:"payload"`
	Status     RecordStatus `json:"status"`
	CreatedAt  time.Time    `json:"created_at"`

	// RetryCount is the count at the moment of quarantine.
	RetryCount int `json:"retry_count"`

	// LastError is the error that caused the quarantine.
	LastError string `json:"last_error"`

	// FailedAt is when the mutation was quarantined.
	FailedAt time.Time `json:"failed_at"`
}

// New creates a pending mutation with a fresh local ID and CreatedAt set to
// the current time.
func New(groupingID, subjectID string, payload Payload, status RecordStatus) *Pending {
	return &Pending{
		LocalID:    uuid.NewString(),
		GroupingID: groupingID,
		SubjectID:  subjectID,
		Payload:    payload,
		Status:     status,
		CreatedAt:  time.Now().UTC(),
	}
}

// Validate checks that the mutation has valid field values.
func (p *Pending) Validate() error {
	if p.LocalID == "" {
		return fmt.Errorf("local_id is required")
	}
	if _, err := uuid.Parse(p.LocalID); err != nil {
		return fmt.Errorf("local_id must be a UUID: %w", err)
	}
	if p.GroupingID == "" {
		return fmt.Errorf("grouping_id is required")
	}
	if p.SubjectID == "" {
		return fmt.Errorf("subject_id is required")
	}
	if p.Payload.ItemRef == "" {
		return fmt.Errorf("payload.item_ref is required")
	}
	if p.Payload.VolumeML <= 0 {
		return fmt.Errorf("payload.volume_ml must be positive (got %v)", p.Payload.VolumeML)
	}
	if p.Payload.ABV < 0 || p.Payload.ABV > 1 {
		return fmt.Errorf("payload.abv must be in [0, 1] (got %v)", p.Payload.ABV)
	}
	if p.Payload.ConsumedGrams < 0 {
		return fmt.Errorf("payload.consumed_grams must be non-negative (got %d)", p.Payload.ConsumedGrams)
	}
	switch p.Status {
	case StatusPendingApproval, StatusApproved:
	default:
		return fmt.Errorf("unknown status %q", p.Status)
	}
	if p.CreatedAt.IsZero() {
		return fmt.Errorf("created_at is required")
	}
	if p.RetryCount < 0 {
		return fmt.Errorf("retry_count must be non-negative (got %d)", p.RetryCount)
	}
	return nil
}

// ToFailed converts the mutation to its quarantined form.
func (p *Pending) ToFailed(lastError string, failedAt time.Time) *Failed {
	return &Failed{
		LocalID:    p.LocalID,
		GroupingID: p.GroupingID,
		SubjectID:  p.SubjectID,
		Payload:    p.Payload,
		Status:     p.Status,
		CreatedAt:  p.CreatedAt,
		RetryCount: p.RetryCount,
		LastError:  lastError,
		FailedAt:   failedAt,
	}
}

// ToPending converts a quarantined mutation back to a pending one with the
// retry count and error fields cleared. The local ID is preserved.
func (f *Failed) ToPending() *Pending {
	return &Pending{
		LocalID:    f.LocalID,
		GroupingID: f.GroupingID,
		SubjectID:  f.SubjectID,
		Payload:    f.Payload,
		Status:     f.Status,
		CreatedAt:  f.CreatedAt,
	}
}
