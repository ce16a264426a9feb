// Package queue implements the durable posting queue: reservations whose
// documents must reach the ERP survive restarts and upstream outages here.
package queue

import (
	"time"

	"stockgate/internal/core/id"
	"stockgate/internal/domain/erp"
)

// Status is the queue item lifecycle state.
//
//	Pending → Processing → Completed
//	                     → Pending      (transient failure, retry scheduled)
//	                     → NeedsReview  (transient failures exhausted)
//	                     → Failed       (permanent rejection)
//	Pending | NeedsReview → Cancelled   (operator)
//	NeedsReview | Failed  → Pending     (operator retry)
type Status string

const (
	StatusPending     Status = "pending"
	StatusProcessing  Status = "processing"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusNeedsReview Status = "needs_review"
	StatusCancelled   Status = "cancelled"
)

// Terminal reports whether the worker will never pick the item up again
// without operator intervention.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// DefaultMaxAttempts bounds automatic retries before escalation.
const DefaultMaxAttempts = 3

// Item is one document awaiting delivery to the ERP.
type Item struct {
	ID            id.ID            `db:"id" json:"id"`
	ReservationID id.ID            `db:"reservation_id" json:"reservationId"`
	ExternalRef   string           `db:"external_ref" json:"externalRef"`
	DocumentType  erp.DocumentType `db:"document_type" json:"documentType"`

	// Payload is the serialized erp.Document, frozen at enqueue time.
	Payload []byte `db:"payload" json:"-"`

	Status      Status `db:"status" json:"status"`
	Attempts    int    `db:"attempts" json:"attempts"`
	MaxAttempts int    `db:"max_attempts" json:"maxAttempts"`
	LastError   string `db:"last_error" json:"lastError,omitempty"`

	NextAttemptAt time.Time `db:"next_attempt_at" json:"nextAttemptAt"`
	ClaimedBy     string    `db:"claimed_by" json:"claimedBy,omitempty"`

	CreatedAt     time.Time  `db:"created_at" json:"createdAt"`
	UpdatedAt     time.Time  `db:"updated_at" json:"updatedAt"`
	CompletedAt   *time.Time `db:"completed_at" json:"completedAt,omitempty"`
	ExternalDocID string     `db:"external_doc_id" json:"externalDocId,omitempty"`
}
