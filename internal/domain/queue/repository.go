package queue

import (
	"context"
	"time"

	"stockgate/internal/core/id"
)

// Repository persists queue items. The postgres implementation claims with
// FOR UPDATE SKIP LOCKED so concurrent workers never double-deliver.
type Repository interface {
	// Enqueue inserts a Pending item. Returns apperror.CodeDuplicateReference
	// when a non-terminal item with the same external reference exists.
	Enqueue(ctx context.Context, item *Item) error

	GetByID(ctx context.Context, itemID id.ID) (*Item, error)
	GetByExternalRef(ctx context.Context, externalRef string) (*Item, error)
	ListByStatus(ctx context.Context, status Status, limit, offset int) ([]Item, error)

	// ClaimNext atomically claims the oldest due Pending item for workerID,
	// marking it Processing. Returns (nil, nil) when nothing is due.
	ClaimNext(ctx context.Context, workerID string, now time.Time) (*Item, error)

	// Complete marks a Processing item delivered.
	Complete(ctx context.Context, itemID id.ID, externalDocID string, at time.Time) error

	// Reschedule returns a Processing item to Pending with the retry time.
	Reschedule(ctx context.Context, itemID id.ID, attempts int, lastError string, nextAttemptAt time.Time) error

	// Escalate parks a Processing item as NeedsReview.
	Escalate(ctx context.Context, itemID id.ID, attempts int, lastError string) error

	// Fail marks a Processing item permanently rejected.
	Fail(ctx context.Context, itemID id.ID, attempts int, lastError string) error

	// Cancel drops a Pending or NeedsReview item.
	Cancel(ctx context.Context, itemID id.ID) error

	// Reset returns a NeedsReview or Failed item to Pending with zero attempts.
	Reset(ctx context.Context, itemID id.ID, now time.Time) error

	// PurgeCompleted deletes Completed items older than the cutoff.
	PurgeCompleted(ctx context.Context, olderThan time.Time) (int64, error)
}
