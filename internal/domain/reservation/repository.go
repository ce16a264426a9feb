package reservation

import (
	"context"
	"time"

	"stockgate/internal/core/id"
	"stockgate/internal/core/types"
	"stockgate/internal/domain/stock"
)

// Repository persists reservations. The postgres implementation lives in
// infrastructure/storage/postgres/reservation_repo.
type Repository interface {
	// Create inserts the reservation with its lines and allocations.
	// Returns apperror.CodeDuplicateReference when the external reference
	// is already taken (unique constraint).
	Create(ctx context.Context, r *Reservation) error

	GetByID(ctx context.Context, resID id.ID) (*Reservation, error)
	GetByExternalRef(ctx context.Context, externalRef string) (*Reservation, error)

	// List returns reservations filtered by status (empty = all), newest first.
	List(ctx context.Context, status Status, limit, offset int) ([]Reservation, error)

	// Confirm transitions Pending → Confirmed, recording the ERP document id.
	// Returns apperror.CodeStateConflict when the current status differs.
	Confirm(ctx context.Context, resID id.ID, externalDocID string, at time.Time) error

	// Cancel transitions Pending → Cancelled.
	Cancel(ctx context.Context, resID id.ID, reason string, at time.Time) error

	// Renew moves the expiry of a Pending reservation.
	Renew(ctx context.Context, resID id.ID, expiresAt time.Time) error

	// ExpireOverdue transitions every Pending reservation whose expiry passed
	// to Expired and returns the affected reservations.
	ExpireOverdue(ctx context.Context, now time.Time) ([]Reservation, error)

	// SumActiveByKey and SumActiveByBatch back the availability projection.
	SumActiveByKey(ctx context.Context, key stock.Key, exclude id.ID, confirmedSince time.Time) (types.Quantity, error)
	SumActiveByBatch(ctx context.Context, itemCode, warehouseCode string, exclude id.ID, confirmedSince time.Time) (map[string]types.Quantity, error)
}
