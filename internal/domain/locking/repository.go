package locking

import (
	"context"
	"time"

	"stockgate/internal/core/id"
)

// Repository persists lock rows, one per resource key sharing a token id.
type Repository interface {
	// AcquireAll atomically claims every key of the token. Expired rows count
	// as free. If any key is held by a live token the whole acquisition fails
	// with apperror.CodeLockConflict and no key is retained.
	AcquireAll(ctx context.Context, token *Token) error

	// Renew extends the token's expiry. Fails with apperror.CodeConflict if
	// the token has already expired or was released.
	Renew(ctx context.Context, tokenID id.ID, until time.Time) error

	// Release drops all rows of the token. Releasing an unknown, expired or
	// already-released token is a no-op.
	Release(ctx context.Context, tokenID id.ID) error

	// ReapExpired deletes rows whose expiry passed before cutoff.
	// Housekeeping only: expired rows are already claimable in place.
	ReapExpired(ctx context.Context, cutoff time.Time) (int64, error)
}
