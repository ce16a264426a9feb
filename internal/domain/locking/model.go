// Package locking provides short-lived, renewable multi-key locks over stock
// keys. Locks serialize the check→allocate→reserve sequence; they are held for
// the duration of that sequence only, never for the lifetime of a reservation.
package locking

import (
	"time"

	"stockgate/internal/core/id"
)

// Token represents one granted multi-key lock. All keys are claimed and
// released together. The TTL is a safety net against crashed holders: an
// expired token's keys are claimable by the next acquirer.
type Token struct {
	ID         id.ID
	Holder     string
	Keys       []string
	AcquiredAt time.Time
	ExpiresAt  time.Time
}

// Expired reports whether the token's TTL has lapsed.
func (t *Token) Expired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}
