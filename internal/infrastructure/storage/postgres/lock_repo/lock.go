// Package lock_repo provides the PostgreSQL implementation of the resource
// lock table.
package lock_repo

import (
	"context"
	"fmt"
	"time"

	"stockgate/internal/core/apperror"
	"stockgate/internal/core/id"
	"stockgate/internal/domain/locking"
	"stockgate/internal/infrastructure/storage/postgres"
)

const locksTable = "inv_locks"

var _ locking.Repository = (*LockRepo)(nil)

// LockRepo implements locking.Repository over a one-row-per-key table.
type LockRepo struct {
	txManager *postgres.TxManager
}

// NewLockRepo creates a lock repository.
func NewLockRepo(txManager *postgres.TxManager) *LockRepo {
	return &LockRepo{txManager: txManager}
}

// AcquireAll claims every key in one statement. The conditional upsert takes
// a key only when its row is absent or expired; if any key is held, fewer
// rows come back than requested and the transaction rolls back, so no key
// is partially claimed.
func (r *LockRepo) AcquireAll(ctx context.Context, token *locking.Token) error {
	return r.txManager.RunInTransaction(ctx, func(ctx context.Context) error {
		querier := r.txManager.GetQuerier(ctx)

		result, err := querier.Exec(ctx, `
			INSERT INTO `+locksTable+` (resource_key, token_id, holder, acquired_at, expires_at)
			SELECT unnest($1::text[]), $2, $3, $4, $5
			ON CONFLICT (resource_key) DO UPDATE SET
				token_id = EXCLUDED.token_id,
				holder = EXCLUDED.holder,
				acquired_at = EXCLUDED.acquired_at,
				expires_at = EXCLUDED.expires_at
			WHERE `+locksTable+`.expires_at <= EXCLUDED.acquired_at
		`, token.Keys, token.ID, token.Holder, token.AcquiredAt, token.ExpiresAt)
		if err != nil {
			return fmt.Errorf("acquire locks: %w", err)
		}

		if result.RowsAffected() < int64(len(token.Keys)) {
			return apperror.NewLockConflict(token.Keys)
		}
		return nil
	})
}

// Renew extends every live row of the token.
func (r *LockRepo) Renew(ctx context.Context, tokenID id.ID, until time.Time) error {
	result, err := r.txManager.GetQuerier(ctx).Exec(ctx, `
		UPDATE `+locksTable+`
		SET expires_at = $2
		WHERE token_id = $1 AND expires_at > NOW()
	`, tokenID, until)
	if err != nil {
		return fmt.Errorf("renew locks: %w", err)
	}
	if result.RowsAffected() == 0 {
		return apperror.NewConflict("lock token expired or released")
	}
	return nil
}

// Release drops every row of the token. No-op for unknown tokens.
func (r *LockRepo) Release(ctx context.Context, tokenID id.ID) error {
	_, err := r.txManager.GetQuerier(ctx).Exec(ctx, `
		DELETE FROM `+locksTable+` WHERE token_id = $1
	`, tokenID)
	if err != nil {
		return fmt.Errorf("release locks: %w", err)
	}
	return nil
}

// ReapExpired deletes rows whose ttl lapsed before the cutoff.
func (r *LockRepo) ReapExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.txManager.GetQuerier(ctx).Exec(ctx, `
		DELETE FROM `+locksTable+` WHERE expires_at <= $1
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("reap expired locks: %w", err)
	}
	return result.RowsAffected(), nil
}
