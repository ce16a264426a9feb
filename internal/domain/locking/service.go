package locking

import (
	"context"
	"time"

	"stockgate/internal/core/apperror"
	"stockgate/internal/core/id"
	"stockgate/internal/domain/stock"
	"stockgate/pkg/logger"
)

// DefaultTTL bounds how long an abandoned lock can block other callers.
const DefaultTTL = 30 * time.Second

// releaseTimeout bounds the deferred release when the request context is gone.
const releaseTimeout = 5 * time.Second

// Service grants and manages multi-key locks.
type Service struct {
	repo Repository
	ttl  time.Duration
}

// NewService creates a lock service. ttl <= 0 falls back to DefaultTTL.
func NewService(repo Repository, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Service{repo: repo, ttl: ttl}
}

// Acquire claims all keys as one token, or fails with apperror.CodeLockConflict
// if any key is held. Keys are deduplicated and claimed in canonical sort
// order, so overlapping acquisitions cannot deadlock. Acquisition never
// blocks waiting for a holder; retry decisions belong to the caller.
func (s *Service) Acquire(ctx context.Context, holder string, keys []string, ttl time.Duration) (*Token, error) {
	if len(keys) == 0 {
		return nil, apperror.NewValidation("at least one resource key is required")
	}
	if ttl <= 0 {
		ttl = s.ttl
	}

	now := time.Now().UTC()
	token := &Token{
		ID:         id.New(),
		Holder:     holder,
		Keys:       stock.DedupeKeys(keys),
		AcquiredAt: now,
		ExpiresAt:  now.Add(ttl),
	}

	if err := s.repo.AcquireAll(ctx, token); err != nil {
		return nil, err
	}

	logger.Debug(ctx, "locks acquired",
		"token_id", token.ID,
		"holder", holder,
		"keys", token.Keys,
		"ttl_ms", ttl.Milliseconds(),
	)
	return token, nil
}

// Renew extends the token's TTL by extension from now. Fails if the token
// already expired or was released; the holder must not assume it still owns
// the keys in that case.
func (s *Service) Renew(ctx context.Context, token *Token, extension time.Duration) error {
	if token == nil {
		return apperror.NewValidation("lock token is required")
	}
	if extension <= 0 {
		extension = s.ttl
	}

	until := time.Now().UTC().Add(extension)
	if err := s.repo.Renew(ctx, token.ID, until); err != nil {
		return err
	}
	token.ExpiresAt = until
	return nil
}

// Release drops the token's keys. Idempotent: releasing an expired or
// already-released token is a no-op.
func (s *Service) Release(ctx context.Context, token *Token) error {
	if token == nil {
		return nil
	}
	return s.repo.Release(ctx, token.ID)
}

// WithLocks runs fn while holding the keys, guaranteeing release on every
// exit path including panics. Release uses a detached context so it still
// happens when the request context is already cancelled.
func (s *Service) WithLocks(ctx context.Context, holder string, keys []string, ttl time.Duration, fn func(ctx context.Context) error) error {
	token, err := s.Acquire(ctx, holder, keys, ttl)
	if err != nil {
		return err
	}

	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
		defer cancel()
		if err := s.repo.Release(releaseCtx, token.ID); err != nil {
			// The TTL will reclaim the keys; log and move on.
			logger.Warn(ctx, "lock release failed, ttl will reclaim",
				"token_id", token.ID,
				"error", err,
			)
		}
	}()

	return fn(ctx)
}

// ReapExpired removes lock rows that expired before now. Called periodically
// by the worker to keep the lock table small.
func (s *Service) ReapExpired(ctx context.Context) (int64, error) {
	return s.repo.ReapExpired(ctx, time.Now().UTC())
}
