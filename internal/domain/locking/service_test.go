package locking

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stockgate/internal/core/apperror"
	"stockgate/internal/core/id"
)

// memLockRepo mimics the postgres lock table: one row per resource key,
// all-or-nothing claims, expired rows claimable.
type memLockRepo struct {
	mu   sync.Mutex
	rows map[string]memLockRow
}

type memLockRow struct {
	tokenID   id.ID
	holder    string
	expiresAt time.Time
}

func newMemLockRepo() *memLockRepo {
	return &memLockRepo{rows: make(map[string]memLockRow)}
}

func (r *memLockRepo) AcquireAll(_ context.Context, token *Token) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, key := range token.Keys {
		if row, ok := r.rows[key]; ok && row.expiresAt.After(token.AcquiredAt) {
			return apperror.NewLockConflict(token.Keys)
		}
	}
	for _, key := range token.Keys {
		r.rows[key] = memLockRow{tokenID: token.ID, holder: token.Holder, expiresAt: token.ExpiresAt}
	}
	return nil
}

func (r *memLockRepo) Renew(_ context.Context, tokenID id.ID, until time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()
	renewed := false
	for key, row := range r.rows {
		if row.tokenID == tokenID && row.expiresAt.After(now) {
			row.expiresAt = until
			r.rows[key] = row
			renewed = true
		}
	}
	if !renewed {
		return apperror.NewConflict("lock token expired or released")
	}
	return nil
}

func (r *memLockRepo) Release(_ context.Context, tokenID id.ID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for key, row := range r.rows {
		if row.tokenID == tokenID {
			delete(r.rows, key)
		}
	}
	return nil
}

func (r *memLockRepo) ReapExpired(_ context.Context, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var n int64
	for key, row := range r.rows {
		if !row.expiresAt.After(cutoff) {
			delete(r.rows, key)
			n++
		}
	}
	return n, nil
}

func TestAcquire_OverlappingKeySets(t *testing.T) {
	repo := newMemLockRepo()
	svc := NewService(repo, time.Minute)
	ctx := context.Background()

	first, err := svc.Acquire(ctx, "caller-1", []string{"ITEM-1|WH-1", "ITEM-2|WH-1"}, 0)
	require.NoError(t, err)

	// Overlap on ITEM-2: whole acquisition must fail, ITEM-3 must not be retained.
	_, err = svc.Acquire(ctx, "caller-2", []string{"ITEM-2|WH-1", "ITEM-3|WH-1"}, 0)
	require.Error(t, err)
	assert.True(t, apperror.IsLockConflict(err))

	// The non-overlapping key was not partially claimed.
	third, err := svc.Acquire(ctx, "caller-3", []string{"ITEM-3|WH-1"}, 0)
	require.NoError(t, err)
	require.NoError(t, svc.Release(ctx, third))

	// After release, the retry succeeds.
	require.NoError(t, svc.Release(ctx, first))
	second, err := svc.Acquire(ctx, "caller-2", []string{"ITEM-2|WH-1", "ITEM-3|WH-1"}, 0)
	require.NoError(t, err)
	require.NoError(t, svc.Release(ctx, second))
}

func TestAcquire_ConcurrentSingleWinner(t *testing.T) {
	repo := newMemLockRepo()
	svc := NewService(repo, time.Minute)
	ctx := context.Background()

	const callers = 16
	var (
		wg        sync.WaitGroup
		successes int64
		mu        sync.Mutex
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.Acquire(ctx, "caller", []string{"ITEM-1|WH-1"}, 0); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), successes)
}

func TestAcquire_ExpiredLockClaimable(t *testing.T) {
	repo := newMemLockRepo()
	svc := NewService(repo, time.Minute)
	ctx := context.Background()

	_, err := svc.Acquire(ctx, "crashed", []string{"ITEM-1|WH-1"}, time.Millisecond)
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)

	// The abandoned lock's ttl lapsed; the key is claimable without a reap.
	token, err := svc.Acquire(ctx, "next", []string{"ITEM-1|WH-1"}, 0)
	require.NoError(t, err)
	assert.Equal(t, "next", token.Holder)
}

func TestAcquire_DedupesAndSortsKeys(t *testing.T) {
	repo := newMemLockRepo()
	svc := NewService(repo, time.Minute)

	token, err := svc.Acquire(context.Background(), "caller",
		[]string{"ITEM-2|WH-1", "ITEM-1|WH-1", "ITEM-2|WH-1"}, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"ITEM-1|WH-1", "ITEM-2|WH-1"}, token.Keys)
}

func TestRenew_ExtendsLiveToken(t *testing.T) {
	repo := newMemLockRepo()
	svc := NewService(repo, time.Minute)
	ctx := context.Background()

	token, err := svc.Acquire(ctx, "caller", []string{"ITEM-1|WH-1"}, 0)
	require.NoError(t, err)

	before := token.ExpiresAt
	require.NoError(t, svc.Renew(ctx, token, 2*time.Minute))
	assert.True(t, token.ExpiresAt.After(before))
}

func TestRenew_FailsAfterExpiry(t *testing.T) {
	repo := newMemLockRepo()
	svc := NewService(repo, time.Minute)
	ctx := context.Background()

	token, err := svc.Acquire(ctx, "caller", []string{"ITEM-1|WH-1"}, time.Millisecond)
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)

	err = svc.Renew(ctx, token, time.Minute)
	require.Error(t, err)
	assert.True(t, apperror.IsCode(err, apperror.CodeConflict))
}

func TestRelease_Idempotent(t *testing.T) {
	repo := newMemLockRepo()
	svc := NewService(repo, time.Minute)
	ctx := context.Background()

	token, err := svc.Acquire(ctx, "caller", []string{"ITEM-1|WH-1"}, 0)
	require.NoError(t, err)

	require.NoError(t, svc.Release(ctx, token))
	require.NoError(t, svc.Release(ctx, token))
	require.NoError(t, svc.Release(ctx, nil))
}

func TestWithLocks_ReleasesOnError(t *testing.T) {
	repo := newMemLockRepo()
	svc := NewService(repo, time.Minute)
	ctx := context.Background()

	err := svc.WithLocks(ctx, "caller", []string{"ITEM-1|WH-1"}, 0, func(ctx context.Context) error {
		return apperror.NewValidation("boom")
	})
	require.Error(t, err)

	// The key must be free again despite the error.
	token, err := svc.Acquire(ctx, "caller", []string{"ITEM-1|WH-1"}, 0)
	require.NoError(t, err)
	require.NoError(t, svc.Release(ctx, token))
}

func TestWithLocks_ReleasesOnPanic(t *testing.T) {
	repo := newMemLockRepo()
	svc := NewService(repo, time.Minute)
	ctx := context.Background()

	require.Panics(t, func() {
		_ = svc.WithLocks(ctx, "caller", []string{"ITEM-1|WH-1"}, 0, func(ctx context.Context) error {
			panic("boom")
		})
	})

	token, err := svc.Acquire(ctx, "caller", []string{"ITEM-1|WH-1"}, 0)
	require.NoError(t, err)
	require.NoError(t, svc.Release(ctx, token))
}

func TestReapExpired(t *testing.T) {
	repo := newMemLockRepo()
	svc := NewService(repo, time.Minute)
	ctx := context.Background()

	_, err := svc.Acquire(ctx, "caller", []string{"ITEM-1|WH-1"}, time.Millisecond)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	n, err := svc.ReapExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
