package queue

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stockgate/internal/core/apperror"
	"stockgate/internal/core/id"
	"stockgate/internal/core/types"
	"stockgate/internal/domain/erp"
	"stockgate/internal/domain/reservation"
)

// memQueueRepo mirrors the postgres queue table semantics, including the
// single-claimer guarantee.
type memQueueRepo struct {
	mu    sync.Mutex
	items map[id.ID]*Item
}

func newMemQueueRepo() *memQueueRepo {
	return &memQueueRepo{items: make(map[id.ID]*Item)}
}

func (m *memQueueRepo) Enqueue(_ context.Context, item *Item) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.items {
		if existing.ExternalRef == item.ExternalRef && !existing.Status.Terminal() {
			return apperror.NewDuplicateReference(item.ExternalRef)
		}
	}
	clone := *item
	m.items[item.ID] = &clone
	return nil
}

func (m *memQueueRepo) GetByID(_ context.Context, itemID id.ID) (*Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[itemID]
	if !ok {
		return nil, apperror.NewNotFound("queue item", itemID)
	}
	clone := *item
	return &clone, nil
}

func (m *memQueueRepo) GetByExternalRef(_ context.Context, ref string) (*Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, item := range m.items {
		if item.ExternalRef == ref {
			clone := *item
			return &clone, nil
		}
	}
	return nil, apperror.NewNotFound("queue item", ref)
}

func (m *memQueueRepo) ListByStatus(_ context.Context, status Status, limit, offset int) ([]Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Item
	for _, item := range m.items {
		if status == "" || item.Status == status {
			out = append(out, *item)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *memQueueRepo) ClaimNext(_ context.Context, workerID string, now time.Time) (*Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var next *Item
	for _, item := range m.items {
		if item.Status != StatusPending || item.NextAttemptAt.After(now) {
			continue
		}
		if next == nil || item.NextAttemptAt.Before(next.NextAttemptAt) {
			next = item
		}
	}
	if next == nil {
		return nil, nil
	}
	next.Status = StatusProcessing
	next.ClaimedBy = workerID
	clone := *next
	return &clone, nil
}

func (m *memQueueRepo) Complete(_ context.Context, itemID id.ID, externalDocID string, at time.Time) error {
	return m.transition(itemID, StatusProcessing, func(item *Item) {
		item.Status = StatusCompleted
		item.ExternalDocID = externalDocID
		item.CompletedAt = &at
	})
}

func (m *memQueueRepo) Reschedule(_ context.Context, itemID id.ID, attempts int, lastError string, nextAttemptAt time.Time) error {
	return m.transition(itemID, StatusProcessing, func(item *Item) {
		item.Status = StatusPending
		item.Attempts = attempts
		item.LastError = lastError
		item.NextAttemptAt = nextAttemptAt
	})
}

func (m *memQueueRepo) Escalate(_ context.Context, itemID id.ID, attempts int, lastError string) error {
	return m.transition(itemID, StatusProcessing, func(item *Item) {
		item.Status = StatusNeedsReview
		item.Attempts = attempts
		item.LastError = lastError
	})
}

func (m *memQueueRepo) Fail(_ context.Context, itemID id.ID, attempts int, lastError string) error {
	return m.transition(itemID, StatusProcessing, func(item *Item) {
		item.Status = StatusFailed
		item.Attempts = attempts
		item.LastError = lastError
	})
}

func (m *memQueueRepo) Cancel(_ context.Context, itemID id.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[itemID]
	if !ok {
		return apperror.NewNotFound("queue item", itemID)
	}
	if item.Status != StatusPending && item.Status != StatusNeedsReview {
		return apperror.NewStateConflict("queue item", string(item.Status), "cancel")
	}
	item.Status = StatusCancelled
	return nil
}

func (m *memQueueRepo) Reset(_ context.Context, itemID id.ID, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[itemID]
	if !ok {
		return apperror.NewNotFound("queue item", itemID)
	}
	if item.Status != StatusNeedsReview && item.Status != StatusFailed {
		return apperror.NewStateConflict("queue item", string(item.Status), "retry")
	}
	item.Status = StatusPending
	item.Attempts = 0
	item.LastError = ""
	item.NextAttemptAt = now
	return nil
}

func (m *memQueueRepo) PurgeCompleted(_ context.Context, olderThan time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for itemID, item := range m.items {
		if item.Status == StatusCompleted && item.CompletedAt != nil && item.CompletedAt.Before(olderThan) {
			delete(m.items, itemID)
			n++
		}
	}
	return n, nil
}

func (m *memQueueRepo) transition(itemID id.ID, from Status, apply func(*Item)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[itemID]
	if !ok {
		return apperror.NewNotFound("queue item", itemID)
	}
	if item.Status != from {
		return apperror.NewStateConflict("queue item", string(item.Status), "transition")
	}
	apply(item)
	return nil
}

func (m *memQueueRepo) makeDue(itemID id.ID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[itemID].NextAttemptAt = time.Now().Add(-time.Second)
}

// postingERP fails with errs in order, then succeeds.
type postingERP struct {
	mu    sync.Mutex
	errs  []error
	posts []erp.Document
}

func (f *postingERP) GetPhysicalStock(_ context.Context, _, _ string) (types.Quantity, error) {
	return 0, nil
}

func (f *postingERP) GetBatches(_ context.Context, _, _ string) ([]erp.BatchInfo, error) {
	return nil, nil
}

func (f *postingERP) PostDocument(_ context.Context, doc erp.Document) (erp.PostResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return erp.PostResult{}, err
	}
	f.posts = append(f.posts, doc)
	return erp.PostResult{ExternalDocID: "ERP-DOC-1"}, nil
}

type settlement struct {
	resID  id.ID
	docID  string
	reason string
}

type fakeSettler struct {
	mu       sync.Mutex
	confirms []settlement
	cancels  []settlement
}

func (f *fakeSettler) Confirm(_ context.Context, resID id.ID, externalDocID string) (*reservation.Reservation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.confirms = append(f.confirms, settlement{resID: resID, docID: externalDocID})
	return &reservation.Reservation{ID: resID, Status: reservation.StatusConfirmed}, nil
}

func (f *fakeSettler) Cancel(_ context.Context, resID id.ID, reason string) (*reservation.Reservation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels = append(f.cancels, settlement{resID: resID, reason: reason})
	return &reservation.Reservation{ID: resID, Status: reservation.StatusCancelled}, nil
}

func testItem(t *testing.T, repo *memQueueRepo) *Item {
	t.Helper()
	payload, err := json.Marshal(erp.Document{
		Type:        erp.DocumentTypeInvoice,
		ExternalRef: "ORD-1",
		Lines: []erp.DocumentLine{
			{ItemCode: "ITEM-1", WarehouseCode: "WH-1", Quantity: types.MustQuantity("5")},
		},
	})
	require.NoError(t, err)

	now := time.Now().UTC()
	item := &Item{
		ID:            id.New(),
		ReservationID: id.New(),
		ExternalRef:   "ORD-1",
		DocumentType:  erp.DocumentTypeInvoice,
		Payload:       payload,
		Status:        StatusPending,
		MaxAttempts:   DefaultMaxAttempts,
		NextAttemptAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	require.NoError(t, repo.Enqueue(context.Background(), item))
	return item
}

func newWorker(repo *memQueueRepo, erpClient erp.Client, settler ReservationSettler) *Worker {
	return NewWorker(repo, erpClient, settler, noopTx{}, nil, DefaultBackoff, "worker-test", time.Second)
}

func TestWorker_DeliversAndConfirms(t *testing.T) {
	repo := newMemQueueRepo()
	erpClient := &postingERP{}
	settler := &fakeSettler{}
	item := testItem(t, repo)

	processed, err := newWorker(repo, erpClient, settler).ProcessNext(context.Background())
	require.NoError(t, err)
	assert.True(t, processed)

	current, err := repo.GetByID(context.Background(), item.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, current.Status)
	assert.Equal(t, "ERP-DOC-1", current.ExternalDocID)

	require.Len(t, settler.confirms, 1)
	assert.Equal(t, item.ReservationID, settler.confirms[0].resID)
	assert.Equal(t, "ERP-DOC-1", settler.confirms[0].docID)
	require.Len(t, erpClient.posts, 1)
	assert.Equal(t, "ORD-1", erpClient.posts[0].ExternalRef)
}

func TestWorker_TransientReschedulesWithBackoff(t *testing.T) {
	repo := newMemQueueRepo()
	erpClient := &postingERP{errs: []error{apperror.NewUpstreamTransient(context.DeadlineExceeded)}}
	settler := &fakeSettler{}
	item := testItem(t, repo)
	w := newWorker(repo, erpClient, settler)

	processed, err := w.ProcessNext(context.Background())
	require.NoError(t, err)
	assert.True(t, processed)

	current, err := repo.GetByID(context.Background(), item.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, current.Status)
	assert.Equal(t, 1, current.Attempts)
	assert.NotEmpty(t, current.LastError)
	assert.WithinDuration(t, time.Now().Add(30*time.Second), current.NextAttemptAt, 2*time.Second)

	// Not due yet: nothing to claim.
	processed, err = w.ProcessNext(context.Background())
	require.NoError(t, err)
	assert.False(t, processed)

	// Once due, the retry succeeds and the reservation is confirmed.
	repo.makeDue(item.ID)
	processed, err = w.ProcessNext(context.Background())
	require.NoError(t, err)
	assert.True(t, processed)

	current, err = repo.GetByID(context.Background(), item.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, current.Status)
	require.Len(t, settler.confirms, 1)
}

func TestWorker_EscalatesAfterExhaustedRetries(t *testing.T) {
	repo := newMemQueueRepo()
	erpClient := &postingERP{errs: []error{
		apperror.NewUpstreamTransient(context.DeadlineExceeded),
		apperror.NewUpstreamTransient(context.DeadlineExceeded),
		apperror.NewUpstreamTransient(context.DeadlineExceeded),
	}}
	settler := &fakeSettler{}
	item := testItem(t, repo)
	w := newWorker(repo, erpClient, settler)

	for attempt := 1; attempt <= 3; attempt++ {
		repo.makeDue(item.ID)
		processed, err := w.ProcessNext(context.Background())
		require.NoError(t, err)
		assert.True(t, processed)
	}

	current, err := repo.GetByID(context.Background(), item.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusNeedsReview, current.Status)
	assert.Equal(t, 3, current.Attempts)

	// Escalated items are out of the automatic retry loop.
	repo.makeDue(item.ID)
	processed, err := w.ProcessNext(context.Background())
	require.NoError(t, err)
	assert.False(t, processed)

	// Escalation keeps the hold: the reservation was not cancelled.
	assert.Empty(t, settler.cancels)
}

func TestWorker_PermanentRejectionCancelsReservation(t *testing.T) {
	repo := newMemQueueRepo()
	erpClient := &postingERP{errs: []error{apperror.NewUpstreamPermanent("item blocked for sales")}}
	settler := &fakeSettler{}
	item := testItem(t, repo)

	processed, err := newWorker(repo, erpClient, settler).ProcessNext(context.Background())
	require.NoError(t, err)
	assert.True(t, processed)

	current, err := repo.GetByID(context.Background(), item.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, current.Status)
	assert.Contains(t, current.LastError, "blocked for sales")

	require.Len(t, settler.cancels, 1)
	assert.Equal(t, item.ReservationID, settler.cancels[0].resID)
	assert.Empty(t, settler.confirms)
}

func TestWorker_UnreadablePayloadFails(t *testing.T) {
	repo := newMemQueueRepo()
	settler := &fakeSettler{}
	item := testItem(t, repo)
	repo.items[item.ID].Payload = []byte("{not json")

	processed, err := newWorker(repo, &postingERP{}, settler).ProcessNext(context.Background())
	require.NoError(t, err)
	assert.True(t, processed)

	current, err := repo.GetByID(context.Background(), item.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, current.Status)
	require.Len(t, settler.cancels, 1)
}

func TestWorker_EmptyQueue(t *testing.T) {
	processed, err := newWorker(newMemQueueRepo(), &postingERP{}, &fakeSettler{}).ProcessNext(context.Background())
	require.NoError(t, err)
	assert.False(t, processed)
}
