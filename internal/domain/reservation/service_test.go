package reservation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stockgate/internal/core/apperror"
	"stockgate/internal/core/id"
	"stockgate/internal/core/types"
	"stockgate/internal/domain/allocation"
	"stockgate/internal/domain/erp"
	"stockgate/internal/domain/locking"
	"stockgate/internal/domain/stock"
	"stockgate/internal/domain/validation"
)

// memRepo is an in-memory Repository with the same active-reservation
// semantics as the postgres implementation.
type memRepo struct {
	mu    sync.Mutex
	byID  map[id.ID]*Reservation
	byRef map[string]*Reservation
}

func newMemRepo() *memRepo {
	return &memRepo{byID: make(map[id.ID]*Reservation), byRef: make(map[string]*Reservation)}
}

func (m *memRepo) Create(_ context.Context, r *Reservation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byRef[r.ExternalRef]; ok {
		return apperror.NewDuplicateReference(r.ExternalRef)
	}
	clone := *r
	m.byID[r.ID] = &clone
	m.byRef[r.ExternalRef] = &clone
	return nil
}

func (m *memRepo) GetByID(_ context.Context, resID id.ID) (*Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.byID[resID]
	if !ok {
		return nil, apperror.NewNotFound("reservation", resID)
	}
	clone := *r
	return &clone, nil
}

func (m *memRepo) GetByExternalRef(_ context.Context, ref string) (*Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.byRef[ref]
	if !ok {
		return nil, apperror.NewNotFound("reservation", ref)
	}
	clone := *r
	return &clone, nil
}

func (m *memRepo) List(_ context.Context, status Status, limit, offset int) ([]Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Reservation
	for _, r := range m.byID {
		if status == "" || r.Status == status {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (m *memRepo) Confirm(_ context.Context, resID id.ID, externalDocID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.byID[resID]
	if !ok {
		return apperror.NewNotFound("reservation", resID)
	}
	if r.Status != StatusPending {
		return apperror.NewStateConflict("reservation", string(r.Status), "confirm")
	}
	r.Status = StatusConfirmed
	r.ConfirmedAt = &at
	r.ExternalDocID = externalDocID
	return nil
}

func (m *memRepo) Cancel(_ context.Context, resID id.ID, reason string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.byID[resID]
	if !ok {
		return apperror.NewNotFound("reservation", resID)
	}
	if r.Status != StatusPending {
		return apperror.NewStateConflict("reservation", string(r.Status), "cancel")
	}
	r.Status = StatusCancelled
	r.CancelledAt = &at
	r.CancelReason = reason
	return nil
}

func (m *memRepo) Renew(_ context.Context, resID id.ID, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.byID[resID]
	if !ok {
		return apperror.NewNotFound("reservation", resID)
	}
	if r.Status != StatusPending {
		return apperror.NewStateConflict("reservation", string(r.Status), "renew")
	}
	r.ExpiresAt = expiresAt
	return nil
}

func (m *memRepo) ExpireOverdue(_ context.Context, now time.Time) ([]Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Reservation
	for _, r := range m.byID {
		if r.Status == StatusPending && !r.ExpiresAt.After(now) {
			r.Status = StatusExpired
			out = append(out, *r)
		}
	}
	return out, nil
}

func (m *memRepo) SumActiveByKey(_ context.Context, key stock.Key, exclude id.ID, confirmedSince time.Time) (types.Quantity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var sum types.Quantity
	for _, r := range m.byID {
		if r.ID == exclude || !m.active(r, confirmedSince) {
			continue
		}
		for _, sl := range r.StockLines() {
			k := sl.Key()
			if key.IsBatchManaged() {
				if k == key {
					sum += sl.Quantity
				}
			} else if k.WarehouseLevel() == key {
				sum += sl.Quantity
			}
		}
	}
	return sum, nil
}

func (m *memRepo) SumActiveByBatch(_ context.Context, itemCode, warehouseCode string, exclude id.ID, confirmedSince time.Time) (map[string]types.Quantity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]types.Quantity)
	for _, r := range m.byID {
		if r.ID == exclude || !m.active(r, confirmedSince) {
			continue
		}
		for _, sl := range r.StockLines() {
			if sl.ItemCode == itemCode && sl.WarehouseCode == warehouseCode && sl.BatchNumber != "" {
				out[sl.BatchNumber] += sl.Quantity
			}
		}
	}
	return out, nil
}

func (m *memRepo) active(r *Reservation, confirmedSince time.Time) bool {
	switch r.Status {
	case StatusPending:
		return true
	case StatusConfirmed:
		return r.ConfirmedAt != nil && r.ConfirmedAt.After(confirmedSince)
	default:
		return false
	}
}

func (m *memRepo) setExpiry(resID id.ID, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byID[resID].ExpiresAt = at
}

// fakeERP serves stock reads and document posting.
type fakeERP struct {
	mu       sync.Mutex
	physical map[string]types.Quantity
	batches  map[string][]erp.BatchInfo
	postErr  error
	posted   []erp.Document
}

func (f *fakeERP) GetPhysicalStock(_ context.Context, item, wh string) (types.Quantity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.physical[item+"|"+wh], nil
}

func (f *fakeERP) GetBatches(_ context.Context, item, wh string) ([]erp.BatchInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.batches[item+"|"+wh], nil
}

func (f *fakeERP) PostDocument(_ context.Context, doc erp.Document) (erp.PostResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.postErr != nil {
		return erp.PostResult{}, f.postErr
	}
	f.posted = append(f.posted, doc)
	return erp.PostResult{ExternalDocID: "ERP-DOC-1"}, nil
}

// memLockRepo backs the lock service with the same all-or-nothing semantics
// as the postgres lock table.
type memLockRepo struct {
	mu   sync.Mutex
	rows map[string]memLockRow
}

type memLockRow struct {
	tokenID   id.ID
	expiresAt time.Time
}

func (r *memLockRepo) AcquireAll(_ context.Context, token *locking.Token) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, key := range token.Keys {
		if row, ok := r.rows[key]; ok && row.expiresAt.After(token.AcquiredAt) {
			return apperror.NewLockConflict(token.Keys)
		}
	}
	for _, key := range token.Keys {
		r.rows[key] = memLockRow{tokenID: token.ID, expiresAt: token.ExpiresAt}
	}
	return nil
}

func (r *memLockRepo) Renew(_ context.Context, tokenID id.ID, until time.Time) error {
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
	return 0, nil
}

type noopTx struct{}

func (noopTx) RunInTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

type env struct {
	repo *memRepo
	erp  *fakeERP
	svc  *Service
}

func newEnv() *env {
	repo := newMemRepo()
	fe := &fakeERP{
		physical: make(map[string]types.Quantity),
		batches:  make(map[string][]erp.BatchInfo),
	}
	reader := validation.ERPReader(fe)
	validator := validation.NewService(reader, reader, repo, 0)
	locks := locking.NewService(&memLockRepo{rows: make(map[string]memLockRow)}, time.Minute)
	svc := NewService(repo, validator, locks, fe, noopTx{}, nil, nil, nil, allocation.StrategyFEFO)
	return &env{repo: repo, erp: fe, svc: svc}
}

func qty(s string) types.Quantity { return types.MustQuantity(s) }

func date(s string) *time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return &t
}

func simpleRequest(ref string, quantity string) CreateRequest {
	return CreateRequest{
		ExternalRef:  ref,
		SourceSystem: "oms",
		DocumentType: erp.DocumentTypeInvoice,
		Lines: []LineRequest{
			{ItemCode: "ITEM-1", WarehouseCode: "WH-1", Quantity: qty(quantity)},
		},
	}
}

func TestCreate_HoldsStock(t *testing.T) {
	e := newEnv()
	e.erp.physical["ITEM-1|WH-1"] = qty("100")

	r, err := e.svc.Create(context.Background(), simpleRequest("ORD-1", "60"))
	require.NoError(t, err)
	assert.Equal(t, StatusPending, r.Status)
	assert.Equal(t, "ORD-1", r.ExternalRef)
	assert.WithinDuration(t, time.Now().Add(DefaultDuration), r.ExpiresAt, 5*time.Second)

	// 60 held out of 100: a request for 50 must now fail.
	_, err = e.svc.Create(context.Background(), simpleRequest("ORD-2", "50"))
	require.Error(t, err)
	assert.True(t, apperror.IsInsufficientStock(err))

	// 40 still fits.
	_, err = e.svc.Create(context.Background(), simpleRequest("ORD-3", "40"))
	require.NoError(t, err)
}

func TestCreate_AutoAllocatesFEFO(t *testing.T) {
	e := newEnv()
	e.erp.physical["ITEM-1|WH-1"] = qty("15")
	e.erp.batches["ITEM-1|WH-1"] = []erp.BatchInfo{
		{BatchNumber: "B-LATE", Quantity: qty("10"), ExpiryDate: date("2026-12-01"), Status: erp.BatchStatusActive},
		{BatchNumber: "B-EARLY", Quantity: qty("5"), ExpiryDate: date("2026-09-15"), Status: erp.BatchStatusActive},
	}

	r, err := e.svc.Create(context.Background(), CreateRequest{
		ExternalRef:  "ORD-1",
		DocumentType: erp.DocumentTypeInvoice,
		Lines: []LineRequest{
			{ItemCode: "ITEM-1", WarehouseCode: "WH-1", Quantity: qty("7"), AutoAllocate: true},
		},
	})
	require.NoError(t, err)

	require.Len(t, r.Lines[0].Allocations, 2)
	assert.Equal(t, allocation.Allocation{BatchNumber: "B-EARLY", Quantity: qty("5")}, r.Lines[0].Allocations[0])
	assert.Equal(t, allocation.Allocation{BatchNumber: "B-LATE", Quantity: qty("2")}, r.Lines[0].Allocations[1])
}

func TestCreate_AllocationSeesPriorHolds(t *testing.T) {
	e := newEnv()
	e.erp.physical["ITEM-1|WH-1"] = qty("10")
	e.erp.batches["ITEM-1|WH-1"] = []erp.BatchInfo{
		{BatchNumber: "B1", Quantity: qty("10"), ExpiryDate: date("2026-09-15"), Status: erp.BatchStatusActive},
	}

	_, err := e.svc.Create(context.Background(), CreateRequest{
		ExternalRef:  "ORD-1",
		DocumentType: erp.DocumentTypeInvoice,
		Lines: []LineRequest{
			{ItemCode: "ITEM-1", WarehouseCode: "WH-1", Quantity: qty("8"), AutoAllocate: true},
		},
	})
	require.NoError(t, err)

	// Only 2 left on B1.
	_, err = e.svc.Create(context.Background(), CreateRequest{
		ExternalRef:  "ORD-2",
		DocumentType: erp.DocumentTypeInvoice,
		Lines: []LineRequest{
			{ItemCode: "ITEM-1", WarehouseCode: "WH-1", Quantity: qty("3"), AutoAllocate: true},
		},
	})
	require.Error(t, err)
	assert.True(t, apperror.IsInsufficientStock(err))
}

func TestCreate_BatchAllocationSeesWarehouseLevelHolds(t *testing.T) {
	e := newEnv()
	e.erp.physical["ITEM-1|WH-1"] = qty("10")
	e.erp.batches["ITEM-1|WH-1"] = []erp.BatchInfo{
		{BatchNumber: "B1", Quantity: qty("10"), ExpiryDate: date("2026-09-15"), Status: erp.BatchStatusActive},
	}

	// A warehouse-level hold takes all 10 units without batch detail.
	_, err := e.svc.Create(context.Background(), simpleRequest("ORD-A", "10"))
	require.NoError(t, err)

	// A batch-allocated request draws from the same physical pool, even
	// though no batch allocation records the prior hold.
	_, err = e.svc.Create(context.Background(), CreateRequest{
		ExternalRef:  "ORD-B",
		DocumentType: erp.DocumentTypeInvoice,
		Lines: []LineRequest{
			{ItemCode: "ITEM-1", WarehouseCode: "WH-1", Quantity: qty("10"), AutoAllocate: true},
		},
	})
	require.Error(t, err)
	assert.True(t, apperror.IsInsufficientStock(err))

	sum, err := e.repo.SumActiveByKey(context.Background(), stock.NewKey("ITEM-1", "WH-1"), id.Nil(), time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, qty("10"), sum)
}

func TestCreate_IdempotentByExternalRef(t *testing.T) {
	e := newEnv()
	e.erp.physical["ITEM-1|WH-1"] = qty("100")

	first, err := e.svc.Create(context.Background(), simpleRequest("ORD-1", "10"))
	require.NoError(t, err)

	second, err := e.svc.Create(context.Background(), simpleRequest("ORD-1", "10"))
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	// Only one hold exists.
	sum, err := e.repo.SumActiveByKey(context.Background(), stock.NewKey("ITEM-1", "WH-1"), id.Nil(), time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, qty("10"), sum)
}

func TestCreate_ConcurrentNoOversell(t *testing.T) {
	e := newEnv()
	e.erp.physical["ITEM-1|WH-1"] = qty("10")

	// 16 callers each want 3 units out of 10. At most 3 can succeed.
	const callers = 16
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			ref := "ORD-" + string(rune('A'+n))
			for {
				_, err := e.svc.Create(context.Background(), simpleRequest(ref, "3"))
				if apperror.IsLockConflict(err) {
					time.Sleep(time.Millisecond)
					continue
				}
				if err == nil {
					mu.Lock()
					successes++
					mu.Unlock()
				}
				return
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 3, successes)

	sum, err := e.repo.SumActiveByKey(context.Background(), stock.NewKey("ITEM-1", "WH-1"), id.Nil(), time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, qty("9"), sum)
}

func TestCreate_RejectsMalformedRequests(t *testing.T) {
	e := newEnv()

	_, err := e.svc.Create(context.Background(), CreateRequest{DocumentType: erp.DocumentTypeInvoice})
	assert.True(t, apperror.IsCode(err, apperror.CodeValidation))

	req := simpleRequest("ORD-1", "10")
	req.DocumentType = "unknown"
	_, err = e.svc.Create(context.Background(), req)
	assert.True(t, apperror.IsCode(err, apperror.CodeValidation))

	req = simpleRequest("ORD-1", "-1")
	_, err = e.svc.Create(context.Background(), req)
	assert.True(t, apperror.IsCode(err, apperror.CodeValidation))

	req = simpleRequest("ORD-1", "10")
	req.Lines[0].AutoAllocate = true
	req.Lines[0].Allocations = []allocation.Allocation{{BatchNumber: "B1", Quantity: qty("10")}}
	_, err = e.svc.Create(context.Background(), req)
	assert.True(t, apperror.IsCode(err, apperror.CodeValidation))
}

func TestCancel_ReleasesQuantity(t *testing.T) {
	e := newEnv()
	e.erp.physical["ITEM-1|WH-1"] = qty("10")

	r, err := e.svc.Create(context.Background(), simpleRequest("ORD-1", "10"))
	require.NoError(t, err)

	_, err = e.svc.Create(context.Background(), simpleRequest("ORD-2", "10"))
	require.Error(t, err)

	cancelled, err := e.svc.Cancel(context.Background(), r.ID, "customer abandoned checkout")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, cancelled.Status)

	// The released quantity is available again.
	_, err = e.svc.Create(context.Background(), simpleRequest("ORD-2", "10"))
	require.NoError(t, err)
}

func TestCancel_Idempotent(t *testing.T) {
	e := newEnv()
	e.erp.physical["ITEM-1|WH-1"] = qty("10")

	r, err := e.svc.Create(context.Background(), simpleRequest("ORD-1", "5"))
	require.NoError(t, err)

	_, err = e.svc.Cancel(context.Background(), r.ID, "first")
	require.NoError(t, err)

	again, err := e.svc.Cancel(context.Background(), r.ID, "second")
	require.NoError(t, err)
	assert.Equal(t, "first", again.CancelReason)
}

func TestCancel_ConfirmedIsConflict(t *testing.T) {
	e := newEnv()
	e.erp.physical["ITEM-1|WH-1"] = qty("10")

	r, err := e.svc.Create(context.Background(), simpleRequest("ORD-1", "5"))
	require.NoError(t, err)

	_, err = e.svc.Confirm(context.Background(), r.ID, "ERP-DOC-9")
	require.NoError(t, err)

	_, err = e.svc.Cancel(context.Background(), r.ID, "too late")
	require.Error(t, err)
	assert.True(t, apperror.IsCode(err, apperror.CodeStateConflict))
}

func TestConfirm_SettlementWindowKeepsHold(t *testing.T) {
	e := newEnv()
	e.erp.physical["ITEM-1|WH-1"] = qty("10")

	r, err := e.svc.Create(context.Background(), simpleRequest("ORD-1", "10"))
	require.NoError(t, err)

	confirmed, err := e.svc.Confirm(context.Background(), r.ID, "ERP-DOC-9")
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, confirmed.Status)
	assert.Equal(t, "ERP-DOC-9", confirmed.ExternalDocID)

	// Until the ERP figure settles, the confirmed quantity still counts.
	_, err = e.svc.Create(context.Background(), simpleRequest("ORD-2", "5"))
	require.Error(t, err)
	assert.True(t, apperror.IsInsufficientStock(err))
}

func TestConfirm_Idempotent(t *testing.T) {
	e := newEnv()
	e.erp.physical["ITEM-1|WH-1"] = qty("10")

	r, err := e.svc.Create(context.Background(), simpleRequest("ORD-1", "5"))
	require.NoError(t, err)

	_, err = e.svc.Confirm(context.Background(), r.ID, "ERP-DOC-9")
	require.NoError(t, err)

	again, err := e.svc.Confirm(context.Background(), r.ID, "ERP-DOC-9")
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, again.Status)
}

func TestPostAndConfirm_Success(t *testing.T) {
	e := newEnv()
	e.erp.physical["ITEM-1|WH-1"] = qty("10")

	r, err := e.svc.Create(context.Background(), simpleRequest("ORD-1", "5"))
	require.NoError(t, err)

	confirmed, err := e.svc.PostAndConfirm(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, confirmed.Status)
	assert.Equal(t, "ERP-DOC-1", confirmed.ExternalDocID)

	require.Len(t, e.erp.posted, 1)
	assert.Equal(t, "ORD-1", e.erp.posted[0].ExternalRef)
}

func TestPostAndConfirm_TransientLeavesPending(t *testing.T) {
	e := newEnv()
	e.erp.physical["ITEM-1|WH-1"] = qty("10")

	r, err := e.svc.Create(context.Background(), simpleRequest("ORD-1", "5"))
	require.NoError(t, err)

	e.erp.postErr = apperror.NewUpstreamTransient(context.DeadlineExceeded)
	_, err = e.svc.PostAndConfirm(context.Background(), r.ID)
	require.Error(t, err)
	assert.True(t, apperror.IsRetryable(err))

	current, err := e.svc.GetByID(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, current.Status)
}

func TestPostAndConfirm_PermanentCancels(t *testing.T) {
	e := newEnv()
	e.erp.physical["ITEM-1|WH-1"] = qty("10")

	r, err := e.svc.Create(context.Background(), simpleRequest("ORD-1", "5"))
	require.NoError(t, err)

	e.erp.postErr = apperror.NewUpstreamPermanent("item ITEM-1 is blocked for sales")
	_, err = e.svc.PostAndConfirm(context.Background(), r.ID)
	require.Error(t, err)
	assert.True(t, apperror.IsCode(err, apperror.CodeUpstreamPermanent))

	current, err := e.svc.GetByID(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, current.Status)

	// The released quantity is available again.
	e.erp.postErr = nil
	_, err = e.svc.Create(context.Background(), simpleRequest("ORD-2", "10"))
	require.NoError(t, err)
}

func TestRenew_ExtendsExpiry(t *testing.T) {
	e := newEnv()
	e.erp.physical["ITEM-1|WH-1"] = qty("10")

	r, err := e.svc.Create(context.Background(), simpleRequest("ORD-1", "10"))
	require.NoError(t, err)

	// Own hold is excluded from re-validation, so a fully-reserving
	// reservation can still renew itself.
	renewed, err := e.svc.Renew(context.Background(), r.ID, time.Hour)
	require.NoError(t, err)
	assert.True(t, renewed.ExpiresAt.After(r.ExpiresAt))
}

func TestRenew_TerminalIsNotFound(t *testing.T) {
	e := newEnv()
	e.erp.physical["ITEM-1|WH-1"] = qty("10")

	r, err := e.svc.Create(context.Background(), simpleRequest("ORD-1", "5"))
	require.NoError(t, err)
	_, err = e.svc.Cancel(context.Background(), r.ID, "done")
	require.NoError(t, err)

	_, err = e.svc.Renew(context.Background(), r.ID, time.Hour)
	require.Error(t, err)
	assert.True(t, apperror.IsNotFound(err))

	_, err = e.svc.Renew(context.Background(), id.New(), time.Hour)
	require.Error(t, err)
	assert.True(t, apperror.IsNotFound(err))
}

func TestExpireSweep_ReleasesQuantity(t *testing.T) {
	e := newEnv()
	e.erp.physical["ITEM-1|WH-1"] = qty("10")

	r, err := e.svc.Create(context.Background(), simpleRequest("ORD-1", "10"))
	require.NoError(t, err)

	e.repo.setExpiry(r.ID, time.Now().Add(-time.Second))

	n, err := e.svc.ExpireSweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	current, err := e.svc.GetByID(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, current.Status)

	_, err = e.svc.Create(context.Background(), simpleRequest("ORD-2", "10"))
	require.NoError(t, err)
}

func TestExpireSweep_NothingOverdue(t *testing.T) {
	e := newEnv()
	e.erp.physical["ITEM-1|WH-1"] = qty("10")

	_, err := e.svc.Create(context.Background(), simpleRequest("ORD-1", "5"))
	require.NoError(t, err)

	n, err := e.svc.ExpireSweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestDocument_CarriesAllocations(t *testing.T) {
	e := newEnv()
	e.erp.physical["ITEM-1|WH-1"] = qty("10")
	e.erp.batches["ITEM-1|WH-1"] = []erp.BatchInfo{
		{BatchNumber: "B1", Quantity: qty("10"), ExpiryDate: date("2026-09-15"), Status: erp.BatchStatusActive},
	}

	r, err := e.svc.Create(context.Background(), CreateRequest{
		ExternalRef:  "ORD-1",
		SourceSystem: "oms",
		DocumentType: erp.DocumentTypeTransfer,
		Lines: []LineRequest{
			{ItemCode: "ITEM-1", WarehouseCode: "WH-1", TargetWarehouseCode: "WH-2", Quantity: qty("4"), AutoAllocate: true},
		},
	})
	require.NoError(t, err)

	doc := r.Document()
	assert.Equal(t, erp.DocumentTypeTransfer, doc.Type)
	assert.Equal(t, "ORD-1", doc.ExternalRef)
	assert.Equal(t, "Reservation "+r.Number, doc.Comment)
	require.NoError(t, doc.Validate())
	require.Len(t, doc.Lines, 1)
	assert.Equal(t, "WH-2", doc.Lines[0].TargetWarehouseCode)
	require.Len(t, doc.Lines[0].Batches, 1)
	assert.Equal(t, "B1", doc.Lines[0].Batches[0].BatchNumber)
	assert.Equal(t, qty("4"), doc.Lines[0].Batches[0].Quantity)
}

func TestCreate_TransferRequiresTargetWarehouse(t *testing.T) {
	e := newEnv()
	e.erp.physical["ITEM-1|WH-1"] = qty("10")

	req := CreateRequest{
		ExternalRef:  "ORD-1",
		DocumentType: erp.DocumentTypeTransfer,
		Lines: []LineRequest{
			{ItemCode: "ITEM-1", WarehouseCode: "WH-1", Quantity: qty("4")},
		},
	}
	_, err := e.svc.Create(context.Background(), req)
	require.Error(t, err)
	assert.True(t, apperror.IsCode(err, apperror.CodeValidation))

	// Transferring a warehouse onto itself makes no sense either.
	req.Lines[0].TargetWarehouseCode = "WH-1"
	_, err = e.svc.Create(context.Background(), req)
	require.Error(t, err)
	assert.True(t, apperror.IsCode(err, apperror.CodeValidation))

	req.Lines[0].TargetWarehouseCode = "WH-2"
	r, err := e.svc.Create(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "WH-2", r.Lines[0].TargetWarehouseCode)
}

func TestLine_ConversionFactor(t *testing.T) {
	l := Line{Quantity: qty("3"), ConversionFactor: qty("12")}
	assert.Equal(t, qty("36"), l.InventoryQuantity())

	l = Line{Quantity: qty("3")}
	assert.Equal(t, qty("3"), l.InventoryQuantity())
}
