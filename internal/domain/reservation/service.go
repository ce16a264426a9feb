package reservation

import (
	"context"
	"fmt"
	"time"

	"stockgate/internal/core/apperror"
	appctx "stockgate/internal/core/context"
	"stockgate/internal/core/id"
	"stockgate/internal/core/tx"
	"stockgate/internal/core/types"
	"stockgate/internal/domain/allocation"
	"stockgate/internal/domain/erp"
	"stockgate/internal/domain/locking"
	"stockgate/internal/domain/stock"
	"stockgate/internal/domain/validation"
	"stockgate/pkg/logger"
)

// Duration bounds for the reservation hold.
const (
	DefaultDuration = 30 * time.Minute
	MinDuration     = time.Minute
	MaxDuration     = 24 * time.Hour
)

// EventSink receives lifecycle events. Implemented by the outbox-backed
// publisher; a nil sink disables events.
type EventSink interface {
	ReservationEvent(ctx context.Context, eventType string, r *Reservation) error
}

// Auditor records business-level changes. A nil auditor disables auditing.
type Auditor interface {
	LogChange(ctx context.Context, entity string, entityID id.ID, action string, payload any) error
}

// NumberGenerator issues human-readable document numbers (RSV-2026-000123).
// A nil generator falls back to the reservation id.
type NumberGenerator interface {
	NextNumber(ctx context.Context, at time.Time) (string, error)
}

// Event types emitted to the sink.
const (
	EventCreated   = "reservation.created"
	EventConfirmed = "reservation.confirmed"
	EventCancelled = "reservation.cancelled"
	EventExpired   = "reservation.expired"
	EventRenewed   = "reservation.renewed"
)

// Service owns the reservation lifecycle.
type Service struct {
	repo      Repository
	validator *validation.Service
	locks     *locking.Service
	erp       erp.Client
	txManager tx.Manager
	numbers   NumberGenerator
	events    EventSink
	audit     Auditor
	strategy  allocation.Strategy
}

// NewService wires the reservation service. numbers, events and audit may be nil.
func NewService(
	repo Repository,
	validator *validation.Service,
	locks *locking.Service,
	erpClient erp.Client,
	txManager tx.Manager,
	numbers NumberGenerator,
	events EventSink,
	audit Auditor,
	defaultStrategy allocation.Strategy,
) *Service {
	if !defaultStrategy.Valid() {
		defaultStrategy = allocation.StrategyFEFO
	}
	return &Service{
		repo:      repo,
		validator: validator,
		locks:     locks,
		erp:       erpClient,
		txManager: txManager,
		numbers:   numbers,
		events:    events,
		audit:     audit,
		strategy:  defaultStrategy,
	}
}

// LineRequest is one requested item line.
type LineRequest struct {
	ItemCode      string `json:"itemCode"`
	WarehouseCode string `json:"warehouseCode"`
	// TargetWarehouseCode is required on transfer documents: the warehouse
	// receiving the quantity. The hold itself is taken on the source side.
	TargetWarehouseCode string         `json:"targetWarehouseCode,omitempty"`
	Quantity            types.Quantity `json:"quantity"`
	UnitOfMeasure       string         `json:"unitOfMeasure"`

	// ConversionFactor to inventory UoM; zero means 1.
	ConversionFactor types.Quantity `json:"conversionFactor"`
	UnitPrice        types.Money    `json:"unitPrice"`

	// AutoAllocate asks the engine to pick batches by strategy.
	// Allocations pins explicit batch splits instead. Both unset means a
	// warehouse-level hold without batch detail.
	AutoAllocate bool                    `json:"autoAllocate"`
	Allocations  []allocation.Allocation `json:"allocations,omitempty"`
}

// CreateRequest creates a reservation.
type CreateRequest struct {
	ExternalRef  string              `json:"externalRef"`
	SourceSystem string              `json:"sourceSystem"`
	DocumentType erp.DocumentType    `json:"documentType"`
	Duration     time.Duration       `json:"-"`
	Strategy     allocation.Strategy `json:"strategy"`
	Lines        []LineRequest       `json:"lines"`
}

func (r CreateRequest) validate() error {
	if r.ExternalRef == "" {
		return apperror.NewValidation("externalRef is required")
	}
	if !r.DocumentType.Valid() {
		return apperror.NewValidation("documentType must be one of: invoice, transfer")
	}
	if r.Strategy != "" && !r.Strategy.Valid() {
		return apperror.NewValidation("strategy must be one of: fifo, fefo")
	}
	if len(r.Lines) == 0 {
		return apperror.NewValidation("at least one line is required")
	}
	for i, l := range r.Lines {
		if l.ItemCode == "" || l.WarehouseCode == "" {
			return apperror.NewValidation(fmt.Sprintf("line %d: itemCode and warehouseCode are required", i))
		}
		if !l.Quantity.IsPositive() {
			return apperror.NewValidation(fmt.Sprintf("line %d: quantity must be positive", i))
		}
		if l.ConversionFactor.IsNegative() {
			return apperror.NewValidation(fmt.Sprintf("line %d: conversionFactor must not be negative", i))
		}
		if l.AutoAllocate && len(l.Allocations) > 0 {
			return apperror.NewValidation(fmt.Sprintf("line %d: autoAllocate and explicit allocations are mutually exclusive", i))
		}
		if r.DocumentType == erp.DocumentTypeTransfer {
			if l.TargetWarehouseCode == "" {
				return apperror.NewValidation(fmt.Sprintf("line %d: transfer requires targetWarehouseCode", i))
			}
			if l.TargetWarehouseCode == l.WarehouseCode {
				return apperror.NewValidation(fmt.Sprintf("line %d: targetWarehouseCode must differ from warehouseCode", i))
			}
		}
	}
	return nil
}

// Create places a hold on stock. The flow:
//
//  1. idempotency check on externalRef;
//  2. advisory validation on possibly cached figures, to reject hopeless
//     requests without taking locks;
//  3. under locks on every item/warehouse pair: resolve batch allocations,
//     re-validate against fresh figures, persist.
//
// A concurrent duplicate loses the unique-constraint race and gets the
// winner's reservation back, same as the pre-check path.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Reservation, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	if existing, err := s.repo.GetByExternalRef(ctx, req.ExternalRef); err == nil {
		logger.Info(ctx, "reservation create replayed by external ref",
			"external_ref", req.ExternalRef,
			"reservation_id", existing.ID,
		)
		return existing, nil
	} else if !apperror.IsNotFound(err) {
		return nil, err
	}

	r := s.build(ctx, req)

	advisory, err := s.validator.Validate(ctx, validation.Request{Lines: warehouseLines(r.Lines)})
	if err != nil {
		return nil, err
	}
	if err := advisory.Err(); err != nil {
		return nil, err
	}

	strategy := req.Strategy
	if strategy == "" {
		strategy = s.strategy
	}

	err = s.locks.WithLocks(ctx, req.ExternalRef, r.LockKeys(), 0, func(ctx context.Context) error {
		if err := s.allocate(ctx, r, strategy); err != nil {
			return err
		}

		verdict, err := s.validator.Validate(ctx, validation.Request{
			Lines: r.StockLines(),
			Fresh: true,
		})
		if err != nil {
			return err
		}
		if err := verdict.Err(); err != nil {
			return err
		}

		return s.txManager.RunInTransaction(ctx, func(ctx context.Context) error {
			if err := s.repo.Create(ctx, r); err != nil {
				return err
			}
			if err := s.emit(ctx, EventCreated, r); err != nil {
				return err
			}
			return s.record(ctx, r, "create")
		})
	})
	if apperror.IsDuplicateReference(err) {
		return s.repo.GetByExternalRef(ctx, req.ExternalRef)
	}
	if err != nil {
		return nil, err
	}

	logger.Info(ctx, "reservation created",
		"reservation_id", r.ID,
		"number", r.Number,
		"external_ref", r.ExternalRef,
		"lines", len(r.Lines),
		"expires_at", r.ExpiresAt,
	)
	return r, nil
}

func (s *Service) build(ctx context.Context, req CreateRequest) *Reservation {
	now := time.Now().UTC()
	duration := req.Duration
	if duration <= 0 {
		duration = DefaultDuration
	}
	if duration < MinDuration {
		duration = MinDuration
	}
	if duration > MaxDuration {
		duration = MaxDuration
	}

	sourceSystem := req.SourceSystem
	if sourceSystem == "" {
		sourceSystem = appctx.GetSourceSystem(ctx)
	}

	r := &Reservation{
		ID:           id.New(),
		ExternalRef:  req.ExternalRef,
		SourceSystem: sourceSystem,
		DocumentType: req.DocumentType,
		Status:       StatusPending,
		CreatedBy:    appctx.GetUserID(ctx),
		CreatedAt:    now,
		ExpiresAt:    now.Add(duration),
		Lines:        make([]Line, 0, len(req.Lines)),
	}
	r.Number = s.nextNumber(ctx, r.ID, now)

	for _, l := range req.Lines {
		r.Lines = append(r.Lines, Line{
			ID:                  id.New(),
			ItemCode:            l.ItemCode,
			WarehouseCode:       l.WarehouseCode,
			TargetWarehouseCode: l.TargetWarehouseCode,
			Quantity:            l.Quantity,
			UnitOfMeasure:       l.UnitOfMeasure,
			ConversionFactor:    l.ConversionFactor,
			UnitPrice:           l.UnitPrice,
			AutoAllocate:        l.AutoAllocate,
			Allocations:         l.Allocations,
		})
	}
	return r
}

// allocate resolves batch splits for every line that asked for them.
// Runs under lock so batch availability cannot shift mid-resolution.
func (s *Service) allocate(ctx context.Context, r *Reservation, strategy allocation.Strategy) error {
	for i := range r.Lines {
		line := &r.Lines[i]
		if !line.AutoAllocate && len(line.Allocations) == 0 {
			continue
		}

		batches, available, err := s.validator.BatchAvailability(ctx, line.ItemCode, line.WarehouseCode, id.Nil(), true)
		if err != nil {
			return err
		}

		candidates := make([]allocation.Candidate, 0, len(batches))
		for _, b := range batches {
			avail, ok := available[b.BatchNumber]
			if !ok {
				continue
			}
			candidates = append(candidates, allocation.Candidate{
				BatchNumber:   b.BatchNumber,
				Available:     avail,
				ExpiryDate:    b.ExpiryDate,
				AdmissionDate: b.AdmissionDate,
			})
		}

		allocations, err := allocation.Allocate(allocation.Request{
			ItemCode:      line.ItemCode,
			WarehouseCode: line.WarehouseCode,
			Requested:     line.InventoryQuantity(),
			Candidates:    candidates,
			Strategy:      strategy,
			Explicit:      line.Allocations,
		})
		if err != nil {
			return err
		}
		line.Allocations = allocations
	}
	return nil
}

func (s *Service) nextNumber(ctx context.Context, resID id.ID, at time.Time) string {
	if s.numbers == nil {
		return resID.String()
	}
	number, err := s.numbers.NextNumber(ctx, at)
	if err != nil {
		logger.Warn(ctx, "number generation failed, falling back to id", "error", err)
		return resID.String()
	}
	return number
}

// GetByID loads one reservation.
func (s *Service) GetByID(ctx context.Context, resID id.ID) (*Reservation, error) {
	return s.repo.GetByID(ctx, resID)
}

// GetByExternalRef loads a reservation by the caller's reference.
func (s *Service) GetByExternalRef(ctx context.Context, externalRef string) (*Reservation, error) {
	return s.repo.GetByExternalRef(ctx, externalRef)
}

// List returns reservations by status, newest first.
func (s *Service) List(ctx context.Context, status Status, limit, offset int) ([]Reservation, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.repo.List(ctx, status, limit, offset)
}

// Confirm marks a Pending reservation as posted to the ERP. The quantities
// keep counting as reserved for the settlement window, bridging the gap until
// the ERP's physical figure reflects the posted document.
func (s *Service) Confirm(ctx context.Context, resID id.ID, externalDocID string) (*Reservation, error) {
	r, err := s.repo.GetByID(ctx, resID)
	if err != nil {
		return nil, err
	}
	if r.Status == StatusConfirmed {
		return r, nil
	}
	if r.Status != StatusPending {
		return nil, apperror.NewStateConflict("reservation", string(r.Status), "confirm")
	}

	now := time.Now().UTC()
	err = s.txManager.RunInTransaction(ctx, func(ctx context.Context) error {
		if err := s.repo.Confirm(ctx, resID, externalDocID, now); err != nil {
			return err
		}
		r.Status = StatusConfirmed
		r.ConfirmedAt = &now
		r.ExternalDocID = externalDocID
		if err := s.emit(ctx, EventConfirmed, r); err != nil {
			return err
		}
		return s.record(ctx, r, "confirm")
	})
	if err != nil {
		return nil, err
	}

	logger.Info(ctx, "reservation confirmed",
		"reservation_id", resID,
		"external_doc_id", externalDocID,
	)
	return r, nil
}

// PostAndConfirm posts the reservation's document to the ERP synchronously
// and confirms on success. A transient upstream failure leaves the
// reservation Pending so the caller can retry or enqueue; a permanent
// rejection cancels it, releasing the held quantities.
func (s *Service) PostAndConfirm(ctx context.Context, resID id.ID) (*Reservation, error) {
	r, err := s.repo.GetByID(ctx, resID)
	if err != nil {
		return nil, err
	}
	if r.Status == StatusConfirmed {
		return r, nil
	}
	if r.Status != StatusPending {
		return nil, apperror.NewStateConflict("reservation", string(r.Status), "confirm")
	}

	doc := r.Document()
	if err := doc.Validate(); err != nil {
		return nil, apperror.NewValidation(err.Error())
	}

	result, err := s.erp.PostDocument(ctx, doc)
	if err != nil {
		if apperror.IsCode(err, apperror.CodeUpstreamPermanent) {
			reason := fmt.Sprintf("erp rejected document: %v", err)
			if _, cancelErr := s.Cancel(ctx, resID, reason); cancelErr != nil {
				logger.Error(ctx, "cancel after permanent rejection failed",
					"reservation_id", resID,
					"error", cancelErr,
				)
			}
		}
		return nil, err
	}

	return s.Confirm(ctx, resID, result.ExternalDocID)
}

// Cancel releases a Pending reservation. Cancelling an already-cancelled
// reservation is a no-op; Confirmed and Expired ones cannot be cancelled.
func (s *Service) Cancel(ctx context.Context, resID id.ID, reason string) (*Reservation, error) {
	r, err := s.repo.GetByID(ctx, resID)
	if err != nil {
		return nil, err
	}
	if r.Status == StatusCancelled {
		return r, nil
	}
	if r.Status != StatusPending {
		return nil, apperror.NewStateConflict("reservation", string(r.Status), "cancel")
	}

	now := time.Now().UTC()
	err = s.txManager.RunInTransaction(ctx, func(ctx context.Context) error {
		if err := s.repo.Cancel(ctx, resID, reason, now); err != nil {
			return err
		}
		r.Status = StatusCancelled
		r.CancelledAt = &now
		r.CancelReason = reason
		if err := s.emit(ctx, EventCancelled, r); err != nil {
			return err
		}
		return s.record(ctx, r, "cancel")
	})
	if err != nil {
		return nil, err
	}

	logger.Info(ctx, "reservation cancelled", "reservation_id", resID, "reason", reason)
	return r, nil
}

// Renew extends a Pending reservation's expiry. The quantities are
// re-validated against fresh figures, excluding the reservation's own hold.
func (s *Service) Renew(ctx context.Context, resID id.ID, extension time.Duration) (*Reservation, error) {
	r, err := s.repo.GetByID(ctx, resID)
	if err != nil {
		return nil, err
	}
	if r.Status.Terminal() {
		return nil, apperror.NewNotFound("reservation", resID).
			WithDetail("status", string(r.Status))
	}

	if extension <= 0 {
		extension = DefaultDuration
	}
	if extension > MaxDuration {
		extension = MaxDuration
	}

	verdict, err := s.validator.Validate(ctx, validation.Request{
		Lines:   r.StockLines(),
		Exclude: r.ID,
		Fresh:   true,
	})
	if err != nil {
		return nil, err
	}
	if err := verdict.Err(); err != nil {
		return nil, err
	}

	expiresAt := time.Now().UTC().Add(extension)
	err = s.txManager.RunInTransaction(ctx, func(ctx context.Context) error {
		if err := s.repo.Renew(ctx, resID, expiresAt); err != nil {
			return err
		}
		r.ExpiresAt = expiresAt
		if err := s.emit(ctx, EventRenewed, r); err != nil {
			return err
		}
		return s.record(ctx, r, "renew")
	})
	if err != nil {
		return nil, err
	}

	logger.Info(ctx, "reservation renewed", "reservation_id", resID, "expires_at", expiresAt)
	return r, nil
}

// ExpireSweep transitions overdue Pending reservations to Expired, releasing
// their quantities. Called periodically by the worker.
func (s *Service) ExpireSweep(ctx context.Context) (int, error) {
	var expired []Reservation
	err := s.txManager.RunInTransaction(ctx, func(ctx context.Context) error {
		var err error
		expired, err = s.repo.ExpireOverdue(ctx, time.Now().UTC())
		if err != nil {
			return err
		}
		for i := range expired {
			r := &expired[i]
			if err := s.emit(ctx, EventExpired, r); err != nil {
				return err
			}
			if err := s.record(ctx, r, "expire"); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	if len(expired) > 0 {
		logger.Info(ctx, "expired overdue reservations", "count", len(expired))
	}
	return len(expired), nil
}

func (s *Service) emit(ctx context.Context, eventType string, r *Reservation) error {
	if s.events == nil {
		return nil
	}
	return s.events.ReservationEvent(ctx, eventType, r)
}

func (s *Service) record(ctx context.Context, r *Reservation, action string) error {
	if s.audit == nil {
		return nil
	}
	return s.audit.LogChange(ctx, "reservation", r.ID, action, r)
}

// warehouseLines collapses reservation lines to warehouse-level stock lines
// for the advisory pre-lock check.
func warehouseLines(lines []Line) []stock.Line {
	out := make([]stock.Line, 0, len(lines))
	for _, l := range lines {
		out = append(out, stock.Line{
			ItemCode:      l.ItemCode,
			WarehouseCode: l.WarehouseCode,
			Quantity:      l.InventoryQuantity(),
		})
	}
	return out
}
