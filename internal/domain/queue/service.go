package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"stockgate/internal/core/apperror"
	"stockgate/internal/core/id"
	"stockgate/internal/core/tx"
	"stockgate/internal/domain/reservation"
	"stockgate/pkg/logger"
)

// EventSink receives queue lifecycle events. Nil disables events.
type EventSink interface {
	QueueEvent(ctx context.Context, eventType string, item *Item) error
}

// Event types emitted to the sink.
const (
	EventEnqueued  = "posting.enqueued"
	EventCompleted = "posting.completed"
	EventEscalated = "posting.escalated"
	EventFailed    = "posting.failed"
	EventCancelled = "posting.cancelled"
	EventRetried   = "posting.retried"
)

// ReservationCanceller releases the hold linked to a cancelled queue item.
type ReservationCanceller interface {
	Cancel(ctx context.Context, resID id.ID, reason string) (*reservation.Reservation, error)
	GetByID(ctx context.Context, resID id.ID) (*reservation.Reservation, error)
}

// Service owns enqueueing and operator actions on the posting queue.
// The delivery loop lives in Worker.
type Service struct {
	repo         Repository
	reservations ReservationCanceller
	txManager    tx.Manager
	events       EventSink
	maxAttempts  int
}

// NewService wires the queue service. events may be nil.
func NewService(repo Repository, reservations ReservationCanceller, txManager tx.Manager, events EventSink, maxAttempts int) *Service {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Service{
		repo:         repo,
		reservations: reservations,
		txManager:    txManager,
		events:       events,
		maxAttempts:  maxAttempts,
	}
}

// Enqueue freezes the reservation's document and queues it for delivery.
// Enqueueing the same reservation twice returns the existing item.
func (s *Service) Enqueue(ctx context.Context, resID id.ID) (*Item, error) {
	r, err := s.reservations.GetByID(ctx, resID)
	if err != nil {
		return nil, err
	}
	if r.Status != reservation.StatusPending {
		return nil, apperror.NewStateConflict("reservation", string(r.Status), "enqueue")
	}

	// The payload is frozen here; a structurally invalid document would
	// otherwise fail on every delivery attempt.
	doc := r.Document()
	if err := doc.Validate(); err != nil {
		return nil, apperror.NewValidation(err.Error())
	}

	payload, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshal posting payload: %w", err)
	}

	now := time.Now().UTC()
	item := &Item{
		ID:            id.New(),
		ReservationID: r.ID,
		ExternalRef:   r.ExternalRef,
		DocumentType:  r.DocumentType,
		Payload:       payload,
		Status:        StatusPending,
		MaxAttempts:   s.maxAttempts,
		NextAttemptAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	err = s.txManager.RunInTransaction(ctx, func(ctx context.Context) error {
		if err := s.repo.Enqueue(ctx, item); err != nil {
			return err
		}
		return s.emit(ctx, EventEnqueued, item)
	})
	if apperror.IsDuplicateReference(err) {
		return s.repo.GetByExternalRef(ctx, r.ExternalRef)
	}
	if err != nil {
		return nil, err
	}

	logger.Info(ctx, "posting enqueued",
		"item_id", item.ID,
		"reservation_id", resID,
		"external_ref", item.ExternalRef,
	)
	return item, nil
}

// GetByID loads one queue item.
func (s *Service) GetByID(ctx context.Context, itemID id.ID) (*Item, error) {
	return s.repo.GetByID(ctx, itemID)
}

// GetByExternalRef loads a queue item by the caller's reference.
func (s *Service) GetByExternalRef(ctx context.Context, externalRef string) (*Item, error) {
	return s.repo.GetByExternalRef(ctx, externalRef)
}

// List returns items by status (empty = all), oldest first.
func (s *Service) List(ctx context.Context, status Status, limit, offset int) ([]Item, error) {
	if status != "" && !validStatus(status) {
		return nil, apperror.NewValidation("unknown queue status: " + string(status))
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.repo.ListByStatus(ctx, status, limit, offset)
}

// Cancel withdraws a Pending or NeedsReview item and releases the linked
// reservation. Cancelling an already-cancelled item is a no-op.
func (s *Service) Cancel(ctx context.Context, itemID id.ID, reason string) (*Item, error) {
	item, err := s.repo.GetByID(ctx, itemID)
	if err != nil {
		return nil, err
	}
	switch item.Status {
	case StatusCancelled:
		return item, nil
	case StatusPending, StatusNeedsReview:
	default:
		return nil, apperror.NewStateConflict("queue item", string(item.Status), "cancel")
	}

	err = s.txManager.RunInTransaction(ctx, func(ctx context.Context) error {
		if err := s.repo.Cancel(ctx, itemID); err != nil {
			return err
		}
		item.Status = StatusCancelled
		return s.emit(ctx, EventCancelled, item)
	})
	if err != nil {
		return nil, err
	}

	if _, err := s.reservations.Cancel(ctx, item.ReservationID, "posting cancelled: "+reason); err != nil {
		if !apperror.IsCode(err, apperror.CodeStateConflict) && !apperror.IsNotFound(err) {
			return nil, err
		}
	}

	logger.Info(ctx, "posting cancelled", "item_id", itemID, "reason", reason)
	return item, nil
}

// Retry returns a NeedsReview or Failed item to the queue with a fresh
// attempt budget. Operator action after the underlying issue is resolved.
func (s *Service) Retry(ctx context.Context, itemID id.ID) (*Item, error) {
	item, err := s.repo.GetByID(ctx, itemID)
	if err != nil {
		return nil, err
	}
	if item.Status != StatusNeedsReview && item.Status != StatusFailed {
		return nil, apperror.NewStateConflict("queue item", string(item.Status), "retry")
	}

	now := time.Now().UTC()
	err = s.txManager.RunInTransaction(ctx, func(ctx context.Context) error {
		if err := s.repo.Reset(ctx, itemID, now); err != nil {
			return err
		}
		item.Status = StatusPending
		item.Attempts = 0
		item.NextAttemptAt = now
		return s.emit(ctx, EventRetried, item)
	})
	if err != nil {
		return nil, err
	}

	logger.Info(ctx, "posting returned to queue", "item_id", itemID)
	return item, nil
}

// PurgeCompleted deletes delivered items older than the retention cutoff.
func (s *Service) PurgeCompleted(ctx context.Context, retention time.Duration) (int64, error) {
	return s.repo.PurgeCompleted(ctx, time.Now().UTC().Add(-retention))
}

func (s *Service) emit(ctx context.Context, eventType string, item *Item) error {
	if s.events == nil {
		return nil
	}
	return s.events.QueueEvent(ctx, eventType, item)
}

func validStatus(s Status) bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusNeedsReview, StatusCancelled:
		return true
	}
	return false
}
