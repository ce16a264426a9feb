package queue

import (
	"context"
	"encoding/json"
	"time"

	"stockgate/internal/core/apperror"
	"stockgate/internal/core/id"
	"stockgate/internal/core/tx"
	"stockgate/internal/domain/erp"
	"stockgate/internal/domain/reservation"
	"stockgate/pkg/logger"
)

// DefaultPollInterval is how often an idle worker checks for due items.
const DefaultPollInterval = 5 * time.Second

// ReservationSettler finalizes the reservation linked to a delivered or
// rejected queue item. Satisfied by reservation.Service.
type ReservationSettler interface {
	Confirm(ctx context.Context, resID id.ID, externalDocID string) (*reservation.Reservation, error)
	Cancel(ctx context.Context, resID id.ID, reason string) (*reservation.Reservation, error)
}

// Worker drains the posting queue: claims due items, posts their documents
// to the ERP, and settles the linked reservations. Multiple workers can run
// concurrently; claims are serialized by the repository.
type Worker struct {
	repo         Repository
	erp          erp.Client
	reservations ReservationSettler
	txManager    tx.Manager
	events       EventSink
	backoff      Backoff
	workerID     string
	interval     time.Duration
}

// NewWorker wires a queue worker. events may be nil; a zero backoff and
// interval fall back to the defaults.
func NewWorker(repo Repository, erpClient erp.Client, reservations ReservationSettler, txManager tx.Manager, events EventSink, backoff Backoff, workerID string, interval time.Duration) *Worker {
	if backoff.Base <= 0 {
		backoff = DefaultBackoff
	}
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if workerID == "" {
		workerID = id.New().String()
	}
	return &Worker{
		repo:         repo,
		erp:          erpClient,
		reservations: reservations,
		txManager:    txManager,
		events:       events,
		backoff:      backoff,
		workerID:     workerID,
		interval:     interval,
	}
}

// Run drains due items until the context is cancelled. Each tick processes
// items back-to-back until the queue has nothing due.
func (w *Worker) Run(ctx context.Context) error {
	logger.Info(ctx, "posting worker started", "worker_id", w.workerID, "poll_interval", w.interval)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		w.drain(ctx)

		select {
		case <-ctx.Done():
			logger.Info(ctx, "posting worker stopped", "worker_id", w.workerID)
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (w *Worker) drain(ctx context.Context) {
	for {
		processed, err := w.ProcessNext(ctx)
		if err != nil {
			logger.Error(ctx, "posting attempt failed", "worker_id", w.workerID, "error", err)
			return
		}
		if !processed {
			return
		}
		if ctx.Err() != nil {
			return
		}
	}
}

// ProcessNext claims and processes one due item. Returns false when the
// queue has nothing due. The returned error covers claim and bookkeeping
// failures; a failed posting attempt is recorded on the item, not returned.
func (w *Worker) ProcessNext(ctx context.Context) (bool, error) {
	now := time.Now().UTC()
	item, err := w.repo.ClaimNext(ctx, w.workerID, now)
	if err != nil {
		return false, err
	}
	if item == nil {
		return false, nil
	}

	var doc erp.Document
	if err := json.Unmarshal(item.Payload, &doc); err != nil {
		// Unreadable payloads can never succeed.
		return true, w.reject(ctx, item, apperror.NewUpstreamPermanent("unreadable posting payload").WithCause(err))
	}

	result, postErr := w.erp.PostDocument(ctx, doc)
	switch {
	case postErr == nil:
		return true, w.complete(ctx, item, result.ExternalDocID)
	case apperror.IsRetryable(postErr):
		return true, w.retryLater(ctx, item, postErr)
	default:
		return true, w.reject(ctx, item, postErr)
	}
}

func (w *Worker) complete(ctx context.Context, item *Item, externalDocID string) error {
	now := time.Now().UTC()
	err := w.txManager.RunInTransaction(ctx, func(ctx context.Context) error {
		if err := w.repo.Complete(ctx, item.ID, externalDocID, now); err != nil {
			return err
		}
		item.Status = StatusCompleted
		item.ExternalDocID = externalDocID
		item.CompletedAt = &now
		return w.emit(ctx, EventCompleted, item)
	})
	if err != nil {
		return err
	}

	if _, err := w.reservations.Confirm(ctx, item.ReservationID, externalDocID); err != nil {
		// The document is already in the ERP; surface the mismatch loudly.
		logger.Error(ctx, "posting delivered but reservation confirm failed",
			"item_id", item.ID,
			"reservation_id", item.ReservationID,
			"external_doc_id", externalDocID,
			"error", err,
		)
	}

	logger.Info(ctx, "posting delivered",
		"item_id", item.ID,
		"external_ref", item.ExternalRef,
		"external_doc_id", externalDocID,
		"attempts", item.Attempts+1,
	)
	return nil
}

func (w *Worker) retryLater(ctx context.Context, item *Item, postErr error) error {
	attempts := item.Attempts + 1
	if attempts >= item.MaxAttempts {
		err := w.txManager.RunInTransaction(ctx, func(ctx context.Context) error {
			if err := w.repo.Escalate(ctx, item.ID, attempts, postErr.Error()); err != nil {
				return err
			}
			item.Status = StatusNeedsReview
			item.Attempts = attempts
			return w.emit(ctx, EventEscalated, item)
		})
		if err != nil {
			return err
		}

		logger.Warn(ctx, "posting escalated after exhausted retries",
			"item_id", item.ID,
			"external_ref", item.ExternalRef,
			"attempts", attempts,
			"error", postErr,
		)
		return nil
	}

	nextAttempt := time.Now().UTC().Add(w.backoff.Delay(attempts))
	if err := w.repo.Reschedule(ctx, item.ID, attempts, postErr.Error(), nextAttempt); err != nil {
		return err
	}

	logger.Warn(ctx, "posting rescheduled",
		"item_id", item.ID,
		"external_ref", item.ExternalRef,
		"attempts", attempts,
		"next_attempt_at", nextAttempt,
		"error", postErr,
	)
	return nil
}

func (w *Worker) reject(ctx context.Context, item *Item, postErr error) error {
	attempts := item.Attempts + 1
	err := w.txManager.RunInTransaction(ctx, func(ctx context.Context) error {
		if err := w.repo.Fail(ctx, item.ID, attempts, postErr.Error()); err != nil {
			return err
		}
		item.Status = StatusFailed
		item.Attempts = attempts
		return w.emit(ctx, EventFailed, item)
	})
	if err != nil {
		return err
	}

	// A permanently rejected document releases its hold.
	if _, err := w.reservations.Cancel(ctx, item.ReservationID, "erp rejected document: "+postErr.Error()); err != nil {
		if !apperror.IsCode(err, apperror.CodeStateConflict) && !apperror.IsNotFound(err) {
			return err
		}
	}

	logger.Error(ctx, "posting permanently rejected",
		"item_id", item.ID,
		"external_ref", item.ExternalRef,
		"error", postErr,
	)
	return nil
}

func (w *Worker) emit(ctx context.Context, eventType string, item *Item) error {
	if w.events == nil {
		return nil
	}
	return w.events.QueueEvent(ctx, eventType, item)
}
