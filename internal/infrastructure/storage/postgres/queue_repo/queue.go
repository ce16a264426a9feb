// Package queue_repo provides the PostgreSQL implementation of the posting
// queue repository.
package queue_repo

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"stockgate/internal/core/apperror"
	"stockgate/internal/core/id"
	"stockgate/internal/domain/queue"
	"stockgate/internal/infrastructure/storage/postgres"
)

const queueTable = "inv_posting_queue"

const uniqueViolation = "23505"

var itemCols = []string{
	"id", "reservation_id", "external_ref", "document_type", "payload",
	"status", "attempts", "max_attempts", "last_error", "next_attempt_at",
	"claimed_by", "created_at", "updated_at", "completed_at", "external_doc_id",
}

var _ queue.Repository = (*QueueRepo)(nil)

// QueueRepo implements queue.Repository.
type QueueRepo struct {
	txManager *postgres.TxManager
}

// NewQueueRepo creates a queue repository.
func NewQueueRepo(txManager *postgres.TxManager) *QueueRepo {
	return &QueueRepo{txManager: txManager}
}

func (r *QueueRepo) builder() squirrel.StatementBuilderType {
	return squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar)
}

// Enqueue inserts a Pending item. A partial unique index on external_ref for
// non-terminal rows turns double enqueues into DuplicateReference.
func (r *QueueRepo) Enqueue(ctx context.Context, item *queue.Item) error {
	q := r.builder().
		Insert(queueTable).
		Columns(itemCols...).
		Values(
			item.ID, item.ReservationID, item.ExternalRef, item.DocumentType, item.Payload,
			item.Status, item.Attempts, item.MaxAttempts, item.LastError, item.NextAttemptAt,
			item.ClaimedBy, item.CreatedAt, item.UpdatedAt, item.CompletedAt, item.ExternalDocID,
		)

	sql, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build enqueue: %w", err)
	}

	if _, err := r.txManager.GetQuerier(ctx).Exec(ctx, sql, args...); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return apperror.NewDuplicateReference(item.ExternalRef)
		}
		return fmt.Errorf("enqueue posting: %w", err)
	}
	return nil
}

// GetByID loads one item.
func (r *QueueRepo) GetByID(ctx context.Context, itemID id.ID) (*queue.Item, error) {
	return r.getOne(ctx, squirrel.Eq{"id": itemID}, itemID)
}

// GetByExternalRef loads the latest item for the caller's reference.
func (r *QueueRepo) GetByExternalRef(ctx context.Context, externalRef string) (*queue.Item, error) {
	return r.getOne(ctx, squirrel.Eq{"external_ref": externalRef}, externalRef)
}

func (r *QueueRepo) getOne(ctx context.Context, cond squirrel.Sqlizer, key any) (*queue.Item, error) {
	sql, args, err := r.builder().
		Select(itemCols...).
		From(queueTable).
		Where(cond).
		OrderBy("created_at DESC").
		Limit(1).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select: %w", err)
	}

	var item queue.Item
	if err := pgxscan.Get(ctx, r.txManager.GetQuerier(ctx), &item, sql, args...); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperror.NewNotFound("queue item", key)
		}
		return nil, fmt.Errorf("select queue item: %w", err)
	}
	return &item, nil
}

// ListByStatus returns items by status (empty = all), oldest first.
func (r *QueueRepo) ListByStatus(ctx context.Context, status queue.Status, limit, offset int) ([]queue.Item, error) {
	q := r.builder().
		Select(itemCols...).
		From(queueTable).
		OrderBy("created_at").
		Limit(uint64(limit)).
		Offset(uint64(offset))
	if status != "" {
		q = q.Where(squirrel.Eq{"status": status})
	}

	sql, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list: %w", err)
	}

	var out []queue.Item
	if err := pgxscan.Select(ctx, r.txManager.GetQuerier(ctx), &out, sql, args...); err != nil {
		return nil, fmt.Errorf("list queue items: %w", err)
	}
	return out, nil
}

// ClaimNext claims the oldest due Pending item with FOR UPDATE SKIP LOCKED,
// so concurrent workers never pick the same item.
func (r *QueueRepo) ClaimNext(ctx context.Context, workerID string, now time.Time) (*queue.Item, error) {
	var item queue.Item
	err := pgxscan.Get(ctx, r.txManager.GetQuerier(ctx), &item, `
		UPDATE `+queueTable+` SET
			status = $1,
			claimed_by = $2,
			updated_at = $3
		WHERE id = (
			SELECT id FROM `+queueTable+`
			WHERE status = $4 AND next_attempt_at <= $3
			ORDER BY next_attempt_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+strings.Join(itemCols, ", "),
		queue.StatusProcessing, workerID, now, queue.StatusPending)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("claim queue item: %w", err)
	}
	return &item, nil
}

// Complete marks a Processing item delivered.
func (r *QueueRepo) Complete(ctx context.Context, itemID id.ID, externalDocID string, at time.Time) error {
	return r.transition(ctx, itemID, queue.StatusProcessing, "complete", map[string]any{
		"status":          queue.StatusCompleted,
		"external_doc_id": externalDocID,
		"completed_at":    at,
		"updated_at":      at,
	})
}

// Reschedule returns a Processing item to Pending with the retry time.
func (r *QueueRepo) Reschedule(ctx context.Context, itemID id.ID, attempts int, lastError string, nextAttemptAt time.Time) error {
	return r.transition(ctx, itemID, queue.StatusProcessing, "reschedule", map[string]any{
		"status":          queue.StatusPending,
		"attempts":        attempts,
		"last_error":      lastError,
		"next_attempt_at": nextAttemptAt,
		"claimed_by":      "",
		"updated_at":      time.Now().UTC(),
	})
}

// Escalate parks a Processing item as NeedsReview.
func (r *QueueRepo) Escalate(ctx context.Context, itemID id.ID, attempts int, lastError string) error {
	return r.transition(ctx, itemID, queue.StatusProcessing, "escalate", map[string]any{
		"status":     queue.StatusNeedsReview,
		"attempts":   attempts,
		"last_error": lastError,
		"updated_at": time.Now().UTC(),
	})
}

// Fail marks a Processing item permanently rejected.
func (r *QueueRepo) Fail(ctx context.Context, itemID id.ID, attempts int, lastError string) error {
	return r.transition(ctx, itemID, queue.StatusProcessing, "fail", map[string]any{
		"status":     queue.StatusFailed,
		"attempts":   attempts,
		"last_error": lastError,
		"updated_at": time.Now().UTC(),
	})
}

// Cancel drops a Pending or NeedsReview item.
func (r *QueueRepo) Cancel(ctx context.Context, itemID id.ID) error {
	q := r.builder().
		Update(queueTable).
		Set("status", queue.StatusCancelled).
		Set("updated_at", time.Now().UTC()).
		Where(squirrel.Eq{
			"id":     itemID,
			"status": []queue.Status{queue.StatusPending, queue.StatusNeedsReview},
		})

	return r.guarded(ctx, q, itemID, "cancel")
}

// Reset returns a NeedsReview or Failed item to Pending with zero attempts.
func (r *QueueRepo) Reset(ctx context.Context, itemID id.ID, now time.Time) error {
	q := r.builder().
		Update(queueTable).
		Set("status", queue.StatusPending).
		Set("attempts", 0).
		Set("last_error", "").
		Set("next_attempt_at", now).
		Set("updated_at", now).
		Where(squirrel.Eq{
			"id":     itemID,
			"status": []queue.Status{queue.StatusNeedsReview, queue.StatusFailed},
		})

	return r.guarded(ctx, q, itemID, "retry")
}

// PurgeCompleted deletes delivered items older than the cutoff.
func (r *QueueRepo) PurgeCompleted(ctx context.Context, olderThan time.Time) (int64, error) {
	result, err := r.txManager.GetQuerier(ctx).Exec(ctx, `
		DELETE FROM `+queueTable+`
		WHERE status = $1 AND completed_at < $2
	`, queue.StatusCompleted, olderThan)
	if err != nil {
		return 0, fmt.Errorf("purge completed items: %w", err)
	}
	return result.RowsAffected(), nil
}

func (r *QueueRepo) transition(ctx context.Context, itemID id.ID, from queue.Status, action string, set map[string]any) error {
	q := r.builder().
		Update(queueTable).
		SetMap(set).
		Where(squirrel.Eq{"id": itemID, "status": from})
	return r.guarded(ctx, q, itemID, action)
}

// guarded runs a status-guarded update and reports why nothing changed.
func (r *QueueRepo) guarded(ctx context.Context, q squirrel.UpdateBuilder, itemID id.ID, action string) error {
	sql, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build %s: %w", action, err)
	}

	querier := r.txManager.GetQuerier(ctx)
	result, err := querier.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("%s queue item: %w", action, err)
	}
	if result.RowsAffected() > 0 {
		return nil
	}

	var status string
	err = querier.QueryRow(ctx, `SELECT status FROM `+queueTable+` WHERE id = $1`, itemID).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return apperror.NewNotFound("queue item", itemID)
		}
		return fmt.Errorf("read queue item status: %w", err)
	}
	return apperror.NewStateConflict("queue item", status, action)
}
