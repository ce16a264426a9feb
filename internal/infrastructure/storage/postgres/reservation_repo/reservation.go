// Package reservation_repo provides the PostgreSQL implementation of the
// reservation repository.
package reservation_repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"stockgate/internal/core/apperror"
	"stockgate/internal/core/id"
	"stockgate/internal/core/types"
	"stockgate/internal/domain/allocation"
	"stockgate/internal/domain/reservation"
	"stockgate/internal/domain/stock"
	"stockgate/internal/infrastructure/storage/postgres"
)

const (
	reservationsTable = "inv_reservations"
	linesTable        = "inv_reservation_lines"
	allocationsTable  = "inv_reservation_allocations"
)

// uniqueViolation is the PostgreSQL error code for unique constraint hits.
const uniqueViolation = "23505"

var headerCols = []string{
	"id", "number", "external_ref", "source_system", "document_type", "status",
	"created_by", "created_at", "expires_at", "confirmed_at", "cancelled_at",
	"cancel_reason", "external_doc_id",
}

// activeCond selects reservations that count toward the reserved sum:
// Pending, or Confirmed within the settlement window.
func activeCond(confirmedSince time.Time) squirrel.Sqlizer {
	return squirrel.Or{
		squirrel.Eq{"r.status": reservation.StatusPending},
		squirrel.And{
			squirrel.Eq{"r.status": reservation.StatusConfirmed},
			squirrel.Gt{"r.confirmed_at": confirmedSince},
		},
	}
}

var _ reservation.Repository = (*ReservationRepo)(nil)

// ReservationRepo implements reservation.Repository.
type ReservationRepo struct {
	txManager *postgres.TxManager
	inserter  *postgres.BatchInserter
}

// NewReservationRepo creates a reservation repository.
func NewReservationRepo(txManager *postgres.TxManager) *ReservationRepo {
	return &ReservationRepo{
		txManager: txManager,
		inserter:  postgres.NewBatchInserter(txManager),
	}
}

func (r *ReservationRepo) builder() squirrel.StatementBuilderType {
	return squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar)
}

// Create inserts the header, lines and allocations. Lines go over the COPY
// protocol, so Create must run inside a transaction.
func (r *ReservationRepo) Create(ctx context.Context, res *reservation.Reservation) error {
	q := r.builder().
		Insert(reservationsTable).
		Columns(headerCols...).
		Values(
			res.ID, res.Number, res.ExternalRef, res.SourceSystem, res.DocumentType, res.Status,
			res.CreatedBy, res.CreatedAt, res.ExpiresAt, res.ConfirmedAt, res.CancelledAt,
			res.CancelReason, res.ExternalDocID,
		)

	sql, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build insert: %w", err)
	}

	querier := r.txManager.GetQuerier(ctx)
	if _, err := querier.Exec(ctx, sql, args...); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return apperror.NewDuplicateReference(res.ExternalRef)
		}
		return fmt.Errorf("insert reservation: %w", err)
	}

	lineRows := make([][]any, 0, len(res.Lines))
	var allocationRows [][]any
	for _, line := range res.Lines {
		lineRows = append(lineRows, []any{
			line.ID, res.ID, line.ItemCode, line.WarehouseCode, line.TargetWarehouseCode,
			line.Quantity, line.UnitOfMeasure, line.ConversionFactor,
			line.UnitPrice, line.AutoAllocate, line.InventoryQuantity(),
		})
		for _, alloc := range line.Allocations {
			allocationRows = append(allocationRows, []any{
				id.New(), line.ID, res.ID, alloc.BatchNumber, alloc.Quantity,
			})
		}
	}

	_, err = r.inserter.CopyFromSlice(ctx, linesTable, []string{
		"id", "reservation_id", "item_code", "warehouse_code", "target_warehouse_code",
		"quantity", "unit_of_measure", "conversion_factor",
		"unit_price", "auto_allocate", "inventory_quantity",
	}, lineRows)
	if err != nil {
		return fmt.Errorf("insert reservation lines: %w", err)
	}

	if len(allocationRows) > 0 {
		_, err = r.inserter.CopyFromSlice(ctx, allocationsTable, []string{
			"id", "line_id", "reservation_id", "batch_number", "quantity",
		}, allocationRows)
		if err != nil {
			return fmt.Errorf("insert reservation allocations: %w", err)
		}
	}
	return nil
}

// GetByID loads one reservation with lines and allocations.
func (r *ReservationRepo) GetByID(ctx context.Context, resID id.ID) (*reservation.Reservation, error) {
	return r.getOne(ctx, squirrel.Eq{"id": resID}, resID)
}

// GetByExternalRef loads a reservation by the caller's reference.
func (r *ReservationRepo) GetByExternalRef(ctx context.Context, externalRef string) (*reservation.Reservation, error) {
	return r.getOne(ctx, squirrel.Eq{"external_ref": externalRef}, externalRef)
}

func (r *ReservationRepo) getOne(ctx context.Context, cond squirrel.Sqlizer, key any) (*reservation.Reservation, error) {
	q := r.builder().
		Select(headerCols...).
		From(reservationsTable).
		Where(cond)

	sql, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select: %w", err)
	}

	var res reservation.Reservation
	querier := r.txManager.GetQuerier(ctx)
	if err := pgxscan.Get(ctx, querier, &res, sql, args...); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperror.NewNotFound("reservation", key)
		}
		return nil, fmt.Errorf("select reservation: %w", err)
	}

	if err := r.loadLines(ctx, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// List returns reservations by status (empty = all), newest first.
// Lines are not loaded for listings.
func (r *ReservationRepo) List(ctx context.Context, status reservation.Status, limit, offset int) ([]reservation.Reservation, error) {
	q := r.builder().
		Select(headerCols...).
		From(reservationsTable).
		OrderBy("created_at DESC").
		Limit(uint64(limit)).
		Offset(uint64(offset))
	if status != "" {
		q = q.Where(squirrel.Eq{"status": status})
	}

	sql, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list: %w", err)
	}

	var out []reservation.Reservation
	if err := pgxscan.Select(ctx, r.txManager.GetQuerier(ctx), &out, sql, args...); err != nil {
		return nil, fmt.Errorf("list reservations: %w", err)
	}
	return out, nil
}

type lineRow struct {
	ID                  id.ID          `db:"id"`
	ItemCode            string         `db:"item_code"`
	WarehouseCode       string         `db:"warehouse_code"`
	TargetWarehouseCode string         `db:"target_warehouse_code"`
	Quantity            types.Quantity `db:"quantity"`
	UnitOfMeasure       string         `db:"unit_of_measure"`
	ConversionFactor    types.Quantity `db:"conversion_factor"`
	UnitPrice           types.Money    `db:"unit_price"`
	AutoAllocate        bool           `db:"auto_allocate"`
}

type allocationRow struct {
	LineID      id.ID          `db:"line_id"`
	BatchNumber string         `db:"batch_number"`
	Quantity    types.Quantity `db:"quantity"`
}

func (r *ReservationRepo) loadLines(ctx context.Context, res *reservation.Reservation) error {
	querier := r.txManager.GetQuerier(ctx)

	sql, args, err := r.builder().
		Select("id", "item_code", "warehouse_code", "target_warehouse_code",
			"quantity", "unit_of_measure", "conversion_factor", "unit_price", "auto_allocate").
		From(linesTable).
		Where(squirrel.Eq{"reservation_id": res.ID}).
		OrderBy("id").
		ToSql()
	if err != nil {
		return fmt.Errorf("build lines select: %w", err)
	}

	var lines []lineRow
	if err := pgxscan.Select(ctx, querier, &lines, sql, args...); err != nil {
		return fmt.Errorf("select reservation lines: %w", err)
	}

	sql, args, err = r.builder().
		Select("line_id", "batch_number", "quantity").
		From(allocationsTable).
		Where(squirrel.Eq{"reservation_id": res.ID}).
		OrderBy("id").
		ToSql()
	if err != nil {
		return fmt.Errorf("build allocations select: %w", err)
	}

	var allocations []allocationRow
	if err := pgxscan.Select(ctx, querier, &allocations, sql, args...); err != nil {
		return fmt.Errorf("select reservation allocations: %w", err)
	}

	byLine := make(map[id.ID][]allocation.Allocation)
	for _, a := range allocations {
		byLine[a.LineID] = append(byLine[a.LineID], allocation.Allocation{
			BatchNumber: a.BatchNumber,
			Quantity:    a.Quantity,
		})
	}

	res.Lines = make([]reservation.Line, 0, len(lines))
	for _, l := range lines {
		res.Lines = append(res.Lines, reservation.Line{
			ID:                  l.ID,
			ItemCode:            l.ItemCode,
			WarehouseCode:       l.WarehouseCode,
			TargetWarehouseCode: l.TargetWarehouseCode,
			Quantity:            l.Quantity,
			UnitOfMeasure:       l.UnitOfMeasure,
			ConversionFactor:    l.ConversionFactor,
			UnitPrice:           l.UnitPrice,
			AutoAllocate:        l.AutoAllocate,
			Allocations:         byLine[l.ID],
		})
	}
	return nil
}

// Confirm transitions Pending to Confirmed.
func (r *ReservationRepo) Confirm(ctx context.Context, resID id.ID, externalDocID string, at time.Time) error {
	return r.transition(ctx, resID, "confirm", map[string]any{
		"status":          reservation.StatusConfirmed,
		"confirmed_at":    at,
		"external_doc_id": externalDocID,
	})
}

// Cancel transitions Pending to Cancelled.
func (r *ReservationRepo) Cancel(ctx context.Context, resID id.ID, reason string, at time.Time) error {
	return r.transition(ctx, resID, "cancel", map[string]any{
		"status":        reservation.StatusCancelled,
		"cancelled_at":  at,
		"cancel_reason": reason,
	})
}

// Renew moves the expiry of a Pending reservation.
func (r *ReservationRepo) Renew(ctx context.Context, resID id.ID, expiresAt time.Time) error {
	return r.transition(ctx, resID, "renew", map[string]any{
		"expires_at": expiresAt,
	})
}

// transition applies a status-guarded update; only Pending rows qualify.
func (r *ReservationRepo) transition(ctx context.Context, resID id.ID, action string, set map[string]any) error {
	q := r.builder().
		Update(reservationsTable).
		SetMap(set).
		Where(squirrel.Eq{"id": resID, "status": reservation.StatusPending})

	sql, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build %s: %w", action, err)
	}

	querier := r.txManager.GetQuerier(ctx)
	result, err := querier.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("%s reservation: %w", action, err)
	}
	if result.RowsAffected() > 0 {
		return nil
	}

	// The row was missing or not Pending; report which.
	var status string
	err = querier.QueryRow(ctx, `SELECT status FROM `+reservationsTable+` WHERE id = $1`, resID).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return apperror.NewNotFound("reservation", resID)
		}
		return fmt.Errorf("read reservation status: %w", err)
	}
	return apperror.NewStateConflict("reservation", status, action)
}

// ExpireOverdue flips overdue Pending reservations to Expired and returns
// them with lines loaded.
func (r *ReservationRepo) ExpireOverdue(ctx context.Context, now time.Time) ([]reservation.Reservation, error) {
	querier := r.txManager.GetQuerier(ctx)

	rows, err := querier.Query(ctx, `
		UPDATE `+reservationsTable+`
		SET status = $1
		WHERE status = $2 AND expires_at <= $3
		RETURNING id
	`, reservation.StatusExpired, reservation.StatusPending, now)
	if err != nil {
		return nil, fmt.Errorf("expire reservations: %w", err)
	}

	var ids []id.ID
	for rows.Next() {
		var resID id.ID
		if err := rows.Scan(&resID); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan expired id: %w", err)
		}
		ids = append(ids, resID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate expired ids: %w", err)
	}

	expired := make([]reservation.Reservation, 0, len(ids))
	for _, resID := range ids {
		res, err := r.GetByID(ctx, resID)
		if err != nil {
			return nil, err
		}
		expired = append(expired, *res)
	}
	return expired, nil
}

// SumActiveByKey sums held quantities on one stock key. Warehouse-level keys
// sum line inventory quantities; batch-level keys sum batch allocations.
func (r *ReservationRepo) SumActiveByKey(ctx context.Context, key stock.Key, exclude id.ID, confirmedSince time.Time) (types.Quantity, error) {
	var q squirrel.SelectBuilder
	if key.IsBatchManaged() {
		q = r.builder().
			Select("COALESCE(SUM(a.quantity), 0)").
			From(allocationsTable + " a").
			Join(linesTable + " l ON l.id = a.line_id").
			Join(reservationsTable + " r ON r.id = a.reservation_id").
			Where(squirrel.Eq{
				"l.item_code":      key.ItemCode,
				"l.warehouse_code": key.WarehouseCode,
				"a.batch_number":   key.BatchNumber,
			})
	} else {
		q = r.builder().
			Select("COALESCE(SUM(l.inventory_quantity), 0)").
			From(linesTable + " l").
			Join(reservationsTable + " r ON r.id = l.reservation_id").
			Where(squirrel.Eq{
				"l.item_code":      key.ItemCode,
				"l.warehouse_code": key.WarehouseCode,
			})
	}
	q = q.Where(activeCond(confirmedSince))
	if !id.IsNil(exclude) {
		q = q.Where(squirrel.NotEq{"r.id": exclude})
	}

	sql, args, err := q.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build sum: %w", err)
	}

	var sum int64
	if err := r.txManager.GetQuerier(ctx).QueryRow(ctx, sql, args...).Scan(&sum); err != nil {
		return 0, fmt.Errorf("sum active reservations: %w", err)
	}
	return types.Quantity(sum), nil
}

// SumActiveByBatch sums held quantities per batch for one item/warehouse.
func (r *ReservationRepo) SumActiveByBatch(ctx context.Context, itemCode, warehouseCode string, exclude id.ID, confirmedSince time.Time) (map[string]types.Quantity, error) {
	q := r.builder().
		Select("a.batch_number", "COALESCE(SUM(a.quantity), 0) AS held").
		From(allocationsTable + " a").
		Join(linesTable + " l ON l.id = a.line_id").
		Join(reservationsTable + " r ON r.id = a.reservation_id").
		Where(squirrel.Eq{
			"l.item_code":      itemCode,
			"l.warehouse_code": warehouseCode,
		}).
		Where(activeCond(confirmedSince)).
		GroupBy("a.batch_number")
	if !id.IsNil(exclude) {
		q = q.Where(squirrel.NotEq{"r.id": exclude})
	}

	sql, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build batch sum: %w", err)
	}

	rows, err := r.txManager.GetQuerier(ctx).Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("sum batch reservations: %w", err)
	}
	defer rows.Close()

	out := make(map[string]types.Quantity)
	for rows.Next() {
		var (
			batch string
			held  int64
		)
		if err := rows.Scan(&batch, &held); err != nil {
			return nil, fmt.Errorf("scan batch sum: %w", err)
		}
		out[batch] = types.Quantity(held)
	}
	return out, rows.Err()
}
