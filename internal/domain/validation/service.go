// Package validation computes available stock as a projection: physical
// quantity from the ERP minus quantities held by active reservations.
// Availability is never stored as a mutable counter; it is derived on read,
// so no single hot row serializes concurrent requests.
package validation

import (
	"context"
	"fmt"
	"time"

	"stockgate/internal/core/apperror"
	"stockgate/internal/core/id"
	"stockgate/internal/core/types"
	"stockgate/internal/domain/erp"
	"stockgate/internal/domain/stock"
)

// StockReader supplies physical stock figures. Implemented by the ERP client
// directly and by the redis snapshot cache wrapping it.
type StockReader interface {
	PhysicalStock(ctx context.Context, itemCode, warehouseCode string) (types.Quantity, error)
	Batches(ctx context.Context, itemCode, warehouseCode string) ([]erp.BatchInfo, error)
}

// ReservedSummer sums quantities held by active reservations. Active means
// Pending, or Confirmed after confirmedSince (the settlement window covering
// the lag until the ERP's physical figure reflects the posted document).
type ReservedSummer interface {
	SumActiveByKey(ctx context.Context, key stock.Key, exclude id.ID, confirmedSince time.Time) (types.Quantity, error)
	SumActiveByBatch(ctx context.Context, itemCode, warehouseCode string, exclude id.ID, confirmedSince time.Time) (map[string]types.Quantity, error)
}

// DefaultSettlementWindow is how long a Confirmed reservation keeps counting
// toward the reserved sum after confirmation.
const DefaultSettlementWindow = 15 * time.Minute

// Service validates reservation-line-shaped requests against available stock.
type Service struct {
	cached           StockReader
	live             StockReader
	reserved         ReservedSummer
	settlementWindow time.Duration
}

// NewService creates a validator. cached may equal live when no snapshot
// cache is configured. settlementWindow <= 0 falls back to the default.
func NewService(cached, live StockReader, reserved ReservedSummer, settlementWindow time.Duration) *Service {
	if cached == nil {
		cached = live
	}
	if settlementWindow <= 0 {
		settlementWindow = DefaultSettlementWindow
	}
	return &Service{
		cached:           cached,
		live:             live,
		reserved:         reserved,
		settlementWindow: settlementWindow,
	}
}

// Request is a set of lines to validate together.
type Request struct {
	Lines []stock.Line

	// Exclude omits one reservation from the reserved sum, used when
	// re-validating or renewing that reservation.
	Exclude id.ID

	// Fresh bypasses the snapshot cache. The validation performed under lock
	// must be fresh; the advisory pre-lock check may use cached figures.
	Fresh bool
}

// LineResult is the verdict for one input line.
type LineResult struct {
	Line      stock.Line
	Requested types.Quantity // aggregate requested on the line's key
	Available types.Quantity
	Shortfall types.Quantity
	Valid     bool
}

// Result is the verdict for the whole request.
type Result struct {
	Lines []LineResult
}

// Valid reports whether every line passed.
func (r Result) Valid() bool {
	for _, l := range r.Lines {
		if !l.Valid {
			return false
		}
	}
	return true
}

// Err returns nil when valid, otherwise an InsufficientStock error carrying
// every failing key with shortfall and remediation hints.
func (r Result) Err() error {
	var failures []map[string]any
	var first *LineResult
	for i := range r.Lines {
		l := &r.Lines[i]
		if l.Valid {
			continue
		}
		if first == nil {
			first = l
		}
		failure := map[string]any{
			"item_code":      l.Line.ItemCode,
			"warehouse_code": l.Line.WarehouseCode,
			"requested":      l.Requested.String(),
			"available":      l.Available.String(),
			"shortfall":      l.Shortfall.String(),
		}
		if l.Line.BatchNumber != "" {
			failure["batch_number"] = l.Line.BatchNumber
		}
		failures = append(failures, failure)
	}
	if first == nil {
		return nil
	}
	return apperror.NewInsufficientStock(
		first.Line.ItemCode, first.Line.WarehouseCode,
		first.Requested.String(), first.Available.String(), first.Shortfall.String(),
	).WithDetail("lines", failures)
}

// Validate checks every line against available = physical − reserved.
// Lines touching the same stock key are aggregated: their combined quantity
// must fit, not each individually.
func (s *Service) Validate(ctx context.Context, req Request) (Result, error) {
	if len(req.Lines) == 0 {
		return Result{}, apperror.NewValidation("at least one line is required")
	}
	for i, line := range req.Lines {
		if err := line.Validate(); err != nil {
			return Result{}, apperror.NewValidation(fmt.Sprintf("line %d: %v", i, err))
		}
	}

	requestedByKey := make(map[stock.Key]types.Quantity)
	for _, line := range req.Lines {
		requestedByKey[line.Key()] += line.Quantity
	}

	availableByKey := make(map[stock.Key]types.Quantity, len(requestedByKey))
	for key := range requestedByKey {
		available, err := s.availableForKey(ctx, key, req.Exclude, req.Fresh)
		if err != nil {
			return Result{}, err
		}
		availableByKey[key] = available
	}

	// Batch-level sums see only batch allocations, so holds taken without
	// batch detail do not count against batch-keyed lines. Aggregate every
	// line into its warehouse-level key as well: the combined quantity must
	// fit the warehouse availability, which counts all active holds.
	warehouseRequested := make(map[stock.Key]types.Quantity)
	warehouseHasBatch := make(map[stock.Key]bool)
	for _, line := range req.Lines {
		wh := stock.NewKey(line.ItemCode, line.WarehouseCode)
		warehouseRequested[wh] += line.Quantity
		if line.BatchNumber != "" {
			warehouseHasBatch[wh] = true
		}
	}
	warehouseAvailable := make(map[stock.Key]types.Quantity)
	for wh := range warehouseRequested {
		if !warehouseHasBatch[wh] {
			// Identical to the per-key check, nothing extra to verify.
			continue
		}
		available, ok := availableByKey[wh]
		if !ok {
			var err error
			available, err = s.availableForKey(ctx, wh, req.Exclude, req.Fresh)
			if err != nil {
				return Result{}, err
			}
		}
		warehouseAvailable[wh] = available
	}

	result := Result{Lines: make([]LineResult, 0, len(req.Lines))}
	for _, line := range req.Lines {
		key := line.Key()
		requested := requestedByKey[key]
		available := availableByKey[key]
		lr := LineResult{
			Line:      line,
			Requested: requested,
			Available: available,
			Valid:     requested <= available,
		}
		if !lr.Valid {
			lr.Shortfall = requested - available
		}

		wh := stock.NewKey(line.ItemCode, line.WarehouseCode)
		if lr.Valid && warehouseHasBatch[wh] {
			whRequested := warehouseRequested[wh]
			whAvailable := warehouseAvailable[wh]
			if whRequested > whAvailable {
				lr.Valid = false
				lr.Requested = whRequested
				lr.Available = whAvailable
				lr.Shortfall = whRequested - whAvailable
			}
		}
		result.Lines = append(result.Lines, lr)
	}
	return result, nil
}

// Available returns the current availability projection for one key.
func (s *Service) Available(ctx context.Context, key stock.Key, fresh bool) (types.Quantity, error) {
	return s.availableForKey(ctx, key, id.Nil(), fresh)
}

func (s *Service) availableForKey(ctx context.Context, key stock.Key, exclude id.ID, fresh bool) (types.Quantity, error) {
	physical, err := s.physicalForKey(ctx, key, fresh)
	if err != nil {
		return 0, err
	}

	confirmedSince := time.Now().UTC().Add(-s.settlementWindow)
	reserved, err := s.reserved.SumActiveByKey(ctx, key, exclude, confirmedSince)
	if err != nil {
		return 0, fmt.Errorf("sum active reservations for %s: %w", key, err)
	}

	return physical - reserved, nil
}

func (s *Service) physicalForKey(ctx context.Context, key stock.Key, fresh bool) (types.Quantity, error) {
	reader := s.reader(fresh)

	if !key.IsBatchManaged() {
		physical, err := reader.PhysicalStock(ctx, key.ItemCode, key.WarehouseCode)
		if err != nil {
			return 0, fmt.Errorf("read physical stock for %s: %w", key, err)
		}
		return physical, nil
	}

	batches, err := reader.Batches(ctx, key.ItemCode, key.WarehouseCode)
	if err != nil {
		return 0, fmt.Errorf("read batches for %s: %w", key, err)
	}
	for _, b := range batches {
		if b.BatchNumber == key.BatchNumber {
			if !b.Usable() {
				return 0, nil
			}
			return b.Quantity, nil
		}
	}
	return 0, nil
}

// BatchAvailability returns allocation candidates for an item/warehouse:
// each usable batch with its available quantity (physical minus reserved).
func (s *Service) BatchAvailability(ctx context.Context, itemCode, warehouseCode string, exclude id.ID, fresh bool) ([]erp.BatchInfo, map[string]types.Quantity, error) {
	batches, err := s.reader(fresh).Batches(ctx, itemCode, warehouseCode)
	if err != nil {
		return nil, nil, fmt.Errorf("read batches for %s/%s: %w", itemCode, warehouseCode, err)
	}

	confirmedSince := time.Now().UTC().Add(-s.settlementWindow)
	reserved, err := s.reserved.SumActiveByBatch(ctx, itemCode, warehouseCode, exclude, confirmedSince)
	if err != nil {
		return nil, nil, fmt.Errorf("sum batch reservations for %s/%s: %w", itemCode, warehouseCode, err)
	}

	available := make(map[string]types.Quantity, len(batches))
	for _, b := range batches {
		if !b.Usable() {
			continue
		}
		available[b.BatchNumber] = b.Quantity - reserved[b.BatchNumber]
	}
	return batches, available, nil
}

func (s *Service) reader(fresh bool) StockReader {
	if fresh && s.live != nil {
		return s.live
	}
	return s.cached
}
