// Package allocation computes batch splits for a requested quantity under
// FIFO or FEFO consumption ordering. It is pure: callers supply the candidate
// batches and the quantities already reserved against them.
package allocation

import (
	"fmt"
	"sort"
	"time"

	"stockgate/internal/core/apperror"
	"stockgate/internal/core/types"
)

// Strategy selects the batch consumption ordering.
type Strategy string

const (
	// StrategyFIFO consumes batches in admission/manufacture date order.
	StrategyFIFO Strategy = "fifo"
	// StrategyFEFO consumes batches in expiry date order (default for perishables).
	StrategyFEFO Strategy = "fefo"
)

// Valid reports whether the strategy is known.
func (s Strategy) Valid() bool {
	return s == StrategyFIFO || s == StrategyFEFO
}

// Allocation is one batch split of an allocated line.
type Allocation struct {
	BatchNumber string         `json:"batchNumber"`
	Quantity    types.Quantity `json:"quantity"`
}

// Candidate is a batch eligible for allocation, with the quantity still
// available on it (physical minus active reservations).
type Candidate struct {
	BatchNumber   string
	Available     types.Quantity
	ExpiryDate    *time.Time
	AdmissionDate *time.Time
}

// Request describes one allocation problem.
type Request struct {
	ItemCode      string
	WarehouseCode string

	// Requested quantity in inventory UoM (after conversion).
	Requested types.Quantity

	// Candidates from the ERP batch snapshot.
	Candidates []Candidate

	Strategy Strategy

	// Explicit caller-specified splits; when present, they are validated
	// instead of computed.
	Explicit []Allocation
}

// explicitTolerance is one least quantity unit (0.0001).
const explicitTolerance types.Quantity = 1

// Allocate resolves the request into an ordered list of batch splits.
//
// Explicit path: the splits must sum to the requested quantity (within one
// least unit) and each batch must have enough available quantity.
// Auto path: candidates are ordered by strategy and consumed greedily.
func Allocate(req Request) ([]Allocation, error) {
	if !req.Requested.IsPositive() {
		return nil, apperror.NewValidation("requested quantity must be positive").
			WithDetail("item_code", req.ItemCode).
			WithDetail("requested", req.Requested.String())
	}

	if len(req.Explicit) > 0 {
		return validateExplicit(req)
	}

	strategy := req.Strategy
	if strategy == "" {
		strategy = StrategyFEFO
	}
	if !strategy.Valid() {
		return nil, apperror.NewValidation(fmt.Sprintf("unknown allocation strategy %q", strategy))
	}

	ordered := orderCandidates(req.Candidates, strategy)

	var (
		result    []Allocation
		remaining = req.Requested
	)
	for _, c := range ordered {
		if !remaining.IsPositive() {
			break
		}
		if !c.Available.IsPositive() {
			continue
		}
		take := remaining.Min(c.Available)
		result = append(result, Allocation{BatchNumber: c.BatchNumber, Quantity: take})
		remaining -= take
	}

	if remaining.IsPositive() {
		return nil, insufficientErr(req, remaining, ordered)
	}
	return result, nil
}

func validateExplicit(req Request) ([]Allocation, error) {
	byBatch := make(map[string]Candidate, len(req.Candidates))
	for _, c := range req.Candidates {
		byBatch[c.BatchNumber] = c
	}

	var sum types.Quantity
	for i, a := range req.Explicit {
		if !a.Quantity.IsPositive() {
			return nil, apperror.NewValidation(fmt.Sprintf("allocation %d: quantity must be positive", i)).
				WithDetail("batch_number", a.BatchNumber)
		}
		c, ok := byBatch[a.BatchNumber]
		if !ok {
			return nil, apperror.NewValidation(fmt.Sprintf("allocation %d: batch %s not found", i, a.BatchNumber)).
				WithDetail("item_code", req.ItemCode).
				WithDetail("warehouse_code", req.WarehouseCode)
		}
		if a.Quantity > c.Available {
			return nil, apperror.NewInsufficientStock(
				req.ItemCode, req.WarehouseCode,
				a.Quantity.String(), c.Available.String(), (a.Quantity - c.Available).String(),
			).WithDetail("batch_number", a.BatchNumber)
		}
		sum += a.Quantity
	}

	if diff := (sum - req.Requested).Abs(); diff > explicitTolerance {
		return nil, apperror.NewValidation("explicit allocations do not sum to the requested quantity").
			WithDetail("requested", req.Requested.String()).
			WithDetail("allocated", sum.String())
	}

	out := make([]Allocation, len(req.Explicit))
	copy(out, req.Explicit)
	return out, nil
}

// orderCandidates sorts a copy of the candidates by the strategy's date,
// batches without that date last, ties broken by batch number for
// deterministic allocation.
func orderCandidates(candidates []Candidate, strategy Strategy) []Candidate {
	ordered := make([]Candidate, len(candidates))
	copy(ordered, candidates)

	dateOf := func(c Candidate) *time.Time {
		if strategy == StrategyFIFO {
			return c.AdmissionDate
		}
		return c.ExpiryDate
	}

	sort.SliceStable(ordered, func(i, j int) bool {
		di, dj := dateOf(ordered[i]), dateOf(ordered[j])
		switch {
		case di == nil && dj == nil:
			return ordered[i].BatchNumber < ordered[j].BatchNumber
		case di == nil:
			return false
		case dj == nil:
			return true
		case !di.Equal(*dj):
			return di.Before(*dj)
		default:
			return ordered[i].BatchNumber < ordered[j].BatchNumber
		}
	})
	return ordered
}

func insufficientErr(req Request, shortfall types.Quantity, considered []Candidate) error {
	available := req.Requested - shortfall
	batches := make([]string, 0, len(considered))
	for _, c := range considered {
		batches = append(batches, c.BatchNumber)
	}
	return apperror.NewInsufficientStock(
		req.ItemCode, req.WarehouseCode,
		req.Requested.String(), available.String(), shortfall.String(),
	).WithDetail("batches_considered", batches)
}
