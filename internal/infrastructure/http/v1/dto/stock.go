package dto

import (
	"time"

	"stockgate/internal/core/types"
	"stockgate/internal/domain/erp"
	"stockgate/internal/domain/stock"
	"stockgate/internal/domain/validation"
)

// --- Requests ---

// StockLineRequest is one quantity to check against a stock key.
type StockLineRequest struct {
	ItemCode      string         `json:"itemCode" binding:"required"`
	WarehouseCode string         `json:"warehouseCode" binding:"required"`
	BatchNumber   string         `json:"batchNumber"`
	Quantity      types.Quantity `json:"quantity"`
}

// ValidateStockRequest checks a set of lines against availability.
type ValidateStockRequest struct {
	Lines []StockLineRequest `json:"lines" binding:"required"`

	// Fresh bypasses the snapshot cache.
	Fresh bool `json:"fresh"`
}

// ToServiceRequest maps the DTO onto the domain request.
func (r ValidateStockRequest) ToServiceRequest() validation.Request {
	req := validation.Request{
		Lines: make([]stock.Line, 0, len(r.Lines)),
		Fresh: r.Fresh,
	}
	for _, l := range r.Lines {
		req.Lines = append(req.Lines, stock.Line{
			ItemCode:      l.ItemCode,
			WarehouseCode: l.WarehouseCode,
			BatchNumber:   l.BatchNumber,
			Quantity:      l.Quantity,
		})
	}
	return req
}

// --- Responses ---

// ValidationLineResponse is the verdict for one input line.
type ValidationLineResponse struct {
	ItemCode      string         `json:"itemCode"`
	WarehouseCode string         `json:"warehouseCode"`
	BatchNumber   string         `json:"batchNumber,omitempty"`
	Requested     types.Quantity `json:"requested"`
	Available     types.Quantity `json:"available"`
	Shortfall     types.Quantity `json:"shortfall"`
	Valid         bool           `json:"valid"`
}

// ValidationResponse is the verdict for the whole request.
type ValidationResponse struct {
	Valid bool                     `json:"valid"`
	Lines []ValidationLineResponse `json:"lines"`
}

// FromValidationResult converts the domain result to a response DTO.
func FromValidationResult(res validation.Result) ValidationResponse {
	resp := ValidationResponse{
		Valid: res.Valid(),
		Lines: make([]ValidationLineResponse, 0, len(res.Lines)),
	}
	for _, l := range res.Lines {
		resp.Lines = append(resp.Lines, ValidationLineResponse{
			ItemCode:      l.Line.ItemCode,
			WarehouseCode: l.Line.WarehouseCode,
			BatchNumber:   l.Line.BatchNumber,
			Requested:     l.Requested,
			Available:     l.Available,
			Shortfall:     l.Shortfall,
			Valid:         l.Valid,
		})
	}
	return resp
}

// BatchAvailabilityResponse is one batch's availability.
type BatchAvailabilityResponse struct {
	BatchNumber string         `json:"batchNumber"`
	Available   types.Quantity `json:"available"`
	Status      string         `json:"status"`
	ExpiryDate  *time.Time     `json:"expiryDate,omitempty"`
}

// AvailabilityResponse is the availability projection for one stock key,
// with per-batch detail when no batch was pinned.
type AvailabilityResponse struct {
	ItemCode      string                      `json:"itemCode"`
	WarehouseCode string                      `json:"warehouseCode"`
	BatchNumber   string                      `json:"batchNumber,omitempty"`
	Available     types.Quantity              `json:"available"`
	Batches       []BatchAvailabilityResponse `json:"batches,omitempty"`
}

// NewBatchAvailability builds the per-batch detail from ERP snapshots and the
// availability projection.
func NewBatchAvailability(batches []erp.BatchInfo, available map[string]types.Quantity) []BatchAvailabilityResponse {
	out := make([]BatchAvailabilityResponse, 0, len(batches))
	for _, b := range batches {
		out = append(out, BatchAvailabilityResponse{
			BatchNumber: b.BatchNumber,
			Available:   available[b.BatchNumber],
			Status:      string(b.Status),
			ExpiryDate:  b.ExpiryDate,
		})
	}
	return out
}
