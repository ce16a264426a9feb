package dto

import (
	"time"

	"stockgate/internal/core/types"
	"stockgate/internal/domain/allocation"
	"stockgate/internal/domain/erp"
	"stockgate/internal/domain/reservation"
)

// --- Requests ---

// AllocationRequest pins an explicit batch split on a line.
type AllocationRequest struct {
	BatchNumber string         `json:"batchNumber" binding:"required"`
	Quantity    types.Quantity `json:"quantity"`
}

// ReservationLineRequest is one requested item line.
type ReservationLineRequest struct {
	ItemCode            string              `json:"itemCode" binding:"required"`
	WarehouseCode       string              `json:"warehouseCode" binding:"required"`
	TargetWarehouseCode string              `json:"targetWarehouseCode"`
	Quantity            types.Quantity      `json:"quantity"`
	UnitOfMeasure       string              `json:"unitOfMeasure"`
	ConversionFactor    types.Quantity      `json:"conversionFactor"`
	UnitPrice           types.Money         `json:"unitPrice"`
	AutoAllocate        bool                `json:"autoAllocate"`
	Allocations         []AllocationRequest `json:"allocations"`
}

// CreateReservationRequest creates a hold on stock.
type CreateReservationRequest struct {
	ExternalRef     string                   `json:"externalRef" binding:"required"`
	SourceSystem    string                   `json:"sourceSystem"`
	DocumentType    string                   `json:"documentType" binding:"required"`
	DurationSeconds int                      `json:"durationSeconds"`
	Strategy        string                   `json:"strategy"`
	Lines           []ReservationLineRequest `json:"lines" binding:"required"`
}

// ToServiceRequest maps the DTO onto the domain request.
func (r CreateReservationRequest) ToServiceRequest() reservation.CreateRequest {
	req := reservation.CreateRequest{
		ExternalRef:  r.ExternalRef,
		SourceSystem: r.SourceSystem,
		DocumentType: erp.DocumentType(r.DocumentType),
		Duration:     time.Duration(r.DurationSeconds) * time.Second,
		Strategy:     allocation.Strategy(r.Strategy),
		Lines:        make([]reservation.LineRequest, 0, len(r.Lines)),
	}
	for _, l := range r.Lines {
		line := reservation.LineRequest{
			ItemCode:            l.ItemCode,
			WarehouseCode:       l.WarehouseCode,
			TargetWarehouseCode: l.TargetWarehouseCode,
			Quantity:            l.Quantity,
			UnitOfMeasure:       l.UnitOfMeasure,
			ConversionFactor:    l.ConversionFactor,
			UnitPrice:           l.UnitPrice,
			AutoAllocate:        l.AutoAllocate,
		}
		for _, a := range l.Allocations {
			line.Allocations = append(line.Allocations, allocation.Allocation{
				BatchNumber: a.BatchNumber,
				Quantity:    a.Quantity,
			})
		}
		req.Lines = append(req.Lines, line)
	}
	return req
}

// ConfirmReservationRequest confirms a reservation. ExternalDocID set means
// the document is already in the ERP; empty asks the service to post it
// synchronously first.
type ConfirmReservationRequest struct {
	ExternalDocID string `json:"externalDocId"`
}

// CancelReservationRequest releases a reservation.
type CancelReservationRequest struct {
	Reason string `json:"reason"`
}

// RenewReservationRequest extends a reservation's expiry.
type RenewReservationRequest struct {
	ExtensionSeconds int `json:"extensionSeconds"`
}

// --- Responses ---

// AllocationResponse is one resolved batch split.
type AllocationResponse struct {
	BatchNumber string         `json:"batchNumber"`
	Quantity    types.Quantity `json:"quantity"`
}

// ReservationLineResponse is one reservation line with its allocations.
type ReservationLineResponse struct {
	ID                  string               `json:"id"`
	ItemCode            string               `json:"itemCode"`
	WarehouseCode       string               `json:"warehouseCode"`
	TargetWarehouseCode string               `json:"targetWarehouseCode,omitempty"`
	Quantity            types.Quantity       `json:"quantity"`
	UnitOfMeasure       string               `json:"unitOfMeasure,omitempty"`
	ConversionFactor    types.Quantity       `json:"conversionFactor"`
	UnitPrice           types.Money          `json:"unitPrice"`
	AutoAllocate        bool                 `json:"autoAllocate"`
	Allocations         []AllocationResponse `json:"allocations,omitempty"`
}

// ReservationResponse represents a reservation in API responses.
type ReservationResponse struct {
	ID            string                    `json:"id"`
	Number        string                    `json:"number"`
	ExternalRef   string                    `json:"externalRef"`
	SourceSystem  string                    `json:"sourceSystem,omitempty"`
	DocumentType  string                    `json:"documentType"`
	Status        string                    `json:"status"`
	Lines         []ReservationLineResponse `json:"lines"`
	CreatedBy     string                    `json:"createdBy,omitempty"`
	CreatedAt     time.Time                 `json:"createdAt"`
	ExpiresAt     time.Time                 `json:"expiresAt"`
	ConfirmedAt   *time.Time                `json:"confirmedAt,omitempty"`
	CancelledAt   *time.Time                `json:"cancelledAt,omitempty"`
	CancelReason  string                    `json:"cancelReason,omitempty"`
	ExternalDocID string                    `json:"externalDocId,omitempty"`
}

// FromReservation converts the domain model to a response DTO.
func FromReservation(r *reservation.Reservation) *ReservationResponse {
	resp := &ReservationResponse{
		ID:            r.ID.String(),
		Number:        r.Number,
		ExternalRef:   r.ExternalRef,
		SourceSystem:  r.SourceSystem,
		DocumentType:  string(r.DocumentType),
		Status:        string(r.Status),
		Lines:         make([]ReservationLineResponse, 0, len(r.Lines)),
		CreatedBy:     r.CreatedBy,
		CreatedAt:     r.CreatedAt,
		ExpiresAt:     r.ExpiresAt,
		ConfirmedAt:   r.ConfirmedAt,
		CancelledAt:   r.CancelledAt,
		CancelReason:  r.CancelReason,
		ExternalDocID: r.ExternalDocID,
	}
	for _, l := range r.Lines {
		line := ReservationLineResponse{
			ID:                  l.ID.String(),
			ItemCode:            l.ItemCode,
			WarehouseCode:       l.WarehouseCode,
			TargetWarehouseCode: l.TargetWarehouseCode,
			Quantity:            l.Quantity,
			UnitOfMeasure:       l.UnitOfMeasure,
			ConversionFactor:    l.ConversionFactor,
			UnitPrice:           l.UnitPrice,
			AutoAllocate:        l.AutoAllocate,
		}
		for _, a := range l.Allocations {
			line.Allocations = append(line.Allocations, AllocationResponse{
				BatchNumber: a.BatchNumber,
				Quantity:    a.Quantity,
			})
		}
		resp.Lines = append(resp.Lines, line)
	}
	return resp
}
