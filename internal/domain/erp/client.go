// Package erp defines the interface the engine needs from the external ERP,
// which remains the authoritative ledger of stock quantities.
package erp

import (
	"context"
	"time"

	"stockgate/internal/core/types"
)

// BatchStatus is the ERP-side batch state.
type BatchStatus string

const (
	BatchStatusActive  BatchStatus = "active"
	BatchStatusBlocked BatchStatus = "blocked"
)

// BatchInfo is a read-only batch snapshot from the ERP.
type BatchInfo struct {
	BatchNumber   string         `json:"batchNumber"`
	Quantity      types.Quantity `json:"quantity"`
	ExpiryDate    *time.Time     `json:"expiryDate,omitempty"`
	AdmissionDate *time.Time     `json:"admissionDate,omitempty"`
	Status        BatchStatus    `json:"status"`
}

// Usable reports whether the batch can be consumed by an allocation.
func (b BatchInfo) Usable() bool {
	return b.Status == BatchStatusActive && b.Quantity.IsPositive()
}

// PostResult carries the document identity assigned by the ERP.
type PostResult struct {
	ExternalDocID string `json:"docId"`
}

// Client is the ERP collaborator. Reads may be stale (the ERP syncs
// eventually); PostDocument is a non-transactional network call that can
// fail or time out. Implementations classify failures as
// apperror.CodeUpstreamTransient or apperror.CodeUpstreamPermanent.
type Client interface {
	GetPhysicalStock(ctx context.Context, itemCode, warehouseCode string) (types.Quantity, error)
	GetBatches(ctx context.Context, itemCode, warehouseCode string) ([]BatchInfo, error)
	PostDocument(ctx context.Context, doc Document) (PostResult, error)
}
