package erp

import (
	"fmt"

	"stockgate/internal/core/types"
)

// DocumentType distinguishes the ERP documents the engine posts.
type DocumentType string

const (
	DocumentTypeInvoice  DocumentType = "invoice"
	DocumentTypeTransfer DocumentType = "transfer"
)

// Valid reports whether the document type is known.
func (t DocumentType) Valid() bool {
	return t == DocumentTypeInvoice || t == DocumentTypeTransfer
}

// BatchAllocation is a batch split on a document line.
type BatchAllocation struct {
	BatchNumber string         `json:"batchNumber"`
	Quantity    types.Quantity `json:"quantity"`
}

// DocumentLine is one item line of a posted document.
type DocumentLine struct {
	ItemCode            string            `json:"itemCode"`
	WarehouseCode       string            `json:"warehouseCode"`
	TargetWarehouseCode string            `json:"targetWarehouseCode,omitempty"` // transfers only
	Quantity            types.Quantity    `json:"quantity"`
	UnitOfMeasure       string            `json:"unitOfMeasure,omitempty"`
	UnitPrice           types.Money       `json:"unitPrice"`
	Batches             []BatchAllocation `json:"batches,omitempty"`
}

// Document is the payload posted to the ERP for permanent recording.
type Document struct {
	Type         DocumentType   `json:"type"`
	ExternalRef  string         `json:"externalRef"`
	SourceSystem string         `json:"sourceSystem,omitempty"`
	Comment      string         `json:"comment,omitempty"`
	Lines        []DocumentLine `json:"lines"`
}

// Validate checks structural correctness before enqueueing or posting.
func (d Document) Validate() error {
	if !d.Type.Valid() {
		return fmt.Errorf("unknown document type %q", d.Type)
	}
	if d.ExternalRef == "" {
		return fmt.Errorf("external reference is required")
	}
	if len(d.Lines) == 0 {
		return fmt.Errorf("document has no lines")
	}
	for i, l := range d.Lines {
		if l.ItemCode == "" || l.WarehouseCode == "" {
			return fmt.Errorf("line %d: item and warehouse codes are required", i)
		}
		if !l.Quantity.IsPositive() {
			return fmt.Errorf("line %d: quantity must be positive", i)
		}
		if d.Type == DocumentTypeTransfer && l.TargetWarehouseCode == "" {
			return fmt.Errorf("line %d: transfer requires target warehouse", i)
		}
	}
	return nil
}
