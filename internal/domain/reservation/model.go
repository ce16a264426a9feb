// Package reservation manages time-boxed holds on stock: intent to consume
// quantities before they are durably recorded in the external ledger.
package reservation

import (
	"time"

	"stockgate/internal/core/id"
	"stockgate/internal/core/types"
	"stockgate/internal/domain/allocation"
	"stockgate/internal/domain/erp"
	"stockgate/internal/domain/stock"
)

// Status is the reservation lifecycle state.
// Pending →{Confirm}→ Confirmed, →{Cancel}→ Cancelled, →{sweep}→ Expired.
// Confirmed, Cancelled and Expired are terminal.
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusCancelled Status = "cancelled"
	StatusExpired   Status = "expired"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusConfirmed || s == StatusCancelled || s == StatusExpired
}

// Line is one item line of a reservation with its resolved batch allocations.
type Line struct {
	ID            id.ID  `db:"id" json:"id"`
	ItemCode      string `db:"item_code" json:"itemCode"`
	WarehouseCode string `db:"warehouse_code" json:"warehouseCode"`
	// TargetWarehouseCode is the receiving side of a transfer document.
	TargetWarehouseCode string         `db:"target_warehouse_code" json:"targetWarehouseCode,omitempty"`
	Quantity            types.Quantity `db:"quantity" json:"quantity"` // requested UoM
	UnitOfMeasure       string         `db:"unit_of_measure" json:"unitOfMeasure,omitempty"`
	// ConversionFactor scales the requested quantity into inventory UoM.
	ConversionFactor types.Quantity          `db:"conversion_factor" json:"conversionFactor"`
	UnitPrice        types.Money             `db:"unit_price" json:"unitPrice"`
	AutoAllocate     bool                    `db:"auto_allocate" json:"autoAllocate"`
	Allocations      []allocation.Allocation `db:"-" json:"allocations,omitempty"`
}

// InventoryQuantity returns the line quantity in inventory UoM.
func (l Line) InventoryQuantity() types.Quantity {
	factor := l.ConversionFactor
	if factor == 0 {
		factor = types.One
	}
	return l.Quantity.Mul(factor)
}

// StockLines expands the line into the stock keys it holds: one batch-level
// line per allocation, or a single warehouse-level line.
func (l Line) StockLines() []stock.Line {
	if len(l.Allocations) == 0 {
		return []stock.Line{{
			ItemCode:      l.ItemCode,
			WarehouseCode: l.WarehouseCode,
			Quantity:      l.InventoryQuantity(),
		}}
	}
	out := make([]stock.Line, 0, len(l.Allocations))
	for _, a := range l.Allocations {
		out = append(out, stock.Line{
			ItemCode:      l.ItemCode,
			WarehouseCode: l.WarehouseCode,
			BatchNumber:   a.BatchNumber,
			Quantity:      a.Quantity,
		})
	}
	return out
}

// Reservation is a hold on stock awaiting confirmation (successful ERP
// posting), cancellation, or expiry.
type Reservation struct {
	ID            id.ID            `db:"id" json:"id"`
	Number        string           `db:"number" json:"number"`
	ExternalRef   string           `db:"external_ref" json:"externalRef"`
	SourceSystem  string           `db:"source_system" json:"sourceSystem,omitempty"`
	DocumentType  erp.DocumentType `db:"document_type" json:"documentType"`
	Status        Status           `db:"status" json:"status"`
	Lines         []Line           `db:"-" json:"lines"`
	CreatedBy     string           `db:"created_by" json:"createdBy,omitempty"`
	CreatedAt     time.Time        `db:"created_at" json:"createdAt"`
	ExpiresAt     time.Time        `db:"expires_at" json:"expiresAt"`
	ConfirmedAt   *time.Time       `db:"confirmed_at" json:"confirmedAt,omitempty"`
	CancelledAt   *time.Time       `db:"cancelled_at" json:"cancelledAt,omitempty"`
	CancelReason  string           `db:"cancel_reason" json:"cancelReason,omitempty"`
	ExternalDocID string           `db:"external_doc_id" json:"externalDocId,omitempty"`
}

// StockLines expands all lines into the stock lines they hold.
func (r *Reservation) StockLines() []stock.Line {
	var out []stock.Line
	for _, l := range r.Lines {
		out = append(out, l.StockLines()...)
	}
	return out
}

// LockKeys returns the warehouse-level resource keys the reservation touches.
// Locking at warehouse level serializes batch allocation for the same
// item/warehouse as well.
func (r *Reservation) LockKeys() []string {
	keys := make([]string, 0, len(r.Lines))
	for _, l := range r.Lines {
		keys = append(keys, stock.NewKey(l.ItemCode, l.WarehouseCode).String())
	}
	return stock.DedupeKeys(keys)
}

// Document builds the ERP posting payload for this reservation.
// Quantities are in inventory UoM with the resolved batch splits attached.
func (r *Reservation) Document() erp.Document {
	doc := erp.Document{
		Type:         r.DocumentType,
		ExternalRef:  r.ExternalRef,
		SourceSystem: r.SourceSystem,
		Comment:      "Reservation " + r.Number,
		Lines:        make([]erp.DocumentLine, 0, len(r.Lines)),
	}
	for _, l := range r.Lines {
		dl := erp.DocumentLine{
			ItemCode:            l.ItemCode,
			WarehouseCode:       l.WarehouseCode,
			TargetWarehouseCode: l.TargetWarehouseCode,
			Quantity:            l.InventoryQuantity(),
			UnitOfMeasure:       l.UnitOfMeasure,
			UnitPrice:           l.UnitPrice,
		}
		for _, a := range l.Allocations {
			dl.Batches = append(dl.Batches, erp.BatchAllocation{
				BatchNumber: a.BatchNumber,
				Quantity:    a.Quantity,
			})
		}
		doc.Lines = append(doc.Lines, dl)
	}
	return doc
}
