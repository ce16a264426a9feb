// Package stock defines the granularity at which stock is tracked and contended.
package stock

import (
	"fmt"
	"sort"
	"strings"

	"stockgate/internal/core/types"
)

// Key identifies a unit of contention: item × warehouse × optional batch.
// A Key without a batch number represents warehouse-level (non-batch-managed) stock.
type Key struct {
	ItemCode      string
	WarehouseCode string
	BatchNumber   string
}

// NewKey creates a warehouse-level key.
func NewKey(itemCode, warehouseCode string) Key {
	return Key{ItemCode: itemCode, WarehouseCode: warehouseCode}
}

// NewBatchKey creates a batch-level key.
func NewBatchKey(itemCode, warehouseCode, batchNumber string) Key {
	return Key{ItemCode: itemCode, WarehouseCode: warehouseCode, BatchNumber: batchNumber}
}

// IsBatchManaged reports whether the key tracks a specific batch.
func (k Key) IsBatchManaged() bool {
	return k.BatchNumber != ""
}

// WarehouseLevel strips the batch component, yielding the warehouse-level key.
func (k Key) WarehouseLevel() Key {
	return Key{ItemCode: k.ItemCode, WarehouseCode: k.WarehouseCode}
}

// String renders the canonical form used for lock resource keys and cache keys.
// The separator cannot appear in item/warehouse/batch codes coming from the ERP.
func (k Key) String() string {
	if k.BatchNumber == "" {
		return fmt.Sprintf("%s|%s", k.ItemCode, k.WarehouseCode)
	}
	return fmt.Sprintf("%s|%s|%s", k.ItemCode, k.WarehouseCode, k.BatchNumber)
}

// SortKeys orders lock resource keys canonically. Every caller claims
// overlapping key sets in the same order, which keeps the all-or-nothing
// multi-key acquisition deadlock-free.
func SortKeys(keys []string) []string {
	out := make([]string, len(keys))
	copy(out, keys)
	sort.Strings(out)
	return out
}

// DedupeKeys removes duplicates preserving canonical order.
func DedupeKeys(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range SortKeys(keys) {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}

// Line is a reservation-line-shaped stock request used by validation.
type Line struct {
	ItemCode      string
	WarehouseCode string
	BatchNumber   string
	Quantity      types.Quantity // in inventory UoM
}

// Key returns the stock key the line touches.
func (l Line) Key() Key {
	return Key{ItemCode: l.ItemCode, WarehouseCode: l.WarehouseCode, BatchNumber: l.BatchNumber}
}

// Validate checks structural correctness of the line.
func (l Line) Validate() error {
	if strings.TrimSpace(l.ItemCode) == "" {
		return fmt.Errorf("item code is required")
	}
	if strings.TrimSpace(l.WarehouseCode) == "" {
		return fmt.Errorf("warehouse code is required")
	}
	if !l.Quantity.IsPositive() {
		return fmt.Errorf("quantity must be positive")
	}
	return nil
}
