package validation

import (
	"context"

	"stockgate/internal/core/types"
	"stockgate/internal/domain/erp"
)

// ERPReader adapts the ERP client to StockReader for the uncached path.
func ERPReader(c erp.Client) StockReader {
	return erpReader{c: c}
}

type erpReader struct {
	c erp.Client
}

func (r erpReader) PhysicalStock(ctx context.Context, itemCode, warehouseCode string) (types.Quantity, error) {
	return r.c.GetPhysicalStock(ctx, itemCode, warehouseCode)
}

func (r erpReader) Batches(ctx context.Context, itemCode, warehouseCode string) ([]erp.BatchInfo, error) {
	return r.c.GetBatches(ctx, itemCode, warehouseCode)
}
