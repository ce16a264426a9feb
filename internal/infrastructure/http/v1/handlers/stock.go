package handlers

import (
	"github.com/gin-gonic/gin"

	"stockgate/internal/core/apperror"
	"stockgate/internal/core/id"
	"stockgate/internal/domain/stock"
	"stockgate/internal/domain/validation"
	"stockgate/internal/infrastructure/http/v1/dto"
)

// StockHandler handles availability queries and validation checks.
type StockHandler struct {
	*BaseHandler
	validator *validation.Service
}

// NewStockHandler creates a new stock handler.
func NewStockHandler(base *BaseHandler, validator *validation.Service) *StockHandler {
	return &StockHandler{BaseHandler: base, validator: validator}
}

// Validate handles POST /stock/validate. Advisory check: a passing verdict
// does not hold the quantities.
func (h *StockHandler) Validate(c *gin.Context) {
	var req dto.ValidateStockRequest
	if !h.BindJSON(c, &req) {
		return
	}

	result, err := h.validator.Validate(c.Request.Context(), req.ToServiceRequest())
	if err != nil {
		h.Error(c, err)
		return
	}
	h.OK(c, dto.FromValidationResult(result))
}

// Availability handles GET /stock/availability?item=&warehouse=&batch=.
// Without batch the response carries per-batch detail for the key.
func (h *StockHandler) Availability(c *gin.Context) {
	ctx := c.Request.Context()

	itemCode := c.Query("item")
	warehouseCode := c.Query("warehouse")
	if itemCode == "" || warehouseCode == "" {
		h.Error(c, apperror.NewValidation("item and warehouse query parameters are required"))
		return
	}
	batchNumber := c.Query("batch")
	fresh := c.Query("fresh") == "true"

	resp := dto.AvailabilityResponse{
		ItemCode:      itemCode,
		WarehouseCode: warehouseCode,
		BatchNumber:   batchNumber,
	}

	if batchNumber != "" {
		available, err := h.validator.Available(ctx, stock.NewBatchKey(itemCode, warehouseCode, batchNumber), fresh)
		if err != nil {
			h.Error(c, err)
			return
		}
		resp.Available = available
		h.OK(c, resp)
		return
	}

	available, err := h.validator.Available(ctx, stock.NewKey(itemCode, warehouseCode), fresh)
	if err != nil {
		h.Error(c, err)
		return
	}
	resp.Available = available

	batches, byBatch, err := h.validator.BatchAvailability(ctx, itemCode, warehouseCode, id.Nil(), fresh)
	if err != nil {
		h.Error(c, err)
		return
	}
	resp.Batches = dto.NewBatchAvailability(batches, byBatch)

	h.OK(c, resp)
}

// RegisterRoutes registers stock routes.
func (h *StockHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/validate", h.Validate)
	rg.GET("/availability", h.Availability)
}
