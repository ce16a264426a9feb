package handlers

import (
	"time"

	"github.com/gin-gonic/gin"

	"stockgate/internal/core/apperror"
	"stockgate/internal/core/id"
	"stockgate/internal/domain/reservation"
	"stockgate/internal/infrastructure/http/v1/dto"
)

// ReservationHandler handles HTTP requests for stock reservations.
type ReservationHandler struct {
	*BaseHandler
	service *reservation.Service
}

// NewReservationHandler creates a new reservation handler.
func NewReservationHandler(base *BaseHandler, service *reservation.Service) *ReservationHandler {
	return &ReservationHandler{BaseHandler: base, service: service}
}

// Create handles POST /reservations.
func (h *ReservationHandler) Create(c *gin.Context) {
	ctx := c.Request.Context()

	var req dto.CreateReservationRequest
	if !h.BindJSON(c, &req) {
		return
	}

	created, err := h.service.Create(ctx, req.ToServiceRequest())
	if err != nil {
		h.Error(c, err)
		return
	}

	// A replayed externalRef returns the existing reservation with the same
	// status code, so callers can retry blindly.
	h.Created(c, dto.FromReservation(created))
}

// Get handles GET /reservations/:id.
func (h *ReservationHandler) Get(c *gin.Context) {
	resID, ok := h.parseID(c)
	if !ok {
		return
	}

	r, err := h.service.GetByID(c.Request.Context(), resID)
	if err != nil {
		h.Error(c, err)
		return
	}
	h.OK(c, dto.FromReservation(r))
}

// List handles GET /reservations?status=&limit=&offset=.
func (h *ReservationHandler) List(c *gin.Context) {
	status := reservation.Status(c.Query("status"))
	limit := h.ParseIntQuery(c, "limit", 50)
	offset := h.ParseIntQuery(c, "offset", 0)

	items, err := h.service.List(c.Request.Context(), status, limit, offset)
	if err != nil {
		h.Error(c, err)
		return
	}

	out := make([]*dto.ReservationResponse, 0, len(items))
	for i := range items {
		out = append(out, dto.FromReservation(&items[i]))
	}
	h.OK(c, dto.ListResponse{Items: out, Limit: limit, Offset: offset})
}

// Confirm handles POST /reservations/:id/confirm.
// With externalDocId in the body the document is already in the ERP; without
// it the document is posted synchronously first.
func (h *ReservationHandler) Confirm(c *gin.Context) {
	ctx := c.Request.Context()
	resID, ok := h.parseID(c)
	if !ok {
		return
	}

	var req dto.ConfirmReservationRequest
	if !h.BindOptionalJSON(c, &req) {
		return
	}

	var (
		r   *reservation.Reservation
		err error
	)
	if req.ExternalDocID != "" {
		r, err = h.service.Confirm(ctx, resID, req.ExternalDocID)
	} else {
		r, err = h.service.PostAndConfirm(ctx, resID)
	}
	if err != nil {
		h.Error(c, err)
		return
	}
	h.OK(c, dto.FromReservation(r))
}

// Cancel handles POST /reservations/:id/cancel.
func (h *ReservationHandler) Cancel(c *gin.Context) {
	resID, ok := h.parseID(c)
	if !ok {
		return
	}

	var req dto.CancelReservationRequest
	if !h.BindOptionalJSON(c, &req) {
		return
	}

	r, err := h.service.Cancel(c.Request.Context(), resID, req.Reason)
	if err != nil {
		h.Error(c, err)
		return
	}
	h.OK(c, dto.FromReservation(r))
}

// Renew handles POST /reservations/:id/renew.
func (h *ReservationHandler) Renew(c *gin.Context) {
	resID, ok := h.parseID(c)
	if !ok {
		return
	}

	var req dto.RenewReservationRequest
	if !h.BindOptionalJSON(c, &req) {
		return
	}

	extension := time.Duration(req.ExtensionSeconds) * time.Second
	r, err := h.service.Renew(c.Request.Context(), resID, extension)
	if err != nil {
		h.Error(c, err)
		return
	}
	h.OK(c, dto.FromReservation(r))
}

// RegisterRoutes registers reservation routes.
func (h *ReservationHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("", h.Create)
	rg.GET("", h.List)
	rg.GET("/:id", h.Get)
	rg.POST("/:id/confirm", h.Confirm)
	rg.POST("/:id/cancel", h.Cancel)
	rg.POST("/:id/renew", h.Renew)
}

func (h *ReservationHandler) parseID(c *gin.Context) (id.ID, bool) {
	resID, err := id.Parse(c.Param("id"))
	if err != nil {
		h.Error(c, apperror.NewValidation("invalid id format"))
		return id.Nil(), false
	}
	return resID, true
}
