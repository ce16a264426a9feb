package handlers

import (
	"github.com/gin-gonic/gin"

	"stockgate/internal/core/apperror"
	"stockgate/internal/core/id"
	"stockgate/internal/domain/queue"
	"stockgate/internal/infrastructure/http/v1/dto"
)

// QueueHandler handles HTTP requests for the posting queue.
type QueueHandler struct {
	*BaseHandler
	service *queue.Service
}

// NewQueueHandler creates a new queue handler.
func NewQueueHandler(base *BaseHandler, service *queue.Service) *QueueHandler {
	return &QueueHandler{BaseHandler: base, service: service}
}

// Enqueue handles POST /queue.
func (h *QueueHandler) Enqueue(c *gin.Context) {
	var req dto.EnqueueRequest
	if !h.BindJSON(c, &req) {
		return
	}

	resID, err := id.Parse(req.ReservationID)
	if err != nil {
		h.Error(c, apperror.NewValidation("invalid reservationId format"))
		return
	}

	item, err := h.service.Enqueue(c.Request.Context(), resID)
	if err != nil {
		h.Error(c, err)
		return
	}
	h.Created(c, dto.FromQueueItem(item))
}

// Get handles GET /queue/:id. The path segment is a queue item id when it
// parses as a UUID, otherwise the caller's external reference.
func (h *QueueHandler) Get(c *gin.Context) {
	ctx := c.Request.Context()
	param := c.Param("id")

	var (
		item *queue.Item
		err  error
	)
	if itemID, parseErr := id.Parse(param); parseErr == nil {
		item, err = h.service.GetByID(ctx, itemID)
	} else {
		item, err = h.service.GetByExternalRef(ctx, param)
	}
	if err != nil {
		h.Error(c, err)
		return
	}
	h.OK(c, dto.FromQueueItem(item))
}

// List handles GET /queue?status=&limit=&offset=.
func (h *QueueHandler) List(c *gin.Context) {
	status := queue.Status(c.Query("status"))
	limit := h.ParseIntQuery(c, "limit", 50)
	offset := h.ParseIntQuery(c, "offset", 0)

	items, err := h.service.List(c.Request.Context(), status, limit, offset)
	if err != nil {
		h.Error(c, err)
		return
	}

	out := make([]*dto.QueueItemResponse, 0, len(items))
	for i := range items {
		out = append(out, dto.FromQueueItem(&items[i]))
	}
	h.OK(c, dto.ListResponse{Items: out, Limit: limit, Offset: offset})
}

// Retry handles POST /queue/:id/retry. Operator action: returns a stuck item
// to the queue with a fresh attempt budget.
func (h *QueueHandler) Retry(c *gin.Context) {
	itemID, ok := h.parseID(c)
	if !ok {
		return
	}

	item, err := h.service.Retry(c.Request.Context(), itemID)
	if err != nil {
		h.Error(c, err)
		return
	}
	h.OK(c, dto.FromQueueItem(item))
}

// Cancel handles POST /queue/:id/cancel. Withdraws the item and releases the
// linked reservation.
func (h *QueueHandler) Cancel(c *gin.Context) {
	itemID, ok := h.parseID(c)
	if !ok {
		return
	}

	var req dto.CancelQueueItemRequest
	if !h.BindOptionalJSON(c, &req) {
		return
	}

	item, err := h.service.Cancel(c.Request.Context(), itemID, req.Reason)
	if err != nil {
		h.Error(c, err)
		return
	}
	h.OK(c, dto.FromQueueItem(item))
}

// RegisterRoutes registers queue routes.
func (h *QueueHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("", h.Enqueue)
	rg.GET("", h.List)
	rg.GET("/:id", h.Get)
	rg.POST("/:id/retry", h.Retry)
	rg.POST("/:id/cancel", h.Cancel)
}

func (h *QueueHandler) parseID(c *gin.Context) (id.ID, bool) {
	itemID, err := id.Parse(c.Param("id"))
	if err != nil {
		h.Error(c, apperror.NewValidation("invalid id format"))
		return id.Nil(), false
	}
	return itemID, true
}
