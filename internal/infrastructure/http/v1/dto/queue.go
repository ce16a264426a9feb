package dto

import (
	"time"

	"stockgate/internal/domain/queue"
)

// --- Requests ---

// EnqueueRequest queues a reservation's document for delivery.
type EnqueueRequest struct {
	ReservationID string `json:"reservationId" binding:"required"`
}

// CancelQueueItemRequest withdraws a queue item.
type CancelQueueItemRequest struct {
	Reason string `json:"reason"`
}

// --- Responses ---

// QueueItemResponse represents a posting queue item in API responses.
// The frozen document payload is not exposed.
type QueueItemResponse struct {
	ID            string     `json:"id"`
	ReservationID string     `json:"reservationId"`
	ExternalRef   string     `json:"externalRef"`
	DocumentType  string     `json:"documentType"`
	Status        string     `json:"status"`
	Attempts      int        `json:"attempts"`
	MaxAttempts   int        `json:"maxAttempts"`
	LastError     string     `json:"lastError,omitempty"`
	NextAttemptAt time.Time  `json:"nextAttemptAt"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
	CompletedAt   *time.Time `json:"completedAt,omitempty"`
	ExternalDocID string     `json:"externalDocId,omitempty"`
}

// FromQueueItem converts the domain model to a response DTO.
func FromQueueItem(item *queue.Item) *QueueItemResponse {
	return &QueueItemResponse{
		ID:            item.ID.String(),
		ReservationID: item.ReservationID.String(),
		ExternalRef:   item.ExternalRef,
		DocumentType:  string(item.DocumentType),
		Status:        string(item.Status),
		Attempts:      item.Attempts,
		MaxAttempts:   item.MaxAttempts,
		LastError:     item.LastError,
		NextAttemptAt: item.NextAttemptAt,
		CreatedAt:     item.CreatedAt,
		UpdatedAt:     item.UpdatedAt,
		CompletedAt:   item.CompletedAt,
		ExternalDocID: item.ExternalDocID,
	}
}
