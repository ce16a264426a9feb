package events

import (
	"context"

	"stockgate/internal/domain/queue"
	"stockgate/internal/domain/reservation"
	"stockgate/internal/infrastructure/storage/postgres"
)

var (
	_ reservation.EventSink = (*DomainPublisher)(nil)
	_ queue.EventSink       = (*DomainPublisher)(nil)
)

// DomainPublisher writes domain events to the transactional outbox. Events
// commit atomically with the business change and reach the broker through
// the relay.
type DomainPublisher struct {
	outbox *postgres.OutboxPublisher
}

// NewDomainPublisher creates the publisher.
func NewDomainPublisher(outbox *postgres.OutboxPublisher) *DomainPublisher {
	return &DomainPublisher{outbox: outbox}
}

// ReservationEvent records a reservation lifecycle event.
func (p *DomainPublisher) ReservationEvent(ctx context.Context, eventType string, r *reservation.Reservation) error {
	return p.outbox.Publish(ctx, postgres.DomainEvent{
		AggregateType: "reservation",
		AggregateID:   r.ID,
		EventType:     eventType,
		Payload:       r,
	})
}

// QueueEvent records a posting queue lifecycle event.
func (p *DomainPublisher) QueueEvent(ctx context.Context, eventType string, item *queue.Item) error {
	return p.outbox.Publish(ctx, postgres.DomainEvent{
		AggregateType: "posting",
		AggregateID:   item.ID,
		EventType:     eventType,
		Payload:       item,
	})
}
