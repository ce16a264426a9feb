package events

import (
	"context"

	"stockgate/internal/infrastructure/storage/postgres"
)

// BrokerPublisher is the transport the outbox relay delivers to.
type BrokerPublisher interface {
	Publish(ctx context.Context, routingKey string, body []byte) error
}

var _ postgres.OutboxHandler = (*OutboxBridge)(nil)

// OutboxBridge hands outbox messages to the broker. The event type doubles
// as the routing key (reservation.created, posting.completed, ...).
type OutboxBridge struct {
	publisher BrokerPublisher
}

// NewOutboxBridge creates the bridge.
func NewOutboxBridge(publisher BrokerPublisher) *OutboxBridge {
	return &OutboxBridge{publisher: publisher}
}

// Handle delivers one outbox message.
func (b *OutboxBridge) Handle(ctx context.Context, msg *postgres.OutboxMessage) error {
	return b.publisher.Publish(ctx, msg.EventType, msg.Payload)
}
