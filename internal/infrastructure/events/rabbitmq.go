// Package events publishes domain events to RabbitMQ through the
// transactional outbox: services write events to sys_outbox inside their
// transaction, and the worker-side relay delivers them to the broker.
package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"stockgate/pkg/logger"
)

// DefaultExchange is the topic exchange domain events are published to.
const DefaultExchange = "stockgate.events"

// RabbitConfig holds broker connection settings.
type RabbitConfig struct {
	URL      string
	Exchange string
}

// RabbitPublisher publishes messages to a topic exchange.
type RabbitPublisher struct {
	conn     *amqp.Connection
	exchange string

	mu      sync.Mutex
	channel *amqp.Channel
}

// NewRabbitPublisher connects to the broker and declares the exchange.
func NewRabbitPublisher(cfg RabbitConfig) (*RabbitPublisher, error) {
	exchange := cfg.Exchange
	if exchange == "" {
		exchange = DefaultExchange
	}

	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	err = channel.ExchangeDeclare(exchange, "topic", true, false, false, false, nil)
	if err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}

	return &RabbitPublisher{
		conn:     conn,
		exchange: exchange,
		channel:  channel,
	}, nil
}

// Publish sends one persistent message with the given routing key.
func (p *RabbitPublisher) Publish(ctx context.Context, routingKey string, body []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	err := p.channel.PublishWithContext(ctx, p.exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish %s: %w", routingKey, err)
	}

	logger.Debug(ctx, "event published", "exchange", p.exchange, "routing_key", routingKey)
	return nil
}

// Close releases the channel and connection.
func (p *RabbitPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.channel != nil {
		_ = p.channel.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}
