package mq

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/septivank/vetsync-engine/internal/broadcast"
)

// publishChannel is the part of *amqp.Channel the publisher uses
type publishChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Publisher forwards broadcast events to a topic exchange. It is attached to
// the broadcast hub as a subscriber.
type Publisher struct {
	channel  publishChannel
	exchange string
	source   string
	logger   *zap.Logger
}

// NewPublisher creates a new RabbitMQ publisher. source names the device
// in the message headers.
func NewPublisher(conn *Connection, exchange, source string, logger *zap.Logger) (*Publisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to create channel: %w", err)
	}

	// Declare exchange
	err = ch.ExchangeDeclare(
		exchange,
		"topic",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	return &Publisher{
		channel:  ch,
		exchange: exchange,
		source:   source,
		logger:   logger,
	}, nil
}

// encodeEvent builds the AMQP message for a broadcast event. Live events
// are transient: the local store is authoritative.
func encodeEvent(ev broadcast.Event, source string) (amqp.Publishing, error) {
	body, err := json.Marshal(ev)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("failed to marshal event: %w", err)
	}
	return amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		DeliveryMode: amqp.Transient,
		MessageId:    uuid.NewString(),
		Timestamp:    ev.At,
		Type:         string(ev.Type),
		Headers:      amqp.Table{"source": source},
	}, nil
}

// Receive publishes one broadcast event with its routing key
func (p *Publisher) Receive(ctx context.Context, ev broadcast.Event) error {
	msg, err := encodeEvent(ev, p.source)
	if err != nil {
		return err
	}

	key := ev.RoutingKey()
	err = p.channel.PublishWithContext(
		ctx,
		p.exchange,
		key,
		false, // mandatory
		false, // immediate
		msg,
	)
	if err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	p.logger.Debug("published broadcast event",
		zap.String("routing_key", key),
		zap.String("type", string(ev.Type)),
	)
	return nil
}

// Close closes the publisher channel
func (p *Publisher) Close() error {
	if p.channel != nil {
		return p.channel.Close()
	}
	return nil
}

var _ broadcast.Subscriber = (*Publisher)(nil)
