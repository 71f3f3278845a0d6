package mq

import (
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// MessageHandler is a function that processes a message
type MessageHandler func(ctx context.Context, body []byte) error

// Consumer feeds messages from a queue bound to the broadcast exchange into
// a handler. Failed messages are dead-lettered.
type Consumer struct {
	channel          *amqp.Channel
	queue            string
	prefetchCount    int
	logger           *zap.Logger
	messageProcessor MessageHandler
	cancel           context.CancelFunc
}

// ConsumerConfig holds consumer configuration
type ConsumerConfig struct {
	Connection       *Connection
	Queue            string
	DLQQueue         string
	Exchange         string
	RoutingKeys      []string
	PrefetchCount    int
	MessageTTL       time.Duration
	Logger           *zap.Logger
	MessageProcessor MessageHandler
}

// queueArgs dead-letters rejected messages and expires live data that
// nobody consumed in time.
func queueArgs(cfg ConsumerConfig) amqp.Table {
	args := amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": cfg.DLQQueue,
	}
	if cfg.MessageTTL > 0 {
		args["x-message-ttl"] = cfg.MessageTTL.Milliseconds()
	}
	return args
}

// NewConsumer creates a new RabbitMQ consumer
func NewConsumer(cfg ConsumerConfig) (*Consumer, error) {
	ch, err := cfg.Connection.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to create channel: %w", err)
	}

	if err := declare(ch, cfg); err != nil {
		ch.Close()
		return nil, err
	}

	return &Consumer{
		channel:          ch,
		queue:            cfg.Queue,
		prefetchCount:    cfg.PrefetchCount,
		logger:           cfg.Logger,
		messageProcessor: cfg.MessageProcessor,
	}, nil
}

func declare(ch *amqp.Channel, cfg ConsumerConfig) error {
	if err := ch.Qos(cfg.PrefetchCount, 0, false); err != nil {
		return fmt.Errorf("failed to set QoS: %w", err)
	}

	err := ch.ExchangeDeclare(
		cfg.Exchange,
		"topic",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare exchange: %w", err)
	}

	_, err = ch.QueueDeclare(
		cfg.DLQQueue,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to declare DLQ: %w", err)
	}

	_, err = ch.QueueDeclare(
		cfg.Queue,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		queueArgs(cfg),
	)
	if err != nil {
		return fmt.Errorf("failed to declare queue: %w", err)
	}

	for _, key := range cfg.RoutingKeys {
		if err := ch.QueueBind(cfg.Queue, key, cfg.Exchange, false, nil); err != nil {
			return fmt.Errorf("failed to bind queue to %q: %w", key, err)
		}
	}
	return nil
}

// Start starts consuming messages
func (c *Consumer) Start(ctx context.Context) error {
	msgs, err := c.channel.Consume(
		c.queue,
		"",    // consumer tag
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,   // args
	)
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	c.logger.Info("consumer started",
		zap.String("queue", c.queue),
		zap.Int("prefetch", c.prefetchCount),
	)

	go c.loop(ctx, msgs)
	return nil
}

func (c *Consumer) loop(ctx context.Context, msgs <-chan amqp.Delivery) {
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("consumer context cancelled, stopping")
			return
		case msg, ok := <-msgs:
			if !ok {
				c.logger.Warn("message channel closed")
				return
			}
			c.processMessage(ctx, msg)
		}
	}
}

func (c *Consumer) processMessage(ctx context.Context, msg amqp.Delivery) {
	logger := c.logger.With(
		zap.String("routing_key", msg.RoutingKey),
		zap.String("message_id", msg.MessageId),
	)

	if err := c.messageProcessor(ctx, msg.Body); err != nil {
		logger.Error("failed to process message", zap.Error(err))

		// NACK with requeue=false sends to DLQ
		if nackErr := msg.Nack(false, false); nackErr != nil {
			logger.Error("failed to NACK message", zap.Error(nackErr))
		}
		return
	}

	if ackErr := msg.Ack(false); ackErr != nil {
		logger.Error("failed to ACK message", zap.Error(ackErr))
		return
	}
	logger.Debug("message processed and acknowledged")
}

// Close closes the consumer channel
func (c *Consumer) Close() error {
	if c.channel != nil {
		return c.channel.Close()
	}
	return nil
}

// RegisterLifecycle registers the consumer with Fx lifecycle
func (c *Consumer) RegisterLifecycle(lc fx.Lifecycle) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ctx, cancel := context.WithCancel(context.Background())
			c.cancel = cancel
			return c.Start(ctx)
		},
		OnStop: func(context.Context) error {
			if c.cancel != nil {
				c.cancel()
			}
			if err := c.Close(); err != nil {
				c.logger.Error("failed to close consumer channel", zap.Error(err))
				return err
			}
			c.logger.Info("consumer stopped")
			return nil
		},
	})
}
