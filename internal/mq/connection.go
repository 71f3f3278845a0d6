package mq

import (
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Connection is a named RabbitMQ connection shared by the broadcast
// publisher and the live status consumer.
type Connection struct {
	conn *amqp.Connection
	name string
}

// dialConfig names the connection after the service so it can be told apart
// in the broker's management UI.
func dialConfig(name string, heartbeat time.Duration) amqp.Config {
	props := amqp.NewConnectionProperties()
	props.SetClientConnectionName(name)
	cfg := amqp.Config{Properties: props}
	if heartbeat > 0 {
		cfg.Heartbeat = heartbeat
	}
	return cfg
}

// NewConnection dials RabbitMQ and closes the connection when the app stops
func NewConnection(lc fx.Lifecycle, logger *zap.Logger, url, name string, heartbeat time.Duration) (*Connection, error) {
	logger.Info("connecting to rabbitmq", zap.String("connection_name", name))

	conn, err := amqp.DialConfig(url, dialConfig(name, heartbeat))
	if err != nil {
		logger.Error("rabbitmq connection failed", zap.Error(err))
		return nil, fmt.Errorf("[RABBITMQ CONNECTION FAILED] cannot connect to RabbitMQ. Check RABBITMQ_URL and the broker credentials. Error: %w", err)
	}

	c := &Connection{conn: conn, name: name}
	closed := conn.NotifyClose(make(chan *amqp.Error, 1))

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if amqpErr, ok := <-closed; ok && amqpErr != nil {
					logger.Error("rabbitmq connection lost",
						zap.String("connection_name", name),
						zap.String("reason", amqpErr.Reason),
						zap.Int("code", amqpErr.Code))
				}
			}()
			logger.Info("rabbitmq connection established", zap.String("connection_name", name))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if conn.IsClosed() {
				return nil
			}
			if err := conn.Close(); err != nil {
				logger.Error("failed to close rabbitmq connection", zap.Error(err))
				return err
			}
			logger.Info("rabbitmq connection closed", zap.String("connection_name", name))
			return nil
		},
	})

	return c, nil
}

// Channel opens a channel on the connection
func (c *Connection) Channel() (*amqp.Channel, error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("[RABBITMQ] open channel on %s: %w", c.name, err)
	}
	return ch, nil
}
