package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"go.uber.org/fx"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/septivank/vetsync-engine/internal/backendapi"
	"github.com/septivank/vetsync-engine/internal/config"
	"github.com/septivank/vetsync-engine/internal/db"
	"github.com/septivank/vetsync-engine/internal/mq"
	"github.com/septivank/vetsync-engine/internal/repository"
	"github.com/septivank/vetsync-engine/internal/service"
	"github.com/septivank/vetsync-engine/internal/validator"
)

// ProvideDBPool creates a new database pool instance
func ProvideDBPool(lc fx.Lifecycle, logger *zap.Logger, cfg *config.Config) (*db.Pool, error) {
	return db.NewPool(lc, logger, cfg.Database)
}

// ProvideRepository creates the Postgres repository
func ProvideRepository(pool *db.Pool) *repository.Postgres {
	return repository.NewPostgres(pool)
}

// ProvideValidator creates a new validator instance
func ProvideValidator(cfg *config.Config) *validator.Validator {
	return validator.NewValidator(cfg.Validation.ClockSkew, cfg.Validation.MaxBatch)
}

// ProvideSyncService creates the upload service
func ProvideSyncService(repo *repository.Postgres, v *validator.Validator, logger *zap.Logger) *service.SyncService {
	return service.NewSyncService(repo, v, logger)
}

// ProvideLiveProcessor creates the live status processor
func ProvideLiveProcessor(repo *repository.Postgres, logger *zap.Logger) *service.LiveStatusProcessor {
	return service.NewLiveStatusProcessor(repo, logger)
}

// ProvideMQConnection creates a new RabbitMQ connection instance
func ProvideMQConnection(lc fx.Lifecycle, logger *zap.Logger, cfg *config.Config) (*mq.Connection, error) {
	return mq.NewConnection(lc, logger, cfg.RabbitMQ.URL, cfg.Service.Name, cfg.RabbitMQ.Heartbeat)
}

// startLiveConsumer consumes device broadcasts into the live status read
// model
func startLiveConsumer(
	lc fx.Lifecycle,
	conn *mq.Connection,
	cfg *config.Config,
	logger *zap.Logger,
	processor *service.LiveStatusProcessor,
) (*mq.Consumer, error) {
	consumer, err := mq.NewConsumer(mq.ConsumerConfig{
		Connection:       conn,
		Queue:            cfg.RabbitMQ.LiveQueue,
		DLQQueue:         cfg.RabbitMQ.DLQQueue,
		Exchange:         cfg.RabbitMQ.BroadcastExchange,
		RoutingKeys:      []string{cfg.RabbitMQ.LiveRoutingKey},
		PrefetchCount:    cfg.RabbitMQ.PrefetchCount,
		MessageTTL:       cfg.RabbitMQ.LiveTTL,
		Logger:           logger,
		MessageProcessor: processor.ProcessMessage,
	})
	if err != nil {
		return nil, err
	}
	logger.Info("live status consumer ready",
		zap.String("queue", cfg.RabbitMQ.LiveQueue),
		zap.String("routing_key", cfg.RabbitMQ.LiveRoutingKey),
		zap.Int("prefetch", cfg.RabbitMQ.PrefetchCount))
	consumer.RegisterLifecycle(lc)
	return consumer, nil
}

// startAPI serves the upload and live status API
func startAPI(lc fx.Lifecycle, cfg *config.Config, sync *service.SyncService, repo *repository.Postgres, logger *zap.Logger) {
	srv := &http.Server{
		Addr:              cfg.API.Addr,
		Handler:           backendapi.NewRouter(backendapi.Options{Sync: sync, Live: repo, Logger: logger.Named("api")}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ln, err := net.Listen("tcp", srv.Addr)
			if err != nil {
				return err
			}
			go func() {
				if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("api server failed", zap.Error(err))
				}
			}()
			logger.Info("api listening", zap.String("addr", srv.Addr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			err := srv.Shutdown(ctx)
			if errors.Is(err, context.DeadlineExceeded) {
				err = multierr.Append(err, srv.Close())
			}
			return err
		},
	})
}
