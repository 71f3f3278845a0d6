package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/septivank/vetsync-engine/internal/config"
	"github.com/septivank/vetsync-engine/internal/logging"
)

func main() {
	config.LoadEnvFile()

	app := fx.New(
		fx.Provide(
			loadConfig,
			newLogger,
			ProvideDBPool,
			ProvideRepository,
			ProvideValidator,
			ProvideSyncService,
			ProvideLiveProcessor,
			ProvideMQConnection,
		),
		fx.Invoke(
			startLiveConsumer,
			startAPI,
		),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	tempLogger, _ := logging.NewLogger("vetsync-backend", "info")
	tempLogger.Info("starting application...", zap.String("timeout", "30s"))

	startCtx, startCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer startCancel()

	if err := app.Start(startCtx); err != nil {
		if startCtx.Err() == context.DeadlineExceeded {
			tempLogger.Error("APPLICATION START TIMEOUT: Failed to start within 30 seconds. This usually means a dependency (Database or RabbitMQ) is not accessible. Check the error messages above for specific connection failures.")
		}
		panic(err)
	}

	<-ctx.Done()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer stopCancel()
	if err := app.Stop(stopCtx); err != nil {
		fmt.Println("error stopping app:", err)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if cfg.Service.Name == "vetsync-engine" {
		cfg.Service.Name = "vetsync-backend"
	}
	if err := cfg.ValidateBackend(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	return logging.NewLogger(cfg.Service.Name, cfg.Service.LogLevel)
}
