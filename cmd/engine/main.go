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
)

func main() {
	config.LoadEnvFile()

	app := fx.New(
		fx.Provide(
			loadConfig,
			newLogger,
			ProvideStore,
			ProvideHub,
			ProvideSpecies,
			ProvideTransport,
			ProvideSyncer,
			ProvideEngine,
			ProvideRouter,
		),
		fx.Invoke(
			attachSinks,
			startSync,
			startEngine,
			startAPI,
		),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	tempLogger, _ := newLogger(&config.Config{Service: config.ServiceConfig{Name: "vetsync-engine", LogLevel: "info"}})
	tempLogger.Info("starting application...", zap.String("timeout", "30s"))

	startCtx, startCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer startCancel()

	if err := app.Start(startCtx); err != nil {
		if startCtx.Err() == context.DeadlineExceeded {
			tempLogger.Error("APPLICATION START TIMEOUT: Failed to start within 30 seconds. Check that the store path is writable and the collar gateway is reachable.")
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
	if err := cfg.ValidateEngine(); err != nil {
		return nil, err
	}
	return cfg, nil
}
