package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/fx"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/septivank/vetsync-engine/internal/api"
	"github.com/septivank/vetsync-engine/internal/backendclient"
	"github.com/septivank/vetsync-engine/internal/broadcast"
	"github.com/septivank/vetsync-engine/internal/broadcast/wssink"
	"github.com/septivank/vetsync-engine/internal/config"
	"github.com/septivank/vetsync-engine/internal/engine"
	"github.com/septivank/vetsync-engine/internal/mq"
	"github.com/septivank/vetsync-engine/internal/species"
	"github.com/septivank/vetsync-engine/internal/store"
	"github.com/septivank/vetsync-engine/internal/syncer"
	"github.com/septivank/vetsync-engine/internal/telemetry"
	"github.com/septivank/vetsync-engine/internal/telemetry/replay"
	"github.com/septivank/vetsync-engine/internal/telemetry/wsgateway"
	"github.com/septivank/vetsync-engine/internal/vitals"
)

const sinkBuffer = 1024

// ProvideStore opens the local session store
func ProvideStore(lc fx.Lifecycle, logger *zap.Logger, cfg *config.Config) (*store.Store, error) {
	st, err := store.Open(context.Background(), cfg.Store.Path, logger)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			if err := st.Close(); err != nil {
				logger.Error("failed to close store", zap.Error(err))
				return err
			}
			logger.Info("store closed")
			return nil
		},
	})
	return st, nil
}

// ProvideHub creates the live broadcast hub
func ProvideHub(lc fx.Lifecycle, logger *zap.Logger) *broadcast.Hub {
	hub := broadcast.NewHub(logger)
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			published, drops := hub.Stats()
			hub.Close()
			logger.Info("broadcast hub closed", zap.Int64("published", published), zap.Int64("drops", drops))
			return nil
		},
	})
	return hub
}

// ProvideSpecies loads the species catalog
func ProvideSpecies(cfg *config.Config) (*species.Catalog, error) {
	return species.LoadFile(cfg.Species.ProfilePath)
}

// ProvideTransport picks the collar gateway, or a simulated collar when no
// gateway is configured
func ProvideTransport(cfg *config.Config, logger *zap.Logger) telemetry.Transport {
	if cfg.Link.GatewayURL != "" {
		logger.Info("using collar gateway", zap.String("url", cfg.Link.GatewayURL))
		return wsgateway.New(cfg.Link.GatewayURL, &http.Client{Timeout: cfg.Link.ConnectTimeout}, logger)
	}
	logger.Warn("no collar gateway configured, using simulated collar SIM-1")
	return &replay.Synthetic{
		Collar: telemetry.ScanResult{CollarID: "SIM-1", Name: "Simulated collar", Model: "sim", RSSI: -50, BatteryPct: 100},
		Synth: vitals.Synth{
			CollarID:        "SIM-1",
			SampleRateHz:    cfg.Extractor.SampleRateHz,
			HeartRate:       88,
			RespirationRate: 20,
			PulseAmplitude:  0.05,
			TemperatureC:    38.4,
			Start:           time.Now(),
		},
	}
}

// ProvideSyncer creates the sync engine. Without a backend URL entities are
// still queued but nothing is delivered.
func ProvideSyncer(cfg *config.Config, st *store.Store, hub *broadcast.Hub, logger *zap.Logger) (*syncer.Engine, error) {
	opts := syncer.OptionsFromConfig(cfg.Service.DeviceID, cfg.Sync)
	opts.Pub = hub
	opts.Logger = logger.Named("sync")

	var backend syncer.Backend
	if cfg.Backend.URL != "" {
		c, err := backendclient.New(cfg.Backend.URL, cfg.Service.DeviceID, cfg.Sync.RequestTimeout)
		if err != nil {
			return nil, err
		}
		backend = c
	}
	return syncer.New(st, backend, opts), nil
}

// ProvideEngine creates the session engine and registers it as the live
// adopter for conflict resolution
func ProvideEngine(
	lc fx.Lifecycle,
	cfg *config.Config,
	st *store.Store,
	sy *syncer.Engine,
	hub *broadcast.Hub,
	tr telemetry.Transport,
	catalog *species.Catalog,
	logger *zap.Logger,
) *engine.Engine {
	eng := engine.New(engine.Params{
		Store:     st,
		Sync:      sy,
		Pub:       hub,
		Transport: tr,
		Species:   catalog,
		Options:   engine.OptionsFromConfig(cfg),
		Logger:    logger,
	})
	sy.SetAdopter(eng)
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			logger.Info("stopping session pipelines")
			return eng.Close()
		},
	})
	return eng
}

// ProvideRouter builds the local API
func ProvideRouter(cfg *config.Config, eng *engine.Engine, st *store.Store, sy *syncer.Engine, hub *broadcast.Hub, logger *zap.Logger) http.Handler {
	opts := api.Options{Engine: eng, Store: st, Hub: hub, Logger: logger.Named("api")}
	if cfg.Backend.URL != "" {
		opts.Sync = sy
	}
	return api.NewRouter(opts)
}

// attachSinks forwards broadcast events to RabbitMQ and the remote
// dashboard when they are configured
func attachSinks(lc fx.Lifecycle, cfg *config.Config, hub *broadcast.Hub, logger *zap.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	var closers []func() error

	if cfg.RabbitMQ.URL != "" {
		conn, err := mq.NewConnection(lc, logger, cfg.RabbitMQ.URL, cfg.Service.Name+"-"+cfg.Service.DeviceID, cfg.RabbitMQ.Heartbeat)
		if err != nil {
			cancel()
			return err
		}
		pub, err := mq.NewPublisher(conn, cfg.RabbitMQ.BroadcastExchange, cfg.Service.DeviceID, logger)
		if err != nil {
			cancel()
			return err
		}
		closers = append(closers, pub.Close)
		lc.Append(fx.Hook{OnStart: func(context.Context) error {
			hub.Attach(ctx, "rabbitmq", pub, sinkBuffer)
			logger.Info("broadcast forwarding to rabbitmq", zap.String("exchange", cfg.RabbitMQ.BroadcastExchange))
			return nil
		}})
	}

	if cfg.Dashboard.URL != "" {
		sink := wssink.New(cfg.Dashboard.URL, cfg.Service.DeviceID, nil, logger)
		closers = append(closers, sink.Close)
		lc.Append(fx.Hook{OnStart: func(context.Context) error {
			hub.Attach(ctx, "dashboard", sink, sinkBuffer)
			logger.Info("broadcast forwarding to dashboard", zap.String("url", cfg.Dashboard.URL))
			return nil
		}})
	}

	lc.Append(fx.Hook{OnStop: func(context.Context) error {
		cancel()
		var err error
		for _, c := range closers {
			err = multierr.Append(err, c())
		}
		return err
	}})
	return nil
}

// startSync runs the sync loop and the connectivity probe
func startSync(lc fx.Lifecycle, cfg *config.Config, sy *syncer.Engine, logger *zap.Logger) {
	if cfg.Backend.URL == "" {
		logger.Warn("BACKEND_URL not set, sync records stay queued locally")
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	probe := syncer.NewProbe(sy, cfg.Sync.ProbeInterval)

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			wg.Add(2)
			go func() {
				defer wg.Done()
				if err := sy.Run(ctx); err != nil {
					logger.Error("sync loop stopped", zap.Error(err))
				}
			}()
			go func() {
				defer wg.Done()
				_ = probe.Run(ctx)
			}()
			logger.Info("sync engine started",
				zap.String("backend", cfg.Backend.URL),
				zap.Duration("interval", cfg.Sync.Interval))
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			wg.Wait()
			logger.Info("sync engine stopped")
			return nil
		},
	})
}

// startEngine resumes the session that was active when the process last
// stopped
func startEngine(lc fx.Lifecycle, eng *engine.Engine, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			sc, ok, err := eng.Resume(ctx)
			if err != nil {
				return err
			}
			if ok {
				logger.Info("resumed active session", zap.Int64("session_id", sc.ID), zap.String("state", string(sc.State())))
			}
			return nil
		},
	})
}

// startAPI serves the local API
func startAPI(lc fx.Lifecycle, cfg *config.Config, handler http.Handler, logger *zap.Logger) {
	srv := &http.Server{
		Addr:              cfg.API.Addr,
		Handler:           handler,
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
			return srv.Shutdown(ctx)
		},
	})
}
