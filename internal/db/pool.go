package db

import (
	"context"
	"fmt"
	"net/url"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/septivank/vetsync-engine/internal/config"
)

// Pool is an alias for pgxpool.Pool
type Pool = pgxpool.Pool

// poolConfig parses the database URL and applies the configured limits
func poolConfig(cfg config.DatabaseConfig) (*pgxpool.Config, error) {
	pc, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("[DATABASE] failed to parse database URL: %w", err)
	}
	if cfg.MaxConns > 0 {
		pc.MaxConns = cfg.MaxConns
	}
	if cfg.MaxConnIdleTime > 0 {
		pc.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	return pc, nil
}

// NewPool creates the backend's session database pool. The connection is
// checked and the sessions schema applied when the app starts.
func NewPool(lc fx.Lifecycle, logger *zap.Logger, cfg config.DatabaseConfig) (*Pool, error) {
	pc, err := poolConfig(cfg)
	if err != nil {
		return nil, err
	}
	logger.Info("initializing session database pool",
		zap.String("url", maskPassword(cfg.URL)),
		zap.Int32("max_conns", pc.MaxConns))

	pool, err := pgxpool.NewWithConfig(context.Background(), pc)
	if err != nil {
		return nil, fmt.Errorf("[DATABASE] failed to create connection pool: %w", err)
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := pool.Ping(ctx); err != nil {
				logger.Error("session database unreachable", zap.Error(err), zap.String("url", maskPassword(cfg.URL)))
				return fmt.Errorf("[DATABASE CONNECTION FAILED] cannot reach the session database. Check DATABASE_URL and that Postgres accepts connections. Error: %w", err)
			}
			if err := Migrate(ctx, pool); err != nil {
				return err
			}
			logger.Info("session database ready")
			return nil
		},
		OnStop: func(ctx context.Context) error {
			pool.Close()
			logger.Info("session database pool closed")
			return nil
		},
	})

	return pool, nil
}

// maskPassword hides credentials in a database URL for logging
func maskPassword(raw string) string {
	if raw == "" {
		return "<empty>"
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "<unparseable>"
	}
	return u.Redacted()
}
