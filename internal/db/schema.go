package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	session_id   BIGINT PRIMARY KEY,
	device_id    TEXT NOT NULL,
	animal_id    UUID,
	collar_id    TEXT NOT NULL DEFAULT '',
	state        TEXT NOT NULL,
	version      BIGINT NOT NULL,
	started_at   TIMESTAMPTZ NOT NULL,
	ended_at     TIMESTAMPTZ,
	transitions  JSONB NOT NULL DEFAULT '[]',
	updated_at   TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS uploads (
	device_id    TEXT NOT NULL,
	idem_key     TEXT NOT NULL,
	session_id   BIGINT NOT NULL,
	kind         TEXT NOT NULL,
	response     JSONB,
	received_at  TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (device_id, idem_key)
);

CREATE TABLE IF NOT EXISTS vital_samples (
	session_id        BIGINT NOT NULL,
	seq               BIGINT NOT NULL,
	device_id         TEXT NOT NULL,
	recorded_at       TIMESTAMPTZ NOT NULL,
	heart_rate        DOUBLE PRECISION NOT NULL,
	respiration_rate  DOUBLE PRECISION NOT NULL,
	temperature       DOUBLE PRECISION NOT NULL,
	motion_index      DOUBLE PRECISION NOT NULL,
	signal_quality    DOUBLE PRECISION NOT NULL,
	state             TEXT NOT NULL,
	PRIMARY KEY (session_id, seq)
);

CREATE TABLE IF NOT EXISTS annotations (
	id          UUID PRIMARY KEY,
	session_id  BIGINT NOT NULL,
	at          TIMESTAMPTZ NOT NULL,
	code        TEXT NOT NULL,
	text        TEXT NOT NULL,
	author      TEXT NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS baselines (
	session_id  BIGINT PRIMARY KEY,
	data        JSONB NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS live_status (
	session_id        BIGINT PRIMARY KEY,
	collar_id         TEXT NOT NULL DEFAULT '',
	state             TEXT NOT NULL DEFAULT '',
	link_state        TEXT NOT NULL DEFAULT '',
	heart_rate        DOUBLE PRECISION,
	respiration_rate  DOUBLE PRECISION,
	last_event_type   TEXT NOT NULL,
	last_event_at     TIMESTAMPTZ NOT NULL,
	alert_count       INTEGER NOT NULL DEFAULT 0,
	updated_at        TIMESTAMPTZ NOT NULL
);
`

// Migrate creates the backend tables if they do not exist
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("[DATABASE] failed to apply schema: %w", err)
	}
	return nil
}
