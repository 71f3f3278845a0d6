package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/septivank/vetsync-engine/internal/db"
	"github.com/septivank/vetsync-engine/internal/domain"
	"github.com/septivank/vetsync-engine/internal/protocol"
)

// Tx is an alias for pgx.Tx
type Tx = pgx.Tx

// Postgres implements Repository on a pgx pool
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a new repository
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// BeginTx starts a new transaction
func (r *Postgres) BeginTx(ctx context.Context) (pgx.Tx, error) {
	return r.pool.Begin(ctx)
}

// claimTx records the idempotency key. For a key seen before it returns the
// stored response and duplicate=true.
func claimTx(ctx context.Context, tx pgx.Tx, deviceID, key string, sessionID int64, kind domain.EntityKind, at time.Time) ([]byte, bool, error) {
	tag, err := tx.Exec(ctx, `
		INSERT INTO uploads (device_id, idem_key, session_id, kind, received_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (device_id, idem_key) DO NOTHING
	`, deviceID, key, sessionID, string(kind), at)
	if err != nil {
		return nil, false, fmt.Errorf("failed to claim upload key: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil, false, nil
	}

	var response []byte
	err = tx.QueryRow(ctx, `SELECT response FROM uploads WHERE device_id = $1 AND idem_key = $2`,
		deviceID, key).Scan(&response)
	if err != nil {
		return nil, true, fmt.Errorf("failed to load upload response: %w", err)
	}
	return response, true, nil
}

// inTx runs fn in a transaction, committing when it returns nil
func (r *Postgres) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// ApplySession stores a session push with optimistic versioning
func (r *Postgres) ApplySession(ctx context.Context, deviceID, key string, p protocol.SessionPush, at time.Time) (protocol.SessionAck, bool, error) {
	var (
		ack protocol.SessionAck
		dup bool
	)
	err := r.inTx(ctx, func(tx pgx.Tx) error {
		stored, seen, err := claimTx(ctx, tx, deviceID, key, p.SessionID, domain.KindSession, at)
		if err != nil {
			return err
		}
		if seen {
			dup = true
			if err := json.Unmarshal(stored, &ack); err != nil {
				return fmt.Errorf("failed to decode stored ack: %w", err)
			}
			return nil
		}

		var (
			version int64
			state   string
		)
		err = tx.QueryRow(ctx, `SELECT version, state FROM sessions WHERE session_id = $1 FOR UPDATE`,
			p.SessionID).Scan(&version, &state)
		switch {
		case err == nil && p.BaseVersion < version:
			return conflict(p.SessionID, version, state)
		case err != nil && !errors.Is(err, pgx.ErrNoRows):
			return fmt.Errorf("failed to query session: %w", err)
		}

		transitions, err := json.Marshal(p.Transitions)
		if err != nil {
			return fmt.Errorf("failed to encode transitions: %w", err)
		}
		var animalID any
		if p.AnimalID != uuid.Nil {
			animalID = p.AnimalID
		}
		err = tx.QueryRow(ctx, `
			INSERT INTO sessions (session_id, device_id, animal_id, collar_id, state, version, started_at, ended_at, transitions, updated_at)
			VALUES ($1, $2, $3, $4, $5, 1, $6, $7, $8, $9)
			ON CONFLICT (session_id) DO UPDATE SET
				device_id = excluded.device_id,
				animal_id = excluded.animal_id,
				collar_id = excluded.collar_id,
				state = excluded.state,
				version = sessions.version + 1,
				ended_at = excluded.ended_at,
				transitions = excluded.transitions,
				updated_at = excluded.updated_at
			RETURNING version
		`, p.SessionID, deviceID, animalID, p.CollarID, string(p.State), p.StartedAt, p.EndedAt, transitions, at).Scan(&version)
		if err != nil {
			return fmt.Errorf("failed to upsert session: %w", err)
		}

		ack = protocol.SessionAck{SessionID: p.SessionID, Version: version, State: p.State}
		response, err := json.Marshal(ack)
		if err != nil {
			return fmt.Errorf("failed to encode ack: %w", err)
		}
		_, err = tx.Exec(ctx, `UPDATE uploads SET response = $1 WHERE device_id = $2 AND idem_key = $3`,
			response, deviceID, key)
		if err != nil {
			return fmt.Errorf("failed to store ack: %w", err)
		}
		return nil
	})
	return ack, dup, err
}

// ApplySamples inserts a sample batch, skipping samples already stored
func (r *Postgres) ApplySamples(ctx context.Context, deviceID, key string, b protocol.SampleBatch, at time.Time) (bool, error) {
	var dup bool
	err := r.inTx(ctx, func(tx pgx.Tx) error {
		_, seen, err := claimTx(ctx, tx, deviceID, key, b.SessionID, domain.KindSampleBatch, at)
		if err != nil || seen {
			dup = seen
			return err
		}

		batch := &pgx.Batch{}
		for _, s := range b.Samples {
			batch.Queue(`
				INSERT INTO vital_samples (session_id, seq, device_id, recorded_at, heart_rate, respiration_rate,
					temperature, motion_index, signal_quality, state)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
				ON CONFLICT (session_id, seq) DO NOTHING
			`, s.SessionID, s.Seq, deviceID, s.RecordedAt, s.HeartRate, s.RespirationRate,
				s.Temperature, s.MotionIndex, s.SignalQuality, string(s.State))
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("failed to insert samples: %w", err)
		}
		return nil
	})
	return dup, err
}

// ApplyAnnotation inserts one annotation
func (r *Postgres) ApplyAnnotation(ctx context.Context, deviceID, key string, a domain.Annotation, at time.Time) (bool, error) {
	var dup bool
	err := r.inTx(ctx, func(tx pgx.Tx) error {
		_, seen, err := claimTx(ctx, tx, deviceID, key, a.SessionID, domain.KindAnnotation, at)
		if err != nil || seen {
			dup = seen
			return err
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO annotations (id, session_id, at, code, text, author, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (id) DO NOTHING
		`, a.ID, a.SessionID, a.At, string(a.Code), a.Text, a.Author, a.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert annotation: %w", err)
		}
		return nil
	})
	return dup, err
}

// ApplyBaseline upserts the session's frozen baseline
func (r *Postgres) ApplyBaseline(ctx context.Context, deviceID, key string, b domain.BaselineData, at time.Time) (bool, error) {
	var dup bool
	err := r.inTx(ctx, func(tx pgx.Tx) error {
		_, seen, err := claimTx(ctx, tx, deviceID, key, b.SessionID, domain.KindBaseline, at)
		if err != nil || seen {
			dup = seen
			return err
		}
		data, err := json.Marshal(b)
		if err != nil {
			return fmt.Errorf("failed to encode baseline: %w", err)
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO baselines (session_id, data, updated_at) VALUES ($1, $2, $3)
			ON CONFLICT (session_id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at
		`, b.SessionID, data, at)
		if err != nil {
			return fmt.Errorf("failed to upsert baseline: %w", err)
		}
		return nil
	})
	return dup, err
}

// GetSession returns the stored session version and state
func (r *Postgres) GetSession(ctx context.Context, sessionID int64) (protocol.RemoteSession, error) {
	rs := protocol.RemoteSession{SessionID: sessionID}
	var state string
	err := r.pool.QueryRow(ctx, `
		SELECT device_id, version, state, updated_at FROM sessions WHERE session_id = $1
	`, sessionID).Scan(&rs.DeviceID, &rs.Version, &state, &rs.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return rs, ErrNotFound
	}
	if err != nil {
		return rs, fmt.Errorf("failed to query session: %w", err)
	}
	rs.State = domain.State(state)
	return rs, nil
}

// SampleCount returns how many samples of the session are stored
func (r *Postgres) SampleCount(ctx context.Context, sessionID int64) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM vital_samples WHERE session_id = $1`, sessionID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count samples: %w", err)
	}
	return n, nil
}

// GetLiveStatus returns the live read model row for a session
func (r *Postgres) GetLiveStatus(ctx context.Context, sessionID int64) (db.LiveStatus, error) {
	s := db.LiveStatus{SessionID: sessionID}
	err := r.pool.QueryRow(ctx, `
		SELECT collar_id, state, link_state, heart_rate, respiration_rate, last_event_type, last_event_at,
			alert_count, updated_at
		FROM live_status WHERE session_id = $1
	`, sessionID).Scan(
		&s.CollarID,
		&s.State,
		&s.LinkState,
		&s.HeartRate,
		&s.RespirationRate,
		&s.LastEventType,
		&s.LastEventAt,
		&s.AlertCount,
		&s.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return s, ErrNotFound
	}
	if err != nil {
		return s, fmt.Errorf("failed to query live status: %w", err)
	}
	return s, nil
}

// PutLiveStatus replaces the live read model row for a session
func (r *Postgres) PutLiveStatus(ctx context.Context, s db.LiveStatus) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO live_status (session_id, collar_id, state, link_state, heart_rate, respiration_rate,
			last_event_type, last_event_at, alert_count, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (session_id) DO UPDATE SET
			collar_id = excluded.collar_id,
			state = excluded.state,
			link_state = excluded.link_state,
			heart_rate = excluded.heart_rate,
			respiration_rate = excluded.respiration_rate,
			last_event_type = excluded.last_event_type,
			last_event_at = excluded.last_event_at,
			alert_count = excluded.alert_count,
			updated_at = excluded.updated_at
	`, s.SessionID, s.CollarID, s.State, s.LinkState, s.HeartRate, s.RespirationRate,
		s.LastEventType, s.LastEventAt, s.AlertCount, s.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert live status: %w", err)
	}
	return nil
}

// Ping checks the database connection
func (r *Postgres) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}
