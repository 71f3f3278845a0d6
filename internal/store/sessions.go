package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/septivank/vetsync-engine/internal/domain"
)

// ErrSessionActive is returned when a device already has a live session.
var ErrSessionActive = errors.New("device already has an active session")

func activeKey(deviceID string) string { return "active_session:" + deviceID }

const sessionColumns = `id, device_id, animal_id, collar_id, state, started_at, ended_at, remote_version, conflicted`

// CreateSession starts a new session in PetSelection and makes it the
// device's active session.
func (s *Store) CreateSession(ctx context.Context, deviceID string, at time.Time) (domain.Session, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Session{}, storageErr("begin create session", err)
	}
	defer tx.Rollback()

	var state string
	err = tx.QueryRowContext(ctx, `
SELECT s.state FROM meta m JOIN sessions s ON s.id = CAST(m.value AS INTEGER) WHERE m.key=?`,
		activeKey(deviceID)).Scan(&state)
	switch {
	case err == nil && !domain.State(state).Terminal():
		return domain.Session{}, ErrSessionActive
	case err != nil && !errors.Is(err, sql.ErrNoRows):
		return domain.Session{}, storageErr("check active session", err)
	}

	res, err := tx.ExecContext(ctx, `
INSERT INTO sessions (device_id, state, started_at) VALUES (?, ?, ?)`,
		deviceID, string(domain.StatePetSelection), at.UnixNano())
	if err != nil {
		return domain.Session{}, storageErr("insert session", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return domain.Session{}, storageErr("session id", err)
	}
	if err := setMeta(ctx, tx, activeKey(deviceID), strconv.FormatInt(id, 10)); err != nil {
		return domain.Session{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Session{}, storageErr("commit create session", err)
	}
	return domain.Session{
		ID:        id,
		DeviceID:  deviceID,
		State:     domain.StatePetSelection,
		StartedAt: time.Unix(0, at.UnixNano()).UTC(),
	}, nil
}

// GetSession loads one session.
func (s *Store) GetSession(ctx context.Context, id int64) (domain.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id=?`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return sess, ErrNotFound
	}
	if err != nil {
		return sess, storageErr("get session", err)
	}
	return sess, nil
}

// ListSessions returns sessions, newest first.
func (s *Store) ListSessions(ctx context.Context) ([]domain.Session, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+sessionColumns+` FROM sessions ORDER BY id DESC`)
	if err != nil {
		return nil, storageErr("list sessions", err)
	}
	defer rows.Close()

	var out []domain.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, storageErr("scan session", err)
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list sessions", err)
	}
	return out, nil
}

func scanSession(sc scanner) (domain.Session, error) {
	var (
		sess       domain.Session
		animal     string
		state      string
		started    int64
		ended      sql.NullInt64
		conflicted int
	)
	err := sc.Scan(&sess.ID, &sess.DeviceID, &animal, &sess.CollarID, &state, &started, &ended, &sess.RemoteVersion, &conflicted)
	if err != nil {
		return sess, err
	}
	if animal != "" {
		id, err := uuid.Parse(animal)
		if err != nil {
			return sess, fmt.Errorf("parse animal id: %w", err)
		}
		sess.AnimalID = id
	}
	sess.State = domain.State(state)
	sess.StartedAt = fromUnixNano(started)
	sess.EndedAt = fromNullTime(ended)
	sess.Conflicted = conflicted != 0
	return sess, nil
}

// AssignAnimal links the session to its patient.
func (s *Store) AssignAnimal(ctx context.Context, sessionID int64, animalID uuid.UUID) error {
	if _, err := s.GetAnimal(ctx, animalID); err != nil {
		return err
	}
	return s.updateSession(ctx, "assign animal", `UPDATE sessions SET animal_id=? WHERE id=?`, animalID.String(), sessionID)
}

// AssignCollar binds a collar to the session. A collar serves at most one
// non-terminal session.
func (s *Store) AssignCollar(ctx context.Context, sessionID int64, collarID string) error {
	var n int
	err := s.db.QueryRowContext(ctx, `
SELECT COUNT(*) FROM sessions WHERE collar_id=? AND id<>? AND state NOT IN (?, ?)`,
		collarID, sessionID, string(domain.StateComplete), string(domain.StateCancelled)).Scan(&n)
	if err != nil {
		return storageErr("check collar use", err)
	}
	if n > 0 {
		return ErrCollarInUse
	}
	return s.updateSession(ctx, "assign collar", `UPDATE sessions SET collar_id=? WHERE id=?`, collarID, sessionID)
}

// SetConflicted flags or clears the session's conflict marker.
func (s *Store) SetConflicted(ctx context.Context, sessionID int64, conflicted bool) error {
	return s.updateSession(ctx, "set conflicted", `UPDATE sessions SET conflicted=? WHERE id=?`, boolInt(conflicted), sessionID)
}

// SetRemoteVersion records the last backend version acknowledged for the
// session.
func (s *Store) SetRemoteVersion(ctx context.Context, sessionID, version int64) error {
	return s.updateSession(ctx, "set remote version", `UPDATE sessions SET remote_version=? WHERE id=?`, version, sessionID)
}

func (s *Store) updateSession(ctx context.Context, op, stmt string, args ...any) error {
	res, err := s.db.ExecContext(ctx, stmt, args...)
	if err != nil {
		return storageErr(op, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// AppendTransition records a transition and moves the session to its target
// state in one transaction. t.Seq must follow the last logged entry and
// t.From must equal the stored state.
func (s *Store) AppendTransition(ctx context.Context, t domain.Transition) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("begin transition", err)
	}
	defer tx.Rollback()

	var (
		state    string
		deviceID string
		lastSeq  int
	)
	err = tx.QueryRowContext(ctx, `
SELECT s.state, s.device_id, COALESCE((SELECT MAX(seq) FROM transitions WHERE session_id=s.id), 0)
FROM sessions s WHERE s.id=?`, t.SessionID).Scan(&state, &deviceID, &lastSeq)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return storageErr("load session state", err)
	}
	if t.Seq != lastSeq+1 || domain.State(state) != t.From {
		return fmt.Errorf("%w: have seq %d state %s, got seq %d from %s",
			ErrStaleTransition, lastSeq, state, t.Seq, t.From)
	}

	_, err = tx.ExecContext(ctx, `
INSERT INTO transitions (session_id, seq, from_state, to_state, event, actor, source, at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.SessionID, t.Seq, string(t.From), string(t.To), string(t.Event), t.Actor, string(t.Source), t.At.UnixNano())
	if err != nil {
		return storageErr("insert transition", err)
	}

	var ended sql.NullInt64
	if t.To.Terminal() {
		ended = sql.NullInt64{Int64: t.At.UnixNano(), Valid: true}
	}
	_, err = tx.ExecContext(ctx, `UPDATE sessions SET state=?, ended_at=COALESCE(?, ended_at) WHERE id=?`,
		string(t.To), ended, t.SessionID)
	if err != nil {
		return storageErr("update session state", err)
	}
	if t.To.Terminal() {
		_, err = tx.ExecContext(ctx, `DELETE FROM meta WHERE key=? AND value=?`,
			activeKey(deviceID), strconv.FormatInt(t.SessionID, 10))
		if err != nil {
			return storageErr("clear active session", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return storageErr("commit transition", err)
	}
	return nil
}

// Transitions yields the session's transition log in order.
func (s *Store) Transitions(ctx context.Context, sessionID int64) iter.Seq2[domain.Transition, error] {
	return pages(ctx, s.pageSize, func(ctx context.Context, last *domain.Transition, limit int) ([]domain.Transition, error) {
		after := 0
		if last != nil {
			after = last.Seq
		}
		rows, err := s.db.QueryContext(ctx, `
SELECT session_id, seq, from_state, to_state, event, actor, source, at
FROM transitions WHERE session_id=? AND seq>? ORDER BY seq LIMIT ?`, sessionID, after, limit)
		if err != nil {
			return nil, storageErr("query transitions", err)
		}
		defer rows.Close()

		var page []domain.Transition
		for rows.Next() {
			var (
				t                       domain.Transition
				from, to, event, source string
				at                      int64
			)
			if err := rows.Scan(&t.SessionID, &t.Seq, &from, &to, &event, &t.Actor, &source, &at); err != nil {
				return nil, storageErr("scan transition", err)
			}
			t.From, t.To = domain.State(from), domain.State(to)
			t.Event = domain.Event(event)
			t.Source = domain.TransitionSource(source)
			t.At = fromUnixNano(at)
			page = append(page, t)
		}
		if err := rows.Err(); err != nil {
			return nil, storageErr("query transitions", err)
		}
		return page, nil
	})
}

// TransitionLog returns the full transition log.
func (s *Store) TransitionLog(ctx context.Context, sessionID int64) ([]domain.Transition, error) {
	return Collect(s.Transitions(ctx, sessionID))
}

// DeleteSession removes a session and everything recorded for it. Sessions
// with sync records that are not acknowledged are kept.
func (s *Store) DeleteSession(ctx context.Context, sessionID int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("begin delete session", err)
	}
	defer tx.Rollback()

	var deviceID string
	err = tx.QueryRowContext(ctx, `SELECT device_id FROM sessions WHERE id=?`, sessionID).Scan(&deviceID)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return storageErr("load session", err)
	}

	var pending int
	err = tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_records WHERE session_id=? AND status<>?`,
		sessionID, string(domain.SyncAcknowledged)).Scan(&pending)
	if err != nil {
		return storageErr("count sync records", err)
	}
	if pending > 0 {
		return ErrPendingSync
	}

	for _, stmt := range []string{
		`DELETE FROM vital_samples WHERE session_id=?`,
		`DELETE FROM annotations WHERE session_id=?`,
		`DELETE FROM baselines WHERE session_id=?`,
		`DELETE FROM transitions WHERE session_id=?`,
		`DELETE FROM sync_records WHERE session_id=?`,
		`DELETE FROM sessions WHERE id=?`,
	} {
		if _, err := tx.ExecContext(ctx, stmt, sessionID); err != nil {
			return storageErr("delete session", err)
		}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM meta WHERE key=? AND value=?`,
		activeKey(deviceID), strconv.FormatInt(sessionID, 10)); err != nil {
		return storageErr("clear active session", err)
	}
	if err := tx.Commit(); err != nil {
		return storageErr("commit delete session", err)
	}
	return nil
}

// ActiveSession returns the device's active session id, if any.
func (s *Store) ActiveSession(ctx context.Context, deviceID string) (int64, bool, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key=?`, activeKey(deviceID)).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, storageErr("get active session", err)
	}
	id, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, false, storageErr("parse active session", err)
	}
	return id, true, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func setMeta(ctx context.Context, ex execer, key, value string) error {
	_, err := ex.ExecContext(ctx, `
INSERT INTO meta (key, value) VALUES (?, ?)
ON CONFLICT(key) DO UPDATE SET value=excluded.value`, key, value)
	if err != nil {
		return storageErr("set meta", err)
	}
	return nil
}
