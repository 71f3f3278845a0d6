// Package store is the durable local record of every session. It is the
// source of truth while the device is offline; the sync engine only writes
// sync metadata here.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrDuplicateSample = errors.New("sample offset already recorded")
	ErrDuplicate       = errors.New("entity already recorded")
	ErrPendingSync     = errors.New("session has unacknowledged sync records")
	ErrBaselineFrozen  = errors.New("baseline is frozen")
	ErrAnimalInUse     = errors.New("animal is referenced by a session")
	ErrCollarInUse     = errors.New("collar is bound to another active session")
	ErrStaleTransition = errors.New("transition sequence out of order")
)

// StorageError reports a failure of the underlying database. The session
// pipeline treats it as fatal.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("[STORE] %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func storageErr(op string, err error) error {
	return &StorageError{Op: op, Err: err}
}

const defaultPageSize = 256

// Store persists sessions in SQLite.
type Store struct {
	db       *sql.DB
	logger   *zap.Logger
	pageSize int
}

// Open opens (creating if needed) the database at path. Writes are durable
// before they return: WAL journal with synchronous=FULL.
func Open(ctx context.Context, path string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}
	dsn := "file:" + path +
		"?_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(FULL)" +
		"&_pragma=busy_timeout(5000)" +
		"&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("[STORE] open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db, logger: logger, pageSize: defaultPageSize}
	if err := s.ensureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	logger.Info("Session store opened", zap.String("path", path))
	return s, nil
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) ensureSchema(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS animals (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL,
  species TEXT NOT NULL,
  breed TEXT NOT NULL DEFAULT '',
  weight_kg REAL NOT NULL,
  ranges TEXT NOT NULL,
  created_at INTEGER NOT NULL,
  corrected_at INTEGER,
  corrected_by TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS collars (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL DEFAULT '',
  model TEXT NOT NULL DEFAULT '',
  firmware TEXT NOT NULL DEFAULT '',
  battery_pct INTEGER NOT NULL DEFAULT 0,
  rssi INTEGER NOT NULL DEFAULT 0,
  last_seen_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS sessions (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  device_id TEXT NOT NULL,
  animal_id TEXT NOT NULL DEFAULT '',
  collar_id TEXT NOT NULL DEFAULT '',
  state TEXT NOT NULL,
  started_at INTEGER NOT NULL,
  ended_at INTEGER,
  remote_version INTEGER NOT NULL DEFAULT 0,
  conflicted INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS transitions (
  session_id INTEGER NOT NULL REFERENCES sessions(id),
  seq INTEGER NOT NULL,
  from_state TEXT NOT NULL,
  to_state TEXT NOT NULL,
  event TEXT NOT NULL,
  actor TEXT NOT NULL DEFAULT '',
  source TEXT NOT NULL,
  at INTEGER NOT NULL,
  PRIMARY KEY (session_id, seq)
);
CREATE TABLE IF NOT EXISTS vital_samples (
  session_id INTEGER NOT NULL REFERENCES sessions(id),
  seq INTEGER NOT NULL,
  recorded_at INTEGER NOT NULL,
  heart_rate REAL NOT NULL,
  respiration_rate REAL NOT NULL,
  temperature REAL NOT NULL,
  motion_index REAL NOT NULL,
  signal_quality REAL NOT NULL,
  state TEXT NOT NULL,
  PRIMARY KEY (session_id, seq)
);
CREATE TABLE IF NOT EXISTS baselines (
  session_id INTEGER PRIMARY KEY REFERENCES sessions(id),
  data TEXT NOT NULL,
  frozen INTEGER NOT NULL DEFAULT 0,
  computed_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS annotations (
  id TEXT PRIMARY KEY,
  session_id INTEGER NOT NULL REFERENCES sessions(id),
  at INTEGER NOT NULL,
  code TEXT NOT NULL,
  text TEXT NOT NULL DEFAULT '',
  author TEXT NOT NULL DEFAULT '',
  created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS annotations_session_at ON annotations (session_id, at, id);
CREATE TABLE IF NOT EXISTS sync_records (
  ord INTEGER PRIMARY KEY AUTOINCREMENT,
  id TEXT NOT NULL UNIQUE,
  session_id INTEGER NOT NULL,
  kind TEXT NOT NULL,
  entity_ref TEXT NOT NULL DEFAULT '',
  range_from INTEGER NOT NULL DEFAULT 0,
  range_to INTEGER NOT NULL DEFAULT 0,
  sealed INTEGER NOT NULL DEFAULT 1,
  status TEXT NOT NULL,
  attempts INTEGER NOT NULL DEFAULT 0,
  next_attempt_at INTEGER NOT NULL DEFAULT 0,
  last_error TEXT NOT NULL DEFAULT '',
  remote_version INTEGER NOT NULL DEFAULT 0,
  remote_state TEXT NOT NULL DEFAULT '',
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS sync_records_entity ON sync_records (session_id, kind, entity_ref, range_from);
CREATE INDEX IF NOT EXISTS sync_records_status ON sync_records (status, ord);
CREATE TABLE IF NOT EXISTS meta (
  key TEXT PRIMARY KEY,
  value TEXT NOT NULL
);
`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return storageErr("create schema", err)
	}
	return nil
}

// pages yields rows fetched a page at a time. fetch receives the last item
// of the previous page (nil for the first page); a short page ends the
// sequence.
func pages[T any](ctx context.Context, size int, fetch func(ctx context.Context, last *T, limit int) ([]T, error)) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		var last *T
		for {
			page, err := fetch(ctx, last, size)
			if err != nil {
				var zero T
				yield(zero, err)
				return
			}
			for i := range page {
				if !yield(page[i], nil) {
					return
				}
			}
			if len(page) < size {
				return
			}
			last = &page[len(page)-1]
		}
	}
}

// Collect drains an iterator into a slice, stopping at the first error.
func Collect[T any](seq iter.Seq2[T, error]) ([]T, error) {
	var out []T
	for v, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, v)
	}
	return out, nil
}

func isConstraint(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.Code()&0xff == sqlite3.SQLITE_CONSTRAINT
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func nullTime(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func fromNullTime(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := time.Unix(0, n.Int64).UTC()
	return &t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
