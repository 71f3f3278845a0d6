package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/septivank/vetsync-engine/internal/domain"
)

const syncColumns = `ord, id, session_id, kind, entity_ref, range_from, range_to, sealed, status, attempts,
  next_attempt_at, last_error, remote_version, remote_state, created_at, updated_at`

// InsertSyncRecord queues a record. If a record for the same entity already
// exists it is returned unchanged with inserted=false.
func (s *Store) InsertSyncRecord(ctx context.Context, rec domain.SyncRecord) (domain.SyncRecord, bool, error) {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.Status == "" {
		rec.Status = domain.SyncPending
	}
	res, err := s.db.ExecContext(ctx, `
INSERT INTO sync_records (id, session_id, kind, entity_ref, range_from, range_to, sealed, status, attempts,
  next_attempt_at, last_error, remote_version, remote_state, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(session_id, kind, entity_ref, range_from) DO NOTHING`,
		rec.ID.String(), rec.SessionID, string(rec.Kind), rec.EntityRef, rec.RangeFrom, rec.RangeTo,
		boolInt(rec.Sealed), string(rec.Status), rec.Attempts, unixNano(rec.NextAttemptAt), rec.LastError,
		rec.RemoteVersion, string(rec.RemoteState), unixNano(rec.CreatedAt), unixNano(rec.UpdatedAt))
	if err != nil {
		return rec, false, storageErr("insert sync record", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		existing, err := s.findSyncRecord(ctx, rec.SessionID, rec.Kind, rec.EntityRef, rec.RangeFrom)
		return existing, false, err
	}
	stored, err := s.GetSyncRecord(ctx, rec.ID)
	return stored, true, err
}

// GetSyncRecord loads one record.
func (s *Store) GetSyncRecord(ctx context.Context, id uuid.UUID) (domain.SyncRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+syncColumns+` FROM sync_records WHERE id=?`, id.String())
	rec, err := scanSyncRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return rec, ErrNotFound
	}
	if err != nil {
		return rec, storageErr("get sync record", err)
	}
	return rec, nil
}

func (s *Store) findSyncRecord(ctx context.Context, sessionID int64, kind domain.EntityKind, ref string, from int64) (domain.SyncRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+syncColumns+` FROM sync_records
WHERE session_id=? AND kind=? AND entity_ref=? AND range_from=?`, sessionID, string(kind), ref, from)
	rec, err := scanSyncRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return rec, ErrNotFound
	}
	if err != nil {
		return rec, storageErr("find sync record", err)
	}
	return rec, nil
}

// OpenBatch returns the session's unsealed sample batch, if any.
func (s *Store) OpenBatch(ctx context.Context, sessionID int64) (domain.SyncRecord, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+syncColumns+` FROM sync_records
WHERE session_id=? AND kind=? AND sealed=0 ORDER BY ord LIMIT 1`, sessionID, string(domain.KindSampleBatch))
	rec, err := scanSyncRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return rec, false, nil
	}
	if err != nil {
		return rec, false, storageErr("open batch", err)
	}
	return rec, true, nil
}

// ExtendBatch moves the upper bound of an open batch.
func (s *Store) ExtendBatch(ctx context.Context, id uuid.UUID, rangeTo int64, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE sync_records SET range_to=?, updated_at=? WHERE id=? AND sealed=0`,
		rangeTo, at.UnixNano(), id.String())
	if err != nil {
		return storageErr("extend batch", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SealBatch closes a batch so it becomes eligible for upload.
func (s *Store) SealBatch(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE sync_records SET sealed=1, updated_at=? WHERE id=?`, at.UnixNano(), id.String())
	if err != nil {
		return storageErr("seal batch", err)
	}
	return nil
}

// UpdateSyncRecord writes the delivery metadata of rec.
func (s *Store) UpdateSyncRecord(ctx context.Context, rec domain.SyncRecord) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE sync_records SET status=?, attempts=?, next_attempt_at=?, last_error=?, remote_version=?, remote_state=?, updated_at=?
WHERE id=?`,
		string(rec.Status), rec.Attempts, unixNano(rec.NextAttemptAt), rec.LastError, rec.RemoteVersion,
		string(rec.RemoteState), unixNano(rec.UpdatedAt), rec.ID.String())
	if err != nil {
		return storageErr("update sync record", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkSyncStatus sets a record's status.
func (s *Store) MarkSyncStatus(ctx context.Context, id uuid.UUID, status domain.SyncStatus) error {
	res, err := s.db.ExecContext(ctx, `UPDATE sync_records SET status=? WHERE id=?`, string(status), id.String())
	if err != nil {
		return storageErr("mark sync status", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// RequeueInFlight returns records left in flight by an unclean exit to
// pending.
func (s *Store) RequeueInFlight(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE sync_records SET status=? WHERE status=?`,
		string(domain.SyncPending), string(domain.SyncInFlight))
	if err != nil {
		return 0, storageErr("requeue in-flight", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// SyncFilter selects sync records. Zero fields match everything.
type SyncFilter struct {
	SessionID  int64
	Statuses   []domain.SyncStatus
	SealedOnly bool
}

// SyncRecords yields matching records in creation order.
func (s *Store) SyncRecords(ctx context.Context, f SyncFilter) iter.Seq2[domain.SyncRecord, error] {
	var (
		where []string
		args  []any
	)
	if f.SessionID != 0 {
		where = append(where, "session_id=?")
		args = append(args, f.SessionID)
	}
	if len(f.Statuses) > 0 {
		marks := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			marks[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "status IN ("+strings.Join(marks, ",")+")")
	}
	if f.SealedOnly {
		where = append(where, "sealed=1")
	}
	where = append(where, "ord>?")
	query := `SELECT ` + syncColumns + ` FROM sync_records WHERE ` + strings.Join(where, " AND ") + ` ORDER BY ord LIMIT ?`

	return pages(ctx, s.pageSize, func(ctx context.Context, last *domain.SyncRecord, limit int) ([]domain.SyncRecord, error) {
		var after int64
		if last != nil {
			after = last.Order
		}
		rows, err := s.db.QueryContext(ctx, query, append(append([]any{}, args...), after, limit)...)
		if err != nil {
			return nil, storageErr("query sync records", err)
		}
		defer rows.Close()

		var page []domain.SyncRecord
		for rows.Next() {
			rec, err := scanSyncRecord(rows)
			if err != nil {
				return nil, storageErr("scan sync record", err)
			}
			page = append(page, rec)
		}
		if err := rows.Err(); err != nil {
			return nil, storageErr("query sync records", err)
		}
		return page, nil
	})
}

// UnsettledCount counts the session's records that are neither acknowledged
// nor conflicted.
func (s *Store) UnsettledCount(ctx context.Context, sessionID int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_records WHERE session_id=? AND status IN (?, ?)`,
		sessionID, string(domain.SyncPending), string(domain.SyncInFlight)).Scan(&n)
	if err != nil {
		return 0, storageErr("count unsettled", err)
	}
	return n, nil
}

// SyncStatusCounts returns the number of records per status.
func (s *Store) SyncStatusCounts(ctx context.Context) (map[domain.SyncStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM sync_records GROUP BY status`)
	if err != nil {
		return nil, storageErr("count sync status", err)
	}
	defer rows.Close()

	out := make(map[domain.SyncStatus]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, storageErr("scan sync status", err)
		}
		out[domain.SyncStatus(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("count sync status", err)
	}
	return out, nil
}

func scanSyncRecord(sc scanner) (domain.SyncRecord, error) {
	var (
		rec                      domain.SyncRecord
		id, kind, status, remote string
		sealed                   int
		next, created, updated   int64
	)
	err := sc.Scan(&rec.Order, &id, &rec.SessionID, &kind, &rec.EntityRef, &rec.RangeFrom, &rec.RangeTo, &sealed,
		&status, &rec.Attempts, &next, &rec.LastError, &rec.RemoteVersion, &remote, &created, &updated)
	if err != nil {
		return rec, err
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return rec, fmt.Errorf("parse sync record id: %w", err)
	}
	rec.ID = parsed
	rec.Kind = domain.EntityKind(kind)
	rec.Sealed = sealed != 0
	rec.Status = domain.SyncStatus(status)
	rec.RemoteState = domain.State(remote)
	rec.NextAttemptAt = fromUnixNano(next)
	rec.CreatedAt = fromUnixNano(created)
	rec.UpdatedAt = fromUnixNano(updated)
	return rec, nil
}
