package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/septivank/vetsync-engine/internal/domain"
)

// ErrSamplingClosed is returned for samples stamped with a state that does
// not accept samples.
var ErrSamplingClosed = errors.New("sampling not allowed in state")

// SeqRange bounds a sample query by sequence offset, inclusive. A zero To
// means unbounded.
type SeqRange struct {
	From int64
	To   int64
}

// TimeRange bounds an annotation query, inclusive. Zero bounds are open.
type TimeRange struct {
	From time.Time
	To   time.Time
}

// Append persists one append-only entity: a VitalSample, an Annotation or a
// Transition.
func (s *Store) Append(ctx context.Context, entity any) error {
	switch e := entity.(type) {
	case domain.VitalSample:
		return s.AppendSample(ctx, e)
	case domain.Annotation:
		return s.AppendAnnotation(ctx, e)
	case domain.Transition:
		return s.AppendTransition(ctx, e)
	default:
		return fmt.Errorf("store: cannot append %T", entity)
	}
}

// Range bounds a Query. Seq applies to samples and transitions, Time to
// annotations. Zero bounds are open.
type Range struct {
	Seq  SeqRange
	Time TimeRange
}

// Query yields a session's entities of one kind in their natural order:
// samples by offset, annotations by anchor time, the transition log for
// KindSession and the baseline, if one exists, for KindBaseline.
func (s *Store) Query(ctx context.Context, sessionID int64, kind domain.EntityKind, r Range) iter.Seq2[any, error] {
	return func(yield func(any, error) bool) {
		switch kind {
		case domain.KindSampleBatch:
			for v, err := range s.Samples(ctx, sessionID, r.Seq) {
				if !yield(v, err) || err != nil {
					return
				}
			}
		case domain.KindAnnotation:
			for a, err := range s.Annotations(ctx, sessionID, r.Time) {
				if !yield(a, err) || err != nil {
					return
				}
			}
		case domain.KindSession:
			for t, err := range s.Transitions(ctx, sessionID) {
				if err != nil {
					yield(nil, err)
					return
				}
				if int64(t.Seq) < r.Seq.From || (r.Seq.To > 0 && int64(t.Seq) > r.Seq.To) {
					continue
				}
				if !yield(t, nil) {
					return
				}
			}
		case domain.KindBaseline:
			b, err := s.GetBaseline(ctx, sessionID)
			switch {
			case errors.Is(err, ErrNotFound):
			case err != nil:
				yield(nil, err)
			default:
				yield(b, nil)
			}
		default:
			yield(nil, fmt.Errorf("store: cannot query %q", kind))
		}
	}
}

// AppendSample persists a sample. Offsets never repeat within a session.
func (s *Store) AppendSample(ctx context.Context, v domain.VitalSample) error {
	if !v.State.SamplingAllowed() {
		return fmt.Errorf("%w: %s", ErrSamplingClosed, v.State)
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO vital_samples (session_id, seq, recorded_at, heart_rate, respiration_rate, temperature, motion_index, signal_quality, state)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		v.SessionID, v.Seq, v.RecordedAt.UnixNano(), v.HeartRate, v.RespirationRate, v.Temperature,
		v.MotionIndex, v.SignalQuality, string(v.State))
	if isConstraint(err) {
		return fmt.Errorf("%w: session %d seq %d", ErrDuplicateSample, v.SessionID, v.Seq)
	}
	if err != nil {
		return storageErr("append sample", err)
	}
	return nil
}

// Samples yields samples of a session in offset order, a page at a time.
func (s *Store) Samples(ctx context.Context, sessionID int64, r SeqRange) iter.Seq2[domain.VitalSample, error] {
	to := r.To
	if to == 0 {
		to = math.MaxInt64
	}
	return pages(ctx, s.pageSize, func(ctx context.Context, last *domain.VitalSample, limit int) ([]domain.VitalSample, error) {
		from := r.From
		if last != nil {
			from = last.Seq + 1
		}
		rows, err := s.db.QueryContext(ctx, `
SELECT session_id, seq, recorded_at, heart_rate, respiration_rate, temperature, motion_index, signal_quality, state
FROM vital_samples WHERE session_id=? AND seq>=? AND seq<=? ORDER BY seq LIMIT ?`,
			sessionID, from, to, limit)
		if err != nil {
			return nil, storageErr("query samples", err)
		}
		defer rows.Close()

		var page []domain.VitalSample
		for rows.Next() {
			var (
				v     domain.VitalSample
				at    int64
				state string
			)
			if err := rows.Scan(&v.SessionID, &v.Seq, &at, &v.HeartRate, &v.RespirationRate, &v.Temperature,
				&v.MotionIndex, &v.SignalQuality, &state); err != nil {
				return nil, storageErr("scan sample", err)
			}
			v.RecordedAt = fromUnixNano(at)
			v.State = domain.State(state)
			page = append(page, v)
		}
		if err := rows.Err(); err != nil {
			return nil, storageErr("query samples", err)
		}
		return page, nil
	})
}

// LastSampleSeq returns the highest recorded offset, or 0.
func (s *Store) LastSampleSeq(ctx context.Context, sessionID int64) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM vital_samples WHERE session_id=?`, sessionID).Scan(&seq)
	if err != nil {
		return 0, storageErr("last sample seq", err)
	}
	return seq, nil
}

// SampleCount counts the session's samples, optionally only those captured
// in state.
func (s *Store) SampleCount(ctx context.Context, sessionID int64, state domain.State) (int, error) {
	var n int
	var err error
	if state == "" {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM vital_samples WHERE session_id=?`, sessionID).Scan(&n)
	} else {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM vital_samples WHERE session_id=? AND state=?`,
			sessionID, string(state)).Scan(&n)
	}
	if err != nil {
		return 0, storageErr("count samples", err)
	}
	return n, nil
}

// SaveBaseline writes the session's baseline until it is frozen.
func (s *Store) SaveBaseline(ctx context.Context, b domain.BaselineData) error {
	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("marshal baseline: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
INSERT INTO baselines (session_id, data, frozen, computed_at) VALUES (?, ?, ?, ?)
ON CONFLICT(session_id) DO UPDATE SET
  data=excluded.data,
  frozen=excluded.frozen,
  computed_at=excluded.computed_at
WHERE baselines.frozen = 0`,
		b.SessionID, string(data), boolInt(b.Frozen), b.ComputedAt.UnixNano())
	if err != nil {
		return storageErr("save baseline", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrBaselineFrozen
	}
	return nil
}

// FreezeBaseline marks the baseline immutable.
func (s *Store) FreezeBaseline(ctx context.Context, sessionID int64) (domain.BaselineData, error) {
	b, err := s.GetBaseline(ctx, sessionID)
	if err != nil {
		return b, err
	}
	if b.Frozen {
		return b, nil
	}
	b.Frozen = true
	data, err := json.Marshal(b)
	if err != nil {
		return b, fmt.Errorf("marshal baseline: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE baselines SET data=?, frozen=1 WHERE session_id=?`,
		string(data), sessionID); err != nil {
		return b, storageErr("freeze baseline", err)
	}
	return b, nil
}

// GetBaseline loads the session's baseline.
func (s *Store) GetBaseline(ctx context.Context, sessionID int64) (domain.BaselineData, error) {
	var (
		b    domain.BaselineData
		data string
	)
	err := s.db.QueryRowContext(ctx, `SELECT data FROM baselines WHERE session_id=?`, sessionID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return b, ErrNotFound
	}
	if err != nil {
		return b, storageErr("get baseline", err)
	}
	if err := json.Unmarshal([]byte(data), &b); err != nil {
		return b, storageErr("decode baseline", err)
	}
	return b, nil
}

// AppendAnnotation persists an annotation. Annotations are never edited.
func (s *Store) AppendAnnotation(ctx context.Context, a domain.Annotation) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO annotations (id, session_id, at, code, text, author, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.ID.String(), a.SessionID, a.At.UnixNano(), string(a.Code), a.Text, a.Author, a.CreatedAt.UnixNano())
	if isConstraint(err) {
		return fmt.Errorf("%w: annotation %s", ErrDuplicate, a.ID)
	}
	if err != nil {
		return storageErr("append annotation", err)
	}
	return nil
}

// GetAnnotation loads one annotation.
func (s *Store) GetAnnotation(ctx context.Context, id uuid.UUID) (domain.Annotation, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, session_id, at, code, text, author, created_at FROM annotations WHERE id=?`, id.String())
	a, err := scanAnnotation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return a, ErrNotFound
	}
	if err != nil {
		return a, storageErr("get annotation", err)
	}
	return a, nil
}

// Annotations yields a session's annotations ordered by anchor time.
func (s *Store) Annotations(ctx context.Context, sessionID int64, r TimeRange) iter.Seq2[domain.Annotation, error] {
	var from, to int64 = math.MinInt64, math.MaxInt64
	if !r.From.IsZero() {
		from = r.From.UnixNano()
	}
	if !r.To.IsZero() {
		to = r.To.UnixNano()
	}
	return pages(ctx, s.pageSize, func(ctx context.Context, last *domain.Annotation, limit int) ([]domain.Annotation, error) {
		var (
			rows *sql.Rows
			err  error
		)
		if last == nil {
			rows, err = s.db.QueryContext(ctx, `
SELECT id, session_id, at, code, text, author, created_at FROM annotations
WHERE session_id=? AND at>=? AND at<=? ORDER BY at, id LIMIT ?`, sessionID, from, to, limit)
		} else {
			at := last.At.UnixNano()
			rows, err = s.db.QueryContext(ctx, `
SELECT id, session_id, at, code, text, author, created_at FROM annotations
WHERE session_id=? AND (at>? OR (at=? AND id>?)) AND at<=? ORDER BY at, id LIMIT ?`,
				sessionID, at, at, last.ID.String(), to, limit)
		}
		if err != nil {
			return nil, storageErr("query annotations", err)
		}
		defer rows.Close()

		var page []domain.Annotation
		for rows.Next() {
			a, err := scanAnnotation(rows)
			if err != nil {
				return nil, storageErr("scan annotation", err)
			}
			page = append(page, a)
		}
		if err := rows.Err(); err != nil {
			return nil, storageErr("query annotations", err)
		}
		return page, nil
	})
}

func scanAnnotation(sc scanner) (domain.Annotation, error) {
	var (
		a           domain.Annotation
		id, code    string
		at, created int64
	)
	if err := sc.Scan(&id, &a.SessionID, &at, &code, &a.Text, &a.Author, &created); err != nil {
		return a, err
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return a, fmt.Errorf("parse annotation id: %w", err)
	}
	a.ID = parsed
	a.Code = domain.AnnotationCode(code)
	a.At = fromUnixNano(at)
	a.CreatedAt = fromUnixNano(created)
	return a, nil
}

// UnqueuedCount counts samples and annotations of the session that are not
// yet covered by a sync record.
func (s *Store) UnqueuedCount(ctx context.Context, sessionID int64) (int, error) {
	var samples, annotations int
	err := s.db.QueryRowContext(ctx, `
SELECT COUNT(*) FROM vital_samples v WHERE v.session_id=? AND NOT EXISTS (
  SELECT 1 FROM sync_records r
  WHERE r.session_id=v.session_id AND r.kind=? AND v.seq BETWEEN r.range_from AND r.range_to)`,
		sessionID, string(domain.KindSampleBatch)).Scan(&samples)
	if err != nil {
		return 0, storageErr("count unqueued samples", err)
	}
	err = s.db.QueryRowContext(ctx, `
SELECT COUNT(*) FROM annotations a WHERE a.session_id=? AND NOT EXISTS (
  SELECT 1 FROM sync_records r
  WHERE r.session_id=a.session_id AND r.kind=? AND r.entity_ref=a.id)`,
		sessionID, string(domain.KindAnnotation)).Scan(&annotations)
	if err != nil {
		return 0, storageErr("count unqueued annotations", err)
	}
	return samples + annotations, nil
}
