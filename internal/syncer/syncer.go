// Package syncer reconciles the local session store with the backend. It
// owns sync metadata only: it never edits clinical data.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/septivank/vetsync-engine/internal/broadcast"
	"github.com/septivank/vetsync-engine/internal/config"
	"github.com/septivank/vetsync-engine/internal/domain"
	"github.com/septivank/vetsync-engine/internal/protocol"
	"github.com/septivank/vetsync-engine/internal/store"
)

// Backend is the remote side of the upload protocol.
type Backend interface {
	PushSession(ctx context.Context, key string, p protocol.SessionPush) (protocol.SessionAck, error)
	PushSamples(ctx context.Context, key string, b protocol.SampleBatch) error
	PushAnnotation(ctx context.Context, key string, a domain.Annotation) error
	PushBaseline(ctx context.Context, key string, b domain.BaselineData) error
	FetchSession(ctx context.Context, sessionID int64) (protocol.RemoteSession, error)
	Health(ctx context.Context) error
}

// Adopter moves a live session to a remote state. When none is set the
// adoption is written straight to the store.
type Adopter interface {
	Adopt(ctx context.Context, sessionID int64, to domain.State) error
}

// Options tunes the engine. Zero values fall back to defaults.
type Options struct {
	DeviceID       string
	BatchSize      int
	Interval       time.Duration
	RequestTimeout time.Duration
	BackoffBase    time.Duration
	BackoffMax     time.Duration
	MaxAttempts    int

	Now    func() time.Time
	Pub    broadcast.Publisher
	Logger *zap.Logger
}

// OptionsFromConfig maps sync configuration onto Options.
func OptionsFromConfig(deviceID string, cfg config.SyncConfig) Options {
	return Options{
		DeviceID:       deviceID,
		BatchSize:      cfg.BatchSize,
		Interval:       cfg.Interval,
		RequestTimeout: cfg.RequestTimeout,
		BackoffBase:    cfg.BackoffBase,
		BackoffMax:     cfg.BackoffMax,
		MaxAttempts:    cfg.MaxAttempts,
	}
}

func (o Options) withDefaults() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = 120
	}
	if o.Interval <= 0 {
		o.Interval = 15 * time.Second
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 10 * time.Second
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = 2 * time.Second
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = 5 * time.Minute
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 12
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Pub == nil {
		o.Pub = broadcast.Discard
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// SyncReport summarises one sync cycle.
type SyncReport struct {
	StartedAt    time.Time     `json:"started_at"`
	Duration     time.Duration `json:"duration"`
	Sealed       int           `json:"sealed"`
	Attempted    int           `json:"attempted"`
	Acknowledged int           `json:"acknowledged"`
	Retrying     int           `json:"retrying"`
	Conflicted   int           `json:"conflicted"`
	Deferred     int           `json:"deferred"`
	Cancelled    bool          `json:"cancelled"`
}

// Engine queues local entities and delivers them to the backend.
type Engine struct {
	store   *store.Store
	backend Backend
	opts    Options
	logger  *zap.Logger

	enqueueMu sync.Mutex
	cycleMu   sync.Mutex
	trigger   chan struct{}

	adoptMu sync.RWMutex
	adopter Adopter
}

func New(st *store.Store, backend Backend, opts Options) *Engine {
	opts = opts.withDefaults()
	return &Engine{
		store:   st,
		backend: backend,
		opts:    opts,
		logger:  opts.Logger,
		trigger: make(chan struct{}, 1),
	}
}

// SetAdopter registers the component that owns live state machines.
func (e *Engine) SetAdopter(a Adopter) {
	e.adoptMu.Lock()
	defer e.adoptMu.Unlock()
	e.adopter = a
}

// Enqueue queues a locally created entity for upload. Samples accumulate
// in the session's open batch; other entities get their own record.
func (e *Engine) Enqueue(ctx context.Context, entity any) error {
	e.enqueueMu.Lock()
	defer e.enqueueMu.Unlock()

	now := e.opts.Now()
	switch v := entity.(type) {
	case domain.VitalSample:
		return e.enqueueSample(ctx, v, now)
	case domain.Annotation:
		_, _, err := e.store.InsertSyncRecord(ctx, domain.SyncRecord{
			SessionID: v.SessionID,
			Kind:      domain.KindAnnotation,
			EntityRef: v.ID.String(),
			Sealed:    true,
			CreatedAt: now,
			UpdatedAt: now,
		})
		return err
	case domain.BaselineData:
		_, _, err := e.store.InsertSyncRecord(ctx, domain.SyncRecord{
			SessionID: v.SessionID,
			Kind:      domain.KindBaseline,
			EntityRef: "frozen",
			Sealed:    true,
			CreatedAt: now,
			UpdatedAt: now,
		})
		return err
	case domain.Session:
		log, err := e.store.TransitionLog(ctx, v.ID)
		if err != nil {
			return err
		}
		return e.insertSessionRecord(ctx, v.ID, len(log), now)
	default:
		return fmt.Errorf("syncer: cannot enqueue %T", entity)
	}
}

// SessionChanged queues the session state reached after logLen transitions.
func (e *Engine) SessionChanged(ctx context.Context, sessionID int64, logLen int) error {
	e.enqueueMu.Lock()
	defer e.enqueueMu.Unlock()
	return e.insertSessionRecord(ctx, sessionID, logLen, e.opts.Now())
}

func (e *Engine) insertSessionRecord(ctx context.Context, sessionID int64, logLen int, now time.Time) error {
	_, _, err := e.store.InsertSyncRecord(ctx, domain.SyncRecord{
		SessionID: sessionID,
		Kind:      domain.KindSession,
		EntityRef: strconv.Itoa(logLen),
		Sealed:    true,
		CreatedAt: now,
		UpdatedAt: now,
	})
	return err
}

func (e *Engine) enqueueSample(ctx context.Context, v domain.VitalSample, now time.Time) error {
	open, ok, err := e.store.OpenBatch(ctx, v.SessionID)
	if err != nil {
		return err
	}
	if ok && v.Seq > open.RangeTo {
		if err := e.store.ExtendBatch(ctx, open.ID, v.Seq, now); err != nil {
			return err
		}
		if v.Seq-open.RangeFrom+1 >= int64(e.opts.BatchSize) {
			return e.store.SealBatch(ctx, open.ID, now)
		}
		return nil
	}
	if ok {
		return nil
	}
	_, _, err = e.store.InsertSyncRecord(ctx, domain.SyncRecord{
		SessionID: v.SessionID,
		Kind:      domain.KindSampleBatch,
		RangeFrom: v.Seq,
		RangeTo:   v.Seq,
		Sealed:    e.opts.BatchSize <= 1,
		CreatedAt: now,
		UpdatedAt: now,
	})
	return err
}

// Backfill queues every sample and annotation of the session that no sync
// record covers yet, e.g. after an unclean exit.
func (e *Engine) Backfill(ctx context.Context, sessionID int64) (int, error) {
	n := 0
	covered := map[int64]bool{}
	annotated := map[string]bool{}
	for rec, err := range e.store.SyncRecords(ctx, store.SyncFilter{SessionID: sessionID}) {
		if err != nil {
			return n, err
		}
		switch rec.Kind {
		case domain.KindSampleBatch:
			for seq := rec.RangeFrom; seq <= rec.RangeTo; seq++ {
				covered[seq] = true
			}
		case domain.KindAnnotation:
			annotated[rec.EntityRef] = true
		}
	}
	for v, err := range e.store.Samples(ctx, sessionID, store.SeqRange{}) {
		if err != nil {
			return n, err
		}
		if covered[v.Seq] {
			continue
		}
		if err := e.Enqueue(ctx, v); err != nil {
			return n, err
		}
		n++
	}
	for a, err := range e.store.Annotations(ctx, sessionID, store.TimeRange{}) {
		if err != nil {
			return n, err
		}
		if annotated[a.ID.String()] {
			continue
		}
		if err := e.Enqueue(ctx, a); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// Trigger asks the background loop for a cycle without waiting for the
// interval.
func (e *Engine) Trigger() {
	select {
	case e.trigger <- struct{}{}:
	default:
	}
}

// Run performs sync cycles on the interval and on Trigger until ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	if n, err := e.store.RequeueInFlight(ctx); err != nil {
		return err
	} else if n > 0 {
		e.logger.Info("Requeued in-flight sync records", zap.Int("count", n))
	}

	ticker := time.NewTicker(e.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-e.trigger:
		}
		if _, err := e.RunSyncCycle(ctx); err != nil && ctx.Err() == nil {
			e.logger.Error("Sync cycle failed", zap.Error(err))
		}
	}
}

// RunSyncCycle seals open batches and delivers due records in creation
// order. Within a session, a record that is not yet due or fails holds back
// the session's later records.
func (e *Engine) RunSyncCycle(ctx context.Context) (SyncReport, error) {
	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()

	report := SyncReport{StartedAt: e.opts.Now()}
	defer func() {
		report.Duration = e.opts.Now().Sub(report.StartedAt)
	}()

	e.enqueueMu.Lock()
	pending, err := store.Collect(e.store.SyncRecords(ctx, store.SyncFilter{
		Statuses: []domain.SyncStatus{domain.SyncPending},
	}))
	if err == nil {
		for i := range pending {
			if pending[i].Sealed {
				continue
			}
			if err = e.store.SealBatch(ctx, pending[i].ID, report.StartedAt); err != nil {
				break
			}
			pending[i].Sealed = true
			report.Sealed++
		}
	}
	e.enqueueMu.Unlock()
	if err != nil {
		return report, fmt.Errorf("load pending records: %w", err)
	}

	held := map[int64]bool{}
	conflicted := map[int64]bool{}
	for _, rec := range pending {
		if ctx.Err() != nil {
			report.Cancelled = true
			break
		}
		if held[rec.SessionID] || rec.NextAttemptAt.After(e.opts.Now()) {
			held[rec.SessionID] = true
			report.Deferred++
			continue
		}
		if rec.Kind == domain.KindSession {
			c, ok := conflicted[rec.SessionID]
			if !ok {
				sess, err := e.store.GetSession(ctx, rec.SessionID)
				if err != nil && !errors.Is(err, store.ErrNotFound) {
					return report, err
				}
				c = sess.Conflicted
				conflicted[rec.SessionID] = c
			}
			if c {
				// Session state waits for the operator's resolution.
				report.Deferred++
				continue
			}
		}

		report.Attempted++
		status, err := e.deliver(ctx, rec)
		if err != nil {
			return report, err
		}
		switch status {
		case domain.SyncAcknowledged:
			report.Acknowledged++
		case domain.SyncConflicted:
			report.Conflicted++
			delete(conflicted, rec.SessionID)
		default:
			report.Retrying++
			held[rec.SessionID] = true
		}
	}

	if report.Attempted > 0 || report.Sealed > 0 {
		e.logger.Info("Sync cycle finished",
			zap.Int("attempted", report.Attempted),
			zap.Int("acknowledged", report.Acknowledged),
			zap.Int("retrying", report.Retrying),
			zap.Int("conflicted", report.Conflicted),
			zap.Int("deferred", report.Deferred))
	}
	e.opts.Pub.Publish(broadcast.Event{Type: broadcast.EventSyncStatus, At: e.opts.Now(), Data: report})
	return report, nil
}

// deliver uploads one record and stores the outcome. The returned error is
// reserved for store failures.
func (e *Engine) deliver(ctx context.Context, rec domain.SyncRecord) (domain.SyncStatus, error) {
	rec.Status = domain.SyncInFlight
	rec.Attempts++
	rec.UpdatedAt = e.opts.Now()
	if err := e.store.UpdateSyncRecord(ctx, rec); err != nil {
		return rec.Status, err
	}

	pushErr := e.attempt(ctx, rec)

	logger := e.logger.With(zap.String("key", rec.IdempotencyKey()), zap.Int("attempt", rec.Attempts))
	now := e.opts.Now()
	rec.UpdatedAt = now

	var (
		conflict *protocol.ConflictError
		syncErr  *SyncError
	)
	errors.As(pushErr, &syncErr)
	switch {
	case ctx.Err() != nil:
		// Cancelled mid-flight: the outcome is unknown, so try again later
		// under the same idempotency key.
		rec.Status = domain.SyncPending
		rec.Attempts--
		rec.LastError = "cancelled"
		return rec.Status, e.store.UpdateSyncRecord(context.WithoutCancel(ctx), rec)

	case pushErr == nil:
		rec.Status = domain.SyncAcknowledged
		rec.LastError = ""
		rec.NextAttemptAt = time.Time{}

	case errors.As(pushErr, &conflict):
		rec.Status = domain.SyncConflicted
		rec.LastError = conflict.Error()
		rec.RemoteVersion = conflict.RemoteVersion
		rec.RemoteState = conflict.RemoteState
		if err := e.store.SetConflicted(ctx, rec.SessionID, true); err != nil {
			return rec.Status, err
		}
		logger.Warn("Session conflicts with backend",
			zap.Int64("session_id", rec.SessionID),
			zap.Int64("remote_version", conflict.RemoteVersion),
			zap.String("remote_state", string(conflict.RemoteState)))
		e.opts.Pub.Publish(broadcast.Event{
			Type:      broadcast.EventConflict,
			SessionID: rec.SessionID,
			At:        now,
			Data:      conflict,
		})

	case !syncErr.Transient:
		rec.Status = domain.SyncConflicted
		rec.LastError = syncErr.Error()
		logger.Warn("Backend rejected record", zap.Error(syncErr.Err))

	case rec.Attempts >= e.opts.MaxAttempts:
		rec.Status = domain.SyncConflicted
		rec.LastError = fmt.Sprintf("gave up after %d attempts: %v", rec.Attempts, syncErr.Err)
		logger.Warn("Giving up on record", zap.Error(syncErr.Err))

	default:
		rec.Status = domain.SyncPending
		rec.LastError = syncErr.Error()
		rec.NextAttemptAt = now.Add(e.backoff(rec.Attempts))
		logger.Debug("Upload failed, will retry", zap.Time("next_attempt_at", rec.NextAttemptAt), zap.Error(pushErr))
	}

	if err := e.store.UpdateSyncRecord(ctx, rec); err != nil {
		return rec.Status, err
	}
	return rec.Status, nil
}

// attempt pushes rec once, bounded by RequestTimeout. A failure comes back
// as a *SyncError; one cut off by the timeout also matches ErrSyncTimeout.
func (e *Engine) attempt(ctx context.Context, rec domain.SyncRecord) error {
	reqCtx, cancel := context.WithTimeout(ctx, e.opts.RequestTimeout)
	defer cancel()

	err := e.push(reqCtx, rec)
	if err == nil {
		return nil
	}
	if ctx.Err() == nil && (errors.Is(reqCtx.Err(), context.DeadlineExceeded) || isTimeout(err)) {
		err = fmt.Errorf("%w after %s: %w", ErrSyncTimeout, e.opts.RequestTimeout, err)
	}
	return &SyncError{Key: rec.IdempotencyKey(), Kind: rec.Kind, Transient: isTransient(err), Err: err}
}

// backoff returns BackoffBase doubled per previous attempt, capped at
// BackoffMax.
func (e *Engine) backoff(attempts int) time.Duration {
	d := e.opts.BackoffBase
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= e.opts.BackoffMax {
			return e.opts.BackoffMax
		}
	}
	return min(d, e.opts.BackoffMax)
}

func (e *Engine) push(ctx context.Context, rec domain.SyncRecord) error {
	key := rec.IdempotencyKey()
	switch rec.Kind {
	case domain.KindSession:
		return e.pushSession(ctx, key, rec)

	case domain.KindSampleBatch:
		samples, err := store.Collect(e.store.Samples(ctx, rec.SessionID, store.SeqRange{From: rec.RangeFrom, To: rec.RangeTo}))
		if err != nil {
			return err
		}
		return e.backend.PushSamples(ctx, key, protocol.SampleBatch{
			SessionID: rec.SessionID,
			DeviceID:  e.opts.DeviceID,
			From:      rec.RangeFrom,
			To:        rec.RangeTo,
			Samples:   samples,
		})

	case domain.KindAnnotation:
		id, err := uuid.Parse(rec.EntityRef)
		if err != nil {
			return &PermanentError{Err: fmt.Errorf("bad annotation ref %q: %w", rec.EntityRef, err)}
		}
		a, err := e.store.GetAnnotation(ctx, id)
		if err != nil {
			return permanentIfMissing(err)
		}
		return e.backend.PushAnnotation(ctx, key, a)

	case domain.KindBaseline:
		b, err := e.store.GetBaseline(ctx, rec.SessionID)
		if err != nil {
			return permanentIfMissing(err)
		}
		return e.backend.PushBaseline(ctx, key, b)
	}
	return &PermanentError{Err: fmt.Errorf("unknown record kind %q", rec.Kind)}
}

func (e *Engine) pushSession(ctx context.Context, key string, rec domain.SyncRecord) error {
	sess, err := e.store.GetSession(ctx, rec.SessionID)
	if err != nil {
		return permanentIfMissing(err)
	}
	log, err := e.store.TransitionLog(ctx, rec.SessionID)
	if err != nil {
		return err
	}
	logLen, err := strconv.Atoi(rec.EntityRef)
	if err != nil || logLen > len(log) {
		return &PermanentError{Err: fmt.Errorf("bad session ref %q", rec.EntityRef)}
	}
	log = log[:logLen]
	state := domain.StatePetSelection
	if logLen > 0 {
		state = log[logLen-1].To
	}

	var ended *time.Time
	if state.Terminal() {
		ended = sess.EndedAt
	}
	ack, err := e.backend.PushSession(ctx, key, protocol.SessionPush{
		SessionID:   sess.ID,
		DeviceID:    e.opts.DeviceID,
		AnimalID:    sess.AnimalID,
		CollarID:    sess.CollarID,
		State:       state,
		StartedAt:   sess.StartedAt,
		EndedAt:     ended,
		BaseVersion: sess.RemoteVersion,
		Transitions: log,
	})
	if err != nil {
		return err
	}
	return e.store.SetRemoteVersion(ctx, sess.ID, ack.Version)
}

func permanentIfMissing(err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return &PermanentError{Err: err}
	}
	return err
}
