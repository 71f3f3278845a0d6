package syncer

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/septivank/vetsync-engine/internal/broadcast"
	"github.com/septivank/vetsync-engine/internal/domain"
	"github.com/septivank/vetsync-engine/internal/store"
)

// Resolved reports what ResolveConflict did.
type Resolved struct {
	SessionID     int64             `json:"session_id"`
	Resolution    domain.Resolution `json:"resolution"`
	LocalState    domain.State      `json:"local_state"`
	RemoteState   domain.State      `json:"remote_state"`
	FinalState    domain.State      `json:"final_state"`
	RemoteVersion int64             `json:"remote_version"`
	// Records counts the conflicted sample, annotation and baseline records
	// settled along with the session.
	Records int `json:"records"`
}

// MergeState picks the state kept by a merge: the one furthest along the
// workflow, preferring a terminal state, and the remote one when both are
// terminal.
func MergeState(local, remote domain.State) domain.State {
	switch {
	case local.Terminal() && remote.Terminal():
		return remote
	case remote.Terminal():
		return remote
	case local.Terminal():
		return local
	case remote.Rank() > local.Rank():
		return remote
	default:
		return local
	}
}

// ResolveConflict settles a conflicted session.
//
//   - keep_local re-pushes the local state on top of the remote version.
//   - keep_remote adopts the remote state locally.
//   - merge keeps whichever state MergeState selects.
//
// Conflicted sample, annotation and baseline records of the session are
// settled the way ResolveRecord settles them. Local clinical data is
// untouched by every resolution.
func (e *Engine) ResolveConflict(ctx context.Context, sessionID int64, res domain.Resolution) (Resolved, error) {
	if !res.Valid() {
		return Resolved{}, fmt.Errorf("%w: %q", ErrUnknownResolution, res)
	}
	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()

	sess, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return Resolved{}, err
	}
	data, err := e.conflictedData(ctx, sessionID)
	if err != nil {
		return Resolved{}, err
	}
	if !sess.Conflicted {
		if len(data) == 0 {
			return Resolved{}, ErrNotConflicted
		}
		out := Resolved{
			SessionID:     sessionID,
			Resolution:    res,
			LocalState:    sess.State,
			FinalState:    sess.State,
			RemoteVersion: sess.RemoteVersion,
		}
		n, err := e.settleAll(ctx, data, res)
		out.Records = n
		if err != nil {
			return out, err
		}
		e.resolved(out)
		return out, nil
	}

	rec, found, err := e.latestConflict(ctx, sessionID)
	if err != nil {
		return Resolved{}, err
	}
	remoteVersion, remoteState := rec.RemoteVersion, rec.RemoteState
	if !found || remoteState == "" {
		rs, err := e.backend.FetchSession(ctx, sessionID)
		if err != nil {
			return Resolved{}, fmt.Errorf("fetch remote session: %w", err)
		}
		remoteVersion, remoteState = rs.Version, rs.State
	}

	out := Resolved{
		SessionID:     sessionID,
		Resolution:    res,
		LocalState:    sess.State,
		RemoteState:   remoteState,
		RemoteVersion: remoteVersion,
	}
	target := sess.State
	switch res {
	case domain.ResolveKeepRemote:
		target = remoteState
	case domain.ResolveMerge:
		target = MergeState(sess.State, remoteState)
	}
	out.FinalState = target
	keepLocal := target == sess.State

	if err := e.store.SetRemoteVersion(ctx, sessionID, remoteVersion); err != nil {
		return out, err
	}

	log, err := e.store.TransitionLog(ctx, sessionID)
	if err != nil {
		return out, err
	}
	current := strconv.Itoa(len(log))
	now := e.opts.Now()

	// Unsettled session pushes are replaced by one push of the final state:
	// the current log when the local state is kept, else the adoption.
	stale, err := store.Collect(e.store.SyncRecords(ctx, store.SyncFilter{
		SessionID: sessionID,
		Statuses:  []domain.SyncStatus{domain.SyncPending, domain.SyncInFlight, domain.SyncConflicted},
	}))
	if err != nil {
		return out, err
	}
	requeued := false
	for _, r := range stale {
		if r.Kind != domain.KindSession {
			continue
		}
		r.UpdatedAt = now
		if keepLocal && r.EntityRef == current {
			r.Status = domain.SyncPending
			r.Attempts = 0
			r.NextAttemptAt = now
			r.LastError = ""
			requeued = true
		} else {
			r.Status = domain.SyncAcknowledged
			r.LastError = "superseded by " + string(res) + " resolution"
		}
		if err := e.store.UpdateSyncRecord(ctx, r); err != nil {
			return out, err
		}
	}

	if keepLocal {
		if !requeued {
			if err := e.SessionChanged(ctx, sessionID, len(log)); err != nil {
				return out, err
			}
		}
	} else if err := e.adopt(ctx, sessionID, target); err != nil {
		return out, err
	}
	if err := e.store.SetConflicted(ctx, sessionID, false); err != nil {
		return out, err
	}
	n, err := e.settleAll(ctx, data, res)
	out.Records = n
	if err != nil {
		return out, err
	}
	e.resolved(out)
	return out, nil
}

func (e *Engine) resolved(out Resolved) {
	e.logger.Info("Conflict resolved",
		zap.Int64("session_id", out.SessionID),
		zap.String("resolution", string(out.Resolution)),
		zap.String("local_state", string(out.LocalState)),
		zap.String("remote_state", string(out.RemoteState)),
		zap.String("final_state", string(out.FinalState)),
		zap.Int("records", out.Records))
	e.opts.Pub.Publish(broadcast.Event{Type: broadcast.EventConflict, SessionID: out.SessionID, At: e.opts.Now(), Data: out})
	e.Trigger()
}

// ResolveRecord settles one conflicted sync record by id.
//
//   - keep_local and merge requeue the upload under the same idempotency
//     key with its attempts reset. The backend applies an upload once per
//     key, so merging append-only data means sending it again.
//   - keep_remote settles the record as acknowledged without uploading.
//
// A session record resolves its whole session through ResolveConflict.
func (e *Engine) ResolveRecord(ctx context.Context, id uuid.UUID, res domain.Resolution) (domain.SyncRecord, error) {
	if !res.Valid() {
		return domain.SyncRecord{}, fmt.Errorf("%w: %q", ErrUnknownResolution, res)
	}
	rec, err := e.store.GetSyncRecord(ctx, id)
	if err != nil {
		return domain.SyncRecord{}, err
	}
	if rec.Status != domain.SyncConflicted {
		return rec, ErrRecordNotConflicted
	}
	if rec.Kind == domain.KindSession {
		if _, err := e.ResolveConflict(ctx, rec.SessionID, res); err != nil {
			return rec, err
		}
		return e.store.GetSyncRecord(ctx, id)
	}

	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()
	// Re-read under the cycle lock: a concurrent resolution may have won.
	if rec, err = e.store.GetSyncRecord(ctx, id); err != nil {
		return rec, err
	}
	if rec.Status != domain.SyncConflicted {
		return rec, ErrRecordNotConflicted
	}
	rec = e.settle(rec, res)
	if err := e.store.UpdateSyncRecord(ctx, rec); err != nil {
		return rec, err
	}
	e.logger.Info("Sync record resolved",
		zap.String("key", rec.IdempotencyKey()),
		zap.String("resolution", string(res)),
		zap.String("status", string(rec.Status)))
	e.opts.Pub.Publish(broadcast.Event{Type: broadcast.EventConflict, SessionID: rec.SessionID, At: rec.UpdatedAt, Data: rec})
	e.Trigger()
	return rec, nil
}

// settle applies res to a conflicted sample, annotation or baseline record.
func (e *Engine) settle(rec domain.SyncRecord, res domain.Resolution) domain.SyncRecord {
	now := e.opts.Now()
	rec.UpdatedAt = now
	if res == domain.ResolveKeepRemote {
		rec.Status = domain.SyncAcknowledged
		rec.NextAttemptAt = time.Time{}
		rec.LastError = "settled by keep_remote resolution"
		return rec
	}
	rec.Status = domain.SyncPending
	rec.Attempts = 0
	rec.NextAttemptAt = now
	rec.LastError = ""
	return rec
}

func (e *Engine) settleAll(ctx context.Context, recs []domain.SyncRecord, res domain.Resolution) (int, error) {
	for i, rec := range recs {
		if err := e.store.UpdateSyncRecord(ctx, e.settle(rec, res)); err != nil {
			return i, err
		}
	}
	return len(recs), nil
}

// conflictedData lists the session's conflicted records other than session
// pushes.
func (e *Engine) conflictedData(ctx context.Context, sessionID int64) ([]domain.SyncRecord, error) {
	var out []domain.SyncRecord
	for rec, err := range e.store.SyncRecords(ctx, store.SyncFilter{
		SessionID: sessionID,
		Statuses:  []domain.SyncStatus{domain.SyncConflicted},
	}) {
		if err != nil {
			return nil, err
		}
		if rec.Kind != domain.KindSession {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (e *Engine) latestConflict(ctx context.Context, sessionID int64) (domain.SyncRecord, bool, error) {
	var (
		latest domain.SyncRecord
		found  bool
	)
	for rec, err := range e.store.SyncRecords(ctx, store.SyncFilter{
		SessionID: sessionID,
		Statuses:  []domain.SyncStatus{domain.SyncConflicted},
	}) {
		if err != nil {
			return latest, false, err
		}
		if rec.Kind == domain.KindSession && rec.RemoteVersion > 0 {
			latest, found = rec, true
		}
	}
	return latest, found, nil
}

// adopt moves the session to the remote state through the live machine if
// one is registered, else directly in the store.
func (e *Engine) adopt(ctx context.Context, sessionID int64, to domain.State) error {
	e.adoptMu.RLock()
	a := e.adopter
	e.adoptMu.RUnlock()
	if a != nil {
		err := a.Adopt(ctx, sessionID, to)
		if err == nil || !errors.Is(err, ErrNoLiveSession) {
			return err
		}
	}

	log, err := e.store.TransitionLog(ctx, sessionID)
	if err != nil {
		return err
	}
	from := domain.StatePetSelection
	if len(log) > 0 {
		from = log[len(log)-1].To
	}
	if from == to {
		return nil
	}
	t := domain.Transition{
		SessionID: sessionID,
		Seq:       len(log) + 1,
		From:      from,
		To:        to,
		Event:     domain.EventAdoptRemote,
		Actor:     "sync",
		Source:    domain.SourceRemote,
		At:        e.opts.Now().UTC(),
	}
	if err := e.store.AppendTransition(ctx, t); err != nil {
		return err
	}
	return e.insertSessionRecord(ctx, sessionID, t.Seq, e.opts.Now())
}

// ErrNoLiveSession is returned by an Adopter that does not run the session.
var ErrNoLiveSession = errors.New("no live state machine for session")
