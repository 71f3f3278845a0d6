package syncer

import (
	"context"
	"errors"
	"math/rand"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/septivank/vetsync-engine/internal/domain"
	"github.com/septivank/vetsync-engine/internal/protocol"
	"github.com/septivank/vetsync-engine/internal/session"
	"github.com/septivank/vetsync-engine/internal/store"
)

var t0 = time.Date(2026, 7, 3, 10, 0, 0, 0, time.UTC)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type tempErr struct{ msg string }

func (e *tempErr) Error() string   { return e.msg }
func (e *tempErr) Temporary() bool { return true }

type remoteSession struct {
	version int64
	state   domain.State
}

// fakeBackend versions sessions and applies uploads once per idempotency
// key. fail, when set, is consulted before and after applying an upload.
type fakeBackend struct {
	mu          sync.Mutex
	sessions    map[int64]*remoteSession
	keys        map[string]bool
	samples     map[int64]map[int64]bool
	annotations map[string]bool
	baselines   map[int64]bool
	healthErr   error

	// fail returns (errBefore, errAfter): errBefore aborts the upload,
	// errAfter loses the response of an applied upload.
	fail func(kind domain.EntityKind) (error, error)
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		sessions:    map[int64]*remoteSession{},
		keys:        map[string]bool{},
		samples:     map[int64]map[int64]bool{},
		annotations: map[string]bool{},
		baselines:   map[int64]bool{},
	}
}

func (b *fakeBackend) faults(kind domain.EntityKind) (error, error) {
	if b.fail == nil {
		return nil, nil
	}
	return b.fail(kind)
}

func (b *fakeBackend) PushSession(_ context.Context, key string, p protocol.SessionPush) (protocol.SessionAck, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	before, after := b.faults(domain.KindSession)
	if before != nil {
		return protocol.SessionAck{}, before
	}
	r := b.sessions[p.SessionID]
	if r == nil {
		r = &remoteSession{}
		b.sessions[p.SessionID] = r
	}
	key = p.DeviceID + "|" + key
	if !b.keys[key] {
		if p.BaseVersion < r.version {
			return protocol.SessionAck{}, &protocol.ConflictError{SessionID: p.SessionID, RemoteVersion: r.version, RemoteState: r.state}
		}
		r.version++
		r.state = p.State
		b.keys[key] = true
	}
	if after != nil {
		return protocol.SessionAck{}, after
	}
	return protocol.SessionAck{SessionID: p.SessionID, Version: r.version, State: r.state}, nil
}

func (b *fakeBackend) PushSamples(_ context.Context, key string, batch protocol.SampleBatch) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	before, after := b.faults(domain.KindSampleBatch)
	if before != nil {
		return before
	}
	if b.samples[batch.SessionID] == nil {
		b.samples[batch.SessionID] = map[int64]bool{}
	}
	for _, v := range batch.Samples {
		b.samples[batch.SessionID][v.Seq] = true
	}
	b.keys[key] = true
	return after
}

func (b *fakeBackend) PushAnnotation(_ context.Context, key string, a domain.Annotation) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	before, after := b.faults(domain.KindAnnotation)
	if before != nil {
		return before
	}
	b.annotations[a.ID.String()] = true
	b.keys[key] = true
	return after
}

func (b *fakeBackend) PushBaseline(_ context.Context, key string, bl domain.BaselineData) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	before, after := b.faults(domain.KindBaseline)
	if before != nil {
		return before
	}
	b.baselines[bl.SessionID] = true
	b.keys[key] = true
	return after
}

func (b *fakeBackend) FetchSession(_ context.Context, id int64) (protocol.RemoteSession, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r := b.sessions[id]
	if r == nil {
		return protocol.RemoteSession{}, errors.New("not found")
	}
	return protocol.RemoteSession{SessionID: id, Version: r.version, State: r.state}, nil
}

func (b *fakeBackend) Health(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.healthErr
}

func (b *fakeBackend) remote(id int64) remoteSession {
	b.mu.Lock()
	defer b.mu.Unlock()
	if r := b.sessions[id]; r != nil {
		return *r
	}
	return remoteSession{}
}

// flaky returns a fault function failing a share of uploads with transient
// errors (half of them after applying) and a smaller share permanently.
func flaky(seed int64, transient, permanent float64) func(domain.EntityKind) (error, error) {
	rnd := rand.New(rand.NewSource(seed))
	return func(domain.EntityKind) (error, error) {
		r := rnd.Float64()
		switch {
		case r < permanent:
			return &PermanentError{Err: errors.New("rejected")}, nil
		case r < permanent+transient/2:
			return &tempErr{"connection reset"}, nil
		case r < permanent+transient:
			return nil, &tempErr{"response lost"}
		}
		return nil, nil
	}
}

func openStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "vetsync.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func newEngine(st *store.Store, b Backend, c *clock, device string, batch int) *Engine {
	return New(st, b, Options{
		DeviceID:    device,
		BatchSize:   batch,
		BackoffBase: 2 * time.Second,
		BackoffMax:  time.Minute,
		MaxAttempts: 5,
		Now:         c.Now,
	})
}

// walk appends transitions for events directly to the store.
func walk(t *testing.T, st *store.Store, sessionID int64, events ...domain.Event) {
	t.Helper()
	ctx := context.Background()
	log, err := st.TransitionLog(ctx, sessionID)
	require.NoError(t, err)
	state, err := session.Replay(log)
	require.NoError(t, err)
	for _, ev := range events {
		to, ok := session.Next(state, ev)
		require.True(t, ok, "%s from %s", ev, state)
		require.NoError(t, st.AppendTransition(ctx, domain.Transition{
			SessionID: sessionID, Seq: len(log) + 1, From: state, To: to, Event: ev,
			Source: domain.SourceLocal, At: t0,
		}))
		log = append(log, domain.Transition{})
		state = to
	}
}

var toEndSession = []domain.Event{
	domain.EventSelectAnimal, domain.EventPairCollar, domain.EventCompleteBaseline, domain.EventStartSurgery,
	domain.EventBeginCalibration, domain.EventBeginRecovery, domain.EventEndMonitoring,
}

func sample(sessionID, seq int64) domain.VitalSample {
	return domain.VitalSample{
		SessionID: sessionID, Seq: seq, RecordedAt: t0.Add(time.Duration(seq) * 500 * time.Millisecond),
		HeartRate: 90, RespirationRate: 18, State: domain.StateSurgery,
	}
}
