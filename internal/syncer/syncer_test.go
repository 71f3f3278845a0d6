package syncer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/septivank/vetsync-engine/internal/broadcast"
	"github.com/septivank/vetsync-engine/internal/domain"
	"github.com/septivank/vetsync-engine/internal/protocol"
	"github.com/septivank/vetsync-engine/internal/store"
)

func records(t *testing.T, st *store.Store, sessionID int64) []domain.SyncRecord {
	t.Helper()
	recs, err := store.Collect(st.SyncRecords(context.Background(), store.SyncFilter{SessionID: sessionID}))
	require.NoError(t, err)
	return recs
}

func appendSamples(t *testing.T, st *store.Store, e *Engine, sessionID, from, to int64) {
	t.Helper()
	ctx := context.Background()
	for seq := from; seq <= to; seq++ {
		v := sample(sessionID, seq)
		require.NoError(t, st.AppendSample(ctx, v))
		require.NoError(t, e.Enqueue(ctx, v))
	}
}

func TestEnqueueBatchesSamples(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)
	c := &clock{t: t0}
	b := newFakeBackend()
	e := newEngine(st, b, c, "tablet-1", 3)

	sess, err := st.CreateSession(ctx, "tablet-1", t0)
	require.NoError(t, err)
	appendSamples(t, st, e, sess.ID, 1, 7)

	recs := records(t, st, sess.ID)
	require.Len(t, recs, 3)
	assert.Equal(t, "1:sample_batch:1-3", recs[0].IdempotencyKey())
	assert.True(t, recs[0].Sealed)
	assert.Equal(t, "1:sample_batch:4-6", recs[1].IdempotencyKey())
	assert.True(t, recs[1].Sealed)
	assert.Equal(t, "1:sample_batch:7-7", recs[2].IdempotencyKey())
	assert.False(t, recs[2].Sealed)

	// Re-enqueueing a covered sample is a no-op.
	require.NoError(t, e.Enqueue(ctx, sample(sess.ID, 7)))
	assert.Len(t, records(t, st, sess.ID), 3)

	report, err := e.RunSyncCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Sealed)
	assert.Equal(t, 3, report.Acknowledged)
	assert.Len(t, b.samples[sess.ID], 7)

	for _, rec := range records(t, st, sess.ID) {
		assert.Equal(t, domain.SyncAcknowledged, rec.Status)
		assert.Equal(t, 1, rec.Attempts)
	}
}

func TestEnqueueOtherEntities(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)
	c := &clock{t: t0}
	b := newFakeBackend()
	e := newEngine(st, b, c, "tablet-1", 10)

	sess, err := st.CreateSession(ctx, "tablet-1", t0)
	require.NoError(t, err)
	a := domain.Annotation{ID: uuid.New(), SessionID: sess.ID, At: t0, Code: domain.AnnotationInduction, CreatedAt: t0}
	require.NoError(t, st.AppendAnnotation(ctx, a))
	require.NoError(t, e.Enqueue(ctx, a))
	require.NoError(t, st.SaveBaseline(ctx, domain.BaselineData{SessionID: sess.ID, SampleCount: 120, ComputedAt: t0}))
	require.NoError(t, e.Enqueue(ctx, domain.BaselineData{SessionID: sess.ID}))
	walk(t, st, sess.ID, domain.EventSelectAnimal)
	require.NoError(t, e.Enqueue(ctx, sess))
	assert.Error(t, e.Enqueue(ctx, "nope"))

	keys := []string{}
	for _, rec := range records(t, st, sess.ID) {
		keys = append(keys, rec.IdempotencyKey())
	}
	assert.Equal(t, []string{
		fmt.Sprintf("1:annotation:%s", a.ID),
		"1:baseline:frozen",
		"1:session:1",
	}, keys)

	report, err := e.RunSyncCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Acknowledged)
	assert.True(t, b.annotations[a.ID.String()])
	assert.True(t, b.baselines[sess.ID])
	assert.Equal(t, domain.StateCollarPairing, b.remote(sess.ID).state)

	got, err := st.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.RemoteVersion)
}

func TestTransientFailureBacksOff(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)
	c := &clock{t: t0}
	b := newFakeBackend()
	failures := 2
	b.fail = func(domain.EntityKind) (error, error) {
		if failures > 0 {
			failures--
			return &tempErr{"503 service unavailable"}, nil
		}
		return nil, nil
	}
	e := newEngine(st, b, c, "tablet-1", 2)
	sess, err := st.CreateSession(ctx, "tablet-1", t0)
	require.NoError(t, err)
	appendSamples(t, st, e, sess.ID, 1, 4)

	report, err := e.RunSyncCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Retrying)
	// The second batch waits behind the first.
	assert.Equal(t, 1, report.Deferred)

	recs := records(t, st, sess.ID)
	assert.Equal(t, domain.SyncPending, recs[0].Status)
	assert.Equal(t, t0.Add(2*time.Second), recs[0].NextAttemptAt)
	assert.Contains(t, recs[0].LastError, "transient")

	report, err = e.RunSyncCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Attempted)

	c.Advance(2 * time.Second)
	report, err = e.RunSyncCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Retrying)
	recs = records(t, st, sess.ID)
	assert.Equal(t, c.Now().Add(4*time.Second), recs[0].NextAttemptAt)

	c.Advance(4 * time.Second)
	report, err = e.RunSyncCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Acknowledged)
	recs = records(t, st, sess.ID)
	assert.Equal(t, 3, recs[0].Attempts)
	assert.Equal(t, 1, recs[1].Attempts)
}

func TestPermanentRejectionConflictsRecord(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)
	c := &clock{t: t0}
	b := newFakeBackend()
	b.fail = func(domain.EntityKind) (error, error) {
		return &PermanentError{Err: fmt.Errorf("422 invalid batch")}, nil
	}
	e := newEngine(st, b, c, "tablet-1", 2)
	sess, err := st.CreateSession(ctx, "tablet-1", t0)
	require.NoError(t, err)
	appendSamples(t, st, e, sess.ID, 1, 2)

	report, err := e.RunSyncCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Conflicted)
	rec := records(t, st, sess.ID)[0]
	assert.Equal(t, domain.SyncConflicted, rec.Status)
	assert.Contains(t, rec.LastError, "permanent")
}

func TestAttemptCap(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)
	c := &clock{t: t0}
	b := newFakeBackend()
	b.fail = func(domain.EntityKind) (error, error) { return &tempErr{"timeout"}, nil }
	e := newEngine(st, b, c, "tablet-1", 1)
	sess, err := st.CreateSession(ctx, "tablet-1", t0)
	require.NoError(t, err)
	appendSamples(t, st, e, sess.ID, 1, 1)

	for i := 0; i < 5; i++ {
		_, err := e.RunSyncCycle(ctx)
		require.NoError(t, err)
		c.Advance(time.Minute)
	}
	rec := records(t, st, sess.ID)[0]
	assert.Equal(t, domain.SyncConflicted, rec.Status)
	assert.Equal(t, 5, rec.Attempts)
	assert.Contains(t, rec.LastError, "gave up after 5 attempts")
}

// stallingBackend holds sample uploads until the request context ends
// while stall is set.
type stallingBackend struct {
	*fakeBackend
	stall atomic.Bool
}

func (b *stallingBackend) PushSamples(ctx context.Context, key string, batch protocol.SampleBatch) error {
	if b.stall.Load() {
		<-ctx.Done()
		return ctx.Err()
	}
	return b.fakeBackend.PushSamples(ctx, key, batch)
}

func TestHungBackendTimesOutAndRetries(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)
	c := &clock{t: t0}
	b := &stallingBackend{fakeBackend: newFakeBackend()}
	b.stall.Store(true)
	e := New(st, b, Options{
		DeviceID:       "tablet-1",
		BatchSize:      2,
		RequestTimeout: 50 * time.Millisecond,
		BackoffBase:    2 * time.Second,
		BackoffMax:     time.Minute,
		MaxAttempts:    5,
		Now:            c.Now,
	})
	sess, err := st.CreateSession(ctx, "tablet-1", t0)
	require.NoError(t, err)
	appendSamples(t, st, e, sess.ID, 1, 2)

	start := time.Now()
	report, err := e.RunSyncCycle(ctx)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.False(t, report.Cancelled)
	assert.Equal(t, 1, report.Retrying)

	rec := records(t, st, sess.ID)[0]
	assert.Equal(t, domain.SyncPending, rec.Status)
	assert.Equal(t, 1, rec.Attempts)
	assert.Equal(t, t0.Add(2*time.Second), rec.NextAttemptAt)
	assert.Contains(t, rec.LastError, ErrSyncTimeout.Error())
	assert.Contains(t, rec.LastError, "transient")

	b.stall.Store(false)
	c.Advance(2 * time.Second)
	report, err = e.RunSyncCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Acknowledged)
	rec = records(t, st, sess.ID)[0]
	assert.Equal(t, domain.SyncAcknowledged, rec.Status)
	assert.Equal(t, 2, rec.Attempts)
	assert.Len(t, b.samples[sess.ID], 2)
}

func TestAttemptWrapsTimeout(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)
	b := &stallingBackend{fakeBackend: newFakeBackend()}
	b.stall.Store(true)
	e := New(st, b, Options{DeviceID: "tablet-1", BatchSize: 1, RequestTimeout: 20 * time.Millisecond, Now: (&clock{t: t0}).Now})
	sess, err := st.CreateSession(ctx, "tablet-1", t0)
	require.NoError(t, err)
	appendSamples(t, st, e, sess.ID, 1, 1)

	err = e.attempt(ctx, records(t, st, sess.ID)[0])
	var syncErr *SyncError
	require.ErrorAs(t, err, &syncErr)
	assert.True(t, syncErr.Transient)
	assert.Equal(t, "1:sample_batch:1-1", syncErr.Key)
	assert.ErrorIs(t, err, ErrSyncTimeout)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestIsTransient(t *testing.T) {
	assert.True(t, isTransient(fmt.Errorf("%w: read tcp", ErrSyncTimeout)))
	assert.True(t, isTransient(&net.OpError{Op: "dial", Err: errors.New("connection refused")}))
	assert.True(t, isTransient(&tempErr{"reset"}))
	assert.False(t, isTransient(&PermanentError{Err: errors.New("422")}))

	assert.True(t, isTimeout(fmt.Errorf("post: %w", context.DeadlineExceeded)))
	assert.False(t, isTimeout(errors.New("connection refused")))
}

func TestBackoffIsCapped(t *testing.T) {
	e := &Engine{opts: Options{BackoffBase: 2 * time.Second, BackoffMax: 30 * time.Second}}
	assert.Equal(t, 2*time.Second, e.backoff(1))
	assert.Equal(t, 4*time.Second, e.backoff(2))
	assert.Equal(t, 16*time.Second, e.backoff(4))
	assert.Equal(t, 30*time.Second, e.backoff(5))
	assert.Equal(t, 30*time.Second, e.backoff(40))
}

func TestCancelledUploadReturnsToPending(t *testing.T) {
	st := openStore(t)
	c := &clock{t: t0}
	b := newFakeBackend()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b.fail = func(domain.EntityKind) (error, error) {
		cancel()
		return context.Canceled, nil
	}
	e := newEngine(st, b, c, "tablet-1", 1)
	sess, err := st.CreateSession(context.Background(), "tablet-1", t0)
	require.NoError(t, err)
	appendSamples(t, st, e, sess.ID, 1, 2)

	report, err := e.RunSyncCycle(ctx)
	require.NoError(t, err)
	assert.True(t, report.Cancelled)

	for _, rec := range records(t, st, sess.ID) {
		assert.Equal(t, domain.SyncPending, rec.Status)
		assert.Equal(t, 0, rec.Attempts)
	}
}

func TestRequeueAfterCrash(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)
	c := &clock{t: t0}
	e := newEngine(st, newFakeBackend(), c, "tablet-1", 1)
	sess, err := st.CreateSession(ctx, "tablet-1", t0)
	require.NoError(t, err)
	appendSamples(t, st, e, sess.ID, 1, 1)
	rec := records(t, st, sess.ID)[0]
	require.NoError(t, st.MarkSyncStatus(ctx, rec.ID, domain.SyncInFlight))

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- e.Run(runCtx) }()
	assert.Eventually(t, func() bool {
		got, err := st.GetSyncRecord(ctx, rec.ID)
		return err == nil && got.Status == domain.SyncPending
	}, 2*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

func TestBackfillQueuesUncoveredEntities(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)
	c := &clock{t: t0}
	b := newFakeBackend()
	e := newEngine(st, b, c, "tablet-1", 10)
	sess, err := st.CreateSession(ctx, "tablet-1", t0)
	require.NoError(t, err)

	appendSamples(t, st, e, sess.ID, 1, 3)
	for seq := int64(4); seq <= 6; seq++ {
		require.NoError(t, st.AppendSample(ctx, sample(sess.ID, seq)))
	}
	a := domain.Annotation{ID: uuid.New(), SessionID: sess.ID, At: t0, Code: domain.AnnotationNote, CreatedAt: t0}
	require.NoError(t, st.AppendAnnotation(ctx, a))

	n, err := st.UnqueuedCount(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	queued, err := e.Backfill(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, queued)

	n, err = st.UnqueuedCount(ctx, sess.ID)
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = e.RunSyncCycle(ctx)
	require.NoError(t, err)
	assert.Len(t, b.samples[sess.ID], 6)
	assert.True(t, b.annotations[a.ID.String()])
}

// Every record settles under a flaky network, and everything acknowledged
// reached the backend.
func TestFlakyNetworkSettlesEveryRecord(t *testing.T) {
	for _, seed := range []int64{1, 7, 42} {
		t.Run(fmt.Sprintf("seed=%d", seed), func(t *testing.T) {
			ctx := context.Background()
			st := openStore(t)
			c := &clock{t: t0}
			b := newFakeBackend()
			b.fail = flaky(seed, 0.4, 0.05)

			var sessions []int64
			e := newEngine(st, b, c, "tablet-1", 8)
			for i := 0; i < 3; i++ {
				device := fmt.Sprintf("tablet-%d", i+1)
				sess, err := st.CreateSession(ctx, device, t0)
				require.NoError(t, err)
				sessions = append(sessions, sess.ID)

				walk(t, st, sess.ID, domain.EventSelectAnimal, domain.EventPairCollar)
				require.NoError(t, e.SessionChanged(ctx, sess.ID, 2))
				appendSamples(t, st, e, sess.ID, 1, 30)
				for j := 0; j < 3; j++ {
					a := domain.Annotation{ID: uuid.New(), SessionID: sess.ID, At: t0.Add(time.Duration(j) * time.Minute), Code: domain.AnnotationNote, CreatedAt: t0}
					require.NoError(t, st.AppendAnnotation(ctx, a))
					require.NoError(t, e.Enqueue(ctx, a))
				}
				walk(t, st, sess.ID, domain.EventCompleteBaseline)
				require.NoError(t, e.SessionChanged(ctx, sess.ID, 3))
			}

			for i := 0; i < 200; i++ {
				_, err := e.RunSyncCycle(ctx)
				require.NoError(t, err)
				c.Advance(time.Minute)
				unsettled := 0
				for _, id := range sessions {
					n, err := st.UnsettledCount(ctx, id)
					require.NoError(t, err)
					unsettled += n
				}
				if unsettled == 0 {
					break
				}
			}

			for _, id := range sessions {
				for _, rec := range records(t, st, id) {
					require.True(t, rec.Status.Settled(), "record %s is %s", rec.IdempotencyKey(), rec.Status)
					if rec.Status != domain.SyncAcknowledged {
						continue
					}
					switch rec.Kind {
					case domain.KindSampleBatch:
						for seq := rec.RangeFrom; seq <= rec.RangeTo; seq++ {
							assert.True(t, b.samples[id][seq], "sample %d of session %d", seq, id)
						}
					case domain.KindAnnotation:
						assert.True(t, b.annotations[rec.EntityRef])
					}
				}
			}
		})
	}
}

func TestRunSyncCyclePublishesReport(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)
	hub := broadcast.NewHub(nil)
	sub := hub.Subscribe("test", 4)
	e := New(st, newFakeBackend(), Options{Pub: hub, Now: (&clock{t: t0}).Now})

	_, err := e.RunSyncCycle(ctx)
	require.NoError(t, err)
	ev := <-sub.C
	assert.Equal(t, broadcast.EventSyncStatus, ev.Type)
	assert.IsType(t, SyncReport{}, ev.Data)
}
