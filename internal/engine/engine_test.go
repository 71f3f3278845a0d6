package engine

import (
	"context"
	"errors"
	"io"
	"net"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/septivank/vetsync-engine/internal/broadcast"
	"github.com/septivank/vetsync-engine/internal/config"
	"github.com/septivank/vetsync-engine/internal/domain"
	"github.com/septivank/vetsync-engine/internal/session"
	"github.com/septivank/vetsync-engine/internal/store"
	"github.com/septivank/vetsync-engine/internal/syncer"
	"github.com/septivank/vetsync-engine/internal/telemetry"
	"github.com/septivank/vetsync-engine/internal/telemetry/replay"
	"github.com/septivank/vetsync-engine/internal/vitals"
)

var t0 = time.Date(2026, 9, 14, 7, 30, 0, 0, time.UTC)

func openStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "engine.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

type eventLog struct {
	mu     sync.Mutex
	events []broadcast.Event
}

func (e *eventLog) Publish(ev broadcast.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, ev)
}

func (e *eventLog) count(t broadcast.EventType) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, ev := range e.events {
		if ev.Type == t {
			n++
		}
	}
	return n
}

type syncSpy struct {
	mu          sync.Mutex
	samples     int
	annotations int
	baselines   int
	changes     []int
	backfills   []int64
}

func (s *syncSpy) Enqueue(_ context.Context, entity any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch entity.(type) {
	case domain.VitalSample:
		s.samples++
	case domain.Annotation:
		s.annotations++
	case domain.BaselineData:
		s.baselines++
	}
	return nil
}

func (s *syncSpy) SessionChanged(_ context.Context, _ int64, logLen int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.changes = append(s.changes, logLen)
	return nil
}

func (s *syncSpy) Backfill(_ context.Context, sessionID int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.backfills = append(s.backfills, sessionID)
	return 0, nil
}

func (s *syncSpy) snapshot() syncSpy {
	s.mu.Lock()
	defer s.mu.Unlock()
	return syncSpy{samples: s.samples, annotations: s.annotations, baselines: s.baselines,
		changes: append([]int(nil), s.changes...), backfills: append([]int64(nil), s.backfills...)}
}

// tick returns a clock that advances step on every call, standing in for
// frames arriving in real time.
func tick(start time.Time, step time.Duration) func() time.Time {
	var n atomic.Int64
	return func() time.Time {
		return start.Add(time.Duration(n.Add(1)) * step)
	}
}

func testOptions() Options {
	return Options{
		DeviceID: "tablet-1",
		Extractor: config.ExtractorConfig{
			SampleRateHz:     50,
			EmitInterval:     500 * time.Millisecond,
			CardiacWindow:    8 * time.Second,
			RespWindow:       15 * time.Second,
			QualityThreshold: 0.5,
			MotionLimit:      0.25,
			GapTolerance:     2 * time.Second,
			WaveformEvery:    5,
		},
		Link:           telemetry.Options{BackoffBase: time.Second, BackoffMax: time.Minute, MaxAttempts: 3},
		Guards:         session.Guards{BaselineMinSamples: 120, BaselineMinSpan: time.Minute},
		DeviationSigma: 3,
		Now:            func() time.Time { return t0 },
	}
}

type harness struct {
	store  *store.Store
	engine *Engine
	sync   *syncSpy
	events *eventLog
}

func newHarness(t *testing.T, st *store.Store, tr telemetry.Transport, opts Options) *harness {
	t.Helper()
	h := &harness{store: st, sync: &syncSpy{}, events: &eventLog{}}
	h.engine = New(Params{Store: st, Sync: h.sync, Pub: h.events, Transport: tr, Options: opts})
	t.Cleanup(func() { h.engine.Close() })
	return h
}

// pairedSession walks a new session into BaselineCollection on collar VC-1.
func (h *harness) pairedSession(t *testing.T) *SessionContext {
	t.Helper()
	ctx := context.Background()
	sc, err := h.engine.StartSession(ctx)
	require.NoError(t, err)
	a, err := h.engine.RegisterAnimal(ctx, domain.Animal{Name: "Rex", Species: domain.SpeciesDog, WeightKg: 24})
	require.NoError(t, err)
	st, err := sc.SelectAnimal(ctx, a.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StateCollarPairing, st)
	st, err = sc.PairCollar(ctx, "VC-1")
	require.NoError(t, err)
	require.Equal(t, domain.StateBaselineCollection, st)
	return sc
}

func restingDog(d time.Duration) []domain.RawFrame {
	return vitals.Synth{
		CollarID:        "VC-1",
		SampleRateHz:    50,
		HeartRate:       88,
		RespirationRate: 20,
		PulseAmplitude:  0.05,
		TemperatureC:    38.4,
		Start:           t0,
	}.Frames(d)
}

// holdCollar serves one connection that stays open until hangUp; every
// later dial fails.
type holdCollar struct {
	mu    sync.Mutex
	dials int
	hang  chan struct{}
}

func newHoldCollar() *holdCollar { return &holdCollar{hang: make(chan struct{})} }

func (c *holdCollar) hangUp() { close(c.hang) }

func (c *holdCollar) Scan(context.Context) ([]telemetry.ScanResult, error) {
	return []telemetry.ScanResult{{CollarID: "VC-1", RSSI: -60}}, nil
}

func (c *holdCollar) Dial(context.Context, string) (telemetry.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dials++
	if c.dials > 1 {
		return nil, errors.New("collar out of range")
	}
	return &holdConn{hang: c.hang, closed: make(chan struct{})}, nil
}

type holdConn struct {
	hang   chan struct{}
	once   sync.Once
	closed chan struct{}
}

func (c *holdConn) ReadFrame(ctx context.Context) ([]byte, error) {
	select {
	case <-c.hang:
		return nil, io.EOF
	case <-c.closed:
		return nil, net.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *holdConn) RSSI() int { return -60 }

func (c *holdConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepRecorder) sleep(_ context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delays = append(s.delays, d)
	return nil
}

func (s *sleepRecorder) recorded() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.delays...)
}

func saveBaseline(t *testing.T, st *store.Store, sessionID int64) {
	t.Helper()
	require.NoError(t, st.SaveBaseline(context.Background(), domain.BaselineData{
		SessionID:       sessionID,
		HeartRate:       domain.MetricStats{Mean: 88, Variance: 4},
		RespirationRate: domain.MetricStats{Mean: 20, Variance: 4},
		Temperature:     domain.MetricStats{Mean: 38.4, Variance: 0.01},
		SampleCount:     120,
		Span:            time.Minute,
		ComputedAt:      t0,
	}))
}

func TestBaselineCollectedFromStream(t *testing.T) {
	st := openStore(t)
	tr := &replay.Transport{Collar: telemetry.ScanResult{CollarID: "VC-1", RSSI: -55}, Frames: restingDog(75 * time.Second), Hold: true}
	opts := testOptions()
	opts.Link.Now = tick(t0, 20*time.Millisecond)
	h := newHarness(t, st, tr, opts)
	ctx := context.Background()

	sc := h.pairedSession(t)

	require.Eventually(t, func() bool {
		b, err := st.GetBaseline(ctx, sc.ID)
		return err == nil && b.SampleCount >= 120 && b.Span >= time.Minute
	}, 20*time.Second, 10*time.Millisecond)

	state, err := sc.Transition(ctx, domain.EventCompleteBaseline)
	require.NoError(t, err)
	assert.Equal(t, domain.StatePreSurgery, state)

	b, err := st.GetBaseline(ctx, sc.ID)
	require.NoError(t, err)
	assert.True(t, b.Frozen)
	assert.GreaterOrEqual(t, b.SampleCount, 120)
	assert.InDelta(t, 88, b.HeartRate.Mean, 2)
	assert.InDelta(t, 38.4, b.Temperature.Mean, 0.1)
	assert.Less(t, b.HeartRate.Normal.Min, b.HeartRate.Mean)

	spy := h.sync.snapshot()
	assert.Equal(t, 1, spy.baselines)
	assert.GreaterOrEqual(t, spy.samples, 120)
	assert.Equal(t, []int{1, 2, 3}, spy.changes)

	inPairing, err := st.SampleCount(ctx, sc.ID, domain.StateCollarPairing)
	require.NoError(t, err)
	assert.Zero(t, inPairing)
	assert.Positive(t, h.events.count(broadcast.EventVitals))
	assert.Positive(t, h.events.count(broadcast.EventWaveform))
}

func steadySample(i int) domain.VitalSample {
	return domain.VitalSample{
		HeartRate:       88,
		RespirationRate: 20,
		Temperature:     38.4,
		RecordedAt:      t0.Add(time.Duration(i) * 500 * time.Millisecond),
	}
}

func TestBaselineOfOneMinuteAtTwoHertzCompletes(t *testing.T) {
	st := openStore(t)
	h := newHarness(t, st, newHoldCollar(), testOptions())
	ctx := context.Background()

	sc := h.pairedSession(t)
	for i := 0; i < 120; i++ {
		require.NoError(t, sc.process(ctx, steadySample(i)))
	}

	b, err := st.GetBaseline(ctx, sc.ID)
	require.NoError(t, err)
	assert.Equal(t, 120, b.SampleCount)
	assert.Equal(t, time.Minute, b.Span)
	assert.InDelta(t, 88, b.HeartRate.Mean, 1e-9)
	assert.Less(t, b.HeartRate.Normal.Min, b.HeartRate.Mean, "steady input still gets a band")

	state, err := sc.Transition(ctx, domain.EventCompleteBaseline)
	require.NoError(t, err)
	assert.Equal(t, domain.StatePreSurgery, state)
}

func TestFrozenBaselineCoversEveryBaselineSample(t *testing.T) {
	st := openStore(t)
	h := newHarness(t, st, newHoldCollar(), testOptions())
	ctx := context.Background()

	sc := h.pairedSession(t)
	for i := 0; i < 120; i++ {
		require.NoError(t, sc.process(ctx, steadySample(i)))
	}

	errs := make(chan error, 1)
	go func() {
		for i := 120; i < 320; i++ {
			if err := sc.process(ctx, steadySample(i)); err != nil {
				errs <- err
				return
			}
		}
		errs <- nil
	}()
	_, err := sc.Transition(ctx, domain.EventCompleteBaseline)
	require.NoError(t, err)
	require.NoError(t, <-errs)

	inBaseline, err := st.SampleCount(ctx, sc.ID, domain.StateBaselineCollection)
	require.NoError(t, err)
	b, err := st.GetBaseline(ctx, sc.ID)
	require.NoError(t, err)
	assert.True(t, b.Frozen)
	assert.Equal(t, inBaseline, b.SampleCount)
}

func TestStorageErrorWhileStoppingIsNotAFailure(t *testing.T) {
	st := openStore(t)
	h := newHarness(t, st, newHoldCollar(), testOptions())

	sc := h.pairedSession(t)
	stopped, cancel := context.WithCancel(context.Background())
	cancel()
	storageErr := &store.StorageError{Op: "insert sample", Err: context.Canceled}

	assert.NoError(t, sc.stepError(stopped, storageErr))
	assert.NoError(t, sc.Err())
	assert.Zero(t, h.events.count(broadcast.EventStorageFailure))

	assert.ErrorIs(t, sc.stepError(context.Background(), storageErr), context.Canceled)
	assert.Error(t, sc.Err())
	assert.Equal(t, 1, h.events.count(broadcast.EventStorageFailure))
}

func TestLinkLossDuringSurgeryKeepsState(t *testing.T) {
	st := openStore(t)
	collar := newHoldCollar()
	sleeps := &sleepRecorder{}
	opts := testOptions()
	opts.Link.Sleep = sleeps.sleep
	h := newHarness(t, st, collar, opts)
	ctx := context.Background()

	sc := h.pairedSession(t)
	saveBaseline(t, st, sc.ID)
	_, err := sc.Transition(ctx, domain.EventCompleteBaseline)
	require.NoError(t, err)
	_, err = sc.Transition(ctx, domain.EventStartSurgery)
	require.NoError(t, err)

	collar.hangUp()
	require.Eventually(t, sc.Link.Lost, 5*time.Second, 5*time.Millisecond)

	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, sleeps.recorded())
	assert.True(t, sc.Link.CurrentSignalQuality().Degraded)
	assert.Positive(t, h.events.count(broadcast.EventLinkDegraded))
	assert.Equal(t, 1, h.events.count(broadcast.EventLinkLost))
	assert.Equal(t, domain.StateSurgery, sc.State())

	_, err = sc.Transition(ctx, domain.EventBeginCalibration)
	assert.ErrorIs(t, err, session.ErrGuardRejected)
	assert.Equal(t, domain.StateSurgery, sc.State())

	assert.Error(t, sc.Reconnect(ctx))
	assert.NoError(t, sc.Err())
}

func TestSamplesOutsideSamplingStatesAreDropped(t *testing.T) {
	st := openStore(t)
	h := newHarness(t, st, newHoldCollar(), testOptions())
	ctx := context.Background()

	sc, err := h.engine.StartSession(ctx)
	require.NoError(t, err)

	require.NoError(t, sc.process(ctx, domain.VitalSample{HeartRate: 90, RecordedAt: t0}))

	n, err := st.SampleCount(ctx, sc.ID, "")
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, h.events.count(broadcast.EventVitals))
	assert.Zero(t, h.sync.snapshot().samples)
}

func TestDeviationDuringSurgeryRaisesAlert(t *testing.T) {
	st := openStore(t)
	h := newHarness(t, st, newHoldCollar(), testOptions())
	ctx := context.Background()

	sc := h.pairedSession(t)
	saveBaseline(t, st, sc.ID)
	_, err := sc.Transition(ctx, domain.EventCompleteBaseline)
	require.NoError(t, err)
	_, err = sc.Transition(ctx, domain.EventStartSurgery)
	require.NoError(t, err)

	require.NoError(t, sc.process(ctx, domain.VitalSample{HeartRate: 90, RespirationRate: 20, Temperature: 38.4, RecordedAt: t0.Add(time.Minute)}))
	assert.Zero(t, h.events.count(broadcast.EventVitalsAlert))

	require.NoError(t, sc.process(ctx, domain.VitalSample{HeartRate: 130, RespirationRate: 20, Temperature: 38.4, RecordedAt: t0.Add(2 * time.Minute)}))
	assert.Equal(t, 1, h.events.count(broadcast.EventVitalsAlert))

	annotations, err := store.Collect(st.Annotations(ctx, sc.ID, store.TimeRange{}))
	require.NoError(t, err)
	require.Len(t, annotations, 1)
	assert.Equal(t, domain.AnnotationAlert, annotations[0].Code)
	assert.Contains(t, annotations[0].Text, "heart_rate")
	assert.Equal(t, "engine", annotations[0].Author)

	samples, err := store.Collect(st.Samples(ctx, sc.ID, store.SeqRange{}))
	require.NoError(t, err)
	require.Len(t, samples, 2)
	assert.Equal(t, int64(2), samples[1].Seq)
	assert.Equal(t, domain.StateSurgery, samples[1].State)

	spy := h.sync.snapshot()
	assert.Equal(t, 2, spy.samples)
	assert.Equal(t, 1, spy.annotations)
}

func TestStorageFailureHaltsPipeline(t *testing.T) {
	st := openStore(t)
	tr := &replay.Synthetic{
		Collar:  telemetry.ScanResult{CollarID: "VC-1"},
		Synth:   vitals.Synth{CollarID: "VC-1", SampleRateHz: 50, HeartRate: 88, RespirationRate: 20, PulseAmplitude: 0.05, TemperatureC: 38.4, Start: t0},
		Unpaced: true,
	}
	h := newHarness(t, st, tr, testOptions())
	ctx := context.Background()

	sc := h.pairedSession(t)
	require.Eventually(t, func() bool {
		n, err := st.SampleCount(ctx, sc.ID, "")
		return err == nil && n > 0
	}, 20*time.Second, 10*time.Millisecond)

	require.NoError(t, st.Close())

	require.Eventually(t, func() bool { return sc.Err() != nil }, 20*time.Second, 10*time.Millisecond)
	var se *store.StorageError
	assert.ErrorAs(t, sc.Err(), &se)
	assert.Equal(t, 1, h.events.count(broadcast.EventStorageFailure))

	_, err := sc.Transition(ctx, domain.EventCancel)
	assert.ErrorAs(t, err, &se)
	assert.ErrorIs(t, h.engine.Adopt(ctx, sc.ID, domain.StateCancelled), syncer.ErrNoLiveSession)
}

func TestResumeContinuesSession(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()
	frames := restingDog(30 * time.Second)

	first := newHarness(t, st, &replay.Transport{Collar: telemetry.ScanResult{CollarID: "VC-1"}, Frames: frames, Hold: true}, testOptions())
	sc := first.pairedSession(t)
	require.Eventually(t, func() bool {
		n, err := st.SampleCount(ctx, sc.ID, domain.StateBaselineCollection)
		return err == nil && n >= 10
	}, 20*time.Second, 10*time.Millisecond)
	require.NoError(t, first.engine.Close())

	before, err := st.LastSampleSeq(ctx, sc.ID)
	require.NoError(t, err)

	tr := &replay.Transport{Collar: telemetry.ScanResult{CollarID: "VC-1"}, Frames: frames, Hold: true}
	second := newHarness(t, st, tr, testOptions())
	resumed, ok, err := second.engine.Resume(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, sc.ID, resumed.ID)
	assert.Equal(t, domain.StateBaselineCollection, resumed.State())
	assert.Equal(t, []int64{sc.ID}, second.sync.snapshot().backfills)

	require.Eventually(t, func() bool {
		if tr.Delivered() < len(frames) {
			return false
		}
		stored, err := st.SampleCount(ctx, sc.ID, domain.StateBaselineCollection)
		if err != nil {
			return false
		}
		b, err := st.GetBaseline(ctx, sc.ID)
		return err == nil && b.SampleCount == stored
	}, 20*time.Second, 10*time.Millisecond)

	after, err := st.LastSampleSeq(ctx, sc.ID)
	require.NoError(t, err)
	assert.Greater(t, after, before)
	assert.True(t, resumed.Link.Connected())
}

func TestResumeWithoutActiveSession(t *testing.T) {
	h := newHarness(t, openStore(t), newHoldCollar(), testOptions())

	sc, ok, err := h.engine.Resume(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, sc)
}

func TestAdoptRoutesThroughLiveMachine(t *testing.T) {
	st := openStore(t)
	h := newHarness(t, st, newHoldCollar(), testOptions())
	ctx := context.Background()

	assert.ErrorIs(t, h.engine.Adopt(ctx, 99, domain.StateComplete), syncer.ErrNoLiveSession)

	sc, err := h.engine.StartSession(ctx)
	require.NoError(t, err)
	require.NoError(t, h.engine.Adopt(ctx, sc.ID, domain.StateCancelled))

	_, live := h.engine.Session(sc.ID)
	assert.False(t, live)
	sess, err := st.GetSession(ctx, sc.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateCancelled, sess.State)

	_, active, err := st.ActiveSession(ctx, "tablet-1")
	require.NoError(t, err)
	assert.False(t, active)
}

func TestStartSessionRejectsSecondActive(t *testing.T) {
	h := newHarness(t, openStore(t), newHoldCollar(), testOptions())
	ctx := context.Background()

	_, err := h.engine.StartSession(ctx)
	require.NoError(t, err)
	_, err = h.engine.StartSession(ctx)
	assert.ErrorIs(t, err, store.ErrSessionActive)
}

func TestPairCollarOutOfOrder(t *testing.T) {
	h := newHarness(t, openStore(t), newHoldCollar(), testOptions())
	ctx := context.Background()

	sc, err := h.engine.StartSession(ctx)
	require.NoError(t, err)
	_, err = sc.PairCollar(ctx, "VC-1")
	assert.ErrorIs(t, err, session.ErrInvalidTransition)
	assert.False(t, sc.Link.Connected())
}

func TestScanRecordsCollars(t *testing.T) {
	st := openStore(t)
	tr := &replay.Transport{Collar: telemetry.ScanResult{CollarID: "VC-7", Name: "Collar 7", Firmware: "2.4.1", RSSI: -48, BatteryPct: 76}}
	h := newHarness(t, st, tr, testOptions())
	ctx := context.Background()

	collars, err := h.engine.Scan(ctx)
	require.NoError(t, err)
	require.Len(t, collars, 1)

	c, err := st.GetCollar(ctx, "VC-7")
	require.NoError(t, err)
	assert.Equal(t, "2.4.1", c.Firmware)
	assert.Equal(t, 76, c.BatteryPct)
	assert.WithinDuration(t, t0, c.LastSeenAt, 0)
}

func TestAnnotate(t *testing.T) {
	st := openStore(t)
	h := newHarness(t, st, newHoldCollar(), testOptions())
	ctx := context.Background()

	sc, err := h.engine.StartSession(ctx)
	require.NoError(t, err)
	a, err := sc.Annotate(ctx, "", "premedication given", "dr.vega", time.Time{})
	require.NoError(t, err)
	assert.Equal(t, domain.AnnotationNote, a.Code)
	assert.WithinDuration(t, t0, a.At, 0)

	got, err := st.GetAnnotation(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "premedication given", got.Text)
	assert.Equal(t, 1, h.sync.snapshot().annotations)
}

func TestRegisterAnimalFillsRanges(t *testing.T) {
	h := newHarness(t, openStore(t), newHoldCollar(), testOptions())

	a, err := h.engine.RegisterAnimal(context.Background(), domain.Animal{Name: "Miso", Species: domain.SpeciesCat, WeightKg: 4})
	require.NoError(t, err)
	assert.NotZero(t, a.ID)
	assert.Equal(t, domain.Range{Min: 140, Max: 220}, a.Ranges.HeartRate)
}

func TestBaselineAccumulator(t *testing.T) {
	var acc baselineAcc
	for i, hr := range []float64{86, 88, 90} {
		acc.add(domain.VitalSample{HeartRate: hr, Temperature: 38.4, RecordedAt: t0.Add(time.Duration(i) * 30 * time.Second)})
	}
	b := acc.data(5, t0)
	assert.Equal(t, 3, b.SampleCount)
	assert.Equal(t, time.Minute, b.Span)
	assert.InDelta(t, 88, b.HeartRate.Mean, 1e-9)
	assert.InDelta(t, 4, b.HeartRate.Variance, 1e-9)
	assert.InDelta(t, 84, b.HeartRate.Normal.Min, 1e-9)
	assert.Zero(t, b.RespirationRate.Mean, "unavailable respiration is skipped")
}
