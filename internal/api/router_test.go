package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/septivank/vetsync-engine/internal/api"
	"github.com/septivank/vetsync-engine/internal/broadcast"
	"github.com/septivank/vetsync-engine/internal/domain"
	"github.com/septivank/vetsync-engine/internal/engine"
	"github.com/septivank/vetsync-engine/internal/session"
	"github.com/septivank/vetsync-engine/internal/store"
	"github.com/septivank/vetsync-engine/internal/syncer"
	"github.com/septivank/vetsync-engine/internal/telemetry"
	"github.com/septivank/vetsync-engine/internal/telemetry/replay"
)

type fakeSync struct {
	mu        sync.Mutex
	triggered int
	resolve   func(id int64, res domain.Resolution) (syncer.Resolved, error)
	record    func(id uuid.UUID, res domain.Resolution) (domain.SyncRecord, error)
}

func (f *fakeSync) ResolveConflict(_ context.Context, id int64, res domain.Resolution) (syncer.Resolved, error) {
	f.mu.Lock()
	resolve := f.resolve
	f.mu.Unlock()
	return resolve(id, res)
}

func (f *fakeSync) ResolveRecord(_ context.Context, id uuid.UUID, res domain.Resolution) (domain.SyncRecord, error) {
	f.mu.Lock()
	record := f.record
	f.mu.Unlock()
	if record == nil {
		return domain.SyncRecord{}, syncer.ErrRecordNotConflicted
	}
	return record(id, res)
}

func (f *fakeSync) setRecord(fn func(id uuid.UUID, res domain.Resolution) (domain.SyncRecord, error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record = fn
}

func (f *fakeSync) Trigger() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.triggered++
}

func (f *fakeSync) setResolve(fn func(id int64, res domain.Resolution) (syncer.Resolved, error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resolve = fn
}

func (f *fakeSync) triggers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.triggered
}

type fixture struct {
	url   string
	store *store.Store
	hub   *broadcast.Hub
	sync  *fakeSync
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "api.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	hub := broadcast.NewHub(nil)
	t.Cleanup(hub.Close)

	tr := &replay.Transport{
		Collar: telemetry.ScanResult{CollarID: "VC-1", Name: "Collar 1", Firmware: "2.4.1", RSSI: -52, BatteryPct: 81},
		Hold:   true,
	}
	eng := engine.New(engine.Params{
		Store:     st,
		Pub:       hub,
		Transport: tr,
		Options: engine.Options{
			DeviceID: "tablet-1",
			Guards:   session.Guards{BaselineMinSamples: 120, BaselineMinSpan: time.Minute},
		},
	})
	t.Cleanup(func() { eng.Close() })

	fs := &fakeSync{resolve: func(int64, domain.Resolution) (syncer.Resolved, error) {
		return syncer.Resolved{}, syncer.ErrNotConflicted
	}}
	ts := httptest.NewServer(api.NewRouter(api.Options{Engine: eng, Store: st, Sync: fs, Hub: hub}))
	t.Cleanup(ts.Close)
	return &fixture{url: ts.URL, store: st, hub: hub, sync: fs}
}

func (f *fixture) do(t *testing.T, method, path string, body any, out any) int {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, f.url+path, rd)
	require.NoError(t, err)
	req.Header.Set("X-Actor", "dr.vega")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if out != nil {
		require.NoError(t, json.Unmarshal(raw, out), string(raw))
	}
	return resp.StatusCode
}

type stateBody struct {
	SessionID int64        `json:"session_id"`
	State     domain.State `json:"state"`
}

type rejection struct {
	Error  string       `json:"error"`
	From   domain.State `json:"from"`
	Event  domain.Event `json:"event"`
	Reason string       `json:"reason"`
}

func TestSessionWorkflow(t *testing.T) {
	f := newFixture(t)

	var animal domain.Animal
	st := f.do(t, http.MethodPost, "/v1/animals", domain.Animal{Name: "Rex", Species: domain.SpeciesDog, WeightKg: 24}, &animal)
	require.Equal(t, http.StatusCreated, st)
	assert.Equal(t, domain.Range{Min: 60, Max: 140}, animal.Ranges.HeartRate)

	var sess domain.Session
	require.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/v1/sessions", nil, &sess))
	assert.Equal(t, domain.StatePetSelection, sess.State)
	assert.Equal(t, "tablet-1", sess.DeviceID)
	assert.Equal(t, http.StatusConflict, f.do(t, http.MethodPost, "/v1/sessions", nil, nil), "second active session")

	base := "/v1/sessions/" + strconv.FormatInt(sess.ID, 10)

	var rej rejection
	st = f.do(t, http.MethodPost, base+"/collar", map[string]string{"collar_id": "VC-1"}, &rej)
	assert.Equal(t, http.StatusConflict, st)
	assert.Equal(t, domain.StatePetSelection, rej.From)

	var out stateBody
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, base+"/animal", map[string]any{"animal_id": animal.ID}, &out))
	assert.Equal(t, domain.StateCollarPairing, out.State)

	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, base+"/collar", map[string]string{"collar_id": "VC-1"}, &out))
	assert.Equal(t, domain.StateBaselineCollection, out.State)

	var q telemetry.Quality
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, base+"/link", nil, &q))
	assert.Equal(t, telemetry.StateConnected, q.State)

	rej = rejection{}
	st = f.do(t, http.MethodPost, base+"/transitions", map[string]string{"event": "complete_baseline"}, &rej)
	assert.Equal(t, http.StatusUnprocessableEntity, st)
	assert.Equal(t, "baseline not computed", rej.Reason)

	var a domain.Annotation
	st = f.do(t, http.MethodPost, base+"/annotations", map[string]string{"code": "medication", "text": "propofol 4 mg/kg", "author": "dr.vega"}, &a)
	require.Equal(t, http.StatusCreated, st)
	assert.Equal(t, domain.AnnotationMedication, a.Code)

	var notes []domain.Annotation
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, base+"/annotations", nil, &notes))
	require.Len(t, notes, 1)
	assert.Equal(t, a.ID, notes[0].ID)

	var samples []domain.VitalSample
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, base+"/samples?from=1&to=100", nil, &samples))
	assert.Empty(t, samples)

	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, base+"/transitions", map[string]string{"event": "cancel"}, &out))
	assert.Equal(t, domain.StateCancelled, out.State)

	var log []domain.Transition
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, base+"/transitions", nil, &log))
	require.Len(t, log, 3)
	assert.Equal(t, "dr.vega", log[0].Actor)
	assert.Equal(t, domain.EventCancel, log[2].Event)

	assert.Equal(t, http.StatusConflict, f.do(t, http.MethodPost, base+"/transitions", map[string]string{"event": "cancel"}, nil), "session no longer running")
	require.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/v1/sessions", nil, nil), "new session after cancel")
}

func TestRequestErrors(t *testing.T) {
	f := newFixture(t)

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/v1/sessions/abc", nil, nil))
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/v1/sessions/42", nil, nil))
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/v1/sessions/42/transitions", map[string]string{"event": "cancel"}, nil))
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/v1/sessions/42/baseline", nil, nil))
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/v1/animals", map[string]string{"name": "Rex"}, nil))
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/v1/animals/not-a-uuid", nil, nil))

	var sess domain.Session
	require.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/v1/sessions", nil, &sess))
	base := "/v1/sessions/" + strconv.FormatInt(sess.ID, 10)

	req, err := http.NewRequest(http.MethodPost, f.url+base+"/transitions", strings.NewReader("{"))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var rej rejection
	st := f.do(t, http.MethodPost, base+"/transitions", map[string]string{"event": "start_surgery"}, &rej)
	assert.Equal(t, http.StatusConflict, st)
	assert.Equal(t, domain.EventStartSurgery, rej.Event)

	st = f.do(t, http.MethodPost, base+"/transitions", map[string]string{"event": "adopt_remote"}, &rej)
	assert.Equal(t, http.StatusConflict, st)

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, base+"/samples?from=x", nil, nil))
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, base+"/annotations?from=yesterday", nil, nil))
}

func TestResolve(t *testing.T) {
	f := newFixture(t)

	assert.Equal(t, http.StatusConflict, f.do(t, http.MethodPost, "/v1/sessions/3/resolve", map[string]string{"resolution": "merge"}, nil))

	f.sync.setResolve(func(id int64, res domain.Resolution) (syncer.Resolved, error) {
		if !res.Valid() {
			return syncer.Resolved{}, syncer.ErrUnknownResolution
		}
		return syncer.Resolved{SessionID: id, Resolution: res, LocalState: domain.StateRecovery, RemoteState: domain.StateComplete, FinalState: domain.StateComplete}, nil
	})
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/v1/sessions/3/resolve", map[string]string{"resolution": "coin_flip"}, nil))

	var res syncer.Resolved
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/v1/sessions/3/resolve", map[string]string{"resolution": "keep_remote"}, &res))
	assert.Equal(t, int64(3), res.SessionID)
	assert.Equal(t, domain.StateComplete, res.FinalState)

	assert.Equal(t, http.StatusAccepted, f.do(t, http.MethodPost, "/v1/sync", nil, nil))
	assert.Equal(t, 1, f.sync.triggers())

	var counts map[domain.SyncStatus]int
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/v1/sync", nil, &counts))
}

func TestResolveRecord(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := uuid.New()
	path := "/v1/sync/records/" + id.String() + "/resolve"

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/v1/sync/records/not-a-uuid/resolve", map[string]string{"resolution": "keep_local"}, nil))
	assert.Equal(t, http.StatusConflict, f.do(t, http.MethodPost, path, map[string]string{"resolution": "keep_local"}, nil))

	f.sync.setRecord(func(got uuid.UUID, res domain.Resolution) (domain.SyncRecord, error) {
		switch {
		case got != id:
			return domain.SyncRecord{}, store.ErrNotFound
		case !res.Valid():
			return domain.SyncRecord{}, syncer.ErrUnknownResolution
		}
		return domain.SyncRecord{ID: got, Kind: domain.KindSampleBatch, Status: domain.SyncPending}, nil
	})
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/v1/sync/records/"+uuid.NewString()+"/resolve", map[string]string{"resolution": "keep_local"}, nil))
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, path, map[string]string{"resolution": "coin_flip"}, nil))

	var rec domain.SyncRecord
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, path, map[string]string{"resolution": "keep_local"}, &rec))
	assert.Equal(t, id, rec.ID)
	assert.Equal(t, domain.SyncPending, rec.Status)

	sess, err := f.store.CreateSession(ctx, "tablet-1", time.Now().UTC())
	require.NoError(t, err)
	stuck, _, err := f.store.InsertSyncRecord(ctx, domain.SyncRecord{
		SessionID: sess.ID, Kind: domain.KindAnnotation, EntityRef: uuid.NewString(),
		Sealed: true, Status: domain.SyncConflicted, LastError: "gave up after 5 attempts",
	})
	require.NoError(t, err)
	_, _, err = f.store.InsertSyncRecord(ctx, domain.SyncRecord{
		SessionID: sess.ID, Kind: domain.KindAnnotation, EntityRef: uuid.NewString(), Sealed: true,
	})
	require.NoError(t, err)

	var listed []domain.SyncRecord
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/v1/sync/records?status=conflicted&session="+strconv.FormatInt(sess.ID, 10), nil, &listed))
	require.Len(t, listed, 1)
	assert.Equal(t, stuck.ID, listed[0].ID)

	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/v1/sync/records", nil, &listed))
	assert.Len(t, listed, 2)

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/v1/sync/records?status=lost", nil, nil))
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/v1/sync/records?session=x", nil, nil))
}

func TestScanCollars(t *testing.T) {
	f := newFixture(t)

	var found []domain.Collar
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/v1/collars/scan", nil, &found))
	require.Len(t, found, 1)
	assert.Equal(t, "VC-1", found[0].ID)

	var known []domain.Collar
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/v1/collars", nil, &known))
	require.Len(t, known, 1)
	assert.Equal(t, 81, known[0].BatteryPct)
	assert.Equal(t, "2.4.1", known[0].Firmware)
}

func TestLiveFeed(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(f.url, "http")+"/v1/live?session_id=7", nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	require.Eventually(t, func() bool { return f.hub.Count() == 1 }, 5*time.Second, 5*time.Millisecond)

	at := time.Date(2026, 9, 14, 8, 0, 0, 0, time.UTC)
	f.hub.Publish(broadcast.Event{Type: broadcast.EventVitals, SessionID: 8, At: at})
	f.hub.Publish(broadcast.Event{Type: broadcast.EventLinkStatus, CollarID: "VC-1", At: at})
	f.hub.Publish(broadcast.Event{Type: broadcast.EventVitals, SessionID: 7, At: at, Data: domain.VitalSample{HeartRate: 92}})

	var first, second broadcast.Envelope
	require.NoError(t, wsjson.Read(ctx, conn, &first))
	require.NoError(t, wsjson.Read(ctx, conn, &second))

	assert.Equal(t, broadcast.EventLinkStatus, first.Type)
	assert.Equal(t, "VC-1", first.CollarID)
	assert.Equal(t, broadcast.EventVitals, second.Type)
	assert.Equal(t, int64(7), second.SessionID)
	var v domain.VitalSample
	require.NoError(t, json.Unmarshal(second.Data, &v))
	assert.Equal(t, 92.0, v.HeartRate)

	conn.Close(websocket.StatusNormalClosure, "")
	require.Eventually(t, func() bool { return f.hub.Count() == 0 }, 5*time.Second, 5*time.Millisecond)
}

func TestLiveFeedRejectsBadFilter(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/v1/live?session_id=x", nil, nil))
}
