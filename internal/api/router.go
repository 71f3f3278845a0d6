// Package api is the engine's local HTTP surface for the clinician UI:
// session commands, history queries, conflict resolution and the live
// event feed.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/septivank/vetsync-engine/internal/broadcast"
	"github.com/septivank/vetsync-engine/internal/domain"
	"github.com/septivank/vetsync-engine/internal/engine"
	"github.com/septivank/vetsync-engine/internal/logging"
	"github.com/septivank/vetsync-engine/internal/protocol"
	"github.com/septivank/vetsync-engine/internal/session"
	"github.com/septivank/vetsync-engine/internal/store"
	"github.com/septivank/vetsync-engine/internal/syncer"
	"github.com/septivank/vetsync-engine/internal/telemetry"
)

// Syncer is the part of the sync engine the UI drives.
type Syncer interface {
	ResolveConflict(ctx context.Context, sessionID int64, res domain.Resolution) (syncer.Resolved, error)
	ResolveRecord(ctx context.Context, id uuid.UUID, res domain.Resolution) (domain.SyncRecord, error)
	Trigger()
}

type Options struct {
	Engine *engine.Engine
	Store  *store.Store
	Sync   Syncer
	Hub    *broadcast.Hub
	Logger *zap.Logger

	// LiveBuffer is the queue size of each live websocket subscriber.
	LiveBuffer int
	// OriginPatterns lists the hosts allowed to open the live feed from a
	// browser.
	OriginPatterns []string
}

func NewRouter(opts Options) http.Handler {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.LiveBuffer <= 0 {
		opts.LiveBuffer = 256
	}
	h := &handlers{opts: opts, engine: opts.Engine, store: opts.Store, logger: opts.Logger}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", h.health)

	r.Post("/v1/animals", h.createAnimal)
	r.Get("/v1/animals", h.listAnimals)
	r.Get("/v1/animals/{animalID}", h.getAnimal)
	r.Put("/v1/animals/{animalID}", h.correctAnimal)

	r.Get("/v1/collars", h.listCollars)
	r.Get("/v1/collars/scan", h.scanCollars)

	r.Post("/v1/sessions", h.startSession)
	r.Get("/v1/sessions", h.listSessions)
	r.Route("/v1/sessions/{sessionID}", func(r chi.Router) {
		r.Get("/", h.getSession)
		r.Post("/animal", h.selectAnimal)
		r.Post("/collar", h.pairCollar)
		r.Post("/reconnect", h.reconnect)
		r.Get("/link", h.linkQuality)
		r.Post("/transitions", h.transition)
		r.Get("/transitions", h.transitions)
		r.Get("/samples", h.samples)
		r.Get("/baseline", h.baseline)
		r.Post("/annotations", h.annotate)
		r.Get("/annotations", h.annotations)
		r.Post("/resolve", h.resolve)
	})

	r.Get("/v1/sync", h.syncStatus)
	r.Post("/v1/sync", h.triggerSync)
	r.Get("/v1/sync/records", h.syncRecords)
	r.Post("/v1/sync/records/{recordID}/resolve", h.resolveRecord)

	r.Get("/v1/live", h.live)
	return r
}

type handlers struct {
	opts   Options
	engine *engine.Engine
	store  *store.Store
	logger *zap.Logger
}

type selectAnimalRequest struct {
	AnimalID uuid.UUID `json:"animal_id"`
}

type pairCollarRequest struct {
	CollarID string `json:"collar_id"`
}

type transitionRequest struct {
	Event domain.Event `json:"event"`
	Actor string       `json:"actor"`
}

type stateResponse struct {
	SessionID int64        `json:"session_id"`
	State     domain.State `json:"state"`
}

type annotationRequest struct {
	Code   domain.AnnotationCode `json:"code"`
	Text   string                `json:"text"`
	Author string                `json:"author"`
	At     time.Time             `json:"at"`
}

type resolveRequest struct {
	Resolution domain.Resolution `json:"resolution"`
}

type rejectionBody struct {
	Error  string       `json:"error"`
	From   domain.State `json:"from,omitempty"`
	Event  domain.Event `json:"event,omitempty"`
	Reason string       `json:"reason,omitempty"`
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "subscribers": h.hubCount()})
}

func (h *handlers) hubCount() int {
	if h.opts.Hub == nil {
		return 0
	}
	return h.opts.Hub.Count()
}

func (h *handlers) createAnimal(w http.ResponseWriter, r *http.Request) {
	var a domain.Animal
	if !decode(w, r, &a) {
		return
	}
	if a.Name == "" || a.Species == "" {
		writeError(w, http.StatusBadRequest, "name and species are required")
		return
	}
	a, err := h.engine.RegisterAnimal(r.Context(), a)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

func (h *handlers) listAnimals(w http.ResponseWriter, r *http.Request) {
	animals, err := h.store.ListAnimals(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, animals)
}

func (h *handlers) getAnimal(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "animalID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid animal id")
		return
	}
	a, err := h.store.GetAnimal(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// correctAnimal amends a patient record. The corrector is taken from the
// X-Actor header.
func (h *handlers) correctAnimal(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "animalID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid animal id")
		return
	}
	var a domain.Animal
	if !decode(w, r, &a) {
		return
	}
	a.ID = id
	if err := h.store.CorrectAnimal(r.Context(), a, r.Header.Get("X-Actor"), time.Now().UTC()); err != nil {
		h.fail(w, r, err)
		return
	}
	a, err = h.store.GetAnimal(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (h *handlers) listCollars(w http.ResponseWriter, r *http.Request) {
	collars, err := h.store.ListCollars(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, collars)
}

func (h *handlers) scanCollars(w http.ResponseWriter, r *http.Request) {
	collars, err := h.engine.Scan(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, collars)
}

func (h *handlers) startSession(w http.ResponseWriter, r *http.Request) {
	sc, err := h.engine.StartSession(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	sess, err := sc.Session(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (h *handlers) listSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.store.ListSessions(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (h *handlers) getSession(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionID(w, r)
	if !ok {
		return
	}
	sess, err := h.store.GetSession(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (h *handlers) selectAnimal(w http.ResponseWriter, r *http.Request) {
	sc, ok := h.running(w, r)
	if !ok {
		return
	}
	var req selectAnimalRequest
	if !decode(w, r, &req) {
		return
	}
	if req.AnimalID == uuid.Nil {
		writeError(w, http.StatusBadRequest, "animal_id is required")
		return
	}
	st, err := sc.SelectAnimal(h.actorCtx(r, ""), req.AnimalID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stateResponse{SessionID: sc.ID, State: st})
}

func (h *handlers) pairCollar(w http.ResponseWriter, r *http.Request) {
	sc, ok := h.running(w, r)
	if !ok {
		return
	}
	var req pairCollarRequest
	if !decode(w, r, &req) {
		return
	}
	if req.CollarID == "" {
		writeError(w, http.StatusBadRequest, "collar_id is required")
		return
	}
	st, err := sc.PairCollar(h.actorCtx(r, ""), req.CollarID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stateResponse{SessionID: sc.ID, State: st})
}

func (h *handlers) reconnect(w http.ResponseWriter, r *http.Request) {
	sc, ok := h.running(w, r)
	if !ok {
		return
	}
	if err := sc.Reconnect(r.Context()); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sc.Link.CurrentSignalQuality())
}

func (h *handlers) linkQuality(w http.ResponseWriter, r *http.Request) {
	sc, ok := h.running(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, sc.Link.CurrentSignalQuality())
}

func (h *handlers) transition(w http.ResponseWriter, r *http.Request) {
	sc, ok := h.running(w, r)
	if !ok {
		return
	}
	var req transitionRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Event == "" {
		writeError(w, http.StatusBadRequest, "event is required")
		return
	}
	st, err := sc.Transition(h.actorCtx(r, req.Actor), req.Event)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stateResponse{SessionID: sc.ID, State: st})
}

func (h *handlers) transitions(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionID(w, r)
	if !ok {
		return
	}
	log, err := h.store.TransitionLog(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, log)
}

// samples returns stored samples of a session, optionally limited to the
// offsets from..to.
func (h *handlers) samples(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionID(w, r)
	if !ok {
		return
	}
	var rng store.SeqRange
	var err error
	q := r.URL.Query()
	if v := q.Get("from"); v != "" {
		if rng.From, err = strconv.ParseInt(v, 10, 64); err != nil {
			writeError(w, http.StatusBadRequest, "invalid from")
			return
		}
	}
	if v := q.Get("to"); v != "" {
		if rng.To, err = strconv.ParseInt(v, 10, 64); err != nil {
			writeError(w, http.StatusBadRequest, "invalid to")
			return
		}
	}
	if _, err := h.store.GetSession(r.Context(), id); err != nil {
		h.fail(w, r, err)
		return
	}
	samples, err := store.Collect(h.store.Samples(r.Context(), id, rng))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if samples == nil {
		samples = []domain.VitalSample{}
	}
	writeJSON(w, http.StatusOK, samples)
}

func (h *handlers) baseline(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionID(w, r)
	if !ok {
		return
	}
	b, err := h.store.GetBaseline(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (h *handlers) annotate(w http.ResponseWriter, r *http.Request) {
	sc, ok := h.running(w, r)
	if !ok {
		return
	}
	var req annotationRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Text == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}
	a, err := sc.Annotate(r.Context(), req.Code, req.Text, req.Author, req.At)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

func (h *handlers) annotations(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionID(w, r)
	if !ok {
		return
	}
	var rng store.TimeRange
	q := r.URL.Query()
	for _, p := range []struct {
		name string
		dst  *time.Time
	}{{"from", &rng.From}, {"to", &rng.To}} {
		v := q.Get(p.name)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid "+p.name)
			return
		}
		*p.dst = t
	}
	out, err := store.Collect(h.store.Annotations(r.Context(), id, rng))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if out == nil {
		out = []domain.Annotation{}
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handlers) resolve(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionID(w, r)
	if !ok {
		return
	}
	if h.opts.Sync == nil {
		writeError(w, http.StatusServiceUnavailable, "sync is not configured")
		return
	}
	var req resolveRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.opts.Sync.ResolveConflict(h.actorCtx(r, ""), id, req.Resolution)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// syncRecords lists sync records, optionally narrowed by ?session= and
// repeated ?status= parameters.
func (h *handlers) syncRecords(w http.ResponseWriter, r *http.Request) {
	var filter store.SyncFilter
	q := r.URL.Query()
	if v := q.Get("session"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid session id")
			return
		}
		filter.SessionID = id
	}
	for _, v := range q["status"] {
		status := domain.SyncStatus(v)
		switch status {
		case domain.SyncPending, domain.SyncInFlight, domain.SyncAcknowledged, domain.SyncConflicted:
			filter.Statuses = append(filter.Statuses, status)
		default:
			writeError(w, http.StatusBadRequest, "invalid status "+strconv.Quote(v))
			return
		}
	}
	out, err := store.Collect(h.store.SyncRecords(r.Context(), filter))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if out == nil {
		out = []domain.SyncRecord{}
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handlers) resolveRecord(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "recordID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid sync record id")
		return
	}
	if h.opts.Sync == nil {
		writeError(w, http.StatusServiceUnavailable, "sync is not configured")
		return
	}
	var req resolveRequest
	if !decode(w, r, &req) {
		return
	}
	rec, err := h.opts.Sync.ResolveRecord(h.actorCtx(r, ""), id, req.Resolution)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *handlers) syncStatus(w http.ResponseWriter, r *http.Request) {
	counts, err := h.store.SyncStatusCounts(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

func (h *handlers) triggerSync(w http.ResponseWriter, r *http.Request) {
	if h.opts.Sync == nil {
		writeError(w, http.StatusServiceUnavailable, "sync is not configured")
		return
	}
	h.opts.Sync.Trigger()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "scheduled"})
}

// live streams broadcast events over a websocket until the client leaves
// or falls too far behind. ?session_id= narrows the feed to one session
// plus device-wide events.
func (h *handlers) live(w http.ResponseWriter, r *http.Request) {
	if h.opts.Hub == nil {
		writeError(w, http.StatusServiceUnavailable, "live feed is not configured")
		return
	}
	var filter int64
	if v := r.URL.Query().Get("session_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil || id <= 0 {
			writeError(w, http.StatusBadRequest, "invalid session id")
			return
		}
		filter = id
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.opts.OriginPatterns})
	if err != nil {
		h.logger.Warn("Live feed handshake failed", zap.Error(err))
		return
	}
	defer conn.CloseNow()

	reqID := chimw.GetReqID(r.Context())
	logger := logging.WithRequestID(h.logger, reqID)
	sub := h.opts.Hub.Subscribe("live:"+reqID, h.opts.LiveBuffer)
	defer sub.Cancel()
	logger.Info("Live feed opened", zap.Int64("session_filter", filter))

	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			logger.Info("Live feed closed")
			return
		case ev, ok := <-sub.C:
			if !ok {
				logger.Warn("Live feed dropped", zap.Bool("slow", sub.Dropped()))
				conn.Close(websocket.StatusTryAgainLater, "subscriber dropped")
				return
			}
			if filter != 0 && ev.SessionID != 0 && ev.SessionID != filter {
				continue
			}
			wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(wctx, conn, ev)
			cancel()
			if err != nil {
				logger.Info("Live feed write failed", zap.Error(err))
				return
			}
		}
	}
}

// running resolves the path's session to its live pipeline.
func (h *handlers) running(w http.ResponseWriter, r *http.Request) (*engine.SessionContext, bool) {
	id, ok := sessionID(w, r)
	if !ok {
		return nil, false
	}
	if sc, ok := h.engine.Session(id); ok {
		return sc, true
	}
	if _, err := h.store.GetSession(r.Context(), id); err != nil {
		h.fail(w, r, err)
		return nil, false
	}
	writeError(w, http.StatusConflict, "session is not running")
	return nil, false
}

func (h *handlers) actorCtx(r *http.Request, actor string) context.Context {
	if actor == "" {
		actor = r.Header.Get("X-Actor")
	}
	if actor == "" {
		return r.Context()
	}
	return session.WithActor(r.Context(), actor)
}

func (h *handlers) fail(w http.ResponseWriter, r *http.Request, err error) {
	var te *session.TransitionError
	var se *store.StorageError
	var le *telemetry.LinkError
	switch {
	case errors.As(err, &te):
		status := http.StatusConflict
		if errors.Is(err, session.ErrGuardRejected) {
			status = http.StatusUnprocessableEntity
		}
		writeJSON(w, status, rejectionBody{Error: te.Err.Error(), From: te.From, Event: te.Event, Reason: te.Reason})
	case errors.Is(err, syncer.ErrUnknownResolution):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, store.ErrSessionActive),
		errors.Is(err, store.ErrCollarInUse),
		errors.Is(err, store.ErrSamplingClosed),
		errors.Is(err, syncer.ErrNotConflicted),
		errors.Is(err, syncer.ErrRecordNotConflicted),
		errors.Is(err, engine.ErrNoCollar):
		writeError(w, http.StatusConflict, err.Error())
	case errors.As(err, &le):
		writeError(w, http.StatusBadGateway, err.Error())
	case errors.As(err, &se):
		logging.WithRequestID(h.logger, chimw.GetReqID(r.Context())).Error("Storage failure", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "storage failure")
	default:
		logging.WithRequestID(h.logger, chimw.GetReqID(r.Context())).Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func sessionID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "sessionID"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid session id")
		return 0, false
	}
	return id, true
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, protocol.ErrorBody{Error: msg})
}
