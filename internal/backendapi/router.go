// Package backendapi is the HTTP surface of the backend service: the server
// side of the device upload protocol and the live status read model.
package backendapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/septivank/vetsync-engine/internal/db"
	"github.com/septivank/vetsync-engine/internal/domain"
	"github.com/septivank/vetsync-engine/internal/protocol"
	"github.com/septivank/vetsync-engine/internal/repository"
	"github.com/septivank/vetsync-engine/internal/service"
)

// LiveReader reads the live status read model.
type LiveReader interface {
	GetLiveStatus(ctx context.Context, sessionID int64) (db.LiveStatus, error)
	SampleCount(ctx context.Context, sessionID int64) (int, error)
}

type Options struct {
	Sync   *service.SyncService
	Live   LiveReader
	Logger *zap.Logger
}

func NewRouter(opts Options) http.Handler {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	h := &handlers{sync: opts.Sync, live: opts.Live, logger: opts.Logger}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", h.health)
	r.Put("/v1/sessions/{sessionID}", h.putSession)
	r.Get("/v1/sessions/{sessionID}", h.getSession)
	r.Post("/v1/sessions/{sessionID}/samples", h.postSamples)
	r.Post("/v1/sessions/{sessionID}/annotations", h.postAnnotation)
	r.Put("/v1/sessions/{sessionID}/baseline", h.putBaseline)
	r.Get("/v1/sessions/{sessionID}/live", h.getLive)
	return r
}

type handlers struct {
	sync   *service.SyncService
	live   LiveReader
	logger *zap.Logger
}

// liveResponse is the live status of a session as seen by the backend.
type liveResponse struct {
	SessionID       int64     `json:"session_id"`
	CollarID        string    `json:"collar_id,omitempty"`
	State           string    `json:"state,omitempty"`
	LinkState       string    `json:"link_state,omitempty"`
	HeartRate       *float64  `json:"heart_rate,omitempty"`
	RespirationRate *float64  `json:"respiration_rate,omitempty"`
	AlertCount      int       `json:"alert_count"`
	SamplesStored   int       `json:"samples_stored"`
	LastEventType   string    `json:"last_event_type"`
	LastEventAt     time.Time `json:"last_event_at"`
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	if err := h.sync.Health(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "unhealthy")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// upload decodes the request body into v and identifies the upload.
func (h *handlers) upload(w http.ResponseWriter, r *http.Request, v any) (service.Upload, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "sessionID"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid session id")
		return service.Upload{}, false
	}
	device := r.Header.Get(protocol.DeviceHeader)
	if device == "" {
		writeError(w, http.StatusBadRequest, protocol.DeviceHeader+" header required")
		return service.Upload{}, false
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 8<<20)).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return service.Upload{}, false
	}
	return service.Upload{
		RequestID: chimw.GetReqID(r.Context()),
		DeviceID:  device,
		Key:       r.Header.Get(protocol.IdempotencyHeader),
		SessionID: id,
	}, true
}

func (h *handlers) putSession(w http.ResponseWriter, r *http.Request) {
	var p protocol.SessionPush
	u, ok := h.upload(w, r, &p)
	if !ok {
		return
	}
	ack, err := h.sync.PushSession(r.Context(), u, p)
	var conflict *protocol.ConflictError
	if errors.As(err, &conflict) {
		writeJSON(w, http.StatusConflict, protocol.ConflictBody{
			Error:         "stale base version",
			RemoteVersion: conflict.RemoteVersion,
			RemoteState:   conflict.RemoteState,
		})
		return
	}
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ack)
}

func (h *handlers) postSamples(w http.ResponseWriter, r *http.Request) {
	var b protocol.SampleBatch
	u, ok := h.upload(w, r, &b)
	if !ok {
		return
	}
	ack, err := h.sync.PushSamples(r.Context(), u, b)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ack)
}

func (h *handlers) postAnnotation(w http.ResponseWriter, r *http.Request) {
	var a domain.Annotation
	u, ok := h.upload(w, r, &a)
	if !ok {
		return
	}
	ack, err := h.sync.PushAnnotation(r.Context(), u, a)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ack)
}

func (h *handlers) putBaseline(w http.ResponseWriter, r *http.Request) {
	var b domain.BaselineData
	u, ok := h.upload(w, r, &b)
	if !ok {
		return
	}
	ack, err := h.sync.PushBaseline(r.Context(), u, b)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ack)
}

func (h *handlers) getSession(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "sessionID"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid session id")
		return
	}
	rs, err := h.sync.GetSession(r.Context(), id)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rs)
}

func (h *handlers) getLive(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "sessionID"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid session id")
		return
	}
	if h.live == nil {
		writeError(w, http.StatusNotFound, "live status not available")
		return
	}
	s, err := h.live.GetLiveStatus(r.Context(), id)
	if err != nil {
		h.fail(w, err)
		return
	}
	n, err := h.live.SampleCount(r.Context(), id)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, liveResponse{
		SessionID:       s.SessionID,
		CollarID:        s.CollarID,
		State:           s.State,
		LinkState:       s.LinkState,
		HeartRate:       s.HeartRate,
		RespirationRate: s.RespirationRate,
		AlertCount:      s.AlertCount,
		SamplesStored:   n,
		LastEventType:   s.LastEventType,
		LastEventAt:     s.LastEventAt,
	})
}

func (h *handlers) fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrMissingKey):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, service.ErrInvalidUpload):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, repository.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	default:
		h.logger.Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, protocol.ErrorBody{Error: msg})
}
