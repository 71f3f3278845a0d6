// Package engine runs the monitoring pipeline of each session: telemetry
// link, vitals extraction, state gating, persistence, sync queueing and
// live broadcast.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/septivank/vetsync-engine/internal/broadcast"
	"github.com/septivank/vetsync-engine/internal/config"
	"github.com/septivank/vetsync-engine/internal/domain"
	"github.com/septivank/vetsync-engine/internal/logging"
	"github.com/septivank/vetsync-engine/internal/session"
	"github.com/septivank/vetsync-engine/internal/species"
	"github.com/septivank/vetsync-engine/internal/store"
	"github.com/septivank/vetsync-engine/internal/syncer"
	"github.com/septivank/vetsync-engine/internal/telemetry"
	"github.com/septivank/vetsync-engine/internal/vitals"
)

// Syncer is the part of the sync engine the pipeline feeds.
type Syncer interface {
	Enqueue(ctx context.Context, entity any) error
	SessionChanged(ctx context.Context, sessionID int64, logLen int) error
	Backfill(ctx context.Context, sessionID int64) (int, error)
}

// Options tunes the engine.
type Options struct {
	DeviceID       string
	Extractor      config.ExtractorConfig
	Link           telemetry.Options
	Guards         session.Guards
	DeviationSigma float64
	Now            func() time.Time
}

// OptionsFromConfig maps process configuration onto Options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		DeviceID:       cfg.Service.DeviceID,
		Extractor:      cfg.Extractor,
		Link:           telemetry.OptionsFromConfig(cfg.Link),
		Guards:         session.GuardsFromConfig(cfg.Session),
		DeviationSigma: cfg.Session.DeviationSigma,
	}
}

// ExtractorConfig builds the extractor settings for an animal profile.
func ExtractorConfig(cfg config.ExtractorConfig, p species.Profile) vitals.Config {
	return vitals.Config{
		SampleRateHz:     cfg.SampleRateHz,
		EmitInterval:     cfg.EmitInterval,
		CardiacWindow:    cfg.CardiacWindow,
		RespWindow:       cfg.RespWindow,
		GapTolerance:     cfg.GapTolerance,
		QualityThreshold: cfg.QualityThreshold,
		MotionLimit:      cfg.MotionLimit,
		WaveformEvery:    cfg.WaveformEvery,
		HeartRate:        p.Detection.HeartRate,
		RespirationRate:  p.Detection.RespirationRate,
	}
}

// Params wires an Engine.
type Params struct {
	Store     *store.Store
	Sync      Syncer
	Pub       broadcast.Publisher
	Transport telemetry.Transport
	Species   *species.Catalog
	Options   Options
	Logger    *zap.Logger
}

// Engine owns the live sessions of this device.
type Engine struct {
	store     *store.Store
	sync      Syncer
	pub       broadcast.Publisher
	transport telemetry.Transport
	catalog   *species.Catalog
	opts      Options
	logger    *zap.Logger

	mu       sync.Mutex
	sessions map[int64]*SessionContext
}

func New(p Params) *Engine {
	if p.Sync == nil {
		p.Sync = noopSyncer{}
	}
	if p.Pub == nil {
		p.Pub = broadcast.Discard
	}
	if p.Species == nil {
		p.Species = species.Default()
	}
	if p.Logger == nil {
		p.Logger = zap.NewNop()
	}
	if p.Options.Now == nil {
		p.Options.Now = time.Now
	}
	return &Engine{
		store:     p.Store,
		sync:      p.Sync,
		pub:       p.Pub,
		transport: p.Transport,
		catalog:   p.Species,
		opts:      p.Options,
		logger:    p.Logger,
		sessions:  make(map[int64]*SessionContext),
	}
}

// RegisterAnimal stores a new patient. Missing ranges are filled from the
// species profile.
func (e *Engine) RegisterAnimal(ctx context.Context, a domain.Animal) (domain.Animal, error) {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = e.opts.Now().UTC()
	}
	if a.Ranges == (domain.VitalRanges{}) {
		a.Ranges = e.catalog.For(a.Species, a.WeightKg).Normal
	}
	if err := e.store.SaveAnimal(ctx, a); err != nil {
		return a, fmt.Errorf("save animal: %w", err)
	}
	return a, nil
}

// Scan lists nearby collars and records what was seen.
func (e *Engine) Scan(ctx context.Context) ([]domain.Collar, error) {
	results, err := e.transport.Scan(ctx)
	if err != nil {
		return nil, &telemetry.LinkError{Op: "scan", Err: err}
	}
	now := e.opts.Now().UTC()
	collars := make([]domain.Collar, 0, len(results))
	for _, r := range results {
		c := domain.Collar{
			ID:         r.CollarID,
			Name:       r.Name,
			Model:      r.Model,
			Firmware:   r.Firmware,
			BatteryPct: r.BatteryPct,
			RSSI:       r.RSSI,
			LastSeenAt: now,
		}
		if err := e.store.UpsertCollar(ctx, c); err != nil {
			return nil, fmt.Errorf("record collar %s: %w", c.ID, err)
		}
		collars = append(collars, c)
	}
	e.logger.Info("Collar scan finished", zap.Int("found", len(collars)))
	return collars, nil
}

// StartSession creates the device's next session and its pipeline.
func (e *Engine) StartSession(ctx context.Context) (*SessionContext, error) {
	sess, err := e.store.CreateSession(ctx, e.opts.DeviceID, e.opts.Now())
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	sc, err := e.open(ctx, sess, nil)
	if err != nil {
		return nil, err
	}
	sc.logger.Info("Session started")
	return sc, nil
}

// Resume reopens the device's active session after a restart: the state
// machine is rebuilt from the transition log, entities missing from the
// sync queue are backfilled and the link is reconnected when the session
// is sampling. It reports false when no session was active.
func (e *Engine) Resume(ctx context.Context) (*SessionContext, bool, error) {
	id, ok, err := e.store.ActiveSession(ctx, e.opts.DeviceID)
	if err != nil || !ok {
		return nil, false, err
	}
	if sc, ok := e.Session(id); ok {
		return sc, true, nil
	}

	sess, err := e.store.GetSession(ctx, id)
	if err != nil {
		return nil, false, fmt.Errorf("load session %d: %w", id, err)
	}
	log, err := e.store.TransitionLog(ctx, id)
	if err != nil {
		return nil, false, fmt.Errorf("load transition log %d: %w", id, err)
	}
	sc, err := e.open(ctx, sess, log)
	if err != nil {
		return nil, false, err
	}

	if n, err := e.sync.Backfill(ctx, id); err != nil {
		sc.logger.Warn("Failed to backfill sync queue", zap.Error(err))
	} else if n > 0 {
		sc.logger.Info("Backfilled sync queue", zap.Int("entities", n))
	}

	state := sc.State()
	sc.logger.Info("Session resumed",
		zap.String("state", string(state)),
		zap.Int("log_len", len(log)),
		zap.Int64("last_seq", sc.lastSeq))
	if state.SamplingAllowed() && sess.CollarID != "" {
		if err := sc.Reconnect(ctx); err != nil {
			sc.logger.Warn("Failed to reconnect collar after resume", zap.Error(err))
		}
	}
	return sc, true, nil
}

func (e *Engine) open(ctx context.Context, sess domain.Session, log []domain.Transition) (*SessionContext, error) {
	runCtx, cancel := context.WithCancel(context.Background())
	group, gctx := errgroup.WithContext(runCtx)

	linkOpts := e.opts.Link
	linkOpts.SessionID = sess.ID
	sc := &SessionContext{
		ID:     sess.ID,
		engine: e,
		logger: logging.WithSessionID(e.logger, sess.ID),
		ctx:    gctx,
		cancel: cancel,
		group:  group,
	}
	sc.Link = telemetry.NewLink(e.transport, e.pub, sc.logger, linkOpts)

	m, err := session.Restore(sess.ID, log, session.Options{
		Store:  e.store,
		Link:   sc.Link,
		Sync:   sc,
		Pub:    e.pub,
		Guards: e.opts.Guards,
		Logger: e.logger,
		Now:    e.opts.Now,
	})
	if err != nil {
		cancel()
		return nil, err
	}
	sc.Machine = m

	if err := sc.load(ctx); err != nil {
		cancel()
		return nil, err
	}

	group.Go(func() error { return m.Run(gctx) })

	e.mu.Lock()
	e.sessions[sess.ID] = sc
	e.mu.Unlock()
	return sc, nil
}

// Session returns the live context of a session.
func (e *Engine) Session(id int64) (*SessionContext, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	sc, ok := e.sessions[id]
	return sc, ok
}

// Active returns the live context of the device's active session.
func (e *Engine) Active(ctx context.Context) (*SessionContext, bool, error) {
	id, ok, err := e.store.ActiveSession(ctx, e.opts.DeviceID)
	if err != nil || !ok {
		return nil, false, err
	}
	sc, ok := e.Session(id)
	return sc, ok, nil
}

// Adopt moves a live session to a state decided during conflict
// resolution.
func (e *Engine) Adopt(ctx context.Context, sessionID int64, to domain.State) error {
	sc, ok := e.Session(sessionID)
	if !ok {
		return syncer.ErrNoLiveSession
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("%w: pipeline halted: %v", syncer.ErrNoLiveSession, err)
	}
	st, err := sc.Machine.Adopt(ctx, to)
	if err != nil {
		return err
	}
	if st.Terminal() {
		e.finish(sc)
	}
	return nil
}

// finish stops a session's pipeline and forgets it.
func (e *Engine) finish(sc *SessionContext) {
	sc.stop()
	e.mu.Lock()
	if e.sessions[sc.ID] == sc {
		delete(e.sessions, sc.ID)
	}
	e.mu.Unlock()
	sc.logger.Info("Session pipeline stopped")
}

// Close stops every pipeline. Active-session pointers stay in the store so
// the next start can resume.
func (e *Engine) Close() error {
	e.mu.Lock()
	live := make([]*SessionContext, 0, len(e.sessions))
	for _, sc := range e.sessions {
		live = append(live, sc)
	}
	e.sessions = make(map[int64]*SessionContext)
	e.mu.Unlock()

	for _, sc := range live {
		sc.stop()
	}
	return nil
}

func (e *Engine) profile(ctx context.Context, sessionID int64) (species.Profile, domain.VitalRanges, error) {
	sess, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return species.Profile{}, domain.VitalRanges{}, err
	}
	if sess.AnimalID == uuid.Nil {
		p := e.catalog.For(domain.SpeciesOther, 0)
		return p, p.Normal, nil
	}
	a, err := e.store.GetAnimal(ctx, sess.AnimalID)
	if err != nil {
		return species.Profile{}, domain.VitalRanges{}, err
	}
	p := e.catalog.For(a.Species, a.WeightKg)
	normal := a.Ranges
	if normal == (domain.VitalRanges{}) {
		normal = p.Normal
	}
	return p, normal, nil
}

var _ syncer.Adopter = (*Engine)(nil)

type noopSyncer struct{}

func (noopSyncer) Enqueue(context.Context, any) error               { return nil }
func (noopSyncer) SessionChanged(context.Context, int64, int) error { return nil }
func (noopSyncer) Backfill(context.Context, int64) (int, error)     { return 0, nil }

func isStorageErr(err error) bool {
	var se *store.StorageError
	return errors.As(err, &se)
}
