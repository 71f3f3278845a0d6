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

	"github.com/septivank/vetsync-engine/internal/anomaly"
	"github.com/septivank/vetsync-engine/internal/broadcast"
	"github.com/septivank/vetsync-engine/internal/domain"
	"github.com/septivank/vetsync-engine/internal/logging"
	"github.com/septivank/vetsync-engine/internal/session"
	"github.com/septivank/vetsync-engine/internal/store"
	"github.com/septivank/vetsync-engine/internal/telemetry"
	"github.com/septivank/vetsync-engine/internal/vitals"
)

// ErrNoCollar is returned when a link is requested for a session without a
// bound collar.
var ErrNoCollar = errors.New("session has no collar")

// SessionContext is everything that belongs to one running session. It is
// passed explicitly instead of living in package state.
type SessionContext struct {
	ID      int64
	Machine *session.Machine
	Link    *telemetry.Link

	engine *Engine
	logger *zap.Logger
	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group
	once   sync.Once

	// pipeMu serialises frame processing across link reconnects.
	pipeMu    sync.Mutex
	extractor *vitals.Extractor
	lastSeq   int64
	acc       *baselineAcc

	mu       sync.Mutex
	detector *anomaly.Detector
	frozen   *domain.BaselineData
	halted   error
}

// State returns the session's current state.
func (sc *SessionContext) State() domain.State {
	return sc.Machine.State()
}

// Session loads the stored session record.
func (sc *SessionContext) Session(ctx context.Context) (domain.Session, error) {
	return sc.engine.store.GetSession(ctx, sc.ID)
}

// Err returns the storage failure that halted the pipeline, if any.
func (sc *SessionContext) Err() error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.halted
}

// SelectAnimal assigns the patient and leaves PetSelection.
func (sc *SessionContext) SelectAnimal(ctx context.Context, animalID uuid.UUID) (domain.State, error) {
	if err := sc.expect(domain.StatePetSelection, domain.EventSelectAnimal); err != nil {
		return sc.State(), err
	}
	if err := sc.engine.store.AssignAnimal(ctx, sc.ID, animalID); err != nil {
		return sc.State(), fmt.Errorf("assign animal: %w", err)
	}
	return sc.Transition(ctx, domain.EventSelectAnimal)
}

// PairCollar binds the collar, connects the link and, once frames flow,
// moves the session into BaselineCollection.
func (sc *SessionContext) PairCollar(ctx context.Context, collarID string) (domain.State, error) {
	if err := sc.expect(domain.StateCollarPairing, domain.EventPairCollar); err != nil {
		return sc.State(), err
	}
	if err := sc.engine.store.AssignCollar(ctx, sc.ID, collarID); err != nil {
		return sc.State(), fmt.Errorf("assign collar: %w", err)
	}
	frames, err := sc.Link.Connect(sc.ctx, collarID)
	if err != nil {
		return sc.State(), err
	}
	st, err := sc.Transition(ctx, domain.EventPairCollar)
	if err != nil {
		sc.Link.Disconnect()
		return st, err
	}
	if err := sc.startPipeline(ctx, frames); err != nil {
		return st, err
	}
	logging.WithCollarID(sc.logger, collarID).Info("Collar paired")
	return st, nil
}

// Reconnect opens the link to the session's collar again, e.g. after it was
// lost or after a restart.
func (sc *SessionContext) Reconnect(ctx context.Context) error {
	if err := sc.Err(); err != nil {
		return err
	}
	state := sc.State()
	if !state.SamplingAllowed() {
		return fmt.Errorf("session %d: %w: %s", sc.ID, store.ErrSamplingClosed, state)
	}
	sess, err := sc.Session(ctx)
	if err != nil {
		return err
	}
	if sess.CollarID == "" {
		return ErrNoCollar
	}
	frames, err := sc.Link.Connect(sc.ctx, sess.CollarID)
	if err != nil {
		return err
	}
	return sc.startPipeline(ctx, frames)
}

// Transition applies an operator event. Terminal states stop the pipeline.
func (sc *SessionContext) Transition(ctx context.Context, ev domain.Event) (domain.State, error) {
	if err := sc.Err(); err != nil {
		return sc.State(), err
	}
	st, err := sc.Machine.Transition(ctx, ev)
	if err != nil {
		return st, err
	}
	if st.Terminal() {
		sc.engine.finish(sc)
	}
	return st, nil
}

// Annotate records a clinician event on the session timeline.
func (sc *SessionContext) Annotate(ctx context.Context, code domain.AnnotationCode, text, author string, at time.Time) (domain.Annotation, error) {
	now := sc.engine.opts.Now().UTC()
	if at.IsZero() {
		at = now
	}
	if code == "" {
		code = domain.AnnotationNote
	}
	a := domain.Annotation{
		ID:        uuid.New(),
		SessionID: sc.ID,
		At:        at.UTC(),
		Code:      code,
		Text:      text,
		Author:    author,
		CreatedAt: now,
	}
	if err := sc.record(ctx, a); err != nil {
		return a, err
	}
	return a, nil
}

// SessionChanged forwards accepted transitions to the sync engine. Leaving
// BaselineCollection freezes the baseline, which is then queued and armed
// for deviation checks.
func (sc *SessionContext) SessionChanged(ctx context.Context, sessionID int64, logLen int) error {
	if err := sc.engine.sync.SessionChanged(ctx, sessionID, logLen); err != nil {
		return err
	}
	b, err := sc.engine.store.GetBaseline(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !b.Frozen {
		return nil
	}
	sc.setBaseline(b)
	return sc.engine.sync.Enqueue(ctx, b)
}

func (sc *SessionContext) expect(state domain.State, ev domain.Event) error {
	if from := sc.State(); from != state {
		return &session.TransitionError{SessionID: sc.ID, From: from, Event: ev, Err: session.ErrInvalidTransition}
	}
	return nil
}

// load restores pipeline state from the store.
func (sc *SessionContext) load(ctx context.Context) error {
	st := sc.engine.store
	last, err := st.LastSampleSeq(ctx, sc.ID)
	if err != nil {
		return err
	}
	sc.lastSeq = last

	b, err := st.GetBaseline(ctx, sc.ID)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		return err
	case b.Frozen:
		sc.frozen = &b
	}

	if sc.State() != domain.StateBaselineCollection {
		return nil
	}
	sc.acc = sc.newBaselineAcc()
	for v, err := range st.Samples(ctx, sc.ID, store.SeqRange{}) {
		if err != nil {
			return err
		}
		if v.State == domain.StateBaselineCollection {
			sc.acc.add(v)
		}
	}
	return nil
}

func (sc *SessionContext) setBaseline(b domain.BaselineData) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.frozen = &b
	if sc.detector != nil {
		sc.detector.SetBaseline(b)
	}
}

// startPipeline builds the extractor and detector for the session's animal
// and starts consuming frames.
func (sc *SessionContext) startPipeline(ctx context.Context, frames <-chan domain.RawFrame) error {
	profile, normal, err := sc.engine.profile(ctx, sc.ID)
	if err != nil {
		sc.Link.Disconnect()
		return fmt.Errorf("load animal profile: %w", err)
	}
	opts := sc.engine.opts

	sc.pipeMu.Lock()
	if sc.extractor == nil {
		sc.extractor = vitals.NewExtractor(ExtractorConfig(opts.Extractor, profile))
	}
	sc.pipeMu.Unlock()

	sc.mu.Lock()
	if sc.detector == nil {
		sc.detector = anomaly.NewDetector(opts.DeviationSigma, opts.Guards.BaselineMinSamples, normal)
		if sc.frozen != nil {
			sc.detector.SetBaseline(*sc.frozen)
		}
	}
	sc.mu.Unlock()

	sc.group.Go(func() error { return sc.pump(sc.ctx, frames) })
	return nil
}

// fail halts the session after a storage failure.
func (sc *SessionContext) fail(err error) {
	sc.mu.Lock()
	if sc.halted == nil {
		sc.halted = err
	}
	sc.mu.Unlock()

	sc.logger.Error("Session pipeline halted by storage failure", zap.Error(err))
	sc.engine.pub.Publish(broadcast.Event{
		Type:      broadcast.EventStorageFailure,
		SessionID: sc.ID,
		At:        sc.engine.opts.Now().UTC(),
		Data:      map[string]string{"error": err.Error()},
	})
}

func (sc *SessionContext) stop() {
	sc.once.Do(func() {
		sc.Link.Disconnect()
		sc.cancel()
		if err := sc.group.Wait(); err != nil && !errors.Is(err, context.Canceled) && !isStorageErr(err) {
			sc.logger.Warn("Session pipeline ended with error", zap.Error(err))
		}
	})
}
