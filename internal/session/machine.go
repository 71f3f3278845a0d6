// Package session drives the perioperative workflow of one session. All
// transition requests for a session pass through a single writer goroutine
// and are applied in arrival order.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/septivank/vetsync-engine/internal/broadcast"
	"github.com/septivank/vetsync-engine/internal/config"
	"github.com/septivank/vetsync-engine/internal/domain"
	"github.com/septivank/vetsync-engine/internal/store"
)

// Store is the persistence the machine needs.
type Store interface {
	GetSession(ctx context.Context, id int64) (domain.Session, error)
	AppendTransition(ctx context.Context, t domain.Transition) error
	GetBaseline(ctx context.Context, sessionID int64) (domain.BaselineData, error)
	FreezeBaseline(ctx context.Context, sessionID int64) (domain.BaselineData, error)
	UnqueuedCount(ctx context.Context, sessionID int64) (int, error)
}

// LinkMonitor reports telemetry link health for guards.
type LinkMonitor interface {
	Connected() bool
	Lost() bool
}

// SyncNotifier is told about every accepted transition so the session can
// be pushed to the backend.
type SyncNotifier interface {
	SessionChanged(ctx context.Context, sessionID int64, logLen int) error
}

// Guards holds the thresholds checked before leaving BaselineCollection.
type Guards struct {
	BaselineMinSamples int
	BaselineMinSpan    time.Duration
}

// GuardsFromConfig maps session configuration onto Guards.
func GuardsFromConfig(cfg config.SessionConfig) Guards {
	return Guards{BaselineMinSamples: cfg.BaselineMinSamples, BaselineMinSpan: cfg.BaselineMinSpan}
}

type actorKey struct{}

// WithActor attaches the operator issuing a command to ctx.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

func actorFrom(ctx context.Context) string {
	a, _ := ctx.Value(actorKey{}).(string)
	return a
}

// Options wires a Machine.
type Options struct {
	Store  Store
	Link   LinkMonitor
	Sync   SyncNotifier
	Pub    broadcast.Publisher
	Guards Guards
	Logger *zap.Logger
	Now    func() time.Time
}

type request struct {
	ctx    context.Context
	event  domain.Event
	target domain.State
	actor  string
	resp   chan result
}

type result struct {
	state domain.State
	err   error
}

// Machine is the state machine of one session.
type Machine struct {
	sessionID int64
	opts      Options
	logger    *zap.Logger

	mu     sync.RWMutex
	state  domain.State
	logLen int
	link   LinkMonitor

	reqs chan request
}

// Restore builds a machine for sessionID by replaying its transition log.
func Restore(sessionID int64, log []domain.Transition, opts Options) (*Machine, error) {
	state, err := Replay(log)
	if err != nil {
		return nil, fmt.Errorf("restore session %d: %w", sessionID, err)
	}
	if opts.Pub == nil {
		opts.Pub = broadcast.Discard
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Machine{
		sessionID: sessionID,
		opts:      opts,
		logger:    logger.With(zap.Int64("session_id", sessionID)),
		state:     state,
		logLen:    len(log),
		link:      opts.Link,
		reqs:      make(chan request),
	}, nil
}

// SessionID returns the id of the session the machine drives.
func (m *Machine) SessionID() int64 { return m.sessionID }

// State returns the current state.
func (m *Machine) State() domain.State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// LogLen returns the number of accepted transitions.
func (m *Machine) LogLen() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.logLen
}

// SetLink replaces the link consulted by guards.
func (m *Machine) SetLink(l LinkMonitor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.link = l
}

// Gate runs fn with the current state while holding off transitions, so
// work stamped with a state commits before the state can change.
func (m *Machine) Gate(fn func(state domain.State) error) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return fn(m.state)
}

// Run applies queued requests one at a time until ctx is done.
func (m *Machine) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case req := <-m.reqs:
			st, err := m.apply(req)
			req.resp <- result{state: st, err: err}
		}
	}
}

// Transition requests ev and waits for the outcome. The actor is taken from
// ctx (see WithActor).
func (m *Machine) Transition(ctx context.Context, ev domain.Event) (domain.State, error) {
	if ev == domain.EventAdoptRemote {
		return m.State(), &TransitionError{SessionID: m.sessionID, From: m.State(), Event: ev,
			Reason: "remote states are adopted through conflict resolution", Err: ErrInvalidTransition}
	}
	return m.submit(ctx, request{ctx: ctx, event: ev, actor: actorFrom(ctx)})
}

// Adopt moves the session to a state decided by the backend, bypassing the
// graph. It is the only transition accepted while the session is
// conflicted.
func (m *Machine) Adopt(ctx context.Context, to domain.State) (domain.State, error) {
	return m.submit(ctx, request{ctx: ctx, event: domain.EventAdoptRemote, target: to, actor: actorFrom(ctx)})
}

func (m *Machine) submit(ctx context.Context, req request) (domain.State, error) {
	req.resp = make(chan result, 1)
	select {
	case m.reqs <- req:
	case <-ctx.Done():
		return m.State(), ctx.Err()
	}
	select {
	case res := <-req.resp:
		return res.state, res.err
	case <-ctx.Done():
		return m.State(), ctx.Err()
	}
}

func (m *Machine) apply(req request) (domain.State, error) {
	ctx := req.ctx
	from := m.State()
	reject := func(reason string, err error) (domain.State, error) {
		return from, &TransitionError{SessionID: m.sessionID, From: from, Event: req.event, Reason: reason, Err: err}
	}
	if err := ctx.Err(); err != nil {
		return from, err
	}

	sess, err := m.opts.Store.GetSession(ctx, m.sessionID)
	if err != nil {
		return from, fmt.Errorf("load session %d: %w", m.sessionID, err)
	}

	var to domain.State
	source := domain.SourceLocal
	if req.event == domain.EventAdoptRemote {
		if !req.target.Valid() {
			return reject(fmt.Sprintf("unknown state %q", req.target), ErrInvalidTransition)
		}
		if req.target == from {
			return from, nil
		}
		to = req.target
		source = domain.SourceRemote
	} else {
		if sess.Conflicted {
			return reject("resolve the sync conflict first", ErrSessionConflicted)
		}
		next, ok := Next(from, req.event)
		if !ok {
			return reject("", ErrInvalidTransition)
		}
		to = next
		if reason, err := m.checkGuard(ctx, sess, from, to); err != nil {
			return from, err
		} else if reason != "" {
			return reject(reason, ErrGuardRejected)
		}
	}

	t := domain.Transition{
		SessionID: m.sessionID,
		From:      from,
		To:        to,
		Event:     req.event,
		Actor:     req.actor,
		Source:    source,
		At:        m.opts.Now().UTC(),
	}

	m.mu.Lock()
	t.Seq = m.logLen + 1
	if err := m.opts.Store.AppendTransition(ctx, t); err != nil {
		m.mu.Unlock()
		return from, fmt.Errorf("record transition: %w", err)
	}
	m.state = to
	m.logLen = t.Seq
	m.mu.Unlock()

	m.logger.Info("Session transition",
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("event", string(req.event)),
		zap.String("actor", req.actor))

	if from == domain.StateBaselineCollection {
		m.freezeBaseline(ctx)
	}
	m.opts.Pub.Publish(broadcast.Event{
		Type:      broadcast.EventStateChanged,
		SessionID: m.sessionID,
		At:        t.At,
		Data:      t,
	})
	if m.opts.Sync != nil {
		if err := m.opts.Sync.SessionChanged(ctx, m.sessionID, t.Seq); err != nil {
			m.logger.Warn("Failed to queue session for sync", zap.Error(err))
		}
	}
	return to, nil
}

// checkGuard returns a non-empty reason when the transition must be refused,
// or an error if the guard could not be evaluated.
func (m *Machine) checkGuard(ctx context.Context, sess domain.Session, from, to domain.State) (string, error) {
	m.mu.RLock()
	link := m.link
	m.mu.RUnlock()

	switch {
	case to == domain.StateCancelled:
		return "", nil

	case from == domain.StatePetSelection:
		if sess.AnimalID == uuid.Nil {
			return "no animal selected", nil
		}

	case from == domain.StateCollarPairing:
		if sess.CollarID == "" {
			return "no collar assigned", nil
		}
		if link == nil || !link.Connected() {
			return "telemetry link not connected", nil
		}

	case from == domain.StateBaselineCollection:
		b, err := m.opts.Store.GetBaseline(ctx, m.sessionID)
		if err != nil {
			if isNotFound(err) {
				return "baseline not computed", nil
			}
			return "", fmt.Errorf("load baseline: %w", err)
		}
		if b.SampleCount < m.opts.Guards.BaselineMinSamples {
			return fmt.Sprintf("baseline has %d samples, need %d", b.SampleCount, m.opts.Guards.BaselineMinSamples), nil
		}
		if b.Span < m.opts.Guards.BaselineMinSpan {
			return fmt.Sprintf("baseline spans %s, need %s", b.Span, m.opts.Guards.BaselineMinSpan), nil
		}

	case from == domain.StateSurgery || from == domain.StateCalibration:
		if link != nil && link.Lost() {
			return "telemetry link lost", nil
		}

	case from == domain.StateEndSession:
		n, err := m.opts.Store.UnqueuedCount(ctx, m.sessionID)
		if err != nil {
			return "", fmt.Errorf("count unqueued entities: %w", err)
		}
		if n > 0 {
			return fmt.Sprintf("%d entities not queued for sync", n), nil
		}
	}
	return "", nil
}

func (m *Machine) freezeBaseline(ctx context.Context) {
	if _, err := m.opts.Store.FreezeBaseline(ctx, m.sessionID); err != nil && !isNotFound(err) {
		m.logger.Error("Failed to freeze baseline", zap.Error(err))
	}
}

func isNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound)
}
