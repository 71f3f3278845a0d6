package session

import (
	"errors"
	"fmt"

	"github.com/septivank/vetsync-engine/internal/domain"
)

var (
	ErrInvalidTransition = errors.New("invalid transition")
	ErrGuardRejected     = errors.New("transition guard rejected")
	ErrSessionConflicted = errors.New("session is conflicted")
	ErrCorruptLog        = errors.New("transition log is inconsistent")
)

// TransitionError describes a rejected transition request.
type TransitionError struct {
	SessionID int64
	From      domain.State
	Event     domain.Event
	Reason    string
	Err       error
}

func (e *TransitionError) Error() string {
	msg := fmt.Sprintf("session %d: %s from %s: %v", e.SessionID, e.Event, e.From, e.Err)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *TransitionError) Unwrap() error { return e.Err }

var graph = map[domain.State]map[domain.Event]domain.State{
	domain.StatePetSelection:       {domain.EventSelectAnimal: domain.StateCollarPairing},
	domain.StateCollarPairing:      {domain.EventPairCollar: domain.StateBaselineCollection},
	domain.StateBaselineCollection: {domain.EventCompleteBaseline: domain.StatePreSurgery},
	domain.StatePreSurgery:         {domain.EventStartSurgery: domain.StateSurgery},
	domain.StateSurgery:            {domain.EventBeginCalibration: domain.StateCalibration},
	domain.StateCalibration:        {domain.EventBeginRecovery: domain.StateRecovery},
	domain.StateRecovery:           {domain.EventEndMonitoring: domain.StateEndSession},
	domain.StateEndSession:         {domain.EventFinalize: domain.StateComplete},
}

// Next returns the state reached from `from` on ev, if the graph defines it.
// Cancel is accepted from every non-terminal state. Adopted remote states
// are not part of the graph.
func Next(from domain.State, ev domain.Event) (domain.State, bool) {
	if from.Terminal() {
		return "", false
	}
	if ev == domain.EventCancel {
		return domain.StateCancelled, true
	}
	to, ok := graph[from][ev]
	return to, ok
}

// Events lists the events accepted in state s.
func Events(s domain.State) []domain.Event {
	if s.Terminal() {
		return nil
	}
	var out []domain.Event
	for ev := range graph[s] {
		out = append(out, ev)
	}
	return append(out, domain.EventCancel)
}

// Replay rebuilds the state reached by a transition log, checking that every
// entry is contiguous and allowed. Entries adopted from the backend are
// accepted for any valid target state.
func Replay(log []domain.Transition) (domain.State, error) {
	state := domain.StatePetSelection
	for i, t := range log {
		if t.Seq != i+1 {
			return state, fmt.Errorf("%w: entry %d has seq %d", ErrCorruptLog, i+1, t.Seq)
		}
		if t.From != state {
			return state, fmt.Errorf("%w: entry %d starts at %s, expected %s", ErrCorruptLog, t.Seq, t.From, state)
		}
		if t.Event == domain.EventAdoptRemote {
			if !t.To.Valid() {
				return state, fmt.Errorf("%w: entry %d adopts unknown state %q", ErrCorruptLog, t.Seq, t.To)
			}
			state = t.To
			continue
		}
		to, ok := Next(state, t.Event)
		if !ok || to != t.To {
			return state, fmt.Errorf("%w: entry %d: %s from %s cannot reach %s", ErrCorruptLog, t.Seq, t.Event, state, t.To)
		}
		state = to
	}
	return state, nil
}
