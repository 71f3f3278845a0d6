package domain

// State is a step of the perioperative workflow.
type State string

const (
	StatePetSelection       State = "pet_selection"
	StateCollarPairing      State = "collar_pairing"
	StateBaselineCollection State = "baseline_collection"
	StatePreSurgery         State = "pre_surgery"
	StateSurgery            State = "surgery"
	StateCalibration        State = "calibration"
	StateRecovery           State = "recovery"
	StateEndSession         State = "end_session"
	StateComplete           State = "complete"
	StateCancelled          State = "cancelled"
)

// workflow lists the non-cancelled states in clinical order.
var workflow = []State{
	StatePetSelection,
	StateCollarPairing,
	StateBaselineCollection,
	StatePreSurgery,
	StateSurgery,
	StateCalibration,
	StateRecovery,
	StateEndSession,
	StateComplete,
}

// States lists every state in workflow order, Cancelled last.
func States() []State {
	return append(append([]State(nil), workflow...), StateCancelled)
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	return s == StateCancelled || s.Rank() >= 0
}

// Rank is the position of s in the clinical workflow. Cancelled ranks after
// every workflow state; unknown states rank -1.
func (s State) Rank() int {
	if s == StateCancelled {
		return len(workflow)
	}
	for i, w := range workflow {
		if w == s {
			return i
		}
	}
	return -1
}

// Terminal reports whether no further transitions are possible from s.
func (s State) Terminal() bool {
	return s == StateComplete || s == StateCancelled
}

// SamplingAllowed reports whether vital samples may be attributed to a
// session in state s.
func (s State) SamplingAllowed() bool {
	switch s {
	case StateBaselineCollection, StatePreSurgery, StateSurgery, StateCalibration, StateRecovery:
		return true
	default:
		return false
	}
}

// Event is an operator command that drives a state transition.
type Event string

const (
	EventSelectAnimal     Event = "select_animal"
	EventPairCollar       Event = "pair_collar"
	EventCompleteBaseline Event = "complete_baseline"
	EventStartSurgery     Event = "start_surgery"
	EventBeginCalibration Event = "begin_calibration"
	EventBeginRecovery    Event = "begin_recovery"
	EventEndMonitoring    Event = "end_monitoring"
	EventFinalize         Event = "finalize"
	EventCancel           Event = "cancel"

	// EventAdoptRemote records a state taken over from the backend while
	// resolving a conflict. It is never issued by an operator.
	EventAdoptRemote Event = "adopt_remote"
)
