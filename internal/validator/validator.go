package validator

import (
	"fmt"
	"time"

	"github.com/septivank/vetsync-engine/internal/domain"
	"github.com/septivank/vetsync-engine/internal/protocol"
	"github.com/septivank/vetsync-engine/tools/timeparser"
)

// ValidationResult holds validation outcome
type ValidationResult struct {
	IsValid bool
	Reason  string
}

func invalid(format string, args ...any) ValidationResult {
	return ValidationResult{Reason: fmt.Sprintf(format, args...)}
}

var valid = ValidationResult{IsValid: true}

// Validator checks uploads before the backend applies them
type Validator struct {
	clockSkew time.Duration
	maxBatch  int
}

// NewValidator creates a validator. clockSkew bounds how far ahead of the
// receive time a device timestamp may be; maxBatch bounds batch length.
func NewValidator(clockSkew time.Duration, maxBatch int) *Validator {
	if maxBatch <= 0 {
		maxBatch = 1000
	}
	return &Validator{clockSkew: clockSkew, maxBatch: maxBatch}
}

// ValidateSessionPush checks a session upload against the session in the
// path and its own transition log.
func (v *Validator) ValidateSessionPush(sessionID int64, p protocol.SessionPush, receivedAt time.Time) ValidationResult {
	if p.SessionID != sessionID {
		return invalid("session id %d does not match path %d", p.SessionID, sessionID)
	}
	if !p.State.Valid() {
		return invalid("unknown state %q", p.State)
	}
	if p.BaseVersion < 0 {
		return invalid("negative base version")
	}
	if !timeparser.NotInFuture(p.StartedAt, receivedAt, v.clockSkew) {
		return invalid("started_at %s is ahead of server time", p.StartedAt.Format(time.RFC3339))
	}

	state := domain.StatePetSelection
	for i, t := range p.Transitions {
		if t.Seq != i+1 {
			return invalid("transition %d has seq %d", i+1, t.Seq)
		}
		if t.From != state {
			return invalid("transition %d starts from %s, expected %s", t.Seq, t.From, state)
		}
		if !t.To.Valid() {
			return invalid("transition %d targets unknown state %q", t.Seq, t.To)
		}
		state = t.To
	}
	if len(p.Transitions) > 0 && state != p.State {
		return invalid("state %s does not match transition log end %s", p.State, state)
	}
	return valid
}

// ValidateSampleBatch checks a sample batch: the range must be ordered, the
// samples must fall inside it and belong to the session.
func (v *Validator) ValidateSampleBatch(sessionID int64, b protocol.SampleBatch, receivedAt time.Time) ValidationResult {
	if b.SessionID != sessionID {
		return invalid("session id %d does not match path %d", b.SessionID, sessionID)
	}
	if b.From <= 0 || b.To < b.From {
		return invalid("invalid range %d-%d", b.From, b.To)
	}
	if len(b.Samples) > v.maxBatch {
		return invalid("batch of %d samples exceeds limit %d", len(b.Samples), v.maxBatch)
	}

	var prev int64
	for _, s := range b.Samples {
		if s.SessionID != sessionID {
			return invalid("sample %d belongs to session %d", s.Seq, s.SessionID)
		}
		if s.Seq < b.From || s.Seq > b.To {
			return invalid("sample %d outside range %d-%d", s.Seq, b.From, b.To)
		}
		if s.Seq <= prev {
			return invalid("sample %d out of order", s.Seq)
		}
		if !s.State.SamplingAllowed() {
			return invalid("sample %d recorded in state %s", s.Seq, s.State)
		}
		if s.HeartRate < 0 || s.RespirationRate < 0 {
			return invalid("negative value detected in sample %d", s.Seq)
		}
		if !timeparser.NotInFuture(s.RecordedAt, receivedAt, v.clockSkew) {
			return invalid("sample %d timestamp outside tolerance window (+%s)", s.Seq, v.clockSkew)
		}
		prev = s.Seq
	}
	return valid
}

// ValidateAnnotation checks one annotation upload.
func (v *Validator) ValidateAnnotation(sessionID int64, a domain.Annotation, receivedAt time.Time) ValidationResult {
	switch {
	case a.SessionID != sessionID:
		return invalid("session id %d does not match path %d", a.SessionID, sessionID)
	case a.Code == "":
		return invalid("empty annotation code")
	case a.At.IsZero():
		return invalid("annotation without timestamp")
	case !timeparser.NotInFuture(a.At, receivedAt, v.clockSkew):
		return invalid("annotation timestamp outside tolerance window (+%s)", v.clockSkew)
	}
	return valid
}

// ValidateBaseline checks a frozen baseline upload.
func (v *Validator) ValidateBaseline(sessionID int64, b domain.BaselineData) ValidationResult {
	switch {
	case b.SessionID != sessionID:
		return invalid("session id %d does not match path %d", b.SessionID, sessionID)
	case b.SampleCount <= 0:
		return invalid("baseline without samples")
	case b.HeartRate.Variance < 0 || b.RespirationRate.Variance < 0:
		return invalid("negative variance")
	}
	return valid
}
