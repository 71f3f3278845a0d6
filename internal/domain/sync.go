package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SyncStatus is the delivery state of a locally created entity.
type SyncStatus string

const (
	SyncPending      SyncStatus = "pending"
	SyncInFlight     SyncStatus = "in_flight"
	SyncAcknowledged SyncStatus = "acknowledged"
	SyncConflicted   SyncStatus = "conflicted"
)

// Settled reports whether the record needs no further automatic work.
func (s SyncStatus) Settled() bool {
	return s == SyncAcknowledged || s == SyncConflicted
}

// EntityKind is the type of entity a sync record tracks.
type EntityKind string

const (
	KindSession     EntityKind = "session"
	KindSampleBatch EntityKind = "sample_batch"
	KindAnnotation  EntityKind = "annotation"
	KindBaseline    EntityKind = "baseline"
)

// SyncRecord tracks delivery of one entity (or one sample range) to the
// backend.
type SyncRecord struct {
	ID            uuid.UUID  `json:"id"`
	Order         int64      `json:"order"`
	SessionID     int64      `json:"session_id"`
	Kind          EntityKind `json:"kind"`
	EntityRef     string     `json:"entity_ref"`
	RangeFrom     int64      `json:"range_from"`
	RangeTo       int64      `json:"range_to"`
	Sealed        bool       `json:"sealed"`
	Status        SyncStatus `json:"status"`
	Attempts      int        `json:"attempts"`
	NextAttemptAt time.Time  `json:"next_attempt_at"`
	LastError     string     `json:"last_error,omitempty"`
	RemoteVersion int64      `json:"remote_version,omitempty"`
	RemoteState   State      `json:"remote_state,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// IdempotencyKey identifies the logical update carried by the record, so
// repeated delivery is a no-op on the backend.
func (r SyncRecord) IdempotencyKey() string {
	switch r.Kind {
	case KindSampleBatch:
		return fmt.Sprintf("%d:%s:%d-%d", r.SessionID, r.Kind, r.RangeFrom, r.RangeTo)
	default:
		return fmt.Sprintf("%d:%s:%s", r.SessionID, r.Kind, r.EntityRef)
	}
}

// Resolution is an operator's choice when settling a conflicted session.
type Resolution string

const (
	ResolveKeepLocal  Resolution = "keep_local"
	ResolveKeepRemote Resolution = "keep_remote"
	ResolveMerge      Resolution = "merge"
)

// Valid reports whether r is a known resolution.
func (r Resolution) Valid() bool {
	switch r {
	case ResolveKeepLocal, ResolveKeepRemote, ResolveMerge:
		return true
	}
	return false
}
