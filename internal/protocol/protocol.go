// Package protocol defines the JSON bodies exchanged between the engine's
// sync engine and the backend.
package protocol

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/septivank/vetsync-engine/internal/domain"
)

// IdempotencyHeader carries the idempotency key of an upload.
const IdempotencyHeader = "Idempotency-Key"

// DeviceHeader identifies the uploading device.
const DeviceHeader = "X-Device-ID"

// SessionPush uploads a session's state and transition log. BaseVersion is
// the backend version the device last saw; the backend refuses the push
// when its version is newer.
type SessionPush struct {
	SessionID   int64               `json:"session_id"`
	DeviceID    string              `json:"device_id"`
	AnimalID    uuid.UUID           `json:"animal_id"`
	CollarID    string              `json:"collar_id"`
	State       domain.State        `json:"state"`
	StartedAt   time.Time           `json:"started_at"`
	EndedAt     *time.Time          `json:"ended_at,omitempty"`
	BaseVersion int64               `json:"base_version"`
	Transitions []domain.Transition `json:"transitions"`
}

// SessionAck is the backend's answer to an accepted SessionPush.
type SessionAck struct {
	SessionID int64        `json:"session_id"`
	Version   int64        `json:"version"`
	State     domain.State `json:"state"`
}

// RemoteSession is the backend's current view of a session.
type RemoteSession struct {
	SessionID int64        `json:"session_id"`
	DeviceID  string       `json:"device_id"`
	Version   int64        `json:"version"`
	State     domain.State `json:"state"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// ConflictBody is returned with 409 Conflict when a push is based on a
// stale version.
type ConflictBody struct {
	Error         string       `json:"error"`
	RemoteVersion int64        `json:"remote_version"`
	RemoteState   domain.State `json:"remote_state"`
}

// ConflictError is the client-side form of a ConflictBody.
type ConflictError struct {
	SessionID     int64
	RemoteVersion int64
	RemoteState   domain.State
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("session %d conflicts with remote version %d (%s)", e.SessionID, e.RemoteVersion, e.RemoteState)
}

// SampleBatch uploads a contiguous offset range of samples.
type SampleBatch struct {
	SessionID int64                `json:"session_id"`
	DeviceID  string               `json:"device_id"`
	From      int64                `json:"from"`
	To        int64                `json:"to"`
	Samples   []domain.VitalSample `json:"samples"`
}

// ErrorBody is the generic error response.
type ErrorBody struct {
	Error string `json:"error"`
}

// UploadAck acknowledges an idempotent upload. Duplicate is set when the key
// had already been applied.
type UploadAck struct {
	Key       string `json:"key"`
	Duplicate bool   `json:"duplicate"`
}
