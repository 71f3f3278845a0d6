package repository

import (
	"context"
	"errors"
	"time"

	"github.com/septivank/vetsync-engine/internal/db"
	"github.com/septivank/vetsync-engine/internal/domain"
	"github.com/septivank/vetsync-engine/internal/protocol"
)

// ErrNotFound is returned when a row does not exist
var ErrNotFound = errors.New("not found")

// Repository handles backend persistence. Every Apply method is idempotent
// per (device, key): a repeated key returns duplicate=true and applies
// nothing.
type Repository interface {
	// ApplySession stores a session push. A push based on a version older
	// than the stored one fails with *protocol.ConflictError.
	ApplySession(ctx context.Context, deviceID, key string, p protocol.SessionPush, at time.Time) (ack protocol.SessionAck, duplicate bool, err error)
	ApplySamples(ctx context.Context, deviceID, key string, b protocol.SampleBatch, at time.Time) (duplicate bool, err error)
	ApplyAnnotation(ctx context.Context, deviceID, key string, a domain.Annotation, at time.Time) (duplicate bool, err error)
	ApplyBaseline(ctx context.Context, deviceID, key string, b domain.BaselineData, at time.Time) (duplicate bool, err error)

	GetSession(ctx context.Context, sessionID int64) (protocol.RemoteSession, error)
	SampleCount(ctx context.Context, sessionID int64) (int, error)

	GetLiveStatus(ctx context.Context, sessionID int64) (db.LiveStatus, error)
	PutLiveStatus(ctx context.Context, s db.LiveStatus) error

	Ping(ctx context.Context) error
}

func conflict(sessionID, version int64, state string) error {
	return &protocol.ConflictError{SessionID: sessionID, RemoteVersion: version, RemoteState: domain.State(state)}
}
