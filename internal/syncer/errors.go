package syncer

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/septivank/vetsync-engine/internal/domain"
)

var (
	ErrNotConflicted       = errors.New("session is not conflicted")
	ErrRecordNotConflicted = errors.New("sync record is not conflicted")
	ErrUnknownResolution   = errors.New("unknown resolution")
	ErrSyncTimeout         = errors.New("sync request timed out")
)

// SyncError describes a failed delivery of one sync record.
type SyncError struct {
	Key       string
	Kind      domain.EntityKind
	Transient bool
	Err       error
}

func (e *SyncError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("sync %s (%s): %v", e.Key, kind, e.Err)
}

func (e *SyncError) Unwrap() error { return e.Err }

type temporary interface {
	Temporary() bool
}

// isTransient classifies a delivery error. Network errors are always
// retried, whatever their Temporary reports. Errors that do not say
// otherwise are retried too; the attempt cap bounds them.
func isTransient(err error) bool {
	if errors.Is(err, ErrSyncTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var permanent *PermanentError
	if errors.As(err, &permanent) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var t temporary
	if errors.As(err, &t) {
		return t.Temporary()
	}
	return true
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// PermanentError marks an error the backend will never accept.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }
