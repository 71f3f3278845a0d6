package telemetry

import (
	"context"
	"errors"
	"fmt"
)

// ScanResult describes a collar seen during discovery.
type ScanResult struct {
	CollarID   string `json:"collar_id"`
	Name       string `json:"name"`
	Model      string `json:"model"`
	Firmware   string `json:"firmware"`
	RSSI       int    `json:"rssi"`
	BatteryPct int    `json:"battery_pct"`
}

// Conn is an open notification stream from one collar.
type Conn interface {
	// ReadFrame blocks until the next enveloped frame arrives. Any error ends
	// the connection.
	ReadFrame(ctx context.Context) ([]byte, error)
	RSSI() int
	Close() error
}

// Transport abstracts the radio stack.
type Transport interface {
	Scan(ctx context.Context) ([]ScanResult, error)
	Dial(ctx context.Context, collarID string) (Conn, error)
}

// ErrLinkLost is wrapped by LinkError once reconnect attempts are exhausted.
var ErrLinkLost = errors.New("link lost")

// ErrNotConnected is returned by operations that need an open link.
var ErrNotConnected = errors.New("link not connected")

// LinkError reports a failed connect or reconnect sequence.
type LinkError struct {
	CollarID string
	Op       string
	Attempts int
	Err      error
}

func (e *LinkError) Error() string {
	return fmt.Sprintf("telemetry %s %s after %d attempt(s): %v", e.Op, e.CollarID, e.Attempts, e.Err)
}

func (e *LinkError) Unwrap() error { return e.Err }
