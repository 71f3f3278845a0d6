package db

import (
	"time"

	"github.com/google/uuid"
)

// SessionRow is the backend's authoritative copy of a session
type SessionRow struct {
	SessionID   int64
	DeviceID    string
	AnimalID    uuid.UUID
	CollarID    string
	State       string
	Version     int64
	StartedAt   time.Time
	EndedAt     *time.Time
	Transitions []byte
	UpdatedAt   time.Time
}

// UploadRow records an applied idempotency key and the response it produced
type UploadRow struct {
	DeviceID   string
	Key        string
	SessionID  int64
	Kind       string
	Response   []byte
	ReceivedAt time.Time
}

// LiveStatus is the read model fed from the broadcast exchange
type LiveStatus struct {
	SessionID       int64
	CollarID        string
	State           string
	LinkState       string
	HeartRate       *float64
	RespirationRate *float64
	LastEventType   string
	LastEventAt     time.Time
	AlertCount      int
	UpdatedAt       time.Time
}
