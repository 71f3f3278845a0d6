package repository

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/septivank/vetsync-engine/internal/db"
	"github.com/septivank/vetsync-engine/internal/domain"
	"github.com/septivank/vetsync-engine/internal/protocol"
)

type uploadKey struct {
	device, key string
}

// Memory implements Repository in process. It backs tests and the backend's
// development mode.
type Memory struct {
	mu          sync.RWMutex
	uploads     map[uploadKey]protocol.SessionAck
	sessions    map[int64]protocol.RemoteSession
	samples     map[int64]map[int64]domain.VitalSample
	annotations map[uuid.UUID]domain.Annotation
	baselines   map[int64]domain.BaselineData
	live        map[int64]db.LiveStatus
}

func NewMemory() *Memory {
	return &Memory{
		uploads:     make(map[uploadKey]protocol.SessionAck),
		sessions:    make(map[int64]protocol.RemoteSession),
		samples:     make(map[int64]map[int64]domain.VitalSample),
		annotations: make(map[uuid.UUID]domain.Annotation),
		baselines:   make(map[int64]domain.BaselineData),
		live:        make(map[int64]db.LiveStatus),
	}
}

func (m *Memory) claim(deviceID, key string) (protocol.SessionAck, bool) {
	k := uploadKey{deviceID, key}
	ack, seen := m.uploads[k]
	return ack, seen
}

func (m *Memory) ApplySession(_ context.Context, deviceID, key string, p protocol.SessionPush, at time.Time) (protocol.SessionAck, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ack, seen := m.claim(deviceID, key); seen {
		return ack, true, nil
	}
	cur, ok := m.sessions[p.SessionID]
	if ok && p.BaseVersion < cur.Version {
		return protocol.SessionAck{}, false, conflict(p.SessionID, cur.Version, string(cur.State))
	}
	cur = protocol.RemoteSession{
		SessionID: p.SessionID,
		DeviceID:  deviceID,
		Version:   cur.Version + 1,
		State:     p.State,
		UpdatedAt: at,
	}
	m.sessions[p.SessionID] = cur
	ack := protocol.SessionAck{SessionID: p.SessionID, Version: cur.Version, State: cur.State}
	m.uploads[uploadKey{deviceID, key}] = ack
	return ack, false, nil
}

func (m *Memory) ApplySamples(_ context.Context, deviceID, key string, b protocol.SampleBatch, _ time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, seen := m.claim(deviceID, key); seen {
		return true, nil
	}
	if m.samples[b.SessionID] == nil {
		m.samples[b.SessionID] = make(map[int64]domain.VitalSample)
	}
	for _, s := range b.Samples {
		if _, ok := m.samples[b.SessionID][s.Seq]; !ok {
			m.samples[b.SessionID][s.Seq] = s
		}
	}
	m.uploads[uploadKey{deviceID, key}] = protocol.SessionAck{}
	return false, nil
}

func (m *Memory) ApplyAnnotation(_ context.Context, deviceID, key string, a domain.Annotation, _ time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, seen := m.claim(deviceID, key); seen {
		return true, nil
	}
	if _, ok := m.annotations[a.ID]; !ok {
		m.annotations[a.ID] = a
	}
	m.uploads[uploadKey{deviceID, key}] = protocol.SessionAck{}
	return false, nil
}

func (m *Memory) ApplyBaseline(_ context.Context, deviceID, key string, b domain.BaselineData, _ time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, seen := m.claim(deviceID, key); seen {
		return true, nil
	}
	m.baselines[b.SessionID] = b
	m.uploads[uploadKey{deviceID, key}] = protocol.SessionAck{}
	return false, nil
}

func (m *Memory) GetSession(_ context.Context, sessionID int64) (protocol.RemoteSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rs, ok := m.sessions[sessionID]
	if !ok {
		return protocol.RemoteSession{SessionID: sessionID}, ErrNotFound
	}
	return rs, nil
}

func (m *Memory) SampleCount(_ context.Context, sessionID int64) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.samples[sessionID]), nil
}

func (m *Memory) GetLiveStatus(_ context.Context, sessionID int64) (db.LiveStatus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.live[sessionID]
	if !ok {
		return db.LiveStatus{SessionID: sessionID}, ErrNotFound
	}
	return s, nil
}

func (m *Memory) PutLiveStatus(_ context.Context, s db.LiveStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.live[s.SessionID] = s
	return nil
}

func (m *Memory) Ping(context.Context) error { return nil }

var (
	_ Repository = (*Memory)(nil)
	_ Repository = (*Postgres)(nil)
)
