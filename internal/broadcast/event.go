// Package broadcast fans engine events out to local and remote observers.
// Delivery is best-effort: the local session store stays authoritative.
package broadcast

import (
	"context"
	"encoding/json"
	"strconv"
	"time"
)

// EventType categorises broadcast events.
type EventType string

const (
	EventVitals         EventType = "vitals"
	EventWaveform       EventType = "waveform"
	EventVitalsAlert    EventType = "vitals_alert"
	EventStateChanged   EventType = "state_changed"
	EventLinkStatus     EventType = "link_status"
	EventLinkDegraded   EventType = "link_degraded"
	EventLinkLost       EventType = "link_lost"
	EventSyncStatus     EventType = "sync_status"
	EventConflict       EventType = "conflict"
	EventStorageFailure EventType = "storage_failure"
)

// Event is one broadcast message.
type Event struct {
	Type      EventType `json:"type"`
	SessionID int64     `json:"session_id,omitempty"`
	CollarID  string    `json:"collar_id,omitempty"`
	At        time.Time `json:"at"`
	Data      any       `json:"data,omitempty"`
}

// Envelope is an Event as read back from the wire, with Data left raw for
// the consumer to decode by Type.
type Envelope struct {
	Type      EventType       `json:"type"`
	SessionID int64           `json:"session_id,omitempty"`
	CollarID  string          `json:"collar_id,omitempty"`
	At        time.Time       `json:"at"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// RoutingKey is the topic key used when the event leaves the process,
// e.g. "session.42.vitals".
func (e Event) RoutingKey() string {
	if e.SessionID == 0 {
		return "device." + string(e.Type)
	}
	return "session." + strconv.FormatInt(e.SessionID, 10) + "." + string(e.Type)
}

// Publisher accepts events for fan-out. Publish must not block.
type Publisher interface {
	Publish(Event)
}

// Subscriber is the capability an observer implements to be attached to a
// Hub.
type Subscriber interface {
	Receive(ctx context.Context, ev Event) error
}

// Discard is a Publisher that drops everything.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(Event) {}
