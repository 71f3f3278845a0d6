package domain

import (
	"time"

	"github.com/google/uuid"
)

// Species identifies the animal family used to pick physiological bounds.
type Species string

const (
	SpeciesDog    Species = "dog"
	SpeciesCat    Species = "cat"
	SpeciesRabbit Species = "rabbit"
	SpeciesOther  Species = "other"
)

// Range is a closed numeric interval.
type Range struct {
	Min float64 `json:"min" yaml:"min"`
	Max float64 `json:"max" yaml:"max"`
}

// Contains reports whether v lies within the range.
func (r Range) Contains(v float64) bool {
	return v >= r.Min && v <= r.Max
}

// VitalRanges holds the normal ranges for the monitored vitals.
type VitalRanges struct {
	HeartRate       Range `json:"heart_rate" yaml:"heart_rate"`
	RespirationRate Range `json:"respiration_rate" yaml:"respiration_rate"`
	Temperature     Range `json:"temperature" yaml:"temperature"`
}

// Animal is the patient being monitored.
type Animal struct {
	ID          uuid.UUID   `json:"id"`
	Name        string      `json:"name"`
	Species     Species     `json:"species"`
	Breed       string      `json:"breed"`
	WeightKg    float64     `json:"weight_kg"`
	Ranges      VitalRanges `json:"ranges"`
	CreatedAt   time.Time   `json:"created_at"`
	CorrectedAt *time.Time  `json:"corrected_at,omitempty"`
	CorrectedBy string      `json:"corrected_by,omitempty"`
}

// Collar is a BLE sensor collar seen during a scan.
type Collar struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Model      string    `json:"model"`
	Firmware   string    `json:"firmware"`
	BatteryPct int       `json:"battery_pct"`
	RSSI       int       `json:"rssi"`
	LastSeenAt time.Time `json:"last_seen_at"`
}

// Session is one unit of perioperative monitoring for one animal.
type Session struct {
	ID            int64      `json:"id"`
	DeviceID      string     `json:"device_id"`
	AnimalID      uuid.UUID  `json:"animal_id"`
	CollarID      string     `json:"collar_id"`
	State         State      `json:"state"`
	StartedAt     time.Time  `json:"started_at"`
	EndedAt       *time.Time `json:"ended_at,omitempty"`
	RemoteVersion int64      `json:"remote_version"`
	Conflicted    bool       `json:"conflicted"`
}

// TransitionSource tells whether a transition was applied by a local
// operator or adopted from the backend.
type TransitionSource string

const (
	SourceLocal  TransitionSource = "local"
	SourceRemote TransitionSource = "remote"
)

// Transition is an immutable entry of a session's transition log.
type Transition struct {
	SessionID int64            `json:"session_id"`
	Seq       int              `json:"seq"`
	From      State            `json:"from"`
	To        State            `json:"to"`
	Event     Event            `json:"event"`
	Actor     string           `json:"actor"`
	Source    TransitionSource `json:"source"`
	At        time.Time        `json:"at"`
}

// VitalSample is one extracted vitals reading. Samples are immutable and
// ordered by Seq within their session.
type VitalSample struct {
	SessionID       int64     `json:"session_id"`
	Seq             int64     `json:"seq"`
	RecordedAt      time.Time `json:"recorded_at"`
	HeartRate       float64   `json:"heart_rate"`
	RespirationRate float64   `json:"respiration_rate"`
	Temperature     float64   `json:"temperature"`
	MotionIndex     float64   `json:"motion_index"`
	SignalQuality   float64   `json:"signal_quality"`
	State           State     `json:"state"`
}

// MetricStats summarises one vital over the baseline window.
type MetricStats struct {
	Mean     float64 `json:"mean"`
	Variance float64 `json:"variance"`
	Normal   Range   `json:"normal"`
}

// BaselineData is the pre-surgical reference derived from baseline samples.
type BaselineData struct {
	SessionID       int64         `json:"session_id"`
	HeartRate       MetricStats   `json:"heart_rate"`
	RespirationRate MetricStats   `json:"respiration_rate"`
	Temperature     MetricStats   `json:"temperature"`
	SampleCount     int           `json:"sample_count"`
	Span            time.Duration `json:"span"`
	ComputedAt      time.Time     `json:"computed_at"`
	Frozen          bool          `json:"frozen"`
}

// AnnotationCode classifies a clinician annotation.
type AnnotationCode string

const (
	AnnotationNote       AnnotationCode = "note"
	AnnotationInduction  AnnotationCode = "induction"
	AnnotationIncision   AnnotationCode = "incision"
	AnnotationMedication AnnotationCode = "medication"
	AnnotationExtubation AnnotationCode = "extubation"
	AnnotationAlert      AnnotationCode = "vitals_alert"
)

// Annotation is a clinician-entered event anchored to a session timestamp.
type Annotation struct {
	ID        uuid.UUID      `json:"id"`
	SessionID int64          `json:"session_id"`
	At        time.Time      `json:"at"`
	Code      AnnotationCode `json:"code"`
	Text      string         `json:"text"`
	Author    string         `json:"author"`
	CreatedAt time.Time      `json:"created_at"`
}

// RawFrame is one sensor frame as delivered by the telemetry link. The
// payload is opaque to the link.
type RawFrame struct {
	CollarID   string
	Counter    uint16
	DeviceTime time.Duration
	ReceivedAt time.Time
	Payload    []byte
}
