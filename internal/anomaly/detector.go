// Package anomaly flags vital samples that deviate from the session
// baseline or leave the animal's normal ranges.
package anomaly

import (
	"fmt"
	"math"

	"github.com/septivank/vetsync-engine/internal/domain"
)

// Metric names a monitored vital.
type Metric string

const (
	MetricHeartRate       Metric = "heart_rate"
	MetricRespirationRate Metric = "respiration_rate"
	MetricTemperature     Metric = "temperature"
)

// MinStdDev is the smallest baseline spread assumed for m: the resolution
// it is reported at. A perfectly steady baseline still gets a usable band.
func MinStdDev(m Metric) float64 {
	if m == MetricTemperature {
		return 0.1
	}
	return 1
}

// Alert describes one abnormal reading.
type Alert struct {
	Metric Metric  `json:"metric"`
	Value  float64 `json:"value"`
	Reason string  `json:"reason"`
}

// Detector handles deviation detection for one session. It is edge
// triggered: a metric alerts when it becomes abnormal and again only after
// it has returned to normal.
type Detector struct {
	deviationSigma            float64
	minDataPointsForDetection int

	baseline *domain.BaselineData
	normal   domain.VitalRanges
	active   map[Metric]bool
}

// NewDetector creates a detector that alerts on readings further than
// deviationSigma standard deviations from the baseline mean. Baselines with
// fewer than minDataPointsForDetection samples are ignored.
func NewDetector(deviationSigma float64, minDataPointsForDetection int, normal domain.VitalRanges) *Detector {
	if deviationSigma <= 0 {
		deviationSigma = 3
	}
	return &Detector{
		deviationSigma:            deviationSigma,
		minDataPointsForDetection: minDataPointsForDetection,
		normal:                    normal,
		active:                    make(map[Metric]bool),
	}
}

// SetBaseline installs the frozen baseline of the session.
func (d *Detector) SetBaseline(b domain.BaselineData) {
	d.baseline = &b
}

// Watches reports whether samples taken in state are checked.
func Watches(state domain.State) bool {
	switch state {
	case domain.StateSurgery, domain.StateCalibration, domain.StateRecovery:
		return true
	}
	return false
}

// Check returns the alerts raised by v.
func (d *Detector) Check(v domain.VitalSample) []Alert {
	var alerts []Alert
	for _, m := range []struct {
		metric Metric
		value  float64
		normal domain.Range
		stats  func(domain.BaselineData) domain.MetricStats
	}{
		{MetricHeartRate, v.HeartRate, d.normal.HeartRate, func(b domain.BaselineData) domain.MetricStats { return b.HeartRate }},
		{MetricRespirationRate, v.RespirationRate, d.normal.RespirationRate, func(b domain.BaselineData) domain.MetricStats { return b.RespirationRate }},
		{MetricTemperature, v.Temperature, d.normal.Temperature, func(b domain.BaselineData) domain.MetricStats { return b.Temperature }},
	} {
		reason, abnormal := "", false
		// RR and temperature read 0 when unavailable.
		if m.value != 0 || m.metric == MetricHeartRate {
			reason, abnormal = d.detect(m.metric, m.value, m.normal, m.stats)
		}
		if !abnormal {
			delete(d.active, m.metric)
			continue
		}
		if d.active[m.metric] {
			continue
		}
		d.active[m.metric] = true
		alerts = append(alerts, Alert{Metric: m.metric, Value: m.value, Reason: reason})
	}
	return alerts
}

func (d *Detector) detect(metric Metric, value float64, normal domain.Range, stats func(domain.BaselineData) domain.MetricStats) (string, bool) {
	if value < 0 {
		return "negative value", true
	}

	if b := d.baseline; b != nil && b.SampleCount >= d.minDataPointsForDetection {
		s := stats(*b)
		std := max(math.Sqrt(s.Variance), MinStdDev(metric))
		if math.Abs(value-s.Mean) > d.deviationSigma*std {
			return fmt.Sprintf("value %.1f deviates more than %.1f sigma from baseline mean %.1f",
				value, d.deviationSigma, s.Mean), true
		}
	}

	if normal.Max > 0 && !normal.Contains(value) {
		return fmt.Sprintf("value %.1f outside normal range %.1f-%.1f", value, normal.Min, normal.Max), true
	}

	return "", false
}
