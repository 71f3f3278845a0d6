package anomaly

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/septivank/vetsync-engine/internal/domain"
)

var dogNormal = domain.VitalRanges{
	HeartRate:       domain.Range{Min: 60, Max: 140},
	RespirationRate: domain.Range{Min: 10, Max: 30},
	Temperature:     domain.Range{Min: 37.5, Max: 39.2},
}

func baseline(count int) domain.BaselineData {
	return domain.BaselineData{
		HeartRate:       domain.MetricStats{Mean: 88, Variance: 16},
		RespirationRate: domain.MetricStats{Mean: 18, Variance: 4},
		Temperature:     domain.MetricStats{Mean: 38.4, Variance: 0.04},
		SampleCount:     count,
	}
}

func sample(hr, rr, temp float64) domain.VitalSample {
	return domain.VitalSample{HeartRate: hr, RespirationRate: rr, Temperature: temp}
}

func TestDetectorBaselineDeviation(t *testing.T) {
	d := NewDetector(3, 120, dogNormal)
	d.SetBaseline(baseline(120))

	assert.Empty(t, d.Check(sample(95, 18, 38.4)))

	alerts := d.Check(sample(101, 18, 38.4))
	require.Len(t, alerts, 1)
	assert.Equal(t, MetricHeartRate, alerts[0].Metric)
	assert.Equal(t, 101.0, alerts[0].Value)
	assert.Contains(t, alerts[0].Reason, "sigma from baseline mean 88.0")
}

func TestDetectorSteadyBaselineStillAlerts(t *testing.T) {
	d := NewDetector(3, 120, dogNormal)
	b := baseline(120)
	b.HeartRate.Variance = 0
	d.SetBaseline(b)

	assert.Empty(t, d.Check(sample(90, 18, 38.4)))

	alerts := d.Check(sample(92, 18, 38.4))
	require.Len(t, alerts, 1)
	assert.Equal(t, MetricHeartRate, alerts[0].Metric)
	assert.Contains(t, alerts[0].Reason, "sigma from baseline mean 88.0")
}

func TestDetectorIsEdgeTriggered(t *testing.T) {
	d := NewDetector(3, 120, dogNormal)
	d.SetBaseline(baseline(120))

	assert.Len(t, d.Check(sample(120, 18, 38.4)), 1)
	assert.Empty(t, d.Check(sample(121, 18, 38.4)), "still abnormal, no repeat")
	assert.Empty(t, d.Check(sample(90, 18, 38.4)))
	assert.Len(t, d.Check(sample(122, 18, 38.4)), 1, "abnormal again after recovery")
}

func TestDetectorSmallBaselineFallsBackToRanges(t *testing.T) {
	d := NewDetector(3, 120, dogNormal)
	d.SetBaseline(baseline(10))

	assert.Empty(t, d.Check(sample(110, 18, 38.4)))

	alerts := d.Check(sample(150, 18, 38.4))
	require.Len(t, alerts, 1)
	assert.Contains(t, alerts[0].Reason, "outside normal range 60.0-140.0")
}

func TestDetectorIgnoresUnavailableReadings(t *testing.T) {
	d := NewDetector(3, 120, dogNormal)
	d.SetBaseline(baseline(120))

	assert.Empty(t, d.Check(sample(88, 0, 0)))
}

func TestDetectorMultipleMetrics(t *testing.T) {
	d := NewDetector(0, 0, dogNormal)

	alerts := d.Check(sample(-1, 45, 40.5))
	require.Len(t, alerts, 3)
	assert.Equal(t, "negative value", alerts[0].Reason)
	assert.Equal(t, MetricRespirationRate, alerts[1].Metric)
	assert.Equal(t, MetricTemperature, alerts[2].Metric)
}

func TestWatches(t *testing.T) {
	assert.False(t, Watches(domain.StateBaselineCollection))
	assert.False(t, Watches(domain.StatePreSurgery))
	assert.True(t, Watches(domain.StateSurgery))
	assert.True(t, Watches(domain.StateCalibration))
	assert.True(t, Watches(domain.StateRecovery))
}
