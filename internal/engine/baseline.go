package engine

import (
	"math"
	"time"

	"github.com/septivank/vetsync-engine/internal/anomaly"
	"github.com/septivank/vetsync-engine/internal/domain"
)

// welford keeps a running mean and variance.
type welford struct {
	n    int
	mean float64
	m2   float64
}

func (w *welford) add(x float64) {
	w.n++
	d := x - w.mean
	w.mean += d / float64(w.n)
	w.m2 += d * (x - w.mean)
}

func (w welford) variance() float64 {
	if w.n < 2 {
		return 0
	}
	return w.m2 / float64(w.n-1)
}

// stats reports the mean, the sample variance and a normal range of two
// standard deviations around the mean, the deviation being at least minStd.
func (w welford) stats(minStd float64) domain.MetricStats {
	if w.n == 0 {
		return domain.MetricStats{}
	}
	v := w.variance()
	std := max(math.Sqrt(v), minStd)
	return domain.MetricStats{
		Mean:     w.mean,
		Variance: v,
		Normal:   domain.Range{Min: w.mean - 2*std, Max: w.mean + 2*std},
	}
}

// baselineAcc accumulates BaselineData from the samples taken during
// BaselineCollection. Unavailable readings (0) are left out of their
// metric but still count as samples. Each sample covers one interval, so
// 120 samples at 500ms span a full minute.
type baselineAcc struct {
	hr, rr, temp welford
	count        int
	first, last  time.Time
	interval     time.Duration
}

func (a *baselineAcc) add(v domain.VitalSample) {
	if a.count == 0 || v.RecordedAt.Before(a.first) {
		a.first = v.RecordedAt
	}
	if v.RecordedAt.After(a.last) {
		a.last = v.RecordedAt
	}
	a.count++
	a.hr.add(v.HeartRate)
	if v.RespirationRate > 0 {
		a.rr.add(v.RespirationRate)
	}
	if v.Temperature != 0 {
		a.temp.add(v.Temperature)
	}
}

func (a *baselineAcc) data(sessionID int64, at time.Time) domain.BaselineData {
	var span time.Duration
	if a.count > 0 {
		span = a.last.Sub(a.first) + a.interval
	}
	return domain.BaselineData{
		SessionID:       sessionID,
		HeartRate:       a.hr.stats(anomaly.MinStdDev(anomaly.MetricHeartRate)),
		RespirationRate: a.rr.stats(anomaly.MinStdDev(anomaly.MetricRespirationRate)),
		Temperature:     a.temp.stats(anomaly.MinStdDev(anomaly.MetricTemperature)),
		SampleCount:     a.count,
		Span:            span,
		ComputedAt:      at,
	}
}
