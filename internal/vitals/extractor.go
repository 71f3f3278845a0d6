// Package vitals turns raw collar frames into vital signs using
// ballistocardiogram-style peak detection.
package vitals

import (
	"math"
	"time"

	"github.com/septivank/vetsync-engine/internal/domain"
)

// Config controls the extractor. Rate bounds normally come from the
// animal's species profile.
type Config struct {
	SampleRateHz     int
	EmitInterval     time.Duration
	CardiacWindow    time.Duration
	RespWindow       time.Duration
	GapTolerance     time.Duration
	QualityThreshold float64
	MotionLimit      float64
	WaveformEvery    int

	HeartRate       domain.Range
	RespirationRate domain.Range
}

// Stats counts what the extractor did with its input.
type Stats struct {
	Frames       int
	DecodeErrors int
	Gaps         int
	Emitted      int
	LowQuality   int
	OutOfRange   int
}

// Extractor is a deterministic streaming transform from frames to vital
// samples. It is not safe for concurrent use; each session pipeline owns
// one.
type Extractor struct {
	cfg Config

	times    []time.Duration
	mag      []float64
	pressure []float64
	temp     []float64

	started  bool
	lastTime time.Duration
	nextEmit time.Duration

	waveform []float64
	stats    Stats
}

// NewExtractor creates an extractor with cfg, filling zero values with
// defaults.
func NewExtractor(cfg Config) *Extractor {
	if cfg.SampleRateHz <= 0 {
		cfg.SampleRateHz = 50
	}
	if cfg.EmitInterval <= 0 {
		cfg.EmitInterval = 500 * time.Millisecond
	}
	if cfg.CardiacWindow <= 0 {
		cfg.CardiacWindow = 8 * time.Second
	}
	if cfg.RespWindow < cfg.CardiacWindow {
		cfg.RespWindow = cfg.CardiacWindow
	}
	if cfg.GapTolerance <= 0 {
		cfg.GapTolerance = 2 * time.Second
	}
	if cfg.MotionLimit <= 0 {
		cfg.MotionLimit = 0.25
	}
	if cfg.WaveformEvery <= 0 {
		cfg.WaveformEvery = 1
	}
	return &Extractor{cfg: cfg}
}

// Stats returns counters accumulated so far.
func (e *Extractor) Stats() Stats { return e.stats }

// Waveform returns the decimated cardiac channel of the last analysis.
func (e *Extractor) Waveform() []float64 {
	return append([]float64(nil), e.waveform...)
}

// Ingest consumes one frame. It returns a sample when an emission is due and
// the signal is good enough; no sample is the expected outcome for most
// frames and for poor signal.
func (e *Extractor) Ingest(f domain.RawFrame) (domain.VitalSample, bool) {
	e.stats.Frames++

	m, err := DecodePayload(f.Payload)
	if err != nil {
		e.stats.DecodeErrors++
		return domain.VitalSample{}, false
	}

	if e.started && (f.DeviceTime < e.lastTime || f.DeviceTime-e.lastTime > e.cfg.GapTolerance) {
		e.stats.Gaps++
		e.reset()
	}
	if !e.started {
		e.started = true
		e.nextEmit = f.DeviceTime + e.cfg.CardiacWindow
	}
	e.lastTime = f.DeviceTime

	e.times = append(e.times, f.DeviceTime)
	e.mag = append(e.mag, math.Sqrt(m.Accel[0]*m.Accel[0]+m.Accel[1]*m.Accel[1]+m.Accel[2]*m.Accel[2]))
	e.pressure = append(e.pressure, m.Pressure)
	e.temp = append(e.temp, m.TemperatureC)
	e.prune(f.DeviceTime)

	if f.DeviceTime < e.nextEmit {
		return domain.VitalSample{}, false
	}
	for e.nextEmit <= f.DeviceTime {
		e.nextEmit += e.cfg.EmitInterval
	}

	sample, ok := e.analyze()
	if !ok {
		return domain.VitalSample{}, false
	}
	sample.RecordedAt = f.ReceivedAt
	e.stats.Emitted++
	return sample, true
}

func (e *Extractor) reset() {
	e.times = e.times[:0]
	e.mag = e.mag[:0]
	e.pressure = e.pressure[:0]
	e.temp = e.temp[:0]
	e.started = false
	e.waveform = nil
}

// prune drops samples older than the respiration window.
func (e *Extractor) prune(now time.Duration) {
	cutoff := now - e.cfg.RespWindow
	i := 0
	for i < len(e.times) && e.times[i] <= cutoff {
		i++
	}
	if i == 0 {
		return
	}
	e.times = append(e.times[:0:0], e.times[i:]...)
	e.mag = append(e.mag[:0:0], e.mag[i:]...)
	e.pressure = append(e.pressure[:0:0], e.pressure[i:]...)
	e.temp = append(e.temp[:0:0], e.temp[i:]...)
}

func (e *Extractor) samplesFor(d time.Duration) int {
	return int(math.Round(d.Seconds() * float64(e.cfg.SampleRateHz)))
}

func (e *Extractor) analyze() (domain.VitalSample, bool) {
	fs := float64(e.cfg.SampleRateHz)

	n := min(len(e.mag), e.samplesFor(e.cfg.CardiacWindow))
	cardiac := e.mag[len(e.mag)-n:]

	// Remove posture and breathing drift, then smooth out sensor jitter.
	trend := movingAverage(cardiac, max(1, e.samplesFor(200*time.Millisecond)))
	detrended := make([]float64, n)
	for i := range cardiac {
		detrended[i] = cardiac[i] - trend[i]
	}
	smoothed := movingAverage(detrended, 1)
	e.captureWaveform(smoothed)

	motion := rms(detrended)

	mean, std := meanStd(smoothed)
	refractory := int(fs * 60 / e.cfg.HeartRate.Max)
	peaks := findPeaks(smoothed, max(1, e.samplesFor(60*time.Millisecond)), refractory, mean+0.5*std)
	if len(peaks) < 3 {
		e.stats.LowQuality++
		return domain.VitalSample{}, false
	}

	heartRate := 60 * fs / beatInterval(refinePeaks(smoothed, peaks))
	if !e.cfg.HeartRate.Contains(heartRate) {
		e.stats.OutOfRange++
		return domain.VitalSample{}, false
	}

	amps := make([]float64, len(peaks))
	for i, p := range peaks {
		amps[i] = smoothed[p]
	}
	ampMean, ampStd := meanStd(amps)
	consistency := 0.0
	if ampMean > 0 {
		consistency = clamp01(1 - ampStd/ampMean)
	}
	quality := consistency * clamp01(1-motion/e.cfg.MotionLimit)
	if quality < e.cfg.QualityThreshold {
		e.stats.LowQuality++
		return domain.VitalSample{}, false
	}

	tempN := min(len(e.temp), max(1, e.cfg.SampleRateHz))
	tempMean, _ := meanStd(e.temp[len(e.temp)-tempN:])

	return domain.VitalSample{
		HeartRate:       round1(heartRate),
		RespirationRate: round1(e.respirationRate()),
		Temperature:     round1(tempMean),
		MotionIndex:     round3(motion),
		SignalQuality:   round3(quality),
	}, true
}

// respirationRate estimates breaths per minute from the pressure channel.
// Zero means no plausible respiration was found.
func (e *Extractor) respirationRate() float64 {
	fs := float64(e.cfg.SampleRateHz)
	if e.cfg.RespirationRate.Max <= 0 {
		return 0
	}

	smoothed := movingAverage(detrendLinear(e.pressure), max(1, e.samplesFor(250*time.Millisecond)))
	mean, std := meanStd(smoothed)
	if std == 0 {
		return 0
	}
	refractory := int(fs * 60 / e.cfg.RespirationRate.Max)
	peaks := findPeaks(smoothed, max(1, e.samplesFor(500*time.Millisecond)), refractory, mean+0.3*std)
	ivs := intervals(peaks)
	if len(ivs) < 1 {
		return 0
	}

	rate := 60 * fs / median(ivs)
	if !e.cfg.RespirationRate.Contains(rate) {
		return 0
	}
	return rate
}

func (e *Extractor) captureWaveform(xs []float64) {
	step := e.cfg.WaveformEvery
	e.waveform = e.waveform[:0]
	for i := 0; i < len(xs); i += step {
		e.waveform = append(e.waveform, round3(xs[i]))
	}
}

func round1(v float64) float64 { return math.Round(v*10) / 10 }

func round3(v float64) float64 { return math.Round(v*1000) / 1000 }
