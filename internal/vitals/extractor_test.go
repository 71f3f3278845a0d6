package vitals

import (
	"testing"
	"time"

	"github.com/septivank/vetsync-engine/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dogConfig() Config {
	return Config{
		SampleRateHz:     50,
		EmitInterval:     500 * time.Millisecond,
		CardiacWindow:    8 * time.Second,
		RespWindow:       15 * time.Second,
		GapTolerance:     2 * time.Second,
		QualityThreshold: 0.5,
		MotionLimit:      0.25,
		WaveformEvery:    5,
		HeartRate:        domain.Range{Min: 40, Max: 220},
		RespirationRate:  domain.Range{Min: 6, Max: 60},
	}
}

func restingDog() Synth {
	return Synth{
		CollarID:        "collar-1",
		SampleRateHz:    50,
		HeartRate:       88,
		RespirationRate: 20,
		PulseAmplitude:  0.05,
		TemperatureC:    38.4,
		Start:           time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
	}
}

func run(e *Extractor, frames []domain.RawFrame) []domain.VitalSample {
	var out []domain.VitalSample
	for _, f := range frames {
		if s, ok := e.Ingest(f); ok {
			out = append(out, s)
		}
	}
	return out
}

func TestExtractorEstimatesVitals(t *testing.T) {
	frames := restingDog().Frames(30 * time.Second)

	samples := run(NewExtractor(dogConfig()), frames)
	require.NotEmpty(t, samples)

	for _, s := range samples {
		assert.InDelta(t, 88, s.HeartRate, 3)
		assert.InDelta(t, 38.4, s.Temperature, 0.05)
		assert.GreaterOrEqual(t, s.SignalQuality, 0.5)
	}
	last := samples[len(samples)-1]
	assert.InDelta(t, 20, last.RespirationRate, 2)
}

func TestExtractorHeartRateIsNotQuantized(t *testing.T) {
	for _, bpm := range []float64{84, 92, 180} {
		s := restingDog()
		s.HeartRate = bpm

		samples := run(NewExtractor(dogConfig()), s.Frames(20*time.Second))
		require.NotEmpty(t, samples, "%.0f bpm", bpm)
		for _, v := range samples {
			assert.InDelta(t, bpm, v.HeartRate, 1, "%.0f bpm", bpm)
		}
	}
}

func TestBeatIntervalPrefersMedianOnMissedBeat(t *testing.T) {
	assert.InDelta(t, 34.1, beatInterval([]float64{10, 44.1, 78.2, 112.3}), 1e-9)
	// the beat at 146.4 was missed
	assert.InDelta(t, 34.1, beatInterval([]float64{10, 44.1, 78.2, 112.3, 180.5}), 1e-9)
}

func TestRefinePeaksInterpolates(t *testing.T) {
	xs := []float64{0, 1, 3, 4, 3, 1, 0, 1, 2, 4, 4.5, 2}

	pos := refinePeaks(xs, []int{3, 10})

	assert.InDelta(t, 3.0, pos[0], 1e-9)
	assert.Greater(t, pos[1], 9.5)
	assert.Less(t, pos[1], 10.0)
}

func TestExtractorEmitsAtTwoHertz(t *testing.T) {
	frames := restingDog().Frames(28 * time.Second)

	samples := run(NewExtractor(dogConfig()), frames)

	// First emission after the 8s cardiac window, then every 500ms.
	assert.InDelta(t, 40, len(samples), 1)
	for i := 1; i < len(samples); i++ {
		assert.Equal(t, 500*time.Millisecond, samples[i].RecordedAt.Sub(samples[i-1].RecordedAt))
	}
}

func TestExtractorIsDeterministic(t *testing.T) {
	frames := restingDog().Frames(25 * time.Second)

	first := run(NewExtractor(dogConfig()), frames)
	second := run(NewExtractor(dogConfig()), frames)

	require.NotEmpty(t, first)
	assert.Equal(t, first, second)
}

func TestExtractorSuppressesMotionArtifacts(t *testing.T) {
	synth := restingDog()
	synth.MotionAmplitude = 0.8
	frames := synth.Frames(20 * time.Second)

	e := NewExtractor(dogConfig())
	samples := run(e, frames)

	assert.Empty(t, samples)
	assert.Positive(t, e.Stats().LowQuality+e.Stats().OutOfRange)
}

func TestExtractorCountsMalformedPayloads(t *testing.T) {
	e := NewExtractor(dogConfig())

	_, ok := e.Ingest(domain.RawFrame{Payload: []byte{1, 2, 3}})
	assert.False(t, ok)
	_, ok = e.Ingest(domain.RawFrame{Payload: make([]byte, PayloadSize)})
	assert.False(t, ok)

	assert.Equal(t, 2, e.Stats().DecodeErrors)
}

func TestExtractorResetsOnGap(t *testing.T) {
	synth := restingDog()
	frames := synth.Frames(12 * time.Second)

	e := NewExtractor(dogConfig())
	run(e, frames[:300])

	// Jump the device clock forward past the gap tolerance.
	resumed := frames[300:]
	for i := range resumed {
		resumed[i].DeviceTime += 5 * time.Second
	}
	samples := run(e, resumed)

	assert.Equal(t, 1, e.Stats().Gaps)
	// Only 6s of data after the gap: not enough for a full cardiac window.
	assert.Empty(t, samples)
}

func TestPayloadRoundTrip(t *testing.T) {
	m := Measurement{Accel: [3]float64{0.012, -0.5, 1.004}, Pressure: 1200, TemperatureC: 38.25}

	got, err := DecodePayload(EncodePayload(m))
	require.NoError(t, err)

	assert.InDeltaSlice(t, m.Accel[:], got.Accel[:], 0.0005)
	assert.Equal(t, 1200.0, got.Pressure)
	assert.InDelta(t, 38.25, got.TemperatureC, 0.005)
}

func TestFindPeaksHonoursRefractory(t *testing.T) {
	xs := []float64{0, 1, 0, 0.9, 0, 0, 0, 0, 2, 0, 0}

	peaks := findPeaks(xs, 1, 4, 0.5)

	assert.Equal(t, []int{1, 8}, peaks)
}
