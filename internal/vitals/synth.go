package vitals

import (
	"math"
	"time"

	"github.com/septivank/vetsync-engine/internal/domain"
)

// Synth generates collar frames for a simulated animal. It backs the
// simulated collar transport and offline tests.
type Synth struct {
	CollarID        string
	SampleRateHz    int
	HeartRate       float64 // bpm
	RespirationRate float64 // breaths per minute
	PulseAmplitude  float64 // g
	TemperatureC    float64
	MotionAmplitude float64 // g, square-wave artifact
	Start           time.Time
}

// Frame returns the i-th frame of the simulated stream.
func (s Synth) Frame(i int) domain.RawFrame {
	fs := s.SampleRateHz
	if fs <= 0 {
		fs = 50
	}
	t := float64(i) / float64(fs)
	deviceTime := time.Duration(i) * time.Second / time.Duration(fs)

	az := 1.0
	if s.HeartRate > 0 {
		period := 60 / s.HeartRate
		phase := math.Mod(t+period-0.1, period)
		dist := math.Min(phase, period-phase)
		const sigma = 0.03
		az += s.PulseAmplitude * math.Exp(-dist*dist/(2*sigma*sigma))
	}
	if s.MotionAmplitude > 0 {
		if math.Sin(2*math.Pi*1.3*t) >= 0 {
			az += s.MotionAmplitude
		} else {
			az -= s.MotionAmplitude
		}
	}

	pressure := 1000.0
	if s.RespirationRate > 0 {
		pressure += 200 * math.Sin(2*math.Pi*t*s.RespirationRate/60)
	}

	return domain.RawFrame{
		CollarID:   s.CollarID,
		Counter:    uint16(i),
		DeviceTime: deviceTime,
		ReceivedAt: s.Start.Add(deviceTime),
		Payload: EncodePayload(Measurement{
			Accel:        [3]float64{0, 0, az},
			Pressure:     pressure,
			TemperatureC: s.TemperatureC,
		}),
	}
}

// Frames returns the frames covering duration d.
func (s Synth) Frames(d time.Duration) []domain.RawFrame {
	fs := s.SampleRateHz
	if fs <= 0 {
		fs = 50
	}
	n := int(d.Seconds() * float64(fs))
	out := make([]domain.RawFrame, n)
	for i := range out {
		out[i] = s.Frame(i)
	}
	return out
}
