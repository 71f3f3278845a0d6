package vitals

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// PayloadVersion is the collar payload layout this package understands.
const PayloadVersion = 1

// PayloadSize is the length of a version 1 payload:
// version(1) ax(2) ay(2) az(2) pressure(2) temperature(2), little endian.
const PayloadSize = 11

var ErrPayload = errors.New("malformed payload")

// Measurement is one decoded sensor reading.
type Measurement struct {
	Accel        [3]float64 // g
	Pressure     float64    // raw sensor units
	TemperatureC float64
}

// DecodePayload decodes a version 1 collar payload.
func DecodePayload(p []byte) (Measurement, error) {
	if len(p) != PayloadSize {
		return Measurement{}, fmt.Errorf("%w: length %d", ErrPayload, len(p))
	}
	if p[0] != PayloadVersion {
		return Measurement{}, fmt.Errorf("%w: version %d", ErrPayload, p[0])
	}

	var m Measurement
	for i := 0; i < 3; i++ {
		raw := int16(binary.LittleEndian.Uint16(p[1+2*i:]))
		m.Accel[i] = float64(raw) / 1000
	}
	m.Pressure = float64(binary.LittleEndian.Uint16(p[7:]))
	m.TemperatureC = float64(int16(binary.LittleEndian.Uint16(p[9:]))) / 100
	return m, nil
}

// EncodePayload encodes a measurement in the version 1 layout. Values are
// rounded to the payload resolution.
func EncodePayload(m Measurement) []byte {
	p := make([]byte, PayloadSize)
	p[0] = PayloadVersion
	for i := 0; i < 3; i++ {
		binary.LittleEndian.PutUint16(p[1+2*i:], uint16(clampInt16(math.Round(m.Accel[i]*1000))))
	}
	binary.LittleEndian.PutUint16(p[7:], uint16(math.Max(0, math.Min(math.MaxUint16, math.Round(m.Pressure)))))
	binary.LittleEndian.PutUint16(p[9:], uint16(clampInt16(math.Round(m.TemperatureC*100))))
	return p
}

func clampInt16(v float64) int16 {
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}
