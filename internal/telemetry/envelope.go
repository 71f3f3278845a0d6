package telemetry

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/septivank/vetsync-engine/internal/domain"
)

// Frame envelope, little endian:
//
//	magic(2) counter(2) device_time_ms(4) length(1) payload(length) checksum(1)
//
// The checksum is the XOR of every preceding byte.
const (
	FrameMagic     uint16 = 0x5643
	envelopeHeader        = 9
	maxPayload            = 255
)

// ErrMalformedFrame is returned for frames whose envelope cannot be decoded.
var ErrMalformedFrame = errors.New("malformed frame")

// DecodeFrame validates the envelope of b and returns the frame it carries.
// The payload is copied; b may be reused by the caller.
func DecodeFrame(collarID string, b []byte, receivedAt time.Time) (domain.RawFrame, error) {
	if len(b) < envelopeHeader+1 {
		return domain.RawFrame{}, fmt.Errorf("%w: short frame (%d bytes)", ErrMalformedFrame, len(b))
	}
	if m := binary.LittleEndian.Uint16(b[0:2]); m != FrameMagic {
		return domain.RawFrame{}, fmt.Errorf("%w: bad magic %#04x", ErrMalformedFrame, m)
	}
	n := int(b[8])
	if len(b) != envelopeHeader+n+1 {
		return domain.RawFrame{}, fmt.Errorf("%w: length %d does not match %d bytes", ErrMalformedFrame, n, len(b))
	}
	if sum := checksum(b[:len(b)-1]); sum != b[len(b)-1] {
		return domain.RawFrame{}, fmt.Errorf("%w: checksum mismatch", ErrMalformedFrame)
	}

	payload := make([]byte, n)
	copy(payload, b[envelopeHeader:envelopeHeader+n])
	return domain.RawFrame{
		CollarID:   collarID,
		Counter:    binary.LittleEndian.Uint16(b[2:4]),
		DeviceTime: time.Duration(binary.LittleEndian.Uint32(b[4:8])) * time.Millisecond,
		ReceivedAt: receivedAt,
		Payload:    payload,
	}, nil
}

// EncodeFrame builds the envelope for f. Payloads longer than 255 bytes are
// truncated.
func EncodeFrame(f domain.RawFrame) []byte {
	payload := f.Payload
	if len(payload) > maxPayload {
		payload = payload[:maxPayload]
	}
	b := make([]byte, envelopeHeader+len(payload)+1)
	binary.LittleEndian.PutUint16(b[0:2], FrameMagic)
	binary.LittleEndian.PutUint16(b[2:4], f.Counter)
	binary.LittleEndian.PutUint32(b[4:8], uint32(f.DeviceTime/time.Millisecond))
	b[8] = byte(len(payload))
	copy(b[envelopeHeader:], payload)
	b[len(b)-1] = checksum(b[:len(b)-1])
	return b
}

func checksum(b []byte) byte {
	var c byte
	for _, v := range b {
		c ^= v
	}
	return c
}
