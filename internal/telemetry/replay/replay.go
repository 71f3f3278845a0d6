// Package replay provides collar transports backed by recorded or synthetic
// frames, for offline reprocessing, demos and tests.
package replay

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/septivank/vetsync-engine/internal/domain"
	"github.com/septivank/vetsync-engine/internal/telemetry"
	"github.com/septivank/vetsync-engine/internal/vitals"
)

// ErrExhausted is returned by Dial once every recorded frame was delivered.
var ErrExhausted = errors.New("replay: no frames left")

// Record is the JSON-lines form of a recorded frame.
type Record struct {
	CollarID     string    `json:"collar_id"`
	Counter      uint16    `json:"counter"`
	DeviceTimeMs int64     `json:"device_time_ms"`
	ReceivedAt   time.Time `json:"received_at"`
	Payload      []byte    `json:"payload"`
}

// Write encodes frames as JSON lines.
func Write(w io.Writer, frames []domain.RawFrame) error {
	enc := json.NewEncoder(w)
	for _, f := range frames {
		rec := Record{
			CollarID:     f.CollarID,
			Counter:      f.Counter,
			DeviceTimeMs: f.DeviceTime.Milliseconds(),
			ReceivedAt:   f.ReceivedAt,
			Payload:      f.Payload,
		}
		if err := enc.Encode(rec); err != nil {
			return fmt.Errorf("encode frame %d: %w", f.Counter, err)
		}
	}
	return nil
}

// Read decodes JSON-lines frames. Blank lines are skipped.
func Read(r io.Reader) ([]domain.RawFrame, error) {
	var frames []domain.RawFrame
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	line := 0
	for sc.Scan() {
		line++
		if len(sc.Bytes()) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		frames = append(frames, domain.RawFrame{
			CollarID:   rec.CollarID,
			Counter:    rec.Counter,
			DeviceTime: time.Duration(rec.DeviceTimeMs) * time.Millisecond,
			ReceivedAt: rec.ReceivedAt,
			Payload:    rec.Payload,
		})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read frames: %w", err)
	}
	return frames, nil
}

// ReadFile reads a JSON-lines frame recording.
func ReadFile(path string) ([]domain.RawFrame, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open recording: %w", err)
	}
	defer f.Close()
	return Read(f)
}

// Transport replays a fixed list of frames. A connection ends with io.EOF
// when the frames run out, unless Hold is set, in which case it idles until
// closed. Later dials resume after the last delivered frame and fail with
// ErrExhausted once nothing is left.
type Transport struct {
	Collar   telemetry.ScanResult
	Frames   []domain.RawFrame
	Interval time.Duration
	Hold     bool

	mu  sync.Mutex
	pos int
}

func (t *Transport) Scan(ctx context.Context) ([]telemetry.ScanResult, error) {
	return []telemetry.ScanResult{t.Collar}, nil
}

func (t *Transport) Dial(ctx context.Context, collarID string) (telemetry.Conn, error) {
	if collarID != t.Collar.CollarID {
		return nil, fmt.Errorf("replay: unknown collar %q", collarID)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pos >= len(t.Frames) && !t.Hold {
		return nil, ErrExhausted
	}
	return &conn{t: t, closed: make(chan struct{})}, nil
}

// Delivered returns how many frames were handed out.
func (t *Transport) Delivered() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pos
}

func (t *Transport) next() (domain.RawFrame, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pos >= len(t.Frames) {
		return domain.RawFrame{}, false
	}
	f := t.Frames[t.pos]
	t.pos++
	return f, true
}

type conn struct {
	t      *Transport
	once   sync.Once
	closed chan struct{}
}

func (c *conn) ReadFrame(ctx context.Context) ([]byte, error) {
	if err := wait(ctx, c.closed, c.t.Interval); err != nil {
		return nil, err
	}
	f, ok := c.t.next()
	if !ok {
		if c.t.Hold {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-c.closed:
				return nil, net.ErrClosed
			}
		}
		return nil, io.EOF
	}
	return telemetry.EncodeFrame(f), nil
}

func (c *conn) RSSI() int { return c.t.Collar.RSSI }

func (c *conn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

// Synthetic streams frames generated by a vitals.Synth, paced at the
// synthetic sample rate unless Unpaced is set.
type Synthetic struct {
	Collar  telemetry.ScanResult
	Synth   vitals.Synth
	Unpaced bool

	mu   sync.Mutex
	next int
}

func (s *Synthetic) Scan(ctx context.Context) ([]telemetry.ScanResult, error) {
	return []telemetry.ScanResult{s.Collar}, nil
}

func (s *Synthetic) Dial(ctx context.Context, collarID string) (telemetry.Conn, error) {
	if collarID != s.Collar.CollarID {
		return nil, fmt.Errorf("replay: unknown collar %q", collarID)
	}
	return &synthConn{s: s, closed: make(chan struct{})}, nil
}

type synthConn struct {
	s      *Synthetic
	once   sync.Once
	closed chan struct{}
}

func (c *synthConn) ReadFrame(ctx context.Context) ([]byte, error) {
	var interval time.Duration
	if !c.s.Unpaced {
		fs := c.s.Synth.SampleRateHz
		if fs <= 0 {
			fs = 50
		}
		interval = time.Second / time.Duration(fs)
	}
	if err := wait(ctx, c.closed, interval); err != nil {
		return nil, err
	}
	c.s.mu.Lock()
	i := c.s.next
	c.s.next++
	c.s.mu.Unlock()
	return telemetry.EncodeFrame(c.s.Synth.Frame(i)), nil
}

func (c *synthConn) RSSI() int { return c.s.Collar.RSSI }

func (c *synthConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func wait(ctx context.Context, closed <-chan struct{}, d time.Duration) error {
	if d <= 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-closed:
			return net.ErrClosed
		default:
			return nil
		}
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-closed:
		return net.ErrClosed
	case <-timer.C:
		return nil
	}
}
