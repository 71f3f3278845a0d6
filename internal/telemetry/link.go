// Package telemetry manages the radio link to a collar and turns its
// notification stream into ordered raw frames.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/septivank/vetsync-engine/internal/broadcast"
	"github.com/septivank/vetsync-engine/internal/config"
	"github.com/septivank/vetsync-engine/internal/domain"
)

// LinkState is the connection state reported by a Link.
type LinkState string

const (
	StateDisconnected LinkState = "disconnected"
	StateConnecting   LinkState = "connecting"
	StateConnected    LinkState = "connected"
	StateReconnecting LinkState = "reconnecting"
	StateLost         LinkState = "lost"
)

// Quality is a snapshot of link health.
type Quality struct {
	CollarID   string    `json:"collar_id"`
	State      LinkState `json:"state"`
	RSSI       int       `json:"rssi"`
	Received   uint64    `json:"received"`
	Dropped    uint64    `json:"dropped"`
	DropRatio  float64   `json:"drop_ratio"`
	Degraded   bool      `json:"degraded"`
	Reconnects int       `json:"reconnects"`
}

// Options tunes a Link. Zero values fall back to defaults.
type Options struct {
	SessionID      int64
	ConnectTimeout time.Duration
	BackoffBase    time.Duration
	BackoffMax     time.Duration
	MaxAttempts    int
	FrameBuffer    int
	DropWindow     int
	DropThreshold  float64

	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

// OptionsFromConfig maps link configuration onto Options.
func OptionsFromConfig(cfg config.LinkConfig) Options {
	return Options{
		ConnectTimeout: cfg.ConnectTimeout,
		BackoffBase:    cfg.BackoffBase,
		BackoffMax:     cfg.BackoffMax,
		MaxAttempts:    cfg.MaxReconnectAttempts,
		FrameBuffer:    cfg.FrameBuffer,
		DropWindow:     cfg.DropWindow,
		DropThreshold:  cfg.DropThreshold,
	}
}

func (o Options) withDefaults() Options {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 10 * time.Second
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = time.Second
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = 30 * time.Second
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.FrameBuffer <= 0 {
		o.FrameBuffer = 256
	}
	if o.DropWindow <= 0 {
		o.DropWindow = 200
	}
	if o.DropThreshold <= 0 {
		o.DropThreshold = 0.2
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Sleep == nil {
		o.Sleep = sleepContext
	}
	return o
}

// Link owns one logical connection to a collar.
type Link struct {
	transport Transport
	pub       broadcast.Publisher
	logger    *zap.Logger
	opts      Options

	mu            sync.Mutex
	quality       Quality
	window        dropWindow
	ratioDegraded bool
	conn          Conn
	cancel        context.CancelFunc
	done          chan struct{}
}

func NewLink(t Transport, pub broadcast.Publisher, logger *zap.Logger, opts Options) *Link {
	if pub == nil {
		pub = broadcast.Discard
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	opts = opts.withDefaults()
	return &Link{
		transport: t,
		pub:       pub,
		logger:    logger,
		opts:      opts,
		quality:   Quality{State: StateDisconnected},
		window:    newDropWindow(opts.DropWindow),
	}
}

// Connect dials the collar, retrying with backoff, and returns the frame
// stream. The stream closes on Disconnect, on ctx cancellation, or once the
// link is lost after exhausting reconnect attempts.
func (l *Link) Connect(ctx context.Context, collarID string) (<-chan domain.RawFrame, error) {
	l.mu.Lock()
	if l.cancel != nil {
		select {
		case <-l.done:
			l.cancel()
			l.cancel, l.done = nil, nil
		default:
			current := l.quality.CollarID
			l.mu.Unlock()
			return nil, fmt.Errorf("telemetry: already connected to %s", current)
		}
	}
	l.quality = Quality{CollarID: collarID, State: StateConnecting}
	l.window = newDropWindow(l.opts.DropWindow)
	l.ratioDegraded = false
	l.mu.Unlock()
	l.publishStatus()

	conn, attempts, err := l.dial(ctx, collarID, false)
	if err != nil {
		if ctx.Err() != nil {
			l.setState(StateDisconnected)
			return nil, &LinkError{CollarID: collarID, Op: "connect", Attempts: attempts, Err: err}
		}
		l.markLost(collarID, attempts, err)
		return nil, &LinkError{CollarID: collarID, Op: "connect", Attempts: attempts, Err: errors.Join(ErrLinkLost, err)}
	}

	runCtx, cancel := context.WithCancel(ctx)
	frames := make(chan domain.RawFrame, l.opts.FrameBuffer)
	done := make(chan struct{})

	l.mu.Lock()
	l.conn = conn
	l.cancel = cancel
	l.done = done
	l.quality.RSSI = conn.RSSI()
	l.quality.State = StateConnected
	l.mu.Unlock()
	l.publishStatus()
	l.logger.Info("Collar link connected", zap.String("collar_id", collarID), zap.Int("attempts", attempts))

	go l.run(runCtx, collarID, conn, frames, done)
	return frames, nil
}

// Disconnect closes the link and waits for the stream to end.
func (l *Link) Disconnect() {
	l.mu.Lock()
	cancel, done, conn := l.cancel, l.done, l.conn
	l.cancel, l.done, l.conn = nil, nil, nil
	l.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	if conn != nil {
		conn.Close()
	}
	<-done
	l.setState(StateDisconnected)
	l.logger.Info("Collar link disconnected")
}

// CurrentSignalQuality returns a snapshot of link health.
func (l *Link) CurrentSignalQuality() Quality {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.quality
}

// Connected reports whether frames are currently flowing.
func (l *Link) Connected() bool {
	return l.CurrentSignalQuality().State == StateConnected
}

// Lost reports whether reconnect attempts have been exhausted.
func (l *Link) Lost() bool {
	return l.CurrentSignalQuality().State == StateLost
}

func (l *Link) run(ctx context.Context, collarID string, conn Conn, out chan<- domain.RawFrame, done chan struct{}) {
	defer close(done)
	defer close(out)

	for {
		err := l.pump(ctx, collarID, conn, out)
		conn.Close()
		if ctx.Err() != nil {
			return
		}
		l.logger.Warn("Collar link dropped, reconnecting", zap.String("collar_id", collarID), zap.Error(err))
		l.setState(StateReconnecting)

		next, attempts, derr := l.dial(ctx, collarID, true)
		if derr != nil {
			if ctx.Err() == nil {
				l.markLost(collarID, attempts, derr)
			}
			return
		}
		conn = next
		l.mu.Lock()
		l.conn = conn
		l.quality.Reconnects++
		l.quality.RSSI = conn.RSSI()
		l.quality.State = StateConnected
		l.mu.Unlock()
		l.publishStatus()
		l.logger.Info("Collar link restored", zap.String("collar_id", collarID), zap.Int("attempts", attempts))
	}
}

func (l *Link) pump(ctx context.Context, collarID string, conn Conn, out chan<- domain.RawFrame) error {
	for {
		b, err := conn.ReadFrame(ctx)
		if err != nil {
			return err
		}
		f, derr := DecodeFrame(collarID, b, l.opts.Now())
		l.record(derr != nil, conn.RSSI())
		if derr != nil {
			l.logger.Debug("Dropping malformed frame", zap.String("collar_id", collarID), zap.Error(derr))
			continue
		}
		select {
		case out <- f:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// dial attempts a connection up to MaxAttempts times. Each attempt carries
// ConnectTimeout. When reconnecting, every attempt is preceded by a backoff
// delay; a fresh connect only waits between attempts.
func (l *Link) dial(ctx context.Context, collarID string, reconnect bool) (Conn, int, error) {
	var last error
	for attempt := 1; attempt <= l.opts.MaxAttempts; attempt++ {
		step := attempt - 1
		if reconnect {
			step = attempt
		}
		if step > 0 {
			if err := l.opts.Sleep(ctx, l.backoff(step)); err != nil {
				return nil, attempt - 1, err
			}
		}

		dctx, cancel := context.WithTimeout(ctx, l.opts.ConnectTimeout)
		conn, err := l.transport.Dial(dctx, collarID)
		cancel()
		if err == nil {
			return conn, attempt, nil
		}
		last = err
		if ctx.Err() != nil {
			return nil, attempt, ctx.Err()
		}
		l.logger.Warn("Collar connect attempt failed",
			zap.String("collar_id", collarID),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", l.opts.MaxAttempts),
			zap.Error(err))
	}
	return nil, l.opts.MaxAttempts, last
}

// backoff returns BackoffBase doubled n-1 times, capped at BackoffMax.
func (l *Link) backoff(n int) time.Duration {
	d := l.opts.BackoffBase
	for i := 1; i < n; i++ {
		d *= 2
		if d >= l.opts.BackoffMax {
			return l.opts.BackoffMax
		}
	}
	return min(d, l.opts.BackoffMax)
}

func (l *Link) record(dropped bool, rssi int) {
	l.mu.Lock()
	l.window.add(dropped)
	if dropped {
		l.quality.Dropped++
	} else {
		l.quality.Received++
	}
	l.quality.RSSI = rssi
	l.quality.DropRatio = l.window.ratio()

	var changed bool
	if l.window.warm() {
		degraded := l.quality.DropRatio > l.opts.DropThreshold
		changed = degraded != l.ratioDegraded
		l.ratioDegraded = degraded
	}
	l.quality.Degraded = l.ratioDegraded || l.quality.State == StateLost
	q := l.quality
	l.mu.Unlock()

	if !changed {
		return
	}
	if q.Degraded {
		l.logger.Warn("Collar signal degraded",
			zap.String("collar_id", q.CollarID),
			zap.Float64("drop_ratio", q.DropRatio))
		l.publish(broadcast.EventLinkDegraded, q)
	} else {
		l.logger.Info("Collar signal recovered", zap.String("collar_id", q.CollarID))
	}
	l.publish(broadcast.EventLinkStatus, q)
}

func (l *Link) markLost(collarID string, attempts int, err error) {
	l.mu.Lock()
	l.quality.State = StateLost
	l.quality.Degraded = true
	l.conn = nil
	q := l.quality
	l.mu.Unlock()

	l.logger.Error("Collar link lost",
		zap.String("collar_id", collarID),
		zap.Int("attempts", attempts),
		zap.Error(err))
	l.publish(broadcast.EventLinkLost, q)
	l.publish(broadcast.EventLinkDegraded, q)
	l.publish(broadcast.EventLinkStatus, q)
}

func (l *Link) setState(s LinkState) {
	l.mu.Lock()
	l.quality.State = s
	l.quality.Degraded = l.ratioDegraded
	l.mu.Unlock()
	l.publishStatus()
}

func (l *Link) publishStatus() {
	l.publish(broadcast.EventLinkStatus, l.CurrentSignalQuality())
}

func (l *Link) publish(t broadcast.EventType, q Quality) {
	l.pub.Publish(broadcast.Event{
		Type:      t,
		SessionID: l.opts.SessionID,
		CollarID:  q.CollarID,
		At:        l.opts.Now(),
		Data:      q,
	})
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// dropWindow tracks drop outcomes over the last n frames.
type dropWindow struct {
	outcomes []bool
	next     int
	filled   int
	drops    int
}

func newDropWindow(n int) dropWindow {
	return dropWindow{outcomes: make([]bool, n)}
}

func (w *dropWindow) add(dropped bool) {
	if w.filled == len(w.outcomes) {
		if w.outcomes[w.next] {
			w.drops--
		}
	} else {
		w.filled++
	}
	w.outcomes[w.next] = dropped
	if dropped {
		w.drops++
	}
	w.next = (w.next + 1) % len(w.outcomes)
}

func (w *dropWindow) ratio() float64 {
	if w.filled == 0 {
		return 0
	}
	return float64(w.drops) / float64(w.filled)
}

// warm reports whether enough frames were seen for the ratio to mean
// anything.
func (w *dropWindow) warm() bool {
	return w.filled*2 >= len(w.outcomes)
}
