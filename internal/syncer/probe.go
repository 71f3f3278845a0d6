package syncer

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/septivank/vetsync-engine/internal/broadcast"
)

// Connectivity is the probe's view of the backend.
type Connectivity string

const (
	Unknown Connectivity = "unknown"
	Online  Connectivity = "online"
	Offline Connectivity = "offline"
)

// Probe polls backend health and triggers a sync cycle whenever the backend
// comes back.
type Probe struct {
	engine   *Engine
	interval time.Duration
	timeout  time.Duration

	mu    sync.Mutex
	state Connectivity
	since time.Time
}

func NewProbe(e *Engine, interval time.Duration) *Probe {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Probe{engine: e, interval: interval, timeout: e.opts.RequestTimeout, state: Unknown}
}

// State returns the last observed connectivity and when it began.
func (p *Probe) State() (Connectivity, time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state, p.since
}

// Run probes until ctx is done.
func (p *Probe) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		p.Check(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Check probes once and returns the resulting connectivity.
func (p *Probe) Check(ctx context.Context) Connectivity {
	cctx, cancel := context.WithTimeout(ctx, p.timeout)
	err := p.engine.backend.Health(cctx)
	cancel()
	if ctx.Err() != nil {
		c, _ := p.State()
		return c
	}

	next := Online
	if err != nil {
		next = Offline
	}

	p.mu.Lock()
	prev := p.state
	if prev != next {
		p.state = next
		p.since = p.engine.opts.Now()
	}
	p.mu.Unlock()

	if prev == next {
		return next
	}
	logger := p.engine.logger
	if next == Online {
		logger.Info("Backend reachable")
	} else {
		logger.Warn("Backend unreachable", zap.Error(err))
	}
	p.engine.opts.Pub.Publish(broadcast.Event{
		Type: broadcast.EventSyncStatus,
		At:   p.engine.opts.Now(),
		Data: map[string]string{"connectivity": string(next)},
	})
	if next == Online {
		p.engine.Trigger()
	}
	return next
}
