package broadcast

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

const defaultBuffer = 64

// Subscription is a bounded event queue owned by one observer. C is closed
// when the subscription is cancelled or dropped for being too slow.
type Subscription struct {
	Name string
	C    <-chan Event

	ch      chan Event
	hub     *Hub
	once    sync.Once
	dropped bool
}

// Dropped reports whether the hub removed the subscription because its
// queue overflowed.
func (s *Subscription) Dropped() bool {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	return s.dropped
}

// Cancel detaches the subscription and closes C.
func (s *Subscription) Cancel() {
	s.hub.remove(s)
}

// Hub fans events out to subscriptions without ever blocking the producer.
type Hub struct {
	logger *zap.Logger

	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	closed bool

	published int64
	drops     int64
}

func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{logger: logger, subs: make(map[*Subscription]struct{})}
}

// Subscribe registers a new subscription with the given queue size.
func (h *Hub) Subscribe(name string, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	ch := make(chan Event, buffer)
	s := &Subscription{Name: name, C: ch, ch: ch, hub: h}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		s.once.Do(func() { close(ch) })
		return s
	}
	h.subs[s] = struct{}{}
	return s
}

// Publish delivers ev to every subscription that has room. A subscription
// whose queue is full is dropped.
func (h *Hub) Publish(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.published++
	for s := range h.subs {
		select {
		case s.ch <- ev:
		default:
			h.drops++
			s.dropped = true
			delete(h.subs, s)
			s.once.Do(func() { close(s.ch) })
			h.logger.Warn("Dropping slow subscriber",
				zap.String("subscriber", s.Name),
				zap.String("event_type", string(ev.Type)))
		}
	}
}

// Attach runs sub in its own goroutine, fed from a fresh subscription, until
// ctx is done or the subscription is dropped. Delivery errors are logged and
// skipped.
func (h *Hub) Attach(ctx context.Context, name string, sub Subscriber, buffer int) *Subscription {
	s := h.Subscribe(name, buffer)
	go func() {
		defer s.Cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-s.C:
				if !ok {
					return
				}
				if err := sub.Receive(ctx, ev); err != nil {
					h.logger.Warn("Subscriber delivery failed",
						zap.String("subscriber", name),
						zap.String("event_type", string(ev.Type)),
						zap.Error(err))
				}
			}
		}
	}()
	return s
}

// Count returns the number of live subscriptions.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Stats returns how many events were published and how many subscriber
// drops occurred.
func (h *Hub) Stats() (published, drops int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.published, h.drops
}

// Close drops every subscription and ignores later publishes.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for s := range h.subs {
		delete(h.subs, s)
		s.once.Do(func() { close(s.ch) })
	}
}

func (h *Hub) remove(s *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs, s)
	s.once.Do(func() { close(s.ch) })
}
