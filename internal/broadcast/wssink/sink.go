// Package wssink pushes broadcast events to a remote dashboard over a
// websocket. Each event is one JSON text message.
package wssink

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"

	"github.com/septivank/vetsync-engine/internal/broadcast"
)

const defaultWriteTimeout = 5 * time.Second

// Sink is a broadcast subscriber that owns one dashboard connection. The
// connection is dialed on first use and redialed after a failed write.
type Sink struct {
	url          string
	header       http.Header
	httpClient   *http.Client
	writeTimeout time.Duration
	logger       *zap.Logger

	mu   sync.Mutex
	conn *websocket.Conn
}

// New creates a sink for the dashboard at url. http(s) URLs are mapped to
// ws(s).
func New(url, deviceID string, httpClient *http.Client, logger *zap.Logger) *Sink {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := make(http.Header)
	h.Set("X-Device-ID", deviceID)
	return &Sink{
		url:          wsURL(url),
		header:       h,
		httpClient:   httpClient,
		writeTimeout: defaultWriteTimeout,
		logger:       logger,
	}
}

func wsURL(u string) string {
	if strings.HasPrefix(u, "https://") {
		return "wss://" + u[len("https://"):]
	}
	if strings.HasPrefix(u, "http://") {
		return "ws://" + u[len("http://"):]
	}
	return u
}

// Receive writes ev to the dashboard.
func (s *Sink) Receive(ctx context.Context, ev broadcast.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, s.writeTimeout)
	defer cancel()

	if s.conn == nil {
		c, _, err := websocket.Dial(ctx, s.url, &websocket.DialOptions{
			HTTPClient: s.httpClient,
			HTTPHeader: s.header,
		})
		if err != nil {
			return fmt.Errorf("dial dashboard: %w", err)
		}
		s.conn = c
		s.logger.Info("Dashboard connected", zap.String("url", s.url))
	}

	if err := wsjson.Write(ctx, s.conn, ev); err != nil {
		s.conn.CloseNow()
		s.conn = nil
		return fmt.Errorf("write dashboard event: %w", err)
	}
	return nil
}

// Close closes the dashboard connection if one is open.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close(websocket.StatusNormalClosure, "")
	s.conn = nil
	return err
}

var _ broadcast.Subscriber = (*Sink)(nil)
