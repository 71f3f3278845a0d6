// Package wsgateway reaches collars through a BLE gateway that bridges GATT
// notifications onto websocket streams.
//
// Gateway protocol:
//
//	GET  {base}/scan                     JSON array of scan results
//	WS   {base}/collars/{id}/stream      binary messages carry enveloped frames,
//	                                     text messages carry {"rssi":..,"battery_pct":..}
package wsgateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/septivank/vetsync-engine/internal/telemetry"
)

// Transport dials collars through a gateway.
type Transport struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

func New(baseURL string, httpClient *http.Client, logger *zap.Logger) *Transport {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Transport{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		logger:     logger,
	}
}

// Scan lists collars the gateway currently sees.
func (t *Transport) Scan(ctx context.Context) ([]telemetry.ScanResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.baseURL+"/scan", nil)
	if err != nil {
		return nil, fmt.Errorf("build scan request: %w", err)
	}
	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gateway scan: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("gateway scan: unexpected status %d", resp.StatusCode)
	}
	var results []telemetry.ScanResult
	if err := json.NewDecoder(resp.Body).Decode(&results); err != nil {
		return nil, fmt.Errorf("decode scan results: %w", err)
	}
	return results, nil
}

// Dial opens the notification stream for collarID.
func (t *Transport) Dial(ctx context.Context, collarID string) (telemetry.Conn, error) {
	u := wsURL(t.baseURL + "/collars/" + url.PathEscape(collarID) + "/stream")
	c, _, err := websocket.Dial(ctx, u, &websocket.DialOptions{HTTPClient: t.httpClient})
	if err != nil {
		return nil, fmt.Errorf("dial websocket: %w", err)
	}
	return &conn{c: c, logger: t.logger}, nil
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

// Status is the text message a gateway sends when collar radio metrics
// change.
type Status struct {
	RSSI       int `json:"rssi"`
	BatteryPct int `json:"battery_pct"`
}

type conn struct {
	c      *websocket.Conn
	logger *zap.Logger
	rssi   atomic.Int64
	once   sync.Once
}

func (c *conn) ReadFrame(ctx context.Context) ([]byte, error) {
	for {
		typ, data, err := c.c.Read(ctx)
		if err != nil {
			return nil, err
		}
		if typ == websocket.MessageBinary {
			return data, nil
		}
		var st Status
		if err := json.Unmarshal(data, &st); err != nil {
			c.logger.Debug("Ignoring gateway text message", zap.Error(err))
			continue
		}
		c.rssi.Store(int64(st.RSSI))
	}
}

func (c *conn) RSSI() int {
	return int(c.rssi.Load())
}

func (c *conn) Close() error {
	var err error
	c.once.Do(func() {
		err = c.c.Close(websocket.StatusNormalClosure, "")
	})
	return err
}
