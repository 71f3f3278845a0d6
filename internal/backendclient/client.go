// Package backendclient is the HTTP client the sync engine uses to reach the
// backend.
package backendclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/septivank/vetsync-engine/internal/domain"
	"github.com/septivank/vetsync-engine/internal/protocol"
)

const DefaultTimeout = 10 * time.Second

// HTTPError represents a non-2xx response.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("http error: status=%d", e.StatusCode)
	}
	return fmt.Sprintf("http error: status=%d body=%s", e.StatusCode, e.Body)
}

// Temporary reports whether retrying the request may succeed.
func (e *HTTPError) Temporary() bool {
	switch {
	case e.StatusCode >= 500:
		return true
	case e.StatusCode == http.StatusRequestTimeout, e.StatusCode == http.StatusTooManyRequests:
		return true
	}
	return false
}

// Client talks to the backend sync API.
type Client struct {
	HTTP     *http.Client
	BaseURL  string
	DeviceID string
}

// New builds a client. Per-request deadlines come from the caller's context;
// timeout is a backstop.
func New(baseURL, deviceID string, timeout time.Duration) (*Client, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, fmt.Errorf("invalid backend url: %w", err)
	}
	return &Client{
		HTTP:     &http.Client{Timeout: timeout},
		BaseURL:  strings.TrimRight(baseURL, "/"),
		DeviceID: deviceID,
	}, nil
}

// PushSession uploads session state. A stale base version yields a
// *protocol.ConflictError.
func (c *Client) PushSession(ctx context.Context, key string, p protocol.SessionPush) (protocol.SessionAck, error) {
	var ack protocol.SessionAck
	err := c.doJSON(ctx, http.MethodPut, "/v1/sessions/"+strconv.FormatInt(p.SessionID, 10), key, p, &ack)
	var httpErr *HTTPError
	if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusConflict {
		var body protocol.ConflictBody
		if jerr := json.Unmarshal([]byte(httpErr.Body), &body); jerr != nil {
			return ack, fmt.Errorf("decode conflict: %w", jerr)
		}
		return ack, &protocol.ConflictError{
			SessionID:     p.SessionID,
			RemoteVersion: body.RemoteVersion,
			RemoteState:   body.RemoteState,
		}
	}
	return ack, err
}

// PushSamples uploads a sample batch.
func (c *Client) PushSamples(ctx context.Context, key string, b protocol.SampleBatch) error {
	path := "/v1/sessions/" + strconv.FormatInt(b.SessionID, 10) + "/samples"
	return c.doJSON(ctx, http.MethodPost, path, key, b, nil)
}

// PushAnnotation uploads one annotation.
func (c *Client) PushAnnotation(ctx context.Context, key string, a domain.Annotation) error {
	path := "/v1/sessions/" + strconv.FormatInt(a.SessionID, 10) + "/annotations"
	return c.doJSON(ctx, http.MethodPost, path, key, a, nil)
}

// PushBaseline uploads the frozen baseline.
func (c *Client) PushBaseline(ctx context.Context, key string, b domain.BaselineData) error {
	path := "/v1/sessions/" + strconv.FormatInt(b.SessionID, 10) + "/baseline"
	return c.doJSON(ctx, http.MethodPut, path, key, b, nil)
}

// FetchSession returns the backend's view of a session.
func (c *Client) FetchSession(ctx context.Context, sessionID int64) (protocol.RemoteSession, error) {
	var rs protocol.RemoteSession
	err := c.doJSON(ctx, http.MethodGet, "/v1/sessions/"+strconv.FormatInt(sessionID, 10), "", nil, &rs)
	return rs, err
}

// Health checks backend reachability.
func (c *Client) Health(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodGet, "/healthz", "", nil, nil)
}

func (c *Client) doJSON(ctx context.Context, method, path, key string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("backendclient: marshal json: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return fmt.Errorf("backendclient: new request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if key != "" {
		req.Header.Set(protocol.IdempotencyHeader, key)
	}
	if c.DeviceID != "" {
		req.Header.Set(protocol.DeviceHeader, c.DeviceID)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("backendclient: do request: %w", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &HTTPError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("backendclient: unmarshal json: %w", err)
	}
	return nil
}
