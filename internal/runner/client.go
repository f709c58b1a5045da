// Hub connection: a coder/websocket control channel carrying
// newline-free JSON frames of the form {type, requestId, method,
// params} (calls) and {type, requestId, result|error} (responses) /
// {type, method, params} (notifications) — the websocket analogue of
// the teacher's protobuf bidi stream, per the decision recorded in
// DESIGN.md to keep the RPC-registry shape and swap only the wire
// encoding (no .proto toolchain is available to regenerate real
// generated stubs here).
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
)

// frame is the wire shape for every message on the hub control channel.
type frame struct {
	Type      string          `json:"type"` // "call", "response", "notify"
	RequestID string          `json:"requestId,omitempty"`
	// SessionID carries the registry target a call was addressed to
	// when that target was a session id rather than the machine itself
	// (the registry key, per internal/sync, is never repeated in
	// Params by the caller — e.g. killSession's params are nil).
	SessionID string          `json:"sessionId,omitempty"`
	Method    string          `json:"method,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// HandlerFunc answers a call dispatched from the hub. sessionID is the
// registry target the hub addressed the call to when that target was
// a session id (empty for machine-scoped calls).
type HandlerFunc func(ctx context.Context, sessionID string, params json.RawMessage) (any, error)

// Client owns the runner's websocket connection to the hub: it
// dispatches inbound calls to registered handlers and lets the runner
// push outbound notifications (session-stopped, agent-event, heartbeats).
type Client struct {
	hubURL    string
	machineID string
	authToken string

	mu       sync.Mutex
	conn     *websocket.Conn
	handlers map[string]HandlerFunc
	stopOnce sync.Once

	lastSendTime time.Time

	// hubRetryDelay is set when the hub asks the runner to wait before
	// reconnecting (e.g. the hub is draining). Consumed once.
	hubRetryDelay atomic.Int64

	// OnDeregister is invoked when the hub reports this machine as
	// unknown (deleted/revoked); the runner should clear its state.
	OnDeregister func()
}

// New returns a Client for the given hub URL and machine identity. Call
// RegisterHandler for every method the runner must answer, then drive
// the connection with ConnectWithReconnect.
func New(hubURL, machineID, authToken string) *Client {
	return &Client{
		hubURL:    hubURL,
		machineID: machineID,
		authToken: authToken,
		handlers:  make(map[string]HandlerFunc),
	}
}

// RegisterHandler installs fn to answer inbound calls for method.
func (c *Client) RegisterHandler(method string, fn HandlerFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[method] = fn
}

// Notify sends a one-way notification to the hub (no response expected).
func (c *Client) Notify(ctx context.Context, method string, params any) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("runner: marshal notify params: %w", err)
	}
	return c.send(ctx, frame{Type: "notify", Method: method, Params: raw})
}

func (c *Client) send(ctx context.Context, f frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("runner: not connected")
	}

	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return err
	}
	c.mu.Lock()
	c.lastSendTime = time.Now()
	c.mu.Unlock()
	return nil
}

// Connect dials the hub once and serves the control channel until it
// drops or ctx ends.
func (c *Client) Connect(ctx context.Context) error {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.authToken)
	header.Set("X-Machine-Id", c.machineID)

	conn, _, err := websocket.Dial(ctx, c.hubURL, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return fmt.Errorf("runner: dial hub: %w", err)
	}
	conn.SetReadLimit(16 << 20)

	c.mu.Lock()
	c.conn = conn
	c.lastSendTime = time.Now()
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "")
	}()

	if err := c.Notify(ctx, "heartbeat", nil); err != nil {
		return fmt.Errorf("runner: initial heartbeat: %w", err)
	}

	slog.Info("runner: connected to hub", "url", c.hubURL)

	go c.heartbeatLoop(ctx)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("runner: read: %w", err)
		}
		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			slog.Warn("runner: malformed frame from hub", "error", err)
			continue
		}
		go c.handleFrame(ctx, f)
	}
}

func (c *Client) handleFrame(ctx context.Context, f frame) {
	switch f.Type {
	case "call":
		c.handleCall(ctx, f)
	case "notify":
		if f.Method == "deregister" && c.OnDeregister != nil {
			c.OnDeregister()
		}
		if f.Method == "hub-shutting-down" {
			c.handleHubShuttingDown(f.Params)
		}
	default:
		slog.Warn("runner: unhandled frame type", "type", f.Type)
	}
}

func (c *Client) handleHubShuttingDown(params json.RawMessage) {
	var payload struct {
		RetryDelaySeconds int64 `json:"retryDelaySeconds"`
	}
	if err := json.Unmarshal(params, &payload); err != nil {
		return
	}
	if payload.RetryDelaySeconds > 0 {
		c.hubRetryDelay.Store(payload.RetryDelaySeconds)
	}
}

func (c *Client) handleCall(ctx context.Context, f frame) {
	c.mu.Lock()
	h, ok := c.handlers[f.Method]
	c.mu.Unlock()
	if !ok {
		_ = c.send(ctx, frame{Type: "response", RequestID: f.RequestID, Error: fmt.Sprintf("method not found: %s", f.Method)})
		return
	}

	result, err := h(ctx, f.SessionID, f.Params)
	if err != nil {
		_ = c.send(ctx, frame{Type: "response", RequestID: f.RequestID, Error: err.Error()})
		return
	}
	raw, err := json.Marshal(result)
	if err != nil {
		_ = c.send(ctx, frame{Type: "response", RequestID: f.RequestID, Error: fmt.Sprintf("marshal result: %v", err)})
		return
	}
	_ = c.send(ctx, frame{Type: "response", RequestID: f.RequestID, Result: raw})
}

const heartbeatIdleTimeout = 5 * time.Second

func (c *Client) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			idle := time.Since(c.lastSendTime)
			c.mu.Unlock()

			if idle >= heartbeatIdleTimeout {
				if err := c.Notify(ctx, "heartbeat", nil); err != nil {
					slog.Warn("runner: heartbeat send failed", "error", err)
					return
				}
			}
		}
	}
}

// ConnectWithReconnect wraps Connect with automatic reconnection using
// exponential backoff. Starts at 1s, doubles up to 60s, resets once a
// connection has stayed up longer than resetThreshold.
func (c *Client) ConnectWithReconnect(ctx context.Context) {
	c.connectWithReconnect(ctx, c.Connect, newDefaultBackoff(), resetThreshold)
}

type connectFn func(ctx context.Context) error

func (c *Client) connectWithReconnect(ctx context.Context, connect connectFn, bo backoff.BackOff, threshold time.Duration) {
	for {
		start := time.Now()
		err := connect(ctx)
		if ctx.Err() != nil {
			return
		}

		if isUnauthorized(err) {
			slog.Warn("runner: authentication rejected by hub, machine may be deleted", "error", err)
			if c.OnDeregister != nil {
				c.OnDeregister()
			}
			return
		}

		if delay := c.hubRetryDelay.Swap(0); delay > 0 {
			slog.Info("runner: hub requested reconnect delay", "delay_seconds", delay)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Duration(delay) * time.Second):
			}
			bo.Reset()
			continue
		}

		if time.Since(start) >= threshold {
			bo.Reset()
		}

		next, _ := bo.NextBackOff()
		slog.Warn("runner: disconnected from hub, reconnecting...", "error", err, "backoff", next)
		select {
		case <-ctx.Done():
			return
		case <-time.After(next):
		}
	}
}

func isUnauthorized(err error) bool {
	if err == nil {
		return false
	}
	var closeErr websocket.CloseError
	if errors.As(err, &closeErr) {
		return closeErr.Code == websocket.StatusPolicyViolation
	}
	return strings.Contains(err.Error(), "401") || strings.Contains(strings.ToLower(err.Error()), "unauthorized")
}
