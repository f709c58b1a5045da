package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/hapi/hub/internal/events"
	syncengine "github.com/hapi/hub/internal/sync"
	"github.com/hapi/hub/internal/token"
)

// runnerFrame mirrors internal/runner's wire frame exactly — the hub
// side of the same websocket control channel, carrying
// {type, requestId, method, params} calls and
// {type, requestId, result|error} responses in the other direction.
type runnerFrame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
	Method    string          `json:"method,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// runnerConn is the hub-side end of one connected machine's control
// channel: it answers outbound Calls by correlating requestId against
// pending channels, the mirror image of runner.Client's handleCall.
type runnerConn struct {
	machineID string
	conn      *websocket.Conn

	writeMu sync.Mutex
	nextID  atomic.Uint64

	pendingMu sync.Mutex
	pending   map[string]chan runnerFrame
}

func (rc *runnerConn) write(ctx context.Context, f runnerFrame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	rc.writeMu.Lock()
	defer rc.writeMu.Unlock()
	return rc.conn.Write(ctx, websocket.MessageText, data)
}

// call implements sync.RunnerSocket.CallFn: it sends a "call" frame
// and blocks for the matching "response" frame or timeout.
func (rc *runnerConn) call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("httpapi: marshal call params: %w", err)
	}

	requestID := fmt.Sprintf("%d", rc.nextID.Add(1))
	sessionID, realMethod, ok := syncengine.SplitTarget(method)
	if !ok {
		sessionID, realMethod = "", method
	}

	ch := make(chan runnerFrame, 1)
	rc.pendingMu.Lock()
	rc.pending[requestID] = ch
	rc.pendingMu.Unlock()
	defer func() {
		rc.pendingMu.Lock()
		delete(rc.pending, requestID)
		rc.pendingMu.Unlock()
	}()

	if err := rc.write(ctx, runnerFrame{Type: "call", RequestID: requestID, SessionID: sessionID, Method: realMethod, Params: raw}); err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	select {
	case resp := <-ch:
		if resp.Error != "" {
			return nil, fmt.Errorf("runner: %s", resp.Error)
		}
		return resp.Result, nil
	case <-callCtx.Done():
		return nil, fmt.Errorf("httpapi: call %s to %s timed out: %w", method, rc.machineID, callCtx.Err())
	}
}

// handleRunnerConnect accepts a runner's websocket control-channel
// connection, authenticates it the same way requireAuth does (shared
// CLI/machine bearer token, X-Machine-Id header naming the caller),
// registers a sync.RunnerSocket for it, and pumps frames until the
// socket drops.
func (s *Server) handleRunnerConnect(w http.ResponseWriter, r *http.Request) {
	bearer := token.FromHeader(r.Header.Get("Authorization"))
	id, ok := s.identityFromCLIToken(bearer)
	if !ok {
		writeError(w, unauthorized("invalid machine credentials"))
		return
	}
	machineID := r.Header.Get("X-Machine-Id")
	if machineID == "" {
		writeError(w, badRequest("missing X-Machine-Id header"))
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	conn.SetReadLimit(16 << 20)

	if _, err := s.store.GetOrCreateMachine(machineID, id.Namespace, nil); err != nil {
		slog.Error("httpapi: record connecting machine", "machine_id", machineID, "error", err)
		conn.Close(websocket.StatusInternalError, "record machine failed")
		return
	}

	rc := &runnerConn{machineID: machineID, conn: conn, pending: make(map[string]chan runnerFrame)}
	sock := &syncengine.RunnerSocket{
		MachineID: machineID,
		CallFn:    rc.call,
	}
	s.registry.RegisterMachine(machineID, sock)
	_ = s.store.SetMachineActive(machineID, true, time.Now())
	s.engine.PublishConnectionChanged(id.Namespace, machineID, map[string]string{"status": "connected"})
	slog.Info("httpapi: runner connected", "machine_id", machineID, "namespace", id.Namespace)

	defer func() {
		s.registry.UnregisterMachine(machineID)
		_ = s.store.SetMachineActive(machineID, false, time.Now())
		s.engine.PublishConnectionChanged(id.Namespace, machineID, map[string]string{"status": "disconnected"})
		conn.Close(websocket.StatusNormalClosure, "")
	}()

	ctx := r.Context()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var f runnerFrame
		if err := json.Unmarshal(data, &f); err != nil {
			slog.Warn("httpapi: malformed frame from runner", "machine_id", machineID, "error", err)
			continue
		}
		go s.handleRunnerFrame(ctx, rc, id.Namespace, f)
	}
}

func (s *Server) handleRunnerFrame(ctx context.Context, rc *runnerConn, namespace string, f runnerFrame) {
	switch f.Type {
	case "response":
		rc.pendingMu.Lock()
		ch, ok := rc.pending[f.RequestID]
		rc.pendingMu.Unlock()
		if ok {
			ch <- f
		}
	case "notify":
		s.handleRunnerNotify(ctx, rc.machineID, namespace, f)
	default:
		slog.Warn("httpapi: unhandled frame type from runner", "machine_id", rc.machineID, "type", f.Type)
	}
}

// handleRunnerNotify folds a runner's one-way notification into store
// state and a published SyncEvent. "heartbeat" marks the machine active
// in the store; "session-stopped" ends the session in the cache and
// publishes session-updated. Every other method, "agent-event"
// included, is ignored: this path writes no message history.
func (s *Server) handleRunnerNotify(_ context.Context, machineID, namespace string, f runnerFrame) {
	switch f.Method {
	case "heartbeat":
		_ = s.store.SetMachineActive(machineID, true, time.Now())
	case "session-stopped":
		var payload struct {
			SessionID string `json:"sessionId"`
		}
		if err := json.Unmarshal(f.Params, &payload); err == nil && payload.SessionID != "" {
			s.cache.HandleSessionEnd(payload.SessionID, time.Now())
			s.router.Publish(events.SyncEvent{Type: "session-updated", Namespace: namespace, SessionID: payload.SessionID})
		}
	}
}
