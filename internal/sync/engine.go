package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hapi/hub/internal/events"
	"github.com/hapi/hub/internal/store"
	"github.com/hapi/hub/internal/synccache"
)

// waitForSessionActivePollInterval is how often spawnSession polls the
// session cache while waiting for a freshly spawned session to report
// itself alive.
const waitForSessionActivePollInterval = 200 * time.Millisecond

// Engine is the sync engine: it drives session spawn/restart over the
// RPC registry, routes agent permission requests, and publishes
// SyncEvents for every observable store mutation.
type Engine struct {
	registry *Registry
	cache    *synccache.Cache
	router   *events.Router
	store    *store.Store

	permissions *permissionRouter
}

// New returns an Engine wired to the given registry, session cache,
// subscription router, and store.
func New(registry *Registry, cache *synccache.Cache, router *events.Router, st *store.Store) *Engine {
	return &Engine{
		registry:    registry,
		cache:       cache,
		router:      router,
		store:       st,
		permissions: newPermissionRouter(),
	}
}

// spawnRunnerRequest is the payload sent to a runner's
// spawn-happy-session method.
type spawnRunnerRequest struct {
	Type            string `json:"type"`
	SessionID       string `json:"sessionId,omitempty"`
	Directory       string `json:"directory,omitempty"`
	Agent           string `json:"agent,omitempty"`
	ResumeSessionID string `json:"resumeSessionId,omitempty"`
}

type spawnRunnerResponse struct {
	Type         string `json:"type"`
	ErrorMessage string `json:"errorMessage"`
	ErrorCode    string `json:"error"`
}

// SpawnResult is the outcome of SpawnSession.
type SpawnResult struct {
	Type                  string `json:"type"`
	SessionID             string `json:"sessionId,omitempty"`
	ErrorMessage          string `json:"errorMessage,omitempty"`
	InitialPromptDelivery string `json:"initialPromptDelivery,omitempty"`
}

// SpawnOptions carries the optional fields SpawnSession accepts beyond
// the required machine and directory.
type SpawnOptions struct {
	Agent         string
	InitialPrompt string
	WaitTimeout   time.Duration // how long to wait for the spawned session to go active
}

// SpawnSession mints a session id in the store, dispatches a spawn
// request for it to machineID, and, if an initial prompt was supplied,
// waits for the new session to report itself active before appending
// the prompt as a user message.
func (e *Engine) SpawnSession(ctx context.Context, namespace, machineID, directory string, opts SpawnOptions) (SpawnResult, error) {
	sess, err := e.store.GetOrCreateSession("", namespace, nil, nil)
	if err != nil {
		return SpawnResult{}, fmt.Errorf("spawn session: reserve session id: %w", err)
	}
	sessionID := sess.ID

	req := spawnRunnerRequest{Type: "spawn-in-directory", SessionID: sessionID, Directory: directory, Agent: opts.Agent}
	raw, err := e.registry.Call(ctx, machineID, "spawn-happy-session", req, 0)
	if err != nil {
		return SpawnResult{}, fmt.Errorf("spawn session: %w", err)
	}

	var resp spawnRunnerResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return SpawnResult{}, fmt.Errorf("spawn session: decode runner response: %w", err)
	}
	if resp.Type == "error" {
		return SpawnResult{Type: "error", ErrorMessage: resp.ErrorMessage}, nil
	}

	if err := e.registry.BindSession(sessionID, machineID); err != nil {
		slog.Warn("sync: failed to bind spawned session to machine", "session_id", sessionID, "machine_id", machineID, "error", err)
	}
	if err := e.store.SetSessionMachine(sessionID, namespace, machineID); err != nil {
		slog.Warn("sync: failed to record session's owning machine", "session_id", sessionID, "machine_id", machineID, "error", err)
	}
	e.publishSessionAdded(namespace, sessionID, machineID)

	prompt := strings.TrimSpace(opts.InitialPrompt)
	if prompt == "" {
		return SpawnResult{Type: "success", SessionID: sessionID}, nil
	}

	timeout := opts.WaitTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if e.waitForSessionActive(ctx, sessionID, timeout) {
		content, _ := json.Marshal(map[string]any{
			"role": "user",
			"text": prompt,
			"meta": map[string]string{"sentFrom": "spawn"},
		})
		if _, err := e.store.AddMessage(sessionID, store.RawJSON(content), ""); err != nil {
			slog.Error("sync: failed to append initial prompt", "session_id", sessionID, "error", err)
		} else {
			e.publishMessageReceived(namespace, sessionID)
		}
		return SpawnResult{Type: "success", SessionID: sessionID, InitialPromptDelivery: "delivered"}, nil
	}

	return SpawnResult{Type: "success", SessionID: sessionID, InitialPromptDelivery: "timed_out"}, nil
}

// waitForSessionActive polls the session cache until sessionID reports
// active, or timeout elapses.
func (e *Engine) waitForSessionActive(ctx context.Context, sessionID string, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(waitForSessionActivePollInterval)
	defer ticker.Stop()

	if active, _, known := e.cache.Snapshot(sessionID); known && active {
		return true
	}

	for {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
			if active, _, known := e.cache.Snapshot(sessionID); known && active {
				return true
			}
			if time.Now().After(deadline) {
				return false
			}
		}
	}
}

// RestartOutcome is one session's result from RestartSessions. Status
// is one of "restarted", "skipped", "failed".
type RestartOutcome struct {
	SessionID string `json:"sessionId"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

// resumableKeys are the agentState fields whose presence marks a
// session as resumable (it declares a flavor-specific resume token).
var resumableKeys = []string{"claudeSessionId", "codexThreadId", "geminiSessionId"}

func isResumable(agentState store.RawJSON) bool {
	if len(agentState) == 0 {
		return false
	}
	var decoded map[string]any
	if err := json.Unmarshal(agentState, &decoded); err != nil {
		return false
	}
	for _, key := range resumableKeys {
		if v, ok := decoded[key]; ok {
			if s, ok := v.(string); ok && s != "" {
				return true
			}
		}
	}
	return false
}

// RestartSessions restarts every resumable session in namespace
// (optionally narrowed by sessionFilter, which may be nil to mean
// "all"), sequentially: runners serialize spawn, so restarts never run
// concurrently. Results preserve input order.
func (e *Engine) RestartSessions(ctx context.Context, namespace string, sessionFilter func(*store.Session) bool) ([]RestartOutcome, error) {
	sessions, err := e.store.ListSessions(namespace)
	if err != nil {
		return nil, fmt.Errorf("restart sessions: %w", err)
	}

	outcomes := make([]RestartOutcome, 0, len(sessions))
	for _, sess := range sessions {
		if sessionFilter != nil && !sessionFilter(sess) {
			continue
		}
		outcomes = append(outcomes, e.restartOne(ctx, namespace, sess))
	}
	return outcomes, nil
}

func (e *Engine) restartOne(ctx context.Context, namespace string, sess *store.Session) RestartOutcome {
	if !isResumable(sess.AgentState) {
		return RestartOutcome{SessionID: sess.ID, Status: "skipped", Error: "not_resumable"}
	}

	if _, err := e.registry.Call(ctx, sess.ID, "killSession", nil, 0); err != nil {
		e.cache.HandleSessionEnd(sess.ID, time.Now())
	}

	if !sess.MachineID.Valid || sess.MachineID.String == "" {
		return RestartOutcome{SessionID: sess.ID, Status: "failed", Error: "no_machine_online"}
	}
	machineID := sess.MachineID.String

	_, resumeErr := e.attemptResume(ctx, machineID, sess.ID)
	if resumeErr == "resume_failed" {
		time.Sleep(500 * time.Millisecond)
		_, resumeErr = e.attemptResume(ctx, machineID, sess.ID)
	}

	if resumeErr == "" {
		e.publishSessionUpdated(namespace, sess.ID)
		return RestartOutcome{SessionID: sess.ID, Status: "restarted"}
	}
	return RestartOutcome{SessionID: sess.ID, Status: "failed", Error: resumeErr}
}

// attemptResume issues one resume call, returning "" on success or the
// runner-reported error code.
func (e *Engine) attemptResume(ctx context.Context, machineID, sessionID string) (spawnRunnerResponse, string) {
	req := spawnRunnerRequest{Type: "spawn-in-directory", ResumeSessionID: sessionID}
	raw, err := e.registry.Call(ctx, machineID, "spawn-happy-session", req, 0)
	if err != nil {
		return spawnRunnerResponse{}, "no_machine_online"
	}
	var resp spawnRunnerResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return spawnRunnerResponse{}, "resume_failed"
	}
	if resp.Type == "error" {
		if resp.ErrorCode != "" {
			return resp, resp.ErrorCode
		}
		return resp, "resume_failed"
	}
	return resp, ""
}

func (e *Engine) publishSessionAdded(namespace, sessionID, machineID string) {
	e.router.Publish(events.SyncEvent{Type: "session-added", Namespace: namespace, SessionID: sessionID, MachineID: machineID})
}

func (e *Engine) publishSessionUpdated(namespace, sessionID string) {
	e.router.Publish(events.SyncEvent{Type: "session-updated", Namespace: namespace, SessionID: sessionID})
}

func (e *Engine) publishMessageReceived(namespace, sessionID string) {
	e.router.Publish(events.SyncEvent{Type: "message-received", Namespace: namespace, SessionID: sessionID})
}

// PublishMachineUpdated publishes a machine-updated SyncEvent.
func (e *Engine) PublishMachineUpdated(namespace, machineID string) {
	e.router.Publish(events.SyncEvent{Type: "machine-updated", Namespace: namespace, MachineID: machineID})
}

// PublishConnectionChanged publishes a connection-changed SyncEvent.
func (e *Engine) PublishConnectionChanged(namespace, machineID string, payload any) {
	e.router.Publish(events.SyncEvent{Type: "connection-changed", Namespace: namespace, MachineID: machineID, Payload: payload})
}

// PublishSessionRemoved publishes a session-removed SyncEvent.
func (e *Engine) PublishSessionRemoved(namespace, sessionID string) {
	e.router.Publish(events.SyncEvent{Type: "session-removed", Namespace: namespace, SessionID: sessionID})
}

// RequestPermission publishes a permission-request toast for namespace
// and blocks until it is answered (by ResolvePermission) or ctx ends.
func (e *Engine) RequestPermission(ctx context.Context, namespace, sessionID string, params json.RawMessage) (json.RawMessage, error) {
	return e.permissions.request(ctx, sessionID, params, func(requestID string) {
		e.router.Publish(events.SyncEvent{
			Type:      "toast",
			Namespace: namespace,
			SessionID: sessionID,
			Payload: map[string]any{
				"intent":    "permission-request",
				"requestId": requestID,
				"params":    params,
			},
		})
	})
}

// ResolvePermission answers a pending permission request with either
// a selected option or a cancellation.
func (e *Engine) ResolvePermission(sessionID, requestID string, outcome PermissionOutcome) error {
	return e.permissions.resolve(sessionID, requestID, outcome)
}
