package runner

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/hapi/hub/internal/agentevents"
)

// Host owns the session Manager and agent-exit notification plumbing
// a runner's RPC handlers need, wiring spawn/kill requests from the hub
// onto the local launcher.
type Host struct {
	client   *Client
	sessions *Manager
}

// NewHost wires sessions onto client's hub connection, registering the
// spawn-happy-session/killSession/deregister handlers the sync engine
// dispatches, plus file/git browsing.
func NewHost(client *Client) *Host {
	h := &Host{client: client}
	h.sessions = NewManager(h.onSessionExit)

	client.RegisterHandler("spawn-happy-session", h.handleSpawnHappySession)
	client.RegisterHandler("killSession", h.handleKillSession)
	client.OnDeregister = h.sessions.StopAll

	RegisterFileHandlers(client)
	RegisterGitHandlers(client)
	RegisterAgentMetaHandlers(client)
	return h
}

// forwardAgentEvents normalizes one agent-CLI stdout notification via
// converter and pushes every resulting canonical event to the hub as an
// "agent-event" notification. The hub's notify handler takes no action
// on agent-event: nothing is folded into message history or published.
func (h *Host) forwardAgentEvents(sessionID string, converter *agentevents.Converter, method string, raw json.RawMessage) {
	events := converter.Convert(agentevents.Notification{Type: method, Raw: raw})
	for _, ev := range events {
		ev.SessionID = sessionID
		if err := h.client.Notify(context.Background(), "agent-event", ev); err != nil {
			slog.Warn("runner: failed to forward agent event", "session_id", sessionID, "type", ev.Type, "error", err)
		}
	}
}

func (h *Host) onSessionExit(sessionID string, exitCode int, err error) {
	errMsg := ""
	if err != nil {
		errMsg = err.Error()
	}
	notifyCtx := context.Background()
	if notifyErr := h.client.Notify(notifyCtx, "session-stopped", map[string]any{
		"sessionId": sessionID,
		"exitCode":  exitCode,
		"error":     errMsg,
	}); notifyErr != nil {
		slog.Warn("runner: failed to notify hub of session exit", "session_id", sessionID, "error", notifyErr)
	}
}

type spawnInDirectoryParams struct {
	Type            string `json:"type"`
	SessionID       string `json:"sessionId"`
	Directory       string `json:"directory"`
	Agent           string `json:"agent"`
	ResumeSessionID string `json:"resumeSessionId"`
}

type spawnSessionResult struct {
	Type         string `json:"type"`
	SessionID    string `json:"sessionId,omitempty"`
	ErrorMessage string `json:"errorMessage,omitempty"`
	Error        string `json:"error,omitempty"`
}

func flavorFor(agent string) Flavor {
	switch agent {
	case "codex":
		return FlavorCodex
	case "gemini":
		return FlavorGemini
	case "opencode":
		return FlavorOpencode
	default:
		return FlavorClaude
	}
}

// handleSpawnHappySession answers the hub's spawn-in-directory request:
// a fresh session carries sessionId+directory, a resume carries only
// resumeSessionId (of an already-provisioned session the hub wants
// re-hosted on this machine).
func (h *Host) handleSpawnHappySession(ctx context.Context, _ string, raw json.RawMessage) (any, error) {
	var params spawnInDirectoryParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return spawnSessionResult{Type: "error", ErrorMessage: err.Error()}, nil
	}

	sessionID := params.SessionID
	resume := params.ResumeSessionID != ""
	if resume {
		sessionID = params.ResumeSessionID
	}
	if sessionID == "" {
		return spawnSessionResult{Type: "error", ErrorMessage: "missing session id", Error: "resume_unavailable"}, nil
	}

	converter := agentevents.New()
	opts := LaunchOptions{
		Flavor:    flavorFor(params.Agent),
		Directory: params.Directory,
		OnNotification: func(method string, raw json.RawMessage) {
			h.forwardAgentEvents(sessionID, converter, method, raw)
		},
		OnStderr: func(kind, text string) {
			slog.Warn("runner: agent stderr", "session_id", sessionID, "kind", kind, "text", text)
		},
	}
	if resume {
		opts.ResumeSessionID = sessionID
	}

	if err := h.sessions.Spawn(ctx, sessionID, opts); err != nil {
		code := "resume_failed"
		if !resume {
			code = ""
		}
		return spawnSessionResult{Type: "error", ErrorMessage: err.Error(), Error: code}, nil
	}

	return spawnSessionResult{Type: "success", SessionID: sessionID}, nil
}

// handleKillSession stops the local process hosting sessionID, which
// the registry addressed this call by (its params carry nothing — the
// target session is the only input).
func (h *Host) handleKillSession(_ context.Context, sessionID string, _ json.RawMessage) (any, error) {
	h.sessions.Stop(sessionID)
	return map[string]any{"type": "success"}, nil
}
