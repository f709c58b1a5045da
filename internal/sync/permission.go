package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/hapi/hub/internal/token"
)

// PermissionOutcome is the hub-side answer to a session/request_permission
// call relayed from a runner, mirroring the agent CLIs' own
// selected/cancelled permission-outcome shape.
type PermissionOutcome struct {
	Outcome  string `json:"outcome"` // "selected" or "cancelled"
	OptionID string `json:"optionId,omitempty"`
}

type pendingPermission struct {
	sessionID string
	params    json.RawMessage
	reply     chan PermissionOutcome
}

// permissionRouter holds permission requests that are awaiting a reply
// from the human operator (delivered over the subscription/websocket
// layer, out of band from the runner RPC call that's blocking on it).
type permissionRouter struct {
	mu      sync.Mutex
	pending map[string]*pendingPermission // requestID -> pending
}

func newPermissionRouter() *permissionRouter {
	return &permissionRouter{pending: make(map[string]*pendingPermission)}
}

// request mints a request id, registers a pending permission request
// for sessionID, invokes announce with that id (so the caller can
// publish it to subscribers before we block), and waits for resolve to
// be called with the same requestID or for ctx to end.
func (p *permissionRouter) request(ctx context.Context, sessionID string, params json.RawMessage, announce func(requestID string)) (json.RawMessage, error) {
	requestID, err := token.Generate()
	if err != nil {
		return nil, fmt.Errorf("sync: mint permission request id: %w", err)
	}

	pend := &pendingPermission{sessionID: sessionID, params: params, reply: make(chan PermissionOutcome, 1)}
	p.mu.Lock()
	p.pending[requestID] = pend
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		delete(p.pending, requestID)
		p.mu.Unlock()
	}()

	if announce != nil {
		announce(requestID)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case outcome := <-pend.reply:
		return json.Marshal(map[string]any{"outcome": outcome})
	}
}

// resolve answers a pending permission request by id, or reports that
// no such request is pending (already answered, expired, or unknown).
func (p *permissionRouter) resolve(sessionID, requestID string, outcome PermissionOutcome) error {
	p.mu.Lock()
	pend, ok := p.pending[requestID]
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("sync: no pending permission request %s", requestID)
	}
	if pend.sessionID != sessionID {
		return fmt.Errorf("sync: permission request %s does not belong to session %s", requestID, sessionID)
	}
	select {
	case pend.reply <- outcome:
	default:
	}
	return nil
}
