package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/hapi/hub/internal/events"
	"github.com/hapi/hub/internal/id"
	"github.com/hapi/hub/internal/token"
)

// handleEventsSSE streams SyncEvents as an SSE feed. Browsers' native
// EventSource can't set an Authorization header, so this route alone
// resolves its caller from a ?token= query parameter rather than
// through requireAuth.
func (s *Server) handleEventsSSE(w http.ResponseWriter, r *http.Request) {
	bearer := r.URL.Query().Get("token")
	if bearer == "" {
		bearer = token.FromHeader(r.Header.Get("Authorization"))
	}
	if bearer == "" {
		writeError(w, unauthorized("missing token"))
		return
	}

	var ns string
	if cliID, ok := s.identityFromCLIToken(bearer); ok {
		ns = cliID.Namespace
	} else {
		parsedNS, _, err := token.ParseAccessToken(s.signingKey, bearer)
		if err != nil {
			writeError(w, unauthorized("invalid or expired token"))
			return
		}
		ns = parsedNS
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, internal("streaming unsupported", fmt.Errorf("response writer has no Flusher")))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	subID := id.Generate()
	q := r.URL.Query()
	sub := &events.Subscription{
		ID:         subID,
		Namespace:  ns,
		All:        q.Get("all") == "true",
		SessionID:  q.Get("sessionId"),
		MachineID:  q.Get("machineId"),
		Visibility: q.Get("visibility"),
		Send: func(e events.SyncEvent) {
			writeSSE(w, flusher, e)
		},
		SendHeartbeat: func() {
			writeSSEComment(w, flusher, "heartbeat")
		},
	}

	s.mu.Lock()
	s.subs[subID] = sub
	s.mu.Unlock()

	unsubscribe := s.router.Subscribe(sub)
	defer func() {
		unsubscribe()
		s.mu.Lock()
		delete(s.subs, subID)
		s.mu.Unlock()
	}()

	writeSSE(w, flusher, events.SyncEvent{Type: "subscribed", Namespace: ns, Payload: map[string]string{"subscriptionId": subID}})

	<-r.Context().Done()
}

func writeSSE(w http.ResponseWriter, flusher http.Flusher, e events.SyncEvent) {
	payload, err := json.Marshal(e)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Type, payload)
	flusher.Flush()
}

func writeSSEComment(w http.ResponseWriter, flusher http.Flusher, comment string) {
	fmt.Fprintf(w, ": %s\n\n", comment)
	flusher.Flush()
}

type visibilityRequest struct {
	SubscriptionID string `json:"subscriptionId"`
	Visibility     string `json:"visibility"`
}

// handleVisibility updates a live SSE subscription's visibility flag
// (e.g. "visible"|"hidden"). The router stores the flag but does not
// consult it when matching events or counting toast deliveries.
func (s *Server) handleVisibility(w http.ResponseWriter, r *http.Request) {
	var req visibilityRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.SubscriptionID == "" {
		writeError(w, badRequest("subscriptionId is required"))
		return
	}

	s.mu.Lock()
	sub, ok := s.subs[req.SubscriptionID]
	if ok {
		sub.Visibility = req.Visibility
	}
	s.mu.Unlock()

	if !ok {
		writeError(w, notFound("subscription not found"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"result": "success"})
}
