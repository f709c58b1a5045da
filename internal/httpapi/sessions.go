package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/hapi/hub/internal/events"
	"github.com/hapi/hub/internal/id"
	"github.com/hapi/hub/internal/store"
)

type sessionView struct {
	ID                string          `json:"id"`
	Namespace         string          `json:"namespace"`
	Tag               string          `json:"tag"`
	MachineID         string          `json:"machineId,omitempty"`
	CreatedAt         string          `json:"createdAt"`
	UpdatedAt         string          `json:"updatedAt"`
	Metadata          json.RawMessage `json:"metadata"`
	MetadataVersion   int64           `json:"metadataVersion"`
	AgentState        json.RawMessage `json:"agentState"`
	AgentStateVersion int64           `json:"agentStateVersion"`
	Todos             json.RawMessage `json:"todos"`
	Active            bool            `json:"active"`
	Thinking          bool            `json:"thinking"`
	Seq               int64           `json:"seq"`
}

func toSessionView(sess *store.Session) sessionView {
	return sessionView{
		ID:                sess.ID,
		Namespace:         sess.Namespace,
		Tag:               sess.Tag,
		MachineID:         sess.MachineID.String,
		CreatedAt:         sess.CreatedAt,
		UpdatedAt:         sess.UpdatedAt,
		Metadata:          json.RawMessage(sess.Metadata),
		MetadataVersion:   sess.MetadataVersion,
		AgentState:        json.RawMessage(sess.AgentState),
		AgentStateVersion: sess.AgentStateVersion,
		Todos:             json.RawMessage(sess.Todos),
		Active:            sess.Active,
		Thinking:          sess.Thinking,
		Seq:               sess.Seq,
	}
}

// handleListSessions returns every session in the caller's namespace,
// annotating each with its live active/thinking mirror from the cache
// (the store's own active/thinking columns reconcile on the next
// write, but the cache is the sub-millisecond-fresh source for reads).
func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	ns := identity(r).Namespace
	sessions, err := s.store.ListSessions(ns)
	if err != nil {
		writeError(w, err)
		return
	}

	views := make([]sessionView, 0, len(sessions))
	for _, sess := range sessions {
		v := toSessionView(sess)
		if active, thinking, known := s.cache.Snapshot(sess.ID); known {
			v.Active = active
			v.Thinking = thinking
		}
		views = append(views, v)
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	ns := identity(r).Namespace
	sess, err := s.store.GetSession(r.PathValue("id"), ns)
	if err != nil {
		writeError(w, err)
		return
	}
	v := toSessionView(sess)
	if active, thinking, known := s.cache.Snapshot(sess.ID); known {
		v.Active = active
		v.Thinking = thinking
	}
	writeJSON(w, http.StatusOK, v)
}

type patchSessionRequest struct {
	Metadata        json.RawMessage `json:"metadata"`
	MetadataVersion int64           `json:"metadataVersion"`
	Tag             *string         `json:"tag"`
}

// handlePatchSession applies the versioned-field CAS template to a
// session's metadata, returning {result:"version-mismatch"} rather
// than an error on a stale write per the error handling design.
func (s *Server) handlePatchSession(w http.ResponseWriter, r *http.Request) {
	ns := identity(r).Namespace
	id := r.PathValue("id")

	var req patchSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Metadata == nil {
		writeError(w, badRequest("metadata is required"))
		return
	}

	res := s.store.UpdateSessionMetadata(id, ns, store.RawJSON(req.Metadata), req.MetadataVersion, true)
	switch res.Outcome {
	case store.UpdateSuccess:
		s.router.Publish(events.SyncEvent{Type: "session-updated", Namespace: ns, SessionID: id})
		writeJSON(w, http.StatusOK, map[string]any{"result": "success", "version": res.Version, "value": json.RawMessage(res.Value)})
	case store.UpdateVersionMismatch:
		writeJSON(w, http.StatusOK, map[string]any{"result": "version-mismatch", "version": res.Version, "value": json.RawMessage(res.Value)})
	default:
		writeError(w, res.Err)
	}
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	ns := identity(r).Namespace
	id := r.PathValue("id")
	if err := s.store.DeleteSession(id, ns); err != nil {
		writeError(w, err)
		return
	}
	s.cache.Forget(id)
	s.router.Publish(events.SyncEvent{Type: "session-removed", Namespace: ns, SessionID: id})
	w.WriteHeader(http.StatusNoContent)
}

// handleResumeSession restarts a single, already-resumable session by
// delegating to the same sequential restart path RestartSessions uses,
// filtered down to this one id.
func (s *Server) handleResumeSession(w http.ResponseWriter, r *http.Request) {
	ns := identity(r).Namespace
	id := r.PathValue("id")
	outcomes, err := s.engine.RestartSessions(r.Context(), ns, func(sess *store.Session) bool { return sess.ID == id })
	if err != nil {
		writeError(w, err)
		return
	}
	if len(outcomes) == 0 {
		writeError(w, notFound("session not found"))
		return
	}
	writeJSON(w, http.StatusOK, outcomes[0])
}

// handleAbortSession stops the session's local process by addressing
// killSession through the registry by session id, exactly as the
// sequential restart path does for its own kill-before-resume step.
func (s *Server) handleAbortSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.registry.Call(r.Context(), id, "killSession", nil, 0); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"result": "success"})
}

// handleArchiveSession marks a session archived in its agentState
// (opaque to the store) and publishes the update; it does not delete
// the session's history.
func (s *Server) handleArchiveSession(w http.ResponseWriter, r *http.Request) {
	ns := identity(r).Namespace
	id := r.PathValue("id")

	sess, err := s.store.GetSession(id, ns)
	if err != nil {
		writeError(w, err)
		return
	}
	var state map[string]any
	if err := json.Unmarshal(sess.AgentState, &state); err != nil || state == nil {
		state = map[string]any{}
	}
	state["archived"] = true
	encoded, err := json.Marshal(state)
	if err != nil {
		writeError(w, internal("encode agent state", err))
		return
	}

	res := s.store.UpdateSessionAgentState(id, ns, store.RawJSON(encoded), sess.AgentStateVersion, true)
	if res.Outcome != store.UpdateSuccess {
		writeJSON(w, http.StatusConflict, map[string]any{"result": "version-mismatch", "version": res.Version})
		return
	}
	s.router.Publish(events.SyncEvent{Type: "session-updated", Namespace: ns, SessionID: id})
	writeJSON(w, http.StatusOK, map[string]string{"result": "success"})
}

type switchSessionRequest struct {
	MachineID string `json:"machineId"`
}

// handleSwitchSession rebinds a session to a different machine's
// registry socket without touching its stored history.
func (s *Server) handleSwitchSession(w http.ResponseWriter, r *http.Request) {
	ns := identity(r).Namespace
	id := r.PathValue("id")

	var req switchSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.MachineID == "" {
		writeError(w, badRequest("machineId is required"))
		return
	}
	if !s.registry.IsMachineOnline(req.MachineID) {
		writeError(w, unavailable("target machine not connected"))
		return
	}
	if err := s.registry.BindSession(id, req.MachineID); err != nil {
		writeError(w, internal("bind session", err))
		return
	}
	if err := s.store.SetSessionMachine(id, ns, req.MachineID); err != nil {
		writeError(w, err)
		return
	}
	s.router.Publish(events.SyncEvent{Type: "session-updated", Namespace: ns, SessionID: id})
	writeJSON(w, http.StatusOK, map[string]string{"result": "success"})
}

type forwardedParamsRequest = json.RawMessage

// handleSetPermissionMode forwards a permission-mode change straight
// to the session's runner; the mode itself is opaque to the hub.
func (s *Server) handleSetPermissionMode(w http.ResponseWriter, r *http.Request) {
	s.forwardToSession(w, r, "set-permission-mode")
}

// handleSetModel forwards a model-selection change straight to the
// session's runner.
func (s *Server) handleSetModel(w http.ResponseWriter, r *http.Request) {
	s.forwardToSession(w, r, "set-model")
}

func (s *Server) handleGitStatus(w http.ResponseWriter, r *http.Request) {
	s.forwardToSession(w, r, "git-info")
}

func (s *Server) handleGitDiffNumstat(w http.ResponseWriter, r *http.Request) {
	s.forwardToSession(w, r, "git-diff-numstat")
}

func (s *Server) handleGitDiffFile(w http.ResponseWriter, r *http.Request) {
	s.forwardToSession(w, r, "git-diff-file")
}

func (s *Server) handleSessionFile(w http.ResponseWriter, r *http.Request) {
	s.forwardToSession(w, r, "file-read")
}

func (s *Server) handleSessionFiles(w http.ResponseWriter, r *http.Request) {
	s.forwardToSession(w, r, "file-browse")
}

func (s *Server) handleSlashCommands(w http.ResponseWriter, r *http.Request) {
	s.forwardToSession(w, r, "slash-commands")
}

func (s *Server) handleSkills(w http.ResponseWriter, r *http.Request) {
	s.forwardToSession(w, r, "skills")
}

// handleUpload and handleUploadDelete satisfy the upload contract
// shape without implementing real attachment storage — the spec
// explicitly scopes attachment-upload file handling out as referenced
// plumbing. Callers get a stable id back; sending that id as an
// attachment on a subsequent message is accepted as-is.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	body, err := decodeRawBody(r)
	if err != nil {
		writeError(w, err)
		return
	}
	_ = body
	writeJSON(w, http.StatusCreated, map[string]string{"id": id.Generate()})
}

func (s *Server) handleUploadDelete(w http.ResponseWriter, r *http.Request) {
	if _, err := decodeRawBody(r); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// forwardToSession relays the request body (or its query params, for
// GETs) as-is to method on the session's bound runner, returning
// whatever the runner answers.
func (s *Server) forwardToSession(w http.ResponseWriter, r *http.Request, method string) {
	id := r.PathValue("id")

	var params forwardedParamsRequest
	if r.Method == http.MethodGet {
		q := map[string]string{}
		for k := range r.URL.Query() {
			q[k] = r.URL.Query().Get(k)
		}
		q["path"] = r.URL.Query().Get("path")
		encoded, _ := json.Marshal(q)
		params = encoded
	} else {
		body, err := decodeRawBody(r)
		if err != nil {
			writeError(w, err)
			return
		}
		params = body
	}

	raw, err := s.registry.Call(r.Context(), id, method, params, 0)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(raw)
}

func decodeRawBody(r *http.Request) (json.RawMessage, error) {
	if r.Body == nil {
		return json.RawMessage("{}"), nil
	}
	defer r.Body.Close()
	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		return nil, badRequest("malformed request body: " + err.Error())
	}
	return raw, nil
}

type postMessageRequest struct {
	Text        string   `json:"text"`
	Attachments []string `json:"attachments,omitempty"`
	LocalID     string   `json:"localId,omitempty"`
}

func (s *Server) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	ns := identity(r).Namespace
	id := r.PathValue("id")

	var req postMessageRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	content, err := json.Marshal(map[string]any{
		"role":        "user",
		"text":        req.Text,
		"attachments": req.Attachments,
	})
	if err != nil {
		writeError(w, internal("encode message", err))
		return
	}

	msg, err := s.store.AddMessage(id, store.RawJSON(content), req.LocalID)
	if err != nil {
		writeError(w, err)
		return
	}
	s.router.Publish(events.SyncEvent{Type: "message-received", Namespace: ns, SessionID: id})
	writeJSON(w, http.StatusCreated, messageView(msg))
}

func (s *Server) handleGetMessages(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	limit := 200
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	var beforeSeq int64
	if v := r.URL.Query().Get("beforeSeq"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			beforeSeq = n
		}
	}

	messages, err := s.store.GetMessages(id, limit, beforeSeq)
	if err != nil {
		writeError(w, err)
		return
	}
	views := make([]messageViewT, 0, len(messages))
	for _, m := range messages {
		views = append(views, messageView(m))
	}
	writeJSON(w, http.StatusOK, views)
}

type messageViewT struct {
	ID        string          `json:"id"`
	SessionID string          `json:"sessionId"`
	LocalID   string          `json:"localId,omitempty"`
	Content   json.RawMessage `json:"content"`
	CreatedAt string          `json:"createdAt"`
	Seq       int64           `json:"seq"`
}

func messageView(m *store.Message) messageViewT {
	return messageViewT{
		ID:        m.ID,
		SessionID: m.SessionID,
		LocalID:   m.LocalID.String,
		Content:   json.RawMessage(m.Content),
		CreatedAt: m.CreatedAt,
		Seq:       m.Seq,
	}
}
