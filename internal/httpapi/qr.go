package httpapi

import (
	"net/http"
	"time"

	"github.com/hapi/hub/internal/token"
)

// handleQRCreate starts a new QR login session, returning the id and
// one-time secret to encode into the QR code image (the image
// rendering itself is the web UI's concern).
func (s *Server) handleQRCreate(w http.ResponseWriter, r *http.Request) {
	id, secret, err := s.qr.Create()
	if err != nil {
		writeError(w, internal("create qr session", err))
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id, "secret": secret})
}

// handleQRPoll reports a pending QR session's status; once confirmed,
// the access token is handed back exactly once.
func (s *Server) handleQRPoll(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	secret := r.URL.Query().Get("s")
	if secret == "" {
		writeError(w, badRequest("missing secret"))
		return
	}

	status, err := s.qr.Poll(id, secret, time.Now())
	if err != nil {
		writeError(w, notFound("qr session not found"))
		return
	}
	if status.Status == "expired" {
		writeError(w, gone("qr session expired"))
		return
	}
	body := map[string]string{"status": status.Status}
	if status.AccessToken != "" {
		body["accessToken"] = status.AccessToken
	}
	writeJSON(w, http.StatusOK, body)
}

// handleQRConfirm binds the authenticated caller's identity to a
// pending QR session, minting the access token the poller will
// receive on its next poll.
func (s *Server) handleQRConfirm(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	secret := r.URL.Query().Get("s")
	if secret == "" {
		writeError(w, badRequest("missing secret"))
		return
	}

	caller := identity(r)
	accessToken, err := token.IssueAccessToken(s.signingKey, caller.Namespace, caller.UserID)
	if err != nil {
		writeError(w, internal("issue access token", err))
		return
	}
	if err := s.qr.Confirm(id, secret, accessToken, time.Now()); err != nil {
		writeError(w, notFound("qr session not found or expired"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"result": "confirmed"})
}
