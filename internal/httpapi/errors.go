// Package httpapi is the hub's HTTP surface: session/machine CRUD and
// actions, push subscription management, the SSE event stream, QR
// login, and the bearer-to-access-token auth exchange. It is a thin adapter
// over internal/store, internal/sync, internal/events, internal/push
// and internal/token — handlers decode a request, call one of those,
// and translate the result to a status code and JSON body.
//
// Grounded on the teacher's internal/hub/auth/interceptor.go (the
// connect.Code -> HTTP/RPC status mapping idiom) generalized from
// connect-rpc codes to a local error taxonomy, since this module's
// transport is plain REST rather than connect-rpc.
package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hapi/hub/internal/store"
	"github.com/hapi/hub/internal/sync"
	"github.com/hapi/hub/internal/token"
)

// Kind is the taxonomy httpapi maps onto an HTTP status, per the error
// handling design's propagation policy: subsystems return structured
// results or sentinel errors, and only this outer layer turns them
// into statuses.
type Kind int

const (
	KindInternal Kind = iota
	KindBadRequest
	KindUnauthorized
	KindForbidden
	KindNotFound
	KindConflict
	KindGone
	KindUnavailable
)

// AppError is the sum type every handler returns instead of a bare
// error, carrying enough to both log and respond correctly.
type AppError struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *AppError) Unwrap() error { return e.Cause }

func badRequest(msg string) *AppError    { return &AppError{Kind: KindBadRequest, Message: msg} }
func unauthorized(msg string) *AppError  { return &AppError{Kind: KindUnauthorized, Message: msg} }
func forbidden(msg string) *AppError     { return &AppError{Kind: KindForbidden, Message: msg} }
func notFound(msg string) *AppError      { return &AppError{Kind: KindNotFound, Message: msg} }
func conflict(msg string) *AppError      { return &AppError{Kind: KindConflict, Message: msg} }
func gone(msg string) *AppError          { return &AppError{Kind: KindGone, Message: msg} }
func unavailable(msg string) *AppError   { return &AppError{Kind: KindUnavailable, Message: msg} }
func internal(msg string, cause error) *AppError {
	return &AppError{Kind: KindInternal, Message: msg, Cause: cause}
}

// asAppError classifies a plain error from a lower layer into an
// AppError, for the handlers that call straight into store/sync
// without already wrapping the result themselves.
func asAppError(err error) *AppError {
	var ae *AppError
	if errors.As(err, &ae) {
		return ae
	}
	switch {
	case errors.Is(err, store.ErrNotFound):
		return notFound("not found")
	case errors.Is(err, store.ErrNamespaceMismatch):
		return forbidden("namespace mismatch")
	case errors.Is(err, sync.ErrNoHandler):
		return unavailable("machine not connected")
	case errors.Is(err, token.ErrInvalidCredentials), errors.Is(err, token.ErrUnauthenticated):
		return unauthorized("invalid credentials")
	default:
		return internal("internal error", err)
	}
}

func (k Kind) status() int {
	switch k {
	case KindBadRequest:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindGone:
		return http.StatusGone
	case KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeError writes err's status and a {"error": message} body,
// logging internal errors' causes (never their sanitized message,
// which is already safe to show a caller).
func writeError(w http.ResponseWriter, err error) {
	ae := asAppError(err)
	if ae.Kind == KindInternal && ae.Cause != nil {
		slog.Error("httpapi: internal error", "message", ae.Message, "error", ae.Cause)
	}
	writeJSON(w, ae.Kind.status(), map[string]string{"error": ae.Message})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func decodeJSON(r *http.Request, dst any) error {
	if r.Body == nil {
		return badRequest("missing request body")
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		return badRequest("malformed request body: " + err.Error())
	}
	return nil
}
