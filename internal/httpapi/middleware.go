package httpapi

import (
	"net/http"

	"github.com/hapi/hub/internal/token"
)

const defaultNamespace = "default"

// requireAuth resolves the caller's Identity from the Authorization
// header and attaches it to the request context before calling next:
// either the shared CLI_API_TOKEN (optionally ":namespace"-suffixed,
// identifying a machine/CLI caller) or an access token minted by
// POST /api/auth or a confirmed QR login (identifying a user).
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		bearer := token.FromHeader(r.Header.Get("Authorization"))
		if bearer == "" {
			writeError(w, unauthorized("missing bearer token"))
			return
		}

		if id, ok := s.identityFromCLIToken(bearer); ok {
			next(w, r.WithContext(token.WithIdentity(r.Context(), id)))
			return
		}

		namespace, userID, err := token.ParseAccessToken(s.signingKey, bearer)
		if err != nil {
			writeError(w, unauthorized("invalid or expired token"))
			return
		}
		id := &token.Identity{Namespace: namespace, UserID: userID}
		next(w, r.WithContext(token.WithIdentity(r.Context(), id)))
	}
}

// identityFromCLIToken reports whether bearer matches the
// hub-configured shared CLI/machine token (the base token before any
// ":namespace" suffix), constant-time.
func (s *Server) identityFromCLIToken(bearer string) (*token.Identity, bool) {
	if s.cliAPIToken == "" {
		return nil, false
	}
	base, namespace := token.NormalizeNamespaceSuffix(bearer)
	if !token.ConstantTimeEqual(base, s.cliAPIToken) {
		return nil, false
	}
	if namespace == "" {
		namespace = defaultNamespace
	}
	return &token.Identity{Namespace: namespace}, true
}

func identity(r *http.Request) *token.Identity {
	id, ok := token.FromContext(r.Context())
	if !ok {
		return &token.Identity{Namespace: defaultNamespace}
	}
	return id
}
