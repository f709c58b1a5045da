package httpapi

import (
	"net/http"
	"sync"

	"github.com/hapi/hub/internal/events"
	"github.com/hapi/hub/internal/push"
	"github.com/hapi/hub/internal/store"
	syncengine "github.com/hapi/hub/internal/sync"
	"github.com/hapi/hub/internal/synccache"
	"github.com/hapi/hub/internal/token"
)

// Deps wires every already-built subsystem the HTTP surface needs.
type Deps struct {
	Store          *store.Store
	Engine         *syncengine.Engine
	Registry       *syncengine.Registry
	Router         *events.Router
	Cache          *synccache.Cache
	Push           *push.Channel
	QRLogin        *token.QRLogin
	CLIAPIToken    string // shared machine/CLI bearer secret, from the CLI_API_TOKEN environment variable
	SigningKey     []byte // HMAC key for IssueAccessToken/ParseAccessToken
	WebURL         string // public base URL, for deep links
	VAPIDPublicKey string // served as-is to browsers for push subscription
}

// Server holds the handler state for the hub's REST+SSE surface.
type Server struct {
	store    *store.Store
	engine   *syncengine.Engine
	registry *syncengine.Registry
	router   *events.Router
	cache    *synccache.Cache
	push     *push.Channel
	qr       *token.QRLogin

	cliAPIToken    string
	signingKey     []byte
	webURL         string
	vapidPublicKey string

	mu   sync.Mutex
	subs map[string]*events.Subscription // subscriptionID -> live SSE subscription, for handleVisibility
}

// NewServer returns a Server ready to build a Handler from.
func NewServer(d Deps) *Server {
	return &Server{
		store:    d.Store,
		engine:   d.Engine,
		registry: d.Registry,
		router:   d.Router,
		cache:    d.Cache,
		push:     d.Push,
		qr:       d.QRLogin,

		cliAPIToken:    d.CLIAPIToken,
		signingKey:     d.SigningKey,
		webURL:         d.WebURL,
		vapidPublicKey: d.VAPIDPublicKey,

		subs: make(map[string]*events.Subscription),
	}
}

// Handler builds the complete routed mux: /health and POST /api/auth are
// unauthenticated, /qr/* authenticates only its confirm step,
// /api/runner/connect and /api/events check their token inline, and
// every other route under /api/ requires a resolved Identity.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("POST /api/auth", s.handleAuth)
	mux.HandleFunc("POST /api/bind", s.requireAuth(s.handleBind))

	mux.HandleFunc("POST /qr", s.handleQRCreate)
	mux.HandleFunc("GET /qr/{id}", s.handleQRPoll)
	mux.HandleFunc("POST /qr/{id}/confirm", s.requireAuth(s.handleQRConfirm))

	mux.HandleFunc("GET /api/sessions", s.requireAuth(s.handleListSessions))
	mux.HandleFunc("GET /api/sessions/{id}", s.requireAuth(s.handleGetSession))
	mux.HandleFunc("PATCH /api/sessions/{id}", s.requireAuth(s.handlePatchSession))
	mux.HandleFunc("DELETE /api/sessions/{id}", s.requireAuth(s.handleDeleteSession))
	mux.HandleFunc("POST /api/sessions/{id}/resume", s.requireAuth(s.handleResumeSession))
	mux.HandleFunc("POST /api/sessions/{id}/abort", s.requireAuth(s.handleAbortSession))
	mux.HandleFunc("POST /api/sessions/{id}/archive", s.requireAuth(s.handleArchiveSession))
	mux.HandleFunc("POST /api/sessions/{id}/switch", s.requireAuth(s.handleSwitchSession))
	mux.HandleFunc("POST /api/sessions/{id}/permission-mode", s.requireAuth(s.handleSetPermissionMode))
	mux.HandleFunc("POST /api/sessions/{id}/model", s.requireAuth(s.handleSetModel))
	mux.HandleFunc("GET /api/sessions/{id}/messages", s.requireAuth(s.handleGetMessages))
	mux.HandleFunc("POST /api/sessions/{id}/messages", s.requireAuth(s.handlePostMessage))
	mux.HandleFunc("GET /api/sessions/{id}/slash-commands", s.requireAuth(s.handleSlashCommands))
	mux.HandleFunc("GET /api/sessions/{id}/skills", s.requireAuth(s.handleSkills))
	mux.HandleFunc("GET /api/sessions/{id}/git-status", s.requireAuth(s.handleGitStatus))
	mux.HandleFunc("GET /api/sessions/{id}/git-diff-numstat", s.requireAuth(s.handleGitDiffNumstat))
	mux.HandleFunc("GET /api/sessions/{id}/git-diff-file", s.requireAuth(s.handleGitDiffFile))
	mux.HandleFunc("GET /api/sessions/{id}/file", s.requireAuth(s.handleSessionFile))
	mux.HandleFunc("GET /api/sessions/{id}/files", s.requireAuth(s.handleSessionFiles))
	mux.HandleFunc("POST /api/sessions/{id}/upload", s.requireAuth(s.handleUpload))
	mux.HandleFunc("POST /api/sessions/{id}/upload/delete", s.requireAuth(s.handleUploadDelete))

	mux.HandleFunc("GET /api/machines", s.requireAuth(s.handleListMachines))
	mux.HandleFunc("POST /api/machines/{id}/spawn", s.requireAuth(s.handleSpawn))
	mux.HandleFunc("POST /api/machines/{id}/paths/exists", s.requireAuth(s.handlePathExists))

	mux.HandleFunc("GET /api/push/vapid-public-key", s.requireAuth(s.handlePushVAPIDKey))
	mux.HandleFunc("POST /api/push/subscribe", s.requireAuth(s.handlePushSubscribe))
	mux.HandleFunc("DELETE /api/push/subscribe", s.requireAuth(s.handlePushUnsubscribe))

	mux.HandleFunc("POST /api/voice/token", s.requireAuth(s.handleVoiceToken))

	mux.HandleFunc("GET /api/runner/connect", s.handleRunnerConnect) // websocket control channel; authenticates inline via X-Machine-Id + bearer, not requireAuth's identity context

	mux.HandleFunc("GET /api/events", s.handleEventsSSE) // token supplied as a query param since browser EventSource can't set headers
	mux.HandleFunc("POST /api/visibility", s.requireAuth(s.handleVisibility))

	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
