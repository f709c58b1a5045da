package main

import (
	"context"
	"crypto/rand"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/hapi/hub/internal/config"
	"github.com/hapi/hub/internal/events"
	"github.com/hapi/hub/internal/httpapi"
	"github.com/hapi/hub/internal/id"
	"github.com/hapi/hub/internal/logging"
	"github.com/hapi/hub/internal/metrics"
	"github.com/hapi/hub/internal/push"
	"github.com/hapi/hub/internal/store"
	syncengine "github.com/hapi/hub/internal/sync"
	"github.com/hapi/hub/internal/synccache"
	"github.com/hapi/hub/internal/token"
)

const heartbeatInterval = 30 * time.Second

func runHub(args []string) error {
	fs := flag.NewFlagSet("hapi hub", flag.ExitOnError)
	addr := fs.String("addr", "", "TCP listen address (overrides HAPI_ADDR/config)")
	dataDir := fs.String("data-dir", "", "data directory (overrides HAPI_DATA_DIR/config)")
	configPath := fs.String("config", "", "optional YAML config file")
	devFrontend := fs.String("dev-frontend", "", "Vite dev server URL (dev mode)")
	showVersion := fs.Bool("version", false, "print version and exit")
	_ = fs.Parse(args)

	if *showVersion {
		fmt.Println(version)
		return nil
	}

	cfg, err := config.LoadHubConfig(*configPath)
	if err != nil {
		return fmt.Errorf("load hub config: %w", err)
	}
	if *addr != "" {
		cfg.Addr = *addr
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	if *devFrontend != "" {
		cfg.DevFrontend = *devFrontend
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validate hub config: %w", err)
	}

	logging.PrintBanner("hub", version, cfg.Addr)

	db, err := store.Open(cfg.DBPath())
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()
	st := store.New(db)

	router := events.New(heartbeatInterval)
	defer router.Stop()
	cache := synccache.New(cacheToRouter{router})
	registry := syncengine.NewRegistry()
	engine := syncengine.New(registry, cache, router, st)

	provider, err := pushProviderFromConfig(cfg)
	if err != nil {
		return fmt.Errorf("configure push provider: %w", err)
	}
	pushChannel := push.New(router, provider, st, cfg.APIURL)

	qr := token.NewQRLogin(func() (string, error) { return id.Generate(), nil })

	signingKey, err := loadOrCreateSigningKey(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("load signing key: %w", err)
	}

	deps := httpapi.Deps{
		Store:          st,
		Engine:         engine,
		Registry:       registry,
		Router:         router,
		Cache:          cache,
		Push:           pushChannel,
		QRLogin:        qr,
		CLIAPIToken:    os.Getenv("CLI_API_TOKEN"),
		SigningKey:     signingKey,
		WebURL:         cfg.APIURL,
		VAPIDPublicKey: cfg.PushVAPIDPublic,
	}
	server := httpapi.NewServer(deps)

	handler := logging.HTTPMiddleware(metrics.HTTPMiddleware(server.Handler()))

	httpServer := &http.Server{
		Addr:    cfg.Addr,
		Handler: h2c.NewHandler(handler, &http2.Server{}),
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go expireInactiveLoop(ctx, cache)

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.ListenAndServe()
	}()

	logging.PrintAccessURL(cfg.Addr)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	}
}

// cacheToRouter adapts events.Router to synccache.Publisher, folding a
// liveness transition into the same session-updated SyncEvent shape
// every other mutation publishes.
type cacheToRouter struct {
	router *events.Router
}

func (c cacheToRouter) PublishTransition(t synccache.Transition) {
	c.router.Publish(events.SyncEvent{
		Type:      "session-updated",
		SessionID: t.SessionID,
		Payload:   map[string]bool{"active": t.Active, "thinking": t.Thinking},
	})
}

const expireInactivePollInterval = 10 * time.Second

// expireInactiveLoop periodically sweeps the session cache for
// sessions that stopped heartbeating, clearing their active/thinking
// state the same way a runner's own session-stopped notify does.
func expireInactiveLoop(ctx context.Context, cache *synccache.Cache) {
	ticker := time.NewTicker(expireInactivePollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cache.ExpireInactive(time.Now())
		}
	}
}

func loadOrCreateSigningKey(dataDir string) ([]byte, error) {
	path := filepath.Join(dataDir, "signing.key")
	if data, err := os.ReadFile(path); err == nil && len(data) > 0 {
		return data, nil
	} else if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}
	if err := os.WriteFile(path, key, 0o600); err != nil {
		return nil, fmt.Errorf("persist signing key: %w", err)
	}
	return key, nil
}

// pushProviderFromConfig builds a VAPID web-push provider when the hub
// config carries both key halves; push still works for locally
// connected subscribers (SSE) without it, only the web-push fallback
// is disabled.
func pushProviderFromConfig(cfg *config.HubConfig) (push.Provider, error) {
	if cfg.PushVAPIDPublic == "" || cfg.PushVAPIDPrivate == "" {
		return nil, nil
	}
	subject := os.Getenv("HAPI_PUSH_VAPID_SUBJECT")
	if subject == "" {
		subject = "mailto:admin@localhost"
	}
	return push.NewVAPIDProvider(cfg.PushVAPIDPrivate, cfg.PushVAPIDPublic, subject)
}
