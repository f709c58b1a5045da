package main

import (
	"context"
	"flag"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/hapi/hub/internal/config"
	"github.com/hapi/hub/internal/logging"
	"github.com/hapi/hub/internal/runner"
)

func runWorker(args []string) error {
	fs := flag.NewFlagSet("hapi worker", flag.ExitOnError)
	hubURL := fs.String("hub", "", "hub control-channel URL (overrides HAPI_API_URL)")
	dataDir := fs.String("data-dir", "", "data directory (overrides HAPI_HOME)")
	namespace := fs.String("namespace", "", "namespace to register sessions under")
	showVersion := fs.Bool("version", false, "print version and exit")
	_ = fs.Parse(args)

	if *showVersion {
		fmt.Println(version)
		return nil
	}

	rc, err := config.LoadRunnerConfig()
	if err != nil {
		return fmt.Errorf("load runner config: %w", err)
	}

	cfg := &runner.Config{HubURL: rc.APIURL, DataDir: rc.Home, Namespace: *namespace}
	if *hubURL != "" {
		cfg.HubURL = *hubURL
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validate runner config: %w", err)
	}

	logging.PrintBanner("runner", version, cfg.HubURL)

	state, err := runner.EnsureIdentity(cfg, rc.APIToken, version)
	if err != nil {
		return fmt.Errorf("ensure runner identity: %w", err)
	}

	client := runner.New(cfg.HubURL, state.MachineID, state.AuthToken)
	runner.NewHost(client) // wires spawn/kill/file/git handlers and a StopAll OnDeregister onto client

	stopAll := client.OnDeregister
	client.OnDeregister = func() {
		if stopAll != nil {
			stopAll()
		}
		_ = cfg.ClearState()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client.ConnectWithReconnect(ctx)
	return nil
}
