// Package config loads layered runtime configuration for the hub and
// runner binaries: built-in defaults, an optional YAML file, then
// environment variables, each layer overriding the last.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// HubConfig holds the hub process's runtime configuration.
type HubConfig struct {
	Addr              string // Listen address (e.g. ":4327")
	DataDir           string // Data directory for DB, socket, etc.
	DevFrontend       string // Vite dev server URL (dev mode only; empty for production)
	APIURL            string // Public base URL runners/clients use to reach this hub
	PushVAPIDPublic   string
	PushVAPIDPrivate  string
}

// RunnerConfig holds the runner process's runtime configuration.
type RunnerConfig struct {
	Home              string        // HAPI_HOME: state dir for runner.state.json and lockfile
	APIURL            string        // HAPI_API_URL: hub base URL this runner registers against
	APIToken          string        // CLI_API_TOKEN: bearer token for hub auth
	HeartbeatInterval time.Duration // HAPI_RUNNER_HEARTBEAT_INTERVAL
}

const defaultHeartbeatInterval = 30 * time.Second

// LoadHubConfig layers defaults, an optional YAML file at configPath
// (skipped silently if it doesn't exist), and HAPI_-prefixed
// environment variables, in that order of increasing precedence.
func LoadHubConfig(configPath string) (*HubConfig, error) {
	k := koanf.New(".")

	defaults := map[string]any{
		"addr":     ":4327",
		"data_dir": defaultDataDir(),
	}
	if err := k.Load(confmap.Provider(defaults, "."), nil); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("load config file %s: %w", configPath, err)
			}
		}
	}

	if err := k.Load(env.Provider("HAPI_", ".", envKeyMap), nil); err != nil {
		return nil, fmt.Errorf("load environment config: %w", err)
	}

	cfg := &HubConfig{
		Addr:             k.String("addr"),
		DataDir:          k.String("data_dir"),
		DevFrontend:      k.String("dev_frontend"),
		APIURL:           k.String("api_url"),
		PushVAPIDPublic:  k.String("push_vapid_public"),
		PushVAPIDPrivate: k.String("push_vapid_private"),
	}
	return cfg, nil
}

// envKeyMap turns HAPI_DATA_DIR into "data_dir", matching koanf's dot
// delimiter and this package's lower_snake_case keys.
func envKeyMap(s string) string {
	s = strings.TrimPrefix(s, "HAPI_")
	return strings.ToLower(s)
}

// LoadRunnerConfig reads HAPI_HOME, HAPI_API_URL, CLI_API_TOKEN and
// HAPI_RUNNER_HEARTBEAT_INTERVAL from the environment. CLI_API_TOKEN
// intentionally does not carry the HAPI_ prefix — it is shared with
// other CLI tooling that predates the runner.
func LoadRunnerConfig() (*RunnerConfig, error) {
	k := koanf.New(".")

	defaults := map[string]any{
		"home":               defaultRunnerHome(),
		"heartbeat_interval": defaultHeartbeatInterval.String(),
	}
	if err := k.Load(confmap.Provider(defaults, "."), nil); err != nil {
		return nil, fmt.Errorf("load runner config defaults: %w", err)
	}

	if err := k.Load(env.Provider("HAPI_", ".", envKeyMap), nil); err != nil {
		return nil, fmt.Errorf("load runner environment config: %w", err)
	}
	if token := os.Getenv("CLI_API_TOKEN"); token != "" {
		k.Set("api_token", token)
	}

	interval, err := time.ParseDuration(k.String("runner_heartbeat_interval"))
	if err != nil || interval <= 0 {
		interval = defaultHeartbeatInterval
	}

	cfg := &RunnerConfig{
		Home:              k.String("home"),
		APIURL:            k.String("api_url"),
		APIToken:          k.String("api_token"),
		HeartbeatInterval: interval,
	}
	if cfg.Home == "" {
		cfg.Home = defaultRunnerHome()
	}
	return cfg, nil
}

// Validate checks the hub configuration and ensures required
// directories exist.
func (c *HubConfig) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("addr is required")
	}
	if err := os.MkdirAll(c.DataDir, 0o750); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	return nil
}

// Validate checks the runner configuration and ensures its home
// directory exists.
func (c *RunnerConfig) Validate() error {
	if c.Home == "" {
		return fmt.Errorf("home directory is required")
	}
	if err := os.MkdirAll(c.Home, 0o750); err != nil {
		return fmt.Errorf("create runner home: %w", err)
	}
	return nil
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".config", "hapi", "hub")
	}
	return filepath.Join(home, ".config", "hapi", "hub")
}

func defaultRunnerHome() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".hapi")
	}
	return filepath.Join(home, ".hapi")
}

// DBPath returns the path to the SQLite database file.
func (c *HubConfig) DBPath() string {
	return filepath.Join(c.DataDir, "hub.db")
}

// StateFilePath returns the path to the runner's state file.
func (c *RunnerConfig) StateFilePath() string {
	return filepath.Join(c.Home, "runner.state.json")
}

// LockFilePath returns the path to the runner's lockfile.
func (c *RunnerConfig) LockFilePath() string {
	return filepath.Join(c.Home, "runner.lock")
}
