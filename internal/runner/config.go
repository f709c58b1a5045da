package runner

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
)

// Config holds the runner's runtime configuration.
type Config struct {
	HubURL    string // hub control-channel URL, e.g. "ws://localhost:4327" or "wss://hub.example.com"
	DataDir   string // directory for persistent state
	Namespace string // namespace this runner registers sessions under
}

// RunnerState is the runner's persistent identity, saved to disk after
// the hub acknowledges registration so a restarted runner can
// reconnect as the same machine instead of minting a new one.
type RunnerState struct {
	MachineID string `json:"machine_id"`
	AuthToken string `json:"auth_token"`
	Namespace string `json:"namespace"`
	Version   string `json:"version"`
}

// DefineFlags registers command-line flags for runner configuration.
// Call flag.Parse() separately after defining all flags.
func DefineFlags() *Config {
	c := &Config{}
	flag.StringVar(&c.HubURL, "hub", "ws://localhost:4327", "hub control-channel URL")
	flag.StringVar(&c.DataDir, "data-dir", defaultDataDir(), "data directory")
	flag.StringVar(&c.Namespace, "namespace", "", "namespace to register sessions under")
	return c
}

// Validate checks the configuration and ensures required directories exist.
func (c *Config) Validate() error {
	if c.HubURL == "" {
		return fmt.Errorf("hub URL is required")
	}
	if err := os.MkdirAll(c.DataDir, 0o750); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	return nil
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".config", "hapi", "runner")
	}
	return filepath.Join(home, ".config", "hapi", "runner")
}

// StatePath returns the path to the state file.
func (c *Config) StatePath() string {
	return filepath.Join(c.DataDir, "state.json")
}

// LoadState loads persisted state from disk. Returns nil, nil if no
// state file exists yet (first run).
func (c *Config) LoadState() (*RunnerState, error) {
	data, err := os.ReadFile(c.StatePath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var s RunnerState
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// ClearState removes the persisted state file, e.g. after the hub
// reports the machine id as unknown and a fresh registration is needed.
func (c *Config) ClearState() error {
	err := os.Remove(c.StatePath())
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// SaveState persists state to disk with owner-only permissions, since
// it carries an auth token.
func (c *Config) SaveState(s *RunnerState) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(c.StatePath(), data, 0o600)
}
