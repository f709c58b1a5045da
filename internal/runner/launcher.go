// Package runner is the agent-session host process: it launches local
// agent CLIs (claude, codex, gemini, opencode) over the JSON-RPC stdio
// transport, maintains a reconnecting control channel to the hub, and
// answers the hub's spawn/kill/file/git RPCs.
//
// Grounded on the teacher's internal/worker package family
// (agent.Start/Stop process lifecycle, hub.Client reconnect loop,
// config.State persistence), generalized from a single Claude-Code-only
// worker to a multi-flavor agent launcher speaking the spec's
// integer-id JSON-RPC 2.0 framing via internal/rpcstdio.
package runner

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"golang.org/x/term"

	"github.com/hapi/hub/internal/rpcstdio"
)

// Flavor identifies which agent CLI a session runs.
type Flavor string

const (
	FlavorClaude   Flavor = "claude"
	FlavorCodex    Flavor = "codex"
	FlavorGemini   Flavor = "gemini"
	FlavorOpencode Flavor = "opencode"
)

// LaunchOptions configures spawnWithAbort.
type LaunchOptions struct {
	Flavor          Flavor
	Directory       string
	ResumeSessionID string // flavor-specific resume token, when resuming

	OnNotification rpcstdio.NotificationHandler
	OnStderr       rpcstdio.StderrHandler
}

// ErrUnknownFlavor is returned for a Flavor with no known command line.
type ErrUnknownFlavor struct{ Flavor Flavor }

func (e *ErrUnknownFlavor) Error() string {
	return fmt.Sprintf("runner: unknown agent flavor %q", e.Flavor)
}

// commandFor builds the argv for a flavor, wiring stream-json /
// JSON-RPC stdio mode and session resumption the way each CLI expects.
func commandFor(opts LaunchOptions) ([]string, error) {
	switch opts.Flavor {
	case FlavorClaude:
		args := []string{"claude", "--output-format", "stream-json", "--input-format", "stream-json", "--verbose"}
		if opts.ResumeSessionID != "" {
			args = append(args, "--resume", opts.ResumeSessionID)
		}
		return args, nil
	case FlavorCodex:
		args := []string{"codex", "proto"}
		if opts.ResumeSessionID != "" {
			args = append(args, "--resume", opts.ResumeSessionID)
		}
		return args, nil
	case FlavorGemini:
		args := []string{"gemini", "--experimental-acp"}
		if opts.ResumeSessionID != "" {
			args = append(args, "--resume", opts.ResumeSessionID)
		}
		return args, nil
	case FlavorOpencode:
		args := []string{"opencode", "serve", "--stdio"}
		if opts.ResumeSessionID != "" {
			args = append(args, "--session", opts.ResumeSessionID)
		}
		return args, nil
	default:
		return nil, &ErrUnknownFlavor{Flavor: opts.Flavor}
	}
}

// terminalState restores the controlling terminal's mode once a
// spawned agent (which may have left it in raw mode) exits or is
// aborted. A no-op when stdin isn't a terminal.
type terminalState struct {
	fd    int
	state *term.State
}

func captureTerminalState() *terminalState {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return nil
	}
	state, err := term.GetState(fd)
	if err != nil {
		return nil
	}
	return &terminalState{fd: fd, state: state}
}

func (ts *terminalState) restore() {
	if ts == nil {
		return
	}
	_ = term.Restore(ts.fd, ts.state)
}

// Session wraps one launched agent process and its RPC transport.
type Session struct {
	flavor    Flavor
	directory string
	transport *rpcstdio.Transport
	term      *terminalState
}

// spawnWithAbort launches the agent CLI for opts, returning once the
// process has started (not once it has produced output — several
// flavors, like Claude Code in stream-json mode, stay silent until
// the first message arrives on stdin). The terminal is captured before
// spawn and restored in Stop regardless of how the child exits, since a
// misbehaving child can leave the controlling tty in raw/cbreak mode.
func spawnWithAbort(ctx context.Context, opts LaunchOptions) (*Session, error) {
	args, err := commandFor(opts)
	if err != nil {
		return nil, err
	}

	ts := captureTerminalState()

	env := filterEnv(os.Environ(), "CLAUDECODE", "CLAUDE_CODE_ENTRYPOINT")
	env = append(env, "CLAUDE_CODE_ENTRYPOINT=sdk-hapi")

	transport, err := rpcstdio.Start(ctx, rpcstdio.Options{
		Command:        args,
		Dir:            opts.Directory,
		Env:            env,
		OnNotification: opts.OnNotification,
		OnStderr:       opts.OnStderr,
	})
	if err != nil {
		ts.restore()
		return nil, classifyLaunchError(args[0], err)
	}

	return &Session{flavor: opts.Flavor, directory: opts.Directory, transport: transport, term: ts}, nil
}

// classifyLaunchError adds an install hint for a missing binary; other
// spawn failures pass through as a "local launch failure".
func classifyLaunchError(command string, err error) error {
	if _, lookErr := exec.LookPath(command); lookErr != nil {
		return fmt.Errorf("%s is not installed or not on PATH: %w", command, err)
	}
	return fmt.Errorf("local launch failure: %w", err)
}

// Call issues a JSON-RPC request to the agent process.
func (s *Session) Call(ctx context.Context, method string, params any, timeout time.Duration) ([]byte, error) {
	raw, err := s.transport.Call(ctx, method, params, timeout)
	return raw, err
}

// Stop terminates the agent process and restores the terminal state
// the caller's stdin was in before this session was spawned.
func (s *Session) Stop() {
	s.transport.Close()
	s.term.restore()
}

// Wait blocks until the agent process exits.
func (s *Session) Wait() error {
	return s.transport.Wait()
}

// filterEnv returns a copy of environ with entries matching any of the
// given key names removed (case-insensitive match on the name before
// the first '=').
func filterEnv(environ []string, keys ...string) []string {
	filtered := make([]string, 0, len(environ))
	for _, entry := range environ {
		name, _, _ := strings.Cut(entry, "=")
		skip := false
		for _, k := range keys {
			if strings.EqualFold(name, k) {
				skip = true
				break
			}
		}
		if !skip {
			filtered = append(filtered, entry)
		}
	}
	return filtered
}
