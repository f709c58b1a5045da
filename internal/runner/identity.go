package runner

import (
	"fmt"
	"log/slog"

	"github.com/hapi/hub/internal/token"
)

// EnsureIdentity loads the runner's persisted RunnerState, or mints one
// on first run: a machine id is client-supplied and stable per spec, so
// it is generated once here and persisted rather than assigned by the
// hub. cliToken is CLI_API_TOKEN (optionally namespace-suffixed
// "token:ns"), the bearer credential the runner presents to the hub's
// control channel.
//
// Unlike the teacher's worker, which exchanges a registration token for
// hub-issued credentials via an operator-approved polling flow, a
// runner's identity here is entirely local: the operator already holds
// CLI_API_TOKEN, and there is no separate approval step to wait on.
func EnsureIdentity(cfg *Config, cliToken, version string) (*RunnerState, error) {
	base, ns := token.NormalizeNamespaceSuffix(cliToken)
	namespace := cfg.Namespace
	if namespace == "" {
		namespace = ns
	}
	if namespace == "" {
		namespace = "default"
	}

	state, err := cfg.LoadState()
	if err != nil {
		return nil, fmt.Errorf("runner: load state: %w", err)
	}
	if state != nil && state.Namespace == namespace {
		state.AuthToken = base
		state.Version = version
		if err := cfg.SaveState(state); err != nil {
			return nil, fmt.Errorf("runner: save state: %w", err)
		}
		return state, nil
	}

	machineID, err := token.Generate()
	if err != nil {
		return nil, fmt.Errorf("runner: generate machine id: %w", err)
	}

	state = &RunnerState{
		MachineID: machineID,
		AuthToken: base,
		Namespace: namespace,
		Version:   version,
	}
	if err := cfg.SaveState(state); err != nil {
		return nil, fmt.Errorf("runner: save state: %w", err)
	}
	slog.Info("runner: minted new machine identity", "machine_id", machineID, "namespace", namespace)
	return state, nil
}
