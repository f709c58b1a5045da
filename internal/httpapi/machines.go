package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/hapi/hub/internal/store"
	"github.com/hapi/hub/internal/sync"
)

type machineView struct {
	ID                 string          `json:"id"`
	Namespace          string          `json:"namespace"`
	Tag                string          `json:"tag"`
	CreatedAt          string          `json:"createdAt"`
	UpdatedAt          string          `json:"updatedAt"`
	RunnerState        json.RawMessage `json:"runnerState"`
	RunnerStateVersion int64           `json:"runnerStateVersion"`
	Online             bool            `json:"online"`
}

func toMachineView(m *store.Machine, online bool) machineView {
	return machineView{
		ID:                 m.ID,
		Namespace:          m.Namespace,
		Tag:                m.Tag,
		CreatedAt:          m.CreatedAt,
		UpdatedAt:          m.UpdatedAt,
		RunnerState:        json.RawMessage(m.RunnerState),
		RunnerStateVersion: m.RunnerStateVersion,
		Online:             online,
	}
}

func (s *Server) handleListMachines(w http.ResponseWriter, r *http.Request) {
	ns := identity(r).Namespace
	machines, err := s.store.ListMachines(ns)
	if err != nil {
		writeError(w, err)
		return
	}
	views := make([]machineView, 0, len(machines))
	for _, m := range machines {
		views = append(views, toMachineView(m, s.registry.IsMachineOnline(m.ID)))
	}
	writeJSON(w, http.StatusOK, views)
}

type spawnRequest struct {
	Directory string                `json:"directory"`
	Options   sync.SpawnOptions     `json:"options"`
}

// handleSpawn starts a new agent session on machine id, delegating the
// whole spawn-and-wait-for-alive sequence to Engine.SpawnSession.
func (s *Server) handleSpawn(w http.ResponseWriter, r *http.Request) {
	ns := identity(r).Namespace
	machineID := r.PathValue("id")

	var req spawnRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Directory == "" {
		writeError(w, badRequest("directory is required"))
		return
	}

	result, err := s.engine.SpawnSession(r.Context(), ns, machineID, req.Directory, req.Options)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

type pathExistsRequest struct {
	Path string `json:"path"`
}

// handlePathExists forwards a filesystem existence check to the
// machine's runner — the hub itself never touches a runner's disk.
func (s *Server) handlePathExists(w http.ResponseWriter, r *http.Request) {
	machineID := r.PathValue("id")

	var req pathExistsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	raw, err := s.registry.Call(r.Context(), machineID, "path-exists", req, 0)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(raw)
}
