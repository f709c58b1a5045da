package runner

import (
	"context"
	"encoding/json"
)

// RegisterAgentMetaHandlers wires the slash-commands/skills RPCs onto
// c. Enumerating a concrete agent CLI's registered commands and skills
// is that CLI's own concern (out of scope here; only the query
// contract is implemented) — both answer with an empty list until a
// concrete agent adapter populates them from the CLI's own metadata.
func RegisterAgentMetaHandlers(c *Client) {
	c.RegisterHandler("slash-commands", handleSlashCommands)
	c.RegisterHandler("skills", handleSkills)
}

type slashCommand struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

func handleSlashCommands(_ context.Context, _ string, _ json.RawMessage) (any, error) {
	return []slashCommand{}, nil
}

type skill struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

func handleSkills(_ context.Context, _ string, _ json.RawMessage) (any, error) {
	return []skill{}, nil
}
