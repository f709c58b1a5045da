// Package agentevents normalizes the vendor-specific agent CLI
// notification dialects (Claude/Codex's direct `item/*` stream and the
// wrapped `codex/event/*` stream) into one canonical event stream:
// agent_message, tool_result, exec_command_begin/end,
// patch_apply_end, turn_diff, plan_*, token_count, and friends.
package agentevents

import (
	"encoding/base64"
	"encoding/json"
	"strings"
	"sync"
)

// Event is a canonical, flavor-independent agent event.
type Event struct {
	Type      string
	SessionID string
	Payload   map[string]any
}

// Converter holds the per-item buffers needed to reconstruct
// cumulative artifacts (message text, reasoning, command output, file
// diffs) from a stream of append-only or cumulative-snapshot deltas.
// One Converter is owned by exactly one session's notification feed.
type Converter struct {
	mu sync.Mutex

	agentMessageBuffers  map[string]string
	reasoningBuffers     map[string]string
	commandOutputBuffers map[string]string
	commandMeta          map[string]map[string]any
	fileChangeMeta       map[string]map[string]any

	completedItemKeys map[string]struct{}
}

// New returns an empty Converter.
func New() *Converter {
	return &Converter{
		agentMessageBuffers:  make(map[string]string),
		reasoningBuffers:     make(map[string]string),
		commandOutputBuffers: make(map[string]string),
		commandMeta:          make(map[string]map[string]any),
		fileChangeMeta:       make(map[string]map[string]any),
		completedItemKeys:    make(map[string]struct{}),
	}
}

// mergeDelta implements the four-rule delta merge used for text,
// reasoning, command output and file-change output buffers:
//  1. prev empty -> incoming.
//  2. incoming starts with prev -> incoming (cumulative snapshot replaces).
//  3. prev ends with incoming -> prev (duplicate replay).
//  4. otherwise append the non-overlapping tail of incoming past the
//     longest suffix-of-prev/prefix-of-incoming overlap; no overlap ->
//     straight concatenation.
func mergeDelta(prev, incoming string) string {
	if prev == "" {
		return incoming
	}
	if strings.HasPrefix(incoming, prev) {
		return incoming
	}
	if strings.HasSuffix(prev, incoming) {
		return prev
	}

	overlap := longestSuffixPrefixOverlap(prev, incoming)
	return prev + incoming[overlap:]
}

// longestSuffixPrefixOverlap returns the length of the longest suffix
// of a that is also a prefix of b.
func longestSuffixPrefixOverlap(a, b string) int {
	max := len(a)
	if len(b) < max {
		max = len(b)
	}
	for n := max; n > 0; n-- {
		if strings.HasSuffix(a, b[:n]) {
			return n
		}
	}
	return 0
}

// Notification is a single inbound agent-CLI stdout message, already
// decoded enough to dispatch on Type but still carrying the raw body
// for type-specific extraction.
type Notification struct {
	Type string          // e.g. "thread/started", "item/completed", "codex/event/task_complete"
	Raw  json.RawMessage
}

// Convert folds one notification into zero or more canonical events,
// mutating the converter's per-item buffers as needed.
func (c *Converter) Convert(n Notification) []Event {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch n.Type {
	case "thread/started", "thread/resumed":
		return []Event{{Type: "thread_started", Payload: decodeBody(n.Raw)}}

	case "turn/started", "codex/event/task_started":
		return []Event{{Type: "task_started", Payload: decodeBody(n.Raw)}}

	case "turn/completed":
		return c.convertTurnCompleted(n.Raw)

	case "codex/event/task_complete":
		// Mid-turn marker, NOT task_complete — must not clear the
		// thinking spinner the way a real task_complete does.
		return []Event{{Type: "codex_step_complete", Payload: decodeBody(n.Raw)}}

	case "item/started":
		return c.convertItemStarted(n.Raw)

	case "item/completed":
		return c.convertItemCompleted(n.Raw)

	case "item/delta":
		return c.convertItemDelta(n.Raw)

	case "codex/event/exec_command_begin":
		return []Event{{Type: "exec_command_begin", Payload: decodeBody(n.Raw)}}

	case "codex/event/exec_command_end":
		return c.convertWrappedExecEnd(n.Raw)

	case "turn/diff/updated", "codex/event/turn_diff":
		return []Event{{Type: "turn_diff", Payload: decodeBody(n.Raw)}}

	case "turn/plan/updated":
		return []Event{{Type: "turn_plan_updated", Payload: decodeBody(n.Raw)}}

	case "turn/plan/delta":
		return []Event{{Type: "plan_delta", Payload: decodeBody(n.Raw)}}

	case "thread/tokenUsage/updated", "codex/event/token_count":
		return []Event{{Type: "token_count", Payload: decodeBody(n.Raw)}}

	case "error":
		return c.convertError(n.Raw)

	default:
		return nil
	}
}

func decodeBody(raw json.RawMessage) map[string]any {
	var body map[string]any
	_ = json.Unmarshal(raw, &body)
	return body
}

func (c *Converter) convertTurnCompleted(raw json.RawMessage) []Event {
	body := decodeBody(raw)
	status, _ := body["status"].(string)
	switch status {
	case "completed":
		return []Event{{Type: "task_complete", Payload: body}}
	case "failed":
		return []Event{{Type: "task_failed", Payload: body}}
	case "interrupted", "cancelled":
		return []Event{{Type: "turn_aborted", Payload: body}}
	default:
		return nil
	}
}

func (c *Converter) convertItemStarted(raw json.RawMessage) []Event {
	body := decodeBody(raw)
	item, _ := body["item"].(map[string]any)
	itemType, _ := item["type"].(string)
	itemID, _ := item["id"].(string)

	switch itemType {
	case "commandExecution":
		c.commandMeta[itemID] = item
		return []Event{{Type: "exec_command_begin", Payload: item}}
	case "fileChange":
		c.fileChangeMeta[itemID] = item
		return []Event{{Type: "patch_apply_begin", Payload: item}}
	case "mcpToolCall", "webSearch", "agentMessage", "reasoning":
		return []Event{{Type: "item_activity", Payload: item}}
	default:
		return nil
	}
}

func (c *Converter) convertItemDelta(raw json.RawMessage) []Event {
	body := decodeBody(raw)
	item, _ := body["item"].(map[string]any)
	itemID, _ := item["id"].(string)
	itemType, _ := item["type"].(string)
	delta, _ := body["delta"].(string)

	switch itemType {
	case "agentMessage":
		c.agentMessageBuffers[itemID] = mergeDelta(c.agentMessageBuffers[itemID], delta)
	case "reasoning":
		c.reasoningBuffers[itemID] = mergeDelta(c.reasoningBuffers[itemID], delta)
	case "commandExecution":
		c.commandOutputBuffers[itemID] = mergeDelta(c.commandOutputBuffers[itemID], delta)
	}
	return nil
}

func (c *Converter) convertItemCompleted(raw json.RawMessage) []Event {
	body := decodeBody(raw)
	item, _ := body["item"].(map[string]any)
	itemID, _ := item["id"].(string)
	itemType, _ := item["type"].(string)

	key := "direct:" + itemID
	if _, done := c.completedItemKeys[key]; done {
		return nil
	}
	c.completedItemKeys[key] = struct{}{}

	switch itemType {
	case "agentMessage":
		text := c.agentMessageBuffers[itemID]
		delete(c.agentMessageBuffers, itemID)
		return []Event{{Type: "agent_message", Payload: map[string]any{"id": itemID, "text": text}}}
	case "reasoning":
		text := c.reasoningBuffers[itemID]
		delete(c.reasoningBuffers, itemID)
		return []Event{{Type: "agent_reasoning", Payload: map[string]any{"id": itemID, "text": text}}}
	case "commandExecution":
		output := c.commandOutputBuffers[itemID]
		delete(c.commandOutputBuffers, itemID)
		meta := c.commandMeta[itemID]
		delete(c.commandMeta, itemID)
		payload := map[string]any{"id": itemID, "output": output}
		for k, v := range meta {
			payload[k] = v
		}
		return []Event{{Type: "exec_command_end", Payload: payload}}
	case "fileChange":
		meta := c.fileChangeMeta[itemID]
		delete(c.fileChangeMeta, itemID)
		return []Event{{Type: "patch_apply_end", Payload: meta}}
	case "toolCall", "mcpToolCall":
		return []Event{{Type: "tool_result", Payload: item}}
	default:
		return nil
	}
}

func (c *Converter) convertWrappedExecEnd(raw json.RawMessage) []Event {
	body := decodeBody(raw)
	itemID, _ := body["id"].(string)

	key := "wrapped:" + itemID
	if _, done := c.completedItemKeys[key]; done {
		return nil
	}
	c.completedItemKeys[key] = struct{}{}

	if chunkB64, ok := body["chunk"].(string); ok {
		decoded, err := base64.StdEncoding.DecodeString(chunkB64)
		if err == nil {
			body["chunk"] = string(decoded)
		}
	}
	return []Event{{Type: "exec_command_end", Payload: body}}
}

func (c *Converter) convertError(raw json.RawMessage) []Event {
	body := decodeBody(raw)
	if willRetry, _ := body["will_retry"].(bool); willRetry {
		return nil
	}
	return []Event{{Type: "error", Payload: body}}
}
