package agentevents_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hapi/hub/internal/agentevents"
)

func notif(t *testing.T, typ string, body map[string]any) agentevents.Notification {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	return agentevents.Notification{Type: typ, Raw: raw}
}

func TestConvert_ThreadStarted(t *testing.T) {
	c := agentevents.New()
	events := c.Convert(notif(t, "thread/started", map[string]any{"threadId": "t1"}))
	require.Len(t, events, 1)
	assert.Equal(t, "thread_started", events[0].Type)
}

func TestConvert_AgentMessageDeltaThenComplete(t *testing.T) {
	c := agentevents.New()

	events := c.Convert(notif(t, "item/started", map[string]any{
		"item": map[string]any{"id": "i1", "type": "agentMessage"},
	}))
	assert.Len(t, events, 1)
	assert.Equal(t, "item_activity", events[0].Type)

	events = c.Convert(notif(t, "item/delta", map[string]any{
		"item":  map[string]any{"id": "i1", "type": "agentMessage"},
		"delta": "Hello",
	}))
	assert.Empty(t, events)

	events = c.Convert(notif(t, "item/delta", map[string]any{
		"item":  map[string]any{"id": "i1", "type": "agentMessage"},
		"delta": "Hello, world",
	}))
	assert.Empty(t, events)

	events = c.Convert(notif(t, "item/completed", map[string]any{
		"item": map[string]any{"id": "i1", "type": "agentMessage"},
	}))
	require.Len(t, events, 1)
	assert.Equal(t, "agent_message", events[0].Type)
	assert.Equal(t, "Hello, world", events[0].Payload["text"])
}

func TestConvert_ItemCompletedIsDedupedPerItem(t *testing.T) {
	c := agentevents.New()
	body := map[string]any{"item": map[string]any{"id": "i1", "type": "agentMessage"}}

	first := c.Convert(notif(t, "item/completed", body))
	second := c.Convert(notif(t, "item/completed", body))

	assert.Len(t, first, 1)
	assert.Empty(t, second)
}

func TestConvert_CodexStepCompleteIsNotTaskComplete(t *testing.T) {
	c := agentevents.New()
	events := c.Convert(notif(t, "codex/event/task_complete", map[string]any{}))
	require.Len(t, events, 1)
	assert.Equal(t, "codex_step_complete", events[0].Type)
}

func TestConvert_TurnCompletedMapsStatusToEventType(t *testing.T) {
	cases := []struct {
		status string
		want   string
	}{
		{"completed", "task_complete"},
		{"failed", "task_failed"},
		{"interrupted", "turn_aborted"},
		{"cancelled", "turn_aborted"},
	}
	for _, tc := range cases {
		c := agentevents.New()
		events := c.Convert(notif(t, "turn/completed", map[string]any{"status": tc.status}))
		require.Len(t, events, 1, tc.status)
		assert.Equal(t, tc.want, events[0].Type, tc.status)
	}
}

func TestConvert_ErrorSwallowedWhenWillRetry(t *testing.T) {
	c := agentevents.New()
	events := c.Convert(notif(t, "error", map[string]any{"will_retry": true, "message": "rate limited"}))
	assert.Empty(t, events)

	events = c.Convert(notif(t, "error", map[string]any{"will_retry": false, "message": "fatal"}))
	require.Len(t, events, 1)
	assert.Equal(t, "error", events[0].Type)
}

func TestConvert_CommandExecutionLifecycle(t *testing.T) {
	c := agentevents.New()

	events := c.Convert(notif(t, "item/started", map[string]any{
		"item": map[string]any{"id": "cmd1", "type": "commandExecution", "command": "ls"},
	}))
	require.Len(t, events, 1)
	assert.Equal(t, "exec_command_begin", events[0].Type)

	c.Convert(notif(t, "item/delta", map[string]any{
		"item":  map[string]any{"id": "cmd1", "type": "commandExecution"},
		"delta": "file1\n",
	}))
	c.Convert(notif(t, "item/delta", map[string]any{
		"item":  map[string]any{"id": "cmd1", "type": "commandExecution"},
		"delta": "file1\nfile2\n",
	}))

	events = c.Convert(notif(t, "item/completed", map[string]any{
		"item": map[string]any{"id": "cmd1", "type": "commandExecution"},
	}))
	require.Len(t, events, 1)
	assert.Equal(t, "exec_command_end", events[0].Type)
	assert.Equal(t, "file1\nfile2\n", events[0].Payload["output"])
	assert.Equal(t, "ls", events[0].Payload["command"])
}

func TestConvert_WrappedExecCommandEndDecodesBase64Chunk(t *testing.T) {
	c := agentevents.New()
	events := c.Convert(notif(t, "codex/event/exec_command_end", map[string]any{
		"id":    "cmd2",
		"chunk": "aGVsbG8=",
	}))
	require.Len(t, events, 1)
	assert.Equal(t, "hello", events[0].Payload["chunk"])
}

func TestConvert_WrappedExecCommandEndDedupedPerID(t *testing.T) {
	c := agentevents.New()
	body := map[string]any{"id": "cmd3", "chunk": "aGVsbG8="}

	first := c.Convert(notif(t, "codex/event/exec_command_end", body))
	second := c.Convert(notif(t, "codex/event/exec_command_end", body))

	assert.Len(t, first, 1)
	assert.Empty(t, second)
}

func TestConvert_FileChangeLifecycle(t *testing.T) {
	c := agentevents.New()

	events := c.Convert(notif(t, "item/started", map[string]any{
		"item": map[string]any{"id": "f1", "type": "fileChange", "path": "main.go"},
	}))
	require.Len(t, events, 1)
	assert.Equal(t, "patch_apply_begin", events[0].Type)

	events = c.Convert(notif(t, "item/completed", map[string]any{
		"item": map[string]any{"id": "f1", "type": "fileChange"},
	}))
	require.Len(t, events, 1)
	assert.Equal(t, "patch_apply_end", events[0].Type)
	assert.Equal(t, "main.go", events[0].Payload["path"])
}

func TestConvert_UnknownNotificationTypeYieldsNoEvents(t *testing.T) {
	c := agentevents.New()
	events := c.Convert(notif(t, "some/unrecognized/type", map[string]any{}))
	assert.Empty(t, events)
}

func TestConvert_TurnDiffAndPlanUpdates(t *testing.T) {
	c := agentevents.New()

	events := c.Convert(notif(t, "turn/diff/updated", map[string]any{"diff": "..."}))
	require.Len(t, events, 1)
	assert.Equal(t, "turn_diff", events[0].Type)

	events = c.Convert(notif(t, "turn/plan/updated", map[string]any{"plan": []string{"step1"}}))
	require.Len(t, events, 1)
	assert.Equal(t, "turn_plan_updated", events[0].Type)

	events = c.Convert(notif(t, "turn/plan/delta", map[string]any{"delta": "step2"}))
	require.Len(t, events, 1)
	assert.Equal(t, "plan_delta", events[0].Type)
}

func TestConvert_ReasoningDeltaPartialOverlapAppendsTail(t *testing.T) {
	c := agentevents.New()

	c.Convert(notif(t, "item/delta", map[string]any{
		"item":  map[string]any{"id": "r1", "type": "reasoning"},
		"delta": "thinking about foo",
	}))
	// Incoming neither extends nor is a prefix/suffix of prev, but its
	// start overlaps with prev's tail ("foo" overlaps "foo bar").
	events := c.Convert(notif(t, "item/delta", map[string]any{
		"item":  map[string]any{"id": "r1", "type": "reasoning"},
		"delta": "foo bar",
	}))
	assert.Empty(t, events)

	events = c.Convert(notif(t, "item/completed", map[string]any{
		"item": map[string]any{"id": "r1", "type": "reasoning"},
	}))
	require.Len(t, events, 1)
	assert.Equal(t, "agent_reasoning", events[0].Type)
	assert.Equal(t, "thinking about foo bar", events[0].Payload["text"])
}

func TestConvert_TokenCountBothDialects(t *testing.T) {
	c := agentevents.New()

	events := c.Convert(notif(t, "thread/tokenUsage/updated", map[string]any{"total": 100}))
	require.Len(t, events, 1)
	assert.Equal(t, "token_count", events[0].Type)

	events = c.Convert(notif(t, "codex/event/token_count", map[string]any{"total": 200}))
	require.Len(t, events, 1)
	assert.Equal(t, "token_count", events[0].Type)
}
