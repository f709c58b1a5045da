package sync_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hapi/hub/internal/events"
	"github.com/hapi/hub/internal/store"
	"github.com/hapi/hub/internal/sync"
	"github.com/hapi/hub/internal/synccache"
)

func newTestEngine(t *testing.T) (*sync.Engine, *sync.Registry, *synccache.Cache, *events.Router, *store.Store) {
	t.Helper()
	db, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, store.Migrate(db))
	st := store.New(db)

	registry := sync.NewRegistry()
	router := events.New(0)
	t.Cleanup(router.Stop)
	cache := synccache.New(routerPublisher{router})

	return sync.New(registry, cache, router, st), registry, cache, router, st
}

type routerPublisher struct{ r *events.Router }

func (p routerPublisher) PublishTransition(t synccache.Transition) {
	p.r.Publish(events.SyncEvent{Type: "session-updated", SessionID: t.SessionID, Payload: t})
}

func TestSpawnSession_NoPromptReturnsImmediately(t *testing.T) {
	engine, registry, _, _, _ := newTestEngine(t)
	registry.RegisterMachine("m1", fakeSocket("m1", func(method string, params any) (json.RawMessage, error) {
		assert.Equal(t, "spawn-happy-session", method)
		return json.RawMessage(`{"type":"success"}`), nil
	}))

	result, err := engine.SpawnSession(context.Background(), "ns1", "m1", "/tmp/work", sync.SpawnOptions{})
	require.NoError(t, err)
	assert.NotEmpty(t, result.SessionID)
	assert.Equal(t, "", result.InitialPromptDelivery)
}

func TestSpawnSession_WithPromptDeliveredAfterActivation(t *testing.T) {
	engine, registry, cache, _, st := newTestEngine(t)
	registry.RegisterMachine("m1", fakeSocket("m1", func(method string, params any) (json.RawMessage, error) {
		raw, _ := json.Marshal(params)
		var req struct {
			SessionID string `json:"sessionId"`
		}
		_ = json.Unmarshal(raw, &req)
		go func() {
			time.Sleep(20 * time.Millisecond)
			cache.HandleSessionAlive(req.SessionID, time.Now(), nil, false)
		}()
		return json.RawMessage(`{"type":"success"}`), nil
	}))

	result, err := engine.SpawnSession(context.Background(), "ns1", "m1", "/tmp/work", sync.SpawnOptions{
		InitialPrompt: "hello",
		WaitTimeout:   2 * time.Second,
	})
	require.NoError(t, err)
	assert.Equal(t, "delivered", result.InitialPromptDelivery)

	msgs, err := st.GetMessages(result.SessionID, 10, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
}

func TestSpawnSession_PromptTimesOutWithoutActivation(t *testing.T) {
	engine, registry, _, _, st := newTestEngine(t)
	registry.RegisterMachine("m1", fakeSocket("m1", func(method string, params any) (json.RawMessage, error) {
		return json.RawMessage(`{"type":"success"}`), nil
	}))

	result, err := engine.SpawnSession(context.Background(), "ns1", "m1", "/tmp/work", sync.SpawnOptions{
		InitialPrompt: "hello",
		WaitTimeout:   150 * time.Millisecond,
	})
	require.NoError(t, err)
	assert.Equal(t, "timed_out", result.InitialPromptDelivery)

	msgs, err := st.GetMessages(result.SessionID, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestSpawnSession_RunnerErrorIsSurfacedNotWrapped(t *testing.T) {
	engine, registry, _, _, _ := newTestEngine(t)
	registry.RegisterMachine("m1", fakeSocket("m1", func(method string, params any) (json.RawMessage, error) {
		return json.RawMessage(`{"type":"error","errorMessage":"directory not found"}`), nil
	}))

	result, err := engine.SpawnSession(context.Background(), "ns1", "m1", "/nope", sync.SpawnOptions{})
	require.NoError(t, err)
	assert.Equal(t, "error", result.Type)
	assert.Equal(t, "directory not found", result.ErrorMessage)
}

func TestRestartSessions_SkipsNonResumableSessions(t *testing.T) {
	engine, registry, _, _, st := newTestEngine(t)
	sess, err := st.GetOrCreateSession("", "ns1", nil, nil)
	require.NoError(t, err)
	require.NoError(t, st.SetSessionMachine(sess.ID, "ns1", "m1"))
	registry.RegisterMachine("m1", fakeSocket("m1", nil))

	outcomes, err := engine.RestartSessions(context.Background(), "ns1", nil)
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, "skipped", outcomes[0].Status)
	assert.Equal(t, "not_resumable", outcomes[0].Error)
}

func TestRestartSessions_ResumesSequentiallyInOrder(t *testing.T) {
	engine, registry, _, _, st := newTestEngine(t)
	s1, err := st.GetOrCreateSession("", "ns1", nil, store.RawJSON(`{"claudeSessionId":"abc"}`))
	require.NoError(t, err)
	s2, err := st.GetOrCreateSession("", "ns1", nil, store.RawJSON(`{"claudeSessionId":"def"}`))
	require.NoError(t, err)
	require.NoError(t, st.SetSessionMachine(s1.ID, "ns1", "m1"))
	require.NoError(t, st.SetSessionMachine(s2.ID, "ns1", "m1"))

	var calls []string
	registry.RegisterMachine("m1", fakeSocket("m1", func(method string, params any) (json.RawMessage, error) {
		calls = append(calls, method)
		return json.RawMessage(`{"type":"success"}`), nil
	}))

	outcomes, err := engine.RestartSessions(context.Background(), "ns1", nil)
	require.NoError(t, err)
	require.Len(t, outcomes, 2)
	assert.Equal(t, "restarted", outcomes[0].Status)
	assert.Equal(t, "restarted", outcomes[1].Status)
	assert.Equal(t, s1.ID, outcomes[0].SessionID)
	assert.Equal(t, s2.ID, outcomes[1].SessionID)
}

func TestRestartSessions_NonRetryableErrorFailsImmediately(t *testing.T) {
	engine, registry, _, _, st := newTestEngine(t)
	sess, err := st.GetOrCreateSession("", "ns1", nil, store.RawJSON(`{"claudeSessionId":"abc"}`))
	require.NoError(t, err)
	require.NoError(t, st.SetSessionMachine(sess.ID, "ns1", "m1"))

	calls := 0
	registry.RegisterMachine("m1", fakeSocket("m1", func(method string, params any) (json.RawMessage, error) {
		calls++
		return json.RawMessage(`{"type":"error","error":"access_denied"}`), nil
	}))

	outcomes, err := engine.RestartSessions(context.Background(), "ns1", nil)
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, "failed", outcomes[0].Status)
	assert.Equal(t, "access_denied", outcomes[0].Error)
	assert.Equal(t, 1, calls, "non-retryable errors must not be retried")
}

func TestRestartSessions_ResumeFailedRetriesOnce(t *testing.T) {
	engine, registry, _, _, st := newTestEngine(t)
	sess, err := st.GetOrCreateSession("", "ns1", nil, store.RawJSON(`{"claudeSessionId":"abc"}`))
	require.NoError(t, err)
	require.NoError(t, st.SetSessionMachine(sess.ID, "ns1", "m1"))

	calls := 0
	registry.RegisterMachine("m1", fakeSocket("m1", func(method string, params any) (json.RawMessage, error) {
		calls++
		if calls == 1 {
			return json.RawMessage(`{"type":"error","error":"resume_failed"}`), nil
		}
		return json.RawMessage(`{"type":"success"}`), nil
	}))

	outcomes, err := engine.RestartSessions(context.Background(), "ns1", nil)
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, "restarted", outcomes[0].Status)
	assert.Equal(t, 2, calls)
}

func TestRequestPermission_ResolveSelectedUnblocksCaller(t *testing.T) {
	engine, _, _, router, _ := newTestEngine(t)

	var gotEvent events.SyncEvent
	unsub := router.Subscribe(&events.Subscription{
		ID: "sub1", Namespace: "ns1", All: true,
		Send:          func(e events.SyncEvent) { gotEvent = e },
		SendHeartbeat: func() {},
	})
	defer unsub()

	resultCh := make(chan json.RawMessage, 1)
	go func() {
		raw, err := engine.RequestPermission(context.Background(), "ns1", "s1", json.RawMessage(`{"toolName":"bash"}`))
		require.NoError(t, err)
		resultCh <- raw
	}()

	require.Eventually(t, func() bool { return gotEvent.Type == "toast" }, time.Second, 5*time.Millisecond)
	payload, ok := gotEvent.Payload.(map[string]any)
	require.True(t, ok)
	requestID, _ := payload["requestId"].(string)
	require.NotEmpty(t, requestID)

	require.NoError(t, engine.ResolvePermission("s1", requestID, sync.PermissionOutcome{Outcome: "selected", OptionID: "allow"}))

	select {
	case raw := <-resultCh:
		var decoded map[string]any
		require.NoError(t, json.Unmarshal(raw, &decoded))
		outcome := decoded["outcome"].(map[string]any)
		assert.Equal(t, "selected", outcome["outcome"])
		assert.Equal(t, "allow", outcome["optionId"])
	case <-time.After(time.Second):
		t.Fatal("permission request never unblocked")
	}
}

func TestRequestPermission_ContextCancelUnblocksWithoutResolve(t *testing.T) {
	engine, _, _, _, _ := newTestEngine(t)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := engine.RequestPermission(ctx, "ns1", "s1", nil)
	assert.Error(t, err)
}
