package synccache_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hapi/hub/internal/synccache"
)

type fakePublisher struct {
	transitions []synccache.Transition
}

func (f *fakePublisher) PublishTransition(t synccache.Transition) {
	f.transitions = append(f.transitions, t)
}

func boolPtr(b bool) *bool { return &b }

func TestHandleSessionAlive_FirstHeartbeatPublishesActive(t *testing.T) {
	pub := &fakePublisher{}
	c := synccache.New(pub)

	c.HandleSessionAlive("s1", time.Now(), nil, false)

	require.Len(t, pub.transitions, 1)
	assert.True(t, pub.transitions[0].Active)
	active, thinking, known := c.Snapshot("s1")
	assert.True(t, known)
	assert.True(t, active)
	assert.False(t, thinking)
}

func TestHandleSessionAlive_StaleHeartbeatIgnored(t *testing.T) {
	pub := &fakePublisher{}
	c := synccache.New(pub)

	now := time.Now()
	c.HandleSessionAlive("s1", now, nil, false)
	c.HandleSessionAlive("s1", now.Add(-time.Minute), boolPtr(true), true)

	_, thinking, _ := c.Snapshot("s1")
	assert.False(t, thinking, "stale heartbeat must not update thinking")
}

func TestHandleSessionAlive_ThinkingChangePublishes(t *testing.T) {
	pub := &fakePublisher{}
	c := synccache.New(pub)

	now := time.Now()
	c.HandleSessionAlive("s1", now, nil, false)
	c.HandleSessionAlive("s1", now.Add(time.Second), boolPtr(true), true)

	require.Len(t, pub.transitions, 2)
	assert.True(t, pub.transitions[1].Thinking)
}

func TestHandleSessionAlive_NoChangeNoPublish(t *testing.T) {
	pub := &fakePublisher{}
	c := synccache.New(pub)

	now := time.Now()
	c.HandleSessionAlive("s1", now, nil, false)
	c.HandleSessionAlive("s1", now.Add(time.Second), nil, false)

	assert.Len(t, pub.transitions, 1, "only the activation edge should publish")
}

func TestHandleSessionEnd_ClearsActiveAndThinking(t *testing.T) {
	pub := &fakePublisher{}
	c := synccache.New(pub)

	now := time.Now()
	c.HandleSessionAlive("s1", now, boolPtr(true), true)
	c.HandleSessionEnd("s1", now.Add(time.Second))

	active, thinking, known := c.Snapshot("s1")
	require.True(t, known)
	assert.False(t, active)
	assert.False(t, thinking)

	last := pub.transitions[len(pub.transitions)-1]
	assert.False(t, last.Active)
	assert.False(t, last.Thinking)
}

func TestExpireInactive_ClearsThinkingAlongActive(t *testing.T) {
	pub := &fakePublisher{}
	c := synccache.New(pub)

	now := time.Now()
	c.HandleSessionAlive("s1", now, boolPtr(true), true)

	expired := c.ExpireInactive(now.Add(31 * time.Second))
	require.Len(t, expired, 1)
	assert.Equal(t, "s1", expired[0].SessionID)
	assert.False(t, expired[0].Active)
	assert.False(t, expired[0].Thinking)

	active, thinking, _ := c.Snapshot("s1")
	assert.False(t, active)
	assert.False(t, thinking)
}

func TestExpireInactive_LeavesRecentSessionsAlone(t *testing.T) {
	pub := &fakePublisher{}
	c := synccache.New(pub)

	now := time.Now()
	c.HandleSessionAlive("s1", now, nil, false)

	expired := c.ExpireInactive(now.Add(5 * time.Second))
	assert.Empty(t, expired)
}

func TestForget_RemovesSnapshot(t *testing.T) {
	c := synccache.New(nil)
	c.HandleSessionAlive("s1", time.Now(), nil, false)
	c.Forget("s1")

	_, _, known := c.Snapshot("s1")
	assert.False(t, known)
}
