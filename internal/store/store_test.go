package store_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hapi/hub/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	sqlDB, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, store.Migrate(sqlDB))
	return store.New(sqlDB)
}

func TestGetOrCreateSession_NewGeneratesUUID(t *testing.T) {
	s := newTestStore(t)

	sess, err := s.GetOrCreateSession("", "default", store.RawJSON(`{"title":"hi"}`), nil)
	require.NoError(t, err)
	assert.NotEmpty(t, sess.ID)
	assert.Equal(t, "default", sess.Namespace)
	assert.Equal(t, int64(1), sess.MetadataVersion)
	assert.Equal(t, int64(1), sess.AgentStateVersion)
	assert.JSONEq(t, `{"title":"hi"}`, string(sess.Metadata))
}

func TestGetOrCreateSession_ExplicitIDMustExist(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetOrCreateSession("does-not-exist", "default", nil, nil)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestGetOrCreateSession_ExplicitIDFound(t *testing.T) {
	s := newTestStore(t)
	created, err := s.GetOrCreateSession("", "default", nil, nil)
	require.NoError(t, err)

	found, err := s.GetOrCreateSession(created.ID, "default", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, created.ID, found.ID)
}

func TestGetOrCreateMachine_CreatesThenReuses(t *testing.T) {
	s := newTestStore(t)

	m, err := s.GetOrCreateMachine("machine-1", "default", store.RawJSON(`{"hostname":"dev"}`))
	require.NoError(t, err)
	assert.Equal(t, "machine-1", m.ID)
	assert.Equal(t, int64(1), m.RunnerStateVersion)

	m2, err := s.GetOrCreateMachine("machine-1", "default", store.RawJSON(`{"ignored":true}`))
	require.NoError(t, err)
	assert.Equal(t, m.ID, m2.ID)
	assert.JSONEq(t, `{"hostname":"dev"}`, string(m2.RunnerState))
}

func TestGetOrCreateMachine_NamespaceMismatchIsError(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetOrCreateMachine("machine-1", "team-a", nil)
	require.NoError(t, err)

	_, err = s.GetOrCreateMachine("machine-1", "team-b", nil)
	assert.ErrorIs(t, err, store.ErrNamespaceMismatch)
}

func TestUpdateSessionMetadata_VersionedCAS(t *testing.T) {
	s := newTestStore(t)
	sess, err := s.GetOrCreateSession("", "default", nil, nil)
	require.NoError(t, err)

	result := s.UpdateSessionMetadata(sess.ID, "default", store.RawJSON(`{"title":"v2"}`), sess.MetadataVersion, true)
	require.Equal(t, store.UpdateSuccess, result.Outcome)
	assert.Equal(t, int64(2), result.Version)
	assert.JSONEq(t, `{"title":"v2"}`, string(result.Value))

	// Stale version: mismatch, current value/version returned instead.
	stale := s.UpdateSessionMetadata(sess.ID, "default", store.RawJSON(`{"title":"v3"}`), sess.MetadataVersion, true)
	assert.Equal(t, store.UpdateVersionMismatch, stale.Outcome)
	assert.Equal(t, int64(2), stale.Version)
	assert.JSONEq(t, `{"title":"v2"}`, string(stale.Value))
}

func TestUpdateSessionMetadata_NamespaceMismatchIsNotFound(t *testing.T) {
	s := newTestStore(t)
	sess, err := s.GetOrCreateSession("", "default", nil, nil)
	require.NoError(t, err)

	result := s.UpdateSessionMetadata(sess.ID, "other-namespace", store.RawJSON(`{}`), sess.MetadataVersion, true)
	assert.Equal(t, store.UpdateError, result.Outcome)
	assert.ErrorIs(t, result.Err, store.ErrNotFound)
}

func TestUpdateSessionAgentState_IncrementsSeq(t *testing.T) {
	s := newTestStore(t)
	sess, err := s.GetOrCreateSession("", "default", nil, nil)
	require.NoError(t, err)
	require.Equal(t, int64(0), sess.Seq)

	result := s.UpdateSessionAgentState(sess.ID, "default", store.RawJSON(`{"phase":"running"}`), sess.AgentStateVersion, false)
	require.Equal(t, store.UpdateSuccess, result.Outcome)

	reloaded, err := s.GetOrCreateSession(sess.ID, "default", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), reloaded.Seq)
}

func TestUpdateMachineRunnerState_VersionedCAS(t *testing.T) {
	s := newTestStore(t)
	m, err := s.GetOrCreateMachine("machine-1", "default", nil)
	require.NoError(t, err)

	result := s.UpdateMachineRunnerState(m.ID, "default", store.RawJSON(`{"cliVersion":"1.2.3"}`), m.RunnerStateVersion, true)
	require.Equal(t, store.UpdateSuccess, result.Outcome)
	assert.Equal(t, int64(2), result.Version)
}

func TestSetSessionTodos_TimestampGuard(t *testing.T) {
	s := newTestStore(t)
	sess, err := s.GetOrCreateSession("", "default", nil, nil)
	require.NoError(t, err)

	t1 := time.Now().UTC()
	ok, err := s.SetSessionTodos(sess.ID, "default", store.RawJSON(`[{"id":"1","done":false}]`), t1)
	require.NoError(t, err)
	assert.True(t, ok)

	// Older timestamp is rejected.
	older := t1.Add(-time.Second)
	ok, err = s.SetSessionTodos(sess.ID, "default", store.RawJSON(`[{"id":"2"}]`), older)
	require.NoError(t, err)
	assert.False(t, ok)

	// Newer timestamp succeeds.
	newer := t1.Add(time.Second)
	ok, err = s.SetSessionTodos(sess.ID, "default", store.RawJSON(`[{"id":"3"}]`), newer)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAddMessage_AssignsDenseSeq(t *testing.T) {
	s := newTestStore(t)
	sess, err := s.GetOrCreateSession("", "default", nil, nil)
	require.NoError(t, err)

	for i := 1; i <= 3; i++ {
		msg, err := s.AddMessage(sess.ID, store.RawJSON(`{"text":"hello"}`), "")
		require.NoError(t, err)
		assert.Equal(t, int64(i), msg.Seq)
	}
}

func TestAddMessage_LocalIDDedup(t *testing.T) {
	s := newTestStore(t)
	sess, err := s.GetOrCreateSession("", "default", nil, nil)
	require.NoError(t, err)

	first, err := s.AddMessage(sess.ID, store.RawJSON(`{"text":"original"}`), "local-1")
	require.NoError(t, err)

	second, err := s.AddMessage(sess.ID, store.RawJSON(`{"text":"ignored"}`), "local-1")
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.JSONEq(t, `{"text":"original"}`, string(second.Content))
}

func TestAddMessage_CompressesLargeContent(t *testing.T) {
	s := newTestStore(t)
	sess, err := s.GetOrCreateSession("", "default", nil, nil)
	require.NoError(t, err)

	big := make([]byte, 4096)
	for i := range big {
		big[i] = 'a'
	}
	content := store.RawJSON(`{"text":"` + string(big) + `"}`)

	msg, err := s.AddMessage(sess.ID, content, "")
	require.NoError(t, err)
	assert.Equal(t, content, msg.Content)

	msgs, err := s.GetMessages(sess.ID, 10, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, content, msgs[0].Content)
}

func TestGetMessages_PagingAndClamping(t *testing.T) {
	s := newTestStore(t)
	sess, err := s.GetOrCreateSession("", "default", nil, nil)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := s.AddMessage(sess.ID, store.RawJSON(`{"n":1}`), "")
		require.NoError(t, err)
	}

	all, err := s.GetMessages(sess.ID, 300, 0)
	require.NoError(t, err)
	assert.Len(t, all, 5, "limit should clamp to 200, not reject the call")

	before, err := s.GetMessages(sess.ID, 10, 3)
	require.NoError(t, err)
	require.Len(t, before, 2)
	assert.Equal(t, int64(1), before[0].Seq)
	assert.Equal(t, int64(2), before[1].Seq)
}

func TestMergeSessionMessages(t *testing.T) {
	s := newTestStore(t)
	from, err := s.GetOrCreateSession("", "default", nil, nil)
	require.NoError(t, err)
	to, err := s.GetOrCreateSession("", "default", nil, nil)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err := s.AddMessage(to.ID, store.RawJSON(`{"n":1}`), "")
		require.NoError(t, err)
	}
	for i := 0; i < 3; i++ {
		_, err := s.AddMessage(from.ID, store.RawJSON(`{"n":1}`), "")
		require.NoError(t, err)
	}

	result, err := s.MergeSessionMessages(from.ID, to.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), result.Moved)
	assert.Equal(t, int64(2), result.OldMaxSeq)
	assert.Equal(t, int64(5), result.NewMaxSeq)

	merged, err := s.GetMessages(to.ID, 10, 0)
	require.NoError(t, err)
	require.Len(t, merged, 5)
	for i, msg := range merged {
		assert.Equal(t, int64(i+1), msg.Seq)
	}

	remaining, err := s.GetMessages(from.ID, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, remaining)
}

func TestMergeSessionMessages_ClearsCollidingLocalID(t *testing.T) {
	s := newTestStore(t)
	from, err := s.GetOrCreateSession("", "default", nil, nil)
	require.NoError(t, err)
	to, err := s.GetOrCreateSession("", "default", nil, nil)
	require.NoError(t, err)

	_, err = s.AddMessage(to.ID, store.RawJSON(`{"n":1}`), "shared")
	require.NoError(t, err)
	_, err = s.AddMessage(from.ID, store.RawJSON(`{"n":2}`), "shared")
	require.NoError(t, err)

	_, err = s.MergeSessionMessages(from.ID, to.ID)
	require.NoError(t, err)

	merged, err := s.GetMessages(to.ID, 10, 0)
	require.NoError(t, err)
	require.Len(t, merged, 2)
	assert.False(t, merged[1].LocalID.Valid, "colliding local_id from the source row should be cleared")
}
