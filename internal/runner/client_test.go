package runner

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// zeroBackoff is a minimal BackOff that never waits, so reconnect tests
// run instantly instead of over real exponential delays.
type zeroBackoff struct{ resetCalls int }

func (z *zeroBackoff) NextBackOff() (time.Duration, error) { return time.Millisecond, nil }
func (z *zeroBackoff) Reset()                               { z.resetCalls++ }

var _ backoff.BackOff = (*zeroBackoff)(nil)

func TestConnectWithReconnect_RetriesUntilContextCancelled(t *testing.T) {
	c := &Client{}
	attempts := 0
	connect := func(ctx context.Context) error {
		attempts++
		return errors.New("boom")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	c.connectWithReconnect(ctx, connect, &zeroBackoff{}, time.Hour)
	assert.Greater(t, attempts, 1)
}

func TestConnectWithReconnect_StopsOnUnauthorized(t *testing.T) {
	c := &Client{}
	deregistered := false
	c.OnDeregister = func() { deregistered = true }

	attempts := 0
	connect := func(ctx context.Context) error {
		attempts++
		return errors.New("401 unauthorized")
	}

	c.connectWithReconnect(context.Background(), connect, &zeroBackoff{}, time.Hour)
	assert.Equal(t, 1, attempts)
	assert.True(t, deregistered)
}

func TestConnectWithReconnect_HonoursHubRetryDelayOnce(t *testing.T) {
	c := &Client{}

	bo := &zeroBackoff{}
	attempts := 0
	connect := func(ctx context.Context) error {
		attempts++
		if attempts == 1 {
			c.hubRetryDelay.Store(1) // hub asked for a 1s delay before the next attempt
			return errors.New("disconnected")
		}
		return errors.New("stop-the-loop")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 1300*time.Millisecond)
	defer cancel()
	c.connectWithReconnect(ctx, connect, bo, time.Hour)
	require.GreaterOrEqual(t, attempts, 2, "must reconnect again after honouring the hub's delay")
	assert.GreaterOrEqual(t, bo.resetCalls, 1, "a hub-requested delay must reset backoff")
}

func TestRegisterHandler_DispatchesBySessionID(t *testing.T) {
	c := New("ws://example", "m1", "tok")
	var gotSession string
	c.RegisterHandler("killSession", func(ctx context.Context, sessionID string, params json.RawMessage) (any, error) {
		gotSession = sessionID
		return map[string]any{"type": "success"}, nil
	})

	c.mu.Lock()
	h, ok := c.handlers["killSession"]
	c.mu.Unlock()
	require.True(t, ok)

	_, err := h(context.Background(), "s1", nil)
	require.NoError(t, err)
	assert.Equal(t, "s1", gotSession)
}
