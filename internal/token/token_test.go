package token_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hapi/hub/internal/token"
)

func TestGenerate_ProducesDistinctLongTokens(t *testing.T) {
	a, err := token.Generate()
	require.NoError(t, err)
	b, err := token.Generate()
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
	assert.GreaterOrEqual(t, len(a), 40)
}

func TestNormalizeNamespaceSuffix(t *testing.T) {
	tests := []struct {
		raw      string
		wantBase string
		wantNS   string
	}{
		{"abc123", "abc123", ""},
		{"abc123:my-team", "abc123", "my-team"},
		{"abc123:", "abc123:", ""},
		{"abc:123:not-a-slug_because_underscore", "abc:123:not-a-slug_because_underscore", ""},
	}
	for _, tt := range tests {
		base, ns := token.NormalizeNamespaceSuffix(tt.raw)
		assert.Equal(t, tt.wantBase, base, tt.raw)
		assert.Equal(t, tt.wantNS, ns, tt.raw)
	}
}

func TestHashAndVerifyPassword(t *testing.T) {
	hash, err := token.HashPassword("correct horse battery staple")
	require.NoError(t, err)

	assert.True(t, token.VerifyPassword(hash, "correct horse battery staple"))
	assert.False(t, token.VerifyPassword(hash, "wrong password"))
}

func TestFromHeader(t *testing.T) {
	assert.Equal(t, "abc123", token.FromHeader("Bearer abc123"))
	assert.Equal(t, "", token.FromHeader("abc123"))
	assert.Equal(t, "", token.FromHeader(""))
}

func TestWithIdentityAndFromContext(t *testing.T) {
	ctx := token.WithIdentity(t.Context(), &token.Identity{Namespace: "ns1"})
	id, ok := token.FromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, "ns1", id.Namespace)

	_, ok = token.FromContext(t.Context())
	assert.False(t, ok)
}

func sequentialIDs(t *testing.T) func() (string, error) {
	n := 0
	return func() (string, error) {
		n++
		return "qr" + string(rune('0'+n)), nil
	}
}

func TestQRLogin_FullFlow(t *testing.T) {
	q := token.NewQRLogin(sequentialIDs(t))
	id, secret, err := q.Create()
	require.NoError(t, err)

	now := time.Now()
	status, err := q.Poll(id, secret, now)
	require.NoError(t, err)
	assert.Equal(t, "pending", status.Status)

	require.NoError(t, q.Confirm(id, secret, "cli-token:ns1", now))

	status, err = q.Poll(id, secret, now)
	require.NoError(t, err)
	assert.Equal(t, "confirmed", status.Status)
	assert.Equal(t, "cli-token:ns1", status.AccessToken)

	status, err = q.Poll(id, secret, now)
	require.NoError(t, err)
	assert.Equal(t, "expired", status.Status, "access token is delivered exactly once")
}

func TestQRLogin_ExpiresAfterTTL(t *testing.T) {
	q := token.NewQRLogin(sequentialIDs(t))
	id, secret, err := q.Create()
	require.NoError(t, err)

	now := time.Now()
	status, err := q.Poll(id, secret, now.Add(6*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, "expired", status.Status)
}

func TestQRLogin_WrongSecretIsRejected(t *testing.T) {
	q := token.NewQRLogin(sequentialIDs(t))
	id, _, err := q.Create()
	require.NoError(t, err)

	_, err = q.Poll(id, "wrong-secret", time.Now())
	assert.Error(t, err)
}

func TestQRLogin_ConfirmAfterExpiryFails(t *testing.T) {
	q := token.NewQRLogin(sequentialIDs(t))
	id, secret, err := q.Create()
	require.NoError(t, err)

	err = q.Confirm(id, secret, "token", time.Now().Add(10*time.Minute))
	assert.Error(t, err)
}
