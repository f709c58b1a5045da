package rpcstdio_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/hapi/hub/internal/rpcstdio"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		text string
		want string
	}{
		{"Error: rate limit exceeded, please retry", rpcstdio.KindRateLimit},
		{"HTTP 429 Too Many Requests", rpcstdio.KindRateLimit},
		{"model not found: gpt-99", rpcstdio.KindModelNotFound},
		{"401 Unauthorized: invalid API key", rpcstdio.KindAuthentication},
		{"Error: quota exceeded for this billing period", rpcstdio.KindQuotaExceeded},
		{"segmentation fault", rpcstdio.KindUnknown},
		{"", rpcstdio.KindUnknown},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, rpcstdio.Classify(tt.text), tt.text)
	}
}

func TestClassify_PriorityOrder(t *testing.T) {
	// rate_limit keywords take priority over authentication keywords
	// when both appear in the same chunk.
	text := "429 rate limit hit while unauthorized request was retried"
	assert.Equal(t, rpcstdio.KindRateLimit, rpcstdio.Classify(text))
}
