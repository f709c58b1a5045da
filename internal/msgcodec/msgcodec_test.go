package msgcodec

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompressDecompressRoundTrip(t *testing.T) {
	inputs := []string{
		`{"type":"assistant","message":{"content":[{"type":"text","text":"Hello, world!"}]}}`,
		`{"content":"short"}`,
		`{}`,
		// Repetitive content large enough to cross the compression threshold.
		`{"type":"assistant","message":{"content":[{"type":"text","text":"` +
			strings.Repeat("Lorem ipsum dolor sit amet, consectetur adipiscing elit. ", 40) +
			`"}]}}`,
	}

	for _, input := range inputs {
		data := []byte(input)
		compressed, compression := Compress(data)

		decompressed, err := Decompress(compressed, compression)
		require.NoError(t, err)
		assert.Equal(t, data, decompressed)
	}
}

func TestCompressSmallPayloadSkipsCompression(t *testing.T) {
	data := []byte(`{"content":"short"}`)
	compressed, compression := Compress(data)
	assert.Equal(t, CompressionNone, compression)
	assert.Equal(t, data, compressed)
}

func TestCompressLargePayloadUsesZstd(t *testing.T) {
	data := []byte(strings.Repeat("a", 2048))
	_, compression := Compress(data)
	assert.Equal(t, CompressionZstd, compression)
}

func TestDecompressNone(t *testing.T) {
	data := []byte(`{"content":"hello"}`)
	result, err := Decompress(data, CompressionNone)
	require.NoError(t, err)
	assert.Equal(t, data, result)
}

func TestDecompressUnsupportedValueReturnsError(t *testing.T) {
	data := []byte(`{"content":"hello"}`)
	_, err := Decompress(data, Compression(99))
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported compression")
}

func TestCompressionString(t *testing.T) {
	assert.Equal(t, "none", CompressionNone.String())
	assert.Equal(t, "zstd", CompressionZstd.String())
	assert.Contains(t, Compression(7).String(), "unknown")
}
