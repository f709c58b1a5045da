// Package msgcodec provides message content compression and decompression.
package msgcodec

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// Compression identifies the algorithm used to compress a stored payload.
type Compression int

const (
	CompressionNone Compression = iota
	CompressionZstd
)

// String renders the compression tag for logging.
func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionZstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", int(c))
	}
}

// Package-level encoder/decoder, safe for concurrent use.
var (
	encoder *zstd.Encoder
	decoder *zstd.Decoder
)

func init() {
	var err error
	encoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic(fmt.Sprintf("msgcodec: init zstd encoder: %v", err))
	}
	decoder, err = zstd.NewReader(nil)
	if err != nil {
		panic(fmt.Sprintf("msgcodec: init zstd decoder: %v", err))
	}
}

// compressThreshold is the minimum payload size (in bytes) worth paying the
// zstd frame-overhead cost for. Smaller payloads are stored as-is.
const compressThreshold = 1024

// Compress compresses data using zstd if it's large enough to benefit,
// returning the stored bytes and the compression tag to persist alongside them.
func Compress(data []byte) ([]byte, Compression) {
	if len(data) < compressThreshold {
		return data, CompressionNone
	}
	compressed := encoder.EncodeAll(data, make([]byte, 0, len(data)/2))
	return compressed, CompressionZstd
}

// Decompress reverses Compress according to the given compression tag.
// Returns an error for an unsupported compression value.
func Decompress(data []byte, compression Compression) ([]byte, error) {
	switch compression {
	case CompressionZstd:
		return decoder.DecodeAll(data, nil)
	case CompressionNone:
		return data, nil
	default:
		return nil, fmt.Errorf("msgcodec: unsupported compression: %v", compression)
	}
}
