package store

import (
	"github.com/hapi/hub/internal/msgcodec"
)

// RawJSON is an opaque JSON payload stored as bytes and decoded lazily
// at the boundary. Sessions' metadata/agentState/runnerState and
// messages' content are all stored this way: the store never inspects
// their shape, only the callers (sync engine, HTTP layer) do.
type RawJSON []byte

// MarshalJSON implements json.Marshaler so a RawJSON embeds verbatim
// into a surrounding JSON document instead of being base64-encoded.
func (r RawJSON) MarshalJSON() ([]byte, error) {
	if len(r) == 0 {
		return []byte("null"), nil
	}
	return r, nil
}

// UnmarshalJSON implements json.Unmarshaler, storing the raw bytes
// without attempting to interpret them.
func (r *RawJSON) UnmarshalJSON(data []byte) error {
	*r = append((*r)[0:0], data...)
	return nil
}

// emptyObject and emptyArray are the default opaque payloads for
// brand-new rows (metadata/state default to "{}", todos to "[]").
var (
	emptyObject = RawJSON("{}")
	emptyArray  = RawJSON("[]")
)

func normalizeObject(v RawJSON) RawJSON {
	if len(v) == 0 {
		return emptyObject
	}
	return v
}

func normalizeArray(v RawJSON) RawJSON {
	if len(v) == 0 {
		return emptyArray
	}
	return v
}

// encodeContent compresses a message content payload for storage,
// returning the stored bytes and the compression tag to persist
// alongside them.
func encodeContent(content RawJSON) ([]byte, msgcodec.Compression) {
	return msgcodec.Compress([]byte(content))
}

// decodeContent reverses encodeContent according to the stored
// compression tag.
func decodeContent(stored []byte, compression msgcodec.Compression) (RawJSON, error) {
	data, err := msgcodec.Decompress(stored, compression)
	if err != nil {
		return nil, err
	}
	return RawJSON(data), nil
}

// compressionToColumn/columnToCompression map the msgcodec.Compression
// enum to the TEXT column storing it, so the schema stays readable
// without depending on the enum's integer ordinal.
func compressionToColumn(c msgcodec.Compression) string {
	return c.String()
}

func columnToCompression(s string) msgcodec.Compression {
	switch s {
	case "zstd":
		return msgcodec.CompressionZstd
	default:
		return msgcodec.CompressionNone
	}
}
