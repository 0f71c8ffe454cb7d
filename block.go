package coreindexer

import (
	"encoding/json"
	"fmt"

	"github.com/elliotnunn/coreindexer/internal/xtag"
)

// defaultJSONByteLength is the fixed placeholder cost spec.md §4.5
// assigns to json-encoded entries for buffering accounting, since their
// true marshalled size is not otherwise needed.
const defaultJSONByteLength = 1024

func decodeBlock(enc Encoding, raw []byte) (Block, error) {
	switch enc {
	case EncodingBinary:
		return raw, nil
	case EncodingUTF8:
		return string(raw), nil
	case EncodingJSON:
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("coreindexer: decode json block: %w", err)
		}
		return v, nil
	default:
		return nil, xtag.Unhandled("Encoding", enc)
	}
}

// byteLength is the default byte-length heuristic spec.md §4.5 specifies:
// the byte length of binary/utf8 payloads, or a fixed constant for json
// entries. Its only consumer is the bytesTotal metric; the fan-in channel's
// backpressure counts entries, not bytes.
func byteLength(enc Encoding, block Block) (int, error) {
	switch enc {
	case EncodingBinary:
		b, _ := block.([]byte)
		return len(b), nil
	case EncodingUTF8:
		s, _ := block.(string)
		return len(s), nil
	case EncodingJSON:
		return defaultJSONByteLength, nil
	default:
		return 0, xtag.Unhandled("Encoding", enc)
	}
}
