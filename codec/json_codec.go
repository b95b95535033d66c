package codec

import (
	"bytes"
	"encoding/json"
	"errors"

	"muxrpc/message"
)

// JSONCodec writes envelopes as JSON objects, payload bytes in base64. Easy to read on the wire,
// larger and slower than the binary codec. Unknown fields are ignored on decode.
type JSONCodec struct{}

var errJSONType = errors.New("JSONCodec: v must be *message.Request or *message.Response")

func (c *JSONCodec) Encode(v any) ([]byte, error) {
	switch v.(type) {
	case *message.Request, *message.Response:
	default:
		return nil, errJSONType
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	// Service names and metadata go out as written.
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

func (c *JSONCodec) Decode(data []byte, v any) error {
	switch msg := v.(type) {
	case *message.Request:
		*msg = message.Request{}
	case *message.Response:
		*msg = message.Response{}
	default:
		return errJSONType
	}
	return json.Unmarshal(data, v)
}

func (c *JSONCodec) Type() CodecType {
	return CodecTypeJSON
}
