// Package codec serializes Request and Response envelopes into frame payloads.
//
// The frame header carries no codec byte, so both ends of a connection must be configured with
// the same codec.
package codec

import "fmt"

type CodecType byte

const (
	CodecTypeJSON   CodecType = 0
	CodecTypeBinary CodecType = 1
)

func (t CodecType) String() string {
	switch t {
	case CodecTypeJSON:
		return "json"
	case CodecTypeBinary:
		return "binary"
	}
	return fmt.Sprintf("codec(%d)", byte(t))
}

// ParseCodecType maps a configuration name to a CodecType.
func ParseCodecType(name string) (CodecType, error) {
	switch name {
	case "json":
		return CodecTypeJSON, nil
	case "binary", "":
		return CodecTypeBinary, nil
	}
	return 0, fmt.Errorf("codec: unknown codec %q", name)
}

// Codec encodes *message.Request and *message.Response values.
type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
	Type() CodecType
}

// GetCodec returns the codec for codecType, defaulting to the binary codec.
func GetCodec(codecType CodecType) Codec {
	if codecType == CodecTypeJSON {
		return &JSONCodec{}
	}
	return &BinaryCodec{}
}
