package codec

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"muxrpc/message"
	"muxrpc/status"
)

// BinaryCodec writes envelopes in the protobuf wire format: tagged, self-describing and compact.
// Unknown fields are skipped on decode so either side may grow the envelope.
//
//	Request  { 1: service, 2: method, 3: payload, 4: timeout_nano, 5: repeated KeyValue{1: key, 2: value} }
//	Response { 1: Status{1: code, 2: message, 3: details}, 2: payload }
//
// Decoded byte fields alias the input buffer.
type BinaryCodec struct{}

const (
	reqService     protowire.Number = 1
	reqMethod      protowire.Number = 2
	reqPayload     protowire.Number = 3
	reqTimeoutNano protowire.Number = 4
	reqMetadata    protowire.Number = 5

	kvKey   protowire.Number = 1
	kvValue protowire.Number = 2

	respStatus  protowire.Number = 1
	respPayload protowire.Number = 2

	statusCode    protowire.Number = 1
	statusMessage protowire.Number = 2
	statusDetails protowire.Number = 3
)

var errBinaryType = errors.New("BinaryCodec: v must be *message.Request or *message.Response")

func (c *BinaryCodec) Encode(v any) ([]byte, error) {
	switch msg := v.(type) {
	case *message.Request:
		return appendRequest(nil, msg), nil
	case *message.Response:
		return appendResponse(nil, msg), nil
	}
	return nil, errBinaryType
}

func (c *BinaryCodec) Decode(data []byte, v any) error {
	switch msg := v.(type) {
	case *message.Request:
		*msg = message.Request{}
		return decodeRequest(data, msg)
	case *message.Response:
		*msg = message.Response{}
		return decodeResponse(data, msg)
	}
	return errBinaryType
}

func (c *BinaryCodec) Type() CodecType {
	return CodecTypeBinary
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendRequest(b []byte, req *message.Request) []byte {
	b = appendString(b, reqService, req.Service)
	b = appendString(b, reqMethod, req.Method)
	b = appendBytes(b, reqPayload, req.Payload)
	b = appendVarint(b, reqTimeoutNano, uint64(req.TimeoutNano))
	for _, kv := range req.Metadata {
		var sub []byte
		sub = appendString(sub, kvKey, kv.Key)
		sub = appendString(sub, kvValue, kv.Value)
		b = protowire.AppendTag(b, reqMetadata, protowire.BytesType)
		b = protowire.AppendBytes(b, sub)
	}
	return b
}

func appendResponse(b []byte, resp *message.Response) []byte {
	if st := resp.Status; st != nil {
		var sub []byte
		sub = appendVarint(sub, statusCode, uint64(st.Code))
		sub = appendString(sub, statusMessage, st.Message)
		sub = appendBytes(sub, statusDetails, st.Details)
		b = protowire.AppendTag(b, respStatus, protowire.BytesType)
		b = protowire.AppendBytes(b, sub)
	}
	return appendBytes(b, respPayload, resp.Payload)
}

// walk calls fn for every field in b. fn returns the number of bytes it consumed from the value
// or 0 to have the field skipped.
func walk(b []byte, fn func(num protowire.Number, typ protowire.Type, b []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("BinaryCodec: %w", protowire.ParseError(n))
		}
		b = b[n:]
		m, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		if m == 0 {
			m = protowire.ConsumeFieldValue(num, typ, b)
		}
		if m < 0 {
			return fmt.Errorf("BinaryCodec: field %d: %w", num, protowire.ParseError(m))
		}
		b = b[m:]
	}
	return nil
}

func wireMismatch(num protowire.Number, typ protowire.Type) error {
	return fmt.Errorf("BinaryCodec: field %d has unexpected wire type %d", num, typ)
}

func consumeBytes(num protowire.Number, typ protowire.Type, b []byte) ([]byte, int, error) {
	if typ != protowire.BytesType {
		return nil, 0, wireMismatch(num, typ)
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, 0, fmt.Errorf("BinaryCodec: field %d: %w", num, protowire.ParseError(n))
	}
	return v, n, nil
}

func consumeVarint(num protowire.Number, typ protowire.Type, b []byte) (uint64, int, error) {
	if typ != protowire.VarintType {
		return 0, 0, wireMismatch(num, typ)
	}
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, 0, fmt.Errorf("BinaryCodec: field %d: %w", num, protowire.ParseError(n))
	}
	return v, n, nil
}

func decodeRequest(data []byte, req *message.Request) error {
	return walk(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case reqService, reqMethod, reqPayload:
			v, n, err := consumeBytes(num, typ, b)
			if err != nil {
				return 0, err
			}
			switch num {
			case reqService:
				req.Service = string(v)
			case reqMethod:
				req.Method = string(v)
			default:
				req.Payload = v
			}
			return n, nil
		case reqTimeoutNano:
			v, n, err := consumeVarint(num, typ, b)
			if err != nil {
				return 0, err
			}
			req.TimeoutNano = int64(v)
			return n, nil
		case reqMetadata:
			v, n, err := consumeBytes(num, typ, b)
			if err != nil {
				return 0, err
			}
			var kv message.KeyValue
			if err := decodeKeyValue(v, &kv); err != nil {
				return 0, err
			}
			req.Metadata = append(req.Metadata, kv)
			return n, nil
		}
		return 0, nil
	})
}

func decodeKeyValue(data []byte, kv *message.KeyValue) error {
	return walk(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num != kvKey && num != kvValue {
			return 0, nil
		}
		v, n, err := consumeBytes(num, typ, b)
		if err != nil {
			return 0, err
		}
		if num == kvKey {
			kv.Key = string(v)
		} else {
			kv.Value = string(v)
		}
		return n, nil
	})
}

func decodeResponse(data []byte, resp *message.Response) error {
	return walk(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case respStatus:
			v, n, err := consumeBytes(num, typ, b)
			if err != nil {
				return 0, err
			}
			st := &status.Status{}
			if err := decodeStatus(v, st); err != nil {
				return 0, err
			}
			resp.Status = st
			return n, nil
		case respPayload:
			v, n, err := consumeBytes(num, typ, b)
			if err != nil {
				return 0, err
			}
			resp.Payload = v
			return n, nil
		}
		return 0, nil
	})
}

func decodeStatus(data []byte, st *status.Status) error {
	return walk(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case statusCode:
			v, n, err := consumeVarint(num, typ, b)
			if err != nil {
				return 0, err
			}
			st.Code = status.Code(v)
			return n, nil
		case statusMessage, statusDetails:
			v, n, err := consumeBytes(num, typ, b)
			if err != nil {
				return 0, err
			}
			if num == statusMessage {
				st.Message = string(v)
			} else {
				st.Details = v
			}
			return n, nil
		}
		return 0, nil
	})
}
