// Package message defines the envelopes exchanged between client and server.
//
// A Request or Response is serialized by the codec layer and carried as the payload of one
// protocol frame. The frame's stream id, not the envelope, correlates a response to its request.
package message

import (
	"context"
	"sort"
	"time"

	"muxrpc/status"
)

// KeyValue is one metadata entry on the wire.
type KeyValue struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Request carries a single call.
type Request struct {
	Service     string     `json:"service"`
	Method      string     `json:"method"`
	Payload     []byte     `json:"payload,omitempty"`      // Caller-encoded arguments, opaque here
	TimeoutNano int64      `json:"timeout_nano,omitempty"` // Informational; the client enforces its own deadline
	Metadata    []KeyValue `json:"metadata,omitempty"`
}

// FullMethod returns "/Service/Method", the name used in logs and metrics.
func (r *Request) FullMethod() string {
	return "/" + r.Service + "/" + r.Method
}

// Timeout returns TimeoutNano as a duration, zero when unset.
func (r *Request) Timeout() time.Duration {
	if r.TimeoutNano <= 0 {
		return 0
	}
	return time.Duration(r.TimeoutNano)
}

// Response carries the outcome of a call. Payload is only set when Status is OK.
type Response struct {
	Status  *status.Status `json:"status,omitempty"`
	Payload []byte         `json:"payload,omitempty"`
}

// Err returns the status error of the response, nil when OK.
func (r *Response) Err() error {
	return r.Status.Err()
}

// Metadata is the map form of request metadata. Keys may repeat on the wire.
type Metadata map[string][]string

// Get returns the first value of key.
func (m Metadata) Get(key string) (string, bool) {
	if v := m[key]; len(v) > 0 {
		return v[0], true
	}
	return "", false
}

// Set replaces all values of key.
func (m Metadata) Set(key string, values ...string) {
	if len(values) == 0 {
		delete(m, key)
		return
	}
	m[key] = values
}

// Append adds values to key.
func (m Metadata) Append(key string, values ...string) {
	if len(values) == 0 {
		return
	}
	m[key] = append(m[key], values...)
}

// Clone returns a deep copy.
func (m Metadata) Clone() Metadata {
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = append([]string(nil), v...)
	}
	return out
}

// KeyValues flattens m in key order so the encoding is deterministic.
func (m Metadata) KeyValues() []KeyValue {
	if len(m) == 0 {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	kvs := make([]KeyValue, 0, len(keys))
	for _, k := range keys {
		for _, v := range m[k] {
			kvs = append(kvs, KeyValue{Key: k, Value: v})
		}
	}
	return kvs
}

// MetadataFrom builds a Metadata from wire entries.
func MetadataFrom(kvs []KeyValue) Metadata {
	md := make(Metadata, len(kvs))
	for _, kv := range kvs {
		md.Append(kv.Key, kv.Value)
	}
	return md
}

type metadataKey struct{}

// WithMetadata attaches md to ctx. Clients send it with the call, servers expose the incoming
// request's metadata the same way.
func WithMetadata(ctx context.Context, md Metadata) context.Context {
	return context.WithValue(ctx, metadataKey{}, md)
}

// MetadataFromContext returns the metadata attached to ctx.
func MetadataFromContext(ctx context.Context) (Metadata, bool) {
	md, ok := ctx.Value(metadataKey{}).(Metadata)
	return md, ok
}
