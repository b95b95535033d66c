// Package protocol implements the binary frame codec of muxrpc.
//
// A connection carries a sequence of frames. Each frame is a fixed 10-byte header followed by
// exactly payload-length bytes. The receiver reads the header first to learn the payload
// length, rejects lengths above MaxPayloadSize before allocating anything, then reads exactly
// that many bytes.
//
// Frame format:
//
//	0          4    5    6          10
//	┌──────────┬────┬────┬──────────┬────────────────┐
//	│ streamID │type│flag│  length  │   payload ...  │
//	│  uint32  │ u8 │ u8 │  uint32  │  length bytes  │
//	└──────────┴────┴────┴──────────┴────────────────┘
//
// Integers are big-endian.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	HeaderSize = 10 // 4 (stream id) + 1 (type) + 1 (flags) + 4 (length)

	// MaxPayloadSize bounds the payload of a single frame. A header declaring more is corrupt.
	MaxPayloadSize = 4 << 20
)

// MsgType is the message-type byte of the header.
type MsgType byte

const (
	MsgTypeRequest  MsgType = 1 // Client → Server call
	MsgTypeResponse MsgType = 2 // Server → Client result for the same stream id
	MsgTypeData     MsgType = 3 // Streaming payload, reserved
	MsgTypeShutdown MsgType = 4 // Peer is going away
)

func (t MsgType) String() string {
	switch t {
	case MsgTypeRequest:
		return "request"
	case MsgTypeResponse:
		return "response"
	case MsgTypeData:
		return "data"
	case MsgTypeShutdown:
		return "shutdown"
	}
	return fmt.Sprintf("type(%d)", byte(t))
}

// Flags is the flag byte of the header.
type Flags byte

const (
	// FlagMoreData marks a Data frame that is followed by more Data frames on the same stream.
	FlagMoreData Flags = 1 << 0
)

func (f Flags) Has(flag Flags) bool { return f&flag == flag }

var (
	// ErrInsufficientData reports that a buffer ends before the frame does. It is never
	// corruption: the caller should read more and retry.
	ErrInsufficientData = errors.New("protocol: insufficient data")

	ErrFrameTooLarge   = errors.New("protocol: declared payload length exceeds maximum")
	ErrPayloadTooLarge = errors.New("protocol: payload exceeds maximum frame size")
)

// FrameError is a malformed frame. It is fatal for the connection it was read from.
type FrameError struct {
	StreamID uint32
	Type     MsgType
	Length   uint32
	Err      error
}

func (e *FrameError) Error() string {
	return fmt.Sprintf("protocol: bad frame (stream %d, %s, length %d): %v", e.StreamID, e.Type, e.Length, e.Err)
}

func (e *FrameError) Unwrap() error { return e.Err }

// IsFrameError reports whether err is, or wraps, a *FrameError.
func IsFrameError(err error) bool {
	var fe *FrameError
	return errors.As(err, &fe)
}

// Frame is the on-wire unit.
type Frame struct {
	StreamID uint32
	Type     MsgType
	Flags    Flags
	Payload  []byte
}

func (f *Frame) String() string {
	return fmt.Sprintf("stream=%d type=%s flags=%#x length=%d", f.StreamID, f.Type, byte(f.Flags), len(f.Payload))
}

// header is the parsed fixed-width prefix. It lives on the stack while decoding.
type header [HeaderSize]byte

func (h *header) streamID() uint32 { return binary.BigEndian.Uint32(h[0:4]) }
func (h *header) msgType() MsgType { return MsgType(h[4]) }
func (h *header) flags() Flags     { return Flags(h[5]) }
func (h *header) length() uint32   { return binary.BigEndian.Uint32(h[6:10]) }

func (h *header) check() error {
	if n := h.length(); n > MaxPayloadSize {
		return &FrameError{StreamID: h.streamID(), Type: h.msgType(), Length: n, Err: ErrFrameTooLarge}
	}
	return nil
}

// AppendFrame appends the encoded frame to dst. It fails only when the payload exceeds
// MaxPayloadSize.
func AppendFrame(dst []byte, f *Frame) ([]byte, error) {
	if len(f.Payload) > MaxPayloadSize {
		return dst, ErrPayloadTooLarge
	}
	dst = binary.BigEndian.AppendUint32(dst, f.StreamID)
	dst = append(dst, byte(f.Type), byte(f.Flags))
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(f.Payload)))
	return append(dst, f.Payload...), nil
}

// Marshal returns the encoded frame.
func (f *Frame) Marshal() ([]byte, error) {
	return AppendFrame(make([]byte, 0, HeaderSize+len(f.Payload)), f)
}

// Unmarshal decodes the first frame in data and returns it with the number of bytes consumed.
// The returned payload is a copy; data may be reused by the caller.
func Unmarshal(data []byte) (*Frame, int, error) {
	if len(data) < HeaderSize {
		return nil, 0, ErrInsufficientData
	}
	var h header
	copy(h[:], data)
	if err := h.check(); err != nil {
		return nil, 0, err
	}
	total := HeaderSize + int(h.length())
	if len(data) < total {
		return nil, 0, ErrInsufficientData
	}
	f := &Frame{
		StreamID: h.streamID(),
		Type:     h.msgType(),
		Flags:    h.flags(),
		Payload:  make([]byte, h.length()),
	}
	copy(f.Payload, data[HeaderSize:total])
	return f, total, nil
}

// Encode writes one complete frame to w with a single Write call.
// The caller must hold the connection's write gate if w is shared by several goroutines,
// otherwise frames from different streams will interleave and corrupt the connection.
func Encode(w io.Writer, f *Frame) error {
	buf, err := f.Marshal()
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

// Decode reads exactly one frame from r.
//
// A clean end of stream before the first header byte returns io.EOF. An end of stream inside a
// frame returns io.ErrUnexpectedEOF. A header declaring more than MaxPayloadSize returns a
// *FrameError before any payload byte is read.
func Decode(r io.Reader) (*Frame, error) {
	var h header
	if _, err := io.ReadFull(r, h[:]); err != nil {
		return nil, err
	}
	if err := h.check(); err != nil {
		return nil, err
	}
	f := &Frame{
		StreamID: h.streamID(),
		Type:     h.msgType(),
		Flags:    h.flags(),
	}
	if n := h.length(); n > 0 {
		f.Payload = make([]byte, n)
		if _, err := io.ReadFull(r, f.Payload); err != nil {
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return nil, err
		}
	}
	return f, nil
}
