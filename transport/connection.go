// Package transport runs the muxrpc protocol over one ordered, reliable byte channel.
//
// A Connection owns the channel. A dedicated goroutine (readLoop) is the only reader: it decodes
// frames continuously and routes them, responses to the pending table, requests to the
// dispatcher. Writers from any goroutine go through the write gate, which emits whole frames
// one at a time.
//
//	caller-1 ──WriteFrame(1)──┐
//	caller-2 ──WriteFrame(2)──┼──→ gate ──→ channel ──→ peer
//	handler  ──WriteFrame(7)──┘
//
//	readLoop: ←── response(2) → pending.Complete(2) → caller-2 wakes up
//	          ←── request(7)  → dispatcher → handler goroutine
//
// Any read error, malformed frame, write error or peer Shutdown frame tears the connection
// down: the channel is closed and every pending stream fails with ErrClosed.
package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"muxrpc/logging"
	"muxrpc/metrics"
	"muxrpc/mux"
	"muxrpc/protocol"
	"muxrpc/status"
)

const readBufferSize = 32 << 10

type closedError struct{}

func (closedError) Error() string { return "transport: connection closed" }

// Code lets status.CodeOf report a dead connection as Unavailable.
func (closedError) Code() status.Code { return status.Unavailable }

var (
	// ErrClosed is the error every call on a dead connection fails with. Specific causes wrap it.
	ErrClosed error = closedError{}

	ErrPeerShutdown  = fmt.Errorf("%w: peer shut down", ErrClosed)
	ErrLocalShutdown = fmt.Errorf("%w: shut down", ErrClosed)
)

// Dispatcher receives request frames from the reader goroutine. It must not block: handling has
// to move to another goroutine so one slow call cannot stall frame delivery for the others.
type Dispatcher func(c *Connection, f *protocol.Frame)

type Option func(*Connection)

func WithLogger(logger *zap.Logger) Option {
	return func(c *Connection) { c.logger = logger }
}

func WithMetrics(m *metrics.Collector) Option {
	return func(c *Connection) { c.metrics = m }
}

// WithDispatcher makes the connection accept requests. Without one, request frames are
// discarded as protocol errors.
func WithDispatcher(d Dispatcher) Option {
	return func(c *Connection) { c.dispatch = d }
}

// WithWriteTimeout bounds each frame write when the channel supports write deadlines.
func WithWriteTimeout(d time.Duration) Option {
	return func(c *Connection) { c.writeTimeout = d }
}

// WithOnClose registers fn to run once, after teardown, with the teardown error.
func WithOnClose(fn func(err error)) Option {
	return func(c *Connection) { c.onClose = append(c.onClose, fn) }
}

// Connection is one multiplexed channel.
type Connection struct {
	id           string
	rwc          io.ReadWriteCloser
	gate         *gate
	pending      *mux.Table
	dispatch     Dispatcher
	logger       *zap.Logger
	metrics      *metrics.Collector
	writeTimeout time.Duration
	onClose      []func(error)

	done      chan struct{}
	closeOnce sync.Once
	err       error // Written once before done is closed
}

// NewConnection takes ownership of rwc and starts the reader goroutine.
func NewConnection(rwc io.ReadWriteCloser, opts ...Option) *Connection {
	c := &Connection{
		id:      uuid.NewString(),
		rwc:     rwc,
		pending: mux.NewTable(),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = logging.OrDefault(c.logger).With(zap.String("conn", c.id))
	c.gate = newGate(rwc, c.writeTimeout)
	c.metrics.ConnOpened()

	go c.readLoop()
	return c
}

// ID identifies the connection in logs.
func (c *Connection) ID() string { return c.id }

// Pending returns the table of streams awaiting a response.
func (c *Connection) Pending() *mux.Table { return c.pending }

func (c *Connection) Logger() *zap.Logger { return c.logger }

// Done is closed when the connection is torn down.
func (c *Connection) Done() <-chan struct{} { return c.done }

// Err returns why the connection was torn down, nil while it is alive. It always wraps ErrClosed.
func (c *Connection) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// WriteFrame sends f through the write gate. An oversized payload is rejected without harming
// the connection; any other write failure tears it down.
func (c *Connection) WriteFrame(f *protocol.Frame) error {
	return c.WriteFrameContext(context.Background(), f)
}

// WriteFrameContext is WriteFrame bounded by ctx, both while waiting for the gate and, on
// channels with write deadlines, while writing. If ctx ends before any byte of f is written the
// connection stays up and ctx.Err() is returned. A frame cut off part way tears it down.
func (c *Connection) WriteFrameContext(ctx context.Context, f *protocol.Frame) error {
	if err := c.Err(); err != nil {
		return err
	}
	n, err := c.gate.write(ctx, f)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, protocol.ErrPayloadTooLarge):
		return err
	case n == 0 && ctx.Err() != nil:
		return ctx.Err()
	}
	c.teardown(fmt.Errorf("%w: write: %w", ErrClosed, err))
	return c.Err()
}

// Close tears the connection down without notifying the peer.
func (c *Connection) Close() error {
	c.teardown(ErrClosed)
	return nil
}

// Shutdown tells the peer the connection is going away, then tears it down locally.
func (c *Connection) Shutdown() error {
	err := c.WriteFrame(&protocol.Frame{Type: protocol.MsgTypeShutdown})
	c.teardown(ErrLocalShutdown)
	if errors.Is(err, ErrClosed) {
		return nil
	}
	return err
}

func (c *Connection) readLoop() {
	r := bufio.NewReaderSize(c.rwc, readBufferSize)
	for {
		f, err := protocol.Decode(r)
		if err != nil {
			c.teardown(c.readError(err))
			return
		}

		switch f.Type {
		case protocol.MsgTypeResponse:
			if !c.pending.Complete(f.StreamID, f) {
				c.logger.Warn("discarding response for unknown stream", zap.Uint32("stream", f.StreamID))
				c.metrics.OrphanedResponse()
			}
		case protocol.MsgTypeRequest:
			if c.dispatch == nil {
				c.protocolError(f, "connection does not serve requests")
				continue
			}
			c.dispatch(c, f)
		case protocol.MsgTypeShutdown:
			c.logger.Info("peer shut down")
			c.teardown(ErrPeerShutdown)
			return
		case protocol.MsgTypeData:
			c.protocolError(f, "streaming is not supported")
		default:
			c.protocolError(f, "unknown message type")
		}
	}
}

func (c *Connection) protocolError(f *protocol.Frame, reason string) {
	c.logger.Warn("discarding frame", zap.Stringer("frame", f), zap.String("reason", reason))
	c.metrics.ProtocolError(f.Type.String())
}

func (c *Connection) readError(err error) error {
	if cerr := c.Err(); cerr != nil {
		// Closed locally; the read failed because of it.
		return cerr
	}
	switch {
	case err == io.EOF:
		c.logger.Debug("peer closed connection")
	case protocol.IsFrameError(err):
		c.logger.Error("malformed frame", zap.Error(err))
		c.metrics.FrameError()
	default:
		c.logger.Warn("read failed", zap.Error(err))
	}
	return fmt.Errorf("%w: read: %w", ErrClosed, err)
}

func (c *Connection) teardown(err error) {
	c.closeOnce.Do(func() {
		c.err = err
		close(c.done)
		if cerr := c.rwc.Close(); cerr != nil {
			c.logger.Debug("close channel", zap.Error(cerr))
		}
		if n := c.pending.FailAll(err); n > 0 {
			c.logger.Info("failed pending streams", zap.Int("streams", n), zap.Error(err))
		}
		c.metrics.ConnClosed()
		for _, fn := range c.onClose {
			fn(err)
		}
	})
}
