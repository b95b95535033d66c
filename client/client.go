// Package client issues concurrent calls over one multiplexed connection.
//
// Each call takes a fresh stream id, registers a waiter for it, then writes its request. The
// connection's reader goroutine delivers the response to the waiter, in whatever order the
// server answers.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"muxrpc/codec"
	"muxrpc/logging"
	"muxrpc/message"
	"muxrpc/metrics"
	"muxrpc/middleware"
	"muxrpc/mux"
	"muxrpc/protocol"
	"muxrpc/status"
	"muxrpc/transport"
)

// ErrClosed is wrapped by every error caused by the connection going away.
var ErrClosed = transport.ErrClosed

type Option func(*options)

type options struct {
	codecType      codec.CodecType
	logger         *zap.Logger
	metrics        *metrics.Collector
	interceptors   []middleware.Middleware
	defaultTimeout time.Duration
	writeTimeout   time.Duration
	onClose        []func(error)
}

func WithCodec(t codec.CodecType) Option {
	return func(o *options) { o.codecType = t }
}

func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

func WithMetrics(m *metrics.Collector) Option {
	return func(o *options) { o.metrics = m }
}

// WithInterceptor wraps every call in mw. The first middleware is outermost.
func WithInterceptor(mw ...middleware.Middleware) Option {
	return func(o *options) { o.interceptors = append(o.interceptors, mw...) }
}

// WithDefaultTimeout applies d to calls whose context carries no deadline.
func WithDefaultTimeout(d time.Duration) Option {
	return func(o *options) { o.defaultTimeout = d }
}

func WithWriteTimeout(d time.Duration) Option {
	return func(o *options) { o.writeTimeout = d }
}

// WithOnClose runs fn once when the connection goes away.
func WithOnClose(fn func(err error)) Option {
	return func(o *options) { o.onClose = append(o.onClose, fn) }
}

type Client struct {
	conn           *transport.Connection
	codec          codec.Codec
	logger         *zap.Logger
	defaultTimeout time.Duration
	invoke         middleware.HandlerFunc

	idMu   sync.Mutex
	nextID uint32
}

// New starts a client session on rwc. The client owns rwc from now on.
func New(rwc io.ReadWriteCloser, opts ...Option) *Client {
	o := options{codecType: codec.CodecTypeBinary}
	for _, opt := range opts {
		opt(&o)
	}

	c := &Client{
		codec:          codec.GetCodec(o.codecType),
		logger:         logging.OrDefault(o.logger),
		defaultTimeout: o.defaultTimeout,
		nextID:         1,
	}

	connOpts := []transport.Option{
		transport.WithLogger(c.logger),
		transport.WithMetrics(o.metrics),
		transport.WithWriteTimeout(o.writeTimeout),
	}
	for _, fn := range o.onClose {
		connOpts = append(connOpts, transport.WithOnClose(fn))
	}
	c.conn = transport.NewConnection(rwc, connOpts...)
	c.logger = c.conn.Logger()

	chain := append([]middleware.Middleware{o.metrics.Middleware(metrics.SideClient)}, o.interceptors...)
	c.invoke = middleware.Chain(chain...)(c.roundTrip)
	return c
}

// Dial connects to address and starts a client session on the connection.
func Dial(network, address string, opts ...Option) (*Client, error) {
	conn, err := transport.Dial(network, address)
	if err != nil {
		return nil, err
	}
	return New(conn, opts...), nil
}

// Call sends req and waits for its response, for ctx to end, or for the connection to fail.
//
// A non-OK response status is returned as a *status.Error. A deadline or cancellation of ctx
// is returned as a DeadlineExceeded or Canceled status that also matches the context error
// under errors.Is. A connection failure wraps ErrClosed.
func (c *Client) Call(ctx context.Context, req *message.Request) (*message.Response, error) {
	if _, ok := ctx.Deadline(); !ok && c.defaultTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.defaultTimeout)
		defer cancel()
	}

	resp, err := c.invoke(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := resp.Err(); err != nil {
		return nil, err
	}
	return resp, nil
}

// Invoke calls service.method with args encoded as JSON and decodes the response payload into
// reply. A nil reply discards the payload.
func (c *Client) Invoke(ctx context.Context, service, method string, args, reply any) error {
	payload, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("client: encode args: %w", err)
	}
	resp, err := c.Call(ctx, &message.Request{Service: service, Method: method, Payload: payload})
	if err != nil {
		return err
	}
	if reply == nil || len(resp.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Payload, reply); err != nil {
		return fmt.Errorf("client: decode reply: %w", err)
	}
	return nil
}

// roundTrip is the innermost handler: one request frame out, one response frame back.
func (c *Client) roundTrip(ctx context.Context, req *message.Request) (*message.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, status.FromContextError(err)
	}
	// Interceptors may send the same request more than once.
	r := *req
	req = &r
	if deadline, ok := ctx.Deadline(); ok {
		req.TimeoutNano = int64(time.Until(deadline))
	}
	if md, ok := message.MetadataFromContext(ctx); ok {
		req.Metadata = append(append([]message.KeyValue(nil), req.Metadata...), md.KeyValues()...)
	}

	payload, err := c.codec.Encode(req)
	if err != nil {
		return nil, status.Errorf(status.Internal, "encode request: %v", err)
	}
	if len(payload) > protocol.MaxPayloadSize {
		return nil, status.Errorf(status.ResourceExhausted, "request of %d bytes exceeds the %d byte frame limit", len(payload), protocol.MaxPayloadSize)
	}

	w, err := c.register()
	if err != nil {
		return nil, err
	}
	// The waiter is in the table before the request leaves, so even an immediate response
	// finds it. The deadline covers the wait for the write gate and the write itself.
	if err := c.conn.WriteFrameContext(ctx, &protocol.Frame{StreamID: w.ID(), Type: protocol.MsgTypeRequest, Payload: payload}); err != nil {
		c.conn.Pending().Remove(w.ID())
		if cerr := ctx.Err(); cerr != nil {
			c.logger.Debug("call abandoned before it was sent", zap.Uint32("stream", w.ID()), zap.String("method", req.FullMethod()), zap.Error(err))
			return nil, status.FromContextError(cerr)
		}
		return nil, err
	}

	select {
	case r := <-w.Done():
		if r.Err != nil {
			return nil, r.Err
		}
		resp := new(message.Response)
		if err := c.codec.Decode(r.Frame.Payload, resp); err != nil {
			return nil, status.Errorf(status.Internal, "decode response: %v", err)
		}
		return resp, nil
	case <-ctx.Done():
		// A response arriving from now on is an orphan.
		c.conn.Pending().Remove(w.ID())
		c.logger.Debug("call abandoned", zap.Uint32("stream", w.ID()), zap.String("method", req.FullMethod()), zap.Error(ctx.Err()))
		return nil, status.FromContextError(ctx.Err())
	}
}

// register takes the next stream id and installs its waiter. Ids count up from 1, skip 0 on
// wrap-around, and skip any id whose call is still outstanding.
func (c *Client) register() (*mux.Waiter, error) {
	c.idMu.Lock()
	defer c.idMu.Unlock()
	for {
		id := c.nextID
		c.nextID++
		if c.nextID == 0 {
			c.nextID = 1
		}
		w, err := c.conn.Pending().Register(id)
		if errors.Is(err, mux.ErrStreamInUse) {
			continue
		}
		return w, err
	}
}

// Close tears the connection down. Outstanding calls fail with ErrClosed.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Done is closed when the connection goes away.
func (c *Client) Done() <-chan struct{} { return c.conn.Done() }

// Err returns why the connection went away, nil while it is alive.
func (c *Client) Err() error { return c.conn.Err() }
