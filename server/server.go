// Package server answers calls arriving on multiplexed connections.
//
// Request processing pipeline:
//
//	Accept conn → ServeConn (the connection's reader goroutine routes frames)
//	  → for each request: go handleRequest (handlers run concurrently)
//	    → Codec.Decode → lookup (service, method) → Middleware Chain → Handler → Codec.Encode → write response
//
// A handler that fails, panics or runs long affects only its own stream.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"muxrpc/codec"
	"muxrpc/config"
	"muxrpc/logging"
	"muxrpc/message"
	"muxrpc/metrics"
	"muxrpc/middleware"
	"muxrpc/protocol"
	"muxrpc/status"
	"muxrpc/transport"
)

// ErrServerClosed is returned by the serve methods once Shutdown or Close has been called.
var ErrServerClosed = errors.New("server: closed")

// Handler answers one (service, method). The returned bytes become the response payload. A
// *status.Error is sent back with its code; any other error is reported as Internal.
type Handler interface {
	Handle(ctx context.Context, req *message.Request) ([]byte, error)
}

type HandlerFunc func(ctx context.Context, req *message.Request) ([]byte, error)

func (f HandlerFunc) Handle(ctx context.Context, req *message.Request) ([]byte, error) {
	return f(ctx, req)
}

type Option func(*Server)

func WithCodec(t codec.CodecType) Option {
	return func(s *Server) { s.codec = codec.GetCodec(t) }
}

func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

func WithMetrics(m *metrics.Collector) Option {
	return func(s *Server) { s.metrics = m }
}

// WithHandlerTimeout bounds every handler's context, whatever deadline the caller sent.
func WithHandlerTimeout(d time.Duration) Option {
	return func(s *Server) { s.handlerTimeout = d }
}

func WithWriteTimeout(d time.Duration) Option {
	return func(s *Server) { s.writeTimeout = d }
}

// WithRateLimit rejects calls beyond r per second, with the given burst, as ResourceExhausted.
func WithRateLimit(r float64, burst int) Option {
	return func(s *Server) {
		if r > 0 {
			s.limiter = middleware.RateLimitMiddleware(r, burst)
		}
	}
}

type methodKey struct {
	service, method string
}

type Server struct {
	codec          codec.Codec
	logger         *zap.Logger
	metrics        *metrics.Collector
	handlerTimeout time.Duration
	writeTimeout   time.Duration
	limiter        middleware.Middleware

	mu           sync.RWMutex
	handlers     map[methodKey]Handler
	middlewares  []middleware.Middleware
	listeners    map[net.Listener]struct{}
	conns        map[*transport.Connection]struct{}
	shuttingDown bool

	inflight sync.WaitGroup // Handlers running; Add only under mu while !shuttingDown
	ctx      context.Context
	cancel   context.CancelFunc
	quit     chan struct{}
	quitOnce sync.Once
}

func New(opts ...Option) *Server {
	s := &Server{
		codec:     codec.GetCodec(codec.CodecTypeBinary),
		handlers:  make(map[methodKey]Handler),
		listeners: make(map[net.Listener]struct{}),
		conns:     make(map[*transport.Connection]struct{}),
		quit:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.OrDefault(s.logger)
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s
}

// RegisterHandler routes calls to (service, method) to h. Registering the same pair twice is an
// error.
func (s *Server) RegisterHandler(service, method string, h Handler) error {
	if service == "" || method == "" {
		return fmt.Errorf("server: service and method names must not be empty")
	}
	if h == nil {
		return fmt.Errorf("server: nil handler for /%s/%s", service, method)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := methodKey{service, method}
	if _, ok := s.handlers[key]; ok {
		return fmt.Errorf("server: handler for /%s/%s already registered", service, method)
	}
	s.handlers[key] = h
	return nil
}

// Register exposes the RPC methods of rcvr (e.g. &Arith{}) as service "Arith", with JSON
// encoded args and replies. See methodType for the accepted signatures.
func (s *Server) Register(rcvr any) error {
	svc, err := newService(rcvr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for name := range svc.method {
		if _, ok := s.handlers[methodKey{svc.name, name}]; ok {
			return fmt.Errorf("server: handler for /%s/%s already registered", svc.name, name)
		}
	}
	for name, mt := range svc.method {
		s.handlers[methodKey{svc.name, name}] = svc.handler(mt)
	}
	return nil
}

// Use appends middlewares around every registered handler. The first one added is outermost.
// Calls for unregistered methods never reach them.
func (s *Server) Use(mw ...middleware.Middleware) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.middlewares = append(s.middlewares, mw...)
}

func (s *Server) lookup(service, method string) (Handler, []middleware.Middleware, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.handlers[methodKey{service, method}]
	return h, s.middlewares, ok
}

// ListenAndServe listens on address and serves connections until the server is closed.
func (s *Server) ListenAndServe(network, address string) error {
	ln, err := transport.Listen(network, address)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// ServeAddresses listens on every address and serves them all. It returns when ctx ends, when
// the server is shut down, or when one listener fails; the first failure closes the others.
func (s *Server) ServeAddresses(ctx context.Context, addrs []config.Address) error {
	var listeners []net.Listener
	for _, a := range addrs {
		ln, err := transport.Listen(a.Network, a.Address)
		if err != nil {
			for _, l := range listeners {
				l.Close()
			}
			return fmt.Errorf("server: listen %s %s: %w", a.Network, a.Address, err)
		}
		s.logger.Info("listening", zap.String("network", a.Network), zap.String("address", a.Address))
		listeners = append(listeners, ln)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, ln := range listeners {
		ln := ln
		g.Go(func() error {
			if err := s.Serve(ln); !errors.Is(err, ErrServerClosed) {
				return err
			}
			return nil
		})
	}
	g.Go(func() error {
		select {
		case <-gctx.Done():
		case <-s.quit:
		}
		for _, ln := range listeners {
			s.untrackListener(ln)
			ln.Close()
		}
		return nil
	})
	return g.Wait()
}

// Serve accepts connections on ln and serves each in its own goroutine. It always returns a
// non-nil error; after Shutdown or Close it is ErrServerClosed.
func (s *Server) Serve(ln net.Listener) error {
	if !s.trackListener(ln) {
		ln.Close()
		return ErrServerClosed
	}
	defer s.untrackListener(ln)

	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.closing() || errors.Is(err, net.ErrClosed) {
				return ErrServerClosed
			}
			return err
		}
		go func() {
			if err := s.ServeConn(s.ctx, conn); err != nil && !errors.Is(err, ErrServerClosed) {
				s.logger.Debug("connection ended", zap.Error(err))
			}
		}()
	}
}

// ServeConn serves calls arriving on rwc until the connection ends or ctx is done. It returns
// nil when the peer hung up or the connection was shut down, and the failure otherwise.
func (s *Server) ServeConn(ctx context.Context, rwc io.ReadWriteCloser) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	conn := transport.NewConnection(rwc,
		transport.WithLogger(s.logger),
		transport.WithMetrics(s.metrics),
		transport.WithWriteTimeout(s.writeTimeout),
		transport.WithOnClose(func(error) { cancel() }),
		transport.WithDispatcher(func(c *transport.Connection, f *protocol.Frame) {
			s.dispatch(ctx, c, f)
		}),
	)
	if !s.trackConn(conn) {
		conn.Close()
		return ErrServerClosed
	}
	defer s.untrackConn(conn)
	conn.Logger().Debug("serving connection")

	select {
	case <-conn.Done():
	case <-ctx.Done():
		conn.Close()
	}

	err := conn.Err()
	if errors.Is(err, io.EOF) || errors.Is(err, transport.ErrPeerShutdown) ||
		errors.Is(err, transport.ErrLocalShutdown) || err == transport.ErrClosed {
		return nil
	}
	return err
}

// dispatch runs on the reader goroutine and must not block.
func (s *Server) dispatch(ctx context.Context, c *transport.Connection, f *protocol.Frame) {
	s.mu.Lock()
	if s.shuttingDown {
		s.mu.Unlock()
		go s.reply(c, f.StreamID, nil, status.Errorf(status.Unavailable, "server is shutting down"))
		return
	}
	s.inflight.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.inflight.Done()
		s.handleRequest(ctx, c, f)
	}()
}

func (s *Server) handleRequest(ctx context.Context, c *transport.Connection, f *protocol.Frame) {
	req := new(message.Request)
	if err := s.codec.Decode(f.Payload, req); err != nil {
		c.Logger().Warn("malformed request envelope", zap.Uint32("stream", f.StreamID), zap.Error(err))
		s.reply(c, f.StreamID, nil, status.Errorf(status.InvalidArgument, "malformed request envelope: %v", err))
		return
	}

	h, middlewares, ok := s.lookup(req.Service, req.Method)
	if !ok {
		s.metrics.Observe(metrics.SideServer, req.Service, req.Method, status.Unimplemented.String(), 0)
		s.reply(c, f.StreamID, nil, status.Errorf(status.Unimplemented, "unknown method %s", req.FullMethod()))
		return
	}

	ctx = message.WithMetadata(ctx, message.MetadataFrom(req.Metadata))
	if t := req.Timeout(); t > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t)
		defer cancel()
	}
	if s.handlerTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.handlerTimeout)
		defer cancel()
	}

	chain := make([]middleware.Middleware, 0, len(middlewares)+2)
	chain = append(chain, s.metrics.Middleware(metrics.SideServer))
	if s.limiter != nil {
		chain = append(chain, s.limiter)
	}
	chain = append(chain, middlewares...)
	handler := middleware.Chain(chain...)(s.invoke(c, f.StreamID, h))

	resp, err := s.safeCall(ctx, c, f.StreamID, handler, req)
	s.reply(c, f.StreamID, resp, err)
}

// invoke is the innermost HandlerFunc of the chain: it runs the registered handler.
func (s *Server) invoke(c *transport.Connection, id uint32, h Handler) middleware.HandlerFunc {
	return func(ctx context.Context, req *message.Request) (*message.Response, error) {
		var payload []byte
		_, err := s.safeCall(ctx, c, id, func(ctx context.Context, req *message.Request) (*message.Response, error) {
			var err error
			payload, err = h.Handle(ctx, req)
			return nil, err
		}, req)
		if err != nil {
			return nil, err
		}
		return &message.Response{Payload: payload}, nil
	}
}

// safeCall turns a panic in fn into an Internal error.
func (s *Server) safeCall(ctx context.Context, c *transport.Connection, id uint32, fn middleware.HandlerFunc, req *message.Request) (resp *message.Response, err error) {
	defer func() {
		if r := recover(); r != nil {
			c.Logger().Error("handler panicked",
				zap.Uint32("stream", id),
				zap.String("service", req.Service),
				zap.String("method", req.Method),
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
			resp, err = nil, status.Errorf(status.Internal, "handler panicked: %v", r)
		}
	}()
	return fn(ctx, req)
}

// reply encodes the outcome of a call and writes it on stream id.
func (s *Server) reply(c *transport.Connection, id uint32, resp *message.Response, err error) {
	if err != nil {
		resp = &message.Response{Status: toStatus(err)}
	} else if resp == nil {
		resp = &message.Response{}
	}

	payload, err := s.codec.Encode(resp)
	switch {
	case err != nil:
		c.Logger().Error("encode response", zap.Uint32("stream", id), zap.Error(err))
		payload, _ = s.codec.Encode(&message.Response{Status: status.Newf(status.Internal, "encode response: %v", err)})
	case len(payload) > protocol.MaxPayloadSize:
		c.Logger().Warn("response too large", zap.Uint32("stream", id), zap.Int("size", len(payload)))
		payload, _ = s.codec.Encode(&message.Response{Status: status.Newf(status.ResourceExhausted,
			"response of %d bytes exceeds the %d byte frame limit", len(payload), protocol.MaxPayloadSize)})
	}

	if err := c.WriteFrame(&protocol.Frame{StreamID: id, Type: protocol.MsgTypeResponse, Payload: payload}); err != nil {
		c.Logger().Debug("write response", zap.Uint32("stream", id), zap.Error(err))
	}
}

// toStatus maps a handler error to the status sent to the caller.
func toStatus(err error) *status.Status {
	var se *status.Error
	switch {
	case errors.As(err, &se):
		return se.Status()
	case errors.Is(err, context.DeadlineExceeded):
		return status.New(status.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.New(status.Canceled, err.Error())
	}
	return status.New(status.Internal, err.Error())
}

// Shutdown stops accepting connections, answers new requests with Unavailable, waits for
// running handlers, then sends a Shutdown frame on every connection and closes it. If ctx ends
// first, the remaining connections are closed anyway and ctx's error is returned.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.shuttingDown = true
	s.mu.Unlock()
	s.stop()

	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
		s.logger.Warn("shutdown deadline reached with handlers still running", zap.Error(err))
	}

	for _, c := range s.connections() {
		if serr := c.Shutdown(); serr != nil {
			c.Logger().Debug("send shutdown", zap.Error(serr))
		}
	}
	s.cancel()
	return err
}

// Close closes listeners and connections immediately. Running handlers are not waited for and
// their responses are dropped.
func (s *Server) Close() error {
	s.mu.Lock()
	s.shuttingDown = true
	s.mu.Unlock()
	s.stop()

	for _, c := range s.connections() {
		c.Close()
	}
	s.cancel()
	return nil
}

// stop closes every listener and releases ServeAddresses.
func (s *Server) stop() {
	s.quitOnce.Do(func() { close(s.quit) })
	s.mu.Lock()
	listeners := s.listeners
	s.listeners = make(map[net.Listener]struct{})
	s.mu.Unlock()
	for ln := range listeners {
		ln.Close()
	}
}

func (s *Server) closing() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.shuttingDown
}

func (s *Server) trackListener(ln net.Listener) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shuttingDown {
		return false
	}
	s.listeners[ln] = struct{}{}
	return true
}

func (s *Server) untrackListener(ln net.Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.listeners, ln)
}

func (s *Server) trackConn(c *transport.Connection) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shuttingDown {
		return false
	}
	s.conns[c] = struct{}{}
	return true
}

func (s *Server) untrackConn(c *transport.Connection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, c)
}

func (s *Server) connections() []*transport.Connection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conns := make([]*transport.Connection, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	return conns
}
