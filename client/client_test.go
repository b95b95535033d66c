package client

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"muxrpc/codec"
	"muxrpc/message"
	"muxrpc/middleware"
	"muxrpc/protocol"
	"muxrpc/server"
	"muxrpc/status"
	"muxrpc/transport"
)

type Args struct {
	A, B int
}

type Reply struct {
	Result int
}

type Arith struct{}

func (a *Arith) Add(args *Args, reply *Reply) error {
	reply.Result = args.A + args.B
	return nil
}

func (a *Arith) Multiply(args *Args, reply *Reply) error {
	reply.Result = args.A * args.B
	return nil
}

// fakePeer answers requests by hand. Request frames arrive on reqs; respond writes a response.
type fakePeer struct {
	conn  *transport.Connection
	reqs  chan *protocol.Frame
	codec codec.Codec
}

func newPair(t *testing.T, opts ...Option) (*Client, *fakePeer) {
	t.Helper()
	a, b := transport.Pipe()
	p := &fakePeer{reqs: make(chan *protocol.Frame, 16), codec: codec.GetCodec(codec.CodecTypeBinary)}
	p.conn = transport.NewConnection(b, transport.WithLogger(zap.NewNop()), transport.WithDispatcher(func(c *transport.Connection, f *protocol.Frame) {
		p.reqs <- f
	}))
	c := New(a, append([]Option{WithLogger(zap.NewNop())}, opts...)...)
	t.Cleanup(func() {
		c.Close()
		p.conn.Close()
	})
	return c, p
}

func (p *fakePeer) next(t *testing.T) (*protocol.Frame, *message.Request) {
	t.Helper()
	select {
	case f := <-p.reqs:
		req := new(message.Request)
		require.NoError(t, p.codec.Decode(f.Payload, req))
		return f, req
	case <-time.After(2 * time.Second):
		t.Fatal("no request received")
	}
	return nil, nil
}

func (p *fakePeer) respond(t *testing.T, id uint32, resp *message.Response) {
	t.Helper()
	payload, err := p.codec.Encode(resp)
	require.NoError(t, err)
	require.NoError(t, p.conn.WriteFrame(&protocol.Frame{StreamID: id, Type: protocol.MsgTypeResponse, Payload: payload}))
}

type result struct {
	resp *message.Response
	err  error
}

func goCall(ctx context.Context, c *Client, method string) <-chan result {
	ch := make(chan result, 1)
	go func() {
		resp, err := c.Call(ctx, &message.Request{Service: "Svc", Method: method})
		ch <- result{resp, err}
	}()
	return ch
}

func TestOutOfOrderResponses(t *testing.T) {
	c, peer := newPair(t)
	ctx := context.Background()

	first := goCall(ctx, c, "First")
	f1, req1 := peer.next(t)
	second := goCall(ctx, c, "Second")
	f2, req2 := peer.next(t)
	require.Equal(t, "First", req1.Method)
	require.Equal(t, "Second", req2.Method)
	require.Equal(t, uint32(1), f1.StreamID)
	require.Equal(t, uint32(2), f2.StreamID)

	peer.respond(t, f2.StreamID, &message.Response{Payload: []byte("two")})
	r := <-second
	require.NoError(t, r.err)
	require.Equal(t, "two", string(r.resp.Payload))

	peer.respond(t, f1.StreamID, &message.Response{Payload: []byte("one")})
	r = <-first
	require.NoError(t, r.err)
	require.Equal(t, "one", string(r.resp.Payload))
}

func TestLateResponseIsDiscarded(t *testing.T) {
	c, peer := newPair(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	late := goCall(ctx, c, "Slow")
	f, req := peer.next(t)
	require.Positive(t, req.TimeoutNano)

	r := <-late
	require.Equal(t, status.DeadlineExceeded, status.CodeOf(r.err))
	require.True(t, errors.Is(r.err, context.DeadlineExceeded))
	require.False(t, c.conn.Pending().Contains(f.StreamID))

	// the answer to the abandoned call arrives after the caller gave up
	peer.respond(t, f.StreamID, &message.Response{Payload: []byte("too late")})

	next := goCall(context.Background(), c, "Fast")
	f2, _ := peer.next(t)
	peer.respond(t, f2.StreamID, &message.Response{Payload: []byte("on time")})
	r = <-next
	require.NoError(t, r.err)
	require.Equal(t, "on time", string(r.resp.Payload))
	require.Nil(t, c.Err())
}

func TestCanceledCall(t *testing.T) {
	c, peer := newPair(t)
	ctx, cancel := context.WithCancel(context.Background())
	ch := goCall(ctx, c, "Wait")
	peer.next(t)
	cancel()

	r := <-ch
	require.Equal(t, status.Canceled, status.CodeOf(r.err))
	require.ErrorIs(t, r.err, context.Canceled)
}

func TestConnectionLossFailsEveryCall(t *testing.T) {
	c, peer := newPair(t)

	var calls []<-chan result
	for i := 0; i < 3; i++ {
		calls = append(calls, goCall(context.Background(), c, "Hang"))
		peer.next(t)
	}
	require.Equal(t, 3, c.conn.Pending().Len())

	peer.conn.Close()
	for _, ch := range calls {
		select {
		case r := <-ch:
			require.ErrorIs(t, r.err, ErrClosed)
			require.Equal(t, status.Unavailable, status.CodeOf(r.err))
		case <-time.After(2 * time.Second):
			t.Fatal("call not failed after connection loss")
		}
	}
	<-c.Done()
	require.ErrorIs(t, c.Err(), ErrClosed)

	_, err := c.Call(context.Background(), &message.Request{Service: "Svc", Method: "After"})
	require.ErrorIs(t, err, ErrClosed)
}

func TestErrorStatus(t *testing.T) {
	c, peer := newPair(t)
	ch := goCall(context.Background(), c, "Missing")
	f, _ := peer.next(t)
	peer.respond(t, f.StreamID, &message.Response{Status: status.New(status.NotFound, "gone")})

	r := <-ch
	require.Nil(t, r.resp)
	st, ok := status.FromError(r.err)
	require.True(t, ok)
	require.Equal(t, status.NotFound, st.Code)
	require.Equal(t, "gone", st.Message)
}

func TestStreamIDAllocation(t *testing.T) {
	c, _ := newPair(t)

	c.nextID = math.MaxUint32
	w, err := c.register()
	require.NoError(t, err)
	require.Equal(t, uint32(math.MaxUint32), w.ID())

	// 0 is never used; 1 and 2 are still open and get skipped
	_, err = c.conn.Pending().Register(1)
	require.NoError(t, err)
	_, err = c.conn.Pending().Register(2)
	require.NoError(t, err)

	w, err = c.register()
	require.NoError(t, err)
	require.Equal(t, uint32(3), w.ID())
	w, err = c.register()
	require.NoError(t, err)
	require.Equal(t, uint32(4), w.ID())
}

func TestMetadataAndDefaultTimeout(t *testing.T) {
	c, peer := newPair(t, WithDefaultTimeout(time.Second))

	ctx := message.WithMetadata(context.Background(), message.Metadata{"trace": {"abc"}})
	ch := goCall(ctx, c, "Meta")
	f, req := peer.next(t)
	require.Equal(t, []message.KeyValue{{Key: "trace", Value: "abc"}}, req.Metadata)
	require.Positive(t, req.TimeoutNano)
	require.LessOrEqual(t, req.TimeoutNano, int64(time.Second))

	peer.respond(t, f.StreamID, &message.Response{})
	require.NoError(t, (<-ch).err)
}

func TestOversizedRequest(t *testing.T) {
	c, _ := newPair(t)
	_, err := c.Call(context.Background(), &message.Request{Service: "Blob", Method: "Put", Payload: make([]byte, protocol.MaxPayloadSize)})
	require.Equal(t, status.ResourceExhausted, status.CodeOf(err))
	require.Zero(t, c.conn.Pending().Len())
	require.Nil(t, c.Err())
}

func TestOnClose(t *testing.T) {
	closed := make(chan error, 1)
	c, _ := newPair(t, WithOnClose(func(err error) { closed <- err }))
	require.NoError(t, c.Close())
	require.ErrorIs(t, <-closed, ErrClosed)
}

// End-to-end against a real server.

func serve(t *testing.T, s *server.Server, opts ...Option) *Client {
	t.Helper()
	a, b := transport.Pipe()
	go s.ServeConn(context.Background(), b)
	c := New(a, append([]Option{WithLogger(zap.NewNop())}, opts...)...)
	t.Cleanup(func() {
		c.Close()
		s.Close()
	})
	return c
}

func TestEchoBecomesAvailable(t *testing.T) {
	s := server.New(server.WithLogger(zap.NewNop()))
	c := serve(t, s)
	req := &message.Request{Service: "Echo", Method: "Say", Payload: []byte("hello")}

	_, err := c.Call(context.Background(), req)
	require.Equal(t, status.Unimplemented, status.CodeOf(err))

	require.NoError(t, s.RegisterHandler("Echo", "Say", server.HandlerFunc(func(ctx context.Context, req *message.Request) ([]byte, error) {
		return req.Payload, nil
	})))
	resp, err := c.Call(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, "hello", string(resp.Payload))
}

func TestDeadlineShorterThanHandler(t *testing.T) {
	s := server.New(server.WithLogger(zap.NewNop()))
	require.NoError(t, s.RegisterHandler("Slow", "Sleep", server.HandlerFunc(func(ctx context.Context, req *message.Request) ([]byte, error) {
		time.Sleep(50 * time.Millisecond)
		return []byte("late"), nil
	})))
	c := serve(t, s)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := c.Call(ctx, &message.Request{Service: "Slow", Method: "Sleep"})
	require.Equal(t, status.DeadlineExceeded, status.CodeOf(err))
	require.Less(t, time.Since(start), 50*time.Millisecond)

	// the late response must not disturb the next call
	time.Sleep(60 * time.Millisecond)
	resp, err := c.Call(context.Background(), &message.Request{Service: "Slow", Method: "Sleep"})
	require.NoError(t, err)
	require.Equal(t, "late", string(resp.Payload))
}

func TestConcurrentDeadlinesShorterThanHandler(t *testing.T) {
	s := server.New(server.WithLogger(zap.NewNop()))
	require.NoError(t, s.RegisterHandler("Slow", "Sleep", server.HandlerFunc(func(ctx context.Context, req *message.Request) ([]byte, error) {
		time.Sleep(50 * time.Millisecond)
		return []byte("late"), nil
	})))
	c := serve(t, s)

	start := time.Now()
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
			defer cancel()
			_, errs[i] = c.Call(ctx, &message.Request{Service: "Slow", Method: "Sleep"})
		}(i)
	}
	wg.Wait()
	require.Less(t, time.Since(start), 50*time.Millisecond)
	for _, err := range errs {
		require.Equal(t, status.DeadlineExceeded, status.CodeOf(err))
	}
	require.Zero(t, c.conn.Pending().Len())
}

func TestDeadlineWhilePeerStopsReading(t *testing.T) {
	a, b := transport.Pipe()
	// b is never read, so the first request stalls in the write and the second waits for the gate
	defer b.Close()
	c := New(a, WithLogger(zap.NewNop()))
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	calls := []<-chan result{goCall(ctx, c, "Stalled"), goCall(ctx, c, "Queued")}
	for _, ch := range calls {
		select {
		case r := <-ch:
			require.Equal(t, status.DeadlineExceeded, status.CodeOf(r.err))
		case <-time.After(time.Second):
			t.Fatal("call outlived its deadline")
		}
	}
	require.Zero(t, c.conn.Pending().Len())
	require.Nil(t, c.Err())
}

func TestConcurrentInvoke(t *testing.T) {
	s := server.New(server.WithLogger(zap.NewNop()))
	require.NoError(t, s.Register(&Arith{}))
	c := serve(t, s)

	var wg sync.WaitGroup
	for i := 1; i <= 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			reply := &Reply{}
			if err := c.Invoke(context.Background(), "Arith", "Multiply", &Args{A: i, B: i * 10}, reply); err != nil {
				t.Errorf("call %d: %v", i, err)
				return
			}
			if reply.Result != i*i*10 {
				t.Errorf("call %d: expect %d, got %d", i, i*i*10, reply.Result)
			}
		}(i)
	}
	wg.Wait()
	require.Zero(t, c.conn.Pending().Len())
}

func TestRetryInterceptor(t *testing.T) {
	s := server.New(server.WithLogger(zap.NewNop()))
	var calls atomic.Int32
	require.NoError(t, s.RegisterHandler("Flaky", "Get", server.HandlerFunc(func(ctx context.Context, req *message.Request) ([]byte, error) {
		if calls.Add(1) < 3 {
			return nil, status.Errorf(status.Unavailable, "warming up")
		}
		return []byte("ready"), nil
	})))
	c := serve(t, s, WithInterceptor(middleware.RetryMiddleware(3, time.Millisecond, zap.NewNop())))

	resp, err := c.Call(context.Background(), &message.Request{Service: "Flaky", Method: "Get"})
	require.NoError(t, err)
	require.Equal(t, "ready", string(resp.Payload))
	require.Equal(t, int32(3), calls.Load())
}

func TestDialUnix(t *testing.T) {
	path := filepath.Join(t.TempDir(), "muxrpc.sock")
	s := server.New(server.WithLogger(zap.NewNop()), server.WithCodec(codec.CodecTypeJSON))
	require.NoError(t, s.Register(&Arith{}))
	ln, err := transport.Listen("unix", path)
	require.NoError(t, err)
	go s.Serve(ln)
	defer s.Close()

	c, err := Dial("unix", path, WithLogger(zap.NewNop()), WithCodec(codec.CodecTypeJSON))
	require.NoError(t, err)
	defer c.Close()

	reply := &Reply{}
	require.NoError(t, c.Invoke(context.Background(), "Arith", "Add", &Args{A: 3, B: 5}, reply))
	require.Equal(t, 8, reply.Result)
}

func BenchmarkCall(b *testing.B) {
	s := server.New(server.WithLogger(zap.NewNop()))
	if err := s.RegisterHandler("Echo", "Say", server.HandlerFunc(func(ctx context.Context, req *message.Request) ([]byte, error) {
		return req.Payload, nil
	})); err != nil {
		b.Fatal(err)
	}
	defer s.Close()
	x, y := transport.Pipe()
	go s.ServeConn(context.Background(), y)
	c := New(x, WithLogger(zap.NewNop()))
	defer c.Close()

	req := &message.Request{Service: "Echo", Method: "Say", Payload: []byte("ping")}
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			if _, err := c.Call(context.Background(), req); err != nil {
				b.Error(err)
				return
			}
		}
	})
}
