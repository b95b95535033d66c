package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"muxrpc/mux"
	"muxrpc/protocol"
)

func await(t *testing.T, w *mux.Waiter) mux.Result {
	t.Helper()
	select {
	case r := <-w.Done():
		return r
	case <-time.After(2 * time.Second):
		t.Fatalf("stream %d never resolved", w.ID())
	}
	return mux.Result{}
}

func awaitDone(t *testing.T, c *Connection) {
	t.Helper()
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("connection not torn down")
	}
}

func TestConcurrentWritesStayWhole(t *testing.T) {
	local, remote := Pipe()
	conn := NewConnection(local, WithLogger(zap.NewNop()))
	defer conn.Close()

	const writers, perWriter = 8, 50
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				id := uint32(w*perWriter + i + 1)
				payload := bytes.Repeat([]byte{byte(id)}, 1000+int(id))
				if err := conn.WriteFrame(&protocol.Frame{StreamID: id, Type: protocol.MsgTypeRequest, Payload: payload}); err != nil {
					t.Errorf("write %d: %v", id, err)
					return
				}
			}
		}(w)
	}

	seen := make(map[uint32]bool)
	for len(seen) < writers*perWriter {
		f, err := protocol.Decode(remote)
		require.NoError(t, err)
		require.Equal(t, protocol.MsgTypeRequest, f.Type)
		require.Len(t, f.Payload, 1000+int(f.StreamID))
		require.Equal(t, bytes.Repeat([]byte{byte(f.StreamID)}, len(f.Payload)), f.Payload)
		require.False(t, seen[f.StreamID], "stream %d seen twice", f.StreamID)
		seen[f.StreamID] = true
	}
	wg.Wait()
}

func TestResponsesRouteOutOfOrder(t *testing.T) {
	local, remote := Pipe()
	conn := NewConnection(local, WithLogger(zap.NewNop()))
	defer conn.Close()

	a, err := conn.Pending().Register(1)
	require.NoError(t, err)
	b, err := conn.Pending().Register(2)
	require.NoError(t, err)

	require.NoError(t, protocol.Encode(remote, &protocol.Frame{StreamID: 2, Type: protocol.MsgTypeResponse, Payload: []byte("B")}))
	require.NoError(t, protocol.Encode(remote, &protocol.Frame{StreamID: 1, Type: protocol.MsgTypeResponse, Payload: []byte("A")}))

	require.Equal(t, "A", string(await(t, a).Frame.Payload))
	require.Equal(t, "B", string(await(t, b).Frame.Payload))
	require.Zero(t, conn.Pending().Len())
}

func TestOrphanResponseIsDiscarded(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	local, remote := Pipe()
	conn := NewConnection(local, WithLogger(zap.New(core)))
	defer conn.Close()

	w, err := conn.Pending().Register(1)
	require.NoError(t, err)

	require.NoError(t, protocol.Encode(remote, &protocol.Frame{StreamID: 99, Type: protocol.MsgTypeResponse}))
	require.NoError(t, protocol.Encode(remote, &protocol.Frame{StreamID: 1, Type: protocol.MsgTypeResponse, Payload: []byte("ok")}))

	require.Equal(t, "ok", string(await(t, w).Frame.Payload))
	require.Nil(t, conn.Err())
	require.Equal(t, 1, logs.FilterMessage("discarding response for unknown stream").Len())
}

func TestUnexpectedFramesAreNotFatal(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	local, remote := Pipe()
	conn := NewConnection(local, WithLogger(zap.New(core)))
	defer conn.Close()

	w, err := conn.Pending().Register(4)
	require.NoError(t, err)

	// a request without a dispatcher, a data frame and an unknown type
	require.NoError(t, protocol.Encode(remote, &protocol.Frame{StreamID: 7, Type: protocol.MsgTypeRequest}))
	require.NoError(t, protocol.Encode(remote, &protocol.Frame{StreamID: 4, Type: protocol.MsgTypeData, Flags: protocol.FlagMoreData}))
	require.NoError(t, protocol.Encode(remote, &protocol.Frame{StreamID: 4, Type: protocol.MsgType(42)}))
	require.NoError(t, protocol.Encode(remote, &protocol.Frame{StreamID: 4, Type: protocol.MsgTypeResponse}))

	r := await(t, w)
	require.NoError(t, r.Err)
	require.Equal(t, 3, logs.FilterMessage("discarding frame").Len())
}

func TestDispatcherReceivesRequests(t *testing.T) {
	local, remote := Pipe()
	got := make(chan *protocol.Frame, 1)
	conn := NewConnection(local, WithLogger(zap.NewNop()), WithDispatcher(func(c *Connection, f *protocol.Frame) {
		got <- f
	}))
	defer conn.Close()

	require.NoError(t, protocol.Encode(remote, &protocol.Frame{StreamID: 3, Type: protocol.MsgTypeRequest, Payload: []byte("hi")}))
	select {
	case f := <-got:
		require.Equal(t, uint32(3), f.StreamID)
		require.Equal(t, "hi", string(f.Payload))
	case <-time.After(2 * time.Second):
		t.Fatal("request not dispatched")
	}
}

func TestTeardownFailsEveryPendingStream(t *testing.T) {
	local, remote := Pipe()
	var closeErr error
	closed := make(chan struct{})
	conn := NewConnection(local, WithLogger(zap.NewNop()), WithOnClose(func(err error) {
		closeErr = err
		close(closed)
	}))

	var waiters []*mux.Waiter
	for id := uint32(1); id <= 5; id++ {
		w, err := conn.Pending().Register(id)
		require.NoError(t, err)
		waiters = append(waiters, w)
	}

	require.NoError(t, remote.Close())
	awaitDone(t, conn)
	<-closed

	for _, w := range waiters {
		r := await(t, w)
		require.Nil(t, r.Frame)
		require.ErrorIs(t, r.Err, ErrClosed)
	}
	require.ErrorIs(t, closeErr, ErrClosed)
	require.ErrorIs(t, conn.Err(), ErrClosed)

	err := conn.WriteFrame(&protocol.Frame{StreamID: 6, Type: protocol.MsgTypeRequest})
	require.ErrorIs(t, err, ErrClosed)
	_, err = conn.Pending().Register(6)
	require.ErrorIs(t, err, ErrClosed)
}

func TestMalformedFrameIsFatal(t *testing.T) {
	local, remote := Pipe()
	conn := NewConnection(local, WithLogger(zap.NewNop()))
	w, err := conn.Pending().Register(1)
	require.NoError(t, err)

	// header only, declaring a payload over the limit
	hdr := []byte{0, 0, 0, 1, byte(protocol.MsgTypeResponse), 0, 0xff, 0xff, 0xff, 0xff}
	go remote.Write(hdr)

	awaitDone(t, conn)
	require.True(t, protocol.IsFrameError(conn.Err()))
	require.ErrorIs(t, conn.Err(), protocol.ErrFrameTooLarge)
	require.ErrorIs(t, await(t, w).Err, ErrClosed)
}

func TestTruncatedFrameIsFatal(t *testing.T) {
	local, remote := Pipe()
	conn := NewConnection(local, WithLogger(zap.NewNop()))

	go func() {
		remote.Write([]byte{0, 0, 0, 1, byte(protocol.MsgTypeResponse), 0, 0, 0, 0, 8, 'a', 'b'})
		remote.Close()
	}()

	awaitDone(t, conn)
	require.ErrorIs(t, conn.Err(), ErrClosed)
}

func TestPeerShutdown(t *testing.T) {
	local, remote := Pipe()
	conn := NewConnection(local, WithLogger(zap.NewNop()))
	w, err := conn.Pending().Register(1)
	require.NoError(t, err)

	require.NoError(t, protocol.Encode(remote, &protocol.Frame{Type: protocol.MsgTypeShutdown}))

	awaitDone(t, conn)
	require.ErrorIs(t, conn.Err(), ErrPeerShutdown)
	require.ErrorIs(t, await(t, w).Err, ErrClosed)
}

func TestShutdownNotifiesPeer(t *testing.T) {
	local, remote := Pipe()
	conn := NewConnection(local, WithLogger(zap.NewNop()))
	peer := NewConnection(remote, WithLogger(zap.NewNop()))

	require.NoError(t, conn.Shutdown())
	require.ErrorIs(t, conn.Err(), ErrLocalShutdown)

	awaitDone(t, peer)
	require.ErrorIs(t, peer.Err(), ErrPeerShutdown)
}

func TestOversizedWriteKeepsConnection(t *testing.T) {
	local, remote := Pipe()
	defer remote.Close()
	conn := NewConnection(local, WithLogger(zap.NewNop()))
	defer conn.Close()

	err := conn.WriteFrame(&protocol.Frame{StreamID: 1, Type: protocol.MsgTypeRequest, Payload: make([]byte, protocol.MaxPayloadSize+1)})
	require.ErrorIs(t, err, protocol.ErrPayloadTooLarge)
	require.Nil(t, conn.Err())
}

func TestWriteTimeout(t *testing.T) {
	local, remote := Pipe()
	defer remote.Close()
	// nobody reads remote, so the write blocks until the deadline
	conn := NewConnection(local, WithLogger(zap.NewNop()), WithWriteTimeout(20*time.Millisecond))

	err := conn.WriteFrame(&protocol.Frame{StreamID: 1, Type: protocol.MsgTypeRequest, Payload: []byte("x")})
	require.ErrorIs(t, err, ErrClosed)
	var ne net.Error
	require.True(t, errors.As(err, &ne) && ne.Timeout())
}

func TestWriteAbandonedBeforeAnyByteKeepsConnection(t *testing.T) {
	local, remote := Pipe()
	defer remote.Close()
	conn := NewConnection(local, WithLogger(zap.NewNop()))
	defer conn.Close()

	// nobody reads remote yet, so the write blocks until ctx ends
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)
	err := conn.WriteFrameContext(ctx, &protocol.Frame{StreamID: 1, Type: protocol.MsgTypeRequest, Payload: []byte("dropped")})
	require.ErrorIs(t, err, context.Canceled)
	require.Nil(t, conn.Err())

	// the stream is intact: the next frame is the first one the peer sees
	got := make(chan *protocol.Frame, 1)
	go func() {
		if f, err := protocol.Decode(remote); err == nil {
			got <- f
		}
	}()
	require.NoError(t, conn.WriteFrame(&protocol.Frame{StreamID: 2, Type: protocol.MsgTypeRequest, Payload: []byte("sent")}))
	select {
	case f := <-got:
		require.Equal(t, uint32(2), f.StreamID)
		require.Equal(t, "sent", string(f.Payload))
	case <-time.After(2 * time.Second):
		t.Fatal("frame not received")
	}
}

func TestWaitForGateEndsWithContext(t *testing.T) {
	local, remote := Pipe()
	defer remote.Close()
	conn := NewConnection(local, WithLogger(zap.NewNop()))

	// the first writer holds the gate until the connection closes
	blocked := make(chan error, 1)
	go func() {
		blocked <- conn.WriteFrame(&protocol.Frame{StreamID: 1, Type: protocol.MsgTypeRequest, Payload: []byte("stuck")})
	}()
	require.Eventually(t, func() bool { return len(conn.gate.sem) == 1 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	start := time.Now()
	err := conn.WriteFrameContext(ctx, &protocol.Frame{StreamID: 2, Type: protocol.MsgTypeRequest})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Less(t, time.Since(start), time.Second)
	require.Nil(t, conn.Err())

	conn.Close()
	require.ErrorIs(t, <-blocked, ErrClosed)
}

func TestWriteCutShortTearsDown(t *testing.T) {
	local, remote := Pipe()
	defer remote.Close()
	conn := NewConnection(local, WithLogger(zap.NewNop()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	written := make(chan error, 1)
	go func() {
		written <- conn.WriteFrameContext(ctx, &protocol.Frame{StreamID: 1, Type: protocol.MsgTypeRequest, Payload: []byte("half a frame")})
	}()
	// the peer takes part of the header, then stops reading
	_, err := io.ReadFull(remote, make([]byte, 4))
	require.NoError(t, err)
	cancel()

	require.ErrorIs(t, <-written, ErrClosed)
	awaitDone(t, conn)
}

func TestUnixListenReplacesStaleSocket(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "muxrpc.sock")

	ln, err := Listen(NetworkUnix, path)
	require.NoError(t, err)
	// unix listeners unlink on close; leave the file behind like a crashed process would
	ln.(*net.UnixListener).SetUnlinkOnClose(false)
	require.NoError(t, ln.Close())

	ln, err = Listen(NetworkUnix, path)
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			accepted <- c
		}
	}()

	c, err := Dial(NetworkUnix, path)
	require.NoError(t, err)
	defer c.Close()
	s := <-accepted
	defer s.Close()

	client := NewConnection(c, WithLogger(zap.NewNop()))
	defer client.Close()
	w, err := client.Pending().Register(1)
	require.NoError(t, err)
	require.NoError(t, protocol.Encode(s, &protocol.Frame{StreamID: 1, Type: protocol.MsgTypeResponse, Payload: []byte("unix")}))
	require.Equal(t, "unix", string(await(t, w).Frame.Payload))
}

func TestListenRejectsUnknownNetwork(t *testing.T) {
	_, err := Listen("udp", "127.0.0.1:0")
	require.Error(t, err)
	_, err = Dial("udp", "127.0.0.1:0")
	require.Error(t, err)
}

func TestParseVsockAddr(t *testing.T) {
	cid, port, err := ParseVsockAddr("3:1024")
	require.NoError(t, err)
	require.Equal(t, uint32(3), cid)
	require.Equal(t, uint32(1024), port)

	cid, _, err = ParseVsockAddr(":5000")
	require.NoError(t, err)
	require.Equal(t, uint32(vsockAnyCID), cid)

	for _, bad := range []string{"", "3", "x:1", "3:y", fmt.Sprintf("%d:1", uint64(1)<<33)} {
		_, _, err := ParseVsockAddr(bad)
		require.Error(t, err, bad)
	}
}
