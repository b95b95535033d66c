package transport

import (
	"context"
	"io"
	"time"

	"muxrpc/protocol"
)

// Buffers grown past this by a large frame are dropped after the write instead of being kept.
const maxRetainedBuffer = 64 << 10

// A deadline in the past makes a blocked Write return at once.
var aLongTimeAgo = time.Unix(1, 0)

type deadlineWriter interface {
	SetWriteDeadline(t time.Time) error
}

// gate serializes frame writes. A frame is marshalled into one buffer and handed to a single
// Write call while the gate is held, so the bytes of two frames can never interleave.
//
// The gate is a one-slot semaphore: a caller waiting for it can leave when its context ends.
// A caller already writing is cut short through the write deadline, which only works when the
// channel has one.
type gate struct {
	sem     chan struct{}
	w       io.Writer
	dw      deadlineWriter
	buf     []byte
	timeout time.Duration
}

func newGate(w io.Writer, timeout time.Duration) *gate {
	g := &gate{sem: make(chan struct{}, 1), w: w, timeout: timeout}
	g.dw, _ = w.(deadlineWriter)
	return g
}

// write emits f and reports how many of its bytes reached the channel. A short count with an
// error means the peer may have seen part of a frame.
func (g *gate) write(ctx context.Context, f *protocol.Frame) (int, error) {
	select {
	case g.sem <- struct{}{}:
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	defer func() { <-g.sem }()
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	buf, err := protocol.AppendFrame(g.buf[:0], f)
	if err != nil {
		return 0, err
	}
	n, err := g.writeBuf(ctx, buf)
	if cap(buf) <= maxRetainedBuffer {
		g.buf = buf
	} else {
		g.buf = nil
	}
	return n, err
}

func (g *gate) writeBuf(ctx context.Context, buf []byte) (int, error) {
	if g.dw == nil {
		return g.w.Write(buf)
	}
	// Every write sets its own deadline, which also clears one left behind by an interrupted
	// write.
	if err := g.dw.SetWriteDeadline(g.deadline(ctx)); err != nil {
		return 0, err
	}
	if ctx.Done() == nil {
		return g.w.Write(buf)
	}

	interrupted := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		defer close(interrupted)
		g.dw.SetWriteDeadline(aLongTimeAgo)
	})
	n, err := g.w.Write(buf)
	if !stop() {
		// Let the interrupt land before the gate is handed to the next writer.
		<-interrupted
	}
	return n, err
}

// deadline is the earlier of the write timeout and the deadline of ctx, zero if neither is set.
func (g *gate) deadline(ctx context.Context) time.Time {
	var d time.Time
	if g.timeout > 0 {
		d = time.Now().Add(g.timeout)
	}
	if cd, ok := ctx.Deadline(); ok && (d.IsZero() || cd.Before(d)) {
		d = cd
	}
	return d
}
