// Package mux tracks the streams of one connection that are waiting for a response.
//
// The reader goroutine completes waiters by stream id while any number of callers register and
// remove their own. Responses may arrive in any order; each reaches the waiter registered under
// its stream id, and at most once.
//
//	caller-1 ── Register(1) ──┐                     ┌── Done() ← frame(1)
//	caller-2 ── Register(2) ──┼── Table{1,2,3} ─────┼── Done() ← frame(2)
//	caller-3 ── Register(3) ──┘        ↑            └── Done() ← frame(3)
//	                        reader: Complete(2), Complete(3), Complete(1)
package mux

import (
	"errors"
	"sync"

	"muxrpc/protocol"
)

var ErrStreamInUse = errors.New("mux: stream id is still open")

// Result is what a waiter is fulfilled with: a response frame or the reason there will be none.
type Result struct {
	Frame *protocol.Frame
	Err   error
}

// Waiter is a single-assignment completion slot for one stream.
type Waiter struct {
	id uint32
	ch chan Result // Buffered so the fulfiller never blocks
}

// ID returns the stream id the waiter was registered under.
func (w *Waiter) ID() uint32 { return w.id }

// Done is readable exactly once, when the waiter is fulfilled.
func (w *Waiter) Done() <-chan Result { return w.ch }

// fulfil is only ever called by the goroutine that removed w from the table, so it runs once.
func (w *Waiter) fulfil(r Result) { w.ch <- r }

// Table maps open stream ids to their waiters.
type Table struct {
	mu      sync.Mutex
	waiters map[uint32]*Waiter
	err     error // Set by FailAll; later registrations fail with it
}

func NewTable() *Table {
	return &Table{waiters: make(map[uint32]*Waiter)}
}

// Register installs a waiter for id. It must be called before the request is written so a fast
// response can never find the table empty.
func (t *Table) Register(id uint32) (*Waiter, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.err != nil {
		return nil, t.err
	}
	if _, ok := t.waiters[id]; ok {
		return nil, ErrStreamInUse
	}
	w := &Waiter{id: id, ch: make(chan Result, 1)}
	t.waiters[id] = w
	return w, nil
}

// Complete hands f to the waiter of f's stream and retires the stream. It returns false when no
// waiter is registered: the response is an orphan (late, duplicate or unsolicited) and the
// caller should discard it.
func (t *Table) Complete(id uint32, f *protocol.Frame) bool {
	t.mu.Lock()
	w, ok := t.waiters[id]
	if ok {
		delete(t.waiters, id)
	}
	t.mu.Unlock()
	if !ok {
		return false
	}
	w.fulfil(Result{Frame: f})
	return true
}

// Remove retires id without fulfilling its waiter. Used by callers that stopped waiting.
func (t *Table) Remove(id uint32) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.waiters[id]; !ok {
		return false
	}
	delete(t.waiters, id)
	return true
}

// FailAll fulfils every outstanding waiter with err and closes the table to new registrations.
// It returns how many waiters were failed. Only the first call has any effect.
func (t *Table) FailAll(err error) int {
	t.mu.Lock()
	if t.err != nil {
		t.mu.Unlock()
		return 0
	}
	t.err = err
	waiters := t.waiters
	t.waiters = make(map[uint32]*Waiter)
	t.mu.Unlock()

	for _, w := range waiters {
		w.fulfil(Result{Err: err})
	}
	return len(waiters)
}

// Contains reports whether id is currently open.
func (t *Table) Contains(id uint32) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.waiters[id]
	return ok
}

// Len returns the number of open streams.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.waiters)
}

// Err returns the error the table was failed with, nil while open.
func (t *Table) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}
