// Copyright 2026 A-yon Lee <the@ayon.li>
// SPDX-License-Identifier: MIT

package parallel

import (
	"context"
	"fmt"
	"io"
	"sync"
)

// Transport abstracts how workers are spawned and reached. Implementations
// live under transports/; each Spawn must hand back a handle whose worker
// already signaled online, or an error — never a half-initialized worker.
type Transport interface {
	Spawn(ctx context.Context) (WorkerHandle, error)
	Kind() string
}

// WorkerHandle is one live worker as seen from the caller side.
type WorkerHandle interface {
	// Send posts a message to the worker. Implementations must be safe for
	// concurrent use.
	Send(*Message) error

	// Recv yields messages from the worker. The channel closes when the
	// worker exits or is terminated; ExitErr then reports the cause.
	Recv() <-chan *Message

	// ExitErr reports why the worker exited, nil for a clean shutdown. Valid
	// once Recv is closed.
	ExitErr() error

	// Terminate forcibly stops the worker. Workers are not interrupted
	// gracefully mid-call; any task still assigned to them is lost.
	Terminate() error

	// Ref marks the worker as holding live work, Unref releases it. For
	// transports whose workers would otherwise keep the process alive (or
	// exit early), these adjust that behavior; in-process transports treat
	// them as bookkeeping only.
	Ref()
	Unref()
}

// MessageConn is one end of a bidirectional message stream, the worker-side
// counterpart of a WorkerHandle. Recv returns io.EOF once the other end is
// gone.
type MessageConn interface {
	Send(*Message) error
	Recv() (*Message, error)
	Close() error
}

// pipeConn is an in-memory MessageConn half created by Pipe.
type pipeConn struct {
	out      chan *Message
	in       chan *Message
	ownDone  chan struct{}
	peerDone chan struct{}
	once     sync.Once
}

// Pipe creates a connected pair of in-memory message conns. Values cross
// untouched, giving structured-clone fidelity for same-process workers.
func Pipe() (MessageConn, MessageConn) {
	ab := make(chan *Message, 64)
	ba := make(chan *Message, 64)
	aDone := make(chan struct{})
	bDone := make(chan struct{})
	a := &pipeConn{out: ab, in: ba, ownDone: aDone, peerDone: bDone}
	b := &pipeConn{out: ba, in: ab, ownDone: bDone, peerDone: aDone}
	return a, b
}

func (c *pipeConn) Send(msg *Message) error {
	select {
	case <-c.ownDone:
		return io.ErrClosedPipe
	case <-c.peerDone:
		return io.ErrClosedPipe
	case c.out <- msg:
		return nil
	}
}

func (c *pipeConn) Recv() (*Message, error) {
	// Drain buffered messages before reporting the peer gone.
	select {
	case msg := <-c.in:
		return msg, nil
	default:
	}
	select {
	case msg := <-c.in:
		return msg, nil
	case <-c.ownDone:
		return nil, io.EOF
	case <-c.peerDone:
		return nil, io.EOF
	}
}

func (c *pipeConn) Close() error {
	c.once.Do(func() {
		close(c.ownDone)
	})
	return nil
}

// connHandle adapts a MessageConn into a WorkerHandle by pumping inbound
// messages onto a channel and recording the exit cause.
type connHandle struct {
	conn MessageConn
	recv chan *Message

	mu      sync.Mutex
	exitErr error
	refs    int
}

// NewConnHandle wraps a caller-side MessageConn as a WorkerHandle.
func NewConnHandle(conn MessageConn) WorkerHandle {
	h := &connHandle{conn: conn, recv: make(chan *Message, 16)}
	go h.pump()
	return h
}

func (h *connHandle) pump() {
	for {
		msg, err := h.conn.Recv()
		if err != nil {
			if err != io.EOF {
				h.mu.Lock()
				h.exitErr = err
				h.mu.Unlock()
			}
			close(h.recv)
			return
		}
		h.recv <- msg
	}
}

func (h *connHandle) Send(msg *Message) error {
	return h.conn.Send(msg)
}

func (h *connHandle) Recv() <-chan *Message {
	return h.recv
}

func (h *connHandle) ExitErr() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitErr
}

func (h *connHandle) Terminate() error {
	return h.conn.Close()
}

func (h *connHandle) Ref() {
	h.mu.Lock()
	h.refs++
	h.mu.Unlock()
}

func (h *connHandle) Unref() {
	h.mu.Lock()
	h.refs--
	h.mu.Unlock()
}

// AwaitOnline consumes the worker's first message and verifies it is the
// online signal. Transports call this inside Spawn so a handle is never
// returned for a worker that failed to start.
func AwaitOnline(ctx context.Context, h WorkerHandle) error {
	select {
	case msg, ok := <-h.Recv():
		if !ok {
			if err := h.ExitErr(); err != nil {
				return fmt.Errorf("%w: %v", ErrWorkerStartup, err)
			}
			return fmt.Errorf("%w: connection closed before online signal", ErrWorkerStartup)
		}
		if msg.Type != typeOnline {
			return fmt.Errorf("%w: unexpected first message %q", ErrWorkerStartup, msg.Type)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrWorkerStartup, ctx.Err())
	}
}
