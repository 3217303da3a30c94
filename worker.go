// Copyright 2026 A-yon Lee <the@ayon.li>
// SPDX-License-Identifier: MIT

package parallel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

// Worker is the remote side of the protocol: it serves call requests from a
// single connection, resolving modules through its ModuleResolver and
// driving generators and transferred channels. Transports run one Worker per
// spawned unit of execution.
type Worker struct {
	conn     MessageConn
	resolver ModuleResolver
	logger   *slog.Logger

	sendMu sync.Mutex

	mu       sync.Mutex
	gens     map[uint64]*msgQueue
	channels map[uint64]*Channel
}

// msgQueue is an unbounded FIFO of protocol messages. Generator requests are
// queued here rather than on a fixed-size channel so a burst of requests can
// never be dropped, which would leave the matching consumer blocked forever.
type msgQueue struct {
	mu    sync.Mutex
	items []*Message
	wake  chan struct{}
}

func newMsgQueue() *msgQueue {
	return &msgQueue{wake: make(chan struct{}, 1)}
}

func (q *msgQueue) put(msg *Message) {
	q.mu.Lock()
	q.items = append(q.items, msg)
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *msgQueue) take(ctx context.Context) (*Message, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			msg := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return msg, nil
		}
		q.mu.Unlock()
		select {
		case <-q.wake:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// WorkerOption configures a Worker.
type WorkerOption func(*Worker)

// WithWorkerLogger sets the worker's logger.
func WithWorkerLogger(logger *slog.Logger) WorkerOption {
	return func(w *Worker) {
		w.logger = logger
	}
}

// NewWorker creates a worker bound to one connection.
func NewWorker(conn MessageConn, resolver ModuleResolver, opts ...WorkerOption) *Worker {
	w := &Worker{
		conn:     conn,
		resolver: resolver,
		logger:   slog.Default(),
		gens:     make(map[uint64]*msgQueue),
		channels: make(map[uint64]*Channel),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Serve signals online, then processes requests until the connection closes
// or ctx is canceled. Each call runs on its own goroutine so tasks sharing
// this worker never block one another; the resolver is closed on the way out
// when it owns resources.
func (w *Worker) Serve(ctx context.Context) error {
	defer func() {
		if closer, ok := w.resolver.(io.Closer); ok {
			if err := closer.Close(); err != nil {
				w.logger.Error("Failed to close module resolver", "error", err)
			}
		}
	}()

	if err := w.send(&Message{Type: typeOnline}); err != nil {
		return fmt.Errorf("failed to signal online: %w", err)
	}

	for {
		msg, err := w.conn.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		w.handle(ctx, msg)
	}
}

func (w *Worker) handle(ctx context.Context, msg *Message) {
	switch msg.Type {
	case typeCall:
		// Channels must be adopted before the next message is read, or a
		// push racing the call could miss them.
		msg.Args = w.unwrapArgs(msg.Args)
		go w.runCall(ctx, msg)
	case typeNext, typeReturn, typeThrow:
		w.mu.Lock()
		reqs := w.gens[msg.TaskID]
		w.mu.Unlock()
		if reqs == nil {
			// No generator for this task: a late or duplicate request.
			return
		}
		reqs.put(msg)
	case typePush:
		w.mu.Lock()
		ch := w.channels[msg.ChannelID]
		w.mu.Unlock()
		if ch != nil {
			ch.applyPush(msg.Value)
		}
	case typeClose:
		w.mu.Lock()
		ch := w.channels[msg.ChannelID]
		w.mu.Unlock()
		if ch != nil {
			ch.applyClose(objectError(msg.Error))
		}
	default:
		w.logger.Debug("Dropping unrecognized request", "type", msg.Type)
	}
}

// runCall resolves and invokes one function. Panics inside the function are
// converted into error responses; they never take the serve loop down.
func (w *Worker) runCall(ctx context.Context, msg *Message) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("Panic during remote call",
				"script", msg.Script,
				"fn", msg.Fn,
				"error", r)
			w.fail(msg.TaskID, fmt.Errorf("panic in %s.%s: %v", msg.Script, msg.Fn, r))
		}
	}()

	mod, err := w.resolver.Resolve(msg.Script, msg.BaseURL)
	if err != nil {
		w.fail(msg.TaskID, err)
		return
	}
	fn := mod[msg.Fn]
	if fn == nil {
		w.fail(msg.TaskID, fmt.Errorf("function %q is not exported by module %q", msg.Fn, msg.Script))
		return
	}

	result, err := fn(ctx, msg.Args)
	if err != nil {
		w.fail(msg.TaskID, err)
		return
	}
	if g, ok := result.(Generator); ok {
		w.serveGenerator(ctx, msg.TaskID, g)
		return
	}
	w.respond(&Message{Type: typeReturn, TaskID: msg.TaskID, Value: result})
}

// serveGenerator acknowledges the generator and answers one request at a
// time until it finishes. The gen acknowledgment is the first message the
// caller sees for this task, never data.
func (w *Worker) serveGenerator(ctx context.Context, taskID uint64, g Generator) {
	reqs := newMsgQueue()
	w.mu.Lock()
	w.gens[taskID] = reqs
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		delete(w.gens, taskID)
		w.mu.Unlock()
	}()

	w.respond(&Message{Type: typeGen, TaskID: taskID})

	for {
		req, err := reqs.take(ctx)
		if err != nil {
			return
		}
		var (
			value any
			done  bool
		)
		switch req.Type {
		case typeNext:
			value, done, err = g.Next(ctx)
		case typeReturn:
			var rv any
			if len(req.Args) > 0 {
				rv = req.Args[0]
			}
			value, done, err = g.Return(ctx, rv)
		case typeThrow:
			thrown := objectError(errorObjectFrom(argAt(req.Args, 0)))
			if thrown == nil {
				thrown = errors.New("generator aborted")
			}
			value, done, err = g.Throw(ctx, thrown)
		}
		if err != nil {
			w.fail(taskID, err)
			return
		}
		w.respond(&Message{Type: typeYield, TaskID: taskID, Value: value, Done: done})
		if done {
			return
		}
	}
}

func argAt(args []any, i int) any {
	if i < len(args) {
		return args[i]
	}
	return nil
}

// unwrapArgs rebuilds channel descriptors as local channels wired back
// through this worker's connection; everything else passes through.
func (w *Worker) unwrapArgs(args []any) []any {
	out := make([]any, len(args))
	for i, arg := range args {
		if proxy, ok := asChannelProxy(arg); ok {
			out[i] = w.adoptChannel(proxy)
		} else {
			out[i] = arg
		}
	}
	return out
}

// adoptChannel reconstructs a transferred channel. Pushes and closes by the
// function body forward to the caller; pushes from the caller are replayed
// into the local queue the body reads from.
func (w *Worker) adoptChannel(proxy *channelProxy) *Channel {
	w.mu.Lock()
	if ch := w.channels[proxy.ID]; ch != nil {
		w.mu.Unlock()
		return ch
	}
	ch := NewChannel(proxy.Capacity)
	w.channels[proxy.ID] = ch
	w.mu.Unlock()

	ch.bind(proxy.ID, w.send, func() {
		w.mu.Lock()
		delete(w.channels, proxy.ID)
		w.mu.Unlock()
	})
	return ch
}

func (w *Worker) fail(taskID uint64, err error) {
	w.respond(&Message{Type: typeError, TaskID: taskID, Error: toErrorObject(err)})
}

// respond sends a response, logging transport failures instead of surfacing
// them; a dead connection is handled by the caller-side exit path.
func (w *Worker) respond(msg *Message) {
	if err := w.send(msg); err != nil {
		w.logger.Debug("Failed to send response",
			"type", msg.Type,
			"taskId", msg.TaskID,
			"error", err)
	}
}

func (w *Worker) send(msg *Message) error {
	w.sendMu.Lock()
	defer w.sendMu.Unlock()
	return w.conn.Send(msg)
}
