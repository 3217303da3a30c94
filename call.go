// Copyright 2026 A-yon Lee <the@ayon.li>
// SPDX-License-Identifier: MIT

package parallel

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strings"
	"sync/atomic"
)

// RemoteModule is the façade for one remote module: calls made through it
// execute on pooled workers as if they were local invocations.
type RemoteModule struct {
	rt      *Runtime
	script  string
	baseURL string
}

// ModuleOption configures a RemoteModule.
type ModuleOption func(*RemoteModule)

// WithModuleBaseURL overrides the runtime's base URL for this module.
func WithModuleBaseURL(baseURL string) ModuleOption {
	return func(m *RemoteModule) {
		m.baseURL = baseURL
	}
}

// Module returns a façade for the given module specifier. The specifier may
// be a literal path/specifier, or — as a deprecated convenience — the source
// text of a zero-argument function whose body is a dynamic import, from
// which the literal specifier is extracted.
func (rt *Runtime) Module(script string, opts ...ModuleOption) (*RemoteModule, error) {
	spec, err := sanitizeScript(script)
	if err != nil {
		return nil, err
	}
	m := &RemoteModule{rt: rt, script: spec, baseURL: rt.options.baseURL}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Script returns the sanitized module specifier.
func (m *RemoteModule) Script() string {
	return m.script
}

// Call invokes a function of the module on a pooled worker. It returns
// immediately; consume the returned Call either as an awaitable via Result,
// or as an iterator via Next/Return/Throw when the remote function is a
// generator. Channel arguments are transferred across the transport.
func (m *RemoteModule) Call(fn string, args ...any) *Call {
	rt := m.rt
	t := rt.tasks.register()
	c := &Call{rt: rt, taskID: t.id}
	if rt.closed.Load() {
		t.settle(outcome{err: ErrClosed})
		return c
	}
	// Channels are wrapped before Call returns: a Push or Close racing the
	// worker acquisition queues in the forwarding core instead of stranding
	// values in the local queue.
	wrapped, bound := rt.wrapArgs(args)
	go rt.startTask(t, m, fn, wrapped, bound)
	return c
}

// boundArg is a channel argument wrapped for transfer, waiting for its
// forwarding core to be attached to the acquired worker.
type boundArg struct {
	ch     *Channel
	sender *deferredSender
}

func (rt *Runtime) wrapArgs(args []any) ([]any, []*boundArg) {
	wrapped := make([]any, len(args))
	var bound []*boundArg
	for i, arg := range args {
		if ch, ok := arg.(*Channel); ok {
			proxy, sender := rt.wrapChannel(ch)
			wrapped[i] = proxy
			bound = append(bound, &boundArg{ch: ch, sender: sender})
		} else {
			wrapped[i] = arg
		}
	}
	return wrapped, bound
}

// releaseArgs restores wrapped channels to plain local behavior after a
// failed dispatch, replaying anything queued for forwarding.
func (rt *Runtime) releaseArgs(bound []*boundArg) {
	for _, b := range bound {
		b.ch.unbind()
		for _, msg := range b.sender.abort() {
			switch msg.Type {
			case typePush:
				b.ch.applyPush(msg.Value)
			case typeClose:
				b.ch.applyClose(objectError(msg.Error))
			}
		}
	}
}

// startTask acquires a worker and posts the call request. Acquisition
// failures reject the call through the normal settlement path.
func (rt *Runtime) startTask(t *task, m *RemoteModule, fn string, args []any, bound []*boundArg) {
	rt.metrics.taskStarted()
	ctx, cancel := context.WithTimeout(context.Background(), rt.options.spawnTimeout)
	defer cancel()

	rec, err := rt.pool.acquire(ctx, t.id)
	if err != nil {
		rt.releaseArgs(bound)
		rt.logger.Error("Failed to acquire worker",
			"script", m.script,
			"fn", fn,
			"error", err)
		if t.settle(outcome{err: err}) {
			if errors.Is(err, ErrClosed) {
				rt.metrics.taskSettled("closed")
			} else {
				rt.metrics.taskSettled("startup")
			}
		}
		return
	}
	t.setRecord(rec)

	msg := &Message{
		Type:    typeCall,
		Script:  m.script,
		BaseURL: m.baseURL,
		Fn:      fn,
		Args:    args,
		TaskID:  t.id,
	}
	if err := rec.handle.Send(msg); err != nil {
		rt.releaseArgs(bound)
		if t.settle(outcome{err: fmt.Errorf("%w: %v", ErrWorkerExited, err)}) {
			rt.metrics.taskSettled("exit")
		}
		rt.pool.complete(t.id)
		return
	}

	// The call message is on the wire, so the worker adopts the channels
	// before any flushed message reaches it. A dead worker here is handled
	// by the exit path.
	for _, b := range bound {
		_ = b.sender.attach(func(msg *Message) error {
			rt.metrics.channelForwarded(msg.Type)
			return rec.handle.Send(msg)
		})
	}
	rt.logger.Debug("Call dispatched",
		"script", m.script,
		"fn", fn,
		"taskId", t.id,
		"worker", rec.name)
}

// Call mode: the first consuming entry point pins it for the call's
// lifetime.
const (
	modeUnset int32 = iota
	modeAwait
	modeIterate
)

// Call is one in-flight invocation, usable either as an awaitable (Result)
// or as an async iterator (Next/Return/Throw), never both.
type Call struct {
	rt     *Runtime
	taskID uint64
	mode   atomic.Int32
}

// TaskID identifies this call for Runtime.Kill.
func (c *Call) TaskID() uint64 {
	return c.taskID
}

func (c *Call) pin(mode int32) bool {
	if c.mode.CompareAndSwap(modeUnset, mode) {
		return true
	}
	return c.mode.Load() == mode
}

// Result blocks until the call settles and returns its value or error,
// exactly as a local call would have produced them. The outcome is consumed:
// Result delivers it once.
func (c *Call) Result(ctx context.Context) (any, error) {
	if !c.pin(modeAwait) {
		return nil, ErrCallMode
	}
	t := c.rt.tasks.get(c.taskID)
	if t == nil {
		return nil, fmt.Errorf("parallel: task %d is no longer registered", c.taskID)
	}
	o, err := t.await(ctx)
	if err != nil {
		return nil, err
	}
	c.rt.tasks.remove(c.taskID)
	return o.value, o.err
}

// Next drives the generator sub-protocol: it returns the next streamed
// value, or done=true with the generator's terminal value once exhausted.
// The first request is held until the remote side acknowledges it produced a
// generator; a remote function that was not a generator settles through the
// terminal path with its plain return value.
func (c *Call) Next(ctx context.Context) (any, bool, error) {
	if !c.pin(modeIterate) {
		return nil, false, ErrCallMode
	}
	t := c.rt.tasks.get(c.taskID)
	if t == nil {
		return nil, true, nil
	}
	send, err := t.awaitGen(ctx)
	if err != nil {
		return nil, false, err
	}
	if send {
		// A send failure means the worker died; the exit path settles the
		// task and closes the stream, which the Pop below observes.
		_ = t.send(&Message{Type: typeNext, TaskID: c.taskID})
	}
	value, ok, perr := t.stream.Pop(ctx)
	if ok {
		return value, false, nil
	}
	if perr != nil && !t.settled() {
		return nil, false, perr
	}
	c.rt.tasks.remove(c.taskID)
	if o := t.takeBuffered(); o != nil {
		return o.value, true, o.err
	}
	return nil, true, perr
}

// Return finishes the remote generator early; value becomes its terminal
// result.
func (c *Call) Return(ctx context.Context, value any) (any, bool, error) {
	if !c.pin(modeIterate) {
		return nil, false, ErrCallMode
	}
	t := c.rt.tasks.get(c.taskID)
	if t == nil {
		return value, true, nil
	}
	send, err := t.awaitGen(ctx)
	if err != nil {
		return nil, false, err
	}
	if send {
		_ = t.send(&Message{Type: typeReturn, TaskID: c.taskID, Args: []any{value}})
	}
	o, err := t.awaitSettle(ctx)
	if err != nil {
		return nil, false, err
	}
	c.rt.tasks.remove(c.taskID)
	if o.err != nil {
		return nil, true, o.err
	}
	return o.value, true, nil
}

// Throw injects an error into the remote generator and waits for it to
// settle.
func (c *Call) Throw(ctx context.Context, thrown error) (any, bool, error) {
	if !c.pin(modeIterate) {
		return nil, false, ErrCallMode
	}
	t := c.rt.tasks.get(c.taskID)
	if t == nil {
		return nil, true, nil
	}
	send, err := t.awaitGen(ctx)
	if err != nil {
		return nil, false, err
	}
	if send {
		_ = t.send(&Message{Type: typeThrow, TaskID: c.taskID, Args: []any{toErrorObject(thrown)}})
	}
	o, err := t.awaitSettle(ctx)
	if err != nil {
		return nil, false, err
	}
	c.rt.tasks.remove(c.taskID)
	if o.err != nil {
		return nil, true, o.err
	}
	return o.value, true, nil
}

// dynamicImportRe extracts the literal specifier out of a dynamic-import
// expression such as `() => import("./math.js")`.
var dynamicImportRe = regexp.MustCompile("import\\(\\s*['\"`]([^'\"`]+)['\"`]\\s*\\)")

// sanitizeScript normalizes a module identifier. Function-source inputs are
// the deprecated path; plain specifiers pass through trimmed.
func sanitizeScript(script string) (string, error) {
	s := strings.TrimSpace(script)
	if s == "" {
		return "", fmt.Errorf("empty module specifier")
	}
	if strings.Contains(s, "import(") || strings.Contains(s, "=>") || strings.HasPrefix(s, "function") {
		match := dynamicImportRe.FindStringSubmatch(s)
		if match == nil {
			return "", fmt.Errorf("cannot extract a module specifier from %q", script)
		}
		return match[1], nil
	}
	return s, nil
}

// ResolveSpecifier anchors a relative or absolute specifier against a base
// URL. Bare specifiers are package-style imports and pass through
// unprefixed; an empty base is not an error, the specifier is simply left
// as-is. Resolvers use this on the remote side.
func ResolveSpecifier(specifier string, baseURL string) string {
	if !strings.HasPrefix(specifier, "./") &&
		!strings.HasPrefix(specifier, "../") &&
		!strings.HasPrefix(specifier, "/") {
		return specifier
	}
	if strings.HasPrefix(specifier, "/") {
		return path.Clean(specifier)
	}
	if baseURL == "" {
		return specifier
	}
	if base, err := url.Parse(baseURL); err == nil && base.Scheme != "" {
		if ref, err := url.Parse(specifier); err == nil {
			return base.ResolveReference(ref).String()
		}
	}
	return path.Clean(path.Join(baseURL, specifier))
}
