// Copyright 2026 A-yon Lee <the@ayon.li>
// SPDX-License-Identifier: MIT

package parallel

import (
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

// runtimeOptions holds the configuration applied through Option values.
type runtimeOptions struct {
	maxWorkers   int           // Upper bound on pooled workers
	workerTTL    time.Duration // Idle duration before a worker is retired
	spawnTimeout time.Duration // Timeout waiting for a worker's online signal
	baseURL      string        // Default base anchoring relative module specifiers
}

// Runtime owns the task registry, worker pool and channel table for one
// independent remote-call domain. Multiple runtimes may coexist in a
// process; construct with New, release with Close.
type Runtime struct {
	options   *runtimeOptions
	transport Transport
	logger    *slog.Logger
	metrics   *Metrics

	tasks *taskRegistry
	pool  *workerPool

	chanMu     sync.Mutex
	channels   map[uint64]*Channel
	channelSeq uint64

	closed atomic.Bool
}

// Option configures a Runtime.
type Option func(*Runtime)

// New creates a runtime. A transport is required; workers are spawned lazily
// on the first call that needs one.
func New(opts ...Option) (*Runtime, error) {
	rt := &Runtime{
		logger: slog.Default(),
		options: &runtimeOptions{
			maxWorkers:   runtime.GOMAXPROCS(0),
			workerTTL:    5 * time.Minute,
			spawnTimeout: 30 * time.Second,
		},
		tasks:    newTaskRegistry(),
		channels: make(map[uint64]*Channel),
	}
	for _, opt := range opts {
		opt(rt)
	}
	if rt.transport == nil {
		return nil, fmt.Errorf("a transport must be provided")
	}
	if rt.options.maxWorkers < 1 {
		rt.options.maxWorkers = 1
	}
	rt.pool = newWorkerPool(rt)
	return rt, nil
}

// WithTransport sets the transport used to spawn and reach workers.
func WithTransport(transport Transport) Option {
	return func(rt *Runtime) {
		rt.transport = transport
	}
}

// WithMaxWorkers caps the worker pool size.
func WithMaxWorkers(n int) Option {
	return func(rt *Runtime) {
		if n > 0 {
			rt.options.maxWorkers = n
		}
	}
}

// WithWorkerTTL sets how long a worker may sit idle before the lazy sweep
// retires it. A non-positive value disables retirement.
func WithWorkerTTL(ttl time.Duration) Option {
	return func(rt *Runtime) {
		rt.options.workerTTL = ttl
	}
}

// WithSpawnTimeout bounds the wait for a spawned worker's online signal.
func WithSpawnTimeout(timeout time.Duration) Option {
	return func(rt *Runtime) {
		if timeout > 0 {
			rt.options.spawnTimeout = timeout
		}
	}
}

// WithBaseURL sets the default base for resolving relative module
// specifiers. The base must be passed explicitly; it is never inferred from
// the call site.
func WithBaseURL(baseURL string) Option {
	return func(rt *Runtime) {
		rt.options.baseURL = baseURL
	}
}

// WithLogger sets the runtime's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(rt *Runtime) {
		if logger != nil {
			rt.logger = logger
		}
	}
}

// WithMetrics attaches prometheus instrumentation.
func WithMetrics(m *Metrics) Option {
	return func(rt *Runtime) {
		rt.metrics = m
	}
}

// watch pumps one worker's messages into the dispatcher until the worker
// exits, then fails whatever it still owned.
func (rt *Runtime) watch(rec *workerRecord) {
	for msg := range rec.handle.Recv() {
		rt.dispatch(rec, msg)
	}
	rt.pool.onExit(rec, rec.handle.ExitErr())
}

// Kill forcibly terminates the worker owning a task. There is no graceful
// mid-call interruption; other tasks sharing the worker are lost with it,
// which is the accepted tradeoff of pooling. Callers racing an external
// deadline use this after the deadline fires.
func (rt *Runtime) Kill(taskID uint64) error {
	rec := rt.pool.find(taskID)
	if rec == nil {
		return fmt.Errorf("parallel: no worker owns task %d", taskID)
	}
	return rec.handle.Terminate()
}

// WorkerCount reports the current pool size.
func (rt *Runtime) WorkerCount() int {
	return rt.pool.size()
}

// Close terminates every worker and settles all outstanding tasks with
// ErrClosed. Further calls on the runtime fail immediately.
func (rt *Runtime) Close() error {
	if !rt.closed.CompareAndSwap(false, true) {
		return nil
	}
	for _, t := range rt.tasks.all() {
		if t.settle(outcome{err: ErrClosed}) {
			rt.metrics.taskSettled("closed")
		}
	}
	rt.pool.closeAll()
	rt.logger.Debug("Runtime closed")
	return nil
}

func (rt *Runtime) nextChannelID() uint64 {
	return atomic.AddUint64(&rt.channelSeq, 1)
}
