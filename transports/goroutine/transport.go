// Copyright 2026 A-yon Lee <the@ayon.li>
// SPDX-License-Identifier: MIT

// Package goroutine provides the in-process transport: each spawned worker
// is a serve loop on its own goroutine, connected through an in-memory
// message pipe. Values cross the boundary untouched, so structured data and
// channels keep full fidelity.
package goroutine

import (
	"context"
	"log/slog"

	"github.com/ayonli/parallel"
)

// Transport implements parallel.Transport.
type Transport struct {
	factory parallel.ResolverFactory
	logger  *slog.Logger
}

// Option configures the transport.
type Option func(*Transport)

// WithLogger sets the logger handed to spawned workers.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Transport) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// New creates a goroutine transport. Each spawn builds a resolver through
// the factory; factories handing out a shared resolver (such as a
// FuncRegistry) are fine.
func New(factory parallel.ResolverFactory, opts ...Option) *Transport {
	t := &Transport{factory: factory, logger: slog.Default()}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Kind implements parallel.Transport.
func (t *Transport) Kind() string {
	return "goroutine"
}

// Spawn starts a worker goroutine and returns its handle once the worker
// signaled online.
func (t *Transport) Spawn(ctx context.Context) (parallel.WorkerHandle, error) {
	resolver, err := t.factory()
	if err != nil {
		return nil, err
	}

	local, remote := parallel.Pipe()
	worker := parallel.NewWorker(remote, resolver, parallel.WithWorkerLogger(t.logger))
	go func() {
		if err := worker.Serve(context.Background()); err != nil {
			t.logger.Error("Worker serve loop failed", "error", err)
		}
	}()

	handle := parallel.NewConnHandle(local)
	if err := parallel.AwaitOnline(ctx, handle); err != nil {
		_ = handle.Terminate()
		return nil, err
	}
	return handle, nil
}
