// Copyright 2026 A-yon Lee <the@ayon.li>
// SPDX-License-Identifier: MIT

package parallel

import (
	"context"
	"sync"
)

// Generator is the streaming result of a remote function. A Function whose
// return value implements Generator makes the worker acknowledge with a gen
// message and serve next/return/throw requests against it.
type Generator interface {
	// Next produces the next value. done reports exhaustion; the terminal
	// call may carry a final return value alongside done.
	Next(ctx context.Context) (value any, done bool, err error)

	// Return finishes the generator early, yielding value as its terminal
	// result.
	Return(ctx context.Context, value any) (any, bool, error)

	// Throw injects err into the generator, finishing it unless it recovers.
	Throw(ctx context.Context, err error) (any, bool, error)
}

// genItem is what a running generator body hands to its consumer.
type genItem struct {
	value    any
	terminal bool
	err      error
}

// goGen adapts a Go function into a pull-driven Generator. The body runs on
// its own goroutine and blocks in yield until the consumer asks for the next
// value, computing at most one value ahead.
type goGen struct {
	fn func(ctx context.Context, yield func(any) error) (any, error)

	mu       sync.Mutex
	started  bool
	finished bool
	cancel   context.CancelFunc
	out      chan genItem
}

// Generate wraps fn as a Generator. fn emits values through yield, which
// returns an error once the consumer is gone so the body can unwind; fn's
// return value becomes the generator's terminal value.
func Generate(fn func(ctx context.Context, yield func(any) error) (any, error)) Generator {
	return &goGen{fn: fn, out: make(chan genItem)}
}

func (g *goGen) start() {
	ctx, cancel := context.WithCancel(context.Background())
	g.cancel = cancel
	go func() {
		yield := func(v any) error {
			select {
			case g.out <- genItem{value: v}:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		value, err := g.fn(ctx, yield)
		select {
		case g.out <- genItem{value: value, terminal: true, err: err}:
		case <-ctx.Done():
		}
	}()
}

func (g *goGen) Next(ctx context.Context) (any, bool, error) {
	g.mu.Lock()
	if g.finished {
		g.mu.Unlock()
		return nil, true, nil
	}
	if !g.started {
		g.started = true
		g.start()
	}
	g.mu.Unlock()

	select {
	case item := <-g.out:
		if item.terminal {
			g.finish()
			return item.value, true, item.err
		}
		return item.value, false, nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

func (g *goGen) Return(ctx context.Context, value any) (any, bool, error) {
	g.finish()
	return value, true, nil
}

func (g *goGen) Throw(ctx context.Context, err error) (any, bool, error) {
	g.finish()
	return nil, true, err
}

func (g *goGen) finish() {
	g.mu.Lock()
	g.finished = true
	cancel := g.cancel
	g.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}
