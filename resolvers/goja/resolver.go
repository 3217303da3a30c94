// Copyright 2026 A-yon Lee <the@ayon.li>
// SPDX-License-Identifier: MIT

// Package gojaresolver resolves module specifiers to real JavaScript modules
// executed on the Goja engine. Each resolver owns an event loop that
// serializes access to its runtime, so one resolver instance backs one
// worker.
package gojaresolver

import (
	"context"
	"fmt"

	"github.com/ayonli/parallel"
	"github.com/dop251/goja"
	"github.com/dop251/goja_nodejs/console"
	"github.com/dop251/goja_nodejs/eventloop"
	"github.com/dop251/goja_nodejs/require"
)

// Resolver implements parallel.ModuleResolver on top of a goja runtime.
type Resolver struct {
	loop   *eventloop.EventLoop
	option *ResolverOption
	req    *require.RequireModule
}

// New creates a resolver with a started event loop and an enabled CommonJS
// module registry.
func New(opts ...Option) (*Resolver, error) {
	r := &Resolver{option: &ResolverOption{}}
	for _, opt := range opts {
		if err := opt(r); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}

	var registryOpts []require.Option
	if r.option.Loader != nil {
		registryOpts = append(registryOpts, require.WithLoader(r.option.Loader))
	}
	if len(r.option.GlobalFolders) > 0 {
		registryOpts = append(registryOpts, require.WithGlobalFolders(r.option.GlobalFolders...))
	}
	registry := require.NewRegistry(registryOpts...)

	r.loop = eventloop.NewEventLoop()
	r.loop.Start()

	done := make(chan struct{})
	r.loop.RunOnLoop(func(vm *goja.Runtime) {
		vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))
		r.req = registry.Enable(vm)
		if r.option.EnableConsole {
			console.Enable(vm)
		}
		close(done)
	})
	<-done

	return r, nil
}

// Factory returns a parallel.ResolverFactory building a fresh resolver (and
// thus a fresh JS environment) per worker.
func Factory(opts ...Option) parallel.ResolverFactory {
	return func() (parallel.ModuleResolver, error) {
		return New(opts...)
	}
}

// Resolve loads a module and exposes its exported functions. Non-function
// exports are ignored.
func (r *Resolver) Resolve(specifier string, baseURL string) (parallel.Module, error) {
	resolved := parallel.ResolveSpecifier(specifier, baseURL)

	type loadResult struct {
		mod parallel.Module
		err error
	}
	ch := make(chan loadResult, 1)
	r.loop.RunOnLoop(func(vm *goja.Runtime) {
		exports, err := r.req.Require(resolved)
		if err != nil {
			ch <- loadResult{nil, fmt.Errorf("failed to load module %q: %w", resolved, err)}
			return
		}
		if goja.IsUndefined(exports) || goja.IsNull(exports) {
			ch <- loadResult{nil, fmt.Errorf("module %q has no exports", resolved)}
			return
		}
		obj := exports.ToObject(vm)
		mod := make(parallel.Module)
		for _, key := range obj.Keys() {
			if fn, ok := goja.AssertFunction(obj.Get(key)); ok {
				mod[key] = r.wrap(fn)
			}
		}
		ch <- loadResult{mod, nil}
	})
	res := <-ch
	return res.mod, res.err
}

// Close stops the event loop and releases the JS environment.
func (r *Resolver) Close() error {
	if r.loop != nil {
		r.loop.Stop()
	}
	return nil
}

type callResult struct {
	value any
	err   error
}

// wrap turns a JS callable into a parallel.Function. A returned generator
// object becomes a parallel.Generator driven on this loop; a thenable is
// awaited; anything else is exported directly.
func (r *Resolver) wrap(fn goja.Callable) parallel.Function {
	return func(ctx context.Context, args []any) (any, error) {
		ch := make(chan callResult, 1)
		r.loop.RunOnLoop(func(vm *goja.Runtime) {
			vmArgs := make([]goja.Value, len(args))
			for i, arg := range args {
				vmArgs[i] = vm.ToValue(arg)
			}
			res, err := fn(goja.Undefined(), vmArgs...)
			if err != nil {
				ch <- callResult{nil, normalizeError(err)}
				return
			}
			if obj, ok := asIterator(res); ok {
				ch <- callResult{&jsGenerator{loop: r.loop, obj: obj}, nil}
				return
			}
			if obj, then, ok := asThenable(res); ok {
				onFulfilled := func(call goja.FunctionCall) goja.Value {
					ch <- callResult{exportValue(call.Argument(0)), nil}
					return goja.Undefined()
				}
				onRejected := func(call goja.FunctionCall) goja.Value {
					ch <- callResult{nil, valueError(call.Argument(0))}
					return goja.Undefined()
				}
				if _, err := then(obj, vm.ToValue(onFulfilled), vm.ToValue(onRejected)); err != nil {
					ch <- callResult{nil, normalizeError(err)}
				}
				return
			}
			ch <- callResult{exportValue(res), nil}
		})

		select {
		case res := <-ch:
			return res.value, res.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// jsGenerator drives a JS generator (or any iterator-protocol object) on
// the resolver's event loop.
type jsGenerator struct {
	loop *eventloop.EventLoop
	obj  *goja.Object
}

func (g *jsGenerator) Next(ctx context.Context) (any, bool, error) {
	return g.drive(ctx, "next", nil)
}

func (g *jsGenerator) Return(ctx context.Context, value any) (any, bool, error) {
	return g.drive(ctx, "return", func(vm *goja.Runtime) goja.Value {
		return vm.ToValue(value)
	})
}

func (g *jsGenerator) Throw(ctx context.Context, err error) (any, bool, error) {
	return g.drive(ctx, "throw", func(vm *goja.Runtime) goja.Value {
		return vm.NewGoError(err)
	})
}

type stepResult struct {
	value any
	done  bool
	err   error
}

func (g *jsGenerator) drive(ctx context.Context, method string, makeArg func(*goja.Runtime) goja.Value) (any, bool, error) {
	ch := make(chan stepResult, 1)
	g.loop.RunOnLoop(func(vm *goja.Runtime) {
		fn, ok := goja.AssertFunction(g.obj.Get(method))
		if !ok {
			// Plain iterators may lack return/throw; treat both as an
			// immediate finish.
			if method == "next" {
				ch <- stepResult{err: fmt.Errorf("iterator has no next method")}
			} else {
				ch <- stepResult{done: true}
			}
			return
		}
		var vmArgs []goja.Value
		if makeArg != nil {
			vmArgs = append(vmArgs, makeArg(vm))
		}
		res, err := fn(g.obj, vmArgs...)
		if err != nil {
			ch <- stepResult{err: normalizeError(err)}
			return
		}
		obj := res.ToObject(vm)
		ch <- stepResult{
			value: exportValue(obj.Get("value")),
			done:  obj.Get("done").ToBoolean(),
		}
	})

	select {
	case res := <-ch:
		return res.value, res.done, res.err
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

// asIterator recognizes a generator/iterator object: any object exposing a
// callable next.
func asIterator(v goja.Value) (*goja.Object, bool) {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil, false
	}
	obj, ok := v.(*goja.Object)
	if !ok {
		return nil, false
	}
	if _, ok := goja.AssertFunction(obj.Get("next")); !ok {
		return nil, false
	}
	return obj, true
}

// asThenable recognizes a promise-like object by its then method.
func asThenable(v goja.Value) (*goja.Object, goja.Callable, bool) {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil, nil, false
	}
	obj, ok := v.(*goja.Object)
	if !ok {
		return nil, nil, false
	}
	then, ok := goja.AssertFunction(obj.Get("then"))
	if !ok {
		return nil, nil, false
	}
	return obj, then, true
}

func exportValue(v goja.Value) any {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil
	}
	return v.Export()
}

// normalizeError keeps the remote error's name and message intact when the
// thrown value looks like an Error object.
func normalizeError(err error) error {
	if ex, ok := err.(*goja.Exception); ok {
		if e := valueError(ex.Value()); e != nil {
			return e
		}
	}
	return err
}

// valueError converts a thrown JS value into a Go error, preserving name,
// message and stack for Error instances.
func valueError(v goja.Value) error {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return fmt.Errorf("unknown error")
	}
	if obj, ok := v.(*goja.Object); ok {
		msg := obj.Get("message")
		if msg != nil && !goja.IsUndefined(msg) {
			re := &parallel.RemoteError{Name: "Error", Message: msg.String()}
			if name := obj.Get("name"); name != nil && !goja.IsUndefined(name) {
				re.Name = name.String()
			}
			if stack := obj.Get("stack"); stack != nil && !goja.IsUndefined(stack) {
				re.Stack = stack.String()
			}
			return re
		}
	}
	return fmt.Errorf("%s", v.String())
}
