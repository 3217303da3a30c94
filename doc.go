// Copyright 2026 A-yon Lee <the@ayon.li>
// SPDX-License-Identifier: MIT

// Package parallel implements a cross-worker remote call runtime: a caller
// invokes a function of a named module as if it were local while it actually
// executes on a pooled worker reachable only via asynchronous message
// passing. Calls may stream results back generator-style, and Channel
// arguments are transferred across the transport so both sides can push into
// the same queue.
//
// A Runtime owns the worker pool, the task registry and the channel table.
// Workers are spawned on demand through a pluggable Transport (see the
// transports subpackages) and locate the invoked code through a pluggable
// ModuleResolver (an in-memory FuncRegistry, or the goja-backed resolver in
// resolvers/goja which runs real JavaScript modules).
package parallel
