// Copyright 2026 A-yon Lee <the@ayon.li>
// SPDX-License-Identifier: MIT

package parallel

import (
	"context"
	"fmt"
	"sync"
)

// Function is a callable exposed by a resolved module. Returning a value
// implementing Generator switches the call into the streaming sub-protocol.
type Function func(ctx context.Context, args []any) (any, error)

// Module is the function table of one resolved module.
type Module map[string]Function

// ModuleResolver locates the invoked code on the worker side. baseURL
// anchors relative specifiers; it may be empty.
type ModuleResolver interface {
	Resolve(specifier string, baseURL string) (Module, error)
}

// ResolverFactory builds a resolver for each spawned worker. Resolvers that
// are safe to share may return the same instance every time.
type ResolverFactory func() (ModuleResolver, error)

// FuncRegistry is an in-memory ModuleResolver mapping module specifiers to
// Go function tables. It is safe for concurrent use and for sharing across
// workers.
type FuncRegistry struct {
	mu      sync.RWMutex
	modules map[string]Module
}

// NewFuncRegistry creates an empty registry.
func NewFuncRegistry() *FuncRegistry {
	return &FuncRegistry{modules: make(map[string]Module)}
}

// Register binds a function table to a module specifier, replacing any
// previous registration.
func (r *FuncRegistry) Register(specifier string, mod Module) {
	r.mu.Lock()
	r.modules[specifier] = mod
	r.mu.Unlock()
}

// Resolve implements ModuleResolver.
func (r *FuncRegistry) Resolve(specifier string, baseURL string) (Module, error) {
	r.mu.RLock()
	mod, ok := r.modules[specifier]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("module %q is not registered", specifier)
	}
	return mod, nil
}

// Factory returns a ResolverFactory handing out this shared registry.
func (r *FuncRegistry) Factory() ResolverFactory {
	return func() (ModuleResolver, error) {
		return r, nil
	}
}
