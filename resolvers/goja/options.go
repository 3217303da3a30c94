// Copyright 2026 A-yon Lee <the@ayon.li>
// SPDX-License-Identifier: MIT

package gojaresolver

import (
	"github.com/dop251/goja_nodejs/require"
)

// ResolverOption collects the configurable pieces of a Resolver.
type ResolverOption struct {
	// Loader supplies module source by resolved path. Nil falls back to the
	// registry's default filesystem loader.
	Loader require.SourceLoader

	// GlobalFolders are extra node_modules-style roots searched for bare
	// specifiers.
	GlobalFolders []string

	// EnableConsole installs the console object into the runtime.
	EnableConsole bool
}

// Option configures a Resolver during New.
type Option func(*Resolver) error

// WithSourceLoader sets the module source loader.
func WithSourceLoader(loader require.SourceLoader) Option {
	return func(r *Resolver) error {
		r.option.Loader = loader
		return nil
	}
}

// WithGlobalFolders sets extra module search roots for bare specifiers.
func WithGlobalFolders(folders ...string) Option {
	return func(r *Resolver) error {
		r.option.GlobalFolders = folders
		return nil
	}
}

// WithConsole enables the console object; output goes through the util
// module's default printer.
func WithConsole() Option {
	return func(r *Resolver) error {
		r.option.EnableConsole = true
		return nil
	}
}
