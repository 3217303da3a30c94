// Copyright 2026 A-yon Lee <the@ayon.li>
// SPDX-License-Identifier: MIT

// Package process provides the child-process transport: each spawned worker
// is a separate OS process speaking newline-delimited JSON over stdio. The
// child binary calls Serve from its main function.
package process

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"

	"github.com/ayonli/parallel"
	"github.com/google/uuid"
)

// Transport implements parallel.Transport by spawning a worker binary.
type Transport struct {
	command string
	args    []string
	env     []string
	logger  *slog.Logger
}

// Option configures the transport.
type Option func(*Transport)

// WithArgs sets the arguments passed to the worker binary.
func WithArgs(args ...string) Option {
	return func(t *Transport) {
		t.args = args
	}
}

// WithEnv appends environment variables (KEY=VALUE) for spawned workers.
func WithEnv(env ...string) Option {
	return func(t *Transport) {
		t.env = env
	}
}

// WithLogger sets the transport's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Transport) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// New creates a process transport running the given worker binary.
func New(command string, opts ...Option) *Transport {
	t := &Transport{command: command, logger: slog.Default()}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Kind implements parallel.Transport.
func (t *Transport) Kind() string {
	return "process"
}

// Spawn starts a worker process and returns its handle once the child
// printed its online signal. A child that fails to come up is killed and the
// startup error is propagated.
func (t *Transport) Spawn(ctx context.Context) (parallel.WorkerHandle, error) {
	cmd := exec.Command(t.command, t.args...)
	cmd.Env = append(os.Environ(), t.env...)
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}

	name := uuid.NewString()
	h := &procHandle{
		WorkerHandle: parallel.NewConnHandle(newJSONConn(stdout, stdin)),
		cmd:          cmd,
		waitDone:     make(chan struct{}),
	}
	go func() {
		h.waitErr = cmd.Wait()
		close(h.waitDone)
	}()

	if err := parallel.AwaitOnline(ctx, h); err != nil {
		_ = h.Terminate()
		return nil, err
	}
	t.logger.Debug("Worker process online", "worker", name, "pid", cmd.Process.Pid)
	return h, nil
}

// procHandle decorates a conn-backed handle with process termination and a
// process-level exit cause.
type procHandle struct {
	parallel.WorkerHandle
	cmd      *exec.Cmd
	waitErr  error
	waitDone chan struct{}
}

func (h *procHandle) Terminate() error {
	err := h.WorkerHandle.Terminate()
	if h.cmd.Process != nil {
		_ = h.cmd.Process.Kill()
	}
	return err
}

func (h *procHandle) ExitErr() error {
	select {
	case <-h.waitDone:
		if h.waitErr != nil {
			return h.waitErr
		}
	default:
	}
	return h.WorkerHandle.ExitErr()
}

// ServeOption configures the child-side worker.
type ServeOption func(*serveConfig)

type serveConfig struct {
	logger *slog.Logger
}

// WithServeLogger sets the child worker's logger. Logs must go to stderr;
// stdout carries the protocol.
func WithServeLogger(logger *slog.Logger) ServeOption {
	return func(c *serveConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// Serve runs the worker loop over the process's stdio. The child binary
// calls this from main and exits when it returns.
func Serve(ctx context.Context, resolver parallel.ModuleResolver, opts ...ServeOption) error {
	cfg := &serveConfig{
		logger: slog.New(slog.NewTextHandler(os.Stderr, nil)),
	}
	for _, opt := range opts {
		opt(cfg)
	}
	conn := newJSONConn(os.Stdin, os.Stdout)
	worker := parallel.NewWorker(conn, resolver, parallel.WithWorkerLogger(cfg.logger))
	return worker.Serve(ctx)
}

// jsonConn is a MessageConn over a byte stream pair, one JSON document per
// message.
type jsonConn struct {
	dec *json.Decoder
	r   io.ReadCloser

	mu  sync.Mutex
	enc *json.Encoder
	w   io.WriteCloser

	closeOnce sync.Once
}

func newJSONConn(r io.ReadCloser, w io.WriteCloser) *jsonConn {
	return &jsonConn{
		dec: json.NewDecoder(r),
		r:   r,
		enc: json.NewEncoder(w),
		w:   w,
	}
}

func (c *jsonConn) Send(msg *parallel.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enc.Encode(msg)
}

func (c *jsonConn) Recv() (*parallel.Message, error) {
	var msg parallel.Message
	if err := c.dec.Decode(&msg); err != nil {
		if errors.Is(err, io.ErrClosedPipe) || errors.Is(err, os.ErrClosed) {
			return nil, io.EOF
		}
		return nil, err
	}
	return &msg, nil
}

func (c *jsonConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.w.Close()
		_ = c.r.Close()
	})
	return err
}
