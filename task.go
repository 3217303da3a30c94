// Copyright 2026 A-yon Lee <the@ayon.li>
// SPDX-License-Identifier: MIT

package parallel

import (
	"context"
	"sync"
)

// maxTaskID is the wrap boundary for task ids. Ids stay below 2^53 so they
// survive transports whose number representation is a float64.
const maxTaskID = 1<<53 - 1

// outcome is a task's terminal state: exactly one of value or err.
type outcome struct {
	value any
	err   error
}

// task is one in-flight remote invocation. It is owned exclusively by the
// registry; the call façade refers to it only by id.
type task struct {
	id uint64

	// stream buffers yield responses for generator-style consumption. It is
	// unbounded: back-pressure is not applied at this layer.
	stream *Channel

	// genReady is the one-shot gate serializing generator requests until the
	// remote side acknowledges it produced a generator.
	genReady chan struct{}
	genOnce  sync.Once

	// settledCh closes when the task reaches its terminal state.
	settledCh chan struct{}

	mu       sync.Mutex
	done     bool
	buffered *outcome
	resolver chan outcome
	rec      *workerRecord
}

func newTask(id uint64) *task {
	return &task{
		id:        id,
		stream:    NewChannel(0),
		genReady:  make(chan struct{}),
		settledCh: make(chan struct{}),
	}
}

// settle records the terminal outcome exactly once and reports whether this
// call was the one that settled the task. The outcome goes to a waiting
// resolver when one exists, and is buffered otherwise so a later await can
// consume it without ever constructing a resolver.
func (t *task) settle(o outcome) bool {
	t.mu.Lock()
	if t.done {
		t.mu.Unlock()
		return false
	}
	t.done = true
	if t.resolver != nil {
		t.resolver <- o
	} else {
		t.buffered = &o
	}
	t.mu.Unlock()

	close(t.settledCh)
	t.stream.applyClose(o.err)
	return true
}

// settled reports whether the task has reached its terminal state.
func (t *task) settled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.done
}

// ackGen unblocks generator requests gated on the remote acknowledgment.
func (t *task) ackGen() {
	t.genOnce.Do(func() {
		close(t.genReady)
	})
}

// awaitGen blocks until the generator acknowledgment arrives or the task
// settles without one (a plain return, or an error). send reports whether a
// generator request may be sent to the worker.
func (t *task) awaitGen(ctx context.Context) (send bool, err error) {
	select {
	case <-t.genReady:
		return true, nil
	case <-t.settledCh:
		return false, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// await blocks until the task settles, consuming a buffered outcome when the
// response arrived before the consumer did.
func (t *task) await(ctx context.Context) (outcome, error) {
	t.mu.Lock()
	if t.buffered != nil {
		o := *t.buffered
		t.mu.Unlock()
		return o, nil
	}
	if t.resolver == nil {
		t.resolver = make(chan outcome, 1)
	}
	resolver := t.resolver
	t.mu.Unlock()

	select {
	case o := <-resolver:
		return o, nil
	case <-ctx.Done():
		return outcome{}, ctx.Err()
	}
}

// takeBuffered returns the buffered terminal outcome, if any.
func (t *task) takeBuffered() *outcome {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.buffered
}

// awaitSettle blocks until the terminal outcome is available, regardless of
// whether a resolver was involved.
func (t *task) awaitSettle(ctx context.Context) (outcome, error) {
	select {
	case <-t.settledCh:
	case <-ctx.Done():
		return outcome{}, ctx.Err()
	}
	if o := t.takeBuffered(); o != nil {
		return *o, nil
	}
	return outcome{}, nil
}

func (t *task) setRecord(rec *workerRecord) {
	t.mu.Lock()
	t.rec = rec
	t.mu.Unlock()
}

func (t *task) record() *workerRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rec
}

// send posts a generator sub-protocol request to the worker owning the task.
func (t *task) send(msg *Message) error {
	rec := t.record()
	if rec == nil {
		return ErrWorkerExited
	}
	return rec.handle.Send(msg)
}

// taskRegistry maps task ids to pending call state. Entries are removed once
// the call settles and its outcome has been handed to the consumer; a later
// message referencing a removed id is silently ignored.
type taskRegistry struct {
	mu     sync.Mutex
	tasks  map[uint64]*task
	nextID uint64
}

func newTaskRegistry() *taskRegistry {
	return &taskRegistry{tasks: make(map[uint64]*task)}
}

// register allocates the next task id and records a fresh task under it.
// Ids increase monotonically and wrap only at the safe-integer boundary, so
// two concurrently outstanding calls can never collide.
func (r *taskRegistry) register() *task {
	r.mu.Lock()
	r.nextID++
	if r.nextID > maxTaskID {
		r.nextID = 1
	}
	t := newTask(r.nextID)
	r.tasks[t.id] = t
	r.mu.Unlock()
	return t
}

func (r *taskRegistry) get(id uint64) *task {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tasks[id]
}

func (r *taskRegistry) remove(id uint64) {
	r.mu.Lock()
	delete(r.tasks, id)
	r.mu.Unlock()
}

// all snapshots the currently registered tasks.
func (r *taskRegistry) all() []*task {
	r.mu.Lock()
	defer r.mu.Unlock()
	tasks := make([]*task, 0, len(r.tasks))
	for _, t := range r.tasks {
		tasks = append(tasks, t)
	}
	return tasks
}

func (r *taskRegistry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks)
}
