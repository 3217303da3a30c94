// Copyright 2026 A-yon Lee <the@ayon.li>
// SPDX-License-Identifier: MIT

package parallel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// workerRecord is one live worker plus the set of task ids assigned to it.
type workerRecord struct {
	handle WorkerHandle
	name   string

	mu         sync.Mutex
	tasks      map[uint64]struct{}
	lastAccess time.Time
}

// assign adds a task to the record, referencing the worker while it holds
// its first task.
func (rec *workerRecord) assign(taskID uint64) {
	rec.mu.Lock()
	first := len(rec.tasks) == 0
	rec.tasks[taskID] = struct{}{}
	rec.lastAccess = time.Now()
	rec.mu.Unlock()
	if first {
		rec.handle.Ref()
	}
}

// release removes a task and reports whether the task set became empty.
func (rec *workerRecord) release(taskID uint64) bool {
	rec.mu.Lock()
	if _, ok := rec.tasks[taskID]; !ok {
		rec.mu.Unlock()
		return false
	}
	delete(rec.tasks, taskID)
	empty := len(rec.tasks) == 0
	rec.lastAccess = time.Now()
	rec.mu.Unlock()
	if empty {
		rec.handle.Unref()
	}
	return empty
}

func (rec *workerRecord) taskCount() int {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return len(rec.tasks)
}

func (rec *workerRecord) owns(taskID uint64) bool {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	_, ok := rec.tasks[taskID]
	return ok
}

func (rec *workerRecord) taskIDs() []uint64 {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	ids := make([]uint64, 0, len(rec.tasks))
	for id := range rec.tasks {
		ids = append(ids, id)
	}
	return ids
}

// idleFor reports how long the record has been idle. Records holding tasks
// are never idle.
func (rec *workerRecord) idleFor(now time.Time) time.Duration {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.tasks) > 0 {
		return 0
	}
	return now.Sub(rec.lastAccess)
}

// touch refreshes the last-access timestamp.
func (rec *workerRecord) touch() {
	rec.mu.Lock()
	rec.lastAccess = time.Now()
	rec.mu.Unlock()
}

// workerPool creates workers on demand up to the configured maximum, reuses
// idle ones, shares busy ones round-robin when full, and lazily retires
// long-idle records after tasks complete.
type workerPool struct {
	rt *Runtime

	mu       sync.Mutex
	cond     *sync.Cond
	records  []*workerRecord
	spawning int
	nameSeq  uint64
}

func newWorkerPool(rt *Runtime) *workerPool {
	p := &workerPool{rt: rt}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// acquire selects a worker for a task: an idle record first, a fresh spawn
// while the pool is below its maximum, and a deterministic taskID % size
// share otherwise. Tasks never wait for a free worker.
func (p *workerPool) acquire(ctx context.Context, taskID uint64) (*workerRecord, error) {
	for {
		p.mu.Lock()
		if p.rt.closed.Load() {
			p.mu.Unlock()
			return nil, ErrClosed
		}
		for _, rec := range p.records {
			if rec.taskCount() == 0 {
				rec.assign(taskID)
				p.mu.Unlock()
				return rec, nil
			}
		}

		if len(p.records)+p.spawning < p.rt.options.maxWorkers {
			p.spawning++
			p.nameSeq++
			name := fmt.Sprintf("worker-%d", p.nameSeq)
			p.mu.Unlock()

			handle, err := p.rt.transport.Spawn(ctx)

			p.mu.Lock()
			p.spawning--
			if err != nil {
				p.cond.Broadcast()
				p.mu.Unlock()
				if errors.Is(err, ErrWorkerStartup) {
					return nil, err
				}
				return nil, fmt.Errorf("%w: %v", ErrWorkerStartup, err)
			}
			if p.rt.closed.Load() {
				// The runtime closed while the spawn was in flight; closeAll
				// has already run, so this worker must not join the pool.
				p.cond.Broadcast()
				p.mu.Unlock()
				_ = handle.Terminate()
				return nil, ErrClosed
			}
			rec := &workerRecord{
				handle:     handle,
				name:       name,
				tasks:      make(map[uint64]struct{}),
				lastAccess: time.Now(),
			}
			rec.assign(taskID)
			p.records = append(p.records, rec)
			p.cond.Broadcast()
			p.mu.Unlock()

			go p.rt.watch(rec)
			p.rt.metrics.workerSpawned()
			p.rt.logger.Debug("Worker spawned",
				"worker", name,
				"transport", p.rt.transport.Kind(),
				"poolSize", p.size())
			return rec, nil
		}

		if len(p.records) > 0 {
			rec := p.records[taskID%uint64(len(p.records))]
			rec.assign(taskID)
			p.mu.Unlock()
			return rec, nil
		}

		// Pool is at capacity but every slot is still mid-spawn; wait for
		// one to land and reselect. The watcher wakes the wait when ctx
		// expires so this caller is not held hostage by a slower spawn.
		waiting := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				p.cond.Broadcast()
			case <-waiting:
			}
		}()
		p.cond.Wait()
		close(waiting)
		if err := ctx.Err(); err != nil {
			p.mu.Unlock()
			return nil, fmt.Errorf("%w: %v", ErrWorkerStartup, err)
		}
		p.mu.Unlock()
	}
}

// complete releases the task's worker assignment and runs the lazy idle
// sweep. It is called after every task settles, not on a timer.
func (p *workerPool) complete(taskID uint64) {
	p.mu.Lock()
	for _, rec := range p.records {
		if rec.owns(taskID) {
			rec.release(taskID)
			break
		}
	}
	p.mu.Unlock()
	p.sweep()
}

// sweep terminates every record with no assigned tasks that has been idle at
// least the configured TTL.
func (p *workerPool) sweep() {
	ttl := p.rt.options.workerTTL
	if ttl <= 0 {
		return
	}
	now := time.Now()

	p.mu.Lock()
	var retired []*workerRecord
	keep := p.records[:0]
	for _, rec := range p.records {
		if idle := rec.idleFor(now); idle >= ttl {
			retired = append(retired, rec)
		} else {
			keep = append(keep, rec)
		}
	}
	p.records = keep
	p.mu.Unlock()

	for _, rec := range retired {
		rec := rec
		go func() {
			if err := rec.handle.Terminate(); err != nil {
				p.rt.logger.Error("Failed to terminate idle worker",
					"worker", rec.name,
					"error", err)
			}
		}()
		p.rt.metrics.workerRetired()
		p.rt.logger.Debug("Worker retired", "worker", rec.name, "reason", "idle timeout")
	}
}

// onExit handles a worker that exited. Every task still assigned to it is
// settled as an implicit error, unless a result was already buffered.
func (p *workerPool) onExit(rec *workerRecord, exitErr error) {
	p.mu.Lock()
	keep := p.records[:0]
	found := false
	for _, r := range p.records {
		if r == rec {
			found = true
			continue
		}
		keep = append(keep, r)
	}
	p.records = keep
	p.mu.Unlock()

	ids := rec.taskIDs()
	if found && (len(ids) > 0 || exitErr != nil) {
		p.rt.logger.Debug("Worker exited",
			"worker", rec.name,
			"outstandingTasks", len(ids),
			"error", exitErr)
	}

	failure := error(ErrWorkerExited)
	if exitErr != nil {
		failure = fmt.Errorf("%w: %v", ErrWorkerExited, exitErr)
	}
	for _, id := range ids {
		if t := p.rt.tasks.get(id); t != nil {
			if t.settle(outcome{err: failure}) {
				p.rt.metrics.taskSettled("exit")
			}
		}
	}
}

// find returns the record a task is assigned to, if any.
func (p *workerPool) find(taskID uint64) *workerRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, rec := range p.records {
		if rec.owns(taskID) {
			return rec
		}
	}
	return nil
}

func (p *workerPool) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.records)
}

// closeAll terminates every worker in the pool.
func (p *workerPool) closeAll() {
	p.mu.Lock()
	records := p.records
	p.records = nil
	p.mu.Unlock()

	for _, rec := range records {
		if err := rec.handle.Terminate(); err != nil {
			p.rt.logger.Error("Failed to terminate worker",
				"worker", rec.name,
				"error", err)
		}
	}
}
