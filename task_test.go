// Copyright 2026 A-yon Lee <the@ayon.li>
// SPDX-License-Identifier: MIT

package parallel

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestTaskRegistry_RegisterAssignsSequentialIds(t *testing.T) {
	reg := newTaskRegistry()
	t1 := reg.register()
	t2 := reg.register()
	if t1.id != 1 || t2.id != 2 {
		t.Fatalf("expected ids 1 and 2, got %d and %d", t1.id, t2.id)
	}
	if reg.get(t1.id) != t1 {
		t.Fatal("registry did not return the registered task")
	}
	reg.remove(t1.id)
	if reg.get(t1.id) != nil {
		t.Fatal("removed task still resolvable")
	}
	if reg.len() != 1 {
		t.Fatalf("expected 1 remaining task, got %d", reg.len())
	}
}

func TestTaskRegistry_IdWrapsAtSafeIntegerBoundary(t *testing.T) {
	reg := newTaskRegistry()
	reg.nextID = maxTaskID
	wrapped := reg.register()
	if wrapped.id != 1 {
		t.Fatalf("expected id to wrap to 1, got %d", wrapped.id)
	}
}

func TestTask_SettleBuffersEarlyOutcome(t *testing.T) {
	task := newTask(1)
	if !task.settle(outcome{value: "early"}) {
		t.Fatal("first settle reported false")
	}

	// The response arrived before anyone awaited; await must still see it.
	o, err := task.await(context.Background())
	if err != nil {
		t.Fatalf("await failed: %v", err)
	}
	if o.value != "early" {
		t.Fatalf("expected buffered value %q, got %v", "early", o.value)
	}
}

func TestTask_SettleIsOneShot(t *testing.T) {
	task := newTask(1)
	if !task.settle(outcome{value: 1}) {
		t.Fatal("first settle reported false")
	}
	if task.settle(outcome{value: 2}) {
		t.Fatal("second settle reported true")
	}
	o, err := task.await(context.Background())
	if err != nil {
		t.Fatalf("await failed: %v", err)
	}
	if o.value != 1 {
		t.Fatalf("expected first outcome to win, got %v", o.value)
	}
}

func TestTask_AwaitDeliversLaterOutcome(t *testing.T) {
	task := newTask(1)
	go func() {
		time.Sleep(10 * time.Millisecond)
		task.settle(outcome{err: errors.New("boom")})
	}()
	o, err := task.await(context.Background())
	if err != nil {
		t.Fatalf("await failed: %v", err)
	}
	if o.err == nil || o.err.Error() != "boom" {
		t.Fatalf("expected boom error, got %v", o.err)
	}
}

func TestTask_AwaitHonorsContext(t *testing.T) {
	task := newTask(1)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := task.await(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
}

func TestTask_AwaitGenUnblocksOnAck(t *testing.T) {
	task := newTask(1)
	go func() {
		time.Sleep(10 * time.Millisecond)
		task.ackGen()
		task.ackGen() // duplicate acks are harmless
	}()
	send, err := task.awaitGen(context.Background())
	if err != nil {
		t.Fatalf("awaitGen failed: %v", err)
	}
	if !send {
		t.Fatal("expected send=true after gen acknowledgment")
	}
}

func TestTask_AwaitGenUnblocksOnSettlement(t *testing.T) {
	task := newTask(1)
	task.settle(outcome{value: "plain"})
	send, err := task.awaitGen(context.Background())
	if err != nil {
		t.Fatalf("awaitGen failed: %v", err)
	}
	if send {
		t.Fatal("expected send=false for a task settled without a generator")
	}
}

func TestTask_SettleClosesStream(t *testing.T) {
	task := newTask(1)
	task.stream.applyPush("queued")
	task.settle(outcome{value: nil})

	v, ok, err := task.stream.Pop(context.Background())
	if err != nil || !ok || v != "queued" {
		t.Fatalf("expected queued value to survive settlement, got (%v, %v, %v)", v, ok, err)
	}
	if _, ok, _ := task.stream.Pop(context.Background()); ok {
		t.Fatal("stream still open after settlement")
	}
}
