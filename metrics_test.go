// Copyright 2026 A-yon Lee <the@ayon.li>
// SPDX-License-Identifier: MIT

package parallel

import (
	"testing"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_Counters(t *testing.T) {
	reg := prom.NewRegistry()
	m, err := NewMetrics("test", reg)
	if err != nil {
		t.Fatalf("NewMetrics failed: %v", err)
	}

	m.workerSpawned()
	m.workerSpawned()
	m.workerRetired()
	m.taskStarted()
	m.taskSettled("return")
	m.channelForwarded(typePush)

	if got := testutil.ToFloat64(m.workersSpawnedTotal); got != 2 {
		t.Fatalf("workers_spawned_total = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.workersActive); got != 1 {
		t.Fatalf("workers_active = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.tasksInflight); got != 0 {
		t.Fatalf("tasks_inflight = %v, want 0", got)
	}
	if got := testutil.ToFloat64(m.tasksSettledTotal.WithLabelValues("return")); got != 1 {
		t.Fatalf("tasks_settled_total{outcome=return} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.channelMsgsTotal.WithLabelValues(typePush)); got != 1 {
		t.Fatalf("channel_messages_total{type=push} = %v, want 1", got)
	}
}

func TestMetrics_ReusesAlreadyRegisteredCollectors(t *testing.T) {
	reg := prom.NewRegistry()
	m1, err := NewMetrics("test", reg)
	if err != nil {
		t.Fatalf("first NewMetrics failed: %v", err)
	}
	m2, err := NewMetrics("test", reg)
	if err != nil {
		t.Fatalf("second NewMetrics failed: %v", err)
	}

	m1.workerSpawned()
	m2.workerSpawned()
	if got := testutil.ToFloat64(m2.workersSpawnedTotal); got != 2 {
		t.Fatalf("expected shared collector to count both increments, got %v", got)
	}
}

func TestMetrics_NilIsNoOp(t *testing.T) {
	var m *Metrics
	m.workerSpawned()
	m.workerRetired()
	m.taskStarted()
	m.taskSettled("error")
	m.channelForwarded(typeClose)
}
