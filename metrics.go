// Copyright 2026 A-yon Lee <the@ayon.li>
// SPDX-License-Identifier: MIT

package parallel

import (
	"errors"
	"fmt"

	prom "github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the runtime's prometheus collectors. A nil *Metrics is a
// valid no-op, so the instrumentation never has to be guarded at call sites.
type Metrics struct {
	workersActive       prom.Gauge
	workersSpawnedTotal prom.Counter
	workersRetiredTotal prom.Counter
	tasksInflight       prom.Gauge
	tasksSettledTotal   *prom.CounterVec
	channelMsgsTotal    *prom.CounterVec
}

// NewMetrics creates and registers the collectors. An empty namespace
// defaults to "parallel"; a nil registerer uses the prometheus default.
func NewMetrics(namespace string, reg prom.Registerer) (*Metrics, error) {
	if namespace == "" {
		namespace = "parallel"
	}
	if reg == nil {
		reg = prom.DefaultRegisterer
	}

	workersActive := prom.NewGauge(prom.GaugeOpts{
		Namespace: namespace,
		Name:      "workers_active",
		Help:      "Current number of workers in the pool.",
	})
	workersSpawned := prom.NewCounter(prom.CounterOpts{
		Namespace: namespace,
		Name:      "workers_spawned_total",
		Help:      "Total number of workers spawned.",
	})
	workersRetired := prom.NewCounter(prom.CounterOpts{
		Namespace: namespace,
		Name:      "workers_retired_total",
		Help:      "Total number of idle workers retired by the pool sweep.",
	})
	tasksInflight := prom.NewGauge(prom.GaugeOpts{
		Namespace: namespace,
		Name:      "tasks_inflight",
		Help:      "Remote calls dispatched but not yet settled.",
	})
	tasksSettled := prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "tasks_settled_total",
		Help:      "Total number of settled remote calls.",
	}, []string{"outcome"})
	channelMsgs := prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "channel_messages_total",
		Help:      "Total number of channel messages forwarded over the transport.",
	}, []string{"type"})

	var err error
	if workersActive, err = registerCollector(reg, workersActive); err != nil {
		return nil, err
	}
	if workersSpawned, err = registerCollector(reg, workersSpawned); err != nil {
		return nil, err
	}
	if workersRetired, err = registerCollector(reg, workersRetired); err != nil {
		return nil, err
	}
	if tasksInflight, err = registerCollector(reg, tasksInflight); err != nil {
		return nil, err
	}
	if tasksSettled, err = registerCollector(reg, tasksSettled); err != nil {
		return nil, err
	}
	if channelMsgs, err = registerCollector(reg, channelMsgs); err != nil {
		return nil, err
	}

	return &Metrics{
		workersActive:       workersActive,
		workersSpawnedTotal: workersSpawned,
		workersRetiredTotal: workersRetired,
		tasksInflight:       tasksInflight,
		tasksSettledTotal:   tasksSettled,
		channelMsgsTotal:    channelMsgs,
	}, nil
}

func (m *Metrics) workerSpawned() {
	if m == nil {
		return
	}
	m.workersSpawnedTotal.Inc()
	m.workersActive.Inc()
}

func (m *Metrics) workerRetired() {
	if m == nil {
		return
	}
	m.workersRetiredTotal.Inc()
	m.workersActive.Dec()
}

func (m *Metrics) taskStarted() {
	if m == nil {
		return
	}
	m.tasksInflight.Inc()
}

func (m *Metrics) taskSettled(outcome string) {
	if m == nil {
		return
	}
	m.tasksInflight.Dec()
	m.tasksSettledTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) channelForwarded(msgType string) {
	if m == nil {
		return
	}
	m.channelMsgsTotal.WithLabelValues(msgType).Inc()
}

func registerCollector[T prom.Collector](reg prom.Registerer, collector T) (T, error) {
	err := reg.Register(collector)
	if err == nil {
		return collector, nil
	}

	var alreadyRegistered prom.AlreadyRegisteredError
	if errors.As(err, &alreadyRegistered) {
		existing, ok := alreadyRegistered.ExistingCollector.(T)
		if !ok {
			return collector, fmt.Errorf("collector type mismatch for %T", collector)
		}
		return existing, nil
	}

	return collector, err
}
