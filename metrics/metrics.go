// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package metrics records per-method call outcomes. Provider failures are
// counted apart from successes even though both reach the caller as a
// successful reply.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "storerpc"

// Metrics holds the dispatch collectors.
type Metrics struct {
	registry *prometheus.Registry

	calls    *prometheus.CounterVec
	failures *prometheus.CounterVec
	duration *prometheus.HistogramVec
	inFlight prometheus.Gauge
}

// New creates the collectors and registers them on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		calls: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Name: "calls_total", Help: "rpc calls by method"},
			[]string{"method"},
		),
		failures: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Name: "provider_failures_total", Help: "provider failures masked as empty results, by method"},
			[]string{"method"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "call_duration_seconds",
				Help:      "rpc call latency by method.",
				Buckets:   []float64{0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"method"},
		),
		inFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{Namespace: namespace, Name: "in_flight_calls", Help: "rpc calls awaiting a provider"},
		),
	}
	m.registry.MustRegister(m.calls, m.failures, m.duration, m.inFlight)
	return m
}

// Begin marks the start of a call and returns the func that ends it.
func (m *Metrics) Begin(method string) func(failed bool) {
	if m == nil {
		return func(bool) {}
	}
	start := time.Now()
	m.inFlight.Inc()
	return func(failed bool) {
		m.inFlight.Dec()
		m.calls.WithLabelValues(method).Inc()
		if failed {
			m.failures.WithLabelValues(method).Inc()
		}
		m.duration.WithLabelValues(method).Observe(time.Since(start).Seconds())
	}
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler returns the /metrics handler for m.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
