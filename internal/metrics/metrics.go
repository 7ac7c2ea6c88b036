// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics exposes the runtime's Prometheus collectors.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the runtime's collectors on a private registry, so
// tests can create isolated instances.
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	activeRuns      prometheus.Gauge
	submitsTotal    *prometheus.CounterVec
	cancelsTotal    *prometheus.CounterVec
}

// New creates a metrics set with process and Go collectors attached.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: registry,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pfruntime",
			Name:      "http_requests_total",
			Help:      "HTTP requests by route, method, and status code.",
		}, []string{"route", "method", "code"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "pfruntime",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
		activeRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pfruntime",
			Name:      "active_runs",
			Help:      "Runs currently executing on this instance.",
		}),
		submitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pfruntime",
			Name:      "submissions_total",
			Help:      "Run submissions by mode and outcome.",
		}, []string{"mode", "outcome"}),
		cancelsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pfruntime",
			Name:      "cancels_total",
			Help:      "Cancel requests by outcome.",
		}, []string{"outcome"}),
	}
	registry.MustRegister(
		m.requestsTotal,
		m.requestDuration,
		m.activeRuns,
		m.submitsTotal,
		m.cancelsTotal,
	)
	return m
}

// Registry exposes the underlying registry so other collectors, such
// as the OpenTelemetry meter bridge, can register against it.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveRequest records one finished HTTP request.
func (m *Metrics) ObserveRequest(route, method string, code int, elapsed time.Duration) {
	m.requestsTotal.WithLabelValues(route, method, strconv.Itoa(code)).Inc()
	m.requestDuration.WithLabelValues(route).Observe(elapsed.Seconds())
}

// SetActiveRuns updates the active-run gauge.
func (m *Metrics) SetActiveRuns(n int) {
	m.activeRuns.Set(float64(n))
}

// RecordSubmission counts a submission outcome for a run mode.
func (m *Metrics) RecordSubmission(mode, outcome string) {
	m.submitsTotal.WithLabelValues(mode, outcome).Inc()
}

// RecordCancel counts a cancel request outcome.
func (m *Metrics) RecordCancel(outcome string) {
	m.cancelsTotal.WithLabelValues(outcome).Inc()
}
