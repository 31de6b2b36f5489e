// Package metrics exposes tasksh's Prometheus counters and the HTTP
// endpoint that serves them (SPEC_FULL.md §2.4). These are purely
// observational: nothing in the core protocol reads them back, and they
// never take part in the writing-lock/reaper serialization.
package metrics

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the counters and gauges tasksh reports.
type Metrics struct {
	TasksStarted prometheus.Counter
	TasksEnded   *prometheus.CounterVec
	TasksRunning prometheus.Gauge
	LineMapSize  prometheus.Gauge
	registry     *prometheus.Registry
}

// New constructs a Metrics with its own registry, so multiple Metrics
// instances (as in tests) never collide on prometheus's default registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		TasksStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tasksh_tasks_started_total",
			Help: "Number of tasks started via the run command.",
		}),
		TasksEnded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tasksh_tasks_ended_total",
			Help: "Number of tasks reaped, by termination reason.",
		}, []string{"reason"}),
		TasksRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tasksh_tasks_running",
			Help: "Number of tasks currently tracked as running.",
		}),
		LineMapSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tasksh_linemap_size",
			Help: "Current number of entries in the child-id to task-number map.",
		}),
		registry: reg,
	}
	reg.MustRegister(m.TasksStarted, m.TasksEnded, m.TasksRunning, m.LineMapSize)
	return m
}

// Handler returns an http.Handler serving /metrics in Prometheus exposition
// format, mounted on a gorilla/mux router the way cmd/tasksh mounts it.
func (m *Metrics) Handler() http.Handler {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	return r
}
