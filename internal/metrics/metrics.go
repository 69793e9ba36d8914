// Package metrics exposes operational counters for runs, reviews, CI waits
// and webhooks.
//
// Metrics:
//   - codeloop_runs_started_total
//   - codeloop_runs_finished_total{outcome}
//   - codeloop_iterations_total
//   - codeloop_verdicts_total{disposition}
//   - codeloop_ci_waits_total{outcome}
//   - codeloop_ci_wait_seconds{outcome}
//   - codeloop_webhooks_received_total{provider}
//   - codeloop_webhooks_processed_total{provider}
//   - codeloop_runs_rejected_total{reason}
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the registered collectors.
type Metrics struct {
	registry *prometheus.Registry

	RunsStarted       prometheus.Counter
	RunsFinished      *prometheus.CounterVec
	RunsRejected      *prometheus.CounterVec
	Iterations        prometheus.Counter
	Verdicts          *prometheus.CounterVec
	CIWaits           *prometheus.CounterVec
	CIWaitDuration    *prometheus.HistogramVec
	WebhooksReceived  *prometheus.CounterVec
	WebhooksProcessed *prometheus.CounterVec
}

var (
	mu     sync.RWMutex
	global = newMetrics()
)

func newMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		RunsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "codeloop_runs_started_total",
			Help: "Total number of runs started",
		}),
		RunsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "codeloop_runs_finished_total",
			Help: "Total number of runs finished, by terminal outcome",
		}, []string{"outcome"}),
		RunsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "codeloop_runs_rejected_total",
			Help: "Total number of run requests rejected before starting",
		}, []string{"reason"}),
		Iterations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "codeloop_iterations_total",
			Help: "Total number of code/CI/review iterations started",
		}),
		Verdicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "codeloop_verdicts_total",
			Help: "Total number of reviewer verdicts, by disposition",
		}, []string{"disposition"}),
		CIWaits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "codeloop_ci_waits_total",
			Help: "Total number of CI waits, by outcome",
		}, []string{"outcome"}),
		CIWaitDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "codeloop_ci_wait_seconds",
			Help:    "Time spent waiting for CI",
			Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1200},
		}, []string{"outcome"}),
		WebhooksReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "codeloop_webhooks_received_total",
			Help: "Total number of webhooks received",
		}, []string{"provider"}),
		WebhooksProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "codeloop_webhooks_processed_total",
			Help: "Total number of webhooks that produced work",
		}, []string{"provider"}),
	}
	m.registry.MustRegister(
		m.RunsStarted,
		m.RunsFinished,
		m.RunsRejected,
		m.Iterations,
		m.Verdicts,
		m.CIWaits,
		m.CIWaitDuration,
		m.WebhooksReceived,
		m.WebhooksProcessed,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func current() *Metrics {
	mu.RLock()
	defer mu.RUnlock()
	return global
}

// Get returns the active metric set.
func Get() *Metrics {
	return current()
}

// RunStarted increments the count of runs started.
func RunStarted() { current().RunsStarted.Inc() }

// RunFinished records a run's terminal outcome.
func RunFinished(outcome string) { current().RunsFinished.WithLabelValues(outcome).Inc() }

// RunRejected records a run request turned away (already active, queue full).
func RunRejected(reason string) { current().RunsRejected.WithLabelValues(reason).Inc() }

// IterationStarted increments the count of iterations.
func IterationStarted() { current().Iterations.Inc() }

// VerdictRecorded records a reviewer disposition.
func VerdictRecorded(disposition string) { current().Verdicts.WithLabelValues(disposition).Inc() }

// CIWaitFinished records how a CI wait ended and how long it took.
func CIWaitFinished(outcome string, d time.Duration) {
	m := current()
	m.CIWaits.WithLabelValues(outcome).Inc()
	m.CIWaitDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// WebhookReceived increments the count of webhooks received.
func WebhookReceived(provider string) { current().WebhooksReceived.WithLabelValues(provider).Inc() }

// WebhookProcessed increments the count of webhooks that produced work.
func WebhookProcessed(provider string) { current().WebhooksProcessed.WithLabelValues(provider).Inc() }

// Handler serves the metrics in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(current().registry, promhttp.HandlerOpts{})
}

// Reset replaces all metrics with fresh collectors (useful for testing).
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	global = newMetrics()
}
