// Package metrics exposes the settler's operational counters on a private
// Prometheus registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the service's Prometheus collectors.
type Metrics struct {
	registry           *prometheus.Registry
	tasksTotal         *prometheus.CounterVec
	swapsTotal         *prometheus.CounterVec
	quoteRequestsTotal *prometheus.CounterVec
	txsSubmittedTotal  *prometheus.CounterVec
	failedTasks        prometheus.Gauge
}

// New builds and registers the settler collectors.
func New() *Metrics {
	tasks := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "settler_tasks_total",
		Help: "Settlement task status transitions",
	}, []string{"status"})

	swaps := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "settler_swaps_total",
		Help: "Swap executions by result",
	}, []string{"result"})

	quotes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "settler_quote_requests_total",
		Help: "Quote API requests by result",
	}, []string{"result"})

	txs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "settler_txs_submitted_total",
		Help: "On-chain transactions submitted by kind",
	}, []string{"kind"})

	failed := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "settler_failed_tasks",
		Help: "Tasks awaiting manual reconciliation",
	})

	r := prometheus.NewRegistry()
	r.MustRegister(tasks, swaps, quotes, txs, failed)

	return &Metrics{
		registry:           r,
		tasksTotal:         tasks,
		swapsTotal:         swaps,
		quoteRequestsTotal: quotes,
		txsSubmittedTotal:  txs,
		failedTasks:        failed,
	}
}

// Handler serves the registry for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// IncTask counts a task entering the given status.
func (m *Metrics) IncTask(status string) {
	m.tasksTotal.WithLabelValues(status).Inc()
}

// IncSwap counts a swap attempt outcome.
func (m *Metrics) IncSwap(result string) {
	m.swapsTotal.WithLabelValues(result).Inc()
}

// IncQuote counts a quote request outcome.
func (m *Metrics) IncQuote(result string) {
	m.quoteRequestsTotal.WithLabelValues(result).Inc()
}

// IncTx counts a submitted transaction by kind (swap, approve, deposit, confirm).
func (m *Metrics) IncTx(kind string) {
	m.txsSubmittedTotal.WithLabelValues(kind).Inc()
}

// SetFailedTasks records the current count of FAILED tasks.
func (m *Metrics) SetFailedTasks(count int) {
	m.failedTasks.Set(float64(count))
}
