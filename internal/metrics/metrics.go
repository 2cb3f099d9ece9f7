// Package metrics exposes collector progress as Prometheus metrics.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/abelbrown/harvester/internal/fetch"
	"github.com/abelbrown/harvester/internal/plan"
)

// collectorStates are the labels of harvest_collector_state.
var collectorStates = []string{"INIT", "RUNNING", "PAUSED_BACKOFF", "DONE", "ABORTED"}

// Metrics holds the collector's instruments on a private registry.
// All methods are no-ops on a nil receiver.
type Metrics struct {
	registry *prometheus.Registry

	requests       *prometheus.CounterVec
	requestSeconds prometheus.Histogram
	backoffSeconds *prometheus.HistogramVec
	outcomes       *prometheus.CounterVec
	newItems       prometheus.Counter
	storeSize      prometheus.Gauge
	partitions     *prometheus.GaugeVec
	state          *prometheus.GaugeVec
	checkpoints    *prometheus.CounterVec
}

// New registers every instrument on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "harvest_requests_total",
			Help: "Requests issued to the source, by classified result",
		}, []string{"kind"}),
		requestSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "harvest_request_duration_seconds",
			Help:    "Latency of single requests to the source",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to ~25s
		}),
		backoffSeconds: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "harvest_backoff_seconds",
			Help:    "Backoff waits applied before retrying",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10), // 1s to ~8.5min
		}, []string{"kind"}),
		outcomes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "harvest_partition_outcomes_total",
			Help: "Final outcome of each partition execution",
		}, []string{"kind"}),
		newItems: f.NewCounter(prometheus.CounterOpts{
			Name: "harvest_new_items_total",
			Help: "Items accepted with an id not seen before",
		}),
		storeSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "harvest_store_items",
			Help: "Distinct items currently held",
		}),
		partitions: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "harvest_partitions",
			Help: "Planned partitions by state",
		}, []string{"state"}),
		state: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "harvest_collector_state",
			Help: "1 for the collector's current state, 0 otherwise",
		}, []string{"state"}),
		checkpoints: f.NewCounterVec(prometheus.CounterOpts{
			Name: "harvest_checkpoint_saves_total",
			Help: "Checkpoint save attempts by result",
		}, []string{"result"}),
	}
}

// FetchHooks feeds executor activity into the request instruments.
func (m *Metrics) FetchHooks() fetch.Hooks {
	if m == nil {
		return fetch.Hooks{}
	}
	return fetch.Hooks{
		OnAttempt: func(kind fetch.Kind, dur time.Duration) {
			m.requests.WithLabelValues(kind.String()).Inc()
			m.requestSeconds.Observe(dur.Seconds())
		},
		OnBackoff: func(kind fetch.Kind, wait time.Duration) {
			m.backoffSeconds.WithLabelValues(kind.String()).Observe(wait.Seconds())
		},
	}
}

// Outcome counts a finished partition execution.
func (m *Metrics) Outcome(kind fetch.Kind) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(kind.String()).Inc()
}

// Accepted records newly accepted ids and the resulting store size.
func (m *Metrics) Accepted(newIDs, size int) {
	if m == nil {
		return
	}
	m.newItems.Add(float64(newIDs))
	m.storeSize.Set(float64(size))
}

// Partitions replaces the per-state partition gauges.
func (m *Metrics) Partitions(counts map[plan.State]int) {
	if m == nil {
		return
	}
	for _, s := range plan.States {
		m.partitions.WithLabelValues(string(s)).Set(float64(counts[s]))
	}
}

// State marks the collector's current state.
func (m *Metrics) State(current string) {
	if m == nil {
		return
	}
	for _, s := range collectorStates {
		v := 0.0
		if s == current {
			v = 1
		}
		m.state.WithLabelValues(s).Set(v)
	}
}

// Checkpoint counts a save attempt.
func (m *Metrics) Checkpoint(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.checkpoints.WithLabelValues(result).Inc()
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
