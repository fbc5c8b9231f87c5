// Package metrics exposes Prometheus counters for pipeline runs.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns its registry so several instances can coexist in tests.
// All methods are safe to call on a nil *Metrics.
type Metrics struct {
	registry      *prometheus.Registry
	pagesTotal    *prometheus.CounterVec
	productsTotal *prometheus.CounterVec
	embedsTotal   *prometheus.CounterVec
	upsertsTotal  *prometheus.CounterVec
	deletedTotal  prometheus.Counter
	relayTotal    *prometheus.CounterVec
	runsTotal     *prometheus.CounterVec
	fetchDuration *prometheus.HistogramVec
	runDuration   prometheus.Histogram
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		pagesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scraper_pages_total",
				Help: "Category pages visited, by status.",
			},
			[]string{"status"},
		),
		productsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scraper_products_total",
				Help: "Product pages processed, by outcome.",
			},
			[]string{"outcome"},
		),
		embedsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scraper_embeddings_total",
				Help: "Image embeddings computed, by outcome.",
			},
			[]string{"outcome"},
		),
		upsertsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scraper_upserts_total",
				Help: "Product records written to the store, by outcome.",
			},
			[]string{"outcome"},
		),
		deletedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "scraper_deleted_total",
				Help: "Products removed by sync passes.",
			},
		),
		relayTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scraper_relay_events_total",
				Help: "Outbox events published to Redis, by type and outcome.",
			},
			[]string{"event_type", "outcome"},
		),
		runsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scraper_runs_total",
				Help: "Pipeline runs, by final status.",
			},
			[]string{"status"},
		),
		fetchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "scraper_fetch_duration_seconds",
				Help:    "Duration of single fetch attempts.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"kind"},
		),
		runDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "scraper_run_duration_seconds",
				Help:    "Duration of complete pipeline runs.",
				Buckets: []float64{10, 60, 300, 900, 1800, 3600, 7200},
			},
		),
	}

	m.registry.MustRegister(
		m.pagesTotal,
		m.productsTotal,
		m.embedsTotal,
		m.upsertsTotal,
		m.deletedTotal,
		m.relayTotal,
		m.runsTotal,
		m.fetchDuration,
		m.runDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// Handler returns the /metrics handler for this registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObserveFetch records one fetch attempt.
func (m *Metrics) ObserveFetch(kind string, d time.Duration, _ error) {
	if m == nil {
		return
	}
	m.fetchDuration.WithLabelValues(kind).Observe(d.Seconds())
}

// ObserveRelay records one outbox publish attempt.
func (m *Metrics) ObserveRelay(eventType string, err error) {
	if m == nil {
		return
	}
	m.relayTotal.WithLabelValues(eventType, outcome(err)).Inc()
}

func (m *Metrics) PageVisited(err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "failed"
	}
	m.pagesTotal.WithLabelValues(status).Inc()
}

// ProductProcessed takes "scraped" or a skip reason.
func (m *Metrics) ProductProcessed(result string) {
	if m == nil {
		return
	}
	m.productsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) EmbeddingComputed(err error) {
	if m == nil {
		return
	}
	m.embedsTotal.WithLabelValues(outcome(err)).Inc()
}

func (m *Metrics) RecordsUpserted(n int, err error) {
	if m == nil || n == 0 {
		return
	}
	m.upsertsTotal.WithLabelValues(outcome(err)).Add(float64(n))
}

func (m *Metrics) RecordsDeleted(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.deletedTotal.Add(float64(n))
}

func (m *Metrics) RunFinished(status string, d time.Duration) {
	if m == nil {
		return
	}
	m.runsTotal.WithLabelValues(status).Inc()
	m.runDuration.Observe(d.Seconds())
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
