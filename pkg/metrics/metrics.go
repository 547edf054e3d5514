// Package metrics registers the desk's Prometheus collectors.
//
// Registers:
//
//	hyperdesk_price_fetch_total{source,result}
//	hyperdesk_price_stale_symbols
//	hyperdesk_price_active_symbols
//	hyperdesk_queue_depth
//	hyperdesk_settlement_windows_total{result}
//	hyperdesk_tickets_total{status}
//	hyperdesk_settlement_submit_seconds
//
// All methods are safe on a nil *Metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "hyperdesk"

type Metrics struct {
	gatherer prometheus.Gatherer

	priceFetches  *prometheus.CounterVec
	staleSymbols  prometheus.Gauge
	activeSymbols prometheus.Gauge

	queueDepth    prometheus.Gauge
	windows       *prometheus.CounterVec
	tickets       *prometheus.CounterVec
	submitLatency prometheus.Histogram
}

// New creates the collectors on a private registry, along with the Go and
// process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		gatherer: reg,
		priceFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "price_fetch_total",
			Help:      "Upstream price fetch attempts by source and result",
		}, []string{"source", "result"}),
		staleSymbols: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "price_stale_symbols",
			Help:      "Subscribed symbols whose last refresh failed",
		}),
		activeSymbols: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "price_active_symbols",
			Help:      "Symbols polled on each refresh tick",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Tickets waiting for a settlement window",
		}),
		windows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "settlement_windows_total",
			Help:      "Settlement windows submitted by result",
		}, []string{"result"}),
		tickets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tickets_total",
			Help:      "Tickets reaching a terminal status",
		}, []string{"status"}),
		submitLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "settlement_submit_seconds",
			Help:      "Latency of SubmitBatch calls",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(
		m.priceFetches, m.staleSymbols, m.activeSymbols,
		m.queueDepth, m.windows, m.tickets, m.submitLatency,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) PriceFetch(source, result string) {
	if m == nil {
		return
	}
	m.priceFetches.WithLabelValues(source, result).Inc()
}

func (m *Metrics) SetStaleSymbols(n int) {
	if m == nil {
		return
	}
	m.staleSymbols.Set(float64(n))
}

func (m *Metrics) SetActiveSymbols(n int) {
	if m == nil {
		return
	}
	m.activeSymbols.Set(float64(n))
}

func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

// Window records one settlement submission.
func (m *Metrics) Window(result string, took time.Duration) {
	if m == nil {
		return
	}
	m.windows.WithLabelValues(result).Inc()
	m.submitLatency.Observe(took.Seconds())
}

func (m *Metrics) TicketTerminal(status string) {
	if m == nil {
		return
	}
	m.tickets.WithLabelValues(status).Inc()
}
