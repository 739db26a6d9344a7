// Package metrics holds the Prometheus collectors of the service. They live
// on their own registry, served by Handler.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"ticketing/internal/collaborator"
)

const namespace = "ticketing"

type Metrics struct {
	registry *prometheus.Registry

	collaboratorCalls    *prometheus.CounterVec
	collaboratorDuration *prometheus.HistogramVec
	settlementRecords    *prometheus.CounterVec
	pendingPool          prometheus.Gauge
	httpRequests         *prometheus.CounterVec
	httpDuration         *prometheus.HistogramVec
	rateLimited          prometheus.Counter
}

func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		collaboratorCalls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "collaborator_calls_total",
				Help:      "Collaborator calls by gateway, operation and outcome.",
			},
			[]string{"gateway", "op", "outcome"},
		),
		collaboratorDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "collaborator_call_seconds",
				Help:      "Collaborator call latency, settle wait included.",
				Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"gateway", "op"},
		),
		settlementRecords: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "settlement_records_total",
				Help:      "Pending transactions processed by settlement batches, by outcome.",
			},
			[]string{"outcome"},
		),
		pendingPool: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pending_pool_size",
				Help:      "Pending transactions found by the last settlement batch.",
			},
		),
		httpRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "HTTP requests by route and status code.",
			},
			[]string{"route", "status"},
		),
		httpDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_seconds",
				Help:      "HTTP request latency by route.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"route"},
		),
		rateLimited: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_rate_limited_total",
				Help:      "HTTP requests rejected by the rate limiter.",
			},
		),
	}
}

// ObserveCall records a finished gateway call.
func (m *Metrics) ObserveCall(gateway, op string, elapsed time.Duration, err error) {
	outcome := "success"
	if err != nil {
		outcome = string(collaborator.KindOf(err))
		if outcome == "" {
			outcome = "error"
		}
	}
	m.collaboratorCalls.WithLabelValues(gateway, op, outcome).Inc()
	m.collaboratorDuration.WithLabelValues(gateway, op).Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveRecord(outcome string) {
	m.settlementRecords.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObservePendingPool(size int) {
	m.pendingPool.Set(float64(size))
}

func (m *Metrics) ObserveRequest(route string, status int, elapsed time.Duration) {
	m.httpRequests.WithLabelValues(route, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(route).Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveRateLimited() {
	m.rateLimited.Inc()
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
