// Package metrics exposes Prometheus instruments for reconciliation,
// provider calls and the HTTP API.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ericfisherdev/mydatapanel/internal/domain/model"
)

// Recorder is what services and handlers record into.
type Recorder interface {
	RecordReconcileResult(p model.Provider, state model.SessionState, refreshed bool)
	ObserveProviderCall(p model.Provider, operation string, d time.Duration, err error)
	RecordUnlink(p model.Provider, remoteRevoked bool)
	RecordHTTPRequest(method, route string, status int, d time.Duration)
}

var (
	_ Recorder = (*Metrics)(nil)
	_ Recorder = NoopMetrics{}
)

// Metrics holds the Prometheus instruments, registered on their own registry.
type Metrics struct {
	registry *prometheus.Registry

	ReconcileResultsTotal *prometheus.CounterVec
	RefreshesTotal        *prometheus.CounterVec
	ProviderCallDuration  *prometheus.HistogramVec
	UnlinksTotal          *prometheus.CounterVec

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// New creates and registers every instrument on a fresh registry, together
// with the Go runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		ReconcileResultsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mydatapanel_reconcile_results_total",
				Help: "Reconciliation outcomes per provider and resulting state",
			},
			[]string{"provider", "state"},
		),
		RefreshesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mydatapanel_token_refreshes_total",
				Help: "Successful token refreshes during reconciliation",
			},
			[]string{"provider"},
		),
		ProviderCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mydatapanel_provider_call_duration_seconds",
				Help:    "Latency of provider adapter calls",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"provider", "operation", "result"},
		),
		UnlinksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mydatapanel_unlinks_total",
				Help: "Unlinked providers by remote revoke outcome",
			},
			[]string{"provider", "remote"},
		),
		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mydatapanel_http_requests_total",
				Help: "HTTP requests by method, route and status",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mydatapanel_http_request_duration_seconds",
				Help:    "HTTP request latency",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
	}
}

// RegisterPoolGauge exposes the number of live database pools.
func (m *Metrics) RegisterPoolGauge(count func() int) {
	promauto.With(m.registry).NewGaugeFunc(prometheus.GaugeOpts{
		Name: "mydatapanel_database_pools",
		Help: "Live per-account database connection pools",
	}, func() float64 { return float64(count()) })
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) RecordReconcileResult(p model.Provider, state model.SessionState, refreshed bool) {
	m.ReconcileResultsTotal.WithLabelValues(string(p), string(state)).Inc()
	if refreshed {
		m.RefreshesTotal.WithLabelValues(string(p)).Inc()
	}
}

func (m *Metrics) ObserveProviderCall(p model.Provider, operation string, d time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = string(model.KindOf(err))
	}
	m.ProviderCallDuration.WithLabelValues(string(p), operation, result).Observe(d.Seconds())
}

func (m *Metrics) RecordUnlink(p model.Provider, remoteRevoked bool) {
	remote := "revoked"
	if !remoteRevoked {
		remote = "failed"
	}
	m.UnlinksTotal.WithLabelValues(string(p), remote).Inc()
}

func (m *Metrics) RecordHTTPRequest(method, route string, status int, d time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

// NoopMetrics discards everything.
type NoopMetrics struct{}

func (NoopMetrics) RecordReconcileResult(model.Provider, model.SessionState, bool) {}
func (NoopMetrics) ObserveProviderCall(model.Provider, string, time.Duration, error) {}
func (NoopMetrics) RecordUnlink(model.Provider, bool) {}
func (NoopMetrics) RecordHTTPRequest(string, string, int, time.Duration) {}
