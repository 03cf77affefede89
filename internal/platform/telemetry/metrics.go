// Package telemetry exposes Prometheus metrics and OpenTelemetry spans for
// the workflow engine.
package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lims/lims/internal/platform/apperr"
)

// Metrics holds the engine's collectors on a private registry. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	stageTransitions   *prometheus.CounterVec
	transitionDuration *prometheus.HistogramVec
	sampleEntries      *prometheus.CounterVec
	orderRecomputes    *prometheus.CounterVec
	orderSignals       *prometheus.CounterVec
	httpRequests       *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		stageTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lims_stage_transitions_total",
				Help: "Stage actions applied, by action and result",
			},
			[]string{"action", "result"},
		),
		transitionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "lims_stage_transition_duration_seconds",
				Help:    "Latency of stage actions including aggregation",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"action"},
		),
		sampleEntries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lims_sample_entries_total",
				Help: "Barcode scans into a section, by result",
			},
			[]string{"result"},
		),
		orderRecomputes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lims_order_recomputes_total",
				Help: "Order status recomputations, by resulting status",
			},
			[]string{"status"},
		),
		orderSignals: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lims_order_signals_total",
				Help: "Deduplicated order signals emitted",
			},
			[]string{"type"},
		),
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lims_http_requests_total",
				Help: "HTTP requests by method, route and status code",
			},
			[]string{"method", "route", "code"},
		),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.stageTransitions,
		m.transitionDuration,
		m.sampleEntries,
		m.orderRecomputes,
		m.orderSignals,
		m.httpRequests,
	)
	return m
}

// Result labels an outcome by error kind: "ok", an apperr kind, or "error".
func Result(err error) string {
	if err == nil {
		return "ok"
	}
	if k := apperr.KindOf(err); k != "" {
		return string(k)
	}
	return "error"
}

func (m *Metrics) ObserveTransition(action string, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.stageTransitions.WithLabelValues(action, Result(err)).Inc()
	m.transitionDuration.WithLabelValues(action).Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveEntry(err error) {
	if m == nil {
		return
	}
	m.sampleEntries.WithLabelValues(Result(err)).Inc()
}

func (m *Metrics) ObserveRecompute(status string) {
	if m == nil {
		return
	}
	m.orderRecomputes.WithLabelValues(status).Inc()
}

func (m *Metrics) ObserveSignal(kind string) {
	if m == nil {
		return
	}
	m.orderSignals.WithLabelValues(kind).Inc()
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Middleware counts requests by route template rather than raw path.
func (m *Metrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			err := next(c)
			if m == nil {
				return err
			}
			code := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				code = he.Code
			}
			m.httpRequests.WithLabelValues(c.Request().Method, c.Path(), strconv.Itoa(code)).Inc()
			return err
		}
	}
}
