// Package metrics exposes scheduler counters through a private Prometheus registry.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "rulekeeper"

// Metrics is safe to use as a nil pointer; every method is then a no-op.
type Metrics struct {
	registry *prometheus.Registry

	ticks              *prometheus.CounterVec
	tickDuration       prometheus.Histogram
	executions         *prometheus.CounterVec
	handlerDuration    *prometheus.HistogramVec
	callbackFailures   *prometheus.CounterVec
	rescheduleFailures prometheus.Counter
	httpRequests       *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}
	m.registry.MustRegister(collectors.NewGoCollector())
	m.registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m.ticks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "scheduler",
		Name:      "ticks_total",
		Help:      "Scheduling passes by outcome (ok, error).",
	}, []string{"outcome"})
	m.tickDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "scheduler",
		Name:      "tick_duration_seconds",
		Help:      "Wall time of one scheduling pass.",
		Buckets:   prometheus.ExponentialBuckets(0.005, 2, 14),
	})
	m.executions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "rules",
		Name:      "executions_total",
		Help:      "Rule executions by rule and terminal status.",
	}, []string{"rule", "status"})
	m.handlerDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "rules",
		Name:      "handler_duration_seconds",
		Help:      "Handler run time per rule.",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60},
	}, []string{"rule"})
	m.callbackFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "callbacks",
		Name:      "failures_total",
		Help:      "Callbacks that reported failure or panicked.",
	}, []string{"rule", "hook"})
	m.rescheduleFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "scheduler",
		Name:      "reschedule_failures_total",
		Help:      "Rules whose next run could not be computed or stored.",
	})
	m.httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "HTTP requests by method and status code.",
	}, []string{"method", "status_code"})

	m.registry.MustRegister(m.ticks, m.tickDuration, m.executions, m.handlerDuration,
		m.callbackFailures, m.rescheduleFailures, m.httpRequests)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

func (m *Metrics) ObserveTick(d time.Duration, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.ticks.WithLabelValues(outcome).Inc()
	m.tickDuration.Observe(d.Seconds())
}

func (m *Metrics) ObserveExecution(rule string, success bool, d time.Duration) {
	if m == nil {
		return
	}
	status := "failure"
	if success {
		status = "success"
	}
	m.executions.WithLabelValues(rule, status).Inc()
	m.handlerDuration.WithLabelValues(rule).Observe(d.Seconds())
}

func (m *Metrics) CallbackFailed(rule, hook string) {
	if m == nil {
		return
	}
	m.callbackFailures.WithLabelValues(rule, hook).Inc()
}

func (m *Metrics) RescheduleFailed() {
	if m == nil {
		return
	}
	m.rescheduleFailures.Inc()
}

func (m *Metrics) ObserveHTTP(method string, status int) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, strconv.Itoa(status)).Inc()
}
