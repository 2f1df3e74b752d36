// Package metrics exposes Prometheus instrumentation for the skill center.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds the skill center's metrics on a private registry.
// A nil *Collector is valid and records nothing.
type Collector struct {
	registry *prometheus.Registry

	reconcileTotal    *prometheus.CounterVec
	reconcileDuration *prometheus.HistogramVec
	gatewayAttempts   *prometheus.CounterVec
	gatewayDuration   *prometheus.HistogramVec
	parseTotal        *prometheus.CounterVec
	catalogFallbacks  *prometheus.CounterVec
	catalogItems      *prometheus.HistogramVec
	httpRequests      *prometheus.CounterVec
}

// NewCollector registers all metrics under namespace.
func NewCollector(namespace string) *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Collector{
		registry: reg,
		reconcileTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_total",
			Help:      "Reconcile calls by engine and outcome",
		}, []string{"engine", "outcome"}),
		reconcileDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reconcile_duration_seconds",
			Help:      "Reconcile duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"engine"}),
		gatewayAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gateway_attempts_total",
			Help:      "Runtime gateway reload attempts by result class",
		}, []string{"result"}),
		gatewayDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "gateway_attempt_duration_seconds",
			Help:      "Runtime gateway reload attempt duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"result"}),
		parseTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "parse_total",
			Help:      "Parsed inputs by source and status",
		}, []string{"source", "status"}),
		catalogFallbacks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "catalog_fallback_total",
			Help:      "Catalog requests served from the built-in catalog, by reason",
		}, []string{"reason"}),
		catalogItems: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "catalog_items",
			Help:      "Number of items in resolved catalogs",
			Buckets:   []float64{0, 1, 2, 5, 10, 20, 50, 100},
		}, []string{"source"}),
		httpRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Admin API requests by route and status",
		}, []string{"method", "route", "status"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

func (c *Collector) ObserveReconcile(engine, outcome string, d time.Duration) {
	if c == nil {
		return
	}
	c.reconcileTotal.WithLabelValues(engine, outcome).Inc()
	c.reconcileDuration.WithLabelValues(engine).Observe(d.Seconds())
}

func (c *Collector) ObserveGatewayAttempt(result string, d time.Duration) {
	if c == nil {
		return
	}
	c.gatewayAttempts.WithLabelValues(result).Inc()
	c.gatewayDuration.WithLabelValues(result).Observe(d.Seconds())
}

func (c *Collector) ObserveParse(source, status string) {
	if c == nil {
		return
	}
	c.parseTotal.WithLabelValues(source, status).Inc()
}

func (c *Collector) ObserveCatalog(source string, items int) {
	if c == nil {
		return
	}
	c.catalogItems.WithLabelValues(source).Observe(float64(items))
}

func (c *Collector) ObserveCatalogFallback(reason string) {
	if c == nil {
		return
	}
	c.catalogFallbacks.WithLabelValues(reason).Inc()
}

func (c *Collector) ObserveHTTP(method, route string, status int) {
	if c == nil {
		return
	}
	c.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
}
