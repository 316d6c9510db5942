// Package metrics exposes the service's Prometheus metrics on a private registry.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "fleet"

// Collector owns the registry and every metric the API records.
type Collector struct {
	reg *prometheus.Registry

	TripTransitions *prometheus.CounterVec // op, outcome
	LocationSamples *prometheus.CounterVec // outcome
	EventsPublished *prometheus.CounterVec // kind, result
	NATSConnected   prometheus.Gauge
	RouteCache      *prometheus.CounterVec   // result
	RequestDuration *prometheus.HistogramVec // method, route, status
}

// NewCollector creates a Collector with Go runtime and process collectors
// registered alongside the API metrics.
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		reg: reg,
		TripTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trip_transitions_total",
			Help:      "Trip lifecycle operations by operation and outcome.",
		}, []string{"op", "outcome"}),
		LocationSamples: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "location_samples_total",
			Help:      "Location updates by outcome.",
		}, []string{"outcome"}),
		EventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "NATS messages published by kind and result.",
		}, []string{"kind", "result"}),
		NATSConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "nats_connected",
			Help:      "1 if the NATS connection is established, 0 otherwise.",
		}),
		RouteCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "route_cache_lookups_total",
			Help:      "Route preview cache lookups by result (hit, miss, shared, error).",
		}, []string{"result"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by method, route and status.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		}, []string{"method", "route", "status"}),
	}

	reg.MustRegister(
		c.TripTransitions, c.LocationSamples, c.EventsPublished,
		c.NATSConnected, c.RouteCache, c.RequestDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Registry returns the private registry.
func (c *Collector) Registry() *prometheus.Registry { return c.reg }

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{Registry: c.reg})
}

// TripTransition counts one trip lifecycle operation.
func (c *Collector) TripTransition(op, outcome string) {
	c.TripTransitions.WithLabelValues(op, outcome).Inc()
}

// LocationIngested counts one location update.
func (c *Collector) LocationIngested(outcome string) {
	c.LocationSamples.WithLabelValues(outcome).Inc()
}

// EventPublished counts one NATS publish attempt.
func (c *Collector) EventPublished(kind string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.EventsPublished.WithLabelValues(kind, result).Inc()
}

// NATSSetConnected records the NATS connection state.
func (c *Collector) NATSSetConnected(connected bool) {
	if connected {
		c.NATSConnected.Set(1)
		return
	}
	c.NATSConnected.Set(0)
}

// RouteCacheLookup counts one route cache lookup.
func (c *Collector) RouteCacheLookup(result string) {
	c.RouteCache.WithLabelValues(result).Inc()
}

// ObserveRequest records the latency of one HTTP request. route is the
// matched route template, not the raw path.
func (c *Collector) ObserveRequest(method, route string, status int, d time.Duration) {
	if route == "" {
		route = "unmatched"
	}
	c.RequestDuration.WithLabelValues(method, route, strconv.Itoa(status)).Observe(d.Seconds())
}
