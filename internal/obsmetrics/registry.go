// Package obsmetrics is rescache's Prometheus metrics surface, following
// the alert-history service's pkg/metrics registry shape (a namespaced,
// lazily-initialized registry of per-subsystem metric groups) scaled down
// to this module's three subsystems: requests, entity caches, and the
// resource registry itself.
package obsmetrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry is the central collection of rescache's Prometheus metrics.
// Use DefaultRegistry for the process-wide singleton, or NewRegistry to
// build an independent one under another namespace. Every Registry
// registers its metrics with the default Prometheus registerer, so two
// registries sharing a namespace collide when both build the same group.
type Registry struct {
	namespace string

	requestsOnce sync.Once
	requests     *RequestMetrics

	cacheOnce sync.Once
	cache     *CacheMetrics

	resourcesOnce sync.Once
	resources     *ResourceMetrics
}

var (
	defaultRegistry     *Registry
	defaultRegistryOnce sync.Once
)

// DefaultRegistry returns the global singleton Registry, namespaced
// "rescache", backed by the default Prometheus registerer.
func DefaultRegistry() *Registry {
	defaultRegistryOnce.Do(func() {
		defaultRegistry = NewRegistry("rescache")
	})
	return defaultRegistry
}

// NewRegistry builds a Registry under namespace.
func NewRegistry(namespace string) *Registry {
	if namespace == "" {
		namespace = "rescache"
	}
	return &Registry{namespace: namespace}
}

// Requests returns the request/transport metrics group.
func (r *Registry) Requests() *RequestMetrics {
	r.requestsOnce.Do(func() { r.requests = newRequestMetrics(r.namespace) })
	return r.requests
}

// Cache returns the entity-cache metrics group.
func (r *Registry) Cache() *CacheMetrics {
	r.cacheOnce.Do(func() { r.cache = newCacheMetrics(r.namespace) })
	return r.cache
}

// Resources returns the resource-registry metrics group.
func (r *Registry) Resources() *ResourceMetrics {
	r.resourcesOnce.Do(func() { r.resources = newResourceMetrics(r.namespace) })
	return r.resources
}

// RequestMetrics tracks dispatched requests and their outcomes.
type RequestMetrics struct {
	Total          *prometheus.CounterVec   // labels: method, outcome (success|not_modified|error|cancelled)
	DurationSecond *prometheus.HistogramVec // labels: method
	InFlight       prometheus.Gauge
}

func newRequestMetrics(ns string) *RequestMetrics {
	return &RequestMetrics{
		Total: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "requests", Name: "total",
			Help: "Requests dispatched, by method and outcome.",
		}, []string{"method", "outcome"}),
		DurationSecond: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns, Subsystem: "requests", Name: "duration_seconds",
			Help:    "Request round-trip latency, by method.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method"}),
		InFlight: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: "requests", Name: "in_flight",
			Help: "Requests currently awaiting a transport response.",
		}),
	}
}

// CacheMetrics tracks EntityCache read/write outcomes, by stage.
type CacheMetrics struct {
	Hits      *prometheus.CounterVec // labels: stage
	Misses    *prometheus.CounterVec // labels: stage
	Writes    *prometheus.CounterVec // labels: stage
	Evictions *prometheus.CounterVec // labels: stage, reason
}

func newCacheMetrics(ns string) *CacheMetrics {
	return &CacheMetrics{
		Hits: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "cache", Name: "hits_total",
			Help: "Entity cache reads that found an entry, by stage.",
		}, []string{"stage"}),
		Misses: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "cache", Name: "misses_total",
			Help: "Entity cache reads that found nothing, by stage.",
		}, []string{"stage"}),
		Writes: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "cache", Name: "writes_total",
			Help: "Entity cache writes attempted, by stage.",
		}, []string{"stage"}),
		Evictions: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "cache", Name: "evictions_total",
			Help: "Entity cache evictions, by stage and reason.",
		}, []string{"stage", "reason"}),
	}
}

// ResourceMetrics tracks the Service-wide resource registry.
type ResourceMetrics struct {
	Pinned      prometheus.Gauge
	LRUSize     prometheus.Gauge
	Observers   prometheus.Gauge
	Evictions   prometheus.Counter
}

func newResourceMetrics(ns string) *ResourceMetrics {
	return &ResourceMetrics{
		Pinned: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: "resources", Name: "pinned",
			Help: "Resources currently strongly retained by at least one observer.",
		}),
		LRUSize: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: "resources", Name: "lru_size",
			Help: "Unobserved resources still strongly retained by the bounded LRU.",
		}),
		Observers: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: "resources", Name: "observers",
			Help: "Total observer registrations across all resources.",
		}),
		Evictions: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "resources", Name: "lru_evictions_total",
			Help: "Resources evicted from the unobserved LRU.",
		}),
	}
}
