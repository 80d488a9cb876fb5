// Package observability holds the metrics and tracing plumbing shared
// across the ddp, collection and livequery packages.
package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	globalCollector *Collector
	collectorMutex  sync.Mutex
)

// Collector holds every Prometheus metric this module emits. It is
// constructed once per process (see NewCollector) and the same pointer
// is shared by every Session and Collection that opts into metrics.
type Collector struct {
	registry *prometheus.Registry

	// Session metrics
	ConnectionState  *prometheus.GaugeVec
	MethodCalls      *prometheus.CounterVec
	MethodDuration   *prometheus.HistogramVec
	Subscriptions    *prometheus.GaugeVec
	MessagesReceived *prometheus.CounterVec
	MessagesSent     *prometheus.CounterVec

	// Collection metrics
	DocumentOperations *prometheus.CounterVec
	DocumentsTotal     *prometheus.GaugeVec
}

// NewCollector creates a metrics collector under namespace, or returns
// the process-wide instance if one already exists. Metrics are
// registered against a private registry, not the global default one, so
// embedding this module never collides with a host application's own
// Prometheus metrics.
func NewCollector(namespace string) *Collector {
	collectorMutex.Lock()
	defer collectorMutex.Unlock()

	if globalCollector != nil {
		return globalCollector
	}

	registry := prometheus.NewRegistry()

	c := &Collector{
		registry: registry,
		ConnectionState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "connection_state",
				Help:      "Current DDP session state (1 for the active state, 0 otherwise), labeled by state name.",
			},
			[]string{"state"},
		),
		MethodCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "method_calls_total",
				Help:      "Total number of DDP method calls, labeled by method name and outcome.",
			},
			[]string{"method", "status"},
		),
		MethodDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "method_call_duration_seconds",
				Help:      "DDP method call round-trip latency in seconds.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		Subscriptions: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_subscriptions",
				Help:      "1 while a subscription is ready, 0 once it is unsubscribed; the publication label holds the subscription id, not the publication name.",
			},
			[]string{"publication"},
		),
		MessagesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_received_total",
				Help:      "Total number of inbound DDP messages, labeled by message type.",
			},
			[]string{"msg"},
		),
		MessagesSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_sent_total",
				Help:      "Total number of outbound DDP messages, labeled by message type.",
			},
			[]string{"msg"},
		),
		DocumentOperations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "document_operations_total",
				Help:      "Total number of document mutations applied to a local collection, labeled by collection name and operation.",
			},
			[]string{"collection", "op"},
		),
		DocumentsTotal: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "documents_total",
				Help:      "Current document count, labeled by collection name.",
			},
			[]string{"collection"},
		),
	}

	registry.MustRegister(
		c.ConnectionState,
		c.MethodCalls,
		c.MethodDuration,
		c.Subscriptions,
		c.MessagesReceived,
		c.MessagesSent,
		c.DocumentOperations,
		c.DocumentsTotal,
	)

	globalCollector = c
	return c
}

// DocumentApplied records that a document mutation of the given kind
// ("insert", "update", "remove" for local mutations; "server_added",
// "server_changed", "server_removed" for server events applied by
// ddpcollection) was applied to the named collection.
func (c *Collector) DocumentApplied(collection, op string) {
	if c == nil {
		return
	}
	c.DocumentOperations.WithLabelValues(collection, op).Inc()
}

// SetDocumentCount reports the current size of the named collection.
func (c *Collector) SetDocumentCount(collection string, n int) {
	if c == nil {
		return
	}
	c.DocumentsTotal.WithLabelValues(collection).Set(float64(n))
}

// SetConnectionState marks state as the session's current state (1) and
// clears every other known state (0), so a Grafana panel can graph
// "time spent per state" without needing PromQL gymnastics.
func (c *Collector) SetConnectionState(state string, known []string) {
	if c == nil {
		return
	}
	for _, s := range known {
		if s == state {
			c.ConnectionState.WithLabelValues(s).Set(1)
		} else {
			c.ConnectionState.WithLabelValues(s).Set(0)
		}
	}
}

// MethodCalled records the outcome of a method call and its latency in
// seconds.
func (c *Collector) MethodCalled(method, status string, seconds float64) {
	if c == nil {
		return
	}
	c.MethodCalls.WithLabelValues(method, status).Inc()
	c.MethodDuration.WithLabelValues(method).Observe(seconds)
}

// SetSubscriptionActive sets the gauge for the given label value to 1
// (ready) or 0 (not ready). ddp.Session passes the subscription id as
// that value; the publication name is not recorded.
func (c *Collector) SetSubscriptionActive(publication string, active bool) {
	if c == nil {
		return
	}
	v := 0.0
	if active {
		v = 1
	}
	c.Subscriptions.WithLabelValues(publication).Set(v)
}

// MessageReceived and MessageSent count raw DDP wire traffic by message
// type, independent of the higher-level method/subscription metrics.
func (c *Collector) MessageReceived(msg string) {
	if c == nil {
		return
	}
	c.MessagesReceived.WithLabelValues(msg).Inc()
}

func (c *Collector) MessageSent(msg string) {
	if c == nil {
		return
	}
	c.MessagesSent.WithLabelValues(msg).Inc()
}

// Registry returns the private Prometheus registry backing this
// collector, for a host application that wants to expose it on its own
// /metrics endpoint.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}
