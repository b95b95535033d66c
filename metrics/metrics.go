// Package metrics exposes prometheus collectors for connections and calls.
//
// A nil *Collector is valid and records nothing, so components take one unconditionally.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"muxrpc/message"
	"muxrpc/middleware"
)

const (
	SideClient = "client"
	SideServer = "server"
)

// Buckets in seconds, from sub-millisecond local socket calls up to slow handlers.
var Buckets = []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}

type Collector struct {
	calls          *prometheus.CounterVec
	latency        *prometheus.HistogramVec
	inflight       *prometheus.GaugeVec
	connections    prometheus.Gauge
	orphans        prometheus.Counter
	frameErrors    prometheus.Counter
	protocolErrors *prometheus.CounterVec
}

var _ prometheus.Collector = (*Collector)(nil)

func NewCollector(namespace string) *Collector {
	return &Collector{
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_total",
			Help:      "Finished calls by side, service, method and status code.",
		}, []string{"side", "service", "method", "code"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "call_duration_seconds",
			Help:      "Call latency by side, service and method.",
			Buckets:   Buckets,
		}, []string{"side", "service", "method"}),
		inflight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "calls_in_flight",
			Help:      "Calls started and not yet finished.",
		}, []string{"side"}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Open connections.",
		}),
		orphans: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orphaned_responses_total",
			Help:      "Responses discarded because no caller was waiting for their stream.",
		}),
		frameErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frame_errors_total",
			Help:      "Connections torn down by a malformed frame.",
		}),
		protocolErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "protocol_errors_total",
			Help:      "Frames discarded as unexpected, by message type.",
		}, []string{"type"}),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.calls.Describe(ch)
	c.latency.Describe(ch)
	c.inflight.Describe(ch)
	c.connections.Describe(ch)
	c.orphans.Describe(ch)
	c.frameErrors.Describe(ch)
	c.protocolErrors.Describe(ch)
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.calls.Collect(ch)
	c.latency.Collect(ch)
	c.inflight.Collect(ch)
	c.connections.Collect(ch)
	c.orphans.Collect(ch)
	c.frameErrors.Collect(ch)
	c.protocolErrors.Collect(ch)
}

func (c *Collector) ConnOpened() {
	if c != nil {
		c.connections.Inc()
	}
}

func (c *Collector) ConnClosed() {
	if c != nil {
		c.connections.Dec()
	}
}

func (c *Collector) OrphanedResponse() {
	if c != nil {
		c.orphans.Inc()
	}
}

func (c *Collector) FrameError() {
	if c != nil {
		c.frameErrors.Inc()
	}
}

func (c *Collector) ProtocolError(msgType string) {
	if c != nil {
		c.protocolErrors.WithLabelValues(msgType).Inc()
	}
}

// Observe records one finished call.
func (c *Collector) Observe(side, service, method, code string, d time.Duration) {
	if c == nil {
		return
	}
	c.calls.WithLabelValues(side, service, method, code).Inc()
	c.latency.WithLabelValues(side, service, method).Observe(d.Seconds())
}

// Middleware records every call that passes through it.
func (c *Collector) Middleware(side string) middleware.Middleware {
	return func(next middleware.HandlerFunc) middleware.HandlerFunc {
		if c == nil {
			return next
		}
		inflight := c.inflight.WithLabelValues(side)
		return func(ctx context.Context, req *message.Request) (*message.Response, error) {
			inflight.Inc()
			start := time.Now()
			resp, err := next(ctx, req)
			inflight.Dec()
			c.Observe(side, req.Service, req.Method, middleware.CodeOf(resp, err).String(), time.Since(start))
			return resp, err
		}
	}
}
