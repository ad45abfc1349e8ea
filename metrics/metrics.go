// Package metrics exposes client activity as prometheus collectors.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "cometd"

// Collector records client activity. A nil *Collector is valid and records
// nothing.
type Collector struct {
	messages          *prometheus.CounterVec
	failures          *prometheus.CounterVec
	handshakes        *prometheus.CounterVec
	reconnects        *prometheus.CounterVec
	status            *prometheus.GaugeVec
	handshakeDuration prometheus.Histogram
}

var statuses = []string{"disconnected", "handshaking", "connecting", "connected", "disconnecting"}

// New creates a collector and registers it with reg. A nil reg uses the
// default registerer.
func New(reg prometheus.Registerer) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	c := &Collector{
		messages: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "client",
				Name:      "messages_total",
				Help:      "Bayeux messages by direction and kind.",
			},
			[]string{"direction", "kind"},
		),
		failures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "client",
				Name:      "failures_total",
				Help:      "Failed Bayeux messages by kind and cause.",
			},
			[]string{"kind", "cause"},
		),
		handshakes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "client",
				Name:      "handshakes_total",
				Help:      "Handshake replies by outcome.",
			},
			[]string{"successful"},
		),
		reconnects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "client",
				Name:      "reconnects_total",
				Help:      "Reconnection decisions taken after failures, by action.",
			},
			[]string{"action"},
		),
		status: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "client",
				Name:      "status",
				Help:      "1 for the current session status, 0 otherwise.",
			},
			[]string{"status"},
		),
		handshakeDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "client",
				Name:      "handshake_duration_seconds",
				Help:      "Time from sending a handshake to its successful reply.",
				Buckets:   prometheus.DefBuckets,
			},
		),
	}

	for _, col := range []prometheus.Collector{c.messages, c.failures, c.handshakes, c.reconnects, c.status, c.handshakeDuration} {
		if err := reg.Register(col); err != nil {
			return nil, err
		}
	}
	c.SetStatus("disconnected")
	return c, nil
}

func (c *Collector) MessageSent(kind string) {
	if c == nil {
		return
	}
	c.messages.WithLabelValues("out", kind).Inc()
}

func (c *Collector) MessageReceived(kind string) {
	if c == nil {
		return
	}
	c.messages.WithLabelValues("in", kind).Inc()
}

func (c *Collector) Failure(kind, cause string) {
	if c == nil {
		return
	}
	c.failures.WithLabelValues(kind, cause).Inc()
}

func (c *Collector) Handshake(successful bool, took time.Duration) {
	if c == nil {
		return
	}
	if successful {
		c.handshakes.WithLabelValues("true").Inc()
		c.handshakeDuration.Observe(took.Seconds())
		return
	}
	c.handshakes.WithLabelValues("false").Inc()
}

func (c *Collector) Reconnect(action string) {
	if c == nil {
		return
	}
	c.reconnects.WithLabelValues(action).Inc()
}

func (c *Collector) SetStatus(status string) {
	if c == nil {
		return
	}
	for _, s := range statuses {
		v := 0.0
		if s == status {
			v = 1
		}
		c.status.WithLabelValues(s).Set(v)
	}
}
