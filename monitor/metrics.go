// Package monitor provides Prometheus metrics and health checks for a
// running delivery core.
package monitor

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector exports delivery metrics. It satisfies the metrics interfaces
// of both the tracker and the inbound dispatcher.
type Collector struct {
	attemptsSubmitted prometheus.Counter
	messagesDelivered prometheus.Counter
	messagesFailed    *prometheus.CounterVec
	messagesAccepted  prometheus.Counter
	messagesRejected  *prometheus.CounterVec
	handlerFaults     prometheus.Counter
	deliveryDuration  prometheus.Histogram
}

// NewCollector creates a collector and registers its metrics.
func NewCollector(namespace string, reg prometheus.Registerer) (*Collector, error) {
	c := &Collector{
		attemptsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_attempts_submitted_total",
			Help:      "Relay submissions accepted by the transport.",
		}),
		messagesDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_delivered_total",
			Help:      "Outbound messages confirmed delivered.",
		}),
		messagesFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_failed_total",
			Help:      "Outbound messages parked as failed, by failure kind.",
		}, []string{"kind"}),
		messagesAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbound_messages_accepted_total",
			Help:      "Inbound messages handled successfully.",
		}),
		messagesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbound_messages_rejected_total",
			Help:      "Inbound messages rejected before dispatch, by reason.",
		}, []string{"reason"}),
		handlerFaults: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbound_handler_faults_total",
			Help:      "Application handler faults absorbed by the dispatcher.",
		}),
		deliveryDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "delivery_duration_seconds",
			Help:      "Time from relay submission to confirmed delivery.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
	}

	for _, m := range []prometheus.Collector{
		c.attemptsSubmitted,
		c.messagesDelivered,
		c.messagesFailed,
		c.messagesAccepted,
		c.messagesRejected,
		c.handlerFaults,
		c.deliveryDuration,
	} {
		if err := reg.Register(m); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// AttemptSubmitted implements the tracker metrics interface.
func (c *Collector) AttemptSubmitted() {
	c.attemptsSubmitted.Inc()
}

// MessageDelivered implements the tracker metrics interface.
func (c *Collector) MessageDelivered(took time.Duration) {
	c.messagesDelivered.Inc()
	c.deliveryDuration.Observe(took.Seconds())
}

// MessageFailed implements the tracker metrics interface.
func (c *Collector) MessageFailed(kind string) {
	c.messagesFailed.WithLabelValues(kind).Inc()
}

// MessageAccepted implements the inbound metrics interface.
func (c *Collector) MessageAccepted() {
	c.messagesAccepted.Inc()
}

// MessageRejected implements the inbound metrics interface.
func (c *Collector) MessageRejected(reason string) {
	c.messagesRejected.WithLabelValues(reason).Inc()
}

// HandlerFault implements the inbound metrics interface.
func (c *Collector) HandlerFault() {
	c.handlerFaults.Inc()
}
