package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Outcomes recorded for consumed messages
const (
	OutcomeAck        = "ack"
	OutcomeInvalid    = "invalid"
	OutcomeRetry      = "retry"
	OutcomeDumped     = "dumped"
	OutcomeDiscarded  = "discarded"
	OutcomeReplied    = "replied"
	OutcomeErrorReply = "error_reply"
)

// Outcomes recorded for publishes and RPC calls
const (
	OutcomeOK          = "ok"
	OutcomeError       = "error"
	OutcomeRemoteError = "remote_error"
	OutcomeTimeout     = "timeout"
)

// Collector holds the connector instruments
type Collector struct {
	published       *prometheus.CounterVec
	consumed        *prometheus.CounterVec
	handlerDuration *prometheus.HistogramVec
	rpcDuration     *prometheus.HistogramVec
	connected       prometheus.Gauge
	reconnects      prometheus.Counter
}

// NewCollector creates the instruments and registers them on reg
func NewCollector(reg prometheus.Registerer, namespace string) (*Collector, error) {
	c := &Collector{
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "amqp",
			Name:      "published_total",
			Help:      "Messages published, by qualifier kind and outcome.",
		}, []string{"kind", "outcome"}),
		consumed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "amqp",
			Name:      "consumed_total",
			Help:      "Messages consumed, by operation and outcome.",
		}, []string{"operation", "outcome"}),
		handlerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "amqp",
			Name:      "handler_duration_seconds",
			Help:      "Time spent in message handlers.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		rpcDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "amqp",
			Name:      "rpc_duration_seconds",
			Help:      "Round trip time of RPC calls, by outcome.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"}),
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "amqp",
			Name:      "connected",
			Help:      "1 while the broker connection is up.",
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "amqp",
			Name:      "reconnect_attempts_total",
			Help:      "Broker reconnection attempts.",
		}),
	}

	for _, collector := range []prometheus.Collector{
		c.published, c.consumed, c.handlerDuration, c.rpcDuration, c.connected, c.reconnects,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Published counts one publish
func (c *Collector) Published(kind, outcome string) {
	if c == nil {
		return
	}
	c.published.WithLabelValues(kind, outcome).Inc()
}

// Consumed counts one settled delivery
func (c *Collector) Consumed(operation, outcome string) {
	if c == nil {
		return
	}
	c.consumed.WithLabelValues(operation, outcome).Inc()
}

// ObserveHandler records the duration of one handler run
func (c *Collector) ObserveHandler(operation string, d time.Duration) {
	if c == nil {
		return
	}
	c.handlerDuration.WithLabelValues(operation).Observe(d.Seconds())
}

// ObserveRPC records the duration of one RPC call
func (c *Collector) ObserveRPC(outcome string, d time.Duration) {
	if c == nil {
		return
	}
	c.rpcDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// OnConnected implements the connection state listener
func (c *Collector) OnConnected() {
	if c == nil {
		return
	}
	c.connected.Set(1)
}

// OnDisconnected implements the connection state listener
func (c *Collector) OnDisconnected(error) {
	if c == nil {
		return
	}
	c.connected.Set(0)
}

// OnReconnecting implements the connection state listener
func (c *Collector) OnReconnecting(int) {
	if c == nil {
		return
	}
	c.reconnects.Inc()
}
