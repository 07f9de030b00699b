package reliability

import (
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/amqp-connector-go/internal/qualifier"
	"github.com/glimte/amqp-connector-go/internal/rabbitmq"
)

const (
	// DefaultRetry is the shortest ring delay
	DefaultRetry = time.Millisecond
	// DefaultDeadLetterPrefix names retry rings when no prefix is configured
	DefaultDeadLetterPrefix = "dl_"
)

// RetryPolicy describes how a subscription resends failed messages.
//
// A rejected message is dead-lettered to the ring exchange, parked in the
// holding queue for Retry and then dead-lettered through the default exchange
// back to its live queue. After MaxTries deliveries the message is acked and
// copied to DumpQueue, when one is set. A MaxTries of zero retries forever.
type RetryPolicy struct {
	Retry            time.Duration
	MaxTries         int
	DumpQueue        string
	DeadLetterPrefix string
}

// Enabled reports whether failed messages go through a retry ring
func (p RetryPolicy) Enabled() bool {
	return p.Retry > 0
}

// ClampRetry returns d raised to the smallest supported ring delay
func ClampRetry(d time.Duration) time.Duration {
	if d < DefaultRetry {
		return DefaultRetry
	}
	return d
}

// ClampMaxTries returns n raised to one try
func ClampMaxTries(n int) int {
	if n < 1 {
		return 1
	}
	return n
}

// Normalize fills the default prefix and applies the realm to the prefix
// and dump queue names.
func (p RetryPolicy) Normalize(realm string) RetryPolicy {
	if p.Retry < 0 {
		p.Retry = 0
	}
	if p.MaxTries < 0 {
		p.MaxTries = 0
	}
	if p.DeadLetterPrefix == "" {
		p.DeadLetterPrefix = DefaultDeadLetterPrefix
	}
	p.DeadLetterPrefix = realm + p.DeadLetterPrefix
	if p.DumpQueue != "" {
		p.DumpQueue = realm + p.DumpQueue
	}
	return p
}

// RingName is the name shared by the ring exchange and its holding queue
func (p RetryPolicy) RingName() string {
	return fmt.Sprintf("%s%d", p.DeadLetterPrefix, p.Retry.Milliseconds())
}

// Topology returns the ring exchange, the holding queue, its binding and the
// dump queue. A disabled ring contributes only the dump queue.
func (p RetryPolicy) Topology() rabbitmq.Topology {
	var t rabbitmq.Topology
	if p.DumpQueue != "" {
		t.Queues = append(t.Queues, rabbitmq.QueueDeclaration{Name: p.DumpQueue, Durable: true})
	}
	if !p.Enabled() {
		return t
	}

	name := p.RingName()
	ring := rabbitmq.Topology{
		Exchanges: []rabbitmq.ExchangeDeclaration{
			{Name: name, Type: string(qualifier.KindFanout), Durable: true},
		},
		Queues: []rabbitmq.QueueDeclaration{
			{
				Name:    name,
				Durable: true,
				Arguments: amqp.Table{
					"x-message-ttl":          p.Retry.Milliseconds(),
					"x-dead-letter-exchange": "",
				},
			},
		},
		Bindings: []rabbitmq.Binding{
			{Queue: name, Exchange: name, RoutingKey: ""},
		},
	}
	t.Exchanges = append(t.Exchanges, ring.Exchanges...)
	t.Queues = append(t.Queues, ring.Queues...)
	t.Bindings = append(t.Bindings, ring.Bindings...)
	return t
}

// LiveQueueArguments returns the arguments that route rejections from queue
// into the ring and back again. args is copied, not modified.
func (p RetryPolicy) LiveQueueArguments(queue string, args amqp.Table) amqp.Table {
	out := amqp.Table{}
	for k, v := range args {
		out[k] = v
	}
	out["x-dead-letter-exchange"] = p.RingName()
	out["x-dead-letter-routing-key"] = queue
	return out
}

// Exhausted reports whether a message that has died deaths times on its live
// queue has used up its tries.
func (p RetryPolicy) Exhausted(deaths int64) bool {
	return p.MaxTries > 0 && deaths >= int64(p.MaxTries-1)
}

// DeathCount returns how many times a message has been dead-lettered out of
// queue, as recorded by the broker in the x-death header.
func DeathCount(headers amqp.Table, queue string) int64 {
	deaths, ok := headers["x-death"].([]interface{})
	if !ok {
		return 0
	}
	for _, entry := range deaths {
		death, ok := entry.(amqp.Table)
		if !ok {
			if m, isMap := entry.(map[string]interface{}); isMap {
				death = amqp.Table(m)
			} else {
				continue
			}
		}
		if q, _ := death["queue"].(string); q != queue {
			continue
		}
		return toInt64(death["count"])
	}
	return 0
}

func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int32:
		return int64(n)
	case int:
		return int64(n)
	case int16:
		return int64(n)
	case int8:
		return int64(n)
	case uint32:
		return int64(n)
	case uint16:
		return int64(n)
	case uint8:
		return int64(n)
	case float64:
		return int64(n)
	case float32:
		return int64(n)
	}
	return 0
}
