package amqptest

import (
	amqp "github.com/rabbitmq/amqp091-go"
)

type buffered struct {
	d amqp.Delivery
	m *message
}

type consumer struct {
	tag       string
	queue     *queue
	ch        *Channel
	autoAck   bool
	unacked   int
	cancelled bool
	buf       []buffered
	out       chan amqp.Delivery
	signal    chan struct{}
	done      chan struct{}
}

func (c *consumer) hasCapacityLocked() bool {
	if c.cancelled || c.ch.closed {
		return false
	}
	if c.autoAck || c.ch.prefetch <= 0 {
		return true
	}
	if c.ch.global {
		return c.ch.unackedCountLocked() < c.ch.prefetch
	}
	return c.unacked < c.ch.prefetch
}

func (c *consumer) deliverLocked(q *queue, m *message) {
	ch := c.ch
	ch.nextTag++
	tag := ch.nextTag

	d := amqp.Delivery{
		Acknowledger:    ch,
		Headers:         copyTable(m.pub.Headers),
		ContentType:     m.pub.ContentType,
		ContentEncoding: m.pub.ContentEncoding,
		DeliveryMode:    m.pub.DeliveryMode,
		Priority:        m.pub.Priority,
		CorrelationId:   m.pub.CorrelationId,
		ReplyTo:         m.pub.ReplyTo,
		Expiration:      m.pub.Expiration,
		MessageId:       m.pub.MessageId,
		Timestamp:       m.pub.Timestamp,
		Type:            m.pub.Type,
		UserId:          m.pub.UserId,
		AppId:           m.pub.AppId,
		ConsumerTag:     c.tag,
		DeliveryTag:     tag,
		Redelivered:     m.redelivered,
		Exchange:        m.exchange,
		RoutingKey:      m.routingKey,
		Body:            append([]byte(nil), m.pub.Body...),
	}

	if !c.autoAck {
		ch.unacked[tag] = &unacked{m: m, q: q, c: c}
		c.unacked++
	}
	c.buf = append(c.buf, buffered{d: d, m: m})
	select {
	case c.signal <- struct{}{}:
	default:
	}
}

// cancelLocked detaches the consumer. Deliveries not yet handed to the
// client are put back on the queue when requeue is set.
func (c *consumer) cancelLocked(requeue bool) {
	if c.cancelled {
		return
	}
	c.cancelled = true
	close(c.done)

	delete(c.ch.consumers, c.tag)
	q := c.queue
	for i, other := range q.consumers {
		if other == c {
			q.consumers = append(q.consumers[:i], q.consumers[i+1:]...)
			break
		}
	}
	if len(q.consumers) > 0 {
		q.next %= len(q.consumers)
	} else {
		q.next = 0
	}

	pending := c.buf
	c.buf = nil
	for i := len(pending) - 1; i >= 0; i-- {
		c.returnLocked(pending[i], requeue)
	}

	b := c.ch.broker
	if q.autoDelete && len(q.consumers) == 0 {
		if existing, ok := b.queues[q.name]; ok && existing == q {
			b.deleteQueueLocked(q)
		}
	}
}

// returnLocked takes back a delivery that never reached the client
func (c *consumer) returnLocked(item buffered, requeue bool) {
	if !c.autoAck {
		if _, ok := c.ch.unacked[item.d.DeliveryTag]; !ok {
			return
		}
		delete(c.ch.unacked, item.d.DeliveryTag)
		c.unacked--
	}
	if requeue {
		c.ch.broker.requeueLocked(c.queue, item.m)
	}
}

// pump hands buffered deliveries to the client one at a time
func (c *consumer) pump() {
	b := c.ch.broker
	defer close(c.out)

	for {
		b.mu.Lock()
		for len(c.buf) == 0 {
			if c.cancelled {
				b.mu.Unlock()
				return
			}
			b.mu.Unlock()
			select {
			case <-c.signal:
			case <-c.done:
			}
			b.mu.Lock()
		}
		item := c.buf[0]
		c.buf = c.buf[1:]
		b.mu.Unlock()

		select {
		case c.out <- item.d:
		case <-c.done:
			b.mu.Lock()
			c.returnLocked(item, true)
			b.mu.Unlock()
			return
		}
	}
}
