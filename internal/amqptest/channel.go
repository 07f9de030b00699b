package amqptest

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/amqp-connector-go/internal/rabbitmq"
)

// Connection is an in-memory broker connection
type Connection struct {
	broker   *Broker
	closed   bool
	channels map[*Channel]struct{}
	notify   []chan *amqp.Error
}

var _ rabbitmq.Connection = (*Connection)(nil)

// Channel opens a channel on the connection
func (c *Connection) Channel() (rabbitmq.Channel, error) {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if c.closed {
		return nil, amqp.ErrClosed
	}
	ch := &Channel{
		conn:      c,
		broker:    b,
		unacked:   make(map[uint64]*unacked),
		consumers: make(map[string]*consumer),
	}
	c.channels[ch] = struct{}{}
	return ch, nil
}

// NotifyClose registers a listener for connection closure
func (c *Connection) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if c.closed {
		close(receiver)
		return receiver
	}
	c.notify = append(c.notify, receiver)
	return receiver
}

// IsClosed reports whether the connection is closed
func (c *Connection) IsClosed() bool {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	return c.closed
}

// Close closes the connection and every channel on it
func (c *Connection) Close() error {
	c.broker.mu.Lock()
	closed := c.closed
	c.broker.mu.Unlock()
	if closed {
		return amqp.ErrClosed
	}
	c.shutdown(nil)
	return nil
}

func (c *Connection) shutdown(err *amqp.Error) {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	delete(b.conns, c)

	for ch := range c.channels {
		ch.shutdownLocked(err)
	}
	for _, q := range b.queues {
		if q.exclusive && q.owner == c {
			b.deleteQueueLocked(q)
		}
	}
	for _, n := range c.notify {
		if err != nil {
			select {
			case n <- err:
			default:
			}
		}
		close(n)
	}
	c.notify = nil
}

type unacked struct {
	m *message
	q *queue
	c *consumer
}

// Channel is an in-memory broker channel. It is also the Acknowledger of
// the deliveries it hands out.
type Channel struct {
	conn      *Connection
	broker    *Broker
	closed    bool
	nextTag   uint64
	unacked   map[uint64]*unacked
	consumers map[string]*consumer
	prefetch  int
	global    bool
	notify    []chan *amqp.Error
}

var _ rabbitmq.Channel = (*Channel)(nil)

// fail closes the channel with a protocol error, as the broker does for
// failed channel operations, and returns the error
func (ch *Channel) failLocked(err *amqp.Error) error {
	ch.shutdownLocked(err)
	return err
}

func (ch *Channel) shutdownLocked(err *amqp.Error) {
	if ch.closed {
		return
	}
	ch.closed = true
	delete(ch.conn.channels, ch)

	for _, c := range ch.consumers {
		c.cancelLocked(true)
	}
	for tag, u := range ch.unacked {
		delete(ch.unacked, tag)
		ch.broker.requeueLocked(u.q, u.m)
	}
	for _, n := range ch.notify {
		if err != nil {
			select {
			case n <- err:
			default:
			}
		}
		close(n)
	}
	ch.notify = nil
}

// ExchangeDeclare declares an exchange
func (ch *Channel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	if ex, ok := b.exchanges[name]; ok {
		if ex.kind != kind {
			return ch.failLocked(channelError(amqp.PreconditionFailed,
				"PRECONDITION_FAILED - inequivalent arg 'type' for exchange '%s': received '%s' but current is '%s'", name, kind, ex.kind))
		}
		if ex.durable != durable {
			return ch.failLocked(channelError(amqp.PreconditionFailed,
				"PRECONDITION_FAILED - inequivalent arg 'durable' for exchange '%s'", name))
		}
		if ex.autoDelete != autoDelete {
			return ch.failLocked(channelError(amqp.PreconditionFailed,
				"PRECONDITION_FAILED - inequivalent arg 'auto_delete' for exchange '%s'", name))
		}
		return nil
	}
	if name == "" || strings.HasPrefix(name, "amq.") {
		return ch.failLocked(channelError(amqp.AccessRefused,
			"ACCESS_REFUSED - exchange name '%s' contains reserved prefix 'amq.*'", name))
	}
	switch kind {
	case amqp.ExchangeDirect, amqp.ExchangeTopic, amqp.ExchangeFanout, amqp.ExchangeHeaders:
	default:
		return ch.failLocked(channelError(amqp.CommandInvalid, "COMMAND_INVALID - unknown exchange type '%s'", kind))
	}

	b.exchanges[name] = &exchange{name: name, kind: kind, durable: durable, autoDelete: autoDelete}
	return nil
}

// ExchangeDelete deletes an exchange and its bindings
func (ch *Channel) ExchangeDelete(name string, ifUnused, noWait bool) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	if strings.HasPrefix(name, "amq.") {
		return ch.failLocked(channelError(amqp.AccessRefused, "ACCESS_REFUSED - operation not permitted on exchange '%s'", name))
	}
	delete(b.exchanges, name)
	return nil
}

// QueueDeclare declares a queue, generating a name when name is empty
func (ch *Channel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.Queue{}, amqp.ErrClosed
	}
	if name == "" {
		name = "amq.gen-" + uuid.NewString()
	}

	if q, ok := b.queues[name]; ok {
		if q.exclusive && q.owner != ch.conn {
			return amqp.Queue{}, ch.failLocked(channelError(amqp.ResourceLocked,
				"RESOURCE_LOCKED - cannot obtain exclusive access to locked queue '%s'", name))
		}
		if q.durable != durable {
			return amqp.Queue{}, ch.failLocked(channelError(amqp.PreconditionFailed,
				"PRECONDITION_FAILED - inequivalent arg 'durable' for queue '%s'", name))
		}
		if q.exclusive != exclusive {
			return amqp.Queue{}, ch.failLocked(channelError(amqp.PreconditionFailed,
				"PRECONDITION_FAILED - inequivalent arg 'exclusive' for queue '%s'", name))
		}
		if q.autoDelete != autoDelete {
			return amqp.Queue{}, ch.failLocked(channelError(amqp.PreconditionFailed,
				"PRECONDITION_FAILED - inequivalent arg 'auto_delete' for queue '%s'", name))
		}
		if !argsEqual(q.args, args) {
			return amqp.Queue{}, ch.failLocked(channelError(amqp.PreconditionFailed,
				"PRECONDITION_FAILED - inequivalent arguments for queue '%s'", name))
		}
		return amqp.Queue{Name: name, Messages: len(q.messages), Consumers: len(q.consumers)}, nil
	}

	q := &queue{
		name:       name,
		durable:    durable,
		autoDelete: autoDelete,
		exclusive:  exclusive,
		args:       copyTable(args),
	}
	if exclusive {
		q.owner = ch.conn
	}
	if ttl, ok := number(args["x-message-ttl"]); ok {
		q.ttl = time.Duration(ttl) * time.Millisecond
	}
	b.queues[name] = q
	return amqp.Queue{Name: name}, nil
}

// QueueDelete deletes a queue, returning the number of purged messages
func (ch *Channel) QueueDelete(name string, ifUnused, ifEmpty, noWait bool) (int, error) {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return 0, amqp.ErrClosed
	}
	q, ok := b.queues[name]
	if !ok {
		return 0, nil
	}
	return b.deleteQueueLocked(q), nil
}

// QueueBind binds a queue to an exchange
func (ch *Channel) QueueBind(name, key, exchangeName string, noWait bool, args amqp.Table) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	if exchangeName == "" {
		return ch.failLocked(channelError(amqp.AccessRefused, "ACCESS_REFUSED - operation not permitted on the default exchange"))
	}
	ex, ok := b.exchanges[exchangeName]
	if !ok {
		return ch.failLocked(channelError(amqp.NotFound, "NOT_FOUND - no exchange '%s'", exchangeName))
	}
	if _, ok := b.queues[name]; !ok {
		return ch.failLocked(channelError(amqp.NotFound, "NOT_FOUND - no queue '%s'", name))
	}
	for _, bd := range ex.bindings {
		if bd.queue == name && bd.key == key && argsEqual(bd.args, args) {
			return nil
		}
	}
	ex.bindings = append(ex.bindings, &binding{queue: name, key: key, args: copyTable(args)})
	return nil
}

// PublishWithContext routes a message. Publishing to a missing exchange
// closes the channel, as on a real broker.
func (ch *Channel) PublishWithContext(ctx context.Context, exchangeName, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	if _, ok := b.exchanges[exchangeName]; exchangeName != "" && !ok {
		ch.shutdownLocked(channelError(amqp.NotFound, "NOT_FOUND - no exchange '%s'", exchangeName))
		return nil
	}
	b.publishLocked(exchangeName, key, msg)
	return nil
}

// Consume starts a consumer on a queue
func (ch *Channel) Consume(queueName, tag string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return nil, amqp.ErrClosed
	}
	q, ok := b.queues[queueName]
	if !ok {
		return nil, ch.failLocked(channelError(amqp.NotFound, "NOT_FOUND - no queue '%s'", queueName))
	}
	if q.exclusive && q.owner != ch.conn {
		return nil, ch.failLocked(channelError(amqp.ResourceLocked,
			"RESOURCE_LOCKED - cannot obtain exclusive access to locked queue '%s'", queueName))
	}
	if tag == "" {
		tag = "amq.ctag-" + uuid.NewString()
	}
	if _, dup := ch.consumers[tag]; dup {
		return nil, ch.failLocked(channelError(amqp.NotAllowed, "NOT_ALLOWED - attempt to reuse consumer tag '%s'", tag))
	}
	if exclusive && len(q.consumers) > 0 {
		return nil, ch.failLocked(channelError(amqp.AccessRefused,
			"ACCESS_REFUSED - queue '%s' in use, cannot consume exclusively", queueName))
	}

	c := &consumer{
		tag:     tag,
		queue:   q,
		ch:      ch,
		autoAck: autoAck,
		out:     make(chan amqp.Delivery),
		signal:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	ch.consumers[tag] = c
	q.consumers = append(q.consumers, c)
	go c.pump()

	b.dispatchLocked(q)
	return c.out, nil
}

// Cancel stops a consumer. Unknown tags are ignored.
func (ch *Channel) Cancel(tag string, noWait bool) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	if c, ok := ch.consumers[tag]; ok {
		c.cancelLocked(true)
	}
	return nil
}

// Qos sets the prefetch limit for consumers on this channel
func (ch *Channel) Qos(prefetchCount, prefetchSize int, global bool) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	ch.prefetch = prefetchCount
	ch.global = global
	return nil
}

// NotifyClose registers a listener for channel closure
func (ch *Channel) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		close(receiver)
		return receiver
	}
	ch.notify = append(ch.notify, receiver)
	return receiver
}

// IsClosed reports whether the channel is closed
func (ch *Channel) IsClosed() bool {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()
	return ch.closed
}

// Close closes the channel, requeueing unacknowledged messages
func (ch *Channel) Close() error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	ch.shutdownLocked(nil)
	return nil
}

// Ack acknowledges a delivery
func (ch *Channel) Ack(tag uint64, multiple bool) error {
	return ch.settle(tag, multiple, func(u *unacked) {})
}

// Nack negatively acknowledges a delivery
func (ch *Channel) Nack(tag uint64, multiple, requeue bool) error {
	return ch.settle(tag, multiple, func(u *unacked) {
		if requeue {
			ch.broker.requeueLocked(u.q, u.m)
			return
		}
		ch.broker.deadLetterLocked(u.q, u.m, "rejected")
	})
}

// Reject rejects a delivery
func (ch *Channel) Reject(tag uint64, requeue bool) error {
	return ch.Nack(tag, false, requeue)
}

func (ch *Channel) settle(tag uint64, multiple bool, fn func(u *unacked)) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	if _, ok := ch.unacked[tag]; !ok {
		return ch.failLocked(channelError(amqp.PreconditionFailed, "PRECONDITION_FAILED - unknown delivery tag %d", tag))
	}

	tags := []uint64{tag}
	if multiple {
		tags = tags[:0]
		for t := range ch.unacked {
			if t <= tag {
				tags = append(tags, t)
			}
		}
	}

	touched := map[*queue]bool{}
	for _, t := range tags {
		u := ch.unacked[t]
		delete(ch.unacked, t)
		u.c.unacked--
		fn(u)
		touched[u.q] = true
	}
	for q := range touched {
		b.dispatchLocked(q)
	}
	// global prefetch frees capacity on every queue consumed by this channel
	if ch.global {
		for _, c := range ch.consumers {
			b.dispatchLocked(c.queue)
		}
	}
	return nil
}

func (ch *Channel) unackedCountLocked() int {
	return len(ch.unacked)
}
