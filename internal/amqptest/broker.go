// Package amqptest provides an in-memory AMQP 0-9-1 broker for tests.
//
// The broker implements the rabbitmq.Connection and rabbitmq.Channel
// interfaces with the RabbitMQ behaviours the connector depends on:
//   - direct, topic, fanout and headers exchanges plus the default exchange
//   - declaration conflicts closing the channel with 406 or 405
//   - server-named, exclusive and auto-delete queues
//   - x-message-ttl, per-message expiration and dead lettering with x-death
//   - manual and automatic acknowledgement with basic.qos prefetch
package amqptest

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/amqp-connector-go/internal/rabbitmq"
)

// Broker is an in-memory message broker
type Broker struct {
	mu        sync.Mutex
	exchanges map[string]*exchange
	queues    map[string]*queue
	conns     map[*Connection]struct{}
	nextMsgID uint64

	failDials  int
	dialErr    error
	properties []amqp.Table
	urls       []string
}

type exchange struct {
	name       string
	kind       string
	durable    bool
	autoDelete bool
	bindings   []*binding
}

type binding struct {
	queue string
	key   string
	args  amqp.Table
}

type queue struct {
	name       string
	durable    bool
	autoDelete bool
	exclusive  bool
	args       amqp.Table
	owner      *Connection
	messages   []*message
	consumers  []*consumer
	next       int
	ttl        time.Duration
}

type message struct {
	id          uint64
	exchange    string
	routingKey  string
	pub         amqp.Publishing
	redelivered bool
	timer       *time.Timer
}

// NewBroker returns an empty broker with the amq.* exchanges predeclared
func NewBroker() *Broker {
	b := &Broker{
		exchanges: make(map[string]*exchange),
		queues:    make(map[string]*queue),
		conns:     make(map[*Connection]struct{}),
	}
	for _, kind := range []string{amqp.ExchangeDirect, amqp.ExchangeTopic, amqp.ExchangeFanout, amqp.ExchangeHeaders} {
		name := "amq." + kind
		b.exchanges[name] = &exchange{name: name, kind: kind, durable: true}
	}
	return b
}

// Dial opens a connection. Its signature matches rabbitmq.Dialer.
func (b *Broker) Dial(url string, config amqp.Config) (rabbitmq.Connection, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.urls = append(b.urls, url)
	if b.failDials > 0 {
		b.failDials--
		return nil, b.dialErr
	}

	conn := &Connection{broker: b, channels: make(map[*Channel]struct{})}
	b.conns[conn] = struct{}{}
	b.properties = append(b.properties, config.Properties)
	return conn, nil
}

// FailDials makes the next n dials fail with err
func (b *Broker) FailDials(n int, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failDials = n
	b.dialErr = err
}

// DialedURLs returns every URL passed to Dial, in order
func (b *Broker) DialedURLs() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.urls...)
}

// ClientProperties returns the client properties of every successful dial
func (b *Broker) ClientProperties() []amqp.Table {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]amqp.Table(nil), b.properties...)
}

// DropConnections closes every open connection as a network failure would
func (b *Broker) DropConnections() {
	b.mu.Lock()
	conns := make([]*Connection, 0, len(b.conns))
	for c := range b.conns {
		conns = append(conns, c)
	}
	b.mu.Unlock()

	for _, c := range conns {
		c.shutdown(&amqp.Error{Code: amqp.ConnectionForced, Reason: "CONNECTION_FORCED - broker forced connection closure", Server: true})
	}
}

// HasExchange reports whether an exchange exists
func (b *Broker) HasExchange(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.exchanges[name]
	return ok
}

// HasQueue reports whether a queue exists
func (b *Broker) HasQueue(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.queues[name]
	return ok
}

// QueueArgs returns the arguments a queue was declared with
func (b *Broker) QueueArgs(name string) amqp.Table {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[name]; ok {
		return q.args
	}
	return nil
}

// QueueLength returns the number of ready messages in a queue
func (b *Broker) QueueLength(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[name]; ok {
		return len(q.messages)
	}
	return 0
}

// ConsumerCount returns the number of consumers on a queue
func (b *Broker) ConsumerCount(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[name]; ok {
		return len(q.consumers)
	}
	return 0
}

// Messages returns the publishings ready in a queue
func (b *Broker) Messages(name string) []amqp.Publishing {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		return nil
	}
	out := make([]amqp.Publishing, 0, len(q.messages))
	for _, m := range q.messages {
		out = append(out, m.pub)
	}
	return out
}

func channelError(code int, format string, args ...interface{}) *amqp.Error {
	return &amqp.Error{Code: code, Reason: fmt.Sprintf(format, args...), Server: true}
}

// routeLocked returns the queues an exchange delivers a message to
func (b *Broker) routeLocked(ex *exchange, key string, headers amqp.Table) []*queue {
	seen := make(map[string]bool)
	var out []*queue
	for _, bd := range ex.bindings {
		if seen[bd.queue] || !matches(ex.kind, bd, key, headers) {
			continue
		}
		if q, ok := b.queues[bd.queue]; ok {
			seen[bd.queue] = true
			out = append(out, q)
		}
	}
	return out
}

func matches(kind string, bd *binding, key string, headers amqp.Table) bool {
	switch kind {
	case amqp.ExchangeDirect:
		return bd.key == key
	case amqp.ExchangeFanout:
		return true
	case amqp.ExchangeTopic:
		return topicMatch(strings.Split(bd.key, "."), strings.Split(key, "."))
	case amqp.ExchangeHeaders:
		return headersMatch(bd.args, headers)
	default:
		return false
	}
}

func topicMatch(pattern, words []string) bool {
	if len(pattern) == 0 {
		return len(words) == 0
	}
	switch pattern[0] {
	case "#":
		for i := 0; i <= len(words); i++ {
			if topicMatch(pattern[1:], words[i:]) {
				return true
			}
		}
		return false
	case "*":
		return len(words) > 0 && topicMatch(pattern[1:], words[1:])
	default:
		return len(words) > 0 && pattern[0] == words[0] && topicMatch(pattern[1:], words[1:])
	}
}

func headersMatch(args, headers amqp.Table) bool {
	mode, _ := args["x-match"].(string)
	matchAny := strings.HasPrefix(mode, "any")

	matched, total := 0, 0
	for k, want := range args {
		if strings.HasPrefix(k, "x-") {
			continue
		}
		total++
		if got, ok := headers[k]; ok && valuesEqual(want, got) {
			matched++
		}
	}
	if matchAny {
		return matched > 0
	}
	return matched == total
}

func valuesEqual(a, b interface{}) bool {
	if af, ok := number(a); ok {
		bf, ok := number(b)
		return ok && af == bf
	}
	return reflect.DeepEqual(a, b)
}

func number(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

func argsEqual(a, b amqp.Table) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		w, ok := b[k]
		if !ok || !valuesEqual(v, w) {
			return false
		}
	}
	return true
}

func copyTable(t amqp.Table) amqp.Table {
	if t == nil {
		return nil
	}
	out := make(amqp.Table, len(t))
	for k, v := range t {
		out[k] = v
	}
	return out
}

// publishLocked routes a publishing through an exchange
func (b *Broker) publishLocked(exchangeName, key string, pub amqp.Publishing) {
	if exchangeName == "" {
		if q, ok := b.queues[key]; ok {
			b.enqueueLocked(q, b.newMessageLocked(exchangeName, key, pub))
		}
		return
	}

	ex, ok := b.exchanges[exchangeName]
	if !ok {
		return
	}
	for _, q := range b.routeLocked(ex, key, pub.Headers) {
		b.enqueueLocked(q, b.newMessageLocked(exchangeName, key, pub))
	}
}

func (b *Broker) newMessageLocked(exchangeName, key string, pub amqp.Publishing) *message {
	b.nextMsgID++
	pub.Headers = copyTable(pub.Headers)
	pub.Body = append([]byte(nil), pub.Body...)
	return &message{id: b.nextMsgID, exchange: exchangeName, routingKey: key, pub: pub}
}

func (b *Broker) enqueueLocked(q *queue, m *message) {
	q.messages = append(q.messages, m)
	b.armTTLLocked(q, m)
	b.dispatchLocked(q)
}

func (b *Broker) armTTLLocked(q *queue, m *message) {
	ttl := q.ttl
	if m.pub.Expiration != "" {
		if ms, err := strconv.Atoi(m.pub.Expiration); err == nil {
			if d := time.Duration(ms) * time.Millisecond; ttl == 0 || d < ttl {
				ttl = d
			}
		}
	}
	if ttl <= 0 {
		return
	}
	if ttl < time.Millisecond {
		ttl = time.Millisecond
	}
	m.timer = time.AfterFunc(ttl, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.expireLocked(q, m)
	})
}

func (b *Broker) expireLocked(q *queue, m *message) {
	for i, candidate := range q.messages {
		if candidate == m {
			q.messages = append(q.messages[:i], q.messages[i+1:]...)
			b.deadLetterLocked(q, m, "expired")
			return
		}
	}
}

// deadLetterLocked republishes m through the dead letter exchange of q
func (b *Broker) deadLetterLocked(q *queue, m *message, reason string) {
	dlx, ok := q.args["x-dead-letter-exchange"].(string)
	if !ok {
		return
	}
	key := m.routingKey
	if rk, ok := q.args["x-dead-letter-routing-key"].(string); ok {
		key = rk
	}

	pub := m.pub
	pub.Headers = copyTable(pub.Headers)
	if pub.Headers == nil {
		pub.Headers = amqp.Table{}
	}
	if reason == "expired" {
		pub.Expiration = ""
	}

	deaths, _ := pub.Headers["x-death"].([]interface{})
	updated := make([]interface{}, 0, len(deaths)+1)
	var entry amqp.Table
	for _, d := range deaths {
		t, ok := d.(amqp.Table)
		if ok && entry == nil && t["queue"] == q.name && t["reason"] == reason {
			entry = copyTable(t)
			count, _ := t["count"].(int64)
			entry["count"] = count + 1
			entry["time"] = time.Now()
			continue
		}
		updated = append(updated, d)
	}
	if entry == nil {
		entry = amqp.Table{
			"count":        int64(1),
			"reason":       reason,
			"queue":        q.name,
			"time":         time.Now(),
			"exchange":     m.exchange,
			"routing-keys": []interface{}{m.routingKey},
		}
	}
	pub.Headers["x-death"] = append([]interface{}{entry}, updated...)
	if _, ok := pub.Headers["x-first-death-queue"]; !ok {
		pub.Headers["x-first-death-queue"] = q.name
		pub.Headers["x-first-death-reason"] = reason
		pub.Headers["x-first-death-exchange"] = m.exchange
	}

	b.publishLocked(dlx, key, pub)
}

// dispatchLocked hands ready messages to consumers with spare prefetch capacity
func (b *Broker) dispatchLocked(q *queue) {
	for len(q.messages) > 0 {
		c := q.nextConsumerLocked()
		if c == nil {
			return
		}
		m := q.messages[0]
		q.messages = q.messages[1:]
		if m.timer != nil {
			m.timer.Stop()
			m.timer = nil
		}
		c.deliverLocked(q, m)
	}
}

func (q *queue) nextConsumerLocked() *consumer {
	n := len(q.consumers)
	for i := 0; i < n; i++ {
		c := q.consumers[(q.next+i)%n]
		if c.hasCapacityLocked() {
			q.next = (q.next + i + 1) % n
			return c
		}
	}
	return nil
}

func (b *Broker) deleteQueueLocked(q *queue) int {
	delete(b.queues, q.name)
	for _, ex := range b.exchanges {
		kept := ex.bindings[:0]
		for _, bd := range ex.bindings {
			if bd.queue != q.name {
				kept = append(kept, bd)
			}
		}
		ex.bindings = kept
	}
	for _, c := range append([]*consumer(nil), q.consumers...) {
		c.cancelLocked(false)
	}
	purged := len(q.messages)
	for _, m := range q.messages {
		if m.timer != nil {
			m.timer.Stop()
		}
	}
	q.messages = nil
	return purged
}

// requeueLocked puts a message back at the head of its queue
func (b *Broker) requeueLocked(q *queue, m *message) {
	if _, ok := b.queues[q.name]; !ok || b.queues[q.name] != q {
		return
	}
	m.redelivered = true
	q.messages = append([]*message{m}, q.messages...)
	b.armTTLLocked(q, m)
	b.dispatchLocked(q)
}
