package amqptest_test

import (
	"context"
	"errors"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/amqp-connector-go/internal/amqptest"
	"github.com/glimte/amqp-connector-go/internal/rabbitmq"
)

func openChannel(t *testing.T, b *amqptest.Broker) (rabbitmq.Connection, rabbitmq.Channel) {
	t.Helper()
	conn, err := b.Dial("amqp://localhost:5672/", amqp.Config{Properties: amqp.Table{"service-name": "test"}})
	require.NoError(t, err)
	ch, err := conn.Channel()
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn, ch
}

func publish(t *testing.T, ch rabbitmq.Channel, exchange, key string, pub amqp.Publishing) {
	t.Helper()
	require.NoError(t, ch.PublishWithContext(context.Background(), exchange, key, false, false, pub))
}

func next(t *testing.T, deliveries <-chan amqp.Delivery) amqp.Delivery {
	t.Helper()
	select {
	case d, ok := <-deliveries:
		require.True(t, ok, "delivery channel closed")
		return d
	case <-time.After(2 * time.Second):
		t.Fatal("no delivery")
		return amqp.Delivery{}
	}
}

func TestRouting(t *testing.T) {
	tests := []struct {
		name     string
		kind     string
		key      string
		args     amqp.Table
		pubKey   string
		headers  amqp.Table
		expected int
	}{
		{name: "direct match", kind: amqp.ExchangeDirect, key: "a", pubKey: "a", expected: 1},
		{name: "direct miss", kind: amqp.ExchangeDirect, key: "a", pubKey: "b", expected: 0},
		{name: "topic star", kind: amqp.ExchangeTopic, key: "orders.*", pubKey: "orders.created", expected: 1},
		{name: "topic star one word only", kind: amqp.ExchangeTopic, key: "orders.*", pubKey: "orders.eu.created", expected: 0},
		{name: "topic hash", kind: amqp.ExchangeTopic, key: "orders.#", pubKey: "orders.eu.created", expected: 1},
		{name: "topic hash matches zero words", kind: amqp.ExchangeTopic, key: "orders.#", pubKey: "orders", expected: 1},
		{name: "fanout ignores key", kind: amqp.ExchangeFanout, pubKey: "anything", expected: 1},
		{
			name: "headers all", kind: amqp.ExchangeHeaders,
			args:    amqp.Table{"x-match": "all", "region": "eu", "tier": "gold"},
			headers: amqp.Table{"region": "eu", "tier": "gold"}, expected: 1,
		},
		{
			name: "headers all partial", kind: amqp.ExchangeHeaders,
			args:    amqp.Table{"x-match": "all", "region": "eu", "tier": "gold"},
			headers: amqp.Table{"region": "eu"}, expected: 0,
		},
		{
			name: "headers any", kind: amqp.ExchangeHeaders,
			args:    amqp.Table{"x-match": "any", "region": "eu", "tier": "gold"},
			headers: amqp.Table{"tier": "gold"}, expected: 1,
		},
		{
			name: "headers numeric types", kind: amqp.ExchangeHeaders,
			args:    amqp.Table{"x-match": "all", "version": int32(2)},
			headers: amqp.Table{"version": int64(2)}, expected: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := amqptest.NewBroker()
			_, ch := openChannel(t, b)

			require.NoError(t, ch.ExchangeDeclare("ex", tt.kind, true, false, false, false, nil))
			_, err := ch.QueueDeclare("q", true, false, false, false, nil)
			require.NoError(t, err)
			require.NoError(t, ch.QueueBind("q", tt.key, "ex", false, tt.args))

			publish(t, ch, "ex", tt.pubKey, amqp.Publishing{Headers: tt.headers, Body: []byte("m")})
			assert.Equal(t, tt.expected, b.QueueLength("q"))
		})
	}
}

func TestDefaultExchange(t *testing.T) {
	b := amqptest.NewBroker()
	_, ch := openChannel(t, b)

	_, err := ch.QueueDeclare("work", false, false, false, false, nil)
	require.NoError(t, err)

	publish(t, ch, "", "work", amqp.Publishing{Body: []byte("1")})
	publish(t, ch, "", "nowhere", amqp.Publishing{Body: []byte("2")})
	assert.Equal(t, 1, b.QueueLength("work"))
	assert.False(t, ch.IsClosed())

	msgs := b.Messages("work")
	require.Len(t, msgs, 1)
	assert.Equal(t, []byte("1"), msgs[0].Body)
}

func TestPublishToMissingExchangeClosesChannel(t *testing.T) {
	b := amqptest.NewBroker()
	_, ch := openChannel(t, b)
	notify := ch.NotifyClose(make(chan *amqp.Error, 1))

	publish(t, ch, "missing", "key", amqp.Publishing{})
	err := <-notify
	require.NotNil(t, err)
	assert.Equal(t, amqp.NotFound, err.Code)
	assert.True(t, ch.IsClosed())
}

func TestDeclarationConflicts(t *testing.T) {
	tests := []struct {
		name    string
		prepare func(ch rabbitmq.Channel) error
		declare func(ch rabbitmq.Channel) error
		code    int
	}{
		{
			name:    "exchange type",
			prepare: func(ch rabbitmq.Channel) error { return ch.ExchangeDeclare("x", "topic", true, false, false, false, nil) },
			declare: func(ch rabbitmq.Channel) error { return ch.ExchangeDeclare("x", "fanout", true, false, false, false, nil) },
			code:    amqp.PreconditionFailed,
		},
		{
			name:    "exchange durability",
			prepare: func(ch rabbitmq.Channel) error { return ch.ExchangeDeclare("x", "topic", true, false, false, false, nil) },
			declare: func(ch rabbitmq.Channel) error { return ch.ExchangeDeclare("x", "topic", false, false, false, false, nil) },
			code:    amqp.PreconditionFailed,
		},
		{
			name:    "reserved exchange name",
			prepare: func(ch rabbitmq.Channel) error { return nil },
			declare: func(ch rabbitmq.Channel) error { return ch.ExchangeDeclare("amq.custom", "topic", true, false, false, false, nil) },
			code:    amqp.AccessRefused,
		},
		{
			name: "queue arguments",
			prepare: func(ch rabbitmq.Channel) error {
				_, err := ch.QueueDeclare("q", true, false, false, false, amqp.Table{"x-message-ttl": int32(10)})
				return err
			},
			declare: func(ch rabbitmq.Channel) error {
				_, err := ch.QueueDeclare("q", true, false, false, false, amqp.Table{"x-message-ttl": int32(20)})
				return err
			},
			code: amqp.PreconditionFailed,
		},
		{
			name: "queue durability",
			prepare: func(ch rabbitmq.Channel) error {
				_, err := ch.QueueDeclare("q", true, false, false, false, nil)
				return err
			},
			declare: func(ch rabbitmq.Channel) error {
				_, err := ch.QueueDeclare("q", false, false, false, false, nil)
				return err
			},
			code: amqp.PreconditionFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := amqptest.NewBroker()
			_, ch := openChannel(t, b)
			require.NoError(t, tt.prepare(ch))

			err := tt.declare(ch)
			var amqpErr *amqp.Error
			require.ErrorAs(t, err, &amqpErr)
			assert.Equal(t, tt.code, amqpErr.Code)
			assert.True(t, ch.IsClosed())
			assert.True(t, errors.Is(tt.declare(ch), amqp.ErrClosed))
		})
	}
}

func TestEquivalentRedeclareSucceeds(t *testing.T) {
	b := amqptest.NewBroker()
	_, ch := openChannel(t, b)

	args := amqp.Table{"x-message-ttl": int64(50), "x-dead-letter-exchange": ""}
	for i := 0; i < 2; i++ {
		require.NoError(t, ch.ExchangeDeclare("x", "direct", true, false, false, false, nil))
		_, err := ch.QueueDeclare("q", true, false, false, false, args)
		require.NoError(t, err)
		require.NoError(t, ch.QueueBind("q", "k", "x", false, nil))
	}
	assert.False(t, ch.IsClosed())
}

func TestServerNamedExclusiveQueue(t *testing.T) {
	b := amqptest.NewBroker()
	owner, ch := openChannel(t, b)

	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	require.NoError(t, err)
	assert.Contains(t, q.Name, "amq.gen-")

	_, other := openChannel(t, b)
	_, err = other.Consume(q.Name, "", false, false, false, false, nil)
	var amqpErr *amqp.Error
	require.ErrorAs(t, err, &amqpErr)
	assert.Equal(t, amqp.ResourceLocked, amqpErr.Code)

	require.NoError(t, owner.Close())
	assert.False(t, b.HasQueue(q.Name))
}

func TestAutoDeleteQueueRemovedWithLastConsumer(t *testing.T) {
	b := amqptest.NewBroker()
	_, ch := openChannel(t, b)

	_, err := ch.QueueDeclare("temp", false, true, false, false, nil)
	require.NoError(t, err)
	_, err = ch.Consume("temp", "c1", true, false, false, false, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, b.ConsumerCount("temp"))

	require.NoError(t, ch.Cancel("c1", false))
	assert.False(t, b.HasQueue("temp"))
}

func TestTTLDeadLettering(t *testing.T) {
	b := amqptest.NewBroker()
	_, ch := openChannel(t, b)

	require.NoError(t, ch.ExchangeDeclare("ring", "fanout", true, false, false, false, nil))
	_, err := ch.QueueDeclare("ring", true, false, false, false, amqp.Table{
		"x-message-ttl":          int64(20),
		"x-dead-letter-exchange": "",
	})
	require.NoError(t, err)
	require.NoError(t, ch.QueueBind("ring", "", "ring", false, nil))

	_, err = ch.QueueDeclare("live", true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    "ring",
		"x-dead-letter-routing-key": "live",
	})
	require.NoError(t, err)

	deliveries, err := ch.Consume("live", "", false, false, false, false, nil)
	require.NoError(t, err)

	publish(t, ch, "", "live", amqp.Publishing{Body: []byte("job")})

	for attempt := int64(0); attempt < 3; attempt++ {
		d := next(t, deliveries)
		assert.Equal(t, []byte("job"), d.Body)

		if attempt == 0 {
			assert.NotContains(t, d.Headers, "x-death")
		} else {
			deaths, ok := d.Headers["x-death"].([]interface{})
			require.True(t, ok)
			require.Len(t, deaths, 2)
			for _, raw := range deaths {
				death := raw.(amqp.Table)
				assert.Equal(t, attempt, death["count"])
			}
			assert.Equal(t, "live", d.Headers["x-first-death-queue"])
			assert.Equal(t, "rejected", d.Headers["x-first-death-reason"])
		}
		require.NoError(t, d.Nack(false, false))
	}
}

func TestPrefetch(t *testing.T) {
	b := amqptest.NewBroker()
	_, ch := openChannel(t, b)

	_, err := ch.QueueDeclare("jobs", true, false, false, false, nil)
	require.NoError(t, err)
	require.NoError(t, ch.Qos(2, 0, false))

	for i := 0; i < 5; i++ {
		publish(t, ch, "", "jobs", amqp.Publishing{Body: []byte{byte(i)}})
	}

	deliveries, err := ch.Consume("jobs", "", false, false, false, false, nil)
	require.NoError(t, err)

	first := next(t, deliveries)
	second := next(t, deliveries)
	assert.Equal(t, 3, b.QueueLength("jobs"))

	select {
	case d := <-deliveries:
		t.Fatalf("unexpected delivery %v beyond prefetch", d.Body)
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, first.Ack(false))
	third := next(t, deliveries)
	assert.Equal(t, []byte{2}, third.Body)
	assert.Equal(t, 2, b.QueueLength("jobs"))

	require.NoError(t, second.Ack(false))
	require.NoError(t, third.Ack(false))
}

func TestUnackedRequeuedOnChannelClose(t *testing.T) {
	b := amqptest.NewBroker()
	conn, ch := openChannel(t, b)

	_, err := ch.QueueDeclare("jobs", true, false, false, false, nil)
	require.NoError(t, err)
	publish(t, ch, "", "jobs", amqp.Publishing{Body: []byte("x")})

	deliveries, err := ch.Consume("jobs", "", false, false, false, false, nil)
	require.NoError(t, err)
	next(t, deliveries)
	assert.Equal(t, 0, b.QueueLength("jobs"))

	require.NoError(t, ch.Close())
	assert.Equal(t, 1, b.QueueLength("jobs"))

	ch2, err := conn.Channel()
	require.NoError(t, err)
	redelivered, err := ch2.Consume("jobs", "", true, false, false, false, nil)
	require.NoError(t, err)
	d := next(t, redelivered)
	assert.True(t, d.Redelivered)
}

func TestDialFailuresAndProperties(t *testing.T) {
	b := amqptest.NewBroker()
	dialErr := errors.New("connection refused")
	b.FailDials(1, dialErr)

	_, err := b.Dial("amqp://one/", amqp.Config{})
	assert.ErrorIs(t, err, dialErr)

	_, err = b.Dial("amqp://two/", amqp.Config{Properties: amqp.Table{"service-name": "svc"}})
	require.NoError(t, err)

	assert.Equal(t, []string{"amqp://one/", "amqp://two/"}, b.DialedURLs())
	props := b.ClientProperties()
	require.Len(t, props, 1)
	assert.Equal(t, "svc", props[0]["service-name"])
}
