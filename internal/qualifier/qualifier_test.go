package qualifier

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSubscribe(t *testing.T) {
	tests := []struct {
		qualifier string
		want      Descriptor
	}{
		{"direct", Descriptor{Kind: KindDirect, Exchange: "amq.direct"}},
		{"direct/", Descriptor{Kind: KindDirect, Exchange: "amq.direct"}},
		{"direct//", Descriptor{Kind: KindDirect, Exchange: "amq.direct"}},
		{"direct/exchange", Descriptor{Kind: KindDirect, Exchange: "exchange"}},
		{"direct/exchange/routingkey", Descriptor{Kind: KindDirect, Exchange: "exchange", RoutingKey: "routingkey"}},
		{"direct/exchange/routingkey/", Descriptor{Kind: KindDirect, Exchange: "exchange", RoutingKey: "routingkey"}},
		{"direct/exchange//queue", Descriptor{Kind: KindDirect, Exchange: "exchange", Queue: "queue"}},
		{"direct/exchange/routingkey/queue", Descriptor{Kind: KindDirect, Exchange: "exchange", RoutingKey: "routingkey", Queue: "queue"}},
		{"direct/exchange/routingkey/queue/extra", Descriptor{Kind: KindDirect, Exchange: "exchange", RoutingKey: "routingkey", Queue: "queue"}},
		{"topic//", Descriptor{Kind: KindTopic, Exchange: "amq.topic"}},
		{"topic/exchange/my.*.#/queue", Descriptor{Kind: KindTopic, Exchange: "exchange", RoutingKey: "my.*.#", Queue: "queue"}},
		{"fanout", Descriptor{Kind: KindFanout, Exchange: "amq.fanout"}},
		{"fanout/exchange/queue", Descriptor{Kind: KindFanout, Exchange: "exchange", Queue: "queue"}},
		{"fanout/exchange/queue/stuff", Descriptor{Kind: KindFanout, Exchange: "exchange", Queue: "queue"}},
		{"headers/", Descriptor{Kind: KindHeaders, Exchange: "amq.headers"}},
		{"headers/exchange/queue/", Descriptor{Kind: KindHeaders, Exchange: "exchange", Queue: "queue"}},
	}

	for _, tt := range tests {
		t.Run(tt.qualifier, func(t *testing.T) {
			got, err := ParseSubscribe(tt.qualifier, Options{})
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseSubscribeMalformed(t *testing.T) {
	for _, q := range []string{"other", "q", "q/queue", "", "Direct/exchange"} {
		t.Run(q, func(t *testing.T) {
			_, err := ParseSubscribe(q, Options{})
			assert.ErrorIs(t, err, ErrMalformed)
		})
	}
}

func TestParsePublish(t *testing.T) {
	tests := []struct {
		qualifier string
		want      Descriptor
	}{
		{"direct", Descriptor{Kind: KindDirect, Exchange: "amq.direct"}},
		{"direct/exchange/", Descriptor{Kind: KindDirect, Exchange: "exchange"}},
		{"direct/exchange/routingkey", Descriptor{Kind: KindDirect, Exchange: "exchange", RoutingKey: "routingkey"}},
		{"direct/exchange/routingkey/stuff", Descriptor{Kind: KindDirect, Exchange: "exchange", RoutingKey: "routingkey"}},
		{"topic/", Descriptor{Kind: KindTopic, Exchange: "amq.topic"}},
		{"topic/exchange/routingkey/", Descriptor{Kind: KindTopic, Exchange: "exchange", RoutingKey: "routingkey"}},
		{"fanout/exchange/routingkey", Descriptor{Kind: KindFanout, Exchange: "exchange"}},
		{"fanout/exchange/routingkey/stuff", Descriptor{Kind: KindFanout, Exchange: "exchange"}},
		{"headers/exchange/stuff", Descriptor{Kind: KindHeaders, Exchange: "exchange"}},
		{"headers/exchange/stuff/morestuff", Descriptor{Kind: KindHeaders, Exchange: "exchange"}},
		{"q", Descriptor{Kind: KindQueue}},
		{"q/", Descriptor{Kind: KindQueue}},
		{"q/queue", Descriptor{Kind: KindQueue, Queue: "queue"}},
		{"q/queue/stuff", Descriptor{Kind: KindQueue, Queue: "queue"}},
	}

	for _, tt := range tests {
		t.Run(tt.qualifier, func(t *testing.T) {
			got, err := ParsePublish(tt.qualifier, Options{})
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	t.Run("malformed", func(t *testing.T) {
		_, err := ParsePublish("other", Options{})
		assert.ErrorIs(t, err, ErrMalformed)
	})
}

func TestRoutingKeyIgnoredForFanoutAndHeaders(t *testing.T) {
	for _, kind := range []Kind{KindFanout, KindHeaders} {
		for _, tail := range []string{"", "/rk", "/rk/more", "/a.b.c/d/e"} {
			q := string(kind) + "/exchange" + tail
			pub, err := ParsePublish(q, Options{Realm: "realm."})
			require.NoError(t, err)
			assert.Empty(t, pub.RoutingKey, q)

			sub, err := ParseSubscribe(q, Options{Realm: "realm."})
			require.NoError(t, err)
			assert.Empty(t, sub.RoutingKey, q)
		}
	}
}

func TestRealmPrefix(t *testing.T) {
	opts := Options{Realm: "space."}

	sub, err := ParseSubscribe("direct/my-exchange/my.routing.key/my-queue", opts)
	require.NoError(t, err)
	assert.Equal(t, Descriptor{
		Kind:       KindDirect,
		Exchange:   "space.my-exchange",
		RoutingKey: "space.my.routing.key",
		Queue:      "space.my-queue",
	}, sub)

	pub, err := ParsePublish("q/my-queue", opts)
	require.NoError(t, err)
	assert.Equal(t, "space.my-queue", pub.Queue)
	assert.Empty(t, pub.Exchange)

	def, err := ParseSubscribe("topic//key", opts)
	require.NoError(t, err)
	assert.Equal(t, "amq.topic", def.Exchange)
	assert.Equal(t, "space.key", def.RoutingKey)
	assert.Empty(t, def.Queue)

	explicit, err := ParseSubscribe("topic/amq.topic/k/q", opts)
	require.NoError(t, err)
	assert.Equal(t, "space.amq.topic", explicit.Exchange)

	noRealm, err := ParseSubscribe("direct/e/k/q", Options{Realm: ""})
	require.NoError(t, err)
	assert.Equal(t, "e", noRealm.Exchange)
}

func TestParseInvoke(t *testing.T) {
	assert.Equal(t, Invocation{Kind: InvokeRPC, Function: "my_fn"}, ParseInvoke("my_fn", Options{}))
	assert.Equal(t, Invocation{Kind: InvokeStream, Function: "my_fn"}, ParseInvoke("stream/my_fn", Options{}))
	assert.Equal(t, Invocation{Kind: InvokeStream, Function: "space.my_fn"}, ParseInvoke("stream/my_fn", Options{Realm: "space."}))
	assert.Equal(t, Invocation{Kind: InvokeRPC, Function: "space.streamer"}, ParseInvoke("streamer", Options{Realm: "space."}))
}

func TestDefaultExchange(t *testing.T) {
	assert.Equal(t, "amq.direct", DefaultExchange(KindDirect))
	assert.Equal(t, "amq.topic", DefaultExchange(KindTopic))
	assert.Equal(t, "amq.fanout", DefaultExchange(KindFanout))
	assert.Equal(t, "amq.headers", DefaultExchange(KindHeaders))
	assert.Equal(t, "", DefaultExchange(KindQueue))
}
