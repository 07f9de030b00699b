// Package qualifier parses the compact routing strings accepted by channels.
//
// Publish qualifiers:   q/<queue> | <direct|topic>/<exchange>/<routingKey> | <fanout|headers>/<exchange>
// Subscribe qualifiers: <direct|topic>/<exchange>/<routingKey>/<queue> | <fanout|headers>/<exchange>/<queue>
// Invoke qualifiers:    <function> | stream/<function>
//
// Every non-empty exchange, routing key, queue and function name is prefixed
// with the channel realm by plain concatenation. An exchange left empty
// defaults to the broker predeclared amq.<kind> and is not prefixed; an
// explicitly named exchange is always prefixed, amq.* names included.
package qualifier

import (
	"errors"
	"strings"
)

// ErrMalformed is returned for qualifiers with an unknown type segment
var ErrMalformed = errors.New("qualifier_malformed")

// Kind is the type segment of a routing qualifier
type Kind string

const (
	KindDirect  Kind = "direct"
	KindTopic   Kind = "topic"
	KindFanout  Kind = "fanout"
	KindHeaders Kind = "headers"
	// KindQueue sends straight to a queue through the default exchange
	KindQueue Kind = "q"
)

// ExchangeKinds lists the broker exchange kinds accepted by subscribe qualifiers
var ExchangeKinds = []Kind{KindDirect, KindHeaders, KindFanout, KindTopic}

// DefaultExchange returns the broker predeclared exchange for a kind
func DefaultExchange(kind Kind) string {
	switch kind {
	case KindDirect, KindTopic, KindFanout, KindHeaders:
		return "amq." + string(kind)
	default:
		return ""
	}
}

// IsExchangeKind reports whether kind names a broker exchange kind
func IsExchangeKind(kind Kind) bool {
	for _, k := range ExchangeKinds {
		if k == kind {
			return true
		}
	}
	return false
}

// ignoresRoutingKey reports whether the exchange kind routes without keys
func ignoresRoutingKey(kind Kind) bool {
	return kind == KindFanout || kind == KindHeaders
}

// Descriptor is the routing target a qualifier resolves to
type Descriptor struct {
	Kind       Kind
	Exchange   string
	RoutingKey string
	Queue      string
}

// InvokeKind distinguishes plain RPC from streamed responses
type InvokeKind string

const (
	InvokeRPC    InvokeKind = "rpc"
	InvokeStream InvokeKind = "stream"
)

// Invocation is the target of an invoke qualifier
type Invocation struct {
	Kind     InvokeKind
	Function string
}

// Options carries parsing parameters taken from the channel
type Options struct {
	Realm string
}

func segment(parts []string, i int) string {
	if i < len(parts) {
		return parts[i]
	}
	return ""
}

func (o Options) prefix(name string) string {
	if name == "" {
		return ""
	}
	return o.Realm + name
}

func (o Options) exchange(kind Kind, name string) string {
	if name == "" {
		return DefaultExchange(kind)
	}
	return o.Realm + name
}

// ParseSubscribe parses a subscribe qualifier
func ParseSubscribe(qualifier string, opts Options) (Descriptor, error) {
	parts := strings.Split(qualifier, "/")
	kind := Kind(parts[0])
	if !IsExchangeKind(kind) {
		return Descriptor{}, ErrMalformed
	}

	exchange := segment(parts, 1)
	routingKey := segment(parts, 2)
	queue := segment(parts, 3)
	if ignoresRoutingKey(kind) {
		queue = routingKey
		routingKey = ""
	}

	return Descriptor{
		Kind:       kind,
		Exchange:   opts.exchange(kind, exchange),
		RoutingKey: opts.prefix(routingKey),
		Queue:      opts.prefix(queue),
	}, nil
}

// ParsePublish parses a publish qualifier
func ParsePublish(qualifier string, opts Options) (Descriptor, error) {
	parts := strings.Split(qualifier, "/")
	kind := Kind(parts[0])
	if kind != KindQueue && !IsExchangeKind(kind) {
		return Descriptor{}, ErrMalformed
	}

	if kind == KindQueue {
		return Descriptor{
			Kind:  kind,
			Queue: opts.prefix(segment(parts, 1)),
		}, nil
	}

	routingKey := segment(parts, 2)
	if ignoresRoutingKey(kind) {
		routingKey = ""
	}

	return Descriptor{
		Kind:       kind,
		Exchange:   opts.exchange(kind, segment(parts, 1)),
		RoutingKey: opts.prefix(routingKey),
	}, nil
}

const streamPrefix = string(InvokeStream) + "/"

// ParseInvoke parses an invoke qualifier
func ParseInvoke(qualifier string, opts Options) Invocation {
	if strings.HasPrefix(qualifier, streamPrefix) {
		return Invocation{
			Kind:     InvokeStream,
			Function: opts.prefix(strings.TrimPrefix(qualifier, streamPrefix)),
		}
	}
	return Invocation{Kind: InvokeRPC, Function: opts.prefix(qualifier)}
}
