package messaging

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/amqp-connector-go/contracts"
	"github.com/glimte/amqp-connector-go/internal/tracing"
)

// Handler processes a subscription message. A returned error sends the
// message through the retry policy of the subscription.
type Handler func(ctx context.Context, d *Delivery) error

// ListenHandler answers an RPC request. The result is the reply payload; an
// io.Reader result is streamed to the caller chunk by chunk.
type ListenHandler func(ctx context.Context, d *Delivery) (interface{}, error)

// Delivery is an inbound message together with publish and invoke
// operations that continue its trace.
type Delivery struct {
	Message *contracts.Envelope

	channel *Channel
	parent  amqp.Table
}

func newDelivery(ch *Channel, env *contracts.Envelope, parent amqp.Table) *Delivery {
	return &Delivery{Message: env, channel: ch, parent: parent}
}

// ContextHeaders returns the headers nested calls made through d inherit
func (d *Delivery) ContextHeaders() amqp.Table {
	return tracing.ContextHeaders(d.parent)
}

// PublishMessage publishes as Channel.PublishMessage, carrying the origin
// service, origin consumer and transaction stack of the message.
func (d *Delivery) PublishMessage(ctx context.Context, q string, payload interface{}, opts ...PublishOption) error {
	opts = append(opts, WithHeaders(d.ContextHeaders()))
	return d.channel.PublishMessage(ctx, q, payload, opts...)
}

// Invoke calls a remote function as Channel.Invoke, carrying the trace
// headers of the message.
func (d *Delivery) Invoke(ctx context.Context, fn string, payload interface{}, opts ...InvokeOption) (*contracts.Envelope, error) {
	opts = append(opts, WithHeaders(d.ContextHeaders()))
	return d.channel.Invoke(ctx, fn, payload, opts...)
}

// InvokeStream calls a streaming function as Channel.InvokeStream,
// carrying the trace headers of the message.
func (d *Delivery) InvokeStream(ctx context.Context, fn string, payload interface{}, opts ...InvokeOption) (*ResponseStream, error) {
	opts = append(opts, WithHeaders(d.ContextHeaders()))
	return d.channel.InvokeStream(ctx, fn, payload, opts...)
}
