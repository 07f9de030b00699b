package messaging

import (
	"context"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/glimte/amqp-connector-go/contracts"
	"github.com/glimte/amqp-connector-go/internal/qualifier"
	"github.com/glimte/amqp-connector-go/internal/rabbitmq"
	"github.com/glimte/amqp-connector-go/internal/tracing"
	"github.com/glimte/amqp-connector-go/metrics"
)

// PublishMessage publishes payload to the target of a publish qualifier.
//
// JSON channels send []byte payloads as they are and JSON encode anything
// else. Raw channels accept only []byte and fail with
// contracts.ErrContentNotBuffer otherwise.
func (c *Channel) PublishMessage(ctx context.Context, q string, payload interface{}, opts ...PublishOption) error {
	target, err := qualifier.ParsePublish(q, c.qualifierOptions())
	if err != nil {
		return err
	}

	o := defaultPublishOptions()
	for _, opt := range opts {
		opt.applyPublish(&o)
	}

	kind := string(target.Kind)
	body, err := c.codec.encode(payload)
	if err != nil {
		c.metrics.Published(kind, metrics.OutcomeError)
		return err
	}

	exchange, key := target.Exchange, target.RoutingKey
	if target.Kind == qualifier.KindQueue {
		exchange, key = "", target.Queue
	}

	headers := c.stampHeaders(o.Headers)
	ctx, span := tracing.StartSpan(ctx, q+" publish", trace.SpanKindProducer, destination(exchange, key),
		attribute.String("amqp.qualifier", q),
	)
	tracing.Inject(ctx, headers)

	msg := amqp.Publishing{
		Headers:       headers,
		ContentType:   c.codec.contentType(),
		DeliveryMode:  contracts.DeliveryModePersistent,
		Priority:      o.Priority,
		Expiration:    o.Expiration,
		MessageId:     o.MessageID,
		CorrelationId: o.CorrelationID,
		Type:          o.Type,
		AppId:         o.AppID,
		Body:          body,
	}

	err = c.send(ctx, exchange, key, o.Mandatory, msg)
	tracing.EndSpan(span, err)
	if err != nil {
		c.metrics.Published(kind, metrics.OutcomeError)
		return err
	}
	c.metrics.Published(kind, metrics.OutcomeOK)
	return nil
}

// stampHeaders returns headers with this hop's identity, timestamp and one
// fresh transaction stack id.
func (c *Channel) stampHeaders(headers amqp.Table) amqp.Table {
	return tracing.MergeHeaders(headers, amqp.Table{
		contracts.HeaderTimestamp:        time.Now().UnixMilli(),
		contracts.HeaderService:          c.identity.ServiceName,
		contracts.HeaderServiceVersion:   c.identity.ServiceVersion,
		contracts.HeaderTransactionStack: tracing.AppendStack(headers),
	})
}

// send publishes on the current broker channel
func (c *Channel) send(ctx context.Context, exchange, key string, mandatory bool, msg amqp.Publishing) error {
	ch, err := c.broker(ctx)
	if err != nil {
		return err
	}
	return c.sendOn(ctx, ch, exchange, key, mandatory, msg)
}

// sendOn publishes on a given broker channel
func (c *Channel) sendOn(ctx context.Context, ch rabbitmq.Channel, exchange, key string, mandatory bool, msg amqp.Publishing) error {
	c.logger.Debug("publish_message",
		zap.String("exchange", exchange),
		zap.String("routingKey", key),
		zap.Int("size", len(msg.Body)),
	)
	if err := ch.PublishWithContext(ctx, exchange, key, mandatory, false, msg); err != nil {
		return &rabbitmq.ChannelError{Op: "publish", Channel: c.name, Err: err, Timestamp: time.Now()}
	}
	return nil
}

func destination(exchange, key string) string {
	if exchange == "" {
		return key
	}
	return exchange
}
