package messaging

import (
	"context"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/glimte/amqp-connector-go/contracts"
	"github.com/glimte/amqp-connector-go/interceptors"
	"github.com/glimte/amqp-connector-go/internal/qualifier"
	"github.com/glimte/amqp-connector-go/internal/rabbitmq"
	"github.com/glimte/amqp-connector-go/internal/reliability"
	"github.com/glimte/amqp-connector-go/internal/tracing"
	"github.com/glimte/amqp-connector-go/metrics"
)

// subscription is the declared state of one SubscribeToMessages call
type subscription struct {
	qualifier string
	target    qualifier.Descriptor
	opts      SubscribeOptions
	retry     reliability.RetryPolicy
	tag       string
	handler   interceptors.Handler
}

// SubscribeToMessages declares the retry ring, the exchange, the queue and
// the binding named by a subscribe qualifier, then consumes the queue.
// Declaration failures, including conflicts with existing broker objects,
// are returned. The returned consumer tag can be passed to Cancel.
//
// Each delivery runs handler in its own goroutine. A delivery that fails
// validation is acked and dropped. A failed delivery is nacked after the
// channel reject timeout, or acked and copied to the dump queue once it has
// used up its tries. Cancelling the subscription nacks pending deliveries
// right away; closing the channel drops the nack and lets the broker requeue.
func (c *Channel) SubscribeToMessages(ctx context.Context, q string, handler Handler, opts ...SubscribeOption) (string, error) {
	target, err := qualifier.ParseSubscribe(q, c.qualifierOptions())
	if err != nil {
		return "", err
	}

	o := defaultSubscribeOptions()
	for _, opt := range opts {
		opt.applySubscribe(&o)
	}

	s := &subscription{
		qualifier: q,
		target:    target,
		opts:      o,
		retry:     o.Retry.Normalize(c.realm),
		tag:       rabbitmq.NewConsumerTag(),
	}
	s.handler = c.chain.With(o.Interceptors...).Then(func(ctx context.Context, inv *interceptors.Invocation) (interface{}, error) {
		d := newDelivery(c, inv.Message, c.handlerParent(inv.Message.Properties.Headers, q))
		return nil, handler(ctx, d)
	})

	if err := c.mc.AddNamedSetup(ctx, s.tag, func(ctx context.Context, ch rabbitmq.Channel) error {
		return c.startSubscription(ctx, ch, s)
	}); err != nil {
		return "", err
	}
	c.logger.Info("subscribed", zap.String("qualifier", q), zap.String("consumerTag", s.tag))
	return s.tag, nil
}

// handlerParent is the header set nested calls of a subscription handler
// derive their trace headers from.
func (c *Channel) handlerParent(headers amqp.Table, q string) amqp.Table {
	return tracing.MergeHeaders(headers, amqp.Table{
		contracts.HeaderConsumer:       q,
		contracts.HeaderService:        c.identity.ServiceName,
		contracts.HeaderServiceVersion: c.identity.ServiceVersion,
	})
}

// startSubscription declares the topology of s on ch and starts its consumer
func (c *Channel) startSubscription(ctx context.Context, ch rabbitmq.Channel, s *subscription) error {
	if err := rabbitmq.DeclareTopology(ctx, ch, s.retry.Topology()); err != nil {
		return err
	}

	if s.target.Exchange != "" {
		if err := rabbitmq.DeclareExchange(ch, rabbitmq.ExchangeDeclaration{
			Name:       s.target.Exchange,
			Type:       string(s.target.Kind),
			Durable:    s.opts.Exchange.Durable,
			AutoDelete: s.opts.Exchange.AutoDelete,
			Arguments:  s.opts.Exchange.Arguments,
		}); err != nil {
			return err
		}
	}

	args := s.opts.Queue.Arguments
	if s.retry.Enabled() {
		args = s.retry.LiveQueueArguments(s.target.Queue, args)
	}
	queue, err := rabbitmq.DeclareQueue(ch, rabbitmq.QueueDeclaration{
		Name:       s.target.Queue,
		Durable:    s.opts.Queue.Durable,
		AutoDelete: s.opts.Queue.AutoDelete,
		Exclusive:  s.opts.Queue.Exclusive,
		Arguments:  args,
	})
	if err != nil {
		return err
	}

	if s.target.Exchange != "" {
		if err := rabbitmq.BindQueue(ch, rabbitmq.Binding{
			Queue:      queue.Name,
			Exchange:   s.target.Exchange,
			RoutingKey: s.target.RoutingKey,
			Arguments:  s.opts.BindingHeaders,
		}); err != nil {
			return err
		}
	}

	stopped := make(chan struct{})
	consumer, err := rabbitmq.StartConsumer(c.handlerCtx, ch, rabbitmq.ConsumeOptions{
		Queue: queue.Name,
		Tag:   s.tag,
	}, func(ctx context.Context, d amqp.Delivery) {
		c.handleSubscription(ctx, ch, s, queue.Name, stopped, d)
	}, c.logger, &c.inflight)
	if err != nil {
		close(stopped)
		return err
	}
	go func() {
		<-consumer.Done()
		close(stopped)
	}()
	c.trackConsumer(s.tag, consumer)
	return nil
}

// handleSubscription settles one delivery of s
func (c *Channel) handleSubscription(ctx context.Context, ch rabbitmq.Channel, s *subscription, queue string, stopped <-chan struct{}, d amqp.Delivery) {
	logger := c.logger.With(zap.String("qualifier", s.qualifier), zap.Uint64("deliveryTag", d.DeliveryTag))

	content, err := c.codec.decode(d.Body)
	env := contracts.NewEnvelope(d, content)
	if err == nil && s.opts.Validator != nil {
		if vErr := s.opts.Validator.Validate(env); vErr != nil {
			logger.Warn("subscribe_message_fails_validation", zap.Error(vErr))
			c.ack(logger, d)
			c.metrics.Consumed(interceptors.OperationSubscribe, metrics.OutcomeInvalid)
			return
		}
	}

	if err == nil {
		_, err = s.handler(ctx, &interceptors.Invocation{
			Operation: interceptors.OperationSubscribe,
			Qualifier: s.qualifier,
			Queue:     queue,
			Message:   env,
		})
	}
	if err == nil {
		c.ack(logger, d)
		c.metrics.Consumed(interceptors.OperationSubscribe, metrics.OutcomeAck)
		return
	}

	deaths := reliability.DeathCount(d.Headers, queue)
	if s.retry.Exhausted(deaths) {
		logger.Info("message_nack_stop_retrying", zap.Int64("deaths", deaths), zap.Error(err))
		c.ack(logger, d)
		if s.retry.DumpQueue != "" {
			c.dump(ctx, ch, logger, s.retry.DumpQueue, d)
			return
		}
		c.metrics.Consumed(interceptors.OperationSubscribe, metrics.OutcomeDiscarded)
		return
	}

	if c.rejectTimeout > 0 {
		timer := time.NewTimer(c.rejectTimeout)
		select {
		case <-timer.C:
		case <-stopped:
			// the consumer is gone but the delivery is still ours to settle
			timer.Stop()
			if c.isClosed() {
				logger.Debug("delayed nack dropped, channel closed")
				return
			}
		case <-c.ctx.Done():
			timer.Stop()
			logger.Debug("delayed nack dropped, channel closed")
			return
		}
	}

	if ch.IsClosed() {
		logger.Debug("nack dropped, broker channel closed")
		return
	}

	logger.Info("message_nack", zap.Int64("deaths", deaths), zap.Error(err))
	if nErr := d.Nack(s.opts.Nack.AllUpTo, s.opts.Nack.Requeue); nErr != nil {
		logger.Warn("failed to nack message", zap.Error(nErr))
		return
	}
	if s.retry.Enabled() {
		c.metrics.Consumed(interceptors.OperationSubscribe, metrics.OutcomeRetry)
	} else {
		c.metrics.Consumed(interceptors.OperationSubscribe, metrics.OutcomeDiscarded)
	}
}

// dump forwards the undecoded body and original headers of d to queue
func (c *Channel) dump(ctx context.Context, ch rabbitmq.Channel, logger *zap.Logger, queue string, d amqp.Delivery) {
	err := c.sendOn(context.WithoutCancel(ctx), ch, "", queue, false, amqp.Publishing{
		Headers:      d.Headers,
		ContentType:  d.ContentType,
		DeliveryMode: contracts.DeliveryModePersistent,
		Body:         d.Body,
	})
	if err != nil {
		logger.Error("failed to send message to dump queue", zap.String("dumpQueue", queue), zap.Error(err))
		return
	}
	logger.Info("message_ack_sent_to_dump_queue", zap.String("dumpQueue", queue))
	c.metrics.Consumed(interceptors.OperationSubscribe, metrics.OutcomeDumped)
}

func (c *Channel) ack(logger *zap.Logger, d amqp.Delivery) {
	if err := d.Ack(false); err != nil {
		logger.Warn("failed to ack message", zap.Error(err))
	}
}
