package messaging

import (
	"context"
	"io"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/glimte/amqp-connector-go/contracts"
	"github.com/glimte/amqp-connector-go/interceptors"
	"github.com/glimte/amqp-connector-go/internal/rabbitmq"
	"github.com/glimte/amqp-connector-go/metrics"
)

// listener is the declared state of one Listen call
type listener struct {
	function string
	queue    string
	opts     ListenOptions
	tag      string
	handler  interceptors.Handler
}

// Listen declares the queue of function fn and answers its requests with
// the results of handler. Every request is acked before its reply is sent.
// Handler errors, validation failures and unencodable results are answered
// with an error reply carrying {message, stack, ...error fields}.
// The returned consumer tag can be passed to Cancel.
func (c *Channel) Listen(ctx context.Context, fn string, handler ListenHandler, opts ...ListenOption) (string, error) {
	o := defaultListenOptions()
	for _, opt := range opts {
		opt.applyListen(&o)
	}

	l := &listener{
		function: fn,
		queue:    c.qualifierOptions().Realm + fn,
		opts:     o,
		tag:      rabbitmq.NewConsumerTag(),
	}
	l.handler = c.chain.With(o.Interceptors...).Then(func(ctx context.Context, inv *interceptors.Invocation) (interface{}, error) {
		if o.Validator != nil {
			if err := o.Validator.Validate(inv.Message); err != nil {
				c.logger.Warn("listen_rpc_message_fails_validation", zap.String("function", fn), zap.Error(err))
				return nil, err
			}
		}
		return handler(ctx, newDelivery(c, inv.Message, inv.Message.Properties.Headers))
	})

	if err := c.mc.AddNamedSetup(ctx, l.tag, func(ctx context.Context, ch rabbitmq.Channel) error {
		return c.startListener(ctx, ch, l)
	}); err != nil {
		return "", err
	}
	c.logger.Info("listening", zap.String("function", l.queue), zap.String("consumerTag", l.tag))
	return l.tag, nil
}

func (c *Channel) startListener(ctx context.Context, ch rabbitmq.Channel, l *listener) error {
	queue, err := rabbitmq.DeclareQueue(ch, rabbitmq.QueueDeclaration{
		Name:       l.queue,
		Durable:    l.opts.Queue.Durable,
		AutoDelete: l.opts.Queue.AutoDelete,
		Exclusive:  l.opts.Queue.Exclusive,
		Arguments:  l.opts.Queue.Arguments,
	})
	if err != nil {
		return err
	}

	consumer, err := rabbitmq.StartConsumer(c.handlerCtx, ch, rabbitmq.ConsumeOptions{
		Queue: queue.Name,
		Tag:   l.tag,
	}, func(ctx context.Context, d amqp.Delivery) {
		c.handleRequest(ctx, ch, l, d)
	}, c.logger, &c.inflight)
	if err != nil {
		return err
	}
	c.trackConsumer(l.tag, consumer)
	return nil
}

// handleRequest runs the handler for one request and sends the reply
func (c *Channel) handleRequest(ctx context.Context, ch rabbitmq.Channel, l *listener, d amqp.Delivery) {
	logger := c.logger.With(
		zap.String("function", l.queue),
		zap.String("correlationId", headerString(d.Headers, contracts.HeaderCorrelationID)),
	)
	logger.Debug("listen_rpc_message_received")

	content, err := c.codec.decode(d.Body)
	var result interface{}
	if err == nil {
		result, err = l.handler(ctx, &interceptors.Invocation{
			Operation: interceptors.OperationListen,
			Qualifier: l.function,
			Queue:     l.queue,
			Message:   contracts.NewEnvelope(d, content),
		})
	}

	c.ack(logger, d)

	replyTo := headerString(d.Headers, contracts.HeaderReplyTo)
	if replyTo == "" {
		logger.Warn("request has no reply queue, dropping reply")
		return
	}
	r := &responder{channel: c, broker: ch, replyTo: replyTo, request: d, logger: logger}

	if err == nil {
		if stream, ok := result.(io.Reader); ok {
			r.stream(ctx, stream, l.opts.ChunkSize)
			return
		}
		var body []byte
		if body, err = c.codec.encodeReply(result); err == nil {
			r.reply(ctx, body, false, nil)
			c.metrics.Consumed(interceptors.OperationListen, metrics.OutcomeReplied)
			return
		}
	}

	r.reply(ctx, c.codec.encodeError(err), true, nil)
	c.metrics.Consumed(interceptors.OperationListen, metrics.OutcomeErrorReply)
}

// responder sends the frames answering one request
type responder struct {
	channel *Channel
	broker  rabbitmq.Channel
	replyTo string
	request amqp.Delivery
	logger  *zap.Logger
}

// reply sends one frame carrying the original request headers
func (r *responder) reply(ctx context.Context, body []byte, isError bool, extra amqp.Table) {
	headers := copyTable(r.request.Headers)
	for k, v := range extra {
		headers[k] = v
	}
	headers[contracts.HeaderTimestamp] = time.Now().UnixMilli()
	headers[contracts.HeaderError] = isError

	err := r.channel.sendOn(context.WithoutCancel(ctx), r.broker, "", r.replyTo, false, amqp.Publishing{
		Headers:      headers,
		ContentType:  r.channel.codec.contentType(),
		DeliveryMode: contracts.DeliveryModePersistent,
		Body:         body,
	})
	if err != nil {
		r.logger.Error("failed to send reply", zap.String("replyTo", r.replyTo), zap.Error(err))
	}
}

// stream pipes src to the caller, one frame per chunk, followed by a
// zero-length end frame and, once src is closed, a zero-length close frame.
func (r *responder) stream(ctx context.Context, src io.Reader, chunkSize int) {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	buf := make([]byte, chunkSize)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			r.reply(ctx, chunk, false, amqp.Table{contracts.HeaderStreamChunk: true})
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			r.logger.Warn("reply stream failed", zap.Error(err))
			r.reply(ctx, r.channel.codec.encodeError(err), true, amqp.Table{contracts.HeaderStreamError: true})
			closeReader(src)
			r.channel.metrics.Consumed(interceptors.OperationListen, metrics.OutcomeErrorReply)
			return
		}
		if ctx.Err() != nil {
			r.reply(ctx, r.channel.codec.encodeError(ctx.Err()), true, amqp.Table{contracts.HeaderStreamError: true})
			closeReader(src)
			return
		}
	}

	r.reply(ctx, []byte{}, false, amqp.Table{contracts.HeaderStreamEnd: true})
	closeReader(src)
	r.reply(ctx, []byte{}, false, amqp.Table{contracts.HeaderStreamClose: true})
	r.channel.metrics.Consumed(interceptors.OperationListen, metrics.OutcomeReplied)
}

func closeReader(r io.Reader) {
	if closer, ok := r.(io.Closer); ok {
		_ = closer.Close()
	}
}

func headerString(headers amqp.Table, key string) string {
	s, _ := headers[key].(string)
	return s
}
