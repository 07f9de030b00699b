package messaging

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/glimte/amqp-connector-go/contracts"
	"github.com/glimte/amqp-connector-go/internal/qualifier"
	"github.com/glimte/amqp-connector-go/internal/rabbitmq"
	"github.com/glimte/amqp-connector-go/internal/reliability"
	"github.com/glimte/amqp-connector-go/internal/tracing"
	"github.com/glimte/amqp-connector-go/metrics"
)

// CallStatus is the lifecycle state of an RPC call
type CallStatus string

const (
	CallPending   CallStatus = "pending"
	CallSent      CallStatus = "sent"
	CallCompleted CallStatus = "completed"
	CallFailed    CallStatus = "failed"
	CallTimeout   CallStatus = "timeout"
)

// call is the state of one RPC call. Its reply consumer is cancelled
// exactly once, whatever way the call ends.
type call struct {
	channel       *Channel
	function      string
	correlationID string
	logger        *zap.Logger

	mu         sync.Mutex
	status     CallStatus
	broker     rabbitmq.Channel
	replyQueue string
	tag        string
	replies    <-chan amqp.Delivery
	cancelOnce sync.Once
}

func (c *Channel) newCall(function string) *call {
	id := uuid.NewString()
	return &call{
		channel:       c,
		function:      function,
		correlationID: id,
		status:        CallPending,
		logger:        c.logger.With(zap.String("function", function), zap.String("correlationId", id)),
	}
}

func (cl *call) setStatus(status CallStatus) {
	cl.mu.Lock()
	cl.status = status
	cl.mu.Unlock()
}

// Status returns the current state of the call
func (cl *call) Status() CallStatus {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return cl.status
}

// open declares the exclusive reply queue and consumes it without acks. It
// fails with rabbitmq.ErrNoChannel when the broker channel is down.
func (cl *call) open(ctx context.Context) error {
	ch, err := cl.channel.current()
	if err != nil {
		return err
	}
	queue, err := rabbitmq.DeclareQueue(ch, rabbitmq.QueueDeclaration{
		Exclusive:  true,
		AutoDelete: true,
	})
	if err != nil {
		return err
	}

	tag := rabbitmq.NewConsumerTag()
	replies, err := ch.Consume(queue.Name, tag, true, true, false, false, nil)
	if err != nil {
		return &rabbitmq.ConsumerError{Queue: queue.Name, ConsumerTag: tag, Op: "consume", Err: err, Timestamp: time.Now()}
	}

	cl.mu.Lock()
	cl.broker = ch
	cl.replyQueue = queue.Name
	cl.tag = tag
	cl.replies = replies
	cl.mu.Unlock()
	return nil
}

// send publishes the request to the function queue
func (cl *call) send(ctx context.Context, body []byte, headers amqp.Table) error {
	out := cl.channel.stampHeaders(headers)
	out[contracts.HeaderReplyTo] = cl.replyQueue
	out[contracts.HeaderCorrelationID] = cl.correlationID
	out[contracts.HeaderConsumer] = cl.function
	tracing.Inject(ctx, out)

	cl.logger.Debug("invoke_send_message_to_rpc_queue", zap.String("replyTo", cl.replyQueue))
	err := cl.channel.sendOn(ctx, cl.broker, "", cl.function, false, amqp.Publishing{
		Headers:      out,
		ContentType:  cl.channel.codec.contentType(),
		DeliveryMode: contracts.DeliveryModePersistent,
		Body:         body,
	})
	if err != nil {
		return err
	}
	cl.setStatus(CallSent)
	return nil
}

// cancel stops the reply consumer. It is safe to call more than once.
func (cl *call) cancel() {
	cl.cancelOnce.Do(func() {
		cl.mu.Lock()
		ch, tag := cl.broker, cl.tag
		cl.mu.Unlock()
		if tag == "" || ch == nil || ch.IsClosed() {
			return
		}
		if err := ch.Cancel(tag, false); err != nil {
			cl.logger.Debug("failed to cancel reply consumer", zap.Error(err))
		}
	})
}

// await returns the first reply
func (cl *call) await(ctx context.Context) (amqp.Delivery, error) {
	select {
	case d, ok := <-cl.replies:
		if !ok {
			return amqp.Delivery{}, ErrReplyStreamClosed
		}
		cl.logger.Debug("invoke_rpc_message_returned")
		return d, nil
	case <-ctx.Done():
		return amqp.Delivery{}, ctx.Err()
	}
}

// Invoke calls the remote function fn and returns its reply. The call fails
// with a reliability.TimeoutError once the timeout elapses, five seconds by
// default, and with a *contracts.RemoteError when the responder reports an
// error.
//
// Non byte payloads are JSON encoded on every channel. Replies are decoded
// as JSON on JSON channels and left as bytes on raw channels.
func (c *Channel) Invoke(ctx context.Context, fn string, payload interface{}, opts ...InvokeOption) (*contracts.Envelope, error) {
	inv := qualifier.ParseInvoke(fn, c.qualifierOptions())
	if inv.Kind == qualifier.InvokeStream {
		return nil, ErrStreamQualifier
	}

	o := defaultInvokeOptions(c.invokeTimeout)
	for _, opt := range opts {
		opt.applyInvoke(&o)
	}

	body, err := c.codec.encodeRequest(payload)
	if err != nil {
		return nil, err
	}

	ctx, span := tracing.StartSpan(ctx, fn+" invoke", trace.SpanKindClient, inv.Function,
		attribute.String("amqp.function", inv.Function),
	)
	start := time.Now()
	env, err := reliability.WithTimeout(ctx, o.Timeout, func(ctx context.Context) (*contracts.Envelope, error) {
		return c.roundTrip(ctx, inv.Function, body, o.Headers)
	})
	tracing.EndSpan(span, err)
	c.metrics.ObserveRPC(rpcOutcome(err), time.Since(start))
	return env, err
}

// roundTrip runs one call from reply queue declaration to reply decoding
func (c *Channel) roundTrip(ctx context.Context, function string, body []byte, headers amqp.Table) (*contracts.Envelope, error) {
	cl := c.newCall(function)
	defer cl.cancel()

	if err := cl.open(ctx); err != nil {
		cl.setStatus(CallFailed)
		return nil, err
	}
	if err := cl.send(ctx, body, headers); err != nil {
		cl.setStatus(CallFailed)
		return nil, err
	}

	d, err := cl.await(ctx)
	if err != nil {
		if ctx.Err() != nil {
			cl.setStatus(CallTimeout)
		} else {
			cl.setStatus(CallFailed)
		}
		return nil, err
	}

	content, err := c.codec.decode(d.Body)
	if err != nil {
		cl.setStatus(CallFailed)
		return nil, err
	}
	env := contracts.NewEnvelope(d, content)

	if env.HeaderString(contracts.HeaderCorrelationID) != cl.correlationID {
		cl.setStatus(CallFailed)
		return nil, &contracts.CorrelationError{Expected: cl.correlationID, Envelope: env}
	}
	if env.HeaderBool(contracts.HeaderError) {
		cl.setStatus(CallFailed)
		return nil, &contracts.RemoteError{Envelope: env}
	}
	cl.setStatus(CallCompleted)
	return env, nil
}

func rpcOutcome(err error) string {
	switch {
	case err == nil:
		return metrics.OutcomeOK
	case errors.Is(err, reliability.ErrTimeout):
		return metrics.OutcomeTimeout
	case errors.Is(err, contracts.ErrRemote):
		return metrics.OutcomeRemoteError
	}
	return metrics.OutcomeError
}
