package messaging

import (
	"context"
	"io"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/glimte/amqp-connector-go/contracts"
	"github.com/glimte/amqp-connector-go/internal/qualifier"
	"github.com/glimte/amqp-connector-go/internal/reliability"
	"github.com/glimte/amqp-connector-go/internal/tracing"
)

// ResponseStream reads the body of a streamed reply. Read returns io.EOF
// after the end frame, a *contracts.RemoteError when the responder reports a
// failure and a *reliability.TimeoutError when the call deadline passes.
type ResponseStream struct {
	call   *call
	reader *io.PipeReader
	done   chan struct{}
	once   sync.Once
}

// CorrelationID returns the correlation id of the underlying call
func (s *ResponseStream) CorrelationID() string {
	return s.call.correlationID
}

// Status returns the lifecycle state of the underlying call
func (s *ResponseStream) Status() CallStatus {
	return s.call.Status()
}

func (s *ResponseStream) Read(p []byte) (int, error) {
	return s.reader.Read(p)
}

// Close stops the reply consumer and releases the stream
func (s *ResponseStream) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.call.cancel()
	})
	return s.reader.Close()
}

// InvokeStream calls a "stream/<fn>" function and returns its reply as a
// byte stream. No deadline applies unless WithTimeout is given.
func (c *Channel) InvokeStream(ctx context.Context, fn string, payload interface{}, opts ...InvokeOption) (*ResponseStream, error) {
	inv := qualifier.ParseInvoke(fn, c.qualifierOptions())
	if inv.Kind != qualifier.InvokeStream {
		return nil, ErrNotStreamQualifier
	}

	o := defaultInvokeOptions(0)
	for _, opt := range opts {
		opt.applyInvoke(&o)
	}

	body, err := c.codec.encodeRequest(payload)
	if err != nil {
		return nil, err
	}

	ctx, span := tracing.StartSpan(ctx, fn+" invoke", trace.SpanKindClient, inv.Function,
		attribute.String("amqp.function", inv.Function),
		attribute.Bool("amqp.stream", true),
	)
	start := time.Now()

	cl := c.newCall(inv.Function)
	if err := cl.open(ctx); err != nil {
		cl.setStatus(CallFailed)
		tracing.EndSpan(span, err)
		return nil, err
	}
	if err := cl.send(ctx, body, o.Headers); err != nil {
		cl.setStatus(CallFailed)
		cl.cancel()
		tracing.EndSpan(span, err)
		return nil, err
	}

	pr, pw := io.Pipe()
	stream := &ResponseStream{call: cl, reader: pr, done: make(chan struct{})}
	go func() {
		err := c.pumpStream(ctx, cl, pw, stream.done, o.Timeout)
		cl.cancel()
		tracing.EndSpan(span, err)
		c.metrics.ObserveRPC(rpcOutcome(err), time.Since(start))
	}()
	return stream, nil
}

// pumpStream copies reply frames of cl into w until the stream closes
func (c *Channel) pumpStream(ctx context.Context, cl *call, w *io.PipeWriter, done <-chan struct{}, timeout time.Duration) error {
	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	fail := func(status CallStatus, err error) error {
		cl.setStatus(status)
		w.CloseWithError(err)
		return err
	}

	ended := false
	for {
		var d amqp.Delivery
		var ok bool
		select {
		case d, ok = <-cl.replies:
		case <-deadline:
			if ended {
				return nil
			}
			return fail(CallTimeout, &reliability.TimeoutError{Timeout: timeout})
		case <-ctx.Done():
			if ended {
				return nil
			}
			return fail(CallFailed, ctx.Err())
		case <-done:
			if ended {
				return nil
			}
			return fail(CallFailed, io.ErrClosedPipe)
		}
		if !ok {
			if ended {
				return nil
			}
			return fail(CallFailed, ErrReplyStreamClosed)
		}

		content, _ := c.codec.decode(d.Body)
		env := contracts.NewEnvelope(d, content)
		if env.HeaderString(contracts.HeaderCorrelationID) != cl.correlationID {
			cl.logger.Warn("stream frame with foreign correlation id dropped",
				zap.String("got", env.HeaderString(contracts.HeaderCorrelationID)))
			continue
		}

		switch {
		case env.HeaderBool(contracts.HeaderError) || env.HeaderBool(contracts.HeaderStreamError):
			return fail(CallFailed, &contracts.RemoteError{Envelope: env})
		case env.HeaderBool(contracts.HeaderStreamChunk):
			if _, err := w.Write(d.Body); err != nil {
				cl.setStatus(CallFailed)
				return err
			}
		case env.HeaderBool(contracts.HeaderStreamEnd):
			ended = true
			cl.setStatus(CallCompleted)
			w.Close()
		case env.HeaderBool(contracts.HeaderStreamClose):
			if !ended {
				cl.setStatus(CallCompleted)
				w.Close()
			}
			cl.logger.Debug("invoke_stream_closed")
			return nil
		default:
			// a plain reply is delivered as a single chunk
			if _, err := w.Write(d.Body); err != nil {
				cl.setStatus(CallFailed)
				return err
			}
			cl.setStatus(CallCompleted)
			w.Close()
			return nil
		}
	}
}
