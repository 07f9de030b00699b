package interceptors

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/glimte/amqp-connector-go/contracts"
	"github.com/glimte/amqp-connector-go/metrics"
)

func newInvocation(headers amqp.Table) *Invocation {
	return &Invocation{
		Operation: OperationSubscribe,
		Qualifier: "q/orders",
		Queue:     "orders",
		Message:   contracts.NewEnvelope(amqp.Delivery{Headers: headers}, nil),
	}
}

func TestChain(t *testing.T) {
	t.Run("runs interceptors in order", func(t *testing.T) {
		var order []string
		record := func(name string) Interceptor {
			return NewInterceptorFunc(name, func(ctx context.Context, inv *Invocation, next Handler) (interface{}, error) {
				order = append(order, name+">")
				res, err := next(ctx, inv)
				order = append(order, "<"+name)
				return res, err
			})
		}

		chain := NewChain(record("a"), record("b"))
		res, err := chain.Execute(context.Background(), newInvocation(nil), func(ctx context.Context, inv *Invocation) (interface{}, error) {
			order = append(order, "handler")
			return "done", nil
		})
		require.NoError(t, err)
		assert.Equal(t, "done", res)
		assert.Equal(t, []string{"a>", "b>", "handler", "<b", "<a"}, order)
		assert.Equal(t, []string{"a", "b"}, chain.Names())
	})

	t.Run("empty and nil chains call the handler", func(t *testing.T) {
		final := func(ctx context.Context, inv *Invocation) (interface{}, error) { return 1, nil }
		var nilChain *Chain
		res, err := nilChain.Then(final)(context.Background(), newInvocation(nil))
		require.NoError(t, err)
		assert.Equal(t, 1, res)

		res, err = (&Chain{}).Execute(context.Background(), newInvocation(nil), final)
		require.NoError(t, err)
		assert.Equal(t, 1, res)
	})

	t.Run("With does not modify the receiver", func(t *testing.T) {
		base := NewChain(NewTimeoutInterceptor(time.Second))
		extended := base.With(NewRecoveryInterceptor(nil), nil)
		assert.Equal(t, []string{"timeout"}, base.Names())
		assert.Equal(t, []string{"timeout", "recovery"}, extended.Names())
	})
}

func TestRecoveryInterceptor(t *testing.T) {
	chain := NewChain(NewRecoveryInterceptor(zap.NewNop()))
	_, err := chain.Execute(context.Background(), newInvocation(nil), func(ctx context.Context, inv *Invocation) (interface{}, error) {
		panic("boom")
	})
	var perr *PanicError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "boom", perr.Value)
	assert.Equal(t, "handler panic: boom", err.Error())
}

func TestLoggingInterceptor(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	chain := NewChain(NewLoggingInterceptor(zap.New(core)))

	_, err := chain.Execute(context.Background(), newInvocation(nil), func(ctx context.Context, inv *Invocation) (interface{}, error) {
		return nil, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, logs.FilterMessage("subscribe_message_received").Len())
	assert.Equal(t, 1, logs.FilterMessage("subscribe_message_handled").Len())

	boom := errors.New("boom")
	_, err = chain.Execute(context.Background(), newInvocation(nil), func(ctx context.Context, inv *Invocation) (interface{}, error) {
		return nil, boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, logs.FilterMessage("subscribe_message_rejected").Len())
}

func TestMetricsInterceptor(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := metrics.NewCollector(reg, "interceptors")
	require.NoError(t, err)

	chain := NewChain(NewMetricsInterceptor(collector))
	_, err = chain.Execute(context.Background(), newInvocation(nil), func(ctx context.Context, inv *Invocation) (interface{}, error) {
		return nil, nil
	})
	require.NoError(t, err)

	count, err := testutil.GatherAndCount(reg, "interceptors_amqp_handler_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestTracingInterceptor(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	prevProvider, prevPropagator := otel.GetTracerProvider(), otel.GetTextMapPropagator()
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() {
		otel.SetTracerProvider(prevProvider)
		otel.SetTextMapPropagator(prevPropagator)
	})

	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	headers := amqp.Table{"traceparent": "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01"}

	var seen trace.SpanContext
	chain := NewChain(NewTracingInterceptor())
	boom := errors.New("boom")
	_, err := chain.Execute(context.Background(), newInvocation(headers), func(ctx context.Context, inv *Invocation) (interface{}, error) {
		seen = trace.SpanContextFromContext(ctx)
		return nil, boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, traceID, seen.TraceID())

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "q/orders process", spans[0].Name())
	assert.Equal(t, trace.SpanKindConsumer, spans[0].SpanKind())
	assert.Equal(t, traceID, spans[0].Parent().TraceID())
}

func TestTimeoutInterceptor(t *testing.T) {
	chain := NewChain(NewTimeoutInterceptor(10 * time.Millisecond))
	_, err := chain.Execute(context.Background(), newInvocation(nil), func(ctx context.Context, inv *Invocation) (interface{}, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDefault(t *testing.T) {
	assert.Equal(t, []string{"recovery", "tracing", "metrics", "logging"}, Default(nil, nil).Names())
}
