package interceptors

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/glimte/amqp-connector-go/contracts"
	"github.com/glimte/amqp-connector-go/internal/tracing"
	"github.com/glimte/amqp-connector-go/metrics"
)

// Operations that run handlers
const (
	OperationSubscribe = "subscribe"
	OperationListen    = "listen"
)

// Invocation describes one handler run
type Invocation struct {
	// Operation is OperationSubscribe or OperationListen
	Operation string
	// Qualifier is the subscribe qualifier or the listened function name
	Qualifier string
	// Queue is the queue the message was consumed from
	Queue   string
	Message *contracts.Envelope
}

// Handler runs an invocation. Subscription handlers return a nil result.
type Handler func(ctx context.Context, inv *Invocation) (interface{}, error)

// Interceptor processes an invocation before it reaches the final handler
type Interceptor interface {
	// Intercept processes an invocation and calls the next handler in the chain
	Intercept(ctx context.Context, inv *Invocation, next Handler) (interface{}, error)

	// Name returns the interceptor name for logging and debugging
	Name() string
}

// InterceptorFunc is a function adapter for Interceptor
type InterceptorFunc struct {
	name string
	fn   func(ctx context.Context, inv *Invocation, next Handler) (interface{}, error)
}

// NewInterceptorFunc creates a new function-based interceptor
func NewInterceptorFunc(name string, fn func(ctx context.Context, inv *Invocation, next Handler) (interface{}, error)) *InterceptorFunc {
	return &InterceptorFunc{name: name, fn: fn}
}

// Intercept implements Interceptor
func (i *InterceptorFunc) Intercept(ctx context.Context, inv *Invocation, next Handler) (interface{}, error) {
	return i.fn(ctx, inv, next)
}

// Name implements Interceptor
func (i *InterceptorFunc) Name() string {
	return i.name
}

// Chain is an ordered list of interceptors. The zero value is an empty chain.
type Chain struct {
	interceptors []Interceptor
}

// NewChain creates a chain from interceptors
func NewChain(interceptors ...Interceptor) *Chain {
	c := &Chain{}
	for _, i := range interceptors {
		c.Add(i)
	}
	return c
}

// Add appends an interceptor to the chain
func (c *Chain) Add(interceptor Interceptor) *Chain {
	if interceptor != nil {
		c.interceptors = append(c.interceptors, interceptor)
	}
	return c
}

// With returns a new chain holding c's interceptors followed by extra
func (c *Chain) With(extra ...Interceptor) *Chain {
	out := &Chain{}
	if c != nil {
		out.interceptors = append(out.interceptors, c.interceptors...)
	}
	for _, i := range extra {
		out.Add(i)
	}
	return out
}

// Names lists the interceptors in order
func (c *Chain) Names() []string {
	if c == nil {
		return nil
	}
	names := make([]string, len(c.interceptors))
	for i, interceptor := range c.interceptors {
		names[i] = interceptor.Name()
	}
	return names
}

// Then wraps final with the chain
func (c *Chain) Then(final Handler) Handler {
	if c == nil || len(c.interceptors) == 0 {
		return final
	}

	// Build the chain in reverse order
	handler := final
	for i := len(c.interceptors) - 1; i >= 0; i-- {
		interceptor := c.interceptors[i]
		next := handler
		handler = func(ctx context.Context, inv *Invocation) (interface{}, error) {
			return interceptor.Intercept(ctx, inv, next)
		}
	}
	return handler
}

// Execute runs inv through the chain and final
func (c *Chain) Execute(ctx context.Context, inv *Invocation, final Handler) (interface{}, error) {
	return c.Then(final)(ctx, inv)
}

// Built-in interceptors

// PanicError is returned when a handler panics
type PanicError struct {
	Value interface{}
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("handler panic: %v", e.Value)
}

// RecoveryInterceptor turns handler panics into errors so the message is
// retried or answered like any other failure.
type RecoveryInterceptor struct {
	logger *zap.Logger
}

// NewRecoveryInterceptor creates a new recovery interceptor
func NewRecoveryInterceptor(logger *zap.Logger) *RecoveryInterceptor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RecoveryInterceptor{logger: logger}
}

// Intercept implements Interceptor
func (i *RecoveryInterceptor) Intercept(ctx context.Context, inv *Invocation, next Handler) (result interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			i.logger.Error("handler panicked",
				zap.String("operation", inv.Operation),
				zap.String("qualifier", inv.Qualifier),
				zap.Any("panic", r),
				zap.Stack("stacktrace"),
			)
			result, err = nil, &PanicError{Value: r}
		}
	}()
	return next(ctx, inv)
}

// Name implements Interceptor
func (i *RecoveryInterceptor) Name() string {
	return "recovery"
}

// LoggingInterceptor logs message processing
type LoggingInterceptor struct {
	logger *zap.Logger
}

// NewLoggingInterceptor creates a new logging interceptor
func NewLoggingInterceptor(logger *zap.Logger) *LoggingInterceptor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LoggingInterceptor{logger: logger}
}

// Intercept implements Interceptor
func (i *LoggingInterceptor) Intercept(ctx context.Context, inv *Invocation, next Handler) (interface{}, error) {
	start := time.Now()
	fields := []zap.Field{
		zap.String("operation", inv.Operation),
		zap.String("qualifier", inv.Qualifier),
		zap.String("queue", inv.Queue),
		zap.String("correlationId", inv.Message.HeaderString(contracts.HeaderCorrelationID)),
	}

	i.logger.Debug(inv.Operation+"_message_received", fields...)

	result, err := next(ctx, inv)
	fields = append(fields, zap.Duration("duration", time.Since(start)))
	if err != nil {
		i.logger.Info(inv.Operation+"_message_rejected", append(fields, zap.Error(err))...)
	} else {
		i.logger.Debug(inv.Operation+"_message_handled", fields...)
	}
	return result, err
}

// Name implements Interceptor
func (i *LoggingInterceptor) Name() string {
	return "logging"
}

// MetricsInterceptor records handler durations
type MetricsInterceptor struct {
	collector *metrics.Collector
}

// NewMetricsInterceptor creates a new metrics interceptor
func NewMetricsInterceptor(collector *metrics.Collector) *MetricsInterceptor {
	return &MetricsInterceptor{collector: collector}
}

// Intercept implements Interceptor
func (i *MetricsInterceptor) Intercept(ctx context.Context, inv *Invocation, next Handler) (interface{}, error) {
	start := time.Now()
	result, err := next(ctx, inv)
	i.collector.ObserveHandler(inv.Operation, time.Since(start))
	return result, err
}

// Name implements Interceptor
func (i *MetricsInterceptor) Name() string {
	return "metrics"
}

// TracingInterceptor continues the trace carried in the message headers and
// wraps the handler in a consumer span.
type TracingInterceptor struct{}

// NewTracingInterceptor creates a new tracing interceptor
func NewTracingInterceptor() *TracingInterceptor {
	return &TracingInterceptor{}
}

// Intercept implements Interceptor
func (i *TracingInterceptor) Intercept(ctx context.Context, inv *Invocation, next Handler) (interface{}, error) {
	ctx = tracing.Extract(ctx, inv.Message.Properties.Headers)
	ctx, span := tracing.StartSpan(ctx, inv.Qualifier+" process", trace.SpanKindConsumer, inv.Queue,
		attribute.String("messaging.operation", inv.Operation),
		attribute.String("amqp.qualifier", inv.Qualifier),
	)
	result, err := next(ctx, inv)
	tracing.EndSpan(span, err)
	return result, err
}

// Name implements Interceptor
func (i *TracingInterceptor) Name() string {
	return "tracing"
}

// TimeoutInterceptor bounds the context handed to the handler
type TimeoutInterceptor struct {
	timeout time.Duration
}

// NewTimeoutInterceptor creates a new timeout interceptor
func NewTimeoutInterceptor(timeout time.Duration) *TimeoutInterceptor {
	return &TimeoutInterceptor{timeout: timeout}
}

// Intercept implements Interceptor
func (i *TimeoutInterceptor) Intercept(ctx context.Context, inv *Invocation, next Handler) (interface{}, error) {
	if i.timeout <= 0 {
		return next(ctx, inv)
	}
	ctx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()
	return next(ctx, inv)
}

// Name implements Interceptor
func (i *TimeoutInterceptor) Name() string {
	return "timeout"
}

// Default returns the chain installed on every channel
func Default(logger *zap.Logger, collector *metrics.Collector) *Chain {
	return NewChain(
		NewRecoveryInterceptor(logger),
		NewTracingInterceptor(),
		NewMetricsInterceptor(collector),
		NewLoggingInterceptor(logger),
	)
}
