package messaging

import (
	"strconv"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/amqp-connector-go/interceptors"
	"github.com/glimte/amqp-connector-go/internal/reliability"
	"github.com/glimte/amqp-connector-go/schema"
)

// DefaultInvokeTimeout bounds Invoke calls made without WithTimeout
const DefaultInvokeTimeout = 5 * time.Second

// DefaultChunkSize is the frame size used when a listener streams a reply
const DefaultChunkSize = 64 * 1024

// ExchangeOptions configures the exchange declared by a subscription
type ExchangeOptions struct {
	Durable    bool
	AutoDelete bool
	Arguments  amqp.Table
}

// QueueOptions configures a declared queue
type QueueOptions struct {
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Arguments  amqp.Table
}

// NackOptions are the flags a failed delivery is rejected with
type NackOptions struct {
	AllUpTo bool
	Requeue bool
}

// PublishOptions holds the resolved options of one publish
type PublishOptions struct {
	Headers       amqp.Table
	Priority      uint8
	Expiration    string
	MessageID     string
	CorrelationID string
	Type          string
	AppID         string
	Mandatory     bool
}

// SubscribeOptions holds the resolved options of one subscription
type SubscribeOptions struct {
	Exchange ExchangeOptions
	Queue    QueueOptions
	// BindingHeaders are the binding arguments, for example x-match on headers exchanges
	BindingHeaders amqp.Table
	Nack           NackOptions
	Retry          reliability.RetryPolicy
	Validator      schema.Validator
	Interceptors   []interceptors.Interceptor
}

// InvokeOptions holds the resolved options of one RPC call
type InvokeOptions struct {
	// Timeout of zero or less disables the deadline
	Timeout time.Duration
	Headers amqp.Table
}

// ListenOptions holds the resolved options of one listener
type ListenOptions struct {
	Queue        QueueOptions
	Validator    schema.Validator
	Interceptors []interceptors.Interceptor
	ChunkSize    int
}

// PublishOption configures PublishMessage
type PublishOption interface {
	applyPublish(*PublishOptions)
}

// SubscribeOption configures SubscribeToMessages
type SubscribeOption interface {
	applySubscribe(*SubscribeOptions)
}

// InvokeOption configures Invoke and InvokeStream
type InvokeOption interface {
	applyInvoke(*InvokeOptions)
}

// ListenOption configures Listen
type ListenOption interface {
	applyListen(*ListenOptions)
}

type publishOptionFunc func(*PublishOptions)

func (f publishOptionFunc) applyPublish(o *PublishOptions) { f(o) }

type subscribeOptionFunc func(*SubscribeOptions)

func (f subscribeOptionFunc) applySubscribe(o *SubscribeOptions) { f(o) }

type invokeOptionFunc func(*InvokeOptions)

func (f invokeOptionFunc) applyInvoke(o *InvokeOptions) { f(o) }

type listenOptionFunc func(*ListenOptions)

func (f listenOptionFunc) applyListen(o *ListenOptions) { f(o) }

func defaultPublishOptions() PublishOptions {
	return PublishOptions{Headers: amqp.Table{}}
}

func defaultSubscribeOptions() SubscribeOptions {
	return SubscribeOptions{
		Exchange: ExchangeOptions{Durable: true},
		Queue:    QueueOptions{Durable: true},
	}
}

func defaultInvokeOptions(timeout time.Duration) InvokeOptions {
	return InvokeOptions{Timeout: timeout, Headers: amqp.Table{}}
}

func defaultListenOptions() ListenOptions {
	return ListenOptions{
		Queue:     QueueOptions{Durable: true},
		ChunkSize: DefaultChunkSize,
	}
}

// HeadersOption merges headers into a publish or an RPC request
type HeadersOption amqp.Table

// WithHeaders merges headers into the outgoing message. Nested tables are
// merged recursively; later options win.
func WithHeaders(headers amqp.Table) HeadersOption {
	return HeadersOption(headers)
}

func (h HeadersOption) applyPublish(o *PublishOptions) {
	o.Headers = deepMerge(o.Headers, amqp.Table(h))
}

func (h HeadersOption) applyInvoke(o *InvokeOptions) {
	o.Headers = deepMerge(o.Headers, amqp.Table(h))
}

// deepMerge returns dst with src merged in. dst is modified.
func deepMerge(dst, src amqp.Table) amqp.Table {
	if dst == nil {
		dst = amqp.Table{}
	}
	for k, v := range src {
		srcTable, srcIsTable := v.(amqp.Table)
		dstTable, dstIsTable := dst[k].(amqp.Table)
		if srcIsTable && dstIsTable {
			dst[k] = deepMerge(copyTable(dstTable), srcTable)
			continue
		}
		if srcIsTable {
			dst[k] = deepMerge(amqp.Table{}, srcTable)
			continue
		}
		dst[k] = v
	}
	return dst
}

func copyTable(t amqp.Table) amqp.Table {
	out := make(amqp.Table, len(t))
	for k, v := range t {
		out[k] = v
	}
	return out
}

// WithPriority sets the message priority
func WithPriority(priority uint8) PublishOption {
	return publishOptionFunc(func(o *PublishOptions) { o.Priority = priority })
}

// WithExpiration sets the per-message TTL
func WithExpiration(ttl time.Duration) PublishOption {
	return publishOptionFunc(func(o *PublishOptions) {
		o.Expiration = formatMillis(ttl)
	})
}

// WithMessageID sets the message id property
func WithMessageID(id string) PublishOption {
	return publishOptionFunc(func(o *PublishOptions) { o.MessageID = id })
}

// WithCorrelationID sets the correlation id property
func WithCorrelationID(id string) PublishOption {
	return publishOptionFunc(func(o *PublishOptions) { o.CorrelationID = id })
}

// WithType sets the message type property
func WithType(t string) PublishOption {
	return publishOptionFunc(func(o *PublishOptions) { o.Type = t })
}

// WithAppID sets the application id property
func WithAppID(id string) PublishOption {
	return publishOptionFunc(func(o *PublishOptions) { o.AppID = id })
}

// WithMandatory publishes with the mandatory flag
func WithMandatory() PublishOption {
	return publishOptionFunc(func(o *PublishOptions) { o.Mandatory = true })
}

// WithExchangeOptions replaces the declared exchange options
func WithExchangeOptions(opts ExchangeOptions) SubscribeOption {
	return subscribeOptionFunc(func(o *SubscribeOptions) { o.Exchange = opts })
}

// QueueOption configures the declared queue of a subscription or listener
type QueueOption QueueOptions

// WithQueueOptions replaces the declared queue options
func WithQueueOptions(opts QueueOptions) QueueOption {
	return QueueOption(opts)
}

func (q QueueOption) applySubscribe(o *SubscribeOptions) { o.Queue = QueueOptions(q) }

func (q QueueOption) applyListen(o *ListenOptions) { o.Queue = QueueOptions(q) }

// WithBindingHeaders sets the binding arguments
func WithBindingHeaders(headers amqp.Table) SubscribeOption {
	return subscribeOptionFunc(func(o *SubscribeOptions) {
		o.BindingHeaders = deepMerge(o.BindingHeaders, headers)
	})
}

// WithNack sets the flags failed deliveries are rejected with
func WithNack(allUpTo, requeue bool) SubscribeOption {
	return subscribeOptionFunc(func(o *SubscribeOptions) {
		o.Nack = NackOptions{AllUpTo: allUpTo, Requeue: requeue}
	})
}

// WithRetry routes failed deliveries through a retry ring that redelivers
// them after delay. Delays below one millisecond are raised to it.
func WithRetry(delay time.Duration) SubscribeOption {
	return subscribeOptionFunc(func(o *SubscribeOptions) {
		o.Retry.Retry = reliability.ClampRetry(delay)
	})
}

// WithMaxTries stops retrying after n deliveries. n is raised to one.
func WithMaxTries(n int) SubscribeOption {
	return subscribeOptionFunc(func(o *SubscribeOptions) {
		o.Retry.MaxTries = reliability.ClampMaxTries(n)
	})
}

// WithDumpQueue copies messages that used up their tries to queue
func WithDumpQueue(queue string) SubscribeOption {
	return subscribeOptionFunc(func(o *SubscribeOptions) { o.Retry.DumpQueue = queue })
}

// WithDeadLetterPrefix names the retry ring, dl_ by default
func WithDeadLetterPrefix(prefix string) SubscribeOption {
	return subscribeOptionFunc(func(o *SubscribeOptions) { o.Retry.DeadLetterPrefix = prefix })
}

// HandlerOption applies to both subscriptions and listeners
type HandlerOption struct {
	validator    schema.Validator
	interceptors []interceptors.Interceptor
}

// WithValidator checks inbound messages before the handler runs
func WithValidator(v schema.Validator) HandlerOption {
	return HandlerOption{validator: v}
}

// WithSchema compiles a JSON Schema document into a validator. It panics if
// the document does not compile.
func WithSchema(document string) HandlerOption {
	return HandlerOption{validator: schema.MustCompile(document)}
}

// WithInterceptors wraps the handler with extra interceptors, inside the
// channel defaults.
func WithInterceptors(extra ...interceptors.Interceptor) HandlerOption {
	return HandlerOption{interceptors: extra}
}

func (h HandlerOption) applySubscribe(o *SubscribeOptions) {
	if h.validator != nil {
		o.Validator = h.validator
	}
	o.Interceptors = append(o.Interceptors, h.interceptors...)
}

func (h HandlerOption) applyListen(o *ListenOptions) {
	if h.validator != nil {
		o.Validator = h.validator
	}
	o.Interceptors = append(o.Interceptors, h.interceptors...)
}

// WithTimeout bounds an RPC call. Zero disables the deadline.
func WithTimeout(timeout time.Duration) InvokeOption {
	return invokeOptionFunc(func(o *InvokeOptions) { o.Timeout = timeout })
}

// WithChunkSize sets the frame size used to stream io.Reader replies
func WithChunkSize(size int) ListenOption {
	return listenOptionFunc(func(o *ListenOptions) {
		if size > 0 {
			o.ChunkSize = size
		}
	})
}

func formatMillis(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	return strconv.FormatInt(d.Milliseconds(), 10)
}
