package messaging

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/glimte/amqp-connector-go/interceptors"
	"github.com/glimte/amqp-connector-go/internal/qualifier"
	"github.com/glimte/amqp-connector-go/internal/rabbitmq"
	"github.com/glimte/amqp-connector-go/metrics"
)

const closeTimeout = 5 * time.Second

// Identity is the service identity stamped on every outgoing message
type Identity struct {
	ServiceName    string
	ServiceVersion string
}

// Config configures a Channel
type Config struct {
	Name string
	// JSON channels encode payloads as JSON and decode inbound bodies
	JSON bool
	// Realm is prepended to every exchange, routing key, queue and function name
	Realm string
	// RejectTimeout delays the nack of a failed delivery
	RejectTimeout time.Duration
	// PrefetchCount bounds unacked deliveries, zero for no limit
	PrefetchCount  int
	PrefetchGlobal bool
	Identity       Identity
	Logger         *zap.Logger
	Metrics        *metrics.Collector
	// Interceptors wrap every handler of the channel. Nil installs the defaults.
	Interceptors *interceptors.Chain
	// DefaultInvokeTimeout applies to Invoke calls without WithTimeout
	DefaultInvokeTimeout time.Duration
}

// Channel is a named logical channel offering publish, subscribe and RPC
// operations over one managed broker channel.
type Channel struct {
	name          string
	mc            *rabbitmq.ManagedChannel
	codec         codec
	realm         string
	rejectTimeout time.Duration
	identity      Identity
	logger        *zap.Logger
	metrics       *metrics.Collector
	chain         *interceptors.Chain
	invokeTimeout time.Duration

	// ctx is cancelled as soon as Close is called; delayed nacks watch it
	ctx    context.Context
	cancel context.CancelFunc
	// handlerCtx is handed to handlers and outlives the drain in Close
	handlerCtx    context.Context
	cancelHandler context.CancelFunc

	inflight sync.WaitGroup

	mu        sync.Mutex
	consumers map[string]*rabbitmq.Consumer
	onClose   []func()
	closeOnce sync.Once
}

// NewChannel wraps a managed broker channel
func NewChannel(mc *rabbitmq.ManagedChannel, cfg Config) *Channel {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "channel"), zap.String("channel", cfg.Name))

	chain := cfg.Interceptors
	if chain == nil {
		chain = interceptors.Default(logger, cfg.Metrics)
	}
	timeout := cfg.DefaultInvokeTimeout
	if timeout == 0 {
		timeout = DefaultInvokeTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	handlerCtx, cancelHandler := context.WithCancel(context.Background())
	return &Channel{
		name:          cfg.Name,
		mc:            mc,
		codec:         codec{json: cfg.JSON},
		realm:         cfg.Realm,
		rejectTimeout: cfg.RejectTimeout,
		identity:      cfg.Identity,
		logger:        logger,
		metrics:       cfg.Metrics,
		chain:         chain,
		invokeTimeout: timeout,
		ctx:           ctx,
		cancel:        cancel,
		handlerCtx:    handlerCtx,
		cancelHandler: cancelHandler,
		consumers:     make(map[string]*rabbitmq.Consumer),
	}
}

// Name returns the channel name
func (c *Channel) Name() string {
	return c.name
}

// JSON reports whether the channel encodes payloads as JSON
func (c *Channel) JSON() bool {
	return c.codec.json
}

// Realm returns the namespace prefix of the channel
func (c *Channel) Realm() string {
	return c.realm
}

// WaitForConnect blocks until the broker channel is open and its setups have run
func (c *Channel) WaitForConnect(ctx context.Context) error {
	return c.mc.WaitForConnect(ctx)
}

// AddSetup runs fn on the broker channel now and after every reconnect
func (c *Channel) AddSetup(ctx context.Context, fn rabbitmq.SetupFunc) error {
	return c.mc.AddSetup(ctx, fn)
}

// OnClose registers fn to run once the channel is closed
func (c *Channel) OnClose(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onClose = append(c.onClose, fn)
}

// Cancel stops the consumer started under tag by SubscribeToMessages or
// Listen and drops it from reconnect replay. An empty tag is a no-op.
func (c *Channel) Cancel(ctx context.Context, tag string) error {
	if tag == "" {
		return nil
	}
	c.mc.RemoveSetup(tag)

	c.mu.Lock()
	delete(c.consumers, tag)
	c.mu.Unlock()

	ch, err := c.mc.Current()
	if err != nil {
		// the consumer died with the broker channel and will not be replayed
		return nil
	}
	if err := ch.Cancel(tag, false); err != nil {
		return &rabbitmq.ChannelError{Op: "cancel", Channel: c.name, Err: err, Timestamp: time.Now()}
	}
	c.logger.Debug("consumer cancelled", zap.String("consumerTag", tag))
	return nil
}

// Consumers returns the tags of the running subscriptions and listeners
func (c *Channel) Consumers() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	tags := make([]string, 0, len(c.consumers))
	for tag := range c.consumers {
		tags = append(tags, tag)
	}
	return tags
}

// Close stops every consumer, waits for running handlers to settle their
// deliveries and then closes the broker channel. Pending delayed nacks are
// dropped and their deliveries return to the queue with the broker channel.
// Handlers still running after closeTimeout see their context cancelled.
func (c *Channel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()

		c.mu.Lock()
		tags := make([]string, 0, len(c.consumers))
		consumers := make([]*rabbitmq.Consumer, 0, len(c.consumers))
		for tag, consumer := range c.consumers {
			tags = append(tags, tag)
			if consumer != nil {
				consumers = append(consumers, consumer)
			}
		}
		c.mu.Unlock()

		if ch, cErr := c.mc.Current(); cErr == nil {
			for _, tag := range tags {
				if cancelErr := ch.Cancel(tag, false); cancelErr != nil {
					c.logger.Debug("failed to cancel consumer", zap.String("consumerTag", tag), zap.Error(cancelErr))
				}
			}
		}

		drainCtx, stop := context.WithTimeout(context.Background(), closeTimeout)
		defer stop()
		// no handler starts once every delivery stream has ended
		for _, consumer := range consumers {
			select {
			case <-consumer.Done():
			case <-drainCtx.Done():
			}
		}
		drained := make(chan struct{})
		go func() {
			c.inflight.Wait()
			close(drained)
		}()
		select {
		case <-drained:
		case <-drainCtx.Done():
			c.logger.Warn("handlers still running, closing broker channel")
		}
		c.cancelHandler()

		err = c.mc.Close()

		c.mu.Lock()
		hooks := c.onClose
		c.onClose = nil
		c.mu.Unlock()
		for _, fn := range hooks {
			fn()
		}
		c.logger.Debug("channel closed")
	})
	return err
}

// Done is closed once Close has been called
func (c *Channel) Done() <-chan struct{} {
	return c.ctx.Done()
}

func (c *Channel) isClosed() bool {
	select {
	case <-c.ctx.Done():
		return true
	default:
		return false
	}
}

func (c *Channel) qualifierOptions() qualifier.Options {
	return qualifier.Options{Realm: c.realm}
}

// current returns the open broker channel without waiting. It fails with
// rabbitmq.ErrNoChannel while the broker channel is down.
func (c *Channel) current() (rabbitmq.Channel, error) {
	if c.isClosed() {
		return nil, ErrChannelClosed
	}
	return c.mc.Current()
}

// broker returns the open broker channel, waiting for it if needed. Publishes
// ride out a reconnect this way instead of failing.
func (c *Channel) broker(ctx context.Context) (rabbitmq.Channel, error) {
	if c.isClosed() {
		return nil, ErrChannelClosed
	}
	for {
		if err := c.mc.WaitForConnect(ctx); err != nil {
			if err == rabbitmq.ErrChannelClosed {
				return nil, ErrChannelClosed
			}
			return nil, err
		}
		ch, err := c.mc.Current()
		if err == nil {
			return ch, nil
		}
		select {
		case <-time.After(10 * time.Millisecond):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// trackConsumer records the latest consumer started under tag
func (c *Channel) trackConsumer(tag string, consumer *rabbitmq.Consumer) {
	c.mu.Lock()
	c.consumers[tag] = consumer
	c.mu.Unlock()
}
