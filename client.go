// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package connector

import (
	"context"
	"errors"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/glimte/amqp-connector-go/interceptors"
	"github.com/glimte/amqp-connector-go/internal/rabbitmq"
	"github.com/glimte/amqp-connector-go/messaging"
	"github.com/glimte/amqp-connector-go/metrics"
)

// Version is reported to the broker in the amqp-connector-version client property
const Version = "1.0.0"

// DefaultChannelName names the channel built from a ChannelConfig without a name
const DefaultChannelName = messaging.DefaultChannelName

type (
	// Channel is a named logical channel
	Channel = messaging.Channel
	// Delivery is an inbound message handed to handlers
	Delivery = messaging.Delivery
	// Handler processes subscription messages
	Handler = messaging.Handler
	// ListenHandler answers RPC requests
	ListenHandler = messaging.ListenHandler
	// ResponseStream is the body of a streamed reply
	ResponseStream = messaging.ResponseStream
	// Dialer opens broker connections
	Dialer = rabbitmq.Dialer
	// StateListener observes connection state changes
	StateListener = rabbitmq.ConnectionStateListener
)

// Connector creates the single shared connection of a service
type Connector struct {
	cfg  Config
	opts options

	mu   sync.Mutex
	conn *Connection
}

type options struct {
	dialer       Dialer
	logger       *zap.Logger
	metrics      *metrics.Collector
	interceptors *interceptors.Chain
}

// Option configures a Connector
type Option func(*options)

// WithDialer replaces the amqp091-go dialer
func WithDialer(dial Dialer) Option {
	return func(o *options) {
		o.dialer = dial
	}
}

// WithLogger sets the logger of the connector and everything it creates
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithMetrics records connection, publish, consume and RPC metrics
func WithMetrics(collector *metrics.Collector) Option {
	return func(o *options) {
		o.metrics = collector
	}
}

// WithInterceptors replaces the default handler interceptor chain of every channel
func WithInterceptors(chain *interceptors.Chain) Option {
	return func(o *options) {
		o.interceptors = chain
	}
}

// New creates a connector. Nothing is dialed before Connect.
func New(cfg Config, opts ...Option) *Connector {
	cfg.applyDefaults()
	o := options{
		dialer: rabbitmq.DialAMQP,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &Connector{cfg: cfg, opts: o}
}

// Config returns the configuration with defaults applied
func (c *Connector) Config() Config {
	return c.cfg
}

// Connect returns the shared connection, dialing in the background on the
// first call. Use Connection.WaitForConnect to block until it is up.
func (c *Connector) Connect() *Connection {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil || c.conn.closed() {
		c.conn = newConnection(c.cfg, c.opts)
		c.conn.cm.Start()
	}
	return c.conn
}

// Connection is a broker connection shared by the named channels built on it
type Connection struct {
	cfg      Config
	opts     options
	logger   *zap.Logger
	cm       *rabbitmq.ConnectionManager
	registry *messaging.Registry

	eventsMu sync.Mutex
	events   []*eventListener
}

func newConnection(cfg Config, o options) *Connection {
	logger := o.logger.With(zap.String("component", "connection"), zap.String("service", cfg.ServiceName))
	cm := rabbitmq.NewConnectionManager(cfg.endpoints(),
		rabbitmq.WithLogger(logger),
		rabbitmq.WithDialer(o.dialer),
		rabbitmq.WithReconnectDelay(cfg.Connection.ReconnectDelay),
		rabbitmq.WithMaxReconnectDelay(cfg.Connection.MaxReconnectDelay),
		rabbitmq.WithMaxRetries(maxRetries(cfg.Connection.MaxRetries)),
	)
	if o.metrics != nil {
		cm.AddStateListener(o.metrics)
	}

	conn := &Connection{cfg: cfg, opts: o, logger: logger, cm: cm}
	conn.registry = messaging.NewRegistry(conn.newChannel)
	return conn
}

func maxRetries(n int) int {
	if n <= 0 {
		return -1
	}
	return n
}

// newChannel is the registry factory
func (c *Connection) newChannel(cfg messaging.Config) (*messaging.Channel, error) {
	opts := []rabbitmq.ChannelOption{
		rabbitmq.WithChannelLogger(c.logger),
		rabbitmq.WithReopenDelay(c.cfg.Connection.ChannelReopenDelay),
	}
	if cfg.PrefetchCount > 0 {
		count, global := cfg.PrefetchCount, cfg.PrefetchGlobal
		opts = append(opts, rabbitmq.WithSetup(func(ctx context.Context, ch rabbitmq.Channel) error {
			return ch.Qos(count, 0, global)
		}))
	}
	mc := c.cm.NewChannel(cfg.Name, opts...)
	return messaging.NewChannel(mc, cfg), nil
}

func (c *Connection) channelConfig(cfg ChannelConfig) messaging.Config {
	return messaging.Config{
		Name:           cfg.Name,
		JSON:           cfg.JSON,
		Realm:          cfg.Realm,
		RejectTimeout:  cfg.RejectTimeout,
		PrefetchCount:  cfg.PrefetchCount,
		PrefetchGlobal: cfg.PrefetchGlobal,
		Identity: messaging.Identity{
			ServiceName:    c.cfg.ServiceName,
			ServiceVersion: c.cfg.ServiceVersion,
		},
		Logger:               c.opts.logger,
		Metrics:              c.opts.metrics,
		Interceptors:         c.opts.interceptors,
		DefaultInvokeTimeout: c.cfg.Connection.InvokeTimeout,
	}
}

// BuildChannel creates the channel cfg.Name, "default" when empty. It fails
// with ErrChannelAlreadyExists when the name is taken.
func (c *Connection) BuildChannel(cfg ChannelConfig) (*Channel, error) {
	return c.registry.Build(c.channelConfig(cfg))
}

// BuildChannelIfNotExists returns the channel cfg.Name, creating it on first
// use. Later calls return the first channel whatever their configuration.
func (c *Connection) BuildChannelIfNotExists(cfg ChannelConfig) (*Channel, error) {
	return c.registry.BuildIfNotExists(c.channelConfig(cfg))
}

// Channel returns the channel registered under name
func (c *Connection) Channel(name string) (*Channel, bool) {
	return c.registry.Get(name)
}

// ChannelNames returns the names of the open channels
func (c *Connection) ChannelNames() []string {
	return c.registry.Names()
}

// WaitForConnect blocks until the broker connection is up
func (c *Connection) WaitForConnect(ctx context.Context) error {
	return c.cm.WaitForConnect(ctx)
}

// IsConnected reports whether the broker connection is up
func (c *Connection) IsConnected() bool {
	return c.cm.IsConnected()
}

// AddStateListener registers a listener for connect, disconnect and
// reconnect events
func (c *Connection) AddStateListener(l StateListener) {
	c.cm.AddStateListener(l)
}

// RemoveStateListener unregisters a listener added with AddStateListener
func (c *Connection) RemoveStateListener(l StateListener) {
	c.cm.RemoveStateListener(l)
}

// Close closes every channel, waiting for their handlers, then the connection
func (c *Connection) Close() error {
	var g errgroup.Group
	for _, ch := range c.registry.Channels() {
		g.Go(ch.Close)
	}
	chErr := g.Wait()

	err := c.cm.Close()
	c.closeEvents()
	if err != nil {
		return err
	}
	if chErr != nil && !errors.Is(chErr, amqp.ErrClosed) {
		return chErr
	}
	return nil
}

func (c *Connection) closed() bool {
	select {
	case <-c.cm.Done():
		return true
	default:
		return false
	}
}

// Done is closed once the connection is closed
func (c *Connection) Done() <-chan struct{} {
	return c.cm.Done()
}

// EventType names a connection state change
type EventType string

const (
	EventConnected    EventType = "connect"
	EventDisconnected EventType = "disconnect"
	EventReconnecting EventType = "reconnecting"
	EventError        EventType = "error"
)

// Event is one connection state change
type Event struct {
	Type    EventType
	Err     error
	Attempt int
	Time    time.Time
}

type eventListener struct {
	mu     sync.Mutex
	ch     chan Event
	closed bool
}

func (l *eventListener) emit(e Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	select {
	case l.ch <- e:
	default:
		// slow receivers miss events
	}
}

func (l *eventListener) close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.closed {
		l.closed = true
		close(l.ch)
	}
}

func (l *eventListener) OnConnected() {
	l.emit(Event{Type: EventConnected, Time: time.Now()})
}

// OnDisconnected reports a lost connection, or an error event once the
// manager gives up redialing
func (l *eventListener) OnDisconnected(err error) {
	t := EventDisconnected
	if errors.Is(err, rabbitmq.ErrMaxRetriesExceeded) || errors.Is(err, rabbitmq.ErrNoEndpoints) {
		t = EventError
	}
	l.emit(Event{Type: t, Err: err, Time: time.Now()})
}

func (l *eventListener) OnReconnecting(attempt int) {
	l.emit(Event{Type: EventReconnecting, Attempt: attempt, Time: time.Now()})
}

// Events returns a stream of connection state changes. The channel holds up
// to buffer events and is closed when the connection closes.
func (c *Connection) Events(buffer int) <-chan Event {
	if buffer < 1 {
		buffer = 1
	}
	l := &eventListener{ch: make(chan Event, buffer)}

	c.eventsMu.Lock()
	defer c.eventsMu.Unlock()
	if c.closed() {
		l.close()
		return l.ch
	}
	c.events = append(c.events, l)
	c.cm.AddStateListener(l)
	return l.ch
}

func (c *Connection) closeEvents() {
	c.eventsMu.Lock()
	defer c.eventsMu.Unlock()
	for _, l := range c.events {
		c.cm.RemoveStateListener(l)
		l.close()
	}
	c.events = nil
}
