package rabbitmq

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// ConnectionStateListener receives connection state change notifications
type ConnectionStateListener interface {
	OnConnected()
	OnDisconnected(err error)
	OnReconnecting(attempt int)
}

// Endpoint is one broker URL with its dial configuration
type Endpoint struct {
	URL    string
	Config amqp.Config
}

// ConnectionManager owns the broker connection and redials it after loss
type ConnectionManager struct {
	endpoints         []Endpoint
	dial              Dialer
	conn              Connection
	mu                sync.RWMutex
	reconnectDelay    time.Duration
	maxReconnectDelay time.Duration
	maxRetries        int
	logger            *zap.Logger
	isConnected       bool
	connected         chan struct{}
	done              chan struct{}
	startOnce         sync.Once
	closeOnce         sync.Once
	stateListeners    []ConnectionStateListener
	listenersMu       sync.RWMutex
	channels          map[*ManagedChannel]struct{}
	channelsMu        sync.Mutex
}

// ConnectionOption configures the ConnectionManager
type ConnectionOption func(*ConnectionManager)

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.logger = logger
	}
}

// WithReconnectDelay sets the initial delay between dial attempts
func WithReconnectDelay(delay time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.reconnectDelay = delay
	}
}

// WithMaxReconnectDelay caps the delay between dial attempts
func WithMaxReconnectDelay(delay time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.maxReconnectDelay = delay
	}
}

// WithMaxRetries sets the maximum number of consecutive failed dials, -1 for no limit
func WithMaxRetries(retries int) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.maxRetries = retries
	}
}

// WithDialer replaces the amqp091-go dialer
func WithDialer(dial Dialer) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.dial = dial
	}
}

// NewConnectionManager creates a new connection manager
func NewConnectionManager(endpoints []Endpoint, options ...ConnectionOption) *ConnectionManager {
	cm := &ConnectionManager{
		endpoints:         endpoints,
		dial:              DialAMQP,
		reconnectDelay:    time.Second,
		maxReconnectDelay: 30 * time.Second,
		maxRetries:        -1,
		logger:            zap.NewNop(),
		connected:         make(chan struct{}),
		done:              make(chan struct{}),
		channels:          make(map[*ManagedChannel]struct{}),
	}

	for _, opt := range options {
		opt(cm)
	}

	return cm
}

// Start begins dialing in the background. It returns immediately and is idempotent.
func (cm *ConnectionManager) Start() {
	cm.startOnce.Do(func() {
		go cm.run()
	})
}

// Connect starts the manager and waits for the first connection
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	if len(cm.endpoints) == 0 {
		return &ConnectionError{Op: "connect", Err: ErrNoEndpoints, Timestamp: time.Now()}
	}
	cm.Start()
	return cm.WaitForConnect(ctx)
}

// WaitForConnect blocks until a connection is established
func (cm *ConnectionManager) WaitForConnect(ctx context.Context) error {
	if cm.isDone() {
		return ErrConnectionClosed
	}
	cm.mu.RLock()
	connected := cm.connected
	cm.mu.RUnlock()

	select {
	case <-connected:
		return nil
	case <-cm.done:
		return ErrConnectionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// GetConnection returns the current connection
func (cm *ConnectionManager) GetConnection() (Connection, error) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	if !cm.isConnected || cm.conn == nil {
		return nil, ErrConnectionNotReady
	}
	if cm.conn.IsClosed() {
		return nil, ErrConnectionClosed
	}
	return cm.conn, nil
}

// IsConnected returns the connection status
func (cm *ConnectionManager) IsConnected() bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.isConnected
}

// Done is closed once the manager is closed
func (cm *ConnectionManager) Done() <-chan struct{} {
	return cm.done
}

// Close closes every managed channel and the connection
func (cm *ConnectionManager) Close() error {
	var err error
	cm.closeOnce.Do(func() {
		close(cm.done)

		cm.channelsMu.Lock()
		channels := make([]*ManagedChannel, 0, len(cm.channels))
		for ch := range cm.channels {
			channels = append(channels, ch)
		}
		cm.channelsMu.Unlock()
		for _, ch := range channels {
			_ = ch.Close()
		}

		cm.mu.Lock()
		conn := cm.conn
		cm.conn = nil
		cm.isConnected = false
		cm.mu.Unlock()

		if conn != nil && !conn.IsClosed() {
			err = conn.Close()
		}
		cm.logger.Info("connection manager closed")
	})
	return err
}

// NewChannel creates a managed channel bound to this connection
func (cm *ConnectionManager) NewChannel(name string, options ...ChannelOption) *ManagedChannel {
	mc := newManagedChannel(name, cm, options...)

	cm.channelsMu.Lock()
	cm.channels[mc] = struct{}{}
	cm.channelsMu.Unlock()

	if conn, err := cm.GetConnection(); err == nil {
		go mc.start(conn)
	}
	return mc
}

func (cm *ConnectionManager) removeChannel(mc *ManagedChannel) {
	cm.channelsMu.Lock()
	delete(cm.channels, mc)
	cm.channelsMu.Unlock()
}

func (cm *ConnectionManager) isDone() bool {
	select {
	case <-cm.done:
		return true
	default:
		return false
	}
}

func (cm *ConnectionManager) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cm.reconnectDelay
	b.MaxInterval = cm.maxReconnectDelay
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// run dials, watches the connection and redials until the manager is closed
func (cm *ConnectionManager) run() {
	if len(cm.endpoints) == 0 {
		cm.logger.Error("no broker endpoints configured")
		cm.notifyDisconnected(&ConnectionError{Op: "connect", Err: ErrNoEndpoints, Timestamp: time.Now()})
		return
	}

	b := cm.newBackOff()
	failures := 0

	for !cm.isDone() {
		endpoint := cm.endpoints[failures%len(cm.endpoints)]
		conn, err := cm.dial(endpoint.URL, endpoint.Config)
		if err != nil {
			failures++
			cm.logger.Error("failed to connect to broker",
				zap.String("url", SanitizeURL(endpoint.URL)),
				zap.Int("attempt", failures),
				zap.Error(err))

			if cm.maxRetries > 0 && failures >= cm.maxRetries {
				cm.notifyDisconnected(&ConnectionError{
					Op:        "connect",
					URL:       SanitizeURL(endpoint.URL),
					Err:       ErrMaxRetriesExceeded,
					Timestamp: time.Now(),
					Attempts:  failures,
				})
				return
			}

			cm.notifyReconnecting(failures)
			select {
			case <-time.After(b.NextBackOff()):
			case <-cm.done:
				return
			}
			continue
		}

		failures = 0
		b.Reset()
		notifyClose := conn.NotifyClose(make(chan *amqp.Error, 1))

		cm.mu.Lock()
		if cm.isDone() {
			cm.mu.Unlock()
			_ = conn.Close()
			return
		}
		cm.conn = conn
		cm.isConnected = true
		close(cm.connected)
		cm.mu.Unlock()

		cm.logger.Info("connected to broker", zap.String("url", SanitizeURL(endpoint.URL)))
		cm.notifyConnected()
		cm.openChannels(conn)

		select {
		case amqpErr := <-notifyClose:
			cm.mu.Lock()
			cm.conn = nil
			cm.isConnected = false
			cm.connected = make(chan struct{})
			cm.mu.Unlock()

			if cm.isDone() {
				return
			}

			var closeErr error
			if amqpErr != nil {
				closeErr = amqpErr
			}
			cm.logger.Warn("broker connection lost", zap.Error(closeErr))
			cm.notifyDisconnected(closeErr)

		case <-cm.done:
			return
		}
	}
}

func (cm *ConnectionManager) openChannels(conn Connection) {
	cm.channelsMu.Lock()
	defer cm.channelsMu.Unlock()

	for ch := range cm.channels {
		go ch.start(conn)
	}
}

// AddStateListener adds a connection state listener
func (cm *ConnectionManager) AddStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()
	cm.stateListeners = append(cm.stateListeners, listener)
}

// RemoveStateListener removes a connection state listener
func (cm *ConnectionManager) RemoveStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()

	for i, l := range cm.stateListeners {
		if l == listener {
			cm.stateListeners = append(cm.stateListeners[:i], cm.stateListeners[i+1:]...)
			break
		}
	}
}

// notifyConnected notifies all listeners of successful connection
func (cm *ConnectionManager) notifyConnected() {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()

	for _, listener := range cm.stateListeners {
		go listener.OnConnected()
	}
}

// notifyDisconnected notifies all listeners of disconnection
func (cm *ConnectionManager) notifyDisconnected(err error) {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()

	for _, listener := range cm.stateListeners {
		go listener.OnDisconnected(err)
	}
}

// notifyReconnecting notifies all listeners of reconnection attempt
func (cm *ConnectionManager) notifyReconnecting(attempt int) {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()

	for _, listener := range cm.stateListeners {
		go listener.OnReconnecting(attempt)
	}
}
