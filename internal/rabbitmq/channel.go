package rabbitmq

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// SetupFunc runs against a freshly opened broker channel
type SetupFunc func(ctx context.Context, ch Channel) error

type setupEntry struct {
	key string
	fn  SetupFunc
}

// ManagedChannel is a named broker channel that survives channel and
// connection loss. Setups added with AddSetup run once immediately and are
// replayed, in order, every time the channel is reopened.
type ManagedChannel struct {
	name         string
	cm           *ConnectionManager
	logger       *zap.Logger
	reopenDelay  time.Duration
	setupTimeout time.Duration

	mu     sync.RWMutex
	ch     Channel
	ready  chan struct{}
	closed chan struct{}

	setupMu sync.Mutex
	setups  []setupEntry

	closeOnce sync.Once
}

// ChannelOption configures a ManagedChannel
type ChannelOption func(*ManagedChannel)

// WithChannelLogger sets the channel logger
func WithChannelLogger(logger *zap.Logger) ChannelOption {
	return func(mc *ManagedChannel) {
		mc.logger = logger
	}
}

// WithReopenDelay sets the initial delay before reopening a failed channel
func WithReopenDelay(delay time.Duration) ChannelOption {
	return func(mc *ManagedChannel) {
		mc.reopenDelay = delay
	}
}

// WithSetupTimeout bounds each setup replayed after a reopen
func WithSetupTimeout(timeout time.Duration) ChannelOption {
	return func(mc *ManagedChannel) {
		mc.setupTimeout = timeout
	}
}

// WithSetup registers a setup that runs every time the channel opens,
// before any setup added later.
func WithSetup(fn SetupFunc) ChannelOption {
	return func(mc *ManagedChannel) {
		mc.setups = append(mc.setups, setupEntry{fn: fn})
	}
}

func newManagedChannel(name string, cm *ConnectionManager, options ...ChannelOption) *ManagedChannel {
	mc := &ManagedChannel{
		name:         name,
		cm:           cm,
		logger:       cm.logger,
		reopenDelay:  500 * time.Millisecond,
		setupTimeout: 30 * time.Second,
		ready:        make(chan struct{}),
		closed:       make(chan struct{}),
	}
	for _, opt := range options {
		opt(mc)
	}
	mc.logger = mc.logger.With(zap.String("channel", name))
	return mc
}

// Name returns the channel name
func (mc *ManagedChannel) Name() string {
	return mc.name
}

// Current returns the open broker channel
func (mc *ManagedChannel) Current() (Channel, error) {
	mc.mu.RLock()
	defer mc.mu.RUnlock()

	if mc.ch == nil || mc.ch.IsClosed() {
		return nil, ErrNoChannel
	}
	return mc.ch, nil
}

// WaitForConnect blocks until the channel is open and its setups have run
func (mc *ManagedChannel) WaitForConnect(ctx context.Context) error {
	if mc.isClosed() {
		return ErrChannelClosed
	}
	mc.mu.RLock()
	ready := mc.ready
	mc.mu.RUnlock()

	select {
	case <-ready:
		return nil
	case <-mc.closed:
		return ErrChannelClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed once the channel is closed
func (mc *ManagedChannel) Done() <-chan struct{} {
	return mc.closed
}

// AddSetup runs fn on the open channel and, if it succeeds, registers it
// for replay whenever the channel is reopened.
func (mc *ManagedChannel) AddSetup(ctx context.Context, fn SetupFunc) error {
	return mc.AddNamedSetup(ctx, "", fn)
}

// AddNamedSetup is AddSetup with a key that can later be passed to RemoveSetup
func (mc *ManagedChannel) AddNamedSetup(ctx context.Context, key string, fn SetupFunc) error {
	for {
		if err := mc.WaitForConnect(ctx); err != nil {
			return err
		}

		mc.setupMu.Lock()
		ch, err := mc.Current()
		if errors.Is(err, ErrNoChannel) {
			mc.setupMu.Unlock()
			select {
			case <-time.After(10 * time.Millisecond):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}

		if err := fn(ctx, ch); err != nil {
			mc.setupMu.Unlock()
			return err
		}
		mc.setups = append(mc.setups, setupEntry{key: key, fn: fn})
		mc.setupMu.Unlock()
		return nil
	}
}

// RemoveSetup unregisters the setups added under key
func (mc *ManagedChannel) RemoveSetup(key string) {
	mc.setupMu.Lock()
	defer mc.setupMu.Unlock()

	kept := mc.setups[:0]
	for _, s := range mc.setups {
		if s.key != key || key == "" {
			kept = append(kept, s)
		}
	}
	mc.setups = kept
}

// Close closes the broker channel and stops reopening it
func (mc *ManagedChannel) Close() error {
	var err error
	mc.closeOnce.Do(func() {
		close(mc.closed)
		mc.cm.removeChannel(mc)

		mc.mu.Lock()
		ch := mc.ch
		mc.ch = nil
		mc.mu.Unlock()

		if ch != nil && !ch.IsClosed() {
			err = ch.Close()
		}
		mc.logger.Debug("channel closed")
	})
	return err
}

func (mc *ManagedChannel) isClosed() bool {
	select {
	case <-mc.closed:
		return true
	default:
		return false
	}
}

// start opens the channel on conn, falling back to the reopen loop
func (mc *ManagedChannel) start(conn Connection) {
	if err := mc.open(conn); err != nil {
		mc.reopen()
	}
}

// open creates the broker channel on conn and replays the setups
func (mc *ManagedChannel) open(conn Connection) error {
	mc.setupMu.Lock()
	defer mc.setupMu.Unlock()

	if mc.isClosed() {
		return nil
	}
	if _, err := mc.Current(); err == nil {
		return nil
	}

	ch, err := conn.Channel()
	if err != nil {
		err = &ChannelError{Op: "open", Channel: mc.name, Err: err, Timestamp: time.Now()}
		mc.logger.Error("failed to open channel", zap.Error(err))
		return err
	}
	notifyClose := ch.NotifyClose(make(chan *amqp.Error, 1))

	for i, s := range mc.setups {
		ctx, cancel := context.WithTimeout(context.Background(), mc.setupTimeout)
		err := s.fn(ctx, ch)
		cancel()
		if err != nil {
			mc.logger.Error("channel setup failed", zap.Int("setup", i), zap.Error(err))
		}
	}

	mc.mu.Lock()
	mc.ch = ch
	select {
	case <-mc.ready:
	default:
		close(mc.ready)
	}
	mc.mu.Unlock()

	mc.logger.Debug("channel open", zap.Int("setups", len(mc.setups)))
	go mc.watch(ch, notifyClose)
	return nil
}

// watch waits for ch to close and schedules a reopen
func (mc *ManagedChannel) watch(ch Channel, notifyClose chan *amqp.Error) {
	var amqpErr *amqp.Error
	select {
	case amqpErr = <-notifyClose:
	case <-mc.closed:
		return
	}

	mc.mu.Lock()
	if mc.ch == ch {
		mc.ch = nil
		mc.ready = make(chan struct{})
	}
	mc.mu.Unlock()

	if mc.isClosed() {
		return
	}
	if amqpErr != nil {
		mc.logger.Warn("channel closed by broker", zap.Error(amqpErr))
	}
	mc.reopen()
}

// reopen retries opening the channel while the connection stays up. After a
// connection loss the connection manager reopens every channel itself.
func (mc *ManagedChannel) reopen() {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = mc.reopenDelay
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0
	b.Reset()

	for {
		select {
		case <-time.After(b.NextBackOff()):
		case <-mc.closed:
			return
		}

		conn, err := mc.cm.GetConnection()
		if err != nil {
			return
		}
		if _, err := mc.Current(); err == nil {
			return
		}

		if err := mc.open(conn); err == nil {
			return
		}
	}
}
