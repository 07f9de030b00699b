package health

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Connection is the connection state read by ConnectionChecker
type Connection interface {
	IsConnected() bool
	ChannelNames() []string
}

// ConnectionChecker reports whether the broker connection is up
type ConnectionChecker struct {
	conn   Connection
	logger *zap.Logger
}

// NewConnectionChecker creates a checker for conn
func NewConnectionChecker(conn Connection, logger *zap.Logger) *ConnectionChecker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ConnectionChecker{conn: conn, logger: logger.With(zap.String("component", "health"))}
}

func (c *ConnectionChecker) Name() string {
	return "connection"
}

func (c *ConnectionChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   map[string]interface{}{"channels": c.conn.ChannelNames()},
	}

	if c.conn.IsConnected() {
		result.Status = StatusHealthy
		result.Message = "connected to broker"
	} else {
		result.Status = StatusUnhealthy
		result.Message = "not connected to broker"
		c.logger.Warn("health check failed", zap.String("check", c.Name()))
	}
	result.Duration = time.Since(start)
	return result
}

// Channel is the channel state read by ChannelChecker
type Channel interface {
	Name() string
	WaitForConnect(ctx context.Context) error
	Consumers() []string
}

// ChannelChecker reports whether a logical channel has an open broker
// channel. A channel without consumers is degraded when consumers are
// expected.
type ChannelChecker struct {
	ch              Channel
	expectConsumers bool
	wait            time.Duration
	logger          *zap.Logger
}

// NewChannelChecker creates a checker for ch, waiting at most wait for the
// broker channel to open
func NewChannelChecker(ch Channel, wait time.Duration, expectConsumers bool, logger *zap.Logger) *ChannelChecker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChannelChecker{
		ch:              ch,
		expectConsumers: expectConsumers,
		wait:            wait,
		logger:          logger.With(zap.String("component", "health")),
	}
}

func (c *ChannelChecker) Name() string {
	return fmt.Sprintf("channel_%s", c.ch.Name())
}

func (c *ChannelChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	waitCtx, cancel := context.WithTimeout(ctx, c.wait)
	defer cancel()
	if err := c.ch.WaitForConnect(waitCtx); err != nil {
		result.Status = StatusUnhealthy
		result.Message = "channel not open"
		result.Error = err.Error()
		result.Duration = time.Since(start)
		c.logger.Warn("health check failed", zap.String("check", c.Name()), zap.Error(err))
		return result
	}

	consumers := len(c.ch.Consumers())
	result.Details["consumers"] = consumers
	switch {
	case c.expectConsumers && consumers == 0:
		result.Status = StatusDegraded
		result.Message = "channel open without consumers"
	default:
		result.Status = StatusHealthy
		result.Message = "channel open"
	}
	result.Duration = time.Since(start)
	return result
}

// ComponentChecker adapts a function to a Checker
type ComponentChecker struct {
	name    string
	checker func(ctx context.Context) (Status, string, map[string]interface{}, error)
}

// NewComponentChecker creates a checker for custom components
func NewComponentChecker(name string, checker func(ctx context.Context) (Status, string, map[string]interface{}, error)) *ComponentChecker {
	return &ComponentChecker{name: name, checker: checker}
}

func (c *ComponentChecker) Name() string {
	return c.name
}

func (c *ComponentChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	status, message, details, err := c.checker(ctx)

	result := CheckResult{
		Name:      c.Name(),
		Status:    status,
		Message:   message,
		Details:   details,
		Timestamp: start,
	}
	if err != nil {
		result.Error = err.Error()
	}
	result.Duration = time.Since(start)
	return result
}
