package connector

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/glimte/amqp-connector-go/metrics"
)

// FXModule provides a *Connector and its shared *Connection from a Config.
// The connection is awaited on start and closed on stop.
var FXModule = fx.Module("amqp-connector",
	fx.Provide(
		NewConnectorFx,
		NewConnectionFx,
	),
	fx.Invoke(RegisterConnectionLifecycle),
)

// ConnectorParams are the dependencies of NewConnectorFx
type ConnectorParams struct {
	fx.In

	Config  Config
	Logger  *zap.Logger        `optional:"true"`
	Metrics *metrics.Collector `optional:"true"`
	Dialer  Dialer             `optional:"true"`
}

// NewConnectorFx builds a Connector from the injected dependencies
func NewConnectorFx(p ConnectorParams) *Connector {
	var opts []Option
	if p.Logger != nil {
		opts = append(opts, WithLogger(p.Logger))
	}
	if p.Metrics != nil {
		opts = append(opts, WithMetrics(p.Metrics))
	}
	if p.Dialer != nil {
		opts = append(opts, WithDialer(p.Dialer))
	}
	return New(p.Config, opts...)
}

// NewConnectionFx returns the shared connection of c
func NewConnectionFx(c *Connector) *Connection {
	return c.Connect()
}

// RegisterConnectionLifecycle waits for the broker on start, builds the
// configured channels and closes everything on stop
func RegisterConnectionLifecycle(lc fx.Lifecycle, c *Connector, conn *Connection) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := conn.WaitForConnect(ctx); err != nil {
				return err
			}
			for _, ch := range c.Config().Channels {
				if _, err := conn.BuildChannelIfNotExists(ch); err != nil {
					return err
				}
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return conn.Close()
		},
	})
}
