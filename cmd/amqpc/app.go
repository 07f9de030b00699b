package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	connector "github.com/glimte/amqp-connector-go"
	"github.com/glimte/amqp-connector-go/logging"
)

// app holds the global flags and the connection opened by a command
type app struct {
	configPath string
	url        string
	service    string
	channel    string
	realm      string
	raw        bool
	verbose    bool
	wait       time.Duration

	// dialer and logger replace the defaults in tests
	dialer connector.Dialer
	logger *zap.Logger

	conn *connector.Connection
}

func newRootCommand(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "amqpc",
		Short:         "Talk to services built on amqp-connector",
		Long:          "amqpc publishes messages, subscribes to qualifiers and invokes RPC functions using the connector qualifier syntax.",
		Version:       versionString(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&a.configPath, "config", "c", "", "YAML configuration file")
	flags.StringVarP(&a.url, "url", "u", "", "broker URL, overrides the configuration")
	flags.StringVarP(&a.service, "service", "s", "amqpc", "service name reported to the broker")
	flags.StringVar(&a.channel, "channel", connector.DefaultChannelName, "channel name")
	flags.StringVarP(&a.realm, "realm", "r", "", "realm prefix of exchanges, queues and functions")
	flags.BoolVar(&a.raw, "raw", false, "send and receive raw bytes instead of JSON")
	flags.BoolVarP(&a.verbose, "verbose", "v", false, "log at debug level")
	flags.DurationVar(&a.wait, "connect-timeout", 10*time.Second, "time to wait for the broker")

	root.AddCommand(
		newPublishCommand(a),
		newSubscribeCommand(a),
		newInvokeCommand(a),
		newListenEchoCommand(a),
		newHealthCommand(a),
	)
	return root
}

func (a *app) config() (connector.Config, error) {
	cfg := connector.DefaultConfig()
	if a.configPath != "" {
		loaded, err := connector.LoadConfig(a.configPath)
		if err != nil {
			return cfg, err
		}
		cfg = loaded
	} else {
		cfg.ServiceName = a.service
		cfg.Logging.ServiceName = a.service
	}
	if a.url != "" {
		cfg.URLs = []connector.URLConfig{{URL: a.url}}
	}
	if a.verbose {
		cfg.Logging.Level = "debug"
	}
	return cfg, cfg.Validate()
}

// open connects and builds the channel selected by the flags
func (a *app) open(ctx context.Context) (*connector.Channel, error) {
	cfg, err := a.config()
	if err != nil {
		return nil, err
	}

	logger := a.logger
	if logger == nil {
		if logger, err = logging.New(cfg.Logging); err != nil {
			return nil, err
		}
	}
	opts := []connector.Option{connector.WithLogger(logger)}
	if a.dialer != nil {
		opts = append(opts, connector.WithDialer(a.dialer))
	}

	a.conn = connector.New(cfg, opts...).Connect()
	waitCtx, cancel := context.WithTimeout(ctx, a.wait)
	defer cancel()
	if err := a.conn.WaitForConnect(waitCtx); err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	chCfg := connector.ChannelConfig{Name: a.channel, JSON: !a.raw, Realm: a.realm}
	for _, c := range cfg.Channels {
		if c.Name == a.channel {
			chCfg = c
		}
	}
	ch, err := a.conn.BuildChannelIfNotExists(chCfg)
	if err != nil {
		return nil, err
	}
	if err := ch.WaitForConnect(waitCtx); err != nil {
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	return ch, nil
}

func (a *app) close() error {
	if a.conn == nil {
		return nil
	}
	err := a.conn.Close()
	a.conn = nil
	return err
}

// payload converts a command line argument into a message payload
func (a *app) payload(arg string) interface{} {
	if a.raw {
		return []byte(arg)
	}
	var v interface{}
	if err := json.Unmarshal([]byte(arg), &v); err == nil {
		return v
	}
	return arg
}

// printContent writes decoded content as one JSON line, raw content as is
func printContent(w io.Writer, content interface{}) error {
	if b, ok := content.([]byte); ok {
		_, err := fmt.Fprintln(w, string(b))
		return err
	}
	return json.NewEncoder(w).Encode(content)
}
