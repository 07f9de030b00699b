package connector

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"gopkg.in/yaml.v3"

	"github.com/glimte/amqp-connector-go/internal/rabbitmq"
	"github.com/glimte/amqp-connector-go/logging"
)

const (
	DefaultURL                = "amqp://localhost:5672"
	DefaultServiceName        = "default"
	DefaultHeartbeat          = 10 * time.Second
	DefaultReconnectDelay     = time.Second
	DefaultMaxReconnectDelay  = 30 * time.Second
	DefaultChannelReopenDelay = 500 * time.Millisecond
)

// Config configures a Connector
type Config struct {
	URLs           []URLConfig      `yaml:"urls"`
	ServiceName    string           `yaml:"serviceName"`
	ServiceVersion string           `yaml:"serviceVersion"`
	Connection     ConnectionConfig `yaml:"connection"`
	Logging        logging.Config   `yaml:"logging"`
	Channels       []ChannelConfig  `yaml:"channels"`
}

// ConnectionConfig holds the dial and reconnect settings shared by every URL
type ConnectionConfig struct {
	Heartbeat          time.Duration `yaml:"heartbeat"`
	ReconnectDelay     time.Duration `yaml:"reconnectDelay"`
	MaxReconnectDelay  time.Duration `yaml:"maxReconnectDelay"`
	MaxRetries         int           `yaml:"maxRetries"`
	ChannelReopenDelay time.Duration `yaml:"channelReopenDelay"`
	InvokeTimeout      time.Duration `yaml:"invokeTimeout"`
}

// URLConfig is one broker URL. In YAML it is either a bare string or a
// mapping with per-URL overrides.
type URLConfig struct {
	URL       string        `yaml:"url"`
	Heartbeat time.Duration `yaml:"heartbeat"`
	Vhost     string        `yaml:"vhost"`
}

// UnmarshalYAML accepts both the scalar and the mapping form
func (u *URLConfig) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		u.URL = node.Value
		return nil
	}
	type plain URLConfig
	return node.Decode((*plain)(u))
}

// ChannelConfig configures a logical channel
type ChannelConfig struct {
	Name           string        `yaml:"name"`
	JSON           bool          `yaml:"json"`
	Realm          string        `yaml:"realm"`
	PrefetchCount  int           `yaml:"prefetchCount"`
	PrefetchGlobal bool          `yaml:"prefetchGlobal"`
	RejectTimeout  time.Duration `yaml:"rejectTimeout"`
}

// DefaultConfig returns a configuration with every default applied
func DefaultConfig() Config {
	var cfg Config
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if len(c.URLs) == 0 {
		c.URLs = []URLConfig{{URL: DefaultURL}}
	}
	if c.ServiceName == "" {
		c.ServiceName = DefaultServiceName
	}
	if c.Connection.Heartbeat == 0 {
		c.Connection.Heartbeat = DefaultHeartbeat
	}
	if c.Connection.ReconnectDelay == 0 {
		c.Connection.ReconnectDelay = DefaultReconnectDelay
	}
	if c.Connection.MaxReconnectDelay == 0 {
		c.Connection.MaxReconnectDelay = DefaultMaxReconnectDelay
	}
	if c.Connection.ChannelReopenDelay == 0 {
		c.Connection.ChannelReopenDelay = DefaultChannelReopenDelay
	}
	if c.Logging.ServiceName == "" {
		c.Logging.ServiceName = c.ServiceName
	}
}

// Validate reports configuration errors that would prevent connecting
func (c Config) Validate() error {
	for i, u := range c.URLs {
		parsed, err := url.Parse(u.URL)
		if err != nil {
			return fmt.Errorf("urls[%d]: %w", i, err)
		}
		if parsed.Scheme != "amqp" && parsed.Scheme != "amqps" {
			return fmt.Errorf("urls[%d]: unsupported scheme %q", i, parsed.Scheme)
		}
	}
	if c.Connection.MaxReconnectDelay < c.Connection.ReconnectDelay {
		return fmt.Errorf("connection.maxReconnectDelay %s is below reconnectDelay %s",
			c.Connection.MaxReconnectDelay, c.Connection.ReconnectDelay)
	}
	return nil
}

// LoadConfig reads a YAML configuration file and applies the defaults
func LoadConfig(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config: %w", err)
	}
	return ParseConfig(raw)
}

// ParseConfig decodes a YAML configuration and applies the defaults
func ParseConfig(raw []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// endpoints converts the URLs into dial targets carrying the client properties
func (c Config) endpoints() []rabbitmq.Endpoint {
	endpoints := make([]rabbitmq.Endpoint, 0, len(c.URLs))
	for _, u := range c.URLs {
		heartbeat := c.Connection.Heartbeat
		if u.Heartbeat > 0 {
			heartbeat = u.Heartbeat
		}
		props := amqp.NewConnectionProperties()
		props["amqp-connector-version"] = Version
		props["service-name"] = c.ServiceName
		props["service-version"] = c.ServiceVersion
		props.SetClientConnectionName(c.ServiceName)

		endpoints = append(endpoints, rabbitmq.Endpoint{
			URL: strings.TrimSpace(u.URL),
			Config: amqp.Config{
				Heartbeat:  heartbeat,
				Vhost:      u.Vhost,
				Locale:     "en_US",
				Properties: props,
			},
		})
	}
	return endpoints
}
