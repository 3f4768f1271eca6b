package mqttbridge

import (
	"errors"
	"fmt"
	"time"
)

// Connection constants.
const (
	defaultConnectTimeout    = 10 * time.Second
	defaultPublishTimeout    = 5 * time.Second
	defaultDisconnectQuiesce = 1000 // milliseconds
	defaultKeepAlive         = 60 * time.Second
	maxQoS                   = 2
)

// Bridge errors.
var (
	ErrConnectionFailed = errors.New("mqtt: connection failed")
	ErrInvalidConfig    = errors.New("mqtt: invalid configuration")
)

// Config configures the MQTT bridge.
type Config struct {
	// Enabled turns the bridge on.
	Enabled bool `yaml:"enabled"`

	// Broker is the broker URL, e.g. "tcp://localhost:1883" or "ssl://broker:8883".
	Broker string `yaml:"broker"`

	// ClientID identifies the server to the broker.
	ClientID string `yaml:"client_id"`

	Username string `yaml:"username"`
	Password string `yaml:"password"`

	// TopicPrefix is the first topic level. Default: "lwm2m"
	TopicPrefix string `yaml:"topic_prefix"`

	// QoS for every publish (0, 1 or 2). Default: 1
	QoS int `yaml:"qos"`

	// Retain marks registration and presence messages as retained so new
	// subscribers see the current state. Notifications are never retained.
	Retain bool `yaml:"retain"`

	// ConnectTimeout bounds the initial connection. Default: 10s
	ConnectTimeout time.Duration `yaml:"connect_timeout"`

	// PublishTimeout bounds the wait for each publish acknowledgment. Default: 5s
	PublishTimeout time.Duration `yaml:"publish_timeout"`

	// MaxReconnectInterval caps the reconnect backoff. Default: 1m
	MaxReconnectInterval time.Duration `yaml:"max_reconnect_interval"`
}

// DefaultConfig returns a disabled bridge configuration with defaults.
func DefaultConfig() Config {
	return Config{
		Broker:               "tcp://localhost:1883",
		ClientID:             "lwm2m-server",
		TopicPrefix:          "lwm2m",
		QoS:                  1,
		Retain:               true,
		ConnectTimeout:       defaultConnectTimeout,
		PublishTimeout:       defaultPublishTimeout,
		MaxReconnectInterval: time.Minute,
	}
}

// Validate checks the configuration. A disabled bridge is always valid.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Broker == "" {
		return fmt.Errorf("%w: broker is required", ErrInvalidConfig)
	}
	if c.ClientID == "" {
		return fmt.Errorf("%w: client_id is required", ErrInvalidConfig)
	}
	if c.TopicPrefix == "" {
		return fmt.Errorf("%w: topic_prefix is required", ErrInvalidConfig)
	}
	if c.QoS < 0 || c.QoS > maxQoS {
		return fmt.Errorf("%w: qos must be 0, 1 or 2", ErrInvalidConfig)
	}
	return nil
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.TopicPrefix == "" {
		c.TopicPrefix = d.TopicPrefix
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = d.PublishTimeout
	}
	if c.MaxReconnectInterval <= 0 {
		c.MaxReconnectInterval = d.MaxReconnectInterval
	}
}
