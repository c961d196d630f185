package fins

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

const (
	DEFAULT_RESPONSE_TIMEOUT = 2 * time.Second
	DEFAULT_SWEEP_INTERVAL   = 50 * time.Millisecond
	DEFAULT_MAX_ATTEMPTS     = 1 // no retry
	DEFAULT_PORT             = 9600
	ERROR_CHANNEL_BUFFER     = 1 // Buffer size for error channels
)

// EndpointConfig describes one side of the link: socket address and FINS address.
type EndpointConfig struct {
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	Network int    `yaml:"network"`
	Node    int    `yaml:"node"`
	Unit    int    `yaml:"unit"`
}

// Config is the file representation of a master's settings.
type Config struct {
	Local           EndpointConfig `yaml:"local"`
	Remote          EndpointConfig `yaml:"remote"`
	ResponseTimeout time.Duration  `yaml:"response_timeout"`
	MaxAttempts     int            `yaml:"max_attempts"`
	SweepInterval   time.Duration  `yaml:"sweep_interval"`
	ReadBufferSize  int            `yaml:"read_buffer_size"`
}

// DefaultConfig returns a configuration for a PLC on the standard FINS port.
func DefaultConfig() Config {
	return Config{
		Local:           EndpointConfig{Node: 2},
		Remote:          EndpointConfig{Host: "127.0.0.1", Port: DEFAULT_PORT, Node: 10},
		ResponseTimeout: DEFAULT_RESPONSE_TIMEOUT,
		MaxAttempts:     DEFAULT_MAX_ATTEMPTS,
		SweepInterval:   DEFAULT_SWEEP_INTERVAL,
		ReadBufferSize:  READ_BUFFER_SIZE,
	}
}

// LoadConfig reads a YAML configuration file on top of DefaultConfig.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig parses YAML configuration on top of DefaultConfig.
func ParseConfig(data []byte) (Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks ranges of every field.
func (c Config) Validate() error {
	if _, err := c.Local.NodeAddress(); err != nil {
		return fmt.Errorf("local: %w", err)
	}
	if _, err := c.Remote.NodeAddress(); err != nil {
		return fmt.Errorf("remote: %w", err)
	}
	if c.Remote.Host == "" {
		return InvalidArgumentError{Name: "remote.host", Reason: "required"}
	}
	if c.Remote.Port <= 0 || c.Remote.Port > 65535 {
		return InvalidArgumentError{Name: "remote.port", Reason: "must be 1-65535"}
	}
	if c.Local.Port < 0 || c.Local.Port > 65535 {
		return InvalidArgumentError{Name: "local.port", Reason: "must be 0-65535"}
	}
	if c.ResponseTimeout <= 0 {
		return InvalidArgumentError{Name: "response_timeout", Reason: "must be positive"}
	}
	if c.MaxAttempts < 1 {
		return InvalidArgumentError{Name: "max_attempts", Reason: "must be at least 1"}
	}
	if c.SweepInterval <= 0 {
		return InvalidArgumentError{Name: "sweep_interval", Reason: "must be positive"}
	}
	return nil
}

// NodeAddress returns the FINS address of the endpoint.
func (e EndpointConfig) NodeAddress() (NodeAddress, error) {
	return NewNodeAddress(e.Network, e.Node, e.Unit)
}

// UDPAddr resolves the socket address; an empty host with port 0 means "any".
func (e EndpointConfig) UDPAddr() (*net.UDPAddr, error) {
	if e.Host == "" && e.Port == 0 {
		return nil, nil
	}
	return net.ResolveUDPAddr("udp", net.JoinHostPort(e.Host, strconv.Itoa(e.Port)))
}

// options are the programmatic settings of a Master.
type options struct {
	logger          *zap.Logger
	responseTimeout time.Duration
	maxAttempts     int
	sweepInterval   time.Duration
	interceptor     Interceptor
	now             func() time.Time
}

func defaultOptions() options {
	return options{
		logger:          zap.NewNop(),
		responseTimeout: DEFAULT_RESPONSE_TIMEOUT,
		maxAttempts:     DEFAULT_MAX_ATTEMPTS,
		sweepInterval:   DEFAULT_SWEEP_INTERVAL,
		now:             time.Now,
	}
}

// Option configures a Master.
type Option func(*options)

// WithLogger sets the zap logger; the master logs under the "fins" name.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithResponseTimeout sets how long one attempt waits for its response.
func WithResponseTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.responseTimeout = d
		}
	}
}

// WithMaxAttempts sets how many times a request is sent before it times out.
// The default of 1 sends once and never retries.
func WithMaxAttempts(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxAttempts = n
		}
	}
}

// WithSweepInterval sets how often expired requests are collected.
func WithSweepInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.sweepInterval = d
		}
	}
}

// WithInterceptor installs an interceptor around blocking operations.
func WithInterceptor(i Interceptor) Option {
	return func(o *options) {
		o.interceptor = i
	}
}

// WithClock replaces time.Now for deadline bookkeeping.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// Options turns the file configuration into master options.
func (c Config) Options() []Option {
	return []Option{
		WithResponseTimeout(c.ResponseTimeout),
		WithMaxAttempts(c.MaxAttempts),
		WithSweepInterval(c.SweepInterval),
	}
}
