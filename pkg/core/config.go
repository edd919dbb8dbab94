package core

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config contains all configuration options for the real-time connection.
type Config struct {
	// URL is the hub endpoint, for example https://app.example.com/hubs/events.
	URL string `json:"url" yaml:"url" validate:"required,url"`
	// Negotiate enables the REST negotiate step before the websocket upgrade.
	Negotiate bool `json:"negotiate" yaml:"negotiate"`

	// Group is the argument passed to the join and leave calls. Empty sends no argument.
	Group       string `json:"group" yaml:"group"`
	JoinMethod  string `json:"join_method" yaml:"join_method" validate:"required"`
	LeaveMethod string `json:"leave_method" yaml:"leave_method" validate:"required"`

	MaxReconnectAttempts int           `json:"max_reconnect_attempts" yaml:"max_reconnect_attempts" validate:"min=1"`
	ReconnectBaseDelay   time.Duration `json:"reconnect_base_delay" yaml:"reconnect_base_delay" validate:"min=1ms"`
	ReconnectMaxDelay    time.Duration `json:"reconnect_max_delay" yaml:"reconnect_max_delay" validate:"gtefield=ReconnectBaseDelay"`
	ReconnectJitter      float64       `json:"reconnect_jitter" yaml:"reconnect_jitter" validate:"min=0,max=1"`

	// ConnectWaitTimeout bounds how long a concurrent Connect waits on an in-flight attempt.
	ConnectWaitTimeout time.Duration `json:"connect_wait_timeout" yaml:"connect_wait_timeout" validate:"min=1ms"`
	// HandshakeTimeout bounds a single connection attempt.
	HandshakeTimeout time.Duration `json:"handshake_timeout" yaml:"handshake_timeout" validate:"min=1ms"`
	InvokeTimeout    time.Duration `json:"invoke_timeout" yaml:"invoke_timeout" validate:"min=1ms"`
	GroupCallTimeout time.Duration `json:"group_call_timeout" yaml:"group_call_timeout" validate:"min=1ms"`

	PingInterval  time.Duration `json:"ping_interval" yaml:"ping_interval" validate:"min=1ms"`
	ServerTimeout time.Duration `json:"server_timeout" yaml:"server_timeout" validate:"gtfield=PingInterval"`

	// InvokeRateLimit caps outbound invocations per InvokeRatePeriod. Zero disables it.
	InvokeRateLimit  int           `json:"invoke_rate_limit" yaml:"invoke_rate_limit" validate:"min=0"`
	InvokeRatePeriod time.Duration `json:"invoke_rate_period" yaml:"invoke_rate_period" validate:"min=0"`

	LogLevel string `json:"log_level" yaml:"log_level" validate:"omitempty,oneof=debug info warn error"`
}

// DefaultConfig returns a Config for the given hub URL.
// Default values: 5 reconnect attempts with 1s-30s backoff and no jitter, 10s dedup wait,
// 15s handshake, 30s invoke, 5s group calls, 15s ping with 30s server timeout.
func DefaultConfig(url string) *Config {
	return &Config{
		URL:       url,
		Negotiate: true,

		JoinMethod:  "JoinGroup",
		LeaveMethod: "LeaveGroup",

		MaxReconnectAttempts: 5,
		ReconnectBaseDelay:   1 * time.Second,
		ReconnectMaxDelay:    30 * time.Second,

		ConnectWaitTimeout: 10 * time.Second,
		HandshakeTimeout:   15 * time.Second,
		InvokeTimeout:      30 * time.Second,
		GroupCallTimeout:   5 * time.Second,

		PingInterval:  15 * time.Second,
		ServerTimeout: 30 * time.Second,

		InvokeRatePeriod: time.Second,

		LogLevel: "info",
	}
}

var validate = validator.New()

// Validate checks the configuration and returns an ErrInvalidConfig error on failure.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return NewConnectionError(ErrorTypeInvalidConfig, "config", "validation failed", err)
	}
	if c.InvokeRateLimit > 0 && c.InvokeRatePeriod <= 0 {
		return NewConnectionError(ErrorTypeInvalidConfig, "config", "validation failed",
			errors.New("InvokeRatePeriod must be positive when InvokeRateLimit is set"))
	}
	return nil
}

// LoadConfigFile reads a YAML file over DefaultConfig and validates the result.
// Durations are written as Go duration strings such as "1500ms" or "30s".
func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	config := DefaultConfig("")
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// WithGroup sets the group argument and returns the config for chaining.
func (c *Config) WithGroup(group string) *Config {
	c.Group = group
	return c
}

// WithGroupMethods sets the remote join and leave method names and returns the config for chaining.
func (c *Config) WithGroupMethods(join, leave string) *Config {
	c.JoinMethod = join
	c.LeaveMethod = leave
	return c
}

// WithReconnect sets the retry ceiling and backoff bounds and returns the config for chaining.
func (c *Config) WithReconnect(maxAttempts int, base, max time.Duration) *Config {
	c.MaxReconnectAttempts = maxAttempts
	c.ReconnectBaseDelay = base
	c.ReconnectMaxDelay = max
	return c
}

// WithJitter sets the backoff jitter fraction and returns the config for chaining.
func (c *Config) WithJitter(jitter float64) *Config {
	c.ReconnectJitter = jitter
	return c
}

// WithTimeouts sets the dedup wait and handshake timeouts and returns the config for chaining.
func (c *Config) WithTimeouts(connectWait, handshake time.Duration) *Config {
	c.ConnectWaitTimeout = connectWait
	c.HandshakeTimeout = handshake
	return c
}

// WithInvokeRateLimit sets the outbound invocation rate limit and returns the config for chaining.
func (c *Config) WithInvokeRateLimit(requests int, period time.Duration) *Config {
	c.InvokeRateLimit = requests
	c.InvokeRatePeriod = period
	return c
}

// WithNegotiate enables or disables the negotiate step and returns the config for chaining.
func (c *Config) WithNegotiate(negotiate bool) *Config {
	c.Negotiate = negotiate
	return c
}
