package config

import "time"

// Config is the root configuration for the realtime client.
type Config struct {
	Endpoint  EndpointConfig  `yaml:"endpoint"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
	Requests  RequestsConfig  `yaml:"requests"`
	Heartbeat HeartbeatConfig `yaml:"heartbeat"`
	Sync      SyncConfig      `yaml:"sync"`
}

// EndpointConfig selects where and how to connect.
type EndpointConfig struct {
	URL        string   `yaml:"url" env:"URL"`
	Transports []string `yaml:"transports" env:"TRANSPORTS" envSeparator:","` // preference order: "websocket", "polling"
	// HandshakeTimeout bounds dial + welcome frame for a single attempt.
	HandshakeTimeout time.Duration `yaml:"handshake_timeout" env:"HANDSHAKE_TIMEOUT"`
	PollTimeout      time.Duration `yaml:"poll_timeout" env:"POLL_TIMEOUT"`
}

// ReconnectConfig holds the reconnection policy.
type ReconnectConfig struct {
	MaxAttempts int           `yaml:"max_attempts" env:"MAX_RECONNECT_ATTEMPTS"`
	BaseDelay   time.Duration `yaml:"base_delay" env:"RECONNECT_DELAY"`
	MaxDelay    time.Duration `yaml:"max_delay" env:"RECONNECT_MAX_DELAY"`
	Jitter      float64       `yaml:"jitter" env:"RECONNECT_JITTER"`
}

// RequestsConfig holds request/acknowledgement settings.
type RequestsConfig struct {
	// Timeout bounds how long an emit waits for its ack. Negative disables the bound.
	Timeout time.Duration `yaml:"timeout" env:"REQUEST_TIMEOUT"`
}

// HeartbeatConfig holds keepalive settings for the WebSocket transport.
type HeartbeatConfig struct {
	PingInterval time.Duration `yaml:"ping_interval" env:"PING_INTERVAL"`
	PingTimeout  time.Duration `yaml:"ping_timeout" env:"PING_TIMEOUT"`
	WriteTimeout time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
}

// SyncConfig controls the cache sync bridge.
type SyncConfig struct {
	DisableNotices bool `yaml:"disable_notices" env:"DISABLE_NOTICES"`
}
