package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultURL               = "ws://localhost:3001/realtime"
	DefaultHandshakeTimeout  = 10 * time.Second
	DefaultPollTimeout       = 30 * time.Second
	DefaultMaxAttempts       = 5
	DefaultReconnectDelay    = 1 * time.Second
	DefaultReconnectMaxDelay = 30 * time.Second
	DefaultReconnectJitter   = 0.2
	DefaultRequestTimeout    = 10 * time.Second
	DefaultPingInterval      = 25 * time.Second
	DefaultPingTimeout       = 60 * time.Second
	DefaultWriteTimeout      = 5 * time.Second
)

// DefaultTransports is the transport preference order.
var DefaultTransports = []string{"websocket", "polling"}

func (c *Config) applyDefaults() {
	// Endpoint defaults
	if c.Endpoint.URL == "" {
		c.Endpoint.URL = DefaultURL
	}
	if len(c.Endpoint.Transports) == 0 {
		c.Endpoint.Transports = append([]string(nil), DefaultTransports...)
	}
	if c.Endpoint.HandshakeTimeout == 0 {
		c.Endpoint.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.Endpoint.PollTimeout == 0 {
		c.Endpoint.PollTimeout = DefaultPollTimeout
	}

	// Reconnect defaults
	if c.Reconnect.MaxAttempts == 0 {
		c.Reconnect.MaxAttempts = DefaultMaxAttempts
	}
	if c.Reconnect.BaseDelay == 0 {
		c.Reconnect.BaseDelay = DefaultReconnectDelay
	}
	if c.Reconnect.MaxDelay == 0 {
		c.Reconnect.MaxDelay = DefaultReconnectMaxDelay
	}
	if c.Reconnect.Jitter == 0 {
		c.Reconnect.Jitter = DefaultReconnectJitter
	}

	if c.Requests.Timeout == 0 {
		c.Requests.Timeout = DefaultRequestTimeout
	}

	// Heartbeat defaults
	if c.Heartbeat.PingInterval == 0 {
		c.Heartbeat.PingInterval = DefaultPingInterval
	}
	if c.Heartbeat.PingTimeout == 0 {
		c.Heartbeat.PingTimeout = DefaultPingTimeout
	}
	if c.Heartbeat.WriteTimeout == 0 {
		c.Heartbeat.WriteTimeout = DefaultWriteTimeout
	}
}
