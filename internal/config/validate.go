package config

import (
	"errors"
	"fmt"
	"net/url"
)

// Validate checks that all required fields are set and values are valid.
func (c *Config) Validate() error {
	if c.Endpoint.URL == "" {
		return errors.New("endpoint.url is required")
	}
	u, err := url.Parse(c.Endpoint.URL)
	if err != nil {
		return fmt.Errorf("endpoint.url: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss", "http", "https":
	default:
		return fmt.Errorf("endpoint.url scheme must be ws, wss, http or https, got %q", u.Scheme)
	}

	if len(c.Endpoint.Transports) == 0 {
		return errors.New("endpoint.transports must name at least one transport")
	}
	seen := make(map[string]bool, len(c.Endpoint.Transports))
	for _, name := range c.Endpoint.Transports {
		switch name {
		case "websocket", "polling":
		default:
			return fmt.Errorf("endpoint.transports: unknown transport %q", name)
		}
		if seen[name] {
			return fmt.Errorf("endpoint.transports: %q listed twice", name)
		}
		seen[name] = true
	}

	if c.Reconnect.MaxAttempts < 1 {
		return errors.New("reconnect.max_attempts must be >= 1")
	}
	if c.Reconnect.BaseDelay <= 0 {
		return errors.New("reconnect.base_delay must be > 0")
	}
	if c.Reconnect.MaxDelay < c.Reconnect.BaseDelay {
		return fmt.Errorf("reconnect.max_delay (%s) cannot be less than base_delay (%s)", c.Reconnect.MaxDelay, c.Reconnect.BaseDelay)
	}
	if c.Reconnect.Jitter < 0 || c.Reconnect.Jitter >= 1 {
		return fmt.Errorf("reconnect.jitter must be in [0, 1), got %v", c.Reconnect.Jitter)
	}

	if c.Heartbeat.PingTimeout <= c.Heartbeat.PingInterval {
		return fmt.Errorf("heartbeat.ping_timeout (%s) must exceed ping_interval (%s)", c.Heartbeat.PingTimeout, c.Heartbeat.PingInterval)
	}

	return nil
}
