// Package realtime composes the realtime client from its components.
//
// A Client owns one connection manager and the registry, request bridge and
// room manager that follow it. Most applications use the shared instance
// returned by Default; tests and tools build isolated clients with New.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/rickgao/tasklink/internal/auth"
	"github.com/rickgao/tasklink/internal/config"
	"github.com/rickgao/tasklink/internal/connection"
	"github.com/rickgao/tasklink/internal/events"
	"github.com/rickgao/tasklink/internal/request"
	"github.com/rickgao/tasklink/internal/rooms"
	"github.com/rickgao/tasklink/internal/syncbridge"
	"github.com/rickgao/tasklink/internal/transport"
)

// Client is a realtime client.
type Client struct {
	cfg    config.Config
	logger *slog.Logger

	conn     connection.Manager
	events   *events.Registry
	requests *request.Bridge
	rooms    *rooms.Manager

	mu      sync.Mutex
	bridges []*syncbridge.Bridge
	closed  bool
}

// New builds a client from cfg. Nothing is dialed until Connect.
func New(cfg config.Config, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	dialer, err := transport.New(cfg.Endpoint.Transports, transport.Options{
		URL:              cfg.Endpoint.URL,
		HandshakeTimeout: cfg.Endpoint.HandshakeTimeout,
		PollTimeout:      cfg.Endpoint.PollTimeout,
		WriteTimeout:     cfg.Heartbeat.WriteTimeout,
		PingInterval:     cfg.Heartbeat.PingInterval,
		PingTimeout:      cfg.Heartbeat.PingTimeout,
		Logger:           logger.With("component", "transport"),
	})
	if err != nil {
		return nil, fmt.Errorf("create dialer: %w", err)
	}

	conn := connection.NewManager(connection.ManagerConfig{
		MaxReconnectAttempts: cfg.Reconnect.MaxAttempts,
		ReconnectBaseWait:    cfg.Reconnect.BaseDelay,
		ReconnectMaxWait:     cfg.Reconnect.MaxDelay,
		ReconnectJitter:      cfg.Reconnect.Jitter,
	}, dialer, logger.With("component", "connection"))

	// Zero means the default; negative disables the bound.
	timeout := cfg.Requests.Timeout
	switch {
	case timeout == 0:
		timeout = request.DefaultTimeout
	case timeout < 0:
		timeout = 0
	}

	reg := events.NewRegistry(conn, logger)
	req := request.New(conn, request.WithTimeout(timeout), request.WithLogger(logger.With("component", "request")))

	return &Client{
		cfg:      cfg,
		logger:   logger,
		conn:     conn,
		events:   reg,
		requests: req,
		rooms:    rooms.New(conn, req, reg, rooms.WithLogger(logger)),
	}, nil
}

var (
	defaultOnce   sync.Once
	defaultClient *Client
	defaultErr    error
)

// Default returns the process-wide client configured from
// TASKLINK_REALTIME_* environment variables. It is built on first use.
func Default() (*Client, error) {
	defaultOnce.Do(func() {
		cfg, err := config.FromEnv()
		if err != nil {
			defaultErr = fmt.Errorf("load config: %w", err)
			return
		}
		defaultClient, defaultErr = New(*cfg, nil)
	})
	return defaultClient, defaultErr
}

// Connect connects with a bearer token.
func (c *Client) Connect(ctx context.Context, token string) error {
	return c.ConnectWith(ctx, auth.New(token))
}

// ConnectWith connects with cred.
func (c *Client) ConnectWith(ctx context.Context, cred auth.Credential) error {
	return c.conn.Connect(ctx, cred)
}

// Disconnect tears down the connection. Subscriptions and tracked rooms
// survive and are restored by the next Connect.
func (c *Client) Disconnect() { c.conn.Disconnect() }

// Reconnect forces a fresh connection with the last credential.
func (c *Client) Reconnect(ctx context.Context) error { return c.conn.Reconnect(ctx) }

// State returns the connection state.
func (c *Client) State() connection.State { return c.conn.State() }

// OnStateChange registers a state observer.
func (c *Client) OnStateChange(fn func(connection.StateChange)) func() {
	return c.conn.OnStateChange(fn)
}

// Emit sends an acked request.
func (c *Client) Emit(ctx context.Context, topic string, payload any) (json.RawMessage, error) {
	return c.requests.Emit(ctx, topic, payload)
}

func (c *Client) Connection() connection.Manager { return c.conn }
func (c *Client) Events() *events.Registry       { return c.events }
func (c *Client) Requests() *request.Bridge      { return c.requests }
func (c *Client) Rooms() *rooms.Manager          { return c.rooms }

// Sync starts a sync bridge feeding cache and notifier. Notices follow the
// sync.disable_notices setting unless opts override it.
func (c *Client) Sync(cache syncbridge.Cache, notifier syncbridge.Notifier, opts ...syncbridge.Option) *syncbridge.Bridge {
	opts = append([]syncbridge.Option{
		syncbridge.WithNotices(!c.cfg.Sync.DisableNotices),
		syncbridge.WithLogger(c.logger),
	}, opts...)

	b := syncbridge.New(c.events, cache, notifier, opts...)
	b.Start()

	c.mu.Lock()
	c.bridges = append(c.bridges, b)
	c.mu.Unlock()
	return b
}

// Close stops every component and disconnects.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	bridges := c.bridges
	c.bridges = nil
	c.mu.Unlock()

	for _, b := range bridges {
		b.Stop()
	}
	c.rooms.Close()
	c.events.Close()
	c.conn.Disconnect()
}
