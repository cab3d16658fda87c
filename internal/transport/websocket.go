package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rickgao/tasklink/internal/auth"
)

// NewWebSocketDialer returns a Dialer for the websocket transport.
func NewWebSocketDialer(opts Options) Dialer {
	opts.normalize()
	return &wsDialer{opts: opts}
}

type wsDialer struct {
	opts Options
}

// Dial upgrades to a WebSocket and waits for the welcome frame.
func (d *wsDialer) Dial(ctx context.Context, cred auth.Credential) (Conn, error) {
	u, err := endpointURL(d.opts.URL, true)
	if err != nil {
		return nil, err
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.opts.HandshakeTimeout,
	}

	conn, resp, err := dialer.DialContext(ctx, u.String(), d.opts.header(cred))
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, &RejectError{Kind: ErrAuthRejected, Status: resp.StatusCode}
		}
		return nil, fmt.Errorf("websocket dial: %w", err)
	}

	sid, err := readWelcome(ctx, conn, d.opts.HandshakeTimeout)
	if err != nil {
		conn.Close()
		return nil, err
	}

	c := &wsConn{
		opts:       d.opts,
		logger:     d.opts.Logger.With("transport", NameWebSocket, "sid", sid),
		conn:       conn,
		sid:        sid,
		frames:     make(chan Frame, d.opts.BufferSize),
		done:       make(chan struct{}),
		lastPingAt: time.Now(),
	}

	// Set up ping handler - server sends ping, we respond with pong
	conn.SetPingHandler(func(data string) error {
		c.touch()
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
	})

	// Set up pong handler - server responds to our ping
	conn.SetPongHandler(func(string) error {
		c.touch()
		return nil
	})

	go c.readLoop()
	go c.heartbeatLoop()

	c.logger.Debug("websocket connected", "url", u.Redacted())
	return c, nil
}

func readWelcome(ctx context.Context, conn *websocket.Conn, timeout time.Duration) (string, error) {
	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetReadDeadline(deadline)
	defer conn.SetReadDeadline(time.Time{})

	_, data, err := conn.ReadMessage()
	if err != nil {
		return "", fmt.Errorf("read welcome: %w", err)
	}
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return "", fmt.Errorf("decode welcome: %w", err)
	}
	return handshake(f)
}

// wsConn is a Conn over gorilla/websocket.
type wsConn struct {
	opts   Options
	logger *slog.Logger

	conn *websocket.Conn
	sid  string

	frames chan Frame
	done   chan struct{}

	// Write serialization
	writeMu sync.Mutex

	// State
	mu         sync.RWMutex
	lastPingAt time.Time
	closed     bool
	err        error
}

func (c *wsConn) Transport() string    { return NameWebSocket }
func (c *wsConn) SessionID() string    { return c.sid }
func (c *wsConn) Frames() <-chan Frame { return c.frames }

func (c *wsConn) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.err
}

// Send writes one frame as a text message.
func (c *wsConn) Send(f Frame) error {
	c.mu.RLock()
	closed := c.closed
	c.mu.RUnlock()
	if closed {
		return ErrClosed
	}

	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Close sends a normal close frame and releases the socket.
func (c *wsConn) Close() error {
	if !c.terminate(nil) {
		return nil
	}
	c.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	return c.conn.Close()
}

// terminate records the first termination cause. It reports whether this
// call was the one that terminated the conn.
func (c *wsConn) terminate(cause error) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.closed = true
	c.err = cause
	c.mu.Unlock()

	close(c.done)
	return true
}

func (c *wsConn) touch() {
	c.mu.Lock()
	c.lastPingAt = time.Now()
	c.mu.Unlock()
}

// readLoop decodes frames and forwards them until the socket fails.
func (c *wsConn) readLoop() {
	defer close(c.frames)

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if c.terminate(classifyReadError(err)) {
				c.conn.Close()
			}
			return
		}
		c.touch()

		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.logger.Warn("dropping undecodable frame", "error", err)
			continue
		}
		if cause := terminal(f); cause != nil {
			if c.terminate(cause) {
				c.conn.Close()
			}
			return
		}

		select {
		case c.frames <- f:
		case <-c.done:
			return
		}
	}
}

// classifyReadError separates deliberate server closes from transport failures.
func classifyReadError(err error) error {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		switch ce.Code {
		case websocket.CloseNormalClosure, websocket.ClosePolicyViolation:
			return &ServerClosedError{Reason: ce.Text}
		}
	}
	return err
}

// heartbeatLoop pings the server and detects stale connections.
func (c *wsConn) heartbeatLoop() {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(c.opts.WriteTimeout)
			if err := c.conn.WriteControl(websocket.PingMessage, []byte("keepalive"), deadline); err != nil {
				c.logger.Debug("failed to send ping", "error", err)
			}

			// Check for stale connection (no pong/ping response)
			c.mu.RLock()
			lastPing := c.lastPingAt
			c.mu.RUnlock()

			if time.Since(lastPing) > c.opts.PingTimeout {
				c.logger.Warn("no ping received, connection stale",
					"last_ping", lastPing,
					"timeout", c.opts.PingTimeout,
				)
				if c.terminate(ErrStale) {
					c.conn.Close()
				}
				return
			}
		}
	}
}
