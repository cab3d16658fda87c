package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rickgao/tasklink/internal/auth"
	"github.com/rickgao/tasklink/internal/version"
)

// Transport names accepted by New.
const (
	NameWebSocket = "websocket"
	NamePolling   = "polling"
)

// Conn is one authenticated session with the server.
type Conn interface {
	// Transport names the transport carrying this conn.
	Transport() string

	// SessionID is the server-assigned session id from the handshake.
	SessionID() string

	// Send writes one frame.
	Send(f Frame) error

	// Frames delivers inbound frames in arrival order. It is closed when
	// the conn terminates.
	Frames() <-chan Frame

	// Err returns why the conn terminated once Frames is closed. It is nil
	// if the conn was ended by Close.
	Err() error

	// Close ends the conn. Safe to call more than once.
	Close() error
}

// Dialer opens authenticated conns.
type Dialer interface {
	Dial(ctx context.Context, cred auth.Credential) (Conn, error)
}

// Options configures both transports.
type Options struct {
	URL              string        // ws(s):// or http(s):// endpoint
	HandshakeTimeout time.Duration // dial + welcome frame
	WriteTimeout     time.Duration // write deadline for sends
	PingInterval     time.Duration // websocket keepalive ping period
	PingTimeout      time.Duration // max time without ping/pong before the conn is stale
	PollTimeout      time.Duration // how long the server may hold a poll request
	BufferSize       int           // inbound frame channel buffer size
	ClientID         string        // sent as X-Client-ID; generated when empty
	HTTPClient       *http.Client  // polling transport client; nil = default
	Logger           *slog.Logger
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     5 * time.Second,
		PingInterval:     25 * time.Second,
		PingTimeout:      60 * time.Second,
		PollTimeout:      30 * time.Second,
		BufferSize:       256,
	}
}

func (o *Options) normalize() {
	def := DefaultOptions()
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = def.HandshakeTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = def.WriteTimeout
	}
	if o.PingInterval <= 0 {
		o.PingInterval = def.PingInterval
	}
	if o.PingTimeout <= 0 {
		o.PingTimeout = def.PingTimeout
	}
	if o.PollTimeout <= 0 {
		o.PollTimeout = def.PollTimeout
	}
	if o.BufferSize <= 0 {
		o.BufferSize = def.BufferSize
	}
	if o.ClientID == "" {
		o.ClientID = uuid.NewString()
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// header builds the handshake headers shared by both transports.
func (o *Options) header(cred auth.Credential) http.Header {
	header := cred.Header()
	header.Set("User-Agent", version.UserAgent())
	header.Set("X-Client-ID", o.ClientID)
	return header
}

// New returns a Dialer trying the named transports in order.
func New(names []string, opts Options) (Dialer, error) {
	opts.normalize()
	if len(names) == 0 {
		return nil, errors.New("transport: no transports configured")
	}

	fd := &fallbackDialer{logger: opts.Logger}
	for _, name := range names {
		switch name {
		case NameWebSocket:
			fd.dialers = append(fd.dialers, namedDialer{name, NewWebSocketDialer(opts)})
		case NamePolling:
			fd.dialers = append(fd.dialers, namedDialer{name, NewPollingDialer(opts)})
		default:
			return nil, fmt.Errorf("transport: unknown transport %q", name)
		}
	}
	if len(fd.dialers) == 1 {
		return fd.dialers[0].dialer, nil
	}
	return fd, nil
}

type namedDialer struct {
	name   string
	dialer Dialer
}

// fallbackDialer tries each transport until one handshakes.
type fallbackDialer struct {
	dialers []namedDialer
	logger  *slog.Logger
}

func (d *fallbackDialer) Dial(ctx context.Context, cred auth.Credential) (Conn, error) {
	var errs []error
	for _, nd := range d.dialers {
		conn, err := nd.dialer.Dial(ctx, cred)
		if err == nil {
			return conn, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		// Every transport would present the same credential.
		if errors.Is(err, ErrAuthRejected) {
			return nil, err
		}
		d.logger.Debug("transport unavailable, trying next", "transport", nd.name, "error", err)
		errs = append(errs, fmt.Errorf("%s: %w", nd.name, err))
	}
	return nil, errors.Join(errs...)
}

// endpointURL rewrites the endpoint scheme for the given transport.
func endpointURL(raw string, websocket bool) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}
	switch {
	case websocket && u.Scheme == "http":
		u.Scheme = "ws"
	case websocket && u.Scheme == "https":
		u.Scheme = "wss"
	case !websocket && u.Scheme == "ws":
		u.Scheme = "http"
	case !websocket && u.Scheme == "wss":
		u.Scheme = "https"
	}
	if !websocket {
		u.Path = strings.TrimSuffix(u.Path, "/") + "/poll"
	}
	return u, nil
}
