// Package request turns request/ack exchanges into blocking calls.
package request

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/rickgao/tasklink/internal/connection"
)

// DefaultTimeout bounds how long Emit waits for an ack.
const DefaultTimeout = 10 * time.Second

// Source provides the live session.
type Source interface {
	Session() (connection.Session, bool)
}

// Bridge issues requests on the current session.
type Bridge struct {
	src     Source
	timeout time.Duration
	logger  *slog.Logger
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithTimeout sets the ack timeout. A value <= 0 waits until the context
// ends or the connection is lost.
func WithTimeout(d time.Duration) Option {
	return func(b *Bridge) { b.timeout = d }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bridge) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// New creates a Bridge.
func New(src Source, opts ...Option) *Bridge {
	b := &Bridge{
		src:     src,
		timeout: DefaultTimeout,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Timeout returns the ack timeout; zero means unbounded.
func (b *Bridge) Timeout() time.Duration {
	if b.timeout < 0 {
		return 0
	}
	return b.timeout
}

// Emit sends payload under topic and returns the ack data.
//
// It fails immediately with connection.ErrNotConnected when there is no live
// session; nothing is queued. A server-reported failure is returned as a
// *transport.RemoteError and leaves the connection untouched.
func (b *Bridge) Emit(ctx context.Context, topic string, payload any) (json.RawMessage, error) {
	sess, ok := b.src.Session()
	if !ok {
		return nil, fmt.Errorf("emit %s: %w", topic, connection.ErrNotConnected)
	}

	if b.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, b.timeout, connection.ErrTimeout)
		defer cancel()
	}

	start := time.Now()
	data, err := sess.Request(ctx, topic, payload)
	if err != nil {
		if errors.Is(context.Cause(ctx), connection.ErrTimeout) {
			err = connection.ErrTimeout
		}
		b.logger.Debug("emit failed",
			"topic", topic,
			"generation", sess.Generation(),
			"elapsed", time.Since(start),
			"error", err,
		)
		return nil, fmt.Errorf("emit %s: %w", topic, err)
	}
	return data, nil
}

// Send sends payload under topic without waiting for an ack.
func (b *Bridge) Send(topic string, payload any) error {
	sess, ok := b.src.Session()
	if !ok {
		return fmt.Errorf("send %s: %w", topic, connection.ErrNotConnected)
	}
	if err := sess.Send(topic, payload); err != nil {
		return fmt.Errorf("send %s: %w", topic, err)
	}
	return nil
}

// Call emits and decodes the ack data into T.
func Call[T any](ctx context.Context, b *Bridge, topic string, payload any) (T, error) {
	var out T
	data, err := b.Emit(ctx, topic, payload)
	if err != nil {
		return out, err
	}
	if len(data) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, fmt.Errorf("decode %s ack: %w", topic, err)
	}
	return out, nil
}
