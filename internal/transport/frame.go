package transport

import (
	"encoding/json"
	"errors"
	"fmt"
)

// FrameType discriminates frames on the wire.
type FrameType string

const (
	// Server -> client
	FrameConnect      FrameType = "connect"       // handshake accepted, carries sid
	FrameAuthError    FrameType = "auth_error"    // credential rejected
	FrameConnectError FrameType = "connect_error" // handshake refused for another reason
	FrameAck          FrameType = "ack"           // reply to a request, correlated by Ack
	FrameDisconnect   FrameType = "disconnect"    // server is terminating the session

	// Both directions
	FrameEvent FrameType = "event" // named event, no reply expected

	// Client -> server
	FrameRequest FrameType = "request" // named event expecting an ack
)

// Frame is the envelope for everything exchanged over a transport.
// Ack correlates a request with its reply; payloads never carry it.
type Frame struct {
	Type   FrameType       `json:"type"`
	Event  string          `json:"event,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
	Ack    uint64          `json:"ack,omitempty"`
	Error  *RemoteError    `json:"error,omitempty"`
	Reason string          `json:"reason,omitempty"`
	SID    string          `json:"sid,omitempty"`
}

// Errors
var (
	ErrAuthRejected    = errors.New("auth_error")
	ErrConnectRejected = errors.New("connect_error")
	ErrClosed          = errors.New("transport closed")
	ErrStale           = errors.New("connection stale (no ping)")
	ErrHandshake       = errors.New("unexpected handshake frame")
)

// RemoteError is an error payload reported by the server, either in an ack
// or in a handshake rejection.
type RemoteError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *RemoteError) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return e.Code + ": " + e.Message
}

// RejectError reports a refused handshake or a mid-session auth rejection.
// It unwraps to ErrAuthRejected or ErrConnectRejected.
type RejectError struct {
	Kind   error
	Status int // HTTP status if the rejection happened before upgrade
	Remote *RemoteError
}

func (e *RejectError) Error() string {
	msg := e.Kind.Error()
	if e.Status != 0 {
		msg = fmt.Sprintf("%s (HTTP %d)", msg, e.Status)
	}
	if e.Remote != nil {
		msg += ": " + e.Remote.Error()
	}
	return msg
}

func (e *RejectError) Unwrap() error { return e.Kind }

// ServerClosedError reports that the server deliberately ended the session.
// It is distinct from a transport failure: clients should not reconnect.
type ServerClosedError struct {
	Reason string
}

func (e *ServerClosedError) Error() string {
	if e.Reason == "" {
		return "closed by server"
	}
	return "closed by server: " + e.Reason
}

// IsServerClosed reports whether err is a deliberate server termination.
func IsServerClosed(err error) bool {
	var sc *ServerClosedError
	return errors.As(err, &sc)
}

// handshake interprets the first frame of a session.
func handshake(f Frame) (sid string, err error) {
	switch f.Type {
	case FrameConnect:
		return f.SID, nil
	case FrameAuthError:
		return "", &RejectError{Kind: ErrAuthRejected, Remote: f.Error}
	case FrameConnectError:
		return "", &RejectError{Kind: ErrConnectRejected, Remote: f.Error}
	default:
		return "", fmt.Errorf("%w: %q", ErrHandshake, f.Type)
	}
}

// terminal returns the error a post-handshake frame ends the session with,
// or nil if the frame should be delivered.
func terminal(f Frame) error {
	switch f.Type {
	case FrameAuthError:
		return &RejectError{Kind: ErrAuthRejected, Remote: f.Error}
	case FrameDisconnect:
		return &ServerClosedError{Reason: f.Reason}
	}
	return nil
}
