package connection

import (
	"encoding/json"
	"errors"
	"time"
)

// Errors
var (
	ErrNotConnected     = errors.New("not connected")
	ErrAuth             = errors.New("authentication failed")
	ErrRetriesExhausted = errors.New("connection attempts exhausted")
	ErrConnectionLost   = errors.New("connection lost")
	ErrTimeout          = errors.New("operation timeout")
	ErrNoCredential     = errors.New("no credential to reconnect with")
	ErrSuperseded       = errors.New("superseded by a later connection operation")
)

// State is the connection lifecycle state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateError
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateError:
		return "error"
	}
	return "unknown"
}

// StateChange is delivered to state observers.
//
// The first delivery to a new observer is a snapshot with From == To.
type StateChange struct {
	From State
	To   State
	Err  error // cause for Reconnecting, Error and server-initiated Disconnected
	At   time.Time
}

// Handler receives the payload of one event.
type Handler func(topic string, data json.RawMessage)

// ManagerConfig configures the Connection Manager.
type ManagerConfig struct {
	MaxReconnectAttempts int           // dial attempts per connect or reconnect cycle
	ReconnectBaseWait    time.Duration // first retry delay
	ReconnectMaxWait     time.Duration // retry delay cap
	ReconnectJitter      float64       // randomization factor in [0, 1)
	EventQueueSize       int           // initial capacity of the per-session event queue
}

// DefaultManagerConfig returns sensible defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		MaxReconnectAttempts: 5,
		ReconnectBaseWait:    1 * time.Second,
		ReconnectMaxWait:     30 * time.Second,
		ReconnectJitter:      0.2,
		EventQueueSize:       64,
	}
}

func (c *ManagerConfig) normalize() {
	def := DefaultManagerConfig()
	if c.MaxReconnectAttempts < 1 {
		c.MaxReconnectAttempts = def.MaxReconnectAttempts
	}
	if c.ReconnectBaseWait <= 0 {
		c.ReconnectBaseWait = def.ReconnectBaseWait
	}
	if c.ReconnectMaxWait < c.ReconnectBaseWait {
		c.ReconnectMaxWait = c.ReconnectBaseWait
	}
	if c.ReconnectJitter < 0 || c.ReconnectJitter >= 1 {
		c.ReconnectJitter = def.ReconnectJitter
	}
	if c.EventQueueSize < 1 {
		c.EventQueueSize = def.EventQueueSize
	}
}
