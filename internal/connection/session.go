package connection

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/rickgao/tasklink/internal/transport"
)

// Session is one live transport generation.
//
// Listeners, pending requests and ack ids all belong to the session, so
// nothing registered on one generation can be reached from another.
type Session interface {
	// Generation increases by one for every transport the manager opens.
	Generation() uint64

	// Transport names the transport carrying the session.
	Transport() string

	// Listen routes events for topic to fn, replacing any previous listener.
	Listen(topic string, fn Handler)

	// Unlisten stops routing events for topic.
	Unlisten(topic string)

	// Listening returns the topics with a listener, sorted.
	Listening() []string

	// Request sends payload under topic and waits for the server ack.
	Request(ctx context.Context, topic string, payload any) (json.RawMessage, error)

	// Send sends payload under topic without waiting for anything.
	Send(topic string, payload any) error

	// Pending returns the number of requests awaiting an ack.
	Pending() int

	// Done is closed when the session ends.
	Done() <-chan struct{}

	// Err returns why the session ended. It is nil while the session is live
	// and after a local close.
	Err() error
}

type reply struct {
	data json.RawMessage
	err  error
}

type session struct {
	gen    uint64
	conn   transport.Conn
	logger *slog.Logger

	listenMu  sync.RWMutex
	listeners map[string]Handler

	// Request/ack correlation
	pendingMu sync.Mutex
	pending   map[uint64]chan reply
	ackID     atomic.Uint64

	events *eventQueue

	openOnce  sync.Once
	closeOnce sync.Once
	done      chan struct{}
	errMu     sync.Mutex
	err       error
}

func newSession(gen uint64, conn transport.Conn, queueSize int, logger *slog.Logger) *session {
	return &session{
		gen:       gen,
		conn:      conn,
		logger:    logger.With("generation", gen, "transport", conn.Transport(), "sid", conn.SessionID()),
		listeners: make(map[string]Handler),
		pending:   make(map[uint64]chan reply),
		events:    newEventQueue(queueSize),
		done:      make(chan struct{}),
	}
}

// open begins reading. Acks are routed from here on; events are held until
// release.
func (s *session) open() {
	s.openOnce.Do(func() {
		go s.readLoop()
		go s.dispatchLoop()
	})
}

// release starts event dispatch. Listeners installed before release see
// every event.
func (s *session) release() { s.events.release() }

// start opens and releases the session.
func (s *session) start() {
	s.open()
	s.release()
}

func (s *session) Generation() uint64    { return s.gen }
func (s *session) Transport() string     { return s.conn.Transport() }
func (s *session) Done() <-chan struct{} { return s.done }

func (s *session) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *session) Listen(topic string, fn Handler) {
	s.listenMu.Lock()
	s.listeners[topic] = fn
	s.listenMu.Unlock()
}

func (s *session) Unlisten(topic string) {
	s.listenMu.Lock()
	delete(s.listeners, topic)
	s.listenMu.Unlock()
}

func (s *session) Listening() []string {
	s.listenMu.RLock()
	defer s.listenMu.RUnlock()

	topics := make([]string, 0, len(s.listeners))
	for t := range s.listeners {
		topics = append(topics, t)
	}
	sort.Strings(topics)
	return topics
}

func (s *session) Pending() int {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	return len(s.pending)
}

func (s *session) Request(ctx context.Context, topic string, payload any) (json.RawMessage, error) {
	data, err := encodePayload(payload)
	if err != nil {
		return nil, err
	}

	id := s.ackID.Add(1)
	ch := make(chan reply, 1)

	s.pendingMu.Lock()
	if s.pending == nil {
		s.pendingMu.Unlock()
		return nil, lost(s.Err())
	}
	s.pending[id] = ch
	s.pendingMu.Unlock()

	f := transport.Frame{Type: transport.FrameRequest, Event: topic, Data: data, Ack: id}
	if err := s.conn.Send(f); err != nil {
		s.forget(id)
		return nil, lost(err)
	}

	select {
	case r := <-ch:
		return r.data, r.err
	case <-ctx.Done():
		s.forget(id)
		return nil, ctx.Err()
	}
}

func (s *session) Send(topic string, payload any) error {
	data, err := encodePayload(payload)
	if err != nil {
		return err
	}
	if err := s.conn.Send(transport.Frame{Type: transport.FrameEvent, Event: topic, Data: data}); err != nil {
		return lost(err)
	}
	return nil
}

func encodePayload(payload any) (json.RawMessage, error) {
	if payload == nil {
		return nil, nil
	}
	if raw, ok := payload.(json.RawMessage); ok {
		return raw, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return data, nil
}

func lost(cause error) error {
	if cause == nil {
		return ErrConnectionLost
	}
	return fmt.Errorf("%w: %w", ErrConnectionLost, cause)
}

func (s *session) forget(id uint64) {
	s.pendingMu.Lock()
	delete(s.pending, id)
	s.pendingMu.Unlock()
}

// resolve hands an ack to its waiting request.
func (s *session) resolve(f transport.Frame) {
	s.pendingMu.Lock()
	ch, ok := s.pending[f.Ack]
	if ok {
		delete(s.pending, f.Ack)
	}
	s.pendingMu.Unlock()

	if !ok {
		s.logger.Debug("ack for unknown request", "ack", f.Ack)
		return
	}

	r := reply{data: f.Data}
	if f.Error != nil {
		r.err = f.Error
	}
	ch <- r
}

// readLoop routes acks inline and queues events for dispatch.
func (s *session) readLoop() {
	for f := range s.conn.Frames() {
		switch f.Type {
		case transport.FrameAck:
			s.resolve(f)
		case transport.FrameEvent:
			s.events.push(f)
		default:
			s.logger.Debug("ignoring frame", "type", f.Type)
		}
	}
	s.close(s.conn.Err(), false)
}

// dispatchLoop delivers events one at a time in arrival order.
func (s *session) dispatchLoop() {
	for {
		f, ok := s.events.next()
		if !ok {
			return
		}

		s.listenMu.RLock()
		fn := s.listeners[f.Event]
		s.listenMu.RUnlock()

		if fn == nil {
			s.logger.Debug("no listener for event", "topic", f.Event)
			continue
		}
		fn(f.Event, f.Data)
	}
}

// close ends the session and rejects every pending request. A local close
// also drops events not yet dispatched.
func (s *session) close(cause error, local bool) {
	s.closeOnce.Do(func() {
		if local {
			if n := s.events.discard(); n > 0 {
				s.logger.Debug("dropped undelivered events", "count", n)
			}
		} else {
			if n := s.events.backlog(); n > 0 {
				s.logger.Debug("session ended with events queued", "count", n)
			}
			s.events.close()
		}

		s.errMu.Lock()
		s.err = cause
		s.errMu.Unlock()

		s.conn.Close()

		s.pendingMu.Lock()
		pending := s.pending
		s.pending = nil
		s.pendingMu.Unlock()

		for _, ch := range pending {
			ch <- reply{err: lost(cause)}
		}
		if len(pending) > 0 {
			s.logger.Debug("rejected pending requests", "count", len(pending))
		}

		close(s.done)
	})
}
