package events

import (
	"encoding/json"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/rickgao/tasklink/internal/connection"
	"github.com/rickgao/tasklink/internal/model"
)

// StateSource is the part of the connection manager the registry follows.
type StateSource interface {
	OnStateChange(fn func(connection.StateChange)) (unsubscribe func())
	Session() (connection.Session, bool)
}

// Event is one dispatched message.
type Event struct {
	Topic string
	Data  json.RawMessage
}

// Decode parses the event into its catalog payload type.
func (e Event) Decode() (model.Payload, error) {
	return model.Decode(e.Topic, e.Data)
}

// Handler receives events.
type Handler func(Event)

// Unsubscribe removes a subscription. Calling it more than once is a no-op.
// Every dispatch that reaches the handler after Unsubscribe returns skips
// it. A dispatch that had already selected the handler when Unsubscribe was
// called may still invoke it, so a handler unsubscribed from another
// goroutine can run once more, concurrently with or just after the return.
type Unsubscribe func()

type subscription struct {
	topic  string
	fn     Handler
	once   bool
	active atomic.Bool
}

// Registry routes transport events to subscribers.
type Registry struct {
	logger *slog.Logger
	src    StateSource
	stop   func()

	mu      sync.Mutex
	subs    map[string][]*subscription // topic → subscriptions in registration order
	session connection.Session         // attached session, nil while not connected
	closed  bool
}

// NewRegistry creates a registry following src.
func NewRegistry(src StateSource, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}

	r := &Registry{
		logger: logger.With("component", "events"),
		src:    src,
		subs:   make(map[string][]*subscription),
	}
	r.stop = src.OnStateChange(r.onStateChange)
	return r
}

// On registers fn for topic.
func (r *Registry) On(topic string, fn Handler) Unsubscribe {
	sub := r.add(topic, fn, false)
	if sub == nil {
		return func() {}
	}
	return func() { r.remove(sub) }
}

// Once registers fn for the next event on topic only.
func (r *Registry) Once(topic string, fn Handler) Unsubscribe {
	sub := r.add(topic, fn, true)
	if sub == nil {
		return func() {}
	}
	return func() { r.remove(sub) }
}

// OnMany registers fn for each of topics. Event.Topic tells which fired.
func (r *Registry) OnMany(topics []string, fn Handler) Unsubscribe {
	seen := make(map[string]bool, len(topics))
	var subs []*subscription
	for _, topic := range topics {
		if seen[topic] {
			continue
		}
		seen[topic] = true
		if sub := r.add(topic, fn, false); sub != nil {
			subs = append(subs, sub)
		}
	}

	return func() {
		for _, sub := range subs {
			r.remove(sub)
		}
	}
}

// Topics returns the topics with at least one handler, sorted.
func (r *Registry) Topics() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	topics := make([]string, 0, len(r.subs))
	for t := range r.subs {
		topics = append(topics, t)
	}
	sort.Strings(topics)
	return topics
}

// HandlerCount returns the number of handlers registered for topic.
func (r *Registry) HandlerCount(topic string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs[topic])
}

// Close drops every subscription and stops following the connection.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	for topic, subs := range r.subs {
		for _, sub := range subs {
			sub.active.Store(false)
		}
		if r.session != nil {
			r.session.Unlisten(topic)
		}
	}
	r.subs = make(map[string][]*subscription)
	r.session = nil
	r.mu.Unlock()

	r.stop()
}

func (r *Registry) add(topic string, fn Handler, once bool) *subscription {
	sub := &subscription{topic: topic, fn: fn, once: once}
	sub.active.Store(true)

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		r.logger.Warn("subscribe on closed registry", "topic", topic)
		return nil
	}

	first := len(r.subs[topic]) == 0
	r.subs[topic] = append(r.subs[topic], sub)
	if first && r.session != nil {
		r.session.Listen(topic, r.listener(r.session))
	}
	return sub
}

func (r *Registry) remove(sub *subscription) {
	sub.active.Store(false)

	r.mu.Lock()
	defer r.mu.Unlock()

	subs := r.subs[sub.topic]
	for i, s := range subs {
		if s != sub {
			continue
		}
		subs = append(subs[:i:i], subs[i+1:]...)
		if len(subs) == 0 {
			delete(r.subs, sub.topic)
			if r.session != nil {
				r.session.Unlisten(sub.topic)
			}
		} else {
			r.subs[sub.topic] = subs
		}
		return
	}
}

func (r *Registry) onStateChange(c connection.StateChange) {
	if c.To != connection.StateConnected {
		r.detach()
		return
	}
	if sess, ok := r.src.Session(); ok {
		r.attach(sess)
	}
}

// attach listens on sess for every topic with handlers.
func (r *Registry) attach(sess connection.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed || r.session == sess {
		return
	}
	r.session = sess
	for topic := range r.subs {
		sess.Listen(topic, r.listener(sess))
	}
	r.logger.Debug("attached to session",
		"generation", sess.Generation(),
		"topics", len(r.subs),
	)
}

func (r *Registry) detach() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.session = nil
}

func (r *Registry) listener(sess connection.Session) connection.Handler {
	return func(topic string, data json.RawMessage) {
		r.dispatch(sess, Event{Topic: topic, Data: data})
	}
}

// dispatch runs the handlers registered for ev.Topic when sess is still the
// attached session.
func (r *Registry) dispatch(sess connection.Session, ev Event) {
	r.mu.Lock()
	if r.session != sess {
		r.mu.Unlock()
		return
	}
	subs := append([]*subscription(nil), r.subs[ev.Topic]...)
	r.mu.Unlock()

	for _, sub := range subs {
		if sub.once {
			if !sub.active.CompareAndSwap(true, false) {
				continue
			}
			r.remove(sub)
		} else if !sub.active.Load() {
			// Unsubscribed earlier in this dispatch or after the snapshot.
			continue
		}
		r.invoke(sub, ev)
	}
}

func (r *Registry) invoke(sub *subscription, ev Event) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("event handler panicked",
				"topic", ev.Topic,
				"panic", p,
				"stack", string(debug.Stack()),
			)
		}
	}()
	sub.fn(ev)
}
