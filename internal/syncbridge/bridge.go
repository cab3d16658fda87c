package syncbridge

import (
	"log/slog"
	"sync"

	"github.com/rickgao/tasklink/internal/events"
)

// Cache is the UI data cache.
type Cache interface {
	InvalidateQueries(key QueryKey)
}

// Notifier shows transient notices.
type Notifier interface {
	Notify(n Notice)
}

// Subscriber registers event handlers.
type Subscriber interface {
	On(topic string, fn events.Handler) events.Unsubscribe
}

// Bridge applies the rule table to incoming events.
type Bridge struct {
	reg      Subscriber
	cache    Cache
	notifier Notifier
	logger   *slog.Logger

	rules   []Rule
	notices bool
	selfID  string

	mu     sync.Mutex
	unsubs []events.Unsubscribe
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithRules replaces the default rule table.
func WithRules(rules ...Rule) Option {
	return func(b *Bridge) { b.rules = rules }
}

// WithNotices enables or disables notices. Enabled by default.
func WithNotices(enabled bool) Option {
	return func(b *Bridge) { b.notices = enabled }
}

// WithSelfID suppresses notices for events authored by userID.
func WithSelfID(userID string) Option {
	return func(b *Bridge) { b.selfID = userID }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bridge) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// New creates a Bridge. A nil notifier disables notices.
func New(reg Subscriber, cache Cache, notifier Notifier, opts ...Option) *Bridge {
	b := &Bridge{
		reg:      reg,
		cache:    cache,
		notifier: notifier,
		logger:   slog.Default(),
		rules:    DefaultRules(),
		notices:  true,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.notifier == nil {
		b.notices = false
	}
	b.logger = b.logger.With("component", "syncbridge")
	return b
}

// Start subscribes every rule. Calling Start on a started bridge is a no-op.
func (b *Bridge) Start() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.unsubs != nil {
		return
	}
	b.unsubs = make([]events.Unsubscribe, 0, len(b.rules))
	for _, rule := range b.rules {
		b.unsubs = append(b.unsubs, b.reg.On(rule.Topic, func(ev events.Event) {
			b.apply(rule, ev)
		}))
	}
	b.logger.Debug("sync bridge started", "rules", len(b.rules))
}

// Stop removes every subscription.
func (b *Bridge) Stop() {
	b.mu.Lock()
	unsubs := b.unsubs
	b.unsubs = nil
	b.mu.Unlock()

	for _, un := range unsubs {
		un()
	}
}

func (b *Bridge) apply(rule Rule, ev events.Event) {
	eff, err := rule.apply(ev.Data)
	if err != nil {
		b.logger.Warn("dropping event", "topic", ev.Topic, "error", err)
		return
	}

	if b.cache != nil {
		for _, key := range eff.keys {
			b.cache.InvalidateQueries(key)
		}
	}

	if !b.notices || eff.notice == nil {
		return
	}
	if b.selfID != "" && eff.author == b.selfID {
		return
	}
	b.notifier.Notify(*eff.notice)
}
