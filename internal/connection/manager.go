package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rickgao/tasklink/internal/auth"
	"github.com/rickgao/tasklink/internal/transport"
)

// Manager owns the connection lifecycle.
type Manager interface {
	// Connect establishes a session with cred. It is a no-op when already
	// connected with the same credential, and joins an attempt already in
	// flight for it. Otherwise any existing session and in-flight attempt
	// are torn down first; the replaced attempt fails with ErrSuperseded.
	Connect(ctx context.Context, cred auth.Credential) error

	// Disconnect tears down the session and stops automatic reconnection.
	Disconnect()

	// Reconnect forces Disconnect then Connect with the last credential.
	Reconnect(ctx context.Context) error

	// State returns the current lifecycle state.
	State() State

	// Err returns the cause recorded with the current state, if any.
	Err() error

	// OnStateChange registers fn for every transition. fn is called once
	// immediately with the current state. Observers run synchronously in
	// transition order and must not call Connect, Disconnect, Reconnect or
	// OnStateChange themselves. Requests on the new session are allowed from
	// a Connected observer.
	OnStateChange(fn func(StateChange)) (unsubscribe func())

	// Session returns the live session while Connected.
	Session() (Session, bool)
}

type observer struct {
	fn func(StateChange)
}

// attempt is a Connect in flight that later calls with the same credential
// join instead of replacing.
type attempt struct {
	token      string
	done       chan struct{}
	err        error
	callerDone bool
}

// run is one Connect call: the initial dial and the supervision after it.
type run struct {
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// manager implements the Manager interface.
type manager struct {
	cfg    ManagerConfig
	dialer transport.Dialer
	logger *slog.Logger

	// op serializes Connect, Disconnect and the supervisor's reconnects.
	op chan struct{}

	mu        sync.Mutex
	state     State
	err       error
	cred      auth.Credential
	hasCred   bool
	session   *session
	gen       uint64
	run       *run
	attempt   *attempt
	observers []*observer

	// notifyMu keeps observer deliveries in transition order.
	notifyMu sync.Mutex
}

// NewManager creates a new Connection Manager.
func NewManager(cfg ManagerConfig, dialer transport.Dialer, logger *slog.Logger) Manager {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.normalize()

	return &manager{
		cfg:    cfg,
		dialer: dialer,
		logger: logger,
		op:     make(chan struct{}, 1),
		state:  StateDisconnected,
	}
}

func (m *manager) lock(ctx context.Context) error {
	select {
	case m.op <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *manager) unlock() { <-m.op }

// stopRun cancels the current run and waits for it to finish.
func (m *manager) stopRun() {
	m.mu.Lock()
	r := m.run
	m.run = nil
	m.mu.Unlock()

	if r != nil {
		r.cancel()
		<-r.done
	}
}

// Connect establishes the session. A call with the credential of an attempt
// already in flight waits for that attempt and shares its outcome.
func (m *manager) Connect(ctx context.Context, cred auth.Credential) error {
	m.mu.Lock()
	if m.connectedWith(cred) {
		m.mu.Unlock()
		return nil
	}
	if a := m.attempt; a != nil && a.token == cred.Token {
		m.mu.Unlock()
		return m.join(ctx, a, cred)
	}
	a := &attempt{token: cred.Token, done: make(chan struct{})}
	m.attempt = a
	m.mu.Unlock()

	a.callerDone, a.err = m.connect(ctx, cred)

	m.mu.Lock()
	if m.attempt == a {
		m.attempt = nil
	}
	m.mu.Unlock()
	close(a.done)
	return a.err
}

// join waits for a, an attempt with the same credential. When a ended only
// because its own caller gave up, the dial is retried for this caller.
func (m *manager) join(ctx context.Context, a *attempt, cred auth.Credential) error {
	select {
	case <-a.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	if a.callerDone && ctx.Err() == nil {
		return m.Connect(ctx, cred)
	}
	return a.err
}

// connectedWith reports whether the supervised session already uses cred.
// Must be called with m.mu held.
func (m *manager) connectedWith(cred auth.Credential) bool {
	return m.state == StateConnected && m.run != nil && m.hasCred && m.cred.Token == cred.Token
}

// connect runs one attempt. callerDone reports that it ended because ctx
// did.
func (m *manager) connect(ctx context.Context, cred auth.Credential) (callerDone bool, err error) {
	m.stopRun()
	if err := m.lock(ctx); err != nil {
		return true, err
	}
	defer m.unlock()

	m.mu.Lock()
	same := m.connectedWith(cred)
	m.mu.Unlock()
	if same {
		return false, nil
	}
	m.stopRun()

	m.teardown()

	rctx, rcancel := context.WithCancel(context.Background())
	r := &run{ctx: rctx, cancel: rcancel, done: make(chan struct{})}

	m.mu.Lock()
	m.cred = cred
	m.hasCred = true
	m.run = r
	m.mu.Unlock()

	// The dial honours both the caller and a superseding operation.
	dctx, dcancel := context.WithCancel(ctx)
	stop := context.AfterFunc(rctx, dcancel)
	defer stop()
	defer dcancel()

	m.transition(StateConnecting, nil)

	sess, err := m.establish(dctx, cred)
	if err != nil {
		close(r.done)
		switch {
		case rctx.Err() != nil:
			// The superseding call owns the state.
			return false, fmt.Errorf("%w: %w", ErrSuperseded, err)
		case ctx.Err() != nil:
			m.transition(StateDisconnected, ctx.Err())
			return true, err
		default:
			m.transition(StateError, err)
			return false, err
		}
	}

	m.activate(sess)
	go m.supervise(r, sess)
	return false, nil
}

// Disconnect tears down the session intentionally.
func (m *manager) Disconnect() {
	m.mu.Lock()
	m.attempt = nil
	m.mu.Unlock()

	m.stopRun()
	m.lock(context.Background())
	defer m.unlock()
	m.stopRun()

	m.teardown()
	m.transition(StateDisconnected, nil)
}

// Reconnect forces a fresh session with the last credential.
func (m *manager) Reconnect(ctx context.Context) error {
	m.mu.Lock()
	cred, ok := m.cred, m.hasCred
	m.mu.Unlock()
	if !ok {
		return ErrNoCredential
	}

	m.Disconnect()
	return m.Connect(ctx, cred)
}

func (m *manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *manager) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

func (m *manager) Session() (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateConnected || m.session == nil {
		return nil, false
	}
	return m.session, true
}

func (m *manager) OnStateChange(fn func(StateChange)) func() {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	o := &observer{fn: fn}
	m.mu.Lock()
	state, err := m.state, m.err
	m.observers = append(m.observers, o)
	m.mu.Unlock()

	fn(StateChange{From: state, To: state, Err: err, At: time.Now()})

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			for i, cur := range m.observers {
				if cur == o {
					m.observers = append(m.observers[:i:i], m.observers[i+1:]...)
					return
				}
			}
		})
	}
}

// transition changes state and notifies observers outside the state lock.
func (m *manager) transition(to State, cause error) {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	m.mu.Lock()
	from := m.state
	if from == to && cause == nil {
		m.mu.Unlock()
		return
	}
	m.state = to
	m.err = cause
	observers := append([]*observer(nil), m.observers...)
	m.mu.Unlock()

	if cause != nil {
		m.logger.Info("connection state changed", "from", from, "to", to, "error", cause)
	} else {
		m.logger.Info("connection state changed", "from", from, "to", to)
	}

	change := StateChange{From: from, To: to, Err: cause, At: time.Now()}
	for _, o := range observers {
		o.fn(change)
	}
}

// activate installs sess, opens it so acks are routed, announces Connected,
// then releases event dispatch. Observers may therefore issue requests on
// the new session, and listeners they attach see its first event.
func (m *manager) activate(sess *session) {
	m.mu.Lock()
	m.session = sess
	m.mu.Unlock()

	sess.open()
	m.transition(StateConnected, nil)
	sess.release()
}

// teardown closes the current session without a transition.
func (m *manager) teardown() {
	m.mu.Lock()
	sess := m.session
	m.session = nil
	m.mu.Unlock()

	if sess != nil {
		sess.close(nil, true)
	}
}

// establish dials until a session is open, the budget runs out or the
// credential is rejected.
func (m *manager) establish(ctx context.Context, cred auth.Credential) (*session, error) {
	if err := cred.Check(time.Now()); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAuth, err)
	}

	bo := newRetryBackoff(m.cfg)
	attempts := m.cfg.MaxReconnectAttempts

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			wait := bo.Next()
			m.logger.Info("retrying connection",
				"attempt", attempt,
				"max_attempts", attempts,
				"wait", wait,
			)

			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
		}

		conn, err := m.dialer.Dial(ctx, cred)
		if err == nil {
			m.mu.Lock()
			m.gen++
			gen := m.gen
			m.mu.Unlock()

			m.logger.Info("connected",
				"transport", conn.Transport(),
				"sid", conn.SessionID(),
				"generation", gen,
				"attempt", attempt,
			)
			return newSession(gen, conn, m.cfg.EventQueueSize, m.logger), nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, transport.ErrAuthRejected) {
			return nil, fmt.Errorf("%w: %w", ErrAuth, err)
		}

		lastErr = err
		m.logger.Warn("connection attempt failed",
			"attempt", attempt,
			"max_attempts", attempts,
			"error", err,
		)
	}

	return nil, fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, attempts, lastErr)
}

// supervise watches the live session and heals transient drops until the
// run is cancelled or the session ends for good.
func (m *manager) supervise(r *run, sess *session) {
	defer close(r.done)

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-sess.Done():
		}

		if err := m.lock(r.ctx); err != nil {
			return
		}
		next, ok := m.heal(r, sess)
		m.unlock()
		if !ok {
			return
		}
		sess = next
	}
}

// heal handles the end of sess. Must be called with the op lock held.
func (m *manager) heal(r *run, sess *session) (*session, bool) {
	if r.ctx.Err() != nil {
		return nil, false
	}

	m.mu.Lock()
	if m.session == sess {
		m.session = nil
	}
	cred := m.cred
	m.mu.Unlock()

	cause := sess.Err()
	switch {
	case errors.Is(cause, transport.ErrAuthRejected):
		m.transition(StateError, fmt.Errorf("%w: %w", ErrAuth, cause))
		return nil, false
	case transport.IsServerClosed(cause):
		m.transition(StateDisconnected, cause)
		return nil, false
	}

	if cause == nil {
		cause = ErrConnectionLost
	}
	m.logger.Warn("connection lost, reconnecting", "generation", sess.Generation(), "error", cause)
	m.transition(StateReconnecting, cause)

	next, err := m.establish(r.ctx, cred)
	if err != nil {
		if r.ctx.Err() == nil {
			m.transition(StateError, err)
		}
		return nil, false
	}

	m.activate(next)
	return next, true
}
