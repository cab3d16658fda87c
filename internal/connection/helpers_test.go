package connection

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rickgao/tasklink/internal/auth"
	"github.com/rickgao/tasklink/internal/transport"
	"github.com/rickgao/tasklink/internal/transport/transporttest"
)

func testConfig() ManagerConfig {
	return ManagerConfig{
		MaxReconnectAttempts: 3,
		ReconnectBaseWait:    5 * time.Millisecond,
		ReconnectMaxWait:     20 * time.Millisecond,
		ReconnectJitter:      0.1,
		EventQueueSize:       4,
	}
}

// countingDialer counts Dial calls.
type countingDialer struct {
	transport.Dialer
	calls atomic.Int32
}

func (d *countingDialer) Dial(ctx context.Context, cred auth.Credential) (transport.Conn, error) {
	d.calls.Add(1)
	return d.Dialer.Dial(ctx, cred)
}

func newTestManager(t *testing.T, srv *transporttest.Server, cfg ManagerConfig) (Manager, *countingDialer) {
	t.Helper()
	opts := transport.DefaultOptions()
	opts.URL = srv.WSURL()
	opts.HandshakeTimeout = time.Second

	d := &countingDialer{Dialer: transport.NewWebSocketDialer(opts)}
	m := NewManager(cfg, d, nil)
	t.Cleanup(m.Disconnect)
	return m, d
}

func connect(t *testing.T, m Manager, token string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := m.Connect(ctx, auth.New(token)); err != nil {
		t.Fatalf("Connect: %v", err)
	}
}

// recorder collects state changes.
type recorder struct {
	mu      sync.Mutex
	changes []StateChange
	signal  chan struct{}
}

func record(m Manager) *recorder {
	r := &recorder{signal: make(chan struct{}, 1)}
	m.OnStateChange(func(c StateChange) {
		r.mu.Lock()
		r.changes = append(r.changes, c)
		r.mu.Unlock()
		select {
		case r.signal <- struct{}{}:
		default:
		}
	})
	return r
}

func (r *recorder) states() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]State, len(r.changes))
	for i, c := range r.changes {
		out[i] = c.To
	}
	return out
}

func (r *recorder) last() StateChange {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.changes[len(r.changes)-1]
}

// waitFor blocks until the recorded sequence contains want in order,
// starting after the first snapshot.
func (r *recorder) waitFor(t *testing.T, want ...State) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		if containsInOrder(r.states(), want) {
			return
		}
		select {
		case <-r.signal:
		case <-time.After(10 * time.Millisecond):
		case <-deadline:
			t.Fatalf("timed out waiting for %v, got %v", want, r.states())
		}
	}
}

func containsInOrder(got, want []State) bool {
	i := 0
	for _, s := range got {
		if i < len(want) && s == want[i] {
			i++
		}
	}
	return i == len(want)
}

func equalStates(a, b []State) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
