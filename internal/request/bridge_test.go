package request

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rickgao/tasklink/internal/auth"
	"github.com/rickgao/tasklink/internal/connection"
	"github.com/rickgao/tasklink/internal/transport"
	"github.com/rickgao/tasklink/internal/transport/transporttest"
)

func newConnectedManager(t *testing.T, srv *transporttest.Server) connection.Manager {
	t.Helper()
	opts := transport.DefaultOptions()
	opts.URL = srv.WSURL()

	cfg := connection.DefaultManagerConfig()
	cfg.ReconnectBaseWait = 5 * time.Millisecond
	cfg.ReconnectMaxWait = 20 * time.Millisecond

	m := connection.NewManager(cfg, transport.NewWebSocketDialer(opts), nil)
	t.Cleanup(m.Disconnect)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := m.Connect(ctx, auth.New("tok")); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	return m
}

type disconnected struct{}

func (disconnected) Session() (connection.Session, bool) { return nil, false }

func TestEmitNotConnected(t *testing.T) {
	b := New(disconnected{})

	start := time.Now()
	_, err := b.Emit(context.Background(), "task:create", nil)
	if !errors.Is(err, connection.ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Error("Emit should fail immediately")
	}
	if err := b.Send("typing:start", nil); !errors.Is(err, connection.ErrNotConnected) {
		t.Errorf("Send: expected ErrNotConnected, got %v", err)
	}
}

func TestEmitNotConnectedNeverTouchesTransport(t *testing.T) {
	srv := transporttest.NewServer(t)
	m := newConnectedManager(t, srv)
	m.Disconnect()

	b := New(m)
	if _, err := b.Emit(context.Background(), "task:create", nil); !errors.Is(err, connection.ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	if got := srv.Received("task:create"); len(got) != 0 {
		t.Errorf("server received %d frames", len(got))
	}
}

func TestEmitAck(t *testing.T) {
	srv := transporttest.NewServer(t)
	srv.Handle("task:create", func(p *transporttest.Peer, data json.RawMessage) transporttest.Reply {
		return transporttest.Reply{Data: map[string]string{"id": "task-9"}}
	})
	b := New(newConnectedManager(t, srv))

	data, err := b.Emit(context.Background(), "task:create", map[string]string{"title": "Fix sink"})
	if err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if string(data) != `{"id":"task-9"}` {
		t.Errorf("ack = %s", data)
	}
}

func TestCall(t *testing.T) {
	srv := transporttest.NewServer(t)
	srv.Handle("bid:place", func(p *transporttest.Peer, data json.RawMessage) transporttest.Reply {
		return transporttest.Reply{Data: map[string]any{"id": "bid-1", "amount": 42.5}}
	})
	b := New(newConnectedManager(t, srv))

	type placed struct {
		ID     string  `json:"id"`
		Amount float64 `json:"amount"`
	}
	got, err := Call[placed](context.Background(), b, "bid:place", nil)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if got.ID != "bid-1" || got.Amount != 42.5 {
		t.Errorf("got %+v", got)
	}
}

func TestEmitRemoteError(t *testing.T) {
	srv := transporttest.NewServer(t)
	srv.Handle("task:delete", func(*transporttest.Peer, json.RawMessage) transporttest.Reply {
		return transporttest.Reply{Err: &transport.RemoteError{Code: "not_found", Message: "no such task"}}
	})
	m := newConnectedManager(t, srv)
	b := New(m)

	_, err := b.Emit(context.Background(), "task:delete", nil)
	var remote *transport.RemoteError
	if !errors.As(err, &remote) || remote.Code != "not_found" {
		t.Fatalf("expected RemoteError, got %v", err)
	}
	if m.State() != connection.StateConnected {
		t.Errorf("protocol error changed connection state to %v", m.State())
	}
}

func TestEmitTimeout(t *testing.T) {
	srv := transporttest.NewServer(t)
	srv.Handle("slow", func(*transporttest.Peer, json.RawMessage) transporttest.Reply {
		return transporttest.Reply{Drop: true}
	})
	b := New(newConnectedManager(t, srv), WithTimeout(50*time.Millisecond))

	_, err := b.Emit(context.Background(), "slow", nil)
	if !errors.Is(err, connection.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestEmitCallerCancel(t *testing.T) {
	srv := transporttest.NewServer(t)
	srv.Handle("slow", func(*transporttest.Peer, json.RawMessage) transporttest.Reply {
		return transporttest.Reply{Drop: true}
	})
	b := New(newConnectedManager(t, srv), WithTimeout(0))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	_, err := b.Emit(ctx, "slow", nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if errors.Is(err, connection.ErrTimeout) {
		t.Error("caller cancellation reported as timeout")
	}
}

func TestEmitAcrossReconnect(t *testing.T) {
	srv := transporttest.NewServer(t)
	srv.Handle("slow", func(*transporttest.Peer, json.RawMessage) transporttest.Reply {
		return transporttest.Reply{Drop: true}
	})
	srv.Handle("fast", func(*transporttest.Peer, json.RawMessage) transporttest.Reply {
		return transporttest.Reply{Data: "ok"}
	})
	m := newConnectedManager(t, srv)
	b := New(m, WithTimeout(0))
	srv.WaitForPeers(t, 1)

	errCh := make(chan error, 1)
	go func() {
		_, err := b.Emit(context.Background(), "slow", nil)
		errCh <- err
	}()
	sess, _ := m.Session()
	for sess.Pending() == 0 {
		time.Sleep(5 * time.Millisecond)
	}

	srv.DropAll()

	select {
	case err := <-errCh:
		if !errors.Is(err, connection.ErrConnectionLost) {
			t.Fatalf("expected ErrConnectionLost, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("request issued before drop left hanging")
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		if s, ok := m.Session(); ok && s.Generation() > sess.Generation() {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("did not reconnect, state %v", m.State())
		}
		time.Sleep(5 * time.Millisecond)
	}

	got, err := Call[string](context.Background(), b, "fast", nil)
	if err != nil || got != "ok" {
		t.Fatalf("request after reconnect = (%q, %v)", got, err)
	}
}
