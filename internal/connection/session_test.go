package connection

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/rickgao/tasklink/internal/auth"
	"github.com/rickgao/tasklink/internal/transport"
	"github.com/rickgao/tasklink/internal/transport/transporttest"
)

func newTestSession(t *testing.T, srv *transporttest.Server) (*session, *transporttest.Peer) {
	t.Helper()
	opts := transport.DefaultOptions()
	opts.URL = srv.WSURL()

	conn, err := transport.NewWebSocketDialer(opts).Dial(context.Background(), auth.New("tok"))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	s := newSession(1, conn, 2, slog.Default())
	t.Cleanup(func() { s.close(nil, true) })
	return s, srv.WaitForPeers(t, 1)[0]
}

func TestSession_RequestAck(t *testing.T) {
	srv := transporttest.NewServer(t)
	srv.Handle("task:create", func(p *transporttest.Peer, data json.RawMessage) transporttest.Reply {
		return transporttest.Reply{Data: map[string]string{"id": "task-1"}}
	})
	s, _ := newTestSession(t, srv)
	s.start()

	data, err := s.Request(context.Background(), "task:create", map[string]string{"title": "x"})
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	var resp struct{ ID string }
	if err := json.Unmarshal(data, &resp); err != nil || resp.ID != "task-1" {
		t.Errorf("response = %s (%v)", data, err)
	}
	if s.Pending() != 0 {
		t.Errorf("Pending() = %d", s.Pending())
	}

	got := srv.Received("task:create")
	if len(got) != 1 || string(got[0].Data) != `{"title":"x"}` {
		t.Errorf("server received %+v", got)
	}
}

func TestSession_RemoteError(t *testing.T) {
	srv := transporttest.NewServer(t)
	srv.Handle("bid:place", func(*transporttest.Peer, json.RawMessage) transporttest.Reply {
		return transporttest.Reply{Err: &transport.RemoteError{Code: "forbidden", Message: "cannot bid on own task"}}
	})
	s, _ := newTestSession(t, srv)
	s.start()

	_, err := s.Request(context.Background(), "bid:place", nil)
	var remote *transport.RemoteError
	if !errors.As(err, &remote) || remote.Code != "forbidden" {
		t.Fatalf("expected RemoteError, got %v", err)
	}
}

func TestSession_ConcurrentRequestsCorrelate(t *testing.T) {
	srv := transporttest.NewServer(t)
	srv.Handle("echo", func(p *transporttest.Peer, data json.RawMessage) transporttest.Reply {
		return transporttest.Reply{Data: data}
	})
	s, _ := newTestSession(t, srv)
	s.start()

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			data, err := s.Request(context.Background(), "echo", n)
			if err != nil {
				errs <- err
				return
			}
			var got int
			json.Unmarshal(data, &got)
			if got != n {
				errs <- errors.New("reply routed to the wrong request")
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestSession_RequestContextCancelled(t *testing.T) {
	srv := transporttest.NewServer(t)
	srv.Handle("slow", func(*transporttest.Peer, json.RawMessage) transporttest.Reply {
		return transporttest.Reply{Drop: true}
	})
	s, _ := newTestSession(t, srv)
	s.start()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := s.Request(ctx, "slow", nil); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if s.Pending() != 0 {
		t.Errorf("Pending() = %d, want 0 after cancellation", s.Pending())
	}
}

func TestSession_EventOrderAndRouting(t *testing.T) {
	srv := transporttest.NewServer(t)
	s, peer := newTestSession(t, srv)

	var mu sync.Mutex
	var got []string
	done := make(chan struct{})
	s.Listen("task:update", func(topic string, data json.RawMessage) {
		var body struct{ N int }
		json.Unmarshal(data, &body)
		mu.Lock()
		got = append(got, topic)
		if len(got) == 50 {
			close(done)
		}
		mu.Unlock()
	})
	s.start()

	for i := 0; i < 50; i++ {
		peer.Send("task:update", map[string]int{"n": i})
		peer.Send("bid:new", map[string]int{"n": i}) // no listener
	}

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("events not delivered")
	}
}

func TestSession_EventsPreserveOrder(t *testing.T) {
	srv := transporttest.NewServer(t)
	s, peer := newTestSession(t, srv)

	seen := make(chan int, 100)
	s.Listen("message:new", func(_ string, data json.RawMessage) {
		var n int
		json.Unmarshal(data, &n)
		seen <- n
	})
	s.start()

	for i := 0; i < 100; i++ {
		peer.Send("message:new", i)
	}
	for i := 0; i < 100; i++ {
		select {
		case n := <-seen:
			if n != i {
				t.Fatalf("event %d arrived at position %d", n, i)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("timed out at event %d", i)
		}
	}
}

func TestSession_HandlerMayRequest(t *testing.T) {
	srv := transporttest.NewServer(t)
	srv.Handle("task:get", func(*transporttest.Peer, json.RawMessage) transporttest.Reply {
		return transporttest.Reply{Data: map[string]string{"status": "open"}}
	})
	s, peer := newTestSession(t, srv)

	result := make(chan error, 1)
	s.Listen("task:update", func(string, json.RawMessage) {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, err := s.Request(ctx, "task:get", nil)
		result <- err
	})
	s.start()

	peer.Send("task:update", map[string]string{"id": "t1"})

	select {
	case err := <-result:
		if err != nil {
			t.Fatalf("request from handler failed: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("request from handler deadlocked")
	}
}

func TestSession_Unlisten(t *testing.T) {
	srv := transporttest.NewServer(t)
	s, peer := newTestSession(t, srv)

	calls := make(chan string, 10)
	s.Listen("a", func(topic string, _ json.RawMessage) { calls <- topic })
	s.Listen("b", func(topic string, _ json.RawMessage) { calls <- topic })
	s.start()

	if got := s.Listening(); len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("Listening() = %v", got)
	}

	s.Unlisten("a")
	peer.Send("a", 1)
	peer.Send("b", 1)

	select {
	case topic := <-calls:
		if topic != "b" {
			t.Errorf("got event for %q after Unlisten", topic)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no event delivered")
	}
}

func TestSession_Send(t *testing.T) {
	srv := transporttest.NewServer(t)
	s, _ := newTestSession(t, srv)
	s.start()

	if err := s.Send("typing:start", map[string]string{"chatId": "c1"}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(srv.Received("typing:start")) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	got := srv.Received("typing:start")
	if len(got) != 1 || got[0].Type != transport.FrameEvent {
		t.Fatalf("server received %+v", got)
	}
}

func TestSession_RequestAfterClose(t *testing.T) {
	srv := transporttest.NewServer(t)
	s, _ := newTestSession(t, srv)
	s.start()

	s.close(nil, true)
	<-s.Done()

	if _, err := s.Request(context.Background(), "x", nil); !errors.Is(err, ErrConnectionLost) {
		t.Errorf("expected ErrConnectionLost, got %v", err)
	}
	if s.Err() != nil {
		t.Errorf("Err() after local close = %v, want nil", s.Err())
	}
}

func TestSession_RemoteCloseRecordsCause(t *testing.T) {
	srv := transporttest.NewServer(t)
	s, _ := newTestSession(t, srv)
	s.start()

	srv.Terminate("bye")

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not end")
	}
	if !transport.IsServerClosed(s.Err()) {
		t.Errorf("Err() = %v, want server close", s.Err())
	}
}

func TestSession_OpenRoutesAcksBeforeRelease(t *testing.T) {
	srv := transporttest.NewServer(t)
	s, peer := newTestSession(t, srv)

	delivered := make(chan string, 4)
	s.Listen("notification", func(topic string, data json.RawMessage) { delivered <- string(data) })
	s.open()

	peer.Send("notification", map[string]string{"id": "n1"})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := s.Request(ctx, "notifications:sync", nil); err != nil {
		t.Fatalf("Request before release: %v", err)
	}

	select {
	case data := <-delivered:
		t.Fatalf("event %s dispatched before release", data)
	case <-time.After(30 * time.Millisecond):
	}

	s.release()
	select {
	case data := <-delivered:
		if data != `{"id":"n1"}` {
			t.Errorf("payload = %s", data)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("held event not dispatched after release")
	}
}
