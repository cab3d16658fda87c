// Package transporttest provides an in-process realtime server for tests.
//
// Server speaks both the websocket and the polling protocol on one
// httptest listener, implements the room control topics, acks requests and
// lets a test push events, drop links and terminate sessions.
package transporttest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/rickgao/tasklink/internal/transport"
)

// Reply is what a request handler answers with.
type Reply struct {
	Data any                    // ack data, marshaled to JSON
	Err  *transport.RemoteError // reject the request instead
	Drop bool                   // never answer
}

// HandlerFunc answers one request.
type HandlerFunc func(p *Peer, data json.RawMessage) Reply

// Received is a frame the server got from a client.
type Received struct {
	SID   string
	Type  transport.FrameType
	Event string
	Data  json.RawMessage
}

// Server is a fake realtime server.
type Server struct {
	*httptest.Server

	upgrader websocket.Upgrader

	mu           sync.Mutex
	peers        map[string]*Peer
	handlers     map[string]HandlerFunc
	rejected     map[string]bool
	rejectStatus bool
	down         bool
	noWebSocket  bool
	handshakes   int
	received     []Received

	// PollWait is how long a GET /poll is held open waiting for frames.
	PollWait time.Duration
}

// NewServer starts a server and closes it when the test ends.
func NewServer(t testing.TB) *Server {
	t.Helper()

	s := &Server{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		peers:    make(map[string]*Peer),
		handlers: make(map[string]HandlerFunc),
		rejected: make(map[string]bool),
		PollWait: 50 * time.Millisecond,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/poll", s.servePoll)
	mux.HandleFunc("/", s.serveWebSocket)
	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s
}

// WSURL returns the ws:// endpoint.
func (s *Server) WSURL() string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

// Handle installs a request handler for event, replacing any built-in one.
func (s *Server) Handle(event string, fn HandlerFunc) {
	s.mu.Lock()
	s.handlers[event] = fn
	s.mu.Unlock()
}

// RejectToken makes handshakes presenting token fail authentication.
func (s *Server) RejectToken(token string) {
	s.mu.Lock()
	s.rejected[token] = true
	s.mu.Unlock()
}

// RejectWithStatus makes auth rejections use HTTP 401 instead of an
// auth_error frame.
func (s *Server) RejectWithStatus(v bool) {
	s.mu.Lock()
	s.rejectStatus = v
	s.mu.Unlock()
}

// SetDown makes every handshake fail with HTTP 503.
func (s *Server) SetDown(v bool) {
	s.mu.Lock()
	s.down = v
	s.mu.Unlock()
}

// DisableWebSocket makes websocket upgrades fail with HTTP 400 so clients
// fall back to polling.
func (s *Server) DisableWebSocket(v bool) {
	s.mu.Lock()
	s.noWebSocket = v
	s.mu.Unlock()
}

// Handshakes counts handshake attempts that reached the server while up.
func (s *Server) Handshakes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handshakes
}

// Peers returns the connected peers ordered by connect time.
func (s *Server) Peers() []*Peer {
	s.mu.Lock()
	defer s.mu.Unlock()

	peers := make([]*Peer, 0, len(s.peers))
	for _, p := range s.peers {
		peers = append(peers, p)
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].seq < peers[j].seq })
	return peers
}

// WaitForPeers polls until n peers are connected.
func (s *Server) WaitForPeers(t testing.TB, n int) []*Peer {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if peers := s.Peers(); len(peers) == n {
			return peers
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d peers, have %d", n, len(s.Peers()))
	return nil
}

// Received returns the frames received for event, in arrival order.
func (s *Server) Received(event string) []Received {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Received
	for _, r := range s.received {
		if r.Event == event {
			out = append(out, r)
		}
	}
	return out
}

// Broadcast sends event to every peer.
func (s *Server) Broadcast(event string, data any) {
	for _, p := range s.Peers() {
		p.Send(event, data)
	}
}

// Publish sends event to peers that joined room and returns how many got it.
func (s *Server) Publish(room, event string, data any) int {
	n := 0
	for _, p := range s.Peers() {
		if p.InRoom(room) {
			p.Send(event, data)
			n++
		}
	}
	return n
}

// DropAll severs every link without a close handshake.
func (s *Server) DropAll() {
	for _, p := range s.Peers() {
		s.remove(p)
		if p.ws != nil {
			p.ws.Close()
		}
	}
}

// Terminate ends every session deliberately with reason.
func (s *Server) Terminate(reason string) {
	for _, p := range s.Peers() {
		p.write(transport.Frame{Type: transport.FrameDisconnect, Reason: reason})
		if p.ws != nil {
			s.remove(p)
			p.ws.Close()
		} else {
			p.markClosing()
		}
	}
}

// ExpireAuth sends an auth_error frame to every peer, as a server does when
// a token expires mid-session.
func (s *Server) ExpireAuth() {
	for _, p := range s.Peers() {
		p.write(transport.Frame{
			Type:  transport.FrameAuthError,
			Error: &transport.RemoteError{Code: "token_expired", Message: "token expired"},
		})
	}
}

func (s *Server) authorize(r *http.Request) (token string, ok bool, status bool) {
	token = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")

	s.mu.Lock()
	defer s.mu.Unlock()
	s.handshakes++
	return token, token != "" && !s.rejected[token], s.rejectStatus
}

func (s *Server) isDown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.down
}

var peerSeq struct {
	sync.Mutex
	n int
}

func (s *Server) addPeer(r *http.Request, token, transportName string, ws *websocket.Conn) *Peer {
	peerSeq.Lock()
	peerSeq.n++
	seq := peerSeq.n
	peerSeq.Unlock()

	p := &Peer{
		srv:       s,
		sid:       uuid.NewString(),
		token:     token,
		header:    r.Header.Clone(),
		transport: transportName,
		seq:       seq,
		rooms:     make(map[string]bool),
		ws:        ws,
	}
	if ws == nil {
		p.outbox = make(chan transport.Frame, 256)
	}
	s.mu.Lock()
	s.peers[p.sid] = p
	s.mu.Unlock()
	return p
}

func (s *Server) remove(p *Peer) {
	s.mu.Lock()
	delete(s.peers, p.sid)
	s.mu.Unlock()
}

func (s *Server) peer(sid string) *Peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peers[sid]
}

var authErrorFrame = transport.Frame{
	Type:  transport.FrameAuthError,
	Error: &transport.RemoteError{Code: "invalid_token", Message: "token rejected"},
}

func (s *Server) serveWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.isDown() {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	s.mu.Lock()
	noWebSocket := s.noWebSocket
	s.mu.Unlock()
	if noWebSocket {
		http.Error(w, "websocket disabled", http.StatusBadRequest)
		return
	}

	token, ok, status := s.authorize(r)
	if !ok && status {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	if !ok {
		conn.WriteJSON(authErrorFrame)
		conn.Close()
		return
	}

	p := s.addPeer(r, token, transport.NameWebSocket, conn)
	defer func() {
		s.remove(p)
		conn.Close()
	}()

	p.write(transport.Frame{Type: transport.FrameConnect, SID: p.sid})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var f transport.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			continue
		}
		s.handleFrame(p, f)
	}
}

func (s *Server) servePoll(w http.ResponseWriter, r *http.Request) {
	sid := r.URL.Query().Get("sid")

	if sid == "" {
		if r.Method != http.MethodPost {
			http.Error(w, "sid required", http.StatusBadRequest)
			return
		}
		s.pollHandshake(w, r)
		return
	}

	p := s.peer(sid)
	if p == nil {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}

	switch r.Method {
	case http.MethodGet:
		s.pollDeliver(w, r, p)
	case http.MethodPost:
		var f transport.Frame
		if err := json.NewDecoder(r.Body).Decode(&f); err != nil {
			http.Error(w, "bad frame", http.StatusBadRequest)
			return
		}
		s.handleFrame(p, f)
		w.WriteHeader(http.StatusNoContent)
	case http.MethodDelete:
		s.remove(p)
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) pollHandshake(w http.ResponseWriter, r *http.Request) {
	if s.isDown() {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}

	token, ok, status := s.authorize(r)
	if !ok {
		if status {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		writeJSON(w, authErrorFrame)
		return
	}

	p := s.addPeer(r, token, transport.NamePolling, nil)
	writeJSON(w, transport.Frame{Type: transport.FrameConnect, SID: p.sid})
}

func (s *Server) pollDeliver(w http.ResponseWriter, r *http.Request, p *Peer) {
	var batch []transport.Frame

	timer := time.NewTimer(s.PollWait)
	defer timer.Stop()

	select {
	case f := <-p.outbox:
		batch = append(batch, f)
	case <-timer.C:
	case <-r.Context().Done():
		return
	}

drain:
	for {
		select {
		case f := <-p.outbox:
			batch = append(batch, f)
		default:
			break drain
		}
	}

	if p.isClosing() {
		s.remove(p)
	}

	if len(batch) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, batch)
}

func (s *Server) handleFrame(p *Peer, f transport.Frame) {
	s.mu.Lock()
	s.received = append(s.received, Received{SID: p.sid, Type: f.Type, Event: f.Event, Data: f.Data})
	s.mu.Unlock()

	if f.Type != transport.FrameRequest {
		return
	}

	reply := s.dispatch(p, f.Event, f.Data)
	if reply.Drop {
		return
	}

	ack := transport.Frame{Type: transport.FrameAck, Ack: f.Ack}
	if reply.Err != nil {
		ack.Error = reply.Err
	} else {
		data, err := json.Marshal(reply.Data)
		if err != nil {
			ack.Error = &transport.RemoteError{Code: "internal", Message: err.Error()}
		} else {
			ack.Data = data
		}
	}
	p.write(ack)
}

func (s *Server) dispatch(p *Peer, event string, data json.RawMessage) Reply {
	s.mu.Lock()
	h := s.handlers[event]
	s.mu.Unlock()
	if h != nil {
		return h(p, data)
	}

	switch event {
	case "join_room", "task:join_room":
		room := roomFrom(data)
		p.join(room)
		return Reply{Data: map[string]string{"room": room}}
	case "leave_room", "task:leave_room":
		room := roomFrom(data)
		p.leave(room)
		return Reply{Data: map[string]string{"room": room}}
	}
	return Reply{Data: map[string]bool{"ok": true}}
}

func roomFrom(data json.RawMessage) string {
	var body struct {
		Room   string `json:"room"`
		TaskID string `json:"taskId"`
	}
	json.Unmarshal(data, &body)
	if body.TaskID != "" {
		return "task:" + body.TaskID
	}
	return body.Room
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// Peer is one client session on the server.
type Peer struct {
	srv       *Server
	sid       string
	token     string
	header    http.Header
	transport string
	seq       int

	ws     *websocket.Conn
	wsMu   sync.Mutex
	outbox chan transport.Frame

	mu      sync.Mutex
	rooms   map[string]bool
	closing bool
}

func (p *Peer) SID() string       { return p.sid }
func (p *Peer) Token() string     { return p.token }
func (p *Peer) Transport() string { return p.transport }

// Header returns a handshake request header value.
func (p *Peer) Header(key string) string { return p.header.Get(key) }

// Rooms returns the rooms this peer joined, sorted.
func (p *Peer) Rooms() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	rooms := make([]string, 0, len(p.rooms))
	for r := range p.rooms {
		rooms = append(rooms, r)
	}
	sort.Strings(rooms)
	return rooms
}

// InRoom reports whether the peer joined room.
func (p *Peer) InRoom(room string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rooms[room]
}

// Send pushes an event to this peer.
func (p *Peer) Send(event string, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		return
	}
	p.write(transport.Frame{Type: transport.FrameEvent, Event: event, Data: raw})
}

func (p *Peer) join(room string) {
	p.mu.Lock()
	p.rooms[room] = true
	p.mu.Unlock()
}

func (p *Peer) leave(room string) {
	p.mu.Lock()
	delete(p.rooms, room)
	p.mu.Unlock()
}

func (p *Peer) markClosing() {
	p.mu.Lock()
	p.closing = true
	p.mu.Unlock()
}

func (p *Peer) isClosing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closing
}

func (p *Peer) write(f transport.Frame) {
	if p.ws != nil {
		p.wsMu.Lock()
		defer p.wsMu.Unlock()
		p.ws.SetWriteDeadline(time.Now().Add(time.Second))
		p.ws.WriteJSON(f)
		return
	}
	select {
	case p.outbox <- f:
	default:
	}
}
