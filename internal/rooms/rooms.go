// Package rooms implements the Room Subscription Manager.
//
// A room is a server-side routing scope ("task:{id}", "chat:{id}"). The
// manager joins and leaves rooms through acked requests, reference counts
// memberships so independent subscribers can share one, and re-joins every
// tracked room after each reconnect.
package rooms

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/rickgao/tasklink/internal/connection"
	"github.com/rickgao/tasklink/internal/events"
	"github.com/rickgao/tasklink/internal/model"
)

// Room control topics.
const (
	TopicJoinRoom      = "join_room"
	TopicLeaveRoom     = "leave_room"
	TopicTaskJoinRoom  = "task:join_room"
	TopicTaskLeaveRoom = "task:leave_room"
)

const (
	taskPrefix = "task:"
	chatPrefix = "chat:"
)

// Topics delivered to composed subscriptions.
var (
	TaskTopics = []string{model.TopicTaskUpdate, model.TopicBidNew, model.TopicBidUpdate}
	ChatTopics = []string{model.TopicMessageNew, model.TopicTypingStart, model.TopicTypingStop, model.TopicUserStatusChange}
)

// TaskRoom returns the room name for a task.
func TaskRoom(taskID string) string { return taskPrefix + taskID }

// ChatRoom returns the room name for a chat.
func ChatRoom(chatID string) string { return chatPrefix + chatID }

// Emitter sends acked requests.
type Emitter interface {
	Emit(ctx context.Context, topic string, payload any) (json.RawMessage, error)
}

// StateSource reports connection state.
type StateSource interface {
	OnStateChange(fn func(connection.StateChange)) (unsubscribe func())
	State() connection.State
}

// Subscriber registers event handlers.
type Subscriber interface {
	OnMany(topics []string, fn events.Handler) events.Unsubscribe
}

// Handler receives payloads scoped to a subscription's entity.
type Handler func(model.Payload)

// Manager tracks room memberships.
type Manager struct {
	src     StateSource
	emitter Emitter
	reg     Subscriber
	logger  *slog.Logger

	concurrency int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	stop   func()

	mu    sync.Mutex
	rooms map[string]int // room → reference count
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithConcurrency bounds the number of concurrent re-join requests.
func WithConcurrency(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.concurrency = n
		}
	}
}

// New creates a Manager.
func New(src StateSource, emitter Emitter, reg Subscriber, opts ...Option) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		src:         src,
		emitter:     emitter,
		reg:         reg,
		logger:      slog.Default(),
		concurrency: 8,
		ctx:         ctx,
		cancel:      cancel,
		rooms:       make(map[string]int),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "rooms")
	m.stop = src.OnStateChange(m.onStateChange)
	return m
}

// JoinRoom joins room and waits for the server ack. Joining a room already
// held only adds a reference.
func (m *Manager) JoinRoom(ctx context.Context, room string) error {
	m.mu.Lock()
	if m.rooms[room] > 0 {
		m.rooms[room]++
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	if err := m.control(ctx, room, true); err != nil {
		return err
	}

	m.mu.Lock()
	m.rooms[room]++
	m.mu.Unlock()

	m.logger.Debug("joined room", "room", room)
	return nil
}

// LeaveRoom drops one reference to room and leaves it when none remain.
// While disconnected the membership is dropped locally.
func (m *Manager) LeaveRoom(ctx context.Context, room string) error {
	m.mu.Lock()
	n := m.rooms[room]
	switch {
	case n == 0:
		m.mu.Unlock()
		return nil
	case n > 1:
		m.rooms[room]--
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	if m.src.State() == connection.StateConnected {
		err := m.control(ctx, room, false)
		if err != nil && !errors.Is(err, connection.ErrNotConnected) && !errors.Is(err, connection.ErrConnectionLost) {
			return err
		}
	}

	m.mu.Lock()
	if m.rooms[room] <= 1 {
		delete(m.rooms, room)
	} else {
		m.rooms[room]--
	}
	m.mu.Unlock()

	m.logger.Debug("left room", "room", room)
	return nil
}

// Rooms returns the tracked rooms, sorted.
func (m *Manager) Rooms() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	rooms := make([]string, 0, len(m.rooms))
	for r := range m.rooms {
		rooms = append(rooms, r)
	}
	sort.Strings(rooms)
	return rooms
}

// Close stops re-joining after reconnects and waits for any re-join in
// progress. Memberships are not left.
func (m *Manager) Close() {
	m.stop()
	m.cancel()
	m.wg.Wait()
}

// SubscribeToTask joins the task's room and delivers its task and bid events.
func (m *Manager) SubscribeToTask(ctx context.Context, taskID string, fn Handler) (*Subscription, error) {
	return m.subscribe(ctx, TaskRoom(taskID), taskID, TaskTopics, fn)
}

// SubscribeToChat joins the chat's room and delivers its messages, typing
// indicators and presence changes.
func (m *Manager) SubscribeToChat(ctx context.Context, chatID string, fn Handler) (*Subscription, error) {
	return m.subscribe(ctx, ChatRoom(chatID), chatID, ChatTopics, fn)
}

func (m *Manager) subscribe(ctx context.Context, room, scope string, topics []string, fn Handler) (*Subscription, error) {
	if err := m.JoinRoom(ctx, room); err != nil {
		return nil, err
	}

	unsubscribe := m.reg.OnMany(topics, func(ev events.Event) {
		p, err := ev.Decode()
		if err != nil {
			m.logger.Warn("dropping undecodable event", "topic", ev.Topic, "room", room, "error", err)
			return
		}
		// Unscoped events (presence) reach every subscriber.
		if id := p.ScopeID(); id != "" && id != scope {
			return
		}
		fn(p)
	})

	return &Subscription{room: room, m: m, unsubscribe: unsubscribe}, nil
}

// control sends a join or leave request for room.
func (m *Manager) control(ctx context.Context, room string, join bool) error {
	var (
		topic   string
		payload any
	)
	if taskID, ok := strings.CutPrefix(room, taskPrefix); ok {
		topic = TopicTaskLeaveRoom
		if join {
			topic = TopicTaskJoinRoom
		}
		payload = map[string]string{"taskId": taskID}
	} else {
		topic = TopicLeaveRoom
		if join {
			topic = TopicJoinRoom
		}
		payload = map[string]string{"room": room}
	}

	_, err := m.emitter.Emit(ctx, topic, payload)
	return err
}

func (m *Manager) onStateChange(c connection.StateChange) {
	if c.To != connection.StateConnected || c.From == connection.StateConnected {
		return
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.rejoin(m.ctx)
	}()
}

// rejoin re-asserts every tracked membership on the new session. Failures
// are logged; the membership stays tracked for the next reconnect.
func (m *Manager) rejoin(ctx context.Context) {
	rooms := m.Rooms()
	if len(rooms) == 0 {
		return
	}

	var g errgroup.Group
	g.SetLimit(m.concurrency)

	for _, room := range rooms {
		g.Go(func() error {
			if err := m.control(ctx, room, true); err != nil {
				m.logger.Warn("failed to rejoin room", "room", room, "error", err)
			}
			return nil
		})
	}
	g.Wait()

	m.logger.Info("rejoined rooms", "count", len(rooms))
}

// Subscription is a room membership plus its event handler.
type Subscription struct {
	room        string
	m           *Manager
	unsubscribe events.Unsubscribe

	mu   sync.Mutex
	left bool
}

// Room returns the room the subscription holds.
func (s *Subscription) Room() string { return s.room }

// Unsubscribe removes the handler, then leaves the room. If the leave
// fails the membership is kept and Unsubscribe may be retried; after a
// successful leave later calls are no-ops.
func (s *Subscription) Unsubscribe(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.left {
		return nil
	}
	s.unsubscribe()
	if err := s.m.LeaveRoom(ctx, s.room); err != nil {
		return err
	}
	s.left = true
	return nil
}
