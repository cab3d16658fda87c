package syncbridge

import (
	"encoding/json"
	"reflect"
	"strings"
	"testing"

	"github.com/rickgao/tasklink/internal/events"
	"github.com/rickgao/tasklink/internal/model"
)

// fakeRegistry stores handlers and lets tests fire events.
type fakeRegistry struct {
	handlers map[string][]*events.Handler
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{handlers: make(map[string][]*events.Handler)}
}

func (r *fakeRegistry) On(topic string, fn events.Handler) events.Unsubscribe {
	h := &fn
	r.handlers[topic] = append(r.handlers[topic], h)
	return func() {
		hs := r.handlers[topic]
		for i, cur := range hs {
			if cur == h {
				r.handlers[topic] = append(hs[:i:i], hs[i+1:]...)
				return
			}
		}
	}
}

func (r *fakeRegistry) fire(topic string, payload any) {
	data, _ := json.Marshal(payload)
	for _, h := range r.handlers[topic] {
		(*h)(events.Event{Topic: topic, Data: data})
	}
}

func (r *fakeRegistry) count() int {
	n := 0
	for _, hs := range r.handlers {
		n += len(hs)
	}
	return n
}

type recordingCache struct {
	keys []QueryKey
}

func (c *recordingCache) InvalidateQueries(key QueryKey) { c.keys = append(c.keys, key) }

func (c *recordingCache) has(key ...string) bool {
	for _, k := range c.keys {
		if reflect.DeepEqual([]string(k), key) {
			return true
		}
	}
	return false
}

type recordingNotifier struct {
	notices []Notice
}

func (n *recordingNotifier) Notify(notice Notice) { n.notices = append(n.notices, notice) }

func TestTaskUpdateInvalidatesTask(t *testing.T) {
	reg := newFakeRegistry()
	cache := &recordingCache{}
	notifier := &recordingNotifier{}
	b := New(reg, cache, notifier)
	b.Start()

	reg.fire(model.TopicTaskUpdate, model.TaskUpdate{ID: "t1", Status: "completed", Title: "Paint fence"})

	if !cache.has("tasks", "t1") {
		t.Errorf("task detail not invalidated: %v", cache.keys)
	}
	if !cache.has("tasks") {
		t.Errorf("task list not invalidated: %v", cache.keys)
	}
	if len(notifier.notices) != 1 {
		t.Fatalf("notices = %d, want 1", len(notifier.notices))
	}
	n := notifier.notices[0]
	if n.Topic != model.TopicTaskUpdate || !strings.Contains(n.Message, "Paint fence is now completed") {
		t.Errorf("notice = %+v", n)
	}
}

func TestDefaultRulesCoverDomainTopics(t *testing.T) {
	want := []string{
		model.TopicTaskUpdate,
		model.TopicBidNew,
		model.TopicBidUpdate,
		model.TopicReviewNew,
		model.TopicNotification,
		model.TopicMessageNew,
	}
	var got []string
	for _, r := range DefaultRules() {
		got = append(got, r.Topic)
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("rule topics = %v, want %v", got, want)
	}
}

func TestRuleEffects(t *testing.T) {
	tests := []struct {
		name    string
		topic   string
		payload any
		keys    [][]string
		notice  bool
	}{
		{
			name:    "bid received",
			topic:   model.TopicBidNew,
			payload: model.Bid{ID: "b1", TaskID: "t1", BidderName: "Ana", Amount: 25},
			keys:    [][]string{{"tasks", "t1", "bids"}, {"tasks", "t1"}},
			notice:  true,
		},
		{
			name:    "bid accepted",
			topic:   model.TopicBidUpdate,
			payload: model.BidUpdate{ID: "b1", TaskID: "t1", Status: "accepted"},
			keys:    [][]string{{"tasks", "t1", "bids"}, {"my-bids"}},
			notice:  true,
		},
		{
			name:    "bid revised",
			topic:   model.TopicBidUpdate,
			payload: model.BidUpdate{ID: "b1", TaskID: "t1", Status: "pending", Amount: 30},
			keys:    [][]string{{"tasks", "t1", "bids"}},
			notice:  false,
		},
		{
			name:    "review received",
			topic:   model.TopicReviewNew,
			payload: model.Review{ID: "r1", TaskID: "t1", RevieweeID: "u1", Rating: 5},
			keys:    [][]string{{"reviews", "u1"}, {"users", "u1"}},
			notice:  true,
		},
		{
			name:    "notification",
			topic:   model.TopicNotification,
			payload: model.Notification{ID: "n1", Title: "Hello", Message: "World"},
			keys:    [][]string{{"notifications"}, {"notifications", "unread-count"}},
			notice:  true,
		},
		{
			name:    "chat message",
			topic:   model.TopicMessageNew,
			payload: model.ChatMessage{ID: "m1", ChatID: "c1", SenderName: "Bo"},
			keys:    [][]string{{"chats", "c1", "messages"}, {"chats"}},
			notice:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := newFakeRegistry()
			cache := &recordingCache{}
			notifier := &recordingNotifier{}
			New(reg, cache, notifier).Start()

			reg.fire(tt.topic, tt.payload)

			for _, k := range tt.keys {
				if !cache.has(k...) {
					t.Errorf("key %v not invalidated, got %v", k, cache.keys)
				}
			}
			if got := len(notifier.notices) == 1; got != tt.notice {
				t.Errorf("notice raised = %v, want %v (%+v)", got, tt.notice, notifier.notices)
			}
		})
	}
}

func TestSelfAuthoredEventsRaiseNoNotice(t *testing.T) {
	reg := newFakeRegistry()
	cache := &recordingCache{}
	notifier := &recordingNotifier{}
	New(reg, cache, notifier, WithSelfID("u1")).Start()

	reg.fire(model.TopicMessageNew, model.ChatMessage{ID: "m1", ChatID: "c1", SenderID: "u1"})
	reg.fire(model.TopicMessageNew, model.ChatMessage{ID: "m2", ChatID: "c1", SenderID: "u2"})

	if len(notifier.notices) != 1 {
		t.Errorf("notices = %d, want 1", len(notifier.notices))
	}
	if len(cache.keys) != 4 {
		t.Errorf("self-authored events must still invalidate: %v", cache.keys)
	}
}

func TestNoticesDisabled(t *testing.T) {
	reg := newFakeRegistry()
	cache := &recordingCache{}
	notifier := &recordingNotifier{}
	New(reg, cache, notifier, WithNotices(false)).Start()

	reg.fire(model.TopicNotification, model.Notification{ID: "n1", Title: "x"})

	if len(notifier.notices) != 0 {
		t.Errorf("notices = %v", notifier.notices)
	}
	if len(cache.keys) == 0 {
		t.Error("cache not invalidated")
	}

	// A nil notifier is the same as disabled.
	reg2 := newFakeRegistry()
	New(reg2, cache, nil).Start()
	reg2.fire(model.TopicNotification, model.Notification{ID: "n2"})
}

func TestCustomRules(t *testing.T) {
	reg := newFakeRegistry()
	cache := &recordingCache{}
	b := New(reg, cache, nil, WithRules(
		Bind(events.UserStatusChanged, Binding[model.PresenceChange]{
			Keys: func(p model.PresenceChange) []QueryKey { return []QueryKey{{"users", p.UserID, "presence"}} },
		}),
	))
	b.Start()
	b.Start()

	if reg.count() != 1 {
		t.Fatalf("handlers = %d, want 1", reg.count())
	}

	reg.fire(model.TopicUserStatusChange, model.PresenceChange{UserID: "u9", Status: "online"})
	if !cache.has("users", "u9", "presence") {
		t.Errorf("keys = %v", cache.keys)
	}

	b.Stop()
	if reg.count() != 0 {
		t.Errorf("handlers = %d after Stop", reg.count())
	}
}

func TestUndecodableEventDropped(t *testing.T) {
	reg := newFakeRegistry()
	cache := &recordingCache{}
	New(reg, cache, nil).Start()

	for _, h := range reg.handlers[model.TopicTaskUpdate] {
		(*h)(events.Event{Topic: model.TopicTaskUpdate, Data: json.RawMessage(`"nope"`)})
	}
	if len(cache.keys) != 0 {
		t.Errorf("keys = %v", cache.keys)
	}
}
