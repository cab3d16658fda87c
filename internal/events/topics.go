package events

import (
	"encoding/json"

	"github.com/rickgao/tasklink/internal/model"
)

// Topic is a topic name bound to its payload type.
type Topic[T model.Payload] struct {
	name string
}

// Name returns the wire name of the topic.
func (t Topic[T]) Name() string { return t.name }

// Decode parses data as the topic's payload.
func (t Topic[T]) Decode(data json.RawMessage) (T, error) {
	var v T
	err := json.Unmarshal(data, &v)
	return v, err
}

// Catalog of server topics.
var (
	TaskUpdated          = Topic[model.TaskUpdate]{model.TopicTaskUpdate}
	BidReceived          = Topic[model.Bid]{model.TopicBidNew}
	BidUpdated           = Topic[model.BidUpdate]{model.TopicBidUpdate}
	ReviewReceived       = Topic[model.Review]{model.TopicReviewNew}
	NotificationReceived = Topic[model.Notification]{model.TopicNotification}
	MessageReceived      = Topic[model.ChatMessage]{model.TopicMessageNew}
	TypingStarted        = Topic[model.TypingStarted]{model.TopicTypingStart}
	TypingStopped        = Topic[model.TypingStopped]{model.TopicTypingStop}
	UserStatusChanged    = Topic[model.PresenceChange]{model.TopicUserStatusChange}
)

// Subscribe registers a typed handler. Events that do not decode as T are
// logged and dropped.
func Subscribe[T model.Payload](r *Registry, topic Topic[T], fn func(T)) Unsubscribe {
	return r.On(topic.name, func(ev Event) {
		v, err := topic.Decode(ev.Data)
		if err != nil {
			r.logger.Warn("dropping undecodable event", "topic", ev.Topic, "error", err)
			return
		}
		fn(v)
	})
}
