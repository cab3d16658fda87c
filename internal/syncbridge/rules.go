package syncbridge

import (
	"encoding/json"
	"fmt"

	"github.com/rickgao/tasklink/internal/events"
	"github.com/rickgao/tasklink/internal/model"
)

// QueryKey identifies a cached query, e.g. {"tasks", "t1"}.
type QueryKey []string

// Level is the severity of a notice.
type Level string

const (
	LevelInfo    Level = "info"
	LevelSuccess Level = "success"
	LevelWarning Level = "warning"
)

// Notice is a transient user-facing message.
type Notice struct {
	Level   Level
	Title   string
	Message string
	Topic   string // topic of the event that raised it
}

// Rule maps one topic to its cache and notice effects.
type Rule struct {
	Topic string
	apply func(data json.RawMessage) (effect, error)
}

type effect struct {
	keys   []QueryKey
	notice *Notice
	author string
}

// Binding is the typed definition of a Rule.
type Binding[T model.Payload] struct {
	// Keys returns the queries to invalidate.
	Keys func(T) []QueryKey

	// Notice returns the notice to raise, or nil for none.
	Notice func(T) *Notice

	// Author returns the user that caused the event. Events authored by
	// the current user raise no notice.
	Author func(T) string
}

// Bind builds a Rule for topic.
func Bind[T model.Payload](topic events.Topic[T], b Binding[T]) Rule {
	return Rule{
		Topic: topic.Name(),
		apply: func(data json.RawMessage) (effect, error) {
			v, err := topic.Decode(data)
			if err != nil {
				return effect{}, fmt.Errorf("decode %s: %w", topic.Name(), err)
			}

			var eff effect
			if b.Keys != nil {
				eff.keys = b.Keys(v)
			}
			if b.Notice != nil {
				eff.notice = b.Notice(v)
				if eff.notice != nil {
					eff.notice.Topic = topic.Name()
				}
			}
			if b.Author != nil {
				eff.author = b.Author(v)
			}
			return eff, nil
		},
	}
}

// DefaultRules returns the rule table for the server's domain topics.
func DefaultRules() []Rule {
	return []Rule{
		Bind(events.TaskUpdated, Binding[model.TaskUpdate]{
			Keys: func(u model.TaskUpdate) []QueryKey {
				return []QueryKey{{"tasks", u.ID}, {"tasks"}, {"my-tasks"}}
			},
			Notice: func(u model.TaskUpdate) *Notice {
				title := u.Title
				if title == "" {
					title = "A task"
				}
				return &Notice{
					Level:   LevelInfo,
					Title:   "Task updated",
					Message: fmt.Sprintf("%s is now %s", title, u.Status),
				}
			},
			Author: func(u model.TaskUpdate) string { return u.UpdatedBy },
		}),

		Bind(events.BidReceived, Binding[model.Bid]{
			Keys: func(b model.Bid) []QueryKey {
				return []QueryKey{{"tasks", b.TaskID, "bids"}, {"tasks", b.TaskID}, {"my-tasks"}}
			},
			Notice: func(b model.Bid) *Notice {
				who := b.BidderName
				if who == "" {
					who = "Someone"
				}
				return &Notice{
					Level:   LevelInfo,
					Title:   "New bid",
					Message: fmt.Sprintf("%s bid $%.2f on your task", who, b.Amount),
				}
			},
			Author: func(b model.Bid) string { return b.BidderID },
		}),

		Bind(events.BidUpdated, Binding[model.BidUpdate]{
			Keys: func(b model.BidUpdate) []QueryKey {
				return []QueryKey{{"tasks", b.TaskID, "bids"}, {"tasks", b.TaskID}, {"my-bids"}}
			},
			Notice: func(b model.BidUpdate) *Notice {
				switch b.Status {
				case "accepted":
					return &Notice{Level: LevelSuccess, Title: "Bid accepted", Message: "Your bid was accepted"}
				case "rejected":
					return &Notice{Level: LevelWarning, Title: "Bid declined", Message: "Your bid was not accepted"}
				}
				return nil
			},
		}),

		Bind(events.ReviewReceived, Binding[model.Review]{
			Keys: func(r model.Review) []QueryKey {
				return []QueryKey{{"reviews", r.RevieweeID}, {"users", r.RevieweeID}, {"tasks", r.TaskID}}
			},
			Notice: func(r model.Review) *Notice {
				who := r.ReviewerName
				if who == "" {
					who = "Someone"
				}
				return &Notice{
					Level:   LevelInfo,
					Title:   "New review",
					Message: fmt.Sprintf("%s left you a %d-star review", who, r.Rating),
				}
			},
			Author: func(r model.Review) string { return r.ReviewerID },
		}),

		Bind(events.NotificationReceived, Binding[model.Notification]{
			Keys: func(model.Notification) []QueryKey {
				return []QueryKey{{"notifications"}, {"notifications", "unread-count"}}
			},
			Notice: func(n model.Notification) *Notice {
				return &Notice{Level: LevelInfo, Title: n.Title, Message: n.Message}
			},
		}),

		Bind(events.MessageReceived, Binding[model.ChatMessage]{
			Keys: func(m model.ChatMessage) []QueryKey {
				return []QueryKey{{"chats", m.ChatID, "messages"}, {"chats"}}
			},
			Notice: func(m model.ChatMessage) *Notice {
				who := m.SenderName
				if who == "" {
					who = "someone"
				}
				return &Notice{Level: LevelInfo, Title: "New message", Message: "New message from " + who}
			},
			Author: func(m model.ChatMessage) string { return m.SenderID },
		}),
	}
}
