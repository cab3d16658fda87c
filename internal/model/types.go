package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Topic names published by the server.
const (
	TopicTaskUpdate       = "task:update"
	TopicBidNew           = "bid:new"
	TopicBidUpdate        = "bid:update"
	TopicReviewNew        = "review:new"
	TopicNotification     = "notification"
	TopicMessageNew       = "message:new"
	TopicTypingStart      = "typing:start"
	TopicTypingStop       = "typing:stop"
	TopicUserStatusChange = "user:status_change"
)

// ErrUnknownTopic is returned by Decode for topics outside the catalog.
var ErrUnknownTopic = errors.New("unknown topic")

// Payload is implemented by every topic payload. The set is closed: only
// types in this package implement it.
type Payload interface {
	// Topic names the topic this payload travels on.
	Topic() string

	// ScopeID is the entity the event is scoped to (task or chat ID), or ""
	// for user-wide events.
	ScopeID() string

	payload()
}

// -----------------------------------------------------------------------------
// Task Topics
// -----------------------------------------------------------------------------

// TaskUpdate is published when a task's fields or status change.
type TaskUpdate struct {
	ID        string    `json:"id"`
	Status    string    `json:"status"` // open, assigned, in_progress, completed, cancelled
	Title     string    `json:"title,omitempty"`
	UpdatedBy string    `json:"updatedBy,omitempty"`
	UpdatedAt time.Time `json:"updatedAt,omitzero"`
}

// Bid is published when a new bid lands on a task.
type Bid struct {
	ID         string    `json:"id"`
	TaskID     string    `json:"taskId"`
	BidderID   string    `json:"bidderId"`
	BidderName string    `json:"bidderName,omitempty"`
	Amount     float64   `json:"amount"`
	Message    string    `json:"message,omitempty"`
	CreatedAt  time.Time `json:"createdAt,omitzero"`
}

// BidUpdate is published when a bid is accepted, rejected, withdrawn or revised.
type BidUpdate struct {
	ID       string  `json:"id"`
	TaskID   string  `json:"taskId"`
	BidderID string  `json:"bidderId,omitempty"`
	Status   string  `json:"status"` // pending, accepted, rejected, withdrawn
	Amount   float64 `json:"amount,omitempty"`
}

// Review is published when the current user receives a review.
type Review struct {
	ID           string `json:"id"`
	TaskID       string `json:"taskId"`
	ReviewerID   string `json:"reviewerId"`
	ReviewerName string `json:"reviewerName,omitempty"`
	RevieweeID   string `json:"revieweeId"`
	Rating       int    `json:"rating"`
	Comment      string `json:"comment,omitempty"`
}

// -----------------------------------------------------------------------------
// User Topics
// -----------------------------------------------------------------------------

// Notification is a server-generated notice for the current user.
type Notification struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	Link      string    `json:"link,omitempty"`
	CreatedAt time.Time `json:"createdAt,omitzero"`
}

// PresenceChange reports a user going online, away or offline.
type PresenceChange struct {
	UserID   string    `json:"userId"`
	Status   string    `json:"status"` // online, away, offline
	LastSeen time.Time `json:"lastSeen,omitzero"`
}

// -----------------------------------------------------------------------------
// Chat Topics
// -----------------------------------------------------------------------------

// ChatMessage is a message posted to a chat.
type ChatMessage struct {
	ID         string    `json:"id"`
	ChatID     string    `json:"chatId"`
	SenderID   string    `json:"senderId"`
	SenderName string    `json:"senderName,omitempty"`
	Content    string    `json:"content"`
	SentAt     time.Time `json:"sentAt,omitzero"`
}

// TypingIndicator identifies who is typing where.
type TypingIndicator struct {
	ChatID   string `json:"chatId"`
	UserID   string `json:"userId"`
	UserName string `json:"userName,omitempty"`
}

// TypingStarted is published when a participant starts typing.
type TypingStarted struct {
	TypingIndicator
}

// TypingStopped is published when a participant stops typing.
type TypingStopped struct {
	TypingIndicator
}

func (TaskUpdate) Topic() string     { return TopicTaskUpdate }
func (Bid) Topic() string            { return TopicBidNew }
func (BidUpdate) Topic() string      { return TopicBidUpdate }
func (Review) Topic() string         { return TopicReviewNew }
func (Notification) Topic() string   { return TopicNotification }
func (PresenceChange) Topic() string { return TopicUserStatusChange }
func (ChatMessage) Topic() string    { return TopicMessageNew }
func (TypingStarted) Topic() string  { return TopicTypingStart }
func (TypingStopped) Topic() string  { return TopicTypingStop }

func (p TaskUpdate) ScopeID() string      { return p.ID }
func (p Bid) ScopeID() string             { return p.TaskID }
func (p BidUpdate) ScopeID() string       { return p.TaskID }
func (p Review) ScopeID() string          { return p.TaskID }
func (Notification) ScopeID() string      { return "" }
func (PresenceChange) ScopeID() string    { return "" }
func (p ChatMessage) ScopeID() string     { return p.ChatID }
func (p TypingIndicator) ScopeID() string { return p.ChatID }

func (TaskUpdate) payload()     {}
func (Bid) payload()            {}
func (BidUpdate) payload()      {}
func (Review) payload()         {}
func (Notification) payload()   {}
func (PresenceChange) payload() {}
func (ChatMessage) payload()    {}
func (TypingStarted) payload()  {}
func (TypingStopped) payload()  {}

// Topics lists every server-published topic.
func Topics() []string {
	return []string{
		TopicTaskUpdate,
		TopicBidNew,
		TopicBidUpdate,
		TopicReviewNew,
		TopicNotification,
		TopicMessageNew,
		TopicTypingStart,
		TopicTypingStop,
		TopicUserStatusChange,
	}
}

// Decode parses data as the payload type for topic.
func Decode(topic string, data json.RawMessage) (Payload, error) {
	switch topic {
	case TopicTaskUpdate:
		return decode[TaskUpdate](topic, data)
	case TopicBidNew:
		return decode[Bid](topic, data)
	case TopicBidUpdate:
		return decode[BidUpdate](topic, data)
	case TopicReviewNew:
		return decode[Review](topic, data)
	case TopicNotification:
		return decode[Notification](topic, data)
	case TopicMessageNew:
		return decode[ChatMessage](topic, data)
	case TopicTypingStart:
		return decode[TypingStarted](topic, data)
	case TopicTypingStop:
		return decode[TypingStopped](topic, data)
	case TopicUserStatusChange:
		return decode[PresenceChange](topic, data)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownTopic, topic)
	}
}

func decode[T Payload](topic string, data json.RawMessage) (Payload, error) {
	var p T
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", topic, err)
	}
	return p, nil
}
