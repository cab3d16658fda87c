package model

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		topic     string
		data      string
		wantScope string
	}{
		{TopicTaskUpdate, `{"id":"t1","status":"completed"}`, "t1"},
		{TopicBidNew, `{"id":"b1","taskId":"t1","bidderId":"u2","amount":40}`, "t1"},
		{TopicBidUpdate, `{"id":"b1","taskId":"t1","status":"accepted"}`, "t1"},
		{TopicReviewNew, `{"id":"r1","taskId":"t9","reviewerId":"u1","revieweeId":"u2","rating":5}`, "t9"},
		{TopicNotification, `{"id":"n1","type":"bid","title":"New bid","message":"hi"}`, ""},
		{TopicMessageNew, `{"id":"m1","chatId":"c1","senderId":"u1","content":"hello"}`, "c1"},
		{TopicTypingStart, `{"chatId":"c1","userId":"u1"}`, "c1"},
		{TopicTypingStop, `{"chatId":"c2","userId":"u1"}`, "c2"},
		{TopicUserStatusChange, `{"userId":"u1","status":"online"}`, ""},
	}

	for _, tt := range tests {
		t.Run(tt.topic, func(t *testing.T) {
			p, err := Decode(tt.topic, json.RawMessage(tt.data))
			if err != nil {
				t.Fatalf("Decode failed: %v", err)
			}
			if p.Topic() != tt.topic {
				t.Errorf("Topic() = %q, want %q", p.Topic(), tt.topic)
			}
			if p.ScopeID() != tt.wantScope {
				t.Errorf("ScopeID() = %q, want %q", p.ScopeID(), tt.wantScope)
			}
		})
	}
}

func TestDecode_TaskUpdateFields(t *testing.T) {
	p, err := Decode(TopicTaskUpdate, json.RawMessage(`{"id":"t1","status":"completed","updatedAt":"2026-01-02T15:04:05Z"}`))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	update, ok := p.(TaskUpdate)
	if !ok {
		t.Fatalf("Decode returned %T, want TaskUpdate", p)
	}
	if update.Status != "completed" {
		t.Errorf("Status = %q, want completed", update.Status)
	}
	if update.UpdatedAt.Year() != 2026 {
		t.Errorf("UpdatedAt = %v, want 2026", update.UpdatedAt)
	}
}

func TestDecode_TypingFlattened(t *testing.T) {
	p, err := Decode(TopicTypingStart, json.RawMessage(`{"chatId":"c1","userId":"u7","userName":"Ana"}`))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	typing := p.(TypingStarted)
	if typing.UserName != "Ana" {
		t.Errorf("UserName = %q, want Ana", typing.UserName)
	}
}

func TestDecode_Errors(t *testing.T) {
	if _, err := Decode("task:deleted", json.RawMessage(`{}`)); !errors.Is(err, ErrUnknownTopic) {
		t.Errorf("Decode unknown topic = %v, want ErrUnknownTopic", err)
	}
	if _, err := Decode(TopicBidNew, json.RawMessage(`{"amount":"lots"}`)); err == nil {
		t.Error("Decode malformed payload returned nil error")
	}
}

func TestTopicsMatchDecode(t *testing.T) {
	for _, topic := range Topics() {
		if _, err := Decode(topic, json.RawMessage(`{}`)); err != nil {
			t.Errorf("Decode(%q, {}) = %v, want every listed topic decodable", topic, err)
		}
	}
}
