package domain

import (
	"context"
	"encoding/json"
	"time"
)

// EventType identifies the kind of event being published.
type EventType string

const (
	// Link lifecycle.
	EventLinkReady  EventType = "link.ready"
	EventLinkClosed EventType = "link.closed"

	// Inbound backend pushes.
	EventChatMessage    EventType = "chat.message"
	EventChannelJoin    EventType = "channel.join"
	EventChannelLeave   EventType = "channel.leave"
	EventUserList       EventType = "users.list"
	EventConfigDownload EventType = "config.download"
	EventConfigChange   EventType = "config.change"

	// Local state changes.
	EventSettingsChanged EventType = "settings.changed"
	EventTagsChanged     EventType = "tags.changed"
)

// Event is the envelope published on the event bus.
type Event struct {
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	PlayerID  string          `json:"player_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// NewEvent builds an event with payload marshalled to JSON.
func NewEvent(eventType EventType, playerID string, payload any) Event {
	ev := Event{Type: eventType, Timestamp: time.Now(), PlayerID: playerID}
	if payload != nil {
		if raw, err := json.Marshal(payload); err == nil {
			ev.Payload = raw
		}
	}
	return ev
}

// ChatMessagePayload accompanies EventChatMessage.
type ChatMessagePayload struct {
	SenderID string `json:"sender_id"`
	Sender   string `json:"sender"`
	Message  string `json:"message"`
}

// ChannelEventPayload accompanies EventChannelJoin and EventChannelLeave.
type ChannelEventPayload struct {
	UserID string `json:"user_id"`
	Name   string `json:"name"`
}

// UserListPayload accompanies EventUserList.
type UserListPayload struct {
	Users []ChannelUser `json:"users"`
}

// ConfigChangePayload accompanies EventConfigChange.
type ConfigChangePayload struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

// LinkStatePayload accompanies EventLinkReady and EventLinkClosed.
type LinkStatePayload struct {
	State  string `json:"state"`
	Reason string `json:"reason,omitempty"`
}

// SettingsChangedPayload accompanies EventSettingsChanged.
type SettingsChangedPayload struct {
	Previous TagSettings `json:"previous"`
	Current  TagSettings `json:"current"`
}

// TagsChangedPayload accompanies EventTagsChanged.
type TagsChangedPayload struct {
	Source string `json:"source,omitempty"`
}

// EventHandler is a callback invoked when an event is received.
type EventHandler func(ctx context.Context, event Event)

// EventBus provides a publish/subscribe mechanism for domain events.
type EventBus interface {
	// Publish sends an event to all matching subscribers.
	Publish(ctx context.Context, event Event)
	// Subscribe registers a handler for a specific event type.
	// Returns an unsubscribe function.
	Subscribe(eventType EventType, handler EventHandler) func()
	// SubscribeAll registers a handler that receives every event.
	// Returns an unsubscribe function.
	SubscribeAll(handler EventHandler) func()
	// Close drains in-flight handlers and prevents new publishes.
	Close()
}
