package model

import (
	"encoding/json"
	"fmt"
)

type EventName string

// Emitted to clients.
const (
	EventNewMessage          EventName = "newMessage"
	EventMissedMessages      EventName = "missedMessages"
	EventMessageStatusUpdate EventName = "messageStatusUpdate"
	EventMessageReaction     EventName = "messageReaction"
	EventMessageDeleted      EventName = "messageDeleted"
	EventMessageUpdated      EventName = "messageUpdated"
	EventGetOnlineUsers      EventName = "getOnlineUsers"
)

// Received from clients.
const (
	EventJoinChat    EventName = "joinChat"
	EventLeaveChat   EventName = "leaveChat"
	EventMessageSeen EventName = "messageSeen"
)

// Event is the frame exchanged with clients and carried over the bus.
type Event struct {
	Name EventName       `json:"event"`
	Data json.RawMessage `json:"data,omitempty"`
}

func NewEvent(name EventName, payload interface{}) (*Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshalling %s payload: %w", name, err)
	}
	return &Event{Name: name, Data: data}, nil
}

func (e *Event) Decode(v interface{}) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("decoding %s: empty payload", e.Name)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("decoding %s: %w", e.Name, err)
	}
	return nil
}

type StatusUpdate struct {
	MessageID MessageID     `json:"messageId"`
	UserID    UserID        `json:"userId"`
	Status    MessageStatus `json:"status"`
}

type SeenRequest struct {
	MessageID MessageID `json:"messageId"`
	ChatID    ChatID    `json:"chatId"`
}

type MessageDeleted struct {
	MessageID MessageID `json:"messageId"`
	ChatID    ChatID    `json:"chatId"`
}
