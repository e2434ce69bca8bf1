package fanout

import (
	"context"
	"fmt"

	"github.com/labstack/gommon/log"
	"uk.co.dudmesh.relay/internal/metrics"
	"uk.co.dudmesh.relay/internal/model"
)

type Presence interface {
	Lookup(ctx context.Context, userID model.UserID) (model.ConnectionHandle, bool, error)
	ListOnlineUsers(ctx context.Context) ([]model.UserID, error)
}

type Publisher interface {
	PublishRoom(ctx context.Context, room model.ChatID, event *model.Event) error
	PublishConn(ctx context.Context, target model.ConnectionHandle, event *model.Event) error
	PublishAll(ctx context.Context, event *model.Event) error
}

type Store interface {
	FindPending(ctx context.Context, userID model.UserID) ([]*model.Message, error)
}

type broadcaster struct {
	instanceID string
	hub        *Hub
	presence   Presence
	publisher  Publisher
	store      Store
}

func New(instanceID string, hub *Hub, presence Presence, publisher Publisher, store Store) *broadcaster {
	return &broadcaster{
		instanceID: instanceID,
		hub:        hub,
		presence:   presence,
		publisher:  publisher,
		store:      store,
	}
}

// Dispatch emits newMessage to every recipient with a presence entry and
// returns the ones it reached. Lookup and emit failures are logged and the
// recipient is left out; replay on reconnect picks them up. A handle whose
// instance no longer listens on the bus counts as a failed emit.
func (b *broadcaster) Dispatch(ctx context.Context, msg *model.Message, recipients []model.UserID) []model.UserID {
	event, err := model.NewEvent(model.EventNewMessage, msg)
	if err != nil {
		log.Errorf("dispatch %s: %+v", msg.ID, err)
		return []model.UserID{}
	}

	online := make([]model.UserID, 0, len(recipients))
	for _, r := range recipients {
		handle, ok, err := b.presence.Lookup(ctx, r)
		if err != nil {
			log.Errorf("dispatch %s: looking up %s: %+v", msg.ID, r, err)
			continue
		}
		if !ok {
			continue
		}
		if err := b.emit(ctx, handle, event); err != nil {
			log.Errorf("dispatch %s to %s at %s: %+v", msg.ID, r, handle, err)
			continue
		}
		online = append(online, r)
	}
	return online
}

func (b *broadcaster) emit(ctx context.Context, handle model.ConnectionHandle, event *model.Event) error {
	if handle.Instance() == b.instanceID {
		err := b.hub.SendTo(ctx, handle.Connection(), event)
		metrics.Dispatches.WithLabelValues("local", outcome(err)).Inc()
		return err
	}
	err := b.publisher.PublishConn(ctx, handle, event)
	metrics.Dispatches.WithLabelValues("bus", outcome(err)).Inc()
	return err
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// Emit sends one event to a single connection wherever it lives.
func (b *broadcaster) Emit(ctx context.Context, handle model.ConnectionHandle, name model.EventName, payload interface{}) error {
	event, err := model.NewEvent(name, payload)
	if err != nil {
		return err
	}
	return b.emit(ctx, handle, event)
}

// BroadcastToChatRoom reaches every connection joined to the room on every
// instance. Each instance, this one included, receives it back from the bus;
// when publishing fails the local members still get it.
func (b *broadcaster) BroadcastToChatRoom(ctx context.Context, chatID model.ChatID, name model.EventName, payload interface{}) error {
	event, err := model.NewEvent(name, payload)
	if err != nil {
		return err
	}
	if err := b.publisher.PublishRoom(ctx, chatID, event); err != nil {
		b.hub.SendRoom(ctx, chatID, event)
		return fmt.Errorf("broadcasting %s to %s: %w", name, chatID, err)
	}
	return nil
}

func (b *broadcaster) BroadcastAll(ctx context.Context, name model.EventName, payload interface{}) error {
	event, err := model.NewEvent(name, payload)
	if err != nil {
		return err
	}
	if err := b.publisher.PublishAll(ctx, event); err != nil {
		b.hub.SendAll(ctx, event)
		return fmt.Errorf("broadcasting %s: %w", name, err)
	}
	return nil
}

// BroadcastOnlineUsers sends the current presence set to everyone.
func (b *broadcaster) BroadcastOnlineUsers(ctx context.Context) error {
	users, err := b.presence.ListOnlineUsers(ctx)
	if err != nil {
		return err
	}
	return b.BroadcastAll(ctx, model.EventGetOnlineUsers, users)
}

// ReplayMissed returns every message still "sent" for the user, oldest first
// across all chats.
func (b *broadcaster) ReplayMissed(ctx context.Context, userID model.UserID) ([]*model.Message, error) {
	messages, err := b.store.FindPending(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("finding missed messages for %s: %w", userID, err)
	}
	metrics.MissedReplayed.Add(float64(len(messages)))
	return messages, nil
}
