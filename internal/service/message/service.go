package message

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/labstack/gommon/log"
	"uk.co.dudmesh.relay/internal/metrics"
	"uk.co.dudmesh.relay/internal/model"
)

type Store interface {
	Append(ctx context.Context, m *model.Message) (model.MessageID, error)
	Get(ctx context.Context, id model.MessageID) (*model.Message, error)
	FindByChat(ctx context.Context, chatID model.ChatID) ([]*model.Message, error)
	ToggleReaction(ctx context.Context, id model.MessageID, userID model.UserID, emoji string, at time.Time) (bool, error)
	UpdateText(ctx context.Context, id model.MessageID, text string, at time.Time) error
	Delete(ctx context.Context, id model.MessageID) error
	SetLastMessage(ctx context.Context, chatID model.ChatID, messageID model.MessageID, at time.Time) error
}

type Chats interface {
	Get(ctx context.Context, id model.ChatID) (*model.Chat, error)
}

type Tracker interface {
	Initialize(msg *model.Message, recipients []model.UserID) []model.DeliveryRecord
	PromoteDelivered(ctx context.Context, id model.MessageID, recipients []model.UserID) (model.MessageStatus, error)
	PromoteSeen(ctx context.Context, id model.MessageID, recipient model.UserID) (model.MessageStatus, error)
}

type Broadcaster interface {
	Dispatch(ctx context.Context, msg *model.Message, recipients []model.UserID) []model.UserID
	BroadcastToChatRoom(ctx context.Context, chatID model.ChatID, name model.EventName, payload interface{}) error
}

type Analytics interface {
	Publish(ctx context.Context, msg *model.Message) error
}

type service struct {
	store       Store
	chats       Chats
	tracker     Tracker
	broadcaster Broadcaster
	analytics   Analytics
	now         func() time.Time
}

func New(store Store, chats Chats, tracker Tracker, broadcaster Broadcaster, analytics Analytics) *service {
	return &service{
		store:       store,
		chats:       chats,
		tracker:     tracker,
		broadcaster: broadcaster,
		analytics:   analytics,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func (s *service) chatFor(ctx context.Context, chatID model.ChatID, userID model.UserID) (*model.Chat, error) {
	chat, err := s.chats.Get(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if !chat.IsParticipant(userID) {
		return nil, model.ErrorNotParticipant
	}
	return chat, nil
}

// SendMessage persists the message, fans it out to online recipients and
// promotes the ones reached to delivered. Only persistence failures fail the
// send. A repeated client id returns the stored message without fanning out
// again.
func (s *service) SendMessage(ctx context.Context, chatID model.ChatID, senderID model.UserID, content *model.Content) (*model.Message, error) {
	chat, err := s.chatFor(ctx, chatID, senderID)
	if err != nil {
		return nil, err
	}
	if err := content.Validate(); err != nil {
		return nil, err
	}

	msg := &model.Message{
		ID:        model.MessageID(model.CreateID()),
		ChatID:    chat.ID,
		SenderID:  senderID,
		ClientID:  content.ClientID,
		Text:      content.Text,
		Image:     content.Image,
		File:      content.File,
		Reactions: []model.Reaction{},
		CreatedAt: s.now(),
	}
	if msg.File != nil && msg.File.Storage == "" {
		msg.File.Storage = model.StorageS3
	}
	s.tracker.Initialize(msg, chat.Recipients(senderID))

	id, err := s.store.Append(ctx, msg)
	if err != nil {
		if errors.Is(err, model.ErrorDuplicateMessage) {
			log.Debugf("message %s from %s already stored as %s", content.ClientID, senderID, id)
			return s.store.Get(ctx, id)
		}
		return nil, fmt.Errorf("storing message: %w", err)
	}
	metrics.MessagesSent.Inc()

	if err := s.analytics.Publish(ctx, msg); err != nil {
		log.Errorf("publishing analytics for %s: %+v", msg.ID, err)
	}
	if err := s.store.SetLastMessage(ctx, chat.ID, msg.ID, msg.CreatedAt); err != nil {
		log.Errorf("updating last message of %s: %+v", chat.ID, err)
	}

	recipients := make([]model.UserID, 0, len(msg.Deliveries))
	for _, d := range msg.Deliveries {
		recipients = append(recipients, d.RecipientID)
	}
	online := s.broadcaster.Dispatch(ctx, msg, recipients)
	if len(online) == 0 {
		return msg, nil
	}

	if _, err := s.tracker.PromoteDelivered(ctx, msg.ID, online); err != nil {
		log.Errorf("promoting %s to delivered: %+v", msg.ID, err)
		return msg, nil
	}
	if fresh, err := s.store.Get(ctx, msg.ID); err != nil {
		log.Errorf("reloading %s: %+v", msg.ID, err)
	} else {
		msg = fresh
	}
	return msg, nil
}

// MarkSeen records that userID has seen the message and tells the chat room.
// Only recipients of the message can mark it seen.
func (s *service) MarkSeen(ctx context.Context, messageID model.MessageID, chatID model.ChatID, userID model.UserID) (model.MessageStatus, error) {
	msg, err := s.store.Get(ctx, messageID)
	if err != nil {
		return model.MessageStatusSent, err
	}
	if chatID != "" && msg.ChatID != chatID {
		return model.MessageStatusSent, model.ErrorMessageNotFound
	}
	if _, ok := msg.Delivery(userID); !ok {
		return msg.Status, model.ErrorNotParticipant
	}

	status, err := s.tracker.PromoteSeen(ctx, msg.ID, userID)
	if err != nil {
		return status, err
	}

	update := model.StatusUpdate{MessageID: msg.ID, UserID: userID, Status: model.MessageStatusSeen}
	if err := s.broadcaster.BroadcastToChatRoom(ctx, msg.ChatID, model.EventMessageStatusUpdate, update); err != nil {
		log.Errorf("broadcasting seen for %s: %+v", msg.ID, err)
	}
	return status, nil
}

func (s *service) ListMessages(ctx context.Context, chatID model.ChatID, userID model.UserID) ([]*model.Message, error) {
	if _, err := s.chatFor(ctx, chatID, userID); err != nil {
		return nil, err
	}
	return s.store.FindByChat(ctx, chatID)
}

// React toggles the user's emoji on the message.
func (s *service) React(ctx context.Context, messageID model.MessageID, userID model.UserID, emoji string) (*model.Message, error) {
	emoji = strings.TrimSpace(emoji)
	if emoji == "" {
		return nil, model.ErrorEmptyEmoji
	}
	msg, err := s.store.Get(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if _, err := s.chatFor(ctx, msg.ChatID, userID); err != nil {
		return nil, err
	}

	if _, err := s.store.ToggleReaction(ctx, msg.ID, userID, emoji, s.now()); err != nil {
		return nil, err
	}
	return s.reloadAndBroadcast(ctx, msg.ID, model.EventMessageReaction)
}

func (s *service) Edit(ctx context.Context, messageID model.MessageID, userID model.UserID, text string) (*model.Message, error) {
	msg, err := s.store.Get(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if msg.SenderID != userID {
		return nil, model.ErrorNotSender
	}
	content := &model.Content{Text: text, Image: msg.Image, File: msg.File}
	if err := content.Validate(); err != nil {
		return nil, err
	}

	if err := s.store.UpdateText(ctx, msg.ID, text, s.now()); err != nil {
		return nil, err
	}
	return s.reloadAndBroadcast(ctx, msg.ID, model.EventMessageUpdated)
}

func (s *service) Delete(ctx context.Context, messageID model.MessageID, userID model.UserID) error {
	msg, err := s.store.Get(ctx, messageID)
	if err != nil {
		return err
	}
	if msg.SenderID != userID {
		return model.ErrorNotSender
	}
	if err := s.store.Delete(ctx, msg.ID); err != nil {
		return err
	}

	payload := model.MessageDeleted{MessageID: msg.ID, ChatID: msg.ChatID}
	if err := s.broadcaster.BroadcastToChatRoom(ctx, msg.ChatID, model.EventMessageDeleted, payload); err != nil {
		log.Errorf("broadcasting delete of %s: %+v", msg.ID, err)
	}
	return nil
}

func (s *service) reloadAndBroadcast(ctx context.Context, id model.MessageID, name model.EventName) (*model.Message, error) {
	msg, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.broadcaster.BroadcastToChatRoom(ctx, msg.ChatID, name, msg); err != nil {
		log.Errorf("broadcasting %s for %s: %+v", name, msg.ID, err)
	}
	return msg, nil
}
