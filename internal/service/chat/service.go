package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/labstack/gommon/log"
	"uk.co.dudmesh.relay/internal/model"
)

type Store interface {
	CreateChat(ctx context.Context, chat *model.Chat) error
	GetChat(ctx context.Context, id model.ChatID) (*model.Chat, error)
	FindDM(ctx context.Context, a, b model.UserID) (*model.Chat, error)
	ChatsForUser(ctx context.Context, userID model.UserID) ([]*model.Chat, error)
	ChatIDsForUser(ctx context.Context, userID model.UserID) ([]model.ChatID, error)
	ParticipantsOf(ctx context.Context, chatID model.ChatID) ([]model.UserID, error)
	UpdateChat(ctx context.Context, chat *model.Chat, add []model.Participant, remove []model.UserID) error
}

type service struct {
	store Store
	now   func() time.Time
}

func New(store Store) *service {
	return &service{
		store: store,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func (s *service) Get(ctx context.Context, id model.ChatID) (*model.Chat, error) {
	return s.store.GetChat(ctx, id)
}

func (s *service) ListForUser(ctx context.Context, userID model.UserID) ([]*model.Chat, error) {
	return s.store.ChatsForUser(ctx, userID)
}

func (s *service) ChatIDsForUser(ctx context.Context, userID model.UserID) ([]model.ChatID, error) {
	return s.store.ChatIDsForUser(ctx, userID)
}

func (s *service) ParticipantsOf(ctx context.Context, chatID model.ChatID) ([]model.UserID, error) {
	return s.store.ParticipantsOf(ctx, chatID)
}

// IsParticipant fails with ErrorChatNotFound for an unknown chat.
func (s *service) IsParticipant(ctx context.Context, chatID model.ChatID, userID model.UserID) (bool, error) {
	chat, err := s.store.GetChat(ctx, chatID)
	if err != nil {
		return false, err
	}
	return chat.IsParticipant(userID), nil
}

// GetOrCreateDM returns the one dm between the pair, creating it on first use.
func (s *service) GetOrCreateDM(ctx context.Context, userID, otherID model.UserID) (*model.Chat, error) {
	if userID == otherID {
		return nil, model.ErrorSelfDM
	}

	chat, err := s.store.FindDM(ctx, userID, otherID)
	if err == nil {
		return chat, nil
	}
	if !errors.Is(err, model.ErrorChatNotFound) {
		return nil, err
	}

	now := s.now()
	key := model.DMKey(userID, otherID)
	chat = &model.Chat{
		ID:        model.ChatID(model.CreateID()),
		Type:      model.ChatTypeDM,
		DMKey:     &key,
		CreatedAt: now,
		UpdatedAt: now,
		Participants: []model.Participant{
			{UserID: userID, Role: model.RoleMember, JoinedAt: now},
			{UserID: otherID, Role: model.RoleMember, JoinedAt: now},
		},
	}
	if err := s.store.CreateChat(ctx, chat); err != nil {
		if errors.Is(err, model.ErrorDuplicateChat) {
			// lost a race with the other side opening the same dm
			return s.store.FindDM(ctx, userID, otherID)
		}
		return nil, fmt.Errorf("creating dm: %w", err)
	}
	log.Debugf("created dm %s for %s", chat.ID, key)
	return chat, nil
}

func (s *service) CreateGroup(ctx context.Context, creatorID model.UserID, params *model.CreateGroupParams) (*model.Chat, error) {
	name := strings.TrimSpace(params.Name)
	if name == "" || len(params.ParticipantIDs) == 0 {
		return nil, model.ErrorInvalidGroup
	}

	now := s.now()
	chat := &model.Chat{
		ID:        model.ChatID(model.CreateID()),
		Type:      model.ChatTypeGroup,
		Name:      name,
		Picture:   params.Picture,
		CreatedAt: now,
		UpdatedAt: now,
		Participants: []model.Participant{
			{UserID: creatorID, Role: model.RoleAdmin, JoinedAt: now},
		},
	}
	for _, id := range params.ParticipantIDs {
		if id == "" || chat.IsParticipant(id) {
			continue
		}
		chat.Participants = append(chat.Participants, model.Participant{UserID: id, Role: model.RoleMember, JoinedAt: now})
	}

	if err := s.store.CreateChat(ctx, chat); err != nil {
		return nil, fmt.Errorf("creating group: %w", err)
	}
	return chat, nil
}

// UpdateGroup renames, re-pictures and edits the roster of a group. Only
// admins may do it and the group always keeps at least one admin.
func (s *service) UpdateGroup(ctx context.Context, actorID model.UserID, chatID model.ChatID, params *model.UpdateGroupParams) (*model.Chat, error) {
	chat, err := s.store.GetChat(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if chat.Type != model.ChatTypeGroup {
		return nil, model.ErrorNotGroup
	}
	if !chat.IsAdmin(actorID) {
		return nil, model.ErrorNotAdmin
	}

	if name := strings.TrimSpace(params.Name); name != "" {
		chat.Name = name
	}
	if params.Picture != "" {
		chat.Picture = params.Picture
	}

	now := s.now()
	removing := make(map[model.UserID]bool, len(params.RemoveParticipants))
	remove := []model.UserID{}
	for _, id := range params.RemoveParticipants {
		if chat.IsParticipant(id) && !removing[id] {
			removing[id] = true
			remove = append(remove, id)
		}
	}

	add := []model.Participant{}
	for _, id := range params.AddParticipants {
		if id == "" || chat.IsParticipant(id) {
			continue
		}
		p := model.Participant{ChatID: chat.ID, UserID: id, Role: model.RoleMember, JoinedAt: now}
		add = append(add, p)
		chat.Participants = append(chat.Participants, p)
	}

	kept := make([]model.Participant, 0, len(chat.Participants))
	admins := 0
	for _, p := range chat.Participants {
		if removing[p.UserID] {
			continue
		}
		if p.Role == model.RoleAdmin {
			admins++
		}
		kept = append(kept, p)
	}
	if admins == 0 {
		return nil, model.ErrorLastAdmin
	}
	chat.Participants = kept
	chat.UpdatedAt = now

	if err := s.store.UpdateChat(ctx, chat, add, remove); err != nil {
		return nil, fmt.Errorf("updating group %s: %w", chat.ID, err)
	}
	return s.store.GetChat(ctx, chat.ID)
}
