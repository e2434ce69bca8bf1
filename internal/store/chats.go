package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"uk.co.dudmesh.relay/internal/model"
)

// CreateChat stores the chat and its roster. A second dm for the same pair
// fails with ErrorDuplicateChat.
func (s *Store) CreateChat(ctx context.Context, chat *model.Chat) error {
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.NamedExecContext(ctx, `insert into chat
			(ID, Type, Name, Picture, LastMessageID, DMKey, CreatedAt, UpdatedAt)
			values(:ID, :Type, :Name, :Picture, :LastMessageID, :DMKey, :CreatedAt, :UpdatedAt)`, chat)
		if err != nil {
			return fmt.Errorf("inserting chat: %w", err)
		}
		if err := expectOneRow(res); err != nil {
			return err
		}
		return insertParticipants(ctx, tx, chat.ID, chat.Participants)
	})
	if err != nil && isUniqueViolation(err) {
		return model.ErrorDuplicateChat
	}
	return err
}

func insertParticipants(ctx context.Context, tx *sqlx.Tx, chatID model.ChatID, participants []model.Participant) error {
	for _, p := range participants {
		_, err := tx.ExecContext(ctx, `insert or ignore into participant (ChatID, UserID, Role, JoinedAt) values(?, ?, ?, ?)`,
			chatID, p.UserID, p.Role, p.JoinedAt)
		if err != nil {
			return fmt.Errorf("inserting participant %s: %w", p.UserID, err)
		}
	}
	return nil
}

func (s *Store) GetChat(ctx context.Context, id model.ChatID) (*model.Chat, error) {
	chat := &model.Chat{}
	err := s.db.GetContext(ctx, chat, `select * from chat where ID = ?`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, model.ErrorChatNotFound
		}
		return nil, fmt.Errorf("fetching chat: %w", err)
	}
	if err := s.loadParticipants(ctx, []*model.Chat{chat}); err != nil {
		return nil, err
	}
	return chat, nil
}

func (s *Store) FindDM(ctx context.Context, a, b model.UserID) (*model.Chat, error) {
	chat := &model.Chat{}
	err := s.db.GetContext(ctx, chat, `select * from chat where DMKey = ?`, model.DMKey(a, b))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, model.ErrorChatNotFound
		}
		return nil, fmt.Errorf("fetching dm: %w", err)
	}
	if err := s.loadParticipants(ctx, []*model.Chat{chat}); err != nil {
		return nil, err
	}
	return chat, nil
}

// ChatsForUser returns the user's chats, most recently active first.
func (s *Store) ChatsForUser(ctx context.Context, userID model.UserID) ([]*model.Chat, error) {
	chats := []*model.Chat{}
	err := s.db.SelectContext(ctx, &chats, `select c.* from chat c
		join participant p on p.ChatID = c.ID
		where p.UserID = ? order by c.UpdatedAt desc`, userID)
	if err != nil {
		return nil, fmt.Errorf("listing chats: %w", err)
	}
	if err := s.loadParticipants(ctx, chats); err != nil {
		return nil, err
	}
	return chats, nil
}

func (s *Store) ChatIDsForUser(ctx context.Context, userID model.UserID) ([]model.ChatID, error) {
	ids := []model.ChatID{}
	if err := s.db.SelectContext(ctx, &ids, `select ChatID from participant where UserID = ?`, userID); err != nil {
		return nil, fmt.Errorf("listing chat ids: %w", err)
	}
	return ids, nil
}

func (s *Store) ParticipantsOf(ctx context.Context, chatID model.ChatID) ([]model.UserID, error) {
	ids := []model.UserID{}
	if err := s.db.SelectContext(ctx, &ids, `select UserID from participant where ChatID = ? order by rowid`, chatID); err != nil {
		return nil, fmt.Errorf("listing participants: %w", err)
	}
	return ids, nil
}

// UpdateChat writes name, picture and the roster delta in one transaction.
func (s *Store) UpdateChat(ctx context.Context, chat *model.Chat, add []model.Participant, remove []model.UserID) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `update chat set Name = ?, Picture = ?, UpdatedAt = ? where ID = ?`,
			chat.Name, chat.Picture, chat.UpdatedAt, chat.ID)
		if err != nil {
			return fmt.Errorf("updating chat: %w", err)
		}
		if rows, err := res.RowsAffected(); err != nil {
			return fmt.Errorf("getting rows affected: %w", err)
		} else if rows == 0 {
			return model.ErrorChatNotFound
		}

		if err := insertParticipants(ctx, tx, chat.ID, add); err != nil {
			return err
		}
		if len(remove) > 0 {
			query, args, err := sqlx.In(`delete from participant where ChatID = ? and UserID in (?)`, chat.ID, remove)
			if err != nil {
				return fmt.Errorf("expanding participants: %w", err)
			}
			if _, err := tx.ExecContext(ctx, tx.Rebind(query), args...); err != nil {
				return fmt.Errorf("removing participants: %w", err)
			}
		}
		return nil
	})
}

func (s *Store) SetLastMessage(ctx context.Context, chatID model.ChatID, messageID model.MessageID, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `update chat set LastMessageID = ?, UpdatedAt = ? where ID = ?`, messageID, at, chatID)
	if err != nil {
		return fmt.Errorf("updating last message: %w", err)
	}
	if rows, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	} else if rows == 0 {
		return model.ErrorChatNotFound
	}
	return nil
}

func (s *Store) loadParticipants(ctx context.Context, chats []*model.Chat) error {
	if len(chats) == 0 {
		return nil
	}
	byID := make(map[model.ChatID]*model.Chat, len(chats))
	ids := make([]model.ChatID, 0, len(chats))
	for _, c := range chats {
		c.Participants = []model.Participant{}
		byID[c.ID] = c
		ids = append(ids, c.ID)
	}

	participants := []model.Participant{}
	if err := s.selectIn(ctx, &participants, `select * from participant where ChatID in (?) order by rowid`, ids); err != nil {
		return fmt.Errorf("listing participants: %w", err)
	}
	for _, p := range participants {
		c := byID[p.ChatID]
		c.Participants = append(c.Participants, p)
	}
	return nil
}
