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

type messageRow struct {
	Seq         int64               `db:"Seq"`
	ID          model.MessageID     `db:"ID"`
	ChatID      model.ChatID        `db:"ChatID"`
	SenderID    model.UserID        `db:"SenderID"`
	ClientID    sql.NullString      `db:"ClientID"`
	Text        string              `db:"Text"`
	Image       string              `db:"Image"`
	FileURL     sql.NullString      `db:"FileURL"`
	FileName    sql.NullString      `db:"FileName"`
	FileSize    sql.NullInt64       `db:"FileSize"`
	FileType    sql.NullString      `db:"FileType"`
	FileStorage sql.NullString      `db:"FileStorage"`
	Status      model.MessageStatus `db:"Status"`
	Edited      bool                `db:"Edited"`
	CreatedAt   time.Time           `db:"CreatedAt"`
	UpdatedAt   *time.Time          `db:"UpdatedAt"`
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func toRow(m *model.Message) *messageRow {
	row := &messageRow{
		ID:        m.ID,
		ChatID:    m.ChatID,
		SenderID:  m.SenderID,
		ClientID:  nullString(m.ClientID),
		Text:      m.Text,
		Image:     m.Image,
		Status:    m.Status,
		Edited:    m.Edited,
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}
	if m.File != nil {
		row.FileURL = nullString(m.File.URL)
		row.FileName = nullString(m.File.Name)
		row.FileSize = sql.NullInt64{Int64: m.File.Size, Valid: true}
		row.FileType = nullString(m.File.MimeType)
		row.FileStorage = nullString(string(m.File.Storage))
	}
	return row
}

func (r *messageRow) toMessage() *model.Message {
	m := &model.Message{
		ID:         r.ID,
		ChatID:     r.ChatID,
		SenderID:   r.SenderID,
		ClientID:   r.ClientID.String,
		Text:       r.Text,
		Image:      r.Image,
		Status:     r.Status,
		Edited:     r.Edited,
		CreatedAt:  r.CreatedAt,
		UpdatedAt:  r.UpdatedAt,
		Deliveries: []model.DeliveryRecord{},
		Reactions:  []model.Reaction{},
	}
	if r.FileURL.Valid {
		m.File = &model.Attachment{
			URL:      r.FileURL.String,
			Name:     r.FileName.String,
			Size:     r.FileSize.Int64,
			MimeType: r.FileType.String,
			Storage:  model.StorageBackend(r.FileStorage.String),
		}
	}
	return m
}

// Append stores the message and its delivery records in one transaction. A
// repeated (sender, client id) pair returns the stored id with
// ErrorDuplicateMessage.
func (s *Store) Append(ctx context.Context, m *model.Message) (model.MessageID, error) {
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.NamedExecContext(ctx, `insert into message
			(ID, ChatID, SenderID, ClientID, Text, Image, FileURL, FileName, FileSize, FileType, FileStorage, Status, Edited, CreatedAt, UpdatedAt)
			values(:ID, :ChatID, :SenderID, :ClientID, :Text, :Image, :FileURL, :FileName, :FileSize, :FileType, :FileStorage, :Status, :Edited, :CreatedAt, :UpdatedAt)`, toRow(m))
		if err != nil {
			return fmt.Errorf("inserting message: %w", err)
		}
		if err := expectOneRow(res); err != nil {
			return err
		}

		for _, d := range m.Deliveries {
			_, err := tx.ExecContext(ctx, `insert into delivery
				(MessageID, RecipientID, Status, DeliveredAt, SeenAt) values(?, ?, ?, ?, ?)`,
				m.ID, d.RecipientID, d.Status, d.DeliveredAt, d.SeenAt)
			if err != nil {
				return fmt.Errorf("inserting delivery record for %s: %w", d.RecipientID, err)
			}
		}
		return nil
	})
	if err != nil {
		if m.ClientID != "" && isUniqueViolation(err) {
			var id model.MessageID
			if err := s.db.GetContext(ctx, &id, `select ID from message where SenderID = ? and ClientID = ?`, m.SenderID, m.ClientID); err != nil {
				return "", fmt.Errorf("finding message by client id: %w", err)
			}
			return id, model.ErrorDuplicateMessage
		}
		return "", err
	}
	return m.ID, nil
}

func (s *Store) Get(ctx context.Context, id model.MessageID) (*model.Message, error) {
	row := messageRow{}
	err := s.db.GetContext(ctx, &row, `select * from message where ID = ?`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, model.ErrorMessageNotFound
		}
		return nil, fmt.Errorf("fetching message: %w", err)
	}

	messages, err := s.hydrate(ctx, []messageRow{row})
	if err != nil {
		return nil, err
	}
	return messages[0], nil
}

// FindByChat returns the chat's messages oldest first.
func (s *Store) FindByChat(ctx context.Context, chatID model.ChatID) ([]*model.Message, error) {
	rows := []messageRow{}
	err := s.db.SelectContext(ctx, &rows, `select * from message
		where ChatID = ? order by CreatedAt asc, Seq asc`, chatID)
	if err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}
	return s.hydrate(ctx, rows)
}

// FindPending returns every message holding a "sent" record for the user,
// across all chats, oldest first. The (MessageID, RecipientID) key makes each
// message appear once.
func (s *Store) FindPending(ctx context.Context, userID model.UserID) ([]*model.Message, error) {
	rows := []messageRow{}
	err := s.db.SelectContext(ctx, &rows, `select m.* from message m
		join delivery d on d.MessageID = m.ID
		where d.RecipientID = ? and d.Status = ?
		order by m.CreatedAt asc, m.Seq asc`, userID, model.MessageStatusSent)
	if err != nil {
		return nil, fmt.Errorf("listing pending messages: %w", err)
	}
	return s.hydrate(ctx, rows)
}

func (s *Store) Deliveries(ctx context.Context, id model.MessageID) ([]model.DeliveryRecord, error) {
	records := []model.DeliveryRecord{}
	err := s.db.SelectContext(ctx, &records, `select * from delivery where MessageID = ? order by rowid`, id)
	if err != nil {
		return nil, fmt.Errorf("listing delivery records: %w", err)
	}
	return records, nil
}

// UpdateDeliveryStatus moves the named recipients' records up to status. The
// rank guard in the where clause makes the update idempotent and stops it from
// ever lowering a record; other recipients' rows are untouched. It returns the
// number of records that changed.
func (s *Store) UpdateDeliveryStatus(ctx context.Context, id model.MessageID, recipients []model.UserID, status model.MessageStatus, at time.Time) (int64, error) {
	if len(recipients) == 0 {
		return 0, nil
	}

	var query string
	var args []interface{}
	switch status {
	case model.MessageStatusDelivered:
		query = `update delivery set Status = ?, DeliveredAt = ?
			where MessageID = ? and RecipientID in (?) and Status < ?`
		args = []interface{}{status, at, id, recipients, status}
	case model.MessageStatusSeen:
		query = `update delivery set Status = ?, SeenAt = ?, DeliveredAt = coalesce(DeliveredAt, ?)
			where MessageID = ? and RecipientID in (?) and Status < ?`
		args = []interface{}{status, at, at, id, recipients, status}
	default:
		return 0, nil
	}

	query, args, err := sqlx.In(query, args...)
	if err != nil {
		return 0, fmt.Errorf("expanding recipients: %w", err)
	}
	res, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return 0, fmt.Errorf("updating delivery status: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("getting rows affected: %w", err)
	}
	return rows, nil
}

// UpdateAggregateStatus only raises the stored status; it reports whether it
// changed.
func (s *Store) UpdateAggregateStatus(ctx context.Context, id model.MessageID, status model.MessageStatus) (bool, error) {
	res, err := s.db.ExecContext(ctx, `update message set Status = ? where ID = ? and Status < ?`, status, id, status)
	if err != nil {
		return false, fmt.Errorf("updating message status: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("getting rows affected: %w", err)
	}
	return rows > 0, nil
}

// ToggleReaction removes the (user, emoji) reaction if present and adds it
// otherwise. It reports whether the reaction is now present.
func (s *Store) ToggleReaction(ctx context.Context, id model.MessageID, userID model.UserID, emoji string, at time.Time) (bool, error) {
	added := false
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		var count int
		if err := tx.GetContext(ctx, &count, `select count(*) from message where ID = ?`, id); err != nil {
			return fmt.Errorf("checking message: %w", err)
		}
		if count == 0 {
			return model.ErrorMessageNotFound
		}

		res, err := tx.ExecContext(ctx, `delete from reaction where MessageID = ? and UserID = ? and Emoji = ?`, id, userID, emoji)
		if err != nil {
			return fmt.Errorf("removing reaction: %w", err)
		}
		if rows, err := res.RowsAffected(); err != nil {
			return fmt.Errorf("getting rows affected: %w", err)
		} else if rows > 0 {
			return nil
		}

		_, err = tx.ExecContext(ctx, `insert into reaction (MessageID, UserID, Emoji, CreatedAt) values(?, ?, ?, ?)`, id, userID, emoji, at)
		if err != nil {
			return fmt.Errorf("adding reaction: %w", err)
		}
		added = true
		return nil
	})
	return added, err
}

func (s *Store) UpdateText(ctx context.Context, id model.MessageID, text string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `update message set Text = ?, Edited = 1, UpdatedAt = ? where ID = ?`, text, at, id)
	if err != nil {
		return fmt.Errorf("updating message text: %w", err)
	}
	if rows, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	} else if rows == 0 {
		return model.ErrorMessageNotFound
	}
	return nil
}

// Delete removes the message with its records and reactions, and points the
// chat's last message at the newest remaining one.
func (s *Store) Delete(ctx context.Context, id model.MessageID) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		var chatID model.ChatID
		if err := tx.GetContext(ctx, &chatID, `select ChatID from message where ID = ?`, id); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return model.ErrorMessageNotFound
			}
			return fmt.Errorf("fetching message: %w", err)
		}

		for _, table := range []string{"reaction", "delivery"} {
			if _, err := tx.ExecContext(ctx, `delete from `+table+` where MessageID = ?`, id); err != nil {
				return fmt.Errorf("deleting from %s: %w", table, err)
			}
		}
		if _, err := tx.ExecContext(ctx, `delete from message where ID = ?`, id); err != nil {
			return fmt.Errorf("deleting message: %w", err)
		}

		_, err := tx.ExecContext(ctx, `update chat set LastMessageID = coalesce(
				(select ID from message where ChatID = ? order by CreatedAt desc, Seq desc limit 1), '')
			where ID = ? and LastMessageID = ?`, chatID, chatID, id)
		if err != nil {
			return fmt.Errorf("updating last message: %w", err)
		}
		return nil
	})
}

func (s *Store) hydrate(ctx context.Context, rows []messageRow) ([]*model.Message, error) {
	messages := make([]*model.Message, 0, len(rows))
	if len(rows) == 0 {
		return messages, nil
	}

	byID := make(map[model.MessageID]*model.Message, len(rows))
	ids := make([]model.MessageID, 0, len(rows))
	for i := range rows {
		m := rows[i].toMessage()
		messages = append(messages, m)
		byID[m.ID] = m
		ids = append(ids, m.ID)
	}

	records := []model.DeliveryRecord{}
	if err := s.selectIn(ctx, &records, `select * from delivery where MessageID in (?) order by rowid`, ids); err != nil {
		return nil, fmt.Errorf("listing delivery records: %w", err)
	}
	for _, r := range records {
		m := byID[r.MessageID]
		m.Deliveries = append(m.Deliveries, r)
	}

	reactions := []model.Reaction{}
	if err := s.selectIn(ctx, &reactions, `select * from reaction where MessageID in (?) order by CreatedAt, rowid`, ids); err != nil {
		return nil, fmt.Errorf("listing reactions: %w", err)
	}
	for _, r := range reactions {
		m := byID[r.MessageID]
		m.Reactions = append(m.Reactions, r)
	}

	return messages, nil
}

func (s *Store) selectIn(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	query, args, err := sqlx.In(query, args...)
	if err != nil {
		return err
	}
	return s.db.SelectContext(ctx, dest, s.db.Rebind(query), args...)
}
