package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"
)

// Store is the durable boundary for chats and messages. Delivery records live
// in their own table, one row per recipient, so a status change for one
// recipient is a single-row update that never rewrites the message.
type Store struct {
	db *sqlx.DB
}

func Open(dsn string) (*Store, error) {
	db, err := sqlx.Connect("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// sqlite allows one writer; a single connection keeps in-memory databases alive too
	db.SetMaxOpenConns(1)

	s := &Store{db}
	if err := s.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating tables: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) createTables() error {
	statements := []struct {
		name string
		sql  string
	}{
		{"chat", `create table if not exists chat(
			ID            text not null primary key,
			Type          text not null,
			Name          text not null default '',
			Picture       text not null default '',
			LastMessageID text not null default '',
			DMKey         text null unique,
			CreatedAt     DATETIME not null,
			UpdatedAt     DATETIME not null
		)`},
		{"participant", `create table if not exists participant(
			ChatID   text not null,
			UserID   text not null,
			Role     text not null,
			JoinedAt DATETIME not null,
			primary key (ChatID, UserID)
		)`},
		{"participant index", `create index if not exists participant_user on participant(UserID)`},
		{"message", `create table if not exists message(
			Seq         integer primary key autoincrement,
			ID          text not null unique,
			ChatID      text not null,
			SenderID    text not null,
			ClientID    text null,
			Text        text not null default '',
			Image       text not null default '',
			FileURL     text null,
			FileName    text null,
			FileSize    integer null,
			FileType    text null,
			FileStorage text null,
			Status      tinyint not null default 0,
			Edited      tinyint not null default 0,
			CreatedAt   DATETIME not null,
			UpdatedAt   DATETIME null
		)`},
		{"message chat index", `create index if not exists message_chat on message(ChatID, CreatedAt)`},
		{"message client index", `create unique index if not exists message_client on message(SenderID, ClientID)`},
		{"delivery", `create table if not exists delivery(
			MessageID   text not null,
			RecipientID text not null,
			Status      tinyint not null default 0,
			DeliveredAt DATETIME null,
			SeenAt      DATETIME null,
			primary key (MessageID, RecipientID)
		)`},
		{"delivery index", `create index if not exists delivery_pending on delivery(RecipientID, Status)`},
		{"reaction", `create table if not exists reaction(
			MessageID text not null,
			UserID    text not null,
			Emoji     text not null,
			CreatedAt DATETIME not null,
			primary key (MessageID, UserID, Emoji)
		)`},
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt.sql); err != nil {
			return fmt.Errorf("creating %s: %w", stmt.name, err)
		}
	}
	return nil
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

func expectOneRow(res interface{ RowsAffected() (int64, error) }) error {
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rows != 1 {
		return fmt.Errorf("expected 1 row to be affected, got %d", rows)
	}
	return nil
}
