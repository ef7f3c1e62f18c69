package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

const defaultBusyTimeout = 5000

// SQLiteStore keeps the message history in a single SQLite file.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the database at path. Call Migrate before use and Close when done.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		path = "eventchat.db"
	}
	db, err := sql.Open("sqlite", buildDSN(path))
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec(fmt.Sprintf("PRAGMA busy_timeout=%d;", defaultBusyTimeout)); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases the underlying DB connection.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func buildDSN(path string) string {
	switch {
	case strings.HasPrefix(path, "sqlite://"):
		path = path[len("sqlite://"):]
	case strings.HasPrefix(path, "file:"), strings.HasPrefix(path, ":memory:"):
		// already in a form sqlite understands
	default:
		path = "file:" + path
	}
	separator := "?"
	if strings.Contains(path, "?") {
		separator = "&"
	}
	return fmt.Sprintf("%s%s_pragma=busy_timeout=%d", path, separator, defaultBusyTimeout)
}

// Migrate runs the schema creation statements.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS messages (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			evento_id TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at TEXT NOT NULL,
			user_name TEXT NOT NULL,
			user_id TEXT NOT NULL,
			profile_image_url TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_room_created ON messages(evento_id, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_user ON messages(user_id);`,
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	for _, stmt := range statements {
		if _, err = tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Append stores a validated message under a fresh id.
func (s *SQLiteStore) Append(ctx context.Context, msg Message) (Message, error) {
	if err := Validate(msg); err != nil {
		return Message{}, err
	}
	msg.ID = uuid.NewString()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages(id, evento_id, content, created_at, user_name, user_id, profile_image_url)
		VALUES(?, ?, ?, ?, ?, ?, ?)
	`, msg.ID, msg.EventoID, msg.Content, msg.CreatedAt, msg.User, msg.UserID, msg.ProfileImageURL)
	if err != nil {
		return Message{}, errors.Wrap(err, "insert message")
	}
	return msg, nil
}

// ListByRoom returns the room history oldest first; ties keep insertion order.
func (s *SQLiteStore) ListByRoom(ctx context.Context, eventoID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, evento_id, content, created_at, user_name, user_id, profile_image_url
		FROM messages
		WHERE evento_id = ? AND TRIM(content, ' ' || char(9) || char(10) || char(11) || char(12) || char(13)) <> ''
		ORDER BY created_at ASC, seq ASC
	`, eventoID)
	if err != nil {
		return nil, errors.Wrap(err, "query messages")
	}
	defer rows.Close()

	messages := make([]Message, 0)
	for rows.Next() {
		var msg Message
		if err := rows.Scan(&msg.ID, &msg.EventoID, &msg.Content, &msg.CreatedAt, &msg.User, &msg.UserID, &msg.ProfileImageURL); err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// UpdateProfileImage rewrites the avatar snapshot on all of a user's messages.
func (s *SQLiteStore) UpdateProfileImage(ctx context.Context, userID, url string) (int64, error) {
	result, err := s.db.ExecContext(ctx, `UPDATE messages SET profile_image_url = ? WHERE user_id = ?`, url, userID)
	if err != nil {
		return 0, errors.Wrap(err, "update profile image")
	}
	return result.RowsAffected()
}
