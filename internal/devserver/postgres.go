package devserver

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "github.com/lib/pq"

	"github.com/qpoint/qpmsg/internal/client/models"
)

// PostgresStore persists users and messages in PostgreSQL for long-running local setups.
type PostgresStore struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id BIGSERIAL PRIMARY KEY,
	username TEXT UNIQUE NOT NULL,
	email TEXT NOT NULL DEFAULT '',
	full_name TEXT NOT NULL DEFAULT '',
	avatar_url TEXT NOT NULL DEFAULT '',
	password_hash TEXT NOT NULL DEFAULT '',
	allow_public_messages BOOLEAN NOT NULL DEFAULT FALSE
);
CREATE TABLE IF NOT EXISTS messages (
	id BIGSERIAL PRIMARY KEY,
	sender_id BIGINT NOT NULL REFERENCES users(id),
	receiver_id BIGINT NOT NULL REFERENCES users(id),
	content TEXT NOT NULL DEFAULT '',
	type TEXT NOT NULL DEFAULT 'TEXT',
	attachment_url TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT clock_timestamp(),
	is_read BOOLEAN NOT NULL DEFAULT FALSE
);
CREATE INDEX IF NOT EXISTS messages_pair_idx ON messages (LEAST(sender_id, receiver_id), GREATEST(sender_id, receiver_id), created_at);
`

// NewPostgresStore connects, pings and ensures the schema exists.
func NewPostgresStore(ctx context.Context, connStr string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) CreateUser(ctx context.Context, u User) (User, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO users (username, email, full_name, avatar_url, password_hash, allow_public_messages)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (username) DO UPDATE SET username = EXCLUDED.username
		RETURNING id
	`, u.Username, u.Email, u.FullName, u.AvatarURL, u.PasswordHash, u.AllowPublicMessages).Scan(&u.ID)
	return u, err
}

const userColumns = "id, username, email, full_name, avatar_url, password_hash, allow_public_messages"

func scanUser(row *sql.Row) (User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Username, &u.Email, &u.FullName, &u.AvatarURL, &u.PasswordHash, &u.AllowPublicMessages)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrUserNotFound
	}
	return u, err
}

func (s *PostgresStore) UserByID(ctx context.Context, id int64) (User, error) {
	return scanUser(s.db.QueryRowContext(ctx, "SELECT "+userColumns+" FROM users WHERE id = $1", id))
}

func (s *PostgresStore) UserByUsername(ctx context.Context, username string) (User, error) {
	return scanUser(s.db.QueryRowContext(ctx, "SELECT "+userColumns+" FROM users WHERE username = $1", username))
}

func (s *PostgresStore) Conversations(ctx context.Context, userID int64) ([]models.Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `
		WITH pairs AS (
			SELECT CASE WHEN sender_id = $1 THEN receiver_id ELSE sender_id END AS other_id,
			       content, created_at, receiver_id, is_read
			FROM messages
			WHERE sender_id = $1 OR receiver_id = $1
		), latest AS (
			SELECT DISTINCT ON (other_id) other_id, content, created_at
			FROM pairs
			ORDER BY other_id, created_at DESC
		)
		SELECT u.id, u.username, u.full_name, u.avatar_url, l.content, l.created_at,
			(SELECT COUNT(*) FROM pairs p WHERE p.other_id = l.other_id AND p.receiver_id = $1 AND NOT p.is_read)
		FROM latest l
		JOIN users u ON u.id = l.other_id
		ORDER BY l.created_at DESC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	convs := []models.Conversation{}
	seen := map[int64]bool{}
	for rows.Next() {
		var c models.Conversation
		var at sql.NullTime
		if err := rows.Scan(&c.OtherUserID, &c.OtherUsername, &c.OtherDisplayName, &c.OtherAvatarRef,
			&c.LastMessagePreview, &at, &c.UnreadCount); err != nil {
			return nil, err
		}
		if at.Valid {
			t := at.Time.UTC()
			c.LastMessageTime = &t
		}
		c.ConversationID = models.Int64(pairID(userID, c.OtherUserID))
		seen[c.OtherUserID] = true
		convs = append(convs, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	public, err := s.db.QueryContext(ctx, `
		SELECT id, username, full_name, avatar_url FROM users
		WHERE allow_public_messages AND id <> $1
		ORDER BY id
	`, userID)
	if err != nil {
		return nil, err
	}
	defer public.Close()
	for public.Next() {
		c := models.Conversation{LastMessagePreview: publicPreview}
		if err := public.Scan(&c.OtherUserID, &c.OtherUsername, &c.OtherDisplayName, &c.OtherAvatarRef); err != nil {
			return nil, err
		}
		if !seen[c.OtherUserID] {
			convs = append(convs, c)
		}
	}
	return convs, public.Err()
}

func (s *PostgresStore) Thread(ctx context.Context, userID, otherID int64) ([]models.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.id, m.sender_id, u.username, u.avatar_url, m.receiver_id, m.content, m.type,
		       m.attachment_url, m.created_at, m.is_read
		FROM messages m
		JOIN users u ON u.id = m.sender_id
		WHERE (m.sender_id = $1 AND m.receiver_id = $2) OR (m.sender_id = $2 AND m.receiver_id = $1)
		ORDER BY m.created_at ASC, m.id ASC
	`, userID, otherID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	msgs := []models.Message{}
	for rows.Next() {
		var m models.Message
		var id int64
		var typ string
		var read bool
		if err := rows.Scan(&id, &m.SenderID, &m.SenderUsername, &m.SenderAvatar, &m.ReceiverID, &m.Content,
			&typ, &m.AttachmentRef, &m.CreatedAt, &read); err != nil {
			return nil, err
		}
		m.ID = models.Int64(id)
		m.Type = models.MessageType(strings.ToUpper(typ))
		m.CreatedAt = m.CreatedAt.UTC()
		if read {
			m.ReadState = models.Read
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func (s *PostgresStore) SaveMessage(ctx context.Context, senderID int64, req models.SendRequest) (models.Message, error) {
	if !req.Valid() {
		return models.Message{}, ErrInvalidSend
	}
	if senderID == req.ReceiverID {
		return models.Message{}, ErrSelfMessage
	}
	sender, err := s.UserByID(ctx, senderID)
	if err != nil {
		return models.Message{}, err
	}
	receiver, err := s.UserByID(ctx, req.ReceiverID)
	if err != nil {
		return models.Message{}, err
	}
	if !receiver.AllowPublicMessages {
		var history bool
		err := s.db.QueryRowContext(ctx, `
			SELECT EXISTS (SELECT 1 FROM messages
			WHERE (sender_id = $1 AND receiver_id = $2) OR (sender_id = $2 AND receiver_id = $1))
		`, senderID, receiver.ID).Scan(&history)
		if err != nil {
			return models.Message{}, err
		}
		if !history {
			return models.Message{}, ErrNotEligible
		}
	}

	m := models.Message{
		SenderID:       sender.ID,
		SenderUsername: sender.Username,
		SenderAvatar:   sender.AvatarURL,
		ReceiverID:     receiver.ID,
		Content:        req.Content,
		Type:           req.Type,
		AttachmentRef:  req.AttachmentRef,
	}
	var id int64
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO messages (sender_id, receiver_id, content, type, attachment_url)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at
	`, m.SenderID, m.ReceiverID, m.Content, string(m.Type), m.AttachmentRef).Scan(&id, &m.CreatedAt)
	if err != nil {
		return models.Message{}, err
	}
	m.ID = models.Int64(id)
	m.CreatedAt = m.CreatedAt.UTC()
	return m, nil
}

func (s *PostgresStore) MarkRead(ctx context.Context, userID, otherID int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE messages SET is_read = TRUE
		WHERE receiver_id = $1 AND sender_id = $2 AND NOT is_read
	`, userID, otherID)
	return err
}
