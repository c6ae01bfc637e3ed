package chat

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"relaychat/pkg/protocol"
)

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) SaveMessage(ctx context.Context, m protocol.Message) error {
	query := `INSERT INTO messages (id, sender_id, receiver_id, content, created_at, is_read)
		VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := r.db.ExecContext(ctx, query, m.ID, m.SenderID, m.ReceiverID, m.Content, m.Timestamp, m.IsRead)
	if err != nil {
		return fmt.Errorf("save message %s: %w", m.ID, err)
	}
	return nil
}

// Conversations returns one row per counterparty of self, most recent first, with the
// latest message of each conversation.
func (r *Repository) Conversations(ctx context.Context, self int64) ([]protocol.ConversationSummary, error) {
	query := `
		SELECT u.id, u.username, u.phone, u.is_online, u.last_seen, c.created_at, c.content
		FROM (
			SELECT DISTINCT ON (other) other, created_at, content
			FROM (
				SELECT CASE WHEN sender_id = $1 THEN receiver_id ELSE sender_id END AS other,
				       created_at, content
				FROM messages
				WHERE sender_id = $1 OR receiver_id = $1
			) m
			ORDER BY other, created_at DESC
		) c
		JOIN users u ON u.id = c.other
		WHERE u.id <> $1
		ORDER BY c.created_at DESC
	`
	rows, err := r.db.QueryContext(ctx, query, self)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	list := []protocol.ConversationSummary{}
	for rows.Next() {
		var s protocol.ConversationSummary
		var lastSeen, lastMessage sql.NullTime
		if err := rows.Scan(&s.ContactID, &s.Username, &s.Phone, &s.IsOnline, &lastSeen, &lastMessage, &s.LastMessagePreview); err != nil {
			return nil, err
		}
		if lastSeen.Valid {
			s.LastSeen = &lastSeen.Time
		}
		if lastMessage.Valid {
			s.LastMessageTime = &lastMessage.Time
		}
		list = append(list, s)
	}
	return list, rows.Err()
}

// History returns every message exchanged between self and other, oldest first.
func (r *Repository) History(ctx context.Context, self, other int64) ([]protocol.Message, error) {
	var exists bool
	if err := r.db.QueryRowContext(ctx, "SELECT EXISTS (SELECT 1 FROM users WHERE id = $1)", other).Scan(&exists); err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrNotFound
	}

	query := `
		SELECT id, sender_id, receiver_id, content, created_at, is_read
		FROM messages
		WHERE (sender_id = $1 AND receiver_id = $2) OR (sender_id = $2 AND receiver_id = $1)
		ORDER BY created_at ASC, id ASC
	`
	rows, err := r.db.QueryContext(ctx, query, self, other)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := []protocol.Message{}
	for rows.Next() {
		var m protocol.Message
		if err := rows.Scan(&m.ID, &m.SenderID, &m.ReceiverID, &m.Content, &m.Timestamp, &m.IsRead); err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// MarkConversationRead marks everything sender sent to reader as read.
func (r *Repository) MarkConversationRead(ctx context.Context, reader, sender int64) error {
	_, err := r.db.ExecContext(ctx,
		"UPDATE messages SET is_read = TRUE WHERE sender_id = $1 AND receiver_id = $2 AND NOT is_read",
		sender, reader)
	return err
}

// MarkRead marks one message read. Only its receiver may do so.
func (r *Repository) MarkRead(ctx context.Context, messageID string, reader int64) error {
	var receiver int64
	err := r.db.QueryRowContext(ctx, "SELECT receiver_id FROM messages WHERE id = $1", messageID).Scan(&receiver)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}
	if receiver != reader {
		return ErrForbidden
	}
	_, err = r.db.ExecContext(ctx, "UPDATE messages SET is_read = TRUE WHERE id = $1", messageID)
	return err
}
