package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/louisbranch/chatline/internal/services/chat/storage"
)

const messageColumns = `id, conversation_id, seq, sender_id, sender_name, content, type, status,
attachments_json, created_at, edited_at, deleted_at`

// AppendMessage assigns the next conversation sequence, inserts the message and
// refreshes the conversation summary in one transaction.
func (s *Store) AppendMessage(ctx context.Context, message storage.Message) (storage.Message, error) {
	if err := s.ready(ctx); err != nil {
		return storage.Message{}, err
	}
	message.ID = strings.TrimSpace(message.ID)
	message.ConversationID = strings.TrimSpace(message.ConversationID)
	if message.ID == "" {
		return storage.Message{}, fmt.Errorf("message id is required")
	}
	if message.ConversationID == "" {
		return storage.Message{}, fmt.Errorf("conversation id is required")
	}
	if message.CreatedAt.IsZero() {
		message.CreatedAt = time.Now().UTC()
	}
	attachments, err := encodeAttachments(message.Attachments)
	if err != nil {
		return storage.Message{}, err
	}

	err = s.withTx(ctx, "append message", func(tx *sql.Tx) error {
		var seq int64
		if err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE conversation_id = ?`,
			message.ConversationID,
		).Scan(&seq); err != nil {
			return fmt.Errorf("next sequence: %w", err)
		}
		_, err := tx.ExecContext(ctx, `
INSERT INTO messages (id, conversation_id, seq, sender_id, sender_name, content, type, status, attachments_json, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`,
			message.ID,
			message.ConversationID,
			seq,
			message.SenderID,
			message.SenderName,
			message.Content,
			string(message.Type),
			string(message.Status),
			attachments,
			toMillis(message.CreatedAt),
		)
		if err != nil {
			if isUniqueViolation(err) {
				return storage.ErrAlreadyExists
			}
			return fmt.Errorf("insert message: %w", err)
		}
		result, err := tx.ExecContext(ctx, `
UPDATE conversations SET
    last_message_id = ?,
    last_message_content = ?,
    last_message_sender_id = ?,
    last_message_at = ?,
    updated_at = ?
WHERE id = ?
`,
			message.ID,
			message.Content,
			message.SenderID,
			toMillis(message.CreatedAt),
			toMillis(message.CreatedAt),
			message.ConversationID,
		)
		if err != nil {
			return fmt.Errorf("update conversation summary: %w", err)
		}
		if err := requireAffected(result); err != nil {
			return err
		}
		message.Sequence = seq
		return nil
	})
	if err != nil {
		return storage.Message{}, err
	}
	return message, nil
}

// GetMessage loads one message, including soft-deleted ones.
func (s *Store) GetMessage(ctx context.Context, messageID string) (storage.Message, error) {
	if err := s.ready(ctx); err != nil {
		return storage.Message{}, err
	}
	return getMessage(ctx, s.sqlDB, strings.TrimSpace(messageID))
}

// UpdateMessageContent rewrites content of a live message owned by senderID.
func (s *Store) UpdateMessageContent(ctx context.Context, messageID string, senderID string, content string, editedAt time.Time) (storage.Message, error) {
	if err := s.ready(ctx); err != nil {
		return storage.Message{}, err
	}
	var updated storage.Message
	err := s.withTx(ctx, "edit message", func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
UPDATE messages SET content = ?, edited_at = ?
WHERE id = ? AND sender_id = ? AND deleted_at IS NULL
`, content, toMillis(editedAt), messageID, senderID)
		if err != nil {
			return fmt.Errorf("edit message: %w", err)
		}
		if err := requireAffected(result); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
UPDATE conversations SET last_message_content = ?
WHERE last_message_id = ?
`, content, messageID); err != nil {
			return fmt.Errorf("update conversation summary: %w", err)
		}
		updated, err = getMessage(ctx, tx, messageID)
		return err
	})
	if err != nil {
		return storage.Message{}, err
	}
	return updated, nil
}

// SoftDeleteMessage marks a live message owned by senderID deleted. When it was
// the conversation summary, the summary falls back to the newest live message.
func (s *Store) SoftDeleteMessage(ctx context.Context, messageID string, senderID string, deletedAt time.Time) (storage.Message, error) {
	if err := s.ready(ctx); err != nil {
		return storage.Message{}, err
	}
	var deleted storage.Message
	err := s.withTx(ctx, "delete message", func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
UPDATE messages SET deleted_at = ?
WHERE id = ? AND sender_id = ? AND deleted_at IS NULL
`, toMillis(deletedAt), messageID, senderID)
		if err != nil {
			return fmt.Errorf("delete message: %w", err)
		}
		if err := requireAffected(result); err != nil {
			return err
		}
		deleted, err = getMessage(ctx, tx, messageID)
		if err != nil {
			return err
		}
		return refreshSummary(ctx, tx, deleted.ConversationID, messageID)
	})
	if err != nil {
		return storage.Message{}, err
	}
	return deleted, nil
}

func refreshSummary(ctx context.Context, q queryer, conversationID string, removedID string) error {
	var current string
	if err := q.QueryRowContext(ctx, `SELECT last_message_id FROM conversations WHERE id = ?`, conversationID).Scan(&current); err != nil {
		return fmt.Errorf("read conversation summary: %w", err)
	}
	if current != removedID {
		return nil
	}
	var (
		id, content, sender string
		createdAt           int64
	)
	err := q.QueryRowContext(ctx, `
SELECT id, content, sender_id, created_at FROM messages
WHERE conversation_id = ? AND deleted_at IS NULL
ORDER BY seq DESC LIMIT 1
`, conversationID).Scan(&id, &content, &sender, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		id, content, sender, createdAt = "", "", "", 0
	} else if err != nil {
		return fmt.Errorf("find previous message: %w", err)
	}
	_, err = q.ExecContext(ctx, `
UPDATE conversations SET last_message_id = ?, last_message_content = ?, last_message_sender_id = ?, last_message_at = ?
WHERE id = ?
`, id, content, sender, createdAt, conversationID)
	if err != nil {
		return fmt.Errorf("update conversation summary: %w", err)
	}
	return nil
}

// AddReaction appends a reaction to a live message. Repeating the same emoji
// for the same user is a no-op.
func (s *Store) AddReaction(ctx context.Context, messageID string, reaction storage.Reaction) (storage.Message, error) {
	if err := s.ready(ctx); err != nil {
		return storage.Message{}, err
	}
	if reaction.CreatedAt.IsZero() {
		reaction.CreatedAt = time.Now().UTC()
	}
	var message storage.Message
	err := s.withTx(ctx, "add reaction", func(tx *sql.Tx) error {
		if err := requireLiveMessage(ctx, tx, messageID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
INSERT OR IGNORE INTO message_reactions (message_id, user_id, emoji, created_at)
VALUES (?, ?, ?, ?)
`, messageID, reaction.UserID, reaction.Emoji, toMillis(reaction.CreatedAt)); err != nil {
			return fmt.Errorf("insert reaction: %w", err)
		}
		var err error
		message, err = getMessage(ctx, tx, messageID)
		return err
	})
	if err != nil {
		return storage.Message{}, err
	}
	return message, nil
}

// MarkRead records a read receipt on a live message once per user.
func (s *Store) MarkRead(ctx context.Context, messageID string, receipt storage.ReadReceipt) (storage.Message, error) {
	if err := s.ready(ctx); err != nil {
		return storage.Message{}, err
	}
	if receipt.ReadAt.IsZero() {
		receipt.ReadAt = time.Now().UTC()
	}
	var message storage.Message
	err := s.withTx(ctx, "mark read", func(tx *sql.Tx) error {
		if err := requireLiveMessage(ctx, tx, messageID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
INSERT OR IGNORE INTO message_reads (message_id, user_id, read_at)
VALUES (?, ?, ?)
`, messageID, receipt.UserID, toMillis(receipt.ReadAt)); err != nil {
			return fmt.Errorf("insert read receipt: %w", err)
		}
		var err error
		message, err = getMessage(ctx, tx, messageID)
		return err
	})
	if err != nil {
		return storage.Message{}, err
	}
	return message, nil
}

// ListMessages returns live messages before beforeSequence, newest first.
func (s *Store) ListMessages(ctx context.Context, conversationID string, beforeSequence int64, limit int) ([]storage.Message, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be greater than zero")
	}
	query := `SELECT ` + messageColumns + ` FROM messages WHERE conversation_id = ? AND deleted_at IS NULL`
	args := []any{strings.TrimSpace(conversationID)}
	if beforeSequence > 0 {
		query += ` AND seq < ?`
		args = append(args, beforeSequence)
	}
	query += ` ORDER BY seq DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.sqlDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	messages := make([]storage.Message, 0, limit)
	for rows.Next() {
		message, err := scanMessage(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, message)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	if err := hydrate(ctx, s.sqlDB, messages); err != nil {
		return nil, err
	}
	return messages, nil
}

func requireLiveMessage(ctx context.Context, q queryer, messageID string) error {
	var found int
	err := q.QueryRowContext(ctx, `SELECT 1 FROM messages WHERE id = ? AND deleted_at IS NULL`, messageID).Scan(&found)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("check message: %w", err)
	}
	return nil
}

func getMessage(ctx context.Context, q queryer, messageID string) (storage.Message, error) {
	row := q.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, messageID)
	message, err := scanMessage(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.Message{}, storage.ErrNotFound
		}
		return storage.Message{}, fmt.Errorf("get message: %w", err)
	}
	messages := []storage.Message{message}
	if err := hydrate(ctx, q, messages); err != nil {
		return storage.Message{}, err
	}
	return messages[0], nil
}

// hydrate attaches reactions and read receipts to messages in place.
func hydrate(ctx context.Context, q queryer, messages []storage.Message) error {
	if len(messages) == 0 {
		return nil
	}
	index := make(map[string]int, len(messages))
	args := make([]any, 0, len(messages))
	for i, message := range messages {
		index[message.ID] = i
		args = append(args, message.ID)
	}
	in := placeholders(len(args))

	rows, err := q.QueryContext(ctx, `
SELECT message_id, user_id, emoji, created_at FROM message_reactions
WHERE message_id IN (`+in+`)
ORDER BY created_at ASC, user_id ASC
`, args...)
	if err != nil {
		return fmt.Errorf("list reactions: %w", err)
	}
	for rows.Next() {
		var (
			messageID string
			reaction  storage.Reaction
			createdAt int64
		)
		if err := rows.Scan(&messageID, &reaction.UserID, &reaction.Emoji, &createdAt); err != nil {
			rows.Close()
			return fmt.Errorf("scan reaction: %w", err)
		}
		reaction.CreatedAt = fromMillis(createdAt)
		i := index[messageID]
		messages[i].Reactions = append(messages[i].Reactions, reaction)
	}
	if err := rows.Close(); err != nil {
		return fmt.Errorf("close reactions: %w", err)
	}

	rows, err = q.QueryContext(ctx, `
SELECT message_id, user_id, read_at FROM message_reads
WHERE message_id IN (`+in+`)
ORDER BY read_at ASC, user_id ASC
`, args...)
	if err != nil {
		return fmt.Errorf("list read receipts: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			messageID string
			receipt   storage.ReadReceipt
			readAt    int64
		)
		if err := rows.Scan(&messageID, &receipt.UserID, &readAt); err != nil {
			return fmt.Errorf("scan read receipt: %w", err)
		}
		receipt.ReadAt = fromMillis(readAt)
		i := index[messageID]
		messages[i].ReadBy = append(messages[i].ReadBy, receipt)
	}
	return rows.Err()
}

func scanMessage(scan func(dest ...any) error) (storage.Message, error) {
	var (
		message     storage.Message
		messageType string
		status      string
		attachments string
		createdAt   int64
		editedAt    sql.NullInt64
		deletedAt   sql.NullInt64
	)
	if err := scan(
		&message.ID,
		&message.ConversationID,
		&message.Sequence,
		&message.SenderID,
		&message.SenderName,
		&message.Content,
		&messageType,
		&status,
		&attachments,
		&createdAt,
		&editedAt,
		&deletedAt,
	); err != nil {
		return storage.Message{}, err
	}
	message.Type = storage.MessageType(messageType)
	message.Status = storage.MessageStatus(status)
	message.CreatedAt = fromMillis(createdAt)
	message.EditedAt = fromNullMillis(editedAt)
	message.DeletedAt = fromNullMillis(deletedAt)
	if attachments != "" && attachments != "[]" {
		if err := json.Unmarshal([]byte(attachments), &message.Attachments); err != nil {
			return storage.Message{}, fmt.Errorf("decode attachments: %w", err)
		}
	}
	return message, nil
}

func encodeAttachments(attachments []storage.Attachment) (string, error) {
	if len(attachments) == 0 {
		return "[]", nil
	}
	data, err := json.Marshal(attachments)
	if err != nil {
		return "", fmt.Errorf("encode attachments: %w", err)
	}
	return string(data), nil
}
