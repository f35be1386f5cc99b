package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/louisbranch/chatline/internal/services/chat/storage"
)

const conversationColumns = `id, kind, name, created_by, direct_key, archived,
last_message_id, last_message_content, last_message_sender_id, last_message_at,
created_at, updated_at`

// CreateConversation inserts a conversation and its participants in one transaction.
func (s *Store) CreateConversation(ctx context.Context, conversation storage.Conversation) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	conversation.ID = strings.TrimSpace(conversation.ID)
	if conversation.ID == "" {
		return fmt.Errorf("conversation id is required")
	}
	if !conversation.Kind.Valid() {
		return fmt.Errorf("conversation kind %q is invalid", conversation.Kind)
	}
	if conversation.Kind == storage.ConversationKindDirect && conversation.DirectKey == "" {
		return fmt.Errorf("direct key is required for direct conversations")
	}
	if conversation.CreatedAt.IsZero() {
		conversation.CreatedAt = time.Now().UTC()
	}
	if conversation.UpdatedAt.IsZero() {
		conversation.UpdatedAt = conversation.CreatedAt
	}

	return s.withTx(ctx, "create conversation", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
INSERT INTO conversations (id, kind, name, created_by, direct_key, archived, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
`,
			conversation.ID,
			string(conversation.Kind),
			conversation.Name,
			conversation.CreatedBy,
			conversation.DirectKey,
			boolInt(conversation.Archived),
			toMillis(conversation.CreatedAt),
			toMillis(conversation.UpdatedAt),
		)
		if err != nil {
			if isUniqueViolation(err) {
				return storage.ErrAlreadyExists
			}
			return fmt.Errorf("insert conversation: %w", err)
		}
		for _, participant := range conversation.Participants {
			if err := insertParticipant(ctx, tx, conversation.ID, participant, conversation.CreatedAt); err != nil {
				return err
			}
		}
		return nil
	})
}

func insertParticipant(ctx context.Context, q queryer, conversationID string, participant storage.Participant, fallbackJoinedAt time.Time) error {
	participant.UserID = strings.TrimSpace(participant.UserID)
	if participant.UserID == "" {
		return fmt.Errorf("participant user id is required")
	}
	if participant.Role == "" {
		participant.Role = storage.ParticipantRoleMember
	}
	if participant.JoinedAt.IsZero() {
		participant.JoinedAt = fallbackJoinedAt
	}
	_, err := q.ExecContext(ctx, `
INSERT INTO participants (conversation_id, user_id, display_name, role, joined_at, is_active)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (conversation_id, user_id) DO UPDATE SET
    display_name = excluded.display_name,
    role = excluded.role,
    joined_at = excluded.joined_at,
    is_active = excluded.is_active
`,
		conversationID,
		participant.UserID,
		participant.DisplayName,
		string(participant.Role),
		toMillis(participant.JoinedAt),
		boolInt(participant.IsActive),
	)
	if err != nil {
		return fmt.Errorf("put participant %s: %w", participant.UserID, err)
	}
	return nil
}

// GetConversation loads one conversation with participants.
func (s *Store) GetConversation(ctx context.Context, conversationID string) (storage.Conversation, error) {
	if err := s.ready(ctx); err != nil {
		return storage.Conversation{}, err
	}
	row := s.sqlDB.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, strings.TrimSpace(conversationID))
	return s.loadConversation(ctx, row)
}

// FindDirectConversation loads the non-archived direct conversation for directKey.
func (s *Store) FindDirectConversation(ctx context.Context, directKey string) (storage.Conversation, error) {
	if err := s.ready(ctx); err != nil {
		return storage.Conversation{}, err
	}
	if strings.TrimSpace(directKey) == "" {
		return storage.Conversation{}, storage.ErrNotFound
	}
	row := s.sqlDB.QueryRowContext(ctx, `
SELECT `+conversationColumns+`
FROM conversations
WHERE kind = 'direct' AND archived = 0 AND direct_key = ?
`, directKey)
	return s.loadConversation(ctx, row)
}

func (s *Store) loadConversation(ctx context.Context, row *sql.Row) (storage.Conversation, error) {
	conversation, err := scanConversation(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.Conversation{}, storage.ErrNotFound
		}
		return storage.Conversation{}, fmt.Errorf("get conversation: %w", err)
	}
	participants, err := listParticipants(ctx, s.sqlDB, conversation.ID)
	if err != nil {
		return storage.Conversation{}, err
	}
	conversation.Participants = participants
	return conversation, nil
}

// ListConversationsForUser lists non-archived conversations the user actively
// participates in, most recently updated first.
func (s *Store) ListConversationsForUser(ctx context.Context, userID string, limit int) ([]storage.Conversation, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("user id is required")
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be greater than zero")
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT c.id, c.kind, c.name, c.created_by, c.direct_key, c.archived,
       c.last_message_id, c.last_message_content, c.last_message_sender_id, c.last_message_at,
       c.created_at, c.updated_at
FROM conversations c
JOIN participants p ON p.conversation_id = c.id
WHERE p.user_id = ? AND p.is_active = 1 AND c.archived = 0
ORDER BY c.updated_at DESC, c.id ASC
LIMIT ?
`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	conversations := make([]storage.Conversation, 0, limit)
	for rows.Next() {
		conversation, err := scanConversation(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		conversations = append(conversations, conversation)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversations: %w", err)
	}
	for i := range conversations {
		participants, err := listParticipants(ctx, s.sqlDB, conversations[i].ID)
		if err != nil {
			return nil, err
		}
		conversations[i].Participants = participants
	}
	return conversations, nil
}

// GetParticipant loads one participant row regardless of its active flag.
func (s *Store) GetParticipant(ctx context.Context, conversationID string, userID string) (storage.Participant, error) {
	if err := s.ready(ctx); err != nil {
		return storage.Participant{}, err
	}
	row := s.sqlDB.QueryRowContext(ctx, `
SELECT user_id, display_name, role, joined_at, is_active
FROM participants
WHERE conversation_id = ? AND user_id = ?
`, strings.TrimSpace(conversationID), strings.TrimSpace(userID))
	participant, err := scanParticipant(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.Participant{}, storage.ErrNotFound
		}
		return storage.Participant{}, fmt.Errorf("get participant: %w", err)
	}
	return participant, nil
}

// PutParticipant inserts or reactivates a participant of an existing conversation.
func (s *Store) PutParticipant(ctx context.Context, conversationID string, participant storage.Participant) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	conversationID = strings.TrimSpace(conversationID)
	now := time.Now().UTC()
	return s.withTx(ctx, "put participant", func(tx *sql.Tx) error {
		if err := touchConversation(ctx, tx, conversationID, now); err != nil {
			return err
		}
		return insertParticipant(ctx, tx, conversationID, participant, now)
	})
}

// DeactivateParticipant marks a participant inactive.
func (s *Store) DeactivateParticipant(ctx context.Context, conversationID string, userID string, at time.Time) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE participants SET is_active = 0
WHERE conversation_id = ? AND user_id = ? AND is_active = 1
`, strings.TrimSpace(conversationID), strings.TrimSpace(userID))
	if err != nil {
		return fmt.Errorf("deactivate participant: %w", err)
	}
	if err := requireAffected(result); err != nil {
		return err
	}
	_, err = s.sqlDB.ExecContext(ctx, `UPDATE conversations SET updated_at = ? WHERE id = ?`, toMillis(at), conversationID)
	if err != nil {
		return fmt.Errorf("touch conversation: %w", err)
	}
	return nil
}

// ArchiveConversation flags a conversation archived. Archiving frees the
// direct key for a new direct conversation.
func (s *Store) ArchiveConversation(ctx context.Context, conversationID string, at time.Time) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE conversations SET archived = 1, updated_at = ?
WHERE id = ? AND archived = 0
`, toMillis(at), strings.TrimSpace(conversationID))
	if err != nil {
		return fmt.Errorf("archive conversation: %w", err)
	}
	return requireAffected(result)
}

func touchConversation(ctx context.Context, q queryer, conversationID string, at time.Time) error {
	result, err := q.ExecContext(ctx, `UPDATE conversations SET updated_at = ? WHERE id = ?`, toMillis(at), conversationID)
	if err != nil {
		return fmt.Errorf("touch conversation: %w", err)
	}
	return requireAffected(result)
}

func requireAffected(result sql.Result) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func listParticipants(ctx context.Context, q queryer, conversationID string) ([]storage.Participant, error) {
	rows, err := q.QueryContext(ctx, `
SELECT user_id, display_name, role, joined_at, is_active
FROM participants
WHERE conversation_id = ?
ORDER BY joined_at ASC, user_id ASC
`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	defer rows.Close()

	var participants []storage.Participant
	for rows.Next() {
		participant, err := scanParticipant(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan participant: %w", err)
		}
		participants = append(participants, participant)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate participants: %w", err)
	}
	return participants, nil
}

func scanConversation(scan func(dest ...any) error) (storage.Conversation, error) {
	var (
		conversation storage.Conversation
		kind         string
		archived     int
		lastID       string
		lastContent  string
		lastSender   string
		lastAt       int64
		createdAt    int64
		updatedAt    int64
	)
	if err := scan(
		&conversation.ID,
		&kind,
		&conversation.Name,
		&conversation.CreatedBy,
		&conversation.DirectKey,
		&archived,
		&lastID,
		&lastContent,
		&lastSender,
		&lastAt,
		&createdAt,
		&updatedAt,
	); err != nil {
		return storage.Conversation{}, err
	}
	conversation.Kind = storage.ConversationKind(kind)
	conversation.Archived = archived == 1
	conversation.CreatedAt = fromMillis(createdAt)
	conversation.UpdatedAt = fromMillis(updatedAt)
	if lastID != "" {
		conversation.LastMessage = &storage.LastMessage{
			ID:        lastID,
			Content:   lastContent,
			SenderID:  lastSender,
			Timestamp: fromMillis(lastAt),
		}
	}
	return conversation, nil
}

func scanParticipant(scan func(dest ...any) error) (storage.Participant, error) {
	var (
		participant storage.Participant
		role        string
		joinedAt    int64
		active      int
	)
	if err := scan(&participant.UserID, &participant.DisplayName, &role, &joinedAt, &active); err != nil {
		return storage.Participant{}, err
	}
	participant.Role = storage.ParticipantRole(role)
	participant.JoinedAt = fromMillis(joinedAt)
	participant.IsActive = active == 1
	return participant, nil
}
