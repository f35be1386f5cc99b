// Package ledger validates and records chat messages.
package ledger

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	apperrors "github.com/louisbranch/chatline/internal/platform/errors"
	"github.com/louisbranch/chatline/internal/platform/id"
	"github.com/louisbranch/chatline/internal/platform/requestctx"
	"github.com/louisbranch/chatline/internal/services/chat/storage"
)

const (
	// MaxContentLength bounds message content in runes.
	MaxContentLength = 4000
	// MaxAttachments bounds attachments per message.
	MaxAttachments = 10
	// DefaultHistoryLimit is used when a history request names no limit.
	DefaultHistoryLimit = 50
	// MaxHistoryLimit caps one history page.
	MaxHistoryLimit = 200

	maxEmojiLength = 16
)

// Ledger is the message write and read path.
type Ledger struct {
	store storage.MessageStore
	now   func() time.Time
	newID func() (string, error)
}

// New builds a Ledger over store.
func New(store storage.MessageStore) *Ledger {
	return &Ledger{
		store: store,
		now:   time.Now,
		newID: func() (string, error) { return id.NewPrefixedID("msg_") },
	}
}

// AppendInput is one new message.
type AppendInput struct {
	ConversationID string
	Content        string
	Type           storage.MessageType
	Attachments    []storage.Attachment
}

// Append validates a user message and commits it with the next conversation
// sequence.
func (l *Ledger) Append(ctx context.Context, sender requestctx.Identity, input AppendInput) (storage.Message, error) {
	if input.Type == "" {
		input.Type = storage.MessageTypeText
	}
	if !input.Type.Valid() {
		return storage.Message{}, apperrors.New(apperrors.CodeBadRequest, "unknown message type")
	}
	if input.Type == storage.MessageTypeSystem {
		return storage.Message{}, apperrors.New(apperrors.CodeBadRequest, "system messages cannot be sent by users")
	}
	if strings.TrimSpace(input.ConversationID) == "" {
		return storage.Message{}, apperrors.New(apperrors.CodeBadRequest, "conversation id is required")
	}
	if err := validateContent(input.Content, len(input.Attachments) > 0); err != nil {
		return storage.Message{}, err
	}
	if err := validateAttachments(input.Attachments); err != nil {
		return storage.Message{}, err
	}

	messageID, err := l.newID()
	if err != nil {
		return storage.Message{}, apperrors.Wrap(apperrors.CodeUnavailable, "generate message id", err)
	}
	message, err := l.store.AppendMessage(ctx, storage.Message{
		ID:             messageID,
		ConversationID: input.ConversationID,
		SenderID:       sender.UserID,
		SenderName:     sender.DisplayName(),
		Content:        input.Content,
		Type:           input.Type,
		Status:         storage.MessageStatusSent,
		Attachments:    input.Attachments,
		CreatedAt:      l.now().UTC(),
	})
	if err != nil {
		return storage.Message{}, storeError(err)
	}
	return message, nil
}

// Edit replaces content of a message the caller sent. Missing, deleted or
// foreign messages are all NotFound.
func (l *Ledger) Edit(ctx context.Context, userID string, messageID string, content string) (storage.Message, error) {
	current, err := l.store.GetMessage(ctx, strings.TrimSpace(messageID))
	if err != nil {
		return storage.Message{}, storeError(err)
	}
	if err := validateContent(content, len(current.Attachments) > 0); err != nil {
		return storage.Message{}, err
	}
	message, err := l.store.UpdateMessageContent(ctx, current.ID, userID, content, l.now().UTC())
	if err != nil {
		return storage.Message{}, storeError(err)
	}
	return message, nil
}

// Delete soft-deletes a message the caller sent.
func (l *Ledger) Delete(ctx context.Context, userID string, messageID string) (storage.Message, error) {
	message, err := l.store.SoftDeleteMessage(ctx, strings.TrimSpace(messageID), userID, l.now().UTC())
	if err != nil {
		return storage.Message{}, storeError(err)
	}
	return message, nil
}

// Get loads one live message.
func (l *Ledger) Get(ctx context.Context, messageID string) (storage.Message, error) {
	message, err := l.store.GetMessage(ctx, strings.TrimSpace(messageID))
	if err != nil {
		return storage.Message{}, storeError(err)
	}
	if message.DeletedAt != nil {
		return storage.Message{}, apperrors.New(apperrors.CodeNotFound, "message not found")
	}
	return message, nil
}

// History returns up to limit live messages older than beforeSequence,
// oldest first.
func (l *Ledger) History(ctx context.Context, conversationID string, beforeSequence int64, limit int) ([]storage.Message, error) {
	if beforeSequence < 0 {
		return nil, apperrors.New(apperrors.CodeBadRequest, "before sequence must not be negative")
	}
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}
	messages, err := l.store.ListMessages(ctx, conversationID, beforeSequence, limit)
	if err != nil {
		return nil, storeError(err)
	}
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// React adds an emoji reaction.
func (l *Ledger) React(ctx context.Context, userID string, messageID string, emoji string) (storage.Message, error) {
	emoji = strings.TrimSpace(emoji)
	if emoji == "" || utf8.RuneCountInString(emoji) > maxEmojiLength {
		return storage.Message{}, apperrors.New(apperrors.CodeBadRequest, "emoji is invalid")
	}
	message, err := l.store.AddReaction(ctx, strings.TrimSpace(messageID), storage.Reaction{
		UserID:    userID,
		Emoji:     emoji,
		CreatedAt: l.now().UTC(),
	})
	if err != nil {
		return storage.Message{}, storeError(err)
	}
	return message, nil
}

// MarkRead records a read receipt for userID.
func (l *Ledger) MarkRead(ctx context.Context, userID string, messageID string) (storage.Message, error) {
	message, err := l.store.MarkRead(ctx, strings.TrimSpace(messageID), storage.ReadReceipt{
		UserID: userID,
		ReadAt: l.now().UTC(),
	})
	if err != nil {
		return storage.Message{}, storeError(err)
	}
	return message, nil
}

func validateContent(content string, hasAttachments bool) error {
	if strings.TrimSpace(content) == "" && !hasAttachments {
		return apperrors.New(apperrors.CodeBadRequest, "message content is required")
	}
	if utf8.RuneCountInString(content) > MaxContentLength {
		return apperrors.WithMetadata(apperrors.CodeBadRequest, "message content is too long", map[string]string{
			"max_length": "4000",
		})
	}
	return nil
}

func validateAttachments(attachments []storage.Attachment) error {
	if len(attachments) > MaxAttachments {
		return apperrors.New(apperrors.CodeBadRequest, "too many attachments")
	}
	for _, attachment := range attachments {
		parsed, err := url.Parse(attachment.URL)
		if err != nil || parsed.Host == "" || (parsed.Scheme != "https" && parsed.Scheme != "http") {
			return apperrors.New(apperrors.CodeBadRequest, "attachment url must be absolute http(s)")
		}
		if attachment.Size < 0 {
			return apperrors.New(apperrors.CodeBadRequest, "attachment size must not be negative")
		}
	}
	return nil
}

func storeError(err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return apperrors.Wrap(apperrors.CodeNotFound, "message not found", err)
	}
	if _, ok := apperrors.As(err); ok {
		return err
	}
	return apperrors.Wrap(apperrors.CodeUnavailable, "message store", err)
}
