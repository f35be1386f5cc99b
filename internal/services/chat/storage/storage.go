package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound indicates a requested conversation, participant or message is missing.
	ErrNotFound = errors.New("record not found")
	// ErrAlreadyExists indicates a write lost a uniqueness race.
	ErrAlreadyExists = errors.New("record already exists")
)

// ConversationKind identifies how a conversation was created.
type ConversationKind string

const (
	// ConversationKindDirect is a two-person conversation keyed by its pair.
	ConversationKindDirect ConversationKind = "direct"
	// ConversationKindGroup is a named conversation with invited members.
	ConversationKindGroup ConversationKind = "group"
	// ConversationKindChannel is a named broadcast-style conversation.
	ConversationKindChannel ConversationKind = "channel"
)

// Valid reports whether k is a known kind.
func (k ConversationKind) Valid() bool {
	switch k {
	case ConversationKindDirect, ConversationKindGroup, ConversationKindChannel:
		return true
	}
	return false
}

// ParticipantRole is a member's privilege within one conversation.
type ParticipantRole string

const (
	ParticipantRoleAdmin     ParticipantRole = "admin"
	ParticipantRoleModerator ParticipantRole = "moderator"
	ParticipantRoleMember    ParticipantRole = "member"
)

// MessageType classifies message content.
type MessageType string

const (
	MessageTypeText   MessageType = "text"
	MessageTypeImage  MessageType = "image"
	MessageTypeVideo  MessageType = "video"
	MessageTypeFile   MessageType = "file"
	MessageTypeAudio  MessageType = "audio"
	MessageTypeSystem MessageType = "system"
)

// Valid reports whether t is a known message type.
func (t MessageType) Valid() bool {
	switch t {
	case MessageTypeText, MessageTypeImage, MessageTypeVideo, MessageTypeFile, MessageTypeAudio, MessageTypeSystem:
		return true
	}
	return false
}

// MessageStatus is the delivery lifecycle state of a message.
type MessageStatus string

const (
	MessageStatusSending   MessageStatus = "sending"
	MessageStatusSent      MessageStatus = "sent"
	MessageStatusDelivered MessageStatus = "delivered"
	MessageStatusRead      MessageStatus = "read"
	MessageStatusFailed    MessageStatus = "failed"
)

// Participant is one member of a conversation.
type Participant struct {
	UserID      string
	DisplayName string
	Role        ParticipantRole
	JoinedAt    time.Time
	IsActive    bool
}

// LastMessage summarizes the newest visible message of a conversation.
type LastMessage struct {
	ID        string
	Content   string
	SenderID  string
	Timestamp time.Time
}

// Conversation is one chat room record.
type Conversation struct {
	ID        string
	Kind      ConversationKind
	Name      string
	CreatedBy string
	// DirectKey is the canonical sorted pair for direct conversations.
	DirectKey    string
	Participants []Participant
	LastMessage  *LastMessage
	Archived     bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// ActiveParticipant returns the active participant for userID.
func (c Conversation) ActiveParticipant(userID string) (Participant, bool) {
	for _, p := range c.Participants {
		if p.UserID == userID && p.IsActive {
			return p, true
		}
	}
	return Participant{}, false
}

// Attachment references externally stored content.
type Attachment struct {
	URL      string `json:"url"`
	Name     string `json:"name"`
	Size     int64  `json:"size"`
	MimeType string `json:"mimeType"`
}

// Reaction is one emoji reaction on a message.
type Reaction struct {
	UserID    string
	Emoji     string
	CreatedAt time.Time
}

// ReadReceipt records that a user read a message.
type ReadReceipt struct {
	UserID string
	ReadAt time.Time
}

// Message is one ledger entry.
type Message struct {
	ID             string
	ConversationID string
	// Sequence is assigned at commit and increases by one per conversation.
	Sequence    int64
	SenderID    string
	SenderName  string
	Content     string
	Type        MessageType
	Status      MessageStatus
	Attachments []Attachment
	Reactions   []Reaction
	ReadBy      []ReadReceipt
	CreatedAt   time.Time
	EditedAt    *time.Time
	DeletedAt   *time.Time
}

// ConversationStore persists conversations and their membership.
type ConversationStore interface {
	// CreateConversation returns ErrAlreadyExists when a non-archived direct
	// conversation already uses the same DirectKey.
	CreateConversation(ctx context.Context, conversation Conversation) error
	GetConversation(ctx context.Context, conversationID string) (Conversation, error)
	FindDirectConversation(ctx context.Context, directKey string) (Conversation, error)
	ListConversationsForUser(ctx context.Context, userID string, limit int) ([]Conversation, error)
	GetParticipant(ctx context.Context, conversationID string, userID string) (Participant, error)
	// PutParticipant inserts or reactivates a participant.
	PutParticipant(ctx context.Context, conversationID string, participant Participant) error
	DeactivateParticipant(ctx context.Context, conversationID string, userID string, at time.Time) error
	ArchiveConversation(ctx context.Context, conversationID string, at time.Time) error
}

// MessageStore persists the message ledger.
type MessageStore interface {
	// AppendMessage assigns Sequence and updates the conversation summary atomically.
	AppendMessage(ctx context.Context, message Message) (Message, error)
	GetMessage(ctx context.Context, messageID string) (Message, error)
	// UpdateMessageContent returns ErrNotFound unless senderID wrote the
	// message and it is not deleted.
	UpdateMessageContent(ctx context.Context, messageID string, senderID string, content string, editedAt time.Time) (Message, error)
	SoftDeleteMessage(ctx context.Context, messageID string, senderID string, deletedAt time.Time) (Message, error)
	AddReaction(ctx context.Context, messageID string, reaction Reaction) (Message, error)
	MarkRead(ctx context.Context, messageID string, receipt ReadReceipt) (Message, error)
	// ListMessages returns visible messages older than beforeSequence, newest
	// first. A zero beforeSequence starts from the newest message.
	ListMessages(ctx context.Context, conversationID string, beforeSequence int64, limit int) ([]Message, error)
}
