package server

import (
	"encoding/json"
	"time"

	"github.com/louisbranch/chatline/internal/services/chat/storage"
)

// Inbound frame types.
const (
	frameJoinConversation  = "join-conversation"
	frameLeaveConversation = "leave-conversation"
	frameSendMessage       = "send-message"
	frameEditMessage       = "edit-message"
	frameDeleteMessage     = "delete-message"
	frameTyping            = "typing"
	frameCreateDirect      = "create-direct-conversation"
	frameLoadHistory       = "load-history"
	frameReactMessage      = "react-message"
	frameMarkRead          = "mark-read"
	frameHeartbeat         = "heartbeat"
	frameUpdateStatus      = "update-status"
	frameCreateGroup       = "create-group-conversation"
	frameListConversations = "list-conversations"
	frameAddParticipant    = "add-participant"
	frameLeaveMembership   = "leave-membership"
	frameArchive           = "archive-conversation"
)

// Outbound event types.
const (
	frameAck            = "ack"
	eventNewMessage     = "new-message"
	eventMessageUpdated = "message-updated"
	eventMessageDeleted = "message-deleted"
	eventUserJoined     = "user-joined"
	eventUserLeft       = "user-left"
	eventUserTyping     = "user-typing"
	eventReactionAdded  = "reaction-added"
	eventMessageRead    = "message-read"

	eventParticipantAdded    = "participant-added"
	eventConversationArchive = "conversation-archived"
)

const (
	wireCodeInvalidArgument = "INVALID_ARGUMENT"
	wireCodeExhausted       = "RESOURCE_EXHAUSTED"
	wireCodeInternal        = "INTERNAL"
)

type wsFrame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

type wsError struct {
	Code      string            `json:"code"`
	Message   string            `json:"message"`
	Retryable bool              `json:"retryable"`
	Details   map[string]string `json:"details,omitempty"`
}

type ackPayload struct {
	OK            bool               `json:"ok"`
	Message       *messageView       `json:"message,omitempty"`
	Conversation  *conversationView  `json:"conversation,omitempty"`
	Conversations []conversationView `json:"conversations,omitempty"`
	History       *historyView       `json:"history,omitempty"`
	Error         *wsError           `json:"error,omitempty"`
}

type conversationRequest struct {
	ConversationID string `json:"conversationId"`
}

type sendMessageRequest struct {
	ConversationID string               `json:"conversationId"`
	Content        string               `json:"content"`
	Type           string               `json:"type,omitempty"`
	Attachments    []storage.Attachment `json:"attachments,omitempty"`
}

type editMessageRequest struct {
	MessageID string `json:"messageId"`
	Content   string `json:"content"`
}

type messageRequest struct {
	MessageID string `json:"messageId"`
}

type typingRequest struct {
	ConversationID string `json:"conversationId"`
	IsTyping       bool   `json:"isTyping"`
}

type createDirectRequest struct {
	ParticipantID string `json:"participantId"`
}

type createGroupRequest struct {
	Kind           string   `json:"kind,omitempty"`
	Name           string   `json:"name"`
	ParticipantIDs []string `json:"participantIds,omitempty"`
}

type listConversationsRequest struct {
	Limit int `json:"limit,omitempty"`
}

type addParticipantRequest struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	DisplayName    string `json:"displayName,omitempty"`
}

type loadHistoryRequest struct {
	ConversationID string `json:"conversationId"`
	BeforeSequence int64  `json:"beforeSequence,omitempty"`
	Limit          int    `json:"limit,omitempty"`
}

type reactRequest struct {
	MessageID string `json:"messageId"`
	Emoji     string `json:"emoji"`
}

type statusRequest struct {
	Status string `json:"status"`
}

type reactionView struct {
	UserID    string    `json:"userId"`
	Emoji     string    `json:"emoji"`
	Timestamp time.Time `json:"timestamp"`
}

type readView struct {
	UserID string    `json:"userId"`
	ReadAt time.Time `json:"readAt"`
}

type messageView struct {
	ID             string                `json:"id"`
	ConversationID string                `json:"conversationId"`
	Sequence       int64                 `json:"sequence"`
	SenderID       string                `json:"senderId"`
	SenderName     string                `json:"senderName"`
	Content        string                `json:"content"`
	Type           storage.MessageType   `json:"type"`
	Status         storage.MessageStatus `json:"status"`
	Attachments    []storage.Attachment  `json:"attachments"`
	Reactions      []reactionView        `json:"reactions"`
	ReadBy         []readView            `json:"readBy"`
	CreatedAt      time.Time             `json:"createdAt"`
	EditedAt       *time.Time            `json:"editedAt,omitempty"`
}

type participantView struct {
	UserID      string                  `json:"userId"`
	DisplayName string                  `json:"displayName"`
	Role        storage.ParticipantRole `json:"role"`
	JoinedAt    time.Time               `json:"joinedAt"`
	IsActive    bool                    `json:"isActive"`
}

type lastMessageView struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	SenderID  string    `json:"senderId"`
	Timestamp time.Time `json:"timestamp"`
}

type conversationView struct {
	ID           string                   `json:"id"`
	Kind         storage.ConversationKind `json:"kind"`
	Name         string                   `json:"name,omitempty"`
	CreatedBy    string                   `json:"createdBy"`
	Participants []participantView        `json:"participants"`
	LastMessage  *lastMessageView         `json:"lastMessage,omitempty"`
	Archived     bool                     `json:"archived"`
	CreatedAt    time.Time                `json:"createdAt"`
	UpdatedAt    time.Time                `json:"updatedAt"`
}

type historyView struct {
	ConversationID string        `json:"conversationId"`
	Messages       []messageView `json:"messages"`
}

type userJoinedPayload struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	UserName       string `json:"userName"`
}

type userLeftPayload struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
}

type participantAddedPayload struct {
	ConversationID string          `json:"conversationId"`
	Participant    participantView `json:"participant"`
}

type conversationArchivedPayload struct {
	ConversationID string `json:"conversationId"`
	ArchivedBy     string `json:"archivedBy"`
}

type userTypingPayload struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	IsTyping       bool   `json:"isTyping"`
}

type messageDeletedPayload struct {
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId"`
}

type reactionAddedPayload struct {
	ConversationID string       `json:"conversationId"`
	MessageID      string       `json:"messageId"`
	Reaction       reactionView `json:"reaction"`
}

type messageReadPayload struct {
	ConversationID string    `json:"conversationId"`
	MessageID      string    `json:"messageId"`
	UserID         string    `json:"userId"`
	ReadAt         time.Time `json:"readAt"`
}

func newMessageView(m storage.Message) messageView {
	view := messageView{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		Sequence:       m.Sequence,
		SenderID:       m.SenderID,
		SenderName:     m.SenderName,
		Content:        m.Content,
		Type:           m.Type,
		Status:         m.Status,
		Attachments:    m.Attachments,
		Reactions:      make([]reactionView, 0, len(m.Reactions)),
		ReadBy:         make([]readView, 0, len(m.ReadBy)),
		CreatedAt:      m.CreatedAt,
		EditedAt:       m.EditedAt,
	}
	if view.Attachments == nil {
		view.Attachments = []storage.Attachment{}
	}
	for _, r := range m.Reactions {
		view.Reactions = append(view.Reactions, reactionView{UserID: r.UserID, Emoji: r.Emoji, Timestamp: r.CreatedAt})
	}
	for _, r := range m.ReadBy {
		view.ReadBy = append(view.ReadBy, readView{UserID: r.UserID, ReadAt: r.ReadAt})
	}
	return view
}

func newConversationView(c storage.Conversation) conversationView {
	view := conversationView{
		ID:           c.ID,
		Kind:         c.Kind,
		Name:         c.Name,
		CreatedBy:    c.CreatedBy,
		Participants: make([]participantView, 0, len(c.Participants)),
		Archived:     c.Archived,
		CreatedAt:    c.CreatedAt,
		UpdatedAt:    c.UpdatedAt,
	}
	for _, p := range c.Participants {
		view.Participants = append(view.Participants, newParticipantView(p))
	}
	if c.LastMessage != nil {
		view.LastMessage = &lastMessageView{
			ID:        c.LastMessage.ID,
			Content:   c.LastMessage.Content,
			SenderID:  c.LastMessage.SenderID,
			Timestamp: c.LastMessage.Timestamp,
		}
	}
	return view
}

func newParticipantView(p storage.Participant) participantView {
	return participantView{
		UserID:      p.UserID,
		DisplayName: p.DisplayName,
		Role:        p.Role,
		JoinedAt:    p.JoinedAt,
		IsActive:    p.IsActive,
	}
}
