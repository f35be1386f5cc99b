package server

import (
	"context"
	"encoding/json"
	"log"
	"strings"

	apperrors "github.com/louisbranch/chatline/internal/platform/errors"
	"github.com/louisbranch/chatline/internal/services/chat/directory"
	"github.com/louisbranch/chatline/internal/services/chat/eventbus"
	"github.com/louisbranch/chatline/internal/services/chat/ledger"
	"github.com/louisbranch/chatline/internal/services/chat/presence"
	"github.com/louisbranch/chatline/internal/services/chat/ratelimit"
	"github.com/louisbranch/chatline/internal/services/chat/storage"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type frameHandler func(ctx context.Context, session *wsSession, payload json.RawMessage) (ackPayload, error)

func (m *sessionManager) handlers() map[string]frameHandler {
	return map[string]frameHandler{
		frameJoinConversation:  m.handleJoin,
		frameLeaveConversation: m.handleLeave,
		frameSendMessage:       m.handleSend,
		frameEditMessage:       m.handleEdit,
		frameDeleteMessage:     m.handleDelete,
		frameTyping:            m.handleTyping,
		frameCreateDirect:      m.handleCreateDirect,
		frameLoadHistory:       m.handleLoadHistory,
		frameReactMessage:      m.handleReact,
		frameMarkRead:          m.handleMarkRead,
		frameHeartbeat:         m.handleHeartbeat,
		frameUpdateStatus:      m.handleUpdateStatus,
		frameCreateGroup:       m.handleCreateGroup,
		frameListConversations: m.handleListConversations,
		frameAddParticipant:    m.handleAddParticipant,
		frameLeaveMembership:   m.handleLeaveMembership,
		frameArchive:           m.handleArchive,
	}
}

func decodePayload(payload json.RawMessage, target any) error {
	if len(payload) == 0 {
		return apperrors.New(apperrors.CodeBadRequest, "payload is required")
	}
	if err := json.Unmarshal(payload, target); err != nil {
		return apperrors.Wrap(apperrors.CodeBadRequest, "invalid payload", err)
	}
	return nil
}

func (m *sessionManager) handleJoin(ctx context.Context, session *wsSession, payload json.RawMessage) (ackPayload, error) {
	var req conversationRequest
	if err := decodePayload(payload, &req); err != nil {
		return ackPayload{}, err
	}
	conversation, err := m.JoinRoom(ctx, session, req.ConversationID)
	if err != nil {
		return ackPayload{}, err
	}
	view := newConversationView(conversation)
	return ackPayload{OK: true, Conversation: &view}, nil
}

func (m *sessionManager) handleLeave(ctx context.Context, session *wsSession, payload json.RawMessage) (ackPayload, error) {
	var req conversationRequest
	if err := decodePayload(payload, &req); err != nil {
		return ackPayload{}, err
	}
	if err := m.LeaveRoom(ctx, session, req.ConversationID); err != nil {
		return ackPayload{}, err
	}
	return ackPayload{OK: true}, nil
}

// handleSend runs membership, rate limit and ledger write before any fan-out.
// The conversation lock keeps this instance's commits and publishes in the
// same order.
func (m *sessionManager) handleSend(ctx context.Context, session *wsSession, payload json.RawMessage) (ackPayload, error) {
	var req sendMessageRequest
	if err := decodePayload(payload, &req); err != nil {
		return ackPayload{}, err
	}
	conversationID := strings.TrimSpace(req.ConversationID)
	if conversationID == "" {
		return ackPayload{}, apperrors.New(apperrors.CodeBadRequest, "conversation id is required")
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, "chat.send_message",
		trace.WithAttributes(
			attribute.String("chat.conversation_id", conversationID),
			attribute.String("chat.user_id", session.identity.UserID),
		),
	)
	defer span.End()

	message, err := m.sendMessage(ctx, session, conversationID, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return ackPayload{}, err
	}
	span.SetAttributes(attribute.Int64("chat.sequence", message.Sequence))
	view := newMessageView(message)
	return ackPayload{OK: true, Message: &view}, nil
}

func (m *sessionManager) sendMessage(ctx context.Context, session *wsSession, conversationID string, req sendMessageRequest) (storage.Message, error) {
	userID := session.identity.UserID
	if _, _, err := m.services.Directory.RequireParticipant(ctx, conversationID, userID); err != nil {
		return storage.Message{}, err
	}
	if err := m.services.Limiter.TryConsume(ctx, userID, ratelimit.ActionSendMessage); err != nil {
		return storage.Message{}, err
	}

	unlock := m.locks.Lock(conversationID)
	defer unlock()
	message, err := m.services.Ledger.Append(ctx, session.identity, ledger.AppendInput{
		ConversationID: conversationID,
		Content:        req.Content,
		Type:           storage.MessageType(strings.TrimSpace(req.Type)),
		Attachments:    req.Attachments,
	})
	if err != nil {
		return storage.Message{}, err
	}
	view := newMessageView(message)
	m.publish(ctx, eventbus.TopicMessageCreated, view)
	m.broadcast(ctx, conversationID, eventNewMessage, view)
	return message, nil
}

func (m *sessionManager) handleEdit(ctx context.Context, session *wsSession, payload json.RawMessage) (ackPayload, error) {
	var req editMessageRequest
	if err := decodePayload(payload, &req); err != nil {
		return ackPayload{}, err
	}
	existing, err := m.visibleMessage(ctx, session, req.MessageID)
	if err != nil {
		return ackPayload{}, err
	}

	unlock := m.locks.Lock(existing.ConversationID)
	defer unlock()
	updated, err := m.services.Ledger.Edit(ctx, session.identity.UserID, existing.ID, req.Content)
	if err != nil {
		return ackPayload{}, err
	}
	view := newMessageView(updated)
	m.publish(ctx, eventbus.TopicMessageUpdated, view)
	m.broadcast(ctx, updated.ConversationID, eventMessageUpdated, view)
	return ackPayload{OK: true, Message: &view}, nil
}

func (m *sessionManager) handleDelete(ctx context.Context, session *wsSession, payload json.RawMessage) (ackPayload, error) {
	var req messageRequest
	if err := decodePayload(payload, &req); err != nil {
		return ackPayload{}, err
	}
	existing, err := m.visibleMessage(ctx, session, req.MessageID)
	if err != nil {
		return ackPayload{}, err
	}

	unlock := m.locks.Lock(existing.ConversationID)
	defer unlock()
	deleted, err := m.services.Ledger.Delete(ctx, session.identity.UserID, existing.ID)
	if err != nil {
		return ackPayload{}, err
	}
	event := messageDeletedPayload{ConversationID: deleted.ConversationID, MessageID: deleted.ID}
	m.publish(ctx, eventbus.TopicMessageDeleted, event)
	m.broadcast(ctx, deleted.ConversationID, eventMessageDeleted, event)
	return ackPayload{OK: true}, nil
}

func (m *sessionManager) handleTyping(ctx context.Context, session *wsSession, payload json.RawMessage) (ackPayload, error) {
	var req typingRequest
	if err := decodePayload(payload, &req); err != nil {
		return ackPayload{}, err
	}
	conversationID := strings.TrimSpace(req.ConversationID)
	if !m.services.Broadcaster.Joined(conversationID, session.connectionID) {
		return ackPayload{}, apperrors.New(apperrors.CodeNotFound, "conversation not joined")
	}
	if err := m.services.Broadcaster.Broadcast(ctx, conversationID, eventUserTyping, userTypingPayload{
		ConversationID: conversationID,
		UserID:         session.identity.UserID,
		IsTyping:       req.IsTyping,
	}, session.connectionID); err != nil {
		return ackPayload{}, apperrors.Wrap(apperrors.CodeUnavailable, "broadcast typing", err)
	}
	return ackPayload{OK: true}, nil
}

func (m *sessionManager) handleCreateDirect(ctx context.Context, session *wsSession, payload json.RawMessage) (ackPayload, error) {
	var req createDirectRequest
	if err := decodePayload(payload, &req); err != nil {
		return ackPayload{}, err
	}
	conversation, err := m.services.Directory.CreateDirectConversation(ctx, session.identity, req.ParticipantID)
	if err != nil {
		return ackPayload{}, err
	}
	view := newConversationView(conversation)
	return ackPayload{OK: true, Conversation: &view}, nil
}

func (m *sessionManager) handleCreateGroup(ctx context.Context, session *wsSession, payload json.RawMessage) (ackPayload, error) {
	var req createGroupRequest
	if err := decodePayload(payload, &req); err != nil {
		return ackPayload{}, err
	}
	conversation, err := m.services.Directory.CreateGroupConversation(ctx, session.identity, directory.GroupInput{
		Kind:           storage.ConversationKind(strings.TrimSpace(req.Kind)),
		Name:           req.Name,
		ParticipantIDs: req.ParticipantIDs,
	})
	if err != nil {
		return ackPayload{}, err
	}
	view := newConversationView(conversation)
	return ackPayload{OK: true, Conversation: &view}, nil
}

func (m *sessionManager) handleListConversations(ctx context.Context, session *wsSession, payload json.RawMessage) (ackPayload, error) {
	var req listConversationsRequest
	if len(payload) > 0 && string(payload) != "null" {
		if err := decodePayload(payload, &req); err != nil {
			return ackPayload{}, err
		}
	}
	conversations, err := m.services.Directory.ListForUser(ctx, session.identity.UserID, req.Limit)
	if err != nil {
		return ackPayload{}, err
	}
	views := make([]conversationView, 0, len(conversations))
	for _, conversation := range conversations {
		views = append(views, newConversationView(conversation))
	}
	return ackPayload{OK: true, Conversations: views}, nil
}

func (m *sessionManager) handleAddParticipant(ctx context.Context, session *wsSession, payload json.RawMessage) (ackPayload, error) {
	var req addParticipantRequest
	if err := decodePayload(payload, &req); err != nil {
		return ackPayload{}, err
	}
	conversationID := strings.TrimSpace(req.ConversationID)
	participant, err := m.services.Directory.AddParticipant(ctx, session.identity.UserID, conversationID, req.UserID, strings.TrimSpace(req.DisplayName))
	if err != nil {
		return ackPayload{}, err
	}
	m.broadcast(ctx, conversationID, eventParticipantAdded, participantAddedPayload{
		ConversationID: conversationID,
		Participant:    newParticipantView(participant),
	})
	conversation, err := m.services.Directory.Get(ctx, conversationID)
	if err != nil {
		return ackPayload{}, err
	}
	view := newConversationView(conversation)
	return ackPayload{OK: true, Conversation: &view}, nil
}

// handleLeaveMembership ends the caller's participation and takes every local
// session of the caller out of the room.
func (m *sessionManager) handleLeaveMembership(ctx context.Context, session *wsSession, payload json.RawMessage) (ackPayload, error) {
	var req conversationRequest
	if err := decodePayload(payload, &req); err != nil {
		return ackPayload{}, err
	}
	conversationID := strings.TrimSpace(req.ConversationID)
	if err := m.services.Directory.Leave(ctx, conversationID, session.identity.UserID); err != nil {
		return ackPayload{}, err
	}
	for _, local := range m.userSessions(session.identity.UserID) {
		if err := m.LeaveRoom(ctx, local, conversationID); err != nil {
			log.Printf("chat: leave room failed conversation=%q conn=%q err=%v", conversationID, local.connectionID, err)
		}
	}
	return ackPayload{OK: true}, nil
}

// handleArchive hides the conversation and tells its members. Sessions stay
// joined until they leave, but every membership-checked action now fails.
func (m *sessionManager) handleArchive(ctx context.Context, session *wsSession, payload json.RawMessage) (ackPayload, error) {
	var req conversationRequest
	if err := decodePayload(payload, &req); err != nil {
		return ackPayload{}, err
	}
	conversationID := strings.TrimSpace(req.ConversationID)
	if err := m.services.Directory.Archive(ctx, session.identity.UserID, conversationID); err != nil {
		return ackPayload{}, err
	}
	m.broadcast(ctx, conversationID, eventConversationArchive, conversationArchivedPayload{
		ConversationID: conversationID,
		ArchivedBy:     session.identity.UserID,
	})
	return ackPayload{OK: true}, nil
}

func (m *sessionManager) handleLoadHistory(ctx context.Context, session *wsSession, payload json.RawMessage) (ackPayload, error) {
	var req loadHistoryRequest
	if err := decodePayload(payload, &req); err != nil {
		return ackPayload{}, err
	}
	conversationID := strings.TrimSpace(req.ConversationID)
	if _, _, err := m.services.Directory.RequireParticipant(ctx, conversationID, session.identity.UserID); err != nil {
		return ackPayload{}, err
	}
	messages, err := m.services.Ledger.History(ctx, conversationID, req.BeforeSequence, req.Limit)
	if err != nil {
		return ackPayload{}, err
	}
	history := historyView{ConversationID: conversationID, Messages: make([]messageView, 0, len(messages))}
	for _, message := range messages {
		history.Messages = append(history.Messages, newMessageView(message))
	}
	return ackPayload{OK: true, History: &history}, nil
}

func (m *sessionManager) handleReact(ctx context.Context, session *wsSession, payload json.RawMessage) (ackPayload, error) {
	var req reactRequest
	if err := decodePayload(payload, &req); err != nil {
		return ackPayload{}, err
	}
	existing, err := m.visibleMessage(ctx, session, req.MessageID)
	if err != nil {
		return ackPayload{}, err
	}
	updated, err := m.services.Ledger.React(ctx, session.identity.UserID, existing.ID, req.Emoji)
	if err != nil {
		return ackPayload{}, err
	}
	emoji := strings.TrimSpace(req.Emoji)
	for _, reaction := range updated.Reactions {
		if reaction.UserID == session.identity.UserID && reaction.Emoji == emoji {
			m.broadcast(ctx, updated.ConversationID, eventReactionAdded, reactionAddedPayload{
				ConversationID: updated.ConversationID,
				MessageID:      updated.ID,
				Reaction:       reactionView{UserID: reaction.UserID, Emoji: reaction.Emoji, Timestamp: reaction.CreatedAt},
			})
			break
		}
	}
	view := newMessageView(updated)
	return ackPayload{OK: true, Message: &view}, nil
}

func (m *sessionManager) handleMarkRead(ctx context.Context, session *wsSession, payload json.RawMessage) (ackPayload, error) {
	var req messageRequest
	if err := decodePayload(payload, &req); err != nil {
		return ackPayload{}, err
	}
	existing, err := m.visibleMessage(ctx, session, req.MessageID)
	if err != nil {
		return ackPayload{}, err
	}
	updated, err := m.services.Ledger.MarkRead(ctx, session.identity.UserID, existing.ID)
	if err != nil {
		return ackPayload{}, err
	}
	for _, receipt := range updated.ReadBy {
		if receipt.UserID == session.identity.UserID {
			m.broadcast(ctx, updated.ConversationID, eventMessageRead, messageReadPayload{
				ConversationID: updated.ConversationID,
				MessageID:      updated.ID,
				UserID:         receipt.UserID,
				ReadAt:         receipt.ReadAt,
			})
			break
		}
	}
	view := newMessageView(updated)
	return ackPayload{OK: true, Message: &view}, nil
}

func (m *sessionManager) handleHeartbeat(ctx context.Context, session *wsSession, _ json.RawMessage) (ackPayload, error) {
	if err := m.services.Presence.Heartbeat(ctx, session.identity.UserID, session.connectionID); err != nil {
		return ackPayload{}, err
	}
	return ackPayload{OK: true}, nil
}

func (m *sessionManager) handleUpdateStatus(ctx context.Context, session *wsSession, payload json.RawMessage) (ackPayload, error) {
	var req statusRequest
	if err := decodePayload(payload, &req); err != nil {
		return ackPayload{}, err
	}
	status := presence.Status(strings.TrimSpace(req.Status))
	if err := m.services.Presence.SetStatus(ctx, session.identity.UserID, session.connectionID, status); err != nil {
		return ackPayload{}, err
	}
	return ackPayload{OK: true}, nil
}

// visibleMessage loads a live message from a conversation the caller still
// participates in. Anything else reads as not found.
func (m *sessionManager) visibleMessage(ctx context.Context, session *wsSession, messageID string) (storage.Message, error) {
	messageID = strings.TrimSpace(messageID)
	if messageID == "" {
		return storage.Message{}, apperrors.New(apperrors.CodeBadRequest, "message id is required")
	}
	message, err := m.services.Ledger.Get(ctx, messageID)
	if err != nil {
		return storage.Message{}, err
	}
	if _, _, err := m.services.Directory.RequireParticipant(ctx, message.ConversationID, session.identity.UserID); err != nil {
		return storage.Message{}, apperrors.New(apperrors.CodeNotFound, "message not found")
	}
	return message, nil
}

// publish hands the event to the bus. Failures never reach the caller.
func (m *sessionManager) publish(ctx context.Context, topic string, body any) {
	if m.services.Bus == nil {
		return
	}
	_ = m.services.Bus.Publish(ctx, topic, body)
}

// broadcast fans an already committed change out to the room. The write
// stands even when the relay fails.
func (m *sessionManager) broadcast(ctx context.Context, conversationID string, event string, payload any) {
	if err := m.services.Broadcaster.Broadcast(ctx, conversationID, event, payload, ""); err != nil {
		log.Printf("chat: broadcast %s failed conversation=%q err=%v", event, conversationID, err)
	}
}
