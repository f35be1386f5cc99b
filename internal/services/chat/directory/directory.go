// Package directory owns conversation lifecycle and membership checks.
package directory

import (
	"context"
	"encoding/base64"
	"errors"
	"log"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	apperrors "github.com/louisbranch/chatline/internal/platform/errors"
	"github.com/louisbranch/chatline/internal/platform/id"
	"github.com/louisbranch/chatline/internal/platform/requestctx"
	"github.com/louisbranch/chatline/internal/services/chat/storage"
)

const (
	maxNameLength   = 100
	maxParticipants = 500
	defaultPageSize = 50
	maxPageSize     = 200
)

// Directory creates conversations and answers membership questions.
type Directory struct {
	store storage.ConversationStore
	now   func() time.Time
	newID func() (string, error)
}

// Option customizes a Directory.
type Option func(*Directory)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(d *Directory) {
		if now != nil {
			d.now = now
		}
	}
}

// WithIDGenerator overrides conversation id generation.
func WithIDGenerator(newID func() (string, error)) Option {
	return func(d *Directory) {
		if newID != nil {
			d.newID = newID
		}
	}
}

// New builds a Directory over store.
func New(store storage.ConversationStore, opts ...Option) *Directory {
	d := &Directory{
		store: store,
		now:   time.Now,
		newID: func() (string, error) { return id.NewPrefixedID("conv_") },
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// DirectKey returns the canonical key for the unordered pair {a, b}. Each id
// is base64url encoded so the separator cannot appear inside a segment.
func DirectKey(a, b string) string {
	pair := []string{a, b}
	sort.Strings(pair)
	return base64.RawURLEncoding.EncodeToString([]byte(pair[0])) + "." + base64.RawURLEncoding.EncodeToString([]byte(pair[1]))
}

// isDirectPair reports whether the active participants are exactly {a, b}.
func isDirectPair(conversation storage.Conversation, a, b string) bool {
	active := 0
	for _, participant := range conversation.Participants {
		if !participant.IsActive {
			continue
		}
		if participant.UserID != a && participant.UserID != b {
			return false
		}
		active++
	}
	if active != 2 {
		return false
	}
	_, okA := conversation.ActiveParticipant(a)
	_, okB := conversation.ActiveParticipant(b)
	return okA && okB
}

func (d *Directory) checkDirectPair(conversation storage.Conversation, a, b string) (storage.Conversation, error) {
	if !isDirectPair(conversation, a, b) {
		log.Printf("chat: direct conversation participant mismatch conversation_id=%q", conversation.ID)
		return storage.Conversation{}, apperrors.New(apperrors.CodeUnknown, "direct conversation participants do not match")
	}
	return conversation, nil
}

// CreateDirectConversation returns the live direct conversation between the
// caller and participantID, creating it when missing. Concurrent callers for
// the same pair all receive the same conversation.
func (d *Directory) CreateDirectConversation(ctx context.Context, caller requestctx.Identity, participantID string) (storage.Conversation, error) {
	participantID = strings.TrimSpace(participantID)
	if participantID == "" {
		return storage.Conversation{}, apperrors.New(apperrors.CodeBadRequest, "participant id is required")
	}
	if participantID == caller.UserID {
		return storage.Conversation{}, apperrors.New(apperrors.CodeBadRequest, "cannot start a direct conversation with yourself")
	}
	key := DirectKey(caller.UserID, participantID)

	existing, err := d.store.FindDirectConversation(ctx, key)
	if err == nil {
		return d.checkDirectPair(existing, caller.UserID, participantID)
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return storage.Conversation{}, apperrors.Wrap(apperrors.CodeUnavailable, "find direct conversation", err)
	}

	conversationID, err := d.newID()
	if err != nil {
		return storage.Conversation{}, apperrors.Wrap(apperrors.CodeUnavailable, "generate conversation id", err)
	}
	now := d.now().UTC()
	conversation := storage.Conversation{
		ID:        conversationID,
		Kind:      storage.ConversationKindDirect,
		CreatedBy: caller.UserID,
		DirectKey: key,
		Participants: []storage.Participant{
			{UserID: caller.UserID, DisplayName: caller.DisplayName(), Role: storage.ParticipantRoleMember, JoinedAt: now, IsActive: true},
			{UserID: participantID, DisplayName: participantID, Role: storage.ParticipantRoleMember, JoinedAt: now, IsActive: true},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}

	err = d.store.CreateConversation(ctx, conversation)
	if err == nil {
		return d.Get(ctx, conversationID)
	}
	if !errors.Is(err, storage.ErrAlreadyExists) {
		return storage.Conversation{}, apperrors.Wrap(apperrors.CodeUnavailable, "create direct conversation", err)
	}

	// Lost the race; the winner is authoritative.
	conflict := apperrors.Wrap(apperrors.CodeConflict, "direct conversation exists", err)
	log.Printf("chat: direct conversation race key=%q err=%v", key, conflict)
	winner, err := d.store.FindDirectConversation(ctx, key)
	if err != nil {
		return storage.Conversation{}, apperrors.Wrap(apperrors.CodeUnavailable, "reload direct conversation", err)
	}
	return d.checkDirectPair(winner, caller.UserID, participantID)
}

// GroupInput describes a new group or channel.
type GroupInput struct {
	Kind           storage.ConversationKind
	Name           string
	ParticipantIDs []string
}

// CreateGroupConversation creates a group or channel with the creator as admin.
func (d *Directory) CreateGroupConversation(ctx context.Context, creator requestctx.Identity, input GroupInput) (storage.Conversation, error) {
	if input.Kind == "" {
		input.Kind = storage.ConversationKindGroup
	}
	if input.Kind != storage.ConversationKindGroup && input.Kind != storage.ConversationKindChannel {
		return storage.Conversation{}, apperrors.New(apperrors.CodeBadRequest, "kind must be group or channel")
	}
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return storage.Conversation{}, apperrors.New(apperrors.CodeBadRequest, "name is required")
	}
	if utf8.RuneCountInString(name) > maxNameLength {
		return storage.Conversation{}, apperrors.New(apperrors.CodeBadRequest, "name is too long")
	}

	now := d.now().UTC()
	participants := []storage.Participant{
		{UserID: creator.UserID, DisplayName: creator.DisplayName(), Role: storage.ParticipantRoleAdmin, JoinedAt: now, IsActive: true},
	}
	seen := map[string]bool{creator.UserID: true}
	for _, raw := range input.ParticipantIDs {
		userID := strings.TrimSpace(raw)
		if userID == "" || seen[userID] {
			continue
		}
		seen[userID] = true
		participants = append(participants, storage.Participant{
			UserID: userID, DisplayName: userID, Role: storage.ParticipantRoleMember, JoinedAt: now, IsActive: true,
		})
	}
	if len(participants) > maxParticipants {
		return storage.Conversation{}, apperrors.New(apperrors.CodeBadRequest, "too many participants")
	}

	conversationID, err := d.newID()
	if err != nil {
		return storage.Conversation{}, apperrors.Wrap(apperrors.CodeUnavailable, "generate conversation id", err)
	}
	conversation := storage.Conversation{
		ID:           conversationID,
		Kind:         input.Kind,
		Name:         name,
		CreatedBy:    creator.UserID,
		Participants: participants,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := d.store.CreateConversation(ctx, conversation); err != nil {
		return storage.Conversation{}, apperrors.Wrap(apperrors.CodeUnavailable, "create conversation", err)
	}
	return conversation, nil
}

// Get loads a conversation by id.
func (d *Directory) Get(ctx context.Context, conversationID string) (storage.Conversation, error) {
	conversation, err := d.store.GetConversation(ctx, strings.TrimSpace(conversationID))
	if err != nil {
		return storage.Conversation{}, storeError(err, "conversation not found")
	}
	return conversation, nil
}

// ListForUser lists the caller's live conversations.
func (d *Directory) ListForUser(ctx context.Context, userID string, limit int) ([]storage.Conversation, error) {
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	conversations, err := d.store.ListConversationsForUser(ctx, userID, limit)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeUnavailable, "list conversations", err)
	}
	return conversations, nil
}

// RequireParticipant returns the conversation when userID is an active
// participant of a live conversation. Every other case is NotFound so
// existence is not leaked to outsiders.
func (d *Directory) RequireParticipant(ctx context.Context, conversationID string, userID string) (storage.Conversation, storage.Participant, error) {
	conversation, err := d.Get(ctx, conversationID)
	if err != nil {
		return storage.Conversation{}, storage.Participant{}, err
	}
	if conversation.Archived {
		return storage.Conversation{}, storage.Participant{}, apperrors.New(apperrors.CodeNotFound, "conversation not found")
	}
	participant, ok := conversation.ActiveParticipant(userID)
	if !ok {
		return storage.Conversation{}, storage.Participant{}, apperrors.New(apperrors.CodeNotFound, "conversation not found")
	}
	return conversation, participant, nil
}

// AddParticipant adds or reactivates userID in a group or channel. The actor
// must be an admin or moderator.
func (d *Directory) AddParticipant(ctx context.Context, actorID string, conversationID string, userID string, displayName string) (storage.Participant, error) {
	conversation, actor, err := d.RequireParticipant(ctx, conversationID, actorID)
	if err != nil {
		return storage.Participant{}, err
	}
	if conversation.Kind == storage.ConversationKindDirect {
		return storage.Participant{}, apperrors.New(apperrors.CodeBadRequest, "direct conversations have fixed participants")
	}
	if actor.Role != storage.ParticipantRoleAdmin && actor.Role != storage.ParticipantRoleModerator {
		return storage.Participant{}, apperrors.New(apperrors.CodeNotFound, "conversation not found")
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return storage.Participant{}, apperrors.New(apperrors.CodeBadRequest, "user id is required")
	}
	if displayName == "" {
		displayName = userID
	}
	participant := storage.Participant{
		UserID:      userID,
		DisplayName: displayName,
		Role:        storage.ParticipantRoleMember,
		JoinedAt:    d.now().UTC(),
		IsActive:    true,
	}
	if err := d.store.PutParticipant(ctx, conversation.ID, participant); err != nil {
		return storage.Participant{}, storeError(err, "conversation not found")
	}
	return participant, nil
}

// Leave deactivates the caller's membership in a group or channel. Direct
// conversations have fixed participants and are archived instead.
func (d *Directory) Leave(ctx context.Context, conversationID string, userID string) error {
	conversation, _, err := d.RequireParticipant(ctx, conversationID, userID)
	if err != nil {
		return err
	}
	if conversation.Kind == storage.ConversationKindDirect {
		return apperrors.New(apperrors.CodeBadRequest, "direct conversations cannot be left; archive them instead")
	}
	if err := d.store.DeactivateParticipant(ctx, conversationID, userID, d.now().UTC()); err != nil {
		return storeError(err, "conversation not found")
	}
	return nil
}

// Archive hides a conversation. Only admins may archive; direct conversations
// may be archived by either participant.
func (d *Directory) Archive(ctx context.Context, actorID string, conversationID string) error {
	conversation, actor, err := d.RequireParticipant(ctx, conversationID, actorID)
	if err != nil {
		return err
	}
	if conversation.Kind != storage.ConversationKindDirect && actor.Role != storage.ParticipantRoleAdmin {
		return apperrors.New(apperrors.CodeNotFound, "conversation not found")
	}
	if err := d.store.ArchiveConversation(ctx, conversation.ID, d.now().UTC()); err != nil {
		return storeError(err, "conversation not found")
	}
	return nil
}

func storeError(err error, notFound string) error {
	if errors.Is(err, storage.ErrNotFound) {
		return apperrors.Wrap(apperrors.CodeNotFound, notFound, err)
	}
	return apperrors.Wrap(apperrors.CodeUnavailable, "conversation store", err)
}
