package ledger

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	apperrors "github.com/louisbranch/chatline/internal/platform/errors"
	"github.com/louisbranch/chatline/internal/platform/requestctx"
	"github.com/louisbranch/chatline/internal/services/chat/storage"
	"github.com/louisbranch/chatline/internal/services/chat/storage/sqlite"
)

var alice = requestctx.Identity{UserID: "alice", Name: "Alice"}

func TestAppendValidatesInput(t *testing.T) {
	l, _ := newLedger(t)
	ctx := context.Background()

	tests := []struct {
		name  string
		input AppendInput
	}{
		{name: "empty content", input: AppendInput{ConversationID: "conv-1", Content: "   "}},
		{name: "too long", input: AppendInput{ConversationID: "conv-1", Content: strings.Repeat("a", MaxContentLength+1)}},
		{name: "unknown type", input: AppendInput{ConversationID: "conv-1", Content: "x", Type: "sticker"}},
		{name: "system type", input: AppendInput{ConversationID: "conv-1", Content: "x", Type: storage.MessageTypeSystem}},
		{name: "missing conversation", input: AppendInput{Content: "x"}},
		{name: "relative attachment", input: AppendInput{ConversationID: "conv-1", Attachments: []storage.Attachment{{URL: "/x.png"}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := l.Append(ctx, alice, tt.input)
			if apperrors.CodeOf(err) != apperrors.CodeBadRequest {
				t.Fatalf("code = %q, want %q", apperrors.CodeOf(err), apperrors.CodeBadRequest)
			}
		})
	}
}

func TestAppendAcceptsMaxLengthAndAttachmentOnly(t *testing.T) {
	l, _ := newLedger(t)
	ctx := context.Background()

	message, err := l.Append(ctx, alice, AppendInput{ConversationID: "conv-1", Content: strings.Repeat("é", MaxContentLength)})
	if err != nil {
		t.Fatalf("append max length: %v", err)
	}
	if message.Sequence != 1 || message.Status != storage.MessageStatusSent || message.SenderName != "Alice" {
		t.Fatalf("message = %+v", message)
	}
	if !strings.HasPrefix(message.ID, "msg_") {
		t.Fatalf("id = %q, want msg_ prefix", message.ID)
	}

	message, err = l.Append(ctx, alice, AppendInput{
		ConversationID: "conv-1",
		Type:           storage.MessageTypeImage,
		Attachments:    []storage.Attachment{{URL: "https://cdn.example/x.png", Name: "x.png", MimeType: "image/png"}},
	})
	if err != nil {
		t.Fatalf("append attachment only: %v", err)
	}
	if message.Sequence != 2 {
		t.Fatalf("sequence = %d, want 2", message.Sequence)
	}
}

func TestEditAndDeleteOnlyBySender(t *testing.T) {
	l, _ := newLedger(t)
	ctx := context.Background()
	message, err := l.Append(ctx, alice, AppendInput{ConversationID: "conv-1", Content: "hello"})
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	if _, err := l.Edit(ctx, "bob", message.ID, "pwned"); !errors.Is(err, apperrors.ErrNotFound) {
		t.Fatalf("edit by other err = %v, want not found", err)
	}
	if _, err := l.Delete(ctx, "bob", message.ID); !errors.Is(err, apperrors.ErrNotFound) {
		t.Fatalf("delete by other err = %v, want not found", err)
	}
	if _, err := l.Edit(ctx, "alice", "missing", "x"); !errors.Is(err, apperrors.ErrNotFound) {
		t.Fatalf("edit missing err = %v, want not found", err)
	}
	if _, err := l.Edit(ctx, "alice", message.ID, ""); apperrors.CodeOf(err) != apperrors.CodeBadRequest {
		t.Fatalf("edit empty code = %q, want BAD_REQUEST", apperrors.CodeOf(err))
	}

	edited, err := l.Edit(ctx, "alice", message.ID, "hello!")
	if err != nil {
		t.Fatalf("edit: %v", err)
	}
	if edited.Content != "hello!" || edited.EditedAt == nil || edited.Sequence != message.Sequence {
		t.Fatalf("edited = %+v", edited)
	}

	if _, err := l.Delete(ctx, "alice", message.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := l.Get(ctx, message.ID); !errors.Is(err, apperrors.ErrNotFound) {
		t.Fatalf("get deleted err = %v, want not found", err)
	}
}

func TestHistoryOrdersOldestFirstAndClampsLimit(t *testing.T) {
	l, _ := newLedger(t)
	ctx := context.Background()
	for _, content := range []string{"one", "two", "three"} {
		if _, err := l.Append(ctx, alice, AppendInput{ConversationID: "conv-1", Content: content}); err != nil {
			t.Fatalf("append %s: %v", content, err)
		}
	}

	history, err := l.History(ctx, "conv-1", 0, 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 3 || history[0].Content != "one" || history[2].Content != "three" {
		t.Fatalf("history = %+v", history)
	}
	history, err = l.History(ctx, "conv-1", 3, 1)
	if err != nil {
		t.Fatalf("history page: %v", err)
	}
	if len(history) != 1 || history[0].Content != "two" {
		t.Fatalf("history page = %+v", history)
	}
	if _, err := l.History(ctx, "conv-1", -1, 10); apperrors.CodeOf(err) != apperrors.CodeBadRequest {
		t.Fatalf("negative cursor code = %q", apperrors.CodeOf(err))
	}
}

func TestReactAndMarkRead(t *testing.T) {
	l, _ := newLedger(t)
	ctx := context.Background()
	message, err := l.Append(ctx, alice, AppendInput{ConversationID: "conv-1", Content: "hello"})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := l.React(ctx, "bob", message.ID, ""); apperrors.CodeOf(err) != apperrors.CodeBadRequest {
		t.Fatalf("empty emoji code = %q", apperrors.CodeOf(err))
	}
	reacted, err := l.React(ctx, "bob", message.ID, "🔥")
	if err != nil {
		t.Fatalf("react: %v", err)
	}
	if len(reacted.Reactions) != 1 || reacted.Reactions[0].UserID != "bob" {
		t.Fatalf("reactions = %+v", reacted.Reactions)
	}
	read, err := l.MarkRead(ctx, "bob", message.ID)
	if err != nil {
		t.Fatalf("mark read: %v", err)
	}
	if len(read.ReadBy) != 1 {
		t.Fatalf("read by = %+v", read.ReadBy)
	}
}

func newLedger(t *testing.T) (*Ledger, *sqlite.Store) {
	t.Helper()
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "chat.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	if err := store.CreateConversation(context.Background(), storage.Conversation{
		ID:        "conv-1",
		Kind:      storage.ConversationKindGroup,
		Name:      "Team",
		CreatedBy: "alice",
		Participants: []storage.Participant{
			{UserID: "alice", Role: storage.ParticipantRoleAdmin, IsActive: true},
			{UserID: "bob", Role: storage.ParticipantRoleMember, IsActive: true},
		},
	}); err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	return New(store), store
}
