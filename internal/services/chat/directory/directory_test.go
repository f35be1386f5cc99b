package directory

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	apperrors "github.com/louisbranch/chatline/internal/platform/errors"
	"github.com/louisbranch/chatline/internal/platform/requestctx"
	"github.com/louisbranch/chatline/internal/services/chat/storage"
	"github.com/louisbranch/chatline/internal/services/chat/storage/sqlite"
)

func TestDirectKeyIsOrderIndependent(t *testing.T) {
	if got, want := DirectKey("bob", "alice"), "YWxpY2U.Ym9i"; got != want {
		t.Fatalf("DirectKey = %q, want %q", got, want)
	}
	if DirectKey("alice", "bob") != DirectKey("bob", "alice") {
		t.Fatal("expected symmetric keys")
	}
}

func TestDirectKeySeparatesEmbeddedSeparators(t *testing.T) {
	pairs := [][2]string{{"a:b", "c"}, {"a", "b:c"}, {"a.b", "c"}, {"a", "b.c"}}
	seen := map[string][2]string{}
	for _, pair := range pairs {
		key := DirectKey(pair[0], pair[1])
		if other, ok := seen[key]; ok {
			t.Fatalf("DirectKey(%q) = DirectKey(%q) = %q", pair, other, key)
		}
		seen[key] = pair
	}
}

func TestCreateDirectConversationNeverReturnsAnotherPair(t *testing.T) {
	dir := New(openStore(t))
	ctx := context.Background()

	first, err := dir.CreateDirectConversation(ctx, requestctx.Identity{UserID: "a:b"}, "c")
	if err != nil {
		t.Fatalf("first create: %v", err)
	}
	second, err := dir.CreateDirectConversation(ctx, requestctx.Identity{UserID: "a"}, "b:c")
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if first.ID == second.ID {
		t.Fatalf("distinct pairs share conversation %q", first.ID)
	}
	if _, ok := second.ActiveParticipant("a"); !ok {
		t.Fatalf("participants = %+v, want caller a", second.Participants)
	}
	if _, ok := second.ActiveParticipant("b:c"); !ok {
		t.Fatalf("participants = %+v, want b:c", second.Participants)
	}
}

func TestCreateDirectConversationRejectsMismatchedLookup(t *testing.T) {
	stray := storage.Conversation{
		ID:   "conv-stray",
		Kind: storage.ConversationKindDirect,
		Participants: []storage.Participant{
			{UserID: "alice", IsActive: true},
			{UserID: "mallory", IsActive: true},
		},
	}
	dir := New(&fixedStore{found: stray})

	if _, err := dir.CreateDirectConversation(context.Background(), requestctx.Identity{UserID: "alice"}, "bob"); err == nil {
		t.Fatal("expected error for a conversation with the wrong participants")
	}
}

func TestLeaveRejectsDirectConversation(t *testing.T) {
	dir := New(openStore(t))
	ctx := context.Background()
	conversation, err := dir.CreateDirectConversation(ctx, requestctx.Identity{UserID: "alice"}, "bob")
	if err != nil {
		t.Fatalf("create direct: %v", err)
	}
	if err := dir.Leave(ctx, conversation.ID, "bob"); apperrors.CodeOf(err) != apperrors.CodeBadRequest {
		t.Fatalf("leave code = %q, want %q", apperrors.CodeOf(err), apperrors.CodeBadRequest)
	}
	again, err := dir.CreateDirectConversation(ctx, requestctx.Identity{UserID: "bob"}, "alice")
	if err != nil {
		t.Fatalf("create again: %v", err)
	}
	if again.ID != conversation.ID {
		t.Fatalf("id = %q, want %q", again.ID, conversation.ID)
	}
	if _, _, err := dir.RequireParticipant(ctx, again.ID, "bob"); err != nil {
		t.Fatalf("bob should still be a participant: %v", err)
	}
}

func TestCreateDirectConversationValidatesParticipant(t *testing.T) {
	dir := New(openStore(t))
	caller := requestctx.Identity{UserID: "alice"}

	for _, participant := range []string{"", "  ", "alice"} {
		_, err := dir.CreateDirectConversation(context.Background(), caller, participant)
		if apperrors.CodeOf(err) != apperrors.CodeBadRequest {
			t.Fatalf("participant %q code = %q, want %q", participant, apperrors.CodeOf(err), apperrors.CodeBadRequest)
		}
	}
}

func TestCreateDirectConversationIsIdempotentAcrossOrder(t *testing.T) {
	dir := New(openStore(t))
	ctx := context.Background()

	first, err := dir.CreateDirectConversation(ctx, requestctx.Identity{UserID: "alice", Name: "Alice"}, "bob")
	if err != nil {
		t.Fatalf("first create: %v", err)
	}
	second, err := dir.CreateDirectConversation(ctx, requestctx.Identity{UserID: "bob"}, "alice")
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("ids differ: %q vs %q", first.ID, second.ID)
	}
	if first.Kind != storage.ConversationKindDirect || first.DirectKey != DirectKey("alice", "bob") {
		t.Fatalf("conversation = %+v", first)
	}
	if len(first.Participants) != 2 {
		t.Fatalf("participants = %d, want 2", len(first.Participants))
	}
}

func TestCreateDirectConversationConcurrentCallersShareOne(t *testing.T) {
	dir := New(openStore(t))

	const callers = 8
	results := make([]string, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			caller, other := "alice", "bob"
			if i%2 == 1 {
				caller, other = other, caller
			}
			conversation, err := dir.CreateDirectConversation(context.Background(), requestctx.Identity{UserID: caller}, other)
			if err != nil {
				t.Errorf("create %d: %v", i, err)
				return
			}
			results[i] = conversation.ID
		}(i)
	}
	wg.Wait()
	for i := 1; i < callers; i++ {
		if results[i] != results[0] {
			t.Fatalf("results[%d] = %q, want %q", i, results[i], results[0])
		}
	}
}

func TestCreateDirectConversationResolvesLostRace(t *testing.T) {
	winner := storage.Conversation{
		ID:        "conv-winner",
		Kind:      storage.ConversationKindDirect,
		DirectKey: DirectKey("alice", "bob"),
		Participants: []storage.Participant{
			{UserID: "alice", IsActive: true},
			{UserID: "bob", IsActive: true},
		},
	}
	store := &racingStore{winner: winner}
	dir := New(store)

	got, err := dir.CreateDirectConversation(context.Background(), requestctx.Identity{UserID: "alice"}, "bob")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if got.ID != "conv-winner" {
		t.Fatalf("id = %q, want %q", got.ID, "conv-winner")
	}
	if store.finds != 2 {
		t.Fatalf("find calls = %d, want 2", store.finds)
	}
}

func TestCreateGroupConversationMakesCreatorAdmin(t *testing.T) {
	dir := New(openStore(t))
	ctx := context.Background()

	conversation, err := dir.CreateGroupConversation(ctx, requestctx.Identity{UserID: "alice"}, GroupInput{
		Name:           " Team ",
		ParticipantIDs: []string{"bob", "alice", "bob", ""},
	})
	if err != nil {
		t.Fatalf("create group: %v", err)
	}
	if conversation.Name != "Team" || conversation.Kind != storage.ConversationKindGroup {
		t.Fatalf("conversation = %+v", conversation)
	}
	if len(conversation.Participants) != 2 {
		t.Fatalf("participants = %d, want 2", len(conversation.Participants))
	}
	if conversation.Participants[0].Role != storage.ParticipantRoleAdmin {
		t.Fatalf("creator role = %q, want admin", conversation.Participants[0].Role)
	}

	if _, err := dir.CreateGroupConversation(ctx, requestctx.Identity{UserID: "alice"}, GroupInput{}); apperrors.CodeOf(err) != apperrors.CodeBadRequest {
		t.Fatalf("missing name code = %q, want BAD_REQUEST", apperrors.CodeOf(err))
	}
	if _, err := dir.CreateGroupConversation(ctx, requestctx.Identity{UserID: "alice"}, GroupInput{Kind: storage.ConversationKindDirect, Name: "x"}); apperrors.CodeOf(err) != apperrors.CodeBadRequest {
		t.Fatalf("direct kind code = %q, want BAD_REQUEST", apperrors.CodeOf(err))
	}
}

func TestRequireParticipant(t *testing.T) {
	dir := New(openStore(t))
	ctx := context.Background()
	conversation, err := dir.CreateGroupConversation(ctx, requestctx.Identity{UserID: "alice"}, GroupInput{Name: "Team", ParticipantIDs: []string{"bob"}})
	if err != nil {
		t.Fatalf("create group: %v", err)
	}

	if _, participant, err := dir.RequireParticipant(ctx, conversation.ID, "bob"); err != nil || participant.UserID != "bob" {
		t.Fatalf("require bob = %+v, %v", participant, err)
	}
	if _, _, err := dir.RequireParticipant(ctx, conversation.ID, "mallory"); !errors.Is(err, apperrors.ErrNotFound) {
		t.Fatalf("outsider err = %v, want not found", err)
	}
	if _, _, err := dir.RequireParticipant(ctx, "missing", "bob"); !errors.Is(err, apperrors.ErrNotFound) {
		t.Fatalf("missing conversation err = %v, want not found", err)
	}

	if err := dir.Leave(ctx, conversation.ID, "bob"); err != nil {
		t.Fatalf("leave: %v", err)
	}
	if _, _, err := dir.RequireParticipant(ctx, conversation.ID, "bob"); !errors.Is(err, apperrors.ErrNotFound) {
		t.Fatalf("after leave err = %v, want not found", err)
	}
}

func TestAddParticipantAndArchiveRequireRole(t *testing.T) {
	dir := New(openStore(t))
	ctx := context.Background()
	conversation, err := dir.CreateGroupConversation(ctx, requestctx.Identity{UserID: "alice"}, GroupInput{Name: "Team", ParticipantIDs: []string{"bob"}})
	if err != nil {
		t.Fatalf("create group: %v", err)
	}

	if _, err := dir.AddParticipant(ctx, "bob", conversation.ID, "carol", ""); !errors.Is(err, apperrors.ErrNotFound) {
		t.Fatalf("member add err = %v, want not found", err)
	}
	if _, err := dir.AddParticipant(ctx, "alice", conversation.ID, "carol", "Carol"); err != nil {
		t.Fatalf("admin add: %v", err)
	}
	if _, _, err := dir.RequireParticipant(ctx, conversation.ID, "carol"); err != nil {
		t.Fatalf("carol should be a participant: %v", err)
	}

	if err := dir.Archive(ctx, "bob", conversation.ID); !errors.Is(err, apperrors.ErrNotFound) {
		t.Fatalf("member archive err = %v, want not found", err)
	}
	if err := dir.Archive(ctx, "alice", conversation.ID); err != nil {
		t.Fatalf("admin archive: %v", err)
	}
	if _, _, err := dir.RequireParticipant(ctx, conversation.ID, "alice"); !errors.Is(err, apperrors.ErrNotFound) {
		t.Fatalf("archived conversation err = %v, want not found", err)
	}
}

func TestListForUser(t *testing.T) {
	dir := New(openStore(t))
	ctx := context.Background()
	if _, err := dir.CreateDirectConversation(ctx, requestctx.Identity{UserID: "alice"}, "bob"); err != nil {
		t.Fatalf("create direct: %v", err)
	}
	if _, err := dir.CreateGroupConversation(ctx, requestctx.Identity{UserID: "alice"}, GroupInput{Name: "Team"}); err != nil {
		t.Fatalf("create group: %v", err)
	}
	list, err := dir.ListForUser(ctx, "alice", 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("conversations = %d, want 2", len(list))
	}
}

// racingStore simulates losing a create race to another instance.
type racingStore struct {
	storage.ConversationStore
	winner storage.Conversation
	finds  int
}

func (s *racingStore) FindDirectConversation(context.Context, string) (storage.Conversation, error) {
	s.finds++
	if s.finds == 1 {
		return storage.Conversation{}, storage.ErrNotFound
	}
	return s.winner, nil
}

func (s *racingStore) CreateConversation(context.Context, storage.Conversation) error {
	return storage.ErrAlreadyExists
}

func openStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "chat.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close store: %v", err)
		}
	})
	return store
}

// fixedStore answers every direct lookup with one conversation.
type fixedStore struct {
	storage.ConversationStore
	found storage.Conversation
}

func (s *fixedStore) FindDirectConversation(context.Context, string) (storage.Conversation, error) {
	return s.found, nil
}
