package requestctx

import (
	"context"
	"testing"
)

func TestIdentityFromContextRoundTrip(t *testing.T) {
	ctx := WithIdentity(context.Background(), Identity{UserID: "user-42", Email: "a@example.com", Role: "member"})
	got, ok := IdentityFromContext(ctx)
	if !ok {
		t.Fatal("expected identity in context")
	}
	if got.UserID != "user-42" || got.Email != "a@example.com" || got.Role != "member" {
		t.Fatalf("identity = %+v", got)
	}
	if UserIDFromContext(ctx) != "user-42" {
		t.Fatalf("UserIDFromContext = %q, want %q", UserIDFromContext(ctx), "user-42")
	}
}

func TestUserIDFromContextEmpty(t *testing.T) {
	if got := UserIDFromContext(context.Background()); got != "" {
		t.Fatalf("expected empty string, got %q", got)
	}
}

func TestUserIDFromContextNil(t *testing.T) {
	if got := UserIDFromContext(nil); got != "" {
		t.Fatalf("expected empty string for nil context, got %q", got)
	}
}

func TestWithIdentityNilContext(t *testing.T) {
	ctx := WithIdentity(nil, Identity{UserID: "user-99"})
	if ctx == nil {
		t.Fatalf("expected non-nil context")
	}
	if got := UserIDFromContext(ctx); got != "user-99" {
		t.Fatalf("UserIDFromContext = %q, want %q", got, "user-99")
	}
}

func TestDisplayNameFallsBackToUserID(t *testing.T) {
	if got := (Identity{UserID: "u1"}).DisplayName(); got != "u1" {
		t.Fatalf("display name = %q, want %q", got, "u1")
	}
	if got := (Identity{UserID: "u1", Name: "Ana"}).DisplayName(); got != "Ana" {
		t.Fatalf("display name = %q, want %q", got, "Ana")
	}
}
