package identity

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	apperrors "github.com/louisbranch/chatline/internal/platform/errors"
	"github.com/louisbranch/chatline/internal/platform/requestctx"
)

func TestCredentialFromRequest(t *testing.T) {
	tests := []struct {
		name  string
		build func(r *http.Request)
		want  string
	}{
		{name: "bearer header", build: func(r *http.Request) { r.Header.Set("Authorization", "Bearer tok-1") }, want: "tok-1"},
		{name: "lowercase scheme", build: func(r *http.Request) { r.Header.Set("Authorization", "bearer tok-2") }, want: "tok-2"},
		{name: "query", build: func(r *http.Request) { r.URL.RawQuery = "access_token=tok-3" }, want: "tok-3"},
		{name: "cookie", build: func(r *http.Request) { r.AddCookie(&http.Cookie{Name: CookieName, Value: "tok-4"}) }, want: "tok-4"},
		{name: "basic ignored", build: func(r *http.Request) { r.Header.Set("Authorization", "Basic abc") }, want: ""},
		{name: "none", build: func(*http.Request) {}, want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/ws", nil)
			tt.build(req)
			if got := CredentialFromRequest(req); got != tt.want {
				t.Fatalf("credential = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestJWTVerifierRoundTrip(t *testing.T) {
	verifier, err := NewJWTVerifier(JWTConfig{Secret: []byte("secret"), Issuer: "chat-test", Audience: "chat"})
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	token, err := verifier.IssueToken(requestctx.Identity{UserID: "alice", Email: "a@example.com", Role: "user", Name: "Alice"}, time.Hour, time.Now())
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	identity, err := verifier.Authenticate(context.Background(), token)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if identity.UserID != "alice" || identity.Email != "a@example.com" || identity.Name != "Alice" {
		t.Fatalf("identity = %+v", identity)
	}
}

func TestJWTVerifierRejectsBadTokens(t *testing.T) {
	verifier, _ := NewJWTVerifier(JWTConfig{Secret: []byte("secret"), Issuer: "chat-test"})
	other, _ := NewJWTVerifier(JWTConfig{Secret: []byte("other"), Issuer: "chat-test"})
	wrongIssuer, _ := NewJWTVerifier(JWTConfig{Secret: []byte("secret"), Issuer: "elsewhere"})

	expired, _ := verifier.IssueToken(requestctx.Identity{UserID: "alice"}, time.Minute, time.Now().Add(-time.Hour))
	forged, _ := other.IssueToken(requestctx.Identity{UserID: "alice"}, time.Hour, time.Now())
	foreign, _ := wrongIssuer.IssueToken(requestctx.Identity{UserID: "alice"}, time.Hour, time.Now())
	noSubject, _ := verifier.IssueToken(requestctx.Identity{}, time.Hour, time.Now())

	for name, token := range map[string]string{
		"garbage":    "not-a-jwt",
		"expired":    expired,
		"forged":     forged,
		"issuer":     foreign,
		"no subject": noSubject,
	} {
		if _, err := verifier.Authenticate(context.Background(), token); apperrors.CodeOf(err) != apperrors.CodeUnauthorized {
			t.Fatalf("%s: code = %q, want UNAUTHORIZED", name, apperrors.CodeOf(err))
		}
	}
}

func TestNewJWTVerifierRequiresSecret(t *testing.T) {
	if _, err := NewJWTVerifier(JWTConfig{}); err == nil {
		t.Fatal("expected secret error")
	}
}

type funcAuthenticator func(context.Context, string) (requestctx.Identity, error)

func (f funcAuthenticator) Authenticate(ctx context.Context, credential string) (requestctx.Identity, error) {
	return f(ctx, credential)
}

func TestAuthenticateTimesOut(t *testing.T) {
	slow := funcAuthenticator(func(ctx context.Context, _ string) (requestctx.Identity, error) {
		<-ctx.Done()
		time.Sleep(10 * time.Millisecond)
		return requestctx.Identity{UserID: "late"}, nil
	})
	_, err := Authenticate(context.Background(), slow, "tok", 20*time.Millisecond)
	if !errors.Is(err, apperrors.ErrUnauthorized) {
		t.Fatalf("err = %v, want unauthorized", err)
	}
}

func TestAuthenticateNormalizesFailures(t *testing.T) {
	failing := funcAuthenticator(func(context.Context, string) (requestctx.Identity, error) {
		return requestctx.Identity{}, errors.New("upstream 500")
	})
	if _, err := Authenticate(context.Background(), failing, "tok", time.Second); apperrors.CodeOf(err) != apperrors.CodeUnauthorized {
		t.Fatalf("code = %q, want UNAUTHORIZED", apperrors.CodeOf(err))
	}
	if _, err := Authenticate(context.Background(), failing, "", time.Second); apperrors.CodeOf(err) != apperrors.CodeUnauthorized {
		t.Fatalf("empty credential code = %q", apperrors.CodeOf(err))
	}
	if _, err := Authenticate(context.Background(), nil, "tok", time.Second); apperrors.CodeOf(err) != apperrors.CodeUnauthorized {
		t.Fatalf("nil authenticator code = %q", apperrors.CodeOf(err))
	}
}

func TestIntrospectionClientSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/introspect" {
			t.Errorf("path = %q, want /introspect", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer token-1" {
			t.Errorf("Authorization = %q, want %q", got, "Bearer token-1")
		}
		if got := r.Header.Get("X-Resource-Secret"); got != "secret-1" {
			t.Errorf("X-Resource-Secret = %q, want %q", got, "secret-1")
		}
		_ = json.NewEncoder(w).Encode(introspectResponse{Active: true, UserID: "user-1", Name: "Ana"})
	}))
	defer srv.Close()

	client := NewIntrospectionClient(srv.URL, "secret-1")
	identity, err := client.Authenticate(context.Background(), "token-1")
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if identity.UserID != "user-1" || identity.Name != "Ana" {
		t.Fatalf("identity = %+v", identity)
	}
}

func TestIntrospectionClientRejects(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		payload introspectResponse
	}{
		{name: "inactive", status: http.StatusOK, payload: introspectResponse{Active: false, UserID: "user-1"}},
		{name: "empty user", status: http.StatusOK, payload: introspectResponse{Active: true}},
		{name: "status", status: http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_ = json.NewEncoder(w).Encode(tt.payload)
			}))
			defer srv.Close()
			if _, err := NewIntrospectionClient(srv.URL, "secret").Authenticate(context.Background(), "tok"); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestNewIntrospectionClientRequiresConfig(t *testing.T) {
	if NewIntrospectionClient("", "secret") != nil || NewIntrospectionClient("http://auth", "") != nil {
		t.Fatal("expected nil client for incomplete config")
	}
}
