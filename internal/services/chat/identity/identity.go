// Package identity verifies connection credentials and resolves the caller.
package identity

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	apperrors "github.com/louisbranch/chatline/internal/platform/errors"
	"github.com/louisbranch/chatline/internal/platform/requestctx"
)

// CookieName is the cookie carrying a credential for browser clients.
const CookieName = "chat_token"

// Authenticator resolves a bearer credential to an identity. Every failure is
// Unauthorized.
type Authenticator interface {
	Authenticate(ctx context.Context, credential string) (requestctx.Identity, error)
}

// CredentialFromRequest extracts a credential from the Authorization header,
// the access_token query parameter or the chat_token cookie, in that order.
func CredentialFromRequest(r *http.Request) string {
	if r == nil {
		return ""
	}
	if header := strings.TrimSpace(r.Header.Get("Authorization")); header != "" {
		if scheme, token, ok := strings.Cut(header, " "); ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
	}
	if token := strings.TrimSpace(r.URL.Query().Get("access_token")); token != "" {
		return token
	}
	if cookie, err := r.Cookie(CookieName); err == nil {
		return strings.TrimSpace(cookie.Value)
	}
	return ""
}

// Authenticate runs authenticator bounded by timeout and normalizes every
// failure, including the timeout, to Unauthorized.
func Authenticate(ctx context.Context, authenticator Authenticator, credential string, timeout time.Duration) (requestctx.Identity, error) {
	if authenticator == nil {
		return requestctx.Identity{}, apperrors.New(apperrors.CodeUnauthorized, "authentication is not configured")
	}
	if strings.TrimSpace(credential) == "" {
		return requestctx.Identity{}, apperrors.New(apperrors.CodeUnauthorized, "credential is required")
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	type result struct {
		identity requestctx.Identity
		err      error
	}
	done := make(chan result, 1)
	go func() {
		identity, err := authenticator.Authenticate(ctx, credential)
		done <- result{identity: identity, err: err}
	}()

	select {
	case <-ctx.Done():
		return requestctx.Identity{}, apperrors.Wrap(apperrors.CodeUnauthorized, "authentication timed out", ctx.Err())
	case res := <-done:
		if res.err != nil {
			if apperrors.CodeOf(res.err) == apperrors.CodeUnauthorized {
				return requestctx.Identity{}, res.err
			}
			return requestctx.Identity{}, apperrors.Wrap(apperrors.CodeUnauthorized, "authentication failed", res.err)
		}
		if strings.TrimSpace(res.identity.UserID) == "" {
			return requestctx.Identity{}, apperrors.New(apperrors.CodeUnauthorized, "identity has no user id")
		}
		return res.identity, nil
	}
}

// JWTConfig configures HMAC token verification.
type JWTConfig struct {
	Secret   []byte
	Issuer   string
	Audience string
	Leeway   time.Duration
}

type tokenClaims struct {
	jwt.RegisteredClaims
	Email string `json:"email"`
	Role  string `json:"role"`
	Name  string `json:"name"`
}

// JWTVerifier validates HS256 bearer tokens.
type JWTVerifier struct {
	cfg JWTConfig
}

// NewJWTVerifier builds a verifier. The secret is required.
func NewJWTVerifier(cfg JWTConfig) (*JWTVerifier, error) {
	if len(cfg.Secret) == 0 {
		return nil, errors.New("jwt secret is required")
	}
	return &JWTVerifier{cfg: cfg}, nil
}

// Authenticate implements Authenticator.
func (v *JWTVerifier) Authenticate(_ context.Context, credential string) (requestctx.Identity, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.cfg.Leeway),
	}
	if v.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.cfg.Issuer))
	}
	if v.cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(v.cfg.Audience))
	}

	var claims tokenClaims
	token, err := jwt.ParseWithClaims(credential, &claims, func(*jwt.Token) (any, error) {
		return v.cfg.Secret, nil
	}, opts...)
	if err != nil {
		return requestctx.Identity{}, apperrors.Wrap(apperrors.CodeUnauthorized, "invalid token", err)
	}
	if !token.Valid {
		return requestctx.Identity{}, apperrors.New(apperrors.CodeUnauthorized, "invalid token")
	}
	subject := strings.TrimSpace(claims.Subject)
	if subject == "" {
		return requestctx.Identity{}, apperrors.New(apperrors.CodeUnauthorized, "token subject is required")
	}
	return requestctx.Identity{
		UserID: subject,
		Email:  claims.Email,
		Role:   claims.Role,
		Name:   claims.Name,
	}, nil
}

// IssueToken signs an HS256 token for identity. It backs local tooling and tests.
func (v *JWTVerifier) IssueToken(identity requestctx.Identity, ttl time.Duration, now time.Time) (string, error) {
	claims := tokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   identity.UserID,
			Issuer:    v.cfg.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Email: identity.Email,
		Role:  identity.Role,
		Name:  identity.Name,
	}
	if v.cfg.Audience != "" {
		claims.Audience = jwt.ClaimStrings{v.cfg.Audience}
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.cfg.Secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}
