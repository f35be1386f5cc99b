package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	apperrors "github.com/louisbranch/chatline/internal/platform/errors"
	"github.com/louisbranch/chatline/internal/platform/requestctx"
)

const introspectionTimeout = 3 * time.Second

type introspectResponse struct {
	Active bool   `json:"active"`
	UserID string `json:"user_id"`
	Email  string `json:"email"`
	Role   string `json:"role"`
	Name   string `json:"name"`
}

// IntrospectionClient asks an auth service whether an access token is active.
type IntrospectionClient struct {
	baseURL        string
	resourceSecret string
	httpClient     *http.Client
}

// NewIntrospectionClient returns nil when either the base URL or the resource
// secret is missing.
func NewIntrospectionClient(baseURL string, resourceSecret string) *IntrospectionClient {
	baseURL = strings.TrimSpace(baseURL)
	resourceSecret = strings.TrimSpace(resourceSecret)
	if baseURL == "" || resourceSecret == "" {
		return nil
	}
	return &IntrospectionClient{
		baseURL:        baseURL,
		resourceSecret: resourceSecret,
		httpClient:     &http.Client{Timeout: 5 * time.Second},
	}
}

// Authenticate implements Authenticator.
func (c *IntrospectionClient) Authenticate(ctx context.Context, accessToken string) (requestctx.Identity, error) {
	accessToken = strings.TrimSpace(accessToken)
	if accessToken == "" {
		return requestctx.Identity{}, apperrors.New(apperrors.CodeUnauthorized, "access token is required")
	}
	if c == nil || c.httpClient == nil {
		return requestctx.Identity{}, errors.New("auth is not configured")
	}

	endpoint := strings.TrimRight(c.baseURL, "/") + "/introspect"
	authCtx, cancel := context.WithTimeout(ctx, introspectionTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(authCtx, http.MethodPost, endpoint, nil)
	if err != nil {
		return requestctx.Identity{}, fmt.Errorf("build introspection request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("X-Resource-Secret", c.resourceSecret)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return requestctx.Identity{}, fmt.Errorf("call auth introspection: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return requestctx.Identity{}, fmt.Errorf("auth introspection status %d", resp.StatusCode)
	}

	var payload introspectResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return requestctx.Identity{}, fmt.Errorf("decode introspection response: %w", err)
	}
	if !payload.Active {
		return requestctx.Identity{}, apperrors.New(apperrors.CodeUnauthorized, "inactive access token")
	}
	userID := strings.TrimSpace(payload.UserID)
	if userID == "" {
		return requestctx.Identity{}, errors.New("introspection returned empty user id")
	}
	return requestctx.Identity{
		UserID: userID,
		Email:  strings.TrimSpace(payload.Email),
		Role:   strings.TrimSpace(payload.Role),
		Name:   strings.TrimSpace(payload.Name),
	}, nil
}
