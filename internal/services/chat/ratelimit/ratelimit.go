// Package ratelimit enforces fixed-window per-user action caps.
package ratelimit

import (
	"context"
	"encoding/base64"
	"strconv"
	"time"

	apperrors "github.com/louisbranch/chatline/internal/platform/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	// ActionSendMessage is the send-message action key.
	ActionSendMessage = "send_message"

	// DefaultLimit is the number of sends allowed per window.
	DefaultLimit = 30
	// DefaultWindow is the fixed window length.
	DefaultWindow = time.Minute
)

// Counter atomically increments a windowed counter key and returns the new
// value. Keys expire no earlier than ttl after their first increment.
type Counter interface {
	Increment(ctx context.Context, key string, ttl time.Duration) (int64, error)
}

// Limiter caps how often one user performs one action per window.
type Limiter struct {
	counter  Counter
	limit    int64
	window   time.Duration
	now      func() time.Time
	rejected metric.Int64Counter
}

// Option customizes a Limiter.
type Option func(*Limiter)

// WithLimit sets the allowed count per window.
func WithLimit(limit int) Option {
	return func(l *Limiter) {
		if limit > 0 {
			l.limit = int64(limit)
		}
	}
}

// WithWindow sets the window length.
func WithWindow(window time.Duration) Option {
	return func(l *Limiter) {
		if window > 0 {
			l.window = window
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
	}
}

// New builds a Limiter backed by counter.
func New(counter Counter, opts ...Option) *Limiter {
	l := &Limiter{
		counter: counter,
		limit:   DefaultLimit,
		window:  DefaultWindow,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	rejected, err := otel.Meter("chat.ratelimit").Int64Counter("chat_rate_limit_rejections_total",
		metric.WithDescription("Actions rejected by the per-user window"))
	if err == nil {
		l.rejected = rejected
	}
	return l
}

// TryConsume counts one action for userID. Once the window holds more than the
// limit, it returns RateLimitExceeded carrying the time until the window ends.
// Counter failures surface as Unavailable so callers fail closed.
func (l *Limiter) TryConsume(ctx context.Context, userID string, action string) error {
	now := l.now()
	windowStart := now.Truncate(l.window)
	key := Key(action, userID, windowStart)

	count, err := l.counter.Increment(ctx, key, l.window)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeUnavailable, "rate limit counter", err)
	}
	if count <= l.limit {
		return nil
	}
	if l.rejected != nil {
		l.rejected.Add(ctx, 1, metric.WithAttributes(attribute.String("action", action)))
	}
	return apperrors.RateLimited(action, windowStart.Add(l.window).Sub(now))
}

// Key encodes (action, user, windowStart) into a counter key safe for NATS KV.
// Segments are base64url encoded so distinct users never share a key.
func Key(action string, userID string, windowStart time.Time) string {
	return encodeSegment(action) + "." + encodeSegment(userID) + "." + strconv.FormatInt(windowStart.Unix(), 10)
}

func encodeSegment(value string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(value))
}
