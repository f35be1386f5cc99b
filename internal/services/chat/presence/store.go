// Package presence tracks online, away and offline status in an expiring
// shared store and announces transitions.
package presence

import (
	"context"
	"errors"
	"time"
)

// Status is a user's visible presence.
type Status string

const (
	StatusOnline  Status = "online"
	StatusAway    Status = "away"
	StatusOffline Status = "offline"
)

var (
	// ErrNotFound means no record exists for the user.
	ErrNotFound = errors.New("presence record not found")
	// ErrRevisionMismatch means a compare-and-swap lost to a concurrent write.
	ErrRevisionMismatch = errors.New("presence revision mismatch")
)

// Record is the ephemeral presence entry of one user. A missing record means
// offline. Connections maps every live connection of the user, on any
// instance, to its own expiration; ExpiresAt is the latest of them.
type Record struct {
	UserID      string               `json:"userId"`
	Status      Status               `json:"status"`
	Connections map[string]time.Time `json:"connections"`
	LastSeen    time.Time            `json:"lastSeen"`
	ExpiresAt   time.Time            `json:"expiresAt"`
}

// Expired reports whether the record is past its expiration at now.
func (r Record) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// HasConnection reports whether connID is a live connection at now.
func (r Record) HasConnection(connID string, now time.Time) bool {
	expiresAt, ok := r.Connections[connID]
	return ok && now.Before(expiresAt)
}

// withConnection returns a copy of r with connID refreshed until expiresAt and
// every expired connection pruned.
func (r Record) withConnection(connID string, expiresAt time.Time, now time.Time) Record {
	next := r.withoutConnection("", now)
	next.Connections[connID] = expiresAt
	if expiresAt.After(next.ExpiresAt) {
		next.ExpiresAt = expiresAt
	}
	return next
}

// withoutConnection returns a copy of r without connID and without expired
// connections. ExpiresAt becomes the latest remaining expiration.
func (r Record) withoutConnection(connID string, now time.Time) Record {
	next := r
	next.Connections = make(map[string]time.Time, len(r.Connections)+1)
	next.ExpiresAt = time.Time{}
	for id, expiresAt := range r.Connections {
		if id == connID || !now.Before(expiresAt) {
			continue
		}
		next.Connections[id] = expiresAt
		if expiresAt.After(next.ExpiresAt) {
			next.ExpiresAt = expiresAt
		}
	}
	return next
}

// Store is a revisioned key-value store of presence records.
type Store interface {
	Get(ctx context.Context, userID string) (Record, uint64, error)
	// Create fails with ErrRevisionMismatch when a record exists.
	Create(ctx context.Context, record Record) (uint64, error)
	Update(ctx context.Context, record Record, revision uint64) (uint64, error)
	Delete(ctx context.Context, userID string, revision uint64) error
	Keys(ctx context.Context) ([]string, error)
}
