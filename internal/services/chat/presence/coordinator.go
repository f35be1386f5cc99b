package presence

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	apperrors "github.com/louisbranch/chatline/internal/platform/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	// DefaultTTL is how long a record stays online without a heartbeat.
	DefaultTTL = 60 * time.Second
	// DefaultSweepInterval is how often Run scans for expired records.
	DefaultSweepInterval = 15 * time.Second

	// EventPresenceUpdate is the outbound event name for transitions.
	EventPresenceUpdate = "presence-update"

	maxCASAttempts = 8
)

// Notifier fans a presence transition out to every connected session.
type Notifier interface {
	BroadcastAll(ctx context.Context, event string, payload any) error
}

// Update is the presence-update payload.
type Update struct {
	UserID   string    `json:"userId"`
	Status   Status    `json:"status"`
	LastSeen time.Time `json:"lastSeen"`
}

// Coordinator applies presence transitions against a shared Store so that
// each online or offline transition is announced once across instances.
type Coordinator struct {
	store       Store
	notifier    Notifier
	ttl         time.Duration
	now         func() time.Time
	transitions metric.Int64Counter
}

// Option customizes a Coordinator.
type Option func(*Coordinator)

// WithTTL sets the record lifetime refreshed by heartbeats.
func WithTTL(ttl time.Duration) Option {
	return func(c *Coordinator) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

// NewCoordinator builds a Coordinator.
func NewCoordinator(store Store, notifier Notifier, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:    store,
		notifier: notifier,
		ttl:      DefaultTTL,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	transitions, err := otel.Meter("chat.presence").Int64Counter("chat_presence_transitions_total",
		metric.WithDescription("Presence transitions announced by this instance"))
	if err == nil {
		c.transitions = transitions
	}
	return c
}

// TTL returns the record lifetime.
func (c *Coordinator) TTL() time.Duration {
	return c.ttl
}

// Connect marks userID online and records connID as one of its live
// connections. Only an offline to online transition is announced.
func (c *Coordinator) Connect(ctx context.Context, userID string, connID string) error {
	return c.touch(ctx, "connect", userID, connID, "")
}

// Heartbeat extends connID's lifetime. A vanished or expired record is
// recreated and announced online.
func (c *Coordinator) Heartbeat(ctx context.Context, userID string, connID string) error {
	return c.touch(ctx, "heartbeat", userID, connID, "")
}

// SetStatus switches between online and away and announces changes.
func (c *Coordinator) SetStatus(ctx context.Context, userID string, connID string, status Status) error {
	if status != StatusOnline && status != StatusAway {
		return apperrors.New(apperrors.CodeBadRequest, "status must be online or away")
	}
	return c.touch(ctx, "set status", userID, connID, status)
}

// touch refreshes connID and applies status when set. A record that was
// missing or expired comes back online.
func (c *Coordinator) touch(ctx context.Context, op string, userID string, connID string, status Status) error {
	return c.retry(ctx, op, func() (bool, Update, error) {
		now := c.now().UTC()
		expiresAt := now.Add(c.ttl)
		current, revision, err := c.store.Get(ctx, userID)
		if errors.Is(err, ErrNotFound) {
			record := Record{UserID: userID, Status: StatusOnline}
			if status != "" {
				record.Status = status
			}
			record.LastSeen = now
			record = record.withConnection(connID, expiresAt, now)
			if _, err := c.store.Create(ctx, record); err != nil {
				return false, Update{}, err
			}
			return true, updateFor(record), nil
		}
		if err != nil {
			return false, Update{}, err
		}

		revived := current.Expired(now)
		record := current.withConnection(connID, expiresAt, now)
		record.LastSeen = now
		if revived {
			record.Status = StatusOnline
		}
		changed := revived
		if status != "" && record.Status != status {
			record.Status = status
			changed = true
		}
		if _, err := c.store.Update(ctx, record, revision); err != nil {
			return false, Update{}, err
		}
		return changed, updateFor(record), nil
	})
}

// Disconnect removes connID from the user's live connections. A connection
// the record no longer lists is ignored. The user goes offline, and is
// announced once, only when no live connection remains on any instance.
func (c *Coordinator) Disconnect(ctx context.Context, userID string, connID string) error {
	return c.retry(ctx, "disconnect", func() (bool, Update, error) {
		now := c.now().UTC()
		current, revision, err := c.store.Get(ctx, userID)
		if errors.Is(err, ErrNotFound) {
			return false, Update{}, nil
		}
		if err != nil {
			return false, Update{}, err
		}
		if _, ok := current.Connections[connID]; !ok {
			return false, Update{}, nil
		}

		record := current.withoutConnection(connID, now)
		if len(record.Connections) > 0 {
			if _, err := c.store.Update(ctx, record, revision); err != nil {
				return false, Update{}, err
			}
			return false, Update{}, nil
		}

		if err := c.store.Delete(ctx, userID, revision); err != nil {
			return false, Update{}, err
		}
		return true, Update{UserID: userID, Status: StatusOffline, LastSeen: now}, nil
	})
}

// Status returns the user's presence. Missing or expired records are offline.
func (c *Coordinator) Status(ctx context.Context, userID string) (Status, error) {
	record, _, err := c.store.Get(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		return StatusOffline, nil
	}
	if err != nil {
		return "", apperrors.Wrap(apperrors.CodeUnavailable, "presence store", err)
	}
	if record.Expired(c.now()) {
		return StatusOffline, nil
	}
	return record.Status, nil
}

// Sweep deletes expired records. The instance whose compare-and-swap delete
// wins announces the offline transition, so each expiry is announced once.
func (c *Coordinator) Sweep(ctx context.Context) (int, error) {
	keys, err := c.store.Keys(ctx)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.CodeUnavailable, "presence store", err)
	}
	now := c.now().UTC()
	expired := 0
	for _, userID := range keys {
		record, revision, err := c.store.Get(ctx, userID)
		if err != nil {
			if !errors.Is(err, ErrNotFound) {
				log.Printf("chat: presence sweep get failed user=%q err=%v", userID, err)
			}
			continue
		}
		if !record.Expired(now) {
			continue
		}
		if err := c.store.Delete(ctx, userID, revision); err != nil {
			if !errors.Is(err, ErrRevisionMismatch) {
				log.Printf("chat: presence sweep delete failed user=%q err=%v", userID, err)
			}
			continue
		}
		expired++
		c.announce(ctx, Update{UserID: userID, Status: StatusOffline, LastSeen: record.LastSeen})
	}
	return expired, nil
}

// Run sweeps every interval until ctx ends.
func (c *Coordinator) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.Sweep(ctx); err != nil && ctx.Err() == nil {
				log.Printf("chat: presence sweep failed err=%v", err)
			}
		}
	}
}

func updateFor(record Record) Update {
	return Update{UserID: record.UserID, Status: record.Status, LastSeen: record.LastSeen}
}

// retry re-runs a read-modify-write step while it loses compare-and-swap races
// and announces the resulting transition when the step reports one.
func (c *Coordinator) retry(ctx context.Context, op string, step func() (bool, Update, error)) error {
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		announce, update, err := step()
		if errors.Is(err, ErrRevisionMismatch) {
			continue
		}
		if err != nil {
			return apperrors.Wrap(apperrors.CodeUnavailable, "presence "+op, err)
		}
		if announce {
			c.announce(ctx, update)
		}
		return nil
	}
	return apperrors.Wrap(apperrors.CodeUnavailable, "presence "+op, fmt.Errorf("too much contention"))
}

func (c *Coordinator) announce(ctx context.Context, update Update) {
	if c.transitions != nil {
		c.transitions.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(update.Status))))
	}
	if c.notifier == nil {
		return
	}
	if err := c.notifier.BroadcastAll(ctx, EventPresenceUpdate, update); err != nil {
		log.Printf("chat: presence broadcast failed user=%q status=%s err=%v", update.UserID, update.Status, err)
	}
}
