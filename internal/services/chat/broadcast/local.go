package broadcast

import (
	"context"
	"errors"
	"sync"
)

// LocalRelay loops envelopes back to this instance only. Rooms do not span
// instances with it; use NATSRelay when more than one instance serves clients.
type LocalRelay struct {
	mu      sync.RWMutex
	deliver func(context.Context, Envelope)
}

// NewLocalRelay returns a relay for single-instance deployments and tests.
func NewLocalRelay() *LocalRelay {
	return &LocalRelay{}
}

// Start implements Relay.
func (r *LocalRelay) Start(_ context.Context, deliver func(context.Context, Envelope)) error {
	if deliver == nil {
		return errors.New("deliver func is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deliver = deliver
	return nil
}

// Publish delivers synchronously, so per-room publish order is delivery order.
func (r *LocalRelay) Publish(ctx context.Context, envelope Envelope) error {
	r.mu.RLock()
	deliver := r.deliver
	r.mu.RUnlock()
	if deliver == nil {
		return errors.New("relay is not started")
	}
	deliver(ctx, envelope)
	return nil
}

// Close implements Relay.
func (r *LocalRelay) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deliver = nil
	return nil
}
