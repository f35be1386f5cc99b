// Package timeouts defines shared timeout constants used across the chat
// service boundaries so the durations stay discoverable in one place.
package timeouts

import "time"

// Auth caps how long a connection handshake may wait on the identity provider.
const Auth = 5 * time.Second

// ReadHeader limits how long an HTTP server waits for request headers.
const ReadHeader = 5 * time.Second

// Shutdown limits how long an HTTP server waits for in-flight requests
// during graceful shutdown.
const Shutdown = 5 * time.Second

// BusPublish caps a single best-effort event bus publish.
const BusPublish = 2 * time.Second

// NATSConnect caps the initial dial to the NATS cluster.
const NATSConnect = 10 * time.Second

// StoreOp caps one presence store or rate-limit counter round trip.
const StoreOp = 2 * time.Second
