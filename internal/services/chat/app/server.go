// Package server exposes the realtime chat surface over websockets.
package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/louisbranch/chatline/internal/platform/timeouts"
	"github.com/louisbranch/chatline/internal/services/chat/broadcast"
	"github.com/louisbranch/chatline/internal/services/chat/directory"
	"github.com/louisbranch/chatline/internal/services/chat/eventbus"
	"github.com/louisbranch/chatline/internal/services/chat/identity"
	"github.com/louisbranch/chatline/internal/services/chat/ledger"
	"github.com/louisbranch/chatline/internal/services/chat/presence"
	"github.com/louisbranch/chatline/internal/services/chat/ratelimit"
)

const (
	tracerName = "github.com/louisbranch/chatline/internal/services/chat/app"

	maxFramePayloadBytes     = 16 * 1024
	maxFramesPerSecond       = 40
	maxDecodeErrorsPerConn   = 3
	defaultOutboundQueueSize = 256
	defaultWriteTimeout      = 10 * time.Second
)

// Config defines the chat server runtime settings.
type Config struct {
	HTTPAddr          string
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
	// AuthTimeout bounds credential verification during the upgrade.
	AuthTimeout time.Duration
	// WriteTimeout bounds a single frame write to a client.
	WriteTimeout time.Duration
	// IdleTimeout closes connections that send nothing, heartbeats included.
	// Zero uses the presence TTL.
	IdleTimeout       time.Duration
	OutboundQueueSize int
	FramesPerSecond   int
	SweepInterval     time.Duration
}

// Services are the collaborators a chat server drives. Bus is optional.
type Services struct {
	Authenticator identity.Authenticator
	Directory     *directory.Directory
	Ledger        *ledger.Ledger
	Limiter       *ratelimit.Limiter
	Presence      *presence.Coordinator
	Broadcaster   *broadcast.Broadcaster
	Bus           eventbus.Publisher
}

func (s Services) validate() error {
	switch {
	case s.Authenticator == nil:
		return errors.New("authenticator is required")
	case s.Directory == nil:
		return errors.New("directory is required")
	case s.Ledger == nil:
		return errors.New("ledger is required")
	case s.Limiter == nil:
		return errors.New("rate limiter is required")
	case s.Presence == nil:
		return errors.New("presence coordinator is required")
	case s.Broadcaster == nil:
		return errors.New("broadcaster is required")
	}
	return nil
}

// Server hosts the chat websocket endpoint.
type Server struct {
	httpAddr        string
	shutdownTimeout time.Duration
	sweepInterval   time.Duration
	httpServer      *http.Server
	services        Services
	sessions        *sessionManager
}

func (c Config) withDefaults(services Services) Config {
	if c.ReadHeaderTimeout <= 0 {
		c.ReadHeaderTimeout = timeouts.ReadHeader
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = timeouts.Shutdown
	}
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = timeouts.Auth
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.IdleTimeout <= 0 && services.Presence != nil {
		c.IdleTimeout = services.Presence.TTL()
	}
	if c.OutboundQueueSize <= 0 {
		c.OutboundQueueSize = defaultOutboundQueueSize
	}
	if c.FramesPerSecond <= 0 {
		c.FramesPerSecond = maxFramesPerSecond
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = presence.DefaultSweepInterval
	}
	return c
}

// NewServer builds a configured chat server.
func NewServer(config Config, services Services) (*Server, error) {
	httpAddr := strings.TrimSpace(config.HTTPAddr)
	if httpAddr == "" {
		return nil, errors.New("http address is required")
	}
	if err := services.validate(); err != nil {
		return nil, err
	}
	config = config.withDefaults(services)

	sessions := newSessionManager(services)
	httpServer := &http.Server{
		Addr:              httpAddr,
		Handler:           newHandler(config, sessions),
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}

	return &Server{
		httpAddr:        httpAddr,
		shutdownTimeout: config.ShutdownTimeout,
		sweepInterval:   config.SweepInterval,
		httpServer:      httpServer,
		services:        services,
		sessions:        sessions,
	}, nil
}

// Run creates and serves a chat server until the context ends.
func Run(ctx context.Context, config Config, services Services) error {
	server, err := NewServer(config, services)
	if err != nil {
		return fmt.Errorf("init chat server: %w", err)
	}
	defer server.Close()

	if err := server.ListenAndServe(ctx); err != nil {
		return fmt.Errorf("serve chat: %w", err)
	}
	return nil
}

// ListenAndServe starts fan-out delivery and the presence sweeper, then runs
// the HTTP server until the context ends.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if s == nil {
		return errors.New("chat server is nil")
	}
	if ctx == nil {
		return errors.New("context is required")
	}
	if err := s.services.Broadcaster.Start(ctx); err != nil {
		return fmt.Errorf("start broadcaster: %w", err)
	}

	sweepCtx, stopSweep := context.WithCancel(ctx)
	sweepDone := make(chan struct{})
	go func() {
		defer close(sweepDone)
		s.services.Presence.Run(sweepCtx, s.sweepInterval)
	}()
	defer func() {
		stopSweep()
		<-sweepDone
	}()

	serveErr := make(chan error, 1)
	log.Printf("chat server listening on %s", s.httpAddr)
	go func() {
		serveErr <- s.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		err := s.httpServer.Shutdown(shutdownCtx)
		cancel()
		s.sessions.closeAll()
		if err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		return nil
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve http: %w", err)
	}
}

// Close releases server resources.
func (s *Server) Close() {
	if s == nil {
		return
	}
	s.sessions.closeAll()
	if err := s.services.Broadcaster.Close(); err != nil {
		log.Printf("chat: close broadcaster: %v", err)
	}
}
