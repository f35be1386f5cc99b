// Package chat parses chat command flags and composes the realtime service.
package chat

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	entrypoint "github.com/louisbranch/chatline/internal/platform/cmd"
	"github.com/louisbranch/chatline/internal/platform/natsconn"
	"github.com/louisbranch/chatline/internal/platform/timeouts"
	server "github.com/louisbranch/chatline/internal/services/chat/app"
	"github.com/louisbranch/chatline/internal/services/chat/broadcast"
	"github.com/louisbranch/chatline/internal/services/chat/directory"
	"github.com/louisbranch/chatline/internal/services/chat/eventbus"
	"github.com/louisbranch/chatline/internal/services/chat/identity"
	"github.com/louisbranch/chatline/internal/services/chat/ledger"
	"github.com/louisbranch/chatline/internal/services/chat/presence"
	"github.com/louisbranch/chatline/internal/services/chat/ratelimit"
	"github.com/louisbranch/chatline/internal/services/chat/storage/sqlite"
)

// EnvPrefix namespaces every chat environment variable.
const EnvPrefix = "CHAT_"

// Config holds chat command configuration.
type Config struct {
	HTTPAddr string `env:"HTTP_ADDR" envDefault:":8086"`
	DBPath   string `env:"DB_PATH"   envDefault:"data/chat.db"`

	JWTSecret           string `env:"JWT_SECRET"`
	JWTIssuer           string `env:"JWT_ISSUER"`
	JWTAudience         string `env:"JWT_AUDIENCE"`
	AuthBaseURL         string `env:"AUTH_BASE_URL"`
	OAuthResourceSecret string `env:"OAUTH_RESOURCE_SECRET"`

	// NATSURL switches fan-out, presence, rate counters and the event bus to
	// NATS. Empty runs a single instance in memory.
	NATSURL      string `env:"NATS_URL"`
	NATSUser     string `env:"NATS_USER"`
	NATSPassword string `env:"NATS_PASSWORD"`

	SendLimit         int           `env:"SEND_LIMIT"          envDefault:"30"`
	SendWindow        time.Duration `env:"SEND_WINDOW"         envDefault:"1m"`
	PresenceTTL       time.Duration `env:"PRESENCE_TTL"        envDefault:"60s"`
	OutboundQueueSize int           `env:"OUTBOUND_QUEUE_SIZE" envDefault:"256"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfigWithPrefix(&cfg, EnvPrefix); err != nil {
		return Config{}, err
	}

	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "chat HTTP listen address")
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "chat SQLite database path")
	fs.StringVar(&cfg.AuthBaseURL, "auth-base-url", cfg.AuthBaseURL, "auth service base URL for token introspection")
	fs.StringVar(&cfg.NATSURL, "nats-url", cfg.NATSURL, "NATS server URL for multi-instance mode")
	fs.IntVar(&cfg.SendLimit, "send-limit", cfg.SendLimit, "messages allowed per user per send window")
	fs.DurationVar(&cfg.SendWindow, "send-window", cfg.SendWindow, "send rate window")
	fs.DurationVar(&cfg.PresenceTTL, "presence-ttl", cfg.PresenceTTL, "presence record lifetime without heartbeat")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run builds the chat app and serves realtime transport until ctx ends.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceChat, func(ctx context.Context) error {
		services, closeAll, err := buildServices(ctx, cfg)
		if err != nil {
			return err
		}
		defer closeAll()

		if err := server.Run(ctx, server.Config{
			HTTPAddr:          cfg.HTTPAddr,
			OutboundQueueSize: cfg.OutboundQueueSize,
		}, services); err != nil {
			return fmt.Errorf("serve chat: %w", err)
		}
		return nil
	})
}

// backends are the shared-state adapters chosen by configuration.
type backends struct {
	relay     broadcast.Relay
	presence  presence.Store
	counter   ratelimit.Counter
	publisher eventbus.Publisher
	close     func()
}

func buildServices(ctx context.Context, cfg Config) (server.Services, func(), error) {
	authenticator, err := newAuthenticator(cfg)
	if err != nil {
		return server.Services{}, nil, err
	}
	store, err := openChatStore(ctx, cfg.DBPath)
	if err != nil {
		return server.Services{}, nil, err
	}
	shared, err := newBackends(ctx, cfg)
	if err != nil {
		_ = store.Close()
		return server.Services{}, nil, err
	}

	broadcaster := broadcast.New(shared.relay)
	services := server.Services{
		Authenticator: authenticator,
		Directory:     directory.New(store),
		Ledger:        ledger.New(store),
		Limiter:       ratelimit.New(shared.counter, ratelimit.WithLimit(cfg.SendLimit), ratelimit.WithWindow(cfg.SendWindow)),
		Presence:      presence.NewCoordinator(shared.presence, broadcaster, presence.WithTTL(cfg.PresenceTTL)),
		Broadcaster:   broadcaster,
		Bus:           eventbus.NewBestEffort(shared.publisher, timeouts.BusPublish),
	}
	closeAll := func() {
		shared.close()
		if err := store.Close(); err != nil {
			log.Printf("close chat store: %v", err)
		}
	}
	return services, closeAll, nil
}

func newAuthenticator(cfg Config) (identity.Authenticator, error) {
	if secret := strings.TrimSpace(cfg.JWTSecret); secret != "" {
		return identity.NewJWTVerifier(identity.JWTConfig{
			Secret:   []byte(secret),
			Issuer:   strings.TrimSpace(cfg.JWTIssuer),
			Audience: strings.TrimSpace(cfg.JWTAudience),
		})
	}
	if client := identity.NewIntrospectionClient(cfg.AuthBaseURL, cfg.OAuthResourceSecret); client != nil {
		return client, nil
	}
	return nil, errors.New("chat auth is not configured: set CHAT_JWT_SECRET or CHAT_AUTH_BASE_URL with CHAT_OAUTH_RESOURCE_SECRET")
}

func openChatStore(ctx context.Context, path string) (*sqlite.Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create storage dir: %w", err)
		}
	}
	store, err := sqlite.OpenContext(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("open chat sqlite store: %w", err)
	}
	return store, nil
}

func newBackends(ctx context.Context, cfg Config) (backends, error) {
	if strings.TrimSpace(cfg.NATSURL) == "" {
		log.Printf("chat: NATS_URL unset, running single-instance with in-memory presence and fan-out")
		return backends{
			relay:     broadcast.NewLocalRelay(),
			presence:  presence.NewMemoryStore(),
			counter:   ratelimit.NewMemoryCounter(),
			publisher: eventbus.LogPublisher{},
			close:     func() {},
		}, nil
	}

	connectCtx, cancel := context.WithTimeout(ctx, timeouts.NATSConnect)
	defer cancel()
	nc, err := natsconn.Connect(connectCtx, natsconn.Options{
		URL:      cfg.NATSURL,
		Name:     entrypoint.ServiceChat,
		User:     cfg.NATSUser,
		Password: cfg.NATSPassword,
	})
	if err != nil {
		return backends{}, fmt.Errorf("connect nats: %w", err)
	}
	fail := func(err error) (backends, error) {
		nc.Close()
		return backends{}, err
	}
	js, err := nc.JetStream()
	if err != nil {
		return fail(fmt.Errorf("jetstream context: %w", err))
	}
	presenceStore, err := presence.NewKVStore(js, cfg.PresenceTTL)
	if err != nil {
		return fail(err)
	}
	counter, err := ratelimit.NewKVCounter(js, cfg.SendWindow)
	if err != nil {
		return fail(err)
	}
	return backends{
		relay:     broadcast.NewNATSRelay(nc),
		presence:  presenceStore,
		counter:   counter,
		publisher: eventbus.NewNATSPublisher(nc),
		close: func() {
			if err := nc.Drain(); err != nil {
				log.Printf("drain nats connection: %v", err)
			}
		},
	}, nil
}
