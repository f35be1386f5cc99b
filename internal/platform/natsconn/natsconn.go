// Package natsconn dials NATS and binds the JetStream key-value buckets
// shared by chat instances.
package natsconn

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

const defaultRetryWait = 500 * time.Millisecond

// Options configures Connect.
type Options struct {
	URL       string
	Name      string
	User      string
	Password  string
	RetryWait time.Duration
}

// Connect dials NATS, retrying until ctx expires. The returned connection
// reconnects forever once established.
func Connect(ctx context.Context, opts Options) (*nats.Conn, error) {
	url := strings.TrimSpace(opts.URL)
	if url == "" {
		return nil, errors.New("nats url is required")
	}
	if ctx == nil {
		return nil, errors.New("context is required")
	}
	wait := opts.RetryWait
	if wait <= 0 {
		wait = defaultRetryWait
	}

	natsOpts := []nats.Option{
		nats.Name(opts.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("nats: disconnected err=%v", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("nats: reconnected url=%s", nc.ConnectedUrl())
		}),
	}
	if opts.User != "" {
		natsOpts = append(natsOpts, nats.UserInfo(opts.User, opts.Password))
	}

	for attempt := 1; ; attempt++ {
		nc, err := nats.Connect(url, natsOpts...)
		if err == nil {
			return nc, nil
		}
		log.Printf("nats: waiting for server attempt=%d err=%v", attempt, err)
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("connect nats %s: %w", url, err)
		case <-time.After(wait):
		}
	}
}

// BindKeyValue returns the bucket described by cfg, creating it when missing.
func BindKeyValue(js nats.JetStreamContext, cfg nats.KeyValueConfig) (nats.KeyValue, error) {
	if js == nil {
		return nil, errors.New("jetstream context is required")
	}
	kv, err := js.KeyValue(cfg.Bucket)
	if err == nil {
		return kv, nil
	}
	if !errors.Is(err, nats.ErrBucketNotFound) {
		return nil, fmt.Errorf("bind kv %s: %w", cfg.Bucket, err)
	}
	kv, err = js.CreateKeyValue(&cfg)
	if err != nil {
		return nil, fmt.Errorf("create kv %s: %w", cfg.Bucket, err)
	}
	return kv, nil
}

// IsRevisionMismatch reports whether err is a failed compare-and-swap on a
// key-value entry.
func IsRevisionMismatch(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, nats.ErrKeyExists) {
		return true
	}
	var apiErr *nats.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode == nats.JSErrCodeStreamWrongLastSequence
	}
	return false
}
