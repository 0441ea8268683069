// Package redissink publishes session events to a Redis pub/sub channel so
// a UI process can follow presence, delivery and transfer progress.
//
// Events are published as JSON. Failed publishes are retried with
// exponential backoff.
package redissink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/sealchat/ircsession"
)

// DefaultChannel is the default pub/sub channel name.
const DefaultChannel = "ircsession:events"

// DefaultTimeout is the default per-publish timeout.
const DefaultTimeout = 5 * time.Second

// DefaultRetries is the default number of retry attempts.
const DefaultRetries = 3

// Config configures the sink.
type Config struct {
	// URL is the Redis connection URL (required).
	// Format: redis://[:password@]host:port[/db]
	URL string
	// Channel is the pub/sub channel name (default: ircsession:events).
	Channel string
	// Timeout is the per-publish timeout (default 5s).
	Timeout time.Duration
	// Retries is the number of retry attempts on failure (default 3).
	Retries int
	// BaseBackoff is the delay before the first retry; it doubles per retry.
	BaseBackoff time.Duration
}

// FromEventsConfig maps the session configuration section onto Config.
func FromEventsConfig(c ircsession.EventsConfig) Config {
	return Config{URL: c.RedisURL, Channel: c.Channel, Timeout: c.Timeout, Retries: c.Retries}
}

// Sink implements ircsession.EventSink via Redis PUBLISH.
type Sink struct {
	config Config
	client *goredis.Client
}

var _ ircsession.EventSink = (*Sink)(nil)

// New creates a sink. It returns an error if the URL is empty or invalid.
func New(cfg Config) (*Sink, error) {
	if cfg.URL == "" {
		return nil, errors.New("redis sink requires a URL")
	}
	opts, err := goredis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("redis sink: invalid URL: %w", err)
	}
	if cfg.Channel == "" {
		cfg.Channel = DefaultChannel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Retries < 0 {
		return nil, fmt.Errorf("retries must be >= 0, got %d", cfg.Retries)
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = 500 * time.Millisecond
	}
	return &Sink{config: cfg, client: goredis.NewClient(opts)}, nil
}

// Emit publishes ev as JSON to the configured channel.
func (s *Sink) Emit(ctx context.Context, ev ircsession.Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("redis: marshal event: %w", err)
	}

	var lastErr error
	attempts := 1 + s.config.Retries
	for i := 0; i < attempts; i++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("redis: context canceled: %w", err)
		}
		if i > 0 {
			backoff := time.Duration(1<<uint(i-1)) * s.config.BaseBackoff
			select {
			case <-ctx.Done():
				return fmt.Errorf("redis: context canceled during backoff: %w", ctx.Err())
			case <-time.After(backoff):
			}
		}

		publishCtx, cancel := context.WithTimeout(ctx, s.config.Timeout)
		lastErr = s.client.Publish(publishCtx, s.config.Channel, body).Err()
		cancel()
		if lastErr == nil {
			return nil
		}
		log.Debug().
			Err(lastErr).
			Int("attempt", i+1).
			Str("kind", string(ev.Kind)).
			Msg("event publish failed")
	}
	return fmt.Errorf("redis: failed after %d attempts: %w", attempts, lastErr)
}

// Close releases the Redis client.
func (s *Sink) Close() error {
	return s.client.Close()
}
