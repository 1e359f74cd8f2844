// Package kv is a thin wrapper over a Redis-compatible KV store. It exposes
// two logical connections — Pub for ad-hoc commands and Stream for
// pub/sub and streams — plus helpers for the kernel's key namespace and
// scripted atomic operations.
package kv

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
)

// KeyPrefix is the mandatory prefix for every key the kernel touches (§6.4).
const KeyPrefix = "cb:"

// Config configures the two logical connections.
type Config struct {
	URL          string
	PoolSize     int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Client wraps the pub and stream Redis connections used throughout the
// kernel.
type Client struct {
	pub    *redis.Client
	stream *redis.Client
	cfg    Config
}

// New parses cfg.URL and dials both logical connections.
func New(cfg Config) (*Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse kv url: %w", err)
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}
	if cfg.DialTimeout > 0 {
		opts.DialTimeout = cfg.DialTimeout
	}
	if cfg.ReadTimeout > 0 {
		opts.ReadTimeout = cfg.ReadTimeout
	}
	if cfg.WriteTimeout > 0 {
		opts.WriteTimeout = cfg.WriteTimeout
	}

	pub := redis.NewClient(opts)
	// The stream connection is independent so a blocking XREAD/Subscribe
	// call never starves ad-hoc command latency on the pub connection.
	streamOpts := *opts
	stream := redis.NewClient(&streamOpts)

	return &Client{pub: pub, stream: stream, cfg: cfg}, nil
}

// NewFromClients wraps already-constructed redis clients, used by tests to
// point both logical connections at a single miniredis instance.
func NewFromClients(pub, stream *redis.Client) *Client {
	return &Client{pub: pub, stream: stream}
}

// Pub returns the connection used for ad-hoc commands (strings, hashes,
// lists, sorted sets, sets, scan, pipelines, scripts).
func (c *Client) Pub() *redis.Client { return c.pub }

// Stream returns the connection used for pub/sub and stream operations.
func (c *Client) Stream() *redis.Client { return c.stream }

// Ping checks liveness of both connections.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.pub.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("kv ping (pub): %w", err)
	}
	if err := c.stream.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("kv ping (stream): %w", err)
	}
	return nil
}

// Close tears down both connections.
func (c *Client) Close() error {
	var errs []string
	if err := c.pub.Close(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.stream.Close(); err != nil {
		errs = append(errs, err.Error())
	}
	if len(errs) > 0 {
		return fmt.Errorf("kv close: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Key joins parts under the kernel's key namespace, e.g.
// Key("task", id) -> "cb:task:<id>".
func Key(parts ...string) string {
	return KeyPrefix + strings.Join(parts, ":")
}

// DBSize reports the number of keys in the selected database.
func (c *Client) DBSize(ctx context.Context) (int64, error) {
	return c.pub.DBSize(ctx).Result()
}

// Type reports the Redis type of a key.
func (c *Client) Type(ctx context.Context, key string) (string, error) {
	return c.pub.Type(ctx, key).Result()
}

// Scan iterates keys matching pattern, calling fn for each batch cursor
// until exhausted or fn returns false.
func (c *Client) Scan(ctx context.Context, pattern string, count int64, fn func(keys []string) bool) error {
	var cursor uint64
	for {
		keys, next, err := c.pub.Scan(ctx, cursor, pattern, count).Result()
		if err != nil {
			return err
		}
		if len(keys) > 0 && !fn(keys) {
			return nil
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}
