package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vietddude/notifyguard/internal/reliability/classify"
)

// Client wraps the Redis connection shared by claims and the escalation stream.
type Client struct {
	rdb    *redis.Client
	prefix string
}

// Config holds Redis connection configuration.
type Config struct {
	URL       string `yaml:"url"`
	Password  string `yaml:"password"`
	KeyPrefix string `yaml:"key_prefix"`
}

// NewClient creates a new Redis client.
func NewClient(cfg Config) (*Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, &classify.ConfigFailure{Key: "redis.url", Reason: err.Error()}
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}

	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, &classify.InitFailure{Component: "redis", Err: err}
	}

	return newClient(rdb, cfg.KeyPrefix), nil
}

func newClient(rdb *redis.Client, prefix string) *Client {
	if prefix == "" {
		prefix = "notifyguard"
	}
	return &Client{rdb: rdb, prefix: prefix}
}

// Close closes the Redis connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Health pings the server.
func (c *Client) Health(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Key helpers
func (c *Client) claimKey(id string) string {
	return fmt.Sprintf("%s:capacity_claim:%s", c.prefix, id)
}

func (c *Client) escalationKey() string {
	return fmt.Sprintf("%s:escalations", c.prefix)
}

func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &classify.StoreFailure{Op: "redis " + op, Err: err}
}
