package redisclient

import (
    "context"
    "fmt"
    "time"

    "github.com/doctorcmptrmita2/agentwall/config"
    "github.com/redis/go-redis/v9"
)

type Client struct {
    c *redis.Client
}

// New creates a Redis client from the provided config. Returns an error
// if the Redis URL cannot be parsed.
func New(cfg *config.Config) (*Client, error) {
    opt, err := redis.ParseURL(cfg.RedisURL)
    if err != nil {
        return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
    }
    r := redis.NewClient(opt)
    return &Client{c: r}, nil
}

func (r *Client) Ping() error {
    ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
    defer cancel()
    return r.c.Ping(ctx).Err()
}

// SetEx stores value under key with the given TTL, resetting the TTL
// on every call (last-writer-wins, no transaction).
func (r *Client) SetEx(ctx context.Context, key string, value []byte, ttl time.Duration) error {
    return r.c.Set(ctx, key, value, ttl).Err()
}

// Get returns the raw value stored under key. It returns
// redis.Nil-wrapped error (checkable via errors.Is(err, redis.Nil))
// when the key does not exist.
func (r *Client) Get(ctx context.Context, key string) ([]byte, error) {
    return r.c.Get(ctx, key).Bytes()
}

// ErrNil is the sentinel the caller should compare against via
// errors.Is to detect a cache miss.
var ErrNil = redis.Nil
