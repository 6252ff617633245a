package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisOption tunes the shared tier client.
type RedisOption func(*redisConfig)

type redisConfig struct {
	addr     string
	password string
	db       int
	poolSize int
	prefix   string
}

// WithAddr sets the redis address.
func WithAddr(addr string) RedisOption {
	return func(c *redisConfig) {
		c.addr = addr
	}
}

// WithPassword sets the redis password.
func WithPassword(password string) RedisOption {
	return func(c *redisConfig) {
		c.password = password
	}
}

// WithDB selects the redis database number.
func WithDB(db int) RedisOption {
	return func(c *redisConfig) {
		c.db = db
	}
}

// WithPoolSize sets the connection pool size.
func WithPoolSize(n int) RedisOption {
	return func(c *redisConfig) {
		c.poolSize = n
	}
}

// WithPrefix sets the key namespace so one instance can serve several
// environments.
func WithPrefix(prefix string) RedisOption {
	return func(c *redisConfig) {
		c.prefix = prefix
	}
}

// Redis is the shared tier. Values live under prefix:key.
type Redis struct {
	client *redis.Client
	prefix string
}

// NewRedis connects and pings the server, failing fast when redis is
// unreachable so a misconfigured tier is caught at startup.
func NewRedis(opts ...RedisOption) (*Redis, error) {
	cfg := &redisConfig{
		addr:     "localhost:6379",
		poolSize: 10,
		prefix:   "marketpull",
	}
	for _, opt := range opts {
		opt(cfg)
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.addr,
		Password: cfg.password,
		DB:       cfg.db,
		PoolSize: cfg.poolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &Redis{client: client, prefix: cfg.prefix}, nil
}

func (r *Redis) GetBytes(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := r.client.Get(ctx, r.wrapKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return b, true, nil
}

func (r *Redis) SetBytes(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return r.client.Set(ctx, r.wrapKey(key), value, ttl).Err()
}

func (r *Redis) Close() error {
	return r.client.Close()
}

func (r *Redis) wrapKey(key string) string {
	return r.prefix + ":" + key
}
