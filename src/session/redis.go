package session

import (
	"context"
	"errors"
	"time"

	"github.com/DevelopmentBelt/angcord-relay/src/types"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisConfig holds connection settings for the Redis session directory.
type RedisConfig struct {
	Addr     string // Redis address, default "localhost:6379"
	Password string // Redis password, default ""
	DB       int    // Redis database number, default 0
	Prefix   string // Session key prefix, default "angcord:session:"
}

// DefaultRedisConfig returns a RedisConfig with sensible defaults.
func DefaultRedisConfig() *RedisConfig {
	return &RedisConfig{
		Addr:   "localhost:6379",
		Prefix: "angcord:session:",
	}
}

// RedisDirectory resolves session tokens against Redis. Tokens are keys
// under the configured prefix whose value is the user id.
type RedisDirectory struct {
	client *redis.Client
	prefix string
	logger zerolog.Logger
}

// NewRedisDirectory creates a directory backed by the given Redis.
func NewRedisDirectory(cfg *RedisConfig, logger zerolog.Logger) *RedisDirectory {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &RedisDirectory{
		client: client,
		prefix: cfg.Prefix,
		logger: logger.With().Str("component", "session-directory").Logger(),
	}
}

// Start verifies the Redis connection.
func (d *RedisDirectory) Start(ctx context.Context) error {
	if err := d.client.Ping(ctx).Err(); err != nil {
		return err
	}
	d.logger.Info().Msg("redis session directory connected")
	return nil
}

// Resolve looks up the user id for a session token.
func (d *RedisDirectory) Resolve(ctx context.Context, credential string) (types.UserID, error) {
	if credential == "" {
		return "", ErrUnknownSession
	}
	val, err := d.client.Get(ctx, d.prefix+credential).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrUnknownSession
	}
	if err != nil {
		return "", err
	}
	return types.UserID(val), nil
}

// Put records a session token for a user, expiring after ttl. Exposed so
// the auth layer in front of the relay can seed sessions.
func (d *RedisDirectory) Put(ctx context.Context, credential string, user types.UserID, ttl time.Duration) error {
	return d.client.Set(ctx, d.prefix+credential, string(user), ttl).Err()
}

// Stop closes the Redis connection.
func (d *RedisDirectory) Stop() error {
	return d.client.Close()
}
