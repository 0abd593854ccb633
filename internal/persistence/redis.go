package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/solsync-africa/dispatch/internal/config"
)

// Redis wraps the go-redis client.
type Redis struct {
	Client *redis.Client
}

// NewRedis connects to Redis using the provided configuration.
func NewRedis(cfg config.RedisConfig, logger *zap.Logger) *Redis {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(context.Background()).Err(); err != nil {
		logger.Warn("unable to reach redis", zap.Error(err))
	} else {
		logger.Info("connected to redis")
	}

	return &Redis{Client: client}
}

// Close closes the client.
func (r *Redis) Close() {
	if r != nil && r.Client != nil {
		_ = r.Client.Close()
	}
}

// Ping verifies Redis connectivity.
func (r *Redis) Ping(ctx context.Context) error {
	if r == nil || r.Client == nil {
		return errors.New("redis client not configured")
	}
	return r.Client.Ping(ctx).Err()
}

// PublishOnce publishes payload on channel unless dedupKey was already
// published within ttl. It reports whether a message was sent. The dedup
// marker is removed again when the publish itself fails so a retry can go out.
func (r *Redis) PublishOnce(ctx context.Context, channel, dedupKey string, payload []byte, ttl time.Duration) (bool, error) {
	if r == nil || r.Client == nil {
		return false, errors.New("redis client not configured")
	}
	marker := "solsync:notified:" + dedupKey
	fresh, err := r.Client.SetNX(ctx, marker, time.Now().UTC().Format(time.RFC3339Nano), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("reserve dedup key %s: %w", dedupKey, err)
	}
	if !fresh {
		return false, nil
	}
	if err := r.Client.Publish(ctx, channel, payload).Err(); err != nil {
		if delErr := r.Client.Del(ctx, marker).Err(); delErr != nil {
			err = errors.Join(err, delErr)
		}
		return false, fmt.Errorf("publish %s: %w", channel, err)
	}
	return true, nil
}
