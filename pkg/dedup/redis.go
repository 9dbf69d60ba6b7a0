package dedup

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const keyPrefix = "taskflow:dedup:"

// Redis shares seen keys between engine replicas. Keys expire after ttl.
type Redis struct {
	client redis.UniversalClient
	ttl    time.Duration
	logger *slog.Logger
}

// NewRedis connects to the redis:// URL and verifies the connection.
func NewRedis(ctx context.Context, logger *slog.Logger, url string, ttl time.Duration) (*Redis, error) {
	options, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	client := redis.NewClient(options)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	err = client.Ping(pingCtx).Err()
	if err != nil {
		_ = client.Close()

		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.InfoContext(ctx, "Connected to Redis", "addr", options.Addr, "db", options.DB)

	return &Redis{client: client, ttl: ttl, logger: logger}, nil
}

func (r *Redis) MarkSeen(ctx context.Context, key string) (bool, error) {
	stored, err := r.client.SetNX(ctx, keyPrefix+key, time.Now().UTC().Format(time.RFC3339Nano), r.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to record dedup key: %w", err)
	}

	return !stored, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}
