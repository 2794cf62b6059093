package database

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/irfndi/kfold-ensemble-go/internal/config"
	"github.com/irfndi/kfold-ensemble-go/internal/logging"
	"github.com/redis/go-redis/v9"
)

const (
	redisClientName    = "kfold-ensemble"
	redisDialAttempts  = 3
	redisAttemptWindow = 2 * time.Second
	redisHealthTimeout = time.Second
)

// RedisClient holds the connection backing the shared fold assignment cache.
type RedisClient struct {
	Client *redis.Client
	logger logging.Logger
	once   sync.Once
}

func redisOptions(cfg config.RedisConfig) *redis.Options {
	return &redis.Options{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password:     cfg.Password,
		DB:           cfg.DB,
		ClientName:   redisClientName,
		DialTimeout:  redisAttemptWindow,
		ReadTimeout:  redisAttemptWindow,
		WriteTimeout: redisAttemptWindow,
	}
}

// NewRedisConnection dials Redis and pings it up to three times before giving up.
// Callers treat a failure as "no shared cache" and fall back to memory.
func NewRedisConnection(ctx context.Context, cfg config.RedisConfig, logger logging.Logger) (*RedisClient, error) {
	rdb := redis.NewClient(redisOptions(cfg))

	var lastErr error
	for attempt := 1; attempt <= redisDialAttempts; attempt++ {
		pingCtx, cancel := context.WithTimeout(ctx, redisAttemptWindow)
		lastErr = rdb.Ping(pingCtx).Err()
		cancel()
		if lastErr == nil {
			break
		}
		if ctx.Err() != nil {
			lastErr = ctx.Err()
			break
		}
		logger.WithComponent("redis").Debug("Redis ping failed",
			"addr", rdb.Options().Addr, "attempt", attempt, "error", lastErr)
	}
	if lastErr != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s after %d attempts: %w",
			rdb.Options().Addr, redisDialAttempts, lastErr)
	}

	logger.WithComponent("redis").Info("Fold cache backend connected", "addr", rdb.Options().Addr, "db", cfg.DB)
	return &RedisClient{Client: rdb, logger: logger}, nil
}

// Close releases the connection. Safe to call more than once.
func (r *RedisClient) Close() {
	if r.Client == nil {
		return
	}
	r.once.Do(func() {
		if err := r.Client.Close(); err != nil && r.logger != nil {
			r.logger.WithError(err).Warn("Redis close failed")
		}
	})
}

// HealthCheck pings Redis with its own short deadline so a stalled cache
// cannot hold up the health endpoint.
func (r *RedisClient) HealthCheck(ctx context.Context) error {
	if r.Client == nil {
		return fmt.Errorf("redis client not initialised")
	}
	pingCtx, cancel := context.WithTimeout(ctx, redisHealthTimeout)
	defer cancel()
	return r.Client.Ping(pingCtx).Err()
}
