package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/example/waste-classifier/internal/logging"
	"github.com/example/waste-classifier/internal/storage"
)

// Cache abstracts the Redis operations used by the use case to make testing easier.
type Cache interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	Get(ctx context.Context, key string) (string, error)
}

// RedisCache is a concrete implementation backed by go-redis.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache constructs a new Redis-backed cache adapter.
func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

// Set writes a value to Redis.
func (c *RedisCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	return c.client.Set(ctx, key, value, expiration).Err()
}

// Get retrieves a cached value from Redis.
func (c *RedisCache) Get(ctx context.Context, key string) (string, error) {
	return c.client.Get(ctx, key).Result()
}

func recordCacheKey(id string) string {
	return fmt.Sprintf("image_record:%s", id)
}

// GetRecord returns the stored record for id, from the cache when present.
// A missing record yields storage.ErrNotFound.
func (uc *ClassificationUseCase) GetRecord(ctx context.Context, id string) (*storage.ImageRecord, error) {
	requestID := RequestIDFromContext(ctx)
	opLogger := logging.WithOperation(uc.logger, "usecase.get_record", requestID)

	if uc.deps.Cache != nil {
		cached, err := uc.withRedisGet(ctx, requestID, id, "cache.get.record")
		switch {
		case err == nil:
			var record storage.ImageRecord
			if err := json.Unmarshal([]byte(cached), &record); err != nil {
				opLogger.Warn("failed to decode cached record", zap.Error(err))
			} else {
				return &record, nil
			}
		case !errors.Is(err, redis.Nil):
			opLogger.Warn("failed to read cache", zap.Error(err))
		}
	}

	record, err := uc.deps.Artifacts.GetMetadata(ctx, id)
	if err != nil {
		return nil, err
	}
	uc.cacheRecord(ctx, requestID, record)
	return record, nil
}

// cacheRecord stores record in the cache. Failures are logged only.
func (uc *ClassificationUseCase) cacheRecord(ctx context.Context, requestID string, record *storage.ImageRecord) {
	if uc.deps.Cache == nil {
		return
	}
	serialized, err := json.Marshal(record)
	if err != nil {
		uc.logger.Warn("failed to serialize record", zap.String("img_id", record.ImgID), zap.Error(err))
		return
	}
	if err := uc.withRedisRetry(ctx, requestID, record.ImgID, "cache.set.record", func() error {
		return uc.deps.Cache.Set(ctx, recordCacheKey(record.ImgID), string(serialized), uc.recordTTL)
	}); err != nil {
		logging.WithOperation(uc.logger, "usecase.cache_record", requestID).Warn("failed to cache record", zap.Error(err))
	}
}

func (uc *ClassificationUseCase) withRedisRetry(ctx context.Context, requestID, imgID, operation string, fn func() error) error {
	if uc.retryAttempts <= 1 {
		err := fn()
		return logging.NewOperationError(operation, imgID, err)
	}

	backoff := uc.initialBackoff
	opLogger := logging.WithOperation(uc.logger, operation, requestID)
	var err error
	for attempt := 0; attempt < uc.retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, imgID, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= uc.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("redis operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}

		if !logging.IsTransient(err) || attempt == uc.retryAttempts-1 {
			if !errors.Is(err, redis.Nil) {
				opLogger.Error("redis operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			}
			return logging.NewOperationError(operation, imgID, err)
		}

		opLogger.Warn("transient redis error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, imgID, err)
}

func (uc *ClassificationUseCase) withRedisGet(ctx context.Context, requestID, imgID, operation string) (string, error) {
	var result string
	err := uc.withRedisRetry(ctx, requestID, imgID, operation, func() error {
		value, err := uc.deps.Cache.Get(ctx, recordCacheKey(imgID))
		if err != nil {
			return err
		}
		result = value
		return nil
	})
	if err != nil {
		return "", err
	}
	return result, nil
}
