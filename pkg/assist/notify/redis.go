package notify

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "omi:notify:"

// RedisWindows shares the sliding windows across replicas using one sorted
// set per user, scored by delivery time in milliseconds.
type RedisWindows struct {
	client *redis.Client
	window time.Duration
	max    int
}

func NewRedisWindows(client *redis.Client, window time.Duration, max int) *RedisWindows {
	if window <= 0 {
		window = time.Hour
	}
	if max <= 0 {
		max = 10
	}
	return &RedisWindows{client: client, window: window, max: max}
}

func (r *RedisWindows) TryConsume(ctx context.Context, userID string, now time.Time) (Decision, error) {
	key := redisKeyPrefix + userID
	cutoff := now.Add(-r.window).UnixMilli()

	pipe := r.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "0", strconv.FormatInt(cutoff, 10))
	cardCmd := pipe.ZCard(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return Decision{}, fmt.Errorf("notify window prune: %w", err)
	}

	if cardCmd.Val() >= int64(r.max) {
		oldest, err := r.client.ZRangeWithScores(ctx, key, 0, 0).Result()
		if err != nil {
			return Decision{}, fmt.Errorf("notify window oldest: %w", err)
		}
		retry := 1
		if len(oldest) > 0 {
			retry = retryAfterSeconds(time.UnixMilli(int64(oldest[0].Score)), now, r.window)
		}
		return Decision{RetryAfterSeconds: retry}, nil
	}

	add := r.client.TxPipeline()
	add.ZAdd(ctx, key, redis.Z{Score: float64(now.UnixMilli()), Member: uuid.NewString()})
	add.Expire(ctx, key, r.window)
	if _, err := add.Exec(ctx); err != nil {
		return Decision{}, fmt.Errorf("notify window append: %w", err)
	}
	return Decision{Allowed: true}, nil
}
