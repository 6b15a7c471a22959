package sequence

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRetention keeps a day's counter around long enough to cover clock
// skew between nodes around midnight.
const DefaultRetention = 72 * time.Hour

// RedisCounter increments invoice:seq:<day> keys.
type RedisCounter struct {
	client    *redis.Client
	retention time.Duration
}

// NewRedisCounter constructs the counter.
func NewRedisCounter(client *redis.Client, retention time.Duration) *RedisCounter {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &RedisCounter{client: client, retention: retention}
}

// Increment issues INCR and refreshes the expiry in one MULTI block.
func (c *RedisCounter) Increment(ctx context.Context, dayKey string) (int64, error) {
	key := redisKeyNS + dayKey
	var incr *redis.IntCmd
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		pipe.Expire(ctx, key, c.retention)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return incr.Val(), nil
}
