package rediscache

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// RateLimiter — счётчик вызовов в окне на redis INCR. Ключ несёт в себе
// бакет времени и истекает сам, отдельной очистки не нужно.
type RateLimiter struct {
	client *redis.Client
}

func NewRateLimiter(addr string) *RateLimiter {
	return &RateLimiter{client: redis.NewClient(&redis.Options{Addr: addr})}
}

// Allow инкрементирует счётчик ключа и сравнивает с лимитом. Текущее
// значение возвращается вызывающему для логов.
func (rl *RateLimiter) Allow(ctx context.Context, key string, limit int64, window time.Duration) (bool, int64, error) {
	pipe := rl.client.TxPipeline()
	count := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, window)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, 0, errors.Wrap(err, "ratelimit incr")
	}
	n := count.Val()
	return n <= limit, n, nil
}
