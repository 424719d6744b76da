package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/mailqueue/internal/pkg/logger"
)

// rateLimitScript atomically bumps the minute bucket and reports whether
// the caller is within the limit. The bucket expires shortly after its
// minute so idle keys do not accumulate.
var rateLimitScript = redis.NewScript(`
	local current = redis.call('INCR', KEYS[1])
	if current == 1 then
		redis.call('EXPIRE', KEYS[1], 90)
	end
	if current > tonumber(ARGV[1]) then
		return 0
	end
	return 1
`)

// RateLimiter caps send attempts per minute against a shared Redis bucket
// keyed by SMTP server, so multiple engine instances share one budget.
// Without Redis, or when Redis errors, the limiter degrades to allowing
// everything; a slow queue beats a stuck one.
type RateLimiter struct {
	client    *redis.Client
	server    string
	perMinute int
}

// NewRateLimiter creates a limiter for the given SMTP server. A nil client
// or non-positive limit yields a no-op limiter.
func NewRateLimiter(client *redis.Client, server string, perMinute int) *RateLimiter {
	return &RateLimiter{client: client, server: server, perMinute: perMinute}
}

// Wait blocks until a send slot is available or ctx ends. Exhausted
// buckets are re-checked every 500ms rather than waiting for the minute
// boundary, since slots also free up when the bucket expires.
func (r *RateLimiter) Wait(ctx context.Context) error {
	if r.client == nil || r.perMinute <= 0 {
		return nil
	}
	for {
		ok, err := r.allow(ctx)
		if err != nil {
			logger.Warn("rate limiter unavailable, allowing send",
				"server", r.server, "error", err.Error())
			return nil
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
}

func (r *RateLimiter) allow(ctx context.Context) (bool, error) {
	key := fmt.Sprintf("mailqueue:ratelimit:%s:%d", r.server, time.Now().UTC().Unix()/60)
	n, err := rateLimitScript.Run(ctx, r.client, []string{key}, r.perMinute).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
