package redis

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/takarun/takaledger/internal/domain"
)

//go:embed scripts/sliding_window.lua
var slidingWindowLua string

// RateLimiter counts callable requests per signed-in user over a sliding
// window kept in a sorted set.
type RateLimiter struct {
	c      *Client
	script *redis.Script
}

func NewRateLimiter(c *Client) *RateLimiter {
	return &RateLimiter{c: c, script: redis.NewScript(slidingWindowLua)}
}

func (l *RateLimiter) rateKey(uid string) string {
	return l.c.key("ratelimit:" + uid)
}

// Allow records one request for uid and reports whether it fits within
// limit requests per window.
func (l *RateLimiter) Allow(ctx context.Context, uid string, limit int, window time.Duration) (bool, error) {
	res, err := l.script.Run(ctx, l.c.rdb, []string{l.rateKey(uid)},
		time.Now().UnixMicro(), window.Microseconds(), limit).Int64Slice()
	if err != nil {
		return false, fmt.Errorf("redis: rate limit %s: %w", uid, err)
	}
	if len(res) != 2 {
		return false, fmt.Errorf("redis: rate limit %s: script returned %d values", uid, len(res))
	}
	return res[0] == 1, nil
}

var _ domain.RateLimiter = (*RateLimiter)(nil)
