package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// hitScript increments a window counter, starting the window on the first hit,
// and replies with {hits, remaining ms}.
var hitScript = redis.NewScript(`
local hits = redis.call("INCR", KEYS[1])
if hits == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return {hits, redis.call("PTTL", KEYS[1])}
`)

// RateLimiter records hits against a key inside a fixed window.
type RateLimiter interface {
	Hit(ctx context.Context, key string, window time.Duration) (RateWindow, error)
}

// RateWindow is the state of a key's window right after a hit.
type RateWindow struct {
	Hits      int
	Remaining time.Duration
}

// Exceeds reports whether the window holds more than limit hits.
func (w RateWindow) Exceeds(limit int) bool {
	return limit > 0 && w.Hits > limit
}

// ErrRateLimited is matched by RateLimitError.
var ErrRateLimited = errors.New("rate limit exceeded")

// RateLimitError is returned once a caller exceeds the window budget.
type RateLimitError struct {
	RetryAfterSeconds int
}

func newRateLimitError(w RateWindow) *RateLimitError {
	secs := int((w.Remaining + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return &RateLimitError{RetryAfterSeconds: secs}
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded; retry in %ds", e.RetryAfterSeconds)
}

func (e *RateLimitError) Unwrap() error { return ErrRateLimited }

// RedisRateLimiter shares window counters across service replicas.
type RedisRateLimiter struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisRateLimiter(client redis.UniversalClient, prefix string) *RedisRateLimiter {
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		prefix = "coop:requests"
	}
	return &RedisRateLimiter{client: client, prefix: prefix + ":rate_limit:"}
}

func (l *RedisRateLimiter) Hit(ctx context.Context, key string, window time.Duration) (RateWindow, error) {
	if window < time.Second {
		window = time.Second
	}
	reply, err := hitScript.Run(ctx, l.client, []string{l.prefix + key}, window.Milliseconds()).Int64Slice()
	if err != nil {
		return RateWindow{}, err
	}
	if len(reply) != 2 {
		return RateWindow{}, fmt.Errorf("rate limiter replied with %d values", len(reply))
	}
	remaining := time.Duration(reply[1]) * time.Millisecond
	if remaining <= 0 {
		remaining = window
	}
	return RateWindow{Hits: int(reply[0]), Remaining: remaining}, nil
}
