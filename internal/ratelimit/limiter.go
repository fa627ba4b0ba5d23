// Package ratelimit keeps dispatch inside the provider's sending quota using
// Redis counters updated atomically by a Lua script.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/ses-bulk-mailer/internal/dispatch"
	"github.com/ignite/ses-bulk-mailer/internal/pkg/logger"
)

// CodeDailyQuotaExceeded is the failure code for batches refused because the
// 24 hour quota is spent.
const CodeDailyQuotaExceeded = "DailyQuotaExceeded"

// ErrDailyQuotaExceeded is returned once the daily counter would pass its limit.
var ErrDailyQuotaExceeded = errors.New("ratelimit: daily quota exceeded")

// Limits are the provider quotas. Zero disables a limit.
type Limits struct {
	PerSecond int
	PerDay    int
}

// Checks both windows before touching either counter. A batch larger than the
// per-second limit is let through only into an empty second.
const checkAndIncrementScript = `
local secondKey = KEYS[1]
local dailyKey = KEYS[2]
local increment = tonumber(ARGV[1])
local secondLimit = tonumber(ARGV[2])
local dailyLimit = tonumber(ARGV[3])
local secondTTL = tonumber(ARGV[4])
local dailyTTL = tonumber(ARGV[5])

local secCurrent = tonumber(redis.call("GET", secondKey) or "0")
local dayCurrent = tonumber(redis.call("GET", dailyKey) or "0")

if dailyLimit > 0 and dayCurrent + increment > dailyLimit then
    return {0, 2, dayCurrent}
end
if secondLimit > 0 and secCurrent > 0 and secCurrent + increment > secondLimit then
    return {0, 1, secCurrent}
end

local newSec = redis.call("INCRBY", secondKey, increment)
if newSec == increment then
    redis.call("EXPIRE", secondKey, secondTTL)
end

local newDay = redis.call("INCRBY", dailyKey, increment)
if newDay == increment then
    redis.call("EXPIRE", dailyKey, dailyTTL)
end

return {1, 0, newDay}
`

const (
	denySecond = 1
	denyDaily  = 2

	secondTTL = 2
	dailyTTL  = 90000 // 25 hours
)

// Limiter is a Redis-backed quota gate for one provider.
type Limiter struct {
	redis    *redis.Client
	script   *redis.Script
	provider string
	limits   Limits

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a limiter over an existing client.
func New(client *redis.Client, provider string, limits Limits) *Limiter {
	return &Limiter{
		redis:    client,
		script:   redis.NewScript(checkAndIncrementScript),
		provider: provider,
		limits:   limits,
		now:      time.Now,
		sleep:    sleepContext,
	}
}

// NewFromURL connects to Redis and pings it.
func NewFromURL(ctx context.Context, redisURL, provider string, limits Limits) (*Limiter, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	logger.Info("rate limiter connected", "addr", opts.Addr, "provider", provider)
	return New(client, provider, limits), nil
}

func (l *Limiter) keys(now time.Time) (second, daily string) {
	second = fmt.Sprintf("ratelimit:%s:sec:%d", l.provider, now.Unix())
	daily = fmt.Sprintf("ratelimit:%s:day:%s", l.provider, now.UTC().Format("2006-01-02"))
	return second, daily
}

// CheckAndIncrement reserves n sends. When the per-second window is full it
// returns allowed=false and how long to wait.
func (l *Limiter) CheckAndIncrement(ctx context.Context, n int) (allowed bool, wait time.Duration, err error) {
	now := l.now()
	secondKey, dailyKey := l.keys(now)

	result, err := l.script.Run(ctx, l.redis,
		[]string{secondKey, dailyKey},
		n,
		l.limits.PerSecond,
		l.limits.PerDay,
		secondTTL,
		dailyTTL,
	).Slice()
	if err != nil {
		return false, 0, fmt.Errorf("rate limit check failed: %w", err)
	}
	if len(result) < 2 {
		return false, 0, fmt.Errorf("rate limit check: unexpected reply %v", result)
	}

	if allowedInt, _ := result[0].(int64); allowedInt == 1 {
		return true, 0, nil
	}

	switch reason, _ := result[1].(int64); reason {
	case denyDaily:
		return false, 0, ErrDailyQuotaExceeded
	case denySecond:
		return false, now.Truncate(time.Second).Add(time.Second).Sub(now), nil
	default:
		return false, time.Second, nil
	}
}

// Wait blocks until n sends fit in the current window.
func (l *Limiter) Wait(ctx context.Context, n int) error {
	for {
		allowed, wait, err := l.CheckAndIncrement(ctx, n)
		if err != nil {
			return err
		}
		if allowed {
			return nil
		}
		if err := l.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// Usage is the current counter state.
type Usage struct {
	Provider      string `json:"provider"`
	SecondCurrent int64  `json:"second_current"`
	SecondLimit   int    `json:"second_limit"`
	DailyCurrent  int64  `json:"daily_current"`
	DailyLimit    int    `json:"daily_limit"`
}

// Usage reads both counters.
func (l *Limiter) Usage(ctx context.Context) (*Usage, error) {
	secondKey, dailyKey := l.keys(l.now())

	pipe := l.redis.Pipeline()
	secCmd := pipe.Get(ctx, secondKey)
	dayCmd := pipe.Get(ctx, dailyKey)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("reading rate limit usage: %w", err)
	}

	sec, _ := secCmd.Int64()
	day, _ := dayCmd.Int64()
	return &Usage{
		Provider:      l.provider,
		SecondCurrent: sec,
		SecondLimit:   l.limits.PerSecond,
		DailyCurrent:  day,
		DailyLimit:    l.limits.PerDay,
	}, nil
}

// Wrap gates every batch through the limiter. A spent daily quota fails the
// batch with CodeDailyQuotaExceeded; Redis errors are logged and the batch is
// sent anyway since SES enforces its own quota.
func (l *Limiter) Wrap(next dispatch.BatchSender) dispatch.BatchSender {
	return dispatch.SendBatchFunc(func(ctx context.Context, b dispatch.Batch) (*dispatch.ProviderResponse, error) {
		err := l.Wait(ctx, b.Len())
		switch {
		case errors.Is(err, ErrDailyQuotaExceeded):
			return nil, dispatch.NewProviderError(CodeDailyQuotaExceeded, err)
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return nil, err
		case err != nil:
			logger.Warn("rate limiter unavailable, sending without gate", "batch", b.Index, "error", err)
		}
		return next.SendBatch(ctx, b)
	})
}

// Close closes the Redis connection.
func (l *Limiter) Close() error {
	return l.redis.Close()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Ping checks the Redis connection.
func (l *Limiter) Ping(ctx context.Context) error {
	return l.redis.Ping(ctx).Err()
}
