package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/ses-bulk-mailer/internal/dispatch"
)

// fakeClock advances only when the limiter sleeps.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(_ context.Context, d time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
	return nil
}

func setupLimiter(t *testing.T, limits Limits) (*Limiter, *fakeClock, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	clock := &fakeClock{now: time.Date(2026, 5, 1, 12, 0, 0, 250*int(time.Millisecond), time.UTC)}
	l := New(client, "ses", limits)
	l.now = clock.Now
	l.sleep = clock.Sleep
	return l, clock, mr
}

func TestCheckAndIncrement_WithinLimits(t *testing.T) {
	l, _, _ := setupLimiter(t, Limits{PerSecond: 14, PerDay: 1000})
	ctx := context.Background()

	allowed, wait, err := l.CheckAndIncrement(ctx, 10)
	require.NoError(t, err)
	assert.True(t, allowed)
	assert.Zero(t, wait)

	usage, err := l.Usage(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(10), usage.SecondCurrent)
	assert.Equal(t, int64(10), usage.DailyCurrent)
}

func TestCheckAndIncrement_SecondLimit(t *testing.T) {
	l, _, _ := setupLimiter(t, Limits{PerSecond: 14, PerDay: 1000})
	ctx := context.Background()

	allowed, _, err := l.CheckAndIncrement(ctx, 10)
	require.NoError(t, err)
	require.True(t, allowed)

	allowed, wait, err := l.CheckAndIncrement(ctx, 10)
	require.NoError(t, err)
	assert.False(t, allowed)
	assert.Equal(t, 750*time.Millisecond, wait)

	usage, err := l.Usage(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(10), usage.DailyCurrent, "a denied check does not count")
}

func TestCheckAndIncrement_OversizedBatchTakesEmptySecond(t *testing.T) {
	l, _, _ := setupLimiter(t, Limits{PerSecond: 14, PerDay: 1000})

	allowed, _, err := l.CheckAndIncrement(context.Background(), 50)
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestCheckAndIncrement_DailyQuota(t *testing.T) {
	l, _, _ := setupLimiter(t, Limits{PerSecond: 0, PerDay: 100})
	ctx := context.Background()

	allowed, _, err := l.CheckAndIncrement(ctx, 100)
	require.NoError(t, err)
	require.True(t, allowed)

	_, _, err = l.CheckAndIncrement(ctx, 1)
	assert.ErrorIs(t, err, ErrDailyQuotaExceeded)
}

func TestCheckAndIncrement_RedisDown(t *testing.T) {
	l, _, mr := setupLimiter(t, Limits{PerSecond: 14, PerDay: 100})
	mr.Close()

	_, _, err := l.CheckAndIncrement(context.Background(), 1)
	assert.Error(t, err)
	assert.False(t, errors.Is(err, ErrDailyQuotaExceeded))
}

func TestWait_SleepsUntilNextSecond(t *testing.T) {
	l, clock, _ := setupLimiter(t, Limits{PerSecond: 14, PerDay: 1000})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, 14))
	require.NoError(t, l.Wait(ctx, 14))
	require.NoError(t, l.Wait(ctx, 14))

	assert.Equal(t, []time.Duration{750 * time.Millisecond, time.Second}, clock.sleeps)
}

func TestWrap(t *testing.T) {
	l, clock, _ := setupLimiter(t, Limits{PerSecond: 50, PerDay: 120})

	var sent []int
	inner := dispatch.SendBatchFunc(func(_ context.Context, b dispatch.Batch) (*dispatch.ProviderResponse, error) {
		sent = append(sent, b.Len())
		return &dispatch.ProviderResponse{}, nil
	})

	recipients := make([]dispatch.Recipient, 150)
	for i := range recipients {
		recipients[i] = dispatch.Recipient{Address: "user@example.com"}
	}

	report, err := dispatch.Dispatch(context.Background(), recipients, l.Wrap(inner))
	require.NoError(t, err)

	assert.Equal(t, []int{50, 50}, sent)
	assert.Equal(t, 2, report.SucceededBatches)
	require.Equal(t, 1, report.FailedBatches)
	assert.Equal(t, CodeDailyQuotaExceeded, report.Outcomes[2].Code)
	assert.Len(t, clock.sleeps, 1)
}

func TestWrap_RedisDownFailsOpen(t *testing.T) {
	l, _, mr := setupLimiter(t, Limits{PerSecond: 14, PerDay: 100})
	mr.Close()

	calls := 0
	inner := dispatch.SendBatchFunc(func(_ context.Context, b dispatch.Batch) (*dispatch.ProviderResponse, error) {
		calls++
		return &dispatch.ProviderResponse{}, nil
	})

	_, err := l.Wrap(inner).SendBatch(context.Background(), dispatch.Batch{Recipients: make([]dispatch.Recipient, 3)})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}
