package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/ses-bulk-mailer/internal/dispatch"
	"github.com/ignite/ses-bulk-mailer/internal/pkg/distlock"
)

// memStore is an in-memory Store.
type memStore struct {
	mu    sync.Mutex
	items map[int64]*Item
}

func newMemStore(n int) *memStore {
	s := &memStore{items: make(map[int64]*Item)}
	for i := 1; i <= n; i++ {
		s.items[int64(i)] = &Item{ID: int64(i), Email: fmt.Sprintf("user%d@example.com", i), Status: StatusPending}
	}
	return s
}

func (s *memStore) ClaimPending(_ context.Context, limit, maxRetries int) ([]Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []int64
	for id, it := range s.items {
		if it.Status == StatusPending && it.RetryCount < maxRetries {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if len(ids) > limit {
		ids = ids[:limit]
	}
	out := make([]Item, 0, len(ids))
	for _, id := range ids {
		s.items[id].Status = StatusSending
		out = append(out, *s.items[id])
	}
	return out, nil
}

func (s *memStore) set(ids []int64, fn func(*Item)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		fn(s.items[id])
	}
}

func (s *memStore) MarkSent(_ context.Context, ids []int64) error {
	s.set(ids, func(it *Item) { it.Status = StatusSent })
	return nil
}

func (s *memStore) MarkFailed(_ context.Context, ids []int64, msg string) error {
	s.set(ids, func(it *Item) {
		it.Status = StatusFailed
		it.ErrorMessage = msg
		it.RetryCount++
	})
	return nil
}

func (s *memStore) Release(_ context.Context, ids []int64) error {
	s.set(ids, func(it *Item) {
		if it.Status == StatusSending {
			it.Status = StatusPending
		}
	})
	return nil
}

func (s *memStore) RequeueFailed(_ context.Context, maxRetries int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, it := range s.items {
		if it.Status == StatusFailed && it.RetryCount < maxRetries {
			it.Status = StatusPending
			n++
		}
	}
	return n, nil
}

func (s *memStore) count(st Status) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, it := range s.items {
		if it.Status == st {
			n++
		}
	}
	return n
}

type memSink struct {
	mu      sync.Mutex
	reports []*dispatch.Report
}

func (m *memSink) Save(_ context.Context, r *dispatch.Report) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reports = append(m.reports, r)
	return nil
}

func newLock(t *testing.T) (*redis.Client, distlock.DistLock) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return client, distlock.NewRedisLock(client, "email-queue", time.Minute)
}

func okSender() dispatch.BatchSender {
	return dispatch.SendBatchFunc(func(context.Context, dispatch.Batch) (*dispatch.ProviderResponse, error) {
		return &dispatch.ProviderResponse{}, nil
	})
}

func TestDrainer_DrainsAll(t *testing.T) {
	store := newMemStore(230)
	_, lock := newLock(t)
	d, err := dispatch.New(dispatch.WithMaxBatchSize(50), dispatch.WithMaxConcurrency(2))
	require.NoError(t, err)

	sink := &memSink{}
	dr := NewDrainer(store, lock, d, okSender(), DrainerConfig{ClaimSize: 100, MaxRetries: 3})
	dr.SetReportSink(sink)

	res, err := dr.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, res.Rounds)
	assert.Equal(t, 230, res.Claimed)
	assert.Equal(t, 230, res.Sent)
	assert.Equal(t, 230, store.count(StatusSent))
	assert.Len(t, sink.reports, 3)
	assert.Len(t, res.RunIDs, 3)
}

func TestDrainer_FailedBatchMarksOnlyItsRows(t *testing.T) {
	store := newMemStore(120)
	_, lock := newLock(t)
	d, err := dispatch.New(dispatch.WithMaxBatchSize(50))
	require.NoError(t, err)

	var calls int
	sender := dispatch.SendBatchFunc(func(_ context.Context, b dispatch.Batch) (*dispatch.ProviderResponse, error) {
		calls++
		if b.Index == 1 {
			return nil, dispatch.NewProviderError("Throttling", fmt.Errorf("rate exceeded"))
		}
		return &dispatch.ProviderResponse{}, nil
	})

	dr := NewDrainer(store, lock, d, sender, DrainerConfig{ClaimSize: 500, MaxRetries: 1})
	res, err := dr.Drain(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 70, res.Sent)
	assert.Equal(t, 50, res.Failed)
	assert.Equal(t, 50, store.count(StatusFailed))
	for id := int64(51); id <= 100; id++ {
		assert.Equal(t, StatusFailed, store.items[id].Status, "row %d", id)
		assert.Contains(t, store.items[id].ErrorMessage, "rate exceeded")
	}
	// MaxRetries 1: failed rows are not claimed again.
	assert.Equal(t, 3, calls)
}

func TestDrainer_RetriesFailedRowsNextDrain(t *testing.T) {
	store := newMemStore(10)
	_, lock := newLock(t)
	d, err := dispatch.New()
	require.NoError(t, err)

	fail := true
	sender := dispatch.SendBatchFunc(func(context.Context, dispatch.Batch) (*dispatch.ProviderResponse, error) {
		if fail {
			return nil, fmt.Errorf("boom")
		}
		return &dispatch.ProviderResponse{}, nil
	})
	dr := NewDrainer(store, lock, d, sender, DrainerConfig{MaxRetries: 3})

	res, err := dr.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 10, res.Failed)

	fail = false
	res, err = dr.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(10), res.Requeued)
	assert.Equal(t, 10, res.Sent)
	assert.Equal(t, 10, store.count(StatusSent))
}

func TestDrainer_SkipsWhenLocked(t *testing.T) {
	store := newMemStore(5)
	client, lock := newLock(t)
	other := distlock.NewRedisLock(client, "email-queue", time.Minute)
	ok, err := other.Acquire(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	d, err := dispatch.New()
	require.NoError(t, err)
	res, err := NewDrainer(store, lock, d, okSender(), DrainerConfig{}).Drain(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Equal(t, 5, store.count(StatusPending))
}

func TestDrainer_CancelReleasesUnattempted(t *testing.T) {
	store := newMemStore(150)
	_, lock := newLock(t)
	d, err := dispatch.New(dispatch.WithMaxBatchSize(50))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	sender := dispatch.SendBatchFunc(func(_ context.Context, b dispatch.Batch) (*dispatch.ProviderResponse, error) {
		if b.Index == 0 {
			cancel()
		}
		return &dispatch.ProviderResponse{}, nil
	})

	res, err := NewDrainer(store, lock, d, sender, DrainerConfig{ClaimSize: 500}).Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 50, res.Sent)
	assert.Equal(t, 100, res.Released)
	assert.Equal(t, 100, store.count(StatusPending))
	assert.Zero(t, store.count(StatusSending))
}
