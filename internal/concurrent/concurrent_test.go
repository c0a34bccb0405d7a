package concurrent

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestParallelMapWithLimitKeepsOrderAndBound(t *testing.T) {
	var active, maxActive atomic.Int32
	items := []int{1, 2, 3, 4, 5, 6, 7, 8}

	results := ParallelMapWithLimit(context.Background(), items, func(_ context.Context, n int) (int, error) {
		cur := active.Add(1)
		for {
			m := maxActive.Load()
			if cur <= m || maxActive.CompareAndSwap(m, cur) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		active.Add(-1)
		if n%4 == 0 {
			return 0, errors.New("multiple of four")
		}
		return n * n, nil
	}, 3)

	require.Len(t, results, len(items))
	for i, r := range results {
		assert.Equal(t, i, r.Index)
		if items[i]%4 == 0 {
			assert.Error(t, r.Error)
		} else {
			assert.Equal(t, items[i]*items[i], r.Value)
		}
	}
	assert.LessOrEqual(t, maxActive.Load(), int32(3))
	assert.Len(t, AllErrors(results), 2)
}

func TestParallelMapFailureDoesNotCancelSiblings(t *testing.T) {
	results := ParallelMapWithLimit(context.Background(), []int{0, 1}, func(ctx context.Context, n int) (int, error) {
		if n == 0 {
			return 0, errors.New("fail fast")
		}
		time.Sleep(20 * time.Millisecond)
		return n, ctx.Err()
	}, 0)
	assert.Error(t, results[0].Error)
	assert.NoError(t, results[1].Error)
}

func TestKeyedMutexSerializesSameKey(t *testing.T) {
	m := NewKeyedMutex[int64]()

	unlock, err := m.Lock(context.Background(), 1)
	require.NoError(t, err)

	// other keys are independent
	unlock2, ok := m.TryLock(2)
	require.True(t, ok)
	unlock2()

	_, ok = m.TryLock(1)
	assert.False(t, ok)

	acquired := make(chan struct{})
	go func() {
		u, err := m.Lock(context.Background(), 1)
		if err == nil {
			close(acquired)
			u()
		}
	}()

	select {
	case <-acquired:
		t.Fatal("second lock acquired while first held")
	case <-time.After(20 * time.Millisecond):
	}

	unlock()
	unlock() // idempotent
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second lock never acquired")
	}

	assert.Eventually(t, func() bool {
		u, ok := m.TryLock(1)
		if ok {
			u()
		}
		return ok
	}, time.Second, time.Millisecond)
}

func TestKeyedMutexLockHonorsContext(t *testing.T) {
	m := NewKeyedMutex[string]()
	unlock, ok := m.TryLock("node")
	require.True(t, ok)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := m.Lock(ctx, "node")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestKeyedMutexReleasesEntries(t *testing.T) {
	m := NewKeyedMutex[int]()
	for i := range 100 {
		u, err := m.Lock(context.Background(), i)
		require.NoError(t, err)
		u()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	assert.Empty(t, m.locks)
}
