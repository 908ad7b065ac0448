package lock_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/datahub/postoffice/internal/domain"
	"github.com/datahub/postoffice/internal/lock"
)

func newRedisLocker(t *testing.T, opts lock.Options) *lock.RedisLocker {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return lock.NewRedisLocker(client, opts, zap.NewNop())
}

// assertMutualExclusion runs many goroutines on the same key and checks that
// at most one is ever inside the critical section.
func assertMutualExclusion(t *testing.T, l lock.Locker) {
	t.Helper()
	var inside, maxInside, done int32
	var wg sync.WaitGroup

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := l.WithLock(context.Background(), lock.RecipientKey("r1"), func(context.Context) error {
				n := atomic.AddInt32(&inside, 1)
				for {
					m := atomic.LoadInt32(&maxInside)
					if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				atomic.AddInt32(&inside, -1)
				atomic.AddInt32(&done, 1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInside)
	assert.Equal(t, int32(8), done)
}

func TestRedisLocker_MutualExclusion(t *testing.T) {
	l := newRedisLocker(t, lock.Options{Expiry: 5 * time.Second, Tries: 200, RetryDelay: 5 * time.Millisecond})
	assertMutualExclusion(t, l)
}

func TestLocalLocker_MutualExclusion(t *testing.T) {
	assertMutualExclusion(t, lock.NewLocalLocker())
}

func TestRedisLocker_ReturnsFnError(t *testing.T) {
	l := newRedisLocker(t, lock.DefaultOptions())
	boom := errors.New("boom")

	err := l.WithLock(context.Background(), "k", func(context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)

	// The lock was released, so it can be taken again.
	err = l.WithLock(context.Background(), "k", func(context.Context) error { return nil })
	assert.NoError(t, err)
}

func TestRedisLocker_NotAcquiredWhileHeld(t *testing.T) {
	l := newRedisLocker(t, lock.Options{Expiry: 5 * time.Second, Tries: 1, RetryDelay: time.Millisecond})

	err := l.WithLock(context.Background(), "k", func(context.Context) error {
		return l.WithLock(context.Background(), "k", func(context.Context) error {
			t.Fatal("inner lock must not be acquired")
			return nil
		})
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, lock.ErrNotAcquired)
	assert.ErrorIs(t, err, domain.ErrConcurrencyConflict, "contention is retryable")
}

func TestOptions_WaitBudget(t *testing.T) {
	opts := lock.Options{Tries: 32, RetryDelay: 100 * time.Millisecond}
	assert.Equal(t, 3200*time.Millisecond, opts.WaitBudget())
}

func TestLocalLocker_DifferentKeysDoNotContend(t *testing.T) {
	l := lock.NewLocalLocker()

	err := l.WithLock(context.Background(), "a", func(context.Context) error {
		return l.WithLock(context.Background(), "b", func(context.Context) error { return nil })
	})
	assert.NoError(t, err)
}

func TestLocalLocker_HonoursContext(t *testing.T) {
	l := lock.NewLocalLocker()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := l.WithLock(context.Background(), "a", func(context.Context) error {
		return l.WithLock(ctx, "a", func(context.Context) error { return nil })
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
