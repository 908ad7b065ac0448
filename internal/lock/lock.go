// Package lock serialises peek and dequeue per recipient.
package lock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	goredislib "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/datahub/postoffice/internal/domain"
)

// ErrNotAcquired is returned when the lock could not be taken within the
// configured number of tries. Another peek or dequeue owns the mailbox, so it
// is reported as a concurrency conflict the caller may retry.
var ErrNotAcquired = fmt.Errorf("%w: lock not acquired", domain.ErrConcurrencyConflict)

// Locker runs fn while holding the lock for key. Different keys never contend.
type Locker interface {
	WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error
}

// RecipientKey is the lock key for a recipient's mailbox.
func RecipientKey(recipient string) string {
	return "postoffice:recipient:" + recipient
}

// Options configures the Redis lock.
type Options struct {
	Expiry     time.Duration
	Tries      int
	RetryDelay time.Duration
}

// WaitBudget is roughly how long WithLock keeps retrying before it gives up.
func (o Options) WaitBudget() time.Duration {
	return time.Duration(o.Tries) * o.RetryDelay
}

func DefaultOptions() Options {
	return Options{
		Expiry:     60 * time.Second,
		Tries:      32,
		RetryDelay: 100 * time.Millisecond,
	}
}

// RedisLocker implements Locker with the RedLock algorithm.
type RedisLocker struct {
	rs     *redsync.Redsync
	opts   Options
	logger *zap.Logger
}

func NewRedisLocker(client goredislib.UniversalClient, opts Options, logger *zap.Logger) *RedisLocker {
	return &RedisLocker{
		rs:     redsync.New(goredis.NewPool(client)),
		opts:   opts,
		logger: logger,
	}
}

func (l *RedisLocker) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	mutex := l.rs.NewMutex(
		key,
		redsync.WithExpiry(l.opts.Expiry),
		redsync.WithTries(l.opts.Tries),
		redsync.WithRetryDelay(l.opts.RetryDelay),
	)

	if err := mutex.LockContext(ctx); err != nil {
		// Contention surfaces either as ErrFailed or as a "lock already taken" error.
		if errors.Is(err, redsync.ErrFailed) || strings.Contains(err.Error(), "lock already taken") {
			return fmt.Errorf("%w: %s", ErrNotAcquired, key)
		}
		return fmt.Errorf("acquire lock %s: %w", key, err)
	}
	l.logger.Debug("lock acquired", zap.String("key", key))

	defer func() {
		// Release with a fresh context so a cancelled request still unlocks.
		unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if ok, err := mutex.UnlockContext(unlockCtx); !ok || err != nil {
			l.logger.Warn("failed to release lock", zap.String("key", key), zap.Bool("ok", ok), zap.Error(err))
		}
	}()

	return fn(ctx)
}

// LocalLocker implements Locker with in-process mutexes. It is only correct
// when a single instance serves all recipients.
type LocalLocker struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	ch   chan struct{}
	refs int
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{locks: make(map[string]*keyLock)}
}

func (l *LocalLocker) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	kl := l.acquireRef(key)
	defer l.releaseRef(key, kl)

	select {
	case kl.ch <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("acquire lock %s: %w", key, ctx.Err())
	}
	defer func() { <-kl.ch }()

	return fn(ctx)
}

func (l *LocalLocker) acquireRef(key string) *keyLock {
	l.mu.Lock()
	defer l.mu.Unlock()
	kl, ok := l.locks[key]
	if !ok {
		kl = &keyLock{ch: make(chan struct{}, 1)}
		l.locks[key] = kl
	}
	kl.refs++
	return kl
}

// releaseRef drops the entry once nobody waits on it so the map does not
// grow with every recipient ever seen.
func (l *LocalLocker) releaseRef(key string, kl *keyLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	kl.refs--
	if kl.refs == 0 {
		delete(l.locks, key)
	}
}
