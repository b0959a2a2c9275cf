package locks

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/YevheniiMelnikov/GymAI-sub001/internal/logging"
)

// releaseScript deletes the key only when the caller still owns it.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`)

// RedisLock is a SET NX PX distributed lock with a unique holder token.
// A non-owner cannot release it.
type RedisLock struct {
	client *redis.Client
	key    string
	token  string
	ttl    time.Duration
}

// NewRedisLock prepares a lock on key with the given TTL. Nothing is
// acquired until TryAcquire/Acquire succeeds.
func NewRedisLock(client *redis.Client, key string, ttl time.Duration) *RedisLock {
	return &RedisLock{
		client: client,
		key:    key,
		token:  uuid.NewString(),
		ttl:    ttl,
	}
}

// TryAcquire attempts a single non-blocking acquire.
func (l *RedisLock) TryAcquire(ctx context.Context) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.token, l.ttl).Result()
	if err != nil {
		logging.Get(logging.CategoryRedis).Error("Lock acquire failed for %s: %v", l.key, err)
		return false, err
	}
	if ok {
		logging.Get(logging.CategoryRedis).Debug("Acquired lock %s (ttl=%v)", l.key, l.ttl)
	}
	return ok, nil
}

// Acquire spins until the lock is held or waitTimeout elapses.
// waitTimeout <= 0 degrades to a single TryAcquire.
func (l *RedisLock) Acquire(ctx context.Context, waitTimeout time.Duration) (bool, error) {
	ok, err := l.TryAcquire(ctx)
	if err != nil || ok || waitTimeout <= 0 {
		return ok, err
	}

	deadline := time.Now().Add(waitTimeout)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-ticker.C:
			if time.Now().After(deadline) {
				return false, nil
			}
			ok, err := l.TryAcquire(ctx)
			if err != nil || ok {
				return ok, err
			}
		}
	}
}

// Release frees the lock if this instance still owns it.
func (l *RedisLock) Release(ctx context.Context) error {
	res, err := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Int()
	if err != nil {
		logging.Get(logging.CategoryRedis).Error("Lock release failed for %s: %v", l.key, err)
		return err
	}
	if res == 0 {
		logging.Get(logging.CategoryRedis).Debug("Lock %s already expired or stolen", l.key)
	}
	return nil
}

// WithLock runs fn while holding the named lock, releasing it on exit.
// Returns (false, nil) without running fn when the lock is contended
// and waitTimeout passes.
func WithLock(ctx context.Context, client *redis.Client, key string, ttl, waitTimeout time.Duration, fn func(ctx context.Context) error) (bool, error) {
	lock := NewRedisLock(client, key, ttl)
	ok, err := lock.Acquire(ctx, waitTimeout)
	if err != nil || !ok {
		return false, err
	}
	defer lock.Release(ctx)
	return true, fn(ctx)
}
