package admission

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// releaseScript deletes the key only if it still carries our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker is a Locker shared across replicas. Each key is a
// SET NX PX entry holding a random token.
type RedisLocker struct {
	client redis.Cmdable
	prefix string
	ttl    time.Duration
	poll   time.Duration
	log    logrus.FieldLogger
}

// RedisLockerOption configures a RedisLocker.
type RedisLockerOption func(*RedisLocker)

// WithLockTTL sets how long a key survives if the holder dies.
func WithLockTTL(ttl time.Duration) RedisLockerOption {
	return func(l *RedisLocker) { l.ttl = ttl }
}

// WithPollInterval sets the retry interval used by Lock.
func WithPollInterval(d time.Duration) RedisLockerOption {
	return func(l *RedisLocker) { l.poll = d }
}

// WithKeyPrefix namespaces all lock keys.
func WithKeyPrefix(prefix string) RedisLockerOption {
	return func(l *RedisLocker) { l.prefix = prefix }
}

// NewRedisLocker creates a RedisLocker.
func NewRedisLocker(client redis.Cmdable, log logrus.FieldLogger, opts ...RedisLockerOption) *RedisLocker {
	if log == nil {
		log = logrus.StandardLogger()
	}
	l := &RedisLocker{
		client: client,
		prefix: "proofmint:lock:",
		ttl:    2 * time.Minute,
		poll:   50 * time.Millisecond,
		log:    log,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *RedisLocker) acquire(ctx context.Context, key, token string) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.prefix+key, token, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx %s: %w", key, err)
	}
	return ok, nil
}

func (l *RedisLocker) unlocker(key, token string) Unlock {
	var once sync.Once
	return func() {
		once.Do(func() {
			// The caller's context may already be done; release on a fresh one.
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := releaseScript.Run(ctx, l.client, []string{l.prefix + key}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
				l.log.WithError(err).WithField("key", key).Warn("Failed to release redis lock")
			}
		})
	}
}

// TryLock implements Locker.
func (l *RedisLocker) TryLock(ctx context.Context, key string) (Unlock, error) {
	token := uuid.NewString()
	ok, err := l.acquire(ctx, key, token)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrLockHeld
	}
	return l.unlocker(key, token), nil
}

// Lock implements Locker by polling until ctx is done.
func (l *RedisLocker) Lock(ctx context.Context, key string) (Unlock, error) {
	token := uuid.NewString()
	ticker := time.NewTicker(l.poll)
	defer ticker.Stop()

	for {
		ok, err := l.acquire(ctx, key, token)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ErrLockTimeout
			}
			return nil, err
		}
		if ok {
			return l.unlocker(key, token), nil
		}

		select {
		case <-ctx.Done():
			return nil, ErrLockTimeout
		case <-ticker.C:
		}
	}
}

var _ Locker = (*RedisLocker)(nil)
