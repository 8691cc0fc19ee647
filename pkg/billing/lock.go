package billing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// Locker hands out named, expiring locks so two runs of a job never overlap.
// TryLock returns ok=false without error when the lock is held elsewhere.
type Locker interface {
	TryLock(ctx context.Context, name string, ttl time.Duration) (release func(), ok bool, err error)
}

// MemoryLocker locks within one process
type MemoryLocker struct {
	mu    sync.Mutex
	clock clockwork.Clock
	held  map[string]heldLock
}

type heldLock struct {
	token   string
	expires time.Time
}

// NewMemoryLocker creates an in-process locker
func NewMemoryLocker(clock clockwork.Clock) *MemoryLocker {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &MemoryLocker{clock: clock, held: make(map[string]heldLock)}
}

// TryLock implements Locker
func (l *MemoryLocker) TryLock(_ context.Context, name string, ttl time.Duration) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	if h, ok := l.held[name]; ok && now.Before(h.expires) {
		return nil, false, nil
	}
	token := uuid.NewString()
	l.held[name] = heldLock{token: token, expires: now.Add(ttl)}

	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if h, ok := l.held[name]; ok && h.token == token {
			delete(l.held, name)
		}
	}, true, nil
}

// releaseScript deletes the key only if it still holds our token
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker locks across processes with SET NX PX
type RedisLocker struct {
	client *redis.Client
	prefix string
}

// NewRedisLocker creates a locker whose keys start with prefix
func NewRedisLocker(client *redis.Client, prefix string) *RedisLocker {
	if prefix == "" {
		prefix = "recur:lock:"
	}
	return &RedisLocker{client: client, prefix: prefix}
}

// TryLock implements Locker
func (l *RedisLocker) TryLock(ctx context.Context, name string, ttl time.Duration) (func(), bool, error) {
	key := l.prefix + name
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		// An expired lock may already belong to someone else; the script leaves it alone
		_ = releaseScript.Run(ctx, l.client, []string{key}, token).Err()
	}, true, nil
}
