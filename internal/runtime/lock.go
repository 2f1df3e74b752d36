package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLocked is returned by TryLock when another caller holds the key.
var ErrLocked = errors.New("lock is held")

// Locker grants exclusive, non-blocking ownership of a key. The returned
// release func must be called exactly once by the owner.
type Locker interface {
	TryLock(ctx context.Context, key string) (release func(), err error)
}

// LockKey is the exclusion key for one reconcile scope.
func LockKey(engine, tenantID, agentScope string) string {
	return engine + ":" + tenantID + ":" + agentScope
}

// LocalLocker is an in-process Locker.
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]struct{})}
}

func (l *LocalLocker) TryLock(_ context.Context, key string) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[key]; ok {
		return nil, ErrLocked
	}
	l.held[key] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, key)
			l.mu.Unlock()
		})
	}, nil
}

// releaseScript deletes the key only if it still carries our token, so an
// owner whose TTL expired cannot release a lock taken over by someone else.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker shares reconcile exclusion across processes through Redis.
type RedisLocker struct {
	client redis.UniversalClient
	ttl    time.Duration
	prefix string
}

// NewRedisLocker creates a RedisLocker. ttl bounds how long a crashed owner
// can block the key.
func NewRedisLocker(client redis.UniversalClient, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &RedisLocker{client: client, ttl: ttl, prefix: "skills:mount:"}
}

func (l *RedisLocker) TryLock(ctx context.Context, key string) (func(), error) {
	k := l.prefix + key
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, k, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", k, err)
	}
	if !ok {
		return nil, ErrLocked
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			rctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = releaseScript.Run(rctx, l.client, []string{k}, token).Err()
		})
	}, nil
}
