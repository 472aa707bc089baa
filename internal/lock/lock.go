// Package lock serializes work per key, in process or across replicas.
package lock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Locker acquires an exclusive lock on key. The returned func releases it.
type Locker interface {
	Lock(ctx context.Context, key string) (func(), error)
}

// BalanceKey guards every read-check-write on a freelancer's balance.
func BalanceKey(freelancerID string) string { return "balance:" + freelancerID }

// KeyedMutex is an in-process Locker. Entries are reference counted and
// removed once nobody holds or waits on them.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	mu   sync.Mutex
	refs int
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*refMutex)}
}

func (k *KeyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	acquired := make(chan struct{})
	go func() {
		m.mu.Lock()
		close(acquired)
	}()
	select {
	case <-acquired:
	case <-ctx.Done():
		// hand the lock back as soon as the goroutine gets it
		go func() {
			<-acquired
			k.release(key, m)
		}()
		return nil, ctx.Err()
	}
	var once sync.Once
	return func() { once.Do(func() { k.release(key, m) }) }, nil
}

func (k *KeyedMutex) release(key string, m *refMutex) {
	m.mu.Unlock()
	k.mu.Lock()
	m.refs--
	if m.refs == 0 {
		delete(k.locks, key)
	}
	k.mu.Unlock()
}

var ErrNotAcquired = errors.New("lock not acquired")

var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLock is a SET NX lock with a token so only the holder can release it.
// The TTL bounds how long a crashed holder blocks others.
type RedisLock struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	retry  time.Duration
}

// NewRedisLock stores keys as prefix:key.
func NewRedisLock(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisLock {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	return &RedisLock{client: client, prefix: strings.TrimSuffix(prefix, ":"), ttl: ttl, retry: 25 * time.Millisecond}
}

func (r *RedisLock) Lock(ctx context.Context, key string) (func(), error) {
	k := fmt.Sprintf("%s:%s", r.prefix, key)
	token := uuid.NewString()
	for {
		ok, err := r.client.SetNX(ctx, k, token, r.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire %s: %w", k, err)
		}
		if ok {
			return func() {
				ctx, cancel := context.WithTimeout(context.Background(), time.Second)
				defer cancel()
				_ = unlockScript.Run(ctx, r.client, []string{k}, token).Err()
			}, nil
		}
		select {
		case <-ctx.Done():
			return nil, errors.Join(ErrNotAcquired, ctx.Err())
		case <-time.After(r.retry):
		}
	}
}
