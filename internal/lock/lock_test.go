package lock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyedMutexSerializesSameKey(t *testing.T) {
	km := NewKeyedMutex()
	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := km.Lock(context.Background(), "f1")
			require.NoError(t, err)
			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
			unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxInside)
	assert.Empty(t, km.locks)
}

func TestKeyedMutexContextCancel(t *testing.T) {
	km := NewKeyedMutex()
	unlock, err := km.Lock(context.Background(), "f1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = km.Lock(ctx, "f1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// other keys are unaffected
	u2, err := km.Lock(context.Background(), "f2")
	require.NoError(t, err)
	u2()
	unlock()
}

func TestRedisLockAcquireFailure(t *testing.T) {
	db, mock := redismock.NewClientMock()
	l := NewRedisLock(db, "lock:withdrawal", time.Second)

	mock.Regexp().ExpectSetNX("lock:withdrawal:f1", `.+`, time.Second).SetErr(errors.New("conn refused"))
	_, err := l.Lock(context.Background(), "f1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "conn refused")
}

func TestRedisLockHeldTimesOut(t *testing.T) {
	db, mock := redismock.NewClientMock()
	l := NewRedisLock(db, "lock:withdrawal", time.Second)
	l.retry = 5 * time.Millisecond

	for i := 0; i < 50; i++ {
		mock.Regexp().ExpectSetNX("lock:withdrawal:f1", `.+`, time.Second).SetVal(false)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := l.Lock(ctx, "f1")
	assert.ErrorIs(t, err, ErrNotAcquired)
}

func TestRedisLockKeyLayout(t *testing.T) {
	for _, prefix := range []string{"lock", "lock:"} {
		db, mock := redismock.NewClientMock()
		l := NewRedisLock(db, prefix, time.Second)

		mock.Regexp().ExpectSetNX("lock:balance:f1", `.+`, time.Second).SetVal(true)
		_, err := l.Lock(context.Background(), BalanceKey("f1"))
		require.NoError(t, err, prefix)
		assert.NoError(t, mock.ExpectationsWereMet(), prefix)
	}
}
