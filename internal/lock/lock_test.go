package lock

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-bookkeeping-workflows/pkg/errors"
)

func TestLocalLocker(t *testing.T) {
	ctx := context.Background()
	l := NewLocalLocker()

	release, err := l.Acquire(ctx, "generation:t1")
	require.NoError(t, err)

	_, err = l.Acquire(ctx, "generation:t1")
	assert.True(t, errors.Is(err, errors.ErrCodeConflict))

	other, err := l.Acquire(ctx, "generation:t2")
	require.NoError(t, err, "keys are independent")
	other()

	release()
	release() // idempotent

	again, err := l.Acquire(ctx, "generation:t1")
	require.NoError(t, err)
	again()
}

func TestLocalLocker_ConcurrentAcquireHasOneWinner(t *testing.T) {
	l := NewLocalLocker()
	var (
		wins int32
		wg   sync.WaitGroup
	)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := l.Acquire(context.Background(), "k"); err == nil {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins)
}

func TestRenew_ExtendsUntilStopped(t *testing.T) {
	var calls int32
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		renew(ctx, 5*time.Millisecond, func(context.Context) (bool, error) {
			n := atomic.AddInt32(&calls, 1)
			if n == 2 {
				return false, fmt.Errorf("redis timeout")
			}
			return true, nil
		}, zerolog.Nop())
	}()

	require.Eventually(t, func() bool { return atomic.LoadInt32(&calls) >= 4 }, time.Second, time.Millisecond,
		"a failed renewal is retried")
	cancel()
	<-done
}

func TestRenew_StopsWhenLockLost(t *testing.T) {
	var calls int32
	done := make(chan struct{})
	go func() {
		defer close(done)
		renew(context.Background(), 5*time.Millisecond, func(context.Context) (bool, error) {
			atomic.AddInt32(&calls, 1)
			return false, nil
		}, zerolog.Nop())
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("renew kept running after the lock was lost")
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestRedisLocker_OutlivesTTL(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	defer rdb.Close()

	l := NewRedisLocker(rdb, fmt.Sprintf("test:%d:", time.Now().UnixNano()), 300*time.Millisecond, zerolog.Nop())
	release, err := l.Acquire(ctx, "generation:t1")
	require.NoError(t, err)

	time.Sleep(time.Second)
	_, err = l.Acquire(ctx, "generation:t1")
	assert.True(t, errors.Is(err, errors.ErrCodeConflict), "lock still held after its ttl")

	release()
	again, err := l.Acquire(ctx, "generation:t1")
	require.NoError(t, err)
	again()
}
