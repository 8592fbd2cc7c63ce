// Package lock provides the non-blocking keyed locks that keep two
// generation runs for the same tenant from overlapping.
package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/pesio-ai/be-bookkeeping-workflows/pkg/errors"
)

// Release gives a held lock back.
type Release func()

func held(key string) error {
	return errors.Conflict(fmt.Sprintf("lock %q is held by another run", key))
}

// LocalLocker guards keys within one process.
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewLocalLocker creates a LocalLocker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]struct{})}
}

// Acquire takes key or fails with CONFLICT if it is already taken.
func (l *LocalLocker) Acquire(_ context.Context, key string) (Release, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.held[key]; ok {
		return nil, held(key)
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

// unlockScript deletes the key only if it still carries our token, so an
// expired lock re-taken by another process is never released by us.
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// extendScript pushes the expiry out only while the key still carries our
// token.
var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RedisLocker guards keys across processes with SET NX PX. A held lock is
// renewed every ttl/3 until it is released, so runs may outlast ttl.
type RedisLocker struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	log    zerolog.Logger
}

// NewRedisLocker creates a RedisLocker. ttl bounds how long a crashed holder
// keeps the lock.
func NewRedisLocker(client *redis.Client, prefix string, ttl time.Duration, log zerolog.Logger) *RedisLocker {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &RedisLocker{client: client, prefix: prefix, ttl: ttl, log: log}
}

// Acquire takes key or fails with CONFLICT if another holder has it.
func (l *RedisLocker) Acquire(ctx context.Context, key string) (Release, error) {
	full := l.prefix + key
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, full, token, l.ttl).Result()
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to acquire lock")
	}
	if !ok {
		return nil, held(key)
	}

	renewCtx, stop := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		renew(renewCtx, l.ttl/3, func(ctx context.Context) (bool, error) {
			n, err := extendScript.Run(ctx, l.client, []string{full}, token, l.ttl.Milliseconds()).Int64()
			return n == 1, err
		}, l.log.With().Str("lock", full).Logger())
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			stop()
			<-done
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = unlockScript.Run(ctx, l.client, []string{full}, token).Err()
		})
	}, nil
}

// renew calls extend every interval until ctx ends or extend reports the
// lock is no longer ours. Errors are retried on the next tick.
func renew(ctx context.Context, interval time.Duration, extend func(ctx context.Context) (bool, error), log zerolog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			callCtx, cancel := context.WithTimeout(ctx, interval)
			ok, err := extend(callCtx)
			cancel()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Warn().Err(err).Msg("Lock renewal failed")
				continue
			}
			if !ok {
				log.Error().Msg("Lock lost before release")
				return
			}
		}
	}
}

// Ping checks the Redis connection.
func (l *RedisLocker) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}
