package locks

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/Ramsey-B/fern/pkg/metrics"
)

var (
	// ErrLockNotAcquired is returned when a lease could not be taken in time
	ErrLockNotAcquired = errors.New("lock not acquired")

	releaseScript = goredis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("del", KEYS[1])
		else
			return 0
		end
	`)
)

type RedisConfig struct {
	Prefix      string        `mapstructure:"prefix"`
	TTL         time.Duration `mapstructure:"ttl"`
	WaitTimeout time.Duration `mapstructure:"wait_timeout"`
}

func DefaultRedisConfig() RedisConfig {
	return RedisConfig{Prefix: "fern:lock:entity:", TTL: 30 * time.Second, WaitTimeout: 10 * time.Second}
}

// RedisLocker holds per-entity leases in Redis so replicas exclude each other
type RedisLocker struct {
	rdb    goredis.UniversalClient
	config RedisConfig
	logger ectologger.Logger
}

func NewRedisLocker(rdb goredis.UniversalClient, config RedisConfig, logger ectologger.Logger) *RedisLocker {
	return &RedisLocker{rdb: rdb, config: config, logger: logger}
}

type lease struct {
	key   string
	value string
}

func (l *RedisLocker) Acquire(ctx context.Context, keys []string) (Release, error) {
	start := time.Now()
	deadline := start.Add(l.config.WaitTimeout)
	var held []lease

	for _, key := range SortedUnique(keys) {
		le, err := l.acquireOne(ctx, l.config.Prefix+key, deadline)
		if err != nil {
			l.release(context.WithoutCancel(ctx), held)
			return nil, err
		}
		held = append(held, le)
	}

	metrics.LockWait.Observe(time.Since(start).Seconds())
	var once sync.Once
	return func() {
		once.Do(func() { l.release(context.WithoutCancel(ctx), held) })
	}, nil
}

func (l *RedisLocker) acquireOne(ctx context.Context, key string, deadline time.Time) (lease, error) {
	value := uuid.NewString()
	wait := 10 * time.Millisecond

	for {
		ok, err := l.rdb.SetNX(ctx, key, value, l.config.TTL).Result()
		if err != nil {
			return lease{}, err
		}
		if ok {
			return lease{key: key, value: value}, nil
		}
		if time.Now().After(deadline) {
			return lease{}, ErrLockNotAcquired
		}

		select {
		case <-ctx.Done():
			return lease{}, ctx.Err()
		case <-time.After(wait):
			wait = min(wait*2, 500*time.Millisecond)
		}
	}
}

func (l *RedisLocker) release(ctx context.Context, held []lease) {
	for i := len(held) - 1; i >= 0; i-- {
		n, err := releaseScript.Run(ctx, l.rdb, []string{held[i].key}, held[i].value).Int64()
		if err != nil || n == 0 {
			l.logger.WithContext(ctx).WithError(err).WithField("key", held[i].key).Warn("Entity lease expired before release")
		}
	}
}
