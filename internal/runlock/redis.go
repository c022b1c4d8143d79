package runlock

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	leaseAcquireLua = `
local cur = redis.call('GET', KEYS[1])
if not cur then
	redis.call('PSETEX', KEYS[1], tonumber(ARGV[2]), ARGV[1])
	return 1
end
if cur == ARGV[1] then
	redis.call('PEXPIRE', KEYS[1], tonumber(ARGV[2]))
	return 1
end
return 0
`

	leaseRenewLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
	redis.call('PEXPIRE', KEYS[1], tonumber(ARGV[2]))
	return 1
end
return 0
`

	leaseReleaseLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
	redis.call('DEL', KEYS[1])
	return 1
end
return 0
`
)

var (
	acquireScript = redis.NewScript(leaseAcquireLua)
	renewScript   = redis.NewScript(leaseRenewLua)
	releaseScript = redis.NewScript(leaseReleaseLua)
)

// ErrLeaseLost is logged when a held lease could not be renewed.
var ErrLeaseLost = errors.New("runlock: lease lost")

// RedisOption configures a RedisLocker.
type RedisOption func(*RedisLocker)

// WithTTL sets the lease lifetime. Held leases are renewed every TTL/3.
func WithTTL(ttl time.Duration) RedisOption {
	return func(l *RedisLocker) { l.ttl = ttl }
}

// WithPollInterval sets how often a blocked Acquire retries.
func WithPollInterval(d time.Duration) RedisOption {
	return func(l *RedisLocker) { l.poll = d }
}

// WithPrefix sets the key prefix.
func WithPrefix(p string) RedisOption {
	return func(l *RedisLocker) { l.prefix = p }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) RedisOption {
	return func(l *RedisLocker) { l.logger = logger }
}

// RedisLocker is a distributed Locker built on owner-tagged Redis leases.
type RedisLocker struct {
	client redis.Scripter
	owner  string
	prefix string
	ttl    time.Duration
	poll   time.Duration
	logger *slog.Logger
}

// NewRedisLocker creates a locker. Each instance uses a fresh owner token, so
// two lockers never share a lease.
func NewRedisLocker(client redis.Scripter, opts ...RedisOption) *RedisLocker {
	l := &RedisLocker{
		client: client,
		owner:  uuid.NewString(),
		prefix: "bankflow:runlock:",
		ttl:    30 * time.Second,
		poll:   50 * time.Millisecond,
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Owner returns the token this locker writes into its leases.
func (l *RedisLocker) Owner() string { return l.owner }

func (l *RedisLocker) key(k string) string { return l.prefix + k }

// TryAcquire makes a single attempt to take the lease.
func (l *RedisLocker) TryAcquire(ctx context.Context, key string) (bool, error) {
	n, err := acquireScript.Run(ctx, l.client, []string{l.key(key)}, l.owner, l.ttl.Milliseconds()).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (l *RedisLocker) Acquire(ctx context.Context, key string) (Release, error) {
	ticker := time.NewTicker(l.poll)
	defer ticker.Stop()
	for {
		ok, err := l.TryAcquire(ctx, key)
		if err != nil {
			return nil, err
		}
		if ok {
			return l.hold(key), nil
		}
		select {
		case <-ctx.Done():
			return nil, lockTimeout(key, ctx.Err())
		case <-ticker.C:
		}
	}
}

// hold starts the renewal loop and returns the matching Release.
func (l *RedisLocker) hold(key string) Release {
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(l.ttl / 3)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), l.ttl/3)
				n, err := renewScript.Run(ctx, l.client, []string{l.key(key)}, l.owner, l.ttl.Milliseconds()).Int64()
				cancel()
				if err != nil || n != 1 {
					l.logger.Warn("run lease renewal failed", "run_id", key, "error", errors.Join(ErrLeaseLost, err))
					return
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := releaseScript.Run(ctx, l.client, []string{l.key(key)}, l.owner).Err(); err != nil {
				l.logger.Warn("run lease release failed", "run_id", key, "error", err)
			}
		})
	}
}
