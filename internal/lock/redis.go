package lock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Defaults for RedisLocker.
const (
	DefaultLockTTL      = 30 * time.Second
	DefaultRetryBackoff = 25 * time.Millisecond
	DefaultKeyPrefix    = "signet:lock:"
)

// releaseScript deletes the key only if it still holds our token, so an
// expired lock taken over by another holder is never released by us.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// RedisLocker is a Redis-backed Locker using SET NX PX for multi-replica
// deployments. The TTL bounds how long a crashed holder blocks a request.
type RedisLocker struct {
	client  redis.UniversalClient
	ttl     time.Duration
	backoff time.Duration
	prefix  string
	logger  *zap.Logger
}

// RedisOption configures a RedisLocker.
type RedisOption func(*RedisLocker)

// WithTTL sets the lock expiry.
func WithTTL(ttl time.Duration) RedisOption {
	return func(l *RedisLocker) {
		if ttl > 0 {
			l.ttl = ttl
		}
	}
}

// WithRetryBackoff sets the wait between acquisition attempts.
func WithRetryBackoff(d time.Duration) RedisOption {
	return func(l *RedisLocker) {
		if d > 0 {
			l.backoff = d
		}
	}
}

// WithKeyPrefix sets the key namespace.
func WithKeyPrefix(p string) RedisOption {
	return func(l *RedisLocker) { l.prefix = p }
}

// WithLogger sets the logger used to report failed releases.
func WithLogger(logger *zap.Logger) RedisOption {
	return func(l *RedisLocker) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// NewRedisLocker creates a Redis-backed locker.
func NewRedisLocker(client redis.UniversalClient, opts ...RedisOption) *RedisLocker {
	l := &RedisLocker{
		client:  client,
		ttl:     DefaultLockTTL,
		backoff: DefaultRetryBackoff,
		prefix:  DefaultKeyPrefix,
		logger:  zap.NewNop(),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Lock polls SET NX until it wins the key or ctx is done.
func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	token, err := newToken()
	if err != nil {
		return nil, fmt.Errorf("generate lock token: %w", err)
	}
	k := l.prefix + key

	for {
		ok, err := l.client.SetNX(ctx, k, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("redis setnx %q: %w", k, err)
		}
		if ok {
			break
		}
		t := time.NewTimer(l.backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}

	return func() {
		// Release with a fresh context so a cancelled caller still frees the key.
		rctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		released, err := releaseScript.Run(rctx, l.client, []string{k}, token).Int()
		switch {
		case err != nil:
			// The key stays held until its TTL runs out.
			l.logger.Warn("lock release failed",
				zap.String("key", k),
				zap.Duration("ttl", l.ttl),
				zap.Error(err),
			)
		case released == 0:
			l.logger.Warn("lock expired before release", zap.String("key", k), zap.Duration("ttl", l.ttl))
		}
	}, nil
}

// HealthCheck pings Redis.
func (l *RedisLocker) HealthCheck(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

func newToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
