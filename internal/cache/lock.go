package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLockTimeout is returned when a lock could not be taken before the context ended.
var ErrLockTimeout = errors.New("lock wait timed out")

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Locker serialises work per key across processes.
type Locker struct {
	redis *Redis
	ttl   time.Duration
	poll  time.Duration
}

// NewLocker returns a locker whose leases expire after ttl.
func NewLocker(r *Redis, ttl time.Duration) *Locker {
	return &Locker{redis: r, ttl: ttl, poll: 100 * time.Millisecond}
}

// Lock blocks until key is held or ctx ends. The returned func releases the
// lease only if it is still ours.
func (l *Locker) Lock(ctx context.Context, key string) (func(), error) {
	full := l.redis.key("lock", key)
	token := uuid.NewString()

	ticker := time.NewTicker(l.poll)
	defer ticker.Stop()
	for {
		ok, err := l.redis.client.SetNX(ctx, full, token, l.ttl).Result()
		if err != nil && ctx.Err() == nil {
			return nil, fmt.Errorf("acquire lock %s: %w", key, err)
		}
		if ok {
			return func() {
				releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
				defer cancel()
				if err := releaseScript.Run(releaseCtx, l.redis.client, []string{full}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
					l.redis.logger.Warn("release lock", "key", key, "error", err)
				}
			}, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s", ErrLockTimeout, key)
		case <-ticker.C:
		}
	}
}
