package sweep

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mbd888/guardrail/internal/idgen"
)

// Lease elects one replica to run the periodic sweep.
type Lease interface {
	// Acquire reports whether this holder now owns the lease.
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// LocalLease is a process-local lease for single-replica deployments.
type LocalLease struct {
	mu   sync.Mutex
	held bool
}

func NewLocalLease() *LocalLease { return &LocalLease{} }

func (l *LocalLease) Acquire(context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held {
		return false, nil
	}
	l.held = true
	return true, nil
}

func (l *LocalLease) Release(context.Context) error {
	l.mu.Lock()
	l.held = false
	l.mu.Unlock()
	return nil
}

// releaseScript deletes the lease key only if this holder still owns it.
// KEYS[1] = lease key, ARGV[1] = owner token
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLease is a lease shared by every replica pointed at the same Redis.
// The key expires after ttl, so a crashed holder never blocks the sweep
// for longer than that.
type RedisLease struct {
	client redis.Cmdable
	key    string
	owner  string
	ttl    time.Duration
}

// NewRedisLease creates a lease on key. ttl should exceed the longest
// expected sweep run.
func NewRedisLease(client redis.Cmdable, key string, ttl time.Duration) *RedisLease {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &RedisLease{client: client, key: key, owner: idgen.WithPrefix("sweep_"), ttl: ttl}
}

// Owner returns this holder's token.
func (l *RedisLease) Owner() string { return l.owner }

func (l *RedisLease) Acquire(ctx context.Context) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.owner, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire sweep lease: %w", err)
	}
	return ok, nil
}

func (l *RedisLease) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, l.client, []string{l.key}, l.owner).Err(); err != nil {
		return fmt.Errorf("release sweep lease: %w", err)
	}
	return nil
}

var (
	_ Lease = (*LocalLease)(nil)
	_ Lease = (*RedisLease)(nil)
)
