package redis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aretw0/arbiter/pkg/ports"
	"github.com/google/uuid"
	backend "github.com/redis/go-redis/v9"
)

var (
	// ErrLockAcquire is returned when the lease cannot be acquired.
	ErrLockAcquire = errors.New("failed to acquire distributed lock")
)

// unlockScript deletes the key only if it still holds our token.
var unlockScript = backend.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`)

// extendScript resets the TTL only if the key still holds our token.
var extendScript = backend.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
else
	return 0
end
`)

// ErrLeaseLost is reported when a held lease was taken over or expired.
var ErrLeaseLost = errors.New("lease lost")

// Locker implements ports.DistributedLocker using Redis.
type Locker struct {
	client   *backend.Client
	prefix   string
	interval time.Duration
}

// NewLocker creates a new Redis locker.
func NewLocker(client *backend.Client, prefix string) *Locker {
	return &Locker{
		client:   client,
		prefix:   prefix,
		interval: 100 * time.Millisecond,
	}
}

// Lock acquires the lease for key using SET NX PX, polling until it is free or ctx is done.
// The lease carries a random token and is only released by its holder.
func (l *Locker) Lock(ctx context.Context, key string, ttl time.Duration) (ports.UnlockFunc, error) {
	lockKey, token := l.prefix+"lock:"+key, uuid.NewString()
	if err := l.acquire(ctx, lockKey, token, ttl); err != nil {
		return nil, err
	}
	return l.unlock(lockKey, token), nil
}

// Hold acquires the lease like Lock and keeps extending it every ttl/3 until the
// returned UnlockFunc is called. lost is closed if an extension finds the lease
// gone, after which the holder must stop serving.
func (l *Locker) Hold(ctx context.Context, key string, ttl time.Duration) (unlock ports.UnlockFunc, lost <-chan struct{}, err error) {
	lockKey, token := l.prefix+"lock:"+key, uuid.NewString()
	if err := l.acquire(ctx, lockKey, token, ttl); err != nil {
		return nil, nil, err
	}

	stop := make(chan struct{})
	gone := make(chan struct{})
	go func() {
		ticker := time.NewTicker(ttl / 3)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
			}
			n, err := extendScript.Run(context.Background(), l.client, []string{lockKey}, token, ttl.Milliseconds()).Int()
			if err == nil && n == 0 {
				close(gone)
				return
			}
		}
	}()

	release := l.unlock(lockKey, token)
	var once sync.Once
	return func(ctx context.Context) error {
		once.Do(func() { close(stop) })
		return release(ctx)
	}, gone, nil
}

func (l *Locker) unlock(lockKey, token string) ports.UnlockFunc {
	return func(ctx context.Context) error {
		return unlockScript.Run(ctx, l.client, []string{lockKey}, token).Err()
	}
}

func (l *Locker) acquire(ctx context.Context, lockKey, token string, ttl time.Duration) error {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		ok, err := l.client.SetNX(ctx, lockKey, token, ttl).Result()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w: %w", ErrLockAcquire, err)
		}
		if ok {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
