// Package lock provides advisory locks keyed by string.
package lock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotAcquired is returned when the context ends before the lock is free.
var ErrNotAcquired = errors.New("lock: not acquired")

// Locker acquires an exclusive lock on key. The returned release function
// must be called once the critical section is done. ttl bounds how long a
// crashed holder keeps the lock.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(context.Context) error, err error)
}

const retryInterval = 50 * time.Millisecond

// releaseScript deletes the key only when it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis is a Locker backed by SET NX PX.
type Redis struct {
	client redis.UniversalClient
	prefix string
}

func NewRedis(client redis.UniversalClient, prefix string) *Redis {
	if prefix == "" {
		prefix = "lock:"
	}
	return &Redis{client: client, prefix: prefix}
}

func (r *Redis) Acquire(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, error) {
	token, err := newToken()
	if err != nil {
		return nil, err
	}
	fullKey := r.prefix + key

	ticker := time.NewTicker(retryInterval)
	defer ticker.Stop()
	for {
		ok, err := r.client.SetNX(ctx, fullKey, token, ttl).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("%w: %s", ErrNotAcquired, key)
			}
			return nil, fmt.Errorf("failed to acquire lock %s: %w", key, err)
		}
		if ok {
			return func(ctx context.Context) error {
				if err := releaseScript.Run(ctx, r.client, []string{fullKey}, token).Err(); err != nil {
					return fmt.Errorf("failed to release lock %s: %w", key, err)
				}
				return nil
			}, nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s", ErrNotAcquired, key)
		case <-ticker.C:
		}
	}
}

func newToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate lock token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Local is an in-process Locker for single-node deployments and tests. ttl
// is ignored. A key's slot lives only while someone holds or waits on it.
type Local struct {
	mu    sync.Mutex
	slots map[string]*localSlot
}

type localSlot struct {
	ch   chan struct{}
	refs int
}

func NewLocal() *Local {
	return &Local{slots: map[string]*localSlot{}}
}

func (l *Local) ref(key string) *localSlot {
	l.mu.Lock()
	defer l.mu.Unlock()
	slot, ok := l.slots[key]
	if !ok {
		slot = &localSlot{ch: make(chan struct{}, 1)}
		l.slots[key] = slot
	}
	slot.refs++
	return slot
}

func (l *Local) unref(key string, slot *localSlot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	slot.refs--
	if slot.refs == 0 {
		delete(l.slots, key)
	}
}

func (l *Local) Acquire(ctx context.Context, key string, _ time.Duration) (func(context.Context) error, error) {
	slot := l.ref(key)
	select {
	case slot.ch <- struct{}{}:
	case <-ctx.Done():
		l.unref(key, slot)
		return nil, fmt.Errorf("%w: %s", ErrNotAcquired, key)
	}

	var once sync.Once
	return func(context.Context) error {
		once.Do(func() {
			<-slot.ch
			l.unref(key, slot)
		})
		return nil
	}, nil
}
