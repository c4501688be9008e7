package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultSyncLockKey is the Redis key guarding sync runs.
const DefaultSyncLockKey = "ftm:sync:lock"

// ErrLockHeld is returned by Acquire when another holder owns the lock.
var ErrLockHeld = errors.New("sync lock is held by another instance")

// releaseScript deletes the key only when it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// extendScript refreshes the TTL only when the key still holds our token.
var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// SyncLock is a single-holder Redis lock with a TTL.
type SyncLock struct {
	client *redis.Client
	key    string
	ttl    time.Duration
}

// NewSyncLock creates a lock on key. An empty key uses DefaultSyncLockKey.
func NewSyncLock(client *redis.Client, key string, ttl time.Duration) *SyncLock {
	if key == "" {
		key = DefaultSyncLockKey
	}
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &SyncLock{client: client, key: key, ttl: ttl}
}

// Lease is a held lock. Release it when the sync finishes.
type Lease struct {
	lock  *SyncLock
	token string
}

// Acquire takes the lock or returns ErrLockHeld.
func (l *SyncLock) Acquire(ctx context.Context) (*Lease, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire sync lock: %w", err)
	}
	if !ok {
		return nil, ErrLockHeld
	}
	return &Lease{lock: l, token: token}, nil
}

// Extend pushes the lease's expiry out by the lock TTL. It returns ErrLockHeld when the
// lease has already expired and been taken by someone else.
func (le *Lease) Extend(ctx context.Context) error {
	n, err := extendScript.Run(ctx, le.lock.client, []string{le.lock.key}, le.token, le.lock.ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("failed to extend sync lock: %w", err)
	}
	if n == 0 {
		return ErrLockHeld
	}
	return nil
}

// Release frees the lock if this lease still owns it.
func (le *Lease) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, le.lock.client, []string{le.lock.key}, le.token).Err(); err != nil {
		return fmt.Errorf("failed to release sync lock: %w", err)
	}
	return nil
}
