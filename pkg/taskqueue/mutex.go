// SPDX-FileCopyrightText: 2025 the Malbuch contributors
//
// SPDX-License-Identifier: Apache-2.0

package taskqueue

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Mutex coordinates "at most one process" work across instances via a Redis
// key (SET NX PX). Unlock releases early; otherwise the TTL does. It does
// not block or refresh: the critical section must fit into the TTL.
type Mutex struct {
	rdb   redis.UniversalClient
	key   string
	ttl   time.Duration
	token string
}

// NewMutex returns a mutex on the given key. The token ties the lock to this
// instance so that Unlock cannot release somebody else's acquisition.
func NewMutex(rdb redis.UniversalClient, key string, ttl time.Duration) *Mutex {
	return &Mutex{rdb: rdb, key: key, ttl: ttl, token: uuid.NewString()}
}

// TryLock attempts the acquisition without blocking and reports whether this
// caller now holds the mutex.
func (m *Mutex) TryLock(ctx context.Context) (bool, error) {
	ok, err := m.rdb.SetNX(ctx, m.key, m.token, m.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquiring mutex %s: %w", m.key, err)
	}
	return ok, nil
}

// unlockScript deletes the key only while this caller's token is still on it.
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Unlock releases the mutex if this caller still holds it. A lock that
// already expired (and was possibly re-acquired elsewhere) is left alone.
func (m *Mutex) Unlock(ctx context.Context) error {
	if err := unlockScript.Run(ctx, m.rdb, []string{m.key}, m.token).Err(); err != nil {
		return fmt.Errorf("releasing mutex %s: %w", m.key, err)
	}
	return nil
}

// LockOnce acquires key for ttl without a release path; the lock ages out on
// its own. Callers use it to deduplicate work across processes, accepting
// that a crashed holder blocks redoing the work until the TTL passes.
func LockOnce(ctx context.Context, rdb redis.UniversalClient, key string, ttl time.Duration) (bool, error) {
	ok, err := rdb.SetNX(ctx, key, "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquiring lock %s: %w", key, err)
	}
	return ok, nil
}
