package redis

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/Harsh-BH/tradeguard/internal/repository"
)

var _ repository.LockStore = (*redisLockStore)(nil)

// KEYS[1] is the lock being acquired, KEYS[2..n] are the conflicting locks.
var acquireScript = goredis.NewScript(`
for i = 2, #KEYS do
    if redis.call("EXISTS", KEYS[i]) == 1 then
        return 0
    end
end
if redis.call("SET", KEYS[1], ARGV[1], "NX", "PX", ARGV[2]) then
    return 1
end
return 0
`)

var extendScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
    return 0
end
`)

var deleteScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
else
    return 0
end
`)

type redisLockStore struct {
	client *goredis.Client
}

// NewRedisLockStore creates a Redis-backed lock store. Conditional writes run as Lua
// scripts so they are atomic on the server.
func NewRedisLockStore(client *goredis.Client) repository.LockStore {
	return &redisLockStore{client: client}
}

func (r *redisLockStore) AcquireExclusive(ctx context.Context, key, owner string, ttl time.Duration, conflicts []string) (bool, error) {
	keys := make([]string, 0, len(conflicts)+1)
	keys = append(keys, key)
	keys = append(keys, conflicts...)

	n, err := acquireScript.Run(ctx, r.client, keys, owner, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("redis: acquire lock: %w", err)
	}
	return n == 1, nil
}

func (r *redisLockStore) CompareAndExtend(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	n, err := extendScript.Run(ctx, r.client, []string{key}, owner, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("redis: extend lock: %w", err)
	}
	return n == 1, nil
}

func (r *redisLockStore) CompareAndDelete(ctx context.Context, key, owner string) (bool, error) {
	n, err := deleteScript.Run(ctx, r.client, []string{key}, owner).Int64()
	if err != nil {
		return false, fmt.Errorf("redis: release lock: %w", err)
	}
	return n == 1, nil
}

func (r *redisLockStore) Delete(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Del(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("redis: delete lock: %w", err)
	}
	return n > 0, nil
}

func (r *redisLockStore) TTL(ctx context.Context, key string) (time.Duration, bool, error) {
	ttl, err := r.client.PTTL(ctx, key).Result()
	if err != nil {
		return 0, false, fmt.Errorf("redis: lock ttl: %w", err)
	}
	// -2 means the key does not exist, -1 means it has no expiry.
	switch ttl {
	case -2:
		return 0, false, nil
	case -1:
		return -1, true, nil
	}
	return ttl, true, nil
}
