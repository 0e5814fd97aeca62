// Package lockx is a redis SetNX lease. The deadline sweeper holds one so
// that overlapping worker instances do not double-scan; the TTL bounds how
// long a crashed holder blocks the next sweep.
package lockx

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// The stored token gates the delete. Without it, a holder whose lease
// expired could release the lock a later holder now owns.
const releaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`

type Lock struct {
	Key   string
	Token string
	TTL   time.Duration
}

func Acquire(ctx context.Context, client *redis.Client, key string, ttl time.Duration) (*Lock, bool, error) {
	if client == nil {
		return nil, false, errors.New("redis client not initialized")
	}
	if ttl <= 0 {
		return nil, false, errors.New("ttl must be > 0")
	}
	lock := &Lock{Key: key, Token: uuid.NewString(), TTL: ttl}
	ok, err := client.SetNX(ctx, key, lock.Token, ttl).Result()
	if err != nil || !ok {
		return nil, false, err
	}
	return lock, true, nil
}

func Release(ctx context.Context, client *redis.Client, lock *Lock) error {
	if client == nil {
		return errors.New("redis client not initialized")
	}
	if lock == nil {
		return errors.New("lock is nil")
	}
	return client.Eval(ctx, releaseScript, []string{lock.Key}, lock.Token).Err()
}
