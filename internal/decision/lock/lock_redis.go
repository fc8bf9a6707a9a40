package lock

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	dErrors "trapline/pkg/domain-errors"
)

const (
	lockKeyPrefix = "trapline:lock:"
	lockTTL       = 10 * time.Second
	retryDelay    = 25 * time.Millisecond
)

// releaseScript deletes a lock only when the caller still owns it, so a lock
// that expired and was re-acquired by someone else is never released by us.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// RedisLock is the multi-instance implementation: SET NX with a TTL per key,
// token-checked release. The TTL bounds how long a crashed holder can block
// others.
type RedisLock struct {
	client *redis.Client
}

func NewRedisLock(client *redis.Client) *RedisLock {
	return &RedisLock{client: client}
}

func (l *RedisLock) Acquire(ctx context.Context, keys []string) (func(), error) {
	ordered := sortedUnique(keys)
	token := uuid.NewString()

	acquired := make([]string, 0, len(ordered))
	releaseAcquired := func() {
		// Release in reverse against a background context so a cancelled
		// request still lets go of what it holds.
		bg := context.Background()
		for i := len(acquired) - 1; i >= 0; i-- {
			_ = releaseScript.Run(bg, l.client, []string{acquired[i]}, token).Err()
		}
	}

	for _, key := range ordered {
		full := lockKeyPrefix + key
		for {
			ok, err := l.client.SetNX(ctx, full, token, lockTTL).Result()
			if err != nil {
				releaseAcquired()
				return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "acquire identifier lock")
			}
			if ok {
				acquired = append(acquired, full)
				break
			}
			select {
			case <-ctx.Done():
				releaseAcquired()
				return nil, dErrors.Wrap(ctx.Err(), dErrors.CodeTimeout, "waiting for identifier lock")
			case <-time.After(retryDelay):
			}
		}
	}

	return releaseAcquired, nil
}
