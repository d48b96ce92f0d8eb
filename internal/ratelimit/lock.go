package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

// Release only deletes the key when the token still matches, so an expired
// lease cannot release a lock picked up by another worker.
const lockReleaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

type Locker struct {
	client *redis.Client
	script *redis.Script
}

func NewLocker(client *redis.Client) *Locker {
	if client == nil {
		return nil
	}
	return &Locker{
		client: client,
		script: redis.NewScript(lockReleaseScript),
	}
}

func (l *Locker) TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	if l == nil || l.client == nil {
		return "", false, errors.New("lock client not configured")
	}
	if key == "" {
		return "", false, errors.New("lock key is empty")
	}
	if ttl <= 0 {
		return "", false, errors.New("lock ttl must be positive")
	}

	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return "", false, err
	}
	return token, ok, nil
}

func (l *Locker) Release(ctx context.Context, key, token string) error {
	if l == nil || l.client == nil {
		return nil
	}
	if key == "" || token == "" {
		return nil
	}
	return l.script.Run(ctx, l.client, []string{key}, token).Err()
}

const keyCustomerLock = "customer:lock:%s:%s"

// CustomerLock serializes deductions per customer across worker instances.
// A nil lock (no Redis) always grants, which is safe for single-instance
// deployments where the database transaction is the only writer.
type CustomerLock struct {
	locker *Locker
	ttl    time.Duration
}

func NewCustomerLock(locker *Locker, ttl time.Duration) *CustomerLock {
	if locker == nil {
		return nil
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &CustomerLock{locker: locker, ttl: ttl}
}

func (c *CustomerLock) TryLock(ctx context.Context, orgID, customerID snowflake.ID) (string, bool, error) {
	if c == nil {
		return "", true, nil
	}
	key := fmt.Sprintf(keyCustomerLock, orgID, customerID)
	return c.locker.TryLock(ctx, key, c.ttl)
}

func (c *CustomerLock) Release(ctx context.Context, orgID, customerID snowflake.ID, token string) error {
	if c == nil {
		return nil
	}
	key := fmt.Sprintf(keyCustomerLock, orgID, customerID)
	return c.locker.Release(ctx, key, token)
}
