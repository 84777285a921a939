// Package redislock is a LockStore for deployments that already run Redis.
// Each lock is a hash (owner, acquired_at) whose TTL is the lease. Renewal
// re-writes acquired_at and the TTL; an expired hash is a free lock.
package redislock

import (
	"context"
	"errors"
	"strconv"
	"time"

	"listing-sniper/internal/state"

	"github.com/redis/go-redis/v9"
)

var acquireScript = redis.NewScript(`
local owner = redis.call("HGET", KEYS[1], "owner")
if not owner then
	redis.call("HSET", KEYS[1], "owner", ARGV[1], "acquired_at", ARGV[2])
	redis.call("PEXPIRE", KEYS[1], ARGV[3])
	return 1
end
if owner == ARGV[1] then
	redis.call("HSET", KEYS[1], "acquired_at", ARGV[2])
	redis.call("PEXPIRE", KEYS[1], ARGV[3])
	return 1
end
return 0
`)

var renewScript = redis.NewScript(`
if redis.call("HGET", KEYS[1], "owner") == ARGV[1] then
	redis.call("HSET", KEYS[1], "acquired_at", ARGV[2])
	redis.call("PEXPIRE", KEYS[1], ARGV[3])
	return 1
end
return 0
`)

var releaseScript = redis.NewScript(`
if redis.call("HGET", KEYS[1], "owner") == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type Store struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

var _ state.LockStore = (*Store)(nil)

func New(client redis.UniversalClient, prefix string) *Store {
	if prefix == "" {
		prefix = "listing-sniper:lock:"
	}
	return &Store{client: client, prefix: prefix, now: time.Now}
}

// Dial connects to addr and verifies the connection.
func Dial(ctx context.Context, addr, password string, db int, prefix string) (*Store, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, &state.StorageError{Op: "redis ping", Err: err}
	}
	return New(client, prefix), nil
}

func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) AcquireLock(ctx context.Context, key, instanceID string, lease time.Duration) (bool, error) {
	return s.run(ctx, "acquire lock", acquireScript, key, instanceID, lease)
}

func (s *Store) RenewLock(ctx context.Context, key, instanceID string, lease time.Duration) (bool, error) {
	return s.run(ctx, "renew lock", renewScript, key, instanceID, lease)
}

func (s *Store) ReleaseLock(ctx context.Context, key, instanceID string) error {
	if err := releaseScript.Run(ctx, s.client, []string{s.prefix + key}, instanceID).Err(); err != nil {
		return &state.StorageError{Op: "release lock", Err: err}
	}
	return nil
}

func (s *Store) LockInfo(ctx context.Context, key string) (state.InstanceLock, bool, error) {
	fields, err := s.client.HGetAll(ctx, s.prefix+key).Result()
	if err != nil {
		return state.InstanceLock{}, false, &state.StorageError{Op: "lock info", Err: err}
	}
	owner, ok := fields["owner"]
	if !ok {
		return state.InstanceLock{}, false, nil
	}
	return state.InstanceLock{
		LockKey:    key,
		InstanceID: owner,
		AcquiredAt: parseMillis(fields["acquired_at"]),
	}, true, nil
}

func (s *Store) run(ctx context.Context, op string, script *redis.Script, key, instanceID string, lease time.Duration) (bool, error) {
	if lease <= 0 {
		return false, errors.New("lease must be positive")
	}
	now := strconv.FormatInt(s.now().UnixMilli(), 10)
	n, err := script.Run(ctx, s.client, []string{s.prefix + key}, instanceID, now, lease.Milliseconds()).Int64()
	if err != nil {
		return false, &state.StorageError{Op: op, Err: err}
	}
	return n == 1, nil
}

func parseMillis(raw string) time.Time {
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
