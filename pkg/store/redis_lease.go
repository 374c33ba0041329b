package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisLeaseAcquire atomically claims a lease key unless it is already
// held by a different, still-live owner. Returns 1 on success, 0 if
// held elsewhere. Grounded on pkg/kernel/limiter_redis.go's token-bucket
// script: state read, condition check, state write, all inside one Lua
// invocation so no other client can observe a half-updated lease.
var redisLeaseAcquire = redis.NewScript(`
local key = KEYS[1]
local owner = ARGV[1]
local ttlMillis = tonumber(ARGV[2])

local current = redis.call("GET", key)
if current == false or current == owner then
	redis.call("SET", key, owner, "PX", ttlMillis)
	return 1
end
return 0
`)

// redisLeaseExtend refreshes a lease's TTL only if owner still holds it.
var redisLeaseExtend = redis.NewScript(`
local key = KEYS[1]
local owner = ARGV[1]
local ttlMillis = tonumber(ARGV[2])

local current = redis.call("GET", key)
if current == owner then
	redis.call("PEXPIRE", key, ttlMillis)
	return 1
end
return 0
`)

var redisLeaseRelease = redis.NewScript(`
local key = KEYS[1]
local owner = ARGV[1]

local current = redis.call("GET", key)
if current == owner then
	redis.call("DEL", key)
	return 1
end
return 0
`)

// RedisLeaseIndex wraps an underlying TaskStore, replacing its in-process
// lease bookkeeping with Redis-held locks so multiple dwnd instances can
// share one task backlog without double-leasing a task (spec §4.8:
// "at most one worker holds a task at a time").
type RedisLeaseIndex struct {
	tasks  TaskStore
	client *redis.Client
	prefix string
}

func NewRedisLeaseIndex(tasks TaskStore, client *redis.Client) *RedisLeaseIndex {
	return &RedisLeaseIndex{tasks: tasks, client: client, prefix: "dwn:task-lease:"}
}

func (r *RedisLeaseIndex) leaseKey(id string) string { return r.prefix + id }

func (r *RedisLeaseIndex) Register(ctx context.Context, t Task) error {
	return r.tasks.Register(ctx, t)
}

func (r *RedisLeaseIndex) Get(ctx context.Context, id string) (*Task, error) {
	return r.tasks.Get(ctx, id)
}

func (r *RedisLeaseIndex) Delete(ctx context.Context, id string) error {
	if err := r.client.Del(ctx, r.leaseKey(id)).Err(); err != nil {
		return fmt.Errorf("store: release lease on delete: %w", err)
	}
	return r.tasks.Delete(ctx, id)
}

// Grab lists pending/expired-lease tasks from the underlying store, then
// tries to claim each one's Redis lease key; only tasks actually claimed
// in Redis are returned, so a concurrent grabber elsewhere never double-
// processes one.
func (r *RedisLeaseIndex) Grab(ctx context.Context, owner string, limit int, leaseDuration time.Duration) ([]Task, error) {
	candidates, err := r.tasks.Pending(ctx)
	if err != nil {
		return nil, err
	}

	ttlMillis := leaseDuration.Milliseconds()
	var grabbed []Task
	for _, t := range candidates {
		if len(grabbed) >= limit {
			break
		}
		res, err := redisLeaseAcquire.Run(ctx, r.client, []string{r.leaseKey(t.ID)}, owner, ttlMillis).Int()
		if err != nil {
			return nil, fmt.Errorf("store: acquire lease %s: %w", t.ID, err)
		}
		if res != 1 {
			continue
		}
		t.Status = TaskStatusLeased
		t.LeaseOwner = owner
		t.LeaseUntil = time.Now().UTC().Add(leaseDuration)
		if err := r.tasks.Register(ctx, t); err != nil {
			return nil, err
		}
		grabbed = append(grabbed, t)
	}
	return grabbed, nil
}

func (r *RedisLeaseIndex) Extend(ctx context.Context, id, owner string, leaseDuration time.Duration) error {
	res, err := redisLeaseExtend.Run(ctx, r.client, []string{r.leaseKey(id)}, owner, leaseDuration.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("store: extend lease %s: %w", id, err)
	}
	if res != 1 {
		return fmt.Errorf("store: task %s lease not held by %s", id, owner)
	}
	return r.tasks.Extend(ctx, id, owner, leaseDuration)
}

func (r *RedisLeaseIndex) Pending(ctx context.Context) ([]Task, error) {
	return r.tasks.Pending(ctx)
}

var _ TaskStore = (*RedisLeaseIndex)(nil)
