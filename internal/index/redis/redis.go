// Package redis implements the due-time index on a Redis sorted set.
//
// Member = task id, score = due-at in unix milliseconds. ZADD replaces the
// score of an existing member, which gives reinsertion-with-new-due-time its
// atomic replace semantics for free; ZREM is a no-op for absent members, so
// removal is idempotent.
package redis

import (
	"context"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// popDueScript atomically reads and removes the ids due at or before the
// given score. This is the only concurrency boundary preventing two
// overlapping ticks from picking up the same message id twice.
var popDueScript = goredis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
if #ids > 0 then
  redis.call('ZREM', KEYS[1], unpack(ids))
end
return ids
`)

type Index struct {
	client *goredis.Client
	key    string
}

// New creates a due-time index backed by the given Redis client, storing
// entries under key.
func New(client *goredis.Client, key string) *Index {
	return &Index{client: client, key: key}
}

// Enqueue registers id at dueAt, replacing any prior entry for the same id.
func (i *Index) Enqueue(ctx context.Context, id string, dueAt time.Time) error {
	return i.client.ZAdd(ctx, i.key, goredis.Z{
		Score:  float64(dueAt.UnixMilli()),
		Member: id,
	}).Err()
}

// PopDue atomically removes and returns up to limit ids with due time <= now,
// in ascending due-time order.
func (i *Index) PopDue(ctx context.Context, now time.Time, limit int) ([]string, error) {
	res, err := popDueScript.Run(ctx, i.client, []string{i.key},
		strconv.FormatInt(now.UnixMilli(), 10), limit).StringSlice()
	if err != nil && err != goredis.Nil {
		return nil, err
	}
	return res, nil
}

// Remove deletes id from the index. Removing an absent id is a no-op.
func (i *Index) Remove(ctx context.Context, id string) error {
	return i.client.ZRem(ctx, i.key, id).Err()
}

// Ping verifies connectivity; the scheduler refuses to start without it.
func (i *Index) Ping(ctx context.Context) error {
	return i.client.Ping(ctx).Err()
}
