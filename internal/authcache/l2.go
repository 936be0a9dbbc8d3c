package authcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/familyhub/familyhub/internal/rbac"
)

// indexTTL outlives every decision an index can point at.
const indexTTL = 2 * rbac.MaxCacheTTL

// storeIfCurrent writes a decision only when none of its dependencies, and no
// clear, was invalidated after the writer's snapshot of the sequence.
//
// KEYS[1] decision key, KEYS[2] clear version, KEYS[3..2+n] user versions,
// KEYS[3+n..2+2n] user index sets.
// ARGV[1] snapshot, ARGV[2] payload, ARGV[3] ttl ms, ARGV[4] n, ARGV[5] index ttl s.
var storeIfCurrent = redis.NewScript(`
local snap = tonumber(ARGV[1])
local n = tonumber(ARGV[4])
for i = 2, 2 + n do
	local v = redis.call('GET', KEYS[i])
	if v and tonumber(v) > snap then
		return 0
	end
end
redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
for i = 3 + n, 2 + 2 * n do
	redis.call('SADD', KEYS[i], KEYS[1])
	redis.call('EXPIRE', KEYS[i], ARGV[5])
end
return 1
`)

// l2 stores decisions in Redis. Keys embed a generation number; clearing the
// tier bumps the generation so every older key becomes unreachable at once.
// Per-user index sets list the keys that depend on each user.
//
// Every invalidation takes a number from a shared sequence and records it as
// the user's version (or the clear version). Writers snapshot the sequence
// before evaluating and the write is refused if any dependency's version is
// newer, so a decision computed on one instance cannot land after another
// instance invalidated it.
type l2 struct {
	client redis.UniversalClient
	prefix string
}

func (c *l2) generationKey() string   { return c.prefix + ":generation" }
func (c *l2) sequenceKey() string     { return c.prefix + ":seq" }
func (c *l2) clearVersionKey() string { return c.prefix + ":ver:all" }

func (c *l2) versionKey(userID uuid.UUID) string { return c.prefix + ":ver:user:" + userID.String() }

func (c *l2) decisionKey(gen int64, key string) string {
	return c.prefix + ":decision:" + strconv.FormatInt(gen, 10) + ":" + key
}

func (c *l2) indexKey(userID uuid.UUID) string { return c.prefix + ":idx:user:" + userID.String() }

// generation returns the current key generation, initialising it when missing.
func (c *l2) generation(ctx context.Context) (int64, error) {
	gen, err := c.client.Get(ctx, c.generationKey()).Int64()
	if errors.Is(err, redis.Nil) {
		if err := c.client.SetNX(ctx, c.generationKey(), 1, 0).Err(); err != nil {
			return 0, err
		}
		return c.client.Get(ctx, c.generationKey()).Int64()
	}
	if err != nil {
		return 0, err
	}
	return gen, nil
}

func (c *l2) get(ctx context.Context, key string) (entry, bool, error) {
	gen, err := c.generation(ctx)
	if err != nil {
		return entry{}, false, err
	}
	payload, err := c.client.Get(ctx, c.decisionKey(gen, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return entry{}, false, nil
	}
	if err != nil {
		return entry{}, false, err
	}
	var e entry
	if err := json.Unmarshal(payload, &e); err != nil {
		return entry{}, false, fmt.Errorf("authcache: decode l2 entry: %w", err)
	}
	return e, true, nil
}

// sequence returns the latest invalidation number, zero before the first one.
func (c *l2) sequence(ctx context.Context) (int64, error) {
	seq, err := c.client.Get(ctx, c.sequenceKey()).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return seq, err
}

// set stores e unless a dependency was invalidated after snapshot. It reports
// whether the entry was written.
func (c *l2) set(ctx context.Context, key string, e entry, ttl time.Duration, snapshot int64) (bool, error) {
	gen, err := c.generation(ctx)
	if err != nil {
		return false, err
	}
	raw, err := json.Marshal(e)
	if err != nil {
		return false, err
	}
	n := len(e.Deps)
	keys := make([]string, 0, 2+2*n)
	keys = append(keys, c.decisionKey(gen, key), c.clearVersionKey())
	for _, dep := range e.Deps {
		keys = append(keys, c.versionKey(dep))
	}
	for _, dep := range e.Deps {
		keys = append(keys, c.indexKey(dep))
	}
	ms := ttl.Milliseconds()
	if ms < 1 {
		ms = 1
	}
	stored, err := storeIfCurrent.Run(ctx, c.client, keys,
		snapshot, raw, ms, n, int64(indexTTL/time.Second)).Int()
	if err != nil {
		return false, err
	}
	return stored == 1, nil
}

// markUsers records a new invalidation number as the version of every user.
func (c *l2) markUsers(ctx context.Context, users []uuid.UUID) error {
	seq, err := c.client.Incr(ctx, c.sequenceKey()).Result()
	if err != nil {
		return err
	}
	_, err = c.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		for _, u := range users {
			p.Set(ctx, c.versionKey(u), seq, indexTTL)
		}
		return nil
	})
	return err
}

// dropUsers marks users as invalidated, then deletes every decision indexed
// under them, in any generation.
func (c *l2) dropUsers(ctx context.Context, users []uuid.UUID) error {
	if err := c.markUsers(ctx, users); err != nil {
		return err
	}
	for _, u := range users {
		idx := c.indexKey(u)
		keys, err := c.client.SMembers(ctx, idx).Result()
		if err != nil {
			return err
		}
		keys = append(keys, idx)
		if err := c.client.Del(ctx, keys...).Err(); err != nil {
			return err
		}
	}
	return nil
}

// bump records a clear in the sequence, then moves to a new generation and returns it.
func (c *l2) bump(ctx context.Context) (int64, error) {
	if _, err := c.generation(ctx); err != nil {
		return 0, err
	}
	seq, err := c.client.Incr(ctx, c.sequenceKey()).Result()
	if err != nil {
		return 0, err
	}
	if err := c.client.Set(ctx, c.clearVersionKey(), seq, indexTTL).Err(); err != nil {
		return 0, err
	}
	return c.client.Incr(ctx, c.generationKey()).Result()
}

func (c *l2) ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
