package authcache

import (
	"context"
	"runtime"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/familyhub/familyhub/internal/rbac"
)

var baseTime = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return baseTime }

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func keyFor(user uuid.UUID, action string) rbac.DecisionKey {
	return rbac.DecisionKey{UserID: user, Action: action, ResourceID: uuid.New(), ResourceType: rbac.ResourceFamily}
}

func allow(reason string) rbac.Decision {
	return rbac.Decision{Allowed: true, Reason: reason, Source: rbac.SourceRole, Details: map[string]string{"k": "v"}, ComputedAt: baseTime}
}

func TestTierL1HitAndEntryExpiry(t *testing.T) {
	tier := NewTier(Config{}, nil, WithClock(fixedClock))
	ctx := context.Background()
	user := uuid.New()
	key := keyFor(user, "calendar.read")

	tier.Put(ctx, key, allow("role"), []uuid.UUID{user}, baseTime.Add(time.Minute), tier.Stamp(ctx))

	got, ok := tier.Get(ctx, key, baseTime.Add(30*time.Second))
	require.True(t, ok)
	assert.Equal(t, allow("role"), got)

	got.Details["k"] = "mutated"
	again, ok := tier.Get(ctx, key, baseTime.Add(30*time.Second))
	require.True(t, ok)
	assert.Equal(t, "v", again.Details["k"], "callers must not share cached maps")

	_, ok = tier.Get(ctx, key, baseTime.Add(time.Minute))
	assert.False(t, ok, "entries expire at their own deadline")
}

func TestTierPutIgnoresPastDeadlineAndCapsTTL(t *testing.T) {
	tier := NewTier(Config{}, nil, WithClock(fixedClock))
	ctx := context.Background()
	user := uuid.New()

	past := keyFor(user, "calendar.read")
	tier.Put(ctx, past, allow("x"), nil, baseTime, tier.Stamp(ctx))
	_, ok := tier.Get(ctx, past, baseTime)
	assert.False(t, ok)

	far := keyFor(user, "calendar.read")
	tier.Put(ctx, far, allow("x"), nil, baseTime.Add(time.Hour), tier.Stamp(ctx))
	_, ok = tier.Get(ctx, far, baseTime.Add(rbac.MaxCacheTTL))
	assert.False(t, ok, "no entry outlives the maximum class TTL")
}

func TestTierRejectsPutFromStaleEpoch(t *testing.T) {
	tier := NewTier(Config{}, nil, WithClock(fixedClock))
	ctx := context.Background()
	user := uuid.New()
	key := keyFor(user, "task.write")

	stamp := tier.Stamp(ctx)
	tier.InvalidateUsers(ctx, []uuid.UUID{user})
	tier.Put(ctx, key, allow("stale"), []uuid.UUID{user}, baseTime.Add(time.Minute), stamp)

	_, ok := tier.Get(ctx, key, baseTime)
	assert.False(t, ok)
	assert.Equal(t, uint64(1), tier.Metrics().RejectedSets)
}

func TestTierInvalidateFollowsDependencies(t *testing.T) {
	tier := NewTier(Config{L1Shards: 4}, nil, WithClock(fixedClock))
	ctx := context.Background()
	delegatee, delegator, bystander := uuid.New(), uuid.New(), uuid.New()

	viaDelegation := keyFor(delegatee, "calendar.read")
	unrelated := keyFor(bystander, "calendar.read")
	tier.Put(ctx, viaDelegation, allow("delegated"), []uuid.UUID{delegatee, delegator}, baseTime.Add(time.Minute), tier.Stamp(ctx))
	tier.Put(ctx, unrelated, allow("own"), []uuid.UUID{bystander}, baseTime.Add(time.Minute), tier.Stamp(ctx))

	tier.InvalidateUsers(ctx, []uuid.UUID{delegator})

	_, ok := tier.Get(ctx, viaDelegation, baseTime)
	assert.False(t, ok, "a delegator change evicts decisions derived from their grant")
	_, ok = tier.Get(ctx, unrelated, baseTime)
	assert.True(t, ok)
	assert.Equal(t, uint64(1), tier.Metrics().InvalidatedKeys)
}

func TestTierL2SharedBetweenInstances(t *testing.T) {
	_, client := newRedis(t)
	ctx := context.Background()
	first := NewTier(Config{}, client, WithClock(fixedClock))
	second := NewTier(Config{}, client, WithClock(fixedClock))
	user := uuid.New()
	key := keyFor(user, "calendar.read")

	first.Put(ctx, key, allow("shared"), []uuid.UUID{user}, baseTime.Add(time.Minute), first.Stamp(ctx))

	got, ok := second.Get(ctx, key, baseTime)
	require.True(t, ok)
	assert.Equal(t, "shared", got.Reason)
	_, ok = second.Get(ctx, key, baseTime)
	require.True(t, ok)

	m := second.Metrics()
	assert.Equal(t, uint64(1), m.L2Hits, "first lookup is served by L2")
	assert.Equal(t, uint64(1), m.L1Hits, "L2 hits are promoted into L1")
	assert.InDelta(t, 1.0, second.HitRate(), 0.0001)

	first.InvalidateUsers(ctx, []uuid.UUID{user})
	second.InvalidateUsersLocal([]uuid.UUID{user})
	_, ok = second.Get(ctx, key, baseTime)
	assert.False(t, ok)
}

func TestTierClearBumpsGeneration(t *testing.T) {
	_, client := newRedis(t)
	ctx := context.Background()
	first := NewTier(Config{}, client, WithClock(fixedClock))
	second := NewTier(Config{}, client, WithClock(fixedClock))
	key := keyFor(uuid.New(), "calendar.read")

	first.Put(ctx, key, allow("x"), nil, baseTime.Add(time.Minute), first.Stamp(ctx))
	first.Clear(ctx)

	_, ok := first.Get(ctx, key, baseTime)
	assert.False(t, ok)
	_, ok = second.Get(ctx, key, baseTime)
	assert.False(t, ok, "older generations are unreachable from every instance")
}

func TestTierDegradesWhenL2Fails(t *testing.T) {
	mr, client := newRedis(t)
	ctx := context.Background()
	tier := NewTier(Config{L2Timeout: 50 * time.Millisecond}, client, WithClock(fixedClock))
	user := uuid.New()
	key := keyFor(user, "calendar.read")

	require.Equal(t, StatusHealthy, tier.Health(ctx).Status)

	mr.Close()
	tier.Put(ctx, key, allow("l1 only"), []uuid.UUID{user}, baseTime.Add(time.Minute), tier.Stamp(ctx))
	got, ok := tier.Get(ctx, key, baseTime)
	require.True(t, ok, "L1 keeps serving while L2 is down")
	assert.Equal(t, "l1 only", got.Reason)

	tier.InvalidateUsers(ctx, []uuid.UUID{user})
	_, ok = tier.Get(ctx, key, baseTime)
	assert.False(t, ok)

	h := tier.Health(ctx)
	assert.Equal(t, StatusDegraded, h.Status)
	assert.Equal(t, StatusDegraded, h.L2.Status)
	assert.NotEmpty(t, h.L2.LastError)
	assert.NotNil(t, h.L2.DistrustedUntil)
	assert.Positive(t, tier.Metrics().L2Errors)
}

func TestTierHealthDisabledAndHighWater(t *testing.T) {
	ctx := context.Background()
	tier := NewTier(Config{L1Capacity: 10, L1Shards: 1, HighWaterRatio: 0.5}, nil, WithClock(fixedClock))

	h := tier.Health(ctx)
	assert.Equal(t, StatusHealthy, h.Status)
	assert.Equal(t, StatusDisabled, h.L2.Status)
	assert.Equal(t, 5, h.L1.HighWater)

	for i := 0; i < 5; i++ {
		tier.Put(ctx, keyFor(uuid.New(), "calendar.read"), allow("x"), nil, baseTime.Add(time.Minute), tier.Stamp(ctx))
	}
	h = tier.Health(ctx)
	assert.Equal(t, StatusDegraded, h.Status)
	assert.Equal(t, StatusDegraded, h.L1.Status)
	assert.Equal(t, 5, h.L1.Size)
}

func TestTierEvictsLeastRecentlyUsed(t *testing.T) {
	ctx := context.Background()
	tier := NewTier(Config{L1Capacity: 2, L1Shards: 1}, nil, WithClock(fixedClock))
	a, b, c := keyFor(uuid.New(), "x.read"), keyFor(uuid.New(), "x.read"), keyFor(uuid.New(), "x.read")

	tier.Put(ctx, a, allow("a"), nil, baseTime.Add(time.Minute), tier.Stamp(ctx))
	tier.Put(ctx, b, allow("b"), nil, baseTime.Add(time.Minute), tier.Stamp(ctx))
	_, ok := tier.Get(ctx, a, baseTime)
	require.True(t, ok)
	tier.Put(ctx, c, allow("c"), nil, baseTime.Add(time.Minute), tier.Stamp(ctx))

	_, ok = tier.Get(ctx, b, baseTime)
	assert.False(t, ok)
	_, ok = tier.Get(ctx, a, baseTime)
	assert.True(t, ok)
	assert.Equal(t, uint64(1), tier.Metrics().Evictions)
}

func TestTierEvictionCounterExcludesInvalidationAndClear(t *testing.T) {
	ctx := context.Background()
	now := baseTime
	tier := NewTier(Config{L1Capacity: 4, L1Shards: 1}, nil, WithClock(func() time.Time { return now }))
	user := uuid.New()
	fresh, stale := keyFor(user, "x.read"), keyFor(user, "y.read")

	tier.Put(ctx, fresh, allow("fresh"), nil, baseTime.Add(time.Minute), tier.Stamp(ctx))
	tier.Put(ctx, stale, allow("stale"), nil, baseTime.Add(time.Second), tier.Stamp(ctx))

	_, ok := tier.Get(ctx, stale, baseTime.Add(2*time.Second))
	require.False(t, ok)

	tier.InvalidateUsers(ctx, []uuid.UUID{user})
	tier.Put(ctx, keyFor(uuid.New(), "z.read"), allow("z"), nil, baseTime.Add(time.Minute), tier.Stamp(ctx))
	tier.Clear(ctx)

	m := tier.Metrics()
	assert.Zero(t, m.Evictions)
	assert.Equal(t, uint64(1), m.Expirations)
	assert.Equal(t, uint64(1), m.InvalidatedKeys)
	assert.Equal(t, uint64(1), m.Clears)
	assert.Zero(t, m.L1Size)
}

func TestNewTierStartsNoBackgroundWork(t *testing.T) {
	before := runtime.NumGoroutine()
	for i := 0; i < 20; i++ {
		NewTier(Config{L1Capacity: 64, L1Shards: 16}, nil)
	}
	assert.LessOrEqual(t, runtime.NumGoroutine(), before+1)
}

func TestTierL2RefusesWriteInvalidatedElsewhere(t *testing.T) {
	_, client := newRedis(t)
	ctx := context.Background()
	writer := NewTier(Config{}, client, WithClock(fixedClock))
	other := NewTier(Config{}, client, WithClock(fixedClock))
	user := uuid.New()
	key := keyFor(user, "calendar.read")

	stamp := writer.Stamp(ctx)
	other.InvalidateUsers(ctx, []uuid.UUID{user})
	writer.Put(ctx, key, allow("computed before revoke"), []uuid.UUID{user}, baseTime.Add(time.Minute), stamp)

	_, ok := other.Get(ctx, key, baseTime)
	assert.False(t, ok, "a decision evaluated before another instance's invalidation stays out of L2")
	assert.Equal(t, uint64(1), writer.Metrics().RejectedL2Sets)

	writer.Put(ctx, key, allow("fresh"), []uuid.UUID{user}, baseTime.Add(time.Minute), writer.Stamp(ctx))
	got, ok := other.Get(ctx, key, baseTime)
	require.True(t, ok)
	assert.Equal(t, "fresh", got.Reason)
}

func TestTierL2RefusesWriteStartedBeforeClear(t *testing.T) {
	_, client := newRedis(t)
	ctx := context.Background()
	writer := NewTier(Config{}, client, WithClock(fixedClock))
	other := NewTier(Config{}, client, WithClock(fixedClock))
	key := keyFor(uuid.New(), "task.read")

	stamp := writer.Stamp(ctx)
	other.Clear(ctx)
	writer.Put(ctx, key, allow("pre-clear"), nil, baseTime.Add(time.Minute), stamp)

	_, ok := other.Get(ctx, key, baseTime)
	assert.False(t, ok)
	assert.Equal(t, uint64(1), writer.Metrics().RejectedL2Sets)
}

func TestTierStampWithoutL2(t *testing.T) {
	tier := NewTier(Config{}, nil)
	stamp := tier.Stamp(context.Background())
	assert.Negative(t, stamp.Shared)
	assert.Equal(t, uint64(0), stamp.Local)
}
