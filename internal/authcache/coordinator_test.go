package authcache

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/familyhub/familyhub/internal/rbac"
)

func startCoordinator(t *testing.T, c *Coordinator) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	ready := make(chan struct{})
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx, ready) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	select {
	case <-ready:
	case err := <-done:
		t.Fatalf("coordinator stopped: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("coordinator did not subscribe")
	}
}

func TestCoordinatorFansOutToOtherInstances(t *testing.T) {
	_, client := newRedis(t)
	ctx := context.Background()
	localTier := NewTier(Config{}, client, WithClock(fixedClock))
	remoteTier := NewTier(Config{}, nil, WithClock(fixedClock))
	local := NewCoordinator(localTier, client, "", nil)
	remote := NewCoordinator(remoteTier, client, "", nil)
	startCoordinator(t, local)
	startCoordinator(t, remote)

	user := uuid.New()
	key := keyFor(user, "calendar.read")
	remoteTier.Put(ctx, key, allow("remote copy"), []uuid.UUID{user}, baseTime.Add(time.Minute), remoteTier.Stamp(ctx))

	require.NoError(t, local.Invalidate(ctx, rbac.Event{Type: rbac.EventRoleRevoked, UserIDs: []uuid.UUID{user}}))

	require.Eventually(t, func() bool {
		_, ok := remoteTier.Get(ctx, key, baseTime)
		return !ok
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, uint64(1), local.Stats().Published)
	assert.Equal(t, uint64(1), remote.Stats().Received)
	assert.Zero(t, local.Stats().Received, "own events are ignored")
}

func TestCoordinatorClearAll(t *testing.T) {
	_, client := newRedis(t)
	ctx := context.Background()
	localTier := NewTier(Config{}, client, WithClock(fixedClock))
	remoteTier := NewTier(Config{}, nil, WithClock(fixedClock))
	local := NewCoordinator(localTier, client, "test.channel", nil)
	remote := NewCoordinator(remoteTier, client, "test.channel", nil)
	startCoordinator(t, remote)

	key := keyFor(uuid.New(), "calendar.read")
	remoteTier.Put(ctx, key, allow("x"), nil, baseTime.Add(time.Minute), remoteTier.Stamp(ctx))

	roleID := uuid.New()
	require.NoError(t, local.Invalidate(ctx, rbac.Event{Type: rbac.EventPermissionSetUpdated, RoleID: &roleID}))

	require.Eventually(t, func() bool {
		_, ok := remoteTier.Get(ctx, key, baseTime)
		return !ok
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, uint64(1), remoteTier.Metrics().Clears)
}

func TestCoordinatorRejectsUnknownEvents(t *testing.T) {
	c := NewCoordinator(NewTier(Config{}, nil), nil, "", nil)
	err := c.Invalidate(context.Background(), rbac.Event{Type: "SOMETHING_ELSE", UserIDs: []uuid.UUID{uuid.New()}})
	require.ErrorIs(t, err, rbac.ErrValidation)

	err = c.Invalidate(context.Background(), rbac.Event{Type: rbac.EventRoleAssigned})
	require.ErrorIs(t, err, rbac.ErrValidation, "user events need users")
}

func TestCoordinatorWithoutRedisStaysLocal(t *testing.T) {
	tier := NewTier(Config{}, nil, WithClock(fixedClock))
	c := NewCoordinator(tier, nil, "", nil)
	ctx := context.Background()
	key := keyFor(uuid.New(), "calendar.read")
	tier.Put(ctx, key, allow("x"), nil, baseTime.Add(time.Minute), tier.Stamp(ctx))

	require.NoError(t, c.Clear(ctx))
	_, ok := tier.Get(ctx, key, baseTime)
	assert.False(t, ok)
	assert.Zero(t, c.Stats().Published)
}
