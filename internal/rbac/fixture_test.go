package rbac_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/familyhub/familyhub/internal/audit"
	"github.com/familyhub/familyhub/internal/authcache"
	"github.com/familyhub/familyhub/internal/rbac"
	"github.com/familyhub/familyhub/internal/rbac/memstore"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock(t time.Time) *testClock { return &testClock{t: t} }

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

type fixture struct {
	t        *testing.T
	store    *memstore.Store
	clock    *testClock
	tier     *authcache.Tier
	sink     *audit.MemorySink
	emitter  *audit.Emitter
	resolver *rbac.Resolver
	svc      *rbac.Service

	adminID     uuid.UUID
	adminRole   rbac.Role
	adultRole   rbac.Role
	childRole   rbac.Role
	coordRole   rbac.Role
	contactRole rbac.Role
	familyID    uuid.UUID
}

// Monday 2025-03-03 10:00 UTC.
var fixtureStart = time.Date(2025, 3, 3, 10, 0, 0, 0, time.UTC)

func newFixture(t *testing.T, resolverOpts ...rbac.ResolverOption) *fixture {
	t.Helper()
	f := &fixture{
		t:        t,
		store:    memstore.New(),
		clock:    newTestClock(fixtureStart),
		sink:     audit.NewMemorySink(),
		adminID:  uuid.New(),
		familyID: uuid.New(),
	}
	f.tier = authcache.NewTier(authcache.Config{L1Capacity: 1000, L1Shards: 4}, nil, authcache.WithClock(f.clock.Now))
	coordinator := authcache.NewCoordinator(f.tier, nil, "", nil)
	f.emitter = audit.NewEmitter(f.sink, nil, audit.WithClock(f.clock.Now))
	t.Cleanup(func() { _ = f.emitter.Close(context.Background()) })

	opts := append([]rbac.ResolverOption{rbac.WithCache(f.tier), rbac.WithClock(f.clock.Now)}, resolverOpts...)
	f.resolver = rbac.NewResolver(f.store, opts...)
	f.svc = rbac.NewService(f.store, f.resolver, coordinator, f.emitter, rbac.WithServiceClock(f.clock.Now))

	f.adminRole = f.store.AddRole(rbac.RoleSystemAdmin, "system admin")
	f.adultRole = f.store.AddRole(rbac.RoleAdult, "adult")
	f.childRole = f.store.AddRole(rbac.RoleChild, "child")
	f.coordRole = f.store.AddRole(rbac.RoleFamilyCoordinator, "coordinator")
	f.contactRole = f.store.AddRole(rbac.RoleEmergencyContact, "emergency contact")
	f.grant(f.adminID, f.adminRole.ID, rbac.GlobalScope())
	return f
}

// member creates a user belonging to the fixture family.
func (f *fixture) member() uuid.UUID {
	id := uuid.New()
	f.store.AddFamilyMember(f.familyID, id)
	return id
}

func (f *fixture) grant(userID, roleID uuid.UUID, scopes ...rbac.Scope) rbac.Assignment {
	f.t.Helper()
	return f.grantWith(rbac.Assignment{UserID: userID, RoleID: roleID, Scopes: scopes})
}

func (f *fixture) grantWith(a rbac.Assignment) rbac.Assignment {
	f.t.Helper()
	if a.GrantedBy == uuid.Nil {
		a.GrantedBy = f.adminID
	}
	if a.ValidFrom.IsZero() {
		a.ValidFrom = f.clock.Now().Add(-time.Hour)
	}
	a.CreatedAt = f.clock.Now()
	created, err := f.store.CreateAssignment(context.Background(), a)
	require.NoError(f.t, err)
	return created
}

func (f *fixture) delegate(from, to, roleID uuid.UUID, perms []string, scopes ...rbac.Scope) rbac.Delegation {
	f.t.Helper()
	now := f.clock.Now()
	d, err := f.store.CreateDelegation(context.Background(), rbac.Delegation{
		FromUserID:  from,
		ToUserID:    to,
		RoleID:      roleID,
		ValidFrom:   now.Add(-time.Minute),
		ValidUntil:  now.Add(24 * time.Hour),
		Scopes:      scopes,
		Permissions: perms,
		State:       rbac.DelegationActive,
		CreatedAt:   now,
	})
	require.NoError(f.t, err)
	return d
}

func (f *fixture) authorize(userID uuid.UUID, action string, resourceID uuid.UUID, resourceType string) rbac.Decision {
	f.t.Helper()
	d, err := f.resolver.Authorize(context.Background(), rbac.Request{
		UserID: userID, Action: action, ResourceID: resourceID, ResourceType: resourceType,
	})
	require.NoError(f.t, err)
	return d
}

func (f *fixture) flushAudit() {
	f.t.Helper()
	require.NoError(f.t, f.emitter.Close(context.Background()))
}
