package authcache

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/familyhub/familyhub/internal/rbac"
)

// Tier is the two-tier decision cache. Reads check L1, then L2, promoting L2
// hits. Writes populate both tiers. L2 failures only degrade the tier: they
// are counted, reported in Health and never returned to callers.
//
// Every invalidation bumps an epoch under the write side of gate; Put holds the
// read side while it checks the caller's epoch and writes, so a decision
// computed before an invalidation can never land after it in L1. L2 applies the
// same rule across instances with a shared invalidation sequence (see l2).
type Tier struct {
	cfg    Config
	l1     *l1
	l2     *l2
	logger *slog.Logger
	now    func() time.Time

	gate  sync.RWMutex
	epoch atomic.Uint64

	// L2 entries written before a failed L2 invalidation may be stale; reads
	// skip L2 until every such entry has expired.
	distrustUntil atomic.Int64

	errMu       sync.Mutex
	lastErr     string
	lastErrAt   time.Time
	errorsTotal atomic.Uint64

	l1Hits, l1Misses      atomic.Uint64
	l2Hits, l2Misses      atomic.Uint64
	sets, rejected        atomic.Uint64
	l2Rejected            atomic.Uint64
	invalidations, clears atomic.Uint64
	invalidatedKeys       atomic.Uint64
}

var _ rbac.DecisionCache = (*Tier)(nil)

// NewTier builds the cache. A nil client disables L2.
func NewTier(cfg Config, client redis.UniversalClient, opts ...Option) *Tier {
	cfg = cfg.withDefaults()
	t := &Tier{
		cfg:    cfg,
		l1:     newL1(cfg.L1Capacity, cfg.L1Shards),
		logger: slog.Default(),
		now:    time.Now,
	}
	if client != nil {
		t.l2 = &l2{client: client, prefix: cfg.KeyPrefix}
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// noShared marks a stamp that must not be written to L2.
const noShared = -1

// Stamp captures the invalidation state before an evaluation starts. When L2
// is disabled, distrusted or unreachable the stamp keeps the entry out of L2.
func (t *Tier) Stamp(ctx context.Context) rbac.CacheStamp {
	s := rbac.CacheStamp{Local: t.epoch.Load(), Shared: noShared}
	if t.l2 == nil || t.l2Distrusted(t.now()) {
		return s
	}
	l2ctx, cancel := t.l2Context(ctx)
	defer cancel()
	seq, err := t.l2.sequence(l2ctx)
	if err != nil {
		t.recordL2Error("stamp", err)
		return s
	}
	s.Shared = seq
	return s
}

// Get returns a cached decision that is still valid at now.
func (t *Tier) Get(ctx context.Context, key rbac.DecisionKey, now time.Time) (rbac.Decision, bool) {
	k := key.String()
	sh := t.l1.shardFor(key.UserID)
	if e, ok := sh.get(k, now); ok {
		t.l1Hits.Add(1)
		return cloneDecision(e.Decision), true
	}
	t.l1Misses.Add(1)
	if t.l2 == nil || t.l2Distrusted(now) {
		return rbac.Decision{}, false
	}

	epoch := t.epoch.Load()
	l2ctx, cancel := t.l2Context(ctx)
	e, ok, err := t.l2.get(l2ctx, k)
	cancel()
	if err != nil {
		t.recordL2Error("get", err)
		t.l2Misses.Add(1)
		return rbac.Decision{}, false
	}
	if !ok || !now.Before(e.ExpiresAt) {
		t.l2Misses.Add(1)
		return rbac.Decision{}, false
	}
	t.l2Hits.Add(1)

	t.gate.RLock()
	if t.epoch.Load() == epoch {
		sh.add(k, e)
	}
	t.gate.RUnlock()
	return cloneDecision(e.Decision), true
}

// Put stores d until expiresAt unless an invalidation happened after stamp was taken.
func (t *Tier) Put(ctx context.Context, key rbac.DecisionKey, d rbac.Decision, deps []uuid.UUID, expiresAt time.Time, stamp rbac.CacheStamp) {
	now := t.now()
	if !expiresAt.After(now) {
		return
	}
	if limit := now.Add(rbac.MaxCacheTTL); expiresAt.After(limit) {
		expiresAt = limit
	}
	e := entry{Decision: cloneDecision(d), Deps: append([]uuid.UUID(nil), deps...), ExpiresAt: expiresAt}
	if len(e.Deps) == 0 {
		e.Deps = []uuid.UUID{key.UserID}
	}
	k := key.String()

	t.gate.RLock()
	defer t.gate.RUnlock()
	if t.epoch.Load() != stamp.Local {
		t.rejected.Add(1)
		return
	}
	t.l1.shardFor(key.UserID).add(k, e)
	t.sets.Add(1)

	if t.l2 == nil || stamp.Shared < 0 {
		return
	}
	l2ctx, cancel := t.l2Context(ctx)
	defer cancel()
	stored, err := t.l2.set(l2ctx, k, e, expiresAt.Sub(now), stamp.Shared)
	if err != nil {
		t.recordL2Error("set", err)
		return
	}
	if !stored {
		t.l2Rejected.Add(1)
	}
}

// InvalidateUsers evicts every decision that depends on any of users from both tiers.
func (t *Tier) InvalidateUsers(ctx context.Context, users []uuid.UUID) {
	t.gate.Lock()
	defer t.gate.Unlock()
	t.epoch.Add(1)
	t.invalidations.Add(1)
	t.invalidatedKeys.Add(uint64(t.l1.dropUsers(users)))
	if t.l2 == nil {
		return
	}
	l2ctx, cancel := t.l2Context(ctx)
	defer cancel()
	if err := t.l2.dropUsers(l2ctx, users); err != nil {
		t.recordL2Error("invalidate", err)
		t.distrustL2()
	}
}

// Clear drops every decision from both tiers.
func (t *Tier) Clear(ctx context.Context) {
	t.gate.Lock()
	defer t.gate.Unlock()
	t.epoch.Add(1)
	t.clears.Add(1)
	t.l1.purge()
	if t.l2 == nil {
		return
	}
	l2ctx, cancel := t.l2Context(ctx)
	defer cancel()
	if _, err := t.l2.bump(l2ctx); err != nil {
		t.recordL2Error("clear", err)
		t.distrustL2()
	}
}

// InvalidateUsersLocal evicts from L1 only. Used for events another instance
// already applied to the shared L2.
func (t *Tier) InvalidateUsersLocal(users []uuid.UUID) {
	t.gate.Lock()
	defer t.gate.Unlock()
	t.epoch.Add(1)
	t.invalidations.Add(1)
	t.invalidatedKeys.Add(uint64(t.l1.dropUsers(users)))
}

// ClearLocal drops L1 only.
func (t *Tier) ClearLocal() {
	t.gate.Lock()
	defer t.gate.Unlock()
	t.epoch.Add(1)
	t.clears.Add(1)
	t.l1.purge()
}

func (t *Tier) l2Context(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), t.cfg.L2Timeout)
}

func (t *Tier) l2Distrusted(now time.Time) bool {
	until := t.distrustUntil.Load()
	return until != 0 && now.UnixNano() < until
}

func (t *Tier) distrustL2() {
	t.distrustUntil.Store(t.now().Add(rbac.MaxCacheTTL).UnixNano())
}

func (t *Tier) recordL2Error(op string, err error) {
	t.errorsTotal.Add(1)
	t.errMu.Lock()
	t.lastErr = op + ": " + err.Error()
	t.lastErrAt = t.now()
	t.errMu.Unlock()
	t.logger.Warn("authcache l2 error", slog.String("op", op), slog.Any("error", err))
}

func cloneDecision(d rbac.Decision) rbac.Decision {
	if d.Details != nil {
		details := make(map[string]string, len(d.Details))
		for k, v := range d.Details {
			details[k] = v
		}
		d.Details = details
	}
	return d
}
