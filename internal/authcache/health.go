package authcache

import (
	"context"
	"time"
)

// Status is the coarse state of a cache tier.
type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusDegraded Status = "degraded"
	StatusDisabled Status = "disabled"
)

// L1Health describes the in-process tier.
type L1Health struct {
	Status    Status `json:"status"`
	Size      int    `json:"size"`
	Capacity  int    `json:"capacity"`
	HighWater int    `json:"highWater"`
	Shards    int    `json:"shards"`
}

// L2Health describes the shared tier.
type L2Health struct {
	Status          Status     `json:"status"`
	LastError       string     `json:"lastError,omitempty"`
	LastErrorAt     *time.Time `json:"lastErrorAt,omitempty"`
	DistrustedUntil *time.Time `json:"distrustedUntil,omitempty"`
}

// Health is the report returned by the cache health endpoint.
type Health struct {
	Status Status   `json:"status"`
	L1     L1Health `json:"l1"`
	L2     L2Health `json:"l2"`
	Epoch  uint64   `json:"epoch"`
}

// Health probes L2 and reports both tiers. The tier is healthy only when L1 is
// below its high-water mark and L2 saw no error within the error window.
func (t *Tier) Health(ctx context.Context) Health {
	now := t.now()
	size := t.l1.len()
	highWater := int(float64(t.l1.capacity) * t.cfg.HighWaterRatio)
	h := Health{
		Status: StatusHealthy,
		L1: L1Health{
			Status:    StatusHealthy,
			Size:      size,
			Capacity:  t.l1.capacity,
			HighWater: highWater,
			Shards:    len(t.l1.shards),
		},
		L2:    L2Health{Status: StatusDisabled},
		Epoch: t.epoch.Load(),
	}
	if size >= highWater {
		h.L1.Status = StatusDegraded
		h.Status = StatusDegraded
	}
	if t.l2 == nil {
		return h
	}

	pingCtx, cancel := t.l2Context(ctx)
	if err := t.l2.ping(pingCtx); err != nil {
		t.recordL2Error("ping", err)
	}
	cancel()

	h.L2.Status = StatusHealthy
	t.errMu.Lock()
	lastErr, lastErrAt := t.lastErr, t.lastErrAt
	t.errMu.Unlock()
	if !lastErrAt.IsZero() {
		at := lastErrAt.UTC()
		h.L2.LastError = lastErr
		h.L2.LastErrorAt = &at
		if now.Sub(lastErrAt) < t.cfg.ErrorWindow {
			h.L2.Status = StatusDegraded
			h.Status = StatusDegraded
		}
	}
	if until := t.distrustUntil.Load(); until != 0 && now.UnixNano() < until {
		ts := time.Unix(0, until).UTC()
		h.L2.DistrustedUntil = &ts
		h.L2.Status = StatusDegraded
		h.Status = StatusDegraded
	}
	return h
}

// Metrics is a point-in-time snapshot of the cache counters.
type Metrics struct {
	L1Hits          uint64  `json:"l1Hits"`
	L1Misses        uint64  `json:"l1Misses"`
	L2Hits          uint64  `json:"l2Hits"`
	L2Misses        uint64  `json:"l2Misses"`
	Sets            uint64  `json:"sets"`
	RejectedSets    uint64  `json:"rejectedSets"`
	RejectedL2Sets  uint64  `json:"rejectedL2Sets"`
	Evictions       uint64  `json:"evictions"`
	Expirations     uint64  `json:"expirations"`
	Invalidations   uint64  `json:"invalidations"`
	InvalidatedKeys uint64  `json:"invalidatedKeys"`
	Clears          uint64  `json:"clears"`
	L2Errors        uint64  `json:"l2Errors"`
	L1Size          int     `json:"l1Size"`
	HitRate         float64 `json:"hitRate"`
}

// Metrics snapshots the counters.
func (t *Tier) Metrics() Metrics {
	m := Metrics{
		L1Hits:          t.l1Hits.Load(),
		L1Misses:        t.l1Misses.Load(),
		L2Hits:          t.l2Hits.Load(),
		L2Misses:        t.l2Misses.Load(),
		Sets:            t.sets.Load(),
		RejectedSets:    t.rejected.Load(),
		RejectedL2Sets:  t.l2Rejected.Load(),
		Evictions:       t.l1.stats.evictions.Load(),
		Expirations:     t.l1.stats.expirations.Load(),
		Invalidations:   t.invalidations.Load(),
		InvalidatedKeys: t.invalidatedKeys.Load(),
		Clears:          t.clears.Load(),
		L2Errors:        t.errorsTotal.Load(),
		L1Size:          t.l1.len(),
	}
	m.HitRate = hitRate(m)
	return m
}

// HitRate is the share of lookups answered by either tier, in [0, 1].
func (t *Tier) HitRate() float64 {
	return hitRate(t.Metrics())
}

func hitRate(m Metrics) float64 {
	lookups := m.L1Hits + m.L1Misses
	if lookups == 0 {
		return 0
	}
	return float64(m.L1Hits+m.L2Hits) / float64(lookups)
}
