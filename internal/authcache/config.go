// Package authcache is the two-tier decision cache and the invalidation
// coordinator that keeps it consistent across instances.
package authcache

import (
	"log/slog"
	"time"
)

const (
	defaultL1Capacity     = 10000
	defaultL1Shards       = 16
	defaultHighWaterRatio = 0.9
	defaultErrorWindow    = time.Minute
	defaultL2Timeout      = 250 * time.Millisecond
	defaultKeyPrefix      = "authz"
	defaultChannel        = "authz.invalidate"
)

// Config sizes the cache tiers.
type Config struct {
	L1Capacity     int
	L1Shards       int
	HighWaterRatio float64
	// ErrorWindow is how long an L2 failure keeps the tier reported as degraded.
	ErrorWindow time.Duration
	L2Timeout   time.Duration
	KeyPrefix   string
}

func (c Config) withDefaults() Config {
	if c.L1Capacity <= 0 {
		c.L1Capacity = defaultL1Capacity
	}
	if c.L1Shards <= 0 {
		c.L1Shards = defaultL1Shards
	}
	if c.L1Shards > c.L1Capacity {
		c.L1Shards = c.L1Capacity
	}
	if c.HighWaterRatio <= 0 || c.HighWaterRatio > 1 {
		c.HighWaterRatio = defaultHighWaterRatio
	}
	if c.ErrorWindow <= 0 {
		c.ErrorWindow = defaultErrorWindow
	}
	if c.L2Timeout <= 0 {
		c.L2Timeout = defaultL2Timeout
	}
	if c.KeyPrefix == "" {
		c.KeyPrefix = defaultKeyPrefix
	}
	return c
}

// Option configures a Tier.
type Option func(*Tier)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option { return func(t *Tier) { t.now = now } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Tier) {
		if l != nil {
			t.logger = l
		}
	}
}
