package authcache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/familyhub/familyhub/internal/rbac"
)

type envelope struct {
	Origin string     `json:"origin"`
	Event  rbac.Event `json:"event"`
}

// Coordinator applies mutation events to the local tier and fans them out to
// other instances over Redis pub/sub. Remote events touch only the receiving
// instance's L1, since the sender already updated the shared L2.
type Coordinator struct {
	tier    *Tier
	client  redis.UniversalClient
	channel string
	origin  string
	logger  *slog.Logger
	now     func() time.Time

	published, received, publishErrors atomic.Uint64
}

var _ rbac.Invalidator = (*Coordinator)(nil)

// NewCoordinator wires the coordinator. A nil client keeps invalidation local.
func NewCoordinator(tier *Tier, client redis.UniversalClient, channel string, logger *slog.Logger) *Coordinator {
	if channel == "" {
		channel = defaultChannel
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		tier:    tier,
		client:  client,
		channel: channel,
		origin:  uuid.NewString(),
		logger:  logger,
		now:     time.Now,
	}
}

// Invalidate applies e locally and publishes it. Publication failures are logged
// and counted; other instances then rely on entry expiry.
func (c *Coordinator) Invalidate(ctx context.Context, e rbac.Event) error {
	if err := e.Validate(); err != nil {
		return err
	}
	if e.At.IsZero() {
		e.At = c.now().UTC()
	}
	if e.ClearsAll() {
		c.tier.Clear(ctx)
	} else {
		c.tier.InvalidateUsers(ctx, e.UserIDs)
	}
	c.publish(ctx, e)
	return nil
}

// Clear drops every cached decision on every instance.
func (c *Coordinator) Clear(ctx context.Context) error {
	return c.Invalidate(ctx, rbac.Event{Type: rbac.EventCacheCleared, At: c.now().UTC()})
}

func (c *Coordinator) publish(ctx context.Context, e rbac.Event) {
	if c.client == nil {
		return
	}
	payload, err := json.Marshal(envelope{Origin: c.origin, Event: e})
	if err != nil {
		c.logger.Error("authcache encode event", slog.Any("error", err))
		return
	}
	pubCtx, cancel := c.tier.l2Context(ctx)
	defer cancel()
	if err := c.client.Publish(pubCtx, c.channel, payload).Err(); err != nil {
		c.publishErrors.Add(1)
		c.tier.recordL2Error("publish", err)
		return
	}
	c.published.Add(1)
}

// Run subscribes to the invalidation channel and applies events published by
// other instances until ctx ends. ready, when non-nil, is closed once the
// subscription is confirmed.
func (c *Coordinator) Run(ctx context.Context, ready chan<- struct{}) error {
	if c.client == nil {
		if ready != nil {
			close(ready)
		}
		<-ctx.Done()
		return nil
	}
	pubsub := c.client.Subscribe(ctx, c.channel)
	defer func() { _ = pubsub.Close() }()
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("authcache: subscribe %s: %w", c.channel, err)
	}
	if ready != nil {
		close(ready)
	}
	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			c.handle(msg.Payload)
		}
	}
}

func (c *Coordinator) handle(payload string) {
	var env envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		c.logger.Warn("authcache drop malformed event", slog.Any("error", err))
		return
	}
	if env.Origin == c.origin {
		return
	}
	if err := env.Event.Validate(); err != nil {
		c.logger.Warn("authcache drop invalid event", slog.Any("error", err))
		return
	}
	c.received.Add(1)
	if env.Event.ClearsAll() {
		c.tier.ClearLocal()
		return
	}
	c.tier.InvalidateUsersLocal(env.Event.UserIDs)
}

// CoordinatorStats counts pub/sub traffic.
type CoordinatorStats struct {
	Published     uint64 `json:"published"`
	Received      uint64 `json:"received"`
	PublishErrors uint64 `json:"publishErrors"`
}

// Stats snapshots the pub/sub counters.
func (c *Coordinator) Stats() CoordinatorStats {
	return CoordinatorStats{
		Published:     c.published.Load(),
		Received:      c.received.Load(),
		PublishErrors: c.publishErrors.Load(),
	}
}
