package jobs

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// QueueCritical carries override notifications ahead of routine work.
	QueueCritical = "critical"

	// TaskExpirySweep closes lapsed assignments, delegations and overrides.
	TaskExpirySweep = "authz:expiry_sweep"
	// TaskCacheWarmup precomputes decisions for a set of users.
	TaskCacheWarmup = "authz:cache_warmup"
	// TaskOverrideNotify hands an activated emergency override to notification delivery.
	TaskOverrideNotify = "authz:override_notify"

	// DefaultSweepCron runs the expiry sweep every minute.
	DefaultSweepCron = "@every 1m"
)

// CacheWarmupPayload lists the users whose decisions should be precomputed.
type CacheWarmupPayload struct {
	UserIDs []uuid.UUID `json:"user_ids"`
}

// OverrideNotifyPayload describes an activated override and who must hear about it.
type OverrideNotifyPayload struct {
	OverrideID      uuid.UUID   `json:"override_id"`
	TriggeredBy     uuid.UUID   `json:"triggered_by"`
	AffectedUserID  uuid.UUID   `json:"affected_user_id"`
	Reason          string      `json:"reason"`
	NotifiedUserIDs []uuid.UUID `json:"notified_user_ids"`
	ExpiresAt       time.Time   `json:"expires_at"`
}

// NewExpirySweepTask constructs the sweep task. It carries no payload.
func NewExpirySweepTask() *asynq.Task {
	return asynq.NewTask(TaskExpirySweep, nil)
}

// NewCacheWarmupTask constructs a warmup task.
func NewCacheWarmupTask(payload CacheWarmupPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskCacheWarmup, data), nil
}

// NewOverrideNotifyTask constructs an override notification task.
func NewOverrideNotifyTask(payload OverrideNotifyPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskOverrideNotify, data), nil
}
