package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	jobmetrics "github.com/familyhub/familyhub/internal/jobs"
	"github.com/familyhub/familyhub/internal/rbac"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// Sweeper closes lapsed grants.
type Sweeper interface {
	SweepExpired(ctx context.Context) (rbac.SweepResult, error)
}

// Warmer precomputes decisions for users.
type Warmer interface {
	Warmup(ctx context.Context, userIDs []uuid.UUID) (rbac.WarmupResult, error)
}

// ExpirySweepJob transitions expired assignments, delegations and overrides.
type ExpirySweepJob struct {
	Service Sweeper
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
	Timeout time.Duration
}

// NewExpirySweepJob wires dependencies for the sweep handler.
func NewExpirySweepJob(svc Sweeper, logger *slog.Logger, metrics *jobmetrics.Metrics) *ExpirySweepJob {
	return &ExpirySweepJob{Service: svc, Logger: logger, Metrics: metrics, Timeout: 30 * time.Second}
}

// Handle processes expiry sweep tasks.
func (j *ExpirySweepJob) Handle(ctx context.Context, _ *asynq.Task) (resultErr error) {
	if j == nil || j.Service == nil {
		return errors.New("expiry sweep: handler not configured")
	}
	tracker := metricsOrDefault(j.Metrics).Track(TaskExpirySweep)
	defer func() {
		resultErr = tracker.End(resultErr)
	}()
	if j.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, j.Timeout)
		defer cancel()
	}

	logger := jobLogger(j.Logger, TaskExpirySweep)
	start := time.Now()
	res, err := j.Service.SweepExpired(ctx)
	m := metricsOrDefault(j.Metrics)
	m.AddSwept("assignment", len(res.Assignments))
	m.AddSwept("delegation", len(res.Delegations))
	m.AddSwept("override", len(res.Overrides))
	if err != nil {
		logger.Error("expiry sweep", slog.Any("error", err))
		return err
	}
	if !res.Empty() {
		logger.Info("expiry sweep completed",
			slog.Int("assignments", len(res.Assignments)),
			slog.Int("delegations", len(res.Delegations)),
			slog.Int("overrides", len(res.Overrides)),
			slog.Duration("duration", time.Since(start)),
		)
	}
	return nil
}

// CacheWarmupJob precomputes decisions for the users named in the payload.
type CacheWarmupJob struct {
	Service Warmer
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewCacheWarmupJob wires dependencies for the warmup handler.
func NewCacheWarmupJob(svc Warmer, logger *slog.Logger, metrics *jobmetrics.Metrics) *CacheWarmupJob {
	return &CacheWarmupJob{Service: svc, Logger: logger, Metrics: metrics}
}

// Handle processes cache warmup tasks.
func (j *CacheWarmupJob) Handle(ctx context.Context, t *asynq.Task) (resultErr error) {
	if j == nil || j.Service == nil {
		return errors.New("cache warmup: handler not configured")
	}
	var payload CacheWarmupPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	tracker := metricsOrDefault(j.Metrics).Track(TaskCacheWarmup)
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	logger := jobLogger(j.Logger, TaskCacheWarmup)
	if len(payload.UserIDs) == 0 {
		logger.Info("no users requested for warmup")
		return nil
	}
	res, err := j.Service.Warmup(ctx, payload.UserIDs)
	if err != nil {
		logger.Error("cache warmup", slog.Int("users", len(payload.UserIDs)), slog.Any("error", err))
		return err
	}
	logger.Info("completed cache warmup",
		slog.Int("users", res.Users),
		slog.Int("decisions", res.Decisions),
		slog.Int("failed", res.Failed),
	)
	return nil
}

// OverrideNotifyJob hands activated overrides to notification delivery.
// Delivery channels live outside this service, so the handler records the
// hand-off in the log for the delivery pipeline to pick up.
type OverrideNotifyJob struct {
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewOverrideNotifyJob wires dependencies for the notification handler.
func NewOverrideNotifyJob(logger *slog.Logger, metrics *jobmetrics.Metrics) *OverrideNotifyJob {
	return &OverrideNotifyJob{Logger: logger, Metrics: metrics}
}

// Handle processes override notification tasks.
func (j *OverrideNotifyJob) Handle(_ context.Context, t *asynq.Task) (resultErr error) {
	var payload OverrideNotifyPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil || payload.OverrideID == uuid.Nil {
		return asynq.SkipRetry
	}
	var metrics *jobmetrics.Metrics
	var logger *slog.Logger
	if j != nil {
		metrics, logger = j.Metrics, j.Logger
	}
	tracker := metricsOrDefault(metrics).Track(TaskOverrideNotify)
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	logger = jobLogger(logger, TaskOverrideNotify).With(
		slog.String("override_id", payload.OverrideID.String()),
		slog.String("affected_user_id", payload.AffectedUserID.String()),
		slog.String("reason", payload.Reason),
	)
	for _, recipient := range payload.NotifiedUserIDs {
		logger.Warn("emergency override notification",
			slog.String("recipient", recipient.String()),
			slog.String("triggered_by", payload.TriggeredBy.String()),
			slog.Time("expires_at", payload.ExpiresAt),
		)
	}
	return nil
}

// AuthzHandlers returns the task handlers the worker serves.
func AuthzHandlers(sweep *ExpirySweepJob, warmup *CacheWarmupJob, notify *OverrideNotifyJob) []TaskHandler {
	var out []TaskHandler
	if sweep != nil {
		out = append(out, TaskHandler{Type: TaskExpirySweep, Handler: sweep.Handle})
	}
	if warmup != nil {
		out = append(out, TaskHandler{Type: TaskCacheWarmup, Handler: warmup.Handle})
	}
	if notify != nil {
		out = append(out, TaskHandler{Type: TaskOverrideNotify, Handler: notify.Handle})
	}
	return out
}

// SweepCron schedules the expiry sweep. An empty spec uses DefaultSweepCron.
func SweepCron(spec string) CronRegistration {
	if spec == "" {
		spec = DefaultSweepCron
	}
	return CronRegistration{
		Spec: spec,
		Task: NewExpirySweepTask(),
		Options: []asynq.Option{
			asynq.Queue(QueueDefault),
			asynq.MaxRetry(0),
			asynq.Unique(time.Minute),
		},
	}
}

func jobLogger(logger *slog.Logger, job string) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return logger.With(slog.String("job", job))
}

func metricsOrDefault(m *jobmetrics.Metrics) *jobmetrics.Metrics {
	if m != nil {
		return m
	}
	return defaultJobMetrics
}
