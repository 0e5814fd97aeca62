// Package jobs carries the asynq task surface. Delays live in Redis, so a
// thirty-minute wait between actions survives worker restarts.
package jobs

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"shipping-ndr-rto-resolution-system/shared/lockx"
	"shipping-ndr-rto-resolution-system/shared/logx"
)

const (
	TaskActionExecute  = "ndr.action.execute"
	TaskBookingRetry   = "rto.booking.retry"
	TaskSweep          = "ndr.sweep"
	TaskOutboxScan     = "outbox.scan"
	TaskOutboxDispatch = "outbox.dispatch"
)

const sweepLockKey = "ndr:sweep:lock"

type ActionPayload struct {
	TenantID       string `json:"tenant_id"`
	FailureEventID string `json:"failure_event_id"`
	Sequence       int    `json:"sequence"`
}

type BookingRetryPayload struct {
	TenantID      string `json:"tenant_id"`
	ReturnEventID string `json:"return_event_id"`
}

type DispatchPayload struct {
	EventID string `json:"event_id"`
}

// Enqueuer satisfies the engine's Scheduler and the RTO coordinator's
// RetryScheduler.
type Enqueuer struct {
	client *asynq.Client
	queue  string
}

func NewEnqueuer(client *asynq.Client, queue string) *Enqueuer {
	return &Enqueuer{client: client, queue: queue}
}

func (e *Enqueuer) ScheduleAction(ctx context.Context, tenantID uuid.UUID, failureEventID uuid.UUID, sequence int, delay time.Duration) error {
	payload, err := json.Marshal(ActionPayload{
		TenantID:       tenantID.String(),
		FailureEventID: failureEventID.String(),
		Sequence:       sequence,
	})
	if err != nil {
		return err
	}
	return e.enqueue(ctx, asynq.NewTask(TaskActionExecute, payload), delay)
}

func (e *Enqueuer) ScheduleBookingRetry(ctx context.Context, tenantID uuid.UUID, returnEventID uuid.UUID, delay time.Duration) error {
	payload, err := json.Marshal(BookingRetryPayload{
		TenantID:      tenantID.String(),
		ReturnEventID: returnEventID.String(),
	})
	if err != nil {
		return err
	}
	return e.enqueue(ctx, asynq.NewTask(TaskBookingRetry, payload), delay)
}

func (e *Enqueuer) enqueue(ctx context.Context, task *asynq.Task, delay time.Duration) error {
	opts := []asynq.Option{asynq.Queue(e.queue)}
	if delay > 0 {
		opts = append(opts, asynq.ProcessIn(delay))
	}
	_, err := e.client.EnqueueContext(ctx, task, opts...)
	return err
}

type ActionRunner interface {
	ExecuteAction(ctx context.Context, tenantID uuid.UUID, failureEventID uuid.UUID, sequence int) error
}

type BookingRetrier interface {
	RetryBooking(ctx context.Context, returnEventID uuid.UUID) error
}

type SweepRunner interface {
	Sweep(ctx context.Context) error
}

// Handlers binds task types to the domain services. The redis client is
// only used to serialize sweeps across workers; nil skips the guard.
type Handlers struct {
	Engine  ActionRunner
	RTO     BookingRetrier
	Sweeper SweepRunner
	Redis   *redis.Client
	Logger  logx.Logger

	SweepLockTTL time.Duration
}

func (h *Handlers) HandleActionExecute(ctx context.Context, t *asynq.Task) error {
	var payload ActionPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return err
	}
	tenantID, err := uuid.Parse(payload.TenantID)
	if err != nil {
		return err
	}
	failureEventID, err := uuid.Parse(payload.FailureEventID)
	if err != nil {
		return err
	}
	return h.Engine.ExecuteAction(ctx, tenantID, failureEventID, payload.Sequence)
}

func (h *Handlers) HandleBookingRetry(ctx context.Context, t *asynq.Task) error {
	var payload BookingRetryPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return err
	}
	returnEventID, err := uuid.Parse(payload.ReturnEventID)
	if err != nil {
		return err
	}
	return h.RTO.RetryBooking(ctx, returnEventID)
}

func (h *Handlers) HandleSweep(ctx context.Context, _ *asynq.Task) error {
	if h.Redis != nil {
		ttl := h.SweepLockTTL
		if ttl <= 0 {
			ttl = 10 * time.Minute
		}
		lock, ok, err := lockx.Acquire(ctx, h.Redis, sweepLockKey, ttl)
		if err != nil {
			return err
		}
		if !ok {
			h.Logger.Debug(ctx, "sweep_skipped", "another worker holds the sweep lock")
			return nil
		}
		defer func() {
			if err := lockx.Release(ctx, h.Redis, lock); err != nil {
				h.Logger.Warn(ctx, "sweep_unlock_failed", "failed to release sweep lock",
					slog.String("error", err.Error()),
				)
			}
		}()
	}
	return h.Sweeper.Sweep(ctx)
}
