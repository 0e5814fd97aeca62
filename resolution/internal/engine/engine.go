package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"shipping-ndr-rto-resolution-system/shared/events"
	"shipping-ndr-rto-resolution-system/shared/logx"
	"shipping-ndr-rto-resolution-system/shared/metricsx"

	"shipping-ndr-rto-resolution-system/resolution/internal/models"
	"shipping-ndr-rto-resolution-system/resolution/internal/ndr"
)

var (
	// ErrPredecessorPending means a scheduled action fired before the one
	// ahead of it recorded a result. The job runner retries later.
	ErrPredecessorPending = errors.New("predecessor action has no recorded result")

	ErrUnknownAction = errors.New("no executor registered for action type")
)

// PermanentError wraps an executor failure that retrying cannot fix, such
// as a channel rejecting the phone number outright.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// Outcome is what an executor reports back after running an action.
type Outcome struct {
	Resolved bool
	Note     string
}

// Executor runs one action type against its external channel.
type Executor interface {
	Execute(ctx context.Context, fe models.FailureEvent, action models.WorkflowAction) (Outcome, error)
}

type FailureStore interface {
	GetByID(ctx context.Context, tenantID uuid.UUID, failureEventID uuid.UUID) (models.FailureEvent, error)
	TransitionStatus(ctx context.Context, tenantID uuid.UUID, failureEventID uuid.UUID, fromVersion int64, toStatus string) (models.FailureEvent, bool, error)
	SetWorkflowSnapshot(ctx context.Context, tenantID uuid.UUID, failureEventID uuid.UUID, snapshot []byte) error
}

type ActionStore interface {
	CreateForEvent(ctx context.Context, tenantID uuid.UUID, failureEventID uuid.UUID, actions []models.WorkflowAction) error
	ListByEvent(ctx context.Context, failureEventID uuid.UUID) ([]models.ResolutionAction, error)
	SetScheduledAt(ctx context.Context, failureEventID uuid.UUID, sequence int, scheduledAt time.Time) error
	RecordResult(ctx context.Context, failureEventID uuid.UUID, sequence int, result string, outcomeNote string) (bool, error)
	CancelPending(ctx context.Context, failureEventID uuid.UUID) (int, error)
}

type WorkflowSource interface {
	Resolve(ctx context.Context, tenantID uuid.UUID, category string) (models.WorkflowDocument, error)
}

// Scheduler defers an action execution. Implementations persist the job so
// the delay survives a process restart.
type Scheduler interface {
	ScheduleAction(ctx context.Context, tenantID uuid.UUID, failureEventID uuid.UUID, sequence int, delay time.Duration) error
}

// Escalator creates the return shipment once a failure escalates.
type Escalator interface {
	Escalate(ctx context.Context, fe models.FailureEvent, triggeredBy string) (models.ReturnEvent, error)
}

// Publisher hands lifecycle events to the outbox.
type Publisher interface {
	Emit(ctx context.Context, fe models.FailureEvent, eventType string, payload map[string]any) error
}

type Engine struct {
	failures  FailureStore
	actions   ActionStore
	workflows WorkflowSource
	scheduler Scheduler
	escalator Escalator
	publisher Publisher
	executors map[string]Executor
	logger    logx.Logger
	retryMax  int
	sleep     func(time.Duration)
	now       func() time.Time
}

func New(failures FailureStore, actions ActionStore, workflows WorkflowSource, scheduler Scheduler, escalator Escalator, publisher Publisher, logger logx.Logger, retryMax int) *Engine {
	if retryMax <= 0 {
		retryMax = 3
	}
	return &Engine{
		failures:  failures,
		actions:   actions,
		workflows: workflows,
		scheduler: scheduler,
		escalator: escalator,
		publisher: publisher,
		executors: map[string]Executor{},
		logger:    logger,
		retryMax:  retryMax,
		sleep:     time.Sleep,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (e *Engine) Register(actionType string, executor Executor) {
	e.executors[actionType] = executor
}

// Open loads the workflow for a freshly detected failure, pins it as a
// snapshot, and schedules the first action. An empty workflow escalates
// immediately.
func (e *Engine) Open(ctx context.Context, fe models.FailureEvent) error {
	doc, err := e.workflows.Resolve(ctx, fe.TenantID, fe.ClassifiedCategory)
	if err != nil {
		return fmt.Errorf("resolve workflow for %s: %w", fe.ClassifiedCategory, err)
	}
	sort.Slice(doc.Actions, func(i, j int) bool { return doc.Actions[i].Sequence < doc.Actions[j].Sequence })

	snapshot, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	if err := e.failures.SetWorkflowSnapshot(ctx, fe.TenantID, fe.FailureEventID, snapshot); err != nil {
		return err
	}
	fe.WorkflowSnapshot = snapshot

	if len(doc.Actions) == 0 {
		e.logger.Warn(ctx, "workflow_empty", "no actions configured, escalating immediately",
			slog.String("failure_event_id", fe.FailureEventID.String()),
			slog.String("category", fe.ClassifiedCategory),
		)
		return e.Escalate(ctx, fe, models.TriggeredByWorkflowAction)
	}

	if err := e.actions.CreateForEvent(ctx, fe.TenantID, fe.FailureEventID, doc.Actions); err != nil {
		return err
	}
	return e.schedule(ctx, fe, doc.Actions[0], e.now())
}

func (e *Engine) schedule(ctx context.Context, fe models.FailureEvent, action models.WorkflowAction, base time.Time) error {
	delay := action.DelayAfterPrevious.Std()
	if delay < 0 {
		delay = 0
	}
	dueAt := base.Add(delay)
	if err := e.actions.SetScheduledAt(ctx, fe.FailureEventID, action.Sequence, dueAt); err != nil {
		return err
	}
	if err := e.scheduler.ScheduleAction(ctx, fe.TenantID, fe.FailureEventID, action.Sequence, time.Until(dueAt)); err != nil {
		return err
	}
	e.logger.Info(ctx, "action_scheduled", "resolution action scheduled",
		slog.String("failure_event_id", fe.FailureEventID.String()),
		slog.Int("sequence", action.Sequence),
		slog.String("action_type", action.ActionType),
		slog.Time("due_at", dueAt),
	)
	return nil
}

// ExecuteAction runs one scheduled action. It is safe to call twice for the
// same (event, sequence): a recorded result or a terminal status makes the
// call a no-op.
func (e *Engine) ExecuteAction(ctx context.Context, tenantID uuid.UUID, failureEventID uuid.UUID, sequence int) error {
	return e.execute(ctx, tenantID, failureEventID, sequence, false)
}

// ExecuteManual runs an action that was configured to wait for operator
// approval. Ordering and replay rules still apply.
func (e *Engine) ExecuteManual(ctx context.Context, tenantID uuid.UUID, failureEventID uuid.UUID, sequence int) error {
	return e.execute(ctx, tenantID, failureEventID, sequence, true)
}

func (e *Engine) execute(ctx context.Context, tenantID uuid.UUID, failureEventID uuid.UUID, sequence int, manual bool) error {
	fe, err := e.failures.GetByID(ctx, tenantID, failureEventID)
	if err != nil {
		return err
	}
	if models.TerminalStatus(fe.Status) {
		if _, err := e.actions.CancelPending(ctx, failureEventID); err != nil {
			return err
		}
		return nil
	}
	if fe.Status == models.StatusEscalated {
		// Past resolution; the RTO side owns this event now.
		return nil
	}

	doc, err := snapshotDoc(fe)
	if err != nil {
		return err
	}
	actionDef, ok := findAction(doc, sequence)
	if !ok {
		return fmt.Errorf("sequence %d not in workflow snapshot", sequence)
	}

	rows, err := e.actions.ListByEvent(ctx, failureEventID)
	if err != nil {
		return err
	}
	for _, row := range rows {
		if row.Sequence == sequence && row.ExecutedAt != nil {
			return nil
		}
		if row.Sequence < sequence && row.ExecutedAt == nil {
			return fmt.Errorf("%w: sequence %d", ErrPredecessorPending, row.Sequence)
		}
	}

	if !actionDef.AutoExecute && !manual {
		e.logger.Info(ctx, "action_waiting_manual", "action requires manual execution",
			slog.String("failure_event_id", failureEventID.String()),
			slog.Int("sequence", sequence),
		)
		return nil
	}

	if actionDef.ActionType == models.ActionTriggerRTO {
		if _, err := e.actions.RecordResult(ctx, failureEventID, sequence, models.ResultExecuted, "forced return"); err != nil {
			return err
		}
		metricsx.IncActionExecuted(actionDef.ActionType, models.ResultExecuted)
		return e.Escalate(ctx, fe, models.TriggeredByWorkflowAction)
	}

	outcome, result, note := e.runWithRetries(ctx, fe, actionDef)
	recorded, err := e.actions.RecordResult(ctx, failureEventID, sequence, result, note)
	if err != nil {
		return err
	}
	if !recorded {
		// A concurrent runner won the record; nothing left to do here.
		return nil
	}
	metricsx.IncActionExecuted(actionDef.ActionType, result)

	if e.publisher != nil {
		_ = e.publisher.Emit(ctx, fe, events.EventActionExecuted, map[string]any{
			"sequence":    sequence,
			"action_type": actionDef.ActionType,
			"result":      result,
		})
	}

	if outcome.Resolved {
		return e.resolve(ctx, fe, note)
	}
	return e.advance(ctx, fe, doc, sequence)
}

func (e *Engine) runWithRetries(ctx context.Context, fe models.FailureEvent, actionDef models.WorkflowAction) (Outcome, string, string) {
	executor, ok := e.executors[actionDef.ActionType]
	if !ok {
		return Outcome{}, models.ResultFailedPermanently, ErrUnknownAction.Error()
	}

	var lastErr error
	for attempt := 0; attempt <= e.retryMax; attempt++ {
		if attempt > 0 {
			e.sleep(retryBackoff(attempt))
		}
		outcome, err := executor.Execute(ctx, fe, actionDef)
		if err == nil {
			result := models.ResultNoResolution
			if outcome.Resolved {
				result = models.ResultResolvedCase
			} else if actionDef.ActionType == models.ActionRequestAddressUpdate || actionDef.ActionType == models.ActionSendMessage {
				// Fire-and-wait channels: execution succeeded, resolution
				// arrives out of band.
				result = models.ResultExecuted
			}
			return outcome, result, outcome.Note
		}
		lastErr = err
		var perm *PermanentError
		if errors.As(err, &perm) {
			break
		}
		e.logger.Warn(ctx, "action_retry", "executor failed, will retry",
			slog.String("failure_event_id", fe.FailureEventID.String()),
			slog.Int("sequence", actionDef.Sequence),
			slog.Int("attempt", attempt+1),
			slog.String("error", err.Error()),
		)
	}
	return Outcome{}, models.ResultFailedPermanently, lastErr.Error()
}

// advance schedules the next unexecuted action or escalates when the
// workflow is exhausted.
func (e *Engine) advance(ctx context.Context, fe models.FailureEvent, doc models.WorkflowDocument, executedSequence int) error {
	// First executed action moves the event out of detected.
	if fe.Status == models.StatusDetected {
		updated, swapped, err := e.failures.TransitionStatus(ctx, fe.TenantID, fe.FailureEventID, fe.Version, models.StatusInResolution)
		if err != nil {
			return err
		}
		if !swapped {
			fresh, err := e.failures.GetByID(ctx, fe.TenantID, fe.FailureEventID)
			if err != nil {
				return err
			}
			if !ndr.Open(fresh.Status) {
				return nil
			}
			updated = fresh
		}
		fe = updated
	}

	rows, err := e.actions.ListByEvent(ctx, fe.FailureEventID)
	if err != nil {
		return err
	}
	executedAt := e.now()
	for _, row := range rows {
		if row.Sequence == executedSequence && row.ExecutedAt != nil {
			executedAt = *row.ExecutedAt
		}
	}
	for _, row := range rows {
		if row.ExecutedAt == nil {
			next, ok := findAction(doc, row.Sequence)
			if !ok {
				return fmt.Errorf("sequence %d not in workflow snapshot", row.Sequence)
			}
			return e.schedule(ctx, fe, next, executedAt)
		}
	}
	return e.Escalate(ctx, fe, models.TriggeredByWorkflowAction)
}

func (e *Engine) resolve(ctx context.Context, fe models.FailureEvent, note string) error {
	updated, swapped, err := e.failures.TransitionStatus(ctx, fe.TenantID, fe.FailureEventID, fe.Version, models.StatusResolved)
	if err != nil {
		return err
	}
	if !swapped {
		fresh, err := e.failures.GetByID(ctx, fe.TenantID, fe.FailureEventID)
		if err != nil {
			return err
		}
		if models.TerminalStatus(fresh.Status) {
			return nil
		}
		updated, swapped, err = e.failures.TransitionStatus(ctx, fe.TenantID, fe.FailureEventID, fresh.Version, models.StatusResolved)
		if err != nil {
			return err
		}
		if !swapped {
			return nil
		}
	}
	if _, err := e.actions.CancelPending(ctx, fe.FailureEventID); err != nil {
		return err
	}
	e.logger.Info(ctx, "failure_resolved", note,
		slog.String("failure_event_id", fe.FailureEventID.String()),
		slog.String("shipment_id", fe.ShipmentID.String()),
	)
	if e.publisher != nil {
		_ = e.publisher.Emit(ctx, updated, events.EventFailureResolved, map[string]any{"note": note})
	}
	return nil
}

// Escalate moves an open failure to escalated and, when the workflow allows
// auto-trigger, straight on to rto_triggered. Losing the version race to a
// concurrent writer is a quiet no-op.
func (e *Engine) Escalate(ctx context.Context, fe models.FailureEvent, triggeredBy string) error {
	current := fe
	for {
		if models.TerminalStatus(current.Status) {
			return nil
		}
		if current.Status == models.StatusEscalated {
			break
		}
		updated, swapped, err := e.failures.TransitionStatus(ctx, current.TenantID, current.FailureEventID, current.Version, models.StatusEscalated)
		if err != nil {
			return err
		}
		if swapped {
			current = updated
			if _, err := e.actions.CancelPending(ctx, current.FailureEventID); err != nil {
				return err
			}
			if e.publisher != nil {
				_ = e.publisher.Emit(ctx, current, events.EventFailureEscalated, map[string]any{"triggered_by": triggeredBy})
			}
			break
		}
		current, err = e.failures.GetByID(ctx, fe.TenantID, fe.FailureEventID)
		if err != nil {
			return err
		}
	}

	doc, err := snapshotDoc(current)
	if err != nil {
		return err
	}
	if !doc.RTOTrigger.AutoTrigger && triggeredBy == models.TriggeredByWorkflowAction {
		e.logger.Info(ctx, "failure_escalated", "waiting for manual resolution or deadline sweep",
			slog.String("failure_event_id", current.FailureEventID.String()),
		)
		return nil
	}
	return e.TriggerRTO(ctx, current, triggeredBy)
}

// TriggerRTO hands the event to the coordinator and finishes the
// escalated -> rto_triggered transition.
func (e *Engine) TriggerRTO(ctx context.Context, fe models.FailureEvent, triggeredBy string) error {
	if _, err := e.escalator.Escalate(ctx, fe, triggeredBy); err != nil {
		return err
	}
	for {
		updated, swapped, err := e.failures.TransitionStatus(ctx, fe.TenantID, fe.FailureEventID, fe.Version, models.StatusRTOTriggered)
		if err != nil {
			return err
		}
		if swapped {
			fe = updated
			break
		}
		fresh, err := e.failures.GetByID(ctx, fe.TenantID, fe.FailureEventID)
		if err != nil {
			return err
		}
		if models.TerminalStatus(fresh.Status) {
			return nil
		}
		fe = fresh
	}
	if e.publisher != nil {
		_ = e.publisher.Emit(ctx, fe, events.EventRTOTriggered, map[string]any{"triggered_by": triggeredBy})
	}
	return nil
}

// HandleAddressSubmitted records a successful customer address correction
// against the owning failure event and resolves it.
func (e *Engine) HandleAddressSubmitted(ctx context.Context, tenantID uuid.UUID, failureEventID uuid.UUID) error {
	fe, err := e.failures.GetByID(ctx, tenantID, failureEventID)
	if err != nil {
		return err
	}
	if models.TerminalStatus(fe.Status) {
		return nil
	}

	rows, err := e.actions.ListByEvent(ctx, failureEventID)
	if err != nil {
		return err
	}
	for _, row := range rows {
		if row.ActionType == models.ActionRequestAddressUpdate {
			if _, err := e.actions.RecordResult(ctx, failureEventID, row.Sequence, models.ResultResolvedCase, "customer submitted corrected address"); err != nil {
				return err
			}
			break
		}
	}
	return e.resolve(ctx, fe, "address corrected by customer")
}

func snapshotDoc(fe models.FailureEvent) (models.WorkflowDocument, error) {
	var doc models.WorkflowDocument
	if len(fe.WorkflowSnapshot) == 0 {
		return doc, fmt.Errorf("failure event %s has no workflow snapshot", fe.FailureEventID)
	}
	if err := json.Unmarshal(fe.WorkflowSnapshot, &doc); err != nil {
		return doc, fmt.Errorf("decode workflow snapshot: %w", err)
	}
	return doc, nil
}

func findAction(doc models.WorkflowDocument, sequence int) (models.WorkflowAction, bool) {
	for _, action := range doc.Actions {
		if action.Sequence == sequence {
			return action, true
		}
	}
	return models.WorkflowAction{}, false
}

func retryBackoff(attempt int) time.Duration {
	d := time.Duration(1<<uint(attempt)) * time.Second
	if d > 30*time.Second {
		d = 30 * time.Second
	}
	return d
}
