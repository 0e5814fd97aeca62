package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"shipping-ndr-rto-resolution-system/shared/logx"

	"shipping-ndr-rto-resolution-system/resolution/internal/models"
)

type memFailureStore struct {
	mu     sync.Mutex
	events map[uuid.UUID]*models.FailureEvent
}

func newMemFailureStore() *memFailureStore {
	return &memFailureStore{events: map[uuid.UUID]*models.FailureEvent{}}
}

func (m *memFailureStore) put(fe models.FailureEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := fe
	m.events[fe.FailureEventID] = &copied
}

func (m *memFailureStore) GetByID(ctx context.Context, tenantID uuid.UUID, failureEventID uuid.UUID) (models.FailureEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fe, ok := m.events[failureEventID]
	if !ok {
		return models.FailureEvent{}, errors.New("not found")
	}
	return *fe, nil
}

func (m *memFailureStore) TransitionStatus(ctx context.Context, tenantID uuid.UUID, failureEventID uuid.UUID, fromVersion int64, toStatus string) (models.FailureEvent, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fe, ok := m.events[failureEventID]
	if !ok {
		return models.FailureEvent{}, false, errors.New("not found")
	}
	if fe.Version != fromVersion {
		return models.FailureEvent{}, false, nil
	}
	fe.Status = toStatus
	fe.Version++
	return *fe, true, nil
}

func (m *memFailureStore) SetWorkflowSnapshot(ctx context.Context, tenantID uuid.UUID, failureEventID uuid.UUID, snapshot []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	fe, ok := m.events[failureEventID]
	if !ok {
		return errors.New("not found")
	}
	fe.WorkflowSnapshot = snapshot
	return nil
}

type memActionStore struct {
	mu      sync.Mutex
	actions map[uuid.UUID][]*models.ResolutionAction
}

func newMemActionStore() *memActionStore {
	return &memActionStore{actions: map[uuid.UUID][]*models.ResolutionAction{}}
}

func (m *memActionStore) CreateForEvent(ctx context.Context, tenantID uuid.UUID, failureEventID uuid.UUID, actions []models.WorkflowAction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.actions[failureEventID]) > 0 {
		return nil
	}
	for _, a := range actions {
		m.actions[failureEventID] = append(m.actions[failureEventID], &models.ResolutionAction{
			ActionID:       uuid.New(),
			TenantID:       tenantID,
			FailureEventID: failureEventID,
			Sequence:       a.Sequence,
			ActionType:     a.ActionType,
			Result:         models.ResultPending,
		})
	}
	return nil
}

func (m *memActionStore) ListByEvent(ctx context.Context, failureEventID uuid.UUID) ([]models.ResolutionAction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.ResolutionAction
	for _, a := range m.actions[failureEventID] {
		out = append(out, *a)
	}
	return out, nil
}

func (m *memActionStore) SetScheduledAt(ctx context.Context, failureEventID uuid.UUID, sequence int, scheduledAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.actions[failureEventID] {
		if a.Sequence == sequence && a.ExecutedAt == nil {
			a.ScheduledAt = scheduledAt
			return nil
		}
	}
	return errors.New("action not found")
}

func (m *memActionStore) RecordResult(ctx context.Context, failureEventID uuid.UUID, sequence int, result string, outcomeNote string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.actions[failureEventID] {
		if a.Sequence == sequence {
			if a.ExecutedAt != nil {
				return false, nil
			}
			now := time.Now().UTC()
			a.Result = result
			a.OutcomeNote = outcomeNote
			a.ExecutedAt = &now
			return true, nil
		}
	}
	return false, errors.New("action not found")
}

func (m *memActionStore) CancelPending(ctx context.Context, failureEventID uuid.UUID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, a := range m.actions[failureEventID] {
		if a.ExecutedAt == nil {
			now := time.Now().UTC()
			a.Result = models.ResultCancelled
			a.ExecutedAt = &now
			n++
		}
	}
	return n, nil
}

type staticWorkflows struct {
	doc models.WorkflowDocument
	err error
}

func (s staticWorkflows) Resolve(ctx context.Context, tenantID uuid.UUID, category string) (models.WorkflowDocument, error) {
	return s.doc, s.err
}

type scheduledCall struct {
	sequence int
	delay    time.Duration
}

type recordingScheduler struct {
	mu    sync.Mutex
	calls []scheduledCall
}

func (r *recordingScheduler) ScheduleAction(ctx context.Context, tenantID uuid.UUID, failureEventID uuid.UUID, sequence int, delay time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, scheduledCall{sequence: sequence, delay: delay})
	return nil
}

type recordingEscalator struct {
	mu    sync.Mutex
	calls int
}

func (r *recordingEscalator) Escalate(ctx context.Context, fe models.FailureEvent, triggeredBy string) (models.ReturnEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	return models.ReturnEvent{OriginatingFailureEventID: fe.FailureEventID}, nil
}

type stubExecutor struct {
	outcome Outcome
	err     error
	calls   int
}

func (s *stubExecutor) Execute(ctx context.Context, fe models.FailureEvent, action models.WorkflowAction) (Outcome, error) {
	s.calls++
	return s.outcome, s.err
}

func unavailableWorkflow() models.WorkflowDocument {
	return models.WorkflowDocument{
		Category: models.CategoryCustomerUnavailable,
		Actions: []models.WorkflowAction{
			{Sequence: 1, ActionType: models.ActionSendMessage, DelayAfterPrevious: 0, AutoExecute: true},
			{Sequence: 2, ActionType: models.ActionContactCustomer, DelayAfterPrevious: models.Duration(30 * time.Minute), AutoExecute: true},
			{Sequence: 3, ActionType: models.ActionTriggerRTO, DelayAfterPrevious: 0, AutoExecute: true},
		},
		Escalation: models.Escalation{AfterDuration: models.Duration(24 * time.Hour), EscalateToRole: "ops_admin"},
		RTOTrigger: models.RTOTrigger{AutoTrigger: true},
	}
}

type testRig struct {
	engine    *Engine
	failures  *memFailureStore
	actions   *memActionStore
	scheduler *recordingScheduler
	escalator *recordingEscalator
	fe        models.FailureEvent
}

func newTestRig(t *testing.T, doc models.WorkflowDocument) *testRig {
	t.Helper()
	failures := newMemFailureStore()
	actions := newMemActionStore()
	scheduler := &recordingScheduler{}
	escalator := &recordingEscalator{}
	logger := logx.New("engine-test", "test", "", "error")

	eng := New(failures, actions, staticWorkflows{doc: doc}, scheduler, escalator, nil, logger, 3)
	eng.sleep = func(time.Duration) {}

	fe := models.FailureEvent{
		FailureEventID:     uuid.New(),
		TenantID:           uuid.New(),
		ShipmentID:         uuid.New(),
		AttemptNumber:      1,
		ClassifiedCategory: doc.Category,
		Status:             models.StatusDetected,
		Version:            1,
		DetectedAt:         time.Now().UTC(),
		ResolutionDeadline: time.Now().UTC().Add(48 * time.Hour),
	}
	failures.put(fe)
	return &testRig{engine: eng, failures: failures, actions: actions, scheduler: scheduler, escalator: escalator, fe: fe}
}

func (r *testRig) status(t *testing.T) string {
	t.Helper()
	fe, err := r.failures.GetByID(context.Background(), r.fe.TenantID, r.fe.FailureEventID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	return fe.Status
}

func TestOpenSchedulesFirstActionImmediately(t *testing.T) {
	rig := newTestRig(t, unavailableWorkflow())
	if err := rig.engine.Open(context.Background(), rig.fe); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if len(rig.scheduler.calls) != 1 {
		t.Fatalf("expected one scheduled action, got %d", len(rig.scheduler.calls))
	}
	if rig.scheduler.calls[0].sequence != 1 {
		t.Fatalf("expected sequence 1 first, got %d", rig.scheduler.calls[0].sequence)
	}
	if rig.scheduler.calls[0].delay > time.Second {
		t.Fatalf("zero-delay action must run immediately, got %v", rig.scheduler.calls[0].delay)
	}
}

func TestOpenEmptyWorkflowEscalates(t *testing.T) {
	doc := unavailableWorkflow()
	doc.Actions = nil
	rig := newTestRig(t, doc)
	if err := rig.engine.Open(context.Background(), rig.fe); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if got := rig.status(t); got != models.StatusRTOTriggered {
		t.Fatalf("expected rto_triggered, got %s", got)
	}
	if rig.escalator.calls != 1 {
		t.Fatalf("expected one RTO escalation, got %d", rig.escalator.calls)
	}
}

func TestUnavailableScenarioRunsToRTO(t *testing.T) {
	rig := newTestRig(t, unavailableWorkflow())
	message := &stubExecutor{outcome: Outcome{Note: "delivered"}}
	call := &stubExecutor{outcome: Outcome{Note: "no answer"}}
	rig.engine.Register(models.ActionSendMessage, message)
	rig.engine.Register(models.ActionContactCustomer, call)

	ctx := context.Background()
	if err := rig.engine.Open(ctx, rig.fe); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := rig.engine.ExecuteAction(ctx, rig.fe.TenantID, rig.fe.FailureEventID, 1); err != nil {
		t.Fatalf("ExecuteAction 1: %v", err)
	}
	if got := rig.status(t); got != models.StatusInResolution {
		t.Fatalf("expected in_resolution after first action, got %s", got)
	}
	if len(rig.scheduler.calls) != 2 || rig.scheduler.calls[1].sequence != 2 {
		t.Fatalf("expected second action scheduled, calls %+v", rig.scheduler.calls)
	}
	// Second action rides on the first action's execution time plus 30m.
	if rig.scheduler.calls[1].delay < 29*time.Minute || rig.scheduler.calls[1].delay > 30*time.Minute {
		t.Fatalf("expected ~30m delay for action 2, got %v", rig.scheduler.calls[1].delay)
	}

	if err := rig.engine.ExecuteAction(ctx, rig.fe.TenantID, rig.fe.FailureEventID, 2); err != nil {
		t.Fatalf("ExecuteAction 2: %v", err)
	}
	if err := rig.engine.ExecuteAction(ctx, rig.fe.TenantID, rig.fe.FailureEventID, 3); err != nil {
		t.Fatalf("ExecuteAction 3: %v", err)
	}
	if got := rig.status(t); got != models.StatusRTOTriggered {
		t.Fatalf("expected rto_triggered, got %s", got)
	}
	if rig.escalator.calls != 1 {
		t.Fatalf("expected one RTO escalation, got %d", rig.escalator.calls)
	}
	if message.calls != 1 || call.calls != 1 {
		t.Fatalf("unexpected executor call counts: message=%d call=%d", message.calls, call.calls)
	}
}

func TestResolvingActionStopsWorkflow(t *testing.T) {
	rig := newTestRig(t, unavailableWorkflow())
	rig.engine.Register(models.ActionSendMessage, &stubExecutor{outcome: Outcome{Resolved: true, Note: "customer replied"}})

	ctx := context.Background()
	if err := rig.engine.Open(ctx, rig.fe); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := rig.engine.ExecuteAction(ctx, rig.fe.TenantID, rig.fe.FailureEventID, 1); err != nil {
		t.Fatalf("ExecuteAction: %v", err)
	}
	if got := rig.status(t); got != models.StatusResolved {
		t.Fatalf("expected resolved, got %s", got)
	}
	actions, _ := rig.actions.ListByEvent(ctx, rig.fe.FailureEventID)
	for _, a := range actions {
		if a.Sequence > 1 && a.Result != models.ResultCancelled {
			t.Fatalf("expected remaining actions cancelled, sequence %d is %s", a.Sequence, a.Result)
		}
	}
	if len(rig.scheduler.calls) != 1 {
		t.Fatalf("no further actions may be scheduled after resolution")
	}
}

func TestActionOrderingEnforced(t *testing.T) {
	rig := newTestRig(t, unavailableWorkflow())
	rig.engine.Register(models.ActionContactCustomer, &stubExecutor{})

	ctx := context.Background()
	if err := rig.engine.Open(ctx, rig.fe); err != nil {
		t.Fatalf("Open: %v", err)
	}
	err := rig.engine.ExecuteAction(ctx, rig.fe.TenantID, rig.fe.FailureEventID, 2)
	if !errors.Is(err, ErrPredecessorPending) {
		t.Fatalf("expected ErrPredecessorPending, got %v", err)
	}
}

func TestExecuteActionIdempotentOnReplay(t *testing.T) {
	rig := newTestRig(t, unavailableWorkflow())
	message := &stubExecutor{outcome: Outcome{Note: "delivered"}}
	rig.engine.Register(models.ActionSendMessage, message)

	ctx := context.Background()
	if err := rig.engine.Open(ctx, rig.fe); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := rig.engine.ExecuteAction(ctx, rig.fe.TenantID, rig.fe.FailureEventID, 1); err != nil {
		t.Fatalf("first execute: %v", err)
	}
	if err := rig.engine.ExecuteAction(ctx, rig.fe.TenantID, rig.fe.FailureEventID, 1); err != nil {
		t.Fatalf("replay execute: %v", err)
	}
	if message.calls != 1 {
		t.Fatalf("replayed job must not re-run the channel, got %d calls", message.calls)
	}
	if len(rig.scheduler.calls) != 2 {
		t.Fatalf("replay must not double-schedule, calls %+v", rig.scheduler.calls)
	}
}

func TestTransientFailureRetriesThenPermanent(t *testing.T) {
	rig := newTestRig(t, unavailableWorkflow())
	flaky := &stubExecutor{err: errors.New("gateway timeout")}
	rig.engine.Register(models.ActionSendMessage, flaky)
	rig.engine.Register(models.ActionContactCustomer, &stubExecutor{})

	ctx := context.Background()
	if err := rig.engine.Open(ctx, rig.fe); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := rig.engine.ExecuteAction(ctx, rig.fe.TenantID, rig.fe.FailureEventID, 1); err != nil {
		t.Fatalf("ExecuteAction: %v", err)
	}
	if flaky.calls != 4 {
		t.Fatalf("expected initial try plus 3 retries, got %d", flaky.calls)
	}
	actions, _ := rig.actions.ListByEvent(ctx, rig.fe.FailureEventID)
	if actions[0].Result != models.ResultFailedPermanently {
		t.Fatalf("expected failed_permanently, got %s", actions[0].Result)
	}
	// Permanent failure advances rather than killing the workflow.
	if len(rig.scheduler.calls) != 2 || rig.scheduler.calls[1].sequence != 2 {
		t.Fatalf("expected advance to action 2, calls %+v", rig.scheduler.calls)
	}
}

func TestPermanentFailureSkipsRetries(t *testing.T) {
	rig := newTestRig(t, unavailableWorkflow())
	dead := &stubExecutor{err: Permanent(errors.New("invalid phone number"))}
	rig.engine.Register(models.ActionSendMessage, dead)

	ctx := context.Background()
	if err := rig.engine.Open(ctx, rig.fe); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := rig.engine.ExecuteAction(ctx, rig.fe.TenantID, rig.fe.FailureEventID, 1); err != nil {
		t.Fatalf("ExecuteAction: %v", err)
	}
	if dead.calls != 1 {
		t.Fatalf("permanent errors must not retry, got %d calls", dead.calls)
	}
}

func TestScheduledActionAfterTerminalIsNoOp(t *testing.T) {
	rig := newTestRig(t, unavailableWorkflow())
	message := &stubExecutor{}
	rig.engine.Register(models.ActionSendMessage, message)

	ctx := context.Background()
	if err := rig.engine.Open(ctx, rig.fe); err != nil {
		t.Fatalf("Open: %v", err)
	}

	// Sweeper wins the race and pushes the event terminal.
	fe, _ := rig.failures.GetByID(ctx, rig.fe.TenantID, rig.fe.FailureEventID)
	if err := rig.engine.Escalate(ctx, fe, models.TriggeredByDeadlineSweep); err != nil {
		t.Fatalf("Escalate: %v", err)
	}
	if got := rig.status(t); got != models.StatusRTOTriggered {
		t.Fatalf("expected rto_triggered, got %s", got)
	}

	if err := rig.engine.ExecuteAction(ctx, rig.fe.TenantID, rig.fe.FailureEventID, 1); err != nil {
		t.Fatalf("late job must be a no-op, got %v", err)
	}
	if message.calls != 0 {
		t.Fatalf("late job must not touch the channel")
	}
}

func TestEscalateLosingVersionRaceIsNoOp(t *testing.T) {
	rig := newTestRig(t, unavailableWorkflow())
	ctx := context.Background()
	if err := rig.engine.Open(ctx, rig.fe); err != nil {
		t.Fatalf("Open: %v", err)
	}

	// Stale copy: another writer already resolved the event.
	stale, _ := rig.failures.GetByID(ctx, rig.fe.TenantID, rig.fe.FailureEventID)
	if _, swapped, err := rig.failures.TransitionStatus(ctx, stale.TenantID, stale.FailureEventID, stale.Version, models.StatusResolved); err != nil || !swapped {
		t.Fatalf("setup transition failed")
	}

	if err := rig.engine.Escalate(ctx, stale, models.TriggeredByDeadlineSweep); err != nil {
		t.Fatalf("Escalate: %v", err)
	}
	if got := rig.status(t); got != models.StatusResolved {
		t.Fatalf("loser must not overwrite terminal state, got %s", got)
	}
	if rig.escalator.calls != 0 {
		t.Fatalf("no RTO may be created for a resolved event")
	}
}

func TestManualExecutionGate(t *testing.T) {
	doc := unavailableWorkflow()
	doc.Actions[0].AutoExecute = false
	rig := newTestRig(t, doc)
	message := &stubExecutor{}
	rig.engine.Register(models.ActionSendMessage, message)

	ctx := context.Background()
	if err := rig.engine.Open(ctx, rig.fe); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := rig.engine.ExecuteAction(ctx, rig.fe.TenantID, rig.fe.FailureEventID, 1); err != nil {
		t.Fatalf("ExecuteAction: %v", err)
	}
	if message.calls != 0 {
		t.Fatalf("auto_execute=false actions must wait for manual execution")
	}

	if err := rig.engine.ExecuteManual(ctx, rig.fe.TenantID, rig.fe.FailureEventID, 1); err != nil {
		t.Fatalf("ExecuteManual: %v", err)
	}
	if message.calls != 1 {
		t.Fatalf("manual execution must run the held action, calls = %d", message.calls)
	}
}

func TestHandleAddressSubmittedResolves(t *testing.T) {
	doc := models.WorkflowDocument{
		Category: models.CategoryAddressIssue,
		Actions: []models.WorkflowAction{
			{Sequence: 1, ActionType: models.ActionRequestAddressUpdate, AutoExecute: true},
			{Sequence: 2, ActionType: models.ActionRequestReattempt, DelayAfterPrevious: models.Duration(12 * time.Hour), AutoExecute: true},
		},
		RTOTrigger: models.RTOTrigger{AutoTrigger: true},
	}
	rig := newTestRig(t, doc)
	rig.engine.Register(models.ActionRequestAddressUpdate, &stubExecutor{outcome: Outcome{Note: "link sent"}})

	ctx := context.Background()
	if err := rig.engine.Open(ctx, rig.fe); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := rig.engine.ExecuteAction(ctx, rig.fe.TenantID, rig.fe.FailureEventID, 1); err != nil {
		t.Fatalf("ExecuteAction: %v", err)
	}
	if err := rig.engine.HandleAddressSubmitted(ctx, rig.fe.TenantID, rig.fe.FailureEventID); err != nil {
		t.Fatalf("HandleAddressSubmitted: %v", err)
	}
	if got := rig.status(t); got != models.StatusResolved {
		t.Fatalf("expected resolved, got %s", got)
	}
}

func TestSnapshotPinsWorkflow(t *testing.T) {
	rig := newTestRig(t, unavailableWorkflow())
	ctx := context.Background()
	if err := rig.engine.Open(ctx, rig.fe); err != nil {
		t.Fatalf("Open: %v", err)
	}
	fe, err := rig.failures.GetByID(ctx, rig.fe.TenantID, rig.fe.FailureEventID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	var doc models.WorkflowDocument
	if err := json.Unmarshal(fe.WorkflowSnapshot, &doc); err != nil {
		t.Fatalf("snapshot not decodable: %v", err)
	}
	if len(doc.Actions) != 3 {
		t.Fatalf("expected 3 snapshotted actions, got %d", len(doc.Actions))
	}
}
