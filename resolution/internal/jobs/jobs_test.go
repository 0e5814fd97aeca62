package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"shipping-ndr-rto-resolution-system/shared/logx"
)

type recordingRunner struct {
	tenantID       uuid.UUID
	failureEventID uuid.UUID
	sequence       int
	calls          int
	err            error
}

func (r *recordingRunner) ExecuteAction(_ context.Context, tenantID uuid.UUID, failureEventID uuid.UUID, sequence int) error {
	r.calls++
	r.tenantID = tenantID
	r.failureEventID = failureEventID
	r.sequence = sequence
	return r.err
}

type recordingRetrier struct {
	returnEventID uuid.UUID
	calls         int
}

func (r *recordingRetrier) RetryBooking(_ context.Context, returnEventID uuid.UUID) error {
	r.calls++
	r.returnEventID = returnEventID
	return nil
}

type recordingSweeper struct {
	calls int
}

func (r *recordingSweeper) Sweep(context.Context) error {
	r.calls++
	return nil
}

func TestHandleActionExecute(t *testing.T) {
	runner := &recordingRunner{}
	h := &Handlers{Engine: runner, Logger: logx.New("test", "test", "", "error")}

	tenantID := uuid.New()
	failureEventID := uuid.New()
	payload, _ := json.Marshal(ActionPayload{
		TenantID:       tenantID.String(),
		FailureEventID: failureEventID.String(),
		Sequence:       2,
	})

	if err := h.HandleActionExecute(context.Background(), asynq.NewTask(TaskActionExecute, payload)); err != nil {
		t.Fatalf("HandleActionExecute: %v", err)
	}
	if runner.calls != 1 || runner.tenantID != tenantID || runner.failureEventID != failureEventID || runner.sequence != 2 {
		t.Fatalf("runner = %+v", runner)
	}
}

func TestHandleActionExecuteRejectsBadPayload(t *testing.T) {
	runner := &recordingRunner{}
	h := &Handlers{Engine: runner, Logger: logx.New("test", "test", "", "error")}

	cases := [][]byte{
		[]byte("not json"),
		mustJSON(ActionPayload{TenantID: "nope", FailureEventID: uuid.NewString()}),
		mustJSON(ActionPayload{TenantID: uuid.NewString(), FailureEventID: ""}),
	}
	for _, payload := range cases {
		if err := h.HandleActionExecute(context.Background(), asynq.NewTask(TaskActionExecute, payload)); err == nil {
			t.Fatalf("payload %q accepted", payload)
		}
	}
	if runner.calls != 0 {
		t.Fatalf("runner called %d times", runner.calls)
	}
}

func TestHandleActionExecutePropagatesError(t *testing.T) {
	want := errors.New("still pending")
	runner := &recordingRunner{err: want}
	h := &Handlers{Engine: runner, Logger: logx.New("test", "test", "", "error")}

	payload, _ := json.Marshal(ActionPayload{
		TenantID:       uuid.NewString(),
		FailureEventID: uuid.NewString(),
		Sequence:       1,
	})
	if err := h.HandleActionExecute(context.Background(), asynq.NewTask(TaskActionExecute, payload)); !errors.Is(err, want) {
		t.Fatalf("err = %v, want %v", err, want)
	}
}

func TestHandleBookingRetry(t *testing.T) {
	retrier := &recordingRetrier{}
	h := &Handlers{RTO: retrier, Logger: logx.New("test", "test", "", "error")}

	returnEventID := uuid.New()
	payload, _ := json.Marshal(BookingRetryPayload{
		TenantID:      uuid.NewString(),
		ReturnEventID: returnEventID.String(),
	})
	if err := h.HandleBookingRetry(context.Background(), asynq.NewTask(TaskBookingRetry, payload)); err != nil {
		t.Fatalf("HandleBookingRetry: %v", err)
	}
	if retrier.calls != 1 || retrier.returnEventID != returnEventID {
		t.Fatalf("retrier = %+v", retrier)
	}
}

func TestHandleSweepWithoutLockGuard(t *testing.T) {
	sw := &recordingSweeper{}
	h := &Handlers{Sweeper: sw, Logger: logx.New("test", "test", "", "error")}

	if err := h.HandleSweep(context.Background(), asynq.NewTask(TaskSweep, nil)); err != nil {
		t.Fatalf("HandleSweep: %v", err)
	}
	if sw.calls != 1 {
		t.Fatalf("sweeps = %d", sw.calls)
	}
}

func mustJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
