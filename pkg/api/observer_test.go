package api

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"
)

//
// Helpers
//

// testObserver is a simple Observer implementation used to verify fan-out behavior.
type testObserver struct {
	mu sync.Mutex

	created       int
	transitions   []State
	stepStarts    int
	stepCompletes int
	approvals     int

	lastStep   Step
	lastResult StepResult
	lastReq    *ApprovalRequest
}

func (o *testObserver) OnInstanceCreated(ctx context.Context, inst *WorkflowInstance) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.created++
}

func (o *testObserver) OnStateChanged(ctx context.Context, inst *WorkflowInstance, from, to State) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.transitions = append(o.transitions, to)
}

func (o *testObserver) OnStepStart(ctx context.Context, inst *WorkflowInstance, step Step) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stepStarts++
	o.lastStep = step
}

func (o *testObserver) OnStepCompleted(ctx context.Context, inst *WorkflowInstance, r StepResult) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stepCompletes++
	o.lastResult = r
}

func (o *testObserver) OnApprovalRequested(ctx context.Context, inst *WorkflowInstance, req *ApprovalRequest) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.approvals++
	o.lastReq = req
}

// recordingHandler is a minimal slog.Handler that just records log records.
type recordingHandler struct {
	mu      sync.Mutex
	records []slog.Record
}

func (h *recordingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return true
}

func (h *recordingHandler) Handle(ctx context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, r.Clone())
	return nil
}

func (h *recordingHandler) WithAttrs(attrs []slog.Attr) slog.Handler { return h }
func (h *recordingHandler) WithGroup(name string) slog.Handler       { return h }

func attrsToMap(r slog.Record) map[string]any {
	m := make(map[string]any)
	r.Attrs(func(a slog.Attr) bool {
		m[a.Key] = a.Value.Any()
		return true
	})
	return m
}

func newTestInstance() *WorkflowInstance {
	return &WorkflowInstance{
		ID:           "inst-123",
		DefinitionID: "wf-test",
		Version:      "v1",
		State:        StateRunning,
	}
}

//
// NoopObserver
//

func TestNoopObserver_DoesNotPanic(t *testing.T) {
	ctx := context.Background()
	inst := newTestInstance()
	var o Observer = NoopObserver{}

	o.OnInstanceCreated(ctx, inst)
	o.OnStateChanged(ctx, inst, StatePending, StateRunning)
	o.OnStepStart(ctx, inst, Step{ID: "s1"})
	o.OnStepCompleted(ctx, inst, StepResult{StepID: "s1", Success: true})
	o.OnApprovalRequested(ctx, inst, &ApprovalRequest{ID: "a1"})
}

//
// CompositeObserver
//

func TestNewCompositeObserver_EmptyReturnsNoop(t *testing.T) {
	o := NewCompositeObserver()
	if _, ok := o.(NoopObserver); !ok {
		t.Fatalf("expected NewCompositeObserver() to return NoopObserver, got %T", o)
	}
}

func TestNewCompositeObserver_SingleReturnsThatObserver(t *testing.T) {
	single := &testObserver{}
	o := NewCompositeObserver(single, nil)

	if got, ok := o.(*testObserver); !ok || got != single {
		t.Fatalf("expected the single non-nil observer to be returned, got %T (%p)", o, o)
	}
}

func TestCompositeObserver_ForwardsAllEvents(t *testing.T) {
	ctx := context.Background()
	inst := newTestInstance()

	o1 := &testObserver{}
	o2 := &testObserver{}
	co, ok := NewCompositeObserver(o1, o2).(*CompositeObserver)
	if !ok {
		t.Fatalf("expected *CompositeObserver")
	}

	req := &ApprovalRequest{ID: "a1", StepID: "s1"}
	co.OnInstanceCreated(ctx, inst)
	co.OnStateChanged(ctx, inst, StatePending, StateRunning)
	co.OnStepStart(ctx, inst, Step{ID: "s1", UnitID: "u"})
	co.OnStepCompleted(ctx, inst, StepResult{StepID: "s1", Duration: 2 * time.Second})
	co.OnApprovalRequested(ctx, inst, req)

	for i, o := range []*testObserver{o1, o2} {
		if o.created != 1 || len(o.transitions) != 1 || o.stepStarts != 1 || o.stepCompletes != 1 || o.approvals != 1 {
			t.Fatalf("observer %d did not receive all calls: %+v", i+1, o)
		}
		if o.transitions[0] != StateRunning {
			t.Fatalf("observer %d transition mismatch: %v", i+1, o.transitions)
		}
		if o.lastStep.ID != "s1" || o.lastResult.Duration != 2*time.Second || o.lastReq != req {
			t.Fatalf("observer %d payload mismatch", i+1)
		}
	}
}

//
// LoggingObserver
//

func TestNewLoggingObserver_NilLoggerUsesDefault(t *testing.T) {
	o := NewLoggingObserver(nil)
	lo, ok := o.(*LoggingObserver)
	if !ok {
		t.Fatalf("expected *LoggingObserver, got %T", o)
	}
	if lo.Logger == nil {
		t.Fatalf("expected non-nil Logger when created with nil")
	}
}

func TestLoggingObserver_OnInstanceCreated_EmitsInfoLog(t *testing.T) {
	ctx := context.Background()
	inst := newTestInstance()

	h := &recordingHandler{}
	o := NewLoggingObserver(slog.New(h))

	o.OnInstanceCreated(ctx, inst)

	if len(h.records) != 1 {
		t.Fatalf("expected 1 log record, got %d", len(h.records))
	}
	rec := h.records[0]
	if rec.Level != slog.LevelInfo {
		t.Fatalf("expected LevelInfo, got %v", rec.Level)
	}
	if rec.Message != "instance_created" {
		t.Fatalf("expected message instance_created, got %q", rec.Message)
	}
	attrs := attrsToMap(rec)
	if attrs["workflow"] != inst.DefinitionID {
		t.Fatalf("expected workflow=%q, got %v", inst.DefinitionID, attrs["workflow"])
	}
	if attrs["instance_id"] != inst.ID {
		t.Fatalf("expected instance_id=%q, got %v", inst.ID, attrs["instance_id"])
	}
}

func TestLoggingObserver_StateChangedToFailedLogsError(t *testing.T) {
	h := &recordingHandler{}
	o := NewLoggingObserver(slog.New(h))
	inst := newTestInstance()
	inst.Error = "boom"

	o.OnStateChanged(context.Background(), inst, StateRunning, StateFailed)

	if len(h.records) != 1 || h.records[0].Level != slog.LevelError {
		t.Fatalf("expected one error record, got %+v", h.records)
	}
	attrs := attrsToMap(h.records[0])
	if attrs["to"] != "FAILED" || attrs["error"] != "boom" {
		t.Fatalf("unexpected attrs %v", attrs)
	}
}

func TestLoggingObserver_OnStepCompleted_LevelDependsOnError(t *testing.T) {
	ctx := context.Background()
	inst := newTestInstance()

	h := &recordingHandler{}
	o := NewLoggingObserver(slog.New(h))

	o.OnStepCompleted(ctx, inst, StepResult{StepID: "step-ok", Success: true, Duration: time.Second})
	o.OnStepCompleted(ctx, inst, StepResult{
		StepID: "step-fail",
		Error:  Recoverable(CodeTimeout, "slow"),
	})

	if len(h.records) != 2 {
		t.Fatalf("expected 2 log records, got %d", len(h.records))
	}
	if h.records[0].Level != slog.LevelDebug {
		t.Fatalf("expected success record LevelDebug, got %v", h.records[0].Level)
	}
	if h.records[1].Level != slog.LevelWarn {
		t.Fatalf("expected failure record LevelWarn, got %v", h.records[1].Level)
	}

	attrs := attrsToMap(h.records[1])
	if attrs["step"] != "step-fail" {
		t.Fatalf("expected step=step-fail, got %v", attrs["step"])
	}
	if attrs["code"] != CodeTimeout || attrs["recoverable"] != true {
		t.Fatalf("expected error attributes on failure record, got %v", attrs)
	}
}

//
// BasicMetrics
//

func TestBasicMetrics_InstanceCountersAndSnapshot(t *testing.T) {
	var m BasicMetrics
	ctx := context.Background()
	inst := newTestInstance()

	m.OnInstanceCreated(ctx, inst)
	m.OnInstanceCreated(ctx, inst)
	m.OnInstanceCreated(ctx, inst)
	m.OnStateChanged(ctx, inst, StatePending, StateRunning)
	m.OnStateChanged(ctx, inst, StateRunning, StateCompleted)
	m.OnStateChanged(ctx, inst, StateRunning, StateFailed)
	m.OnStateChanged(ctx, inst, StatePending, StateCancelled)
	m.OnApprovalRequested(ctx, inst, &ApprovalRequest{})

	snap := m.Snapshot()
	if snap.InstancesCreated != 3 {
		t.Fatalf("InstancesCreated=%d, want 3", snap.InstancesCreated)
	}
	if snap.InstancesCompleted != 1 || snap.InstancesFailed != 1 || snap.InstancesCancelled != 1 {
		t.Fatalf("unexpected terminal counters: %+v", snap)
	}
	if snap.ApprovalsRequested != 1 {
		t.Fatalf("ApprovalsRequested=%d, want 1", snap.ApprovalsRequested)
	}
	if snap.StepsCompleted != 0 || snap.AvgStepDuration != 0 {
		t.Fatalf("expected no step metrics, got %+v", snap)
	}
}

func TestBasicMetrics_OnStepCompleted_SuccessOnlyCountsDuration(t *testing.T) {
	var m BasicMetrics
	ctx := context.Background()
	inst := newTestInstance()

	m.OnStepCompleted(ctx, inst, StepResult{Success: true, Duration: time.Second})
	m.OnStepCompleted(ctx, inst, StepResult{Success: true, Duration: 3 * time.Second})
	m.OnStepCompleted(ctx, inst, StepResult{Success: false, Duration: 10 * time.Second})

	snap := m.Snapshot()
	if snap.StepsCompleted != 2 || snap.StepsFailed != 1 {
		t.Fatalf("steps=%d failed=%d, want 2 and 1", snap.StepsCompleted, snap.StepsFailed)
	}
	if want := 2 * time.Second; snap.AvgStepDuration != want {
		t.Fatalf("AvgStepDuration=%v, want %v", snap.AvgStepDuration, want)
	}
}
