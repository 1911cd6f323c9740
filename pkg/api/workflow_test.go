package api

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition_Table(t *testing.T) {
	allowed := []struct{ from, to State }{
		{StatePending, StateRunning},
		{StatePending, StateCancelled},
		{StateRunning, StatePaused},
		{StateRunning, StateWaitingApproval},
		{StateRunning, StateCompleted},
		{StateRunning, StateFailed},
		{StateRunning, StateCancelled},
		{StatePaused, StateRunning},
		{StatePaused, StateCancelled},
		{StateWaitingApproval, StateRunning},
		{StateWaitingApproval, StateCancelled},
		{StateFailed, StateRunning},
	}
	for _, tc := range allowed {
		assert.Truef(t, CanTransition(tc.from, tc.to), "%s -> %s should be allowed", tc.from, tc.to)
	}

	denied := []struct{ from, to State }{
		{StatePending, StateCompleted},
		{StatePaused, StateCompleted},
		{StateWaitingApproval, StatePaused},
		{StateFailed, StateCancelled},
		{StateCompleted, StateRunning},
		{StateCancelled, StateRunning},
		{StateRunning, StateRunning},
	}
	for _, tc := range denied {
		assert.Falsef(t, CanTransition(tc.from, tc.to), "%s -> %s should be denied", tc.from, tc.to)
	}

	assert.True(t, StateCompleted.Terminal())
	assert.True(t, StateCancelled.Terminal())
	assert.False(t, StateFailed.Terminal())
}

func TestBackoffDelay_Doubles(t *testing.T) {
	base := 1000 * time.Millisecond
	assert.Equal(t, 1000*time.Millisecond, BackoffDelay(base, 0))
	assert.Equal(t, 2000*time.Millisecond, BackoffDelay(base, 1))
	assert.Equal(t, 4000*time.Millisecond, BackoffDelay(base, 2))
	assert.Equal(t, base, BackoffDelay(base, -3))
}

func TestCondition_Match(t *testing.T) {
	out := map[string]any{
		"amount":  600000,
		"status":  "paid",
		"flagged": true,
		"ratio":   "0.5",
	}

	cases := []struct {
		name string
		c    Condition
		want bool
	}{
		{"eq string", Condition{Field: "status", Op: OpEq, Value: "paid"}, true},
		{"eq numeric across types", Condition{Field: "amount", Op: OpEq, Value: 600000.0}, true},
		{"ne missing", Condition{Field: "nope", Op: OpNe, Value: 1}, true},
		{"gte", Condition{Field: "amount", Op: OpGte, Value: 500000}, true},
		{"lt false", Condition{Field: "amount", Op: OpLt, Value: 500000}, false},
		{"numeric string", Condition{Field: "ratio", Op: OpGt, Value: 0.25}, true},
		{"exists", Condition{Field: "flagged", Op: OpExists}, true},
		{"truthy", Condition{Field: "flagged", Op: OpTruthy}, true},
		{"truthy missing", Condition{Field: "nope", Op: OpTruthy}, false},
		{"gt missing", Condition{Field: "nope", Op: OpGt, Value: 1}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.c.Match(out))
		})
	}
}

func TestStep_NextPrefersConditionalThenDefault(t *testing.T) {
	s := Step{
		ID: "check",
		Transitions: []Transition{
			{Target: "fallback", IsDefault: true},
			{Condition: &Condition{Field: "amount", Op: OpGte, Value: 500000}, Target: "review"},
		},
	}

	next, ok := s.Next(map[string]any{"amount": 700000})
	require.True(t, ok)
	assert.Equal(t, "review", next)

	next, ok = s.Next(map[string]any{"amount": 10})
	require.True(t, ok)
	assert.Equal(t, "fallback", next)

	_, ok = Step{ID: "last"}.Next(nil)
	assert.False(t, ok)
}

func TestWorkflowDefinition_Gates(t *testing.T) {
	def := WorkflowDefinition{ApprovalThreshold: ApprovalHigh}
	assert.False(t, def.Gates(ApprovalNone))
	assert.False(t, def.Gates(ApprovalMedium))
	assert.True(t, def.Gates(ApprovalHigh))
	assert.True(t, def.Gates(ApprovalCritical))

	open := WorkflowDefinition{}
	assert.False(t, open.Gates(ApprovalNone))
	assert.True(t, open.Gates(ApprovalLow))
}

func TestWorkflowInstance_CloneIsDeep(t *testing.T) {
	inst := &WorkflowInstance{
		ID:          "i1",
		Input:       map[string]any{"nested": map[string]any{"k": "v"}},
		RetryCounts: map[string]int{"s1": 1},
		StepHistory: []StepResult{{StepID: "s1", Output: map[string]any{"x": 1}, Error: Fatal(CodeUnknown, "x")}},
	}
	c := inst.Clone()
	c.Input["nested"].(map[string]any)["k"] = "changed"
	c.RetryCounts["s1"] = 5
	c.StepHistory[0].Output["x"] = 2
	c.StepHistory[0].Error.Message = "y"

	assert.Equal(t, "v", inst.Input["nested"].(map[string]any)["k"])
	assert.Equal(t, 1, inst.RetryCounts["s1"])
	assert.Equal(t, 1, inst.StepHistory[0].Output["x"])
	assert.Equal(t, "x", inst.StepHistory[0].Error.Message)
}

func TestWorkflowInstance_ActiveTimeExcludesSuspension(t *testing.T) {
	now := time.Date(2025, 2, 1, 9, 0, 0, 0, time.UTC)
	inst := &WorkflowInstance{State: StateRunning, Elapsed: 2 * time.Second, ActiveSince: now}
	assert.Equal(t, 5*time.Second, inst.ActiveTime(now.Add(3*time.Second)))

	inst.State = StatePaused
	assert.Equal(t, 2*time.Second, inst.ActiveTime(now.Add(time.Hour)))
}
