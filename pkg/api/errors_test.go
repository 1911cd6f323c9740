package api

import (
	"context"
	"errors"
	"fmt"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTypedErrorsMatchSentinels(t *testing.T) {
	nf := fmt.Errorf("lookup: %w", NewNotFound("unit", "order"))
	assert.ErrorIs(t, nf, ErrNotFound)

	var typed *NotFoundError
	require.ErrorAs(t, nf, &typed)
	assert.Equal(t, "order", typed.ID)

	assert.ErrorIs(t, &ValidationError{DefinitionID: "wf", Reason: "cycle"}, ErrValidation)
	assert.ErrorIs(t, &TransitionError{From: StateCompleted, To: StateRunning}, ErrInvalidTransition)
	assert.NotErrorIs(t, &ValidationError{}, ErrNotFound)
}

func TestClassifyError(t *testing.T) {
	cases := []struct {
		name        string
		err         error
		code        string
		recoverable bool
	}{
		{"deadline", context.DeadlineExceeded, CodeTimeout, true},
		{"timeout sentinel", fmt.Errorf("step: %w", ErrTimeout), CodeTimeout, true},
		{"cancelled", context.Canceled, CodeCancelled, false},
		{"conn reset", fmt.Errorf("read: %w", syscall.ECONNRESET), CodeNetwork, true},
		{"rate limited", errors.New("HTTP 429 Too Many Requests"), CodeRateLimited, true},
		{"upstream", errors.New("upstream returned 503"), CodeUpstream, true},
		{"unauthorized", errors.New("401 unauthorized"), CodeUnauthorized, false},
		{"validation", &ValidationError{Reason: "bad"}, CodeValidation, false},
		{"other", errors.New("bad input"), CodeUnknown, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e := ClassifyError(tc.err)
			require.NotNil(t, e)
			assert.Equal(t, tc.code, e.Code)
			assert.Equal(t, tc.recoverable, e.Recoverable)
		})
	}

	orig := Recoverable("CUSTOM", "x")
	assert.Same(t, orig, ClassifyError(fmt.Errorf("wrap: %w", orig)))
	assert.Nil(t, ClassifyError(nil))
}

func TestResultErr(t *testing.T) {
	assert.NoError(t, OK(nil).Err())

	err := Fail(CodeNetwork, "down", true).Err()
	require.Error(t, err)
	assert.True(t, IsRecoverable(err))

	assert.Error(t, Result{}.Err())
}

func TestApprovalLevelAndTierText(t *testing.T) {
	var l ApprovalLevel
	require.NoError(t, l.UnmarshalText([]byte("high")))
	assert.Equal(t, ApprovalHigh, l)
	_, err := ParseApprovalLevel("urgent")
	assert.Error(t, err)

	var tier PriorityTier
	require.NoError(t, tier.UnmarshalText([]byte("P1")))
	assert.Equal(t, P1Urgent, tier)
	assert.Equal(t, "P2_HIGH", P2High.String())
	assert.True(t, P0Critical.Higher(P3Normal))
	assert.Equal(t, P1Urgent, PriorityForLevel(ApprovalHigh))
}

func TestWorkItemText(t *testing.T) {
	assert.Equal(t, "direct", WorkItem{Content: "direct", Payload: map[string]any{"message": "x"}}.Text())
	assert.Equal(t, "msg", WorkItem{Payload: map[string]any{"message": "msg", "body": "b"}}.Text())
	assert.Equal(t, "", WorkItem{Payload: map[string]any{"content": 7}}.Text())
}
