package taskqueue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTask_Due(t *testing.T) {
	now := time.Now()
	assert.True(t, Task{}.Due(now))
	assert.True(t, Task{NotBefore: now}.Due(now))
	assert.False(t, Task{NotBefore: now.Add(time.Second)}.Due(now))
}

func TestRedisMember_KeepsResumeFields(t *testing.T) {
	at := time.UnixMilli(1740787200123)
	data, err := encodeMember(Task{
		ID:         "task-1",
		Type:       TaskTypeResumeStep,
		InstanceID: "inst-7",
		Token:      "tok-7",
		Attempts:   2,
		EnqueuedAt: at,
		NotBefore:  at.Add(30 * time.Second),
	})
	require.NoError(t, err)
	assert.Contains(t, string(data), `"type":"resume-step"`)

	back, err := decodeMember(string(data))
	require.NoError(t, err)
	assert.Equal(t, "inst-7", back.InstanceID)
	assert.Equal(t, "tok-7", back.Token)
	assert.Equal(t, 2, back.Attempts)
	assert.True(t, back.EnqueuedAt.Equal(at))
	assert.False(t, back.Due(at.Add(29*time.Second)))
	assert.True(t, back.Due(at.Add(30*time.Second)))
}

func TestRedisMember_RejectsMalformed(t *testing.T) {
	for _, raw := range []string{"not json", `{"id":"x"}`, `{"type":"tick"}`} {
		_, err := decodeMember(raw)
		assert.ErrorIs(t, err, ErrMalformedTask, raw)
	}
}
