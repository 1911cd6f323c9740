package sundayhug

import (
	"time"

	"github.com/inkyojay/sundayhug-ai-workspace-sub000/pkg/api"
)

// RetryBuilder provides a fluent way to construct RetryPolicy values
// for use with FlowBuilder.WithRetry.
type RetryBuilder struct {
	policy RetryPolicy
}

// Retry creates a RetryBuilder allowing maxRetries retries after the first
// attempt. maxRetries < 0 is treated as 0.
func Retry(maxRetries int) RetryBuilder {
	if maxRetries < 0 {
		maxRetries = 0
	}
	return RetryBuilder{policy: RetryPolicy{MaxRetries: maxRetries}}
}

// WithBaseDelay sets the delay before the first retry. Each further retry
// doubles it. Zero falls back to the unit's retry delay, then to the
// engine default.
//
// Example:
//
//	Retry(3).WithBaseDelay(time.Second) // waits 1s, 2s, 4s
func (r RetryBuilder) WithBaseDelay(d time.Duration) RetryBuilder {
	p := r.policy
	if d < 0 {
		d = 0
	}
	p.BaseDelay = d
	return RetryBuilder{policy: p}
}

// Delays returns the wait before each retry when the base delay is set.
func (r RetryBuilder) Delays() []time.Duration {
	out := make([]time.Duration, r.policy.MaxRetries)
	for i := range out {
		out[i] = api.BackoffDelay(r.policy.BaseDelay, i)
	}
	return out
}

// Policy returns the underlying RetryPolicy.
func (r RetryBuilder) Policy() RetryPolicy {
	return r.policy
}
