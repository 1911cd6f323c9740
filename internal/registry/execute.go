package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/inkyojay/sundayhug-ai-workspace-sub000/pkg/api"
)

type execOptions struct {
	caller  string
	timeout time.Duration
}

// ExecOption configures a single Execute call.
type ExecOption func(*execOptions)

// WithCaller records the invoking unit on the execution record.
func WithCaller(unitID string) ExecOption {
	return func(o *execOptions) { o.caller = unitID }
}

// WithTimeout bounds the invocation, overriding the unit's own timeout.
// Zero keeps the unit timeout.
func WithTimeout(d time.Duration) ExecOption {
	return func(o *execOptions) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// Execute invokes the unit registered under id and records the outcome.
//
// The unit runs on its own goroutine and races the timeout and ctx. When
// either fires first the invocation is abandoned, its eventual result is
// discarded, and a TIMEOUT (recoverable) or CANCELLED (fatal) failure is
// recorded. Panics become fatal PANIC failures.
func (r *Registry) Execute(ctx context.Context, id string, input map[string]any, opts ...ExecOption) (api.ExecutionRecord, error) {
	e, err := r.lookup(id)
	if err != nil {
		return api.ExecutionRecord{}, err
	}
	cfg := e.unit.Config()
	if !cfg.Enabled || e.unit.Status() == api.UnitDisabled {
		return api.ExecutionRecord{}, &api.NotFoundError{Kind: "enabled unit", ID: id}
	}

	o := execOptions{timeout: cfg.Timeout}
	for _, opt := range opts {
		opt(&o)
	}

	start := r.now()
	res := r.invoke(ctx, e.unit, input, o.timeout)

	rec := api.ExecutionRecord{
		ExecutionID:  uuid.NewString(),
		UnitID:       id,
		StartedAt:    start,
		CallerUnitID: o.caller,
		Input:        api.CloneMap(input),
		Result:       res,
		Duration:     r.now().Sub(start),
	}

	e.mu.Lock()
	e.history = append(e.history, rec)
	if res.Success {
		e.successes++
	} else {
		e.failures++
	}
	e.mu.Unlock()

	if r.sink != nil {
		if err := r.sink.AppendRecord(ctx, rec); err != nil {
			r.logger.WarnContext(ctx, "execution record sink failed",
				slog.String("unit", id),
				slog.String("execution_id", rec.ExecutionID),
				slog.Any("error", err),
			)
		}
	}
	if !res.Success {
		r.logger.DebugContext(ctx, "unit execution failed",
			slog.String("unit", id),
			slog.String("code", res.Error.Code),
			slog.Bool("recoverable", res.Error.Recoverable),
		)
	}
	return rec, nil
}

func (r *Registry) invoke(ctx context.Context, u api.Unit, input map[string]any, timeout time.Duration) api.Result {
	runCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	// Buffered so an abandoned invocation can still deliver and exit.
	done := make(chan api.Result, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- api.Result{Error: api.Fatal(api.CodePanic, fmt.Sprint(p))}
			}
		}()
		done <- u.Execute(runCtx, api.CloneMap(input))
	}()

	select {
	case res := <-done:
		return normalize(res)
	case <-runCtx.Done():
		// A result may have raced the deadline; prefer it.
		select {
		case res := <-done:
			return normalize(res)
		default:
		}
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return api.Result{Error: api.Recoverable(api.CodeTimeout, fmt.Sprintf("unit %s timed out after %s", u.ID(), timeout))}
		}
		return api.Result{Error: api.Fatal(api.CodeCancelled, runCtx.Err().Error())}
	}
}

func normalize(res api.Result) api.Result {
	if res.Success {
		res.Error = nil
		return res
	}
	if res.Error == nil {
		res.Error = api.Fatal(api.CodeUnknown, "unit reported failure without error")
	}
	return res
}
