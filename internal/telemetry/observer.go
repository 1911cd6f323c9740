// Package telemetry exports engine activity as OpenTelemetry metrics.
package telemetry

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/inkyojay/sundayhug-ai-workspace-sub000/pkg/api"
)

// ScopeName is the instrumentation scope of every instrument.
const ScopeName = "github.com/inkyojay/sundayhug-ai-workspace-sub000"

// Observer is an api.Observer that records OpenTelemetry metrics.
type Observer struct {
	instances   metric.Int64Counter
	transitions metric.Int64Counter
	running     metric.Int64UpDownCounter
	steps       metric.Int64Counter
	stepTime    metric.Float64Histogram
	approvals   metric.Int64Counter
}

var _ api.Observer = (*Observer)(nil)

// NewObserver creates the instruments on meter. A nil meter uses the
// global meter provider.
func NewObserver(meter metric.Meter) (*Observer, error) {
	if meter == nil {
		meter = otel.Meter(ScopeName)
	}
	var errs [6]error
	o := &Observer{}
	o.instances, errs[0] = meter.Int64Counter("sundayhug.workflow.instances",
		metric.WithDescription("Workflow instances created."))
	o.transitions, errs[1] = meter.Int64Counter("sundayhug.workflow.transitions",
		metric.WithDescription("Committed workflow state transitions."))
	o.running, errs[2] = meter.Int64UpDownCounter("sundayhug.workflow.running",
		metric.WithDescription("Workflow instances currently RUNNING."))
	o.steps, errs[3] = meter.Int64Counter("sundayhug.workflow.steps",
		metric.WithDescription("Step attempts by outcome."))
	o.stepTime, errs[4] = meter.Float64Histogram("sundayhug.workflow.step.duration",
		metric.WithDescription("Step attempt duration."),
		metric.WithUnit("s"))
	o.approvals, errs[5] = meter.Int64Counter("sundayhug.approvals.requested",
		metric.WithDescription("Approval requests raised by workflows."))
	if err := errors.Join(errs[:]...); err != nil {
		return nil, err
	}
	return o, nil
}

func (o *Observer) OnInstanceCreated(ctx context.Context, inst *api.WorkflowInstance) {
	o.instances.Add(ctx, 1, metric.WithAttributes(attribute.String("workflow", inst.DefinitionID)))
}

func (o *Observer) OnStateChanged(ctx context.Context, inst *api.WorkflowInstance, from, to api.State) {
	wf := attribute.String("workflow", inst.DefinitionID)
	o.transitions.Add(ctx, 1, metric.WithAttributes(
		wf,
		attribute.String("from", string(from)),
		attribute.String("to", string(to)),
	))
	switch {
	case to == api.StateRunning && from != api.StateRunning:
		o.running.Add(ctx, 1, metric.WithAttributes(wf))
	case from == api.StateRunning && to != api.StateRunning:
		o.running.Add(ctx, -1, metric.WithAttributes(wf))
	}
}

func (o *Observer) OnStepStart(context.Context, *api.WorkflowInstance, api.Step) {}

func (o *Observer) OnStepCompleted(ctx context.Context, inst *api.WorkflowInstance, r api.StepResult) {
	outcome := "success"
	switch {
	case r.Skipped:
		outcome = "skipped"
	case !r.Success:
		outcome = "failure"
	}
	attrs := metric.WithAttributes(
		attribute.String("workflow", inst.DefinitionID),
		attribute.String("step", r.StepID),
		attribute.String("unit", r.UnitID),
		attribute.String("outcome", outcome),
	)
	o.steps.Add(ctx, 1, attrs)
	if !r.Skipped {
		o.stepTime.Record(ctx, r.Duration.Seconds(), attrs)
	}
}

func (o *Observer) OnApprovalRequested(ctx context.Context, inst *api.WorkflowInstance, req *api.ApprovalRequest) {
	o.approvals.Add(ctx, 1, metric.WithAttributes(
		attribute.String("workflow", inst.DefinitionID),
		attribute.String("level", req.Level.String()),
	))
}
