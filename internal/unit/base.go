// Package unit provides the building blocks for units: an embeddable
// lifecycle holder, a function adapter, and the subordinate protocol that
// lets a parent spawn and supervise children.
package unit

import (
	"context"
	"fmt"
	"sync"

	"github.com/inkyojay/sundayhug-ai-workspace-sub000/pkg/api"
)

// ExecFunc is the body of a unit execution.
type ExecFunc func(ctx context.Context, input map[string]any) api.Result

// Base holds a unit's configuration and lifecycle status. Embed a *Base to
// get ID, Config, Status and the Lifecycle methods. Base is safe for
// concurrent use.
type Base struct {
	mu       sync.RWMutex
	cfg      api.UnitConfig
	status   api.UnitStatus
	inflight int
	lastErr  *api.ExecError
}

// NewBase returns a Base in the idle state, or disabled when cfg.Enabled is
// false.
func NewBase(cfg api.UnitConfig) *Base {
	b := &Base{cfg: cfg, status: api.UnitIdle}
	if !cfg.Enabled {
		b.status = api.UnitDisabled
	}
	return b
}

func (b *Base) ID() string { return b.cfg.ID }

// Config returns a copy of the configuration. Enabled reflects the current
// lifecycle state.
func (b *Base) Config() api.UnitConfig {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.cfg
}

func (b *Base) Status() api.UnitStatus {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.status
}

// LastError returns the most recent failure, if any.
func (b *Base) LastError() *api.ExecError {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastErr
}

// Enable makes the unit accept work again. A stopped unit is restarted.
func (b *Base) Enable() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cfg.Enabled = true
	b.status = b.settledStatus()
}

func (b *Base) Disable() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cfg.Enabled = false
	b.status = api.UnitDisabled
}

// Pause makes the unit reject work with a recoverable error until resumed.
func (b *Base) Pause() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.status == api.UnitStopped || b.status == api.UnitDisabled {
		return
	}
	b.status = api.UnitPaused
}

func (b *Base) Resume() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.status != api.UnitPaused {
		return
	}
	b.status = b.settledStatus()
}

// Stop makes the unit reject work until Enable is called.
func (b *Base) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.status = api.UnitStopped
}

// MarkError records a failure outside of Run and moves the unit to the
// error state.
func (b *Base) MarkError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastErr = api.ClassifyError(err)
	if b.status == api.UnitIdle || b.status == api.UnitRunning {
		b.status = api.UnitError
	}
}

// Accepting reports whether Run would invoke its body.
func (b *Base) Accepting() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.cfg.Enabled && b.status != api.UnitPaused && b.status != api.UnitStopped && b.status != api.UnitDisabled
}

// must hold b.mu
func (b *Base) settledStatus() api.UnitStatus {
	switch {
	case b.inflight > 0:
		return api.UnitRunning
	case b.lastErr != nil:
		return api.UnitError
	default:
		return api.UnitIdle
	}
}

// Run executes fn under the lifecycle rules. A disabled or stopped unit
// fails with a fatal UNIT_UNAVAILABLE, a paused one with a recoverable
// UNIT_PAUSED. Panics in fn become fatal PANIC results.
func (b *Base) Run(ctx context.Context, input map[string]any, fn ExecFunc) (res api.Result) {
	b.mu.Lock()
	switch {
	case !b.cfg.Enabled || b.status == api.UnitDisabled || b.status == api.UnitStopped:
		status := b.status
		b.mu.Unlock()
		return api.Fail(api.CodeUnavailable, fmt.Sprintf("unit %s is %s", b.cfg.ID, status), false)
	case b.status == api.UnitPaused:
		b.mu.Unlock()
		return api.Fail(api.CodePaused, fmt.Sprintf("unit %s is paused", b.cfg.ID), true)
	}
	b.inflight++
	b.status = api.UnitRunning
	b.mu.Unlock()

	defer func() {
		if p := recover(); p != nil {
			res = api.Result{Error: api.Fatal(api.CodePanic, fmt.Sprint(p))}
		}
		b.finish(res)
	}()

	if err := ctx.Err(); err != nil {
		return api.FailWith(err)
	}
	return fn(ctx, input)
}

func (b *Base) finish(res api.Result) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.inflight--
	if res.Success {
		b.lastErr = nil
	} else {
		b.lastErr = res.Error
		if b.lastErr == nil {
			b.lastErr = api.Fatal(api.CodeUnknown, "unit reported failure without error")
		}
	}
	// Lifecycle changes made while running take precedence.
	if b.status == api.UnitRunning {
		b.status = b.settledStatus()
	}
}

// Func is a Unit backed by a function.
type Func struct {
	*Base
	fn ExecFunc
}

// NewFunc turns fn into a Unit.
func NewFunc(cfg api.UnitConfig, fn ExecFunc) *Func {
	return &Func{Base: NewBase(cfg), fn: fn}
}

func (f *Func) Execute(ctx context.Context, input map[string]any) api.Result {
	return f.Run(ctx, input, f.fn)
}
