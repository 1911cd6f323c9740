package engine

import (
	"fmt"
	"strings"

	"github.com/inkyojay/sundayhug-ai-workspace-sub000/pkg/api"
)

// Validate checks a workflow definition before registration. Every failure
// is reported as a *api.ValidationError.
func Validate(def api.WorkflowDefinition) error {
	invalid := func(format string, args ...any) error {
		return &api.ValidationError{DefinitionID: def.ID, Reason: fmt.Sprintf(format, args...)}
	}

	if def.ID == "" {
		return invalid("id is required")
	}
	if len(def.Steps) == 0 {
		return invalid("at least one step is required")
	}
	if !def.ErrorStrategy.Valid() {
		return invalid("unknown error strategy %q", def.ErrorStrategy)
	}
	if def.GlobalTimeout < 0 {
		return invalid("global timeout must not be negative")
	}

	// Steps live in an arena; edges refer to them by index.
	index := make(map[string]int, len(def.Steps))
	for i, s := range def.Steps {
		if s.ID == "" {
			return invalid("step %d has no id", i)
		}
		if _, dup := index[s.ID]; dup {
			return invalid("duplicate step id %q", s.ID)
		}
		index[s.ID] = i
	}
	if _, ok := index[def.StartStepID]; !ok {
		return invalid("start step %q does not exist", def.StartStepID)
	}

	edges := make([][]int, len(def.Steps))
	for i, s := range def.Steps {
		if s.UnitID == "" {
			return invalid("step %q has no unit", s.ID)
		}
		if s.Timeout < 0 || s.MaxRetries < 0 {
			return invalid("step %q has a negative timeout or retry limit", s.ID)
		}
		if s.ResumeStepID != "" {
			if _, ok := index[s.ResumeStepID]; !ok {
				return invalid("step %q resumes at unknown step %q", s.ID, s.ResumeStepID)
			}
		}
		defaults := 0
		for _, t := range s.Transitions {
			target, ok := index[t.Target]
			if !ok {
				return invalid("step %q transitions to unknown step %q", s.ID, t.Target)
			}
			if t.IsDefault {
				defaults++
			}
			if t.Condition != nil && !t.Condition.Valid() {
				return invalid("step %q has an invalid condition on %q", s.ID, t.Target)
			}
			edges[i] = append(edges[i], target)
		}
		if defaults > 1 {
			return invalid("step %q has %d default transitions", s.ID, defaults)
		}
	}

	if cycle := findCycle(edges); cycle != nil {
		names := make([]string, len(cycle))
		for i, n := range cycle {
			names[i] = def.Steps[n].ID
		}
		return invalid("cycle detected: %s", strings.Join(names, " -> "))
	}
	return nil
}

const (
	unvisited = iota
	onStack
	done
)

// findCycle runs a depth-first search over every node and returns the
// first cycle found as a closed path of node indices, or nil.
func findCycle(edges [][]int) []int {
	state := make([]uint8, len(edges))
	var stack []int

	var visit func(n int) []int
	visit = func(n int) []int {
		state[n] = onStack
		stack = append(stack, n)
		for _, m := range edges[n] {
			switch state[m] {
			case onStack:
				for i, s := range stack {
					if s == m {
						return append(append([]int(nil), stack[i:]...), m)
					}
				}
			case unvisited:
				if c := visit(m); c != nil {
					return c
				}
			}
		}
		stack = stack[:len(stack)-1]
		state[n] = done
		return nil
	}

	for n := range edges {
		if state[n] == unvisited {
			if c := visit(n); c != nil {
				return c
			}
		}
	}
	return nil
}
