package registry

import "github.com/inkyojay/sundayhug-ai-workspace-sub000/pkg/api"

// Statistics aggregates registry-wide counters.
type Statistics struct {
	TotalUnits      int                    `json:"total_units"`
	TotalExecutions int                    `json:"total_executions"`
	Successes       int                    `json:"successes"`
	Failures        int                    `json:"failures"`
	ByStatus        map[api.UnitStatus]int `json:"by_status"`
	ByKind          map[api.UnitKind]int   `json:"by_kind"`
}

// UnitHealth names an unhealthy unit.
type UnitHealth struct {
	ID     string         `json:"id"`
	Status api.UnitStatus `json:"status"`
}

// Health is the result of HealthCheck.
type Health struct {
	Healthy   bool         `json:"healthy"`
	Unhealthy []UnitHealth `json:"unhealthy,omitempty"`
}

// Statistics returns a point-in-time snapshot. It has no side effects.
func (r *Registry) Statistics() Statistics {
	r.mu.RLock()
	defer r.mu.RUnlock()

	st := Statistics{
		TotalUnits: len(r.entries),
		ByStatus:   make(map[api.UnitStatus]int),
		ByKind:     make(map[api.UnitKind]int),
	}
	for _, e := range r.entries {
		st.ByStatus[e.unit.Status()]++
		st.ByKind[e.kind]++

		e.mu.Lock()
		st.TotalExecutions += len(e.history)
		st.Successes += e.successes
		st.Failures += e.failures
		e.mu.Unlock()
	}
	return st
}

// HealthCheck reports units in the error or stopped state.
func (r *Registry) HealthCheck() Health {
	var bad []UnitHealth
	for _, id := range r.IDs() {
		u, err := r.Get(id)
		if err != nil {
			continue
		}
		if s := u.Status(); s.Unhealthy() {
			bad = append(bad, UnitHealth{ID: id, Status: s})
		}
	}
	return Health{Healthy: len(bad) == 0, Unhealthy: bad}
}
