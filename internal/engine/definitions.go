package engine

import (
	"fmt"
	"sort"
	"sync"

	"github.com/inkyojay/sundayhug-ai-workspace-sub000/pkg/api"
)

// DefaultVersion is assigned to definitions registered without a version.
const DefaultVersion = "v1"

// definitions holds registered workflow definitions keyed by id, then
// version. Registration order is kept so Start can pick the latest version.
type definitions struct {
	mu    sync.RWMutex
	byID  map[string]map[string]api.WorkflowDefinition
	order map[string][]string
}

func newDefinitions() *definitions {
	return &definitions{
		byID:  make(map[string]map[string]api.WorkflowDefinition),
		order: make(map[string][]string),
	}
}

func (r *definitions) register(def api.WorkflowDefinition) (api.WorkflowDefinition, error) {
	if def.Version == "" {
		def.Version = DefaultVersion
	}
	if err := Validate(def); err != nil {
		return api.WorkflowDefinition{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	versions := r.byID[def.ID]
	if versions == nil {
		versions = make(map[string]api.WorkflowDefinition)
		r.byID[def.ID] = versions
	}
	if _, exists := versions[def.Version]; exists {
		return api.WorkflowDefinition{}, fmt.Errorf("workflow %q version %q: %w", def.ID, def.Version, api.ErrAlreadyRegistered)
	}
	versions[def.Version] = copyDefinition(def)
	r.order[def.ID] = append(r.order[def.ID], def.Version)
	return def, nil
}

// get returns a definition. An empty version selects the most recently
// registered one.
func (r *definitions) get(id, version string) (api.WorkflowDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	versions := r.byID[id]
	if versions == nil {
		return api.WorkflowDefinition{}, api.NewNotFound("workflow", id)
	}
	if version == "" {
		order := r.order[id]
		version = order[len(order)-1]
	}
	def, ok := versions[version]
	if !ok {
		return api.WorkflowDefinition{}, api.NewNotFound("workflow version", id+"@"+version)
	}
	return def, nil
}

func (r *definitions) versions(id string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order[id]...)
}

func (r *definitions) list() []api.WorkflowDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []api.WorkflowDefinition
	for id, versions := range r.byID {
		for _, v := range r.order[id] {
			out = append(out, versions[v])
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// copyDefinition detaches the step and transition slices so callers
// cannot mutate a registered definition.
func copyDefinition(def api.WorkflowDefinition) api.WorkflowDefinition {
	steps := make([]api.Step, len(def.Steps))
	for i, s := range def.Steps {
		s.Transitions = append([]api.Transition(nil), s.Transitions...)
		steps[i] = s
	}
	def.Steps = steps
	return def
}
