// Package flags holds feature flags as an explicitly constructed value that
// is handed to the components that need it.
package flags

import (
	"sort"
	"sync"
)

// Known flags.
const (
	// NotifyFailures sends a notification when a workflow instance fails or
	// asks for approval.
	NotifyFailures = "workflow.notify_failures"

	// AutoApproveSmall lets supervisors approve subordinate requests whose
	// payload is below the approval policy threshold without asking upward.
	AutoApproveSmall = "approval.auto_approve_small"

	// SourceFallback enables the source-channel routing rule.
	SourceFallback = "routing.source_fallback"
)

// Defaults returns the default value of every known flag.
func Defaults() map[string]bool {
	return map[string]bool{
		NotifyFailures:   true,
		AutoApproveSmall: false,
		SourceFallback:   true,
	}
}

// Set is a concurrency-safe flag set with defaults and overrides.
// The zero value is not usable; construct with New.
type Set struct {
	mu        sync.RWMutex
	defaults  map[string]bool
	overrides map[string]bool
}

// New returns a Set seeded with Defaults plus any extra defaults.
func New(extra map[string]bool) *Set {
	d := Defaults()
	for k, v := range extra {
		d[k] = v
	}
	return &Set{defaults: d, overrides: make(map[string]bool)}
}

// Enabled reports the effective value of name. Unknown flags are off.
// A nil Set reports the built-in defaults.
func (s *Set) Enabled(name string) bool {
	if s == nil {
		return Defaults()[name]
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if v, ok := s.overrides[name]; ok {
		return v
	}
	return s.defaults[name]
}

// Override forces name to v until cleared.
func (s *Set) Override(name string, v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.overrides[name] = v
}

// Clear removes the override for name.
func (s *Set) Clear(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.overrides, name)
}

// ClearAll removes every override.
func (s *Set) ClearAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.overrides = make(map[string]bool)
}

// Replace atomically swaps all overrides for the given map. It is used when
// configuration is reloaded.
func (s *Set) Replace(overrides map[string]bool) {
	next := make(map[string]bool, len(overrides))
	for k, v := range overrides {
		next[k] = v
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.overrides = next
}

// Snapshot returns the effective value of every known or overridden flag.
func (s *Set) Snapshot() map[string]bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]bool, len(s.defaults)+len(s.overrides))
	for k, v := range s.defaults {
		out[k] = v
	}
	for k, v := range s.overrides {
		out[k] = v
	}
	return out
}

// Names returns the sorted names in Snapshot.
func (s *Set) Names() []string {
	snap := s.Snapshot()
	names := make([]string, 0, len(snap))
	for k := range snap {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
