// Package routing decides which unit receives an incoming work item.
//
// Rules are evaluated in a fixed order and the first match wins: safety
// keywords, entity patterns, keyword rules by priority, source channel, and
// finally the default unit. Routing is pure given its table.
package routing

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/inkyojay/sundayhug-ai-workspace-sub000/internal/flags"
	"github.com/inkyojay/sundayhug-ai-workspace-sub000/pkg/api"
)

// Confidence assigned per rule.
const (
	ConfidenceSafety  = 1.0
	ConfidenceEntity  = 0.95
	ConfidenceKeyword = 0.85
	ConfidenceSource  = 0.7
	ConfidenceDefault = 0.5
)

type compiledEntity struct {
	name   string
	re     *regexp.Regexp
	unitID string
}

type compiledKeywords struct {
	unitID   string
	keywords []string
	priority int
}

// Router routes work items against a compiled Config.
type Router struct {
	cfg      Config
	safety   []string
	entities []compiledEntity
	keywords []compiledKeywords
	flags    *flags.Set
}

// Option configures a Router.
type Option func(*Router)

// WithFlags makes the source-channel rule follow routing.source_fallback.
func WithFlags(s *flags.Set) Option {
	return func(r *Router) { r.flags = s }
}

// New validates cfg and compiles its patterns.
func New(cfg Config, opts ...Option) (*Router, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("routing: %w", err)
	}
	if cfg.AutoResponseThreshold == 0 {
		cfg.AutoResponseThreshold = DefaultAutoResponseThreshold
	}
	if len(cfg.Sources) > 0 {
		sources := make(map[string]string, len(cfg.Sources))
		for src, unit := range cfg.Sources {
			sources[normalizeSource(src)] = unit
		}
		cfg.Sources = sources
	}
	r := &Router{cfg: cfg}
	for _, kw := range cfg.SafetyKeywords {
		if kw = strings.ToLower(strings.TrimSpace(kw)); kw != "" {
			r.safety = append(r.safety, kw)
		}
	}
	for _, e := range cfg.Entities {
		re, err := regexp.Compile("(?i)" + e.Pattern)
		if err != nil {
			return nil, fmt.Errorf("routing: entity %q: %w", e.Name, err)
		}
		r.entities = append(r.entities, compiledEntity{name: e.Name, re: re, unitID: e.UnitID})
	}
	for _, k := range cfg.Keywords {
		ck := compiledKeywords{unitID: k.UnitID, priority: k.Priority}
		for _, kw := range k.Keywords {
			if kw = strings.ToLower(strings.TrimSpace(kw)); kw != "" {
				ck.keywords = append(ck.keywords, kw)
			}
		}
		r.keywords = append(r.keywords, ck)
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

func normalizeSource(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// MustNew is like New but panics on an invalid table.
func MustNew(cfg Config, opts ...Option) *Router {
	r, err := New(cfg, opts...)
	if err != nil {
		panic(err)
	}
	return r
}

// Config returns the routing table.
func (r *Router) Config() Config { return r.cfg }

// Route returns the decision for item. It only fails with api.ErrRouting
// when nothing matched and no default unit is configured.
func (r *Router) Route(item api.WorkItem) (api.RoutingDecision, error) {
	text := item.Text()
	lower := strings.ToLower(text)

	if containsAny(lower, r.safety) {
		return api.RoutingDecision{TargetUnitID: r.cfg.CrisisUnit, Confidence: ConfidenceSafety, Reason: api.ReasonSafety}, nil
	}

	for _, e := range r.entities {
		if len(item.Entities[e.name]) > 0 || e.re.MatchString(text) {
			return api.RoutingDecision{TargetUnitID: e.unitID, Confidence: ConfidenceEntity, Reason: api.ReasonEntity}, nil
		}
	}

	best := -1
	for i, k := range r.keywords {
		if !containsAny(lower, k.keywords) {
			continue
		}
		// Strict less-than keeps declaration order on ties.
		if best < 0 || k.priority < r.keywords[best].priority {
			best = i
		}
	}
	if best >= 0 {
		return api.RoutingDecision{TargetUnitID: r.keywords[best].unitID, Confidence: ConfidenceKeyword, Reason: api.ReasonKeyword}, nil
	}

	if item.Source != "" && r.flags.Enabled(flags.SourceFallback) {
		if unit, ok := r.cfg.Sources[normalizeSource(item.Source)]; ok {
			return api.RoutingDecision{TargetUnitID: unit, Confidence: ConfidenceSource, Reason: api.ReasonSource}, nil
		}
	}

	if r.cfg.DefaultUnit == "" {
		return api.RoutingDecision{}, api.ErrRouting
	}
	return api.RoutingDecision{TargetUnitID: r.cfg.DefaultUnit, Confidence: ConfidenceDefault, Reason: api.ReasonDefault}, nil
}

// ExtractEntities returns every entity match in text keyed by rule name.
func (r *Router) ExtractEntities(text string) map[string][]string {
	out := make(map[string][]string)
	for _, e := range r.entities {
		if m := e.re.FindAllString(text, -1); len(m) > 0 {
			out[e.name] = append(out[e.name], m...)
		}
	}
	return out
}

// CanAutoRespond reports whether d is confident enough to be answered
// without human review.
func (r *Router) CanAutoRespond(d api.RoutingDecision) bool {
	return d.Confidence >= r.cfg.AutoResponseThreshold
}

func containsAny(text string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(text, kw) {
			return true
		}
	}
	return false
}
