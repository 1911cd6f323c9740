// Package priority converts contextual signals into a priority tier.
//
// Tiers are advisory. The engine never reorders work by tier; Sort exists
// for external schedulers and queues.
package priority

import (
	"sort"

	"github.com/inkyojay/sundayhug-ai-workspace-sub000/pkg/api"
)

// Default thresholds.
const (
	DefaultFinancialThreshold = 500000
	DefaultNegativeSentiment  = -0.7
)

// Signals are the inputs to Score.
type Signals struct {
	IsVIP           bool    `json:"is_vip"`
	FinancialImpact float64 `json:"financial_impact"`
	IsRepeatContact bool    `json:"is_repeat_contact"`
	SentimentScore  float64 `json:"sentiment_score"`
	WaitTimeMinutes float64 `json:"wait_time_minutes"`
}

// Config holds the scorer thresholds. Zero values are replaced by defaults.
type Config struct {
	FinancialThreshold float64 `mapstructure:"financial_threshold"`
	NegativeSentiment  float64 `mapstructure:"negative_sentiment"`
}

// DefaultConfig returns the default thresholds.
func DefaultConfig() Config {
	return Config{
		FinancialThreshold: DefaultFinancialThreshold,
		NegativeSentiment:  DefaultNegativeSentiment,
	}
}

// Scorer assigns tiers. It is safe for concurrent use.
type Scorer struct {
	cfg Config
}

// NewScorer returns a Scorer using cfg.
func NewScorer(cfg Config) *Scorer {
	if cfg.FinancialThreshold == 0 {
		cfg.FinancialThreshold = DefaultFinancialThreshold
	}
	if cfg.NegativeSentiment == 0 {
		cfg.NegativeSentiment = DefaultNegativeSentiment
	}
	return &Scorer{cfg: cfg}
}

// Config returns the effective thresholds.
func (s *Scorer) Config() Config { return s.cfg }

// Score returns the tier for sig. The first matching rule wins:
// VIP, financial impact, repeat contact, negative sentiment, otherwise P3.
// P0 is never assigned here.
func (s *Scorer) Score(sig Signals) api.PriorityTier {
	switch {
	case sig.IsVIP:
		return api.P1Urgent
	case sig.FinancialImpact >= s.cfg.FinancialThreshold:
		return api.P1Urgent
	case sig.IsRepeatContact:
		return api.P2High
	case sig.SentimentScore < s.cfg.NegativeSentiment:
		return api.P2High
	default:
		return api.P3Normal
	}
}

// Scored is a work item with its tier.
type Scored struct {
	Item    api.WorkItem     `json:"item"`
	Tier    api.PriorityTier `json:"tier"`
	Signals Signals          `json:"signals"`

	// Declared marks a tier set by an operator rather than the scorer.
	Declared bool `json:"declared,omitempty"`
}

// ScoreItem scores item with sig.
func (s *Scorer) ScoreItem(item api.WorkItem, sig Signals) Scored {
	return Scored{Item: item, Tier: s.Score(sig), Signals: sig}
}

// Declare overrides the tier of a scored item. It is the only way to reach
// P0Critical.
func (sc Scored) Declare(tier api.PriorityTier) Scored {
	sc.Tier = tier
	sc.Declared = true
	return sc
}

// Sort orders items by tier, then longest wait first. The sort is stable.
func Sort(items []Scored) {
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if a.Tier != b.Tier {
			return a.Tier.Higher(b.Tier)
		}
		return a.Signals.WaitTimeMinutes > b.Signals.WaitTimeMinutes
	})
}
