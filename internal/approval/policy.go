package approval

import (
	"strconv"

	"github.com/inkyojay/sundayhug-ai-workspace-sub000/pkg/api"
)

// DefaultAmountThreshold is the payload amount at or above which a request
// is treated as high value.
const DefaultAmountThreshold = 500000

// Policy classifies approval payloads by amount.
type Policy struct {
	AmountThreshold float64 `mapstructure:"amount_threshold"`
	AmountKey       string  `mapstructure:"amount_key"`
}

// DefaultPolicy returns the default policy.
func DefaultPolicy() Policy {
	return Policy{AmountThreshold: DefaultAmountThreshold, AmountKey: "amount"}
}

func (p Policy) normalized() Policy {
	if p.AmountThreshold <= 0 {
		p.AmountThreshold = DefaultAmountThreshold
	}
	if p.AmountKey == "" {
		p.AmountKey = "amount"
	}
	return p
}

// Amount extracts the payload amount.
func (p Policy) Amount(payload map[string]any) (float64, bool) {
	p = p.normalized()
	switch v := payload[p.AmountKey].(type) {
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case float32:
		return float64(v), true
	case float64:
		return v, true
	case string:
		f, err := strconv.ParseFloat(v, 64)
		return f, err == nil
	}
	return 0, false
}

// LevelFor returns HIGH when the payload amount is at or above the
// threshold and LOW below it. Payloads without an amount are MEDIUM.
func (p Policy) LevelFor(payload map[string]any) api.ApprovalLevel {
	amount, ok := p.Amount(payload)
	switch {
	case !ok:
		return api.ApprovalMedium
	case amount >= p.normalized().AmountThreshold:
		return api.ApprovalHigh
	default:
		return api.ApprovalLow
	}
}

// Small reports whether the payload carries an amount below the threshold.
func (p Policy) Small(payload map[string]any) bool {
	return p.LevelFor(payload) == api.ApprovalLow
}
