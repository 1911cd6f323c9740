package routing

import (
	"errors"
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

// DefaultAutoResponseThreshold is the confidence at or above which a
// decision may be answered without a human in the loop.
const DefaultAutoResponseThreshold = 0.85

// EntityRule routes content containing a structured identifier to the unit
// owning that entity type.
type EntityRule struct {
	Name    string `yaml:"name" mapstructure:"name"`
	Pattern string `yaml:"pattern" mapstructure:"pattern"`
	UnitID  string `yaml:"unit" mapstructure:"unit"`
}

// KeywordRule declares the keywords a unit handles. Lower Priority values
// win when several rules match.
type KeywordRule struct {
	UnitID   string   `yaml:"unit" mapstructure:"unit"`
	Keywords []string `yaml:"keywords" mapstructure:"keywords"`
	Priority int      `yaml:"priority" mapstructure:"priority"`
}

// Config is the routing table.
type Config struct {
	SafetyKeywords []string          `yaml:"safety_keywords" mapstructure:"safety_keywords"`
	CrisisUnit     string            `yaml:"crisis_unit" mapstructure:"crisis_unit"`
	Entities       []EntityRule      `yaml:"entities" mapstructure:"entities"`
	Keywords       []KeywordRule     `yaml:"keywords" mapstructure:"keywords"`
	Sources        map[string]string `yaml:"sources" mapstructure:"sources"`
	DefaultUnit    string            `yaml:"default_unit" mapstructure:"default_unit"`

	AutoResponseThreshold float64 `yaml:"auto_response_threshold" mapstructure:"auto_response_threshold"`
}

// Validate checks that every rule names a unit and every pattern compiles.
func (c Config) Validate() error {
	var errs []error
	if len(c.SafetyKeywords) > 0 && c.CrisisUnit == "" {
		errs = append(errs, errors.New("safety keywords configured without crisis_unit"))
	}
	for i, e := range c.Entities {
		if e.UnitID == "" {
			errs = append(errs, fmt.Errorf("entities[%d] %q: missing unit", i, e.Name))
		}
		if e.Name == "" {
			errs = append(errs, fmt.Errorf("entities[%d]: missing name", i))
		}
		if _, err := regexp.Compile(e.Pattern); err != nil || e.Pattern == "" {
			errs = append(errs, fmt.Errorf("entities[%d] %q: bad pattern %q", i, e.Name, e.Pattern))
		}
	}
	for i, k := range c.Keywords {
		if k.UnitID == "" {
			errs = append(errs, fmt.Errorf("keywords[%d]: missing unit", i))
		}
		if len(k.Keywords) == 0 {
			errs = append(errs, fmt.Errorf("keywords[%d] %q: no keywords", i, k.UnitID))
		}
	}
	// Source names match case-insensitively.
	seen := make(map[string]string, len(c.Sources))
	for src, unit := range c.Sources {
		if unit == "" {
			errs = append(errs, fmt.Errorf("sources[%s]: missing unit", src))
		}
		key := normalizeSource(src)
		if other, dup := seen[key]; dup && c.Sources[other] != unit {
			errs = append(errs, fmt.Errorf("sources[%s] and sources[%s] name the same channel", other, src))
		}
		seen[key] = src
	}
	if c.AutoResponseThreshold < 0 || c.AutoResponseThreshold > 1 {
		errs = append(errs, fmt.Errorf("auto_response_threshold %v outside [0,1]", c.AutoResponseThreshold))
	}
	return errors.Join(errs...)
}

// Units returns every unit id referenced by the table, without duplicates.
func (c Config) Units() []string {
	seen := make(map[string]bool)
	var out []string
	add := func(id string) {
		if id != "" && !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	add(c.CrisisUnit)
	for _, e := range c.Entities {
		add(e.UnitID)
	}
	for _, k := range c.Keywords {
		add(k.UnitID)
	}
	for _, u := range c.Sources {
		add(u)
	}
	add(c.DefaultUnit)
	return out
}

// LoadConfig reads a routing table from a YAML file. Fields missing from the
// file keep their zero value except AutoResponseThreshold, which defaults to
// DefaultAutoResponseThreshold.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read routing config: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig decodes a YAML routing table and validates it.
func ParseConfig(data []byte) (Config, error) {
	cfg := Config{AutoResponseThreshold: DefaultAutoResponseThreshold}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse routing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid routing config: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns the commerce routing table the fleet ships with.
func DefaultConfig() Config {
	return Config{
		SafetyKeywords: []string{
			"부상", "화상", "알레르기", "응급", "발진", "질식", "출혈", "병원",
			"injury", "injured", "burn", "allergic", "emergency", "choking",
		},
		CrisisUnit: "crisis",
		Entities: []EntityRule{
			{Name: "order_id", Pattern: `ORD-\d{8}-\d{4}`, UnitID: "order"},
			{Name: "customer_id", Pattern: `CUS-\d{6,}`, UnitID: "cs"},
		},
		Keywords: []KeywordRule{
			{UnitID: "order", Priority: 1, Keywords: []string{"주문", "배송", "결제", "송장", "order", "shipping", "delivery"}},
			{UnitID: "cs", Priority: 2, Keywords: []string{"환불", "교환", "반품", "불만", "문의", "refund", "exchange", "return", "complaint"}},
			{UnitID: "inventory", Priority: 3, Keywords: []string{"재고", "입고", "품절", "재입고", "stock", "inventory", "restock"}},
			{UnitID: "marketing", Priority: 4, Keywords: []string{"광고", "캠페인", "프로모션", "쿠폰", "이벤트", "campaign", "promotion", "coupon"}},
		},
		Sources: map[string]string{
			"kakao":   "cs",
			"naver":   "cs",
			"coupang": "order",
			"email":   "cs",
		},
		DefaultUnit:           "general",
		AutoResponseThreshold: DefaultAutoResponseThreshold,
	}
}
