// Package spec loads and validates the resolution configuration consumed by
// the reconciliation pipeline.
package spec

import "github.com/sells-group/reconcile/internal/model"

// Mode selects how rule outcomes are combined into a pair score.
type Mode string

// Scoring modes.
const (
	ModeWeightedSum   Mode = "weighted_sum"
	ModeFellegiSunter Mode = "fellegi_sunter"
)

// Rule types.
const (
	RuleExact         = "exact"
	RuleSimilarity    = "similarity"
	RuleRange         = "range"
	RuleComposite     = "composite"
	RuleProbabilistic = "probabilistic"
)

// Composite operators.
const (
	OpAnd = "and"
	OpOr  = "or"
)

// Survivorship strategies.
const (
	StrategySourcePriority = "source_priority"
	StrategyMostRecent     = "most_recent"
	StrategyMostComplete   = "most_complete"
	StrategyAggregate      = "aggregate"
	StrategyCustom         = "custom"
)

// U estimation methods for training.
const (
	UEstimationEM     = "em"
	UEstimationRandom = "random_sampling"
)

// Spec is the full resolution configuration for one entity type.
type Spec struct {
	Entity          string            `yaml:"entity" json:"entity"`
	IdentityVersion string            `yaml:"identity_version" json:"identity_version"`
	AttributeTypes  map[string]string `yaml:"attribute_types" json:"attribute_types,omitempty"`
	Sources         []Source          `yaml:"sources" json:"sources"`
	Blocking        Blocking          `yaml:"blocking" json:"blocking"`
	Rules           []Rule            `yaml:"rules" json:"rules"`
	Decision        Decision          `yaml:"decision" json:"decision"`
	Training        Training          `yaml:"training" json:"training"`
	Survivorship    Survivorship      `yaml:"survivorship" json:"survivorship"`
}

// Source describes one input system and how its columns map to canonical
// attributes.
type Source struct {
	Name       string            `yaml:"name" json:"name"`
	System     string            `yaml:"system" json:"system,omitempty"`
	PrimaryKey string            `yaml:"primary_key" json:"primary_key"`
	Attributes map[string]string `yaml:"attributes" json:"attributes"`
	// Sheet names the worksheet read from .xlsx inputs; the first sheet when empty.
	Sheet string `yaml:"sheet" json:"sheet,omitempty"`
}

// Blocking lists the candidate-generation keys.
type Blocking struct {
	MaxGroupSize int           `yaml:"max_group_size" json:"max_group_size,omitempty"`
	Keys         []BlockingKey `yaml:"keys" json:"keys"`
}

// BlockingKey is an ordered tuple of attributes. All components must be
// non-null for a record to contribute the key.
type BlockingKey struct {
	Name   string   `yaml:"name" json:"name"`
	Fields []string `yaml:"fields" json:"fields"`
}

// Rule is one match rule. Which fields apply depends on Type.
type Rule struct {
	Name            string    `yaml:"name" json:"name"`
	Type            string    `yaml:"type" json:"type"`
	Field           string    `yaml:"field" json:"field,omitempty"`
	Fields          []string  `yaml:"fields" json:"fields,omitempty"`
	Algorithm       string    `yaml:"algorithm" json:"algorithm,omitempty"`
	Threshold       *float64  `yaml:"threshold" json:"threshold,omitempty"`
	Weight          *float64  `yaml:"weight" json:"weight,omitempty"`
	MismatchPenalty float64   `yaml:"mismatch_penalty" json:"mismatch_penalty,omitempty"`
	Tolerance       float64   `yaml:"tolerance" json:"tolerance,omitempty"`
	MaxDistanceKM   float64   `yaml:"max_distance_km" json:"max_distance_km,omitempty"`
	Operator        string    `yaml:"operator" json:"operator,omitempty"`
	Children        []Rule    `yaml:"children" json:"children,omitempty"`
	Levels          []float64 `yaml:"levels" json:"levels,omitempty"`
	MProbabilities  []float64 `yaml:"m_probabilities" json:"m_probabilities,omitempty"`
	UProbabilities  []float64 `yaml:"u_probabilities" json:"u_probabilities,omitempty"`
}

// Attributes returns the attributes the rule compares.
func (r Rule) Attributes() []string {
	if len(r.Fields) > 0 {
		return r.Fields
	}
	if r.Field != "" {
		return []string{r.Field}
	}
	return nil
}

// WeightOr returns the rule weight or def when unset.
func (r Rule) WeightOr(def float64) float64 {
	if r.Weight == nil {
		return def
	}
	return *r.Weight
}

// ThresholdOr returns the rule threshold or def when unset.
func (r Rule) ThresholdOr(def float64) float64 {
	if r.Threshold == nil {
		return def
	}
	return *r.Threshold
}

// Decision configures thresholds and forced decisions.
type Decision struct {
	Scoring    Mode             `yaml:"scoring" json:"scoring,omitempty"`
	Thresholds Thresholds       `yaml:"thresholds" json:"thresholds"`
	Overrides  []model.Override `yaml:"overrides" json:"overrides,omitempty"`
}

// Thresholds are inclusive lower bounds: score >= Match merges, score >=
// Review goes to review.
type Thresholds struct {
	Match  float64 `yaml:"match" json:"match"`
	Review float64 `yaml:"review" json:"review"`
}

// Training configures EM estimation of m/u probabilities.
type Training struct {
	MaxIterations  int     `yaml:"max_iterations" json:"max_iterations"`
	Tolerance      float64 `yaml:"tolerance" json:"tolerance"`
	PriorMatchRate float64 `yaml:"prior_match_rate" json:"prior_match_rate"`
	UEstimation    string  `yaml:"u_estimation" json:"u_estimation"`
	SamplePairs    int     `yaml:"sample_pairs" json:"sample_pairs"`
	Seed           uint64  `yaml:"seed" json:"seed"`
	Disabled       bool    `yaml:"disabled" json:"disabled,omitempty"`
}

// Survivorship configures how golden values are chosen per field.
type Survivorship struct {
	Default        FieldRule   `yaml:"default" json:"default"`
	TimestampField string      `yaml:"timestamp_field" json:"timestamp_field,omitempty"`
	Rules          []FieldRule `yaml:"rules" json:"rules,omitempty"`
}

// FieldRule selects a survivorship strategy for one field (or the default
// when Field is empty).
type FieldRule struct {
	Field          string   `yaml:"field" json:"field,omitempty"`
	Strategy       string   `yaml:"strategy" json:"strategy"`
	SourcePriority []string `yaml:"source_priority" json:"source_priority,omitempty"`
	Function       string   `yaml:"function" json:"function,omitempty"`
}

// ScoringMode returns the configured mode, inferring fellegi_sunter when any
// top-level rule is probabilistic.
func (s *Spec) ScoringMode() Mode {
	if s.Decision.Scoring != "" {
		return s.Decision.Scoring
	}
	for _, r := range s.Rules {
		if r.Type == RuleProbabilistic {
			return ModeFellegiSunter
		}
	}
	return ModeWeightedSum
}

// Source returns the named source configuration.
func (s *Spec) Source(name string) (Source, bool) {
	for _, src := range s.Sources {
		if src.Name == name {
			return src, true
		}
	}
	return Source{}, false
}

// IsNumeric reports whether the attribute is declared numeric.
func (s *Spec) IsNumeric(attr string) bool {
	return s.AttributeTypes[attr] == "number"
}
