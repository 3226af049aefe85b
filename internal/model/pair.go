package model

// CandidatePair is an unordered pair of record IDs, stored with A < B.
type CandidatePair struct {
	A    string   `json:"a"`
	B    string   `json:"b"`
	Keys []string `json:"keys,omitempty"`
}

// NewPair orders the two IDs so that A < B.
func NewPair(x, y string) CandidatePair {
	if y < x {
		x, y = y, x
	}
	return CandidatePair{A: x, B: y}
}

// Key returns the canonical map key for the pair.
func (p CandidatePair) Key() PairKey { return PairKey{A: p.A, B: p.B} }

// PairKey identifies an unordered pair in maps.
type PairKey struct {
	A string
	B string
}

// NewPairKey orders the IDs so lookups are direction-independent.
func NewPairKey(x, y string) PairKey {
	if y < x {
		x, y = y, x
	}
	return PairKey{A: x, B: y}
}

// Less orders pairs by (A, B).
func (p CandidatePair) Less(o CandidatePair) bool {
	if p.A != o.A {
		return p.A < o.A
	}
	return p.B < o.B
}

// Outcome is the ternary result of evaluating one rule on a pair.
type Outcome int

// Rule outcomes. Indeterminate means at least one side was null.
const (
	Indeterminate Outcome = iota
	Agree
	Disagree
)

func (o Outcome) String() string {
	switch o {
	case Agree:
		return "agree"
	case Disagree:
		return "disagree"
	default:
		return "indeterminate"
	}
}

// RuleResult is the outcome of one top-level rule on one pair.
type RuleResult struct {
	Rule         string  `json:"rule"`
	Outcome      Outcome `json:"outcome"`
	Similarity   float64 `json:"similarity"`
	Level        int     `json:"level"`
	Contribution float64 `json:"contribution"`
}

// Label is the decision bucket for a pair.
type Label string

// Decision labels.
const (
	LabelMerge   Label = "merge"
	LabelReview  Label = "review"
	LabelNoMatch Label = "no_match"
)

// OverrideAction forces a pair decision regardless of score.
type OverrideAction string

// Override actions.
const (
	ForceMerge OverrideAction = "force_merge"
	ForceSplit OverrideAction = "force_split"
)

// Override is an externally supplied forced decision for a pair.
type Override struct {
	A      string         `json:"a" yaml:"a"`
	B      string         `json:"b" yaml:"b"`
	Action OverrideAction `json:"action" yaml:"action"`
}

// ScoredPair is a candidate pair with its aggregate score and per-rule results.
type ScoredPair struct {
	Pair        CandidatePair `json:"pair"`
	Score       float64       `json:"score"`
	Probability float64       `json:"probability,omitempty"`
	Results     []RuleResult  `json:"results"`
}

// PairDecision is the labelled outcome for a scored pair.
type PairDecision struct {
	ScoredPair
	Label      Label          `json:"label"`
	MatchedOn  []string       `json:"matched_on"`
	Overridden OverrideAction `json:"overridden,omitempty"`
}
