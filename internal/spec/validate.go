package spec

import (
	"fmt"
	"sort"

	"github.com/sells-group/reconcile/internal/model"
	"github.com/sells-group/reconcile/internal/similarity"
)

// Validate checks the spec for problems the pipeline cannot recover from.
// Every problem is collected into a single ConfigurationError.
func Validate(s *Spec) error {
	var errs []string
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Sprintf(format, args...))
	}

	seenSrc := map[string]bool{}
	for i, src := range s.Sources {
		if src.Name == "" {
			add("sources[%d]: name is required", i)
			continue
		}
		if seenSrc[src.Name] {
			add("sources[%d]: duplicate source %q", i, src.Name)
		}
		seenSrc[src.Name] = true
	}

	for i, k := range s.Blocking.Keys {
		if len(k.Fields) == 0 {
			add("blocking.keys[%d]: at least one field is required", i)
		}
	}
	if s.Blocking.MaxGroupSize < 0 {
		add("blocking.max_group_size must be >= 0")
	}

	mode := s.ScoringMode()
	switch mode {
	case ModeWeightedSum, ModeFellegiSunter:
	default:
		add("decision.scoring: unknown mode %q", mode)
	}

	if len(s.Rules) == 0 {
		add("rules: at least one rule is required")
	}
	seenRule := map[string]bool{}
	for i, r := range s.Rules {
		path := fmt.Sprintf("rules[%d]", i)
		if r.Name == "" {
			add("%s: name is required", path)
		} else if seenRule[r.Name] {
			add("%s: duplicate rule name %q", path, r.Name)
		}
		seenRule[r.Name] = true
		if r.Type == RuleProbabilistic && mode == ModeWeightedSum {
			add("%s: probabilistic rule %q requires fellegi_sunter scoring", path, r.Name)
		}
		validateRule(path, r, add)
	}

	th := s.Decision.Thresholds
	if th.Match < th.Review {
		add("decision.thresholds: match (%g) must be >= review (%g)", th.Match, th.Review)
	}
	for i, o := range s.Decision.Overrides {
		validateOverride(fmt.Sprintf("decision.overrides[%d]", i), o, add)
	}

	t := s.Training
	switch t.UEstimation {
	case "", UEstimationEM, UEstimationRandom:
	default:
		add("training.u_estimation: unknown method %q", t.UEstimation)
	}
	if t.PriorMatchRate < 0 || t.PriorMatchRate >= 1 {
		add("training.prior_match_rate must be in [0,1)")
	}

	validateFieldRule("survivorship.default", s.Survivorship.Default, s.Survivorship.TimestampField, add)
	seenField := map[string]bool{}
	for i, fr := range s.Survivorship.Rules {
		path := fmt.Sprintf("survivorship.rules[%d]", i)
		if fr.Field == "" {
			add("%s: field is required", path)
		} else if seenField[fr.Field] {
			add("%s: duplicate field %q", path, fr.Field)
		}
		seenField[fr.Field] = true
		validateFieldRule(path, fr, s.Survivorship.TimestampField, add)
	}

	attrs := make([]string, 0, len(s.AttributeTypes))
	for attr := range s.AttributeTypes {
		attrs = append(attrs, attr)
	}
	sort.Strings(attrs)
	for _, attr := range attrs {
		if typ := s.AttributeTypes[attr]; typ != "string" && typ != "number" {
			add("attribute_types.%s: unknown type %q", attr, typ)
		}
	}

	if len(errs) > 0 {
		return &model.ConfigurationError{Problems: errs}
	}
	return nil
}

func validateRule(path string, r Rule, add func(string, ...any)) {
	if r.Type != RuleComposite && len(r.Attributes()) == 0 {
		add("%s: field is required", path)
	}
	if r.Threshold != nil && (*r.Threshold < 0 || *r.Threshold > 1) {
		add("%s: threshold must be in [0,1]", path)
	}

	switch r.Type {
	case RuleExact:
	case RuleSimilarity:
		validateAlgorithm(path, r.Algorithm, r, add)
	case RuleRange:
		if r.Tolerance < 0 {
			add("%s: tolerance must be >= 0", path)
		}
	case RuleComposite:
		if r.Operator != OpAnd && r.Operator != OpOr {
			add("%s: unknown operator %q", path, r.Operator)
		}
		if len(r.Children) == 0 {
			add("%s: composite requires children", path)
		}
		for i, c := range r.Children {
			if c.Type == RuleProbabilistic {
				add("%s.children[%d]: probabilistic rules cannot be nested", path, i)
				continue
			}
			validateRule(fmt.Sprintf("%s.children[%d]", path, i), c, add)
		}
	case RuleProbabilistic:
		alg := r.Algorithm
		if alg == "" {
			alg = similarity.AlgExact
		}
		validateAlgorithm(path, alg, r, add)
		for i := 1; i < len(r.Levels); i++ {
			if r.Levels[i] >= r.Levels[i-1] {
				add("%s: levels must be strictly descending", path)
				break
			}
		}
		want := len(r.Levels) + 1
		if len(r.Levels) == 0 {
			want = 2
		}
		validateProbs(path+".m_probabilities", r.MProbabilities, want, add)
		validateProbs(path+".u_probabilities", r.UProbabilities, want, add)
	default:
		add("%s: unknown rule type %q", path, r.Type)
	}
}

// validateAlgorithm checks alg and the parameters it depends on. Similarity
// and probabilistic rules share it.
func validateAlgorithm(path, alg string, r Rule, add func(string, ...any)) {
	if !similarity.Known(alg) {
		add("%s: unknown algorithm %q", path, r.Algorithm)
		return
	}
	switch alg {
	case similarity.AlgHaversine:
		if r.MaxDistanceKM <= 0 {
			add("%s: haversine requires max_distance_km > 0", path)
		}
		if n := len(r.Attributes()); n != 1 && n != 2 {
			add("%s: haversine takes one \"lat,lon\" field or two [lat, lon] fields", path)
		}
	case similarity.AlgNumeric:
		if r.Tolerance <= 0 {
			add("%s: numeric similarity requires tolerance > 0", path)
		}
	}
}

func validateProbs(path string, ps []float64, want int, add func(string, ...any)) {
	if len(ps) == 0 {
		return
	}
	if len(ps) != want {
		add("%s: expected %d values, got %d", path, want, len(ps))
	}
	for _, p := range ps {
		if p <= 0 || p >= 1 {
			add("%s: probabilities must be in (0,1)", path)
			return
		}
	}
}

func validateOverride(path string, o model.Override, add func(string, ...any)) {
	if o.A == "" || o.B == "" {
		add("%s: both record ids are required", path)
	}
	if o.A != "" && o.A == o.B {
		add("%s: a record cannot be paired with itself", path)
	}
	if o.Action != model.ForceMerge && o.Action != model.ForceSplit {
		add("%s: unknown action %q", path, o.Action)
	}
}

func validateFieldRule(path string, fr FieldRule, timestampField string, add func(string, ...any)) {
	switch fr.Strategy {
	case StrategySourcePriority, StrategyMostComplete, StrategyAggregate:
	case StrategyMostRecent:
		if timestampField == "" {
			add("%s: most_recent requires survivorship.timestamp_field", path)
		}
	case StrategyCustom:
		if fr.Function == "" {
			add("%s: custom strategy requires function", path)
		}
	default:
		add("%s: unknown strategy %q", path, fr.Strategy)
	}
}

// ValidateOverrides checks externally supplied overrides the same way inline
// overrides are checked.
func ValidateOverrides(overrides []model.Override) error {
	var errs []string
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Sprintf(format, args...))
	}
	for i, o := range overrides {
		validateOverride(fmt.Sprintf("overrides[%d]", i), o, add)
	}
	if len(errs) > 0 {
		return &model.ConfigurationError{Problems: errs}
	}
	return nil
}
