// Package scorer evaluates match rules on candidate pairs and combines their
// outcomes into a pair score.
package scorer

import (
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"

	"github.com/sells-group/reconcile/internal/model"
	"github.com/sells-group/reconcile/internal/similarity"
	"github.com/sells-group/reconcile/internal/spec"
)

// Kind is the closed set of rule variants.
type Kind int

// Rule kinds.
const (
	KindExact Kind = iota
	KindSimilarity
	KindRange
	KindComposite
	KindProbabilistic
)

func (k Kind) String() string {
	switch k {
	case KindExact:
		return spec.RuleExact
	case KindSimilarity:
		return spec.RuleSimilarity
	case KindRange:
		return spec.RuleRange
	case KindComposite:
		return spec.RuleComposite
	default:
		return spec.RuleProbabilistic
	}
}

// DefaultThreshold applies to similarity rules without an explicit threshold.
const DefaultThreshold = 0.9

// Rule is a compiled match rule.
type Rule struct {
	Name            string
	Kind            Kind
	Attrs           []string
	Algorithm       string
	Threshold       float64
	Weight          float64
	MismatchPenalty float64
	Tolerance       float64
	MaxDistanceKM   float64
	Operator        string
	Children        []Rule

	// Levels are descending similarity cut-offs. Level i is the first cut-off
	// the similarity reaches; len(Levels) is the disagreement level.
	Levels []float64
	PriorM []float64
	PriorU []float64

	sim similarity.Func
}

// NumLevels returns the number of comparison levels, including disagreement.
func (r Rule) NumLevels() int {
	if r.Kind == KindProbabilistic {
		return len(r.Levels) + 1
	}
	return 2
}

// Compile turns validated spec rules into evaluable rules.
func Compile(rules []spec.Rule) ([]Rule, error) {
	out := make([]Rule, 0, len(rules))
	for _, r := range rules {
		c, err := compileRule(r)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func compileRule(r spec.Rule) (Rule, error) {
	c := Rule{
		Name:            r.Name,
		Attrs:           r.Attributes(),
		Algorithm:       r.Algorithm,
		Threshold:       r.ThresholdOr(DefaultThreshold),
		Weight:          r.WeightOr(1),
		MismatchPenalty: r.MismatchPenalty,
		Tolerance:       r.Tolerance,
		MaxDistanceKM:   r.MaxDistanceKM,
		Operator:        r.Operator,
		PriorM:          defaultLevelProbs(2, true),
		PriorU:          defaultLevelProbs(2, false),
	}

	switch r.Type {
	case spec.RuleExact:
		c.Kind = KindExact
	case spec.RuleSimilarity:
		c.Kind = KindSimilarity
	case spec.RuleRange:
		c.Kind = KindRange
	case spec.RuleComposite:
		c.Kind = KindComposite
		for _, child := range r.Children {
			cc, err := compileRule(child)
			if err != nil {
				return Rule{}, err
			}
			c.Children = append(c.Children, cc)
		}
		return c, nil
	case spec.RuleProbabilistic:
		c.Kind = KindProbabilistic
		if c.Algorithm == "" {
			c.Algorithm = similarity.AlgExact
		}
		c.Levels = r.Levels
		if len(c.Levels) == 0 {
			c.Levels = []float64{1}
		}
		n := len(c.Levels) + 1
		c.PriorM = r.MProbabilities
		if len(c.PriorM) == 0 {
			c.PriorM = defaultLevelProbs(n, true)
		}
		c.PriorU = r.UProbabilities
		if len(c.PriorU) == 0 {
			c.PriorU = defaultLevelProbs(n, false)
		}
	default:
		return Rule{}, eris.Errorf("scorer: rule %q: unknown type %q", r.Name, r.Type)
	}

	if c.Kind == KindSimilarity || c.Kind == KindProbabilistic {
		if c.Algorithm != similarity.AlgHaversine && c.Algorithm != similarity.AlgNumeric {
			f, ok := similarity.Lookup(c.Algorithm)
			if !ok {
				return Rule{}, eris.Errorf("scorer: rule %q: unknown algorithm %q", r.Name, c.Algorithm)
			}
			c.sim = f
		}
	}
	return c, nil
}

// defaultLevelProbs spreads probability mass over n levels. Matches put most
// mass on the top level, non-matches on the disagreement level.
func defaultLevelProbs(n int, match bool) []float64 {
	ps := make([]float64, n)
	for i := range ps {
		ps[i] = 0.1 / float64(n-1)
	}
	if match {
		ps[0] = 0.9
	} else {
		ps[n-1] = 0.9
	}
	return ps
}

// Comparison is the raw result of evaluating a rule on a pair.
type Comparison struct {
	Outcome    model.Outcome
	Similarity float64
	Level      int
}

var indeterminate = Comparison{Outcome: model.Indeterminate, Level: -1}

// Evaluate compares a and b under rule r. Null or unusable values on either
// side yield an indeterminate comparison.
func Evaluate(r Rule, a, b model.Record) Comparison {
	switch r.Kind {
	case KindExact:
		for _, attr := range r.Attrs {
			va, vb := a.Get(attr), b.Get(attr)
			if va.IsNull() || vb.IsNull() {
				return indeterminate
			}
		}
		for _, attr := range r.Attrs {
			if !a.Get(attr).Equal(b.Get(attr)) {
				return Comparison{Outcome: model.Disagree, Similarity: 0, Level: 1}
			}
		}
		return Comparison{Outcome: model.Agree, Similarity: 1, Level: 0}

	case KindSimilarity:
		sim, ok := r.similarity(a, b)
		if !ok {
			return indeterminate
		}
		if sim >= r.Threshold {
			return Comparison{Outcome: model.Agree, Similarity: sim, Level: 0}
		}
		return Comparison{Outcome: model.Disagree, Similarity: sim, Level: 1}

	case KindRange:
		na, okA := numberOf(a.Get(r.Attrs[0]))
		nb, okB := numberOf(b.Get(r.Attrs[0]))
		if !okA || !okB {
			return indeterminate
		}
		sim := similarity.Numeric(na, nb, r.Tolerance)
		diff := na - nb
		if diff < 0 {
			diff = -diff
		}
		if diff <= r.Tolerance {
			return Comparison{Outcome: model.Agree, Similarity: sim, Level: 0}
		}
		return Comparison{Outcome: model.Disagree, Similarity: sim, Level: 1}

	case KindComposite:
		return evaluateComposite(r, a, b)

	case KindProbabilistic:
		sim, ok := r.similarity(a, b)
		if !ok {
			return indeterminate
		}
		for i, cut := range r.Levels {
			if sim >= cut {
				return Comparison{Outcome: model.Agree, Similarity: sim, Level: i}
			}
		}
		return Comparison{Outcome: model.Disagree, Similarity: sim, Level: len(r.Levels)}
	}
	return indeterminate
}

func evaluateComposite(r Rule, a, b model.Record) Comparison {
	var agree, disagree, known int
	var simSum float64
	for _, child := range r.Children {
		c := Evaluate(child, a, b)
		switch c.Outcome {
		case model.Agree:
			agree++
		case model.Disagree:
			disagree++
		default:
			continue
		}
		known++
		simSum += c.Similarity
	}
	if known == 0 {
		return indeterminate
	}
	sim := simSum / float64(known)

	if r.Operator == spec.OpOr {
		if agree > 0 {
			return Comparison{Outcome: model.Agree, Similarity: sim, Level: 0}
		}
		return Comparison{Outcome: model.Disagree, Similarity: sim, Level: 1}
	}

	switch {
	case disagree > 0:
		return Comparison{Outcome: model.Disagree, Similarity: sim, Level: 1}
	case agree == len(r.Children):
		return Comparison{Outcome: model.Agree, Similarity: sim, Level: 0}
	}
	return indeterminate
}

// similarity computes the raw similarity for similarity and probabilistic
// rules. ok is false when either side lacks usable evidence.
func (r Rule) similarity(a, b model.Record) (float64, bool) {
	switch r.Algorithm {
	case similarity.AlgHaversine:
		pa, okA := pointOf(a, r.Attrs)
		pb, okB := pointOf(b, r.Attrs)
		if !okA || !okB {
			return 0, false
		}
		return similarity.Proximity(similarity.HaversineKM(pa, pb), r.MaxDistanceKM), true
	case similarity.AlgNumeric:
		na, okA := numberOf(a.Get(r.Attrs[0]))
		nb, okB := numberOf(b.Get(r.Attrs[0]))
		if !okA || !okB {
			return 0, false
		}
		return similarity.Numeric(na, nb, r.Tolerance), true
	}

	sa, okA := textOf(a, r.Attrs)
	sb, okB := textOf(b, r.Attrs)
	if !okA || !okB {
		return 0, false
	}
	return r.sim(sa, sb), true
}

func textOf(rec model.Record, attrs []string) (string, bool) {
	if len(attrs) == 1 {
		v := rec.Get(attrs[0])
		return v.String(), !v.IsNull()
	}
	parts := make([]string, 0, len(attrs))
	for _, attr := range attrs {
		v := rec.Get(attr)
		if v.IsNull() {
			return "", false
		}
		parts = append(parts, v.String())
	}
	return strings.Join(parts, " "), true
}

func pointOf(rec model.Record, attrs []string) (*geom.Point, bool) {
	if len(attrs) == 1 {
		v := rec.Get(attrs[0])
		if v.Kind() != model.KindString {
			return nil, false
		}
		return similarity.ParsePoint(v.Str())
	}
	lat, okLat := numberOf(rec.Get(attrs[0]))
	lon, okLon := numberOf(rec.Get(attrs[1]))
	if !okLat || !okLon || lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return nil, false
	}
	return similarity.NewPoint(lat, lon), true
}

func numberOf(v model.Value) (float64, bool) {
	if n, ok := v.Num(); ok {
		return n, true
	}
	if v.Kind() == model.KindString {
		n, err := strconv.ParseFloat(strings.TrimSpace(v.Str()), 64)
		return n, err == nil
	}
	return 0, false
}
