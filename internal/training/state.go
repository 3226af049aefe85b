// Package training estimates Fellegi-Sunter m/u probabilities with
// expectation-maximisation.
package training

import (
	"math"

	"github.com/sells-group/reconcile/internal/scorer"
)

// ProbFloor bounds every m/u probability to (ProbFloor, 1-ProbFloor).
const ProbFloor = 1e-6

// RuleParams holds per-level probabilities for one rule.
type RuleParams struct {
	Name string    `json:"name"`
	M    []float64 `json:"m"`
	U    []float64 `json:"u"`
}

// State is an immutable snapshot of training parameters. Each EM step
// produces a new State with an incremented Version.
type State struct {
	Version       int          `json:"version"`
	Lambda        float64      `json:"lambda"`
	Rules         []RuleParams `json:"rules"`
	Iterations    int          `json:"iterations"`
	Converged     bool         `json:"converged"`
	LogLikelihood float64      `json:"log_likelihood"`
}

// Initial builds the starting state from rule priors.
func Initial(rules []scorer.Rule, lambda float64) State {
	st := State{Lambda: clamp(lambda), Rules: make([]RuleParams, len(rules))}
	for i, r := range rules {
		st.Rules[i] = RuleParams{
			Name: r.Name,
			M:    normalize(append([]float64(nil), r.PriorM...)),
			U:    normalize(append([]float64(nil), r.PriorU...)),
		}
	}
	return st
}

// Clone returns a deep copy.
func (s State) Clone() State {
	out := s
	out.Rules = make([]RuleParams, len(s.Rules))
	for i, r := range s.Rules {
		out.Rules[i] = RuleParams{
			Name: r.Name,
			M:    append([]float64(nil), r.M...),
			U:    append([]float64(nil), r.U...),
		}
	}
	return out
}

// Params converts the state into scorer parameters.
func (s State) Params() scorer.Params {
	p := scorer.Params{Lambda: s.Lambda, M: map[string][]float64{}, U: map[string][]float64{}}
	for _, r := range s.Rules {
		p.M[r.Name] = append([]float64(nil), r.M...)
		p.U[r.Name] = append([]float64(nil), r.U...)
	}
	return p
}

// Rule returns the parameters for a named rule.
func (s State) Rule(name string) (RuleParams, bool) {
	for _, r := range s.Rules {
		if r.Name == name {
			return r, true
		}
	}
	return RuleParams{}, false
}

func clamp(p float64) float64 {
	return math.Min(1-ProbFloor, math.Max(ProbFloor, p))
}

// normalize clamps each probability and rescales the vector to sum to 1.
func normalize(ps []float64) []float64 {
	var sum float64
	for i, p := range ps {
		ps[i] = clamp(p)
		sum += ps[i]
	}
	if sum == 0 {
		return ps
	}
	for i := range ps {
		ps[i] = clamp(ps[i] / sum)
	}
	return ps
}
