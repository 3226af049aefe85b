// Package pipeline runs the reconciliation stages end to end: blocking,
// training, scoring, decision, clustering and survivorship.
package pipeline

import (
	"github.com/rotisserie/eris"

	"github.com/sells-group/reconcile/internal/scorer"
	"github.com/sells-group/reconcile/internal/spec"
	"github.com/sells-group/reconcile/internal/survivorship"
)

// Compiled is a validated spec with every table a run needs resolved up front.
type Compiled struct {
	Spec   *spec.Spec
	Hash   string
	Mode   spec.Mode
	Rules  []scorer.Rule
	Scorer *scorer.Scorer
	Table  *survivorship.Table
}

// Compile applies defaults to s, validates it and resolves its rule tree,
// scoring mode and survivorship table. customs supplies the custom
// survivorship functions; nil means the built-in registry.
func Compile(s *spec.Spec, customs survivorship.Registry) (*Compiled, error) {
	if s == nil {
		return nil, eris.New("pipeline: nil spec")
	}
	spec.ApplyDefaults(s)
	if err := spec.Validate(s); err != nil {
		return nil, err
	}
	if customs == nil {
		customs = survivorship.DefaultRegistry()
	}

	rules, err := scorer.Compile(s.Rules)
	if err != nil {
		return nil, err
	}
	table, err := survivorship.BuildTable(s.Survivorship, customs)
	if err != nil {
		return nil, err
	}
	hash, err := spec.Hash(s)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: hash spec")
	}

	mode := s.ScoringMode()
	return &Compiled{
		Spec:   s,
		Hash:   hash,
		Mode:   mode,
		Rules:  rules,
		Scorer: scorer.NewWithPrior(rules, mode, s.Training.PriorMatchRate),
		Table:  table,
	}, nil
}
