// Package decision labels scored pairs as merge, review or no_match and
// applies forced overrides.
package decision

import (
	"sort"

	"go.uber.org/zap"

	"github.com/sells-group/reconcile/internal/model"
	"github.com/sells-group/reconcile/internal/spec"
)

// Classify maps a score onto a label. Both thresholds are inclusive lower
// bounds, so ties resolve to the higher bucket.
func Classify(score float64, th spec.Thresholds) model.Label {
	switch {
	case score >= th.Match:
		return model.LabelMerge
	case score >= th.Review:
		return model.LabelReview
	default:
		return model.LabelNoMatch
	}
}

// MatchedOn returns the names of rules whose outcome was agreement, in rule
// order.
func MatchedOn(results []model.RuleResult) []string {
	out := []string{}
	for _, r := range results {
		if r.Outcome == model.Agree {
			out = append(out, r.Rule)
		}
	}
	return out
}

// Overrides indexes forced decisions by unordered pair. When the same pair
// is overridden twice, the later entry wins.
type Overrides struct {
	byPair map[model.PairKey]model.OverrideAction
}

// NewOverrides indexes the given overrides.
func NewOverrides(list []model.Override) *Overrides {
	o := &Overrides{byPair: make(map[model.PairKey]model.OverrideAction, len(list))}
	for _, ov := range list {
		o.byPair[model.NewPairKey(ov.A, ov.B)] = ov.Action
	}
	return o
}

// Lookup returns the forced action for a pair, if any.
func (o *Overrides) Lookup(a, b string) (model.OverrideAction, bool) {
	if o == nil {
		return "", false
	}
	act, ok := o.byPair[model.NewPairKey(a, b)]
	return act, ok
}

// Splits returns every force_split pair, sorted.
func (o *Overrides) Splits() []model.PairKey {
	return o.withAction(model.ForceSplit)
}

// Merges returns every force_merge pair, sorted.
func (o *Overrides) Merges() []model.PairKey {
	return o.withAction(model.ForceMerge)
}

func (o *Overrides) withAction(act model.OverrideAction) []model.PairKey {
	if o == nil {
		return nil
	}
	var out []model.PairKey
	for pk, a := range o.byPair {
		if a == act {
			out = append(out, pk)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].A != out[j].A {
			return out[i].A < out[j].A
		}
		return out[i].B < out[j].B
	})
	return out
}

// Len returns the number of overridden pairs.
func (o *Overrides) Len() int {
	if o == nil {
		return 0
	}
	return len(o.byPair)
}

// Decide labels every scored pair. Overrides take precedence over computed
// labels; force_merge pairs that blocking never produced are appended with a
// zero score. known filters appended pairs to records that exist.
func Decide(scored []model.ScoredPair, th spec.Thresholds, overrides *Overrides, known func(id string) bool) []model.PairDecision {
	log := zap.L().With(zap.String("component", "decision"))

	out := make([]model.PairDecision, 0, len(scored)+overrides.Len())
	seen := make(map[model.PairKey]bool, len(scored))
	for _, sp := range scored {
		d := model.PairDecision{
			ScoredPair: sp,
			Label:      Classify(sp.Score, th),
			MatchedOn:  MatchedOn(sp.Results),
		}
		if act, ok := overrides.Lookup(sp.Pair.A, sp.Pair.B); ok {
			d.Overridden = act
			d.Label = labelFor(act)
		}
		seen[sp.Pair.Key()] = true
		out = append(out, d)
	}

	for _, pk := range append(overrides.Merges(), overrides.Splits()...) {
		if seen[pk] {
			continue
		}
		if known != nil && (!known(pk.A) || !known(pk.B)) {
			log.Warn("decision: override references unknown record", zap.String("a", pk.A), zap.String("b", pk.B))
			continue
		}
		act, _ := overrides.Lookup(pk.A, pk.B)
		out = append(out, model.PairDecision{
			ScoredPair: model.ScoredPair{Pair: model.CandidatePair{A: pk.A, B: pk.B}},
			Label:      labelFor(act),
			MatchedOn:  []string{},
			Overridden: act,
		})
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Pair.Less(out[j].Pair) })
	return out
}

func labelFor(act model.OverrideAction) model.Label {
	if act == model.ForceMerge {
		return model.LabelMerge
	}
	return model.LabelNoMatch
}

// Counts tallies decisions by label. Every label is present in the result.
func Counts(decisions []model.PairDecision) map[model.Label]int {
	out := map[model.Label]int{
		model.LabelMerge:   0,
		model.LabelReview:  0,
		model.LabelNoMatch: 0,
	}
	for _, d := range decisions {
		out[d.Label]++
	}
	return out
}
