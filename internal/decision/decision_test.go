package decision

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/reconcile/internal/model"
	"github.com/sells-group/reconcile/internal/spec"
)

var th = spec.Thresholds{Match: 0.8, Review: 0.5}

func TestClassify_Boundaries(t *testing.T) {
	tests := []struct {
		score float64
		want  model.Label
	}{
		{0.8, model.LabelMerge},
		{0.7999999, model.LabelReview},
		{0.5, model.LabelReview},
		{0.4999999, model.LabelNoMatch},
		{1.5, model.LabelMerge},
		{-2, model.LabelNoMatch},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Classify(tt.score, th), "score %v", tt.score)
	}
}

func TestClassify_EqualThresholds(t *testing.T) {
	eq := spec.Thresholds{Match: 0.6, Review: 0.6}
	assert.Equal(t, model.LabelMerge, Classify(0.6, eq))
	assert.Equal(t, model.LabelNoMatch, Classify(0.59, eq))
}

func TestMatchedOn(t *testing.T) {
	got := MatchedOn([]model.RuleResult{
		{Rule: "email", Outcome: model.Agree},
		{Rule: "phone", Outcome: model.Disagree},
		{Rule: "name", Outcome: model.Agree},
		{Rule: "zip", Outcome: model.Indeterminate},
	})
	assert.Equal(t, []string{"email", "name"}, got)
	assert.Equal(t, []string{}, MatchedOn(nil))
}

func scored(a, b string, score float64) model.ScoredPair {
	return model.ScoredPair{Pair: model.NewPair(a, b), Score: score}
}

func TestDecide(t *testing.T) {
	pairs := []model.ScoredPair{
		scored("a:1", "b:1", 0.9),
		scored("a:2", "b:2", 0.6),
		scored("a:3", "b:3", 0.1),
	}
	got := Decide(pairs, th, nil, nil)
	require.Len(t, got, 3)
	assert.Equal(t, model.LabelMerge, got[0].Label)
	assert.Equal(t, model.LabelReview, got[1].Label)
	assert.Equal(t, model.LabelNoMatch, got[2].Label)

	counts := Counts(got)
	assert.Equal(t, 1, counts[model.LabelMerge])
	assert.Equal(t, 1, counts[model.LabelReview])
	assert.Equal(t, 1, counts[model.LabelNoMatch])
}

func TestDecide_OverridesWin(t *testing.T) {
	pairs := []model.ScoredPair{
		scored("a:1", "b:1", 0.95),
		scored("a:2", "b:2", 0.0),
	}
	ov := NewOverrides([]model.Override{
		{A: "b:1", B: "a:1", Action: model.ForceSplit},
		{A: "a:2", B: "b:2", Action: model.ForceMerge},
	})
	got := Decide(pairs, th, ov, nil)
	require.Len(t, got, 2)
	assert.Equal(t, model.LabelNoMatch, got[0].Label)
	assert.Equal(t, model.ForceSplit, got[0].Overridden)
	assert.Equal(t, model.LabelMerge, got[1].Label)
	assert.Equal(t, model.ForceMerge, got[1].Overridden)
}

func TestDecide_AppendsUnblockedOverrides(t *testing.T) {
	ov := NewOverrides([]model.Override{
		{A: "x:1", B: "y:1", Action: model.ForceMerge},
		{A: "x:1", B: "ghost:1", Action: model.ForceMerge},
	})
	known := func(id string) bool { return id != "ghost:1" }

	got := Decide(nil, th, ov, known)
	require.Len(t, got, 1)
	assert.Equal(t, "x:1", got[0].Pair.A)
	assert.Equal(t, "y:1", got[0].Pair.B)
	assert.Equal(t, model.LabelMerge, got[0].Label)
}

func TestOverrides_Lookup(t *testing.T) {
	ov := NewOverrides([]model.Override{
		{A: "a", B: "b", Action: model.ForceMerge},
		{A: "b", B: "a", Action: model.ForceSplit},
	})
	act, ok := ov.Lookup("a", "b")
	assert.True(t, ok)
	assert.Equal(t, model.ForceSplit, act, "later entry wins")
	assert.Equal(t, 1, ov.Len())
	assert.Equal(t, []model.PairKey{{A: "a", B: "b"}}, ov.Splits())
	assert.Empty(t, ov.Merges())

	var none *Overrides
	_, ok = none.Lookup("a", "b")
	assert.False(t, ok)
	assert.Zero(t, none.Len())
}
