package training

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/reconcile/internal/model"
	"github.com/sells-group/reconcile/internal/scorer"
	"github.com/sells-group/reconcile/internal/spec"
)

// duplicates builds n entities, each present in two sources with the same
// email and name.
func duplicates(n int) []model.Record {
	var out []model.Record
	for i := 0; i < n; i++ {
		for _, src := range []string{"crm", "app"} {
			out = append(out, model.NewRecord(src, fmt.Sprint(i), map[string]model.Value{
				"email": model.String(fmt.Sprintf("user%d@example.com", i)),
				"name":  model.String(fmt.Sprintf("name-%d", i)),
			}))
		}
	}
	return out
}

func fsScorer(t *testing.T) *scorer.Scorer {
	t.Helper()
	rules, err := scorer.Compile([]spec.Rule{
		{Name: "email", Type: spec.RuleProbabilistic, Field: "email"},
		{Name: "name", Type: spec.RuleProbabilistic, Field: "name"},
	})
	require.NoError(t, err)
	return scorer.New(rules, spec.ModeFellegiSunter)
}

func crossPairs(idx *model.Index) []model.CandidatePair {
	ids := idx.IDs()
	var pairs []model.CandidatePair
	for i := range ids {
		for j := i + 1; j < len(ids); j++ {
			pairs = append(pairs, model.NewPair(ids[i], ids[j]))
		}
	}
	return pairs
}

func TestInitial(t *testing.T) {
	sc := fsScorer(t)
	st := Initial(sc.Rules(), 0.01)
	assert.Equal(t, 0, st.Version)
	require.Len(t, st.Rules, 2)
	assert.InDelta(t, 0.9, st.Rules[0].M[0], 1e-9)
	assert.InDelta(t, 0.1, st.Rules[0].U[0], 1e-9)

	r, ok := st.Rule("name")
	assert.True(t, ok)
	assert.Equal(t, "name", r.Name)
}

func TestClone_IsDeep(t *testing.T) {
	st := Initial(fsScorer(t).Rules(), 0.01)
	c := st.Clone()
	c.Rules[0].M[0] = 0.5
	assert.InDelta(t, 0.9, st.Rules[0].M[0], 1e-9)
}

func TestTrain_MExceedsU(t *testing.T) {
	sc := fsScorer(t)
	idx, _ := model.NewIndex(duplicates(20))
	pairs := crossPairs(idx)

	vecs, err := ComparisonVectors(context.Background(), sc, pairs, idx, 4)
	require.NoError(t, err)
	require.Len(t, vecs, len(pairs))

	st, err := Train(context.Background(), Initial(sc.Rules(), 0.01), vecs, Options{MaxIterations: 50, Tolerance: 1e-8})
	require.NoError(t, err)
	assert.True(t, st.Converged)
	assert.Positive(t, st.Version)

	email, _ := st.Rule("email")
	assert.Greater(t, email.M[0], email.U[0])
	assert.Greater(t, email.M[0], 0.9)
	assert.Less(t, email.U[0], 0.05)
	assert.InDelta(t, 20.0/float64(len(pairs)), st.Lambda, 0.01)

	for _, r := range st.Rules {
		for l := range r.M {
			assert.Greater(t, r.M[l], 0.0)
			assert.Less(t, r.M[l], 1.0)
			assert.Greater(t, r.U[l], 0.0)
			assert.Less(t, r.U[l], 1.0)
		}
	}
}

func TestStep_DeterministicAcrossWorkers(t *testing.T) {
	sc := fsScorer(t)
	idx, _ := model.NewIndex(duplicates(40))
	vecs, err := ComparisonVectors(context.Background(), sc, crossPairs(idx), idx, 1)
	require.NoError(t, err)
	require.Greater(t, len(vecs), ChunkSize, "need several chunks")

	st := Initial(sc.Rules(), 0.01)
	want, err := Step(context.Background(), st, vecs, false, 1)
	require.NoError(t, err)
	for _, w := range []int{2, 3, 16} {
		got, err := Step(context.Background(), st, vecs, false, w)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	assert.Equal(t, st.Version+1, want.Version)
}

func TestStep_NullLevelsCarryNoEvidence(t *testing.T) {
	sc := fsScorer(t)
	st := Initial(sc.Rules(), 0.5)
	next, err := Step(context.Background(), st, Vectors{{-1, -1}, {-1, -1}}, false, 1)
	require.NoError(t, err)
	assert.Equal(t, st.Rules, next.Rules)
}

func TestStep_CancelledContext(t *testing.T) {
	sc := fsScorer(t)
	st := Initial(sc.Rules(), 0.1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	got, err := Step(ctx, st, Vectors{{0, 0}, {1, 1}}, false, 1)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, st, got, "the input state is returned unchanged")
}

func TestStep_FixU(t *testing.T) {
	sc := fsScorer(t)
	st := Initial(sc.Rules(), 0.1)
	next, err := Step(context.Background(), st, Vectors{{0, 0}, {1, 1}, {1, 0}}, true, 1)
	require.NoError(t, err)
	assert.Equal(t, st.Rules[0].U, next.Rules[0].U)
	assert.NotEqual(t, st.Rules[0].M, next.Rules[0].M)
}

func TestTrain_ConvergenceWarning(t *testing.T) {
	sc := fsScorer(t)
	idx, _ := model.NewIndex(duplicates(10))
	vecs, err := ComparisonVectors(context.Background(), sc, crossPairs(idx), idx, 1)
	require.NoError(t, err)

	st, err := Train(context.Background(), Initial(sc.Rules(), 0.01), vecs, Options{MaxIterations: 1, Tolerance: 1e-12})
	require.Error(t, err)
	assert.True(t, model.IsConvergenceWarning(err))
	assert.False(t, st.Converged)
	assert.Equal(t, 1, st.Iterations)
}

func TestTrain_NoVectors(t *testing.T) {
	sc := fsScorer(t)
	st, err := Train(context.Background(), Initial(sc.Rules(), 0.01), nil, Options{MaxIterations: 5})
	require.NoError(t, err)
	assert.True(t, st.Converged)
	assert.Zero(t, st.Iterations)
}

func TestTrain_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Train(ctx, Initial(fsScorer(t).Rules(), 0.01), Vectors{{0, 0}}, Options{MaxIterations: 5})
	require.Error(t, err)
	assert.False(t, model.IsConvergenceWarning(err))
}

func TestEstimateU_SeededAndLow(t *testing.T) {
	sc := fsScorer(t)
	records := duplicates(50)

	u1, err := EstimateU(context.Background(), sc, records, 2000, 42)
	require.NoError(t, err)
	u2, err := EstimateU(context.Background(), sc, records, 2000, 42)
	require.NoError(t, err)
	assert.Equal(t, u1, u2, "same seed, same sample")

	require.Contains(t, u1, "email")
	assert.Less(t, u1["email"][0], 0.05)

	st := Initial(sc.Rules(), 0.01).WithU(u1)
	email, _ := st.Rule("email")
	assert.Equal(t, u1["email"], email.U)
}

func TestEstimateU_TooFewRecords(t *testing.T) {
	u, err := EstimateU(context.Background(), fsScorer(t), duplicates(0), 100, 1)
	require.NoError(t, err)
	assert.Empty(t, u)
}

func TestParams_FeedScorer(t *testing.T) {
	sc := fsScorer(t)
	st := Initial(sc.Rules(), 0.01)
	p := st.Params()
	assert.Equal(t, st.Lambda, p.Lambda)
	assert.Equal(t, st.Rules[0].M, p.M["email"])

	trained := sc.WithParams(p)
	assert.Greater(t, trained.Weight(0, 0), 0.0)
	assert.Less(t, trained.Weight(0, 1), 0.0)
}
