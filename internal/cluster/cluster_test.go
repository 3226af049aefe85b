package cluster

import (
	"context"
	"fmt"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/reconcile/internal/model"
)

func merge(a, b string, score float64) model.PairDecision {
	return model.PairDecision{
		ScoredPair: model.ScoredPair{Pair: model.NewPair(a, b), Score: score},
		Label:      model.LabelMerge,
	}
}

func labelled(a, b string, l model.Label) model.PairDecision {
	d := merge(a, b, 0)
	d.Label = l
	return d
}

func members(out *Output) [][]string {
	var got [][]string
	for _, c := range out.Clusters {
		got = append(got, c.Members)
	}
	return got
}

func TestUnionFind(t *testing.T) {
	uf := NewUnionFind(5)
	assert.Equal(t, 5, uf.Len())
	uf.Union(0, 1)
	uf.Union(3, 4)
	assert.True(t, uf.Connected(0, 1))
	assert.False(t, uf.Connected(1, 3))
	uf.Union(1, 4)
	assert.True(t, uf.Connected(0, 3))
	assert.Equal(t, 4, uf.Size(3))
	assert.Equal(t, 1, uf.Size(2))
	assert.Equal(t, uf.Find(0), uf.Union(0, 4), "union of connected ids is a no-op")
}

func TestBuild_TransitiveAndSingletons(t *testing.T) {
	ids := []string{"a", "b", "c", "d", "e"}
	decisions := []model.PairDecision{
		merge("a", "b", 1),
		merge("b", "c", 1),
		labelled("d", "e", model.LabelReview),
		labelled("a", "e", model.LabelNoMatch),
	}
	out, err := Build(context.Background(), ids, decisions, nil, Options{})
	require.NoError(t, err)

	assert.Equal(t, [][]string{{"a", "b", "c"}, {"d"}, {"e"}}, members(out))
	assert.NoError(t, Validate(out.Clusters, ids))
	assert.Empty(t, out.Conflicts)
}

func TestBuild_EntityIDDeterministic(t *testing.T) {
	ids := []string{"a", "b", "c"}
	out1, err := Build(context.Background(), ids, []model.PairDecision{merge("a", "b", 1)}, nil, Options{})
	require.NoError(t, err)
	out2, err := Build(context.Background(), ids, []model.PairDecision{merge("b", "a", 1)}, nil, Options{Workers: 3})
	require.NoError(t, err)

	assert.Equal(t, out1.Clusters, out2.Clusters)
	assert.Equal(t, model.EntityID([]string{"a", "b"}), out1.Clusters[0].EntityID)
	assert.NotEqual(t, out1.Clusters[0].EntityID, out1.Clusters[1].EntityID)
}

func TestBuild_OrderIndependent(t *testing.T) {
	var ids []string
	for i := 0; i < 200; i++ {
		ids = append(ids, fmt.Sprintf("r%03d", i))
	}
	rng := rand.New(rand.NewPCG(7, 7))
	var decisions []model.PairDecision
	for i := 0; i < 150; i++ {
		a, b := rng.IntN(len(ids)), rng.IntN(len(ids))
		if a == b {
			continue
		}
		decisions = append(decisions, merge(ids[a], ids[b], 1))
	}

	want, err := Build(context.Background(), ids, decisions, nil, Options{Workers: 1})
	require.NoError(t, err)
	require.NoError(t, Validate(want.Clusters, ids))

	for _, workers := range []int{2, 4, 9} {
		shuffled := append([]model.PairDecision(nil), decisions...)
		rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
		got, err := Build(context.Background(), ids, shuffled, nil, Options{Workers: workers})
		require.NoError(t, err)
		assert.Equal(t, want.Clusters, got.Clusters, "workers=%d", workers)
	}

	// Every merge edge ends up inside one cluster.
	where := map[string]string{}
	for _, c := range want.Clusters {
		for _, m := range c.Members {
			where[m] = c.EntityID
		}
	}
	for _, d := range decisions {
		assert.Equal(t, where[d.Pair.A], where[d.Pair.B])
	}
}

func TestBuild_SplitWinsOverTransitiveMerge(t *testing.T) {
	ids := []string{"a", "b", "c"}
	decisions := []model.PairDecision{
		merge("a", "b", 0.9),
		merge("b", "c", 0.8),
	}
	splits := []model.PairKey{model.NewPairKey("a", "c")}

	out, err := Build(context.Background(), ids, decisions, splits, Options{})
	require.NoError(t, err)

	assert.Equal(t, [][]string{{"a", "b"}, {"c"}}, members(out), "weaker edge is dropped")
	require.Len(t, out.Conflicts, 1)
	c := out.Conflicts[0]
	assert.Equal(t, "a", c.A)
	assert.Equal(t, "c", c.B)
	assert.Equal(t, "b", c.EdgeA)
	assert.Equal(t, "c", c.EdgeB)
	assert.True(t, model.IsConflict(&c))
}

func TestBuild_SplitDirectEdge(t *testing.T) {
	ids := []string{"a", "b"}
	// A split override labels the pair no_match upstream, so no merge edge
	// exists and no conflict is reported.
	decisions := []model.PairDecision{labelled("a", "b", model.LabelNoMatch)}
	out, err := Build(context.Background(), ids, decisions, []model.PairKey{model.NewPairKey("a", "b")}, Options{})
	require.NoError(t, err)
	assert.Len(t, out.Clusters, 2)
	assert.Empty(t, out.Conflicts)
}

func TestBuild_ForcedMergeAppliedFirst(t *testing.T) {
	ids := []string{"a", "b", "c"}
	forced := merge("b", "c", 0)
	forced.Overridden = model.ForceMerge
	decisions := []model.PairDecision{merge("a", "b", 0.99), forced}

	out, err := Build(context.Background(), ids, decisions, []model.PairKey{model.NewPairKey("a", "c")}, Options{})
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"a"}, {"b", "c"}}, members(out))
	require.Len(t, out.Conflicts, 1)
	assert.Equal(t, "merge edge dropped", out.Conflicts[0].Reason)
}

func TestBuild_Empty(t *testing.T) {
	out, err := Build(context.Background(), nil, nil, nil, Options{})
	require.NoError(t, err)
	assert.Empty(t, out.Clusters)
}

func TestBuild_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Build(ctx, []string{"a", "b"}, []model.PairDecision{merge("a", "b", 1)}, nil, Options{})
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	ids := []string{"a", "b"}
	assert.NoError(t, Validate([]model.Cluster{{Members: []string{"a"}}, {Members: []string{"b"}}}, ids))
	assert.ErrorContains(t, Validate([]model.Cluster{{Members: []string{"a", "b"}}, {Members: []string{"b"}}}, ids), "more than one")
	assert.ErrorContains(t, Validate([]model.Cluster{{Members: []string{"a"}}}, ids), "1 of 2")
	assert.ErrorContains(t, Validate([]model.Cluster{{Members: []string{"a", "b", "z"}}}, ids), "unknown member")
}
