// Package cluster groups records into entities as connected components of
// the merge graph.
package cluster

import (
	"context"
	"runtime"
	"sort"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/reconcile/internal/model"
)

// Options tunes clustering.
type Options struct {
	Workers int
}

// Output holds the partition and any split conflicts found while building it.
type Output struct {
	Clusters  []model.Cluster
	Conflicts []model.ConflictError
}

type edge struct {
	a, b   int
	forced bool
	score  float64
}

// Build partitions ids into clusters. Only merge decisions form edges;
// review and no_match pairs never join records. Every id appears in exactly
// one cluster, singletons included. A merge edge that would join the two
// sides of a forced split is dropped and reported as a conflict.
func Build(ctx context.Context, ids []string, decisions []model.PairDecision, splits []model.PairKey, opts Options) (*Output, error) {
	log := zap.L().With(zap.String("component", "cluster"))

	pos := make(map[string]int, len(ids))
	for i, id := range ids {
		pos[id] = i
	}

	var edges []edge
	for _, d := range decisions {
		if d.Label != model.LabelMerge {
			continue
		}
		a, okA := pos[d.Pair.A]
		b, okB := pos[d.Pair.B]
		if !okA || !okB {
			log.Warn("cluster: merge edge references unknown record", zap.String("a", d.Pair.A), zap.String("b", d.Pair.B))
			continue
		}
		edges = append(edges, edge{a: a, b: b, forced: d.Overridden == model.ForceMerge, score: d.Score})
	}

	var (
		uf        *UnionFind
		conflicts []model.ConflictError
		err       error
	)
	if len(splits) == 0 {
		uf, err = parallelComponents(ctx, len(ids), edges, opts.Workers)
		if err != nil {
			return nil, err
		}
	} else {
		uf, conflicts = constrainedComponents(ids, pos, edges, splits)
		for _, c := range conflicts {
			log.Warn("cluster: forced split contradicts merge evidence",
				zap.String("split_a", c.A),
				zap.String("split_b", c.B),
				zap.String("edge_a", c.EdgeA),
				zap.String("edge_b", c.EdgeB),
			)
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, eris.Wrap(err, "cluster: build")
	}

	out := &Output{Clusters: collect(ids, uf), Conflicts: conflicts}
	log.Debug("cluster: built clusters",
		zap.Int("records", len(ids)),
		zap.Int("edges", len(edges)),
		zap.Int("clusters", len(out.Clusters)),
		zap.Int("conflicts", len(conflicts)),
	)
	return out, nil
}

// parallelComponents partitions the edges across workers, builds one forest
// per partition and folds the forests into a global one. Connected
// components do not depend on union order, so the result is deterministic.
func parallelComponents(ctx context.Context, n int, edges []edge, workers int) (*UnionFind, error) {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	if workers > len(edges) {
		workers = max(1, len(edges))
	}

	forests := make([]*UnionFind, workers)
	per := (len(edges) + workers - 1) / workers
	g, gCtx := errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			if err := gCtx.Err(); err != nil {
				return err
			}
			local := NewUnionFind(n)
			lo := min(w*per, len(edges))
			hi := min(lo+per, len(edges))
			for _, e := range edges[lo:hi] {
				local.Union(e.a, e.b)
			}
			forests[w] = local
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, eris.Wrap(err, "cluster: union edges")
	}

	global := NewUnionFind(n)
	for _, f := range forests {
		for x := 0; x < n; x++ {
			if r := f.Find(x); r != x {
				global.Union(x, r)
			}
		}
	}
	return global, nil
}

type cannotLink struct {
	other int
	pair  model.PairKey
}

// constrainedComponents applies edges strongest first (forced merges, then
// score descending, then ids) and skips any edge that would place both sides
// of a forced split in one set.
func constrainedComponents(ids []string, pos map[string]int, edges []edge, splits []model.PairKey) (*UnionFind, []model.ConflictError) {
	uf := NewUnionFind(len(ids))
	forbid := map[int][]cannotLink{}
	for _, s := range splits {
		a, okA := pos[s.A]
		b, okB := pos[s.B]
		if !okA || !okB || a == b {
			continue
		}
		forbid[a] = append(forbid[a], cannotLink{other: b, pair: s})
		forbid[b] = append(forbid[b], cannotLink{other: a, pair: s})
	}

	sorted := append([]edge(nil), edges...)
	sort.SliceStable(sorted, func(i, j int) bool {
		ei, ej := sorted[i], sorted[j]
		if ei.forced != ej.forced {
			return ei.forced
		}
		if ei.score != ej.score {
			return ei.score > ej.score
		}
		if ei.a != ej.a {
			return ei.a < ej.a
		}
		return ei.b < ej.b
	})

	var conflicts []model.ConflictError
	for _, e := range sorted {
		ra, rb := uf.Find(e.a), uf.Find(e.b)
		if ra == rb {
			continue
		}
		small, other := ra, rb
		if len(forbid[rb]) < len(forbid[ra]) {
			small, other = rb, ra
		}
		var hit *cannotLink
		for i := range forbid[small] {
			if uf.Find(forbid[small][i].other) == other {
				hit = &forbid[small][i]
				break
			}
		}
		if hit != nil {
			reason := "merge edge dropped"
			if e.forced {
				reason = "forced merge dropped"
			}
			conflicts = append(conflicts, model.ConflictError{
				A: hit.pair.A, B: hit.pair.B,
				EdgeA: ids[min(e.a, e.b)], EdgeB: ids[max(e.a, e.b)],
				Reason: reason,
			})
			continue
		}
		root := uf.Union(ra, rb)
		merged := append(forbid[ra], forbid[rb]...)
		delete(forbid, ra)
		delete(forbid, rb)
		if len(merged) > 0 {
			forbid[root] = merged
		}
	}
	return uf, conflicts
}

func collect(ids []string, uf *UnionFind) []model.Cluster {
	byRoot := map[int][]string{}
	var roots []int
	for i, id := range ids {
		r := uf.Find(i)
		if _, ok := byRoot[r]; !ok {
			roots = append(roots, r)
		}
		byRoot[r] = append(byRoot[r], id)
	}

	clusters := make([]model.Cluster, 0, len(roots))
	for _, r := range roots {
		members := byRoot[r]
		sort.Strings(members)
		clusters = append(clusters, model.Cluster{EntityID: model.EntityID(members), Members: members})
	}
	sort.Slice(clusters, func(i, j int) bool { return clusters[i].Members[0] < clusters[j].Members[0] })
	return clusters
}

// Validate checks that clusters partition ids: every id in exactly one
// cluster and no unknown members.
func Validate(clusters []model.Cluster, ids []string) error {
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	seen := make(map[string]bool, len(ids))
	for _, c := range clusters {
		if len(c.Members) == 0 {
			return eris.Errorf("cluster: entity %s has no members", c.EntityID)
		}
		for _, m := range c.Members {
			if !want[m] {
				return eris.Errorf("cluster: unknown member %s", m)
			}
			if seen[m] {
				return eris.Errorf("cluster: record %s appears in more than one cluster", m)
			}
			seen[m] = true
		}
	}
	if len(seen) != len(want) {
		return eris.Errorf("cluster: %d of %d records assigned", len(seen), len(want))
	}
	return nil
}
