package training

import (
	"context"
	"math"
	"math/rand/v2"
	"runtime"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/reconcile/internal/model"
	"github.com/sells-group/reconcile/internal/scorer"
)

// ChunkSize is the number of comparison vectors per partial-sum task.
const ChunkSize = 1024

// Options controls EM iteration.
type Options struct {
	MaxIterations int
	Tolerance     float64
	// FixU keeps u fixed, typically after estimating it from random pairs.
	FixU    bool
	Workers int
}

// Vectors are comparison levels per pair, one entry per top-level rule.
// Level -1 marks a null comparison, which carries no evidence.
type Vectors [][]int

// ComparisonVectors evaluates every rule level for each pair.
func ComparisonVectors(ctx context.Context, sc *scorer.Scorer, pairs []model.CandidatePair, idx *model.Index, workers int) (Vectors, error) {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	out := make(Vectors, len(pairs))
	nChunks := (len(pairs) + ChunkSize - 1) / ChunkSize

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for c := 0; c < nChunks; c++ {
		g.Go(func() error {
			if err := gCtx.Err(); err != nil {
				return err
			}
			lo := c * ChunkSize
			hi := min(lo+ChunkSize, len(pairs))
			for i := lo; i < hi; i++ {
				a, _ := idx.Get(pairs[i].A)
				b, _ := idx.Get(pairs[i].B)
				out[i] = levels(sc.Compare(a, b))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, eris.Wrap(err, "training: comparison vectors")
	}
	return out, nil
}

func levels(cs []scorer.Comparison) []int {
	out := make([]int, len(cs))
	for i, c := range cs {
		out[i] = c.Level
	}
	return out
}

// partial holds the sufficient statistics accumulated over one chunk.
type partial struct {
	mNum, uNum [][]float64
	mDen, uDen []float64
	wSum       float64
	ll         float64
	n          int
}

func newPartial(st State) *partial {
	p := &partial{
		mNum: make([][]float64, len(st.Rules)),
		uNum: make([][]float64, len(st.Rules)),
		mDen: make([]float64, len(st.Rules)),
		uDen: make([]float64, len(st.Rules)),
	}
	for i, r := range st.Rules {
		p.mNum[i] = make([]float64, len(r.M))
		p.uNum[i] = make([]float64, len(r.U))
	}
	return p
}

func (p *partial) add(o *partial) {
	for i := range p.mNum {
		for l := range p.mNum[i] {
			p.mNum[i][l] += o.mNum[i][l]
			p.uNum[i][l] += o.uNum[i][l]
		}
		p.mDen[i] += o.mDen[i]
		p.uDen[i] += o.uDen[i]
	}
	p.wSum += o.wSum
	p.ll += o.ll
	p.n += o.n
}

// Step runs one E and M step and returns the next state with the
// log-likelihood of vecs under st. Partial sums are reduced in chunk order,
// so the result is independent of the worker count. Cancelling ctx stops
// the remaining chunks.
func Step(ctx context.Context, st State, vecs Vectors, fixU bool, workers int) (State, error) {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	nChunks := (len(vecs) + ChunkSize - 1) / ChunkSize
	parts := make([]*partial, nChunks)

	logLambda := math.Log(st.Lambda)
	logNotLambda := math.Log(1 - st.Lambda)
	logM := logTable(st, true)
	logU := logTable(st, false)

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for c := 0; c < nChunks; c++ {
		g.Go(func() error {
			if err := gCtx.Err(); err != nil {
				return err
			}
			p := newPartial(st)
			lo := c * ChunkSize
			hi := min(lo+ChunkSize, len(vecs))
			for _, vec := range vecs[lo:hi] {
				lm, lu := logLambda, logNotLambda
				for r, l := range vec {
					if l < 0 {
						continue
					}
					lm += logM[r][l]
					lu += logU[r][l]
				}
				total := logSumExp(lm, lu)
				w := math.Exp(lm - total)
				p.ll += total
				p.wSum += w
				p.n++
				for r, l := range vec {
					if l < 0 {
						continue
					}
					p.mNum[r][l] += w
					p.mDen[r] += w
					p.uNum[r][l] += 1 - w
					p.uDen[r] += 1 - w
				}
			}
			parts[c] = p
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return st, eris.Wrap(err, "training: em step")
	}

	total := newPartial(st)
	for _, p := range parts {
		total.add(p)
	}

	next := st.Clone()
	next.Version = st.Version + 1
	next.LogLikelihood = total.ll
	if total.n > 0 {
		next.Lambda = clamp(total.wSum / float64(total.n))
	}
	for r := range next.Rules {
		if total.mDen[r] > 0 {
			for l := range next.Rules[r].M {
				next.Rules[r].M[l] = total.mNum[r][l] / total.mDen[r]
			}
			next.Rules[r].M = normalize(next.Rules[r].M)
		}
		if !fixU && total.uDen[r] > 0 {
			for l := range next.Rules[r].U {
				next.Rules[r].U[l] = total.uNum[r][l] / total.uDen[r]
			}
			next.Rules[r].U = normalize(next.Rules[r].U)
		}
	}
	return next, nil
}

func logTable(st State, match bool) [][]float64 {
	out := make([][]float64, len(st.Rules))
	for i, r := range st.Rules {
		ps := r.U
		if match {
			ps = r.M
		}
		out[i] = make([]float64, len(ps))
		for l, p := range ps {
			out[i][l] = math.Log(clamp(p))
		}
	}
	return out
}

func logSumExp(a, b float64) float64 {
	if a < b {
		a, b = b, a
	}
	return a + math.Log1p(math.Exp(b-a))
}

// Train iterates EM from st until the log-likelihood changes by less than
// the tolerance. When the iteration cap is hit first, the last state is
// returned together with a ConvergenceWarning.
func Train(ctx context.Context, st State, vecs Vectors, opts Options) (State, error) {
	log := zap.L().With(zap.String("component", "training"))

	if len(vecs) == 0 {
		out := st.Clone()
		out.Converged = true
		log.Info("training: no comparison vectors, keeping priors")
		return out, nil
	}

	prevLL := math.Inf(-1)
	delta := math.Inf(1)
	cur := st.Clone()
	for it := 1; it <= opts.MaxIterations; it++ {
		if err := ctx.Err(); err != nil {
			return cur, eris.Wrap(err, "training: cancelled")
		}
		next, err := Step(ctx, cur, vecs, opts.FixU, opts.Workers)
		if err != nil {
			return cur, err
		}
		ll := next.LogLikelihood
		delta = math.Abs(ll - prevLL)
		next.Iterations = it
		cur = next

		log.Debug("training: em step",
			zap.Int("iteration", it),
			zap.Float64("log_likelihood", ll),
			zap.Float64("lambda", cur.Lambda),
		)
		if it > 1 && delta < opts.Tolerance {
			cur.Converged = true
			log.Info("training: converged", zap.Int("iterations", it), zap.Float64("log_likelihood", ll))
			return cur, nil
		}
		prevLL = ll
	}

	log.Warn("training: iteration cap reached", zap.Int("iterations", opts.MaxIterations), zap.Float64("delta", delta))
	return cur, &model.ConvergenceWarning{Iterations: opts.MaxIterations, Delta: delta}
}

// EstimateU estimates u probabilities from n uniformly sampled record pairs,
// which are presumed to be overwhelmingly non-matches. The sample is fully
// determined by seed.
func EstimateU(ctx context.Context, sc *scorer.Scorer, records []model.Record, n int, seed uint64) (map[string][]float64, error) {
	out := map[string][]float64{}
	if len(records) < 2 || n <= 0 {
		return out, nil
	}

	rules := sc.Rules()
	counts := make([][]float64, len(rules))
	known := make([]float64, len(rules))
	for i, r := range rules {
		counts[i] = make([]float64, r.NumLevels())
	}

	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	for s := 0; s < n; s++ {
		if s%ChunkSize == 0 {
			if err := ctx.Err(); err != nil {
				return nil, eris.Wrap(err, "training: estimate u")
			}
		}
		i := rng.IntN(len(records))
		j := rng.IntN(len(records) - 1)
		if j >= i {
			j++
		}
		for r, c := range sc.Compare(records[i], records[j]) {
			if c.Level < 0 {
				continue
			}
			counts[r][c.Level]++
			known[r]++
		}
	}

	for r, rule := range rules {
		if known[r] == 0 {
			continue
		}
		u := make([]float64, len(counts[r]))
		for l := range u {
			u[l] = counts[r][l] / known[r]
		}
		out[rule.Name] = normalize(u)
	}
	return out, nil
}

// WithU returns a copy of st with u vectors replaced where provided.
func (s State) WithU(u map[string][]float64) State {
	out := s.Clone()
	for i, r := range out.Rules {
		if v, ok := u[r.Name]; ok && len(v) == len(r.U) {
			out.Rules[i].U = append([]float64(nil), v...)
		}
	}
	return out
}
