package scorer

import (
	"context"
	"math"
	"runtime"
	"sync/atomic"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/reconcile/internal/model"
	"github.com/sells-group/reconcile/internal/spec"
)

// ChunkSize is the number of pairs each worker task scores. Reductions run
// over chunks in index order so results do not depend on worker count.
const ChunkSize = 512

// probFloor keeps m/u away from 0 and 1 when computing log weights.
const probFloor = 1e-6

// Params holds Fellegi-Sunter level probabilities keyed by rule name.
type Params struct {
	Lambda float64
	M      map[string][]float64
	U      map[string][]float64
}

// PriorParams builds parameters from the rules' declared or default priors.
func PriorParams(rules []Rule, lambda float64) Params {
	p := Params{Lambda: lambda, M: map[string][]float64{}, U: map[string][]float64{}}
	for _, r := range rules {
		p.M[r.Name] = append([]float64(nil), r.PriorM...)
		p.U[r.Name] = append([]float64(nil), r.PriorU...)
	}
	return p
}

// Scorer combines rule outcomes into pair scores.
type Scorer struct {
	mode   spec.Mode
	rules  []Rule
	lambda float64
	// weights[i][level] is the log2 likelihood ratio for rule i.
	weights [][]float64
}

// New returns a scorer for the given rules and combination mode using the
// default prior match rate.
func New(rules []Rule, mode spec.Mode) *Scorer {
	return NewWithPrior(rules, mode, spec.DefaultPriorMatchRate)
}

// NewWithPrior is New with an explicit prior match rate. Fellegi-Sunter
// scorers start from the rules' priors with lambda = priorMatchRate; see
// WithParams.
func NewWithPrior(rules []Rule, mode spec.Mode, priorMatchRate float64) *Scorer {
	s := &Scorer{mode: mode, rules: rules}
	if mode == spec.ModeFellegiSunter {
		if priorMatchRate <= 0 || priorMatchRate >= 1 {
			priorMatchRate = spec.DefaultPriorMatchRate
		}
		s = s.WithParams(PriorParams(rules, priorMatchRate))
	}
	return s
}

// WithParams returns a copy of s using the given m/u probabilities.
func (s *Scorer) WithParams(p Params) *Scorer {
	out := &Scorer{mode: s.mode, rules: s.rules, lambda: p.Lambda}
	out.weights = make([][]float64, len(s.rules))
	for i, r := range s.rules {
		m, u := p.M[r.Name], p.U[r.Name]
		w := make([]float64, r.NumLevels())
		for l := range w {
			mi, ui := r.PriorM[l], r.PriorU[l]
			if l < len(m) {
				mi = m[l]
			}
			if l < len(u) {
				ui = u[l]
			}
			w[l] = math.Log2(clamp(mi) / clamp(ui))
		}
		out.weights[i] = w
	}
	return out
}

func clamp(p float64) float64 {
	return math.Min(1-probFloor, math.Max(probFloor, p))
}

// Mode returns the combination mode.
func (s *Scorer) Mode() spec.Mode { return s.mode }

// Rules returns the top-level rules in declaration order.
func (s *Scorer) Rules() []Rule { return s.rules }

// Weight returns the log2 weight for a rule level, or 0 for a null level.
func (s *Scorer) Weight(rule, level int) float64 {
	if level < 0 || s.weights == nil {
		return 0
	}
	return s.weights[rule][level]
}

// Compare evaluates every top-level rule on the pair.
func (s *Scorer) Compare(a, b model.Record) []Comparison {
	out := make([]Comparison, len(s.rules))
	for i, r := range s.rules {
		out[i] = Evaluate(r, a, b)
	}
	return out
}

// Score evaluates and combines all rules for one pair.
func (s *Scorer) Score(a, b model.Record) model.ScoredPair {
	sp := model.ScoredPair{
		Pair:    model.NewPair(a.ID, b.ID),
		Results: make([]model.RuleResult, len(s.rules)),
	}
	for i, r := range s.rules {
		c := Evaluate(r, a, b)
		contrib := s.contribution(i, r, c)
		sp.Results[i] = model.RuleResult{
			Rule:         r.Name,
			Outcome:      c.Outcome,
			Similarity:   c.Similarity,
			Level:        c.Level,
			Contribution: contrib,
		}
		sp.Score += contrib
	}
	if s.mode == spec.ModeFellegiSunter {
		sp.Probability = MatchProbability(sp.Score, s.lambda)
	}
	return sp
}

func (s *Scorer) contribution(i int, r Rule, c Comparison) float64 {
	if s.mode == spec.ModeFellegiSunter {
		return s.Weight(i, c.Level)
	}
	switch c.Outcome {
	case model.Agree:
		return r.Weight
	case model.Disagree:
		if r.Kind == KindExact {
			return r.MismatchPenalty
		}
	}
	return 0
}

// MatchProbability converts a summed log2 weight into a posterior match
// probability under prior lambda.
func MatchProbability(score, lambda float64) float64 {
	lambda = clamp(lambda)
	logit := score + math.Log2(lambda/(1-lambda))
	return 1 / (1 + math.Exp2(-logit))
}

// statsAcc accumulates per-rule telemetry for one chunk.
type statsAcc struct {
	evaluated, matched, skipped int
	simSum                      float64
}

// ScoreAll scores every pair in parallel. The output is index-aligned with
// pairs. Records missing from idx are scored as all-null.
func (s *Scorer) ScoreAll(ctx context.Context, pairs []model.CandidatePair, idx *model.Index, workers int) ([]model.ScoredPair, map[string]model.RuleStats, error) {
	log := zap.L().With(zap.String("component", "scorer"))
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	out := make([]model.ScoredPair, len(pairs))
	nChunks := (len(pairs) + ChunkSize - 1) / ChunkSize
	chunkStats := make([][]statsAcc, nChunks)
	var missing atomic.Int64

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for c := 0; c < nChunks; c++ {
		g.Go(func() error {
			if err := gCtx.Err(); err != nil {
				return err
			}
			lo := c * ChunkSize
			hi := min(lo+ChunkSize, len(pairs))
			acc := make([]statsAcc, len(s.rules))
			for i := lo; i < hi; i++ {
				a, okA := idx.Get(pairs[i].A)
				b, okB := idx.Get(pairs[i].B)
				if !okA {
					a = model.Record{ID: pairs[i].A}
					missing.Add(1)
				}
				if !okB {
					b = model.Record{ID: pairs[i].B}
					missing.Add(1)
				}
				sp := s.Score(a, b)
				sp.Pair.Keys = pairs[i].Keys
				out[i] = sp
				for j, res := range sp.Results {
					acc[j].evaluated++
					switch res.Outcome {
					case model.Agree:
						acc[j].matched++
						acc[j].simSum += res.Similarity
					case model.Disagree:
						acc[j].simSum += res.Similarity
					default:
						acc[j].skipped++
					}
				}
			}
			chunkStats[c] = acc
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, eris.Wrap(err, "scorer: score pairs")
	}

	stats := make(map[string]model.RuleStats, len(s.rules))
	for j, r := range s.rules {
		var total statsAcc
		for _, acc := range chunkStats {
			total.evaluated += acc[j].evaluated
			total.matched += acc[j].matched
			total.skipped += acc[j].skipped
			total.simSum += acc[j].simSum
		}
		rs := model.RuleStats{Evaluated: total.evaluated, Matched: total.matched, Skipped: total.skipped}
		if known := total.evaluated - total.skipped; known > 0 {
			rs.AvgSimilarity = total.simSum / float64(known)
		}
		stats[r.Name] = rs
	}

	if n := missing.Load(); n > 0 {
		log.Warn("scorer: pairs referenced unknown records", zap.Int64("missing", n))
	}
	log.Debug("scorer: scored pairs", zap.Int("pairs", len(pairs)), zap.Int("chunks", nChunks))
	return out, stats, nil
}
