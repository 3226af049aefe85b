package pipeline

import (
	"context"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/reconcile/internal/blocking"
	"github.com/sells-group/reconcile/internal/cluster"
	"github.com/sells-group/reconcile/internal/decision"
	"github.com/sells-group/reconcile/internal/model"
	"github.com/sells-group/reconcile/internal/scorer"
	"github.com/sells-group/reconcile/internal/spec"
	"github.com/sells-group/reconcile/internal/survivorship"
	"github.com/sells-group/reconcile/internal/training"
)

// Stage names, used as keys in Telemetry.StageDurations.
const (
	StageIndex        = "index"
	StageBlocking     = "blocking"
	StageTraining     = "training"
	StageScoring      = "scoring"
	StageDecision     = "decision"
	StageClustering   = "clustering"
	StageSurvivorship = "survivorship"
)

// Options tunes a single run.
type Options struct {
	// Workers bounds parallelism in every stage. 0 means GOMAXPROCS.
	Workers int
	// Overrides are applied after the spec's own overrides; later entries win.
	Overrides []model.Override
	// RunID labels the run. A random UUID is used when empty.
	RunID string
}

// Run reconciles records under the compiled spec. The context is checked
// between stages; a cancelled run returns no partial result.
func Run(ctx context.Context, c *Compiled, records []model.Record, opts Options) (*model.Result, error) {
	if c == nil {
		return nil, eris.New("pipeline: nil compiled spec")
	}
	if err := spec.ValidateOverrides(opts.Overrides); err != nil {
		return nil, err
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	runID := opts.RunID
	if runID == "" {
		runID = uuid.NewString()
	}

	log := zap.L().With(zap.String("component", "pipeline"), zap.String("run_id", runID))
	log.Info("pipeline: starting run",
		zap.String("entity", c.Spec.Entity),
		zap.String("mode", string(c.Mode)),
		zap.Int("records", len(records)),
		zap.Int("workers", workers),
	)

	tel := model.Telemetry{
		RunID:          runID,
		SpecHash:       c.Hash,
		StageDurations: map[string]time.Duration{},
	}

	stage := func(name string, fn func() error) error {
		if err := ctx.Err(); err != nil {
			return eris.Wrapf(err, "pipeline: cancelled before %s", name)
		}
		start := time.Now()
		err := fn()
		d := time.Since(start)
		tel.StageDurations[name] = d
		if err != nil {
			log.Error("pipeline: stage failed", zap.String("stage", name), zap.Duration("duration", d), zap.Error(err))
			return err
		}
		log.Info("pipeline: stage complete", zap.String("stage", name), zap.Duration("duration", d))
		return nil
	}

	var idx *model.Index
	if err := stage(StageIndex, func() error {
		normalized, dataErrs := normalize(c.Spec, records)
		var dupes []string
		idx, dupes = model.NewIndex(normalized)
		for _, id := range dupes {
			dataErrs = append(dataErrs, model.DataError{RecordID: id, Reason: "duplicate record id dropped"})
		}
		tel.DataErrors = dataErrs
		tel.Records = idx.Len()
		return nil
	}); err != nil {
		return nil, err
	}

	var blocked *blocking.Output
	if err := stage(StageBlocking, func() error {
		var err error
		blocked, err = blocking.Generate(ctx, idx.Records(), c.Spec.Blocking.Keys, blocking.Options{
			MaxGroupSize: c.Spec.Blocking.MaxGroupSize,
			Workers:      workers,
		})
		return err
	}); err != nil {
		return nil, err
	}
	tel.BlockingGroups = blocked.Groups
	tel.Oversized = blocked.Oversized

	sc := c.Scorer
	var params *model.FSParams
	if c.Mode == spec.ModeFellegiSunter {
		params = fsParams(c.Rules, scorer.PriorParams(c.Rules, c.Spec.Training.PriorMatchRate), false)
	}
	if c.Mode == spec.ModeFellegiSunter && !c.Spec.Training.Disabled {
		if err := stage(StageTraining, func() error {
			trained, p, summary, warn, err := train(ctx, c, sc, idx, blocked.Pairs, workers)
			if err != nil {
				return err
			}
			sc = trained
			params = fsParams(c.Rules, p, true)
			tel.Training = summary
			tel.NonConvergence = warn
			return nil
		}); err != nil {
			return nil, err
		}
	}

	var scored []model.ScoredPair
	if err := stage(StageScoring, func() error {
		var err error
		scored, tel.Rules, err = sc.ScoreAll(ctx, blocked.Pairs, idx, workers)
		return err
	}); err != nil {
		return nil, err
	}
	tel.PairsEvaluated = len(scored)

	overrides := decision.NewOverrides(append(append([]model.Override(nil), c.Spec.Decision.Overrides...), opts.Overrides...))
	var decisions []model.PairDecision
	if err := stage(StageDecision, func() error {
		decisions = decision.Decide(scored, c.Spec.Decision.Thresholds, overrides, func(id string) bool {
			_, ok := idx.Get(id)
			return ok
		})
		tel.Decisions = decision.Counts(decisions)
		return nil
	}); err != nil {
		return nil, err
	}

	var clustered *cluster.Output
	if err := stage(StageClustering, func() error {
		var err error
		clustered, err = cluster.Build(ctx, idx.IDs(), decisions, overrides.Splits(), cluster.Options{Workers: workers})
		if err != nil {
			return err
		}
		if err := cluster.Validate(clustered.Clusters, idx.IDs()); err != nil {
			return eris.Wrap(err, "pipeline: clustering produced an invalid partition")
		}
		return nil
	}); err != nil {
		return nil, err
	}
	tel.Conflicts = clustered.Conflicts
	for i := range clustered.Conflicts {
		log.Warn("pipeline: split override contradicted by merge evidence", zap.Error(&clustered.Conflicts[i]))
	}

	var golden []model.GoldenRecord
	if err := stage(StageSurvivorship, func() error {
		var err error
		golden, err = survivorship.Resolve(ctx, clustered.Clusters, idx, c.Table, workers)
		return err
	}); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, eris.Wrap(err, "pipeline: cancelled")
	}

	tel.Clusters = len(clustered.Clusters)
	for _, cl := range clustered.Clusters {
		if cl.Size() == 1 {
			tel.Singletons++
		}
		if cl.Size() > tel.LargestCluster {
			tel.LargestCluster = cl.Size()
		}
	}
	tel.MergeRate = model.MergeRate(tel.Records, tel.Clusters)

	log.Info("pipeline: run complete",
		zap.Int("records", tel.Records),
		zap.Int("clusters", tel.Clusters),
		zap.Int("pairs", tel.PairsEvaluated),
		zap.Float64("merge_rate", tel.MergeRate),
		zap.Int("conflicts", len(tel.Conflicts)),
		zap.Int("data_errors", len(tel.DataErrors)),
	)

	return &model.Result{
		Pairs:     blocked.Pairs,
		Decisions: decisions,
		Clusters:  clustered.Clusters,
		Golden:    golden,
		Params:    params,
		Telemetry: tel,
	}, nil
}

// train estimates m/u probabilities by EM over the candidate pairs and
// returns a scorer using them along with the learned parameters. warn
// reports that EM hit its iteration cap.
func train(ctx context.Context, c *Compiled, sc *scorer.Scorer, idx *model.Index, pairs []model.CandidatePair, workers int) (*scorer.Scorer, scorer.Params, *model.TrainingSummary, bool, error) {
	cfg := c.Spec.Training
	st := training.Initial(c.Rules, cfg.PriorMatchRate)

	fixU := false
	if cfg.UEstimation == spec.UEstimationRandom {
		u, err := training.EstimateU(ctx, sc, idx.Records(), cfg.SamplePairs, cfg.Seed)
		if err != nil {
			return nil, scorer.Params{}, nil, false, err
		}
		st = st.WithU(u)
		fixU = true
	}

	vecs, err := training.ComparisonVectors(ctx, sc, pairs, idx, workers)
	if err != nil {
		return nil, scorer.Params{}, nil, false, err
	}

	trained, err := training.Train(ctx, st, vecs, training.Options{
		MaxIterations: cfg.MaxIterations,
		Tolerance:     cfg.Tolerance,
		FixU:          fixU,
		Workers:       workers,
	})
	warn := false
	if err != nil {
		if !model.IsConvergenceWarning(err) {
			return nil, scorer.Params{}, nil, false, err
		}
		warn = true
	}

	summary := &model.TrainingSummary{
		Iterations:    trained.Iterations,
		Converged:     trained.Converged,
		LogLikelihood: trained.LogLikelihood,
		Lambda:        trained.Lambda,
	}
	p := trained.Params()
	return sc.WithParams(p), p, summary, warn, nil
}

// fsParams lays p out in rule declaration order.
func fsParams(rules []scorer.Rule, p scorer.Params, trained bool) *model.FSParams {
	out := &model.FSParams{Lambda: p.Lambda, Trained: trained, Rules: make([]model.RuleProbabilities, 0, len(rules))}
	for _, r := range rules {
		out.Rules = append(out.Rules, model.RuleProbabilities{
			Rule: r.Name,
			M:    append([]float64(nil), p.M[r.Name]...),
			U:    append([]float64(nil), p.U[r.Name]...),
		})
	}
	return out
}

// normalize coerces attributes declared numeric. Values that cannot be read
// as numbers become null and are reported as data errors.
func normalize(s *spec.Spec, records []model.Record) ([]model.Record, []model.DataError) {
	if len(s.AttributeTypes) == 0 {
		return records, nil
	}
	var errs []model.DataError
	out := make([]model.Record, len(records))
	for i, r := range records {
		out[i] = r
		var attrs map[string]model.Value
		for attr, v := range r.Attrs {
			if !s.IsNumeric(attr) || v.Kind() != model.KindString {
				continue
			}
			if attrs == nil {
				attrs = make(map[string]model.Value, len(r.Attrs))
				for k, x := range r.Attrs {
					attrs[k] = x
				}
			}
			f, err := strconv.ParseFloat(strings.TrimSpace(v.Str()), 64)
			if err != nil {
				attrs[attr] = model.Null()
				errs = append(errs, model.DataError{RecordID: r.ID, Attr: attr, Reason: "not a number: " + strconv.Quote(v.Str())})
				continue
			}
			attrs[attr] = model.Number(f)
		}
		if attrs != nil {
			out[i].Attrs = attrs
		}
	}
	sort.Slice(errs, func(i, j int) bool {
		if errs[i].RecordID != errs[j].RecordID {
			return errs[i].RecordID < errs[j].RecordID
		}
		return errs[i].Attr < errs[j].Attr
	})
	return out, errs
}
