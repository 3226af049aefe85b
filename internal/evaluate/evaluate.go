// Package evaluate measures the quality of a reconciliation run. Structural
// and stability metrics come from the result alone; pairwise precision and
// recall need a ground-truth labelling.
package evaluate

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/reconcile/internal/fetcher"
	"github.com/sells-group/reconcile/internal/model"
)

// RuleStat is the stability view of one top-level rule.
type RuleStat struct {
	Rule          string  `json:"rule"`
	Evaluated     int     `json:"evaluated"`
	Matched       int     `json:"matched"`
	Skipped       int     `json:"skipped"`
	AvgSimilarity float64 `json:"avg_similarity"`
}

// MatchRate returns matched/evaluated, or 0 when nothing was evaluated.
func (s RuleStat) MatchRate() float64 {
	if s.Evaluated == 0 {
		return 0
	}
	return float64(s.Matched) / float64(s.Evaluated)
}

// GroundTruth holds pairwise metrics against labelled entities.
type GroundTruth struct {
	Precision      float64 `json:"precision"`
	Recall         float64 `json:"recall"`
	F1             float64 `json:"f1"`
	TruePositives  int     `json:"true_positives"`
	FalsePositives int     `json:"false_positives"`
	FalseNegatives int     `json:"false_negatives"`
	PredictedPairs int     `json:"predicted_pairs"`
	TruthPairs     int     `json:"ground_truth_pairs"`
	TruthClusters  int     `json:"ground_truth_clusters"`
}

// Report is the evaluation of one run.
type Report struct {
	TotalRecords   int                 `json:"total_records"`
	TotalClusters  int                 `json:"total_clusters"`
	MergeRate      float64             `json:"merge_rate"`
	Singletons     int                 `json:"singletons"`
	SingletonsPct  float64             `json:"singletons_pct"`
	LargestCluster int                 `json:"largest_cluster"`
	Distribution   map[int]int         `json:"cluster_distribution"`
	PairsEvaluated int                 `json:"pairs_evaluated"`
	Decisions      map[model.Label]int `json:"decisions"`
	BlockingGroups int                 `json:"blocking_groups"`
	Rules          []RuleStat          `json:"rules"`
	Truth          *GroundTruth        `json:"ground_truth,omitempty"`
}

// Structural builds the result-only layers of the report.
func Structural(res *model.Result) *Report {
	r := &Report{
		TotalClusters:  len(res.Clusters),
		Distribution:   map[int]int{},
		PairsEvaluated: res.Telemetry.PairsEvaluated,
		Decisions:      map[model.Label]int{},
		BlockingGroups: res.Telemetry.BlockingGroups,
	}
	for _, c := range res.Clusters {
		n := c.Size()
		r.TotalRecords += n
		r.Distribution[n]++
		if n == 1 {
			r.Singletons++
		}
		if n > r.LargestCluster {
			r.LargestCluster = n
		}
	}
	r.MergeRate = model.MergeRate(r.TotalRecords, r.TotalClusters)
	if r.TotalClusters > 0 {
		r.SingletonsPct = float64(r.Singletons) / float64(r.TotalClusters)
	}
	for label, n := range res.Telemetry.Decisions {
		r.Decisions[label] = n
	}

	names := make([]string, 0, len(res.Telemetry.Rules))
	for name := range res.Telemetry.Rules {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		st := res.Telemetry.Rules[name]
		r.Rules = append(r.Rules, RuleStat{
			Rule:          name,
			Evaluated:     st.Evaluated,
			Matched:       st.Matched,
			Skipped:       st.Skipped,
			AvgSimilarity: st.AvgSimilarity,
		})
	}
	return r
}

// WithGroundTruth builds the full report. truth maps a true entity label to
// its record ids. Only labelled entities with at least two members count, and
// predicted clusters are restricted to labelled records.
func WithGroundTruth(res *model.Result, truth map[string][]string) *Report {
	r := Structural(res)

	labelled := map[string]bool{}
	var truthGroups [][]string
	for _, members := range truth {
		uniq := dedupe(members)
		if len(uniq) < 2 {
			continue
		}
		truthGroups = append(truthGroups, uniq)
		for _, id := range uniq {
			labelled[id] = true
		}
	}

	var predGroups [][]string
	for _, c := range res.Clusters {
		var kept []string
		for _, m := range c.Members {
			if labelled[m] {
				kept = append(kept, m)
			}
		}
		if len(kept) >= 2 {
			predGroups = append(predGroups, kept)
		}
	}

	pred := pairSet(predGroups)
	gt := pairSet(truthGroups)
	g := &GroundTruth{
		PredictedPairs: len(pred),
		TruthPairs:     len(gt),
		TruthClusters:  len(truthGroups),
	}
	for k := range pred {
		if gt[k] {
			g.TruePositives++
		} else {
			g.FalsePositives++
		}
	}
	g.FalseNegatives = len(gt) - g.TruePositives

	g.Precision, g.Recall = 1, 1
	if d := g.TruePositives + g.FalsePositives; d > 0 {
		g.Precision = float64(g.TruePositives) / float64(d)
	}
	if d := g.TruePositives + g.FalseNegatives; d > 0 {
		g.Recall = float64(g.TruePositives) / float64(d)
	}
	if s := g.Precision + g.Recall; s > 0 {
		g.F1 = 2 * g.Precision * g.Recall / s
	}
	r.Truth = g
	return r
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

func pairSet(groups [][]string) map[model.PairKey]bool {
	out := map[model.PairKey]bool{}
	for _, g := range groups {
		for i := range g {
			for j := i + 1; j < len(g); j++ {
				out[model.NewPairKey(g[i], g[j])] = true
			}
		}
	}
	return out
}

// Summary renders the report as indented text.
func (r *Report) Summary() string {
	var b strings.Builder
	line := func(format string, args ...any) {
		fmt.Fprintf(&b, format+"\n", args...)
	}

	line("Evaluation Results")
	line("%s", strings.Repeat("=", 50))
	line("")
	line("  Structural")
	line("  ----------")
	line("  Total Records:      %d", r.TotalRecords)
	line("  Total Clusters:     %d", r.TotalClusters)
	line("  Merge Rate:         %.1f%%", r.MergeRate*100)
	line("  Singletons:         %d (%.1f%%)", r.Singletons, r.SingletonsPct*100)
	line("  Largest Cluster:    %d", r.LargestCluster)
	line("  Pairs Evaluated:    %d", r.PairsEvaluated)

	labels := make([]string, 0, len(r.Decisions))
	for l := range r.Decisions {
		labels = append(labels, string(l))
	}
	sort.Strings(labels)
	for _, l := range labels {
		line("    %s: %d", l, r.Decisions[model.Label(l)])
	}

	line("")
	line("  Stability")
	line("  ---------")
	line("  Blocking Groups:    %d", r.BlockingGroups)
	if len(r.Rules) > 0 {
		line("  Rules:              %d", len(r.Rules))
		for _, s := range r.Rules {
			line("    %s: avg_similarity=%.3f, matched=%d/%d (%.1f%%)",
				s.Rule, s.AvgSimilarity, s.Matched, s.Evaluated, s.MatchRate()*100)
		}
	}

	if g := r.Truth; g != nil {
		line("")
		line("  Ground Truth")
		line("  ------------")
		line("  Precision:          %.4f", g.Precision)
		line("  Recall:             %.4f", g.Recall)
		line("  F1 Score:           %.4f", g.F1)
		line("")
		line("  True Positives:     %d", g.TruePositives)
		line("  False Positives:    %d", g.FalsePositives)
		line("  False Negatives:    %d", g.FalseNegatives)
		line("")
		line("  Predicted Pairs:    %d", g.PredictedPairs)
		line("  Ground Truth Pairs: %d", g.TruthPairs)
		line("  GT Clusters:        %d", g.TruthClusters)
	}
	return strings.TrimSuffix(b.String(), "\n")
}

// LoadTruth reads a ground-truth CSV with columns record_id and
// true_entity_id, plus an optional source column. When source is present
// record ids are qualified as "<source>:<record_id>".
func LoadTruth(ctx context.Context, r io.Reader) (map[string][]string, error) {
	rowCh, errCh := fetcher.StreamCSV(ctx, r, fetcher.CSVOptions{TrimSpace: true})

	var (
		truth     = map[string][]string{}
		cols      map[string]int
		headerErr error
	)
	for row := range rowCh {
		if headerErr != nil {
			continue
		}
		if cols == nil {
			cols = map[string]int{}
			for i, c := range row {
				cols[strings.ToLower(c)] = i
			}
			for _, need := range []string{"record_id", "true_entity_id"} {
				if _, ok := cols[need]; !ok {
					headerErr = eris.Errorf("evaluate: ground truth missing column %q", need)
				}
			}
			continue
		}
		id := cell(row, cols["record_id"])
		label := cell(row, cols["true_entity_id"])
		if id == "" || label == "" {
			continue
		}
		if i, ok := cols["source"]; ok {
			if src := cell(row, i); src != "" {
				id = model.RecordID(src, id)
			}
		}
		truth[label] = append(truth[label], id)
	}
	if err := <-errCh; err != nil {
		return nil, eris.Wrap(err, "evaluate: read ground truth")
	}
	if headerErr != nil {
		return nil, headerErr
	}
	if cols == nil {
		return nil, eris.New("evaluate: ground truth is empty")
	}
	return truth, nil
}

func cell(row []string, i int) string {
	if i < len(row) {
		return row[i]
	}
	return ""
}
