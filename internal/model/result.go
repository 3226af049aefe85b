package model

import (
	"sort"
	"strings"
	"time"
)

// RuleStats aggregates one rule's behaviour over every scored pair.
type RuleStats struct {
	Evaluated     int     `json:"evaluated"`
	Matched       int     `json:"matched"`
	Skipped       int     `json:"skipped"`
	AvgSimilarity float64 `json:"avg_similarity"`
}

// OversizedGroup flags a blocking group that exceeded the configured cap.
type OversizedGroup struct {
	Key   string `json:"key"`
	Value string `json:"value"`
	Size  int    `json:"size"`
}

// TrainingSummary is the telemetry view of EM training.
type TrainingSummary struct {
	Iterations    int     `json:"iterations"`
	Converged     bool    `json:"converged"`
	LogLikelihood float64 `json:"log_likelihood"`
	Lambda        float64 `json:"lambda"`
}

// RuleProbabilities are the per-level m and u probabilities of one rule.
type RuleProbabilities struct {
	Rule string    `json:"rule"`
	M    []float64 `json:"m"`
	U    []float64 `json:"u"`
}

// FSParams is the Fellegi-Sunter state a run scored with. Lambda is the
// prior match rate.
type FSParams struct {
	Lambda  float64             `json:"lambda"`
	Rules   []RuleProbabilities `json:"rules"`
	Trained bool                `json:"trained"`
}

// Rule returns the probabilities of the named rule.
func (p *FSParams) Rule(name string) (RuleProbabilities, bool) {
	for _, r := range p.Rules {
		if r.Rule == name {
			return r, true
		}
	}
	return RuleProbabilities{}, false
}

// Telemetry summarizes a run.
type Telemetry struct {
	RunID          string                   `json:"run_id"`
	SpecHash       string                   `json:"spec_hash,omitempty"`
	Records        int                      `json:"records"`
	Clusters       int                      `json:"clusters"`
	Singletons     int                      `json:"singletons"`
	LargestCluster int                      `json:"largest_cluster"`
	MergeRate      float64                  `json:"merge_rate"`
	PairsEvaluated int                      `json:"pairs_evaluated"`
	Decisions      map[Label]int            `json:"decisions"`
	BlockingGroups int                      `json:"blocking_groups"`
	Oversized      []OversizedGroup         `json:"oversized_groups,omitempty"`
	Rules          map[string]RuleStats     `json:"rules"`
	Conflicts      []ConflictError          `json:"conflicts,omitempty"`
	DataErrors     []DataError              `json:"data_errors,omitempty"`
	Training       *TrainingSummary         `json:"training,omitempty"`
	NonConvergence bool                     `json:"convergence_warning"`
	StageDurations map[string]time.Duration `json:"stage_durations"`
}

// MergeRate returns 1 - clusters/records, or 0 when there are no records.
func MergeRate(records, clusters int) float64 {
	if records == 0 {
		return 0
	}
	return 1 - float64(clusters)/float64(records)
}

// Result is the full output of a reconciliation run. Params is set in
// Fellegi-Sunter mode only.
type Result struct {
	Pairs     []CandidatePair `json:"pairs,omitempty"`
	Decisions []PairDecision  `json:"decisions"`
	Clusters  []Cluster       `json:"clusters"`
	Golden    []GoldenRecord  `json:"golden_records"`
	Params    *FSParams       `json:"fs_params,omitempty"`
	Telemetry Telemetry       `json:"telemetry"`
}

// PairColumns are the columns of PairRows.
var PairColumns = []string{"record_a", "record_b", "keys"}

// PairRows returns one row per candidate pair with the blocking keys that
// produced it, pipe-joined.
func (r *Result) PairRows() [][]any {
	rows := make([][]any, 0, len(r.Pairs))
	for _, p := range r.Pairs {
		rows = append(rows, []any{p.A, p.B, strings.Join(p.Keys, "|")})
	}
	return rows
}

// MembershipColumns are the columns of MembershipRows.
var MembershipColumns = []string{"entity_id", "record_id"}

// MembershipRows returns one (entity_id, record_id) row per record.
func (r *Result) MembershipRows() [][]any {
	var rows [][]any
	for _, c := range r.Clusters {
		for _, m := range c.Members {
			rows = append(rows, []any{c.EntityID, m})
		}
	}
	return rows
}

// DecisionColumns are the columns of DecisionRows.
var DecisionColumns = []string{"record_a", "record_b", "score", "label", "matched_on", "overridden"}

// DecisionRows returns one row per pair decision.
func (r *Result) DecisionRows() [][]any {
	rows := make([][]any, 0, len(r.Decisions))
	for _, d := range r.Decisions {
		rows = append(rows, []any{
			d.Pair.A, d.Pair.B, d.Score, string(d.Label),
			strings.Join(d.MatchedOn, "|"), string(d.Overridden),
		})
	}
	return rows
}

// GoldenFields returns the sorted union of fields across golden records.
func (r *Result) GoldenFields() []string {
	seen := map[string]bool{}
	for _, g := range r.Golden {
		for f := range g.Values {
			seen[f] = true
		}
	}
	fields := make([]string, 0, len(seen))
	for f := range seen {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	return fields
}

// GoldenColumns returns entity_id, the golden fields and a trailing sources column.
func (r *Result) GoldenColumns() []string {
	cols := append([]string{"entity_id"}, r.GoldenFields()...)
	return append(cols, "sources")
}

// GoldenRows returns one row per golden record aligned with GoldenColumns.
// Null fields are nil; lists are rendered pipe-joined.
func (r *Result) GoldenRows() [][]any {
	fields := r.GoldenFields()
	rows := make([][]any, 0, len(r.Golden))
	for _, g := range r.Golden {
		row := make([]any, 0, len(fields)+2)
		row = append(row, g.EntityID)
		srcSet := map[string]bool{}
		for _, f := range fields {
			v := g.Get(f)
			if v.IsNull() {
				row = append(row, nil)
			} else {
				row = append(row, v.String())
			}
			for _, s := range g.Provenance[f].Sources {
				srcSet[s] = true
			}
		}
		srcs := make([]string, 0, len(srcSet))
		for s := range srcSet {
			srcs = append(srcs, s)
		}
		sort.Strings(srcs)
		row = append(row, strings.Join(srcs, "|"))
		rows = append(rows, row)
	}
	return rows
}
