// Package store persists the output of reconciliation runs: run telemetry,
// entity memberships, pair decisions and golden records, keyed by run id.
package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/reconcile/internal/model"
)

// Run is the stored summary of one reconciliation run.
type Run struct {
	ID        string          `json:"id"`
	SpecHash  string          `json:"spec_hash"`
	Records   int             `json:"records"`
	Clusters  int             `json:"clusters"`
	MergeRate float64         `json:"merge_rate"`
	Telemetry model.Telemetry `json:"telemetry"`
	CreatedAt time.Time       `json:"created_at"`
}

// Store defines run persistence. SaveRun is idempotent per run id.
type Store interface {
	SaveRun(ctx context.Context, res *model.Result) error
	GetRun(ctx context.Context, runID string) (*Run, error)
	ListRuns(ctx context.Context, limit int) ([]Run, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// Column layouts shared by both backends.
var (
	membershipColumns = []string{"run_id", "entity_id", "record_id"}
	decisionColumns   = []string{"run_id", "record_a", "record_b", "score", "label", "matched_on", "overridden"}
	goldenColumns     = []string{"run_id", "entity_id", "members", "field_values", "provenance"}
)

func membershipRows(res *model.Result) [][]any {
	return prefixRunID(res.Telemetry.RunID, res.MembershipRows())
}

func decisionRows(res *model.Result) [][]any {
	return prefixRunID(res.Telemetry.RunID, res.DecisionRows())
}

func goldenRows(res *model.Result) ([][]any, error) {
	rows := make([][]any, 0, len(res.Golden))
	for _, g := range res.Golden {
		members, err := json.Marshal(g.Members)
		if err != nil {
			return nil, eris.Wrapf(err, "store: marshal members of %s", g.EntityID)
		}
		values, err := json.Marshal(g.Values)
		if err != nil {
			return nil, eris.Wrapf(err, "store: marshal values of %s", g.EntityID)
		}
		prov, err := json.Marshal(g.Provenance)
		if err != nil {
			return nil, eris.Wrapf(err, "store: marshal provenance of %s", g.EntityID)
		}
		rows = append(rows, []any{res.Telemetry.RunID, g.EntityID, string(members), string(values), string(prov)})
	}
	return rows, nil
}

func prefixRunID(runID string, rows [][]any) [][]any {
	out := make([][]any, len(rows))
	for i, row := range rows {
		out[i] = append([]any{runID}, row...)
	}
	return out
}

func checkRunID(res *model.Result) error {
	if res == nil || res.Telemetry.RunID == "" {
		return eris.New("store: result has no run id")
	}
	return nil
}

func decodeTelemetry(data []byte, r *Run) error {
	if len(data) == 0 {
		return nil
	}
	return eris.Wrapf(json.Unmarshal(data, &r.Telemetry), "store: unmarshal telemetry of %s", r.ID)
}
