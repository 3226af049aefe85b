package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/reconcile/internal/model"
)

func sampleResult(runID string) *model.Result {
	members := []string{"app:9", "crm:1"}
	eid := model.EntityID(members)
	return &model.Result{
		Decisions: []model.PairDecision{{
			ScoredPair: model.ScoredPair{Pair: model.NewPair("crm:1", "app:9"), Score: 1.5},
			Label:      model.LabelMerge,
			MatchedOn:  []string{"email_exact"},
		}},
		Clusters: []model.Cluster{
			{EntityID: eid, Members: members},
			{EntityID: model.EntityID([]string{"crm:2"}), Members: []string{"crm:2"}},
		},
		Golden: []model.GoldenRecord{{
			EntityID: eid,
			Members:  members,
			Values:   map[string]model.Value{"email": model.String("a@x.com"), "phone": model.Null()},
			Provenance: map[string]model.Provenance{
				"email": {Strategy: "source_priority", Sources: []string{"crm"}, RecordIDs: []string{"crm:1"}},
			},
		}},
		Telemetry: model.Telemetry{
			RunID:          runID,
			SpecHash:       "sha256:abc",
			Records:        3,
			Clusters:       2,
			MergeRate:      1 - 2.0/3.0,
			PairsEvaluated: 1,
			Decisions:      map[model.Label]int{model.LabelMerge: 1},
			StageDurations: map[string]time.Duration{"scoring": time.Millisecond},
		},
	}
}

func newTestSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() }) //nolint:errcheck
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func TestRows(t *testing.T) {
	res := sampleResult("r1")

	assert.Equal(t, [][]any{
		{"r1", res.Clusters[0].EntityID, "app:9"},
		{"r1", res.Clusters[0].EntityID, "crm:1"},
		{"r1", res.Clusters[1].EntityID, "crm:2"},
	}, membershipRows(res))

	d := decisionRows(res)
	require.Len(t, d, 1)
	assert.Equal(t, []any{"r1", "app:9", "crm:1", 1.5, "merge", "email_exact", ""}, d[0])

	g, err := goldenRows(res)
	require.NoError(t, err)
	require.Len(t, g, 1)
	assert.Equal(t, `["app:9","crm:1"]`, g[0][2])
	assert.JSONEq(t, `{"email":"a@x.com","phone":null}`, g[0][3].(string))
	assert.Len(t, g[0], len(goldenColumns))
}

func TestCheckRunID(t *testing.T) {
	assert.Error(t, checkRunID(nil))
	assert.ErrorContains(t, checkRunID(&model.Result{}), "no run id")
	assert.NoError(t, checkRunID(sampleResult("r1")))
}
