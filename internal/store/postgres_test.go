package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T, schema string) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	return &PostgresStore{pool: mock, schema: schema}, mock
}

func expectUpsert(m pgxmock.PgxPoolIface, tempTable string, cols []string, n int64) {
	m.ExpectExec("CREATE TEMP TABLE").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	m.ExpectCopyFrom(pgx.Identifier{tempTable}, cols).WillReturnResult(n)
	m.ExpectExec("INSERT INTO").WillReturnResult(pgxmock.NewResult("INSERT", n))
}

// expectRunRow expects the runs upsert for sampleResult(runID).
func expectRunRow(m pgxmock.PgxPoolIface, table, runID string) *pgxmock.ExpectedExec {
	return m.ExpectExec(`INSERT INTO `+table).
		WithArgs(runID, "sha256:abc", 3, 2, 1-2.0/3.0, pgxmock.AnyArg(), pgxmock.AnyArg())
}

func expectClear(m pgxmock.PgxPoolIface, prefix, runID string) {
	for _, table := range []string{"memberships", "decisions", "golden_records"} {
		m.ExpectExec(`DELETE FROM ` + prefix + `"` + table + `" WHERE run_id = \$1`).
			WithArgs(runID).
			WillReturnResult(pgxmock.NewResult("DELETE", 0))
	}
}

var runColumns = []string{"id", "spec_hash", "records", "clusters", "merge_rate", "telemetry", "created_at"}

func TestPostgresStore_SaveRun(t *testing.T) {
	s, mock := newMockPostgresStore(t, "")

	mock.ExpectBegin()
	expectRunRow(mock, `"runs"`, "r1").WillReturnResult(pgxmock.NewResult("INSERT", 1))
	expectClear(mock, "", "r1")
	expectUpsert(mock, "_tmp_upsert_memberships", membershipColumns, 3)
	expectUpsert(mock, "_tmp_upsert_decisions", decisionColumns, 1)
	expectUpsert(mock, "_tmp_upsert_golden_records", goldenColumns, 1)
	mock.ExpectCommit()

	require.NoError(t, s.SaveRun(context.Background(), sampleResult("r1")))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SaveRun_Schema(t *testing.T) {
	s, mock := newMockPostgresStore(t, "reconcile")

	mock.ExpectBegin()
	expectRunRow(mock, `"reconcile"\."runs"`, "r1").WillReturnResult(pgxmock.NewResult("INSERT", 1))
	expectClear(mock, `"reconcile"\.`, "r1")
	expectUpsert(mock, "_tmp_upsert_reconcile_memberships", membershipColumns, 3)
	expectUpsert(mock, "_tmp_upsert_reconcile_decisions", decisionColumns, 1)
	expectUpsert(mock, "_tmp_upsert_reconcile_golden_records", goldenColumns, 1)
	mock.ExpectCommit()

	require.NoError(t, s.SaveRun(context.Background(), sampleResult("r1")))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SaveRun_ResaveDropsStaleChildren(t *testing.T) {
	s, mock := newMockPostgresStore(t, "")

	smaller := sampleResult("r1")
	smaller.Decisions = nil
	smaller.Golden = nil

	mock.ExpectBegin()
	expectRunRow(mock, `"runs"`, "r1").WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`DELETE FROM "memberships" WHERE run_id = \$1`).WithArgs("r1").WillReturnResult(pgxmock.NewResult("DELETE", 3))
	mock.ExpectExec(`DELETE FROM "decisions" WHERE run_id = \$1`).WithArgs("r1").WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectExec(`DELETE FROM "golden_records" WHERE run_id = \$1`).WithArgs("r1").WillReturnResult(pgxmock.NewResult("DELETE", 1))
	expectUpsert(mock, "_tmp_upsert_memberships", membershipColumns, 3)
	mock.ExpectCommit()

	require.NoError(t, s.SaveRun(context.Background(), smaller))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SaveRun_CopyError(t *testing.T) {
	s, mock := newMockPostgresStore(t, "")

	mock.ExpectBegin()
	expectRunRow(mock, `"runs"`, "r1").WillReturnResult(pgxmock.NewResult("INSERT", 1))
	expectClear(mock, "", "r1")
	mock.ExpectExec("CREATE TEMP TABLE").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_upsert_memberships"}, membershipColumns).WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	err := s.SaveRun(context.Background(), sampleResult("r1"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "save memberships of run r1")
	assert.NoError(t, mock.ExpectationsWereMet(), "the run row is rolled back with its children")
}

func TestPostgresStore_SaveRun_RunError(t *testing.T) {
	s, mock := newMockPostgresStore(t, "")

	mock.ExpectBegin()
	expectRunRow(mock, `"runs"`, "r1").WillReturnError(errors.New("connection refused"))
	mock.ExpectRollback()

	err := s.SaveRun(context.Background(), sampleResult("r1"))
	assert.ErrorContains(t, err, "upsert run r1")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SaveRun_BeginError(t *testing.T) {
	s, mock := newMockPostgresStore(t, "")
	mock.ExpectBegin().WillReturnError(errors.New("pool exhausted"))

	err := s.SaveRun(context.Background(), sampleResult("r1"))
	assert.ErrorContains(t, err, "begin save of run r1")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetRun(t *testing.T) {
	s, mock := newMockPostgresStore(t, "")
	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	mock.ExpectQuery(`SELECT id, spec_hash, records, clusters, merge_rate, telemetry, created_at FROM "runs" WHERE id = \$1`).
		WithArgs("r1").
		WillReturnRows(pgxmock.NewRows(runColumns).
			AddRow("r1", "sha256:abc", 3, 2, 0.5, []byte(`{"run_id":"r1","pairs_evaluated":4}`), created))

	got, err := s.GetRun(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, "r1", got.ID)
	assert.Equal(t, 3, got.Records)
	assert.Equal(t, 4, got.Telemetry.PairsEvaluated)
	assert.Equal(t, created, got.CreatedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetRun_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t, "")

	mock.ExpectQuery(`SELECT id, spec_hash, records, clusters, merge_rate, telemetry, created_at FROM "runs" WHERE id = \$1`).
		WithArgs("nonexistent-run").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetRun(context.Background(), "nonexistent-run")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "get run: not found")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListRuns(t *testing.T) {
	s, mock := newMockPostgresStore(t, "")
	now := time.Now().UTC()

	mock.ExpectQuery(`SELECT .* FROM "runs"\s+ORDER BY created_at DESC, id LIMIT \$1`).
		WithArgs(100).
		WillReturnRows(pgxmock.NewRows(runColumns).
			AddRow("b", "", 2, 1, 0.5, []byte(`{}`), now).
			AddRow("a", "", 1, 1, 0.0, []byte(`{}`), now.Add(-time.Hour)))

	runs, err := s.ListRuns(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "b", runs[0].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Migrate(t *testing.T) {
	s, mock := newMockPostgresStore(t, "reconcile")

	mock.ExpectExec(`CREATE SCHEMA IF NOT EXISTS "reconcile"`).WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS "reconcile"\.runs`).WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Close(t *testing.T) {
	closed := false
	s := &PostgresStore{closeFn: func() { closed = true }}
	require.NoError(t, s.Close())
	assert.True(t, closed)
	assert.NoError(t, (&PostgresStore{}).Close())
}
