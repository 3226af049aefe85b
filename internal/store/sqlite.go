package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/reconcile/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS runs (
	id         TEXT PRIMARY KEY,
	spec_hash  TEXT NOT NULL DEFAULT '',
	records    INTEGER NOT NULL,
	clusters   INTEGER NOT NULL,
	merge_rate REAL NOT NULL,
	telemetry  TEXT NOT NULL,
	created_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS memberships (
	run_id    TEXT NOT NULL REFERENCES runs(id),
	entity_id TEXT NOT NULL,
	record_id TEXT NOT NULL,
	PRIMARY KEY (run_id, record_id)
);

CREATE TABLE IF NOT EXISTS decisions (
	run_id     TEXT NOT NULL REFERENCES runs(id),
	record_a   TEXT NOT NULL,
	record_b   TEXT NOT NULL,
	score      REAL NOT NULL,
	label      TEXT NOT NULL,
	matched_on TEXT NOT NULL DEFAULT '',
	overridden TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (run_id, record_a, record_b)
);

CREATE TABLE IF NOT EXISTS golden_records (
	run_id       TEXT NOT NULL REFERENCES runs(id),
	entity_id    TEXT NOT NULL,
	members      TEXT NOT NULL,
	field_values TEXT NOT NULL,
	provenance   TEXT NOT NULL,
	PRIMARY KEY (run_id, entity_id)
);

CREATE INDEX IF NOT EXISTS idx_runs_created_at ON runs(created_at);
CREATE INDEX IF NOT EXISTS idx_memberships_entity ON memberships(run_id, entity_id);
CREATE INDEX IF NOT EXISTS idx_decisions_label ON decisions(run_id, label);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// SaveRun replaces everything stored under the result's run id in one
// transaction.
func (s *SQLiteStore) SaveRun(ctx context.Context, res *model.Result) error {
	if err := checkRunID(res); err != nil {
		return err
	}
	runID := res.Telemetry.RunID

	telemetry, err := json.Marshal(res.Telemetry)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal telemetry")
	}
	golden, err := goldenRows(res)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	for _, table := range []string{"memberships", "decisions", "golden_records"} {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE run_id = ?`, runID); err != nil {
			return eris.Wrapf(err, "sqlite: clear %s of run %s", table, runID)
		}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, runID); err != nil {
		return eris.Wrapf(err, "sqlite: clear run %s", runID)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO runs (id, spec_hash, records, clusters, merge_rate, telemetry, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		runID, res.Telemetry.SpecHash, res.Telemetry.Records, res.Telemetry.Clusters,
		res.Telemetry.MergeRate, string(telemetry), time.Now().UTC(),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: insert run %s", runID)
	}

	for _, batch := range []struct {
		table string
		cols  []string
		rows  [][]any
	}{
		{"memberships", membershipColumns, membershipRows(res)},
		{"decisions", decisionColumns, decisionRows(res)},
		{"golden_records", goldenColumns, golden},
	} {
		if err := insertRows(ctx, tx, batch.table, batch.cols, batch.rows); err != nil {
			return err
		}
	}

	return eris.Wrap(tx.Commit(), "sqlite: commit run")
}

func insertRows(ctx context.Context, tx *sql.Tx, table string, cols []string, rows [][]any) error {
	if len(rows) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, insertSQL(table, cols))
	if err != nil {
		return eris.Wrapf(err, "sqlite: prepare insert into %s", table)
	}
	defer stmt.Close() //nolint:errcheck

	for _, row := range rows {
		if _, err := stmt.ExecContext(ctx, row...); err != nil {
			return eris.Wrapf(err, "sqlite: insert into %s", table)
		}
	}
	return nil
}

func insertSQL(table string, cols []string) string {
	marks := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", table, strings.Join(cols, ", "), marks)
}

func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, spec_hash, records, clusters, merge_rate, telemetry, created_at FROM runs WHERE id = ?`,
		runID,
	)
	r, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, eris.Errorf("sqlite: run not found: %s", runID)
	}
	return r, err
}

// ListRuns returns the most recent runs first. limit <= 0 means 100.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, spec_hash, records, clusters, merge_rate, telemetry, created_at FROM runs
		 ORDER BY created_at DESC, id LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close() //nolint:errcheck

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: list runs iterate")
}

type scannable interface {
	Scan(dest ...any) error
}

func scanRun(row scannable) (*Run, error) {
	var (
		r         Run
		telemetry string
	)
	err := row.Scan(&r.ID, &r.SpecHash, &r.Records, &r.Clusters, &r.MergeRate, &telemetry, &r.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan run")
	}
	if err := decodeTelemetry([]byte(telemetry), &r); err != nil {
		return nil, err
	}
	return &r, nil
}
