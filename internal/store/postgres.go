package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/reconcile/internal/db"
	"github.com/sells-group/reconcile/internal/model"
)

// PostgresStore implements Store using pgxpool. A save runs in one
// transaction: the run row is upserted, the run's old child rows are deleted
// and the new ones are loaded with COPY through temp tables. Saving a run id
// again replaces its rows.
type PostgresStore struct {
	pool    db.Pool
	schema  string
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32  `yaml:"min_conns" mapstructure:"min_conns"`
	Schema   string `yaml:"schema" mapstructure:"schema"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	var schema string
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
		schema = poolCfg.Schema
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, schema: schema, closeFn: pool.Close}, nil
}

// table qualifies name with the configured schema.
func (s *PostgresStore) table(name string) string {
	if s.schema == "" {
		return name
	}
	return s.schema + "." + name
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS %[1]sruns (
	id         TEXT PRIMARY KEY,
	spec_hash  TEXT NOT NULL DEFAULT '',
	records    INTEGER NOT NULL,
	clusters   INTEGER NOT NULL,
	merge_rate DOUBLE PRECISION NOT NULL,
	telemetry  JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS %[1]smemberships (
	run_id    TEXT NOT NULL REFERENCES %[1]sruns(id) ON DELETE CASCADE,
	entity_id TEXT NOT NULL,
	record_id TEXT NOT NULL,
	PRIMARY KEY (run_id, record_id)
);

CREATE TABLE IF NOT EXISTS %[1]sdecisions (
	run_id     TEXT NOT NULL REFERENCES %[1]sruns(id) ON DELETE CASCADE,
	record_a   TEXT NOT NULL,
	record_b   TEXT NOT NULL,
	score      DOUBLE PRECISION NOT NULL,
	label      TEXT NOT NULL,
	matched_on TEXT NOT NULL DEFAULT '',
	overridden TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (run_id, record_a, record_b)
);

CREATE TABLE IF NOT EXISTS %[1]sgolden_records (
	run_id       TEXT NOT NULL REFERENCES %[1]sruns(id) ON DELETE CASCADE,
	entity_id    TEXT NOT NULL,
	members      JSONB NOT NULL,
	field_values JSONB NOT NULL,
	provenance   JSONB NOT NULL,
	PRIMARY KEY (run_id, entity_id)
);

CREATE INDEX IF NOT EXISTS idx_runs_created_at ON %[1]sruns(created_at DESC);
CREATE INDEX IF NOT EXISTS idx_memberships_entity ON %[1]smemberships(run_id, entity_id);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	prefix := ""
	if s.schema != "" {
		if _, err := s.pool.Exec(ctx, "CREATE SCHEMA IF NOT EXISTS "+pgx.Identifier{s.schema}.Sanitize()); err != nil {
			return eris.Wrapf(err, "postgres: create schema %s", s.schema)
		}
		prefix = pgx.Identifier{s.schema}.Sanitize() + "."
	}
	_, err := s.pool.Exec(ctx, fmt.Sprintf(postgresMigration, prefix))
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) SaveRun(ctx context.Context, res *model.Result) error {
	if err := checkRunID(res); err != nil {
		return err
	}
	runID := res.Telemetry.RunID
	log := zap.L().With(zap.String("component", "store"), zap.String("run_id", runID))

	telemetry, err := json.Marshal(res.Telemetry)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal telemetry")
	}
	golden, err := goldenRows(res)
	if err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrapf(err, "postgres: begin save of run %s", runID)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	_, err = tx.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (id, spec_hash, records, clusters, merge_rate, telemetry, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (id) DO UPDATE SET spec_hash = EXCLUDED.spec_hash, records = EXCLUDED.records,
		 clusters = EXCLUDED.clusters, merge_rate = EXCLUDED.merge_rate, telemetry = EXCLUDED.telemetry`,
			s.quoted("runs")),
		runID, res.Telemetry.SpecHash, res.Telemetry.Records, res.Telemetry.Clusters,
		res.Telemetry.MergeRate, telemetry, time.Now().UTC(),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: upsert run %s", runID)
	}

	batches := []struct {
		table string
		cols  []string
		keys  []string
		rows  [][]any
	}{
		{"memberships", membershipColumns, []string{"run_id", "record_id"}, membershipRows(res)},
		{"decisions", decisionColumns, []string{"run_id", "record_a", "record_b"}, decisionRows(res)},
		{"golden_records", goldenColumns, []string{"run_id", "entity_id"}, golden},
	}

	// Rows from an earlier save of this run id must not survive a smaller result.
	for _, batch := range batches {
		if _, err := tx.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE run_id = $1`, s.quoted(batch.table)), runID); err != nil {
			return eris.Wrapf(err, "postgres: clear %s of run %s", batch.table, runID)
		}
	}

	for _, batch := range batches {
		n, err := db.UpsertTx(ctx, tx, db.UpsertConfig{
			Table:        s.table(batch.table),
			Columns:      batch.cols,
			ConflictKeys: batch.keys,
		}, batch.rows)
		if err != nil {
			return eris.Wrapf(err, "postgres: save %s of run %s", batch.table, runID)
		}
		log.Debug("postgres: saved rows", zap.String("table", batch.table), zap.Int64("rows", n))
	}

	if err := tx.Commit(ctx); err != nil {
		return eris.Wrapf(err, "postgres: commit run %s", runID)
	}
	return nil
}

func (s *PostgresStore) quoted(name string) string {
	parts := strings.Split(s.table(name), ".")
	return pgx.Identifier(parts).Sanitize()
}

func (s *PostgresStore) GetRun(ctx context.Context, runID string) (*Run, error) {
	row := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT id, spec_hash, records, clusters, merge_rate, telemetry, created_at FROM %s WHERE id = $1`, s.quoted("runs")),
		runID,
	)
	r, err := scanPostgresRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Errorf("postgres: get run: not found: %s", runID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get run %s", runID)
	}
	return r, nil
}

// ListRuns returns the most recent runs first. limit <= 0 means 100.
func (s *PostgresStore) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		fmt.Sprintf(`SELECT id, spec_hash, records, clusters, merge_rate, telemetry, created_at FROM %s
		 ORDER BY created_at DESC, id LIMIT $1`, s.quoted("runs")),
		limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanPostgresRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: list runs")
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: list runs iterate")
}

func scanPostgresRun(row pgx.Row) (*Run, error) {
	var (
		r         Run
		telemetry []byte
	)
	if err := row.Scan(&r.ID, &r.SpecHash, &r.Records, &r.Clusters, &r.MergeRate, &telemetry, &r.CreatedAt); err != nil {
		return nil, err
	}
	if err := decodeTelemetry(telemetry, &r); err != nil {
		return nil, err
	}
	return &r, nil
}
