// Package export writes reconciliation results to files and databases.
package export

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/reconcile/internal/model"
	"github.com/sells-group/reconcile/internal/store"
)

// Sink receives the result of a run.
type Sink interface {
	Write(ctx context.Context, res *model.Result) error
}

// Output file names written by DirSink.
const (
	ClustersFile  = "clusters.csv"
	GoldenFile    = "golden_records.csv"
	DecisionsFile = "decisions.csv"
	PairsFile     = "pairs.csv"
	ResultFile    = "result.json"
)

// DirSink writes clusters, golden records, decisions and candidate pairs as
// CSV files plus the full result as JSON into a directory.
type DirSink struct {
	Dir string
}

// Write creates Dir if needed and overwrites the output files.
func (s *DirSink) Write(ctx context.Context, res *model.Result) error {
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return eris.Wrapf(err, "export: create dir %s", s.Dir)
	}
	tables := []struct {
		name string
		cols []string
		rows [][]any
	}{
		{ClustersFile, model.MembershipColumns, res.MembershipRows()},
		{GoldenFile, res.GoldenColumns(), res.GoldenRows()},
		{DecisionsFile, model.DecisionColumns, res.DecisionRows()},
		{PairsFile, model.PairColumns, res.PairRows()},
	}
	for _, t := range tables {
		if err := ctx.Err(); err != nil {
			return eris.Wrap(err, "export: cancelled")
		}
		if err := writeCSV(filepath.Join(s.Dir, t.name), t.cols, t.rows); err != nil {
			return err
		}
	}
	if err := WriteJSON(filepath.Join(s.Dir, ResultFile), res); err != nil {
		return err
	}

	zap.L().Info("export: wrote results",
		zap.String("dir", s.Dir),
		zap.Int("clusters", len(res.Clusters)),
		zap.Int("decisions", len(res.Decisions)),
	)
	return nil
}

func writeCSV(path string, cols []string, rows [][]any) error {
	f, err := os.Create(path)
	if err != nil {
		return eris.Wrapf(err, "export: create %s", path)
	}
	defer f.Close() //nolint:errcheck

	w := csv.NewWriter(f)
	if err := w.Write(cols); err != nil {
		return eris.Wrapf(err, "export: write header of %s", path)
	}
	rec := make([]string, len(cols))
	for _, row := range rows {
		for i := range rec {
			rec[i] = ""
			if i < len(row) {
				rec[i] = cell(row[i])
			}
		}
		if err := w.Write(rec); err != nil {
			return eris.Wrapf(err, "export: write row of %s", path)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return eris.Wrapf(err, "export: flush %s", path)
	}
	return eris.Wrapf(f.Close(), "export: close %s", path)
}

// cell renders one table value; nil becomes an empty cell.
func cell(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return fmt.Sprint(t)
	}
}

// WriteJSON writes res as indented JSON.
func WriteJSON(path string, res *model.Result) error {
	data, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return eris.Wrap(err, "export: marshal result")
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return eris.Wrapf(err, "export: write %s", path)
	}
	return nil
}

// StoreSink saves results into a run store.
type StoreSink struct {
	Store store.Store
}

// Write saves res under its run id.
func (s *StoreSink) Write(ctx context.Context, res *model.Result) error {
	if err := s.Store.SaveRun(ctx, res); err != nil {
		return eris.Wrap(err, "export: save run")
	}
	zap.L().Info("export: saved run", zap.String("run_id", res.Telemetry.RunID))
	return nil
}

// Multi fans a result out to several sinks in order, stopping at the first
// failure.
type Multi []Sink

// Write calls every sink.
func (m Multi) Write(ctx context.Context, res *model.Result) error {
	for _, s := range m {
		if err := s.Write(ctx, res); err != nil {
			return err
		}
	}
	return nil
}
