package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/reconcile/internal/changelog"
	"github.com/sells-group/reconcile/internal/evaluate"
	"github.com/sells-group/reconcile/internal/model"
)

var (
	evalResultPath string
	evalTruthPath  string
	evalJSON       bool
)

var evaluateCmd = &cobra.Command{
	Use:   "evaluate",
	Short: "Report structural, stability and ground-truth metrics for a run",
	Long: `Reads a result.json written by "reconcile run" and prints its evaluation.
With --truth, pairwise precision, recall and F1 are computed against a CSV
with columns record_id, true_entity_id and an optional source.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := cfg.Validate("evaluate"); err != nil {
			return err
		}
		return runEvaluate(cmd.Context(), evalResultPath, evalTruthPath, evalJSON, os.Stdout)
	},
}

func init() {
	evaluateCmd.Flags().StringVar(&evalResultPath, "result", "out/result.json", "result file written by run")
	evaluateCmd.Flags().StringVar(&evalTruthPath, "truth", "", "ground-truth CSV")
	evaluateCmd.Flags().BoolVar(&evalJSON, "json", false, "print the report as JSON")
	rootCmd.AddCommand(evaluateCmd)
}

func runEvaluate(ctx context.Context, resultPath, truthPath string, asJSON bool, out io.Writer) error {
	res, err := readResultFile(resultPath)
	if err != nil {
		return err
	}

	report := evaluate.Structural(res)
	if truthPath != "" {
		f, err := os.Open(truthPath)
		if err != nil {
			return eris.Wrapf(err, "evaluate: open truth %s", truthPath)
		}
		defer f.Close() //nolint:errcheck
		truth, err := evaluate.LoadTruth(ctx, f)
		if err != nil {
			return err
		}
		report = evaluate.WithGroundTruth(res, truth)
	}

	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			return eris.Wrap(err, "evaluate: encode report")
		}
		return nil
	}
	_, err = fmt.Fprintln(out, report.Summary())
	return err
}

func readResultFile(path string) (*model.Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "open result %s", path)
	}
	defer f.Close() //nolint:errcheck
	return changelog.ReadResult(f)
}
