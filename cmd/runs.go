package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/reconcile/internal/config"
	"github.com/sells-group/reconcile/internal/model"
	"github.com/sells-group/reconcile/internal/store"
)

var (
	runsLimit      int
	runsStatsLimit int
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect runs recorded in the configured store",
}

// -- runs list --

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent runs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withStore(cmd.Context(), cfg, func(st store.Store) error {
			return listRuns(cmd.Context(), st, runsLimit, os.Stdout)
		})
	},
}

// -- runs show --

var runsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Print one run with its telemetry as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd.Context(), cfg, func(st store.Store) error {
			return showRun(cmd.Context(), st, args[0], os.Stdout)
		})
	},
}

// -- runs stats --

var runsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show aggregate statistics over recent runs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withStore(cmd.Context(), cfg, func(st store.Store) error {
			return runStats(cmd.Context(), st, runsStatsLimit, os.Stdout)
		})
	},
}

func init() {
	runsListCmd.Flags().IntVar(&runsLimit, "limit", 20, "maximum runs to list")
	runsStatsCmd.Flags().IntVar(&runsStatsLimit, "limit", 1000, "number of recent runs to aggregate")
	runsCmd.AddCommand(runsListCmd, runsShowCmd, runsStatsCmd)
	rootCmd.AddCommand(runsCmd)
}

func withStore(ctx context.Context, c *config.Config, fn func(store.Store) error) error {
	if err := c.Validate("runs"); err != nil {
		return err
	}
	st, err := initStore(ctx, c.Store)
	if err != nil {
		return err
	}
	if st == nil {
		return eris.New("runs: no store configured")
	}
	defer st.Close() //nolint:errcheck
	return fn(st)
}

func listRuns(ctx context.Context, st store.Store, limit int, out io.Writer) error {
	runs, err := st.ListRuns(ctx, limit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		_, err := fmt.Fprintln(out, "no runs recorded")
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "RUN ID\tCREATED\tRECORDS\tENTITIES\tMERGE RATE\tSPEC")
	for _, r := range runs {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%.1f%%\t%s\n",
			r.ID, r.CreatedAt.Format("2006-01-02 15:04:05"), r.Records, r.Clusters, r.MergeRate*100, shortHash(r.SpecHash))
	}
	return tw.Flush()
}

func showRun(ctx context.Context, st store.Store, id string, out io.Writer) error {
	run, err := st.GetRun(ctx, id)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(run); err != nil {
		return eris.Wrap(err, "runs: encode run")
	}
	return nil
}

// RunStats aggregates the telemetry of several runs.
type RunStats struct {
	Runs           int     `json:"runs"`
	Records        int     `json:"records"`
	Entities       int     `json:"entities"`
	AvgMergeRate   float64 `json:"avg_merge_rate"`
	PairsEvaluated int     `json:"pairs_evaluated"`
	Reviews        int     `json:"reviews"`
	Conflicts      int     `json:"conflicts"`
	DataErrors     int     `json:"data_errors"`
	SpecVersions   int     `json:"spec_versions"`
}

func aggregateRuns(runs []store.Run) RunStats {
	var st RunStats
	hashes := map[string]bool{}
	for _, r := range runs {
		st.Runs++
		st.Records += r.Records
		st.Entities += r.Clusters
		st.AvgMergeRate += r.MergeRate
		st.PairsEvaluated += r.Telemetry.PairsEvaluated
		st.Reviews += r.Telemetry.Decisions[model.LabelReview]
		st.Conflicts += len(r.Telemetry.Conflicts)
		st.DataErrors += len(r.Telemetry.DataErrors)
		hashes[r.SpecHash] = true
	}
	if st.Runs > 0 {
		st.AvgMergeRate /= float64(st.Runs)
	}
	st.SpecVersions = len(hashes)
	return st
}

func runStats(ctx context.Context, st store.Store, limit int, out io.Writer) error {
	runs, err := st.ListRuns(ctx, limit)
	if err != nil {
		return eris.Wrap(err, "runs stats")
	}
	s := aggregateRuns(runs)

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintf(tw, "Runs:\t%d\n", s.Runs)
	_, _ = fmt.Fprintf(tw, "Spec versions:\t%d\n", s.SpecVersions)
	_, _ = fmt.Fprintf(tw, "Records:\t%d\n", s.Records)
	_, _ = fmt.Fprintf(tw, "Entities:\t%d\n", s.Entities)
	_, _ = fmt.Fprintf(tw, "Avg merge rate:\t%.1f%%\n", s.AvgMergeRate*100)
	_, _ = fmt.Fprintf(tw, "Pairs evaluated:\t%d\n", s.PairsEvaluated)
	_, _ = fmt.Fprintf(tw, "Pending reviews:\t%d\n", s.Reviews)
	_, _ = fmt.Fprintf(tw, "Override conflicts:\t%d\n", s.Conflicts)
	_, _ = fmt.Fprintf(tw, "Data errors:\t%d\n", s.DataErrors)
	return tw.Flush()
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
