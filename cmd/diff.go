package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sells-group/reconcile/internal/changelog"
)

var (
	diffPrevious string
	diffCurrent  string
)

var diffCmd = &cobra.Command{
	Use:   "diff",
	Short: "Show entity-level changes between two runs",
	RunE: func(_ *cobra.Command, _ []string) error {
		if err := cfg.Validate("diff"); err != nil {
			return err
		}
		return runDiff(diffPrevious, diffCurrent, os.Stdout)
	},
}

func init() {
	diffCmd.Flags().StringVar(&diffPrevious, "previous", "", "result.json of the earlier run (required)")
	diffCmd.Flags().StringVar(&diffCurrent, "current", "", "result.json of the later run (required)")
	_ = diffCmd.MarkFlagRequired("previous")
	_ = diffCmd.MarkFlagRequired("current")
	rootCmd.AddCommand(diffCmd)
}

func runDiff(previousPath, currentPath string, out io.Writer) error {
	prev, err := readResultFile(previousPath)
	if err != nil {
		return err
	}
	cur, err := readResultFile(currentPath)
	if err != nil {
		return err
	}

	log := changelog.Compute(prev, cur)
	_, _ = fmt.Fprintln(out, log.Summary())
	if len(log.Changes) == 0 {
		return nil
	}
	_, _ = fmt.Fprintln(out)

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "TYPE\tENTITY\tMEMBERS\tDETAIL")
	for _, c := range log.Changes {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", c.Type, c.EntityID, len(c.Members), detail(c))
	}
	return tw.Flush()
}

func detail(c changelog.Change) string {
	var parts []string
	if len(c.New) > 0 {
		parts = append(parts, "new="+strings.Join(c.New, ","))
	}
	if len(c.Related) > 0 {
		parts = append(parts, "related="+strings.Join(c.Related, ","))
	}
	if len(c.Fields) > 0 {
		fields := make([]string, 0, len(c.Fields))
		for f := range c.Fields {
			fields = append(fields, f)
		}
		sort.Strings(fields)
		parts = append(parts, "fields="+strings.Join(fields, ","))
	}
	return strings.Join(parts, " ")
}
