package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/reconcile/internal/config"
	"github.com/sells-group/reconcile/internal/evaluate"
	"github.com/sells-group/reconcile/internal/export"
	"github.com/sells-group/reconcile/internal/fetcher"
	"github.com/sells-group/reconcile/internal/model"
	"github.com/sells-group/reconcile/internal/pipeline"
	"github.com/sells-group/reconcile/internal/spec"
)

var (
	runSpecPath  string
	runSources   []string
	runOverrides string
	runOutput    string
	runRunID     string
	runNoStore   bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Reconcile source files into entities and golden records",
	Long: `Loads every source named in the resolution spec, runs blocking, scoring,
decision, clustering and survivorship, and writes the results.

Each source needs a location, given as name=path or name=URL. The format is
taken from the file extension (.csv, .json, .jsonl, .ndjson or .xlsx).

Examples:
  reconcile run --spec customer.yaml --source crm=crm.csv --source app=app.json
  reconcile run --spec customer.yaml --source crm=https://exports.example.com/crm.csv --output results`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := cfg.Validate("run"); err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		output := runOutput
		if output == "" {
			output = cfg.Output.Dir
		}
		return runReconcile(ctx, cfg, runArgs{
			SpecPath:  runSpecPath,
			Sources:   runSources,
			Overrides: runOverrides,
			Output:    output,
			RunID:     runRunID,
			NoStore:   runNoStore,
		}, os.Stdout)
	},
}

func init() {
	runCmd.Flags().StringVar(&runSpecPath, "spec", "", "resolution spec YAML file (required)")
	runCmd.Flags().StringArrayVar(&runSources, "source", nil, "source location as name=path or name=URL (repeatable)")
	runCmd.Flags().StringVar(&runOverrides, "overrides", "", "YAML file of forced pair decisions")
	runCmd.Flags().StringVar(&runOutput, "output", "", "output directory (default from config output.dir)")
	runCmd.Flags().StringVar(&runRunID, "run-id", "", "run identifier (default random UUID)")
	runCmd.Flags().BoolVar(&runNoStore, "no-store", false, "skip the configured run store")
	_ = runCmd.MarkFlagRequired("spec")
	rootCmd.AddCommand(runCmd)
}

type runArgs struct {
	SpecPath  string
	Sources   []string
	Overrides string
	Output    string
	RunID     string
	NoStore   bool
}

func runReconcile(ctx context.Context, c *config.Config, args runArgs, out io.Writer) error {
	log := zap.L().With(zap.String("component", "cmd.run"))
	start := time.Now()

	s, err := spec.LoadFile(args.SpecPath)
	if err != nil {
		return err
	}
	compiled, err := pipeline.Compile(s, nil)
	if err != nil {
		return err
	}

	locations, err := parseSources(args.Sources, s)
	if err != nil {
		return err
	}
	var overrides []model.Override
	if args.Overrides != "" {
		if overrides, err = loadOverrides(args.Overrides); err != nil {
			return err
		}
	}

	records, err := loadSources(ctx, c.Fetch, s, locations)
	if err != nil {
		return err
	}

	res, err := pipeline.Run(ctx, compiled, records, pipeline.Options{
		Workers:   c.Pipeline.Workers,
		Overrides: overrides,
		RunID:     args.RunID,
	})
	if err != nil {
		return err
	}

	sinks := export.Multi{&export.DirSink{Dir: args.Output}}
	if !args.NoStore {
		st, err := initStore(ctx, c.Store)
		if err != nil {
			return err
		}
		if st != nil {
			defer st.Close() //nolint:errcheck
			sinks = append(sinks, &export.StoreSink{Store: st})
		}
	}
	if err := sinks.Write(ctx, res); err != nil {
		return err
	}

	log.Info("run complete",
		zap.String("run_id", res.Telemetry.RunID),
		zap.Int("records", res.Telemetry.Records),
		zap.Int("clusters", res.Telemetry.Clusters),
		zap.Duration("elapsed", time.Since(start)),
	)
	_, _ = fmt.Fprintf(out, "run %s: %d records -> %d entities, written to %s\n\n",
		res.Telemetry.RunID, res.Telemetry.Records, res.Telemetry.Clusters, args.Output)
	_, _ = fmt.Fprintln(out, evaluate.Structural(res).Summary())
	return nil
}

// parseSources maps each spec source to its location. Every source in the
// spec needs exactly one location.
func parseSources(flags []string, s *spec.Spec) (map[string]string, error) {
	locations := make(map[string]string, len(flags))
	for _, f := range flags {
		name, loc, ok := strings.Cut(f, "=")
		name, loc = strings.TrimSpace(name), strings.TrimSpace(loc)
		if !ok || name == "" || loc == "" {
			return nil, eris.Errorf("run: --source %q must be name=location", f)
		}
		if _, known := s.Source(name); !known {
			return nil, eris.Errorf("run: source %q is not declared in the spec", name)
		}
		if _, dup := locations[name]; dup {
			return nil, eris.Errorf("run: source %q given twice", name)
		}
		locations[name] = loc
	}

	var missing []string
	for _, src := range s.Sources {
		if _, ok := locations[src.Name]; !ok {
			missing = append(missing, src.Name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, eris.Errorf("run: no --source given for %s", strings.Join(missing, ", "))
	}
	return locations, nil
}

// loadSources reads every source concurrently and concatenates the records
// in spec order.
func loadSources(ctx context.Context, fc config.FetchConfig, s *spec.Spec, locations map[string]string) ([]model.Record, error) {
	loader := &fetcher.Loader{
		HTTP: fetcher.NewHTTPFetcher(fetcher.HTTPOptions{
			UserAgent:  fc.UserAgent,
			Timeout:    time.Duration(fc.TimeoutSecs) * time.Second,
			MaxRetries: fc.MaxRetries,
			Limiter:    rate.NewLimiter(rate.Limit(fc.RateLimit), max(fc.Burst, 1)),
		}),
		Numeric: s.IsNumeric,
	}

	perSource := make([][]model.Record, len(s.Sources))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, src := range s.Sources {
		g.Go(func() error {
			loc := locations[src.Name]
			if !strings.Contains(loc, "://") {
				loc = filepath.Clean(loc)
			}
			recs, err := loader.Load(gctx, src, loc)
			if err != nil {
				return err
			}
			perSource[i] = recs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var records []model.Record
	for _, recs := range perSource {
		records = append(records, recs...)
	}
	return records, nil
}

type overridesFile struct {
	Overrides []model.Override `yaml:"overrides"`
}

// loadOverrides reads either a bare YAML list of overrides or a document
// with an overrides key.
func loadOverrides(path string) ([]model.Override, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "run: read overrides %s", path)
	}
	var list []model.Override
	if err := yaml.Unmarshal(data, &list); err == nil {
		return list, spec.ValidateOverrides(list)
	}
	var doc overridesFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, eris.Wrapf(err, "run: parse overrides %s", path)
	}
	return doc.Overrides, spec.ValidateOverrides(doc.Overrides)
}
