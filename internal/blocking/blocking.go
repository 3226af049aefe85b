// Package blocking generates candidate pairs from shared blocking-key values.
package blocking

import (
	"context"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/reconcile/internal/model"
	"github.com/sells-group/reconcile/internal/spec"
)

// NoBlockingKey names the implicit all-records group used when no blocking
// keys are configured.
const NoBlockingKey = "no_blocking"

// Options tunes candidate generation.
type Options struct {
	// MaxGroupSize flags groups larger than this as oversized. 0 disables.
	MaxGroupSize int
	Workers      int
}

// Output is the blocking result.
type Output struct {
	Pairs     []model.CandidatePair
	Groups    int
	Oversized []model.OversizedGroup
}

// Key computes the blocking-key value for a record. ok is false when any
// component is null, in which case the record does not contribute the key.
func Key(r model.Record, fields []string) (string, bool) {
	parts := make([]string, len(fields))
	for i, f := range fields {
		v := r.Get(f)
		if v.IsNull() {
			return "", false
		}
		parts[i] = v.String()
	}
	return strings.Join(parts, "\x1f"), true
}

type group struct {
	key   string
	value string
	ids   []string
}

// Generate emits every unordered pair of records that share at least one
// blocking-key value. Records must be sorted by ID. Without keys, every pair
// is emitted.
func Generate(ctx context.Context, records []model.Record, keys []spec.BlockingKey, opts Options) (*Output, error) {
	log := zap.L().With(zap.String("component", "blocking"))

	if len(keys) == 0 {
		ids := make([]string, len(records))
		for i, r := range records {
			ids[i] = r.ID
		}
		g := group{key: NoBlockingKey, ids: ids}
		out := &Output{Groups: 1}
		if len(ids) > 1 {
			out.Oversized = append(out.Oversized, model.OversizedGroup{Key: NoBlockingKey, Size: len(ids)})
			log.Warn("blocking: no keys configured, generating full cross-product", zap.Int("records", len(ids)))
		}
		merged := map[model.PairKey]map[string]bool{}
		addGroupPairs(merged, g)
		out.Pairs = collect(merged)
		return out, nil
	}

	perKey := make([][]group, len(keys))
	eg, egCtx := errgroup.WithContext(ctx)
	if opts.Workers > 0 {
		eg.SetLimit(opts.Workers)
	}
	for i, k := range keys {
		eg.Go(func() error {
			if err := egCtx.Err(); err != nil {
				return err
			}
			perKey[i] = groupBy(records, k)
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, eris.Wrap(err, "blocking: group records")
	}

	out := &Output{}
	merged := map[model.PairKey]map[string]bool{}
	for _, groups := range perKey {
		for _, g := range groups {
			if len(g.ids) < 2 {
				continue
			}
			out.Groups++
			if opts.MaxGroupSize > 0 && len(g.ids) > opts.MaxGroupSize {
				out.Oversized = append(out.Oversized, model.OversizedGroup{Key: g.key, Value: g.value, Size: len(g.ids)})
				log.Warn("blocking: oversized group",
					zap.String("key", g.key),
					zap.String("value", g.value),
					zap.Int("size", len(g.ids)),
					zap.Int("max", opts.MaxGroupSize),
				)
			}
			addGroupPairs(merged, g)
		}
		if err := ctx.Err(); err != nil {
			return nil, eris.Wrap(err, "blocking: merge pairs")
		}
	}
	out.Pairs = collect(merged)

	log.Debug("blocking: generated candidate pairs",
		zap.Int("records", len(records)),
		zap.Int("groups", out.Groups),
		zap.Int("pairs", len(out.Pairs)),
	)
	return out, nil
}

// groupBy buckets record IDs by key value. Groups are returned ordered by
// value, members in record order.
func groupBy(records []model.Record, k spec.BlockingKey) []group {
	byValue := map[string][]string{}
	for _, r := range records {
		v, ok := Key(r, k.Fields)
		if !ok {
			continue
		}
		byValue[v] = append(byValue[v], r.ID)
	}
	values := make([]string, 0, len(byValue))
	for v := range byValue {
		values = append(values, v)
	}
	sort.Strings(values)

	groups := make([]group, 0, len(values))
	for _, v := range values {
		groups = append(groups, group{key: k.Name, value: strings.ReplaceAll(v, "\x1f", "|"), ids: byValue[v]})
	}
	return groups
}

func addGroupPairs(merged map[model.PairKey]map[string]bool, g group) {
	for i := 0; i < len(g.ids); i++ {
		for j := i + 1; j < len(g.ids); j++ {
			pk := model.NewPairKey(g.ids[i], g.ids[j])
			keys, ok := merged[pk]
			if !ok {
				keys = map[string]bool{}
				merged[pk] = keys
			}
			keys[g.key] = true
		}
	}
}

func collect(merged map[model.PairKey]map[string]bool) []model.CandidatePair {
	pairs := make([]model.CandidatePair, 0, len(merged))
	for pk, keys := range merged {
		names := make([]string, 0, len(keys))
		for k := range keys {
			names = append(names, k)
		}
		sort.Strings(names)
		pairs = append(pairs, model.CandidatePair{A: pk.A, B: pk.B, Keys: names})
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].Less(pairs[j]) })
	return pairs
}
