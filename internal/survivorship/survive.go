package survivorship

import (
	"context"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/reconcile/internal/model"
	"github.com/sells-group/reconcile/internal/spec"
)

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// ParseTimestamp interprets a value as a point in time. Numbers are Unix
// seconds.
func ParseTimestamp(v model.Value) (time.Time, bool) {
	if n, ok := v.Num(); ok {
		sec := int64(n)
		return time.Unix(sec, int64((n-float64(sec))*1e9)).UTC(), true
	}
	if v.Kind() != model.KindString {
		return time.Time{}, false
	}
	s := strings.TrimSpace(v.Str())
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// Survive builds the golden record for one cluster. records must be the
// cluster's members.
func Survive(c model.Cluster, records []model.Record, t *Table) model.GoldenRecord {
	sorted := append([]model.Record(nil), records...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	g := model.GoldenRecord{
		EntityID:   c.EntityID,
		Members:    c.Members,
		Values:     map[string]model.Value{},
		Provenance: map[string]model.Provenance{},
	}

	fieldSet := map[string]bool{}
	for _, r := range sorted {
		for attr := range r.Attrs {
			fieldSet[attr] = true
		}
	}
	for _, f := range t.Fields() {
		fieldSet[f] = true
	}
	fields := make([]string, 0, len(fieldSet))
	for f := range fieldSet {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	for _, field := range fields {
		p := t.Policy(field)
		custom := p.Strategy == spec.StrategyCustom
		candidates := make([]SourceValue, 0, len(sorted))
		for _, r := range sorted {
			v := r.Get(field)
			if v.IsNull() && !custom {
				continue
			}
			sv := SourceValue{RecordID: r.ID, Source: r.Source, Value: v, Completeness: r.NonNullCount()}
			if t.TimestampField != "" {
				sv.Timestamp, sv.HasTimestamp = ParseTimestamp(r.Get(t.TimestampField))
			}
			candidates = append(candidates, sv)
		}

		value, contributors := choose(field, p, candidates)
		g.Values[field] = value
		g.Provenance[field] = provenance(p.Strategy, contributors)
	}
	return g
}

// choose picks the golden value for one field. Custom callbacks receive every
// member's entry, null values included; other strategies see only non-null
// candidates.
func choose(field string, p Policy, cands []SourceValue) (model.Value, []SourceValue) {
	if p.Strategy == spec.StrategyCustom {
		return chooseCustom(field, p, cands)
	}
	if len(cands) == 0 {
		return model.Null(), nil
	}

	switch p.Strategy {
	case spec.StrategyMostRecent:
		best := 0
		for i, c := range cands[1:] {
			b := cands[best]
			if c.HasTimestamp && (!b.HasTimestamp || c.Timestamp.After(b.Timestamp)) {
				best = i + 1
			}
		}
		return cands[best].Value, cands[best : best+1]

	case spec.StrategyMostComplete:
		best := 0
		for i, c := range cands[1:] {
			b := cands[best]
			if c.Value.Len() > b.Value.Len() || (c.Value.Len() == b.Value.Len() && c.Completeness > b.Completeness) {
				best = i + 1
			}
		}
		return cands[best].Value, cands[best : best+1]

	case spec.StrategyAggregate:
		var items []model.Value
		for _, c := range cands {
			vals := []model.Value{c.Value}
			if c.Value.Kind() == model.KindList {
				vals = c.Value.Items()
			}
			for _, v := range vals {
				if !containsValue(items, v) {
					items = append(items, v)
				}
			}
		}
		return model.List(items...), cands

	default:
		best := 0
		for i, c := range cands[1:] {
			b := cands[best]
			rc, rb := p.rank(c.Source), p.rank(b.Source)
			if rc < rb || (rc == rb && rc == len(p.Priority) && c.Source < b.Source) {
				best = i + 1
			}
		}
		return cands[best].Value, cands[best : best+1]
	}
}

func chooseCustom(field string, p Policy, cands []SourceValue) (model.Value, []SourceValue) {
	if p.Custom == nil {
		return model.Null(), nil
	}
	v, err := p.Custom(field, cands)
	if err != nil {
		zap.L().Warn("survivorship: custom function failed",
			zap.String("field", field),
			zap.String("function", p.Function),
			zap.Error(err),
		)
		return model.Null(), nil
	}
	if v.IsNull() {
		return v, nil
	}
	var contributors, present []SourceValue
	for _, c := range cands {
		if c.Value.IsNull() {
			continue
		}
		present = append(present, c)
		if c.Value.Equal(v) {
			contributors = append(contributors, c)
		}
	}
	if len(contributors) == 0 {
		contributors = present
	}
	return v, contributors
}

func containsValue(vs []model.Value, v model.Value) bool {
	for _, x := range vs {
		if x.Equal(v) {
			return true
		}
	}
	return false
}

func provenance(strategy string, contributors []SourceValue) model.Provenance {
	p := model.Provenance{Strategy: strategy, Sources: []string{}, RecordIDs: []string{}}
	seen := map[string]bool{}
	for _, c := range contributors {
		p.RecordIDs = append(p.RecordIDs, c.RecordID)
		if !seen[c.Source] {
			seen[c.Source] = true
			p.Sources = append(p.Sources, c.Source)
		}
	}
	sort.Strings(p.Sources)
	return p
}

// Resolve builds golden records for every cluster in parallel. The output is
// index-aligned with clusters.
func Resolve(ctx context.Context, clusters []model.Cluster, idx *model.Index, t *Table, workers int) ([]model.GoldenRecord, error) {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	out := make([]model.GoldenRecord, len(clusters))

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, c := range clusters {
		g.Go(func() error {
			if err := gCtx.Err(); err != nil {
				return err
			}
			records := make([]model.Record, 0, len(c.Members))
			for _, id := range c.Members {
				if r, ok := idx.Get(id); ok {
					records = append(records, r)
				}
			}
			out[i] = Survive(c, records, t)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, eris.Wrap(err, "survivorship: resolve")
	}
	return out, nil
}
