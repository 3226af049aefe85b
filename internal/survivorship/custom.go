package survivorship

import (
	"time"

	"github.com/sells-group/reconcile/internal/model"
)

// SourceValue is one record's contribution to a field. Value is null when
// the record lacks the field; only custom functions see those entries.
type SourceValue struct {
	RecordID     string
	Source       string
	Value        model.Value
	Timestamp    time.Time
	HasTimestamp bool
	// Completeness is the record's count of non-null attributes.
	Completeness int
}

// CustomFunc picks a golden value for a field. values holds one entry per
// cluster member, ordered by record ID, including members whose value is
// null. The function is called even when every entry is null, so it can
// supply a fill value. Returning null leaves the field empty.
type CustomFunc func(field string, values []SourceValue) (model.Value, error)

// Registry maps function names used in survivorship rules to callbacks.
type Registry map[string]CustomFunc

// DefaultRegistry returns the built-in custom functions.
func DefaultRegistry() Registry {
	return Registry{
		"longest":       Longest,
		"shortest":      Shortest,
		"most_frequent": MostFrequent,
	}
}

// With returns a copy of r with fn registered under name.
func (r Registry) With(name string, fn CustomFunc) Registry {
	out := make(Registry, len(r)+1)
	for k, v := range r {
		out[k] = v
	}
	out[name] = fn
	return out
}

// Longest picks the value with the most runes.
func Longest(_ string, values []SourceValue) (model.Value, error) {
	best := -1
	for i, v := range values {
		if v.Value.IsNull() {
			continue
		}
		if best < 0 || v.Value.Len() > values[best].Value.Len() {
			best = i
		}
	}
	if best < 0 {
		return model.Null(), nil
	}
	return values[best].Value, nil
}

// Shortest picks the non-empty value with the fewest runes.
func Shortest(_ string, values []SourceValue) (model.Value, error) {
	best := -1
	for i, v := range values {
		if v.Value.Len() == 0 {
			continue
		}
		if best < 0 || v.Value.Len() < values[best].Value.Len() {
			best = i
		}
	}
	if best < 0 {
		return model.Null(), nil
	}
	return values[best].Value, nil
}

// MostFrequent picks the value contributed by the most records. Ties go to
// the value seen first.
func MostFrequent(_ string, values []SourceValue) (model.Value, error) {
	type tally struct {
		v     model.Value
		count int
	}
	var tallies []*tally
	for _, sv := range values {
		if sv.Value.IsNull() {
			continue
		}
		found := false
		for _, t := range tallies {
			if t.v.Equal(sv.Value) {
				t.count++
				found = true
				break
			}
		}
		if !found {
			tallies = append(tallies, &tally{v: sv.Value, count: 1})
		}
	}
	var best *tally
	for _, t := range tallies {
		if best == nil || t.count > best.count {
			best = t
		}
	}
	if best == nil {
		return model.Null(), nil
	}
	return best.v, nil
}
