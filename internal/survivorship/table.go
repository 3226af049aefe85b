// Package survivorship chooses the golden value of every field for each
// cluster and records where it came from.
package survivorship

import (
	"fmt"
	"sort"

	"github.com/sells-group/reconcile/internal/model"
	"github.com/sells-group/reconcile/internal/spec"
)

// Policy is the resolved survivorship behaviour for one field.
type Policy struct {
	Field    string
	Strategy string
	// Priority ranks sources; lower is preferred. Unlisted sources rank after
	// every listed one.
	Priority map[string]int
	Function string
	Custom   CustomFunc
}

func (p Policy) rank(source string) int {
	if r, ok := p.Priority[source]; ok {
		return r
	}
	return len(p.Priority)
}

// Table is the per-field policy table, resolved once before a run.
type Table struct {
	Default        Policy
	TimestampField string
	fields         map[string]Policy
	named          []string
}

// BuildTable resolves strategies, priority ranks and custom functions.
// Unknown custom function names are a ConfigurationError.
func BuildTable(cfg spec.Survivorship, reg Registry) (*Table, error) {
	var errs []string
	resolve := func(path string, fr spec.FieldRule, fallback []string) Policy {
		p := Policy{Field: fr.Field, Strategy: fr.Strategy, Function: fr.Function}
		order := fr.SourcePriority
		if len(order) == 0 {
			order = fallback
		}
		p.Priority = make(map[string]int, len(order))
		for i, s := range order {
			if _, dup := p.Priority[s]; !dup {
				p.Priority[s] = i
			}
		}
		if fr.Strategy == spec.StrategyCustom {
			fn, ok := reg[fr.Function]
			if !ok {
				errs = append(errs, fmt.Sprintf("%s: unknown custom function %q", path, fr.Function))
			}
			p.Custom = fn
		}
		return p
	}

	t := &Table{TimestampField: cfg.TimestampField, fields: map[string]Policy{}}
	t.Default = resolve("survivorship.default", cfg.Default, nil)
	for i, fr := range cfg.Rules {
		t.fields[fr.Field] = resolve(fmt.Sprintf("survivorship.rules[%d]", i), fr, cfg.Default.SourcePriority)
		t.named = append(t.named, fr.Field)
	}
	sort.Strings(t.named)

	if len(errs) > 0 {
		return nil, &model.ConfigurationError{Problems: errs}
	}
	return t, nil
}

// Policy returns the policy for a field, falling back to the default.
func (t *Table) Policy(field string) Policy {
	if p, ok := t.fields[field]; ok {
		return p
	}
	p := t.Default
	p.Field = field
	return p
}

// Fields returns the fields named by explicit rules, sorted.
func (t *Table) Fields() []string { return t.named }
