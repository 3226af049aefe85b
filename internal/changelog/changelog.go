// Package changelog compares two reconciliation runs at the entity level.
package changelog

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/reconcile/internal/model"
)

// Type classifies an entity-level change.
type Type string

// Change types, in summary order.
const (
	Created Type = "created"
	Grown   Type = "grown"
	Merged  Type = "merged"
	Split   Type = "split"
	Removed Type = "removed"
	Updated Type = "updated"
)

var typeOrder = []Type{Created, Grown, Merged, Split, Removed, Updated}

// FieldChange is a golden field whose surviving value changed.
type FieldChange struct {
	Old model.Value `json:"old"`
	New model.Value `json:"new"`
}

// Change describes one entity that differs between runs.
//
// For grown and merged entities Related lists the previous entity ids
// involved; for split entities it lists the current ids the members moved to.
type Change struct {
	EntityID string                 `json:"entity_id"`
	Type     Type                   `json:"change_type"`
	Members  []string               `json:"members"`
	New      []string               `json:"new_records,omitempty"`
	Related  []string               `json:"related_entity_ids,omitempty"`
	Fields   map[string]FieldChange `json:"field_changes,omitempty"`
}

// Log is the set of changes between two runs.
type Log struct {
	Changes   []Change `json:"changes"`
	Unchanged int      `json:"unchanged"`
}

// Compute classifies every entity of current against previous. Membership is
// compared by record id; golden values are compared only for entities whose
// member set is identical in both runs.
func Compute(previous, current *model.Result) *Log {
	prevOf := entityOf(previous)
	curOf := entityOf(current)
	prevGolden := goldenByID(previous)
	curGolden := goldenByID(current)

	out := &Log{}
	seen := map[string]bool{}

	for _, c := range sortedClusters(current) {
		var fresh []string
		prevIDs := map[string]bool{}
		for _, m := range c.Members {
			if p, ok := prevOf[m]; ok {
				prevIDs[p] = true
			} else {
				fresh = append(fresh, m)
			}
		}
		for p := range prevIDs {
			seen[p] = true
		}

		ch := Change{EntityID: c.EntityID, Members: c.Members, New: fresh}
		switch {
		case len(prevIDs) == 0:
			ch.Type = Created
		case len(prevIDs) > 1:
			ch.Type = Merged
			ch.Related = sortedKeys(prevIDs)
		case len(fresh) > 0:
			ch.Type = Grown
			ch.Related = sortedKeys(prevIDs)
		default:
			prevID := sortedKeys(prevIDs)[0]
			if prev, ok := prevGolden[prevID]; ok && sameMembers(prev.Members, c.Members) {
				if diff := fieldChanges(prev, curGolden[c.EntityID]); len(diff) > 0 {
					ch.Type = Updated
					ch.Fields = diff
					break
				}
			}
			out.Unchanged++
			continue
		}
		out.Changes = append(out.Changes, ch)
	}

	for _, p := range sortedClusters(previous) {
		if !seen[p.EntityID] {
			out.Changes = append(out.Changes, Change{EntityID: p.EntityID, Type: Removed, Members: p.Members})
			continue
		}
		moved := map[string]bool{}
		for _, m := range p.Members {
			if c, ok := curOf[m]; ok {
				moved[c] = true
			}
		}
		if len(moved) > 1 {
			out.Changes = append(out.Changes, Change{
				EntityID: p.EntityID,
				Type:     Split,
				Members:  p.Members,
				Related:  sortedKeys(moved),
			})
		}
	}
	return out
}

// Of returns the changes of type t.
func (l *Log) Of(t Type) []Change {
	var out []Change
	for _, c := range l.Changes {
		if c.Type == t {
			out = append(out, c)
		}
	}
	return out
}

// Summary returns a one-line description such as "2 created, 1 split, 10 unchanged".
func (l *Log) Summary() string {
	counts := map[Type]int{}
	for _, c := range l.Changes {
		counts[c.Type]++
	}
	var parts []string
	for _, t := range typeOrder {
		if n := counts[t]; n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, t))
		}
	}
	if l.Unchanged > 0 {
		parts = append(parts, fmt.Sprintf("%d unchanged", l.Unchanged))
	}
	if len(parts) == 0 {
		return "no changes"
	}
	return strings.Join(parts, ", ")
}

// ReadResult decodes a result previously written as JSON.
func ReadResult(r io.Reader) (*model.Result, error) {
	var res model.Result
	if err := json.NewDecoder(r).Decode(&res); err != nil {
		return nil, eris.Wrap(err, "changelog: decode result")
	}
	return &res, nil
}

func entityOf(res *model.Result) map[string]string {
	out := map[string]string{}
	for _, c := range res.Clusters {
		for _, m := range c.Members {
			out[m] = c.EntityID
		}
	}
	return out
}

func goldenByID(res *model.Result) map[string]model.GoldenRecord {
	out := make(map[string]model.GoldenRecord, len(res.Golden))
	for _, g := range res.Golden {
		out[g.EntityID] = g
	}
	return out
}

func sortedClusters(res *model.Result) []model.Cluster {
	cs := make([]model.Cluster, len(res.Clusters))
	for i, c := range res.Clusters {
		members := append([]string(nil), c.Members...)
		sort.Strings(members)
		cs[i] = model.Cluster{EntityID: c.EntityID, Members: members}
	}
	sort.Slice(cs, func(i, j int) bool { return cs[i].EntityID < cs[j].EntityID })
	return cs
}

func sameMembers(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[string]bool, len(a))
	for _, m := range a {
		set[m] = true
	}
	for _, m := range b {
		if !set[m] {
			return false
		}
	}
	return true
}

func fieldChanges(prev, cur model.GoldenRecord) map[string]FieldChange {
	out := map[string]FieldChange{}
	for f, v := range prev.Values {
		if nv := cur.Get(f); !v.Equal(nv) {
			out[f] = FieldChange{Old: v, New: nv}
		}
	}
	for f, nv := range cur.Values {
		if _, ok := prev.Values[f]; !ok && !nv.IsNull() {
			out[f] = FieldChange{Old: model.Null(), New: nv}
		}
	}
	return out
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
