// Package model defines the records, pairs, decisions, clusters and golden
// records passed between the reconciliation stages.
package model

import "sort"

// Record is one normalized source record. Records are immutable once loaded.
type Record struct {
	ID       string           `json:"record_id"`
	Source   string           `json:"source"`
	SourceID string           `json:"source_id"`
	Attrs    map[string]Value `json:"attributes"`
}

// RecordID builds the stable identifier for a record from its source and
// source-local primary key.
func RecordID(source, sourceID string) string {
	return source + ":" + sourceID
}

// NewRecord constructs a record with its ID derived from source and sourceID.
func NewRecord(source, sourceID string, attrs map[string]Value) Record {
	if attrs == nil {
		attrs = map[string]Value{}
	}
	return Record{
		ID:       RecordID(source, sourceID),
		Source:   source,
		SourceID: sourceID,
		Attrs:    attrs,
	}
}

// Get returns the attribute value, or null when absent.
func (r Record) Get(attr string) Value {
	if r.Attrs == nil {
		return Null()
	}
	return r.Attrs[attr]
}

// Has reports whether the attribute is present on the record, even if null.
func (r Record) Has(attr string) bool {
	_, ok := r.Attrs[attr]
	return ok
}

// NonNullCount returns the number of non-null attributes.
func (r Record) NonNullCount() int {
	n := 0
	for _, v := range r.Attrs {
		if !v.IsNull() {
			n++
		}
	}
	return n
}

// AttrNames returns the sorted attribute names present on the record.
func (r Record) AttrNames() []string {
	names := make([]string, 0, len(r.Attrs))
	for k := range r.Attrs {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Index gives constant-time access to records by ID.
type Index struct {
	byID  map[string]Record
	order []string
}

// NewIndex builds an index over records. Later records with a duplicate ID
// are dropped; the dropped IDs are returned.
func NewIndex(records []Record) (*Index, []string) {
	idx := &Index{byID: make(map[string]Record, len(records))}
	var dupes []string
	for _, r := range records {
		if _, ok := idx.byID[r.ID]; ok {
			dupes = append(dupes, r.ID)
			continue
		}
		idx.byID[r.ID] = r
		idx.order = append(idx.order, r.ID)
	}
	sort.Strings(idx.order)
	return idx, dupes
}

// Get returns the record with the given ID.
func (x *Index) Get(id string) (Record, bool) {
	r, ok := x.byID[id]
	return r, ok
}

// IDs returns all record IDs in ascending order.
func (x *Index) IDs() []string { return x.order }

// Records returns all records ordered by ID.
func (x *Index) Records() []Record {
	out := make([]Record, len(x.order))
	for i, id := range x.order {
		out[i] = x.byID[id]
	}
	return out
}

// Len returns the number of indexed records.
func (x *Index) Len() int { return len(x.order) }
