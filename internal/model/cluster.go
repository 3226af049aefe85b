package model

import (
	"strings"

	"github.com/google/uuid"
)

// entityNamespace scopes deterministic entity IDs.
var entityNamespace = uuid.MustParse("6f1c2d3e-8a4b-5c6d-9e0f-112233445566")

// Cluster is a connected component of the merge graph.
type Cluster struct {
	EntityID string   `json:"entity_id"`
	Members  []string `json:"members"`
}

// EntityID derives a stable entity identifier from the sorted member IDs.
// Identical membership always yields the same ID.
func EntityID(sortedMembers []string) string {
	return uuid.NewSHA1(entityNamespace, []byte(strings.Join(sortedMembers, "\x1f"))).String()
}

// Size returns the number of records in the cluster.
func (c Cluster) Size() int { return len(c.Members) }

// Provenance records how a golden field value was chosen.
type Provenance struct {
	Strategy  string   `json:"strategy"`
	Sources   []string `json:"sources"`
	RecordIDs []string `json:"record_ids"`
}

// GoldenRecord is the surviving record for one entity.
type GoldenRecord struct {
	EntityID   string                `json:"entity_id"`
	Members    []string              `json:"members"`
	Values     map[string]Value      `json:"values"`
	Provenance map[string]Provenance `json:"provenance"`
}

// Get returns the surviving value for a field, or null.
func (g GoldenRecord) Get(field string) Value {
	if g.Values == nil {
		return Null()
	}
	return g.Values[field]
}
