package cluster

// UnionFind is a disjoint-set forest over dense integer ids, with path
// halving and union by size.
type UnionFind struct {
	parent []int
	size   []int
}

// NewUnionFind returns n singleton sets.
func NewUnionFind(n int) *UnionFind {
	uf := &UnionFind{parent: make([]int, n), size: make([]int, n)}
	for i := range uf.parent {
		uf.parent[i] = i
		uf.size[i] = 1
	}
	return uf
}

// Find returns the representative of x.
func (uf *UnionFind) Find(x int) int {
	for uf.parent[x] != x {
		uf.parent[x] = uf.parent[uf.parent[x]]
		x = uf.parent[x]
	}
	return x
}

// Union merges the sets containing x and y and returns the new root. The
// larger set's root survives; ties keep the smaller id.
func (uf *UnionFind) Union(x, y int) int {
	rx, ry := uf.Find(x), uf.Find(y)
	if rx == ry {
		return rx
	}
	if uf.size[rx] < uf.size[ry] || (uf.size[rx] == uf.size[ry] && ry < rx) {
		rx, ry = ry, rx
	}
	uf.parent[ry] = rx
	uf.size[rx] += uf.size[ry]
	return rx
}

// Connected reports whether x and y share a set.
func (uf *UnionFind) Connected(x, y int) bool {
	return uf.Find(x) == uf.Find(y)
}

// Size returns the size of the set containing x.
func (uf *UnionFind) Size(x int) int {
	return uf.size[uf.Find(x)]
}

// Len returns the number of elements.
func (uf *UnionFind) Len() int { return len(uf.parent) }
