// Package similarity implements the string, phonetic, token, numeric and
// geographic comparators used by match rules. Every comparator returns a
// similarity in [0, 1].
package similarity

import "github.com/antzucaro/matchr"

// Jaro returns the Jaro similarity of a and b. Two empty strings are
// identical.
func Jaro(a, b string) float64 {
	if a == "" && b == "" {
		return 1
	}
	return matchr.Jaro(a, b)
}

// JaroWinkler returns the Jaro-Winkler similarity, boosting pairs above 0.7
// that share a common prefix of up to four runes by 0.1 per rune.
func JaroWinkler(a, b string) float64 {
	if a == "" && b == "" {
		return 1
	}
	return matchr.JaroWinkler(a, b, false)
}
