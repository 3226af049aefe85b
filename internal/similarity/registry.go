package similarity

import (
	"math"
	"sort"
)

// Func compares two strings and returns a similarity in [0, 1].
type Func func(a, b string) float64

// Algorithm names.
const (
	AlgExact     = "exact"
	AlgJaro      = "jaro"
	AlgJW        = "jaro_winkler"
	AlgLev       = "levenshtein"
	AlgSoundex   = "soundex"
	AlgMeta      = "metaphone"
	AlgCosine    = "token_cosine"
	AlgJaccard   = "jaccard"
	AlgHaversine = "haversine"
	AlgNumeric   = "numeric"
)

var stringFuncs = map[string]Func{
	AlgExact:   exact,
	AlgJaro:    Jaro,
	AlgJW:      JaroWinkler,
	AlgLev:     LevenshteinRatio,
	AlgSoundex: SoundexEqual,
	AlgMeta:    MetaphoneEqual,
	AlgCosine:  TokenCosine,
	AlgJaccard: Jaccard,
}

// Lookup returns the string comparator registered under name.
func Lookup(name string) (Func, bool) {
	f, ok := stringFuncs[name]
	return f, ok
}

// Known reports whether name is a supported algorithm, including the
// numeric and geographic comparators that do not operate on strings.
func Known(name string) bool {
	if name == AlgHaversine || name == AlgNumeric {
		return true
	}
	_, ok := stringFuncs[name]
	return ok
}

// Names returns every supported algorithm name in sorted order.
func Names() []string {
	names := []string{AlgHaversine, AlgNumeric}
	for n := range stringFuncs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func exact(a, b string) float64 {
	if a == b {
		return 1
	}
	return 0
}

// Numeric returns 1 - |a-b|/tolerance clamped to [0, 1]. A zero tolerance
// degrades to equality.
func Numeric(a, b, tolerance float64) float64 {
	d := math.Abs(a - b)
	if tolerance <= 0 {
		if d == 0 {
			return 1
		}
		return 0
	}
	return math.Max(0, 1-d/tolerance)
}
