package similarity

import (
	"math"
	"strings"
)

// tokens splits on whitespace, lower-cases and strips common punctuation.
func tokens(s string) []string {
	words := strings.Fields(strings.ToLower(s))
	out := words[:0]
	for _, w := range words {
		w = strings.Trim(w, ".,;:!?()[]{}\"'")
		if w != "" {
			out = append(out, w)
		}
	}
	return out
}

// TokenCosine returns the cosine similarity of the token count vectors.
func TokenCosine(a, b string) float64 {
	ta, tb := tokens(a), tokens(b)
	if len(ta) == 0 && len(tb) == 0 {
		return 1
	}
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}

	ca := make(map[string]int, len(ta))
	for _, t := range ta {
		ca[t]++
	}
	cb := make(map[string]int, len(tb))
	for _, t := range tb {
		cb[t]++
	}

	var dot, na, nb float64
	for t, n := range ca {
		na += float64(n * n)
		dot += float64(n * cb[t])
	}
	for _, n := range cb {
		nb += float64(n * n)
	}
	return math.Min(1, dot/(math.Sqrt(na)*math.Sqrt(nb)))
}

// Jaccard returns the Jaccard index of the two token sets.
func Jaccard(a, b string) float64 {
	sa := wordSet(a)
	sb := wordSet(b)
	if len(sa) == 0 || len(sb) == 0 {
		return 0
	}

	intersection := 0
	for w := range sa {
		if sb[w] {
			intersection++
		}
	}
	union := len(sa) + len(sb) - intersection
	return float64(intersection) / float64(union)
}

func wordSet(s string) map[string]bool {
	ts := tokens(s)
	set := make(map[string]bool, len(ts))
	for _, t := range ts {
		set[t] = true
	}
	return set
}
