package similarity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJaroWinkler(t *testing.T) {
	tests := []struct {
		a, b string
		want float64
	}{
		{"MARTHA", "MARHTA", 0.9611},
		{"DWAYNE", "DUANE", 0.84},
		{"DIXON", "DICKSONX", 0.8133},
		{"same", "same", 1},
		{"", "", 1},
		{"abc", "", 0},
		{"abc", "xyz", 0},
	}
	for _, tt := range tests {
		t.Run(tt.a+"_"+tt.b, func(t *testing.T) {
			assert.InDelta(t, tt.want, JaroWinkler(tt.a, tt.b), 0.001)
		})
	}
}

func TestJaro(t *testing.T) {
	assert.InDelta(t, 0.9444, Jaro("MARTHA", "MARHTA"), 0.001)
	assert.InDelta(t, 0.8222, Jaro("DWAYNE", "DUANE"), 0.001)
}

func TestLevenshtein(t *testing.T) {
	assert.Equal(t, 3, Levenshtein("kitten", "sitting"))
	assert.Equal(t, 0, Levenshtein("", ""))
	assert.Equal(t, 4, Levenshtein("", "abcd"))
	assert.InDelta(t, 1-3.0/7.0, LevenshteinRatio("kitten", "sitting"), 1e-9)
	assert.Equal(t, 1.0, LevenshteinRatio("", ""))
}

func TestSoundex(t *testing.T) {
	tests := map[string]string{
		"Robert":   "R163",
		"Rupert":   "R163",
		"Tymczak":  "T522",
		"Pfister":  "P236",
		"Ashcraft": "A261",
		"Lee":      "L000",
		"José":     "J200",
		"1234":     "",
	}
	for in, want := range tests {
		assert.Equal(t, want, Soundex(in), in)
	}
	assert.Equal(t, 1.0, SoundexEqual("Robert", "Rupert"))
	assert.Equal(t, 0.0, SoundexEqual("Robert", "Smith"))
	assert.Equal(t, 0.0, SoundexEqual("", ""))
}

func TestMetaphone(t *testing.T) {
	assert.Equal(t, Metaphone("Smith"), Metaphone("Smyth"))
	assert.Equal(t, "SM0", Metaphone("Smith"))
	assert.Equal(t, "NF", Metaphone("Knife"))
	assert.Equal(t, "FLP", Metaphone("Philip"))
	assert.Equal(t, 1.0, MetaphoneEqual("Stephen", "Stefen"))
	assert.Equal(t, 0.0, MetaphoneEqual("Stephen", "Robert"))
	assert.Equal(t, "XMT", Metaphone("Schmidt"))
	assert.Equal(t, 1.0, MetaphoneEqual("Smith", "Schmidt"), "alternate keys match")
	assert.Equal(t, 0.0, MetaphoneEqual("", ""))
}

func TestTokenCosine(t *testing.T) {
	assert.InDelta(t, 1.0, TokenCosine("Acme Corp", "corp acme"), 1e-9)
	assert.InDelta(t, 0.5, TokenCosine("acme corp", "acme inc"), 1e-9)
	assert.Equal(t, 0.0, TokenCosine("acme", ""))
	assert.Equal(t, 1.0, TokenCosine("", ""))
}

func TestJaccard(t *testing.T) {
	assert.InDelta(t, 1.0/3.0, Jaccard("acme corp", "acme inc."), 1e-9)
	assert.Equal(t, 0.0, Jaccard("", "acme"))
}

func TestHaversine(t *testing.T) {
	sf := NewPoint(37.7749, -122.4194)
	la := NewPoint(34.0522, -118.2437)
	assert.InDelta(t, 559, HaversineKM(sf, la), 2)
	assert.Equal(t, 0.0, HaversineKM(sf, sf))

	p, ok := ParsePoint("37.7749, -122.4194")
	require.True(t, ok)
	assert.InDelta(t, 0, HaversineKM(p, sf), 1e-9)

	_, ok = ParsePoint("not a point")
	assert.False(t, ok)
	_, ok = ParsePoint("91,0")
	assert.False(t, ok)
}

func TestProximity(t *testing.T) {
	assert.Equal(t, 1.0, Proximity(0, 5))
	assert.InDelta(t, 0.6, Proximity(2, 5), 1e-9)
	assert.Equal(t, 0.0, Proximity(10, 5))
	assert.Equal(t, 0.0, Proximity(1, 0))
}

func TestNumeric(t *testing.T) {
	assert.Equal(t, 1.0, Numeric(10, 10, 2))
	assert.InDelta(t, 0.5, Numeric(10, 11, 2), 1e-9)
	assert.Equal(t, 0.0, Numeric(10, 15, 2))
	assert.Equal(t, 1.0, Numeric(3, 3, 0))
	assert.Equal(t, 0.0, Numeric(3, 4, 0))
}

func TestRegistry(t *testing.T) {
	for _, n := range Names() {
		assert.True(t, Known(n), n)
	}
	assert.False(t, Known("bogus"))

	f, ok := Lookup(AlgJW)
	require.True(t, ok)
	assert.Equal(t, 1.0, f("a", "a"))

	_, ok = Lookup(AlgHaversine)
	assert.False(t, ok, "haversine is not a string comparator")
}

func TestAllComparatorsBounded(t *testing.T) {
	inputs := []string{"", "a", "Jon Smith", "John Smythe", "ÅSA", "12 Main St."}
	for name, f := range stringFuncs {
		for _, a := range inputs {
			for _, b := range inputs {
				s := f(a, b)
				assert.GreaterOrEqual(t, s, 0.0, name)
				assert.LessOrEqual(t, s, 1.0, name)
			}
		}
	}
}
