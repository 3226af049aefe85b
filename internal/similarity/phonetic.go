package similarity

import (
	"strings"
	"unicode"

	"github.com/antzucaro/matchr"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var upper = cases.Upper(language.Und)

// foldLetters strips diacritics, upper-cases and keeps only A-Z.
func foldLetters(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	stripped, _, err := transform.String(t, s)
	if err != nil {
		stripped = s
	}
	stripped = upper.String(stripped)
	var b strings.Builder
	for _, r := range stripped {
		if r >= 'A' && r <= 'Z' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Soundex returns the four-character American Soundex code, or "" when s has
// no letters.
func Soundex(s string) string {
	letters := foldLetters(s)
	if letters == "" {
		return ""
	}
	return matchr.Soundex(letters)
}

// Metaphone returns the primary Double Metaphone key for s. "0" encodes TH.
func Metaphone(s string) string {
	primary, _ := metaphoneKeys(s)
	return primary
}

func metaphoneKeys(s string) (string, string) {
	letters := foldLetters(s)
	if letters == "" {
		return "", ""
	}
	return matchr.DoubleMetaphone(letters)
}

// SoundexEqual returns 1 when both strings share a non-empty Soundex code.
func SoundexEqual(a, b string) float64 {
	return codesEqual(Soundex(a), Soundex(b))
}

// MetaphoneEqual returns 1 when the strings share a non-empty Double
// Metaphone key, primary or alternate.
func MetaphoneEqual(a, b string) float64 {
	pa, aa := metaphoneKeys(a)
	pb, ab := metaphoneKeys(b)
	for _, x := range []string{pa, aa} {
		for _, y := range []string{pb, ab} {
			if codesEqual(x, y) == 1 {
				return 1
			}
		}
	}
	return 0
}

func codesEqual(a, b string) float64 {
	if a == "" || b == "" || a != b {
		return 0
	}
	return 1
}
