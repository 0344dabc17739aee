package matching

import (
	"math"
	"strings"
	"unicode"

	"github.com/agext/levenshtein"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// foldTransform strips combining marks so "Café" and "Cafe" compare equal.
var foldTransform = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// Normalize lowercases, trims, collapses whitespace runs, and strips
// diacritics. Both sides of every name/address comparison go through this.
func Normalize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.Join(strings.Fields(s), " ")
	if folded, _, err := transform.String(foldTransform, s); err == nil {
		s = folded
	}
	return s
}

// StringSimilarity scores how alike two strings are on a 0-100 scale using
// edit distance over normalized text: 100 - distance/maxLen*100, rounded.
// Identical strings score 100, as do two empty strings.
func StringSimilarity(a, b string) int {
	na, nb := Normalize(a), Normalize(b)
	if na == nb {
		return 100
	}
	dist := levenshtein.Distance(na, nb, nil)
	maxLen := len([]rune(na))
	if l := len([]rune(nb)); l > maxLen {
		maxLen = l
	}
	sim := int(math.Round(100 - float64(dist)/float64(maxLen)*100))
	if sim < 0 {
		sim = 0
	}
	return sim
}
