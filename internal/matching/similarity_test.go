package matching

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"lowercase", "Central Park", "central park"},
		{"trim and collapse whitespace", "  Central \t Park  ", "central park"},
		{"strip diacritics", "Café Olé", "cafe ole"},
		{"empty", "", ""},
		{"whitespace only", "   ", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Normalize(tt.in))
		})
	}
}

func TestStringSimilarity(t *testing.T) {
	tests := []struct {
		name string
		a, b string
		want int
	}{
		{"identical", "Central Park", "Central Park", 100},
		{"both empty", "", "", 100},
		{"case insensitive", "CENTRAL PARK", "central park", 100},
		{"whitespace insensitive", " Central  Park ", "Central Park", 100},
		{"diacritics fold", "Café Olé", "cafe ole", 100},
		{"one char off", "central park", "centrel park", 92},
		{"disjoint", "aaaa", "zzzz", 0},
		{"one side empty", "abc", "", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, StringSimilarity(tt.a, tt.b))
		})
	}
}

func TestStringSimilaritySymmetric(t *testing.T) {
	pairs := [][2]string{
		{"Blue Bottle Coffee", "Blue Bottle"},
		{"Museum of Modern Art", "MoMA"},
		{"", "anything"},
	}
	for _, p := range pairs {
		assert.Equal(t, StringSimilarity(p[0], p[1]), StringSimilarity(p[1], p[0]),
			"similarity(%q, %q) not symmetric", p[0], p[1])
	}
}

func TestStringSimilarityBounds(t *testing.T) {
	inputs := []string{"", "a", "Central Park", "完全に別の場所", "Av. Paulista 1578, São Paulo"}
	for _, a := range inputs {
		for _, b := range inputs {
			got := StringSimilarity(a, b)
			assert.GreaterOrEqual(t, got, 0, "similarity(%q, %q)", a, b)
			assert.LessOrEqual(t, got, 100, "similarity(%q, %q)", a, b)
		}
	}
}
