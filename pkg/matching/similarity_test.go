package matching

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestJaroWinkler(t *testing.T) {
	tests := []struct {
		a, b string
		want float64
	}{
		{"martha", "marhta", 0.961},
		{"dixon", "dicksonx", 0.813},
		{"acme", "acme", 1},
		{"", "acme", 0},
	}
	for _, tt := range tests {
		t.Run(tt.a+"/"+tt.b, func(t *testing.T) {
			assert.InDelta(t, tt.want, JaroWinkler(tt.a, tt.b), 1e-3)
		})
	}
}

func TestLevenshtein(t *testing.T) {
	assert.Equal(t, 3, LevenshteinDistance("kitten", "sitting"))
	assert.Equal(t, 0, LevenshteinDistance("", ""))
	assert.InDelta(t, 1-3.0/7, Levenshtein("kitten", "sitting"), 1e-9)
	assert.Equal(t, 1.0, Levenshtein("", ""))
}

func TestTokenJaccard(t *testing.T) {
	assert.InDelta(t, 2.0/3, TokenJaccard([]string{"acme", "holdings"}, []string{"acme", "holdings", "group"}), 1e-9)
	assert.Equal(t, 0.0, TokenJaccard([]string{"acme"}, []string{"zenith"}))
	assert.Equal(t, 1.0, TokenJaccard(nil, nil))
}

func TestSoundex(t *testing.T) {
	tests := map[string]string{
		"Robert":   "R163",
		"Rupert":   "R163",
		"Ashcraft": "A261",
		"Tymczak":  "T522",
		"":         "",
	}
	for in, want := range tests {
		t.Run(in, func(t *testing.T) {
			assert.Equal(t, want, Soundex(in))
		})
	}
}
