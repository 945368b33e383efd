package textmatch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	assert.Equal(t, "hello world", Normalize("  Hello \n\t  WORLD "))
	assert.Equal(t, "", Normalize(" \n "))
	assert.Equal(t, "àb", Normalize("ÀB"))
}

func TestSimilarityBounds(t *testing.T) {
	tests := []struct {
		name string
		a, b string
		want float64
	}{
		{name: "both empty", a: "", b: "", want: 1},
		{name: "one empty", a: "abc", b: "", want: 0},
		{name: "other empty", a: "  ", b: "abc", want: 0},
		{name: "equal after normalization", a: "Hello   World", b: "hello world", want: 1},
		{name: "one substitution", a: "abcd", b: "abcx", want: 0.75},
		{name: "completely different", a: "abc", b: "xyz", want: 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.InDelta(t, tc.want, Similarity(tc.a, tc.b), 1e-9)
		})
	}
}

func TestSimilarityIsSymmetric(t *testing.T) {
	pairs := [][2]string{
		{"kitten", "sitting"},
		{"Hello world. Greeting.", "Hello world. Farewell."},
		{"a", "abcdef"},
	}
	for _, pair := range pairs {
		assert.Equal(t, Similarity(pair[0], pair[1]), Similarity(pair[1], pair[0]))
	}
}

func TestLevenshtein(t *testing.T) {
	assert.Equal(t, 3, Levenshtein([]rune("kitten"), []rune("sitting")))
	assert.Equal(t, 0, Levenshtein([]rune("same"), []rune("same")))
	assert.Equal(t, 4, Levenshtein(nil, []rune("four")))
	assert.Equal(t, 1, Levenshtein([]rune("héllo"), []rune("hello")))
}

func TestFindAllMapsBackToRawOffsets(t *testing.T) {
	haystack := "Intro.  Hello\n  World and hello world!"
	spans := FindAll(haystack, "hello world")
	require.Len(t, spans, 2)

	assert.Equal(t, "Hello\n  World", haystack[spans[0].Start:spans[0].End+1])
	assert.Equal(t, "hello world", haystack[spans[1].Start:spans[1].End+1])
}

func TestFindAllOverlapping(t *testing.T) {
	spans := FindAll("aaaa", "aa")
	require.Len(t, spans, 3)
	assert.Equal(t, Span{Start: 1, End: 2}, spans[1])
}

func TestFindAllEmptyNeedle(t *testing.T) {
	assert.Empty(t, FindAll("anything", "   "))
}

func TestFindAllRespectsExpandingFolds(t *testing.T) {
	haystack := "Straße"
	assert.Empty(t, FindAll(haystack, "se"))
	assert.Empty(t, FindAll(haystack, "as"))

	spans := FindAll(haystack, "ss")
	require.Len(t, spans, 1)
	assert.Equal(t, "ß", haystack[spans[0].Start:spans[0].End+1])

	spans = FindAll(haystack, "STRASSE")
	require.Len(t, spans, 1)
	assert.Equal(t, haystack, haystack[spans[0].Start:spans[0].End+1])
}
