// Package textmatch scores and locates text under whitespace and case
// normalization.
package textmatch

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/cases"
)

// Span is a match in raw (unnormalized) byte offsets. End is inclusive.
type Span struct {
	Start int
	End   int
}

// Normalize collapses whitespace runs to a single space, trims and case-folds.
func Normalize(s string) string {
	folded := cases.Fold().String(s)
	return strings.Join(strings.Fields(folded), " ")
}

// Similarity returns 1 - levenshtein(a, b) / max(len(a), len(b)) over the
// normalized inputs, measured in runes.
func Similarity(a, b string) float64 {
	na, nb := Normalize(a), Normalize(b)
	if na == nb {
		return 1.0
	}
	ra, rb := []rune(na), []rune(nb)
	if len(ra) == 0 || len(rb) == 0 {
		return 0.0
	}
	longest := len(ra)
	if len(rb) > longest {
		longest = len(rb)
	}
	return 1.0 - float64(Levenshtein(ra, rb))/float64(longest)
}

// Levenshtein is the classic edit distance with unit costs, using two rows.
func Levenshtein(a, b []rune) int {
	if len(a) == 0 {
		return len(b)
	}
	if len(b) == 0 {
		return len(a)
	}
	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(a); i++ {
		curr[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			curr[j] = min(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(b)]
}

// FindAll returns every occurrence of needle in haystack, comparing both
// under Normalize. Occurrences may overlap. Offsets refer to haystack bytes.
// A match must start and end on raw rune boundaries, so it never covers only
// part of a fold that expands to several runes (ß -> ss).
func FindAll(haystack, needle string) []Span {
	target := []rune(Normalize(needle))
	if len(target) == 0 {
		return nil
	}
	view := newNormalizedView(haystack)
	spans := make([]Span, 0)
	for i := 0; i+len(target) <= len(view.runes); i++ {
		last := i + len(target) - 1
		if !equalRunes(view.runes[i:last+1], target) || !view.boundary(i, last) {
			continue
		}
		spans = append(spans, Span{
			Start: view.starts[i],
			End:   view.ends[last] - 1,
		})
	}
	return spans
}

// normalizedView is the normalized form of a text with, for each normalized
// rune, the raw byte range it was produced from.
type normalizedView struct {
	runes  []rune
	starts []int
	ends   []int
}

func newNormalizedView(raw string) normalizedView {
	var view normalizedView
	pendingSpace := false
	spaceStart := 0
	for offset := 0; offset < len(raw); {
		r, size := utf8.DecodeRuneInString(raw[offset:])
		if unicode.IsSpace(r) {
			if !pendingSpace {
				spaceStart = offset
			}
			pendingSpace = true
			offset += size
			continue
		}
		if pendingSpace && len(view.runes) > 0 {
			view.runes = append(view.runes, ' ')
			view.starts = append(view.starts, spaceStart)
			view.ends = append(view.ends, offset)
		}
		pendingSpace = false
		for _, folded := range cases.Fold().String(string(r)) {
			view.runes = append(view.runes, folded)
			view.starts = append(view.starts, offset)
			view.ends = append(view.ends, offset+size)
		}
		offset += size
	}
	return view
}

// boundary reports whether normalized runes first..last cover whole raw runes.
func (v normalizedView) boundary(first, last int) bool {
	if first > 0 && v.starts[first] == v.starts[first-1] {
		return false
	}
	if last+1 < len(v.starts) && v.starts[last+1] == v.starts[last] {
		return false
	}
	return true
}

func equalRunes(a, b []rune) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
