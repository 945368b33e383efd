package apply

import (
	"strings"
	"unicode"
)

var lineSeparators = strings.NewReplacer(
	"\r\n", "\n",
	"\r", "\n",
	"\u2028", "\n",
	"\u2029", "\n",
)

// Sanitize normalizes line separators to "\n", strips control characters
// other than newline and tab, and trims surrounding whitespace.
func Sanitize(text string) string {
	text = lineSeparators.Replace(text)
	text = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if unicode.IsControl(r) || r == '\ufeff' {
			return -1
		}
		return r
	}, text)
	return strings.TrimSpace(text)
}
