package store

import (
	"regexp"
	"strings"
)

// ColumnName maps an arbitrary field name to a column identifier by replacing
// every rune outside [A-Za-z0-9_] with an underscore. Case is preserved and
// the rune count never changes. Distinct inputs may collide; they then share
// a column.
func ColumnName(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range text {
		if isIdentRune(r) {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

func isIdentRune(r rune) bool {
	return r == '_' ||
		(r >= 'a' && r <= 'z') ||
		(r >= 'A' && r <= 'Z') ||
		(r >= '0' && r <= '9')
}

// identRe is the grammar an aggregation target must already satisfy. It is
// stricter than ColumnName: targets are rejected, never rewritten.
var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// quoteIdent quotes an identifier that has already passed ColumnName or
// identRe, so it can never contain a double quote.
func quoteIdent(name string) string {
	return `"` + name + `"`
}
