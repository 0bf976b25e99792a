package staging

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// keySeparator marks an uppercase rune in a canonical column name. A literal
// separator in a property name is written twice.
const keySeparator = '_'

// seqColumn is the hidden primary key. A single separator followed by a
// non-letter never appears in a canonical name, so no property can map to it
// even under SQLite's case-insensitive identifier comparison.
const seqColumn = "_#seq"

// canonicalKey converts a property name into a column name that survives
// SQLite's case-insensitive identifiers.
//
//	userId    -> user_Id
//	user_id   -> user__id
//	_Private  -> ___Private
func canonicalKey(name string) string {
	var b strings.Builder
	b.Grow(len(name) + 4)
	for _, r := range name {
		switch {
		case r == keySeparator:
			b.WriteRune(keySeparator)
			b.WriteRune(keySeparator)
		case unicode.IsUpper(r):
			b.WriteRune(keySeparator)
			b.WriteRune(r)
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// revertKey is the exact inverse of canonicalKey. Input that canonicalKey
// could not have produced is returned with stray separators kept verbatim.
func revertKey(column string) string {
	if strings.IndexRune(column, keySeparator) < 0 {
		return column
	}

	var b strings.Builder
	b.Grow(len(column))
	for i := 0; i < len(column); {
		r, size := utf8.DecodeRuneInString(column[i:])
		if r != keySeparator || i+size >= len(column) {
			b.WriteRune(r)
			i += size
			continue
		}

		next, nextSize := utf8.DecodeRuneInString(column[i+size:])
		switch {
		case next == keySeparator, unicode.IsUpper(next):
			b.WriteRune(next)
			i += size + nextSize
		default:
			b.WriteRune(r)
			i += size
		}
	}
	return b.String()
}

// quoteIdent quotes a column name for use in SQL.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
