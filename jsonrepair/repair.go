// Package jsonrepair recovers structured output that a text-generation
// service cut off mid-token, and locates syntax errors in JSON documents.
//
// Repair only handles truncation: it closes an open string literal and any
// open containers. Interior corruption is left as is, so callers must still
// treat the subsequent parse as fallible.
package jsonrepair

import "strings"

// Repair closes an unterminated string and unbalanced containers at the end
// of s. Text that is already valid JSON is returned unchanged.
func Repair(s string) string {
	depth := 0
	inString := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '"' && (i == 0 || s[i-1] != '\\') {
			inString = !inString
		}
		if inString {
			continue
		}
		switch c {
		case '{', '[':
			depth++
		case '}', ']':
			depth--
		}
	}

	if !inString && depth <= 0 {
		return s
	}

	var b strings.Builder
	b.Grow(len(s) + depth + 1)
	b.WriteString(s)
	if inString {
		b.WriteByte('"')
	}
	for ; depth > 0; depth-- {
		b.WriteByte('}')
	}
	return b.String()
}
