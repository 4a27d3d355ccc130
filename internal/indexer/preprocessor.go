package indexer

import (
	"strings"
	"unicode"
)

// Preprocess cleans extracted text before chunking: line endings become "\n",
// control characters are dropped, runs of horizontal whitespace collapse to one
// space, and more than one blank line collapses to one.
func Preprocess(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	var b strings.Builder
	b.Grow(len(text))
	pendingSpace := false
	newlines := 0
	for _, r := range text {
		switch {
		case r == '\n' || r == '\r' || r == '\f':
			pendingSpace = false
			newlines++
		case r == '\t' || unicode.IsSpace(r):
			pendingSpace = true
		case unicode.IsControl(r):
		default:
			if b.Len() > 0 {
				switch {
				case newlines > 1:
					b.WriteString("\n\n")
				case newlines == 1:
					b.WriteByte('\n')
				case pendingSpace:
					b.WriteByte(' ')
				}
			}
			newlines = 0
			pendingSpace = false
			b.WriteRune(r)
		}
	}
	return b.String()
}
