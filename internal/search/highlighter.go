package search

import (
	"strings"
	"unicode"

	"github.com/hyperjump/kbase/pkg/utils"
)

// Highlight returns up to maxLen code points of content around the first query term
// it contains, with "..." marking cut ends. Whitespace runs collapse to one space.
// Without a match it returns the start of content.
func Highlight(content, query string, maxLen int) string {
	content = strings.Join(strings.Fields(content), " ")
	if maxLen <= 0 {
		return content
	}
	runes := []rune(content)
	if len(runes) <= maxLen {
		return content
	}
	at := firstTerm(runes, query)
	if at < 0 {
		return utils.Truncate(content, maxLen)
	}
	start := max(at-maxLen/4, 0)
	end := min(start+maxLen, len(runes))
	start = max(end-maxLen, 0)

	var b strings.Builder
	if start > 0 {
		b.WriteString("...")
	}
	b.WriteString(string(runes[start:end]))
	if end < len(runes) {
		b.WriteString("...")
	}
	return b.String()
}

// firstTerm returns the code point offset of the earliest case-insensitive match of
// any query term in runes, or -1.
func firstTerm(runes []rune, query string) int {
	lower := []rune(strings.ToLower(string(runes)))
	if len(lower) != len(runes) {
		return -1
	}
	best := -1
	for _, term := range strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	}) {
		if i := indexRunes(lower, []rune(term)); i >= 0 && (best < 0 || i < best) {
			best = i
		}
	}
	return best
}

func indexRunes(s, sub []rune) int {
	if len(sub) == 0 {
		return -1
	}
	for i := 0; i+len(sub) <= len(s); i++ {
		match := true
		for j := range sub {
			if s[i+j] != sub[j] {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}
