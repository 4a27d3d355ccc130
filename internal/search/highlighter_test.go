package search

import "testing"

func TestHighlight(t *testing.T) {
	tests := []struct {
		name    string
		content string
		query   string
		maxLen  int
		want    string
	}{
		{"short content unchanged", "short", "x", 10, "short"},
		{"no limit collapses whitespace", "a  b\n c", "", 0, "a b c"},
		{"no match keeps the start", "long text here", "zzz", 4, "long..."},
		{"match at start", "payments are processed nightly", "payments", 8, "payments..."},
		{"match in the middle", "aaaa bbbb cccc dddd eeee", "DDDD", 8, "...c dddd e..."},
		{"match near the end", "aaaa bbbb cccc dddd", "dddd", 8, "...ccc dddd"},
		{"code points not bytes", "日本語のテキストで検索する", "検索", 4, "...で検索す..."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Highlight(tt.content, tt.query, tt.maxLen); got != tt.want {
				t.Errorf("Highlight(%q, %q, %d) = %q, want %q", tt.content, tt.query, tt.maxLen, got, tt.want)
			}
		})
	}
}
