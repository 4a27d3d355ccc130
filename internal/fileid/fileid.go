// Package fileid derives document ids from file names.
package fileid

import (
	"path/filepath"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// DocumentID returns the id of the document stored from path: the base name with
// surrounding whitespace trimmed, in Unicode NFC. Paths naming the same file name
// from different directories yield the same id.
func DocumentID(path string) string {
	base := filepath.Base(filepath.Clean(strings.TrimSpace(path)))
	if base == "." || base == string(filepath.Separator) {
		return ""
	}
	return norm.NFC.String(strings.TrimSpace(base))
}

// StoredName returns a file name safe to use for id inside the documents directory.
func StoredName(id string) string {
	id = strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' || r == 0 {
			return '_'
		}
		return r
	}, id)
	if id == "." || id == ".." {
		return "_" + id
	}
	return id
}
