package extract

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"

	"github.com/hyperjump/kbase/internal/apperr"
)

// oleMagic starts Compound File Binary documents; encrypted OOXML files are wrapped in one.
var oleMagic = []byte{0xD0, 0xCF, 0x11, 0xE0, 0xA1, 0xB1, 0x1A, 0xE1}

var xmlTag = regexp.MustCompile(`<[^>]+>`)

var xmlEntities = strings.NewReplacer("&lt;", "<", "&gt;", ">", "&quot;", `"`, "&apos;", "'", "&amp;", "&")

// openPackage reads a zip-based office document.
func openPackage(op, path string) (*zip.Reader, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}
	if bytes.HasPrefix(content, oleMagic) {
		return nil, apperr.Newf(apperr.ErrPasswordProtected, op, "encrypted office document")
	}
	zr, err := zip.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return nil, corrupt(op, fmt.Errorf("not a zip: %w", err))
	}
	return zr, nil
}

// readEntry returns the content of the named zip entry, or nil if absent.
func readEntry(op string, zr *zip.Reader, name string) ([]byte, error) {
	for _, f := range zr.File {
		if f.Name != name {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, corrupt(op, fmt.Errorf("open %s: %w", f.Name, err))
		}
		defer rc.Close()
		data, err := io.ReadAll(rc)
		if err != nil {
			return nil, corrupt(op, fmt.Errorf("read %s: %w", f.Name, err))
		}
		return data, nil
	}
	return nil, nil
}

// innerText strips markup from an XML fragment and decodes the predefined entities.
func innerText(fragment string) string {
	return xmlEntities.Replace(xmlTag.ReplaceAllString(fragment, ""))
}
