package extract

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

const opOpenDocument = "extract.OpenDocument"

const odfContentPath = "content.xml"

// odfBlock matches OpenDocument paragraphs and headings, including nested spans.
var odfBlock = regexp.MustCompile(`(?s)<text:(p|h)(?:\s[^>]*)?>(.*?)</text:(?:p|h)>`)

// openDocumentProcessor handles presentations and spreadsheets; text documents go
// through catProcessor.
type openDocumentProcessor struct{}

func (openDocumentProcessor) Extensions() []string { return []string{".odp", ".ods"} }

// Extract returns the text of every paragraph and heading in content.xml, one per line.
func (openDocumentProcessor) Extract(_ context.Context, path string) (*Result, error) {
	zr, err := openPackage(opOpenDocument, path)
	if err != nil {
		return nil, err
	}
	data, err := readEntry(opOpenDocument, zr, odfContentPath)
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, corrupt(opOpenDocument, fmt.Errorf("%s not found", odfContentPath))
	}
	var lines []string
	for _, m := range odfBlock.FindAllStringSubmatch(string(data), -1) {
		if t := strings.TrimSpace(innerText(m[2])); t != "" {
			lines = append(lines, t)
		}
	}
	return &Result{Text: strings.Join(lines, "\n")}, nil
}
