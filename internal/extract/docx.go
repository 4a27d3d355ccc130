package extract

import (
	"archive/zip"
	"context"
	"fmt"
	"regexp"
	"strings"
)

const opDOCX = "extract.DOCX"

// docxDocumentXMLPath is the default path to the main document body inside a .docx zip.
const docxDocumentXMLPath = "word/document.xml"

// contentTypesPath is the path to [Content_Types].xml in OOXML packages.
const contentTypesPath = "[Content_Types].xml"

const docxMainContentType = "application/vnd.openxmlformats-officedocument.wordprocessingml.document.main+xml"

var (
	// wtTag matches <w:t>text</w:t> with any attributes.
	wtTag = regexp.MustCompile(`<w:t(?:\s[^>]*)?>([^<]*)</w:t>`)
	// wpTag matches one paragraph, with or without attributes.
	wpTag = regexp.MustCompile(`(?s)<w:p(?:\s[^>]*)?>.*?</w:p>`)
	// Both attribute orders of the Override element for the main document part.
	partNameRe  = regexp.MustCompile(`<Override[^>]+PartName="([^"]+)"[^>]+ContentType="` + regexp.QuoteMeta(docxMainContentType) + `"`)
	partNameRe2 = regexp.MustCompile(`<Override[^>]+ContentType="` + regexp.QuoteMeta(docxMainContentType) + `"[^>]+PartName="([^"]+)"`)
)

type docxProcessor struct{}

func (docxProcessor) Extensions() []string { return []string{".docx"} }

// Extract returns the text runs of each paragraph, one paragraph per line.
func (docxProcessor) Extract(_ context.Context, path string) (*Result, error) {
	zr, err := openPackage(opDOCX, path)
	if err != nil {
		return nil, err
	}
	docPath := findDocxMainDocumentPath(zr)
	if docPath == "" {
		docPath = docxDocumentXMLPath
	}
	docXML, err := readEntry(opDOCX, zr, docPath)
	if err != nil {
		return nil, err
	}
	if docXML == nil {
		return nil, corrupt(opDOCX, fmt.Errorf("%s not found", docPath))
	}

	var b strings.Builder
	for _, para := range wpTag.FindAllString(string(docXML), -1) {
		runs := wtTag.FindAllStringSubmatch(para, -1)
		if len(runs) == 0 {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		for _, r := range runs {
			b.WriteString(xmlEntities.Replace(r[1]))
		}
	}
	return &Result{Text: strings.TrimSpace(b.String())}, nil
}

// findDocxMainDocumentPath returns the main document part named in [Content_Types].xml,
// without leading slash, or "" if not found.
func findDocxMainDocumentPath(zr *zip.Reader) string {
	data, err := readEntry(opDOCX, zr, contentTypesPath)
	if err != nil || data == nil {
		return ""
	}
	content := string(data)
	if m := partNameRe.FindStringSubmatch(content); len(m) > 1 {
		return strings.TrimPrefix(m[1], "/")
	}
	if m := partNameRe2.FindStringSubmatch(content); len(m) > 1 {
		return strings.TrimPrefix(m[1], "/")
	}
	return ""
}
