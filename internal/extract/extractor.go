// Package extract provides text extraction from document files through a table of
// processors keyed by file extension.
package extract

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/hyperjump/kbase/internal/apperr"
)

// Result is the text extracted from one file.
type Result struct {
	// Text is the whole extracted text.
	Text string
	// Pages holds the text of each page, slide or sheet, in order. Nil for formats
	// without pages.
	Pages []string
}

// Processor extracts text from one family of file formats.
type Processor interface {
	// Extensions returns the lower-case extensions, with leading dot, the processor handles.
	Extensions() []string
	// Extract reads the file at path. Errors carry apperr.ErrCorruptFile or
	// apperr.ErrPasswordProtected where applicable.
	Extract(ctx context.Context, path string) (*Result, error)
}

// Extractor dispatches files to the processor registered for their extension.
type Extractor struct {
	processors map[string]Processor
}

// DefaultProcessors returns every built-in processor.
func DefaultProcessors() []Processor {
	return []Processor{
		plainProcessor{},
		pdfProcessor{},
		docxProcessor{},
		pptxProcessor{},
		openDocumentProcessor{},
		catProcessor{},
		excelProcessor{},
		htmlProcessor{},
	}
}

// NewExtractor returns an Extractor with the given processors registered, or the
// default processors when none are given. Later processors override earlier ones
// for the same extension.
func NewExtractor(processors ...Processor) *Extractor {
	if len(processors) == 0 {
		processors = DefaultProcessors()
	}
	e := &Extractor{processors: make(map[string]Processor)}
	for _, p := range processors {
		e.Register(p)
	}
	return e
}

// Register adds p for each of its extensions.
func (e *Extractor) Register(p Processor) {
	for _, ext := range p.Extensions() {
		e.processors[normalizeExt(ext)] = p
	}
}

// CanHandle reports whether a processor is registered for ext (with or without the dot).
func (e *Extractor) CanHandle(ext string) bool {
	_, ok := e.processors[normalizeExt(ext)]
	return ok
}

// Extensions returns the registered extensions, sorted.
func (e *Extractor) Extensions() []string {
	exts := make([]string, 0, len(e.processors))
	for ext := range e.processors {
		exts = append(exts, ext)
	}
	slices.Sort(exts)
	return exts
}

// Extract returns the text of the file at path.
// Returns apperr.ErrUnsupportedFormat when no processor handles the extension and
// apperr.ErrInvalidArgument when path is not a readable regular file.
func (e *Extractor) Extract(ctx context.Context, path string) (*Result, error) {
	const op = "extract.Extract"
	ext := normalizeExt(filepath.Ext(path))
	p, ok := e.processors[ext]
	if !ok {
		return nil, apperr.Newf(apperr.ErrUnsupportedFormat, op, "no processor for %q", filepath.Base(path))
	}
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, apperr.Newf(apperr.ErrInvalidArgument, op, "file not found: %s", path)
	}
	if err != nil {
		return nil, fmt.Errorf("stat file: %w", err)
	}
	if !info.Mode().IsRegular() {
		return nil, apperr.Newf(apperr.ErrInvalidArgument, op, "not a regular file: %s", path)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	res, err := p.Extract(ctx, path)
	if err != nil {
		return nil, err
	}
	if res.Text == "" && len(res.Pages) > 0 {
		res.Text = strings.Join(res.Pages, "\n\n")
	}
	return res, nil
}

// FileType returns the lower-case extension of path without the dot.
func FileType(path string) string {
	return strings.TrimPrefix(normalizeExt(filepath.Ext(path)), ".")
}

func normalizeExt(ext string) string {
	ext = strings.ToLower(strings.TrimSpace(ext))
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return ext
}

func corrupt(op string, err error) error {
	return apperr.New(apperr.ErrCorruptFile, op, err)
}
