package extract

import (
	"context"
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"

	"github.com/hyperjump/kbase/internal/apperr"
)

const opPDF = "extract.PDF"

type pdfProcessor struct{}

func (pdfProcessor) Extensions() []string { return []string{".pdf"} }

// Extract returns the plain text of every page. The PDF reader panics on some malformed
// inputs; those surface as apperr.ErrCorruptFile.
func (pdfProcessor) Extract(ctx context.Context, path string) (res *Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			res, err = nil, apperr.Newf(apperr.ErrCorruptFile, opPDF, "malformed PDF: %v", r)
		}
	}()

	f, r, err := pdf.Open(path)
	if err != nil {
		return nil, classifyPDFError(err)
	}
	defer f.Close()

	n := r.NumPage()
	pages := make([]string, 0, n)
	for i := 1; i <= n; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		page := r.Page(i)
		if page.V.IsNull() {
			pages = append(pages, "")
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			return nil, corrupt(opPDF, fmt.Errorf("extract page %d: %w", i, err))
		}
		pages = append(pages, text)
	}
	return &Result{Pages: pages}, nil
}

func classifyPDFError(err error) error {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "password") || strings.Contains(msg, "encrypt") {
		return apperr.New(apperr.ErrPasswordProtected, opPDF, err)
	}
	return corrupt(opPDF, fmt.Errorf("open PDF: %w", err))
}
