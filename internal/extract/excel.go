package extract

import (
	"context"
	"fmt"
	"strings"

	"github.com/xuri/excelize/v2"
)

const opExcel = "extract.Excel"

type excelProcessor struct{}

func (excelProcessor) Extensions() []string { return []string{".xlsx", ".xlsm"} }

// Extract returns one page per sheet: rows on separate lines, cells separated by tabs.
func (excelProcessor) Extract(ctx context.Context, path string) (*Result, error) {
	// Encrypted workbooks are OLE containers; reject them before excelize asks for a password.
	if _, err := openPackage(opExcel, path); err != nil {
		return nil, err
	}
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, corrupt(opExcel, fmt.Errorf("open workbook: %w", err))
	}
	defer f.Close()

	var pages []string
	for _, sheet := range f.GetSheetList() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rows, err := f.GetRows(sheet)
		if err != nil {
			return nil, corrupt(opExcel, fmt.Errorf("get rows for sheet %q: %w", sheet, err))
		}
		var buf strings.Builder
		for _, row := range rows {
			buf.WriteString(strings.Join(row, "\t"))
			buf.WriteByte('\n')
		}
		pages = append(pages, strings.TrimSpace(buf.String()))
	}
	return &Result{Pages: pages}, nil
}
