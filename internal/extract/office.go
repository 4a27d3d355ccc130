package extract

import (
	"context"
	"fmt"
	"strings"

	"github.com/lu4p/cat"
)

const opCat = "extract.Office"

// catProcessor handles OpenDocument text and rich text files.
type catProcessor struct{}

func (catProcessor) Extensions() []string { return []string{".odt", ".rtf"} }

func (catProcessor) Extract(_ context.Context, path string) (*Result, error) {
	text, err := cat.File(path)
	if err != nil {
		return nil, corrupt(opCat, fmt.Errorf("extract %s: %w", path, err))
	}
	return &Result{Text: strings.TrimSpace(text)}, nil
}
