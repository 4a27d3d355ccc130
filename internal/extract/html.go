package extract

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	readability "github.com/go-shiori/go-readability"
)

const opHTML = "extract.HTML"

type htmlProcessor struct{}

func (htmlProcessor) Extensions() []string { return []string{".html", ".htm"} }

// Extract returns the readable main text of the page, preceded by its title.
func (htmlProcessor) Extract(_ context.Context, path string) (*Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	defer f.Close()

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("absolute path: %w", err)
	}
	article, err := readability.FromReader(f, &url.URL{Scheme: "file", Path: filepath.ToSlash(abs)})
	if err != nil {
		return nil, corrupt(opHTML, fmt.Errorf("parse HTML: %w", err))
	}
	text := strings.TrimSpace(article.TextContent)
	if title := strings.TrimSpace(article.Title); title != "" && !strings.HasPrefix(text, title) {
		text = title + "\n\n" + text
	}
	return &Result{Text: text}, nil
}
