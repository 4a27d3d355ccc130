package extract

import (
	"context"
	"fmt"
	"os"
	"strings"
	"unicode/utf8"
)

type plainProcessor struct{}

func (plainProcessor) Extensions() []string {
	return []string{".txt", ".md", ".rst", ".csv", ".log"}
}

// Extract returns the file content; invalid UTF-8 sequences become the replacement character.
func (plainProcessor) Extract(_ context.Context, path string) (*Result, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}
	text := string(content)
	if !utf8.ValidString(text) {
		text = strings.ToValidUTF8(text, "\uFFFD")
	}
	return &Result{Text: strings.TrimPrefix(text, "\uFEFF")}, nil
}
