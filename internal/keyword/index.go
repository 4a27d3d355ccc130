// Package keyword provides full-text search over chunk text.
package keyword

import (
	"context"

	"github.com/hyperjump/kbase/internal/models"
)

// SearchOptions are optional parameters for keyword search. Nil means use defaults.
type SearchOptions struct {
	// DocumentID restricts hits to one document.
	DocumentID string
	// Fuzzy matches terms within Fuzziness edits (default 1) for typo tolerance.
	Fuzzy     bool
	Fuzziness int
}

// Index is a keyword index over chunks.
type Index interface {
	IndexChunks(ctx context.Context, chunks []*models.Chunk) error
	DeleteChunks(ctx context.Context, ids []string) error
	Search(ctx context.Context, query string, limit int, opts *SearchOptions) ([]*Result, error)
	DocCount() (uint64, error)
	Close() error
}

// Result is a single keyword search hit.
type Result struct {
	ChunkID    string
	DocumentID string
	Score      float64
}
