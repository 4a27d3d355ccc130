// Package storage persists documents, chunks and chunk embeddings.
package storage

import (
	"context"
	"errors"

	"github.com/hyperjump/kbase/internal/models"
)

// ErrNotFound is returned when a document does not exist.
var ErrNotFound = errors.New("not found")

// CommitHook runs inside a write transaction just before commit, with the chunks
// the transaction removes. Returning an error rolls the transaction back.
type CommitHook func(removed []*models.Chunk) error

// Storage is the document and chunk catalog. It is the source of truth for
// embeddings; indexes are rebuilt from it.
type Storage interface {
	// ReplaceDocument atomically replaces doc and all its chunks (with embeddings)
	// and returns the chunks it replaced.
	ReplaceDocument(ctx context.Context, doc *models.Document, chunks []*models.Chunk, hook CommitHook) ([]*models.Chunk, error)
	// DeleteDocument atomically removes doc and its chunks and returns the removed
	// chunks. Deleting an unknown id removes nothing and is not an error.
	DeleteDocument(ctx context.Context, id string, hook CommitHook) (existed bool, removed []*models.Chunk, err error)

	GetDocument(ctx context.Context, id string) (*models.Document, error)
	ListDocuments(ctx context.Context, offset, limit int) ([]*models.Document, error)
	ListDocumentIDs(ctx context.Context) ([]string, error)

	// GetChunks returns the chunks with the given ids, keyed by id; unknown ids are absent.
	GetChunks(ctx context.Context, ids []string) (map[string]*models.Chunk, error)
	GetChunksByDocumentID(ctx context.Context, docID string) ([]*models.Chunk, error)
	ChunkIDsByDocumentID(ctx context.Context, docID string) ([]string, error)
	// ForEachEmbedding calls fn for every stored chunk embedding.
	ForEachEmbedding(ctx context.Context, fn func(chunkID string, vector []float32) error) error

	CountDocuments(ctx context.Context) (int64, error)
	CountChunks(ctx context.Context) (int64, error)

	Close() error
}
