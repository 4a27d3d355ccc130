// Package vector provides the nearest-neighbour index over chunk embeddings.
package vector

import "context"

// Index stores one vector per id and answers similarity queries.
type Index interface {
	// Upsert adds vectors, replacing any already stored under the same id.
	Upsert(ctx context.Context, ids []string, vectors [][]float32) error
	// Query returns the k most similar ids accepted by filter (nil accepts all),
	// best first. Ids tied with the k-th score are included, so the result may
	// exceed k.
	Query(ctx context.Context, query []float32, k int, filter Filter) ([]Hit, error)
	// Delete removes ids; unknown ids are ignored.
	Delete(ctx context.Context, ids []string) error
	Size() int
	Dimensions() int
	Close() error
}

// Filter reports whether the vector stored under id may be returned.
type Filter func(id string) bool

// Hit is a single query result.
type Hit struct {
	ID    string
	Score float64 // cosine similarity, -1..1
}
