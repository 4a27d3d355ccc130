package vector

import (
	"context"
	"fmt"
	"slices"
	"sync"
)

var _ Index = (*MemoryIndex)(nil)

// MemoryIndex is an in-memory vector index using brute-force cosine similarity.
type MemoryIndex struct {
	dimensions int
	ids        []string
	vectors    [][]float32
	norms      []float64
	pos        map[string]int
	mu         sync.RWMutex
}

// NewMemoryIndex creates an in-memory vector index with the given dimension.
func NewMemoryIndex(dimensions int) (*MemoryIndex, error) {
	if dimensions <= 0 {
		return nil, fmt.Errorf("dimensions must be positive")
	}
	return &MemoryIndex{dimensions: dimensions, pos: make(map[string]int)}, nil
}

// Upsert stores copies of vectors under ids. Either all vectors are stored or,
// on a dimension mismatch, none.
func (m *MemoryIndex) Upsert(ctx context.Context, ids []string, vectors [][]float32) error {
	if len(ids) != len(vectors) {
		return fmt.Errorf("ids and vectors length mismatch: %d != %d", len(ids), len(vectors))
	}
	if err := m.checkDimensions(vectors); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, id := range ids {
		vec := slices.Clone(vectors[i])
		norm := L2Norm(vec)
		if p, ok := m.pos[id]; ok {
			m.vectors[p], m.norms[p] = vec, norm
			continue
		}
		m.pos[id] = len(m.ids)
		m.ids = append(m.ids, id)
		m.vectors = append(m.vectors, vec)
		m.norms = append(m.norms, norm)
	}
	return nil
}

func (m *MemoryIndex) checkDimensions(vectors [][]float32) error {
	for _, v := range vectors {
		if len(v) != m.dimensions {
			return fmt.Errorf("vector dimension mismatch: got %d, expected %d", len(v), m.dimensions)
		}
	}
	return nil
}

// Query scores every accepted vector against query. Equal scores are ordered by id.
func (m *MemoryIndex) Query(ctx context.Context, query []float32, k int, filter Filter) ([]Hit, error) {
	if len(query) != m.dimensions {
		return nil, fmt.Errorf("query dimension mismatch: got %d, expected %d", len(query), m.dimensions)
	}
	if k <= 0 {
		return nil, nil
	}
	qnorm := L2Norm(query)

	m.mu.RLock()
	hits := make([]Hit, 0, len(m.ids))
	for i, id := range m.ids {
		if filter != nil && !filter(id) {
			continue
		}
		hits = append(hits, Hit{ID: id, Score: cosine(query, m.vectors[i], qnorm, m.norms[i])})
	}
	m.mu.RUnlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	slices.SortFunc(hits, func(a, b Hit) int {
		switch {
		case a.Score > b.Score:
			return -1
		case a.Score < b.Score:
			return 1
		}
		return compareStrings(a.ID, b.ID)
	})
	if len(hits) <= k {
		return hits, nil
	}
	cut := k
	for cut < len(hits) && hits[cut].Score == hits[k-1].Score {
		cut++
	}
	return hits[:cut], nil
}

// Delete removes ids from the index.
func (m *MemoryIndex) Delete(ctx context.Context, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		p, ok := m.pos[id]
		if !ok {
			continue
		}
		last := len(m.ids) - 1
		if p != last {
			m.ids[p], m.vectors[p], m.norms[p] = m.ids[last], m.vectors[last], m.norms[last]
			m.pos[m.ids[p]] = p
		}
		m.ids, m.vectors, m.norms = m.ids[:last], m.vectors[:last], m.norms[:last]
		delete(m.pos, id)
	}
	return nil
}

// Has reports whether id is stored.
func (m *MemoryIndex) Has(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.pos[id]
	return ok
}

// Size returns the number of vectors in the index.
func (m *MemoryIndex) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.ids)
}

// Dimensions returns the vector dimension.
func (m *MemoryIndex) Dimensions() int { return m.dimensions }

// Close is a no-op for MemoryIndex.
func (m *MemoryIndex) Close() error { return nil }

func compareStrings(a, b string) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
