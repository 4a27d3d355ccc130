package vector

import (
	"context"
	"math"
	"testing"
)

func newIndex(t *testing.T, dims int) *MemoryIndex {
	t.Helper()
	idx, err := NewMemoryIndex(dims)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = idx.Close() })
	return idx
}

func TestMemoryIndex_UpsertQuery(t *testing.T) {
	idx := newIndex(t, 3)
	ctx := context.Background()
	if err := idx.Upsert(ctx, []string{"a", "b", "c"}, [][]float32{{1, 0, 0}, {0.9, 0.1, 0}, {0, 1, 0}}); err != nil {
		t.Fatal(err)
	}
	if idx.Size() != 3 {
		t.Errorf("Size=%d", idx.Size())
	}
	hits, err := idx.Query(ctx, []float32{2, 0, 0}, 2, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 2 || hits[0].ID != "a" || hits[1].ID != "b" {
		t.Fatalf("hits = %+v", hits)
	}
	if math.Abs(hits[0].Score-1) > 1e-9 {
		t.Errorf("cosine of parallel vectors should be 1, got %f", hits[0].Score)
	}
}

func TestMemoryIndex_UpsertReplaces(t *testing.T) {
	idx := newIndex(t, 2)
	ctx := context.Background()
	_ = idx.Upsert(ctx, []string{"a"}, [][]float32{{1, 0}})
	_ = idx.Upsert(ctx, []string{"a"}, [][]float32{{0, 1}})
	if idx.Size() != 1 {
		t.Fatalf("Size=%d after re-upsert", idx.Size())
	}
	hits, _ := idx.Query(ctx, []float32{0, 1}, 1, nil)
	if hits[0].Score < 0.99 {
		t.Errorf("vector not replaced: %+v", hits)
	}
}

func TestMemoryIndex_UpsertDimensionMismatchStoresNothing(t *testing.T) {
	idx := newIndex(t, 2)
	err := idx.Upsert(context.Background(), []string{"a", "b"}, [][]float32{{1, 0}, {1, 0, 0}})
	if err == nil {
		t.Fatal("expected dimension error")
	}
	if idx.Size() != 0 {
		t.Errorf("partial upsert: Size=%d", idx.Size())
	}
}

func TestMemoryIndex_QueryIncludesTiesAtCutoff(t *testing.T) {
	idx := newIndex(t, 2)
	ctx := context.Background()
	_ = idx.Upsert(ctx, []string{"z", "y", "x", "w"}, [][]float32{{1, 0}, {1, 0}, {1, 0}, {0, 1}})
	hits, err := idx.Query(ctx, []float32{1, 0}, 2, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 3 {
		t.Fatalf("expected 3 tied hits, got %+v", hits)
	}
	if hits[0].ID != "x" || hits[1].ID != "y" || hits[2].ID != "z" {
		t.Errorf("ties should be ordered by id: %+v", hits)
	}
}

func TestMemoryIndex_QueryFilter(t *testing.T) {
	idx := newIndex(t, 2)
	ctx := context.Background()
	_ = idx.Upsert(ctx, []string{"doc1#0", "doc2#0"}, [][]float32{{1, 0}, {0.8, 0.2}})
	hits, _ := idx.Query(ctx, []float32{1, 0}, 5, func(id string) bool { return id == "doc2#0" })
	if len(hits) != 1 || hits[0].ID != "doc2#0" {
		t.Errorf("filter ignored: %+v", hits)
	}
}

func TestMemoryIndex_QueryEdgeCases(t *testing.T) {
	idx := newIndex(t, 2)
	ctx := context.Background()
	if hits, err := idx.Query(ctx, []float32{1, 0}, 3, nil); err != nil || len(hits) != 0 {
		t.Errorf("empty index: %v %v", hits, err)
	}
	if _, err := idx.Query(ctx, []float32{1}, 3, nil); err == nil {
		t.Error("expected query dimension error")
	}
	_ = idx.Upsert(ctx, []string{"a"}, [][]float32{{1, 0}})
	if hits, _ := idx.Query(ctx, []float32{1, 0}, 0, nil); hits != nil {
		t.Errorf("k=0 should return nil, got %v", hits)
	}
	if hits, _ := idx.Query(ctx, []float32{0, 0}, 1, nil); len(hits) != 1 || hits[0].Score != 0 {
		t.Errorf("zero query vector: %+v", hits)
	}
}

func TestMemoryIndex_Delete(t *testing.T) {
	idx := newIndex(t, 2)
	ctx := context.Background()
	_ = idx.Upsert(ctx, []string{"a", "b", "c"}, [][]float32{{1, 0}, {0, 1}, {1, 1}})
	if err := idx.Delete(ctx, []string{"a", "missing"}); err != nil {
		t.Fatal(err)
	}
	if idx.Size() != 2 || idx.Has("a") || !idx.Has("c") {
		t.Fatalf("after delete: size=%d", idx.Size())
	}
	hits, _ := idx.Query(ctx, []float32{1, 1}, 1, nil)
	if hits[0].ID != "c" {
		t.Errorf("moved entry lost its vector: %+v", hits)
	}
}

func TestEncodeDecode(t *testing.T) {
	v := []float32{0.5, -1.25, 3}
	got, err := Decode(Encode(v))
	if err != nil {
		t.Fatal(err)
	}
	for i := range v {
		if got[i] != v[i] {
			t.Fatalf("Decode(Encode(%v)) = %v", v, got)
		}
	}
	if _, err := Decode([]byte{1, 2, 3}); err == nil {
		t.Error("expected error for truncated blob")
	}
}

func TestCosineSimilarity(t *testing.T) {
	if s := CosineSimilarity([]float32{1, 0}, []float32{-1, 0}); math.Abs(s+1) > 1e-9 {
		t.Errorf("opposite vectors: %f", s)
	}
	if s := CosineSimilarity([]float32{0, 0}, []float32{1, 0}); s != 0 {
		t.Errorf("zero vector: %f", s)
	}
}
