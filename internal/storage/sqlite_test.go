package storage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/hyperjump/kbase/internal/models"
)

func newTestStorage(t *testing.T) *SQLiteStorage {
	t.Helper()
	store, err := NewSQLiteStorage(filepath.Join(t.TempDir(), "db", "kbase.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testChunks(docID string, n int) []*models.Chunk {
	chunks := make([]*models.Chunk, n)
	for i := range chunks {
		chunks[i] = &models.Chunk{
			ID:         fmt.Sprintf("%s-%d", docID, i),
			DocumentID: docID,
			Sequence:   i,
			Start:      i * 10,
			End:        i*10 + 12,
			Text:       fmt.Sprintf("chunk %d of %s", i, docID),
			TargetSize: 12,
			Overlap:    2,
			Page:       i + 1,
			Embedding:  []float32{float32(i), 1},
		}
	}
	return chunks
}

func TestSQLiteStorage_ReplaceAndGet(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()

	doc := &models.Document{ID: "guide.pdf", SourcePath: "/in/guide.pdf", FileType: "pdf", Pages: 3, Characters: 40}
	old, err := store.ReplaceDocument(ctx, doc, testChunks("guide.pdf", 3), nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(old) != 0 {
		t.Errorf("first insert replaced %d chunks", len(old))
	}
	got, err := store.GetDocument(ctx, "guide.pdf")
	if err != nil {
		t.Fatal(err)
	}
	if got.ChunkCount != 3 || got.FileType != "pdf" || got.Pages != 3 || got.IngestedAt.IsZero() {
		t.Errorf("document = %+v", got)
	}
	chunks, err := store.GetChunksByDocumentID(ctx, "guide.pdf")
	if err != nil {
		t.Fatal(err)
	}
	if len(chunks) != 3 || chunks[2].Sequence != 2 || chunks[2].Page != 3 || chunks[1].Text != "chunk 1 of guide.pdf" {
		t.Errorf("chunks = %+v", chunks)
	}
}

func TestSQLiteStorage_ReplaceRemovesStaleChunks(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()
	doc := &models.Document{ID: "a.txt", SourcePath: "a.txt", FileType: "txt"}
	if _, err := store.ReplaceDocument(ctx, doc, testChunks("a.txt", 5), nil); err != nil {
		t.Fatal(err)
	}
	old, err := store.ReplaceDocument(ctx, doc, testChunks("a.txt", 2), nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(old) != 5 {
		t.Errorf("replaced %d chunks, want 5", len(old))
	}
	n, _ := store.CountChunks(ctx)
	if n != 2 {
		t.Errorf("CountChunks = %d, want 2", n)
	}
	d, _ := store.CountDocuments(ctx)
	if d != 1 {
		t.Errorf("CountDocuments = %d, want 1", d)
	}
}

func TestSQLiteStorage_HookErrorRollsBack(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()
	doc := &models.Document{ID: "a.txt", SourcePath: "a.txt", FileType: "txt"}
	if _, err := store.ReplaceDocument(ctx, doc, testChunks("a.txt", 2), nil); err != nil {
		t.Fatal(err)
	}
	boom := errors.New("index down")
	var seen int
	_, err := store.ReplaceDocument(ctx, doc, testChunks("a.txt", 4), func(removed []*models.Chunk) error {
		seen = len(removed)
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("want hook error, got %v", err)
	}
	if seen != 2 {
		t.Errorf("hook saw %d removed chunks, want 2", seen)
	}
	if n, _ := store.CountChunks(ctx); n != 2 {
		t.Errorf("rollback failed: %d chunks", n)
	}
}

func TestSQLiteStorage_CanceledContextWritesNothing(t *testing.T) {
	store := newTestStorage(t)
	ctx, cancel := context.WithCancel(context.Background())
	doc := &models.Document{ID: "a.txt", SourcePath: "a.txt", FileType: "txt"}
	_, err := store.ReplaceDocument(ctx, doc, testChunks("a.txt", 2), func([]*models.Chunk) error {
		cancel()
		return nil
	})
	if err == nil {
		t.Fatal("expected error after cancellation")
	}
	if n, _ := store.CountDocuments(context.Background()); n != 0 {
		t.Errorf("canceled replace left %d documents", n)
	}
}

func TestSQLiteStorage_DeleteDocument(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()
	doc := &models.Document{ID: "a.txt", SourcePath: "a.txt", FileType: "txt"}
	if _, err := store.ReplaceDocument(ctx, doc, testChunks("a.txt", 3), nil); err != nil {
		t.Fatal(err)
	}
	existed, removed, err := store.DeleteDocument(ctx, "a.txt", nil)
	if err != nil || !existed || len(removed) != 3 {
		t.Fatalf("DeleteDocument = %v, %d, %v", existed, len(removed), err)
	}
	if _, err := store.GetDocument(ctx, "a.txt"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetDocument after delete: %v", err)
	}
	existed, removed, err = store.DeleteDocument(ctx, "missing.txt", nil)
	if err != nil || existed || removed != nil {
		t.Errorf("unknown id: %v, %v, %v", existed, removed, err)
	}
}

func TestSQLiteStorage_GetChunks(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()
	doc := &models.Document{ID: "a.txt", SourcePath: "a.txt", FileType: "txt"}
	if _, err := store.ReplaceDocument(ctx, doc, testChunks("a.txt", 3), nil); err != nil {
		t.Fatal(err)
	}
	got, err := store.GetChunks(ctx, []string{"a.txt-0", "a.txt-2", "nope"})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got["a.txt-2"].Sequence != 2 {
		t.Errorf("GetChunks = %v", got)
	}
	ids, err := store.ChunkIDsByDocumentID(ctx, "a.txt")
	if err != nil || len(ids) != 3 || ids[0] != "a.txt-0" {
		t.Errorf("ChunkIDsByDocumentID = %v, %v", ids, err)
	}
}

func TestSQLiteStorage_ForEachEmbeddingSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kbase.db")
	store, err := NewSQLiteStorage(path)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	doc := &models.Document{ID: "a.txt", SourcePath: "a.txt", FileType: "txt"}
	if _, err := store.ReplaceDocument(ctx, doc, testChunks("a.txt", 2), nil); err != nil {
		t.Fatal(err)
	}
	_ = store.Close()

	store, err = NewSQLiteStorage(path)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	vecs := map[string][]float32{}
	err = store.ForEachEmbedding(ctx, func(id string, v []float32) error {
		vecs[id] = v
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(vecs) != 2 || vecs["a.txt-1"][0] != 1 || vecs["a.txt-1"][1] != 1 {
		t.Errorf("embeddings = %v", vecs)
	}
}

func TestSQLiteStorage_ListDocuments(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()
	for _, id := range []string{"b.txt", "a.txt", "c.txt"} {
		doc := &models.Document{ID: id, SourcePath: id, FileType: "txt"}
		if _, err := store.ReplaceDocument(ctx, doc, nil, nil); err != nil {
			t.Fatal(err)
		}
	}
	docs, err := store.ListDocuments(ctx, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(docs) != 3 || docs[0].ID != "a.txt" {
		t.Errorf("ListDocuments = %v", docs)
	}
	page, _ := store.ListDocuments(ctx, 1, 1)
	if len(page) != 1 || page[0].ID != "b.txt" {
		t.Errorf("paged = %v", page)
	}
	ids, _ := store.ListDocumentIDs(ctx)
	if len(ids) != 3 || ids[2] != "c.txt" {
		t.Errorf("ListDocumentIDs = %v", ids)
	}
}
