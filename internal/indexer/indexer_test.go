package indexer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/hyperjump/kbase/internal/apperr"
	"github.com/hyperjump/kbase/internal/embedding"
	"github.com/hyperjump/kbase/internal/extract"
	"github.com/hyperjump/kbase/internal/knowledge"
	"github.com/hyperjump/kbase/internal/storage"
	"github.com/hyperjump/kbase/internal/vector"
)

// pagedProcessor returns fixed pages for ".pages" files.
type pagedProcessor struct{ pages []string }

func (pagedProcessor) Extensions() []string { return []string{".pages"} }

func (p pagedProcessor) Extract(ctx context.Context, path string) (*extract.Result, error) {
	return &extract.Result{Pages: p.pages}, nil
}

func newTestIndexer(t *testing.T, opts ...IndexerOption) (*Indexer, *knowledge.Store, string) {
	t.Helper()
	dir := t.TempDir()
	catalog, err := storage.NewSQLiteStorage(filepath.Join(dir, "kbase.db"))
	if err != nil {
		t.Fatal(err)
	}
	vectors, err := vector.NewMemoryIndex(64)
	if err != nil {
		t.Fatal(err)
	}
	store, err := knowledge.Open(context.Background(), catalog, embedding.NewHashEmbedder(64), vectors)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })

	chunker, err := NewChunker(20, 5, UnitCodepoint)
	if err != nil {
		t.Fatal(err)
	}
	extractor := extract.NewExtractor()
	extractor.Register(pagedProcessor{pages: []string{"first page text here", "second   page\r\ntext"}})
	docs := filepath.Join(dir, "documents")
	opts = append([]IndexerOption{WithDocumentsPath(docs)}, opts...)
	return NewIndexer(store, extractor, chunker, opts...), store, docs
}

func writeInput(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestAddFile_createAndReplace(t *testing.T) {
	idx, store, docs := newTestIndexer(t)
	ctx := context.Background()
	path := writeInput(t, "guide.txt", "Section A covers login. Section B covers payments.")

	res, err := idx.AddFile(ctx, path)
	if err != nil {
		t.Fatal(err)
	}
	if res.DocumentID != "guide.txt" || res.Chunks != 4 || res.Replaced != 0 {
		t.Errorf("result = %+v", res)
	}
	if res.StoredPath != filepath.Join(docs, "guide.txt") {
		t.Errorf("StoredPath = %q", res.StoredPath)
	}
	if b, err := os.ReadFile(res.StoredPath); err != nil || !strings.HasPrefix(string(b), "Section A") {
		t.Errorf("stored copy: %q, %v", b, err)
	}
	doc, err := store.GetDocument(ctx, "guide.txt")
	if err != nil {
		t.Fatal(err)
	}
	if doc.FileType != "txt" || doc.ChunkCount != 4 || doc.Characters != 50 || doc.SourcePath != path {
		t.Errorf("document = %+v", doc)
	}

	if err := os.WriteFile(path, []byte("Short now."), 0o600); err != nil {
		t.Fatal(err)
	}
	res, err = idx.AddFile(ctx, path)
	if err != nil {
		t.Fatal(err)
	}
	if res.Chunks != 1 || res.Replaced != 4 {
		t.Errorf("re-add result = %+v", res)
	}
	chunks, err := store.DocumentChunks(ctx, "guide.txt")
	if err != nil {
		t.Fatal(err)
	}
	if len(chunks) != 1 || chunks[0].Text != "Short now." {
		t.Errorf("chunks = %+v", chunks)
	}
	entries, _ := os.ReadDir(docs)
	if len(entries) != 1 {
		t.Errorf("documents dir has %d entries", len(entries))
	}
}

func TestAddFile_pages(t *testing.T) {
	idx, store, _ := newTestIndexer(t)
	ctx := context.Background()
	path := writeInput(t, "deck.pages", "ignored")

	if _, err := idx.AddFile(ctx, path); err != nil {
		t.Fatal(err)
	}
	doc, err := store.GetDocument(ctx, "deck.pages")
	if err != nil {
		t.Fatal(err)
	}
	if doc.Pages != 2 {
		t.Errorf("Pages = %d", doc.Pages)
	}
	chunks, err := store.DocumentChunks(ctx, "deck.pages")
	if err != nil {
		t.Fatal(err)
	}
	// "first page text here\n\nsecond page\ntext": page two starts at offset 22.
	for _, ch := range chunks {
		want := 1
		if ch.Start >= 22 {
			want = 2
		}
		if ch.Page != want {
			t.Errorf("chunk %d (start %d) page = %d, want %d", ch.Sequence, ch.Start, ch.Page, want)
		}
	}
}

func TestAddFile_errors(t *testing.T) {
	idx, store, docs := newTestIndexer(t)
	ctx := context.Background()

	tests := []struct {
		name string
		path string
		kind error
	}{
		{"unsupported", writeInput(t, "image.png", "\x89PNG"), apperr.ErrUnsupportedFormat},
		{"corrupt pdf", writeInput(t, "broken.pdf", "not a pdf"), apperr.ErrCorruptFile},
		{"missing", filepath.Join(t.TempDir(), "gone.txt"), apperr.ErrInvalidArgument},
		{"empty", writeInput(t, "empty.txt", " \n\t "), apperr.ErrInvalidArgument},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := idx.AddFile(ctx, tt.path)
			if !errors.Is(err, tt.kind) {
				t.Fatalf("err = %v, want %v", err, tt.kind)
			}
			var e *apperr.Error
			if !errors.As(err, &e) || e.DocumentID != filepath.Base(tt.path) {
				t.Errorf("error does not name the document: %v", err)
			}
		})
	}
	stats, err := store.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Documents != 0 {
		t.Errorf("documents = %d after failures", stats.Documents)
	}
	entries, _ := os.ReadDir(docs)
	if len(entries) != 0 {
		t.Errorf("documents dir not clean: %d entries", len(entries))
	}
}

func TestAddPaths_continuesAfterFailures(t *testing.T) {
	idx, store, _ := newTestIndexer(t)
	ctx := context.Background()
	dir := t.TempDir()
	files := map[string]string{
		"a.txt":         "alpha document text",
		"b.md":          "# Beta\n\nmarkdown body",
		"c.pdf":         "corrupt",
		"skip.bin":      "binary",
		"sub/d.txt":     "delta in a subdirectory",
		".hidden/e.txt": "hidden",
	}
	for name, body := range files {
		p := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
			t.Fatal(err)
		}
	}
	explicit := writeInput(t, "notes.xyz", "unknown type")

	results := idx.AddPaths(ctx, []string{dir, explicit})
	got := map[string]error{}
	for _, r := range results {
		got[r.DocumentID] = r.Err
	}
	if len(got) != 5 {
		t.Fatalf("results = %v", got)
	}
	for _, id := range []string{"a.txt", "b.md", "d.txt"} {
		if err, ok := got[id]; !ok || err != nil {
			t.Errorf("%s: present=%v err=%v", id, ok, err)
		}
	}
	if !errors.Is(got["c.pdf"], apperr.ErrCorruptFile) {
		t.Errorf("c.pdf: %v", got["c.pdf"])
	}
	if !errors.Is(got["notes.xyz"], apperr.ErrUnsupportedFormat) {
		t.Errorf("notes.xyz: %v", got["notes.xyz"])
	}
	stats, _ := store.Stats(ctx)
	if stats.Documents != 3 {
		t.Errorf("documents = %d", stats.Documents)
	}
}

func TestDeleteDocument(t *testing.T) {
	idx, store, _ := newTestIndexer(t)
	ctx := context.Background()
	path := writeInput(t, "gone.txt", "a document that will be deleted soon")

	res, err := idx.AddFile(ctx, path)
	if err != nil {
		t.Fatal(err)
	}
	n, err := idx.DeletePath(ctx, path)
	if err != nil {
		t.Fatal(err)
	}
	if n != res.Chunks {
		t.Errorf("deleted %d chunks, added %d", n, res.Chunks)
	}
	if _, err := os.Stat(res.StoredPath); !os.IsNotExist(err) {
		t.Errorf("stored copy still present: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("source file removed: %v", err)
	}
	if _, err := store.GetDocument(ctx, "gone.txt"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("GetDocument after delete: %v", err)
	}
	n, err = idx.DeleteDocument(ctx, "never-added.pdf")
	if err != nil || n != 0 {
		t.Errorf("delete unknown = %d, %v", n, err)
	}
}

func TestJoinPages(t *testing.T) {
	text, starts := joinPages(&extract.Result{Pages: []string{"one", "", "three  words"}})
	if text != "one\n\n\n\nthree words" {
		t.Errorf("text = %q", text)
	}
	if len(starts) != 3 || starts[0] != 0 || starts[1] != 5 || starts[2] != 7 {
		t.Errorf("starts = %v", starts)
	}
	text, starts = joinPages(&extract.Result{Text: "plain\r\ntext"})
	if text != "plain\ntext" || starts != nil {
		t.Errorf("pageless: %q %v", text, starts)
	}
}

func TestAddFile_concurrentSameDocumentKeepsCopyInStep(t *testing.T) {
	idx, store, _ := newTestIndexer(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := range 8 {
		path := filepath.Join(t.TempDir(), "same.txt")
		if err := os.WriteFile(path, []byte(fmt.Sprintf("version %d", i)), 0o600); err != nil {
			t.Fatal(err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := idx.AddFile(ctx, path); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	doc, err := store.GetDocument(ctx, "same.txt")
	if err != nil {
		t.Fatal(err)
	}
	chunks, err := store.DocumentChunks(ctx, "same.txt")
	if err != nil {
		t.Fatal(err)
	}
	stored, err := os.ReadFile(doc.StoredPath)
	if err != nil {
		t.Fatal(err)
	}
	if len(chunks) != 1 || chunks[0].Text != string(stored) {
		t.Errorf("stored copy %q does not match catalog chunks %v", stored, chunks)
	}
}
