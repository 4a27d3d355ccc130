package indexer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/hyperjump/kbase/internal/apperr"
	"github.com/hyperjump/kbase/internal/extract"
	"github.com/hyperjump/kbase/internal/fileid"
	"github.com/hyperjump/kbase/internal/models"
	"github.com/hyperjump/kbase/internal/storage"
	"github.com/hyperjump/kbase/pkg/utils"
)

// Store is the part of the knowledge store the indexer writes to.
type Store interface {
	Upsert(ctx context.Context, doc *models.Document, chunks []*models.Chunk) (int, error)
	Delete(ctx context.Context, documentID string) (int, error)
	GetDocument(ctx context.Context, id string) (*models.Document, error)
}

// Indexer extracts, chunks and stores files.
type Indexer struct {
	store         Store
	extractor     *extract.Extractor
	chunker       *Chunker
	documentsPath string
	// locks keeps the stored copy and the catalog entry of a document in step.
	locks         *utils.KeyedMutex
	logger        *zap.Logger
}

// IndexerOption configures an Indexer.
type IndexerOption func(*Indexer)

// WithLogger sets a logger for debug output (file indexed, document deleted, etc.).
func WithLogger(l *zap.Logger) IndexerOption {
	return func(idx *Indexer) { idx.logger = l }
}

// WithDocumentsPath keeps a copy of every added file in dir.
func WithDocumentsPath(dir string) IndexerOption {
	return func(idx *Indexer) { idx.documentsPath = dir }
}

// NewIndexer creates an indexer writing to store. extractor may be nil, in which
// case the default processors are used.
func NewIndexer(store Store, extractor *extract.Extractor, chunker *Chunker, opts ...IndexerOption) *Indexer {
	if extractor == nil {
		extractor = extract.NewExtractor()
	}
	idx := &Indexer{
		store:     store,
		extractor: extractor,
		chunker:   chunker,
		locks:     utils.NewKeyedMutex(),
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(idx)
	}
	return idx
}

// CanHandle reports whether files with the extension of path can be added.
func (idx *Indexer) CanHandle(path string) bool {
	return idx.extractor.CanHandle(filepath.Ext(path))
}

// AddFile extracts, chunks and stores the file at path, replacing any document
// with the same id. The document id is the normalized file name.
func (idx *Indexer) AddFile(ctx context.Context, path string) (*models.IngestResult, error) {
	return idx.addFile(ctx, path, "")
}

// AddUpload adds a file received under origin (such as an uploaded file name);
// origin is recorded as the document's source path.
func (idx *Indexer) AddUpload(ctx context.Context, path, origin string) (*models.IngestResult, error) {
	return idx.addFile(ctx, path, origin)
}

func (idx *Indexer) addFile(ctx context.Context, path, origin string) (*models.IngestResult, error) {
	const op = "indexer.AddFile"
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, apperr.New(apperr.ErrInvalidArgument, op, err)
	}
	docID := fileid.DocumentID(absPath)
	if docID == "" {
		return nil, apperr.Newf(apperr.ErrInvalidArgument, op, "no file name in %q", path)
	}
	source := absPath
	if origin != "" {
		source = origin
	}
	res := &models.IngestResult{DocumentID: docID, SourcePath: source}
	idx.logger.Debug("indexer adding file", zap.String("path", absPath), zap.String("document_id", docID))

	extracted, err := idx.extractor.Extract(ctx, absPath)
	if err != nil {
		return res, idx.fail(ctx, op, docID, err)
	}
	text, pageStarts := joinPages(extracted)
	if strings.TrimSpace(text) == "" {
		return res, apperr.ForDocument(apperr.ErrInvalidArgument, op, docID, errors.New("no text could be extracted"))
	}
	chunks := idx.chunker.Chunk(docID, text)
	assignPages(chunks, pageStarts)

	doc := &models.Document{
		ID:         docID,
		SourcePath: source,
		FileType:   extract.FileType(absPath),
		Pages:      len(pageStarts),
		Characters: utf8.RuneCountInString(text),
	}
	unlock := idx.locks.Lock(docID)
	defer unlock()
	if prev, err := idx.store.GetDocument(ctx, docID); err == nil {
		res.Replaced = prev.ChunkCount
	} else if !errors.Is(err, storage.ErrNotFound) {
		return res, idx.fail(ctx, op, docID, err)
	}

	commit, rollback, err := idx.stage(absPath, docID)
	if err != nil {
		return res, apperr.ForDocument(apperr.ErrStoreUnavailable, op, docID, err)
	}
	if commit != nil {
		doc.StoredPath = filepath.Join(idx.documentsPath, fileid.StoredName(docID))
	}
	n, err := idx.store.Upsert(ctx, doc, chunks)
	if err != nil {
		rollback()
		return res, idx.fail(ctx, op, docID, err)
	}
	if commit != nil {
		if err := commit(); err != nil {
			idx.logger.Warn("keeping document copy failed", zap.String("document_id", docID), zap.Error(err))
		} else {
			res.StoredPath = doc.StoredPath
		}
	}
	res.Chunks = n
	idx.logger.Debug("indexer file indexed",
		zap.String("path", absPath),
		zap.String("document_id", docID),
		zap.Int("chunks", n),
		zap.Int("pages", doc.Pages))
	return res, nil
}

// stage copies src next to its final place in the documents directory. commit
// moves the copy into place; rollback discards it. Both are nil when no copy is kept.
func (idx *Indexer) stage(src, docID string) (commit func() error, rollback func(), err error) {
	noop := func() {}
	if idx.documentsPath == "" {
		return nil, noop, nil
	}
	dst := filepath.Join(idx.documentsPath, fileid.StoredName(docID))
	if same, _ := sameFile(src, dst); same {
		return func() error { return nil }, noop, nil
	}
	if err := os.MkdirAll(idx.documentsPath, 0o755); err != nil {
		return nil, noop, fmt.Errorf("create documents directory: %w", err)
	}
	tmp, err := os.CreateTemp(idx.documentsPath, ".incoming-*")
	if err != nil {
		return nil, noop, fmt.Errorf("create temp copy: %w", err)
	}
	tmpPath := tmp.Name()
	in, err := os.Open(src)
	if err == nil {
		_, err = io.Copy(tmp, in)
		in.Close()
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmpPath)
		return nil, noop, fmt.Errorf("copy %s: %w", src, err)
	}
	commit = func() error { return os.Rename(tmpPath, dst) }
	rollback = func() { _ = os.Remove(tmpPath) }
	return commit, rollback, nil
}

func sameFile(a, b string) (bool, error) {
	ai, err := os.Stat(a)
	if err != nil {
		return false, err
	}
	bi, err := os.Stat(b)
	if err != nil {
		return false, err
	}
	return os.SameFile(ai, bi), nil
}

// AddPaths adds every file named in paths. Directories are walked recursively and
// files without a processor inside them are skipped. A failure is recorded in that
// file's result and the remaining files are still added; only cancellation stops early.
func (idx *Indexer) AddPaths(ctx context.Context, paths []string) []*models.IngestResult {
	var results []*models.IngestResult
	add := func(path string) {
		res, err := idx.AddFile(ctx, path)
		if res == nil {
			res = &models.IngestResult{SourcePath: path, DocumentID: fileid.DocumentID(path)}
		}
		if err != nil {
			res.Err, res.Error = err, err.Error()
			idx.logger.Debug("indexer add failed", zap.String("path", path), zap.Error(err))
		}
		results = append(results, res)
	}
	for _, p := range paths {
		if ctx.Err() != nil {
			break
		}
		info, err := os.Stat(p)
		if err != nil || !info.IsDir() {
			add(p)
			continue
		}
		files, err := idx.walk(p)
		if err != nil {
			add(p)
			continue
		}
		for _, f := range files {
			if ctx.Err() != nil {
				break
			}
			add(f)
		}
	}
	return results
}

// walk returns the files under dir that have a processor, in lexical order.
func (idx *Indexer) walk(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			if path != dir && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if !idx.CanHandle(path) {
			return nil
		}
		// Resolve symlinks so only regular files are added.
		info, err := os.Stat(path)
		if err != nil || !info.Mode().IsRegular() {
			return nil
		}
		files = append(files, path)
		return nil
	})
	sort.Strings(files)
	return files, err
}

// DeleteDocument removes a document and its stored copy. Returns the number of chunks removed.
func (idx *Indexer) DeleteDocument(ctx context.Context, id string) (int, error) {
	idx.logger.Debug("indexer deleting document", zap.String("document_id", id))
	unlock := idx.locks.Lock(id)
	defer unlock()
	doc, err := idx.store.GetDocument(ctx, id)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return 0, err
	}
	n, err := idx.store.Delete(ctx, id)
	if err != nil {
		return 0, err
	}
	if doc != nil && doc.StoredPath != "" && idx.ownsCopy(doc.StoredPath) {
		if err := os.Remove(doc.StoredPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
			idx.logger.Warn("removing document copy failed", zap.String("path", doc.StoredPath), zap.Error(err))
		}
	}
	return n, nil
}

// DeletePath removes the document added from path.
func (idx *Indexer) DeletePath(ctx context.Context, path string) (int, error) {
	id := fileid.DocumentID(path)
	if id == "" {
		return 0, apperr.Newf(apperr.ErrInvalidArgument, "indexer.DeletePath", "no file name in %q", path)
	}
	return idx.DeleteDocument(ctx, id)
}

func (idx *Indexer) ownsCopy(path string) bool {
	if idx.documentsPath == "" {
		return false
	}
	rel, err := filepath.Rel(idx.documentsPath, path)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}

// fail adds the document id to err, classifying unkinded errors as corrupt input.
// Cancellation is returned as is.
func (idx *Indexer) fail(ctx context.Context, op, docID string, err error) error {
	if ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		return err
	}
	return apperr.ForDocument(apperr.ErrCorruptFile, op, docID, err)
}

// joinPages cleans each page and joins them with blank lines. It returns the
// joined text and the code point offset at which each page starts; the offsets
// are nil for formats without pages.
func joinPages(res *extract.Result) (string, []int) {
	if len(res.Pages) == 0 {
		return Preprocess(res.Text), nil
	}
	var (
		b      strings.Builder
		starts = make([]int, 0, len(res.Pages))
		offset int
	)
	for _, page := range res.Pages {
		page = Preprocess(page)
		if b.Len() > 0 {
			b.WriteString("\n\n")
			offset += 2
		}
		starts = append(starts, offset)
		b.WriteString(page)
		offset += utf8.RuneCountInString(page)
	}
	return b.String(), starts
}

// assignPages sets each chunk's 1-based page to the page its first code point is on.
func assignPages(chunks []*models.Chunk, pageStarts []int) {
	if len(pageStarts) == 0 {
		return
	}
	for _, ch := range chunks {
		p := sort.Search(len(pageStarts), func(i int) bool { return pageStarts[i] > ch.Start })
		ch.Page = max(p, 1)
	}
}
