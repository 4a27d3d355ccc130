// Package knowledge is the knowledge store: it keeps the chunk catalog, the
// vector index and the keyword index consistent per document.
package knowledge

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hyperjump/kbase/internal/apperr"
	"github.com/hyperjump/kbase/internal/embedding"
	"github.com/hyperjump/kbase/internal/keyword"
	"github.com/hyperjump/kbase/internal/metrics"
	"github.com/hyperjump/kbase/internal/models"
	"github.com/hyperjump/kbase/internal/storage"
	"github.com/hyperjump/kbase/internal/vector"
	"github.com/hyperjump/kbase/pkg/utils"
)

// SearchOptions narrows a search.
type SearchOptions struct {
	// DocumentID restricts results to one document.
	DocumentID string
}

// Store coordinates the catalog, the embedder and both indexes.
type Store struct {
	catalog     storage.Storage
	embedder    embedding.Embedder
	vectors     vector.Index
	keywords    keyword.Index
	batchSize   int
	concurrency int
	locks       *utils.KeyedMutex
	// view is write-locked from a catalog commit until both indexes match it and
	// read-locked while a search queries an index and resolves its hits.
	view        sync.RWMutex
	metrics     *metrics.Metrics
	logger      *zap.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets a logger for debug output.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithKeywordIndex maintains kw alongside the vector index.
func WithKeywordIndex(kw keyword.Index) Option {
	return func(s *Store) { s.keywords = kw }
}

// WithEmbedBatching sets how many texts go in one embedding request and how many
// requests run at once.
func WithEmbedBatching(batchSize, concurrency int) Option {
	return func(s *Store) {
		if batchSize > 0 {
			s.batchSize = batchSize
		}
		if concurrency > 0 {
			s.concurrency = concurrency
		}
	}
}

// WithMetrics records operation counts and latency.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

// Open builds a Store and loads the vector index (and an empty keyword index)
// from the catalog.
func Open(ctx context.Context, catalog storage.Storage, embedder embedding.Embedder, vectors vector.Index, opts ...Option) (*Store, error) {
	s := &Store{
		catalog:     catalog,
		embedder:    embedder,
		vectors:     vectors,
		batchSize:   64,
		concurrency: 4,
		locks:       utils.NewKeyedMutex(),
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if embedder.Dimensions() != vectors.Dimensions() {
		return nil, apperr.Newf(apperr.ErrConfig, "knowledge.Open",
			"embedder produces %d dimensions but the vector index holds %d", embedder.Dimensions(), vectors.Dimensions())
	}
	if err := s.load(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load(ctx context.Context) error {
	const op = "knowledge.Open"
	const flush = 512
	var (
		ids  []string
		vecs [][]float32
	)
	upsert := func() error {
		if err := s.vectors.Upsert(ctx, ids, vecs); err != nil {
			return apperr.New(apperr.ErrConfig, op,
				fmt.Errorf("stored embeddings do not fit the vector index (was the embedding model changed?): %w", err))
		}
		ids, vecs = ids[:0], vecs[:0]
		return nil
	}
	err := s.catalog.ForEachEmbedding(ctx, func(id string, v []float32) error {
		ids, vecs = append(ids, id), append(vecs, v)
		if len(ids) >= flush {
			return upsert()
		}
		return nil
	})
	if err == nil && len(ids) > 0 {
		err = upsert()
	}
	if err != nil {
		if apperr.KindOf(err) != nil {
			return err
		}
		return apperr.New(apperr.ErrStoreUnavailable, op, fmt.Errorf("load embeddings: %w", err))
	}

	if s.keywords != nil {
		if err := s.syncKeywords(ctx); err != nil {
			return apperr.New(apperr.ErrStoreUnavailable, op, err)
		}
	}
	s.logger.Debug("knowledge store loaded", zap.Int("vectors", s.vectors.Size()))
	return nil
}

// syncKeywords reindexes every chunk when the keyword index is behind the catalog.
func (s *Store) syncKeywords(ctx context.Context) error {
	indexed, err := s.keywords.DocCount()
	if err != nil {
		return fmt.Errorf("keyword doc count: %w", err)
	}
	total, err := s.catalog.CountChunks(ctx)
	if err != nil {
		return fmt.Errorf("count chunks: %w", err)
	}
	if int64(indexed) == total {
		return nil
	}
	s.logger.Debug("rebuilding keyword index", zap.Uint64("indexed", indexed), zap.Int64("chunks", total))
	ids, err := s.catalog.ListDocumentIDs(ctx)
	if err != nil {
		return fmt.Errorf("list documents: %w", err)
	}
	for _, id := range ids {
		chunks, err := s.catalog.GetChunksByDocumentID(ctx, id)
		if err != nil {
			return fmt.Errorf("chunks of %s: %w", id, err)
		}
		if err := s.keywords.IndexChunks(ctx, chunks); err != nil {
			return err
		}
	}
	return nil
}

// Upsert replaces the stored chunks of doc with chunks and returns how many were stored.
// All chunks are embedded before anything is written; a failure or cancellation at
// any point before the catalog commits leaves the previous version in place.
func (s *Store) Upsert(ctx context.Context, doc *models.Document, chunks []*models.Chunk) (n int, err error) {
	const op = "knowledge.Upsert"
	start := time.Now()
	defer func() { s.metrics.Observe("upsert", start, err) }()

	if doc == nil || doc.ID == "" {
		return 0, apperr.Newf(apperr.ErrInvalidArgument, op, "document id is required")
	}
	for _, ch := range chunks {
		if ch.DocumentID != doc.ID {
			return 0, apperr.ForDocument(apperr.ErrInvalidArgument, op, doc.ID,
				fmt.Errorf("chunk %s belongs to %q", ch.ID, ch.DocumentID))
		}
	}

	unlock := s.locks.Lock(doc.ID)
	defer unlock()

	texts := make([]string, len(chunks))
	for i, ch := range chunks {
		texts[i] = ch.Text
	}
	vecs, err := s.embedAll(ctx, texts)
	if err != nil {
		return 0, s.storeErr(ctx, op, doc.ID, err)
	}
	for i, ch := range chunks {
		ch.Embedding = vecs[i]
	}

	newIDs := make([]string, len(chunks))
	for i, ch := range chunks {
		newIDs[i] = ch.ID
	}
	var (
		old            []*models.Chunk
		keywordChanged bool
	)
	hook := func(removed []*models.Chunk) error {
		old = removed
		if s.keywords == nil {
			return nil
		}
		keywordChanged = true
		if err := s.keywords.DeleteChunks(ctx, staleIDs(removed, newIDs)); err != nil {
			return apperr.New(apperr.ErrStoreUnavailable, op, err)
		}
		if err := s.keywords.IndexChunks(ctx, chunks); err != nil {
			return apperr.New(apperr.ErrStoreUnavailable, op, err)
		}
		return nil
	}
	// Searches wait until the catalog commit and the vector swap are both done.
	commit := func() error {
		s.view.Lock()
		defer s.view.Unlock()
		if _, err := s.catalog.ReplaceDocument(ctx, doc, chunks, hook); err != nil {
			if keywordChanged {
				s.revertKeywords(newIDs, old)
			}
			return s.storeErr(ctx, op, doc.ID, err)
		}
		if err := s.vectors.Delete(context.WithoutCancel(ctx), staleIDs(old, newIDs)); err != nil {
			return apperr.ForDocument(apperr.ErrStoreUnavailable, op, doc.ID, err)
		}
		if err := s.vectors.Upsert(context.WithoutCancel(ctx), newIDs, vecs); err != nil {
			return apperr.ForDocument(apperr.ErrStoreUnavailable, op, doc.ID, err)
		}
		return nil
	}
	if err := commit(); err != nil {
		return 0, err
	}
	s.logger.Debug("document upserted",
		zap.String("document_id", doc.ID),
		zap.Int("chunks", len(chunks)),
		zap.Int("replaced", len(old)))
	return len(chunks), nil
}

// embedAll embeds texts in batches, running up to s.concurrency batches at once.
func (s *Store) embedAll(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for start := 0; start < len(texts); start += s.batchSize {
		end := min(start+s.batchSize, len(texts))
		g.Go(func() error {
			vecs, err := s.embedder.EmbedBatch(gctx, texts[start:end])
			if err != nil {
				return err
			}
			if len(vecs) != end-start {
				return fmt.Errorf("embedder returned %d vectors for %d texts", len(vecs), end-start)
			}
			copy(out[start:end], vecs)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	dims := s.vectors.Dimensions()
	for i, v := range out {
		if len(v) != dims {
			return nil, fmt.Errorf("embedding %d has %d dimensions, want %d", i, len(v), dims)
		}
	}
	return out, nil
}

// revertKeywords restores the keyword index after a failed commit.
func (s *Store) revertKeywords(newIDs []string, old []*models.Chunk) {
	ctx := context.Background()
	if err := s.keywords.DeleteChunks(ctx, newIDs); err != nil {
		s.logger.Warn("keyword index revert failed", zap.Error(err))
		return
	}
	if err := s.keywords.IndexChunks(ctx, old); err != nil {
		s.logger.Warn("keyword index revert failed", zap.Error(err))
	}
}

// Delete removes a document and its chunks and returns how many chunks were removed.
// Unknown ids remove nothing.
func (s *Store) Delete(ctx context.Context, documentID string) (n int, err error) {
	const op = "knowledge.Delete"
	start := time.Now()
	defer func() { s.metrics.Observe("delete", start, err) }()

	unlock := s.locks.Lock(documentID)
	defer unlock()

	var (
		old            []*models.Chunk
		keywordChanged bool
	)
	hook := func(removed []*models.Chunk) error {
		old = removed
		if s.keywords == nil {
			return nil
		}
		keywordChanged = true
		if err := s.keywords.DeleteChunks(ctx, chunkIDs(removed)); err != nil {
			return apperr.New(apperr.ErrStoreUnavailable, op, err)
		}
		return nil
	}
	s.view.Lock()
	existed, removed, err := s.catalog.DeleteDocument(ctx, documentID, hook)
	if err != nil {
		s.view.Unlock()
		if keywordChanged {
			s.revertKeywords(nil, old)
		}
		return 0, s.storeErr(ctx, op, documentID, err)
	}
	if !existed {
		s.view.Unlock()
		return 0, nil
	}
	err = s.vectors.Delete(context.WithoutCancel(ctx), chunkIDs(removed))
	s.view.Unlock()
	if err != nil {
		return 0, apperr.ForDocument(apperr.ErrStoreUnavailable, op, documentID, err)
	}
	s.logger.Debug("document deleted", zap.String("document_id", documentID), zap.Int("chunks", len(removed)))
	return len(removed), nil
}

// Search returns the k chunks most similar to query, best first. Ties are ordered
// by sequence index, then document id.
func (s *Store) Search(ctx context.Context, query string, k int, opts *SearchOptions) (res []*models.QueryResult, err error) {
	const op = "knowledge.Search"
	start := time.Now()
	defer func() { s.metrics.Observe("search", start, err) }()

	if k <= 0 {
		return nil, apperr.Newf(apperr.ErrInvalidArgument, op, "k must be positive, got %d", k)
	}
	if opts == nil {
		opts = &SearchOptions{}
	}
	qv, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, s.storeErr(ctx, op, "", err)
	}

	s.view.RLock()
	defer s.view.RUnlock()
	var filter vector.Filter
	if opts.DocumentID != "" {
		ids, err := s.catalog.ChunkIDsByDocumentID(ctx, opts.DocumentID)
		if err != nil {
			return nil, s.storeErr(ctx, op, opts.DocumentID, err)
		}
		if len(ids) == 0 {
			return nil, nil
		}
		allowed := make(map[string]struct{}, len(ids))
		for _, id := range ids {
			allowed[id] = struct{}{}
		}
		filter = func(id string) bool { _, ok := allowed[id]; return ok }
	}

	hits, err := s.vectors.Query(ctx, qv, k, filter)
	if err != nil {
		return nil, s.storeErr(ctx, op, "", err)
	}
	scores := make(map[string]float64, len(hits))
	ids := make([]string, len(hits))
	for i, h := range hits {
		ids[i] = h.ID
		scores[h.ID] = h.Score
	}
	return s.resolve(ctx, op, ids, scores, k)
}

// KeywordSearch runs a full-text query over chunk text. It requires a keyword index.
func (s *Store) KeywordSearch(ctx context.Context, query string, limit int, opts *keyword.SearchOptions) (res []*models.QueryResult, err error) {
	const op = "knowledge.KeywordSearch"
	start := time.Now()
	defer func() { s.metrics.Observe("keyword_search", start, err) }()

	if limit <= 0 {
		return nil, apperr.Newf(apperr.ErrInvalidArgument, op, "limit must be positive, got %d", limit)
	}
	if s.keywords == nil {
		return nil, apperr.Newf(apperr.ErrConfig, op, "keyword index is not configured")
	}
	s.view.RLock()
	defer s.view.RUnlock()
	hits, err := s.keywords.Search(ctx, query, limit, opts)
	if err != nil {
		return nil, s.storeErr(ctx, op, "", err)
	}
	scores := make(map[string]float64, len(hits))
	ids := make([]string, len(hits))
	for i, h := range hits {
		ids[i] = h.ChunkID
		scores[h.ChunkID] = h.Score
	}
	return s.resolve(ctx, op, ids, scores, limit)
}

// resolve loads chunks for ids, orders them and truncates to k. Ids the catalog no
// longer knows are skipped.
func (s *Store) resolve(ctx context.Context, op string, ids []string, scores map[string]float64, k int) ([]*models.QueryResult, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	chunks, err := s.catalog.GetChunks(ctx, ids)
	if err != nil {
		return nil, s.storeErr(ctx, op, "", err)
	}
	results := make([]*models.QueryResult, 0, len(ids))
	for _, id := range ids {
		if ch, ok := chunks[id]; ok {
			results = append(results, &models.QueryResult{Chunk: ch, Score: scores[id]})
		}
	}
	SortResults(results)
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

// SortResults orders results by score descending, then sequence index, then document id.
func SortResults(results []*models.QueryResult) {
	slices.SortStableFunc(results, func(a, b *models.QueryResult) int {
		if c := cmp.Compare(b.Score, a.Score); c != 0 {
			return c
		}
		if c := cmp.Compare(a.Chunk.Sequence, b.Chunk.Sequence); c != 0 {
			return c
		}
		return cmp.Compare(a.Chunk.DocumentID, b.Chunk.DocumentID)
	})
}

// Stats returns document, chunk and vector counts and the document ids.
func (s *Store) Stats(ctx context.Context) (*models.Stats, error) {
	const op = "knowledge.Stats"
	docs, err := s.catalog.CountDocuments(ctx)
	if err != nil {
		return nil, s.storeErr(ctx, op, "", err)
	}
	chunks, err := s.catalog.CountChunks(ctx)
	if err != nil {
		return nil, s.storeErr(ctx, op, "", err)
	}
	ids, err := s.catalog.ListDocumentIDs(ctx)
	if err != nil {
		return nil, s.storeErr(ctx, op, "", err)
	}
	s.metrics.SetDocuments(docs)
	return &models.Stats{Documents: docs, Chunks: chunks, Vectors: s.vectors.Size(), DocumentIDs: ids}, nil
}

// ListDocuments returns all documents ordered by id.
func (s *Store) ListDocuments(ctx context.Context) ([]*models.Document, error) {
	docs, err := s.catalog.ListDocuments(ctx, 0, 0)
	if err != nil {
		return nil, s.storeErr(ctx, "knowledge.ListDocuments", "", err)
	}
	return docs, nil
}

// GetDocument returns one document. Unknown ids give apperr.ErrInvalidArgument
// wrapping storage.ErrNotFound.
func (s *Store) GetDocument(ctx context.Context, id string) (*models.Document, error) {
	const op = "knowledge.GetDocument"
	doc, err := s.catalog.GetDocument(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, apperr.ForDocument(apperr.ErrInvalidArgument, op, id, err)
	}
	if err != nil {
		return nil, s.storeErr(ctx, op, id, err)
	}
	return doc, nil
}

// DocumentChunks returns the chunks of a document in sequence order.
func (s *Store) DocumentChunks(ctx context.Context, id string) ([]*models.Chunk, error) {
	chunks, err := s.catalog.GetChunksByDocumentID(ctx, id)
	if err != nil {
		return nil, s.storeErr(ctx, "knowledge.DocumentChunks", id, err)
	}
	return chunks, nil
}

// Close closes the indexes, the embedder and the catalog.
func (s *Store) Close() error {
	var errs []error
	if s.keywords != nil {
		errs = append(errs, s.keywords.Close())
	}
	errs = append(errs, s.vectors.Close(), s.embedder.Close(), s.catalog.Close())
	return errors.Join(errs...)
}

// storeErr passes cancellation through and classifies anything else as
// apperr.ErrStoreUnavailable unless it already carries a kind.
func (s *Store) storeErr(ctx context.Context, op, documentID string, err error) error {
	if ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		return err
	}
	return apperr.ForDocument(apperr.ErrStoreUnavailable, op, documentID, err)
}

func chunkIDs(chunks []*models.Chunk) []string {
	ids := make([]string, len(chunks))
	for i, ch := range chunks {
		ids[i] = ch.ID
	}
	return ids
}

// staleIDs returns the ids of old chunks not present in keep.
func staleIDs(old []*models.Chunk, keep []string) []string {
	keepSet := make(map[string]struct{}, len(keep))
	for _, id := range keep {
		keepSet[id] = struct{}{}
	}
	var stale []string
	for _, ch := range old {
		if _, ok := keepSet[ch.ID]; !ok {
			stale = append(stale, ch.ID)
		}
	}
	return stale
}
