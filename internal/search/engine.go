// Package search runs keyword, semantic and hybrid searches over stored chunks and
// fuses the rankings.
package search

import (
	"context"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hyperjump/kbase/internal/apperr"
	"github.com/hyperjump/kbase/internal/config"
	"github.com/hyperjump/kbase/internal/keyword"
	"github.com/hyperjump/kbase/internal/knowledge"
	"github.com/hyperjump/kbase/internal/models"
)

// Mode selects which index ranks the results.
type Mode string

const (
	ModeKeyword  Mode = "keyword"
	ModeSemantic Mode = "semantic"
	ModeHybrid   Mode = "hybrid"
)

// ParseMode maps a request value to a Mode; "" is ModeKeyword.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return ModeKeyword, nil
	case ModeKeyword, ModeSemantic, ModeHybrid:
		return m, nil
	}
	return "", apperr.Newf(apperr.ErrInvalidArgument, "search.ParseMode", "unknown search mode %q (want keyword, semantic or hybrid)", s)
}

// Searcher is the part of the knowledge store the engine queries.
type Searcher interface {
	Search(ctx context.Context, query string, k int, opts *knowledge.SearchOptions) ([]*models.QueryResult, error)
	KeywordSearch(ctx context.Context, query string, limit int, opts *keyword.SearchOptions) ([]*models.QueryResult, error)
}

// Query is one search request.
type Query struct {
	Text       string
	Limit      int
	Mode       Mode
	DocumentID string
	// Fuzzy tolerates typos in the keyword part.
	Fuzzy bool
}

// Engine runs searches against a Searcher.
type Engine struct {
	store          Searcher
	keywordWeight  float64
	semanticWeight float64
	candidates     int
	logger         *zap.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// NewEngine creates an engine with hybrid weights and candidate counts from cfg.
func NewEngine(store Searcher, cfg config.RetrievalConfig, opts ...Option) *Engine {
	e := &Engine{
		store:          store,
		keywordWeight:  cfg.KeywordWeight,
		semanticWeight: cfg.SemanticWeight,
		candidates:     cfg.Candidates,
		logger:         zap.NewNop(),
	}
	if e.keywordWeight == 0 && e.semanticWeight == 0 {
		e.keywordWeight, e.semanticWeight = 0.5, 0.5
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Search returns at most q.Limit chunks ranked by q.Mode. Hybrid scores are the
// weighted sum of the best-normalized keyword score and the cosine score.
// An empty query or a non-positive limit is apperr.ErrInvalidArgument.
func (e *Engine) Search(ctx context.Context, q *Query) ([]*models.QueryResult, error) {
	const op = "search.Search"
	text := strings.TrimSpace(q.Text)
	if text == "" {
		return nil, apperr.Newf(apperr.ErrInvalidArgument, op, "query is empty")
	}
	if q.Limit <= 0 {
		return nil, apperr.Newf(apperr.ErrInvalidArgument, op, "limit must be positive, got %d", q.Limit)
	}
	kwOpts := &keyword.SearchOptions{DocumentID: q.DocumentID, Fuzzy: q.Fuzzy}
	semOpts := &knowledge.SearchOptions{DocumentID: q.DocumentID}

	switch q.Mode {
	case "", ModeKeyword:
		return e.store.KeywordSearch(ctx, text, q.Limit, kwOpts)
	case ModeSemantic:
		return e.store.Search(ctx, text, q.Limit, semOpts)
	case ModeHybrid:
	default:
		return nil, apperr.Newf(apperr.ErrInvalidArgument, op, "unknown search mode %q", q.Mode)
	}

	n := max(q.Limit, e.candidates)
	var keywordResults, semanticResults []*models.QueryResult
	g, gctx := errgroup.WithContext(ctx)
	if e.keywordWeight > 0 {
		g.Go(func() (err error) {
			keywordResults, err = e.store.KeywordSearch(gctx, text, n, kwOpts)
			return err
		})
	}
	if e.semanticWeight > 0 {
		g.Go(func() (err error) {
			semanticResults, err = e.store.Search(gctx, text, n, semOpts)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	fused := Fuse(keywordResults, semanticResults, e.keywordWeight, e.semanticWeight)
	e.logger.Debug("hybrid search",
		zap.String("query", text),
		zap.Int("keyword_hits", len(keywordResults)),
		zap.Int("semantic_hits", len(semanticResults)),
		zap.Int("fused", len(fused)))
	if len(fused) > q.Limit {
		fused = fused[:q.Limit]
	}
	results := make([]*models.QueryResult, len(fused))
	for i, f := range fused {
		results[i] = &models.QueryResult{Chunk: f.Chunk, Score: f.Score}
	}
	return results, nil
}
