package keyword

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/mapping"
	blevequery "github.com/blevesearch/bleve/v2/search/query"

	"github.com/hyperjump/kbase/internal/models"
)

var _ Index = (*BleveIndex)(nil)

// chunkDoc is the indexed form of a chunk.
type chunkDoc struct {
	DocumentID string `json:"document_id"`
	Content    string `json:"content"`
	Sequence   int    `json:"sequence"`
}

// BleveIndex implements Index using Bleve.
type BleveIndex struct {
	index   bleve.Index
	created bool
}

func indexMapping() *mapping.IndexMappingImpl {
	im := bleve.NewIndexMapping()
	docMapping := bleve.NewDocumentMapping()
	// Standard analyzer: lowercase and tokenize without stemming, so queries match exact words.
	text := bleve.NewTextFieldMapping()
	text.Analyzer = standard.Name
	docMapping.AddFieldMappingsAt("content", text)
	docMapping.AddFieldMappingsAt("document_id", bleve.NewKeywordFieldMapping())
	seq := bleve.NewNumericFieldMapping()
	seq.Index = false
	docMapping.AddFieldMappingsAt("sequence", seq)
	im.DefaultMapping = docMapping
	return im
}

// NewBleveIndex opens the index at path, creating it if absent. An empty path
// creates an in-memory index.
func NewBleveIndex(path string) (*BleveIndex, error) {
	if path == "" {
		index, err := bleve.NewMemOnly(indexMapping())
		if err != nil {
			return nil, fmt.Errorf("failed to create in-memory Bleve index: %w", err)
		}
		return &BleveIndex{index: index, created: true}, nil
	}
	if _, err := os.Stat(path); err == nil {
		index, openErr := bleve.Open(path)
		if openErr != nil {
			return nil, fmt.Errorf("failed to open Bleve index: %w", openErr)
		}
		return &BleveIndex{index: index}, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create index directory: %w", err)
	}
	index, err := bleve.New(path, indexMapping())
	if err != nil {
		return nil, fmt.Errorf("failed to create Bleve index: %w", err)
	}
	return &BleveIndex{index: index, created: true}, nil
}

// Created reports whether the index was newly created rather than opened.
func (b *BleveIndex) Created() bool { return b.created }

// IndexChunks adds or replaces chunks in one batch.
func (b *BleveIndex) IndexChunks(ctx context.Context, chunks []*models.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	batch := b.index.NewBatch()
	for _, ch := range chunks {
		if err := batch.Index(ch.ID, chunkDoc{DocumentID: ch.DocumentID, Content: ch.Text, Sequence: ch.Sequence}); err != nil {
			return fmt.Errorf("batch chunk %s: %w", ch.ID, err)
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := b.index.Batch(batch); err != nil {
		return fmt.Errorf("Bleve batch failed: %w", err)
	}
	return nil
}

// DeleteChunks removes chunks by id in one batch.
func (b *BleveIndex) DeleteChunks(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	batch := b.index.NewBatch()
	for _, id := range ids {
		batch.Delete(id)
	}
	if err := b.index.Batch(batch); err != nil {
		return fmt.Errorf("Bleve delete failed: %w", err)
	}
	return nil
}

// Search runs a match query over chunk content and returns up to limit hits, best first.
func (b *BleveIndex) Search(ctx context.Context, query string, limit int, opts *SearchOptions) ([]*Result, error) {
	if opts == nil {
		opts = &SearchOptions{}
	}
	var q blevequery.Query
	if opts.Fuzzy {
		q = buildFuzzyQuery(query, opts.Fuzziness)
	} else {
		mq := bleve.NewMatchQuery(query)
		mq.SetField("content")
		q = mq
	}
	if opts.DocumentID != "" {
		tq := bleve.NewTermQuery(opts.DocumentID)
		tq.SetField("document_id")
		q = bleve.NewConjunctionQuery(q, tq)
	}
	req := bleve.NewSearchRequest(q)
	req.Size = limit
	req.Fields = []string{"document_id"}
	res, err := b.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("Bleve search failed: %w", err)
	}
	out := make([]*Result, len(res.Hits))
	for i, hit := range res.Hits {
		docID, _ := hit.Fields["document_id"].(string)
		out[i] = &Result{ChunkID: hit.ID, DocumentID: docID, Score: hit.Score}
	}
	return out, nil
}

// buildFuzzyQuery matches any query term within fuzziness edits.
func buildFuzzyQuery(query string, fuzziness int) blevequery.Query {
	if fuzziness <= 0 {
		fuzziness = 1
	}
	var terms []blevequery.Query
	for _, term := range strings.Fields(strings.ToLower(query)) {
		fq := bleve.NewFuzzyQuery(term)
		fq.SetFuzziness(fuzziness)
		fq.SetField("content")
		terms = append(terms, fq)
	}
	if len(terms) == 0 {
		return bleve.NewMatchNoneQuery()
	}
	return bleve.NewDisjunctionQuery(terms...)
}

// DocCount returns the number of indexed chunks.
func (b *BleveIndex) DocCount() (uint64, error) {
	return b.index.DocCount()
}

// Close closes the index.
func (b *BleveIndex) Close() error {
	return b.index.Close()
}
