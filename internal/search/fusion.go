package search

import (
	"github.com/hyperjump/kbase/internal/knowledge"
	"github.com/hyperjump/kbase/internal/models"
)

// FusedResult is a chunk with its fused and per-source scores.
type FusedResult struct {
	Chunk         *models.Chunk
	Score         float64
	KeywordScore  float64
	SemanticScore float64
}

// NormalizeKeywordScores scales keyword scores to [0,1] by the best score, keyed by chunk id.
func NormalizeKeywordScores(results []*models.QueryResult) map[string]float64 {
	normalized := make(map[string]float64, len(results))
	maxScore := 0.0
	for _, r := range results {
		maxScore = max(maxScore, r.Score)
	}
	for _, r := range results {
		if maxScore > 0 {
			normalized[r.Chunk.ID] = r.Score / maxScore
		} else {
			normalized[r.Chunk.ID] = 0
		}
	}
	return normalized
}

// NormalizeSemanticScores keys cosine scores by chunk id, clamping negatives to 0.
func NormalizeSemanticScores(results []*models.QueryResult) map[string]float64 {
	normalized := make(map[string]float64, len(results))
	for _, r := range results {
		normalized[r.Chunk.ID] = max(r.Score, 0)
	}
	return normalized
}

// Fuse merges keyword and semantic hits on the same chunks with the given weights.
// Results are ordered like knowledge search results: fused score descending, then
// sequence index, then document id.
func Fuse(keywordResults, semanticResults []*models.QueryResult, keywordWeight, semanticWeight float64) []*FusedResult {
	keywordScores := NormalizeKeywordScores(keywordResults)
	semanticScores := NormalizeSemanticScores(semanticResults)

	byID := make(map[string]*FusedResult, len(keywordResults)+len(semanticResults))
	var order []string
	add := func(c *models.Chunk) *FusedResult {
		if r, ok := byID[c.ID]; ok {
			return r
		}
		r := &FusedResult{Chunk: c}
		byID[c.ID] = r
		order = append(order, c.ID)
		return r
	}
	for _, r := range keywordResults {
		add(r.Chunk).KeywordScore = keywordScores[r.Chunk.ID]
	}
	for _, r := range semanticResults {
		add(r.Chunk).SemanticScore = semanticScores[r.Chunk.ID]
	}

	scored := make([]*models.QueryResult, 0, len(order))
	for _, id := range order {
		r := byID[id]
		r.Score = keywordWeight*r.KeywordScore + semanticWeight*r.SemanticScore
		scored = append(scored, &models.QueryResult{Chunk: r.Chunk, Score: r.Score})
	}
	knowledge.SortResults(scored)
	fused := make([]*FusedResult, len(scored))
	for i, qr := range scored {
		fused[i] = byID[qr.Chunk.ID]
	}
	return fused
}
