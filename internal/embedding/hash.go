package embedding

import (
	"context"
	"strings"
	"unicode"

	"github.com/cespare/xxhash/v2"

	"github.com/hyperjump/kbase/pkg/utils"
)

// HashEmbedder is an offline embedder: lower-cased word tokens and their bigrams are
// hashed into a fixed number of signed buckets and the result is L2-normalized.
// Texts sharing words get positive cosine similarity; identical texts get 1.
type HashEmbedder struct {
	dimensions int
}

// NewHashEmbedder returns a feature-hashing embedder of the given dimensions.
func NewHashEmbedder(dimensions int) *HashEmbedder {
	if dimensions <= 0 {
		dimensions = 256
	}
	return &HashEmbedder{dimensions: dimensions}
}

// Embed returns the hashed bag-of-words vector for text.
func (e *HashEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	v := make([]float32, e.dimensions)
	words := Terms(text)
	for i, w := range words {
		e.add(v, w, 1)
		if i > 0 {
			e.add(v, words[i-1]+" "+w, 0.5)
		}
	}
	utils.NormalizeL2(v)
	return v, nil
}

func (e *HashEmbedder) add(v []float32, feature string, weight float32) {
	h := xxhash.Sum64String(feature)
	idx := int(h % uint64(e.dimensions))
	if h&(1<<63) != 0 {
		weight = -weight
	}
	v[idx] += weight
}

// EmbedBatch calls Embed for each text.
func (e *HashEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		v, err := e.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// Dimensions returns the embedding dimension.
func (e *HashEmbedder) Dimensions() int { return e.dimensions }

// Close is a no-op.
func (e *HashEmbedder) Close() error { return nil }

// Terms splits text into lower-case letter/digit runs; nil when there are none.
func Terms(text string) []string {
	terms := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	if len(terms) == 0 {
		return nil
	}
	return terms
}
