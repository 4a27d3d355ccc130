// Package embedding turns text into vectors: OpenAI, local ONNX and offline
// feature-hashing providers, plus a caching wrapper.
package embedding

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/hyperjump/kbase/internal/apperr"
	"github.com/hyperjump/kbase/internal/config"
)

// Embedder produces vector embeddings for text.
// Provider failures carry apperr.ErrStoreUnavailable.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
	Close() error
}

// New builds the embedder selected by cfg.Provider, wrapped in a cache.
func New(cfg config.EmbeddingConfig, logger *zap.Logger) (Embedder, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var (
		inner Embedder
		err   error
	)
	switch cfg.Provider {
	case config.ProviderOpenAI:
		inner, err = NewOpenAIEmbedder(OpenAIConfig{
			APIKey:     cfg.APIKey,
			BaseURL:    cfg.BaseURL,
			Model:      cfg.Model,
			Dimensions: cfg.Dimensions,
		})
	case config.ProviderONNX:
		inner, err = NewONNXEmbedder(cfg.ModelPath, cfg.Dimensions, cfg.MaxTokens)
	case config.ProviderHash:
		inner = NewHashEmbedder(cfg.Dimensions)
	default:
		return nil, apperr.Newf(apperr.ErrConfig, "embedding.New", "unknown embedding provider %q", cfg.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("create %s embedder: %w", cfg.Provider, err)
	}
	logger.Debug("embedder ready",
		zap.String("provider", cfg.Provider),
		zap.String("model", cfg.Model),
		zap.Int("dimensions", inner.Dimensions()))
	return NewCachedEmbedder(inner, cfg.CacheTTL), nil
}

func checkDimensions(op string, vectors [][]float32, dims int) error {
	for i, v := range vectors {
		if len(v) != dims {
			return apperr.Newf(apperr.ErrStoreUnavailable, op,
				"embedding %d has %d dimensions, want %d", i, len(v), dims)
		}
	}
	return nil
}
