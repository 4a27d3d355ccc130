package config

import (
	"fmt"
	"slices"
	"time"

	"github.com/hyperjump/kbase/internal/apperr"
)

const (
	ProviderOpenAI = "openai"
	ProviderONNX   = "onnx"
	ProviderHash   = "hash"
	ProviderNone   = "none"

	UnitCodepoint = "codepoint"
	UnitGrapheme  = "grapheme"
)

// ApplyDefaults sets default values for any zero values in cfg.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = "./data"
	}
	if cfg.Embedding.Provider == "" {
		cfg.Embedding.Provider = ProviderOpenAI
	}
	if cfg.Embedding.Model == "" && cfg.Embedding.Provider == ProviderOpenAI {
		cfg.Embedding.Model = "text-embedding-3-small"
	}
	if cfg.Embedding.Dimensions == 0 {
		switch cfg.Embedding.Provider {
		case ProviderOpenAI:
			cfg.Embedding.Dimensions = 1536
		case ProviderONNX:
			cfg.Embedding.Dimensions = 384
		default:
			cfg.Embedding.Dimensions = 256
		}
	}
	if cfg.Embedding.BatchSize == 0 {
		cfg.Embedding.BatchSize = 64
	}
	if cfg.Embedding.Concurrency == 0 {
		cfg.Embedding.Concurrency = 4
	}
	if cfg.Embedding.CacheTTL == 0 {
		cfg.Embedding.CacheTTL = 30 * time.Minute
	}
	if cfg.Embedding.MaxTokens == 0 {
		cfg.Embedding.MaxTokens = 256
	}
	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = ProviderOpenAI
	}
	if cfg.LLM.Model == "" {
		cfg.LLM.Model = "gpt-4"
	}
	if cfg.LLM.Temperature == 0 {
		cfg.LLM.Temperature = 0.7
	}
	if cfg.LLM.Timeout == 0 {
		cfg.LLM.Timeout = 2 * time.Minute
	}
	if cfg.Chunking.Size == 0 {
		cfg.Chunking.Size = 1000
	}
	if cfg.Chunking.Overlap == 0 {
		cfg.Chunking.Overlap = 200
	}
	if cfg.Chunking.Unit == "" {
		cfg.Chunking.Unit = UnitCodepoint
	}
	if cfg.Retrieval.Results == 0 {
		cfg.Retrieval.Results = 5
	}
	if cfg.Retrieval.ContextBudget == 0 {
		cfg.Retrieval.ContextBudget = 12000
	}
	if cfg.Retrieval.MaxInsights == 0 {
		cfg.Retrieval.MaxInsights = 5
	}
	if cfg.Retrieval.KeywordWeight == 0 && cfg.Retrieval.SemanticWeight == 0 {
		cfg.Retrieval.KeywordWeight = 0.5
		cfg.Retrieval.SemanticWeight = 0.5
	}
	if cfg.Retrieval.Candidates == 0 {
		cfg.Retrieval.Candidates = 20
	}
	if cfg.Retry.Attempts == 0 {
		cfg.Retry.Attempts = 3
	}
	if cfg.Retry.Delay == 0 {
		cfg.Retry.Delay = 500 * time.Millisecond
	}
	if cfg.Retry.MaxDelay == 0 {
		cfg.Retry.MaxDelay = 5 * time.Second
	}
	if cfg.Watch.Extensions == nil {
		cfg.Watch.Extensions = []string{".txt", ".md", ".pdf", ".docx", ".xlsx", ".odt", ".rtf", ".html", ".htm"}
	}
	if cfg.Watch.Debounce == 0 {
		cfg.Watch.Debounce = 500 * time.Millisecond
	}
}

// Validate reports configuration that makes startup impossible as an apperr.ErrConfig.
func (c *Config) Validate() error {
	const op = "config.Validate"
	if c.Chunking.Size <= 0 || c.Chunking.Overlap <= 0 || c.Chunking.Overlap >= c.Chunking.Size {
		return apperr.Newf(apperr.ErrConfig, op, "chunk overlap %d must be positive and below chunk size %d",
			c.Chunking.Overlap, c.Chunking.Size)
	}
	if c.Chunking.Unit != UnitCodepoint && c.Chunking.Unit != UnitGrapheme {
		return apperr.Newf(apperr.ErrConfig, op, "unknown chunking unit %q", c.Chunking.Unit)
	}
	if !slices.Contains([]string{ProviderOpenAI, ProviderONNX, ProviderHash}, c.Embedding.Provider) {
		return apperr.Newf(apperr.ErrConfig, op, "unknown embedding provider %q", c.Embedding.Provider)
	}
	if c.Embedding.Provider == ProviderOpenAI && c.Embedding.APIKey == "" {
		return apperr.Newf(apperr.ErrConfig, op, "embedding provider %q requires an API key (set OPENAI_API_KEY)", ProviderOpenAI)
	}
	if c.Embedding.Provider == ProviderONNX && c.Embedding.ModelPath == "" {
		return apperr.Newf(apperr.ErrConfig, op, "embedding provider %q requires model_path", ProviderONNX)
	}
	if c.Embedding.Dimensions <= 0 {
		return apperr.Newf(apperr.ErrConfig, op, "embedding dimensions must be positive, got %d", c.Embedding.Dimensions)
	}
	if c.LLM.Provider != ProviderOpenAI && c.LLM.Provider != ProviderNone {
		return apperr.Newf(apperr.ErrConfig, op, "unknown llm provider %q", c.LLM.Provider)
	}
	if c.LLM.Provider == ProviderOpenAI && c.LLM.APIKey == "" {
		return apperr.Newf(apperr.ErrConfig, op, "llm provider %q requires an API key (set OPENAI_API_KEY)", ProviderOpenAI)
	}
	if c.Retrieval.Results <= 0 || c.Retrieval.ContextBudget <= 0 {
		return apperr.New(apperr.ErrConfig, op, fmt.Errorf("retrieval results and context budget must be positive"))
	}
	if c.Retrieval.KeywordWeight < 0 || c.Retrieval.SemanticWeight < 0 {
		return apperr.Newf(apperr.ErrConfig, op, "search weights must not be negative")
	}
	return nil
}
