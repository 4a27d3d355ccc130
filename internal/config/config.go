// Package config provides configuration loading and structs for kbase.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/hyperjump/kbase/internal/apperr"
)

// EnvPrefix prefixes every environment variable that overrides a config value.
const EnvPrefix = "KBASE_"

// Config holds all configuration for the application.
type Config struct {
	Debug     bool            `yaml:"debug" env:"DEBUG"`
	Server    ServerConfig    `yaml:"server" envPrefix:"SERVER_"`
	Storage   StorageConfig   `yaml:"storage" envPrefix:"STORAGE_"`
	Embedding EmbeddingConfig `yaml:"embedding" envPrefix:"EMBEDDING_"`
	LLM       LLMConfig       `yaml:"llm" envPrefix:"LLM_"`
	Chunking  ChunkingConfig  `yaml:"chunking" envPrefix:"CHUNK_"`
	Retrieval RetrievalConfig `yaml:"retrieval" envPrefix:"RETRIEVAL_"`
	Retry     RetryConfig     `yaml:"retry" envPrefix:"RETRY_"`
	Watch     WatchConfig     `yaml:"watch" envPrefix:"WATCH_"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host string `yaml:"host" env:"HOST"`
	Port int    `yaml:"port" env:"PORT"`
}

// StorageConfig holds paths for the catalog, keyword index and stored documents.
// Empty paths are derived from DataDir.
type StorageConfig struct {
	DataDir          string `yaml:"data_dir" env:"DATA_DIR"`
	DatabasePath     string `yaml:"database_path" env:"DATABASE_PATH"`
	KeywordIndexPath string `yaml:"keyword_index_path" env:"KEYWORD_INDEX_PATH"`
	DocumentsPath    string `yaml:"documents_path" env:"DOCUMENTS_PATH"`
}

// EmbeddingConfig selects and tunes the embedding provider.
type EmbeddingConfig struct {
	Provider    string        `yaml:"provider" env:"PROVIDER"`
	Model       string        `yaml:"model" env:"MODEL"`
	BaseURL     string        `yaml:"base_url" env:"BASE_URL"`
	APIKey      string        `yaml:"api_key" env:"API_KEY"`
	Dimensions  int           `yaml:"dimensions" env:"DIMENSIONS"`
	BatchSize   int           `yaml:"batch_size" env:"BATCH_SIZE"`
	Concurrency int           `yaml:"concurrency" env:"CONCURRENCY"`
	CacheTTL    time.Duration `yaml:"cache_ttl" env:"CACHE_TTL"`
	ModelPath   string        `yaml:"model_path" env:"MODEL_PATH"`
	MaxTokens   int           `yaml:"max_tokens" env:"MAX_TOKENS"`
}

// LLMConfig holds completion model settings.
type LLMConfig struct {
	Provider    string        `yaml:"provider" env:"PROVIDER"`
	Model       string        `yaml:"model" env:"MODEL"`
	BaseURL     string        `yaml:"base_url" env:"BASE_URL"`
	APIKey      string        `yaml:"api_key" env:"API_KEY"`
	Temperature float64       `yaml:"temperature" env:"TEMPERATURE"`
	MaxTokens   int           `yaml:"max_tokens" env:"MAX_TOKENS"`
	Timeout     time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

// ChunkingConfig holds chunk size and overlap. Unit is "codepoint" or "grapheme".
type ChunkingConfig struct {
	Size    int    `yaml:"size" env:"SIZE"`
	Overlap int    `yaml:"overlap" env:"OVERLAP"`
	Unit    string `yaml:"unit" env:"UNIT"`
}

// RetrievalConfig holds question answering limits and hybrid search weights.
type RetrievalConfig struct {
	Results       int `yaml:"results" env:"RESULTS"`
	ContextBudget int `yaml:"context_budget" env:"CONTEXT_BUDGET"`
	MaxInsights   int `yaml:"max_insights" env:"MAX_INSIGHTS"`
	// Hybrid search weights and the number of candidates fetched from each index.
	KeywordWeight  float64 `yaml:"keyword_weight" env:"KEYWORD_WEIGHT"`
	SemanticWeight float64 `yaml:"semantic_weight" env:"SEMANTIC_WEIGHT"`
	Candidates     int     `yaml:"candidates" env:"CANDIDATES"`
}

// RetryConfig is the caller-side retry policy for transient store and model failures.
type RetryConfig struct {
	Attempts uint          `yaml:"attempts" env:"ATTEMPTS"`
	Delay    time.Duration `yaml:"delay" env:"DELAY"`
	MaxDelay time.Duration `yaml:"max_delay" env:"MAX_DELAY"`
}

// WatchConfig holds inbox watch settings.
type WatchConfig struct {
	Inbox      string        `yaml:"inbox" env:"INBOX"`
	Extensions []string      `yaml:"extensions" env:"EXTENSIONS" envSeparator:","`
	Recursive  *bool         `yaml:"recursive" env:"RECURSIVE"`
	Debounce   time.Duration `yaml:"debounce" env:"DEBOUNCE"`
}

// RecursiveOrDefault returns whether to watch recursively; defaults to true when unset.
func (w *WatchConfig) RecursiveOrDefault() bool {
	if w.Recursive != nil {
		return *w.Recursive
	}
	return true
}

// Load reads the config file at path (optional), loads .env from the working directory,
// overlays environment variables, applies defaults and expands paths.
// A missing file is not an error; an unreadable or malformed one is.
func Load(path string) (*Config, error) {
	var cfg Config
	configDir, _ := os.Getwd()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("failed to read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, apperr.New(apperr.ErrConfig, "config.Load", fmt.Errorf("failed to parse config: %w", err))
			}
		}
		if abs, err := filepath.Abs(path); err == nil {
			configDir = filepath.Dir(abs)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, apperr.New(apperr.ErrConfig, "config.Load", fmt.Errorf("failed to load .env: %w", err))
	}
	if err := applyEnv(&cfg); err != nil {
		return nil, err
	}

	ApplyDefaults(&cfg)
	expandPaths(&cfg, configDir)
	return &cfg, nil
}

// applyEnv overlays KBASE_* variables; OPENAI_API_KEY fills any API key still empty.
func applyEnv(cfg *Config) error {
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return apperr.New(apperr.ErrConfig, "config.Load", fmt.Errorf("failed to parse environment: %w", err))
	}
	var shared struct {
		OpenAIAPIKey string `env:"OPENAI_API_KEY"`
	}
	if err := env.Parse(&shared); err != nil {
		return apperr.New(apperr.ErrConfig, "config.Load", fmt.Errorf("failed to parse environment: %w", err))
	}
	if cfg.Embedding.APIKey == "" {
		cfg.Embedding.APIKey = shared.OpenAIAPIKey
	}
	if cfg.LLM.APIKey == "" {
		cfg.LLM.APIKey = shared.OpenAIAPIKey
	}
	return nil
}

func expandPaths(cfg *Config, configDir string) {
	s := &cfg.Storage
	s.DataDir = expandPath(s.DataDir, configDir)
	if s.DatabasePath == "" {
		s.DatabasePath = filepath.Join(s.DataDir, "kbase.db")
	}
	if s.KeywordIndexPath == "" {
		s.KeywordIndexPath = filepath.Join(s.DataDir, "keyword.bleve")
	}
	if s.DocumentsPath == "" {
		s.DocumentsPath = filepath.Join(s.DataDir, "documents")
	}
	s.DatabasePath = expandPath(s.DatabasePath, configDir)
	s.KeywordIndexPath = expandPath(s.KeywordIndexPath, configDir)
	s.DocumentsPath = expandPath(s.DocumentsPath, configDir)
	if cfg.Embedding.ModelPath != "" {
		cfg.Embedding.ModelPath = expandPath(cfg.Embedding.ModelPath, configDir)
	}
	if cfg.Watch.Inbox != "" {
		cfg.Watch.Inbox = expandPath(cfg.Watch.Inbox, configDir)
	}
}

// Save writes the config to path.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// Create writes cfg to path without API keys, refusing to replace an existing file
// unless overwrite is set.
func Create(path string, cfg *Config, overwrite bool) error {
	if _, err := os.Stat(path); err == nil && !overwrite {
		return apperr.Newf(apperr.ErrInvalidArgument, "config.Create", "%s already exists", path)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}
	out := *cfg
	out.Embedding.APIKey = ""
	out.LLM.APIKey = ""
	return Save(path, &out)
}

// expandPath converts a path to absolute. Relative paths resolve against configDir;
// a leading "~/" resolves against the home directory.
func expandPath(path string, configDir string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
		return path
	}
	return filepath.Join(configDir, path)
}
