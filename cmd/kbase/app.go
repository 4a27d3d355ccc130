package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/hyperjump/kbase/internal/cli"
	"github.com/hyperjump/kbase/internal/config"
	"github.com/hyperjump/kbase/internal/embedding"
	"github.com/hyperjump/kbase/internal/extract"
	"github.com/hyperjump/kbase/internal/indexer"
	"github.com/hyperjump/kbase/internal/keyword"
	"github.com/hyperjump/kbase/internal/knowledge"
	"github.com/hyperjump/kbase/internal/llm"
	"github.com/hyperjump/kbase/internal/metrics"
	"github.com/hyperjump/kbase/internal/rag"
	"github.com/hyperjump/kbase/internal/storage"
	"github.com/hyperjump/kbase/internal/vector"
	"github.com/hyperjump/kbase/pkg/utils"
)

// globalOptions are the flags shared by every command.
type globalOptions struct {
	configPath string
	debug      bool
	output     string
	stdout     io.Writer
	stderr     io.Writer
}

// app holds the components one command invocation works with.
type app struct {
	cfg     *config.Config
	logger  *zap.Logger
	out     *cli.Printer
	metrics *metrics.Metrics
	store   *knowledge.Store
	indexer *indexer.Indexer
	qa      *rag.Orchestrator
}

// defaultConfigPaths are tried in order when --config is not given.
func defaultConfigPaths() []string {
	paths := []string{"kbase.yaml"}
	if dir, err := os.UserConfigDir(); err == nil {
		paths = append(paths, filepath.Join(dir, "kbase", "config.yaml"))
	}
	return paths
}

// resolveConfigPath returns the config file to load: the flag value, KBASE_CONFIG, or
// the first default path that exists. "" means defaults and environment only.
func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if p := os.Getenv("KBASE_CONFIG"); p != "" {
		return p
	}
	for _, p := range defaultConfigPaths() {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

func loadConfig(opts *globalOptions) (*config.Config, string, error) {
	path := resolveConfigPath(opts.configPath)
	cfg, err := config.Load(path)
	if err != nil {
		return nil, path, err
	}
	if opts.debug {
		cfg.Debug = true
	}
	if err := cfg.Validate(); err != nil {
		return nil, path, err
	}
	return cfg, path, nil
}

// openOptions selects what openApp builds beyond the core store.
type openOptions struct {
	// service selects the JSON production logger and metrics used by long-running commands.
	service bool
}

// openApp loads configuration and opens the knowledge store with everything wired to it.
func openApp(ctx context.Context, opts *globalOptions, oo openOptions) (*app, error) {
	format, err := cli.ParseFormat(opts.output)
	if err != nil {
		return nil, err
	}
	cfg, cfgPath, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}
	var logger *zap.Logger
	if oo.service {
		logger, err = utils.NewLogger(cfg.Debug)
	} else {
		logger, err = utils.NewConsoleLogger(cfg.Debug)
	}
	if err != nil {
		return nil, fmt.Errorf("create logger: %w", err)
	}
	logger.Debug("config loaded", zap.String("config_path", cfgPath), zap.Bool("debug", cfg.Debug))

	a := &app{cfg: cfg, logger: logger, out: cli.NewPrinter(opts.stdout, format)}
	if oo.service {
		a.metrics = metrics.New()
	}
	if err := a.open(ctx); err != nil {
		_ = logger.Sync()
		return nil, err
	}
	return a, nil
}

func (a *app) open(ctx context.Context) (err error) {
	cfg := a.cfg
	embedder, err := embedding.New(cfg.Embedding, a.logger)
	if err != nil {
		return err
	}
	catalog, err := storage.NewSQLiteStorage(cfg.Storage.DatabasePath)
	if err != nil {
		_ = embedder.Close()
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	vectors, err := vector.NewMemoryIndex(cfg.Embedding.Dimensions)
	if err != nil {
		_ = embedder.Close()
		_ = catalog.Close()
		return fmt.Errorf("failed to initialize vector index: %w", err)
	}
	keywords, err := keyword.NewBleveIndex(cfg.Storage.KeywordIndexPath)
	if err != nil {
		_ = embedder.Close()
		_ = catalog.Close()
		return fmt.Errorf("failed to initialize keyword index: %w", err)
	}
	store, err := knowledge.Open(ctx, catalog, embedder, vectors,
		knowledge.WithLogger(a.logger),
		knowledge.WithKeywordIndex(keywords),
		knowledge.WithEmbedBatching(cfg.Embedding.BatchSize, cfg.Embedding.Concurrency),
		knowledge.WithMetrics(a.metrics),
	)
	if err != nil {
		_ = errors.Join(keywords.Close(), vectors.Close(), embedder.Close(), catalog.Close())
		return err
	}
	a.store = store
	defer func() {
		if err != nil {
			_ = store.Close()
			a.store = nil
		}
	}()

	unit, err := indexer.ParseUnit(cfg.Chunking.Unit)
	if err != nil {
		return err
	}
	chunker, err := indexer.NewChunker(cfg.Chunking.Size, cfg.Chunking.Overlap, unit)
	if err != nil {
		return err
	}
	a.indexer = indexer.NewIndexer(store, extract.NewExtractor(), chunker,
		indexer.WithLogger(a.logger),
		indexer.WithDocumentsPath(cfg.Storage.DocumentsPath),
	)

	model, err := llm.New(cfg.LLM, a.logger)
	if err != nil {
		return err
	}
	a.qa = rag.New(store, model,
		rag.WithLogger(a.logger),
		rag.WithContextBudget(cfg.Retrieval.ContextBudget),
		rag.WithMetrics(a.metrics),
	)
	return nil
}

// Close releases the store and flushes the logger.
func (a *app) Close() error {
	var err error
	if a.store != nil {
		err = a.store.Close()
	}
	_ = a.logger.Sync()
	return err
}

// settings returns the configuration values shown by stats.
func (a *app) settings() map[string]any {
	c := a.cfg
	return map[string]any{
		"embedding_provider":   c.Embedding.Provider,
		"embedding_model":      c.Embedding.Model,
		"embedding_dimensions": c.Embedding.Dimensions,
		"llm_provider":         c.LLM.Provider,
		"llm_model":            c.LLM.Model,
		"chunk_size":           c.Chunking.Size,
		"chunk_overlap":        c.Chunking.Overlap,
		"chunk_unit":           c.Chunking.Unit,
		"context_budget":       c.Retrieval.ContextBudget,
		"data_dir":             c.Storage.DataDir,
	}
}
