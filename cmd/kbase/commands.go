package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hyperjump/kbase/internal/apperr"
	"github.com/hyperjump/kbase/internal/config"
	"github.com/hyperjump/kbase/internal/fileid"
	"github.com/hyperjump/kbase/internal/models"
	"github.com/hyperjump/kbase/internal/retry"
	"github.com/hyperjump/kbase/internal/search"
	"github.com/hyperjump/kbase/internal/server"
	"github.com/hyperjump/kbase/internal/storage"
	"github.com/hyperjump/kbase/internal/watcher"
)

const shutdownTimeout = 10 * time.Second

// atLeast requires n positional arguments, naming what is missing.
func atLeast(n int, what string) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if len(args) < n {
			return fmt.Errorf("%w: %s requires %s", errUsage, cmd.Name(), what)
		}
		return nil
	}
}

func addCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "add <file|dir>...",
		Short: "Add documents to the knowledge base",
		Long:  "Add extracts, chunks and stores each file. Directories are walked recursively.\nAdding a file whose name is already stored replaces that document.",
		Args:  atLeast(1, "at least one file"),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, openOptions{}, func(a *app) error {
				ctx := cmd.Context()
				results := a.indexer.AddPaths(ctx, args)
				for i, r := range results {
					if !apperr.Retryable(r.Err) {
						continue
					}
					res, err := retry.Do(ctx, a.cfg.Retry, a.logger, func() (*models.IngestResult, error) {
						return a.indexer.AddFile(ctx, r.SourcePath)
					})
					if err != nil {
						r.Err, r.Error = err, err.Error()
						continue
					}
					results[i] = res
				}
				if err := ctx.Err(); err != nil {
					return err
				}
				failed, err := a.out.IngestResults(results)
				if err != nil {
					return err
				}
				if len(results) == 0 {
					return apperr.Newf(apperr.ErrInvalidArgument, "add", "no supported files found in %s", strings.Join(args, ", "))
				}
				if failed > 0 {
					return fmt.Errorf("%d of %d files failed", failed, len(results))
				}
				return nil
			})
		},
	}
}

func askCmd(opts *globalOptions) *cobra.Command {
	var results int
	cmd := &cobra.Command{
		Use:   "ask <question>",
		Short: "Answer a question from the stored documents",
		Args:  atLeast(1, "a question"),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, openOptions{}, func(a *app) error {
				k := results
				if k == 0 {
					k = a.cfg.Retrieval.Results
				}
				question := strings.Join(args, " ")
				ans, err := retry.Do(cmd.Context(), a.cfg.Retry, a.logger, func() (*models.Answer, error) {
					return a.qa.Answer(cmd.Context(), question, k)
				})
				if err != nil {
					return err
				}
				return a.out.Answer(ans)
			})
		},
	}
	cmd.Flags().IntVarP(&results, "results", "k", 0, "number of passages to retrieve (default from config)")
	return cmd
}

func insightsCmd(opts *globalOptions) *cobra.Command {
	var (
		document string
		maxItems int
	)
	cmd := &cobra.Command{
		Use:   "insights",
		Short: "List key insights from one document or the whole knowledge base",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, openOptions{}, func(a *app) error {
				n := maxItems
				if n == 0 {
					n = a.cfg.Retrieval.MaxInsights
				}
				id := documentID(document)
				items, err := retry.Do(cmd.Context(), a.cfg.Retry, a.logger, func() ([]string, error) {
					return a.qa.Insights(cmd.Context(), id, n)
				})
				if err != nil {
					return err
				}
				return a.out.Insights(id, items)
			})
		},
	}
	cmd.Flags().StringVarP(&document, "document", "d", "", "limit to one document (file name)")
	cmd.Flags().IntVarP(&maxItems, "max", "n", 0, "maximum number of insights (default from config)")
	return cmd
}

func generateTestsCmd(opts *globalOptions) *cobra.Command {
	var document, testType string
	cmd := &cobra.Command{
		Use:   "generate-tests",
		Short: "Generate test cases from the stored requirements",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, openOptions{}, func(a *app) error {
				id := documentID(document)
				cases, err := retry.Do(cmd.Context(), a.cfg.Retry, a.logger, func() ([]*models.TestCase, error) {
					return a.qa.GenerateTests(cmd.Context(), id, testType)
				})
				if err != nil {
					return err
				}
				return a.out.TestCases(id, strings.ToLower(testType), cases)
			})
		},
	}
	cmd.Flags().StringVarP(&document, "document", "d", "", "limit to one document (file name)")
	cmd.Flags().StringVarP(&testType, "type", "t", "functional", "test type: functional, integration or unit")
	return cmd
}

func listCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored documents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, openOptions{}, func(a *app) error {
				docs, err := a.store.ListDocuments(cmd.Context())
				if err != nil {
					return err
				}
				return a.out.Documents(docs)
			})
		},
	}
}

func statsCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show knowledge base statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, openOptions{}, func(a *app) error {
				stats, err := a.store.Stats(cmd.Context())
				if err != nil {
					return err
				}
				st := a.cfg.Storage
				disk, err := storage.DiskUsageBytes(st.DatabasePath, st.KeywordIndexPath, st.DocumentsPath)
				if err != nil {
					a.logger.Warn("disk usage unavailable", zap.Error(err))
				}
				return a.out.Stats(stats, disk, a.settings())
			})
		},
	}
}

func deleteCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <file>...",
		Short: "Remove documents and their chunks",
		Args:  atLeast(1, "at least one document name"),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, openOptions{}, func(a *app) error {
				for _, arg := range args {
					id := documentID(arg)
					if id == "" {
						return apperr.Newf(apperr.ErrInvalidArgument, "delete", "no file name in %q", arg)
					}
					n, err := retry.Do(cmd.Context(), a.cfg.Retry, a.logger, func() (int, error) {
						return a.indexer.DeleteDocument(cmd.Context(), id)
					})
					if err != nil {
						return err
					}
					if n == 0 {
						a.logger.Warn("document not found", zap.String("document", id))
					}
					if err := a.out.Deleted(id, n); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
}

func findCmd(opts *globalOptions) *cobra.Command {
	var (
		document string
		limit    int
		fuzzy    bool
		mode     string
	)
	cmd := &cobra.Command{
		Use:   "find <terms>",
		Short: "Search stored passages",
		Long: "Find searches stored chunks. --mode keyword (default) ranks by term matches, semantic by\n" +
			"embedding similarity and hybrid by a weighted blend of both.",
		Args: atLeast(1, "search terms"),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := search.ParseMode(mode)
			if err != nil {
				return err
			}
			return withApp(cmd, opts, openOptions{}, func(a *app) error {
				ctx := cmd.Context()
				q := &search.Query{
					Text:       strings.Join(args, " "),
					Limit:      limit,
					Mode:       m,
					DocumentID: documentID(document),
					Fuzzy:      fuzzy,
				}
				if q.Limit == 0 {
					q.Limit = a.cfg.Retrieval.Results
				}
				engine := search.NewEngine(a.store, a.cfg.Retrieval, search.WithLogger(a.logger))
				results, err := retry.Do(ctx, a.cfg.Retry, a.logger, func() ([]*models.QueryResult, error) {
					return engine.Search(ctx, q)
				})
				if err != nil {
					return err
				}
				return a.out.SearchResults(q.Text, results)
			})
		},
	}
	cmd.Flags().StringVarP(&document, "document", "d", "", "limit to one document (file name)")
	cmd.Flags().IntVarP(&limit, "limit", "l", 0, "maximum results (default from config)")
	cmd.Flags().BoolVar(&fuzzy, "fuzzy", false, "tolerate typos in keyword search")
	cmd.Flags().StringVarP(&mode, "mode", "m", string(search.ModeKeyword), "ranking: keyword, semantic or hybrid")
	return cmd
}

func serveCmd(opts *globalOptions) *cobra.Command {
	var (
		watch bool
		host  string
		port  int
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, openOptions{service: true}, func(a *app) error {
				if host != "" {
					a.cfg.Server.Host = host
				}
				if port != 0 {
					a.cfg.Server.Port = port
				}
				ctx := cmd.Context()
				if watch {
					w, err := startWatcher(ctx, a, a.cfg.Watch.Inbox)
					if err != nil {
						return err
					}
					defer w.Stop()
				}
				srv := server.NewServer(a.store, a.indexer, a.qa, a.cfg, a.logger, server.WithMetrics(a.metrics))
				errc := make(chan error, 1)
				go func() { errc <- srv.Start() }()

				select {
				case err := <-errc:
					if !errors.Is(err, http.ErrServerClosed) {
						return fmt.Errorf("server failed: %w", err)
					}
					return nil
				case <-ctx.Done():
				}
				a.logger.Info("Shutting down...")
				shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
				defer cancel()
				return srv.Stop(shutdownCtx)
			})
		},
	}
	cmd.Flags().BoolVar(&watch, "watch", false, "also ingest files dropped into the configured inbox")
	cmd.Flags().StringVar(&host, "host", "", "listen host (default from config)")
	cmd.Flags().IntVarP(&port, "port", "p", 0, "listen port (default from config)")
	return cmd
}

func watchCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "watch [inbox]",
		Short: "Ingest files dropped into an inbox directory until interrupted",
		Long:  "Watch adds files created or changed in the inbox and deletes the documents of files removed from it.\nThe inbox defaults to watch.inbox from the config.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, openOptions{service: true}, func(a *app) error {
				inbox := a.cfg.Watch.Inbox
				if len(args) == 1 {
					inbox = args[0]
				}
				w, err := startWatcher(cmd.Context(), a, inbox)
				if err != nil {
					return err
				}
				<-cmd.Context().Done()
				a.logger.Info("Shutting down...")
				w.Stop()
				return nil
			})
		},
	}
}

func startWatcher(ctx context.Context, a *app, inbox string) (*watcher.Watcher, error) {
	if inbox == "" {
		return nil, apperr.Newf(apperr.ErrConfig, "watch", "no inbox directory: set watch.inbox or pass one")
	}
	wc := a.cfg.Watch
	wc.Inbox = inbox
	w := watcher.NewWatcher(wc, a.indexer, watcher.WithLogger(a.logger), watcher.WithRetry(a.cfg.Retry))
	if err := w.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start watcher: %w", err)
	}
	return w, nil
}

func initCmd(opts *globalOptions) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Write a config file with the default settings",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "kbase.yaml"
			switch {
			case len(args) == 1:
				path = args[0]
			case opts.configPath != "":
				path = opts.configPath
			}
			var cfg config.Config
			config.ApplyDefaults(&cfg)
			if err := config.Create(path, &cfg, force); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "overwrite an existing file")
	return cmd
}

// documentID maps a --document value (a file name or path) to a document id.
func documentID(s string) string {
	if s == "" {
		return ""
	}
	return fileid.DocumentID(s)
}
