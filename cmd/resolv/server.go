package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/kalambet/resolv/internal/api"
	"github.com/kalambet/resolv/internal/cache"
	"github.com/kalambet/resolv/internal/config"
	"github.com/kalambet/resolv/internal/embedding"
	"github.com/kalambet/resolv/internal/ingest"
	"github.com/kalambet/resolv/internal/profile"
	"github.com/kalambet/resolv/internal/ranking"
	"github.com/kalambet/resolv/internal/retrieval"
	"github.com/kalambet/resolv/internal/scheduler"
	"github.com/kalambet/resolv/internal/source"
	"github.com/kalambet/resolv/internal/storage"
	"github.com/kalambet/resolv/internal/suggest"
	"github.com/kalambet/resolv/internal/vectorindex"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the resolv server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		withMCP, _ := cmd.Flags().GetBool("mcp")
		return runServer(withMCP)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running resolv server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show resolv server status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func init() {
	startCmd.Flags().Bool("mcp", true, "serve MCP tools over stdin/stdout")
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "resolv.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

// app is the assembled server: every component the HTTP API, the MCP
// server and the background tasks share.
type app struct {
	store     *storage.Store
	embedder  embedding.Provider
	keywords  *source.KeywordIndex
	cache     *cache.Cache
	docs      *ingest.Service
	worker    *ingest.Worker
	watcher   *ingest.Watcher
	scheduler *scheduler.Scheduler
	deps      api.Deps
}

// buildApp wires storage, retrieval, ranking, personalization and caching
// from cfg. The caller must call close.
func buildApp(ctx context.Context, cfg config.Config, w io.Writer) (_ *app, err error) {
	a := &app{}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	a.store, err = storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}

	a.embedder = embedding.New(ctx, embedding.Options{
		Provider:  cfg.Embedding.Provider,
		BaseURL:   cfg.Embedding.BaseURL,
		Model:     cfg.Embedding.Model,
		APIKey:    cfg.Embedding.APIKey,
		BatchSize: cfg.Embedding.BatchSize,
		HashDims:  cfg.Embedding.HashDims,
	}, w)
	slog.Info("embedding provider ready", "provider", a.embedder.Name(), "semantic", a.embedder.Semantic())

	vectors := vectorindex.New(a.store.DB(), 0)
	a.keywords = source.NewKeywordIndex()
	a.docs = ingest.NewService(a.store, vectors, a.keywords)
	n, err := a.docs.RebuildKeywordIndex(ctx)
	if err != nil {
		return nil, fmt.Errorf("rebuilding keyword index: %w", err)
	}
	slog.Info("keyword index rebuilt", "documents", n)

	sources, err := buildSources(cfg, a.store, vectors, a.embedder, a.keywords)
	if err != nil {
		return nil, err
	}
	retriever := retrieval.New(cfg.Sources.Timeout, sources...)
	slog.Info("sources registered", "systems", retriever.Systems())

	weights := ranking.DefaultWeights()
	if cfg.Ranking.WeightsFile != "" {
		weights, err = ranking.LoadWeights(cfg.Ranking.WeightsFile)
		if err != nil {
			return nil, fmt.Errorf("loading ranking weights: %w", err)
		}
	}
	window := time.Duration(cfg.Ranking.HistoryWindowDays) * 24 * time.Hour
	ranker := ranking.NewEngine(weights, a.store, window)

	profiles, err := profile.NewManager(a.store, cfg.Profile.MaxCached)
	if err != nil {
		return nil, fmt.Errorf("creating profile manager: %w", err)
	}

	a.cache, err = cache.New(a.store.DB(), cache.Options{
		MaxEntries: cfg.Cache.MaxEntries,
		HotItems:   int64(cfg.Cache.HotItems),
	})
	if err != nil {
		return nil, fmt.Errorf("creating cache: %w", err)
	}

	suggester := suggest.New(retriever, ranker, profiles, a.cache, suggest.Options{
		MaxKeywords:    cfg.Retrieval.MaxKeywords,
		MaxResults:     cfg.Retrieval.MaxResults,
		LimitPerSource: cfg.Retrieval.LimitPerSource,
		CacheTTL:       cfg.Cache.TTL,
	})

	a.worker = ingest.NewWorker(a.store, a.embedder, vectors, a.keywords, ingest.WorkerOptions{
		MaxChars:     cfg.Ingest.ChunkMaxChars,
		Overlap:      cfg.Ingest.ChunkOverlap,
		EmbedTimeout: cfg.Embedding.Timeout,
	}, cfg.Ingest.PollInterval)

	a.scheduler = scheduler.New(nil)
	if err := a.scheduler.Add(scheduler.Task{
		Name:     "cache-sweep",
		Interval: cfg.Cache.SweepInterval,
		Run: func(ctx context.Context) error {
			removed, err := a.cache.Sweep(ctx)
			if removed > 0 {
				slog.Info("cache swept", "removed", removed)
			}
			return err
		},
	}); err != nil {
		return nil, err
	}

	if cfg.Ingest.WatchDir != "" {
		a.watcher, err = ingest.NewWatcher(ingest.WatchConfig{
			Dir:     cfg.Ingest.WatchDir,
			Include: cfg.Ingest.Include,
		}, a.docs)
		if err != nil {
			return nil, fmt.Errorf("creating watcher: %w", err)
		}
		interval := cfg.Ingest.RescanInterval
		if interval <= 0 {
			interval = 24 * time.Hour
		}
		if err := a.scheduler.Add(scheduler.Task{
			Name:       "rescan",
			Interval:   interval,
			RunAtStart: true,
			Run: func(ctx context.Context) error {
				n, err := a.watcher.Scan(ctx)
				slog.Info("watch dir scanned", "dir", cfg.Ingest.WatchDir, "files", n)
				return err
			},
		}); err != nil {
			return nil, err
		}
	}

	a.deps = api.Deps{
		Suggester:  suggester,
		Profiles:   profiles,
		Cache:      a.cache,
		Documents:  a.docs,
		HTTPClient: &http.Client{Timeout: 15 * time.Second},
		Token:      cfg.Server.APIToken,
	}
	return a, nil
}

// buildSources creates one knowledge source per configured system and, when
// repositories are configured, the GitHub issue source. GitHub replaces a
// knowledge source for the same system.
func buildSources(cfg config.Config, store *storage.Store, vectors *vectorindex.Index, embedder embedding.Provider, kw *source.KeywordIndex) ([]source.Source, error) {
	systems, err := source.ParseSystems(cfg.Sources.Knowledge)
	if err != nil {
		return nil, fmt.Errorf("sources.knowledge: %w", err)
	}

	var out []source.Source
	for _, sys := range systems {
		out = append(out, source.NewKnowledgeSource(sys, store, vectors, embedder, kw, cfg.Embedding.Timeout))
	}

	if len(cfg.Sources.GitHubRepos) > 0 {
		gh := source.NewGitHubSource(cfg.Sources.GitHubToken, cfg.Sources.GitHubRepos)
		if cfg.Sources.GitHubBaseURL != "" {
			if gh, err = gh.WithBaseURL(cfg.Sources.GitHubBaseURL); err != nil {
				return nil, err
			}
		}
		out = append(out, gh)
	}
	return out, nil
}

func (a *app) handler() http.Handler {
	return api.NewHandler(a.deps)
}

func (a *app) close() {
	if a.scheduler != nil {
		a.scheduler.Stop()
	}
	if a.cache != nil {
		a.cache.Close()
	}
	if a.keywords != nil {
		if err := a.keywords.Close(); err != nil {
			slog.Warn("closing keyword index", "error", err)
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}
}

func runServer(withMCP bool) error {
	fmt.Fprintf(os.Stderr, "resolv version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: config.ParseLogLevel(cfg.Log.Level)})))

	// Refuse to start twice against the same data dir.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(serverURL(cfg) + "/health"); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("resolv is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("resolv is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, cfg, os.Stderr)
	if err != nil {
		return err
	}
	defer a.close()

	go a.worker.Run(ctx)
	if a.watcher != nil {
		go func() {
			if err := a.watcher.Run(ctx); err != nil {
				slog.Error("watcher stopped", "error", err)
			}
		}()
	}
	if err := a.scheduler.Start(ctx); err != nil {
		return fmt.Errorf("starting scheduler: %w", err)
	}

	if withMCP {
		stdioSrv := server.NewStdioServer(api.NewMCPServer(a.deps, version))
		go func() {
			if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
		}()
		slog.Info("MCP server started (stdio transport)")
	}

	addr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))
	srv := &http.Server{
		Addr:              addr,
		Handler:           a.handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "resolv listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("resolv is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop resolv (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to resolv (PID %d)", pid)
	return nil
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	client := &apiClient{
		baseURL:    serverURL(cfg),
		token:      cfg.Server.APIToken,
		httpClient: &http.Client{Timeout: 2 * time.Second},
	}
	running := reportStatus(ctx, client)

	printStatus("Embedding", "%s (%s)", cfg.Embedding.Provider, cfg.Embedding.Model)
	printStatus("Knowledge", "%s", strings.Join(cfg.Sources.Knowledge, ", "))
	if len(cfg.Sources.GitHubRepos) > 0 {
		printStatus("GitHub", "%s", strings.Join(cfg.Sources.GitHubRepos, ", "))
	}
	if running && cfg.Ingest.WatchDir != "" {
		printStatus("Watching", "%s", cfg.Ingest.WatchDir)
	}
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

// reportStatus prints server health plus document and cache counts, and
// reports whether the server answered.
func reportStatus(ctx context.Context, client *apiClient) bool {
	resp, err := client.get(ctx, "/health")
	if err != nil {
		printStatus("Server", "stopped")
		return false
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		return false
	}
	printStatus("Server", "running at %s", client.baseURL)

	if resp, err := client.get(ctx, "/v1/documents?limit=100"); err == nil {
		var docs []json.RawMessage
		if decodeJSON(resp, &docs) == nil {
			printStatus("Documents", "%s", countLabel(len(docs), 100))
		}
	}
	if resp, err := client.get(ctx, "/v1/cache/stats"); err == nil {
		var st cache.Stats
		if decodeJSON(resp, &st) == nil {
			printStatus("Cache", "%d valid / %d total entries", st.Valid, st.Total)
		}
	}
	return true
}

func countLabel(count, limit int) string {
	if count >= limit {
		return fmt.Sprintf("%d+", count)
	}
	return fmt.Sprintf("%d", count)
}
