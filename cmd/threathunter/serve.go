package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"threathunter/internal/analysis"
	"threathunter/internal/config"
	"threathunter/internal/embed"
	"threathunter/internal/gemini"
	"threathunter/internal/hunter"
	"threathunter/internal/issues"
	"threathunter/internal/metrics"
	"threathunter/internal/server"
	"threathunter/internal/tailer"
	"threathunter/internal/vectorstore"
)

var serveJSONLogs bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the hunting pipeline and HTTP API",
	Long: `Start the full pipeline: the cycle loop that tails the alert log and
analyzes new activity, plus the HTTP API for the dashboard, issue actions,
settings, chat, and metrics. Runs until interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func init() {
	serveCmd.Flags().BoolVar(&serveJSONLogs, "json-logs", false, "emit JSON logs instead of console format")
	rootCmd.AddCommand(serveCmd)
}

func runServe() error {
	logger := newLogger()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	paths := cfg.Paths()

	settings := config.NewSettingsStore(paths.Settings, logger)
	settings.Load()

	collector := metrics.NewCollector()

	embedder := embed.NewClient(embed.Config{
		Endpoint:  cfg.Embedding.Endpoint,
		Model:     cfg.Embedding.Model,
		APIKey:    cfg.Completion.APIKeys[0],
		Dimension: cfg.Embedding.Dimension,
		BatchSize: cfg.Embedding.BatchSize,
	}, logger)

	store := vectorstore.New(vectorstore.Config{
		IndexPath:    paths.Index,
		MetadataPath: paths.Metadata,
		ChunkSize:    cfg.Embedding.BatchSize,
	}, embedder, logger)
	if err := store.Load(); err != nil {
		return fmt.Errorf("load vector store: %w", err)
	}

	engine := issues.NewEngine(issues.Config{
		IssuesPath:  paths.Issues,
		IgnoredPath: paths.Ignored,
		MaxIssues:   settings.Get().MaxIssues,
	}, logger)
	if err := engine.Load(); err != nil {
		return fmt.Errorf("load issue store: %w", err)
	}

	completer, err := gemini.NewClient(gemini.Config{
		Endpoint:      cfg.Completion.Endpoint,
		APIKeys:       cfg.Completion.APIKeys,
		MaxConcurrent: cfg.Completion.MaxConcurrent,
	}, collector, logger)
	if err != nil {
		return fmt.Errorf("create completion client: %w", err)
	}

	analyzer := analysis.New(analysis.Config{
		LiteModel: cfg.Completion.LiteModel,
		FullModel: cfg.Completion.FullModel,
	}, completer, logger)

	source := tailer.New(tailer.Config{
		Path:       cfg.LogFile,
		OffsetPath: paths.Offset,
	}, logger)

	h := hunter.New(hunter.Deps{
		Source:        source,
		Store:         store,
		Analyzer:      analyzer,
		Engine:        engine,
		Settings:      settings,
		Metrics:       collector,
		DashboardPath: paths.Dashboard,
	}, logger)

	srv := server.New(h, settings, collector, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(cfg.Listen)
	}()
	go h.Run(ctx)

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("API server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("API shutdown")
	}
	return nil
}

func newLogger() zerolog.Logger {
	if serveJSONLogs {
		return zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()
}
