package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/ToolBrain/toolbrain-tracing/internal/api"
	"github.com/ToolBrain/toolbrain-tracing/internal/config"
	"github.com/ToolBrain/toolbrain-tracing/internal/embedding"
	"github.com/ToolBrain/toolbrain-tracing/internal/librarian"
	"github.com/ToolBrain/toolbrain-tracing/internal/logging"
	"github.com/ToolBrain/toolbrain-tracing/internal/provider"
	"github.com/ToolBrain/toolbrain-tracing/internal/schema"
	"github.com/ToolBrain/toolbrain-tracing/internal/store"
)

var (
	// Global flags
	configPath string
	verbose    bool

	logger *zap.Logger
	cfg    *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "tracestore",
	Short: "Trace store and natural-language trace retrieval engine",
	Long: `tracestore records agent execution traces (hierarchical spans of LLM
inference and tool execution events) and answers free-text questions
about them through a guarded, self-correcting retrieval agent.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zapCfg := zap.NewProductionConfig()
		if verbose {
			zapCfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zapCfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		cfg, err = config.Load(configPath)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}

		if err := logging.Initialize(logging.Options{
			Dir:        cfg.Logging.Dir,
			DebugMode:  cfg.Logging.DebugMode || verbose,
			Level:      cfg.Logging.Level,
			Categories: cfg.Logging.Categories,
		}); err != nil {
			logger.Warn("debug logging unavailable", zap.Error(err))
		}
		if err := logging.InitAudit(); err != nil {
			logger.Warn("audit log unavailable", zap.Error(err))
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.CloseAudit()
		logging.CloseAll()
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// openStore wires the embedding engine and the store from config.
func openStore() (*store.Store, error) {
	engine, err := embedding.NewEngine(embedding.Config{
		Backend:    cfg.Embedding.Backend,
		Model:      cfg.Embedding.Model,
		BaseURL:    cfg.Embedding.BaseURL,
		APIKey:     cfg.Embedding.APIKey,
		Dimensions: cfg.Embedding.Dimensions,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build embedding engine: %w", err)
	}
	if engine != nil {
		logger.Info("embedding engine ready",
			zap.String("backend", engine.Name()),
			zap.Int("dimensions", engine.Dimensions()))
	} else {
		logger.Info("embedding disabled; similarity search will return no results")
	}

	return store.Open(store.Options{
		Path:         cfg.Database.Path,
		QueryTimeout: cfg.GetQueryTimeout(),
		RowLimit:     cfg.Database.RowLimit,
		Engine:       engine,
	})
}

// buildLibrarian constructs the retrieval agent, or returns nil when no
// provider is configured.
func buildLibrarian(s *store.Store) (*librarian.Librarian, error) {
	if cfg.LLM.Provider == "" {
		return nil, nil
	}
	p, err := provider.New(provider.Options{
		Provider: cfg.LLM.Provider,
		APIKey:   cfg.LLM.APIKey,
		Model:    cfg.LLM.Model,
		BaseURL:  cfg.LLM.BaseURL,
		Timeout:  cfg.GetLLMTimeout(),
	})
	if err != nil {
		return nil, err
	}
	logger.Info("LLM provider ready",
		zap.String("provider", p.Name()),
		zap.String("model", p.Model()),
		zap.Bool("tool_calls", p.SupportsToolCalls()))

	return librarian.New(librarian.Options{
		Store:         s,
		Provider:      p,
		MaxIterations: cfg.Librarian.MaxToolIterations,
		MinRating:     cfg.Librarian.MinRating,
		SearchLimit:   cfg.Librarian.SearchLimit,
	})
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStore()
		if err != nil {
			return err
		}
		defer s.Close()

		lib, err := buildLibrarian(s)
		if err != nil {
			return err
		}
		if lib == nil {
			logger.Warn("no LLM provider configured; natural-language queries disabled")
		}

		srv := &http.Server{
			Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
			Handler:      api.NewServer(s, lib, logger).Router(),
			ReadTimeout:  cfg.GetReadTimeout(),
			WriteTimeout: cfg.GetWriteTimeout(),
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		errCh := make(chan error, 1)
		go func() {
			logger.Info("listening", zap.String("addr", srv.Addr))
			errCh <- srv.ListenAndServe()
		}()

		select {
		case err := <-errCh:
			return err
		case <-ctx.Done():
		}

		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	},
}

var askSession string

var askCmd = &cobra.Command{
	Use:   "ask [question]",
	Short: "Ask the librarian a question from the command line",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStore()
		if err != nil {
			return err
		}
		defer s.Close()

		lib, err := buildLibrarian(s)
		if err != nil {
			return err
		}
		if lib == nil {
			return fmt.Errorf("no LLM provider configured (set llm.provider or an API key env var)")
		}

		question := ""
		for i, a := range args {
			if i > 0 {
				question += " "
			}
			question += a
		}

		answer, err := lib.AnswerQuery(cmd.Context(), question, askSession)
		if err != nil {
			return err
		}

		fmt.Println(answer.Answer)
		if len(answer.Suggestions) > 0 {
			fmt.Println("\nSuggestions:")
			for _, sg := range answer.Suggestions {
				fmt.Printf("  - %s: %s\n", sg.Label, sg.Value)
			}
		}
		if len(answer.Sources) > 0 {
			fmt.Printf("\nSources: %v\n", answer.Sources)
		}
		fmt.Printf("\nSession: %s\n", answer.SessionID)
		return nil
	},
}

var ingestCmd = &cobra.Command{
	Use:   "ingest [file.json ...]",
	Short: "Ingest trace payload files into the store",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStore()
		if err != nil {
			return err
		}
		defer s.Close()

		for _, path := range args {
			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", path, err)
			}
			var payload schema.TracePayload
			if err := json.Unmarshal(data, &payload); err != nil {
				return fmt.Errorf("failed to parse %s: %w", path, err)
			}
			if err := s.AddTrace(cmd.Context(), &payload); err != nil {
				return fmt.Errorf("failed to ingest %s: %w", path, err)
			}
			logger.Info("ingested trace", zap.String("file", path), zap.String("trace_id", payload.TraceID))
		}
		return nil
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print store statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStore()
		if err != nil {
			return err
		}
		defer s.Close()

		stats, err := s.Stats(cmd.Context())
		if err != nil {
			return err
		}
		out, err := json.MarshalIndent(stats, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "Path to config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	askCmd.Flags().StringVar(&askSession, "session", "", "Continue an existing librarian session")

	rootCmd.AddCommand(serveCmd, askCmd, ingestCmd, statsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
