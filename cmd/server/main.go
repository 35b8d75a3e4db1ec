package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/manpreetbhatti/coderoom/internal/api"
	"github.com/manpreetbhatti/coderoom/internal/assistant"
	"github.com/manpreetbhatti/coderoom/internal/checkpoint"
	"github.com/manpreetbhatti/coderoom/internal/config"
	"github.com/manpreetbhatti/coderoom/internal/db"
	"github.com/manpreetbhatti/coderoom/internal/ratelimit"
	"github.com/manpreetbhatti/coderoom/internal/room"
	"github.com/manpreetbhatti/coderoom/internal/runner"
	"github.com/manpreetbhatti/coderoom/internal/ws"
)

// Set with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the collaboration server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), v)
		},
	}

	root := &cobra.Command{
		Use:          "coderoom",
		Short:        "Real-time collaborative code rooms",
		SilenceUsage: true,
		RunE:         serveCmd.RunE,
	}
	config.BindFlags(root.PersistentFlags(), v)

	root.AddCommand(serveCmd, &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "coderoom", version)
		},
	})
	return root
}

func runServe(ctx context.Context, v *viper.Viper) error {
	cfg, err := config.Load(v)
	if err != nil {
		return err
	}

	logger := cfg.Log.Logger(os.Stderr)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var store db.Store
	if cfg.Store.Driver != "" {
		store, err = db.Open(ctx, cfg.Store.Driver, cfg.Store.DSN)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer store.Close()
		logger.Info("document store ready", "driver", cfg.Store.Driver)
	}

	bridge, cleanup, err := newBridge(cfg.Exec, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	ai := assistant.New(assistant.Config{
		BaseURL:     cfg.AI.BaseURL,
		APIKey:      cfg.AI.APIKey,
		Model:       cfg.AI.Model,
		Temperature: cfg.AI.Temperature,
		MaxTokens:   cfg.AI.MaxTokens,
		Timeout:     cfg.AI.Timeout,
		Logger:      logger.With("component", "assistant"),
	})
	if !ai.Configured() {
		logger.Warn("no AI API key set, assistant features are disabled")
	}

	rooms := room.NewStore(room.Options{ChatCap: cfg.Limits.ChatHistory, AICap: cfg.Limits.AIHistory})
	if store != nil && cfg.Store.CheckpointInterval > 0 {
		checkpoints := checkpoint.New(rooms, store, checkpoint.Config{Interval: cfg.Store.CheckpointInterval}, logger.With("component", "checkpoint"))
		checkpoints.Start()
		defer checkpoints.Stop()
	}

	hubCfg := ws.Config{
		Store:     rooms,
		Bridge:    bridge,
		Assistant: ai,
		Documents: store,
		AutoSave:  cfg.Store.AutoSave,
		Logger:    logger.With("component", "hub"),
	}
	hub := ws.NewHub(hubCfg)

	runLimiter := ratelimit.NewClientLimiters(cfg.Limits.RunRate, cfg.Limits.RunBurst)
	defer runLimiter.Stop()

	apiHandler, err := api.New(api.Config{
		Hub:        hub,
		Store:      store,
		Bridge:     bridge,
		Assistant:  ai,
		RunLimiter: runLimiter,
		Logger:     logger.With("component", "api"),
	})
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	apiHandler.Routes(mux)

	srv := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      corsMiddleware(logRequests(logger, mux)),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return hub.Run(ctx)
	})

	g.Go(func() error {
		logger.Info("coderoom server starting", "addr", srv.Addr, "version", version, "exec", cfg.Exec.Mode)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// newBridge builds the execution bridge for the configured mode. A nil
// bridge disables execution.
func newBridge(cfg config.ExecConfig, logger *slog.Logger) (*runner.Bridge, func(), error) {
	var backend runner.Backend
	cleanup := func() {}

	switch cfg.Mode {
	case config.ExecNone:
		return nil, cleanup, nil

	case config.ExecPiston:
		backend = runner.NewPiston(cfg.PistonURL, &http.Client{Timeout: cfg.Timeout + 5*time.Second})

	default:
		dir := cfg.WorkDir
		if dir == "" {
			tmp, err := os.MkdirTemp("", "coderoom-run-*")
			if err != nil {
				return nil, nil, fmt.Errorf("create work dir: %w", err)
			}
			dir = tmp
			cleanup = func() { os.RemoveAll(tmp) }
		}
		backend = runner.NewLocal(dir)
	}

	bridge := runner.NewBridge(runner.Config{
		Backend:       backend,
		Timeout:       cfg.Timeout,
		FlushInterval: cfg.FlushInterval,
		Logger:        logger.With("component", "runner"),
	})

	return bridge, func() {
		bridge.Shutdown()
		cleanup()
	}, nil
}

func logRequests(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logger.Debug("request", "method", r.Method, "path", r.URL.Path, "remote", ratelimit.ClientIP(r), "duration", time.Since(start))
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
