// Command cherry runs the merge-queue bot: an HTTP server that receives
// GitHub webhook deliveries and drives pull requests through the merge
// controller, or (via the migrate subcommand) applies pending schema
// migrations and exits.
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

	"github.com/cryslith/cherry/internal/config"
	"github.com/cryslith/cherry/internal/controller"
	"github.com/cryslith/cherry/internal/ghclient"
	"github.com/cryslith/cherry/internal/store"
	"github.com/cryslith/cherry/internal/webhook"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "cherry",
		Short:         "cherry is a merge-queue bot for pull request review comments",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newRunCmd(), newMigrateCmd())

	return root
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "start the webhook server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "apply pending schema migrations and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runMigrate(cmd.Context())
		},
	}
}

func slogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slogLevel(cfg.LogLevel),
	})))

	return cfg, nil
}

// runMigrate applies pending goose migrations and validates the
// `_migration` singleton row, printing the full cause chain and exiting
// non-zero on any schema-inconsistency condition: migration errors are
// fatal at startup.
func runMigrate(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	pool, err := store.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		if migErr, ok := store.AsMigrationError(err); ok {
			return fmt.Errorf("migration inconsistency: %w", migErr)
		}

		return fmt.Errorf("connect to database: %w", err)
	}
	defer pool.Close()

	slog.Info("migrations applied")

	return nil
}

// runServe starts the webhook HTTP server and blocks until it receives
// SIGINT/SIGTERM, then shuts down gracefully. The background handlers
// dispatched per webhook delivery are not cancelled by shutdown — they run
// to completion on their own.
func runServe(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	slog.Info("starting cherry",
		"listen", cfg.BindAddress,
	)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := store.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		if migErr, ok := store.AsMigrationError(err); ok {
			return fmt.Errorf("migration inconsistency: %w", migErr)
		}

		return fmt.Errorf("connect to database: %w", err)
	}
	defer pool.Close()

	st := store.New(pool)
	cache := ghclient.NewTokenCache()
	client := ghclient.NewClient(cfg.Credentials, cache, cfg.HTTPTimeout)
	ctrl := controller.New(client, st)

	mux := http.NewServeMux()
	mux.Handle("/webhook", webhook.Handler(cfg.WebhookSecret, ctrl))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	server := &http.Server{
		Addr:              cfg.BindAddress,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)

	go func() {
		slog.Info("HTTP server listening", "addr", cfg.BindAddress)

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}

		close(errCh)
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("HTTP server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("HTTP server shutdown: %w", err)
	}

	slog.Info("shutdown complete")

	return nil
}
