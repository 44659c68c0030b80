package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/adverant/nexus/catalogscan-worker/internal/api"
	"github.com/adverant/nexus/catalogscan-worker/internal/monitoring"
	"github.com/adverant/nexus/catalogscan-worker/internal/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the catalog upload API",
	Long: `Serve starts the HTTP API. POST /upload takes a multipart form with a
"pdf" file, an optional append=true flag and, in append mode, the "excel"
workbook to extend; the response is the resulting workbook.

Runs are recorded in PostgreSQL when DATABASE_URL is set.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	defer logger.Sync()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := monitoring.NewMetrics(registry)

	proc, err := buildProcessor(cfg, logger, metrics)
	if err != nil {
		return err
	}

	serverCfg := &api.ServerConfig{
		Config:       cfg,
		Processor:    proc,
		Dependencies: map[string]api.Pinger{},
		Gatherer:     registry,
		Metrics:      metrics,
		Logger:       logger.Named("api"),
	}

	if cfg.DatabaseURL != "" {
		logger.Info("Connecting to run history (PostgreSQL + Redis)")
		storageManager, err := storage.NewStorageManager(cfg.DatabaseURL, cfg.RedisURL, cfg.ArtifactLockTTL, logger.Named("storage"))
		if err != nil {
			return fmt.Errorf("failed to initialize storage manager: %w", err)
		}
		defer storageManager.Close()

		if err := storageManager.EnsureSchema(cmd.Context()); err != nil {
			return err
		}
		serverCfg.Recorder = storageManager
		serverCfg.Dependencies["storage"] = storageManager
	}

	server, err := api.NewServer(serverCfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("HTTP server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("Shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down HTTP server: %w", err)
	}
	logger.Info("Shutdown complete")
	return nil
}
