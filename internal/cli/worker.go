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

	"github.com/adverant/nexus/catalogscan-worker/internal/monitoring"
	"github.com/adverant/nexus/catalogscan-worker/internal/queue"
	"github.com/adverant/nexus/catalogscan-worker/internal/storage"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Consume catalog runs from the Redis queue",
	Long: `Worker consumes catalog:process tasks from QUEUE_NAME. Each run holds a
Redis lock on its artifact, is recorded in PostgreSQL, and is bounded by
PROCESSING_TIMEOUT. Failed runs are not retried.`,
	Args: cobra.NoArgs,
	RunE: runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	defer logger.Sync()

	if err := cfg.ValidateWorker(); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	logger.Info("catalogscan worker starting",
		"queue", cfg.QueueName,
		"concurrency", cfg.WorkerConcurrency,
		"timeout", cfg.ProcessingTimeout)

	// Initialize storage manager (PostgreSQL + Redis)
	storageManager, err := storage.NewStorageManager(cfg.DatabaseURL, cfg.RedisURL, cfg.ArtifactLockTTL, logger.Named("storage"))
	if err != nil {
		return fmt.Errorf("failed to initialize storage manager: %w", err)
	}
	defer storageManager.Close()

	if err := storageManager.EnsureSchema(cmd.Context()); err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	proc, err := buildProcessor(cfg, logger, monitoring.NewMetrics(registry))
	if err != nil {
		return err
	}

	// Workers expose only metrics and health over HTTP
	router := chi.NewRouter()
	router.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	router.Get("/api/health", func(w http.ResponseWriter, r *http.Request) {
		if err := storageManager.Ping(r.Context()); err != nil {
			http.Error(w, "unhealthy", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("ok"))
	})
	metricsServer := &http.Server{Addr: cfg.ListenAddr(), Handler: router, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server failed", "error", err)
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		metricsServer.Shutdown(shutdownCtx)
	}()

	consumer, err := queue.NewConsumer(&queue.ConsumerConfig{
		RedisURL:          cfg.RedisURL,
		QueueName:         cfg.QueueName,
		Concurrency:       cfg.WorkerConcurrency,
		Processor:         proc,
		Tracker:           storageManager,
		ProcessingTimeout: cfg.ProcessingTimeout,
		Logger:            logger.Named("queue"),
	})
	if err != nil {
		return fmt.Errorf("failed to initialize queue consumer: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return consumer.Run(ctx)
}
