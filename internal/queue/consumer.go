/**
 * Queue Consumer for the catalogscan worker
 *
 * Consumes catalog jobs from Redis via Asynq and runs them through the
 * document processor. Every run owns its artifact lock for its whole
 * duration and is recorded in the run history. A run that finds its
 * artifact busy waits for the lock instead of being dropped. Runs are never
 * retried: a failed run leaves the artifact untouched and is reported once.
 */

package queue

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/adverant/nexus/catalogscan-worker/internal/errors"
	"github.com/adverant/nexus/catalogscan-worker/internal/logging"
	"github.com/adverant/nexus/catalogscan-worker/internal/processor"
	"github.com/adverant/nexus/catalogscan-worker/internal/storage"
	"github.com/hibiken/asynq"
)

// TaskTypeProcessCatalog is the Asynq task type for catalog runs
const TaskTypeProcessCatalog = "catalog:process"

// DefaultProcessingTimeout bounds a single run when none is configured
const DefaultProcessingTimeout = 10 * time.Minute

// DefaultLockRetryInterval is how often a run polls for a busy artifact
const DefaultLockRetryInterval = 2 * time.Second

// JobData represents the payload of a catalog task
type JobData struct {
	JobID        string `json:"jobId"`
	DocumentPath string `json:"documentPath"`
	ArtifactPath string `json:"artifactPath"`
	Append       bool   `json:"append,omitempty"`
}

// Validate checks the fields every run needs
func (j *JobData) Validate() error {
	if j.JobID == "" {
		return fmt.Errorf("jobId is required")
	}
	if j.DocumentPath == "" {
		return fmt.Errorf("documentPath is required")
	}
	if j.ArtifactPath == "" {
		return fmt.Errorf("artifactPath is required")
	}
	return nil
}

// NewProcessCatalogTask encodes job as a non-retrying Asynq task
func NewProcessCatalogTask(job *JobData) (*asynq.Task, error) {
	if job == nil {
		return nil, fmt.Errorf("job data is required")
	}
	if err := job.Validate(); err != nil {
		return nil, err
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job data: %w", err)
	}
	return asynq.NewTask(TaskTypeProcessCatalog, payload, asynq.MaxRetry(0)), nil
}

// ParseJobData decodes and validates a task payload
func ParseJobData(payload []byte) (*JobData, error) {
	var job JobData
	if err := json.Unmarshal(payload, &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job data: %w", err)
	}
	if err := job.Validate(); err != nil {
		return nil, err
	}
	return &job, nil
}

// RunTracker locks artifacts and records run history
type RunTracker interface {
	BeginRun(ctx context.Context, run *storage.RunStart) (*storage.RunHandle, error)
	CompleteRun(ctx context.Context, jobID string, completion *storage.RunCompletion) error
	FailRun(ctx context.Context, jobID string, failure *storage.RunFailure) error
}

// Consumer handles job consumption from Redis queue
type Consumer struct {
	server    *asynq.Server
	mux       *asynq.ServeMux
	processor processor.DocumentProcessorInterface
	tracker   RunTracker
	logger    *logging.Logger
	config    *ConsumerConfig
}

// ConsumerConfig holds consumer configuration
type ConsumerConfig struct {
	RedisURL          string
	QueueName         string
	Concurrency       int
	Processor         processor.DocumentProcessorInterface
	Tracker           RunTracker
	ProcessingTimeout time.Duration
	// LockRetryInterval spaces lock attempts while another run holds the artifact
	LockRetryInterval time.Duration
	Logger            *logging.Logger
}

// NewConsumer creates a new queue consumer
func NewConsumer(cfg *ConsumerConfig) (*Consumer, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}

	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("RedisURL is required")
	}

	if cfg.QueueName == "" {
		return nil, fmt.Errorf("QueueName is required")
	}

	if cfg.Processor == nil {
		return nil, fmt.Errorf("Processor is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewNop()
	}

	// Parse Redis connection options
	redisOpt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}

	// Create Asynq server for task processing
	server := asynq.NewServer(
		redisOpt,
		asynq.Config{
			Concurrency: concurrency,
			Queues: map[string]int{
				cfg.QueueName: 1,
			},
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				logger.Error("Task processing error",
					"type", task.Type(),
					"payload", string(task.Payload()),
					"error", err)
			}),
			Logger: logger.Named("asynq").Desugar().Sugar(),
		},
	)

	// Create multiplexer for task routing
	mux := asynq.NewServeMux()

	consumer := &Consumer{
		server:    server,
		mux:       mux,
		processor: cfg.Processor,
		tracker:   cfg.Tracker,
		logger:    logger,
		config:    cfg,
	}

	// Register task handler
	mux.HandleFunc(TaskTypeProcessCatalog, consumer.handleProcessCatalog)

	return consumer, nil
}

// Run consumes tasks until ctx is cancelled, then shuts down gracefully
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info("Starting queue consumer",
		"concurrency", c.config.Concurrency,
		"queue", c.config.QueueName)

	if err := c.server.Start(c.mux); err != nil {
		return fmt.Errorf("failed to start queue consumer: %w", err)
	}

	<-ctx.Done()

	c.logger.Info("Stopping queue consumer")
	c.server.Shutdown()
	c.logger.Info("Queue consumer stopped")
	return nil
}

func (c *Consumer) processingTimeout() time.Duration {
	if c.config != nil && c.config.ProcessingTimeout > 0 {
		return c.config.ProcessingTimeout
	}
	return DefaultProcessingTimeout
}

func (c *Consumer) lockRetryInterval() time.Duration {
	if c.config != nil && c.config.LockRetryInterval > 0 {
		return c.config.LockRetryInterval
	}
	return DefaultLockRetryInterval
}

// beginRun waits for the artifact lock for up to one processing timeout,
// the longest another run may hold it.
func (c *Consumer) beginRun(ctx context.Context, run *storage.RunStart, log *logging.Logger) (*storage.RunHandle, error) {
	wait := c.processingTimeout()
	waitCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	timer := time.NewTimer(c.lockRetryInterval())
	defer timer.Stop()

	for attempt := 1; ; attempt++ {
		handle, err := c.tracker.BeginRun(ctx, run)
		if !stderrors.Is(err, storage.ErrArtifactLocked) {
			return handle, err
		}
		if attempt == 1 {
			log.Info("Artifact busy, waiting for lock", "artifact", run.ArtifactPath, "max_wait", wait)
		}

		select {
		case <-waitCtx.Done():
			return nil, fmt.Errorf("artifact still locked after %d attempts: %w", attempt, err)
		case <-timer.C:
			timer.Reset(c.lockRetryInterval())
		}
	}
}

// handleProcessCatalog runs one catalog job
func (c *Consumer) handleProcessCatalog(ctx context.Context, task *asynq.Task) error {
	startTime := time.Now()

	// Parse job data
	job, err := ParseJobData(task.Payload())
	if err != nil {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	log := c.logger.With("job_id", job.JobID)

	log.Info("Processing catalog",
		"document", job.DocumentPath,
		"artifact", job.ArtifactPath,
		"append", job.Append)

	// Own the artifact and record the run
	var handle *storage.RunHandle
	if c.tracker != nil {
		handle, err = c.beginRun(ctx, &storage.RunStart{
			JobID:        job.JobID,
			DocumentPath: job.DocumentPath,
			ArtifactPath: job.ArtifactPath,
			Append:       job.Append,
		}, log)
		if err != nil {
			return fmt.Errorf("failed to begin run: %v: %w", err, asynq.SkipRetry)
		}
		defer func() {
			if err := handle.Release(context.WithoutCancel(ctx)); err != nil {
				log.Warn("Failed to release artifact lock", "error", err)
			}
		}()
	}

	timeout := c.processingTimeout()
	processCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := c.processor.ProcessDocument(processCtx, &processor.ProcessRequest{
		JobID:        job.JobID,
		DocumentPath: job.DocumentPath,
		ArtifactPath: job.ArtifactPath,
		Append:       job.Append,
	})

	duration := time.Since(startTime)

	if err != nil {
		if stderrors.Is(processCtx.Err(), context.DeadlineExceeded) {
			log.Error("Processing timed out", "duration", duration, "timeout", timeout)
		}

		if c.tracker != nil {
			if updateErr := c.tracker.FailRun(context.WithoutCancel(ctx), job.JobID, &storage.RunFailure{
				Kind:    string(errors.KindOf(err)),
				Message: err.Error(),
			}); updateErr != nil {
				log.Warn("Failed to record failed run", "error", updateErr)
			}
		}

		return fmt.Errorf("catalog processing failed: %v: %w", err, asynq.SkipRetry)
	}

	if c.tracker != nil {
		if err := c.tracker.CompleteRun(context.WithoutCancel(ctx), job.JobID, &storage.RunCompletion{
			Pages:        result.PagesProcessed,
			Regions:      result.RegionsExtracted,
			RowsAppended: result.RowsAppended,
		}); err != nil {
			log.Warn("Failed to record completed run", "error", err)
		}
	}

	log.Info("Catalog processed",
		"rows_appended", result.RowsAppended,
		"last_row", result.LastRow,
		"duration", duration)

	return nil
}
