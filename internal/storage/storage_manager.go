/**
 * Storage Manager for the catalogscan worker
 *
 * Coordinates the Redis artifact lock and the PostgreSQL run history so a
 * queued run is only recorded once it owns its artifact, and the lock is
 * dropped on every exit path.
 */

package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/adverant/nexus/catalogscan-worker/internal/logging"
)

// StorageManager coordinates PostgreSQL and Redis operations
type StorageManager struct {
	postgres *PostgresClient
	locker   *ArtifactLocker
	logger   *logging.Logger
}

// RunHandle is returned by BeginRun and owns the artifact lock
type RunHandle struct {
	JobID string
	lock  *ArtifactLock
}

// Release drops the artifact lock held by the run
func (h *RunHandle) Release(ctx context.Context) error {
	if h == nil || h.lock == nil {
		return nil
	}
	return h.lock.Release(ctx)
}

// NewStorageManager creates a new storage manager
func NewStorageManager(databaseURL, redisURL string, lockTTL time.Duration, logger *logging.Logger) (*StorageManager, error) {
	if logger == nil {
		logger = logging.NewNop()
	}

	// Initialize PostgreSQL client
	postgres, err := NewPostgresClient(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize PostgreSQL client: %w", err)
	}

	// Initialize Redis locker
	locker, err := NewArtifactLocker(redisURL, lockTTL)
	if err != nil {
		postgres.Close() // Cleanup on failure
		return nil, fmt.Errorf("failed to initialize Redis locker: %w", err)
	}

	return &StorageManager{
		postgres: postgres,
		locker:   locker,
		logger:   logger,
	}, nil
}

// EnsureSchema prepares the run history table
func (sm *StorageManager) EnsureSchema(ctx context.Context) error {
	return sm.postgres.EnsureSchema(ctx)
}

// BeginRun locks the run's artifact and records the run as running
func (sm *StorageManager) BeginRun(ctx context.Context, run *RunStart) (*RunHandle, error) {
	if run == nil || run.JobID == "" {
		return nil, fmt.Errorf("job ID is required")
	}

	// Step 1: Own the artifact before anything is recorded
	lock, err := sm.locker.Acquire(ctx, run.ArtifactPath)
	if err != nil {
		return nil, err
	}

	// Step 2: Record the run
	if err := sm.postgres.StartRun(ctx, run); err != nil {
		// Rollback: Drop the lock
		if releaseErr := lock.Release(ctx); releaseErr != nil {
			sm.logger.Warn("Failed to release artifact lock", "job_id", run.JobID, "error", releaseErr)
		}
		return nil, err
	}

	return &RunHandle{JobID: run.JobID, lock: lock}, nil
}

// CompleteRun marks the run completed in PostgreSQL
func (sm *StorageManager) CompleteRun(ctx context.Context, jobID string, completion *RunCompletion) error {
	return sm.postgres.CompleteRun(ctx, jobID, completion)
}

// FailRun marks the run failed in PostgreSQL
func (sm *StorageManager) FailRun(ctx context.Context, jobID string, failure *RunFailure) error {
	return sm.postgres.FailRun(ctx, jobID, failure)
}

// GetRun retrieves a run by job ID
func (sm *StorageManager) GetRun(ctx context.Context, jobID string) (*RunRecord, error) {
	return sm.postgres.GetRun(ctx, jobID)
}

// Ping checks both backends
func (sm *StorageManager) Ping(ctx context.Context) error {
	if err := sm.postgres.Ping(ctx); err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	if err := sm.locker.Ping(ctx); err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	return nil
}

// GetStats returns connection statistics
func (sm *StorageManager) GetStats() map[string]interface{} {
	pgStats := sm.postgres.GetStats()

	return map[string]interface{}{
		"postgres": map[string]interface{}{
			"max_open_connections": pgStats.MaxOpenConnections,
			"open_connections":     pgStats.OpenConnections,
			"in_use":               pgStats.InUse,
			"idle":                 pgStats.Idle,
			"wait_count":           pgStats.WaitCount,
			"wait_duration":        pgStats.WaitDuration.String(),
		},
	}
}

// Close closes all connections
func (sm *StorageManager) Close() error {
	var pgErr, redisErr error

	if sm.postgres != nil {
		pgErr = sm.postgres.Close()
	}

	if sm.locker != nil {
		redisErr = sm.locker.Close()
	}

	if pgErr != nil {
		return fmt.Errorf("failed to close PostgreSQL: %w", pgErr)
	}

	if redisErr != nil {
		return fmt.Errorf("failed to close Redis: %w", redisErr)
	}

	return nil
}
