/**
 * PostgreSQL Client for the catalogscan worker
 *
 * Keeps the run history of queued catalog jobs: one row per run, written
 * when the run starts and finalized when it completes or fails.
 */

package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// Run statuses
const (
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
)

// maxErrorMessageLength bounds stored error messages
const maxErrorMessageLength = 2000

const schemaSQL = `
	CREATE TABLE IF NOT EXISTS catalogscan_runs (
		id             TEXT PRIMARY KEY,
		document_path  TEXT NOT NULL,
		artifact_path  TEXT NOT NULL,
		append_mode    BOOLEAN NOT NULL DEFAULT FALSE,
		status         TEXT NOT NULL,
		pages          INTEGER,
		regions        INTEGER,
		rows_appended  INTEGER,
		error_kind     TEXT,
		error_message  TEXT,
		started_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		finished_at    TIMESTAMPTZ
	)
`

// PostgresClient handles database operations
type PostgresClient struct {
	db *sql.DB
}

// RunStart describes a run that is about to begin
type RunStart struct {
	JobID        string
	DocumentPath string
	ArtifactPath string
	Append       bool
}

// RunCompletion holds the counters of a successful run
type RunCompletion struct {
	Pages        int
	Regions      int
	RowsAppended int
}

// RunFailure holds the classified error of a failed run
type RunFailure struct {
	Kind    string
	Message string
}

// RunRecord is one row of the run history
type RunRecord struct {
	ID           string
	DocumentPath string
	ArtifactPath string
	Append       bool
	Status       string
	Pages        int
	Regions      int
	RowsAppended int
	ErrorKind    string
	ErrorMessage string
	StartedAt    time.Time
	FinishedAt   *time.Time
}

// NewPostgresClient creates a new PostgreSQL client
func NewPostgresClient(databaseURL string) (*PostgresClient, error) {
	if databaseURL == "" {
		return nil, fmt.Errorf("database URL is required")
	}

	// Connect to database
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(2 * time.Minute)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresClient{db: db}, nil
}

// EnsureSchema creates the run history table if it does not exist
func (p *PostgresClient) EnsureSchema(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to create run history table: %w", err)
	}
	return nil
}

// StartRun records a run as running. Re-delivered jobs reset their row.
func (p *PostgresClient) StartRun(ctx context.Context, run *RunStart) error {
	if run == nil || run.JobID == "" {
		return fmt.Errorf("job ID is required")
	}

	query := `
		INSERT INTO catalogscan_runs (
			id, document_path, artifact_path, append_mode, status, started_at
		) VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (id) DO UPDATE SET
			document_path = EXCLUDED.document_path,
			artifact_path = EXCLUDED.artifact_path,
			append_mode = EXCLUDED.append_mode,
			status = EXCLUDED.status,
			pages = NULL,
			regions = NULL,
			rows_appended = NULL,
			error_kind = NULL,
			error_message = NULL,
			started_at = NOW(),
			finished_at = NULL
	`

	if _, err := p.db.ExecContext(ctx, query,
		run.JobID,        // $1 - id
		run.DocumentPath, // $2 - document_path
		run.ArtifactPath, // $3 - artifact_path
		run.Append,       // $4 - append_mode
		RunStatusRunning, // $5 - status
	); err != nil {
		return fmt.Errorf("failed to start run (job=%s): %w", run.JobID, err)
	}

	return nil
}

// CompleteRun marks a run as completed with its counters
func (p *PostgresClient) CompleteRun(ctx context.Context, jobID string, completion *RunCompletion) error {
	if jobID == "" {
		return fmt.Errorf("job ID is required")
	}
	if completion == nil {
		completion = &RunCompletion{}
	}

	query := `
		UPDATE catalogscan_runs SET
			status = $2,
			pages = $3,
			regions = $4,
			rows_appended = $5,
			finished_at = NOW()
		WHERE id = $1
	`

	return p.finishRun(ctx, jobID, query,
		jobID,
		RunStatusCompleted,
		completion.Pages,
		completion.Regions,
		completion.RowsAppended,
	)
}

// FailRun marks a run as failed with its error kind
func (p *PostgresClient) FailRun(ctx context.Context, jobID string, failure *RunFailure) error {
	if jobID == "" {
		return fmt.Errorf("job ID is required")
	}
	if failure == nil {
		failure = &RunFailure{}
	}

	query := `
		UPDATE catalogscan_runs SET
			status = $2,
			error_kind = NULLIF($3, ''),
			error_message = NULLIF($4, ''),
			finished_at = NOW()
		WHERE id = $1
	`

	return p.finishRun(ctx, jobID, query,
		jobID,
		RunStatusFailed,
		failure.Kind,
		truncate(failure.Message, maxErrorMessageLength),
	)
}

func (p *PostgresClient) finishRun(ctx context.Context, jobID, query string, args ...interface{}) error {
	res, err := p.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update run (job=%s): %w", jobID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update run (job=%s): %w", jobID, err)
	}
	if affected == 0 {
		return fmt.Errorf("run not found: %s", jobID)
	}
	return nil
}

// GetRun retrieves a run by job ID
func (p *PostgresClient) GetRun(ctx context.Context, jobID string) (*RunRecord, error) {
	if jobID == "" {
		return nil, fmt.Errorf("job ID is required")
	}

	query := `
		SELECT
			id,
			document_path,
			artifact_path,
			append_mode,
			status,
			pages,
			regions,
			rows_appended,
			error_kind,
			error_message,
			started_at,
			finished_at
		FROM catalogscan_runs
		WHERE id = $1
	`

	var (
		run                     RunRecord
		pages, regions, rows    sql.NullInt64
		errorKind, errorMessage sql.NullString
		finishedAt              sql.NullTime
	)

	err := p.db.QueryRowContext(ctx, query, jobID).Scan(
		&run.ID, &run.DocumentPath, &run.ArtifactPath, &run.Append, &run.Status,
		&pages, &regions, &rows,
		&errorKind, &errorMessage,
		&run.StartedAt, &finishedAt,
	)

	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("run not found: %s", jobID)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	run.Pages = int(pages.Int64)
	run.Regions = int(regions.Int64)
	run.RowsAppended = int(rows.Int64)
	run.ErrorKind = errorKind.String
	run.ErrorMessage = errorMessage.String
	if finishedAt.Valid {
		run.FinishedAt = &finishedAt.Time
	}

	return &run, nil
}

// Ping checks database connectivity
func (p *PostgresClient) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// Close closes the database connection
func (p *PostgresClient) Close() error {
	if p.db != nil {
		return p.db.Close()
	}
	return nil
}

// GetStats returns connection pool statistics
func (p *PostgresClient) GetStats() sql.DBStats {
	return p.db.Stats()
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
