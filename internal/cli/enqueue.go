package cli

import (
	"fmt"
	"path/filepath"

	"github.com/adverant/nexus/catalogscan-worker/internal/queue"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var (
	flagEnqueueAppend bool
	flagEnqueueJobID  string
)

var enqueueCmd = &cobra.Command{
	Use:   "enqueue <catalog.pdf> <products.xlsx>",
	Short: "Submit a catalog run to the worker queue",
	Long: `Enqueue submits a catalog:process task. Paths are made absolute and must
be reachable by the worker.

Examples:
  catalogscan enqueue /data/spring.pdf /data/products.xlsx
  catalogscan enqueue /data/summer.pdf /data/products.xlsx --append`,
	Args: cobra.ExactArgs(2),
	RunE: runEnqueue,
}

func init() {
	rootCmd.AddCommand(enqueueCmd)

	enqueueCmd.Flags().BoolVar(&flagEnqueueAppend, "append", false, "Append to an existing workbook")
	enqueueCmd.Flags().StringVar(&flagEnqueueJobID, "job-id", "", "Job ID (default: random UUID)")
}

func runEnqueue(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	defer logger.Sync()

	job, err := jobFromArgs(args, flagEnqueueJobID, flagEnqueueAppend)
	if err != nil {
		return err
	}

	producer, err := queue.NewProducer(cfg.RedisURL, cfg.QueueName)
	if err != nil {
		return err
	}
	defer producer.Close()

	info, err := producer.Enqueue(cmd.Context(), job)
	if err != nil {
		return err
	}

	logger.Info("Job enqueued", "job_id", job.JobID, "queue", info.Queue)
	fmt.Fprintln(cmd.OutOrStdout(), job.JobID)
	return nil
}

// jobFromArgs builds the task payload with absolute paths
func jobFromArgs(args []string, jobID string, appendMode bool) (*queue.JobData, error) {
	documentPath, err := filepath.Abs(args[0])
	if err != nil {
		return nil, fmt.Errorf("invalid document path: %w", err)
	}
	artifactPath, err := filepath.Abs(args[1])
	if err != nil {
		return nil, fmt.Errorf("invalid artifact path: %w", err)
	}
	if jobID == "" {
		jobID = uuid.NewString()
	}
	return &queue.JobData{
		JobID:        jobID,
		DocumentPath: documentPath,
		ArtifactPath: artifactPath,
		Append:       appendMode,
	}, nil
}
