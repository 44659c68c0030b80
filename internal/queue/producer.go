package queue

import (
	"context"
	"fmt"

	"github.com/hibiken/asynq"
)

// Producer submits catalog jobs to the queue
type Producer struct {
	client    *asynq.Client
	queueName string
}

// NewProducer creates a producer for queueName
func NewProducer(redisURL, queueName string) (*Producer, error) {
	if queueName == "" {
		return nil, fmt.Errorf("QueueName is required")
	}

	redisOpt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	return &Producer{
		client:    asynq.NewClient(redisOpt),
		queueName: queueName,
	}, nil
}

// Enqueue submits job. The job ID doubles as the task ID, so a job can only
// be queued once while it is pending or retained.
func (p *Producer) Enqueue(ctx context.Context, job *JobData) (*asynq.TaskInfo, error) {
	task, err := NewProcessCatalogTask(job)
	if err != nil {
		return nil, err
	}

	info, err := p.client.EnqueueContext(ctx, task, asynq.Queue(p.queueName), asynq.TaskID(job.JobID))
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue job %s: %w", job.JobID, err)
	}
	return info, nil
}

// Close closes the Redis connection
func (p *Producer) Close() error {
	return p.client.Close()
}
