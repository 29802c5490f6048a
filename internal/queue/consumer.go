/**
 * Queue consumer for analyze tasks.
 *
 * Consumes guide:analyze tasks from Redis using Asynq. State conflicts
 * and terminal run failures are never retried at the queue level: a run
 * is terminal per project, and provider retries already happened inside
 * the pipeline. Only pre-run infrastructure errors surface to Asynq's
 * retry machinery.
 */

package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	pipeerrors "github.com/planlens/guidepipeline-worker/internal/errors"
	"github.com/planlens/guidepipeline-worker/internal/logging"
)

// TaskTypeAnalyze is the task type for analyze runs
const TaskTypeAnalyze = "guide:analyze"

// AnalyzeTask is the payload of a guide:analyze task
type AnalyzeTask struct {
	ProjectID string `json:"project_id"`
	OwnerID   string `json:"owner_id"`
}

// Runner executes one analyze run for a project
type Runner interface {
	Run(ctx context.Context, projectID, ownerID string) error
}

// Consumer handles analyze task consumption from the Redis queue
type Consumer struct {
	client *asynq.Client
	server *asynq.Server
	mux    *asynq.ServeMux
	runner Runner
	config *ConsumerConfig
	logger *logging.Logger
}

// ConsumerConfig holds consumer configuration
type ConsumerConfig struct {
	RedisURL       string
	QueueName      string
	Concurrency    int
	Runner         Runner
	AnalyzeTimeout int64 // per-run timeout in milliseconds
}

// NewConsumer creates a new queue consumer
func NewConsumer(cfg *ConsumerConfig) (*Consumer, error) {
	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("RedisURL is required")
	}
	if cfg.Runner == nil {
		return nil, fmt.Errorf("Runner is required")
	}
	if cfg.QueueName == "" {
		cfg.QueueName = "guidepipeline"
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}

	redisOpt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	logger := logging.NewLogger("QueueConsumer")

	client := asynq.NewClient(redisOpt)

	server := asynq.NewServer(
		redisOpt,
		asynq.Config{
			Concurrency: cfg.Concurrency,
			Queues: map[string]int{
				cfg.QueueName: 10,
				"default":     1,
			},
			RetryDelayFunc: func(n int, err error, task *asynq.Task) time.Duration {
				// Exponential backoff: 5s, 10s, 20s, capped at 60s
				delay := time.Duration(5*(1<<uint(n))) * time.Second
				if delay > 60*time.Second {
					delay = 60 * time.Second
				}
				return delay
			},
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				logger.Error("Task processing error",
					"type", task.Type(),
					"payload", string(task.Payload()),
					"error", err)
			}),
		},
	)

	mux := asynq.NewServeMux()

	consumer := &Consumer{
		client: client,
		server: server,
		mux:    mux,
		runner: cfg.Runner,
		config: cfg,
		logger: logger,
	}

	mux.HandleFunc(TaskTypeAnalyze, consumer.handleAnalyze)

	return consumer, nil
}

// EnqueueAnalyze submits an analyze task for a project
func (c *Consumer) EnqueueAnalyze(ctx context.Context, projectID, ownerID string) error {
	payload, err := json.Marshal(AnalyzeTask{ProjectID: projectID, OwnerID: ownerID})
	if err != nil {
		return fmt.Errorf("failed to marshal analyze task: %w", err)
	}

	task := asynq.NewTask(TaskTypeAnalyze, payload)
	if _, err := c.client.EnqueueContext(ctx, task, asynq.Queue(c.config.QueueName)); err != nil {
		return fmt.Errorf("failed to enqueue analyze task: %w", err)
	}
	return nil
}

// Start starts the queue consumer
func (c *Consumer) Start(ctx context.Context) error {
	c.logger.Info("Starting queue consumer",
		"concurrency", c.config.Concurrency,
		"queue", c.config.QueueName)

	go func() {
		if err := c.server.Run(c.mux); err != nil {
			c.logger.Error("Queue consumer error", "error", err)
		}
	}()

	return nil
}

// Stop stops the queue consumer gracefully
func (c *Consumer) Stop(ctx context.Context) error {
	c.logger.Info("Stopping queue consumer")

	c.server.Shutdown()

	if err := c.client.Close(); err != nil {
		return fmt.Errorf("failed to close client: %w", err)
	}

	c.logger.Info("Queue consumer stopped")
	return nil
}

// handleAnalyze runs one analyze task
func (c *Consumer) handleAnalyze(ctx context.Context, task *asynq.Task) error {
	startTime := time.Now()

	var data AnalyzeTask
	if err := json.Unmarshal(task.Payload(), &data); err != nil {
		return fmt.Errorf("failed to unmarshal analyze task: %v: %w", err, asynq.SkipRetry)
	}
	if data.ProjectID == "" {
		return fmt.Errorf("analyze task has no project_id: %w", asynq.SkipRetry)
	}

	c.logger.Info("Analyze task started", "projectId", data.ProjectID)

	timeout := 10 * time.Minute
	if c.config.AnalyzeTimeout > 0 {
		timeout = time.Duration(c.config.AnalyzeTimeout) * time.Millisecond
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := c.runner.Run(runCtx, data.ProjectID, data.OwnerID)
	duration := time.Since(startTime)

	if err != nil {
		if pe, ok := pipeerrors.AsPipelineError(err); ok {
			switch pe.Code {
			case pipeerrors.ErrorStateConflict:
				// Not an error worth retrying: the project is busy or
				// already settled
				c.logger.Warn("Analyze task refused", "projectId", data.ProjectID, "reason", pe.Message)
				return fmt.Errorf("analyze refused: %v: %w", pe.Message, asynq.SkipRetry)
			case pipeerrors.ErrorStorageFailed:
				// Pre-run infrastructure errors may be transient
				c.logger.Error("Analyze task hit storage failure", "projectId", data.ProjectID, "error", err)
				return fmt.Errorf("analyze storage failure: %w", err)
			default:
				// The run settled the project into failed; retrying the
				// task would only hit a state conflict
				c.logger.Error("Analyze run failed",
					"projectId", data.ProjectID,
					"stage", pe.Stage,
					"errorCode", pe.Code,
					"duration", duration)
				return fmt.Errorf("analyze run failed: %v: %w", err, asynq.SkipRetry)
			}
		}
		c.logger.Error("Analyze task failed", "projectId", data.ProjectID, "error", err, "duration", duration)
		return fmt.Errorf("analyze task failed: %w", err)
	}

	c.logger.Info("Analyze task completed", "projectId", data.ProjectID, "duration", duration)
	return nil
}
