package queue

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pipeerrors "github.com/planlens/guidepipeline-worker/internal/errors"
)

type stubRunner struct {
	err       error
	projectID string
	ownerID   string
	calls     int
}

func (r *stubRunner) Run(ctx context.Context, projectID, ownerID string) error {
	r.calls++
	r.projectID = projectID
	r.ownerID = ownerID
	return r.err
}

func testConsumer(t *testing.T, runner Runner) *Consumer {
	t.Helper()
	c, err := NewConsumer(&ConsumerConfig{
		RedisURL: "redis://localhost:6379",
		Runner:   runner,
	})
	require.NoError(t, err)
	return c
}

func analyzeTask(t *testing.T, projectID, ownerID string) *asynq.Task {
	t.Helper()
	payload, err := json.Marshal(AnalyzeTask{ProjectID: projectID, OwnerID: ownerID})
	require.NoError(t, err)
	return asynq.NewTask(TaskTypeAnalyze, payload)
}

func TestNewConsumerDefaults(t *testing.T) {
	c := testConsumer(t, &stubRunner{})
	assert.Equal(t, "guidepipeline", c.config.QueueName)
	assert.Equal(t, 4, c.config.Concurrency)
}

func TestNewConsumerRequiresRunner(t *testing.T) {
	_, err := NewConsumer(&ConsumerConfig{RedisURL: "redis://localhost:6379"})
	assert.Error(t, err)
}

func TestHandleAnalyzeSuccess(t *testing.T) {
	runner := &stubRunner{}
	c := testConsumer(t, runner)

	err := c.handleAnalyze(context.Background(), analyzeTask(t, "proj-1", "owner-1"))
	require.NoError(t, err)
	assert.Equal(t, "proj-1", runner.projectID)
	assert.Equal(t, "owner-1", runner.ownerID)
}

func TestHandleAnalyzeMalformedPayloadSkipsRetry(t *testing.T) {
	c := testConsumer(t, &stubRunner{})

	err := c.handleAnalyze(context.Background(), asynq.NewTask(TaskTypeAnalyze, []byte("not json")))
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, asynq.SkipRetry))
}

func TestHandleAnalyzeMissingProjectSkipsRetry(t *testing.T) {
	c := testConsumer(t, &stubRunner{})

	err := c.handleAnalyze(context.Background(), analyzeTask(t, "", "owner-1"))
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, asynq.SkipRetry))
}

func TestHandleAnalyzeStateConflictSkipsRetry(t *testing.T) {
	runner := &stubRunner{err: pipeerrors.NewStateConflictError("project busy")}
	c := testConsumer(t, runner)

	err := c.handleAnalyze(context.Background(), analyzeTask(t, "proj-1", "owner-1"))
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, asynq.SkipRetry))
}

func TestHandleAnalyzeStorageFailureRetries(t *testing.T) {
	runner := &stubRunner{err: pipeerrors.NewStorageError("orchestrator", fmt.Errorf("connection refused"))}
	c := testConsumer(t, runner)

	err := c.handleAnalyze(context.Background(), analyzeTask(t, "proj-1", "owner-1"))
	require.Error(t, err)
	assert.False(t, stderrors.Is(err, asynq.SkipRetry))
}

func TestHandleAnalyzeTerminalRunFailureSkipsRetry(t *testing.T) {
	runner := &stubRunner{err: pipeerrors.NewModelInvalidOutputError("observation", 2, "report failed validation", nil)}
	c := testConsumer(t, runner)

	err := c.handleAnalyze(context.Background(), analyzeTask(t, "proj-1", "owner-1"))
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, asynq.SkipRetry))
}
