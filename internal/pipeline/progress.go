/**
 * Redis progress tracking for analyze runs.
 *
 * One analyze run per project at a time, enforced with a Redis lock.
 * Progress (current step, processed-page frontier) is written to a
 * per-project hash so the retrieval API can answer status queries without
 * touching the pipeline, and terminal events are published for listeners.
 */

package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/planlens/guidepipeline-worker/internal/logging"
)

const (
	analyzeLockPrefix     = "guide:analyze:lock:"
	analyzeProgressPrefix = "guide:analyze:progress:"
	eventsChannel         = "guide:events"

	// Lock TTL outlives the longest allowed run so a crashed worker
	// cannot block a project forever
	analyzeLockTTL = 30 * time.Minute
	progressTTL    = 24 * time.Hour
)

// Progress is the externally visible state of one analyze run
type Progress struct {
	RunID          string `json:"run_id"`
	CurrentStep    string `json:"current_step"`
	PagesProcessed int    `json:"pages_processed"`
	UpdatedAt      int64  `json:"updated_at"`
}

// Event is published on the events channel at run boundaries
type Event struct {
	Type      string `json:"type"` // "analyze_started" | "analyze_finished"
	ProjectID string `json:"project_id"`
	RunID     string `json:"run_id"`
	Status    string `json:"status,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// Tracker manages analyze locks, progress, and events in Redis
type Tracker struct {
	client *redis.Client
	logger *logging.Logger
}

// NewTracker creates a progress tracker from a Redis URL
func NewTracker(redisURL string) (*Tracker, error) {
	if redisURL == "" {
		return nil, fmt.Errorf("Redis URL is required")
	}

	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opt)
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Tracker{
		client: client,
		logger: logging.NewLogger("ProgressTracker"),
	}, nil
}

// AcquireLock claims the per-project analyze lock. Returns false when
// another run already holds it.
func (t *Tracker) AcquireLock(ctx context.Context, projectID, runID string) (bool, error) {
	ok, err := t.client.SetNX(ctx, analyzeLockPrefix+projectID, runID, analyzeLockTTL).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire analyze lock: %w", err)
	}
	return ok, nil
}

// ReleaseLock releases the per-project analyze lock when held by this run
func (t *Tracker) ReleaseLock(ctx context.Context, projectID, runID string) {
	// Release only our own lock; a stale release must not break the next run
	script := redis.NewScript(`
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("DEL", KEYS[1])
		end
		return 0
	`)
	if err := script.Run(ctx, t.client, []string{analyzeLockPrefix + projectID}, runID).Err(); err != nil && err != redis.Nil {
		t.logger.Warn("Failed to release analyze lock", "projectId", projectID, "error", err)
	}
}

// SetProgress writes the current step and processed-page frontier
func (t *Tracker) SetProgress(ctx context.Context, projectID string, progress Progress) {
	progress.UpdatedAt = time.Now().Unix()
	key := analyzeProgressPrefix + projectID

	pipe := t.client.Pipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"run_id":          progress.RunID,
		"current_step":    progress.CurrentStep,
		"pages_processed": progress.PagesProcessed,
		"updated_at":      progress.UpdatedAt,
	})
	pipe.Expire(ctx, key, progressTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		// Progress is advisory; a Redis blip must not fail the run
		t.logger.Warn("Failed to write progress", "projectId", projectID, "error", err)
	}
}

// GetProgress reads the last recorded progress for a project
func (t *Tracker) GetProgress(ctx context.Context, projectID string) (*Progress, error) {
	fields, err := t.client.HGetAll(ctx, analyzeProgressPrefix+projectID).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read progress: %w", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}

	progress := &Progress{
		RunID:       fields["run_id"],
		CurrentStep: fields["current_step"],
	}
	fmt.Sscanf(fields["pages_processed"], "%d", &progress.PagesProcessed)
	fmt.Sscanf(fields["updated_at"], "%d", &progress.UpdatedAt)
	return progress, nil
}

// PublishEvent publishes a run boundary event
func (t *Tracker) PublishEvent(ctx context.Context, event Event) {
	event.Timestamp = time.Now().Unix()
	data, err := json.Marshal(event)
	if err != nil {
		t.logger.Warn("Failed to marshal event", "error", err)
		return
	}
	if err := t.client.Publish(ctx, eventsChannel, data).Err(); err != nil {
		t.logger.Warn("Failed to publish event", "type", event.Type, "error", err)
	}
}

// Close releases the Redis connection
func (t *Tracker) Close() error {
	return t.client.Close()
}
