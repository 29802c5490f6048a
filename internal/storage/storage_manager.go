/**
 * Storage manager - coordinates PostgreSQL and Qdrant.
 *
 * PostgreSQL is the system of record for projects, pages, guides, and
 * runs. Qdrant only carries the optional guide similarity index; its
 * failures degrade search, never the pipeline.
 */

package storage

import (
	"context"
	"fmt"

	"github.com/planlens/guidepipeline-worker/internal/logging"
)

// Manager coordinates the storage backends
type Manager struct {
	Postgres *PostgresClient
	Qdrant   *QdrantClient
	logger   *logging.Logger
}

// NewManager creates a storage manager. Qdrant is optional: when the
// address is empty the similarity index is disabled.
func NewManager(databaseURL, qdrantAddress, qdrantCollection string) (*Manager, error) {
	logger := logging.NewLogger("StorageManager")

	postgres, err := NewPostgresClient(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize PostgreSQL: %w", err)
	}

	m := &Manager{
		Postgres: postgres,
		logger:   logger,
	}

	if qdrantAddress != "" {
		qdrantClient, err := NewQdrantClient(qdrantAddress, qdrantCollection)
		if err != nil {
			// Similarity search is auxiliary; start without it
			logger.Warn("Qdrant unavailable, guide similarity index disabled", "error", err)
		} else {
			m.Qdrant = qdrantClient
			logger.Info("Qdrant guide similarity index ready", "collection", qdrantCollection)
		}
	}

	return m, nil
}

// IndexGuideEmbedding stores a stable guide embedding when the index is
// available. Errors are returned for logging but callers treat them as
// non-fatal.
func (m *Manager) IndexGuideEmbedding(ctx context.Context, projectID string, vector []float32, ruleCount int) error {
	if m.Qdrant == nil {
		m.logger.Debug("Guide similarity index disabled, skipping embedding", "projectId", projectID)
		return nil
	}
	return m.Qdrant.UpsertGuideEmbedding(ctx, projectID, vector, ruleCount)
}

// SearchSimilarGuides proxies to the index when available
func (m *Manager) SearchSimilarGuides(ctx context.Context, vector []float32, limit int) ([]GuideMatch, error) {
	if m.Qdrant == nil {
		return nil, fmt.Errorf("guide similarity index is disabled")
	}
	return m.Qdrant.SearchSimilarGuides(ctx, vector, limit)
}

// HealthCheck verifies the system of record is reachable
func (m *Manager) HealthCheck(ctx context.Context) error {
	if err := m.Postgres.Ping(ctx); err != nil {
		return fmt.Errorf("postgres health check failed: %w", err)
	}
	return nil
}

// Close releases all storage connections
func (m *Manager) Close() error {
	var firstErr error
	if err := m.Postgres.Close(); err != nil {
		firstErr = err
	}
	if m.Qdrant != nil {
		if err := m.Qdrant.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
