/**
 * Qdrant vector index for stable guides.
 *
 * Stores one embedding per project keyed by project ID so operators can
 * find projects whose labeling conventions resemble a given guide. Uses
 * Qdrant's native gRPC API.
 */

package storage

import (
	"context"
	"fmt"

	qdrant "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// EmbeddingDimensions matches the voyage-3 model output
const EmbeddingDimensions = 1024

// QdrantClient handles vector index operations
type QdrantClient struct {
	client           qdrant.PointsClient
	collectionClient qdrant.CollectionsClient
	conn             *grpc.ClientConn
	collectionName   string
}

// GuideMatch is one similar-guide search hit
type GuideMatch struct {
	ProjectID string
	Score     float32
	RuleCount int64
}

// NewQdrantClient creates a new Qdrant client and ensures the collection
func NewQdrantClient(address string, collectionName string) (*QdrantClient, error) {
	if address == "" {
		return nil, fmt.Errorf("qdrant address is required")
	}
	if collectionName == "" {
		return nil, fmt.Errorf("collection name is required")
	}

	conn, err := grpc.Dial(address, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Qdrant: %w", err)
	}

	qc := &QdrantClient{
		client:           qdrant.NewPointsClient(conn),
		collectionClient: qdrant.NewCollectionsClient(conn),
		conn:             conn,
		collectionName:   collectionName,
	}

	if err := qc.ensureCollection(context.Background()); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ensure collection: %w", err)
	}

	return qc, nil
}

// ensureCollection creates the collection if it doesn't exist
func (q *QdrantClient) ensureCollection(ctx context.Context) error {
	listResp, err := q.collectionClient.List(ctx, &qdrant.ListCollectionsRequest{})
	if err != nil {
		return fmt.Errorf("failed to list collections: %w", err)
	}

	for _, col := range listResp.Collections {
		if col.Name == q.collectionName {
			return nil
		}
	}

	_, err = q.collectionClient.Create(ctx, &qdrant.CreateCollection{
		CollectionName: q.collectionName,
		VectorsConfig: &qdrant.VectorsConfig{
			Config: &qdrant.VectorsConfig_Params{
				Params: &qdrant.VectorParams{
					Size:     EmbeddingDimensions,
					Distance: qdrant.Distance_Cosine,
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}

	return nil
}

// UpsertGuideEmbedding stores the embedding of a project's stable guide.
// The point ID is the project UUID, so re-analyzing a project replaces
// its previous entry.
func (q *QdrantClient) UpsertGuideEmbedding(ctx context.Context, projectID string, vector []float32, ruleCount int) error {
	if projectID == "" {
		return fmt.Errorf("project ID is required")
	}
	if len(vector) != EmbeddingDimensions {
		return fmt.Errorf("invalid vector dimensions: expected %d, got %d", EmbeddingDimensions, len(vector))
	}

	point := &qdrant.PointStruct{
		Id: &qdrant.PointId{
			PointIdOptions: &qdrant.PointId_Uuid{Uuid: projectID},
		},
		Vectors: &qdrant.Vectors{
			VectorsOptions: &qdrant.Vectors_Vector{
				Vector: &qdrant.Vector{Data: vector},
			},
		},
		Payload: map[string]*qdrant.Value{
			"project_id": {Kind: &qdrant.Value_StringValue{StringValue: projectID}},
			"rule_count": {Kind: &qdrant.Value_IntegerValue{IntegerValue: int64(ruleCount)}},
		},
	}

	_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: q.collectionName,
		Points:         []*qdrant.PointStruct{point},
	})
	if err != nil {
		return fmt.Errorf("failed to upsert guide embedding: %w", err)
	}

	return nil
}

// SearchSimilarGuides finds projects with similar labeling conventions
func (q *QdrantClient) SearchSimilarGuides(ctx context.Context, queryVector []float32, limit int) ([]GuideMatch, error) {
	if len(queryVector) != EmbeddingDimensions {
		return nil, fmt.Errorf("invalid query vector dimensions: expected %d, got %d", EmbeddingDimensions, len(queryVector))
	}
	if limit <= 0 {
		limit = 10
	}

	results, err := q.client.Search(ctx, &qdrant.SearchPoints{
		CollectionName: q.collectionName,
		Vector:         queryVector,
		Limit:          uint64(limit),
		WithPayload: &qdrant.WithPayloadSelector{
			SelectorOptions: &qdrant.WithPayloadSelector_Enable{Enable: true},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to search guide embeddings: %w", err)
	}

	matches := make([]GuideMatch, 0, len(results.Result))
	for _, result := range results.Result {
		match := GuideMatch{Score: result.Score}
		if result.Id != nil {
			match.ProjectID = result.Id.GetUuid()
		}
		if result.Payload != nil {
			if v, ok := result.Payload["rule_count"]; ok {
				if iv, ok := v.Kind.(*qdrant.Value_IntegerValue); ok {
					match.RuleCount = iv.IntegerValue
				}
			}
		}
		matches = append(matches, match)
	}

	return matches, nil
}

// DeleteGuideEmbedding removes a project's embedding
func (q *QdrantClient) DeleteGuideEmbedding(ctx context.Context, projectID string) error {
	if projectID == "" {
		return fmt.Errorf("project ID is required")
	}

	_, err := q.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: q.collectionName,
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Points{
				Points: &qdrant.PointsIdsList{
					Ids: []*qdrant.PointId{
						{PointIdOptions: &qdrant.PointId_Uuid{Uuid: projectID}},
					},
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to delete guide embedding: %w", err)
	}

	return nil
}

// GetCollectionInfo returns collection statistics
func (q *QdrantClient) GetCollectionInfo(ctx context.Context) (map[string]interface{}, error) {
	info, err := q.collectionClient.Get(ctx, &qdrant.GetCollectionInfoRequest{
		CollectionName: q.collectionName,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get collection info: %w", err)
	}

	return map[string]interface{}{
		"collection_name": q.collectionName,
		"vectors_count":   info.Result.GetVectorsCount(),
		"points_count":    info.Result.GetPointsCount(),
		"status":          info.Result.GetStatus().String(),
	}, nil
}

// Close closes the Qdrant client connection
func (q *QdrantClient) Close() error {
	if q.conn != nil {
		return q.conn.Close()
	}
	return nil
}
