package vector

import (
	"context"
	"fmt"

	"github.com/qdrant/go-client/qdrant"

	"github.com/kadirpekel/agentmesh/pkg/config"
)

// QdrantStore implements Store over a qdrant instance.
type QdrantStore struct {
	client   *qdrant.Client
	embedder Embedder
}

// NewQdrantStore connects to qdrant using the vector config block.
func NewQdrantStore(cfg config.VectorConfig, embedder Embedder) (*QdrantStore, error) {
	if embedder == nil {
		return nil, fmt.Errorf("an embedder is required for vector search")
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create qdrant client: %w", err)
	}

	return &QdrantStore{client: client, embedder: embedder}, nil
}

// Search implements Store.
func (s *QdrantStore) Search(ctx context.Context, collection, query string, limit int, filter Filter) ([]Hit, error) {
	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	if limit <= 0 {
		limit = 10
	}

	req := &qdrant.SearchPoints{
		CollectionName: collection,
		Vector:         vec,
		Limit:          uint64(limit),
		WithPayload:    qdrant.NewWithPayload(true),
		Filter:         buildFilter(filter),
	}

	result, err := s.client.GetPointsClient().Search(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("vector search failed: %w", err)
	}

	hits := make([]Hit, 0, len(result.Result))
	for _, point := range result.Result {
		hit := Hit{Score: point.Score, Metadata: make(map[string]interface{})}

		if point.Id != nil {
			switch idType := point.Id.PointIdOptions.(type) {
			case *qdrant.PointId_Uuid:
				hit.ID = idType.Uuid
			case *qdrant.PointId_Num:
				hit.ID = fmt.Sprintf("%d", idType.Num)
			}
		}

		for key, value := range point.Payload {
			if key == "content" {
				hit.Content = value.GetStringValue()
				continue
			}
			hit.Metadata[key] = valueToInterface(value)
		}

		hits = append(hits, hit)
	}
	return hits, nil
}

// Count implements Store.
func (s *QdrantStore) Count(ctx context.Context, collection string, filter Filter) (uint64, error) {
	exact := true
	result, err := s.client.GetPointsClient().Count(ctx, &qdrant.CountPoints{
		CollectionName: collection,
		Filter:         buildFilter(filter),
		Exact:          &exact,
	})
	if err != nil {
		return 0, fmt.Errorf("vector count failed: %w", err)
	}
	return result.GetResult().GetCount(), nil
}

func buildFilter(filter Filter) *qdrant.Filter {
	if len(filter) == 0 {
		return nil
	}
	must := make([]*qdrant.Condition, 0, len(filter))
	for key, value := range filter {
		must = append(must, qdrant.NewMatch(key, value))
	}
	return &qdrant.Filter{Must: must}
}

func valueToInterface(v *qdrant.Value) interface{} {
	switch kind := v.Kind.(type) {
	case *qdrant.Value_StringValue:
		return kind.StringValue
	case *qdrant.Value_IntegerValue:
		return kind.IntegerValue
	case *qdrant.Value_DoubleValue:
		return kind.DoubleValue
	case *qdrant.Value_BoolValue:
		return kind.BoolValue
	default:
		return v.String()
	}
}
