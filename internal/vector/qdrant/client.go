package qdrant

import (
	"context"
	"fmt"

	"github.com/qdrant/go-client/qdrant"
	"go.uber.org/zap"

	"github.com/chatwiki/backend/internal/retrieval"
	"github.com/chatwiki/backend/internal/vector"
	"github.com/chatwiki/backend/pkg/logger"
)

const (
	payloadText       = "text"
	payloadChunkIndex = "chunk_index"
	payloadCreatedAt  = "created_at"
)

type Config struct {
	Host   string
	Port   int
	APIKey string
	UseTLS bool
}

type Client struct {
	client *qdrant.Client
	logger *zap.Logger
}

func NewClient(cfg Config) (*Client, error) {
	c, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to qdrant: %w", err)
	}

	log := logger.Named("qdrant")
	log.Info("Qdrant client initialized", zap.String("host", cfg.Host), zap.Int("port", cfg.Port))

	return &Client{client: c, logger: log}, nil
}

func (q *Client) Close() error {
	return q.client.Close()
}

func (q *Client) EnsureCollection(ctx context.Context, collection string, dim int) error {
	exists, err := q.client.CollectionExists(ctx, collection)
	if err != nil {
		return fmt.Errorf("failed to check collection %s: %w", collection, err)
	}
	if exists {
		return nil
	}

	err = q.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(dim),
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("failed to create collection %s: %w", collection, err)
	}

	q.logger.Info("Collection created", zap.String("collection", collection), zap.Int("dim", dim))
	return nil
}

func (q *Client) Upsert(ctx context.Context, collection string, chunks []vector.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	points := make([]*qdrant.PointStruct, len(chunks))
	for i, ch := range chunks {
		points[i] = &qdrant.PointStruct{
			Id:      qdrant.NewID(ch.ID),
			Vectors: qdrant.NewVectors(ch.Embedding...),
			Payload: qdrant.NewValueMap(payload(ch)),
		}
	}

	wait := true
	_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: collection,
		Wait:           &wait,
		Points:         points,
	})
	if err != nil {
		return fmt.Errorf("failed to upsert points: %w", err)
	}

	q.logger.Info("Chunks written to vector DB", zap.String("collection", collection), zap.Int("count", len(points)))
	return nil
}

func (q *Client) DeleteFile(ctx context.Context, collection, fileID string) error {
	_, err := q.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: collection,
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Filter{
				Filter: &qdrant.Filter{
					Must: []*qdrant.Condition{qdrant.NewMatch(vector.FieldFileID, fileID)},
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to delete chunks of file %s: %w", fileID, err)
	}
	return nil
}

func (q *Client) Query(ctx context.Context, query vector.Query) ([]vector.Hit, error) {
	filter, err := buildFilter(query.Filters)
	if err != nil {
		return nil, err
	}

	limit := uint64(query.Limit)
	req := &qdrant.QueryPoints{
		CollectionName: query.Collection,
		Query:          qdrant.NewQuery(query.Embedding...),
		Limit:          &limit,
		Filter:         filter,
		WithPayload:    qdrant.NewWithPayload(true),
	}
	if query.MinScore > 0 {
		threshold := query.MinScore
		req.ScoreThreshold = &threshold
	}

	points, err := q.client.Query(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to query qdrant: %w", err)
	}

	hits := make([]vector.Hit, 0, len(points))
	for _, p := range points {
		hits = append(hits, toHit(p))
	}

	q.logger.Debug("Qdrant search completed", zap.Int("limit", query.Limit), zap.Int("hits", len(hits)))
	return hits, nil
}

func payload(ch vector.Chunk) map[string]any {
	return map[string]any{
		vector.FieldWikiID: ch.WikiID,
		vector.FieldFileID: ch.FileID,
		payloadText:        ch.Text,
		payloadChunkIndex:  int64(ch.Index),
		payloadCreatedAt:   ch.CreatedAt.Unix(),
	}
}

// buildFilter ORs every tag value, or returns nil when there is nothing to filter on.
func buildFilter(filters []retrieval.TagFilter) (*qdrant.Filter, error) {
	order, values, err := vector.FilterFields(filters)
	if err != nil {
		return nil, err
	}
	if len(order) == 0 {
		return nil, nil
	}

	var should []*qdrant.Condition
	for _, field := range order {
		for _, v := range values[field] {
			should = append(should, qdrant.NewMatch(field, v))
		}
	}
	return &qdrant.Filter{Should: should}, nil
}

func toHit(p *qdrant.ScoredPoint) vector.Hit {
	pl := p.GetPayload()
	return vector.Hit{
		ChunkID: pointID(p.GetId()),
		WikiID:  stringValue(pl[vector.FieldWikiID]),
		FileID:  stringValue(pl[vector.FieldFileID]),
		Text:    stringValue(pl[payloadText]),
		Index:   int(intValue(pl[payloadChunkIndex])),
		Score:   p.GetScore(),
	}
}

func pointID(id *qdrant.PointId) string {
	if id == nil {
		return ""
	}
	if u := id.GetUuid(); u != "" {
		return u
	}
	return fmt.Sprintf("%d", id.GetNum())
}

func stringValue(v *qdrant.Value) string {
	if v == nil {
		return ""
	}
	return v.GetStringValue()
}

func intValue(v *qdrant.Value) int64 {
	if v == nil {
		return 0
	}
	if n := v.GetIntegerValue(); n != 0 {
		return n
	}
	return int64(v.GetDoubleValue())
}
