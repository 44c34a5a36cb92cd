package zilliz

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"
	"go.uber.org/zap"

	"github.com/chatwiki/backend/internal/vector"
	"github.com/chatwiki/backend/pkg/logger"
)

const (
	fieldChunkID    = "chunk_id"
	fieldEmbedding  = "embedding"
	fieldText       = "text"
	fieldChunkIndex = "chunk_index"
	fieldCreatedAt  = "created_at"
)

var outputFields = []string{fieldChunkID, fieldText, vector.FieldWikiID, vector.FieldFileID, fieldChunkIndex}

type Client struct {
	client client.Client

	mu   sync.Mutex
	dims map[string]int
}

func NewClient(ctx context.Context, endpoint, apiKey string) (*Client, error) {
	c, err := client.NewClient(ctx, client.Config{
		Address: endpoint,
		APIKey:  apiKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create milvus client: %w", err)
	}

	logger.Info("Zilliz/Milvus client initialized", zap.String("endpoint", endpoint))

	return &Client{client: c, dims: make(map[string]int)}, nil
}

func (z *Client) Close() error {
	return z.client.Close()
}

func (z *Client) EnsureCollection(ctx context.Context, collection string, dim int) error {
	has, err := z.client.HasCollection(ctx, collection)
	if err != nil {
		return fmt.Errorf("failed to check collection: %w", err)
	}

	z.mu.Lock()
	z.dims[collection] = dim
	z.mu.Unlock()

	if has {
		logger.Info("Collection already exists", zap.String("collection", collection))
		return z.client.LoadCollection(ctx, collection, false)
	}

	schema := &entity.Schema{
		CollectionName: collection,
		Description:    "wiki chunk embeddings",
		Fields: []*entity.Field{
			{
				Name:       fieldChunkID,
				DataType:   entity.FieldTypeVarChar,
				PrimaryKey: true,
				TypeParams: map[string]string{"max_length": "64"},
			},
			{
				Name:       fieldEmbedding,
				DataType:   entity.FieldTypeFloatVector,
				TypeParams: map[string]string{"dim": strconv.Itoa(dim)},
			},
			{
				Name:       fieldText,
				DataType:   entity.FieldTypeVarChar,
				TypeParams: map[string]string{"max_length": "8192"},
			},
			{
				Name:       vector.FieldWikiID,
				DataType:   entity.FieldTypeVarChar,
				TypeParams: map[string]string{"max_length": "64"},
			},
			{
				Name:       vector.FieldFileID,
				DataType:   entity.FieldTypeVarChar,
				TypeParams: map[string]string{"max_length": "64"},
			},
			{Name: fieldChunkIndex, DataType: entity.FieldTypeInt64},
			{Name: fieldCreatedAt, DataType: entity.FieldTypeInt64},
		},
	}

	if err := z.client.CreateCollection(ctx, schema, entity.DefaultShardNumber); err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}

	idx, err := entity.NewIndexHNSW(entity.COSINE, 16, 200)
	if err != nil {
		return fmt.Errorf("failed to build index params: %w", err)
	}
	if err := z.client.CreateIndex(ctx, collection, fieldEmbedding, idx, false); err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}

	if err := z.client.LoadCollection(ctx, collection, false); err != nil {
		return fmt.Errorf("failed to load collection: %w", err)
	}

	logger.Info("Collection created and loaded", zap.String("collection", collection), zap.Int("dim", dim))
	return nil
}

func (z *Client) dim(collection string, chunks []vector.Chunk) int {
	z.mu.Lock()
	defer z.mu.Unlock()
	if d, ok := z.dims[collection]; ok {
		return d
	}
	return len(chunks[0].Embedding)
}

func (z *Client) Upsert(ctx context.Context, collection string, chunks []vector.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	n := len(chunks)
	ids := make([]string, n)
	embeddings := make([][]float32, n)
	texts := make([]string, n)
	wikiIDs := make([]string, n)
	fileIDs := make([]string, n)
	indexes := make([]int64, n)
	created := make([]int64, n)

	for i, ch := range chunks {
		ids[i] = ch.ID
		embeddings[i] = ch.Embedding
		texts[i] = ch.Text
		wikiIDs[i] = ch.WikiID
		fileIDs[i] = ch.FileID
		indexes[i] = int64(ch.Index)
		created[i] = ch.CreatedAt.Unix()
	}

	_, err := z.client.Insert(ctx, collection, "",
		entity.NewColumnVarChar(fieldChunkID, ids),
		entity.NewColumnFloatVector(fieldEmbedding, z.dim(collection, chunks), embeddings),
		entity.NewColumnVarChar(fieldText, texts),
		entity.NewColumnVarChar(vector.FieldWikiID, wikiIDs),
		entity.NewColumnVarChar(vector.FieldFileID, fileIDs),
		entity.NewColumnInt64(fieldChunkIndex, indexes),
		entity.NewColumnInt64(fieldCreatedAt, created),
	)
	if err != nil {
		return fmt.Errorf("failed to insert chunks: %w", err)
	}

	if err := z.client.Flush(ctx, collection, false); err != nil {
		return fmt.Errorf("failed to flush: %w", err)
	}

	logger.Info("Chunks written to vector DB", zap.String("collection", collection), zap.Int("count", n))
	return nil
}

func (z *Client) DeleteFile(ctx context.Context, collection, fileID string) error {
	expr := fmt.Sprintf("%s == %s", vector.FieldFileID, strconv.Quote(fileID))
	if err := z.client.Delete(ctx, collection, "", expr); err != nil {
		return fmt.Errorf("failed to delete chunks of file %s: %w", fileID, err)
	}
	return nil
}

func (z *Client) Query(ctx context.Context, q vector.Query) ([]vector.Hit, error) {
	expr, err := filterExpr(q)
	if err != nil {
		return nil, err
	}

	sp, err := entity.NewIndexHNSWSearchParam(max(64, q.Limit))
	if err != nil {
		return nil, fmt.Errorf("failed to build search params: %w", err)
	}

	results, err := z.client.Search(
		ctx,
		q.Collection,
		[]string{},
		expr,
		outputFields,
		[]entity.Vector{entity.FloatVector(q.Embedding)},
		fieldEmbedding,
		entity.COSINE,
		q.Limit,
		sp,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to search: %w", err)
	}

	var hits []vector.Hit
	for _, sr := range results {
		for i := 0; i < sr.ResultCount; i++ {
			if sr.Scores[i] < q.MinScore {
				continue
			}
			hits = append(hits, vector.Hit{
				ChunkID: stringAt(sr.Fields.GetColumn(fieldChunkID), i),
				Text:    stringAt(sr.Fields.GetColumn(fieldText), i),
				WikiID:  stringAt(sr.Fields.GetColumn(vector.FieldWikiID), i),
				FileID:  stringAt(sr.Fields.GetColumn(vector.FieldFileID), i),
				Index:   int(int64At(sr.Fields.GetColumn(fieldChunkIndex), i)),
				Score:   sr.Scores[i],
			})
		}
	}

	logger.Debug("Milvus search completed",
		zap.Int("limit", q.Limit),
		zap.Int("hits", len(hits)),
		zap.String("expr", expr),
	)
	return hits, nil
}

// filterExpr renders OR-ed tag filters as a boolean expression, e.g.
// `wiki_id in ["a", "b"]`.
func filterExpr(q vector.Query) (string, error) {
	order, values, err := vector.FilterFields(q.Filters)
	if err != nil {
		return "", err
	}

	clauses := make([]string, 0, len(order))
	for _, field := range order {
		quoted := make([]string, len(values[field]))
		for i, v := range values[field] {
			quoted[i] = strconv.Quote(v)
		}
		clauses = append(clauses, fmt.Sprintf("%s in [%s]", field, strings.Join(quoted, ", ")))
	}
	return strings.Join(clauses, " || "), nil
}

func stringAt(col entity.Column, i int) string {
	if col == nil {
		return ""
	}
	v, err := col.Get(i)
	if err != nil {
		return ""
	}
	s, _ := v.(string)
	return s
}

func int64At(col entity.Column, i int) int64 {
	if col == nil {
		return 0
	}
	v, err := col.Get(i)
	if err != nil {
		return 0
	}
	n, _ := v.(int64)
	return n
}
