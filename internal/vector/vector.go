package vector

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/chatwiki/backend/internal/retrieval"
	"github.com/chatwiki/backend/internal/storage/models"
	"github.com/chatwiki/backend/pkg/logger"
)

// Chunk is one embedded partition of a wiki file.
type Chunk struct {
	ID        string
	WikiID    string
	FileID    string
	Index     int
	Text      string
	Embedding []float32
	CreatedAt time.Time
}

// Hit is one chunk returned by an index query.
type Hit struct {
	ChunkID string
	WikiID  string
	FileID  string
	Index   int
	Text    string
	Score   float32
}

// Query is what an Index needs to answer a search: the filters are OR-ed.
type Query struct {
	Collection string
	Embedding  []float32
	Filters    []retrieval.TagFilter
	Limit      int
	MinScore   float32
}

type Index interface {
	EnsureCollection(ctx context.Context, collection string, dim int) error
	Upsert(ctx context.Context, collection string, chunks []Chunk) error
	DeleteFile(ctx context.Context, collection, fileID string) error
	Query(ctx context.Context, q Query) ([]Hit, error)
	Close() error
}

type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// chunksPerMatch bounds how many chunks are fetched for each requested match.
const chunksPerMatch = 4

// Searcher answers knowledge base searches by embedding the query and
// grouping the chunk hits of one file into a single match.
type Searcher struct {
	embedder Embedder
	index    Index
}

func NewSearcher(embedder Embedder, index Index) *Searcher {
	return &Searcher{embedder: embedder, index: index}
}

func (s *Searcher) Search(ctx context.Context, req retrieval.SearchRequest) ([]models.RetrievalMatch, error) {
	if req.Limit <= 0 {
		return nil, nil
	}

	emb, err := s.embedder.Embed(ctx, req.Query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	hits, err := s.index.Query(ctx, Query{
		Collection: req.Collection,
		Embedding:  emb,
		Filters:    req.Filters,
		Limit:      req.Limit * chunksPerMatch,
		MinScore:   float32(req.MinRelevance),
	})
	if err != nil {
		return nil, fmt.Errorf("query index: %w", err)
	}

	matches := GroupHits(hits, req.MinRelevance, req.Limit)
	logger.Debug("Vector search completed",
		zap.String("collection", req.Collection),
		zap.Int("hits", len(hits)),
		zap.Int("matches", len(matches)),
	)
	return matches, nil
}

// GroupHits folds hits (best first) into at most limit matches, one per file.
// Hits below minScore are dropped. A match's relevance is its best hit and
// its partitions keep hit order.
func GroupHits(hits []Hit, minScore float64, limit int) []models.RetrievalMatch {
	var matches []models.RetrievalMatch
	byFile := make(map[string]int)

	for _, h := range hits {
		if float64(h.Score) < minScore {
			continue
		}

		p := models.Partition{Text: h.Text, Tags: Tags(h.WikiID, h.FileID)}

		if h.FileID != "" {
			if i, ok := byFile[h.FileID]; ok {
				matches[i].Partitions = append(matches[i].Partitions, p)
				continue
			}
		}
		if len(matches) >= limit {
			continue
		}
		if h.FileID != "" {
			byFile[h.FileID] = len(matches)
		}
		matches = append(matches, models.RetrievalMatch{
			Partitions: []models.Partition{p},
			Relevance:  float64(h.Score),
		})
	}
	return matches
}

// Payload field names of the tags chunks are filtered on.
const (
	FieldWikiID = "wiki_id"
	FieldFileID = "file_id"
)

var tagFields = map[string]string{
	retrieval.TagWikiID: FieldWikiID,
	retrieval.TagFileID: FieldFileID,
}

// FilterFields groups filter values by payload field, keeping first-seen
// order of both fields and values.
func FilterFields(filters []retrieval.TagFilter) ([]string, map[string][]string, error) {
	var order []string
	values := make(map[string][]string)
	for _, f := range filters {
		field, ok := tagFields[f.Tag]
		if !ok {
			return nil, nil, fmt.Errorf("unsupported filter tag %q", f.Tag)
		}
		if _, seen := values[field]; !seen {
			order = append(order, field)
		}
		values[field] = append(values[field], f.Value)
	}
	return order, values, nil
}

func Tags(wikiID, fileID string) map[string][]string {
	tags := make(map[string][]string, 2)
	if wikiID != "" {
		tags[retrieval.TagWikiID] = []string{wikiID}
	}
	if fileID != "" {
		tags[retrieval.TagFileID] = []string{fileID}
	}
	return tags
}
