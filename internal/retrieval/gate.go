package retrieval

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/chatwiki/backend/internal/metrics"
	"github.com/chatwiki/backend/internal/storage/models"
	"github.com/chatwiki/backend/pkg/logger"
)

const (
	TagWikiID = "wikiId"
	TagFileID = "fileId"

	DefaultCollection = "wiki"
	DefaultLimit      = 3
)

type TagFilter struct {
	Tag   string
	Value string
}

// SearchRequest asks for at most Limit matches scoring at least MinRelevance.
// A match passes when any of Filters matches (OR).
type SearchRequest struct {
	Query        string
	Collection   string
	Filters      []TagFilter
	Limit        int
	MinRelevance float64
}

type Searcher interface {
	Search(ctx context.Context, req SearchRequest) ([]models.RetrievalMatch, error)
}

type Kind int

const (
	Skipped Kind = iota
	Empty
	Found
)

func (k Kind) String() string {
	switch k {
	case Skipped:
		return "skipped"
	case Empty:
		return "empty"
	case Found:
		return "found"
	}
	return "unknown"
}

type Outcome struct {
	Kind          Kind
	ContextText   string
	SourceFileIDs []string
	Matches       int
}

type Gate struct {
	searcher   Searcher
	collection string
	limit      int
}

func NewGate(searcher Searcher, collection string, limit int) *Gate {
	if collection == "" {
		collection = DefaultCollection
	}
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Gate{searcher: searcher, collection: collection, limit: limit}
}

func (g *Gate) Limit() int { return g.limit }

// Retrieve searches the knowledge bases for query. No knowledge bases means no
// search at all. A limit <= 0 uses the gate's default.
func (g *Gate) Retrieve(ctx context.Context, query string, knowledgeBaseIDs []string, relevanceThreshold float64, limit int) (Outcome, error) {
	if len(knowledgeBaseIDs) == 0 {
		metrics.RetrievalOutcomes.WithLabelValues(Skipped.String()).Inc()
		return Outcome{Kind: Skipped}, nil
	}
	if limit <= 0 {
		limit = g.limit
	}

	filters := make([]TagFilter, 0, len(knowledgeBaseIDs))
	for _, id := range knowledgeBaseIDs {
		filters = append(filters, TagFilter{Tag: TagWikiID, Value: id})
	}

	matches, err := g.searcher.Search(ctx, SearchRequest{
		Query:        query,
		Collection:   g.collection,
		Filters:      filters,
		Limit:        limit,
		MinRelevance: relevanceThreshold,
	})
	if err != nil {
		metrics.RetrievalOutcomes.WithLabelValues("error").Inc()
		return Outcome{}, fmt.Errorf("knowledge base search: %w", err)
	}
	if len(matches) > limit {
		matches = matches[:limit]
	}

	metrics.RetrievalMatches.Observe(float64(len(matches)))
	if len(matches) == 0 {
		metrics.RetrievalOutcomes.WithLabelValues(Empty.String()).Inc()
		logger.Debug("Retrieval found nothing", zap.Strings("wiki_ids", knowledgeBaseIDs))
		return Outcome{Kind: Empty}, nil
	}

	out := Outcome{Kind: Found, Matches: len(matches)}
	out.ContextText, out.SourceFileIDs = assemble(matches)

	metrics.RetrievalOutcomes.WithLabelValues(Found.String()).Inc()
	logger.Debug("Retrieval found context",
		zap.Int("matches", len(matches)),
		zap.Strings("file_ids", out.SourceFileIDs),
	)
	return out, nil
}

func assemble(matches []models.RetrievalMatch) (string, []string) {
	var texts []string
	var fileIDs []string
	seen := make(map[string]struct{})

	for _, m := range matches {
		fileID := ""
		for _, p := range m.Partitions {
			texts = append(texts, p.Text)
			if fileID == "" {
				fileID = p.FirstTag(TagFileID)
			}
		}
		if fileID == "" {
			continue
		}
		if _, dup := seen[fileID]; dup {
			continue
		}
		seen[fileID] = struct{}{}
		fileIDs = append(fileIDs, fileID)
	}

	return strings.Join(texts, "\n"), fileIDs
}
