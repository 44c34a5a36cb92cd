package vector

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	rediscache "github.com/chatwiki/backend/internal/cache/redis"
	"github.com/chatwiki/backend/internal/retrieval"
)

type fakeEmbedder struct {
	mu    sync.Mutex
	calls [][]string
	err   error
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	out, err := f.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

func (f *fakeEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, append([]string(nil), texts...))
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = []float32{float32(len(t)), 1}
	}
	return out, nil
}

type fakeIndex struct {
	hits []Hit
	got  Query
}

func (f *fakeIndex) EnsureCollection(context.Context, string, int) error { return nil }
func (f *fakeIndex) Upsert(context.Context, string, []Chunk) error         { return nil }
func (f *fakeIndex) DeleteFile(context.Context, string, string) error      { return nil }
func (f *fakeIndex) Close() error                                          { return nil }

func (f *fakeIndex) Query(_ context.Context, q Query) ([]Hit, error) {
	f.got = q
	return f.hits, nil
}

func TestGroupHits_OneMatchPerFile(t *testing.T) {
	hits := []Hit{
		{FileID: "f1", WikiID: "w", Text: "a", Score: 0.9},
		{FileID: "f2", WikiID: "w", Text: "b", Score: 0.8},
		{FileID: "f1", WikiID: "w", Text: "c", Score: 0.7},
		{FileID: "f3", WikiID: "w", Text: "d", Score: 0.6},
		{FileID: "f4", WikiID: "w", Text: "e", Score: 0.2},
	}

	matches := GroupHits(hits, 0.5, 2)
	require.Len(t, matches, 2)

	assert.InDelta(t, 0.9, matches[0].Relevance, 1e-6)
	require.Len(t, matches[0].Partitions, 2)
	assert.Equal(t, "a", matches[0].Partitions[0].Text)
	assert.Equal(t, "c", matches[0].Partitions[1].Text)
	assert.Equal(t, "f1", matches[0].Partitions[0].FirstTag(retrieval.TagFileID))

	assert.Equal(t, "b", matches[1].Partitions[0].Text)
}

func TestGroupHits_BelowThresholdDropped(t *testing.T) {
	matches := GroupHits([]Hit{{FileID: "f1", Score: 0.3}}, 0.5, 3)
	assert.Empty(t, matches)
}

func TestGroupHits_HitsWithoutFileStandAlone(t *testing.T) {
	matches := GroupHits([]Hit{{Text: "x", Score: 0.9}, {Text: "y", Score: 0.8}}, 0, 3)
	require.Len(t, matches, 2)
	assert.Empty(t, matches[0].Partitions[0].FirstTag(retrieval.TagFileID))
}

func TestFilterFields(t *testing.T) {
	order, values, err := FilterFields([]retrieval.TagFilter{
		{Tag: retrieval.TagWikiID, Value: "w1"},
		{Tag: retrieval.TagFileID, Value: "f1"},
		{Tag: retrieval.TagWikiID, Value: "w2"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{FieldWikiID, FieldFileID}, order)
	assert.Equal(t, []string{"w1", "w2"}, values[FieldWikiID])
	assert.Equal(t, []string{"f1"}, values[FieldFileID])

	_, _, err = FilterFields([]retrieval.TagFilter{{Tag: "owner", Value: "x"}})
	assert.Error(t, err)
}

func TestSearcher_EmbedsAndGroups(t *testing.T) {
	idx := &fakeIndex{hits: []Hit{
		{FileID: "f1", WikiID: "w1", Text: "Paris is the capital of France.", Score: 0.92},
		{FileID: "f1", WikiID: "w1", Text: "It lies on the Seine.", Score: 0.81},
	}}
	s := NewSearcher(&fakeEmbedder{}, idx)

	req := retrieval.SearchRequest{
		Query:        "capital of France",
		Collection:   "wiki",
		Filters:      []retrieval.TagFilter{{Tag: retrieval.TagWikiID, Value: "w1"}},
		Limit:        3,
		MinRelevance: 0.5,
	}
	matches, err := s.Search(context.Background(), req)
	require.NoError(t, err)

	require.Len(t, matches, 1)
	assert.Len(t, matches[0].Partitions, 2)
	assert.Equal(t, 12, idx.got.Limit)
	assert.Equal(t, "wiki", idx.got.Collection)
	assert.InDelta(t, 0.5, idx.got.MinScore, 1e-6)
	assert.Equal(t, req.Filters, idx.got.Filters)
}

func TestSearcher_EmbedFailure(t *testing.T) {
	s := NewSearcher(&fakeEmbedder{err: errors.New("down")}, &fakeIndex{})
	_, err := s.Search(context.Background(), retrieval.SearchRequest{Query: "q", Limit: 1})
	assert.Error(t, err)
}

func TestCachedEmbedder_OnlyEmbedsMisses(t *testing.T) {
	mr := miniredis.RunT(t)
	cache := rediscache.Wrap(goredis.NewClient(&goredis.Options{Addr: mr.Addr()}))

	inner := &fakeEmbedder{}
	e := NewCachedEmbedder(inner, cache, "ada", time.Hour)
	ctx := context.Background()

	first, err := e.EmbedBatch(ctx, []string{"alpha", "be"})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{5, 1}, {2, 1}}, first)

	second, err := e.EmbedBatch(ctx, []string{"be", "gamma"})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{2, 1}, {5, 1}}, second)

	require.Len(t, inner.calls, 2)
	assert.Equal(t, []string{"gamma"}, inner.calls[1])

	_, err = e.Embed(ctx, "alpha")
	require.NoError(t, err)
	assert.Len(t, inner.calls, 2)
}
