package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return Wrap(rdb), mr
}

func TestEmbeddingCache(t *testing.T) {
	c, mr := newTestClient(t)
	ctx := context.Background()

	_, ok, err := c.GetEmbedding(ctx, "ada", "paris")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.SetEmbedding(ctx, "ada", "paris", []float32{0.1, 0.2}, time.Minute))

	got, ok, err := c.GetEmbedding(ctx, "ada", "paris")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []float32{0.1, 0.2}, got)

	_, ok, err = c.GetEmbedding(ctx, "other-model", "paris")
	require.NoError(t, err)
	assert.False(t, ok)

	mr.FastForward(2 * time.Minute)
	_, ok, err = c.GetEmbedding(ctx, "ada", "paris")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestInvalidateEmbeddings(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, c.SetEmbedding(ctx, "ada", "a", []float32{1}, 0))
	require.NoError(t, c.SetEmbedding(ctx, "ada", "b", []float32{2}, 0))
	require.NoError(t, c.SetEmbedding(ctx, "small", "a", []float32{3}, 0))

	removed, err := c.InvalidateEmbeddings(ctx, "ada")
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	_, ok, err := c.GetEmbedding(ctx, "small", "a")
	require.NoError(t, err)
	assert.True(t, ok)
}
