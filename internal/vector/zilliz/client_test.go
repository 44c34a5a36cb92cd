package zilliz

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatwiki/backend/internal/retrieval"
	"github.com/chatwiki/backend/internal/vector"
)

func TestFilterExpr(t *testing.T) {
	expr, err := filterExpr(vector.Query{Filters: []retrieval.TagFilter{
		{Tag: retrieval.TagWikiID, Value: "w1"},
		{Tag: retrieval.TagWikiID, Value: `w"2`},
		{Tag: retrieval.TagFileID, Value: "f1"},
	}})
	require.NoError(t, err)
	assert.Equal(t, `wiki_id in ["w1", "w\"2"] || file_id in ["f1"]`, expr)
}

func TestFilterExpr_Empty(t *testing.T) {
	expr, err := filterExpr(vector.Query{})
	require.NoError(t, err)
	assert.Empty(t, expr)
}

func TestFilterExpr_UnknownTag(t *testing.T) {
	_, err := filterExpr(vector.Query{Filters: []retrieval.TagFilter{{Tag: "lang", Value: "en"}}})
	assert.Error(t, err)
}
