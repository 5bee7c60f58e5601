package rag

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zjucss/simsocius/pkg/simagent"
	"github.com/zjucss/simsocius/pkg/simevent"
)

func fakeEmbedder(text string) []float32 {
	// deterministic 2-dim embedding: presence of "cat" vs "dog" as axes.
	v := make([]float32, 2)
	if containsWord(text, "cat") {
		v[0] = 1
	}
	if containsWord(text, "dog") {
		v[1] = 1
	}
	return v
}

func containsWord(s, word string) bool {
	for i := 0; i+len(word) <= len(s); i++ {
		if s[i:i+len(word)] == word {
			return true
		}
	}
	return false
}

func TestIndex_IngestAndRetrieve(t *testing.T) {
	embed := func(ctx context.Context, text string) ([]float32, error) {
		return fakeEmbedder(text), nil
	}
	idx := New(embed, 1)

	docs := map[string]simagent.Document{
		"doc-1": {Chunks: []simagent.DocumentChunk{
				{ChunkID: "c1", Text: "cats are independent"},
				{ChunkID: "c2", Text: "dogs are loyal"},
		}},
	}

	require.NoError(t, idx.Ingest(context.Background(), "alice", docs))

	out, err := idx.Retrieve(context.Background(), "alice", "tell me about cat behavior")
	require.NoError(t, err)
	assert.Contains(t, out, "cats")
}

func TestIndex_RetrieveEmptyWithoutEmbedder(t *testing.T) {
	idx := New(nil, 3)
	out, err := idx.Retrieve(context.Background(), "bob", "anything")
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestIndex_RetrieverAdapter(t *testing.T) {
	embed := func(ctx context.Context, text string) ([]float32, error) {
		return fakeEmbedder(text), nil
	}
	idx := New(embed, 1)
	docs := map[string]simagent.Document{
		"doc-1": {Chunks: []simagent.DocumentChunk{{ChunkID: "c1", Text: "dogs love walks"}}},
	}
	require.NoError(t, idx.Ingest(context.Background(), "carol", docs))

	retriever := idx.Retriever("carol")
	out := retriever(context.Background(), []simevent.ChatMessage{{Role: simevent.RoleUser, Content: "my dog needs a walk"}})
	assert.Contains(t, out, "dogs")
}
