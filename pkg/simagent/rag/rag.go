// Package rag implements the embedded vector index backing an agent's
// auto-RAG context retrieval (Agent.ProcessDeps.Retriever), retrieving
// the top-K document chunks by cosine similarity against the agent's
// recent memory as a query vector.
package rag

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"sync"

	"github.com/philippgille/chromem-go"

	"github.com/zjucss/simsocius/pkg/simagent"
	"github.com/zjucss/simsocius/pkg/simevent"
)

// Embedder turns text into a vector. Callers supply a real embedding
// client (openai, etc.); tests use a deterministic stub.
type Embedder func(ctx context.Context, text string) ([]float32, error)

// Index is a per-agent embedded vector store over an agent's Documents,
// one chromem collection per agent name. Every Simulator snapshot whose
// Retriever comes from the same Index (a cloned Simulator keeps its
// Retriever) reads the same collections.
type Index struct {
	db *chromem.DB
	embed Embedder
	mu sync.RWMutex
	colls map[string]*chromem.Collection
	topK int
}

// New builds an in-memory Index. It is never persisted: Ingest fills it
// from Agent.Documents, and Simulator.Deserialize does not rebuild it.
func New(embed Embedder, topK int) *Index {
	if topK <= 0 {
		topK = 3
	}
	return &Index{
		db: chromem.NewDB(),
		embed: embed,
		colls: map[string]*chromem.Collection{},
		topK: topK,
	}
}

func (idx *Index) collection(agentName string) (*chromem.Collection, error) {
	idx.mu.RLock()
	if c, ok := idx.colls[agentName]; ok {
		idx.mu.RUnlock()
		return c, nil
	}
	idx.mu.RUnlock()

	idx.mu.Lock()
	defer idx.mu.Unlock()
	if c, ok := idx.colls[agentName]; ok {
		return c, nil
	}

	identityEmbed := func(ctx context.Context, text string) ([]float32, error) {
		return nil, fmt.Errorf("rag: embedding function invoked, vectors must be pre-computed")
	}
	col, err := idx.db.GetOrCreateCollection(agentName, nil, chromem.EmbeddingFunc(identityEmbed))
	if err != nil {
		return nil, fmt.Errorf("rag: create collection %q: %w", agentName, err)
	}
	idx.colls[agentName] = col
	return col, nil
}

// Ingest loads an agent's documents into its collection, re-using
// embeddings already computed on the DocumentChunk (the common case
// after deserialization) and calling the Embedder only for chunks that
// arrived without one.
func (idx *Index) Ingest(ctx context.Context, agentName string, documents map[string]simagent.Document) error {
	col, err := idx.collection(agentName)
	if err != nil {
		return err
	}

	var docs []chromem.Document
	for docID, doc := range documents {
		for _, chunk := range doc.Chunks {
			vec := chunk.Embedding
			if len(vec) == 0 {
				if idx.embed == nil {
					continue
				}
				vec, err = idx.embed(ctx, chunk.Text)
				if err != nil {
					return fmt.Errorf("rag: embed chunk %q: %w", chunk.ChunkID, err)
				}
			}
			docs = append(docs, chromem.Document{
					ID: docID + ":" + chunk.ChunkID,
					Content: chunk.Text,
					Metadata: map[string]string{"doc_id": docID, "chunk_id": chunk.ChunkID},
					Embedding: vec,
			})
		}
	}
	if len(docs) == 0 {
		return nil
	}
	if err := col.AddDocuments(ctx, docs, runtime.NumCPU()); err != nil {
		return fmt.Errorf("rag: ingest agent %q: %w", agentName, err)
	}
	return nil
}

// Retrieve returns the top-K chunks most similar to query, formatted as
// a single block suitable for injection into the system prompt
// (matching the shape Agent.systemPrompt expects from deps.Retriever).
func (idx *Index) Retrieve(ctx context.Context, agentName, query string) (string, error) {
	if idx.embed == nil || strings.TrimSpace(query) == "" {
		return "", nil
	}
	col, err := idx.collection(agentName)
	if err != nil {
		return "", err
	}
	if col.Count() == 0 {
		return "", nil
	}

	vec, err := idx.embed(ctx, query)
	if err != nil {
		return "", fmt.Errorf("rag: embed query: %w", err)
	}

	k := idx.topK
	if col.Count() < k {
		k = col.Count()
	}
	results, err := col.QueryEmbedding(ctx, vec, k, nil, nil)
	if err != nil {
		return "", fmt.Errorf("rag: query: %w", err)
	}

	var sb strings.Builder
	for i, r := range results {
		if i > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(r.Content)
	}
	return sb.String(), nil
}

// Retriever adapts Index.Retrieve into the Retriever shape Agent.ProcessDeps
// expects (query text derived from recent chat memory, agent name fixed
// by closure at Retriever-construction time).
func (idx *Index) Retriever(agentName string) func(ctx context.Context, recent []simevent.ChatMessage) string {
	return func(ctx context.Context, recent []simevent.ChatMessage) string {
		query := summarizeRecent(recent)
		out, err := idx.Retrieve(ctx, agentName, query)
		if err != nil {
			return ""
		}
		return out
	}
}

func summarizeRecent(recent []simevent.ChatMessage) string {
	var sb strings.Builder
	for _, m := range recent {
		if sb.Len() > 0 {
			sb.WriteString(" ")
		}
		sb.WriteString(m.Content)
	}
	return sb.String()
}
