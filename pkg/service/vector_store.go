package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/choraleia/concierge/pkg/db"
	"github.com/choraleia/concierge/pkg/utils"
	"github.com/cloudwego/eino/components/embedding"
	chromem "github.com/philippgille/chromem-go"
)

var ErrVectorStoreDisabled = errors.New("vector store is disabled")

// Chunk metadata keys stored alongside each vector.
const (
	metaVisibility = "visibility"
	metaCustomerID = "customer_id"
	metaSourceType = "source_type"
	metaSourceID   = "source_id"

	visibilityShared  = "shared"
	visibilityPrivate = "private"
)

// VectorStoreConfig holds configuration for the chromem-go index
type VectorStoreConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"` // empty keeps vectors in memory
}

func DefaultVectorStoreConfig() *VectorStoreConfig {
	return &VectorStoreConfig{Enabled: true}
}

// VectorStore keeps one chromem collection per tenant.
type VectorStore struct {
	config   *VectorStoreConfig
	logger   *slog.Logger
	vectorDB *chromem.DB
	embed    chromem.EmbeddingFunc

	collections sync.Map // "tenant_"+tenantID -> *chromem.Collection
}

// NewVectorStore opens the index. A nil embed function disables semantic
// search; callers then fall back to keyword matching.
func NewVectorStore(config *VectorStoreConfig, embed chromem.EmbeddingFunc) (*VectorStore, error) {
	if config == nil {
		config = DefaultVectorStoreConfig()
	}
	v := &VectorStore{
		config: config,
		logger: utils.GetLogger(),
		embed:  embed,
	}
	if !config.Enabled {
		return v, nil
	}

	var err error
	if config.Path != "" {
		if err := os.MkdirAll(config.Path, 0755); err != nil {
			return nil, fmt.Errorf("failed to create vector store directory: %w", err)
		}
		v.vectorDB, err = chromem.NewPersistentDB(config.Path, false)
	} else {
		v.vectorDB = chromem.NewDB()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create vector DB: %w", err)
	}
	v.logger.Info("Vector store initialized", "path", config.Path, "semantic", embed != nil)
	return v, nil
}

// Enabled reports whether vectors can be written and queried.
func (v *VectorStore) Enabled() bool {
	return v != nil && v.vectorDB != nil && v.embed != nil
}

// Embed computes the embedding of text.
func (v *VectorStore) Embed(ctx context.Context, text string) ([]float32, error) {
	if !v.Enabled() {
		return nil, ErrVectorStoreDisabled
	}
	return v.embed(ctx, text)
}

func (v *VectorStore) collection(tenantID string) (*chromem.Collection, error) {
	name := "tenant_" + tenantID
	if col, ok := v.collections.Load(name); ok {
		return col.(*chromem.Collection), nil
	}
	if col := v.vectorDB.GetCollection(name, v.embed); col != nil {
		v.collections.Store(name, col)
		return col, nil
	}
	col, err := v.vectorDB.CreateCollection(name, nil, v.embed)
	if err != nil {
		return nil, err
	}
	actual, _ := v.collections.LoadOrStore(name, col)
	return actual.(*chromem.Collection), nil
}

// Upsert writes chunks that carry an embedding. Chunks keep their row id as
// document id, so re-adding overwrites in place.
func (v *VectorStore) Upsert(ctx context.Context, tenantID string, chunks []db.KnowledgeChunk) error {
	if !v.Enabled() {
		return ErrVectorStoreDisabled
	}
	col, err := v.collection(tenantID)
	if err != nil {
		return fmt.Errorf("failed to get collection: %w", err)
	}
	for i := range chunks {
		c := &chunks[i]
		if len(c.Embedding) == 0 {
			continue
		}
		if err := col.AddDocument(ctx, chromem.Document{
			ID:        c.ID,
			Content:   c.Content,
			Metadata:  chunkMetadata(c),
			Embedding: []float32(c.Embedding),
		}); err != nil {
			return fmt.Errorf("failed to add chunk %s: %w", c.ID, err)
		}
	}
	return nil
}

func chunkMetadata(c *db.KnowledgeChunk) map[string]string {
	meta := map[string]string{
		metaSourceType: c.SourceType,
		metaSourceID:   c.SourceID,
		metaVisibility: visibilityShared,
	}
	if !c.Shared() {
		meta[metaVisibility] = visibilityPrivate
		meta[metaCustomerID] = c.CustomerID
	}
	return meta
}

func (v *VectorStore) Delete(ctx context.Context, tenantID string, ids ...string) error {
	if !v.Enabled() || len(ids) == 0 {
		return nil
	}
	col, err := v.collection(tenantID)
	if err != nil {
		return fmt.Errorf("failed to get collection: %w", err)
	}
	return col.Delete(ctx, nil, nil, ids...)
}

// VectorHit is one similarity match.
type VectorHit struct {
	ChunkID    string
	Similarity float32
}

// Search returns up to n chunks of tenantID matching where, most similar first.
func (v *VectorStore) Search(ctx context.Context, tenantID string, query []float32, where map[string]string, n int) ([]VectorHit, error) {
	if !v.Enabled() {
		return nil, ErrVectorStoreDisabled
	}
	col, err := v.collection(tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to get collection: %w", err)
	}
	count := col.Count()
	if count == 0 || n <= 0 {
		return nil, nil
	}
	if n > count {
		n = count
	}
	results, err := col.QueryEmbedding(ctx, query, n, where, nil)
	if err != nil {
		return nil, fmt.Errorf("vector search failed: %w", err)
	}
	hits := make([]VectorHit, len(results))
	for i, r := range results {
		hits[i] = VectorHit{ChunkID: r.ID, Similarity: r.Similarity}
	}
	return hits, nil
}

// EmbeddingFuncFromEmbedder wraps an eino Embedder as chromem.EmbeddingFunc.
func EmbeddingFuncFromEmbedder(embedder embedding.Embedder) chromem.EmbeddingFunc {
	if embedder == nil {
		return nil
	}
	return func(ctx context.Context, text string) ([]float32, error) {
		embeddings, err := embedder.EmbedStrings(ctx, []string{text})
		if err != nil {
			return nil, err
		}
		if len(embeddings) == 0 {
			return nil, fmt.Errorf("no embeddings returned")
		}
		result := make([]float32, len(embeddings[0]))
		for i, val := range embeddings[0] {
			result[i] = float32(val)
		}
		return result, nil
	}
}
