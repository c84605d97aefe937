package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/choraleia/concierge/pkg/db"
	"github.com/choraleia/concierge/pkg/event"
	"github.com/choraleia/concierge/pkg/utils"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

var (
	ErrInvalidSourceType = errors.New("invalid knowledge source type")
	ErrInvalidDocument   = errors.New("knowledge document requires tenant_id and source_id")
)

// IndexResult summarizes one upsert.
type IndexResult struct {
	Chunks   int `json:"chunks"`
	Embedded int `json:"embedded"`
	Removed  int `json:"removed"`
}

// KnowledgeIndexer turns source documents into chunks, computes their
// embeddings and keeps the gorm rows and the vector index in step.
type KnowledgeIndexer struct {
	db      *gorm.DB
	vectors *VectorStore
	chunker *ChunkerConfig
	emitter *event.Emitter
	logger  *slog.Logger
}

func NewKnowledgeIndexer(database *gorm.DB, vectors *VectorStore, chunker *ChunkerConfig) *KnowledgeIndexer {
	if chunker == nil {
		chunker = DefaultChunkerConfig()
	}
	return &KnowledgeIndexer{
		db:      database,
		vectors: vectors,
		chunker: chunker,
		emitter: event.Global(),
		logger:  utils.GetLogger(),
	}
}

// Upsert indexes doc. Existing chunks of the same source are overwritten in
// place and chunks beyond the new chunk count are removed. An embedding
// failure is not fatal: the chunk is stored without a vector and stays
// reachable through keyword search.
func (s *KnowledgeIndexer) Upsert(ctx context.Context, doc KnowledgeDocument) (*IndexResult, error) {
	if !db.ValidSourceType(doc.SourceType) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidSourceType, doc.SourceType)
	}
	if doc.TenantID == "" || doc.SourceID == "" {
		return nil, ErrInvalidDocument
	}
	if doc.UpdatedAt.IsZero() {
		doc.UpdatedAt = time.Now()
	}

	texts := splitChunks(doc.Content, s.chunker)

	var existing []db.KnowledgeChunk
	if err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND source_type = ? AND source_id = ?", doc.TenantID, doc.SourceType, doc.SourceID).
		Order("chunk_index ASC").Find(&existing).Error; err != nil {
		return nil, fmt.Errorf("failed to load existing chunks: %w", err)
	}
	byIndex := make(map[int]db.KnowledgeChunk, len(existing))
	for _, c := range existing {
		byIndex[c.ChunkIndex] = c
	}

	result := &IndexResult{Chunks: len(texts)}
	chunks := make([]db.KnowledgeChunk, len(texts))
	for i, text := range texts {
		hash := contentHash(doc.Title, text)
		c, ok := byIndex[i]
		if !ok {
			c = db.KnowledgeChunk{
				ID:         uuid.New().String(),
				TenantID:   doc.TenantID,
				SourceType: doc.SourceType,
				SourceID:   doc.SourceID,
				ChunkIndex: i,
			}
		}
		// Unchanged content keeps its stored embedding.
		if c.ContentHash != hash || len(c.Embedding) == 0 {
			c.Embedding = nil
		}
		c.CustomerID = doc.CustomerID
		c.Title = doc.Title
		c.Content = text
		c.ContentHash = hash
		c.SourceUpdatedAt = doc.UpdatedAt
		chunks[i] = c
	}

	if s.vectors.Enabled() {
		for i := range chunks {
			if len(chunks[i].Embedding) > 0 {
				continue
			}
			vec, err := s.vectors.Embed(ctx, embeddingText(&chunks[i]))
			if err != nil {
				s.logger.Warn("Failed to embed chunk, keeping it keyword-only",
					"sourceType", doc.SourceType, "sourceID", doc.SourceID, "chunk", i, "error", err)
				continue
			}
			chunks[i].Embedding = vec
			result.Embedded++
		}
	}

	var stale []string
	for _, c := range existing {
		if c.ChunkIndex >= len(chunks) {
			stale = append(stale, c.ID)
		}
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i := range chunks {
			if err := tx.Save(&chunks[i]).Error; err != nil {
				return err
			}
		}
		if len(stale) > 0 {
			if err := tx.Where("id IN ?", stale).Delete(&db.KnowledgeChunk{}).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to store chunks: %w", err)
	}
	result.Removed = len(stale)

	if s.vectors.Enabled() {
		if err := s.vectors.Upsert(ctx, doc.TenantID, chunks); err != nil {
			s.logger.Warn("Failed to update vector index, chunks left for re-embedding", "sourceID", doc.SourceID, "error", err)
			s.clearEmbeddings(ctx, chunks)
			result.Embedded = 0
		}
		var unembedded []string
		for _, c := range chunks {
			if len(c.Embedding) == 0 {
				unembedded = append(unembedded, c.ID)
			}
		}
		if err := s.vectors.Delete(ctx, doc.TenantID, append(stale, unembedded...)...); err != nil {
			s.logger.Warn("Failed to remove stale vectors", "sourceID", doc.SourceID, "error", err)
		}
	}

	s.emitter.Emit(event.KnowledgeIndexedEvent{
		TenantID:   doc.TenantID,
		SourceType: doc.SourceType,
		SourceID:   doc.SourceID,
		Chunks:     len(chunks),
	})
	knowledgeChunksIndexed.WithLabelValues(doc.SourceType).Add(float64(len(chunks)))

	s.logger.Debug("Knowledge source indexed",
		"tenantID", doc.TenantID,
		"sourceType", doc.SourceType,
		"sourceID", doc.SourceID,
		"chunks", result.Chunks,
		"embedded", result.Embedded,
		"removed", result.Removed)
	return result, nil
}

// Remove deletes every chunk of a source.
func (s *KnowledgeIndexer) Remove(ctx context.Context, tenantID, sourceType, sourceID string) (int, error) {
	if !db.ValidSourceType(sourceType) {
		return 0, fmt.Errorf("%w: %q", ErrInvalidSourceType, sourceType)
	}
	var ids []string
	if err := s.db.WithContext(ctx).Model(&db.KnowledgeChunk{}).
		Where("tenant_id = ? AND source_type = ? AND source_id = ?", tenantID, sourceType, sourceID).
		Pluck("id", &ids).Error; err != nil {
		return 0, fmt.Errorf("failed to find chunks: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	if err := s.db.WithContext(ctx).Where("id IN ?", ids).Delete(&db.KnowledgeChunk{}).Error; err != nil {
		return 0, fmt.Errorf("failed to delete chunks: %w", err)
	}
	if s.vectors.Enabled() {
		if err := s.vectors.Delete(ctx, tenantID, ids...); err != nil {
			s.logger.Warn("Failed to remove vectors", "sourceID", sourceID, "error", err)
		}
	}
	return len(ids), nil
}

// IndexSource upserts every document of src and returns how many succeeded.
// Individual failures are logged and do not stop the run.
func (s *KnowledgeIndexer) IndexSource(ctx context.Context, src KnowledgeSource) (int, error) {
	docs, err := src.Documents(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to read source %s: %w", src.Name(), err)
	}
	indexed := 0
	for _, doc := range docs {
		if err := ctx.Err(); err != nil {
			return indexed, err
		}
		if _, err := s.Upsert(ctx, doc); err != nil {
			s.logger.Warn("Failed to index document", "source", src.Name(), "sourceID", doc.SourceID, "error", err)
			continue
		}
		indexed++
	}
	s.logger.Info("Knowledge source indexed", "source", src.Name(), "documents", len(docs), "indexed", indexed)
	return indexed, nil
}

// clearEmbeddings drops stored vectors that did not reach the index, so
// ReindexEmbeddings picks the chunks up again.
func (s *KnowledgeIndexer) clearEmbeddings(ctx context.Context, chunks []db.KnowledgeChunk) {
	ids := make([]string, 0, len(chunks))
	for i := range chunks {
		if len(chunks[i].Embedding) > 0 {
			ids = append(ids, chunks[i].ID)
			chunks[i].Embedding = nil
		}
	}
	if len(ids) == 0 {
		return
	}
	if err := s.db.WithContext(ctx).Model(&db.KnowledgeChunk{}).Where("id IN ?", ids).
		UpdateColumn("embedding", nil).Error; err != nil {
		s.logger.Warn("Failed to clear embeddings", "chunks", len(ids), "error", err)
	}
}

// SyncVectors loads every stored embedding into the vector index. Chunks
// indexed by another process, or lost with an in-memory index at restart,
// become searchable by similarity again.
func (s *KnowledgeIndexer) SyncVectors(ctx context.Context) (int, error) {
	if !s.vectors.Enabled() {
		return 0, nil
	}
	synced := 0
	var batch []db.KnowledgeChunk
	err := s.db.WithContext(ctx).Where("embedding IS NOT NULL").
		FindInBatches(&batch, 200, func(tx *gorm.DB, _ int) error {
			byTenant := make(map[string][]db.KnowledgeChunk)
			for _, c := range batch {
				byTenant[c.TenantID] = append(byTenant[c.TenantID], c)
			}
			for tenantID, chunks := range byTenant {
				if err := s.vectors.Upsert(ctx, tenantID, chunks); err != nil {
					return err
				}
				synced += len(chunks)
			}
			return nil
		}).Error
	if err != nil {
		return synced, fmt.Errorf("failed to sync vector index: %w", err)
	}
	s.logger.Info("Vector index synced", "chunks", synced)
	return synced, nil
}

// ReindexEmbeddings embeds chunks stored without a vector, for example after
// the embedding provider was unreachable during indexing. The oldest pending
// chunks go first; a chunk that fails again moves to the back of the queue.
func (s *KnowledgeIndexer) ReindexEmbeddings(ctx context.Context, limit int) (int, error) {
	if !s.vectors.Enabled() {
		return 0, ErrVectorStoreDisabled
	}
	if limit <= 0 {
		limit = 500
	}
	var pending []db.KnowledgeChunk
	if err := s.db.WithContext(ctx).Where("embedding IS NULL").
		Order("updated_at ASC").Order("id ASC").Limit(limit).Find(&pending).Error; err != nil {
		return 0, fmt.Errorf("failed to list unembedded chunks: %w", err)
	}
	done := 0
	for i := range pending {
		c := &pending[i]
		vec, err := s.vectors.Embed(ctx, embeddingText(c))
		if err != nil {
			s.logger.Warn("Failed to embed chunk", "chunkID", c.ID, "error", err)
			if err := s.db.WithContext(ctx).Model(c).UpdateColumn("updated_at", time.Now()).Error; err != nil {
				return done, fmt.Errorf("failed to requeue chunk: %w", err)
			}
			continue
		}
		c.Embedding = vec
		if err := s.db.WithContext(ctx).Model(c).Update("embedding", c.Embedding).Error; err != nil {
			return done, fmt.Errorf("failed to store embedding: %w", err)
		}
		if err := s.vectors.Upsert(ctx, c.TenantID, []db.KnowledgeChunk{*c}); err != nil {
			s.clearEmbeddings(ctx, pending[i:i+1])
			return done, err
		}
		done++
	}
	return done, nil
}

func embeddingText(c *db.KnowledgeChunk) string {
	if c.Title == "" || strings.HasPrefix(c.Content, c.Title) {
		return c.Content
	}
	return c.Title + "\n\n" + c.Content
}
