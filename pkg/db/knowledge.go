// Database models for the knowledge index
package db

import (
	"database/sql/driver"
	"encoding/json"
	"time"
)

// Knowledge source types
const (
	SourceTypeFAQ         = "faq"
	SourceTypeQuote       = "quote"
	SourceTypeForm        = "form"
	SourceTypePricingTier = "pricing_tier"
)

// ValidSourceType reports whether t is one of the indexed source types.
func ValidSourceType(t string) bool {
	switch t {
	case SourceTypeFAQ, SourceTypeQuote, SourceTypeForm, SourceTypePricingTier:
		return true
	}
	return false
}

// KnowledgeChunk is one normalized slice of a business source document.
// (TenantID, SourceType, SourceID, ChunkIndex) identifies a chunk; the indexer
// overwrites rows in place when the source changes. SourceID is a lookup-only
// reference: the chunk does not own the source row.
//
// A non-empty CustomerID makes the chunk private to that customer.
type KnowledgeChunk struct {
	ID         string `json:"id" gorm:"primaryKey;size:36"`
	TenantID   string `json:"tenant_id" gorm:"uniqueIndex:idx_knowledge_source,priority:1;size:64;not null"`
	SourceType string `json:"source_type" gorm:"uniqueIndex:idx_knowledge_source,priority:2;size:20;not null"`
	SourceID   string `json:"source_id" gorm:"uniqueIndex:idx_knowledge_source,priority:3;size:64;not null"`
	ChunkIndex int    `json:"chunk_index" gorm:"uniqueIndex:idx_knowledge_source,priority:4;not null"`

	CustomerID  string `json:"customer_id,omitempty" gorm:"index;size:64"`
	Title       string `json:"title,omitempty" gorm:"size:200"`
	Content     string `json:"content" gorm:"type:text;not null"`
	ContentHash string `json:"-" gorm:"size:64"`

	// Embedding is NULL until computed.
	Embedding Vector `json:"-" gorm:"type:text"`

	// SourceUpdatedAt is the last-updated time of the source row; retrieval
	// uses it to break score ties.
	SourceUpdatedAt time.Time `json:"source_updated_at"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

func (KnowledgeChunk) TableName() string {
	return "knowledge_chunks"
}

// Shared reports whether every customer of the tenant may see the chunk.
func (c *KnowledgeChunk) Shared() bool {
	return c.CustomerID == ""
}

// Vector is an embedding stored as a JSON array.
type Vector []float32

// Value implements driver.Valuer for Vector
func (v Vector) Value() (driver.Value, error) {
	if len(v) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner for Vector
func (v *Vector) Scan(value interface{}) error {
	return scanJSON(value, v)
}
