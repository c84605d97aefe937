// Database models for conversation compaction
package db

import "time"

// ConversationSnapshot records one compaction pass for audit. The raw
// messages in [FromSeq, ToSeq] stay in the messages table.
type ConversationSnapshot struct {
	ID             string `json:"id" gorm:"primaryKey;size:36"`
	ConversationID string `json:"conversation_id" gorm:"index;size:36;not null"`

	Summary string `json:"summary" gorm:"type:text"`
	Mode    string `json:"mode" gorm:"size:20"` // llm, concat

	// Compaction range
	FromSeq      int64 `json:"from_seq"`
	ToSeq        int64 `json:"to_seq"`
	MessageCount int   `json:"message_count"`

	// Token statistics
	OriginalTokens   int     `json:"original_tokens"`
	CompressedTokens int     `json:"compressed_tokens"`
	CompressionRatio float64 `json:"compression_ratio"`

	CreatedAt time.Time `json:"created_at"`
}

// TableName returns the table name
func (ConversationSnapshot) TableName() string {
	return "conversation_snapshots"
}
