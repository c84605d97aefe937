// Database models for customer conversations
package db

import "time"

// Conversation is the chat thread between one customer and the business.
// At most one conversation per (tenant, customer) is open at a time; OpenKey
// carries a unique value while open and is cleared on archive.
type Conversation struct {
	ID         string  `json:"id" gorm:"primaryKey;size:36"`
	TenantID   string  `json:"tenant_id" gorm:"index;size:64;not null"`
	CustomerID string  `json:"customer_id" gorm:"index;size:64;not null"`
	Status     string  `json:"status" gorm:"size:20;not null;default:'open'"` // open, archived
	OpenKey    *string `json:"-" gorm:"uniqueIndex;size:140"`

	// LastSeq is the highest message seq handed out for this conversation.
	LastSeq        int64     `json:"last_seq" gorm:"not null;default:0"`
	LastActivityAt time.Time `json:"last_activity_at" gorm:"index"`

	// Rolling summary of folded messages. SummarizedThroughSeq is the
	// watermark: every message with seq <= it is represented by Summary.
	Summary              *string    `json:"summary,omitempty" gorm:"type:text"`
	SummaryUpdatedAt     *time.Time `json:"summary_updated_at,omitempty"`
	SummarizedThroughSeq int64      `json:"summarized_through_seq" gorm:"not null;default:0"`
	CompactionCount      int        `json:"compaction_count" gorm:"default:0"`

	ArchivedAt *time.Time `json:"archived_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

func (Conversation) TableName() string {
	return "conversations"
}

// Conversation status
const (
	ConversationStatusOpen     = "open"
	ConversationStatusArchived = "archived"
)

// OpenKeyFor builds the uniqueness key held by a customer's open conversation.
func OpenKeyFor(tenantID, customerID string) string {
	return tenantID + ":" + customerID
}

// IsOpen reports whether new messages may be appended.
func (c *Conversation) IsOpen() bool {
	return c.Status == ConversationStatusOpen
}

// SummaryText returns the rolling summary or "".
func (c *Conversation) SummaryText() string {
	if c.Summary == nil {
		return ""
	}
	return *c.Summary
}
