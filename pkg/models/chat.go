// HTTP API types for conversations, knowledge and staff
package models

import (
	"github.com/choraleia/concierge/pkg/db"
)

// ========== Type aliases for database types ==========

type Conversation = db.Conversation
type Message = db.Message
type ConversationSnapshot = db.ConversationSnapshot
type StaffMember = db.StaffMember
type Quote = db.Quote
type FolderItem = db.FolderItem

// Response common response structure
type Response struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// ========== Conversations ==========

// PostMessageRequest is a customer message. With Stream set the reply is
// streamed back as server-sent events.
type PostMessageRequest struct {
	Body   string `json:"body" binding:"required"`
	Stream bool   `json:"stream,omitempty"`
}

// PostMessageResponse acknowledges a stored customer message.
type PostMessageResponse struct {
	ConversationID string   `json:"conversation_id"`
	Created        bool     `json:"created"`
	Message        *Message `json:"message"`
	Ownership      string   `json:"ownership"`
	StaffID        string   `json:"staff_id,omitempty"`
}

// StaffMessageRequest is a reply written by a staff member.
type StaffMessageRequest struct {
	StaffID string `json:"staff_id" binding:"required"`
	Body    string `json:"body" binding:"required"`
}

// MessageListResponse is one page of messages ordered by seq. Poll again
// with after_seq=NextAfterSeq to continue.
type MessageListResponse struct {
	Messages     []Message `json:"messages"`
	NextAfterSeq int64     `json:"next_after_seq"`
}

// ConversationResponse describes a conversation with its summary state.
type ConversationResponse struct {
	Conversation *Conversation `json:"conversation"`
	Summary      string        `json:"summary,omitempty"`
	RunningTurns int           `json:"running_turns"`
	Streaming    bool          `json:"streaming"`
}

// ========== Knowledge ==========

// KnowledgeUpsertRequest replaces the indexed content of one business record.
type KnowledgeUpsertRequest struct {
	TenantID   string `json:"tenant_id" binding:"required"`
	CustomerID string `json:"customer_id,omitempty"`
	Title      string `json:"title,omitempty"`
	Content    string `json:"content" binding:"required"`
}

// KnowledgeSearchRequest runs a retrieval outside of a conversation.
type KnowledgeSearchRequest struct {
	TenantID   string `json:"tenant_id" binding:"required"`
	CustomerID string `json:"customer_id,omitempty"`
	Query      string `json:"query" binding:"required"`
	Budget     int    `json:"budget,omitempty"`
}

// ========== Staff ==========

type UpsertStaffRequest struct {
	DisplayName string `json:"display_name"`
}

type StaffListResponse struct {
	Staff []StaffMember `json:"staff"`
	Total int           `json:"total"`
}
