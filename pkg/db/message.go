// Database models for chat messages
package db

import (
	"database/sql/driver"
	"encoding/json"
	"time"
)

// Message is one entry of a conversation transcript. Rows are append-only:
// nothing in this module updates or deletes a message once created.
// Seq gives the total order within a conversation.
type Message struct {
	ID             string `json:"id" gorm:"primaryKey;size:36"`
	ConversationID string `json:"conversation_id" gorm:"uniqueIndex:idx_messages_conversation_seq,priority:1;size:36;not null"`
	Seq            int64  `json:"seq" gorm:"uniqueIndex:idx_messages_conversation_seq,priority:2;not null"`

	// TurnID links an assistant reply with the action-result message it produced.
	TurnID *string `json:"turn_id,omitempty" gorm:"index;size:36"`
	// ReplyToSeq is the seq of the customer message an assistant reply answers.
	ReplyToSeq *int64 `json:"reply_to_seq,omitempty"`

	SenderKind string `json:"sender_kind" gorm:"size:20;not null"` // customer, assistant, staff
	SenderID   string `json:"sender_id" gorm:"size:64;not null"`
	Kind       string `json:"kind" gorm:"size:20;not null;default:'text'"` // text, system, action-result
	Body       string `json:"body" gorm:"type:text;not null"`

	// Intents is the audit trail of action intents emitted with an assistant reply.
	Intents IntentRecords `json:"intents,omitempty" gorm:"type:text"`

	CreatedAt time.Time `json:"created_at"`
}

func (*Message) TableName() string {
	return "messages"
}

// Sender kinds
const (
	SenderCustomer  = "customer"
	SenderAssistant = "assistant"
	SenderStaff     = "staff"
)

// Message kinds
const (
	MessageKindText         = "text"
	MessageKindSystem       = "system"
	MessageKindActionResult = "action-result"
)

// IntentRecord is the persisted form of one action intent and its outcome.
type IntentRecord struct {
	Name       string            `json:"name"`
	Arguments  json.RawMessage   `json:"arguments,omitempty"`
	Success    bool              `json:"success"`
	ErrorKind  string            `json:"error_kind,omitempty"`
	ResultRefs map[string]string `json:"result_refs,omitempty"`
}

// IntentRecords is stored as a JSON array.
type IntentRecords []IntentRecord

// Value implements driver.Valuer for IntentRecords
func (r IntentRecords) Value() (driver.Value, error) {
	if len(r) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner for IntentRecords
func (r *IntentRecords) Scan(value interface{}) error {
	return scanJSON(value, r)
}
