package event

// ============================================================================
// Event Names (constants)
// ============================================================================

const (
	MessageCreated        = "message.created"
	StreamDelta           = "stream.delta"
	StreamDone            = "stream.done"
	ConversationOpened    = "conversation.opened"
	ConversationArchived  = "conversation.archived"
	ConversationCompacted = "conversation.compacted"
	AssistantSuppressed   = "assistant.suppressed"
	AssistantUnavailable  = "assistant.unavailable"
	KnowledgeIndexed      = "knowledge.indexed"
)

// ============================================================================
// Message Events
// ============================================================================

// MessageCreatedEvent is emitted after a message row is committed. It is the
// authoritative notification observers reconcile provisional deltas against.
type MessageCreatedEvent struct {
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
	Seq            int64  `json:"seq"`
	Kind           string `json:"kind"`
	SenderKind     string `json:"sender_kind"`
	TurnID         string `json:"turn_id,omitempty"`
}

func (e MessageCreatedEvent) EventName() string       { return MessageCreated }
func (e MessageCreatedEvent) ConversationKey() string { return e.ConversationID }

// ============================================================================
// Stream Events (provisional, never persisted)
// ============================================================================

// StreamDeltaEvent carries one incremental text delta of an assistant reply.
type StreamDeltaEvent struct {
	ConversationID string `json:"conversation_id"`
	TurnID         string `json:"turn_id"`
	Index          int    `json:"index"`
	Delta          string `json:"delta"`
}

func (e StreamDeltaEvent) EventName() string       { return StreamDelta }
func (e StreamDeltaEvent) ConversationKey() string { return e.ConversationID }

// StreamDoneEvent terminates a stream. MessageID is empty when the turn
// failed and nothing was persisted.
type StreamDoneEvent struct {
	ConversationID string `json:"conversation_id"`
	TurnID         string `json:"turn_id"`
	MessageID      string `json:"message_id,omitempty"`
	Error          string `json:"error,omitempty"`
}

func (e StreamDoneEvent) EventName() string       { return StreamDone }
func (e StreamDoneEvent) ConversationKey() string { return e.ConversationID }

// ============================================================================
// Conversation Events
// ============================================================================

// ConversationOpenedEvent is emitted when get-or-create creates a conversation.
type ConversationOpenedEvent struct {
	ConversationID string `json:"conversation_id"`
	TenantID       string `json:"tenant_id"`
	CustomerID     string `json:"customer_id"`
}

func (e ConversationOpenedEvent) EventName() string       { return ConversationOpened }
func (e ConversationOpenedEvent) ConversationKey() string { return e.ConversationID }

// ConversationArchivedEvent is emitted when a conversation is archived.
type ConversationArchivedEvent struct {
	ConversationID string `json:"conversation_id"`
}

func (e ConversationArchivedEvent) EventName() string       { return ConversationArchived }
func (e ConversationArchivedEvent) ConversationKey() string { return e.ConversationID }

// ConversationCompactedEvent is emitted after the rolling summary moves.
type ConversationCompactedEvent struct {
	ConversationID       string `json:"conversation_id"`
	SummarizedThroughSeq int64  `json:"summarized_through_seq"`
}

func (e ConversationCompactedEvent) EventName() string       { return ConversationCompacted }
func (e ConversationCompactedEvent) ConversationKey() string { return e.ConversationID }

// AssistantSuppressedEvent is emitted when the arbiter yields a turn to staff.
type AssistantSuppressedEvent struct {
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
	StaffID        string `json:"staff_id,omitempty"`
}

func (e AssistantSuppressedEvent) EventName() string       { return AssistantSuppressed }
func (e AssistantSuppressedEvent) ConversationKey() string { return e.ConversationID }

// AssistantUnavailableEvent carries the system note shown to the customer
// when a completion fails. It is not stored in the transcript.
type AssistantUnavailableEvent struct {
	ConversationID string `json:"conversation_id"`
	TurnID         string `json:"turn_id,omitempty"`
	Kind           string `json:"kind"`
	Note           string `json:"note"`
}

func (e AssistantUnavailableEvent) EventName() string       { return AssistantUnavailable }
func (e AssistantUnavailableEvent) ConversationKey() string { return e.ConversationID }

// ============================================================================
// Knowledge Events
// ============================================================================

// KnowledgeIndexedEvent is emitted after a source document is (re)indexed.
type KnowledgeIndexedEvent struct {
	TenantID   string `json:"tenant_id"`
	SourceType string `json:"source_type"`
	SourceID   string `json:"source_id"`
	Chunks     int    `json:"chunks"`
}

func (e KnowledgeIndexedEvent) EventName() string { return KnowledgeIndexed }
